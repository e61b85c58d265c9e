package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/icotes/icotes/pkg/hop"
	"github.com/icotes/icotes/pkg/version"
)

const (
	healthStatusHealthy  = "healthy"
	healthStatusDegraded = "degraded"
)

// healthHandler handles GET /health. It reflects the state of the
// in-process fabric only; remote hop targets are reported but never make
// the process itself unhealthy, so an orchestrator will not restart the
// server over a broken SSH target.
func (s *Server) healthHandler(c *echo.Context) error {
	status := healthStatusHealthy
	checks := make(map[string]HealthCheck)
	stats := make(map[string]any)

	if s.deps.Bus != nil {
		checks["broker"] = HealthCheck{Status: healthStatusHealthy}
		stats["broker"] = s.deps.Bus.Stats()
	}
	if s.deps.Manager != nil {
		checks["connections"] = HealthCheck{Status: healthStatusHealthy}
		stats["connections"] = s.deps.Manager.Stats()
	}
	if s.deps.Broadcaster != nil {
		stats["broadcaster"] = s.deps.Broadcaster.Stats()
	}
	if s.deps.WS != nil {
		stats["wsapi"] = s.deps.WS.Stats()
	}

	if s.deps.Hop != nil {
		sess := s.deps.Hop.Status()
		check := HealthCheck{Status: healthStatusHealthy}
		if sess.ContextID != hop.LocalContextID && sess.Status != hop.StatusConnected {
			status = healthStatusDegraded
			check = HealthCheck{Status: healthStatusDegraded, Message: sess.LastError}
		}
		checks["hop"] = check
		stats["hop"] = map[string]any{
			"active_context": sess.ContextID,
			"sessions":       len(s.deps.Hop.ListSessions()),
		}
	}

	return c.JSON(http.StatusOK, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
		Stats:   stats,
	})
}
