package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/icotes/icotes/pkg/hop"
)

// listCredentialsHandler handles GET /api/v1/hop/credentials.
func (s *Server) listCredentialsHandler(c *echo.Context) error {
	creds, err := s.deps.Hop.Store().List()
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, creds)
}

// createCredentialHandler handles POST /api/v1/hop/credentials.
func (s *Server) createCredentialHandler(c *echo.Context) error {
	var req CredentialRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	cred := hop.Credential{
		Name:        req.Name,
		Host:        req.Host,
		Port:        req.Port,
		Username:    req.Username,
		Auth:        hop.AuthMethod(req.Auth),
		DefaultPath: req.DefaultPath,
	}
	if req.PrivateKey != "" {
		keyFile, err := s.deps.Hop.Store().StorePrivateKey(req.Name, []byte(req.PrivateKey))
		if err != nil {
			return mapServiceError(err)
		}
		cred.KeyFile = keyFile
	}

	created, err := s.deps.Hop.CreateCredential(cred)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, created)
}

// updateCredentialHandler handles PUT /api/v1/hop/credentials/:id.
func (s *Server) updateCredentialHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "credential id is required")
	}

	var req CredentialRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	cred, err := s.deps.Hop.Store().Get(id)
	if err != nil {
		return mapServiceError(err)
	}
	if req.Name != "" {
		cred.Name = req.Name
	}
	if req.Host != "" {
		cred.Host = req.Host
	}
	if req.Port != 0 {
		cred.Port = req.Port
	}
	if req.Username != "" {
		cred.Username = req.Username
	}
	if req.Auth != "" {
		cred.Auth = hop.AuthMethod(req.Auth)
	}
	if req.DefaultPath != "" {
		cred.DefaultPath = req.DefaultPath
	}
	if req.PrivateKey != "" {
		keyFile, err := s.deps.Hop.Store().StorePrivateKey(cred.Name, []byte(req.PrivateKey))
		if err != nil {
			return mapServiceError(err)
		}
		cred.KeyFile = keyFile
	}

	updated, err := s.deps.Hop.UpdateCredential(cred)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

// deleteCredentialHandler handles DELETE /api/v1/hop/credentials/:id.
func (s *Server) deleteCredentialHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "credential id is required")
	}
	if err := s.deps.Hop.DeleteCredential(id); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &StatusResponse{Status: "deleted"})
}

// connectHandler handles POST /api/v1/hop/connect.
func (s *Server) connectHandler(c *echo.Context) error {
	var req ConnectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Credential == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "credential is required")
	}

	sess, err := s.deps.Hop.Connect(c.Request().Context(), req.Credential, req.Password, req.Passphrase)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

// disconnectHandler handles POST /api/v1/hop/disconnect.
func (s *Server) disconnectHandler(c *echo.Context) error {
	var req ContextRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ContextID == "" {
		req.ContextID = s.deps.Hop.ActiveContext()
	}
	if err := s.deps.Hop.Disconnect(req.ContextID); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, s.deps.Hop.Status())
}

// hopToHandler handles POST /api/v1/hop/hop.
func (s *Server) hopToHandler(c *echo.Context) error {
	var req ContextRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ContextID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "contextId is required")
	}
	sess, err := s.deps.Hop.HopTo(req.ContextID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

// statusHandler handles GET /api/v1/hop/status.
func (s *Server) statusHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Hop.Status())
}

// sessionsHandler handles GET /api/v1/hop/sessions.
func (s *Server) sessionsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Hop.ListSessions())
}

// hopHealthHandler handles GET /api/v1/hop/health.
func (s *Server) hopHealthHandler(c *echo.Context) error {
	contextID := c.QueryParam("context_id")
	if contextID == "" {
		contextID = s.deps.Hop.ActiveContext()
	}

	quality, latency, err := s.deps.Hop.CheckConnectionHealth(c.Request().Context(), contextID)
	resp := ContextHealthResponse{
		ContextID: contextID,
		Quality:   string(quality),
		LatencyMS: float64(latency.Microseconds()) / 1000,
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

// sendFilesHandler handles POST /api/v1/hop/send_files.
func (s *Server) sendFilesHandler(c *echo.Context) error {
	var req SendFilesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Paths) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "paths is required")
	}
	if req.Dest == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "dest is required")
	}
	if req.ContextID == "" {
		req.ContextID = s.deps.Hop.ActiveContext()
	}

	result, err := s.deps.Hop.SendFiles(c.Request().Context(), req.ContextID, s.deps.WorkspaceRoot, req.Paths, req.Dest)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}
