// Package api is the HTTP edge of the server: the /ws upgrade endpoint,
// the /rpc JSON-RPC endpoint, health, and the hop REST surface.
package api

import (
	"context"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/icotes/icotes/pkg/broadcast"
	"github.com/icotes/icotes/pkg/broker"
	"github.com/icotes/icotes/pkg/connection"
	"github.com/icotes/icotes/pkg/hop"
	"github.com/icotes/icotes/pkg/jsonrpc"
	"github.com/icotes/icotes/pkg/wsapi"
)

// Deps collects the services the HTTP layer fronts.
type Deps struct {
	Bus         *broker.Broker
	Manager     *connection.Manager
	Broadcaster *broadcast.Broadcaster
	Hop         *hop.Service
	Router      *hop.Router
	RPC         *jsonrpc.Handler
	WS          *wsapi.API
	Log         *slog.Logger

	// WorkspaceRoot anchors send_files uploads.
	WorkspaceRoot string
}

// Server owns the echo instance and its routes.
type Server struct {
	deps Deps
	e    *echo.Echo
	srv  *http.Server
}

// NewServer builds the route table. Call Start to listen.
func NewServer(deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}

	e := echo.New()
	e.Use(securityHeaders())
	e.Use(corsHeaders())

	s := &Server{deps: deps, e: e}

	e.GET("/health", s.healthHandler)
	e.GET("/ws", s.wsHandler)
	e.GET("/ws/terminal", s.terminalHandler)
	e.POST("/rpc", s.rpcHandler)

	g := e.Group("/api/v1/hop")
	g.GET("/credentials", s.listCredentialsHandler)
	g.POST("/credentials", s.createCredentialHandler)
	g.PUT("/credentials/:id", s.updateCredentialHandler)
	g.DELETE("/credentials/:id", s.deleteCredentialHandler)
	g.POST("/connect", s.connectHandler)
	g.POST("/disconnect", s.disconnectHandler)
	g.POST("/hop", s.hopToHandler)
	g.GET("/status", s.statusHandler)
	g.GET("/sessions", s.sessionsHandler)
	g.GET("/health", s.hopHealthHandler)
	g.POST("/send_files", s.sendFilesHandler)

	return s
}

// Echo exposes the underlying router, mainly for tests.
func (s *Server) Echo() *echo.Echo { return s.e }

// Start listens on addr and blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.e}
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
