package api

import (
	"io"
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// rpcMaxBodySize bounds /rpc request bodies.
const rpcMaxBodySize = 10 << 20 // 10 MiB

// rpcHandler handles POST /rpc: one JSON-RPC request or batch per POST.
// Notifications get 204 with no body.
func (s *Server) rpcHandler(c *echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, rpcMaxBodySize))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}

	resp := s.deps.RPC.HandleRaw(c.Request().Context(), body)
	if resp == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSONBlob(http.StatusOK, resp)
}
