package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/icotes/icotes/pkg/hop"
	"github.com/icotes/icotes/pkg/wsapi"
)

// wsHandler handles GET /ws. The WebSocket API owns the connection from
// the upgrade onwards.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.deps.WS == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "WebSocket not available")
	}
	s.deps.WS.Handle(c.Response(), c.Request())
	return nil
}

// terminalHandler handles GET /ws/terminal. It upgrades the socket and
// bridges it to the terminal backend of the requested context; the call
// blocks until either side closes.
func (s *Server) terminalHandler(c *echo.Context) error {
	contextID := c.QueryParam("context_id")
	backend, err := s.deps.Router.Terminal(contextID)
	if err != nil {
		return mapServiceError(err)
	}

	opts := hop.TerminalOptions{
		ContextID:  contextID,
		TerminalID: c.QueryParam("terminal_id"),
	}
	if v := c.QueryParam("cols"); v != "" {
		opts.Cols, _ = strconv.Atoi(v)
	}
	if v := c.QueryParam("rows"); v != "" {
		opts.Rows, _ = strconv.Atoi(v)
	}

	stream, err := wsapi.AcceptStream(c.Response(), c.Request())
	if err != nil {
		return err
	}

	if _, err := backend.Attach(c.Request().Context(), stream, opts); err != nil {
		s.deps.Log.Warn("terminal attach ended with error",
			"context_id", contextID, "error", err)
		stream.Close("terminal unavailable")
	}
	return nil
}
