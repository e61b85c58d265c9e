package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/icotes/icotes/pkg/connection"
	"github.com/icotes/icotes/pkg/filesystem"
)

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	if errors.Is(err, filesystem.ErrNotFound) || errors.Is(err, connection.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, filesystem.ErrExists) {
		return echo.NewHTTPError(http.StatusConflict, "resource already exists")
	}
	if errors.Is(err, filesystem.ErrOutsideRoot) {
		return echo.NewHTTPError(http.StatusBadRequest, "path outside workspace root")
	}

	// Hop errors carry sanitised, user-facing messages already.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "not found"):
		return echo.NewHTTPError(http.StatusNotFound, msg)
	case strings.Contains(msg, "already exists"):
		return echo.NewHTTPError(http.StatusConflict, msg)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return echo.NewHTTPError(http.StatusBadRequest, msg)
	case strings.Contains(msg, "Authentication failed"),
		strings.Contains(msg, "Connection refused"),
		strings.Contains(msg, "unreachable"),
		strings.Contains(msg, "timed out"):
		return echo.NewHTTPError(http.StatusBadGateway, msg)
	}

	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
