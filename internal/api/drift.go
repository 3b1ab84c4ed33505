package api

import (
	"net/http"
	"strconv"

	"contextkeeper/internal/fault"

	"github.com/labstack/echo/v4"
)

// handleDrift runs a drift analysis over the trailing window. hours=0 or
// absent means the configured default.
func (s *Server) handleDrift(c echo.Context) error {
	hours := s.cfg.Drift.WindowHours
	if raw := c.QueryParam("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fault.New(fault.InvalidInput, "hours must be an integer, got %q", raw)
		}
		hours = n
	}

	a, err := s.drift.Analyze(c.Request().Context(), c.Param("project_id"), hours)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}
