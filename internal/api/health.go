package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	UptimeSec int64     `json:"uptime_secs"`
	Degraded  []string  `json:"degraded,omitempty"`
}

// handleHealth reports liveness. Startup checks that failed non-fatally
// (embedding or generation endpoint unreachable) flip the status to
// "degraded" but the process keeps serving.
func (s *Server) handleHealth(c echo.Context) error {
	status := "ok"
	if len(s.degraded) > 0 {
		status = "degraded"
	}
	return c.JSON(http.StatusOK, healthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		UptimeSec: int64(time.Since(s.started).Seconds()),
		Degraded:  s.degraded,
	})
}
