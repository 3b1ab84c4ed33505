package api

import (
	"net/http"

	"contextkeeper/internal/fault"
	"contextkeeper/internal/task"

	"github.com/labstack/echo/v4"
)

type ingestRequest struct {
	Path      string `json:"path"`
	ProjectID string `json:"project_id"`
}

// handleIngest queues a file or directory for indexing and returns the task
// id immediately. An empty path means the whole project root; an empty
// project_id means the focused project.
func (s *Server) handleIngest(c echo.Context) error {
	var req ingestRequest
	if err := c.Bind(&req); err != nil {
		return fault.New(fault.InvalidInput, "malformed request body: %v", err)
	}
	if req.ProjectID == "" {
		p, ok := s.projects.Focused()
		if !ok {
			return fault.New(fault.InvalidInput, "no project_id given and no project focused")
		}
		req.ProjectID = p.ID
	}

	tk, err := s.tasks.Submit(req.ProjectID, req.Path, task.KindIngest)
	if err != nil {
		return err
	}
	s.projects.TouchActivity(req.ProjectID)
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"task_id":    tk.ID,
		"project_id": tk.ProjectID,
		"status":     tk.State,
	})
}

func (s *Server) handleGetTask(c echo.Context) error {
	tk, err := s.tasks.Get(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tk)
}

// handleCancelTask requests cancellation and returns the current record.
// Cancelling a task that already reached a terminal state is a no-op.
func (s *Server) handleCancelTask(c echo.Context) error {
	tk, err := s.tasks.Cancel(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tk)
}
