package api

import (
	"net/http"

	"contextkeeper/internal/fault"
	"contextkeeper/internal/logging"
	"contextkeeper/internal/project"
	"contextkeeper/internal/task"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
)

type createProjectRequest struct {
	Name        string `json:"name"`
	RootPath    string `json:"root_path"`
	Description string `json:"description"`
}

func (s *Server) handleListProjects(c echo.Context) error {
	focusedID := ""
	if p, ok := s.projects.Focused(); ok {
		focusedID = p.ID
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"projects":        s.projects.List(),
		"focused_project": focusedID,
	})
}

func (s *Server) handleCreateProject(c echo.Context) error {
	var req createProjectRequest
	if err := c.Bind(&req); err != nil {
		return fault.New(fault.InvalidInput, "malformed request body: %v", err)
	}
	p, err := s.projects.Create(req.Name, req.RootPath, req.Description)
	if err != nil {
		return err
	}
	s.watchProject(p)
	return c.JSON(http.StatusCreated, p)
}

func (s *Server) handleCreateAndIndex(c echo.Context) error {
	var req createProjectRequest
	if err := c.Bind(&req); err != nil {
		return fault.New(fault.InvalidInput, "malformed request body: %v", err)
	}
	p, err := s.projects.Create(req.Name, req.RootPath, req.Description)
	if err != nil {
		return err
	}
	s.watchProject(p)

	tk, err := s.tasks.Submit(p.ID, "", task.KindIngest)
	if err != nil {
		// The project exists; report it alongside the submission failure.
		return c.JSON(statusFor(fault.KindOf(err)), map[string]interface{}{
			"project_id": p.ID,
			"error":      err.Error(),
			"kind":       string(fault.KindOf(err)),
		})
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"project_id": p.ID,
		"task_id":    tk.ID,
	})
}

func (s *Server) handleGetProject(c echo.Context) error {
	p, err := s.projects.Get(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

// handleDeleteProject removes the record, its vector collections, and focus
// if it pointed there. Archived collections persist until this call.
func (s *Server) handleDeleteProject(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.projects.Get(id); err != nil {
		return err
	}
	if s.watcher != nil {
		s.watcher.Unwatch(id)
	}
	if err := s.retrieval.DropProject(id); err != nil {
		return err
	}
	if err := s.projects.Delete(id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleFocusProject(c echo.Context) error {
	p, err := s.projects.Focus(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"focused_project": p.ID,
		"project":         p,
	})
}

func (s *Server) handlePauseProject(c echo.Context) error {
	p, err := s.projects.Pause(c.Param("id"))
	if err != nil {
		return err
	}
	if s.watcher != nil {
		s.watcher.Unwatch(p.ID)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleResumeProject(c echo.Context) error {
	p, err := s.projects.Resume(c.Param("id"))
	if err != nil {
		return err
	}
	s.watchProject(p)
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleArchiveProject(c echo.Context) error {
	p, err := s.projects.Archive(c.Param("id"))
	if err != nil {
		return err
	}
	if s.watcher != nil {
		s.watcher.Unwatch(p.ID)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleProjectContext(c echo.Context) error {
	id := c.Param("id")
	p, err := s.projects.Get(id)
	if err != nil {
		return err
	}

	stats, err := s.retrieval.ProjectStats(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if raw, ok := stats["content_bytes"].(int64); ok {
		stats["bytes_indexed_human"] = humanize.Bytes(uint64(raw))
	}
	stats["tasks"] = s.tasks.Counts(id)
	stats["last_active"] = p.LastActive

	return c.JSON(http.StatusOK, map[string]interface{}{
		"project":    p,
		"decisions":  p.Decisions,
		"objectives": p.Objectives,
		"statistics": stats,
	})
}

type addDecisionRequest struct {
	Text         string   `json:"text"`
	Reasoning    string   `json:"reasoning"`
	Tags         []string `json:"tags"`
	Alternatives []string `json:"alternatives"`
}

func (s *Server) handleAddDecision(c echo.Context) error {
	var req addDecisionRequest
	if err := c.Bind(&req); err != nil {
		return fault.New(fault.InvalidInput, "malformed request body: %v", err)
	}
	d, err := s.projects.AddDecision(c.Param("id"), req.Text, req.Reasoning, req.Tags, req.Alternatives)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, d)
}

type addObjectiveRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
}

func (s *Server) handleAddObjective(c echo.Context) error {
	var req addObjectiveRequest
	if err := c.Bind(&req); err != nil {
		return fault.New(fault.InvalidInput, "malformed request body: %v", err)
	}
	o, err := s.projects.AddObjective(c.Param("id"), req.Title, req.Description, req.Priority)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, o)
}

func (s *Server) handleCompleteObjective(c echo.Context) error {
	o, err := s.projects.CompleteObjective(c.Param("id"), c.Param("oid"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, o)
}

// watchProject registers an active project with the auto-reindex watcher
// when one is configured. Failures are logged, not fatal; manual ingestion
// still works.
func (s *Server) watchProject(p *project.Project) {
	if s.watcher == nil || p.Status != project.StatusActive {
		return
	}
	if err := s.watcher.Watch(p.ID, p.RootPath); err != nil {
		logging.APIError("Watching project %s: %v", p.ID, err)
	}
}
