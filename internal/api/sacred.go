package api

import (
	"net/http"
	"os"
	"time"

	"contextkeeper/internal/fault"

	"github.com/labstack/echo/v4"
)

type createPlanRequest struct {
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	FilePath  string `json:"file_path"`
}

// handleCreatePlan registers a draft plan from inline content or a local
// file. Exactly one source must be given.
func (s *Server) handleCreatePlan(c echo.Context) error {
	var req createPlanRequest
	if err := c.Bind(&req); err != nil {
		return fault.New(fault.InvalidInput, "malformed request body: %v", err)
	}
	if (req.Content == "") == (req.FilePath == "") {
		return fault.New(fault.InvalidInput, "exactly one of content or file_path is required")
	}
	if _, err := s.projects.Get(req.ProjectID); err != nil {
		return err
	}

	content := req.Content
	if req.FilePath != "" {
		data, err := os.ReadFile(req.FilePath)
		if err != nil {
			if os.IsNotExist(err) {
				return fault.New(fault.NotFound, "plan file %s not found", req.FilePath)
			}
			return fault.Wrap(fault.InvalidInput, err, "reading plan file %s", req.FilePath)
		}
		content = string(data)
	}

	p, err := s.sacred.CreatePlan(c.Request().Context(), req.ProjectID, req.Title, content)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

func (s *Server) handleListPlans(c echo.Context) error {
	plans, err := s.sacred.ListPlans(c.QueryParam("project_id"), c.QueryParam("status"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"plans": plans})
}

func (s *Server) handleGetPlan(c echo.Context) error {
	p, err := s.sacred.GetPlan(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

type approvePlanRequest struct {
	Approver              string `json:"approver"`
	VerificationCode      string `json:"verification_code"`
	SecondaryVerification string `json:"secondary_verification"`
}

func (s *Server) handleApprovePlan(c echo.Context) error {
	var req approvePlanRequest
	if err := c.Bind(&req); err != nil {
		return fault.New(fault.InvalidInput, "malformed request body: %v", err)
	}
	p, err := s.sacred.ApprovePlan(c.Request().Context(), c.Param("id"),
		req.VerificationCode, req.SecondaryVerification, req.Approver)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

type sacredQueryRequest struct {
	ProjectID string `json:"project_id"`
	Query     string `json:"query"`
	K         int    `json:"k"`
}

func (s *Server) handleSacredQuery(c echo.Context) error {
	var req sacredQueryRequest
	if err := c.Bind(&req); err != nil {
		return fault.New(fault.InvalidInput, "malformed request body: %v", err)
	}
	hits, err := s.sacred.QueryPlans(c.Request().Context(), req.ProjectID, req.Query, req.K)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"project_id": req.ProjectID,
		"query":      req.Query,
		"results":    hits,
		"timestamp":  time.Now().UTC(),
	})
}
