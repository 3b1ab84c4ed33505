package api

import (
	"context"
	"net/http"

	"contextkeeper/internal/fault"

	"github.com/labstack/echo/v4"
)

type queryRequest struct {
	Question  string `json:"question"`
	K         int    `json:"k"`
	ProjectID string `json:"project_id"`
}

func (s *Server) handleQuery(c echo.Context) error {
	var req queryRequest
	if err := c.Bind(&req); err != nil {
		return fault.New(fault.InvalidInput, "malformed request body: %v", err)
	}
	res, err := s.retrieval.Query(c.Request().Context(), req.ProjectID, req.Question, req.K)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// handleQueryLLM answers from retrieved context within the generation
// budget. Generation failure degrades to the raw chunks with a note, still
// HTTP 200.
func (s *Server) handleQueryLLM(c echo.Context) error {
	var req queryRequest
	if err := c.Bind(&req); err != nil {
		return fault.New(fault.InvalidInput, "malformed request body: %v", err)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.cfg.GenerationTimeout())
	defer cancel()

	res, err := s.retrieval.QueryWithGeneration(ctx, req.ProjectID, req.Question, req.K)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}
