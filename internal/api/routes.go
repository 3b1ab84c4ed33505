package api

import (
	"contextkeeper/internal/metrics"

	"github.com/labstack/echo/v4"
)

func (s *Server) routes() {
	e := s.echo

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	e.GET("/ws", s.handleWS)

	e.GET("/projects", s.handleListProjects)
	e.POST("/projects", s.handleCreateProject)
	e.POST("/projects/create-and-index", s.handleCreateAndIndex)
	e.GET("/projects/:id", s.handleGetProject)
	e.DELETE("/projects/:id", s.handleDeleteProject)
	e.PUT("/projects/:id/focus", s.handleFocusProject)
	e.PUT("/projects/:id/pause", s.handlePauseProject)
	e.PUT("/projects/:id/resume", s.handleResumeProject)
	e.PUT("/projects/:id/archive", s.handleArchiveProject)
	e.GET("/projects/:id/context", s.handleProjectContext)
	e.POST("/projects/:id/decisions", s.handleAddDecision)
	e.POST("/projects/:id/objectives", s.handleAddObjective)
	e.POST("/projects/:id/objectives/:oid/complete", s.handleCompleteObjective)

	e.POST("/ingest", s.handleIngest)
	e.GET("/tasks/:id", s.handleGetTask)
	e.DELETE("/tasks/:id", s.handleCancelTask)

	e.POST("/query", s.handleQuery)
	e.POST("/query_llm", s.handleQueryLLM)

	e.POST("/sacred/plans", s.handleCreatePlan)
	e.GET("/sacred/plans", s.handleListPlans)
	e.GET("/sacred/plans/:id", s.handleGetPlan)
	e.POST("/sacred/plans/:id/approve", s.handleApprovePlan)
	e.POST("/sacred/query", s.handleSacredQuery)
	e.GET("/sacred/drift/:project_id", s.handleDrift)

	e.GET("/analytics/sacred", s.handleSacredAnalytics)
}
