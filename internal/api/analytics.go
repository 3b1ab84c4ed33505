package api

import (
	"net/http"
	"strconv"
	"time"

	"contextkeeper/internal/drift"
	"contextkeeper/internal/fault"
	"contextkeeper/internal/project"
	"contextkeeper/internal/sacred"

	"github.com/labstack/echo/v4"
)

const defaultAnalyticsHours = 168

type approvalAnalytics struct {
	Count           int     `json:"count"`
	MeanLatencySecs float64 `json:"mean_latency_secs"`
	MaxLatencySecs  float64 `json:"max_latency_secs"`
}

type projectAnalytics struct {
	ProjectID     string            `json:"project_id"`
	Name          string            `json:"name"`
	PlansByStatus map[string]int    `json:"plans_by_status"`
	Approvals     approvalAnalytics `json:"approvals"`
	Drift         *drift.Stat       `json:"drift,omitempty"`
}

// handleSacredAnalytics aggregates plan governance activity per project:
// plan counts by status for plans created in the timeframe, approval
// latency for approvals landing in it, and the drift-check history.
func (s *Server) handleSacredAnalytics(c echo.Context) error {
	hours := defaultAnalyticsHours
	if raw := c.QueryParam("timeframe"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return fault.New(fault.InvalidInput, "timeframe must be a positive integer, got %q", raw)
		}
		hours = n
	}
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	var projects []*project.Project
	if filter := c.QueryParam("project_filter"); filter != "" {
		p, err := s.projects.Get(filter)
		if err != nil {
			return err
		}
		projects = []*project.Project{p}
	} else {
		projects = s.projects.List()
	}

	out := make([]projectAnalytics, 0, len(projects))
	totalPlans, totalApproved := 0, 0
	for _, p := range projects {
		pa, err := s.analyzeProject(p, cutoff)
		if err != nil {
			return err
		}
		for status, n := range pa.PlansByStatus {
			totalPlans += n
			if status == string(sacred.StatusApproved) {
				totalApproved += n
			}
		}
		out = append(out, pa)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"timeframe_hours": hours,
		"projects":        out,
		"totals": map[string]int{
			"plans":    totalPlans,
			"approved": totalApproved,
		},
		"generated_at": time.Now().UTC(),
	})
}

func (s *Server) analyzeProject(p *project.Project, cutoff time.Time) (projectAnalytics, error) {
	pa := projectAnalytics{
		ProjectID:     p.ID,
		Name:          p.Name,
		PlansByStatus: make(map[string]int),
	}

	plans, err := s.sacred.ListPlans(p.ID, "")
	if err != nil {
		return pa, err
	}
	archived, err := s.sacred.ListPlans(p.ID, string(sacred.StatusArchived))
	if err != nil {
		return pa, err
	}
	plans = append(plans, archived...)

	var latencies []float64
	for _, plan := range plans {
		if plan.CreatedAt.After(cutoff) {
			pa.PlansByStatus[string(plan.Status)]++
		}
		if plan.Approval != nil && plan.Approval.ApprovedAt.After(cutoff) {
			latencies = append(latencies, plan.Approval.ApprovedAt.Sub(plan.CreatedAt).Seconds())
		}
	}

	pa.Approvals.Count = len(latencies)
	for _, l := range latencies {
		pa.Approvals.MeanLatencySecs += l
		if l > pa.Approvals.MaxLatencySecs {
			pa.Approvals.MaxLatencySecs = l
		}
	}
	if len(latencies) > 0 {
		pa.Approvals.MeanLatencySecs /= float64(len(latencies))
	}

	if stat, ok := s.drift.Summary(p.ID); ok {
		pa.Drift = &stat
	}
	return pa, nil
}
