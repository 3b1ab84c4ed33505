package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"contextkeeper/internal/sacred"
)

var plansProjectFilter string

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "Inspect sacred plans without the daemon",
	Long: `Reads plan records straight from the data root, so it works whether
or not the daemon is running. All mutation still goes through the API.`,
}

var plansListCmd = &cobra.Command{
	Use:   "list",
	Short: "List plan records",
	RunE:  runPlansList,
}

var plansShowCmd = &cobra.Command{
	Use:   "show [plan_id]",
	Short: "Render a plan's content",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlansShow,
}

// readPlanRecords loads every plan record in the sacred plans directory.
// Unreadable or malformed files are skipped with a notice, matching the
// daemon's loading behavior.
func readPlanRecords(dir string) ([]*sacred.Plan, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}

	var plans []*sacred.Plan
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping %s: %v\n", entry.Name(), err)
			continue
		}
		var p sacred.Plan
		if err := json.Unmarshal(data, &p); err != nil {
			fmt.Fprintf(os.Stderr, "skipping %s: %v\n", entry.Name(), err)
			continue
		}
		plans = append(plans, &p)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].CreatedAt.Before(plans[j].CreatedAt) })
	return plans, nil
}

func runPlansList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	plans, err := readPlanRecords(cfg.SacredPlansDir())
	if err != nil {
		return err
	}

	shown := 0
	for _, p := range plans {
		if plansProjectFilter != "" && p.ProjectID != plansProjectFilter {
			continue
		}
		shown++

		badge := mutedStyle.Render(string(p.Status))
		switch p.Status {
		case sacred.StatusApproved:
			badge = okStyle.Render(string(p.Status))
		case sacred.StatusDraft, sacred.StatusPendingApproval:
			badge = warnStyle.Render(string(p.Status))
		}
		fmt.Printf("%s  %-18s %s\n", p.ID, badge, p.Title)
		detail := fmt.Sprintf("    %s · created %s", p.ProjectID, p.CreatedAt.Format("2006-01-02 15:04"))
		if p.Approval != nil {
			detail += fmt.Sprintf(" · approved by %s", p.Approval.Approver)
		}
		if p.SupersededBy != "" {
			detail += fmt.Sprintf(" · superseded by %s", p.SupersededBy)
		}
		fmt.Println(mutedStyle.Render(detail))
	}
	if shown == 0 {
		fmt.Println(mutedStyle.Render("no plan records found"))
	}
	return nil
}

func runPlansShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	planID := args[0]

	data, err := os.ReadFile(filepath.Join(cfg.SacredPlansDir(), planID+".json"))
	if err != nil {
		return fmt.Errorf("plan %s not found in %s", planID, cfg.SacredPlansDir())
	}
	var p sacred.Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("plan record %s is malformed: %w", planID, err)
	}

	content, err := os.ReadFile(filepath.Join(cfg.SacredPlansDir(), planID+".content"))
	if err != nil {
		return fmt.Errorf("plan %s has no content sidecar; use GET /sacred/plans/%s against the daemon", planID, planID)
	}

	fmt.Printf("%s  %s\n", p.ID, p.Title)
	fmt.Println(mutedStyle.Render(fmt.Sprintf("%s · %s · hash %.12s", p.ProjectID, p.Status, p.ContentHash)))
	if p.Approval != nil {
		fmt.Println(mutedStyle.Render(fmt.Sprintf("approved by %s at %s", p.Approval.Approver,
			p.Approval.ApprovedAt.Format("2006-01-02 15:04"))))
	}
	fmt.Println()

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		fmt.Println(string(content))
		return nil
	}
	rendered, err := renderer.Render(string(content))
	if err != nil {
		fmt.Println(string(content))
		return nil
	}
	fmt.Print(rendered)
	return nil
}

func init() {
	plansListCmd.Flags().StringVar(&plansProjectFilter, "project", "", "Only plans belonging to this project id")
	plansCmd.AddCommand(plansListCmd)
	plansCmd.AddCommand(plansShowCmd)
}
