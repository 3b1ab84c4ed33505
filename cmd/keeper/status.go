package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon health and registered projects",
	Long:  `Queries the running daemon over HTTP and prints its health, any degraded subsystems, and the project registry.`,
	RunE:  runStatus,
}

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	base := "http://" + cfg.Server.Bind
	client := &http.Client{Timeout: 5 * time.Second}

	var health struct {
		Status    string   `json:"status"`
		UptimeSec int64    `json:"uptime_secs"`
		Degraded  []string `json:"degraded"`
	}
	if err := getJSON(client, base+"/health", &health); err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w (is \"keeper serve\" running?)", base, err)
	}

	badge := okStyle.Render("● ok")
	if health.Status != "ok" {
		badge = warnStyle.Render("● " + health.Status)
	}
	uptime := (time.Duration(health.UptimeSec) * time.Second).String()
	fmt.Printf("%s  %s  (up %s)\n", badge, base, uptime)
	for _, d := range health.Degraded {
		fmt.Printf("  %s %s\n", warnStyle.Render("!"), d)
	}

	var list struct {
		Projects []struct {
			ID          string    `json:"project_id"`
			Name        string    `json:"name"`
			RootPath    string    `json:"root_path"`
			Status      string    `json:"status"`
			RootMissing bool      `json:"root_missing"`
			LastActive  time.Time `json:"last_active"`
		} `json:"projects"`
		Focused string `json:"focused_project"`
	}
	if err := getJSON(client, base+"/projects", &list); err != nil {
		return fmt.Errorf("listing projects: %w", err)
	}

	fmt.Println()
	if len(list.Projects) == 0 {
		fmt.Println(mutedStyle.Render("no projects registered"))
		return nil
	}
	for _, p := range list.Projects {
		marker := "  "
		if p.ID == list.Focused {
			marker = okStyle.Render("▶ ")
		}
		line := fmt.Sprintf("%s%s  %s [%s]", marker, p.ID, p.Name, p.Status)
		if p.RootMissing {
			line += "  " + errStyle.Render("root missing")
		}
		fmt.Println(line)
		fmt.Println(mutedStyle.Render("    " + p.RootPath))
	}
	return nil
}

func getJSON(client *http.Client, url string, out interface{}) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
