package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/silver-key/factory-agents/internal/autorun"
	"github.com/silver-key/factory-agents/internal/config"
	"github.com/silver-key/factory-agents/internal/domain"
	"github.com/silver-key/factory-agents/internal/eventbus"
	"github.com/silver-key/factory-agents/internal/ghcli"
	"github.com/silver-key/factory-agents/internal/observer"
	"github.com/silver-key/factory-agents/internal/orchestrator"
	"github.com/silver-key/factory-agents/internal/procrun"
	"github.com/silver-key/factory-agents/internal/prompts"
	"github.com/silver-key/factory-agents/internal/runstore"
	"github.com/silver-key/factory-agents/internal/workspace"
	"github.com/silver-key/factory-agents/web/api"
)

var (
	servePort int

	runTaskType string
	runBase     string
	runLabels   string
	runTimeout  int
	runExtra    string

	listStatus string
	listLimit  int
)

var (
	queuedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func styleForStatus(status domain.RunStatus) lipgloss.Style {
	switch status {
	case domain.StatusRunning:
		return runningStyle
	case domain.StatusSuccess:
		return successStyle
	case domain.StatusFailed:
		return failedStyle
	default:
		return queuedStyle
	}
}

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator server",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)

	runCmd := &cobra.Command{
		Use:   "run OWNER/REPO ISSUE",
		Short: "Queue a run for an issue",
		Args:  cobra.ExactArgs(2),
		RunE:  runStart,
	}
	runCmd.Flags().StringVar(&runTaskType, "task-type", "", "task type (feature, bugfix, refactor)")
	runCmd.Flags().StringVar(&runBase, "base", "", "base branch")
	runCmd.Flags().StringVar(&runLabels, "labels", "", "comma-separated PR labels")
	runCmd.Flags().IntVar(&runTimeout, "timeout", 0, "agent timeout in minutes")
	runCmd.Flags().StringVar(&runExtra, "extra-prompt", "", "extra instructions for the agent")
	rootCmd.AddCommand(runCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum runs to show")
	rootCmd.AddCommand(listCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show aggregate run counts",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	tailCmd := &cobra.Command{
		Use:   "tail RUN_ID",
		Short: "Stream a run's log",
		Args:  cobra.ExactArgs(1),
		RunE:  runTail,
	}
	rootCmd.AddCommand(tailCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.General.WorkspaceDir, 0o755); err != nil {
		return err
	}

	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := eventbus.New()
	runner := procrun.NewExecRunner()
	orch := orchestrator.New(orchestrator.Options{
		Store:        store,
		Bus:          bus,
		Runner:       runner,
		Workspaces:   workspace.NewManager(cfg.General.WorkspaceDir),
		Prompts:      prompts.NewLoader(cfg.General.PromptDir),
		Watcher:      observer.New(),
		AgentCommand: cfg.Runs.AgentCommand,
		AuthorName:   cfg.Git.AuthorName,
		AuthorEmail:  cfg.Git.AuthorEmail,
	})

	if cfg.Autorun.Enabled {
		poller := autorun.New(autorun.Options{
			Store:    store,
			Issues:   ghcli.New(runner),
			Starter:  orch,
			Schedule: cfg.Autorun.Schedule,
			Label:    cfg.Autorun.Label,
			Repos:    cfg.Autorun.Repos,
			Defaults: domain.RunConfig{
				BaseBranch:     cfg.Runs.BaseBranch,
				PRLabels:       cfg.Runs.PRLabels,
				TimeoutMinutes: cfg.Runs.TimeoutMinutes,
			},
		})
		if err := poller.Start(); err != nil {
			return fmt.Errorf("starting autorun poller: %w", err)
		}
		defer poller.Stop()
		log.Printf("autorun: polling %d repos on schedule %q", len(cfg.Autorun.Repos), cfg.Autorun.Schedule)
	}

	port := cfg.Web.Port
	if servePort != 0 {
		port = servePort
	}
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, port)
	log.Printf("factoryd: listening on %s", addr)
	return api.NewServer(orch, bus, addr).Start()
}

func runStart(cmd *cobra.Command, args []string) error {
	issue, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("issue must be a number, got %q", args[1])
	}

	payload := api.CreateRunRequest{
		Repo:        args[0],
		IssueNumber: issue,
		TaskType:    runTaskType,
		Config: domain.RunConfig{
			BaseBranch:     runBase,
			ExtraPrompt:    runExtra,
			PRLabels:       runLabels,
			TimeoutMinutes: runTimeout,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := http.Post(serverURL+"/api/runs", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return apiError(resp)
	}

	var run domain.Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return err
	}

	fmt.Printf("Queued run %s for %s#%d\n", run.ID, run.Repo, run.IssueNumber)
	fmt.Printf("Follow it with: factoryd tail %s\n", run.ID)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/api/runs?limit=%d", serverURL, listLimit)
	if listStatus != "" {
		url += "&status=" + listStatus
	}

	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var runs []domain.Run
	if err := json.NewDecoder(resp.Body).Decode(&runs); err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tREPO\tISSUE\tTYPE\tSTATUS\tPR\tCREATED")
	for _, r := range runs {
		pr := "-"
		if r.PRNumber > 0 {
			pr = fmt.Sprintf("#%d", r.PRNumber)
		}
		fmt.Fprintf(w, "%s\t%s\t#%d\t%s\t%s\t%s\t%s\n",
			shortID(r.ID), r.Repo, r.IssueNumber, r.TaskType,
			styleForStatus(r.Status).Render(string(r.Status)),
			pr, r.CreatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(serverURL + "/api/stats")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var stats runstore.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return err
	}

	fmt.Printf("Total:     %d\n", stats.Total)
	fmt.Printf("Running:   %s\n", runningStyle.Render(strconv.Itoa(stats.Running)))
	fmt.Printf("Succeeded: %s\n", successStyle.Render(strconv.Itoa(stats.Succeeded)))
	fmt.Printf("Failed:    %s\n", failedStyle.Render(strconv.Itoa(stats.Failed)))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("server: %s", body.Error)
	}
	return fmt.Errorf("server returned %s", resp.Status)
}
