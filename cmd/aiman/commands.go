package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aimanhq/aiman/internal/batch"
	"github.com/aimanhq/aiman/internal/config"
	"github.com/aimanhq/aiman/internal/domain"
	"github.com/aimanhq/aiman/internal/executor"
	"github.com/aimanhq/aiman/internal/notify"
	"github.com/aimanhq/aiman/internal/parser"
	"github.com/aimanhq/aiman/internal/projectstore"
	"github.com/aimanhq/aiman/internal/runner"
	"github.com/aimanhq/aiman/internal/supervisor"
	"github.com/aimanhq/aiman/internal/toolwatcher"
	"github.com/aimanhq/aiman/web/api"
)

var (
	servePort  int
	submitHost string
)

func init() {
	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the execution engine and HTTP API",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)

	// run command
	runCmd := &cobra.Command{
		Use:   "run PROJECT_FILE",
		Short: "Execute a project definition file and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	rootCmd.AddCommand(runCmd)

	// submit command
	submitCmd := &cobra.Command{
		Use:   "submit PROJECT_FILE",
		Short: "Submit a project definition to a running engine",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubmit,
	}
	submitCmd.Flags().StringVar(&submitHost, "server", "", "engine address (host:port, overrides config)")
	rootCmd.AddCommand(submitCmd)

	// list command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE:  runList,
	}
	rootCmd.AddCommand(listCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status [PROJECT_ID]",
		Short: "Show engine status or one project's file results",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	// tools command group
	toolsCmd := &cobra.Command{
		Use:   "tools",
		Short: "Manage the tool catalog",
	}
	toolsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tools",
		RunE:  runToolsList,
	})
	toolsCmd.AddCommand(&cobra.Command{
		Use:   "add NAME TEMPLATE",
		Short: "Add a tool",
		Args:  cobra.ExactArgs(2),
		RunE:  runToolsAdd,
	})
	toolsCmd.AddCommand(&cobra.Command{
		Use:   "disable ID",
		Short: "Disable a tool",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return setToolActive(args[0], false) },
	})
	toolsCmd.AddCommand(&cobra.Command{
		Use:   "enable ID",
		Short: "Re-enable a tool",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return setToolActive(args[0], true) },
	})
	toolsCmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Import the JSON tools file into the catalog",
		RunE:  runToolsSync,
	})
	rootCmd.AddCommand(toolsCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func openStore(cfg *config.Config) (*projectstore.Store, error) {
	if err := os.MkdirAll(cfg.General.DataDir, 0755); err != nil {
		return nil, err
	}
	return projectstore.New(cfg.General.DatabasePath)
}

func newExecutor(cfg *config.Config) *executor.Executor {
	return executor.New(executor.Config{
		Timeout:      cfg.Execution.CommandTimeout(),
		ExcerptLimit: cfg.Execution.ExcerptLimitBytes,
		Policy: executor.Policy{
			AllowedPrefixes: cfg.Execution.AllowedCommandPrefixes,
			BlockedPatterns: cfg.Execution.BlockedPatterns,
		},
	})
}

func newNotifier(cfg *config.Config) notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	if len(notifiers) == 0 {
		return &notify.NoopNotifier{}
	}
	return notify.NewMultiNotifier(notifiers...)
}

// findToolByName resolves a tool by name, preferring active tools
func findToolByName(store *projectstore.Store, name string) (*domain.AITool, error) {
	tools, err := store.ListTools()
	if err != nil {
		return nil, err
	}
	for _, t := range tools {
		if t.Name == name && t.Active {
			return t, nil
		}
	}
	for _, t := range tools {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("no tool named %q in the catalog", name)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exec := newExecutor(cfg)
	run := runner.New(store, exec, cfg.Execution.FileFanOut)
	sup := supervisor.New(store, run, cfg.Execution.MaxConcurrentProjects)
	sup.SetNotifier(newNotifier(cfg))
	sup.SetValidator(exec)

	port := servePort
	if port == 0 {
		port = cfg.Web.Port
	}
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, port)
	server := api.NewServer(store, sup, addr)
	server.SetTemplateValidator(exec)

	// Stream progress to connected UI clients
	run.OnFileResult = func(projectID string, result domain.FileResult) {
		server.Broadcast(api.SSEEvent{Type: "file_update", Data: map[string]interface{}{
			"project_id": projectID,
			"index":      result.Index,
			"path":       result.Path,
			"status":     string(result.Status),
		}})
	}
	run.OnStatus = func(projectID string, status domain.ProjectStatus) {
		server.Broadcast(api.SSEEvent{Type: "project_update", Data: map[string]string{
			"project_id": projectID,
			"status":     string(status),
		}})
	}

	if err := sup.Start(ctx); err != nil {
		return err
	}

	if cfg.General.ToolsFile != "" {
		watcher, err := toolwatcher.New(cfg.General.ToolsFile, store)
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "tools file watch disabled: %v\n", err)
		} else {
			defer watcher.Stop()
		}
	}

	scheduleCfg, err := batch.LoadScheduleConfig(filepath.Join(cfg.General.DataDir, "schedules.toml"))
	if err != nil {
		return err
	}
	if len(scheduleCfg.Schedules) > 0 {
		sched, err := batch.NewScheduler(scheduleCfg.Schedules)
		if err != nil {
			return err
		}
		go sched.Start(func(entry batch.ScheduleEntry) error {
			return submitScheduled(store, sup, entry)
		})
		defer sched.Stop()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	fmt.Printf("aiman engine listening at http://%s\n", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		fmt.Println("shutting down, waiting for running projects")
		sup.Wait()
		return nil
	}
}

// submitScheduled creates and submits a fresh project for a schedule entry
func submitScheduled(store *projectstore.Store, sup *supervisor.Supervisor, entry batch.ScheduleEntry) error {
	tool, err := findToolByName(store, entry.Tool)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("%s %s", entry.Name, time.Now().Format("2006-01-02 15:04"))
	project, err := domain.NewProject(name, tool, entry.FilePaths)
	if err != nil {
		return err
	}
	if err := store.CreateProject(project); err != nil {
		return err
	}
	return sup.Submit(project.ID)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	def, err := parser.ParseProjectFile(args[0])
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	tool, err := findToolByName(store, def.Tool)
	if err != nil {
		return err
	}

	project, err := domain.NewProject(def.Name, tool, def.FilePaths)
	if err != nil {
		return err
	}
	if err := store.CreateProject(project); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := runner.New(store, newExecutor(cfg), cfg.Execution.FileFanOut)
	run.OnFileResult = func(projectID string, result domain.FileResult) {
		fmt.Printf("  %-10s %s\n", result.Status, result.Path)
	}

	fmt.Printf("Running %s (%d files) with tool %s\n", project.Name, len(def.FilePaths), tool.Name)
	status, err := run.Run(ctx, project.ID)
	if err != nil {
		return err
	}

	final, err := store.GetProject(project.ID)
	if err != nil {
		return err
	}
	succeeded, failed, _ := final.Counts()
	fmt.Printf("Project %s: %s (%d succeeded, %d failed)\n", project.ID, status, succeeded, failed)

	if status != domain.ProjectSucceeded {
		os.Exit(1)
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	projects, err := store.ListProjects()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTOOL\tSTATUS\tFILES\tCREATED")
	for _, p := range projects {
		succeeded, failed, _ := p.Counts()
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d ok, %d failed\t%s\n",
			p.ID, p.Name, p.ToolName, p.Status,
			succeeded, len(p.FileResults), failed,
			p.CreatedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if len(args) == 1 {
		return printProjectStatus(store, args[0])
	}

	counts, err := store.StatusCounts()
	if err != nil {
		return err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	fmt.Printf("Projects: %d total | %d pending | %d running | %d succeeded | %d failed | %d partially failed\n",
		total,
		counts[domain.ProjectPending],
		counts[domain.ProjectRunning],
		counts[domain.ProjectSucceeded],
		counts[domain.ProjectFailed],
		counts[domain.ProjectPartiallyFailed])

	return nil
}

func printProjectStatus(store *projectstore.Store, id string) error {
	p, err := store.GetProject(id)
	if err != nil {
		return err
	}

	fmt.Printf("Project %s (%s)\nTool: %s\nStatus: %s\n", p.Name, p.ID, p.ToolName, p.Status)
	if d := p.Duration(); d > 0 {
		fmt.Printf("Duration: %s\n", d.Round(time.Second))
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FILE\tSTATUS\tEXIT\tERROR")
	for _, r := range p.FileResults {
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprintf("%d", *r.ExitCode)
		}
		errMsg := r.ErrorMessage
		if errMsg == "" {
			errMsg = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Path, r.Status, exit, errMsg)
	}
	w.Flush()

	return nil
}

func runToolsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	tools, err := store.ListTools()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTEMPLATE\tACTIVE")
	for _, t := range tools {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", t.ID, t.Name, t.CommandTemplate, t.Active)
	}
	w.Flush()

	return nil
}

func runToolsAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	tool, err := domain.NewTool(args[0], args[1])
	if err != nil {
		return err
	}

	// Reject templates the engine would refuse to execute
	if err := newExecutor(cfg).Validate(tool.CommandTemplate); err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.UpsertTool(tool); err != nil {
		return err
	}

	fmt.Printf("Added tool %s (%s)\n", tool.Name, tool.ID)
	return nil
}

func setToolActive(id string, active bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SetToolActive(id, active); err != nil {
		return err
	}
	if active {
		fmt.Printf("Enabled tool %s\n", id)
	} else {
		fmt.Printf("Disabled tool %s\n", id)
	}
	return nil
}

func runToolsSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.General.ToolsFile == "" {
		return fmt.Errorf("tools_file not configured")
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := toolwatcher.Import(cfg.General.ToolsFile, store); err != nil {
		return err
	}

	fmt.Printf("Synced tools from %s\n", cfg.General.ToolsFile)
	return nil
}
