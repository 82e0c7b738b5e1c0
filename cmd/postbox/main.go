package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"postbox/internal/document"
	"postbox/internal/events"
	"postbox/internal/lock"
	"postbox/internal/logging"
	"postbox/internal/metrics"
	"postbox/internal/model"
	"postbox/internal/queue"
	"postbox/internal/watcher"
	"postbox/internal/workspace"
)

const version = "1.0.0"

const (
	defaultRootName = "postbox"
	configFileName  = "config.yaml"
	lockFileName    = ".postbox.lock"
	logFileName     = ".postbox.log"
	journalFileName = "events.jsonl"
	journalMaxSize  = 1 << 20

	metricsFlushInterval = 30 * time.Second
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "publish":
		runPublish(os.Args[2:])
	case "list":
		runList(os.Args[2:])
	case "stats":
		runStats(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	case "archive":
		runArchive(os.Args[2:])
	case "cleanup":
		runCleanup(os.Args[2:])
	case "reset":
		runReset(os.Args[2:])
	case "destroy":
		runDestroy(os.Args[2:])
	case "version":
		fmt.Printf("postbox %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runInit(args []string) {
	dir := defaultRootName
	projectName := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--project":
			i++
			projectName = requireValue(args, i, "--project")
		default:
			if strings.HasPrefix(args[i], "-") {
				fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: postbox init [dir] [--project <name>]\n", args[i])
				os.Exit(1)
			}
			dir = args[i]
		}
	}

	root, err := filepath.Abs(dir)
	if err != nil {
		fatal("init: %v", err)
	}
	if projectName == "" {
		projectName = filepath.Base(filepath.Dir(root))
	}

	cfg := model.DefaultConfig(projectName)
	cfg.Workspace.Root = root

	ws := workspace.NewManager(afero.NewOsFs(), root, cfg.Workspace.Teams)
	if err := ws.Initialize(); err != nil {
		fatal("init: %v", err)
	}

	configPath := filepath.Join(root, configFileName)
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			fatal("init: marshal config: %v", err)
		}
		if err := os.WriteFile(configPath, data, 0644); err != nil {
			fatal("init: write config: %v", err)
		}
	}

	fmt.Printf("Initialized postbox workspace in %s\n", root)
}

func runPublish(args []string) {
	req := queue.PublishRequest{}
	dryRun := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--title":
			i++
			req.Title = requireValue(args, i, "--title")
		case "--type":
			i++
			req.Type = requireValue(args, i, "--type")
		case "--from":
			i++
			req.From = requireValue(args, i, "--from")
		case "--to":
			i++
			req.To = requireValue(args, i, "--to")
		case "--subteam":
			i++
			req.ToSubteam = requireValue(args, i, "--subteam")
		case "--priority":
			i++
			req.Priority = model.Priority(requireValue(args, i, "--priority"))
		case "--content":
			i++
			req.Content = requireValue(args, i, "--content")
		case "--blocked-by":
			i++
			req.Dependencies = append(req.Dependencies, model.TaskDependency{
				TaskID: requireValue(args, i, "--blocked-by"),
				Type:   model.DependencyTypeBlockedBy,
				Status: model.StatusPending,
			})
		case "--file":
			i++
			req.Files = append(req.Files, requireValue(args, i, "--file"))
		case "--tag":
			i++
			req.Tags = append(req.Tags, requireValue(args, i, "--tag"))
		case "--max-retries":
			i++
			n, err := strconv.Atoi(requireValue(args, i, "--max-retries"))
			if err != nil {
				fatal("invalid --max-retries value: %s", args[i])
			}
			req.MaxRetries = n
		case "--project-id":
			i++
			req.ProjectID = requireValue(args, i, "--project-id")
		case "--dry-run":
			dryRun = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			fmt.Fprintln(os.Stderr, "usage: postbox publish --title <t> --type <t> --from <team> --to <team> [options]")
			os.Exit(1)
		}
	}

	if req.Title == "" || req.Type == "" || req.From == "" || req.To == "" {
		fmt.Fprintln(os.Stderr, "required: --title, --type, --from, --to")
		os.Exit(1)
	}

	if dryRun {
		text, err := document.Template(model.CreateTaskInput{
			Title:        req.Title,
			Type:         req.Type,
			From:         req.From,
			To:           req.To,
			ToSubteam:    req.ToSubteam,
			Priority:     req.Priority,
			Content:      req.Content,
			Dependencies: req.Dependencies,
			Files:        req.Files,
			MaxRetries:   req.MaxRetries,
			Tags:         req.Tags,
			ProjectID:    req.ProjectID,
		})
		if err != nil {
			fatal("publish: %v", err)
		}
		fmt.Print(text)
		return
	}

	q, _, cleanupFn := openQueue()
	defer cleanupFn()

	task, err := q.Publish(req)
	if err != nil {
		fatal("publish: %v", err)
	}
	fmt.Printf("Published %s to %s\n", task.Metadata.ID, task.Metadata.To)
}

func runList(args []string) {
	filter := queue.TaskFilter{}
	jsonOutput := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--team":
			i++
			filter.Team = requireValue(args, i, "--team")
		case "--status":
			i++
			filter.Statuses = append(filter.Statuses, model.Status(requireValue(args, i, "--status")))
		case "--priority":
			i++
			filter.Priorities = append(filter.Priorities, model.Priority(requireValue(args, i, "--priority")))
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: postbox list [--team <t>] [--status <s>] [--priority <p>] [--json]\n", args[i])
			os.Exit(1)
		}
	}

	q, _, cleanupFn := openQueue()
	defer cleanupFn()

	tasks, err := q.GetTasks(filter)
	if err != nil {
		fatal("list: %v", err)
	}

	if jsonOutput {
		type row struct {
			ID       string `json:"id"`
			Title    string `json:"title"`
			Type     string `json:"type"`
			To       string `json:"to"`
			Priority string `json:"priority"`
			Status   string `json:"status"`
			Retries  int    `json:"retry_count"`
		}
		rows := make([]row, 0, len(tasks))
		for _, t := range tasks {
			rows = append(rows, row{
				ID:       t.Metadata.ID,
				Title:    t.Metadata.Title,
				Type:     t.Metadata.Type,
				To:       t.Metadata.To,
				Priority: string(t.Metadata.Priority),
				Status:   string(t.Metadata.Status),
				Retries:  t.Metadata.RetryCount,
			})
		}
		out, _ := json.MarshalIndent(rows, "", "  ")
		fmt.Println(string(out))
		return
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks found.")
		return
	}
	for _, t := range tasks {
		fmt.Printf("%s  %-11s %-6s %-12s %s\n",
			t.Metadata.ID, t.Metadata.Status, t.Metadata.Priority, t.Metadata.To, t.Metadata.Title)
	}
}

func runStats(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: postbox stats [--json]\n", a)
			os.Exit(1)
		}
	}

	q, _, cleanupFn := openQueue()
	defer cleanupFn()

	stats, err := q.GetStats()
	if err != nil {
		fatal("stats: %v", err)
	}

	if jsonOutput {
		out, _ := json.MarshalIndent(stats, "", "  ")
		fmt.Println(string(out))
		return
	}

	fmt.Printf("Pending:     %d\n", stats.Pending)
	for team, n := range stats.PendingByTeam {
		fmt.Printf("  %-11s %d\n", team, n)
	}
	fmt.Printf("In progress: %d\n", stats.InProgress)
	fmt.Printf("Completed:   %d\n", stats.Completed)
	fmt.Printf("Failed:      %d\n", stats.Failed)
}

// runWatch runs the long-lived daemon: a file lock guarantees a single
// instance per workspace, document transitions observed on disk are
// replayed onto the event bus and journaled, and metrics snapshots
// refresh on debounced changes plus a slow tick. Observing the
// filesystem rather than the daemon's own queue means activity from
// every process, the CLI included, is captured.
func runWatch(args []string) {
	if len(args) > 0 {
		fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: postbox watch\n", args[0])
		os.Exit(1)
	}

	root, cfg := mustFindWorkspace()

	logFile, err := os.OpenFile(filepath.Join(root, logFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fatal("watch: open log: %v", err)
	}
	defer logFile.Close()
	logger := logging.New(io.MultiWriter(os.Stderr, logFile), logging.ParseLevel(cfg.Logging.Level), "watch")

	fileLock := lock.NewFileLock(filepath.Join(root, lockFileName))
	if err := fileLock.TryLock(); err != nil {
		fatal("watch: %v (is another watch running?)", err)
	}
	defer fileLock.Unlock()

	fs := afero.NewOsFs()
	ws := workspace.NewManager(fs, root, cfg.Workspace.Teams)
	q := queue.New(ws, nil, cfg, logger.WithComponent("queue"))
	defer q.Stop()

	journal, err := events.NewJournal(fs, filepath.Join(ws.MetricsPath(), journalFileName), journalMaxSize)
	if err != nil {
		fatal("watch: open journal: %v", err)
	}
	defer journal.Close()
	// Sync delivery so the journal tail survives shutdown.
	unsubJournal := q.Bus().SubscribeAllSync(journal.Record)
	defer unsubJournal()

	recorder := metrics.NewRecorder(ws)
	unsubMetrics := q.Bus().SubscribeAllSync(recorder.Record)
	defer unsubMetrics()

	flush := func() {
		stats, err := q.GetStats()
		if err != nil {
			logger.Warnf("stats error=%v", err)
			return
		}
		if err := recorder.Flush(stats); err != nil {
			logger.Warnf("metrics_flush error=%v", err)
			return
		}
		logger.Debugf("metrics_flush pending=%d in_progress=%d", stats.Pending, stats.InProgress)
	}

	w := watcher.New(ws, logger.WithComponent("watcher"), watcher.DefaultDebounce, flush)
	w.OnFileEvent(func(ev fsnotify.Event) {
		// Renames into a watched directory arrive as Create events.
		if !ev.Has(fsnotify.Create) {
			return
		}
		if et, ok := q.ObserveFile(ev.Name); ok {
			logger.Debugf("observed event=%s file=%s", et, filepath.Base(ev.Name))
		}
	})
	if err := w.Start(ws.InProgressPath(), ws.OutboxPath(), ws.FailedPath()); err != nil {
		fatal("watch: %v", err)
	}
	defer w.Close()

	logger.Infof("watch started pid=%d root=%s", os.Getpid(), root)
	flush()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(metricsFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Infof("watch stopping")
			flush()
			return
		case <-ticker.C:
			flush()
		}
	}
}

func runArchive(args []string) {
	_, cfg := mustFindWorkspace()
	maxAge := time.Duration(cfg.Cleanup.ArchiveAfterHours) * time.Hour
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--max-age-hours":
			i++
			n, err := strconv.Atoi(requireValue(args, i, "--max-age-hours"))
			if err != nil {
				fatal("invalid --max-age-hours value: %s", args[i])
			}
			maxAge = time.Duration(n) * time.Hour
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: postbox archive [--max-age-hours <n>]\n", args[i])
			os.Exit(1)
		}
	}

	q, _, cleanupFn := openQueue()
	defer cleanupFn()

	moved, err := q.ArchiveCompleted(maxAge)
	if err != nil {
		fatal("archive: %v", err)
	}
	fmt.Printf("Archived %d completed task(s)\n", moved)
}

func runCleanup(args []string) {
	if len(args) > 0 {
		fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: postbox cleanup\n", args[0])
		os.Exit(1)
	}

	root, cfg := mustFindWorkspace()
	ws := workspace.NewManager(afero.NewOsFs(), root, cfg.Workspace.Teams)
	maxAge := time.Duration(cfg.Cleanup.PurgeAfterDays) * 24 * time.Hour

	total := 0
	for _, dir := range []string{ws.ArchivePath(), ws.FailedPath()} {
		n, err := ws.CleanupOldFiles(dir, maxAge)
		if err != nil {
			fatal("cleanup: %v", err)
		}
		total += n
	}
	fmt.Printf("Removed %d file(s) older than %d day(s)\n", total, cfg.Cleanup.PurgeAfterDays)
}

func runReset(args []string) {
	force := false
	for _, a := range args {
		switch a {
		case "--force":
			force = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: postbox reset --force\n", a)
			os.Exit(1)
		}
	}
	if !force {
		fmt.Fprintln(os.Stderr, "reset removes every queued document; pass --force to confirm")
		os.Exit(1)
	}

	root, cfg := mustFindWorkspace()
	ws := workspace.NewManager(afero.NewOsFs(), root, cfg.Workspace.Teams)
	if err := ws.Reset(); err != nil {
		fatal("reset: %v", err)
	}
	fmt.Println("Workspace reset.")
}

func runDestroy(args []string) {
	force := false
	for _, a := range args {
		switch a {
		case "--force":
			force = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: postbox destroy --force\n", a)
			os.Exit(1)
		}
	}
	if !force {
		fmt.Fprintln(os.Stderr, "destroy removes the whole workspace tree; pass --force to confirm")
		os.Exit(1)
	}

	root, cfg := mustFindWorkspace()
	ws := workspace.NewManager(afero.NewOsFs(), root, cfg.Workspace.Teams)
	if err := ws.Destroy(); err != nil {
		fatal("destroy: %v", err)
	}
	fmt.Printf("Removed %s\n", root)
}

// openQueue wires a queue over the discovered workspace for one-shot
// commands. The returned cleanup stops the queue.
func openQueue() (*queue.DocumentQueue, model.Config, func()) {
	root, cfg := mustFindWorkspace()
	ws := workspace.NewManager(afero.NewOsFs(), root, cfg.Workspace.Teams)
	logger := logging.New(os.Stderr, logging.ParseLevel(cfg.Logging.Level), "postbox")
	q := queue.New(ws, nil, cfg, logger)
	return q, cfg, q.Stop
}

func mustFindWorkspace() (string, model.Config) {
	root := findWorkspaceRoot()
	if root == "" {
		fmt.Fprintln(os.Stderr, "error: postbox workspace not found. Run 'postbox init <dir>' first.")
		os.Exit(1)
	}
	cfg, err := loadConfig(root)
	if err != nil {
		fatal("load config: %v", err)
	}
	return root, cfg
}

// findWorkspaceRoot locates the workspace: POSTBOX_ROOT wins, then the
// current directory and its ancestors are searched for a marked root or
// a marked "postbox" child directory.
func findWorkspaceRoot() string {
	if env := os.Getenv("POSTBOX_ROOT"); env != "" {
		return env
	}
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if isWorkspaceRoot(dir) {
			return dir
		}
		child := filepath.Join(dir, defaultRootName)
		if isWorkspaceRoot(child) {
			return child
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func isWorkspaceRoot(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".postbox"))
	return err == nil && !info.IsDir()
}

func loadConfig(root string) (model.Config, error) {
	var cfg model.Config
	data, err := os.ReadFile(filepath.Join(root, configFileName))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyDefaults()
			return cfg, nil
		}
		return cfg, fmt.Errorf("read %s: %w", configFileName, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", configFileName, err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func requireValue(args []string, i int, flag string) string {
	if i >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", flag)
		os.Exit(1)
	}
	return args[i]
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `postbox %s — Filesystem task queue for team inboxes

Usage: postbox <command> [options]

Workspace:
  init [dir] [--project <name>]   Create the workspace tree and config.yaml
  reset --force                   Remove all documents, keep the tree
  destroy --force                 Remove the whole workspace

Queue:
  publish [options]               Publish a task document to a team inbox
  list [--team --status --priority --json]
                                  List documents across all directories
  stats [--json]                  Show live queue counts
  archive [--max-age-hours <n>]   Move old completed documents to archive/
  cleanup                         Purge archive/ and failed/ per config

Daemon:
  watch                           Journal events and refresh metrics

Utilities:
  version                         Show version
  help                            Show this help

`, version)
}
