package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ldi/harbor/internal/coordination"
	"github.com/ldi/harbor/internal/coordinator"
	"github.com/ldi/harbor/internal/db"
	"github.com/ldi/harbor/internal/deploy"
	"github.com/ldi/harbor/internal/mcp"
	"github.com/ldi/harbor/pkg/models"
)

var (
	dbPath       string
	snapshotPath string
)

func main() {
	flag.StringVar(&dbPath, "db-path", ".harbor/harbor.db", "Path to database file")
	flag.StringVar(&snapshotPath, "snapshot-path", ".harbor/snapshot.jsonl", "Path to snapshot file")
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(1)
	}
	command := flag.Arg(0)
	args := flag.Args()[1:]

	var err error
	switch command {
	case "init":
		err = runInit(args)
	case "mcp":
		err = runMCP(args)
	case "create-task":
		err = runCreateTask(args)
	case "list-tasks":
		err = runListTasks(args)
	case "ready":
		err = runReady(args)
	case "blocked":
		err = runBlocked(args)
	case "show":
		err = runShow(args)
	case "close-task":
		err = runCloseTask(args)
	case "add-dep":
		err = runAddDep(args)
	case "claim":
		err = runClaim(args)
	case "release":
		err = runRelease(args)
	case "next":
		err = runNext(args)
	case "merge-order":
		err = runMergeOrder(args)
	case "status":
		err = runStatus(args)
	case "compact":
		err = runCompact(args)
	case "cleanup":
		err = runCleanup(args)
	case "snapshot":
		err = runSnapshot(args)
	case "deploy":
		err = runDeploy(args)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: harbor [flags] <command> [arguments]")
	fmt.Println("\nCommands:")
	fmt.Println("  init            Initialize the .harbor directory and database")
	fmt.Println("  mcp             Serve the MCP toolset on stdio")
	fmt.Println("  create-task     Create a task")
	fmt.Println("  list-tasks      List tasks")
	fmt.Println("  ready           List ready tasks")
	fmt.Println("  blocked         List blocked tasks")
	fmt.Println("  show <id>       Show a task with its relations")
	fmt.Println("  close-task <id> Close a task")
	fmt.Println("  add-dep         Add a dependency edge")
	fmt.Println("  claim <id>      Claim a task for an agent")
	fmt.Println("  release <id>    Release a claimed task")
	fmt.Println("  next            Suggest the next task to pick up")
	fmt.Println("  merge-order     Suggest merge order for in-flight work")
	fmt.Println("  status          Show store and coordination status")
	fmt.Println("  compact         Compact old closed tasks into summaries")
	fmt.Println("  cleanup         Sweep stale agents and expired rows")
	fmt.Println("  snapshot        export|import the task graph")
	fmt.Println("  deploy          queue|batch|flush|status the deploy queue")
}

func openDB() (*db.DB, error) {
	database, err := db.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := database.Init(context.Background()); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

func runInit(args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}

	harborDir := filepath.Join(targetDir, ".harbor")
	if err := os.MkdirAll(harborDir, 0755); err != nil {
		return fmt.Errorf("failed to create .harbor directory: %w", err)
	}
	fmt.Println("✓ Created .harbor/ directory")

	gitignorePath := filepath.Join(harborDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte("harbor.db*\n"), 0644); err != nil {
		return fmt.Errorf("failed to create .gitignore: %w", err)
	}
	fmt.Println("✓ Created .harbor/.gitignore")

	finalDBPath := dbPath
	if dbPath == ".harbor/harbor.db" {
		finalDBPath = filepath.Join(harborDir, "harbor.db")
	}
	finalSnapshotPath := snapshotPath
	if snapshotPath == ".harbor/snapshot.jsonl" {
		finalSnapshotPath = filepath.Join(harborDir, "snapshot.jsonl")
	}

	database, err := db.Open(finalDBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := context.Background()
	if err := database.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	fmt.Printf("✓ Initialized database at %s\n", finalDBPath)

	if _, err := os.Stat(finalSnapshotPath); err == nil {
		n, err := database.ImportSnapshot(ctx, finalSnapshotPath)
		if err != nil {
			return fmt.Errorf("failed to import snapshot: %w", err)
		}
		fmt.Printf("✓ Imported %d tasks from %s\n", n, finalSnapshotPath)
	}

	fmt.Println("✓ Harbor initialized successfully")
	return nil
}

func runMCP(args []string) error {
	mcpFlags := flag.NewFlagSet("mcp", flag.ContinueOnError)
	workDir := mcpFlags.String("work-dir", ".", "Working tree deploy actions run in")
	debounce := mcpFlags.Duration("debounce", 30*time.Second, "Deploy merge window")
	if err := mcpFlags.Parse(args); err != nil {
		return err
	}

	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	database.EnableAutoSnapshot(snapshotPath)

	svc := coordination.NewService(database)
	batcher := deploy.NewBatcher(database, deploy.WithWorkDir(*workDir), deploy.WithDebounce(*debounce))
	coord := coordinator.New(database, svc)

	s := mcp.NewServer(mcp.Services{DB: database, Coord: svc, Batcher: batcher, Coordinator: coord})
	return mcp.Serve(s)
}

func runCreateTask(args []string) error {
	taskFlags := flag.NewFlagSet("create-task", flag.ContinueOnError)
	title := taskFlags.String("title", "", "Task title (required)")
	description := taskFlags.String("description", "", "Task description")
	taskType := taskFlags.String("type", "task", "Task type")
	priority := taskFlags.Int("priority", 2, "Priority 0-4")
	branch := taskFlags.String("branch", "", "Branch")
	labels := taskFlags.String("labels", "", "Comma-separated labels")
	parent := taskFlags.String("parent", "", "Parent task id")
	if err := taskFlags.Parse(args); err != nil {
		return err
	}

	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	t := &models.Task{
		Title:       *title,
		Description: *description,
		Type:        models.TaskType(*taskType),
		Priority:    *priority,
		Branch:      *branch,
		Labels:      splitList(*labels),
	}
	if *parent != "" {
		t.ParentID = parent
	}
	if err := database.CreateTask(context.Background(), t, "cli"); err != nil {
		return err
	}
	fmt.Printf("Created task %s\n", t.ID)
	return nil
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func runListTasks(args []string) error {
	taskFlags := flag.NewFlagSet("list-tasks", flag.ContinueOnError)
	statusFilter := taskFlags.String("status", "", "Filter by status")
	typeFilter := taskFlags.String("type", "", "Filter by type")
	assigneeFilter := taskFlags.String("assignee", "", "Filter by assignee")
	if err := taskFlags.Parse(args); err != nil {
		return err
	}

	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	filter := models.TaskFilter{}
	if *statusFilter != "" {
		s := models.TaskStatus(*statusFilter)
		filter.Status = &s
	}
	if *typeFilter != "" {
		t := models.TaskType(*typeFilter)
		filter.Type = &t
	}
	if *assigneeFilter != "" {
		filter.Assignee = assigneeFilter
	}

	tasks, err := database.ListTasks(context.Background(), filter)
	if err != nil {
		return err
	}
	printTasks(tasks)
	return nil
}

func printTasks(tasks []*models.Task) {
	fmt.Printf("%-10s %-40s %-8s %-12s %-4s %-12s\n", "ID", "TITLE", "TYPE", "STATUS", "PRI", "ASSIGNEE")
	fmt.Println(strings.Repeat("-", 90))
	for _, t := range tasks {
		title := t.Title
		if len(title) > 40 {
			title = title[:37] + "..."
		}
		fmt.Printf("%-10s %-40s %-8s %-12s %-4d %-12s\n", t.ID, title, t.Type, t.Status, t.Priority, t.Assignee)
	}
}

func runReady(args []string) error {
	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	tasks, err := database.ReadyTasks(context.Background())
	if err != nil {
		return err
	}
	printTasks(tasks)
	return nil
}

func runBlocked(args []string) error {
	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	tasks, err := database.BlockedTasks(context.Background())
	if err != nil {
		return err
	}
	printTasks(tasks)
	return nil
}

func runShow(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: harbor show <task-id>")
	}

	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	t, err := database.GetTaskWithRelations(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("%s  %s\n", t.ID, t.Title)
	fmt.Printf("  type: %s  status: %s  priority: %d\n", t.Type, t.Status, t.Priority)
	if t.Assignee != "" {
		fmt.Printf("  assignee: %s\n", t.Assignee)
	}
	if t.Branch != "" {
		fmt.Printf("  branch: %s\n", t.Branch)
	}
	if t.Description != "" {
		fmt.Printf("  %s\n", t.Description)
	}
	fmt.Printf("  ready: %v  blocked: %v\n", t.IsReady, t.IsBlocked)
	for _, b := range t.BlockedBy {
		fmt.Printf("  blocked by: %s (%s, %s)\n", b.ID, b.Title, b.Status)
	}
	for _, b := range t.Blocks {
		fmt.Printf("  blocks: %s (%s)\n", b.ID, b.Title)
	}
	for _, c := range t.Children {
		fmt.Printf("  child: %s (%s)\n", c.ID, c.Title)
	}
	return nil
}

func runCloseTask(args []string) error {
	closeFlags := flag.NewFlagSet("close-task", flag.ContinueOnError)
	status := closeFlags.String("status", "done", "done or wont_do")
	reason := closeFlags.String("reason", "", "Close reason")
	if err := closeFlags.Parse(args); err != nil {
		return err
	}
	if closeFlags.NArg() == 0 {
		return fmt.Errorf("usage: harbor close-task [flags] <task-id>")
	}

	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	id := closeFlags.Arg(0)
	if err := database.CloseTask(context.Background(), id, models.TaskStatus(*status), *reason, "cli"); err != nil {
		return err
	}
	fmt.Printf("Closed task %s as %s\n", id, *status)
	return nil
}

func runAddDep(args []string) error {
	depFlags := flag.NewFlagSet("add-dep", flag.ContinueOnError)
	kind := depFlags.String("kind", "blocks", "blocks|related|discovered_from")
	if err := depFlags.Parse(args); err != nil {
		return err
	}
	if depFlags.NArg() < 2 {
		return fmt.Errorf("usage: harbor add-dep [flags] <from-id> <to-id>")
	}

	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	from, to := depFlags.Arg(0), depFlags.Arg(1)
	if err := database.AddDependency(context.Background(), from, to, models.DependencyKind(*kind)); err != nil {
		return err
	}
	fmt.Printf("Added %s -> %s (%s)\n", from, to, *kind)
	return nil
}

func runClaim(args []string) error {
	claimFlags := flag.NewFlagSet("claim", flag.ContinueOnError)
	agentID := claimFlags.String("agent", "", "Claiming agent id (required)")
	if err := claimFlags.Parse(args); err != nil {
		return err
	}
	if claimFlags.NArg() == 0 {
		return fmt.Errorf("usage: harbor claim -agent <agent-id> <task-id>")
	}

	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	svc := coordination.NewService(database)
	coord := coordinator.New(database, svc)

	result, err := coord.Claim(context.Background(), claimFlags.Arg(0), *agentID)
	if err != nil {
		return err
	}
	fmt.Printf("Claimed %s (%s)\n", result.Task.ID, result.Task.Title)
	for _, o := range result.Overlaps {
		fmt.Printf("  overlap on %s: %s risk (%s)\n", o.Resource, o.Risk, strings.Join(o.Agents, ", "))
	}
	for _, s := range result.Suggestions {
		fmt.Printf("  %s: %s\n", s.Kind, s.Rationale)
	}
	return nil
}

func runRelease(args []string) error {
	releaseFlags := flag.NewFlagSet("release", flag.ContinueOnError)
	agentID := releaseFlags.String("agent", "", "Holding agent id (required)")
	if err := releaseFlags.Parse(args); err != nil {
		return err
	}
	if releaseFlags.NArg() == 0 {
		return fmt.Errorf("usage: harbor release -agent <agent-id> <task-id>")
	}

	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	svc := coordination.NewService(database)
	coord := coordinator.New(database, svc)

	if err := coord.Release(context.Background(), releaseFlags.Arg(0), *agentID); err != nil {
		return err
	}
	fmt.Printf("Released %s\n", releaseFlags.Arg(0))
	return nil
}

func runNext(args []string) error {
	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	svc := coordination.NewService(database)
	coord := coordinator.New(database, svc)

	best, err := coord.SuggestNextTask(context.Background())
	if err != nil {
		return err
	}
	if best == nil {
		fmt.Println("No ready tasks")
		return nil
	}
	fmt.Printf("%s  %s (score %d, priority %d, unblocks %d)\n",
		best.Task.ID, best.Task.Title, best.Score, best.Task.Priority, best.BlocksCount)
	return nil
}

func runMergeOrder(args []string) error {
	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	svc := coordination.NewService(database)
	coord := coordinator.New(database, svc)

	tasks, err := coord.SuggestMergeOrder(context.Background())
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No in-flight tasks")
		return nil
	}
	for i, t := range tasks {
		branch := t.Branch
		if branch == "" {
			branch = "(no branch)"
		}
		fmt.Printf("%d. %s  %s  %s (priority %d, %s)\n", i+1, t.ID, branch, t.Title, t.Priority, t.Type)
	}
	return nil
}

func runStatus(args []string) error {
	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := context.Background()
	stats, err := database.Stats(ctx)
	if err != nil {
		return err
	}

	svc := coordination.NewService(database)
	st, err := svc.Status(ctx)
	if err != nil {
		return err
	}

	fmt.Println("Harbor Status")
	fmt.Println("=============")
	fmt.Printf("Total Tasks:   %d\n", stats.Total)
	fmt.Printf("Ready:         %d\n", stats.Ready)
	fmt.Printf("Blocked:       %d\n", stats.Blocked)
	for status, count := range stats.ByStatus {
		fmt.Printf("  %-12s %d\n", status+":", count)
	}
	fmt.Println()
	fmt.Printf("Active Agents:        %d\n", st.ActiveAgents)
	fmt.Printf("Active Announcements: %d\n", st.ActiveAnnouncements)
	fmt.Printf("Active Claims:        %d\n", st.ActiveClaims)
	fmt.Printf("Pending Deploys:      %d\n", st.PendingDeploys)
	fmt.Printf("Pending Messages:     %d\n", st.PendingMessages)
	return nil
}

func runCompact(args []string) error {
	compactFlags := flag.NewFlagSet("compact", flag.ContinueOnError)
	days := compactFlags.Int("older-than-days", 90, "Compact tasks closed more than this many days ago")
	if err := compactFlags.Parse(args); err != nil {
		return err
	}

	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	n, err := database.Compact(context.Background(), *days)
	if err != nil {
		return err
	}
	fmt.Printf("Compacted %d tasks\n", n)
	return nil
}

func runCleanup(args []string) error {
	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := context.Background()
	svc := coordination.NewService(database)

	sweep, err := svc.CleanupStaleAgents(ctx)
	if err != nil {
		return err
	}
	stats, err := svc.Cleanup(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Stale agents failed: %d (released %d tasks, closed %d announcements)\n",
		len(sweep.Agents), sweep.ReleasedTasks, sweep.ClosedAnnouncements)
	fmt.Printf("Purged: %d expired messages, %d old messages, %d announcements, %d deploy rows\n",
		stats.ExpiredMessages, stats.OldMessages, stats.Announcements, stats.DeployRows)
	return nil
}

func runSnapshot(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: harbor snapshot <export|import> [path]")
	}
	path := snapshotPath
	if len(args) > 1 {
		path = args[1]
	}

	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := context.Background()
	switch args[0] {
	case "export":
		if err := database.ExportSnapshot(ctx, path); err != nil {
			return err
		}
		fmt.Printf("Exported snapshot to %s\n", path)
		return nil
	case "import":
		n, err := database.ImportSnapshot(ctx, path)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d tasks from %s\n", n, path)
		return nil
	default:
		return fmt.Errorf("unknown snapshot command: %s", args[0])
	}
}

func runDeploy(args []string) error {
	if len(args) == 0 {
		fmt.Println("Usage: harbor deploy <command> [arguments]")
		fmt.Println("\nCommands:")
		fmt.Println("  queue     Queue a deploy action")
		fmt.Println("  batch     Claim eligible actions into a batch and execute it")
		fmt.Println("  flush     Drain the queue regardless of debounce")
		fmt.Println("  status    List pending batches")
		return nil
	}

	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	batcher := deploy.NewBatcher(database)
	ctx := context.Background()

	switch args[0] {
	case "queue":
		return runDeployQueue(ctx, batcher, args[1:])
	case "batch":
		batch, err := batcher.CreateBatch(ctx)
		if err != nil {
			return err
		}
		if batch == nil {
			fmt.Println("No eligible actions")
			return nil
		}
		result, err := batcher.ExecuteBatch(ctx, batch.ID)
		if err != nil {
			return err
		}
		fmt.Printf("Batch %s: %d executed, %d failed\n", result.BatchID, result.Executed, result.Failed)
		for _, e := range result.Errors {
			fmt.Printf("  error: %s\n", e)
		}
		return nil
	case "flush":
		results, err := batcher.FlushAll(ctx)
		if err != nil {
			return err
		}
		for _, r := range results {
			fmt.Printf("Batch %s: %d executed, %d failed\n", r.BatchID, r.Executed, r.Failed)
		}
		if len(results) == 0 {
			fmt.Println("Queue empty")
		}
		return nil
	case "status":
		batches, err := batcher.GetPendingBatches(ctx)
		if err != nil {
			return err
		}
		if len(batches) == 0 {
			fmt.Println("No pending batches")
			return nil
		}
		for _, b := range batches {
			fmt.Printf("%s  %s  created %s\n", b.ID, b.Status, b.CreatedAt.Format(time.RFC3339))
		}
		return nil
	default:
		return fmt.Errorf("unknown deploy command: %s", args[0])
	}
}

func runDeployQueue(ctx context.Context, batcher *deploy.Batcher, args []string) error {
	queueFlags := flag.NewFlagSet("deploy queue", flag.ContinueOnError)
	kind := queueFlags.String("kind", "commit", "commit|push|merge|deploy|workflow")
	target := queueFlags.String("target", "", "Branch, environment, or workflow (required)")
	message := queueFlags.String("message", "", "Commit message")
	files := queueFlags.String("files", "", "Comma-separated files")
	source := queueFlags.String("source", "", "Source branch for merges")
	command := queueFlags.String("command", "", "Command for deploy actions")
	force := queueFlags.Bool("force", false, "Force push (with lease)")
	squash := queueFlags.Bool("squash", false, "Squash merge")
	agentID := queueFlags.String("agent", "cli", "Queueing agent id")
	if err := queueFlags.Parse(args); err != nil {
		return err
	}

	a := &models.DeployAction{
		AgentID: *agentID,
		Kind:    models.DeployKind(*kind),
		Target:  *target,
		Payload: models.DeployPayload{
			Files:   splitList(*files),
			Source:  *source,
			Command: *command,
			Force:   *force,
			Squash:  *squash,
		},
	}
	if *message != "" {
		a.Payload.Messages = []string{*message}
	}

	queued, err := batcher.Queue(ctx, a)
	if err != nil {
		return err
	}
	fmt.Printf("Queued %s %s as action %s (eligible %s)\n",
		queued.Kind, queued.Target, queued.ID, queued.EligibleAfter.Format(time.RFC3339))
	return nil
}
