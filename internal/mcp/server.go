package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ldi/harbor/internal/coordination"
	"github.com/ldi/harbor/internal/coordinator"
	"github.com/ldi/harbor/internal/db"
	"github.com/ldi/harbor/internal/deploy"
	"github.com/ldi/harbor/pkg/models"
)

// Services bundles what the tool handlers need.
type Services struct {
	DB          *db.DB
	Coord       *coordination.Service
	Batcher     *deploy.Batcher
	Coordinator *coordinator.Coordinator
}

// NewServer creates the MCP server exposing the harbor toolset on
// stdio.
func NewServer(svc Services) *server.MCPServer {
	s := server.NewMCPServer("Harbor", "0.1.0")

	// Task graph
	s.AddTool(mcp.NewTool("create_task",
		mcp.WithDescription("Create a task. Priority 0 (critical) to 4 (backlog)."),
		mcp.WithString("title", mcp.Description("Task title"), mcp.Required()),
		mcp.WithString("description", mcp.Description("Task description")),
		mcp.WithString("type", mcp.Description("Type (task|bug|feature|epic|chore|story)")),
		mcp.WithNumber("priority", mcp.Description("Priority 0-4 (default 2)")),
		mcp.WithString("branch", mcp.Description("Branch the work happens on")),
		mcp.WithString("labels", mcp.Description("Comma-separated labels")),
		mcp.WithString("parent_id", mcp.Description("Parent task id")),
		mcp.WithString("agent_id", mcp.Description("Creating agent id")),
	), createTaskHandler(svc.DB))

	s.AddTool(mcp.NewTool("get_task",
		mcp.WithDescription("Get a task with its dependencies, children, and derived ready/blocked state."),
		mcp.WithString("id", mcp.Description("Task id"), mcp.Required()),
	), getTaskHandler(svc.DB))

	s.AddTool(mcp.NewTool("update_task",
		mcp.WithDescription("Update task fields. Terminal tasks cannot be updated."),
		mcp.WithString("id", mcp.Description("Task id"), mcp.Required()),
		mcp.WithString("title", mcp.Description("New title")),
		mcp.WithString("description", mcp.Description("New description")),
		mcp.WithString("type", mcp.Description("New type")),
		mcp.WithNumber("priority", mcp.Description("New priority")),
		mcp.WithString("branch", mcp.Description("New branch")),
		mcp.WithString("labels", mcp.Description("Comma-separated labels")),
		mcp.WithString("notes", mcp.Description("New notes")),
		mcp.WithString("agent_id", mcp.Description("Updating agent id")),
	), updateTaskHandler(svc.DB))

	s.AddTool(mcp.NewTool("close_task",
		mcp.WithDescription("Close a task as done or wont_do. Idempotent."),
		mcp.WithString("id", mcp.Description("Task id"), mcp.Required()),
		mcp.WithString("status", mcp.Description("done or wont_do (default done)")),
		mcp.WithString("reason", mcp.Description("Close reason")),
		mcp.WithString("agent_id", mcp.Description("Closing agent id")),
	), closeTaskHandler(svc.DB))

	s.AddTool(mcp.NewTool("list_tasks",
		mcp.WithDescription("List tasks with optional filters."),
		mcp.WithString("status", mcp.Description("Filter by status")),
		mcp.WithString("type", mcp.Description("Filter by type")),
		mcp.WithString("assignee", mcp.Description("Filter by assignee")),
		mcp.WithString("label", mcp.Description("Filter by label")),
	), listTasksHandler(svc.DB))

	s.AddTool(mcp.NewTool("ready_tasks",
		mcp.WithDescription("List open tasks with no live blocking prerequisite."),
	), readyTasksHandler(svc.DB))

	s.AddTool(mcp.NewTool("blocked_tasks",
		mcp.WithDescription("List open tasks waiting on a blocking prerequisite."),
	), blockedTasksHandler(svc.DB))

	s.AddTool(mcp.NewTool("add_dependency",
		mcp.WithDescription("Add a dependency edge. 'blocks' means from waits on to; cycles are rejected."),
		mcp.WithString("from", mcp.Description("Dependent task id"), mcp.Required()),
		mcp.WithString("to", mcp.Description("Prerequisite task id"), mcp.Required()),
		mcp.WithString("kind", mcp.Description("blocks|related|discovered_from (default blocks)")),
	), addDependencyHandler(svc.DB))

	s.AddTool(mcp.NewTool("remove_dependency",
		mcp.WithDescription("Remove a dependency edge."),
		mcp.WithString("from", mcp.Description("Dependent task id"), mcp.Required()),
		mcp.WithString("to", mcp.Description("Prerequisite task id"), mcp.Required()),
		mcp.WithString("kind", mcp.Description("Edge kind (default blocks)")),
	), removeDependencyHandler(svc.DB))

	s.AddTool(mcp.NewTool("claim_task",
		mcp.WithDescription("Atomically claim a ready task and announce editing intent on its resource."),
		mcp.WithString("id", mcp.Description("Task id"), mcp.Required()),
		mcp.WithString("agent_id", mcp.Description("Claiming agent id"), mcp.Required()),
	), claimTaskHandler(svc.Coordinator))

	s.AddTool(mcp.NewTool("release_task",
		mcp.WithDescription("Release a claimed task back to the open pool."),
		mcp.WithString("id", mcp.Description("Task id"), mcp.Required()),
		mcp.WithString("agent_id", mcp.Description("Holding agent id"), mcp.Required()),
	), releaseTaskHandler(svc.Coordinator))

	s.AddTool(mcp.NewTool("suggest_next_task",
		mcp.WithDescription("Suggest the best ready task to pick up next."),
	), suggestNextTaskHandler(svc.Coordinator))

	s.AddTool(mcp.NewTool("suggest_merge_order",
		mcp.WithDescription("Suggest the order in-flight work should merge in."),
	), suggestMergeOrderHandler(svc.Coordinator))

	s.AddTool(mcp.NewTool("task_stats",
		mcp.WithDescription("Aggregate task counts by status plus ready/blocked totals."),
	), taskStatsHandler(svc.DB))

	s.AddTool(mcp.NewTool("compact_tasks",
		mcp.WithDescription("Replace old closed tasks with per-quarter summaries."),
		mcp.WithNumber("older_than_days", mcp.Description("Compact tasks closed more than this many days ago (default 90)")),
	), compactTasksHandler(svc.DB))

	// Coordination
	s.AddTool(mcp.NewTool("register_agent",
		mcp.WithDescription("Register an agent session in the shared store."),
		mcp.WithString("agent_id", mcp.Description("Agent id"), mcp.Required()),
		mcp.WithString("name", mcp.Description("Human-readable name")),
		mcp.WithString("branch", mcp.Description("Branch the agent works on")),
		mcp.WithString("capabilities", mcp.Description("Comma-separated capabilities")),
	), registerAgentHandler(svc.DB))

	s.AddTool(mcp.NewTool("heartbeat",
		mcp.WithDescription("Refresh an agent's liveness timestamp."),
		mcp.WithString("agent_id", mcp.Description("Agent id"), mcp.Required()),
	), heartbeatHandler(svc.DB))

	s.AddTool(mcp.NewTool("announce_work",
		mcp.WithDescription("Announce intent on a resource and learn who else is near it."),
		mcp.WithString("agent_id", mcp.Description("Announcing agent id"), mcp.Required()),
		mcp.WithString("resource", mcp.Description("Branch or path being worked on"), mcp.Required()),
		mcp.WithString("intent", mcp.Description("editing|reviewing|refactoring|testing|documenting"), mcp.Required()),
		mcp.WithString("description", mcp.Description("What the work is")),
		mcp.WithString("files", mcp.Description("Comma-separated files involved")),
	), announceWorkHandler(svc.Coord))

	s.AddTool(mcp.NewTool("complete_work",
		mcp.WithDescription("Close announcements on a resource (all of the agent's work when resource is omitted)."),
		mcp.WithString("agent_id", mcp.Description("Agent id"), mcp.Required()),
		mcp.WithString("resource", mcp.Description("Resource to complete")),
	), completeWorkHandler(svc.Coord))

	s.AddTool(mcp.NewTool("detect_overlaps",
		mcp.WithDescription("Report resources where multiple agents have announced concurrent work."),
		mcp.WithString("resource", mcp.Description("Limit to overlaps on this resource or a nested path")),
		mcp.WithString("exclude_agent", mcp.Description("Ignore this agent's announcements")),
	), detectOverlapsHandler(svc.Coord))

	s.AddTool(mcp.NewTool("active_work",
		mcp.WithDescription("List every live work announcement."),
	), activeWorkHandler(svc.Coord))

	s.AddTool(mcp.NewTool("broadcast_message",
		mcp.WithDescription("Post a message to a channel. Empty TTL keeps it until cleanup."),
		mcp.WithString("agent_id", mcp.Description("Sending agent id"), mcp.Required()),
		mcp.WithString("channel", mcp.Description("Channel (default general)")),
		mcp.WithString("payload", mcp.Description("Message body"), mcp.Required()),
		mcp.WithNumber("priority", mcp.Description("Delivery priority (higher first)")),
		mcp.WithNumber("ttl_seconds", mcp.Description("Seconds until the message expires")),
	), broadcastHandler(svc.Coord))

	s.AddTool(mcp.NewTool("inbox",
		mcp.WithDescription("Fetch messages addressed to the agent or broadcast."),
		mcp.WithString("agent_id", mcp.Description("Agent id"), mcp.Required()),
		mcp.WithString("channel", mcp.Description("Restrict to a channel")),
		mcp.WithNumber("limit", mcp.Description("Max messages (default 50)")),
	), inboxHandler(svc.Coord))

	s.AddTool(mcp.NewTool("coordination_status",
		mcp.WithDescription("Point-in-time coordination counters."),
	), statusHandler(svc.Coord))

	s.AddTool(mcp.NewTool("cleanup",
		mcp.WithDescription("Fail stale agents, release their work, and purge expired rows."),
	), cleanupHandler(svc.Coord))

	// Deploy queue
	s.AddTool(mcp.NewTool("queue_deploy",
		mcp.WithDescription("Queue a deploy action. Mergeable kinds fold into a pending action for the same target."),
		mcp.WithString("agent_id", mcp.Description("Queueing agent id")),
		mcp.WithString("kind", mcp.Description("commit|push|merge|deploy|workflow"), mcp.Required()),
		mcp.WithString("target", mcp.Description("Branch, environment, or workflow name"), mcp.Required()),
		mcp.WithString("message", mcp.Description("Commit message")),
		mcp.WithString("files", mcp.Description("Comma-separated files to commit")),
		mcp.WithString("source", mcp.Description("Source branch for merges")),
		mcp.WithString("command", mcp.Description("Command for deploy actions")),
		mcp.WithBoolean("force", mcp.Description("Force push (with lease)")),
		mcp.WithBoolean("squash", mcp.Description("Squash merge")),
		mcp.WithNumber("priority", mcp.Description("Batching priority (higher first)")),
	), queueDeployHandler(svc.Batcher))

	s.AddTool(mcp.NewTool("create_batch",
		mcp.WithDescription("Claim eligible pending actions into a batch."),
	), createBatchHandler(svc.Batcher))

	s.AddTool(mcp.NewTool("execute_batch",
		mcp.WithDescription("Execute a pending batch serially, recording per-action outcomes."),
		mcp.WithString("batch_id", mcp.Description("Batch id"), mcp.Required()),
	), executeBatchHandler(svc.Batcher))

	s.AddTool(mcp.NewTool("flush_deploys",
		mcp.WithDescription("Drain the deploy queue regardless of debounce."),
	), flushDeploysHandler(svc.Batcher))

	s.AddTool(mcp.NewTool("get_batch",
		mcp.WithDescription("Get a batch with its member actions."),
		mcp.WithString("batch_id", mcp.Description("Batch id"), mcp.Required()),
	), getBatchHandler(svc.Batcher))

	return s
}

// Serve starts the MCP server on stdio.
func Serve(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
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

func createTaskHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		t := &models.Task{
			Title:       mcp.ParseString(request, "title", ""),
			Description: mcp.ParseString(request, "description", ""),
			Type:        models.TaskType(mcp.ParseString(request, "type", "task")),
			Priority:    mcp.ParseInt(request, "priority", 2),
			Branch:      mcp.ParseString(request, "branch", ""),
			Labels:      splitList(mcp.ParseString(request, "labels", "")),
		}
		if parent := mcp.ParseString(request, "parent_id", ""); parent != "" {
			t.ParentID = &parent
		}
		actor := mcp.ParseString(request, "agent_id", "mcp")

		if err := database.CreateTask(ctx, t, actor); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(t)
	}
}

func getTaskHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := mcp.ParseString(request, "id", "")
		t, err := database.GetTaskWithRelations(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(t)
	}
}

func updateTaskHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := mcp.ParseString(request, "id", "")
		t, err := database.GetTask(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if t == nil {
			return mcp.NewToolResultError(fmt.Sprintf("task '%s' not found", id)), nil
		}

		args, _ := request.Params.Arguments.(map[string]any)
		if v, ok := args["title"].(string); ok {
			t.Title = v
		}
		if v, ok := args["description"].(string); ok {
			t.Description = v
		}
		if v, ok := args["type"].(string); ok {
			t.Type = models.TaskType(v)
		}
		if v, ok := args["priority"].(float64); ok {
			t.Priority = int(v)
		}
		if v, ok := args["branch"].(string); ok {
			t.Branch = v
		}
		if v, ok := args["labels"].(string); ok {
			t.Labels = splitList(v)
		}
		if v, ok := args["notes"].(string); ok {
			t.Notes = v
		}
		actor := mcp.ParseString(request, "agent_id", "mcp")

		if err := database.UpdateTask(ctx, t, actor); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(t)
	}
}

func closeTaskHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := mcp.ParseString(request, "id", "")
		status := models.TaskStatus(mcp.ParseString(request, "status", "done"))
		reason := mcp.ParseString(request, "reason", "")
		actor := mcp.ParseString(request, "agent_id", "mcp")

		if err := database.CloseTask(ctx, id, status, reason, actor); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Task '%s' closed as %s", id, status)), nil
	}
}

func listTasksHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		filter := models.TaskFilter{}
		if v := mcp.ParseString(request, "status", ""); v != "" {
			status := models.TaskStatus(v)
			filter.Status = &status
		}
		if v := mcp.ParseString(request, "type", ""); v != "" {
			typ := models.TaskType(v)
			filter.Type = &typ
		}
		if v := mcp.ParseString(request, "assignee", ""); v != "" {
			filter.Assignee = &v
		}
		if v := mcp.ParseString(request, "label", ""); v != "" {
			filter.Label = &v
		}

		tasks, err := database.ListTasks(ctx, filter)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{"tasks": tasks})
	}
}

func readyTasksHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tasks, err := database.ReadyTasks(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{"tasks": tasks})
	}
}

func blockedTasksHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tasks, err := database.BlockedTasks(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{"tasks": tasks})
	}
}

func addDependencyHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		from := mcp.ParseString(request, "from", "")
		to := mcp.ParseString(request, "to", "")
		kind := models.DependencyKind(mcp.ParseString(request, "kind", "blocks"))

		if err := database.AddDependency(ctx, from, to, kind); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Dependency %s -> %s (%s) added", from, to, kind)), nil
	}
}

func removeDependencyHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		from := mcp.ParseString(request, "from", "")
		to := mcp.ParseString(request, "to", "")
		kind := models.DependencyKind(mcp.ParseString(request, "kind", "blocks"))

		if err := database.RemoveDependency(ctx, from, to, kind); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText("Dependency removed"), nil
	}
}

func claimTaskHandler(coord *coordinator.Coordinator) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := mcp.ParseString(request, "id", "")
		agentID := mcp.ParseString(request, "agent_id", "")

		result, err := coord.Claim(ctx, id, agentID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(result)
	}
}

func releaseTaskHandler(coord *coordinator.Coordinator) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := mcp.ParseString(request, "id", "")
		agentID := mcp.ParseString(request, "agent_id", "")

		if err := coord.Release(ctx, id, agentID); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Task '%s' released", id)), nil
	}
}

func suggestNextTaskHandler(coord *coordinator.Coordinator) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		best, err := coord.SuggestNextTask(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if best == nil {
			return mcp.NewToolResultText("No ready tasks"), nil
		}
		return jsonResult(best)
	}
}

func suggestMergeOrderHandler(coord *coordinator.Coordinator) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tasks, err := coord.SuggestMergeOrder(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{"merge_order": tasks})
	}
}

func taskStatsHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := database.Stats(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(stats)
	}
}

func compactTasksHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		days := mcp.ParseInt(request, "older_than_days", 90)
		n, err := database.Compact(ctx, days)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Compacted %d tasks", n)), nil
	}
}

func registerAgentHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a := &models.AgentRegistryEntry{
			ID:           mcp.ParseString(request, "agent_id", ""),
			Name:         mcp.ParseString(request, "name", ""),
			Branch:       mcp.ParseString(request, "branch", ""),
			Capabilities: splitList(mcp.ParseString(request, "capabilities", "")),
		}
		if err := database.RegisterAgent(ctx, a); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(a)
	}
}

func heartbeatHandler(database *db.DB) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID := mcp.ParseString(request, "agent_id", "")
		if err := database.Heartbeat(ctx, agentID); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText("ok"), nil
	}
}

func announceWorkHandler(svc *coordination.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a := &models.WorkAnnouncement{
			AgentID:     mcp.ParseString(request, "agent_id", ""),
			Resource:    mcp.ParseString(request, "resource", ""),
			Intent:      models.WorkIntent(mcp.ParseString(request, "intent", "")),
			Description: mcp.ParseString(request, "description", ""),
			Files:       splitList(mcp.ParseString(request, "files", "")),
		}
		result, err := svc.AnnounceWork(ctx, a)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(result)
	}
}

func completeWorkHandler(svc *coordination.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID := mcp.ParseString(request, "agent_id", "")
		resource := mcp.ParseString(request, "resource", "")

		n, err := svc.CompleteWork(ctx, agentID, resource)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Completed %d announcements", n)), nil
	}
}

func detectOverlapsHandler(svc *coordination.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		overlaps, err := svc.DetectOverlaps(ctx,
			mcp.ParseString(request, "resource", ""),
			mcp.ParseString(request, "exclude_agent", ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{"overlaps": overlaps})
	}
}

func activeWorkHandler(svc *coordination.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		work, err := svc.GetActiveWork(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{"announcements": work})
	}
}

func broadcastHandler(svc *coordination.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		from := mcp.ParseString(request, "agent_id", "")
		channel := mcp.ParseString(request, "channel", "general")
		payload := mcp.ParseString(request, "payload", "")
		priority := mcp.ParseInt(request, "priority", 0)
		ttl := time.Duration(mcp.ParseInt(request, "ttl_seconds", 0)) * time.Second

		m, err := svc.Broadcast(ctx, from, channel, payload, priority, ttl)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(m)
	}
}

func inboxHandler(svc *coordination.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID := mcp.ParseString(request, "agent_id", "")
		channel := mcp.ParseString(request, "channel", "")
		limit := mcp.ParseInt(request, "limit", 50)

		msgs, err := svc.Inbox(ctx, agentID, channel, limit)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{"messages": msgs})
	}
}

func statusHandler(svc *coordination.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := svc.Status(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(st)
	}
}

func cleanupHandler(svc *coordination.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sweep, err := svc.CleanupStaleAgents(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		stats, err := svc.Cleanup(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{"stale": sweep, "purged": stats})
	}
}

func queueDeployHandler(batcher *deploy.Batcher) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a := &models.DeployAction{
			AgentID:  mcp.ParseString(request, "agent_id", ""),
			Kind:     models.DeployKind(mcp.ParseString(request, "kind", "")),
			Target:   mcp.ParseString(request, "target", ""),
			Priority: mcp.ParseInt(request, "priority", 0),
			Payload: models.DeployPayload{
				Files:   splitList(mcp.ParseString(request, "files", "")),
				Source:  mcp.ParseString(request, "source", ""),
				Command: mcp.ParseString(request, "command", ""),
				Force:   mcp.ParseBoolean(request, "force", false),
				Squash:  mcp.ParseBoolean(request, "squash", false),
			},
		}
		if msg := mcp.ParseString(request, "message", ""); msg != "" {
			a.Payload.Messages = []string{msg}
		}

		queued, err := batcher.Queue(ctx, a)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(queued)
	}
}

func createBatchHandler(batcher *deploy.Batcher) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		batch, err := batcher.CreateBatch(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if batch == nil {
			return mcp.NewToolResultText("No eligible actions"), nil
		}
		return jsonResult(batch)
	}
}

func executeBatchHandler(batcher *deploy.Batcher) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		batchID := mcp.ParseString(request, "batch_id", "")
		result, err := batcher.ExecuteBatch(ctx, batchID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(result)
	}
}

func flushDeploysHandler(batcher *deploy.Batcher) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		results, err := batcher.FlushAll(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{"batches": results})
	}
}

func getBatchHandler(batcher *deploy.Batcher) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		batchID := mcp.ParseString(request, "batch_id", "")
		batch, err := batcher.GetBatch(ctx, batchID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(batch)
	}
}
