package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"groupscan/internal/core"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes the scan service as MCP tools.
type MCPServer struct {
	service *core.Service
	logger  *slog.Logger
	owner   string
	server  *server.MCPServer
}

// NewMCPServer creates a new MCP server instance. Tool calls act for owner
// unless the transport put an authenticated owner into the context.
func NewMCPServer(service *core.Service, logger *slog.Logger, owner string) *MCPServer {
	s := &MCPServer{
		service: service,
		logger:  logger,
		owner:   owner,
		server: server.NewMCPServer(
			"groupscan",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
	}
	s.registerTools(s.server)
	return s
}

// Run starts the MCP server using stdio transport.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio", "owner_id", s.owner)
	return server.ServeStdio(s.server)
}

// Handler serves the tools over streamable HTTP.
func (s *MCPServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.server,
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if owner, ok := core.OwnerFrom(r.Context()); ok {
				return core.WithOwner(ctx, owner)
			}
			return ctx
		}),
	)
}

func (s *MCPServer) ownerOf(ctx context.Context) string {
	if owner, ok := core.OwnerFrom(ctx); ok {
		return owner
	}
	return s.owner
}

// registerTools registers all available MCP tools.
func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("scan_create_task",
		mcp.WithDescription("Create a scan task. one_shot tasks run once (now via scan_start_task, or at scheduled_at); recurring tasks run on a 5-field cron expression."),
		mcp.WithString("name", mcp.Description("Task name (optional)")),
		mcp.WithString("kind",
			mcp.Description("one_shot (default) or recurring"),
			mcp.Enum("one_shot", "recurring"),
		),
		mcp.WithString("targets",
			mcp.Required(),
			mcp.Description("Comma-separated target ids, visited in order"),
		),
		mcp.WithString("account_id",
			mcp.Required(),
			mcp.Description("Account used to authenticate"),
		),
		mcp.WithString("cron_expr", mcp.Description("Cron expression for recurring tasks, e.g. '0 * * * *'")),
		mcp.WithString("scheduled_at", mcp.Description("RFC3339 time for a one_shot task to start by itself")),
		mcp.WithNumber("post_scan_limit",
			mcp.Description("Posts to read per target, default 10"),
			mcp.Min(1),
			mcp.Max(core.MaxPostScanLimit),
		),
		mcp.WithString("visibility",
			mcp.Description("Reply visibility hint"),
			mcp.Enum("public", "private"),
		),
	), s.handleCreateTask)

	mcpServer.AddTool(mcp.NewTool("scan_list_tasks",
		mcp.WithDescription("List scan tasks, newest first"),
		mcp.WithString("status",
			mcp.Description("Filter by status"),
			mcp.Enum("pending", "running", "completed", "failed", "canceled"),
		),
		mcp.WithString("kind",
			mcp.Description("Filter by kind"),
			mcp.Enum("one_shot", "recurring"),
		),
	), s.handleListTasks)

	mcpServer.AddTool(mcp.NewTool("scan_get_task",
		mcp.WithDescription("Show a task with its results"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
	), s.handleGetTask)

	mcpServer.AddTool(mcp.NewTool("scan_start_task",
		mcp.WithDescription("Queue a pending task now. For a recurring task one extra run is queued."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
	), s.handleStartTask)

	mcpServer.AddTool(mcp.NewTool("scan_stop_task",
		mcp.WithDescription("Cancel a pending or running task. Running tasks stop at the next target boundary."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
	), s.handleStopTask)

	mcpServer.AddTool(mcp.NewTool("scan_task_logs",
		mcp.WithDescription("Read a task's log entries in order"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
		mcp.WithNumber("after", mcp.Description("Only entries with a greater sequence number"), mcp.Min(0)),
		mcp.WithNumber("limit", mcp.Description("Maximum entries, default 100"), mcp.Min(1), mcp.Max(1000)),
	), s.handleTaskLogs)

	mcpServer.AddTool(mcp.NewTool("scan_create_rule",
		mcp.WithDescription("Create a content rule: a trigger phrase with weighted reply messages"),
		mcp.WithString("trigger", mcp.Required(), mcp.Description("Phrase matched case-insensitively")),
		mcp.WithString("variations", mcp.Description("Comma-separated alternative phrases")),
		mcp.WithString("messages",
			mcp.Required(),
			mcp.Description("Reply messages, one per line; all get weight 1"),
		),
		mcp.WithNumber("min_gap_minutes", mcp.Description("Minimum minutes between two uses"), mcp.Min(0)),
	), s.handleCreateRule)

	mcpServer.AddTool(mcp.NewTool("scan_list_rules",
		mcp.WithDescription("List content rules in matching order"),
	), s.handleListRules)

	mcpServer.AddTool(mcp.NewTool("scan_create_target",
		mcp.WithDescription("Register a group to scan"),
		mcp.WithString("name", mcp.Description("Display name")),
		mcp.WithString("url", mcp.Required(), mcp.Description("Group URL")),
	), s.handleCreateTarget)

	mcpServer.AddTool(mcp.NewTool("scan_list_targets",
		mcp.WithDescription("List registered groups"),
	), s.handleListTargets)

	mcpServer.AddTool(mcp.NewTool("scan_list_accounts",
		mcp.WithDescription("List automation accounts"),
	), s.handleListAccounts)

	mcpServer.AddTool(mcp.NewTool("scan_stats",
		mcp.WithDescription("Summarize tasks, actions, rules and targets"),
	), s.handleStats)

	mcpServer.AddTool(mcp.NewTool("cron_preview",
		mcp.WithDescription("Preview the next fire times of a cron expression"),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Cron expression")),
		mcp.WithNumber("count",
			mcp.Description("Number of fire times, default 5"),
			mcp.Min(1),
			mcp.Max(10),
		),
	), s.handleCronPreview)

	s.logger.Info("MCP tools registered", "count", 13)
}

func (s *MCPServer) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	in := core.CreateTaskInput{
		Name:      mcp.ParseString(request, "name", ""),
		Kind:      core.TaskKind(mcp.ParseString(request, "kind", string(core.TaskKindOneShot))),
		Targets:   splitList(mcp.ParseString(request, "targets", "")),
		AccountID: mcp.ParseString(request, "account_id", ""),
		CronExpr:  mcp.ParseString(request, "cron_expr", ""),
		Settings: core.Settings{
			PostScanLimit: int(mcp.ParseFloat64(request, "post_scan_limit", 0)),
			Visibility:    core.Visibility(mcp.ParseString(request, "visibility", "")),
		},
	}
	if raw := mcp.ParseString(request, "scheduled_at", ""); raw != "" {
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return mcp.NewToolResultError("scheduled_at must be an RFC3339 timestamp"), nil
		}
		in.ScheduledAt = &at
	}

	task, err := s.service.CreateTask(ctx, s.ownerOf(ctx), in)
	if err != nil {
		return toolError("create task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task created\nID: %s\nKind: %s\nNext run: %s",
		task.ID, task.Kind, formatTime(task.NextRunAt))), nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var filter core.TaskFilter
	if status := mcp.ParseString(request, "status", ""); status != "" {
		st := core.TaskStatus(status)
		filter.Status = &st
	}
	if kind := mcp.ParseString(request, "kind", ""); kind != "" {
		k := core.TaskKind(kind)
		filter.Kind = &k
	}
	tasks, err := s.service.ListTasks(ctx, s.ownerOf(ctx), filter)
	if err != nil {
		return toolError("list tasks", err), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d task(s):\n\n", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&b, "%s %s [%s] %s\n", statusToIcon(t.Status), t.ID, t.Kind, truncateString(displayName(t), 40))
		if t.Kind == core.TaskKindRecurring {
			fmt.Fprintf(&b, "   cron: %s  next: %s\n", t.CronExpr, formatTime(t.NextRunAt))
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := s.service.GetTask(ctx, s.ownerOf(ctx), mcp.ParseString(request, "task_id", ""))
	if err != nil {
		return toolError("get task", err), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "ID: %s\nName: %s\nKind: %s\nStatus: %s %s\n", task.ID, displayName(task), task.Kind, statusToIcon(task.Status), task.Status)
	fmt.Fprintf(&b, "Targets: %s\nAccount: %s\n", strings.Join(task.Targets, ", "), task.AccountID)
	if task.TemplateID != "" {
		fmt.Fprintf(&b, "Template: %s\n", task.TemplateID)
	}
	if task.CronExpr != "" {
		fmt.Fprintf(&b, "Cron: %s\nLast run: %s\nNext run: %s\n", task.CronExpr, formatTime(task.LastRunAt), formatTime(task.NextRunAt))
	}
	fmt.Fprintf(&b, "Started: %s\nEnded: %s\n", formatTime(task.StartedAt), formatTime(task.EndedAt))
	fmt.Fprintf(&b, "Results: %d target(s), %d item(s), %d action(s), %d error(s)\n",
		task.Results.TargetsProcessed, task.Results.ItemsScanned, task.Results.ActionsTaken, len(task.Results.Errors))
	for _, e := range task.Results.Errors {
		fmt.Fprintf(&b, "  - %s: %s\n", e.TargetID, e.Message)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleStartTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := s.service.StartTask(ctx, s.ownerOf(ctx), mcp.ParseString(request, "task_id", ""))
	if err != nil {
		return toolError("start task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task queued: %s", task.ID)), nil
}

func (s *MCPServer) handleStopTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.service.StopTask(ctx, s.ownerOf(ctx), mcp.ParseString(request, "task_id", ""))
	if err != nil {
		return toolError("stop task", err), nil
	}
	if res.Immediate {
		return mcp.NewToolResultText(fmt.Sprintf("Task canceled: %s", res.Task.ID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Stop requested: %s will halt after its current target", res.Task.ID)), nil
}

func (s *MCPServer) handleTaskLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	after := int64(mcp.ParseFloat64(request, "after", 0))
	limit := int(mcp.ParseFloat64(request, "limit", 100))
	entries, err := s.service.GetTaskLogs(ctx, s.ownerOf(ctx), mcp.ParseString(request, "task_id", ""), after, limit)
	if err != nil {
		return toolError("read logs", err), nil
	}
	if len(entries) == 0 {
		return mcp.NewToolResultText("No log entries"), nil
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "#%d %s [%s] %s\n", e.Seq, e.At.Format("2006-01-02 15:04:05"), e.Level, e.Message)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleCreateRule(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var messages []core.Message
	for _, line := range strings.Split(mcp.ParseString(request, "messages", ""), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			messages = append(messages, core.Message{Text: line, Weight: 1, Active: true})
		}
	}
	minutes := mcp.ParseFloat64(request, "min_gap_minutes", 0)
	rule, err := s.service.CreateRule(ctx, s.ownerOf(ctx), core.RuleInput{
		Trigger:            mcp.ParseString(request, "trigger", ""),
		Variations:         splitList(mcp.ParseString(request, "variations", "")),
		Messages:           messages,
		Active:             true,
		MinTimeBetweenUses: time.Duration(minutes * float64(time.Minute)),
	})
	if err != nil {
		return toolError("create rule", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Rule created\nID: %s\nTrigger: %s\nMessages: %d", rule.ID, rule.Trigger, len(rule.Messages))), nil
}

func (s *MCPServer) handleListRules(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rules, err := s.service.ListRules(ctx, s.ownerOf(ctx))
	if err != nil {
		return toolError("list rules", err), nil
	}
	if len(rules) == 0 {
		return mcp.NewToolResultText("No rules found"), nil
	}
	var b strings.Builder
	for _, r := range rules {
		state := "active"
		if !r.Active {
			state = "inactive"
		}
		fmt.Fprintf(&b, "%s %q (%s) messages=%d uses=%d", r.ID, r.Trigger, state, len(r.ActiveMessages()), r.TotalUses)
		if len(r.Variations) > 0 {
			fmt.Fprintf(&b, " variations=%s", strings.Join(r.Variations, "|"))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleCreateTarget(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	target, err := s.service.CreateTarget(ctx, s.ownerOf(ctx), mcp.ParseString(request, "name", ""), mcp.ParseString(request, "url", ""))
	if err != nil {
		return toolError("create target", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Target created\nID: %s\nURL: %s", target.ID, target.URL)), nil
}

func (s *MCPServer) handleListTargets(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	targets, err := s.service.ListTargets(ctx, s.ownerOf(ctx))
	if err != nil {
		return toolError("list targets", err), nil
	}
	if len(targets) == 0 {
		return mcp.NewToolResultText("No targets found"), nil
	}
	var b strings.Builder
	for _, t := range targets {
		fmt.Fprintf(&b, "%s %s %s actions=%d last_scan=%s\n", t.ID, t.Name, t.URL, t.TotalActions, formatTime(t.LastScannedAt))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleListAccounts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	accounts, err := s.service.ListAccounts(ctx, s.ownerOf(ctx))
	if err != nil {
		return toolError("list accounts", err), nil
	}
	if len(accounts) == 0 {
		return mcp.NewToolResultText("No accounts found"), nil
	}
	var b strings.Builder
	for _, a := range accounts {
		fmt.Fprintf(&b, "%s %s active=%t\n", a.ID, a.Label, a.Active)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.service.Stats(ctx, s.ownerOf(ctx))
	if err != nil {
		return toolError("stats", err), nil
	}
	var b strings.Builder
	b.WriteString("Tasks:\n")
	for _, st := range []core.TaskStatus{core.TaskStatusPending, core.TaskStatusRunning, core.TaskStatusCompleted, core.TaskStatusFailed, core.TaskStatusCanceled} {
		fmt.Fprintf(&b, "  %s %s: %d\n", statusToIcon(st), st, stats.TasksByStatus[st])
	}
	fmt.Fprintf(&b, "Actions: %d succeeded, %d failed\n", stats.ActionsOK, stats.ActionsFailed)
	fmt.Fprintf(&b, "Rules: %d active, %d uses\n", stats.ActiveRules, stats.TotalRuleUses)
	fmt.Fprintf(&b, "Targets: %d, %d actions\n", stats.Targets, stats.TargetsActions)
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleCronPreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cronExpr := mcp.ParseString(request, "cron", "")
	count := int(mcp.ParseFloat64(request, "count", 5))

	nextTimes, err := s.service.PreviewCron(cronExpr, time.Now(), count)
	if err != nil {
		return toolError("preview cron", err), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Cron expression: %s\n", cronExpr)
	fmt.Fprintf(&b, "Timezone: %s\n\n", s.service.Location())
	b.WriteString("Next fire times:\n")
	for i, t := range nextTimes {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, t.Format("2006-01-02 15:04:05"))
	}
	return mcp.NewToolResultText(b.String()), nil
}

// Helper functions

func toolError(op string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", op, err))
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func displayName(t *core.Task) string {
	if t.Name != "" {
		return t.Name
	}
	return "(unnamed)"
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func statusToIcon(status core.TaskStatus) string {
	switch status {
	case core.TaskStatusCompleted:
		return "✅"
	case core.TaskStatusFailed:
		return "❌"
	case core.TaskStatusCanceled:
		return "🚫"
	case core.TaskStatusRunning:
		return "▶️"
	case core.TaskStatusPending:
		return "⏳"
	default:
		return "❓"
	}
}
