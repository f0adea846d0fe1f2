// Package mcp exposes the scheduler's operations as MCP tools over the
// stdio or SSE transport.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"taskcron/internal/config"
	"taskcron/internal/core"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// outputDisplayLimit caps execution output attached to tool responses.
const outputDisplayLimit = 1000

// ToolSummary describes one registered tool for the discovery endpoint.
type ToolSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Server handles MCP protocol communication for the scheduler.
type Server struct {
	scheduler *core.Scheduler
	cfg       *config.Config
	logger    *slog.Logger
	tools     []ToolSummary
	mcpServer *server.MCPServer
}

// NewServer creates the MCP server and registers all tools.
func NewServer(scheduler *core.Scheduler, cfg *config.Config, logger *slog.Logger) *Server {
	s := &Server{
		scheduler: scheduler,
		cfg:       cfg,
		logger:    logger,
	}
	s.mcpServer = server.NewMCPServer(
		cfg.ServerName,
		cfg.ServerVersion,
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// Run serves MCP over stdio. It blocks until the transport closes.
func (s *Server) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.mcpServer)
}

// RunSSE serves MCP over SSE on the given address.
func (s *Server) RunSSE(addr string) error {
	s.logger.Info("MCP server starting on sse", "addr", addr)
	return server.NewSSEServer(s.mcpServer).Start(addr)
}

// ToolSummaries returns the registered tool catalog.
func (s *Server) ToolSummaries() []ToolSummary {
	out := make([]ToolSummary, len(s.tools))
	copy(out, s.tools)
	return out
}

func (s *Server) addTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	s.tools = append(s.tools, ToolSummary{Name: tool.Name, Description: tool.Description})
	s.mcpServer.AddTool(tool, handler)
}

func (s *Server) registerTools() {
	s.addTool(mcp.NewTool("list_tasks",
		mcp.WithDescription("List all scheduled tasks"),
	), s.handleListTasks)

	s.addTool(mcp.NewTool("get_task",
		mcp.WithDescription("Get details of a specific task, with recent executions attached"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("ID of the task to retrieve"),
		),
	), s.handleGetTask)

	s.addTool(mcp.NewTool("add_command_task",
		mcp.WithDescription("Add a new shell command task on a 5-field cron schedule"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Task name")),
		mcp.WithString("schedule", mcp.Required(), mcp.Description("Cron expression, e.g. '0 9 * * 1-5'")),
		mcp.WithString("command", mcp.Required(), mcp.Description("Shell command to run")),
		mcp.WithString("description", mcp.Description("Free-text description")),
		mcp.WithBoolean("enabled", mcp.Description("Whether the task is dispatched automatically (default true)")),
		mcp.WithBoolean("do_only_once", mcp.Description("Disable the task after its first successful run (default true)")),
	), s.handleAddCommandTask)

	s.addTool(mcp.NewTool("add_api_task",
		mcp.WithDescription("Add a new HTTP API call task"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Task name")),
		mcp.WithString("schedule", mcp.Required(), mcp.Description("Cron expression")),
		mcp.WithString("api_url", mcp.Required(), mcp.Description("URL to request")),
		mcp.WithString("api_method", mcp.Description("HTTP method (default GET)")),
		mcp.WithObject("api_headers", mcp.Description("Request headers")),
		mcp.WithObject("api_body", mcp.Description("JSON request body for POST/PUT/PATCH")),
		mcp.WithString("description", mcp.Description("Free-text description")),
		mcp.WithBoolean("enabled", mcp.Description("Whether the task is dispatched automatically (default true)")),
		mcp.WithBoolean("do_only_once", mcp.Description("Disable the task after its first successful run (default true)")),
	), s.handleAddAPITask)

	s.addTool(mcp.NewTool("add_ai_task",
		mcp.WithDescription("Add a new AI prompt task"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Task name")),
		mcp.WithString("schedule", mcp.Required(), mcp.Description("Cron expression")),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("Prompt sent to the configured model")),
		mcp.WithString("description", mcp.Description("Free-text description")),
		mcp.WithBoolean("enabled", mcp.Description("Whether the task is dispatched automatically (default true)")),
		mcp.WithBoolean("do_only_once", mcp.Description("Disable the task after its first successful run (default true)")),
	), s.handleAddAITask)

	s.addTool(mcp.NewTool("add_reminder_task",
		mcp.WithDescription("Add a reminder task that shows a desktop notification with sound"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Task name")),
		mcp.WithString("schedule", mcp.Required(), mcp.Description("Cron expression")),
		mcp.WithString("message", mcp.Required(), mcp.Description("Notification body")),
		mcp.WithString("title", mcp.Description("Notification title (defaults to the task name)")),
		mcp.WithString("description", mcp.Description("Free-text description")),
		mcp.WithBoolean("enabled", mcp.Description("Whether the task is dispatched automatically (default true)")),
		mcp.WithBoolean("do_only_once", mcp.Description("Disable the task after its first successful run (default true)")),
	), s.handleAddReminderTask)

	s.addTool(mcp.NewTool("update_task",
		mcp.WithDescription("Update fields of an existing task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
		mcp.WithString("name", mcp.Description("New name")),
		mcp.WithString("schedule", mcp.Description("New cron expression")),
		mcp.WithString("command", mcp.Description("New shell command")),
		mcp.WithString("api_url", mcp.Description("New URL")),
		mcp.WithString("api_method", mcp.Description("New HTTP method")),
		mcp.WithObject("api_headers", mcp.Description("New request headers")),
		mcp.WithObject("api_body", mcp.Description("New request body")),
		mcp.WithString("prompt", mcp.Description("New AI prompt")),
		mcp.WithString("description", mcp.Description("New description")),
		mcp.WithBoolean("enabled", mcp.Description("Enable or disable automatic dispatch")),
		mcp.WithBoolean("do_only_once", mcp.Description("One-shot behavior")),
		mcp.WithString("reminder_title", mcp.Description("New reminder title")),
		mcp.WithString("reminder_message", mcp.Description("New reminder message")),
	), s.handleUpdateTask)

	s.addTool(mcp.NewTool("remove_task",
		mcp.WithDescription("Remove a task, cancelling its in-flight execution if any"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
	), s.handleRemoveTask)

	s.addTool(mcp.NewTool("enable_task",
		mcp.WithDescription("Enable a task for automatic dispatch"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
	), s.handleEnableTask)

	s.addTool(mcp.NewTool("disable_task",
		mcp.WithDescription("Disable a task; manual runs remain possible"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
	), s.handleDisableTask)

	s.addTool(mcp.NewTool("run_task_now",
		mcp.WithDescription("Run a task immediately, bypassing its schedule"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
	), s.handleRunTaskNow)

	s.addTool(mcp.NewTool("get_task_executions",
		mcp.WithDescription("Get execution history for a task, most recent first"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
		mcp.WithNumber("limit",
			mcp.Description("Maximum records to return (default 10)"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleGetTaskExecutions)

	s.addTool(mcp.NewTool("preview_schedule",
		mcp.WithDescription("Validate a cron expression and preview its next trigger times"),
		mcp.WithString("schedule", mcp.Required(), mcp.Description("Cron expression to check")),
		mcp.WithNumber("count",
			mcp.Description("How many upcoming times to return (default 5)"),
			mcp.Min(1),
			mcp.Max(10),
		),
	), s.handlePreviewSchedule)

	s.addTool(mcp.NewTool("get_server_info",
		mcp.WithDescription("Get server and scheduler runtime information"),
	), s.handleGetServerInfo)

	s.logger.Info("MCP tools registered", "count", len(s.tools))
}

func (s *Server) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tasks, err := s.scheduler.GetAllTasks(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list tasks failed: %v", err)), nil
	}
	docs := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		docs = append(docs, taskDoc(task))
	}
	return resultJSON(docs)
}

func (s *Server) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	task, err := s.scheduler.GetTask(ctx, taskID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get task failed: %v", err)), nil
	}
	if task == nil {
		return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
	}
	doc := taskDoc(task)
	executions, err := s.scheduler.GetTaskExecutions(ctx, taskID, 10)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get executions failed: %v", err)), nil
	}
	doc["executions"] = executionDocs(executions)
	return resultJSON(doc)
}

// taskOptions reads the create parameters shared by every add_* tool.
func taskOptions(request mcp.CallToolRequest, task *core.Task) {
	if description := mcp.ParseString(request, "description", ""); description != "" {
		task.Description = strPtr(core.SanitizeASCII(description))
	}
	task.Enabled = mcp.ParseBoolean(request, "enabled", true)
	task.DoOnlyOnce = mcp.ParseBoolean(request, "do_only_once", true)
}

func (s *Server) handleAddCommandTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task := core.NewTask(
		mcp.ParseString(request, "name", ""),
		mcp.ParseString(request, "schedule", ""),
		core.TaskTypeShellCommand,
	)
	task.Command = strPtr(core.SanitizeASCII(mcp.ParseString(request, "command", "")))
	taskOptions(request, task)
	return s.addTask(ctx, task)
}

func (s *Server) handleAddAPITask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task := core.NewTask(
		mcp.ParseString(request, "name", ""),
		mcp.ParseString(request, "schedule", ""),
		core.TaskTypeAPICall,
	)
	task.APIURL = strPtr(mcp.ParseString(request, "api_url", ""))
	if method := mcp.ParseString(request, "api_method", ""); method != "" {
		task.APIMethod = strPtr(method)
	}
	task.APIHeaders = stringMap(mcp.ParseStringMap(request, "api_headers", nil))
	if body := mcp.ParseStringMap(request, "api_body", nil); body != nil {
		task.APIBody = body
	}
	taskOptions(request, task)
	return s.addTask(ctx, task)
}

func (s *Server) handleAddAITask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task := core.NewTask(
		mcp.ParseString(request, "name", ""),
		mcp.ParseString(request, "schedule", ""),
		core.TaskTypeAI,
	)
	task.Prompt = strPtr(core.SanitizeASCII(mcp.ParseString(request, "prompt", "")))
	taskOptions(request, task)
	return s.addTask(ctx, task)
}

func (s *Server) handleAddReminderTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task := core.NewTask(
		mcp.ParseString(request, "name", ""),
		mcp.ParseString(request, "schedule", ""),
		core.TaskTypeReminder,
	)
	title := mcp.ParseString(request, "title", "")
	if title == "" {
		title = task.Name
	}
	task.ReminderTitle = strPtr(core.SanitizeASCII(title))
	task.ReminderMessage = strPtr(core.SanitizeASCII(mcp.ParseString(request, "message", "")))
	taskOptions(request, task)
	return s.addTask(ctx, task)
}

func (s *Server) addTask(ctx context.Context, task *core.Task) (*mcp.CallToolResult, error) {
	stored, err := s.scheduler.AddTask(ctx, task)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.logger.Info("task created via MCP", "task_id", stored.ID, "type", stored.Type)
	return resultJSON(taskDoc(stored))
}

func (s *Server) handleUpdateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	args := request.GetArguments()

	var update core.TaskUpdate
	if v, ok := stringArg(args, "name"); ok {
		update.Name = &v
	}
	if v, ok := stringArg(args, "schedule"); ok {
		update.Schedule = &v
	}
	if v, ok := stringArg(args, "command"); ok {
		update.Command = &v
	}
	if v, ok := stringArg(args, "api_url"); ok {
		update.APIURL = &v
	}
	if v, ok := stringArg(args, "api_method"); ok {
		update.APIMethod = &v
	}
	if headers := mcp.ParseStringMap(request, "api_headers", nil); headers != nil {
		update.APIHeaders = stringMap(headers)
	}
	if body := mcp.ParseStringMap(request, "api_body", nil); body != nil {
		update.APIBody = body
	}
	if v, ok := stringArg(args, "prompt"); ok {
		update.Prompt = &v
	}
	if v, ok := stringArg(args, "description"); ok {
		update.Description = &v
	}
	if v, ok := boolArg(args, "enabled"); ok {
		update.Enabled = &v
	}
	if v, ok := boolArg(args, "do_only_once"); ok {
		update.DoOnlyOnce = &v
	}
	if v, ok := stringArg(args, "reminder_title"); ok {
		update.ReminderTitle = &v
	}
	if v, ok := stringArg(args, "reminder_message"); ok {
		update.ReminderMessage = &v
	}

	task, err := s.scheduler.UpdateTask(ctx, taskID, update)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if task == nil {
		return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
	}
	return resultJSON(taskDoc(task))
}

func (s *Server) handleRemoveTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	removed, err := s.scheduler.DeleteTask(ctx, taskID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("remove task failed: %v", err)), nil
	}
	return resultJSON(map[string]any{"removed": removed})
}

func (s *Server) handleEnableTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	task, err := s.scheduler.EnableTask(ctx, taskID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if task == nil {
		return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
	}
	return resultJSON(taskDoc(task))
}

func (s *Server) handleDisableTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	task, err := s.scheduler.DisableTask(ctx, taskID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if task == nil {
		return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
	}
	return resultJSON(taskDoc(task))
}

func (s *Server) handleRunTaskNow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	execution, err := s.scheduler.RunTaskNow(ctx, taskID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run task failed: %v", err)), nil
	}
	if execution == nil {
		return mcp.NewToolResultError(fmt.Sprintf("task not found or already running: %s", taskID)), nil
	}
	task, err := s.scheduler.GetTask(ctx, taskID)
	if err != nil || task == nil {
		return resultJSON(map[string]any{"execution": executionDoc(execution)})
	}
	doc := taskDoc(task)
	doc["execution"] = executionDoc(execution)
	return resultJSON(doc)
}

func (s *Server) handleGetTaskExecutions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	limit := int(mcp.ParseFloat64(request, "limit", 10))
	executions, err := s.scheduler.GetTaskExecutions(ctx, taskID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get executions failed: %v", err)), nil
	}
	return resultJSON(executionDocs(executions))
}

func (s *Server) handlePreviewSchedule(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	expr := mcp.ParseString(request, "schedule", "")
	schedule, err := core.ParseCron(expr)
	if err != nil {
		return resultJSON(map[string]any{"valid": false, "message": err.Error()})
	}
	count := int(mcp.ParseFloat64(request, "count", 5))
	if count < 1 || count > 10 {
		count = 5
	}
	times := core.NextOccurrences(schedule, time.Now().UTC(), count)
	formatted := make([]string, 0, len(times))
	for _, tm := range times {
		formatted = append(formatted, tm.UTC().Format(time.RFC3339))
	}
	return resultJSON(map[string]any{
		"valid":          true,
		"human_readable": core.HumanReadableCron(expr),
		"next_times":     formatted,
	})
}

func (s *Server) handleGetServerInfo(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := "stopped"
	if s.scheduler.Active() {
		status = "running"
	}
	return resultJSON(map[string]any{
		"name":              s.cfg.ServerName,
		"version":           s.cfg.ServerVersion,
		"scheduler_status":  status,
		"check_interval":    int(s.scheduler.CheckInterval().Seconds()),
		"execution_timeout": int(s.cfg.ExecutionTimeout.Seconds()),
		"ai_model":          s.cfg.AIModel,
	})
}

// Response formatting helpers.

func resultJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode response: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func taskDoc(task *core.Task) map[string]any {
	doc := map[string]any{
		"id":                      task.ID,
		"name":                    task.Name,
		"schedule":                task.Schedule,
		"schedule_human_readable": core.HumanReadableCron(task.Schedule),
		"type":                    string(task.Type),
		"description":             strOrNil(task.Description),
		"enabled":                 task.Enabled,
		"do_only_once":            task.DoOnlyOnce,
		"status":                  string(task.Status),
		"created_at":              task.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":              task.UpdatedAt.UTC().Format(time.RFC3339),
		"last_run":                timeOrNil(task.LastRun),
		"next_run":                timeOrNil(task.NextRun),
	}
	switch task.Type {
	case core.TaskTypeShellCommand:
		doc["command"] = strOrNil(task.Command)
	case core.TaskTypeAPICall:
		doc["api_url"] = strOrNil(task.APIURL)
		doc["api_method"] = strOrNil(task.APIMethod)
		doc["api_headers"] = task.APIHeaders
		// The full body can be large; report just its keys.
		if task.APIBody != nil {
			keys := make([]string, 0, len(task.APIBody))
			for k := range task.APIBody {
				keys = append(keys, k)
			}
			doc["api_body_keys"] = keys
		}
	case core.TaskTypeAI:
		doc["prompt"] = strOrNil(task.Prompt)
	case core.TaskTypeReminder:
		doc["reminder_title"] = strOrNil(task.ReminderTitle)
		doc["reminder_message"] = strOrNil(task.ReminderMessage)
	}
	return doc
}

func executionDocs(executions []*core.TaskExecution) []map[string]any {
	docs := make([]map[string]any, 0, len(executions))
	for _, execution := range executions {
		docs = append(docs, executionDoc(execution))
	}
	return docs
}

func executionDoc(execution *core.TaskExecution) map[string]any {
	doc := map[string]any{
		"id":         execution.ID,
		"task_id":    execution.TaskID,
		"start_time": execution.StartTime.UTC().Format(time.RFC3339),
		"end_time":   timeOrNil(execution.EndTime),
		"status":     string(execution.Status),
		"error":      strOrNil(execution.Error),
	}
	if execution.Output != nil {
		doc["output"] = truncateString(*execution.Output, outputDisplayLimit)
	} else {
		doc["output"] = nil
	}
	return doc
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func strPtr(v string) *string {
	return &v
}

func strOrNil(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func stringArg(args map[string]any, key string) (string, bool) {
	raw, ok := args[key]
	if !ok {
		return "", false
	}
	v, ok := raw.(string)
	return v, ok
}

func boolArg(args map[string]any, key string) (bool, bool) {
	raw, ok := args[key]
	if !ok {
		return false, false
	}
	v, ok := raw.(bool)
	return v, ok
}

func stringMap(m map[string]any) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprint(v)
	}
	return out
}
