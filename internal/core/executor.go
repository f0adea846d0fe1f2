package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	openai "github.com/sashabaranov/go-openai"
)

// Notifier delivers a user-visible notification. The executor only sees
// this interface; platform selection happens at startup.
type Notifier interface {
	Send(ctx context.Context, title, message string) error
}

const aiSystemPrompt = "You are a helpful assistant executing scheduled tasks."

// aiMaxTokens bounds completion size for scheduled prompts.
const aiMaxTokens = 2000

// Executor dispatches a task to the handler matching its type. Execute
// never returns an error: every failure is captured into the returned
// execution's status and error fields.
type Executor struct {
	timeout    time.Duration
	aiModel    string
	ai         *openai.Client
	notifier   Notifier
	httpClient *http.Client
	logger     *slog.Logger
}

// NewExecutor creates an executor with a shared per-execution timeout.
// apiKey may be empty; AI tasks then fail at execution time rather than
// silently doing nothing. notifier may be nil when the host has no
// notification backend.
func NewExecutor(timeout time.Duration, aiModel, apiKey string, notifier Notifier, logger *slog.Logger) *Executor {
	e := &Executor{
		timeout:    timeout,
		aiModel:    aiModel,
		notifier:   notifier,
		httpClient: &http.Client{},
		logger:     logger,
	}
	if apiKey != "" {
		e.ai = openai.NewClient(apiKey)
	}
	return e
}

// Execute runs the task and returns a finalized execution record. The
// end time is set exactly once, on every path.
func (e *Executor) Execute(ctx context.Context, task *Task) (execution *TaskExecution) {
	e.logger.Info("executing task", "task_id", task.ID, "name", task.Name, "type", task.Type)
	execution = NewExecution(task.ID)

	var (
		output string
		err    error
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
		endTime := time.Now().UTC()
		execution.EndTime = &endTime
		if err != nil {
			execution.Status = ExecutionStatusFailed
			execution.Error = ptrString(SanitizeASCII(err.Error()))
		} else {
			execution.Status = ExecutionStatusCompleted
			execution.Output = ptrString(SanitizeASCII(output))
		}
	}()

	switch task.Type {
	case TaskTypeShellCommand:
		output, err = e.runShellCommand(ctx, derefString(task.Command))
	case TaskTypeAPICall:
		output, err = e.runAPICall(ctx, task)
	case TaskTypeAI:
		output, err = e.runAIPrompt(ctx, derefString(task.Prompt))
	case TaskTypeReminder:
		title := task.Name
		if task.ReminderTitle != nil && *task.ReminderTitle != "" {
			title = *task.ReminderTitle
		}
		output, err = e.runReminder(ctx, title, derefString(task.ReminderMessage))
	default:
		err = fmt.Errorf("unsupported task type: %s", task.Type)
	}
	return execution
}

// shellBuiltins are commands that only exist inside a shell and therefore
// force shell mode.
var shellBuiltins = []string{"cd", "echo", "set", "type", "dir", "copy", "del", "start", "md", "rd", "ren", "cls"}

func needsShell(command string) bool {
	if runtime.GOOS == "windows" {
		return true
	}
	if strings.ContainsAny(command, "|><&;$") {
		return true
	}
	first := strings.ToLower(strings.TrimSpace(command))
	for _, builtin := range shellBuiltins {
		if first == builtin || strings.HasPrefix(first, builtin+" ") {
			return true
		}
	}
	return false
}

func (e *Executor) runShellCommand(ctx context.Context, command string) (string, error) {
	if command == "" {
		return "", errors.New("no command specified")
	}

	cmdCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var cmd *exec.Cmd
	if needsShell(command) {
		if runtime.GOOS == "windows" {
			cmd = exec.CommandContext(cmdCtx, "cmd.exe", "/C", command) // #nosec G204
		} else {
			cmd = exec.CommandContext(cmdCtx, "/bin/sh", "-c", command) // #nosec G204
		}
	} else {
		args, err := shellquote.Split(command)
		if err != nil {
			return "", fmt.Errorf("invalid command syntax: %v", err)
		}
		cmd = exec.CommandContext(cmdCtx, args[0], args[1:]...) // #nosec G204
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("command timed out after %d seconds", int(e.timeout.Seconds()))
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = "unknown error"
			}
			return "", fmt.Errorf("command failed with exit code %d: %s", exitErr.ExitCode(), msg)
		}
		return "", fmt.Errorf("failed to execute command: %v", runErr)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (e *Executor) runAPICall(ctx context.Context, task *Task) (string, error) {
	url := derefString(task.APIURL)
	if url == "" {
		return "", errors.New("no URL specified")
	}
	method := strings.ToUpper(derefString(task.APIMethod))
	if method == "" {
		method = http.MethodGet
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var body io.Reader
	sendBody := method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
	if sendBody && task.APIBody != nil {
		payload, err := json.Marshal(task.APIBody)
		if err != nil {
			return "", fmt.Errorf("encode request body: %v", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, url, body)
	if err != nil {
		return "", fmt.Errorf("API call failed: %v", err)
	}
	for key, value := range task.APIHeaders {
		req.Header.Set(key, value)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("API call timed out after %d seconds", int(e.timeout.Seconds()))
		}
		return "", fmt.Errorf("API call failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("API call failed: %v", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("API call failed with status %d: %s", resp.StatusCode, string(respBody))
	}
	return string(respBody), nil
}

func (e *Executor) runAIPrompt(ctx context.Context, prompt string) (string, error) {
	if prompt == "" {
		return "", errors.New("no prompt specified")
	}
	if e.ai == nil {
		return "", errors.New("no API key configured for AI tasks")
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.ai.CreateChatCompletion(reqCtx, openai.ChatCompletionRequest{
		Model: e.aiModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: aiSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens: aiMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("AI task failed: %v", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("AI task failed: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

func (e *Executor) runReminder(ctx context.Context, title, message string) (string, error) {
	if message == "" {
		return "", errors.New("no message specified for reminder")
	}
	if e.notifier == nil {
		return "", errors.New("no notification backend available on this system")
	}

	notifyCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.notifier.Send(notifyCtx, title, message); err != nil {
		return "", fmt.Errorf("notification failed: %v", err)
	}
	return "Displayed notification: " + title, nil
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
