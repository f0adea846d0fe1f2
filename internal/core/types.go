package core

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus describes the lifecycle state of a task. It reflects the most
// recent execution outcome, not a queue position.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusDisabled  TaskStatus = "disabled"
)

// TaskType selects which executor handles a task and which payload fields
// are meaningful.
type TaskType string

const (
	TaskTypeShellCommand TaskType = "shell_command"
	TaskTypeAPICall      TaskType = "api_call"
	TaskTypeAI           TaskType = "ai"
	TaskTypeReminder     TaskType = "reminder"
)

// Task represents a scheduled unit of work.
type Task struct {
	ID          string
	Name        string
	Schedule    string
	Type        TaskType
	Command     *string
	APIURL      *string
	APIMethod   *string
	APIHeaders  map[string]string
	APIBody     map[string]any
	Prompt      *string
	Description *string
	Enabled     bool
	DoOnlyOnce  bool
	LastRun     *time.Time
	NextRun     *time.Time
	Status      TaskStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time

	ReminderTitle   *string
	ReminderMessage *string
}

// ExecutionStatus describes the state of a single run.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// TaskExecution captures one run attempt of a task. It is created at
// dispatch time with status running and finalized exactly once.
type TaskExecution struct {
	ID        string
	TaskID    string
	StartTime time.Time
	EndTime   *time.Time
	Status    ExecutionStatus
	Output    *string
	Error     *string
}

// NewTask builds a task with a generated ID, default status and timestamps.
// Free-text fields are ASCII-normalized. The task is not yet validated;
// call Validate before persisting.
func NewTask(name, schedule string, taskType TaskType) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        NewTaskID(),
		Name:      SanitizeASCII(name),
		Schedule:  schedule,
		Type:      taskType,
		Enabled:   true,
		Status:    TaskStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewExecution starts an execution record for the task.
func NewExecution(taskID string) *TaskExecution {
	return &TaskExecution{
		ID:        NewExecutionID(),
		TaskID:    taskID,
		StartTime: time.Now().UTC(),
		Status:    ExecutionStatusRunning,
	}
}

// ValidationError reports a missing or invalid field for the task's type.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task: %s %s", e.Field, e.Reason)
}

// Validate checks that the fields required by the task's type are present.
// Fields belonging to other types are ignored even if set.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return &ValidationError{Field: "name", Reason: "is required"}
	}
	switch t.Type {
	case TaskTypeShellCommand:
		if t.Command == nil || strings.TrimSpace(*t.Command) == "" {
			return &ValidationError{Field: "command", Reason: "is required for shell_command tasks"}
		}
	case TaskTypeAPICall:
		if t.APIURL == nil || strings.TrimSpace(*t.APIURL) == "" {
			return &ValidationError{Field: "api_url", Reason: "is required for api_call tasks"}
		}
	case TaskTypeAI:
		if t.Prompt == nil || strings.TrimSpace(*t.Prompt) == "" {
			return &ValidationError{Field: "prompt", Reason: "is required for ai tasks"}
		}
	case TaskTypeReminder:
		if t.ReminderMessage == nil || strings.TrimSpace(*t.ReminderMessage) == "" {
			return &ValidationError{Field: "reminder_message", Reason: "is required for reminder tasks"}
		}
	default:
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("%q is not a known task type", t.Type)}
	}
	return nil
}

// Clone returns a deep copy so callers can mutate without racing the
// scheduler's completion bookkeeping.
func (t *Task) Clone() *Task {
	c := *t
	c.Command = clonePtr(t.Command)
	c.APIURL = clonePtr(t.APIURL)
	c.APIMethod = clonePtr(t.APIMethod)
	c.Prompt = clonePtr(t.Prompt)
	c.Description = clonePtr(t.Description)
	c.LastRun = clonePtr(t.LastRun)
	c.NextRun = clonePtr(t.NextRun)
	c.ReminderTitle = clonePtr(t.ReminderTitle)
	c.ReminderMessage = clonePtr(t.ReminderMessage)
	if t.APIHeaders != nil {
		c.APIHeaders = make(map[string]string, len(t.APIHeaders))
		for k, v := range t.APIHeaders {
			c.APIHeaders[k] = v
		}
	}
	if t.APIBody != nil {
		c.APIBody = make(map[string]any, len(t.APIBody))
		for k, v := range t.APIBody {
			c.APIBody[k] = v
		}
	}
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// SanitizeASCII strips non-ASCII characters from user-visible text fields.
func SanitizeASCII(s string) string {
	return strings.Map(func(r rune) rune {
		if r > 127 {
			return -1
		}
		return r
	}, s)
}

func ptrString(v string) *string {
	return &v
}
