package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskcron/internal/core"
)

// SaveTask upserts the task keyed by its id.
func (s *Store) SaveTask(ctx context.Context, task *core.Task) error {
	headers, err := marshalJSONMap(task.APIHeaders)
	if err != nil {
		return fmt.Errorf("encode api_headers: %w", err)
	}
	body, err := marshalJSONMap(task.APIBody)
	if err != nil {
		return fmt.Errorf("encode api_body: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT OR REPLACE INTO tasks
		(id, name, schedule, type, command, api_url, api_method, api_headers,
		 api_body, prompt, description, enabled, do_only_once, last_run, next_run,
		 status, created_at, updated_at, reminder_title, reminder_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Name, task.Schedule, string(task.Type),
		nullableString(task.Command), nullableString(task.APIURL), nullableString(task.APIMethod),
		headers, body, nullableString(task.Prompt), nullableString(task.Description),
		boolToInt(task.Enabled), boolToInt(task.DoOnlyOnce),
		nullableTime(task.LastRun), nullableTime(task.NextRun),
		string(task.Status),
		task.CreatedAt.UTC().Format(time.RFC3339Nano), task.UpdatedAt.UTC().Format(time.RFC3339Nano),
		nullableString(task.ReminderTitle), nullableString(task.ReminderMessage))
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// GetTask returns the task or core.ErrTaskNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// ListTasks returns all tasks, newest first.
func (s *Store) ListTasks(ctx context.Context) ([]*core.Task, error) {
	rows, err := s.DB.QueryContext(ctx, taskSelect+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// DeleteTask removes the task row and reports whether one existed.
// Execution rows are kept; they may outlive their task.
func (s *Store) DeleteTask(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

const taskSelect = `
	SELECT id, name, schedule, type, command, api_url, api_method, api_headers,
	       api_body, prompt, description, enabled, do_only_once, last_run, next_run,
	       status, created_at, updated_at, reminder_title, reminder_message
	FROM tasks`

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*core.Task, error) {
	var (
		id          string
		name        string
		schedule    string
		taskType    string
		command     sql.NullString
		apiURL      sql.NullString
		apiMethod   sql.NullString
		apiHeaders  sql.NullString
		apiBody     sql.NullString
		prompt      sql.NullString
		description sql.NullString
		enabled     int
		doOnlyOnce  int
		lastRun     sql.NullString
		nextRun     sql.NullString
		status      string
		createdAt   string
		updatedAt   string
		remTitle    sql.NullString
		remMessage  sql.NullString
	)
	if err := scanner.Scan(&id, &name, &schedule, &taskType, &command, &apiURL, &apiMethod,
		&apiHeaders, &apiBody, &prompt, &description, &enabled, &doOnlyOnce,
		&lastRun, &nextRun, &status, &createdAt, &updatedAt, &remTitle, &remMessage); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task := &core.Task{
		ID:         id,
		Name:       name,
		Schedule:   schedule,
		Type:       core.TaskType(taskType),
		Enabled:    enabled != 0,
		DoOnlyOnce: doOnlyOnce != 0,
		Status:     core.TaskStatus(status),
	}
	task.Command = stringPtr(command)
	task.APIURL = stringPtr(apiURL)
	task.APIMethod = stringPtr(apiMethod)
	task.Prompt = stringPtr(prompt)
	task.Description = stringPtr(description)
	task.ReminderTitle = stringPtr(remTitle)
	task.ReminderMessage = stringPtr(remMessage)
	if apiHeaders.Valid && apiHeaders.String != "" {
		if err := json.Unmarshal([]byte(apiHeaders.String), &task.APIHeaders); err != nil {
			return nil, fmt.Errorf("decode api_headers for %s: %w", id, err)
		}
	}
	if apiBody.Valid && apiBody.String != "" {
		if err := json.Unmarshal([]byte(apiBody.String), &task.APIBody); err != nil {
			return nil, fmt.Errorf("decode api_body for %s: %w", id, err)
		}
	}
	task.LastRun = timePtr(lastRun)
	task.NextRun = timePtr(nextRun)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		task.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		task.UpdatedAt = t
	}
	return task, nil
}

func marshalJSONMap[V any](m map[string]V) (any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func timePtr(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}
