package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"taskcron/internal/core"
)

// SaveExecution appends a finalized execution record to the log.
func (s *Store) SaveExecution(ctx context.Context, execution *core.TaskExecution) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT OR REPLACE INTO executions
		(id, task_id, start_time, end_time, status, output, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, execution.ID, execution.TaskID,
		execution.StartTime.UTC().Format(time.RFC3339Nano), nullableTime(execution.EndTime),
		string(execution.Status), nullableString(execution.Output), nullableString(execution.Error))
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

// ListExecutions returns up to limit execution records for the task,
// most recent first.
func (s *Store) ListExecutions(ctx context.Context, taskID string, limit int) ([]*core.TaskExecution, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, task_id, start_time, end_time, status, output, error
		FROM executions
		WHERE task_id = ?
		ORDER BY start_time DESC
		LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	var executions []*core.TaskExecution
	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, execution)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return executions, nil
}

func scanExecution(scanner interface {
	Scan(dest ...any) error
}) (*core.TaskExecution, error) {
	var (
		id        string
		taskID    string
		startTime string
		endTime   sql.NullString
		status    string
		output    sql.NullString
		errMsg    sql.NullString
	)
	if err := scanner.Scan(&id, &taskID, &startTime, &endTime, &status, &output, &errMsg); err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	execution := &core.TaskExecution{
		ID:     id,
		TaskID: taskID,
		Status: core.ExecutionStatus(status),
	}
	if t, err := time.Parse(time.RFC3339Nano, startTime); err == nil {
		execution.StartTime = t
	}
	execution.EndTime = timePtr(endTime)
	execution.Output = stringPtr(output)
	execution.Error = stringPtr(errMsg)
	return execution, nil
}
