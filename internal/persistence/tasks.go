package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TaskRow is the persisted form of an orchestrated task.
type TaskRow struct {
	ID          string     `json:"id"`
	Query       string     `json:"query"`
	Material    string     `json:"material"`
	Priority    string     `json:"priority"`
	Status      string     `json:"status"`
	Report      string     `json:"report,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SubTaskRow is the persisted form of one agent's share of a task.
type SubTaskRow struct {
	ID              string     `json:"id"`
	TaskID          string     `json:"task_id"`
	Seq             int        `json:"seq"`
	Agent           string     `json:"agent"`
	Instruction     string     `json:"instruction"`
	DependsOn       []string   `json:"depends_on"`
	Priority        string     `json:"priority"`
	Status          string     `json:"status"`
	Attempt         int        `json:"attempt"`
	RetryCount      int        `json:"retry_count"`
	RequeueCount    int        `json:"requeue_count"`
	MessageID       string     `json:"message_id,omitempty"`
	Result          string     `json:"result,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	FailureCategory string     `json:"failure_category,omitempty"`
	StatusChangedAt time.Time  `json:"status_changed_at"`
	NotBefore       *time.Time `json:"not_before,omitempty"`
}

// SaveTask upserts a task and all of its subtasks in one transaction.
func (s *Store) SaveTask(ctx context.Context, task TaskRow, subtasks []SubTaskRow) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := upsertTaskTx(ctx, tx, task); err != nil {
			return err
		}
		for _, st := range subtasks {
			if err := upsertSubTaskTx(ctx, tx, st); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveSubTask upserts a single subtask row.
func (s *Store) SaveSubTask(ctx context.Context, st SubTaskRow) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return upsertSubTaskTx(ctx, tx, st)
	})
}

func upsertTaskTx(ctx context.Context, tx *sql.Tx, t TaskRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, query, material, priority, status, report, error, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, ?)
		ON CONFLICT(id) DO UPDATE SET
			priority = excluded.priority,
			status = excluded.status,
			report = excluded.report,
			error = excluded.error,
			updated_at = CURRENT_TIMESTAMP,
			completed_at = excluded.completed_at;
	`, t.ID, t.Query, t.Material, t.Priority, t.Status, t.Report, t.Error, t.CreatedAt.UTC(), nullTime(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.ID, err)
	}
	return nil
}

func upsertSubTaskTx(ctx context.Context, tx *sql.Tx, st SubTaskRow) error {
	deps := st.DependsOn
	if deps == nil {
		deps = []string{}
	}
	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return fmt.Errorf("marshal depends_on: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO subtasks (id, task_id, seq, agent, instruction, depends_on, priority, status, attempt,
			retry_count, requeue_count, message_id, result, last_error, failure_category, status_changed_at, not_before)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			instruction = excluded.instruction,
			depends_on = excluded.depends_on,
			priority = excluded.priority,
			status = excluded.status,
			attempt = excluded.attempt,
			retry_count = excluded.retry_count,
			requeue_count = excluded.requeue_count,
			message_id = excluded.message_id,
			result = excluded.result,
			last_error = excluded.last_error,
			failure_category = excluded.failure_category,
			status_changed_at = excluded.status_changed_at,
			not_before = excluded.not_before;
	`, st.ID, st.TaskID, st.Seq, st.Agent, st.Instruction, string(depsJSON), st.Priority, st.Status, st.Attempt,
		st.RetryCount, st.RequeueCount, st.MessageID, st.Result, st.LastError, st.FailureCategory,
		st.StatusChangedAt.UTC(), nullTime(st.NotBefore))
	if err != nil {
		return fmt.Errorf("upsert subtask %s: %w", st.ID, err)
	}
	return nil
}

// GetTask loads a task and its subtasks ordered by declaration.
func (s *Store) GetTask(ctx context.Context, id string) (*TaskRow, []SubTaskRow, error) {
	var t TaskRow
	var completed sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, query, material, priority, status, report, error, created_at, updated_at, completed_at
		FROM tasks WHERE id = ?;
	`, id).Scan(&t.ID, &t.Query, &t.Material, &t.Priority, &t.Status, &t.Report, &t.Error, &t.CreatedAt, &t.UpdatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get task: %w", err)
	}
	t.CompletedAt = timePtr(completed)

	subs, err := s.ListSubTasks(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return &t, subs, nil
}

// ListSubTasks returns the subtasks of a task in declaration order.
func (s *Store) ListSubTasks(ctx context.Context, taskID string) ([]SubTaskRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, seq, agent, instruction, depends_on, priority, status, attempt, retry_count,
			requeue_count, message_id, result, last_error, failure_category, status_changed_at, not_before
		FROM subtasks WHERE task_id = ? ORDER BY seq ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}
	defer rows.Close()

	var out []SubTaskRow
	for rows.Next() {
		var st SubTaskRow
		var deps string
		var notBefore sql.NullTime
		if err := rows.Scan(&st.ID, &st.TaskID, &st.Seq, &st.Agent, &st.Instruction, &deps, &st.Priority, &st.Status,
			&st.Attempt, &st.RetryCount, &st.RequeueCount, &st.MessageID, &st.Result, &st.LastError,
			&st.FailureCategory, &st.StatusChangedAt, &notBefore); err != nil {
			return nil, fmt.Errorf("scan subtask: %w", err)
		}
		if err := json.Unmarshal([]byte(deps), &st.DependsOn); err != nil {
			return nil, fmt.Errorf("decode depends_on for %s: %w", st.ID, err)
		}
		st.NotBefore = timePtr(notBefore)
		out = append(out, st)
	}
	return out, rows.Err()
}

// ListTasks returns the most recent tasks, newest first.
func (s *Store) ListTasks(ctx context.Context, limit int) ([]TaskRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, query, material, priority, status, report, error, created_at, updated_at, completed_at
		FROM tasks ORDER BY created_at DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRow
	for rows.Next() {
		var t TaskRow
		var completed sql.NullTime
		if err := rows.Scan(&t.ID, &t.Query, &t.Material, &t.Priority, &t.Status, &t.Report, &t.Error,
			&t.CreatedAt, &t.UpdatedAt, &completed); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.CompletedAt = timePtr(completed)
		out = append(out, t)
	}
	return out, rows.Err()
}
