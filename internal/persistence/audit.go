package persistence

import (
	"context"
	"fmt"
	"time"
)

// AuditEntry is one recorded orchestration decision.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Subject   string    `json:"subject"`
	Action    string    `json:"action"`
	Reason    string    `json:"reason,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	SubTaskID string    `json:"subtask_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// InsertAudit appends an audit row.
func (s *Store) InsertAudit(ctx context.Context, e AuditEntry) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_log (subject, action, reason, task_id, subtask_id) VALUES (?, ?, ?, ?, ?);
		`, e.Subject, e.Action, e.Reason, e.TaskID, e.SubTaskID)
		if err != nil {
			return fmt.Errorf("insert audit: %w", err)
		}
		return nil
	})
}

// ListAudit returns audit rows for a task (all rows when taskID is empty), oldest first.
func (s *Store) ListAudit(ctx context.Context, taskID string) ([]AuditEntry, error) {
	query := `SELECT id, subject, action, reason, task_id, subtask_id, created_at FROM audit_log`
	var args []any
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY id ASC;`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Subject, &e.Action, &e.Reason, &e.TaskID, &e.SubTaskID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
