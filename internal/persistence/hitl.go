package persistence

import (
	"context"
	"fmt"
	"time"
)

// HumanRequestRow is a pending request for operator intervention.
type HumanRequestRow struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id,omitempty"`
	SubTaskID string    `json:"subtask_id,omitempty"`
	Context   string    `json:"context"`
	Priority  string    `json:"priority"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// InsertHumanRequest stores a new pending request.
func (s *Store) InsertHumanRequest(ctx context.Context, r HumanRequestRow) error {
	if r.Status == "" {
		r.Status = "pending"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO human_requests (id, task_id, subtask_id, context, priority, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, r.ID, r.TaskID, r.SubTaskID, r.Context, r.Priority, r.Status, r.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert human request: %w", err)
		}
		return nil
	})
}

// ListHumanRequests returns requests with the given status, oldest first.
func (s *Store) ListHumanRequests(ctx context.Context, status string) ([]HumanRequestRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, subtask_id, context, priority, status, created_at
		FROM human_requests WHERE status = ? ORDER BY created_at ASC, id ASC;
	`, status)
	if err != nil {
		return nil, fmt.Errorf("list human requests: %w", err)
	}
	defer rows.Close()
	var out []HumanRequestRow
	for rows.Next() {
		var r HumanRequestRow
		if err := rows.Scan(&r.ID, &r.TaskID, &r.SubTaskID, &r.Context, &r.Priority, &r.Status, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan human request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
