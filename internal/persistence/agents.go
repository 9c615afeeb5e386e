package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AgentStateRow is the process-wide status of one roster agent.
type AgentStateRow struct {
	Agent         string    `json:"agent"`
	Status        string    `json:"status"`
	CurrentTaskID string    `json:"current_task_id,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// SaveAgentState upserts the row for st.Agent.
func (s *Store) SaveAgentState(ctx context.Context, st AgentStateRow) error {
	var current any
	if st.CurrentTaskID != "" {
		current = st.CurrentTaskID
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_states (agent, status, current_task_id, last_error, last_heartbeat)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(agent) DO UPDATE SET
				status = excluded.status,
				current_task_id = excluded.current_task_id,
				last_error = excluded.last_error,
				last_heartbeat = excluded.last_heartbeat;
		`, st.Agent, st.Status, current, st.LastError, st.LastHeartbeat.UTC())
		if err != nil {
			return fmt.Errorf("save agent state %s: %w", st.Agent, err)
		}
		return nil
	})
}

// TouchAgent refreshes last_heartbeat without changing status.
func (s *Store) TouchAgent(ctx context.Context, agent string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agent_states SET last_heartbeat = ? WHERE agent = ?;`, at.UTC(), agent)
	if err != nil {
		return fmt.Errorf("touch agent %s: %w", agent, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", agent, ErrNotFound)
	}
	return nil
}

// GetAgentState loads one agent row.
func (s *Store) GetAgentState(ctx context.Context, agent string) (*AgentStateRow, error) {
	var st AgentStateRow
	var current sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT agent, status, current_task_id, last_error, last_heartbeat FROM agent_states WHERE agent = ?;
	`, agent).Scan(&st.Agent, &st.Status, &current, &st.LastError, &st.LastHeartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", agent, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent state: %w", err)
	}
	st.CurrentTaskID = current.String
	return &st, nil
}

// ListAgentStates returns all agent rows ordered by name.
func (s *Store) ListAgentStates(ctx context.Context) ([]AgentStateRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent, status, current_task_id, last_error, last_heartbeat FROM agent_states ORDER BY agent ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list agent states: %w", err)
	}
	defer rows.Close()
	var out []AgentStateRow
	for rows.Next() {
		var st AgentStateRow
		var current sql.NullString
		if err := rows.Scan(&st.Agent, &st.Status, &current, &st.LastError, &st.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("scan agent state: %w", err)
		}
		st.CurrentTaskID = current.String
		out = append(out, st)
	}
	return out, rows.Err()
}
