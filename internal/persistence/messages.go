package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageRow is a routed inter-agent message.
type MessageRow struct {
	ID          string     `json:"id"`
	From        string     `json:"from"`
	To          string     `json:"to"`
	Content     string     `json:"content"`
	Priority    string     `json:"priority"`
	Route       string     `json:"route"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

// ReceiptRow acknowledges one send attempt.
type ReceiptRow struct {
	MessageID   string `json:"message_id"`
	Confirmed   bool   `json:"confirmed"`
	ReceiptType string `json:"receipt_type"`
	RetryCount  int    `json:"retry_count"`
	CanRetry    bool   `json:"can_retry"`
}

// MailboxItem is an unread message waiting for an agent.
type MailboxItem struct {
	ID        int64     `json:"id"`
	MessageID string    `json:"message_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Content   string    `json:"content"`
	Priority  string    `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

// SaveMessage inserts a message or updates its mutable columns.
func (s *Store) SaveMessage(ctx context.Context, m MessageRow) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (id, from_agent, to_agent, content, priority, route, status, error, created_at, confirmed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				priority = excluded.priority,
				route = excluded.route,
				status = excluded.status,
				error = excluded.error,
				confirmed_at = COALESCE(messages.confirmed_at, excluded.confirmed_at);
		`, m.ID, m.From, m.To, m.Content, m.Priority, m.Route, m.Status, m.Error, m.CreatedAt.UTC(), nullTime(m.ConfirmedAt))
		if err != nil {
			return fmt.Errorf("save message %s: %w", m.ID, err)
		}
		return nil
	})
}

// GetMessage loads a message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*MessageRow, error) {
	var m MessageRow
	var confirmed sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, from_agent, to_agent, content, priority, route, status, error, created_at, confirmed_at
		FROM messages WHERE id = ?;
	`, id).Scan(&m.ID, &m.From, &m.To, &m.Content, &m.Priority, &m.Route, &m.Status, &m.Error, &m.CreatedAt, &confirmed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	m.ConfirmedAt = timePtr(confirmed)
	return &m, nil
}

// ListMessages returns messages with the given status (all when empty), oldest first.
func (s *Store) ListMessages(ctx context.Context, status string, limit int) ([]MessageRow, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, from_agent, to_agent, content, priority, route, status, error, created_at, confirmed_at FROM messages`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []MessageRow
	for rows.Next() {
		var m MessageRow
		var confirmed sql.NullTime
		if err := rows.Scan(&m.ID, &m.From, &m.To, &m.Content, &m.Priority, &m.Route, &m.Status, &m.Error, &m.CreatedAt, &confirmed); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ConfirmedAt = timePtr(confirmed)
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveReceipt records the receipt for a send attempt. Re-saving the same
// receipt leaves one row with identical fields.
func (s *Store) SaveReceipt(ctx context.Context, r ReceiptRow) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO receipts (message_id, confirmed, receipt_type, retry_count, can_retry)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(message_id) DO UPDATE SET
				confirmed = excluded.confirmed,
				receipt_type = excluded.receipt_type,
				retry_count = excluded.retry_count,
				can_retry = excluded.can_retry;
		`, r.MessageID, boolToInt(r.Confirmed), r.ReceiptType, r.RetryCount, boolToInt(r.CanRetry))
		if err != nil {
			return fmt.Errorf("save receipt %s: %w", r.MessageID, err)
		}
		return nil
	})
}

// GetReceipt loads the receipt for a message.
func (s *Store) GetReceipt(ctx context.Context, messageID string) (*ReceiptRow, error) {
	var r ReceiptRow
	var confirmed, canRetry int
	err := s.db.QueryRowContext(ctx, `
		SELECT message_id, confirmed, receipt_type, retry_count, can_retry FROM receipts WHERE message_id = ?;
	`, messageID).Scan(&r.MessageID, &confirmed, &r.ReceiptType, &r.RetryCount, &canRetry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("receipt %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	r.Confirmed = confirmed != 0
	r.CanRetry = canRetry != 0
	return &r, nil
}

// CountReceipts returns the number of receipts recorded for a message.
func (s *Store) CountReceipts(ctx context.Context, messageID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM receipts WHERE message_id = ?;`, messageID).Scan(&n)
	return n, err
}

// DeliverToMailbox appends a message to each recipient's mailbox atomically.
func (s *Store) DeliverToMailbox(ctx context.Context, m MessageRow, recipients []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, to := range recipients {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO agent_mailbox (message_id, from_agent, to_agent, content, priority) VALUES (?, ?, ?, ?, ?);
			`, m.ID, m.From, to, m.Content, m.Priority); err != nil {
				return fmt.Errorf("deliver to %s: %w", to, err)
			}
		}
		return nil
	})
}

// ReadMailbox returns unread messages for an agent in arrival order and
// marks them read in the same transaction.
func (s *Store) ReadMailbox(ctx context.Context, agent string, limit int) ([]MailboxItem, error) {
	if limit <= 0 {
		limit = 10
	}
	var items []MailboxItem
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		items = items[:0]
		rows, err := tx.QueryContext(ctx, `
			SELECT id, message_id, from_agent, to_agent, content, priority, created_at
			FROM agent_mailbox
			WHERE to_agent = ? AND read_at IS NULL
			ORDER BY id ASC
			LIMIT ?;
		`, agent, limit)
		if err != nil {
			return fmt.Errorf("read mailbox: %w", err)
		}
		var ids []any
		for rows.Next() {
			var it MailboxItem
			if err := rows.Scan(&it.ID, &it.MessageID, &it.From, &it.To, &it.Content, &it.Priority, &it.CreatedAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan mailbox item: %w", err)
			}
			items = append(items, it)
			ids = append(ids, it.ID)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate mailbox: %w", err)
		}
		rows.Close()

		if len(ids) == 0 {
			return nil
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		if _, err := tx.ExecContext(ctx, `UPDATE agent_mailbox SET read_at = CURRENT_TIMESTAMP WHERE id IN (`+placeholders+`);`, ids...); err != nil {
			return fmt.Errorf("mark mailbox read: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// PeekMailbox returns the count of unread messages for an agent.
func (s *Store) PeekMailbox(ctx context.Context, agent string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM agent_mailbox WHERE to_agent = ? AND read_at IS NULL;
	`, agent).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("peek mailbox: %w", err)
	}
	return count, nil
}
