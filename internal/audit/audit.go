// Package audit records orchestration decisions (retries, requeues,
// escalations) to an append-only JSONL file and the audit_log table.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-council/internal/persistence"
	"github.com/basket/go-council/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
	Subject   string `json:"subject"`
	Action    string `json:"action"`
	Reason    string `json:"reason,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	SubTaskID string `json:"subtask_id,omitempty"`
}

// Sink is the table-backed half of the log.
type Sink interface {
	InsertAudit(ctx context.Context, e persistence.AuditEntry) error
}

// Logger writes audit entries. A nil *Logger discards everything.
type Logger struct {
	mu        sync.Mutex
	file      *os.File
	sink      Sink
	logger    *slog.Logger
	escalated atomic.Int64
}

// Open creates the JSONL file under <home>/logs. sink may be nil.
func Open(homeDir string, sink Sink, logger *slog.Logger) (*Logger, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{file: f, sink: sink, logger: logger}, nil
}

// Close closes the JSONL file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Escalations returns the number of escalate_human entries recorded since Open.
func (l *Logger) Escalations() int64 {
	if l == nil {
		return 0
	}
	return l.escalated.Load()
}

// Record appends one decision. Write failures are logged, not returned.
func (l *Logger) Record(ctx context.Context, e persistence.AuditEntry) {
	if l == nil {
		return
	}
	if e.Action == "escalate_human" {
		l.escalated.Add(1)
	}
	e.Reason = shared.Redact(e.Reason)

	l.mu.Lock()
	if l.file != nil {
		b, err := json.Marshal(entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			TraceID:   shared.TraceID(ctx),
			Subject:   e.Subject,
			Action:    e.Action,
			Reason:    e.Reason,
			TaskID:    e.TaskID,
			SubTaskID: e.SubTaskID,
		})
		if err == nil {
			_, err = l.file.Write(append(b, '\n'))
		}
		if err != nil {
			l.logger.Warn("audit file write failed", "error", err)
		}
	}
	l.mu.Unlock()

	if l.sink != nil {
		if err := l.sink.InsertAudit(ctx, e); err != nil {
			l.logger.Warn("audit table write failed", "error", err, "action", e.Action)
		}
	}
}
