package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-council/internal/persistence"
)

func TestRecordWritesFileAndTable(t *testing.T) {
	home := t.TempDir()
	store, err := persistence.Open(filepath.Join(home, "council.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	l, err := Open(home, store, nil)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	ctx := context.Background()
	l.Record(ctx, persistence.AuditEntry{Subject: "subtask", Action: "escalate_retry", Reason: "timeout", TaskID: "task_1", SubTaskID: "task_1.a"})
	l.Record(ctx, persistence.AuditEntry{Subject: "subtask", Action: "escalate_human", Reason: "retries exhausted", TaskID: "task_1", SubTaskID: "task_1.a"})

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two audit lines, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if first["action"] != "escalate_retry" || first["task_id"] != "task_1" {
		t.Fatalf("unexpected first entry: %#v", first)
	}

	rows, err := store.ListAudit(ctx, "task_1")
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected two audit rows, got %d", len(rows))
	}
	if l.Escalations() != 1 {
		t.Fatalf("expected one escalation, got %d", l.Escalations())
	}
}

func TestRecordRedactsReason(t *testing.T) {
	home := t.TempDir()
	l, err := Open(home, nil, nil)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	defer l.Close()

	l.Record(context.Background(), persistence.AuditEntry{Subject: "completion", Action: "escalate_human", Reason: "auth failed api_key=supersecretvalue123"})

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(raw), "supersecretvalue123") {
		t.Fatalf("secret leaked into audit log: %s", raw)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Record(context.Background(), persistence.AuditEntry{Action: "escalate_human"})
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if l.Escalations() != 0 {
		t.Fatal("expected zero escalations")
	}
}
