package hitl

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-council/internal/bus"
	"github.com/basket/go-council/internal/persistence"
)

func TestRequest_PersistsAndPublishes(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "council.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	b := bus.New()
	sub := b.Subscribe(bus.TopicHITLRequested)
	defer b.Unsubscribe(sub)

	ch := NewChannel(store, b, nil)
	ctx := context.Background()
	id, err := ch.Request(ctx, Context{TaskID: "task_1", SubTaskID: "task_1.risk_analyst", Agent: "risk_analyst", Reason: "retries exhausted"}, "high")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !strings.HasPrefix(id, "hitl_") {
		t.Fatalf("unexpected id %q", id)
	}

	pending, err := ch.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id || pending[0].Priority != "high" {
		t.Fatalf("unexpected pending requests: %+v", pending)
	}
	if !strings.Contains(pending[0].Context, "risk_analyst: retries exhausted") {
		t.Fatalf("unexpected context %q", pending[0].Context)
	}

	select {
	case ev := <-sub.Ch():
		req := ev.Payload.(bus.HITLRequest)
		if req.RequestID != id || req.TaskID != "task_1" {
			t.Fatalf("unexpected event: %+v", req)
		}
	case <-time.After(time.Second):
		t.Fatal("expected hitl event")
	}
}
