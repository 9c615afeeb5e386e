package router

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-council/internal/bus"
	"github.com/basket/go-council/internal/persistence"
)

type recordingDeliverer struct {
	mu   sync.Mutex
	got  []Message
	fail error
}

func (d *recordingDeliverer) Deliver(_ context.Context, m Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	d.got = append(d.got, m)
	return nil
}

func (d *recordingDeliverer) delivered() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.got))
	for i, m := range d.got {
		out[i] = m.Content
	}
	return out
}

func openStore(t *testing.T) *persistence.Store {
	t.Helper()
	s, err := persistence.Open(filepath.Join(t.TempDir(), "council.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func contents(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func assertOrder(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestRoute_EffectivePriority(t *testing.T) {
	r := New(Config{Routes: map[string]Route{
		"risk_analyst": {BasePriority: PriorityHigh, Type: RouteDirect},
		"all":          {BasePriority: PriorityLow, Type: RouteBroadcast},
	}})

	m := r.Route(r.Pack("orchestrator", "risk_analyst", "x", PriorityNormal))
	if m.Priority != PriorityHigh || m.Route != "direct:risk_analyst" {
		t.Fatalf("expected raise to high on direct route, got %s %s", m.Priority, m.Route)
	}
	m = r.Route(r.Pack("orchestrator", "risk_analyst", "x", PriorityUrgent))
	if m.Priority != PriorityUrgent {
		t.Fatalf("routing must never lower priority, got %s", m.Priority)
	}
	m = r.Route(r.Pack("orchestrator", "all", "x", PriorityNormal))
	if m.Priority != PriorityNormal || m.RouteType != RouteBroadcast {
		t.Fatalf("unexpected broadcast routing: %+v", m)
	}
}

func TestRoute_UnknownDestinationDegrades(t *testing.T) {
	r := New(Config{})
	m := r.Route(r.Pack("orchestrator", "ghost", "x", PriorityLow))
	if m.Priority != PriorityNormal || m.RouteType != RouteDirect || m.Route != "direct:ghost" {
		t.Fatalf("expected default normal/direct route, got %+v", m)
	}
}

func TestSend_UrgentBypassesQueue(t *testing.T) {
	d := &recordingDeliverer{}
	r := New(Config{Deliverer: d})
	ctx := context.Background()

	r.Send(ctx, r.Route(r.Pack("o", "a", "queued-normal", PriorityNormal)))
	res := r.Send(ctx, r.Route(r.Pack("o", "a", "urgent", PriorityUrgent)))
	if res.Status != SendSent {
		t.Fatalf("expected sent, got %s (%v)", res.Status, res.Err)
	}
	for _, m := range r.Snapshot() {
		if m.ID == res.MessageID {
			t.Fatal("urgent message must never appear in the queue")
		}
	}
	assertOrder(t, d.delivered(), []string{"urgent"})
	if r.Len() != 1 {
		t.Fatalf("expected the normal message still queued, got %d", r.Len())
	}
}

func TestSend_HeadInsertOrdering(t *testing.T) {
	r := New(Config{Deliverer: &recordingDeliverer{}})
	ctx := context.Background()
	for _, tc := range []struct {
		name string
		p    Priority
	}{{"n1", PriorityNormal}, {"h1", PriorityHigh}, {"l1", PriorityLow}, {"h2", PriorityHigh}, {"n2", PriorityNormal}} {
		if res := r.Send(ctx, r.Route(r.Pack("o", "a", tc.name, tc.p))); res.Status != SendQueued {
			t.Fatalf("expected queued for %s, got %s", tc.name, res.Status)
		}
	}
	assertOrder(t, contents(r.Snapshot()), []string{"h2", "h1", "n1", "l1", "n2"})
}

func TestSend_PriorityDisciplineBandsAreFIFO(t *testing.T) {
	d := &recordingDeliverer{}
	r := New(Config{Discipline: DisciplinePriority, Deliverer: d})
	ctx := context.Background()
	for _, tc := range []struct {
		name string
		p    Priority
	}{{"n1", PriorityNormal}, {"h1", PriorityHigh}, {"l1", PriorityLow}, {"h2", PriorityHigh}, {"n2", PriorityNormal}} {
		r.Send(ctx, r.Route(r.Pack("o", "a", tc.name, tc.p)))
	}
	assertOrder(t, contents(r.Snapshot()), []string{"h1", "h2", "n1", "n2", "l1"})

	if n := r.Drain(ctx); n != 5 {
		t.Fatalf("expected 5 deliveries, got %d", n)
	}
	assertOrder(t, d.delivered(), []string{"h1", "h2", "n1", "n2", "l1"})
}

func TestSend_HigherPriorityNeverDeliveredAfterLower(t *testing.T) {
	for _, disc := range []Discipline{DisciplineHeadInsert, DisciplinePriority} {
		d := &recordingDeliverer{}
		r := New(Config{Discipline: disc, Deliverer: d})
		ctx := context.Background()
		r.Send(ctx, r.Route(r.Pack("o", "a", "normal", PriorityNormal)))
		r.Send(ctx, r.Route(r.Pack("o", "a", "high", PriorityHigh)))
		r.Drain(ctx)
		assertOrder(t, d.delivered(), []string{"high", "normal"})
	}
}

func TestSend_QueueFull(t *testing.T) {
	store := openStore(t)
	r := New(Config{MaxQueueDepth: 1, Deliverer: &recordingDeliverer{}, Store: store})
	ctx := context.Background()

	r.Send(ctx, r.Route(r.Pack("o", "a", "first", PriorityNormal)))
	m := r.Route(r.Pack("o", "a", "second", PriorityNormal))
	res := r.Send(ctx, m)
	if res.Status != SendFailed || !errors.Is(res.Err, ErrQueueFull) {
		t.Fatalf("expected failed with ErrQueueFull, got %s %v", res.Status, res.Err)
	}
	rc, err := store.GetReceipt(ctx, m.ID)
	if err != nil {
		t.Fatalf("get receipt: %v", err)
	}
	if rc.Confirmed || rc.ReceiptType != "failure" || !rc.CanRetry {
		t.Fatalf("unexpected receipt: %+v", rc)
	}
	row, err := store.GetMessage(ctx, m.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if row.Status != "failed" {
		t.Fatalf("expected persisted status failed, got %s", row.Status)
	}
}

func TestConfirmReceipt_MappingAndIdempotence(t *testing.T) {
	store := openStore(t)
	r := New(Config{Deliverer: &recordingDeliverer{}, Store: store})
	ctx := context.Background()

	m := r.Route(r.Pack("o", "a", "x", PriorityNormal))
	res := r.Send(ctx, m)
	first := r.ConfirmReceipt(ctx, m, res)
	second := r.ConfirmReceipt(ctx, m, res)
	if first != second {
		t.Fatalf("receipts differ: %+v vs %+v", first, second)
	}
	if !first.Confirmed || first.Type != ReceiptDelivery {
		t.Fatalf("queued send should be a confirmed delivery: %+v", first)
	}
	if n, _ := store.CountReceipts(ctx, m.ID); n != 1 {
		t.Fatalf("expected exactly one receipt row, got %d", n)
	}

	tests := []struct {
		status SendStatus
		want   Receipt
	}{
		{SendSent, Receipt{MessageID: "m", Confirmed: true, Type: ReceiptDelivery}},
		{SendFailed, Receipt{MessageID: "m", Type: ReceiptFailure, CanRetry: true}},
		{SendStatus("bounced"), Receipt{MessageID: "m", Type: ReceiptUnknown}},
	}
	for _, tc := range tests {
		if got := ReceiptFor(Message{ID: "m"}, SendResult{Status: tc.status}); got != tc.want {
			t.Fatalf("%s: got %+v, want %+v", tc.status, got, tc.want)
		}
	}
}

func TestSend_UrgentDeliveryFailure(t *testing.T) {
	r := New(Config{Deliverer: &recordingDeliverer{fail: errors.New("mailbox offline")}})
	res := r.Send(context.Background(), r.Route(r.Pack("o", "a", "x", PriorityUrgent)))
	if res.Status != SendFailed || res.Err == nil {
		t.Fatalf("expected failed send, got %+v", res)
	}
}

func TestRun_DrainsOnEnqueue(t *testing.T) {
	d := &recordingDeliverer{}
	b := bus.New()
	sub := b.Subscribe(bus.TopicMessageDelivered)
	defer b.Unsubscribe(sub)
	r := New(Config{Deliverer: d, Bus: b})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, time.Hour)

	r.Send(ctx, r.Route(r.Pack("o", "a", "x", PriorityNormal)))
	select {
	case ev := <-sub.Ch():
		if ev.Payload.(bus.MessageEvent).Status != "sent" {
			t.Fatalf("unexpected event: %+v", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued message was not delivered")
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", r.Len())
	}
}

func TestMailboxDeliverer_BroadcastFansOut(t *testing.T) {
	store := openStore(t)
	d := NewMailboxDeliverer(store, []string{"a", "b", "c"})
	r := New(Config{Deliverer: d, Store: store})
	ctx := context.Background()

	res := r.Send(ctx, r.Route(r.Pack("a", Broadcast, "hello all", PriorityUrgent)))
	if res.Status != SendSent {
		t.Fatalf("expected sent, got %+v", res)
	}
	for agent, want := range map[string]int{"a": 0, "b": 1, "c": 1} {
		if n, _ := store.PeekMailbox(ctx, agent); n != want {
			t.Fatalf("mailbox %s: expected %d, got %d", agent, want, n)
		}
	}
}

func TestParsePriorityAndRaise(t *testing.T) {
	p, err := ParsePriority("HIGH")
	if err != nil || p != PriorityHigh {
		t.Fatalf("ParsePriority: %v %v", p, err)
	}
	if _, err := ParsePriority("critical"); err == nil {
		t.Fatal("expected error for unknown priority")
	}
	if PriorityHigh.Raise() != PriorityUrgent || PriorityUrgent.Raise() != PriorityUrgent {
		t.Fatal("Raise must cap at urgent")
	}
}
