// Package router packages, prioritizes, queues and confirms delivery of
// inter-agent messages.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-council/internal/bus"
	otelPkg "github.com/basket/go-council/internal/otel"
	"github.com/basket/go-council/internal/persistence"
)

// Discipline selects how non-urgent messages are ordered in the queue.
type Discipline string

const (
	// DisciplineHeadInsert puts high messages at the head of the queue and
	// appends everything else. A burst of high messages drains newest first.
	DisciplineHeadInsert Discipline = "head_insert"
	// DisciplinePriority keeps strict priority bands, FIFO within a band.
	DisciplinePriority Discipline = "priority"
)

// ParseDiscipline returns the discipline named by s; empty means head_insert.
func ParseDiscipline(s string) (Discipline, error) {
	switch Discipline(s) {
	case "", DisciplineHeadInsert:
		return DisciplineHeadInsert, nil
	case DisciplinePriority:
		return DisciplinePriority, nil
	}
	return "", fmt.Errorf("unknown queue discipline %q", s)
}

// Route is a destination's configured minimum priority and route type.
type Route struct {
	BasePriority Priority
	Type         RouteType
}

var defaultRoute = Route{BasePriority: PriorityNormal, Type: RouteDirect}

// Deliverer hands a message to its recipient(s).
type Deliverer interface {
	Deliver(ctx context.Context, m Message) error
}

// MessageStore records message and receipt state.
type MessageStore interface {
	SaveMessage(ctx context.Context, m persistence.MessageRow) error
	SaveReceipt(ctx context.Context, r persistence.ReceiptRow) error
}

type Config struct {
	Discipline    Discipline
	MaxQueueDepth int
	Routes        map[string]Route

	Deliverer Deliverer
	Store     MessageStore
	Bus       *bus.Bus
	Logger    *slog.Logger
	Metrics   *otelPkg.Metrics
	Tracer    trace.Tracer
	Now       func() time.Time
}

// Router exclusively owns the message queue.
type Router struct {
	mu         sync.Mutex
	queue      []Message
	routes     map[string]Route
	discipline Discipline
	maxDepth   int

	deliverer Deliverer
	store     MessageStore
	bus       *bus.Bus
	logger    *slog.Logger
	metrics   *otelPkg.Metrics
	tracer    trace.Tracer
	now       func() time.Time

	wake chan struct{}
}

// New returns a router. A nil Deliverer makes every delivery fail.
func New(cfg Config) *Router {
	r := &Router{
		discipline: cfg.Discipline,
		maxDepth:   cfg.MaxQueueDepth,
		deliverer:  cfg.Deliverer,
		store:      cfg.Store,
		bus:        cfg.Bus,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
		now:        cfg.Now,
		wake:       make(chan struct{}, 1),
	}
	if r.discipline == "" {
		r.discipline = DisciplineHeadInsert
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.metrics == nil {
		r.metrics = otelPkg.NoopMetrics()
	}
	if r.tracer == nil {
		r.tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.SetRoutes(cfg.Routes)
	return r
}

// SetRoutes replaces the route table.
func (r *Router) SetRoutes(routes map[string]Route) {
	table := make(map[string]Route, len(routes))
	for name, rt := range routes {
		if rt.Type == "" {
			rt.Type = RouteDirect
		}
		table[name] = rt
	}
	r.mu.Lock()
	r.routes = table
	r.mu.Unlock()
}

// Pack builds a pending message.
func (r *Router) Pack(from, to, content string, priority Priority) Message {
	return Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Content:   content,
		Priority:  priority,
		Status:    MessagePending,
		CreatedAt: r.now().UTC(),
	}
}

// Route resolves the destination of m and raises its priority to the
// destination's minimum. Unknown destinations take the default route.
func (r *Router) Route(m Message) Message {
	r.mu.Lock()
	rt, ok := r.routes[m.To]
	r.mu.Unlock()
	if !ok {
		if m.To == Broadcast {
			rt = Route{BasePriority: PriorityNormal, Type: RouteBroadcast}
		} else {
			r.logger.Warn("routing to default route", "error", &UnknownDestinationError{To: m.To}, "message_id", m.ID)
			rt = defaultRoute
		}
	}
	m.Priority = MaxPriority(m.Priority, rt.BasePriority)
	m.RouteType = rt.Type
	if rt.Type == RouteBroadcast {
		m.Route = "broadcast:" + Broadcast
	} else {
		m.Route = "direct:" + m.To
	}
	return m
}

// Send submits m. Urgent messages are delivered synchronously and never
// queued; everything else is queued according to the discipline. The
// receipt for the attempt is recorded before Send returns.
func (r *Router) Send(ctx context.Context, m Message) SendResult {
	ctx, span := otelPkg.StartSpan(ctx, r.tracer, "router.send",
		otelPkg.AttrMessageID.String(m.ID),
		otelPkg.AttrPriority.String(m.Priority.String()),
		otelPkg.AttrAgent.String(m.To),
	)
	defer span.End()

	var res SendResult
	if m.Priority == PriorityUrgent {
		res = r.deliver(ctx, &m)
	} else {
		res = r.enqueue(ctx, &m)
	}
	if res.Err != nil {
		otelPkg.RecordError(span, res.Err)
	}
	span.SetAttributes(otelPkg.AttrStatus.String(string(res.Status)))
	r.metrics.MessagesRouted.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(res.Status))))
	r.ConfirmReceipt(ctx, m, res)
	return res
}

func (r *Router) enqueue(ctx context.Context, m *Message) SendResult {
	r.mu.Lock()
	if r.maxDepth > 0 && len(r.queue) >= r.maxDepth {
		r.mu.Unlock()
		m.Status = MessageFailed
		r.persist(ctx, *m, ErrQueueFull)
		r.publish(bus.TopicMessageFailed, *m, ErrQueueFull)
		return SendResult{MessageID: m.ID, Status: SendFailed, Err: ErrQueueFull}
	}
	m.Status = MessageQueued
	r.insertLocked(*m)
	r.mu.Unlock()

	r.metrics.QueueDepth.Add(ctx, 1)
	r.persist(ctx, *m, nil)
	r.publish(bus.TopicMessageQueued, *m, nil)
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return SendResult{MessageID: m.ID, Status: SendQueued}
}

func (r *Router) insertLocked(m Message) {
	switch r.discipline {
	case DisciplinePriority:
		i := len(r.queue)
		for i > 0 && r.queue[i-1].Priority < m.Priority {
			i--
		}
		r.queue = append(r.queue, Message{})
		copy(r.queue[i+1:], r.queue[i:])
		r.queue[i] = m
	default:
		if m.Priority == PriorityHigh {
			r.queue = append([]Message{m}, r.queue...)
			return
		}
		r.queue = append(r.queue, m)
	}
}

func (r *Router) deliver(ctx context.Context, m *Message) SendResult {
	start := time.Now()
	var err error
	if r.deliverer == nil {
		err = errors.New("router: no deliverer configured")
	} else {
		err = r.deliverer.Deliver(ctx, *m)
	}
	r.metrics.DeliveryDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		m.Status = MessageFailed
		r.persist(ctx, *m, err)
		r.publish(bus.TopicMessageFailed, *m, err)
		r.logger.WarnContext(ctx, "message delivery failed", "message_id", m.ID, "to", m.To, "error", err)
		return SendResult{MessageID: m.ID, Status: SendFailed, Err: err}
	}
	now := r.now().UTC()
	m.Status = MessageSent
	m.ConfirmedAt = &now
	r.persist(ctx, *m, nil)
	r.publish(bus.TopicMessageDelivered, *m, nil)
	return SendResult{MessageID: m.ID, Status: SendSent}
}

// ConfirmReceipt returns the receipt for a send attempt and records it.
// Repeating the call for the same message and result yields the same receipt.
func (r *Router) ConfirmReceipt(ctx context.Context, m Message, res SendResult) Receipt {
	rc := ReceiptFor(m, res)
	if r.store != nil {
		err := r.store.SaveReceipt(ctx, persistence.ReceiptRow{
			MessageID:   rc.MessageID,
			Confirmed:   rc.Confirmed,
			ReceiptType: string(rc.Type),
			RetryCount:  rc.RetryCount,
			CanRetry:    rc.CanRetry,
		})
		if err != nil {
			r.logger.ErrorContext(ctx, "save receipt failed", "message_id", m.ID, "error", err)
		}
	}
	return rc
}

// Next delivers the message at the head of the queue. It reports false when
// the queue was empty.
func (r *Router) Next(ctx context.Context) (SendResult, bool) {
	r.mu.Lock()
	if len(r.queue) == 0 {
		r.mu.Unlock()
		return SendResult{}, false
	}
	m := r.queue[0]
	r.queue = r.queue[1:]
	r.mu.Unlock()
	r.metrics.QueueDepth.Add(ctx, -1)

	res := r.deliver(ctx, &m)
	if res.Status == SendFailed {
		r.ConfirmReceipt(ctx, m, res)
	}
	return res, true
}

// Drain delivers queued messages in queue order until the queue is empty
// or ctx is done. It returns the number of messages attempted.
func (r *Router) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		if _, ok := r.Next(ctx); !ok {
			break
		}
		n++
	}
	return n
}

// Run drains the queue whenever a message is enqueued, and on every tick as
// a fallback, until ctx is cancelled.
func (r *Router) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		case <-ticker.C:
		}
		r.Drain(ctx)
	}
}

// Snapshot returns a copy of the queue in delivery order.
func (r *Router) Snapshot() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.queue))
	copy(out, r.queue)
	return out
}

// Len returns the number of queued messages.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

func (r *Router) persist(ctx context.Context, m Message, sendErr error) {
	if r.store == nil {
		return
	}
	row := persistence.MessageRow{
		ID:          m.ID,
		From:        m.From,
		To:          m.To,
		Content:     m.Content,
		Priority:    m.Priority.String(),
		Route:       m.Route,
		Status:      string(m.Status),
		CreatedAt:   m.CreatedAt,
		ConfirmedAt: m.ConfirmedAt,
	}
	if sendErr != nil {
		row.Error = sendErr.Error()
	}
	if err := r.store.SaveMessage(ctx, row); err != nil {
		r.logger.ErrorContext(ctx, "save message failed", "message_id", m.ID, "error", err)
	}
}

func (r *Router) publish(topic string, m Message, err error) {
	ev := bus.MessageEvent{
		MessageID: m.ID,
		From:      m.From,
		To:        m.To,
		Priority:  m.Priority.String(),
		Status:    string(m.Status),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	r.bus.Publish(topic, ev)
}
