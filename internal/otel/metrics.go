package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds every instrument recorded by the council runtime.
type Metrics struct {
	MessagesRouted   metric.Int64Counter
	QueueDepth       metric.Int64UpDownCounter
	DeliveryDuration metric.Float64Histogram
	SubTaskDuration  metric.Float64Histogram
	SubTaskOutcomes  metric.Int64Counter
	Exceptions       metric.Int64Counter
	LLMCallDuration  metric.Float64Histogram
	LLMErrors        metric.Int64Counter
	LLMTokens        metric.Int64Counter
	LLMCost          metric.Float64Counter
	KnowledgeWrites  metric.Int64Counter
	RetrieveDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.MessagesRouted, err = meter.Int64Counter("council.router.messages",
		metric.WithDescription("Messages handled by the router, by send status"),
	); err != nil {
		return nil, err
	}
	if m.QueueDepth, err = meter.Int64UpDownCounter("council.router.queue.depth",
		metric.WithDescription("Messages waiting in the router queue"),
	); err != nil {
		return nil, err
	}
	if m.DeliveryDuration, err = meter.Float64Histogram("council.router.delivery.duration",
		metric.WithDescription("Time spent delivering one message"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.SubTaskDuration, err = meter.Float64Histogram("council.subtask.duration",
		metric.WithDescription("Subtask time from dispatch to terminal state"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.SubTaskOutcomes, err = meter.Int64Counter("council.subtask.outcomes",
		metric.WithDescription("Terminal subtask outcomes"),
	); err != nil {
		return nil, err
	}
	if m.Exceptions, err = meter.Int64Counter("council.exceptions",
		metric.WithDescription("Exception actions taken, by action and category"),
	); err != nil {
		return nil, err
	}
	if m.LLMCallDuration, err = meter.Float64Histogram("council.llm.duration",
		metric.WithDescription("Text-completion call duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.LLMErrors, err = meter.Int64Counter("council.llm.errors",
		metric.WithDescription("Text-completion failures by error class"),
	); err != nil {
		return nil, err
	}
	if m.LLMTokens, err = meter.Int64Counter("council.llm.tokens",
		metric.WithDescription("Tokens used by completion calls, by direction"),
	); err != nil {
		return nil, err
	}
	if m.LLMCost, err = meter.Float64Counter("council.llm.cost",
		metric.WithDescription("Estimated completion spend"),
		metric.WithUnit("USD"),
	); err != nil {
		return nil, err
	}
	if m.KnowledgeWrites, err = meter.Int64Counter("council.knowledge.writes",
		metric.WithDescription("Knowledge records stored or updated, by kind"),
	); err != nil {
		return nil, err
	}
	if m.RetrieveDuration, err = meter.Float64Histogram("council.knowledge.retrieve.duration",
		metric.WithDescription("Similarity search duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	if err != nil {
		panic(err) // noop meters never fail
	}
	return m
}
