package shared

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type traceKey struct{}
type agentKey struct{}
type taskIDKey struct{}
type subTaskIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithAgent attaches the acting agent name to the context.
func WithAgent(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, agentKey{}, agent)
}

// Agent extracts the acting agent name. Returns "" if absent.
func Agent(ctx context.Context) string {
	if v, ok := ctx.Value(agentKey{}).(string); ok {
		return v
	}
	return ""
}

// WithTaskID attaches a task_id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts task_id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithSubTaskID attaches a subtask_id to the context.
func WithSubTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, subTaskIDKey{}, id)
}

// SubTaskID extracts subtask_id from context. Returns "" if absent.
func SubTaskID(ctx context.Context) string {
	if v, ok := ctx.Value(subTaskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// LogAttrs returns the correlation attributes present on ctx, for use with
// slog.Logger.With or LogAttrs.
func LogAttrs(ctx context.Context) []any {
	attrs := []any{slog.String("trace_id", TraceID(ctx))}
	if v := TaskID(ctx); v != "" {
		attrs = append(attrs, slog.String("task_id", v))
	}
	if v := SubTaskID(ctx); v != "" {
		attrs = append(attrs, slog.String("subtask_id", v))
	}
	if v := Agent(ctx); v != "" {
		attrs = append(attrs, slog.String("agent", v))
	}
	return attrs
}
