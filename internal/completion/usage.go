package completion

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	otelPkg "github.com/basket/go-council/internal/otel"
	"github.com/basket/go-council/internal/pricing"
)

// recordUsage adds the token counts and estimated spend of one call.
func recordUsage(ctx context.Context, m *otelPkg.Metrics, resp Response) {
	if resp.InputTokens == 0 && resp.OutputTokens == 0 {
		return
	}
	model := otelPkg.AttrModel.String(resp.Model)
	m.LLMTokens.Add(ctx, int64(resp.InputTokens), metric.WithAttributes(model, attribute.String("direction", "input")))
	m.LLMTokens.Add(ctx, int64(resp.OutputTokens), metric.WithAttributes(model, attribute.String("direction", "output")))
	if cost := pricing.EstimateCost(resp.Model, resp.InputTokens, resp.OutputTokens); cost > 0 {
		m.LLMCost.Add(ctx, cost, metric.WithAttributes(model))
	}
}
