package completion

import (
	"context"
	"math"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	otelPkg "github.com/basket/go-council/internal/otel"
)

func TestRecordUsage_TokensAndCost(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())
	m, err := otelPkg.NewMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	ctx := context.Background()
	recordUsage(ctx, m, Response{Model: "openai/gpt-4o", InputTokens: 1000, OutputTokens: 500})
	recordUsage(ctx, m, Response{Model: "fallback"})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var tokens int64
	var cost float64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			switch data := md.Data.(type) {
			case metricdata.Sum[int64]:
				if md.Name == "council.llm.tokens" {
					for _, dp := range data.DataPoints {
						tokens += dp.Value
					}
				}
			case metricdata.Sum[float64]:
				if md.Name == "council.llm.cost" {
					for _, dp := range data.DataPoints {
						cost += dp.Value
					}
				}
			}
		}
	}
	if tokens != 1500 {
		t.Fatalf("expected 1500 tokens, got %d", tokens)
	}
	if math.Abs(cost-0.0075) > 1e-9 {
		t.Fatalf("expected cost 0.0075, got %f", cost)
	}
}
