package llm

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	guardotel "github.com/dativo-io/guardrail/internal/otel"
)

const meterName = "github.com/dativo-io/guardrail/internal/llm"

var (
	tokenHistogram    metric.Int64Histogram
	metricsOnce       sync.Once
	metricsRegistered bool
)

func initMetrics() {
	meter := otel.Meter(meterName)
	var err error
	tokenHistogram, err = meter.Int64Histogram(
		"guardrail.llm.tokens",
		metric.WithDescription("Tokens per model call, split by direction"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return
	}
	metricsRegistered = true
}

// recordUsage records input and output token counts for one model call.
func recordUsage(ctx context.Context, provider, model string, inputTokens, outputTokens int) {
	metricsOnce.Do(initMetrics)
	if !metricsRegistered {
		return
	}
	base := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("model", model),
	}
	tokenHistogram.Record(ctx, int64(inputTokens),
		metric.WithAttributes(append(base, attribute.String("direction", "input"))...))
	tokenHistogram.Record(ctx, int64(outputTokens),
		metric.WithAttributes(append(base[:2:2], attribute.String("direction", "output"))...))
}

// requestAttrs returns the span attributes describing req.
func requestAttrs(system string, req *Request) []attribute.KeyValue {
	return guardotel.ModelCall{
		System:      system,
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}.Attributes()
}
