package tools

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/dativo-io/guardrail/internal/agent/tools"

var (
	callCounter       metric.Int64Counter
	metricsOnce       sync.Once
	metricsRegistered bool
)

func initMetrics() {
	meter := otel.Meter(meterName)
	var err error
	callCounter, err = meter.Int64Counter(
		"guardrail.tool.calls",
		metric.WithDescription("Tool invocations by outcome"),
	)
	if err != nil {
		return
	}
	metricsRegistered = true
}

func recordCall(ctx context.Context, tool, status string) {
	metricsOnce.Do(initMetrics)
	if !metricsRegistered {
		return
	}
	callCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	))
}
