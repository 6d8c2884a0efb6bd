package agent

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/dativo-io/guardrail/internal/agent"

var (
	runCounter        metric.Int64Counter
	roundHistogram    metric.Int64Histogram
	metricsOnce       sync.Once
	metricsRegistered bool
)

func initMetrics() {
	meter := otel.Meter(meterName)
	var err error
	runCounter, err = meter.Int64Counter(
		"guardrail.agent.runs",
		metric.WithDescription("Orchestrated turns by terminal state"),
	)
	if err != nil {
		return
	}
	roundHistogram, err = meter.Int64Histogram(
		"guardrail.agent.tool_rounds",
		metric.WithDescription("Tool round trips per turn"),
	)
	if err != nil {
		return
	}
	metricsRegistered = true
}

func recordRun(ctx context.Context, out *Outcome) {
	metricsOnce.Do(initMetrics)
	if !metricsRegistered {
		return
	}
	attrs := metric.WithAttributes(attribute.String("state", string(out.State)))
	runCounter.Add(ctx, 1, attrs)
	roundHistogram.Record(ctx, int64(out.ToolRounds), attrs)
}
