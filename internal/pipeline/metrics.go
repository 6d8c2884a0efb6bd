package pipeline

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/dativo-io/guardrail/internal/pipeline"

var (
	scoreHistogram    metric.Float64Histogram
	rejectionCounter  metric.Int64Counter
	metricsOnce       sync.Once
	metricsRegistered bool
)

func initMetrics() {
	meter := otel.Meter(meterName)
	var err error
	scoreHistogram, err = meter.Float64Histogram(
		"guardrail.scan.score",
		metric.WithDescription("Risk score reported by a scanner"),
	)
	if err != nil {
		return
	}
	rejectionCounter, err = meter.Int64Counter(
		"guardrail.scan.rejections",
		metric.WithDescription("Scanner results that failed validation"),
	)
	if err != nil {
		return
	}
	metricsRegistered = true
}

// recordRun emits one score sample per scanner and counts rejections.
func recordRun(ctx context.Context, pipelineName string, res *Result) {
	metricsOnce.Do(initMetrics)
	if !metricsRegistered {
		return
	}
	for _, r := range res.Results {
		attrs := metric.WithAttributes(
			attribute.String("pipeline", pipelineName),
			attribute.String("scanner", r.Scanner),
		)
		scoreHistogram.Record(ctx, r.DisplayScore(), attrs)
		if !r.Valid {
			rejectionCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("pipeline", pipelineName),
				attribute.String("scanner", r.Scanner),
				attribute.Bool("fault", r.Faulted()),
			))
		}
	}
}
