package workflows

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/indexd/internal/workflows"

var (
	activityCounter      metric.Int64Counter
	activityDuration     metric.Float64Histogram
	activityErrorCounter metric.Int64Counter
)

// initMetrics initializes OpenTelemetry metrics for job activities.
func initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error

	activityCounter, err = meter.Int64Counter(
		"indexd.workflows.job.executions",
		metric.WithDescription("Total number of job activity executions"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create job execution counter: %v", err))
	}

	activityDuration, err = meter.Float64Histogram(
		"indexd.workflows.job.duration",
		metric.WithDescription("Duration of job activity executions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create job duration histogram: %v", err))
	}

	activityErrorCounter, err = meter.Int64Counter(
		"indexd.workflows.job.errors",
		metric.WithDescription("Number of failed job activity executions"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create job error counter: %v", err))
	}
}

func init() {
	initMetrics()
}

func recordActivity(ctx context.Context, job string, d time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("job", job))
	activityCounter.Add(ctx, 1, attrs)
	activityDuration.Record(ctx, d.Seconds(), attrs)
	if err != nil {
		activityErrorCounter.Add(ctx, 1, attrs)
	}
}
