package mcp

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/status"
)

const instrumentationName = "github.com/fyrsmithlabs/indexd/internal/mcp"

// toolMetrics instruments tool calls. Instruments that failed to register
// are nil and skipped.
type toolMetrics struct {
	calls    metric.Int64Counter
	latency  metric.Float64Histogram
	failures metric.Int64Counter
	inflight metric.Int64UpDownCounter
}

func newToolMetrics(meter metric.Meter, logger *zap.Logger) *toolMetrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	check := func(name string, err error) {
		if err != nil {
			logger.Warn("failed to register mcp instrument", zap.String("instrument", name), zap.Error(err))
		}
	}

	m := &toolMetrics{}
	var err error
	m.calls, err = meter.Int64Counter("indexd.mcp.tool.invocations_total",
		metric.WithDescription("Tool calls by tool and category."),
		metric.WithUnit("{invocation}"))
	check("invocations_total", err)

	// Search calls embed the query, so the upper buckets matter.
	m.latency, err = meter.Float64Histogram("indexd.mcp.tool.duration_seconds",
		metric.WithDescription("Tool call latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30))
	check("duration_seconds", err)

	m.failures, err = meter.Int64Counter("indexd.mcp.tool.errors_total",
		metric.WithDescription("Failed tool calls by tool and reason."),
		metric.WithUnit("{error}"))
	check("errors_total", err)

	m.inflight, err = meter.Int64UpDownCounter("indexd.mcp.tool.active_requests",
		metric.WithDescription("Tool calls in progress."),
		metric.WithUnit("{request}"))
	check("active_requests", err)
	return m
}

// track marks a call to tool as started. The returned func must be called
// exactly once with the call's error.
func (m *toolMetrics) track(ctx context.Context, tool string, category ToolCategory) func(error) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("category", string(category)),
	)
	if m.inflight != nil {
		m.inflight.Add(ctx, 1, attrs)
	}
	start := time.Now()

	return func(err error) {
		if m.inflight != nil {
			m.inflight.Add(ctx, -1, attrs)
		}
		if m.calls != nil {
			m.calls.Add(ctx, 1, attrs)
		}
		if m.latency != nil {
			m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
		}
		if err != nil && m.failures != nil {
			m.failures.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", tool),
				attribute.String("reason", categorizeError(err)),
			))
		}
	}
}

// categorizeError maps an error to a low-cardinality reason label.
func categorizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())

	switch {
	case errors.Is(err, status.ErrNotFound), strings.Contains(msg, "not found"):
		return "not_found"
	case errors.Is(err, status.ErrInvalidTransition):
		return "conflict"
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "unknown operation"):
		return "validation_error"
	case errors.Is(err, context.DeadlineExceeded), strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "scheduler"), strings.Contains(msg, "enqueue"):
		return "scheduler_error"
	default:
		return "internal_error"
	}
}
