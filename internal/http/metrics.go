package http

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/indexd/internal/http"

// unmatchedRoute labels requests no route matched.
const unmatchedRoute = "unmatched"

// requestMetrics records OpenTelemetry instruments for every request. Any
// instrument that failed to register stays nil and is skipped.
type requestMetrics struct {
	requests metric.Int64Counter
	latency  metric.Float64Histogram
	size     metric.Int64Histogram
	inflight metric.Int64UpDownCounter
}

func newRequestMetrics(meter metric.Meter, logger *zap.Logger) *requestMetrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	warn := func(name string, err error) {
		if err != nil {
			logger.Warn("failed to register http instrument", zap.String("instrument", name), zap.Error(err))
		}
	}

	m := &requestMetrics{}
	var err error
	m.requests, err = meter.Int64Counter("indexd.http.requests_total",
		metric.WithDescription("HTTP requests by method, route and status code."),
		metric.WithUnit("{request}"))
	warn("requests_total", err)

	m.latency, err = meter.Float64Histogram("indexd.http.request_duration_seconds",
		metric.WithDescription("HTTP request latency by method, route and status code."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10))
	warn("request_duration_seconds", err)

	m.size, err = meter.Int64Histogram("indexd.http.response_size_bytes",
		metric.WithDescription("Response body size. Search and failed listings dominate."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 512, 2048, 8192, 32768, 131072, 524288))
	warn("response_size_bytes", err)

	m.inflight, err = meter.Int64UpDownCounter("indexd.http.active_requests",
		metric.WithDescription("Requests currently being served."),
		metric.WithUnit("{request}"))
	warn("active_requests", err)
	return m
}

// middleware records one data point per request. Routes are labelled by
// their template (/v1/status/:type/:id), never the raw path. Content type
// path parameters are added as a label since the set of types is configured.
func (m *requestMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			if m.inflight != nil {
				m.inflight.Add(ctx, 1)
				defer m.inflight.Add(ctx, -1)
			}

			start := time.Now()
			err := next(c)
			if err != nil {
				// Let echo render the error so the status code is final.
				c.Error(err)
				err = nil
			}

			opt := metric.WithAttributes(requestAttrs(c)...)
			if m.requests != nil {
				m.requests.Add(ctx, 1, opt)
			}
			if m.latency != nil {
				m.latency.Record(ctx, time.Since(start).Seconds(), opt)
			}
			if m.size != nil {
				m.size.Record(ctx, c.Response().Size, opt)
			}
			return err
		}
	}
}

func requestAttrs(c echo.Context) []attribute.KeyValue {
	route := c.Path()
	if route == "" {
		route = unmatchedRoute
	}
	attrs := []attribute.KeyValue{
		attribute.String("method", c.Request().Method),
		attribute.String("route", route),
		attribute.String("status", strconv.Itoa(c.Response().Status)),
	}
	if typ := c.Param("type"); typ != "" {
		attrs = append(attrs, attribute.String("content_type", typ))
	}
	return attrs
}
