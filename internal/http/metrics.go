package http

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/phased/internal/http"

// HTTPMetrics records request instruments for the operator API and counts
// the operator actions it carries: runs started and approvals resolved.
type HTTPMetrics struct {
	meter  metric.Meter
	logger *zap.Logger

	requests  metric.Int64Counter
	duration  metric.Float64Histogram
	size      metric.Int64Histogram
	inflight  metric.Int64UpDownCounter
	decisions metric.Int64Counter
}

// NewHTTPMetrics creates instruments on the global meter provider.
func NewHTTPMetrics(logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &HTTPMetrics{meter: otel.Meter(httpInstrumentationName), logger: logger}
	m.init()
	return m
}

func (m *HTTPMetrics) init() {
	warn := func(name string, err error) {
		if err != nil {
			m.logger.Warn("failed to create instrument", zap.String("instrument", name), zap.Error(err))
		}
	}
	var err error

	m.requests, err = m.meter.Int64Counter("phased.http.requests_total",
		metric.WithDescription("Operator API requests by method, route and status."),
		metric.WithUnit("{request}"))
	warn("requests_total", err)

	m.duration, err = m.meter.Float64Histogram("phased.http.request_duration_seconds",
		metric.WithDescription("Operator API latency by method, route and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5))
	warn("request_duration_seconds", err)

	m.size, err = m.meter.Int64Histogram("phased.http.response_size_bytes",
		metric.WithDescription("Operator API response body size. Status reports grow with history."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(256, 1024, 4096, 16384, 65536, 262144))
	warn("response_size_bytes", err)

	m.inflight, err = m.meter.Int64UpDownCounter("phased.http.active_requests",
		metric.WithDescription("Operator API requests in flight."),
		metric.WithUnit("{request}"))
	warn("active_requests", err)

	m.decisions, err = m.meter.Int64Counter("phased.http.operator_actions_total",
		metric.WithDescription("Runs started and approvals resolved through the API, by action."),
		metric.WithUnit("{action}"))
	warn("operator_actions_total", err)
}

// RecordAction counts a successful operator action such as "run",
// "approved" or "rejected".
func (m *HTTPMetrics) RecordAction(ctx context.Context, action string) {
	if m == nil || m.decisions == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// MetricsMiddleware records every request under its route pattern.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inflight != nil {
				m.inflight.Add(ctx, 1)
				defer m.inflight.Add(ctx, -1)
			}

			err := next(c)

			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("endpoint", normalizePath(c.Path())),
				attribute.Int("status", c.Response().Status),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.size != nil {
				m.size.Record(ctx, c.Response().Size, attrs)
			}
			return err
		}
	}
}

// normalizePath maps an echo route to its metric label. Echo reports the
// registered pattern (for example /api/v1/namespaces/:ns/status), so
// namespaces and ids never become label values. Unmatched requests share
// a single label.
func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	return path
}
