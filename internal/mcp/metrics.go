package mcp

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/approval"
	"github.com/fyrsmithlabs/phased/internal/memory"
	"github.com/fyrsmithlabs/phased/internal/queue"
	"github.com/fyrsmithlabs/phased/internal/sanitize"
	"github.com/fyrsmithlabs/phased/internal/scribe"
)

const instrumentationName = "github.com/fyrsmithlabs/phased/internal/mcp"

// Metrics records tool invocations.
type Metrics struct {
	meter          metric.Meter
	logger         *zap.Logger
	invocations    metric.Int64Counter
	duration       metric.Float64Histogram
	errors         metric.Int64Counter
	activeRequests metric.Int64UpDownCounter
}

// NewMetrics creates Metrics on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{
		meter:  otel.Meter(instrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.invocations, err = m.meter.Int64Counter(
		"phased.mcp.tool.invocations_total",
		metric.WithDescription("Total number of MCP tool invocations"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		m.logger.Warn("failed to create invocations counter", zap.Error(err))
	}

	m.duration, err = m.meter.Float64Histogram(
		"phased.mcp.tool.duration_seconds",
		metric.WithDescription("Duration of MCP tool invocations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.errors, err = m.meter.Int64Counter(
		"phased.mcp.tool.errors_total",
		metric.WithDescription("Total number of MCP tool errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		m.logger.Warn("failed to create errors counter", zap.Error(err))
	}

	m.activeRequests, err = m.meter.Int64UpDownCounter(
		"phased.mcp.tool.active_requests",
		metric.WithDescription("Number of in-flight MCP tool invocations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("failed to create active requests gauge", zap.Error(err))
	}
}

// RecordInvocation records one finished call of tool.
func (m *Metrics) RecordInvocation(ctx context.Context, tool string, d time.Duration, err error) {
	attrs := []attribute.KeyValue{attribute.String("tool", tool)}

	if m.invocations != nil {
		m.invocations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
	}
	if err != nil && m.errors != nil {
		attrs = append(attrs, attribute.String("reason", categorizeError(err)))
		m.errors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// IncrementActive marks a call of tool as started.
func (m *Metrics) IncrementActive(ctx context.Context, tool string) {
	if m.activeRequests != nil {
		m.activeRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
	}
}

// DecrementActive marks a call of tool as finished.
func (m *Metrics) DecrementActive(ctx context.Context, tool string) {
	if m.activeRequests != nil {
		m.activeRequests.Add(ctx, -1, metric.WithAttributes(attribute.String("tool", tool)))
	}
}

// categorizeError maps err onto a low-cardinality reason label.
func categorizeError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, sanitize.ErrInvalidNamespace),
		errors.Is(err, sanitize.ErrInvalidAgent),
		errors.Is(err, sanitize.ErrInvalidID),
		errors.Is(err, queue.ErrInvalidTask),
		errors.Is(err, scribe.ErrInvalidRecord),
		errors.Is(err, memory.ErrEmptyContent),
		errors.Is(err, memory.ErrEmptyNamespace),
		errors.Is(err, memory.ErrEmptyType),
		errors.Is(err, memory.ErrInvalidQuality),
		errors.Is(err, errInvalidArgument):
		return "validation_error"
	case errors.Is(err, queue.ErrTaskNotFound), errors.Is(err, approval.ErrNotFound):
		return "not_found"
	case errors.Is(err, queue.ErrTerminal), errors.Is(err, queue.ErrNotClaimed):
		return "conflict"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal_error"
	}
}
