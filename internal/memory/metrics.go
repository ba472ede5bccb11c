package memory

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/phased/internal/memory"

type metrics struct {
	searchDuration metric.Float64Histogram
	searchResults  metric.Int64Histogram
	boost          metric.Float64Histogram
	stored         metric.Int64Counter
	pruned         metric.Int64Counter
	degraded       metric.Int64Counter
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *metrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &metrics{}

	var err error
	if m.searchDuration, err = meter.Float64Histogram(
		"phased.memory.search_duration_seconds",
		metric.WithDescription("Memory search latency including the structured filter"),
		metric.WithUnit("s"),
	); err != nil {
		logger.Warn("failed to create search duration histogram", zap.Error(err))
	}
	if m.searchResults, err = meter.Int64Histogram(
		"phased.memory.search_results",
		metric.WithDescription("Memories returned per search"),
		metric.WithUnit("{memory}"),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 5, 10, 25, 50, 100),
	); err != nil {
		logger.Warn("failed to create search results histogram", zap.Error(err))
	}
	if m.boost, err = meter.Float64Histogram(
		"phased.memory.boost",
		metric.WithDescription("Boost score computed for agent invocations"),
		metric.WithExplicitBucketBoundaries(0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1),
	); err != nil {
		logger.Warn("failed to create boost histogram", zap.Error(err))
	}
	if m.stored, err = meter.Int64Counter(
		"phased.memory.stored_total",
		metric.WithDescription("Memories stored by type"),
	); err != nil {
		logger.Warn("failed to create stored counter", zap.Error(err))
	}
	if m.pruned, err = meter.Int64Counter(
		"phased.memory.pruned_total",
		metric.WithDescription("Memories removed by garbage collection"),
	); err != nil {
		logger.Warn("failed to create pruned counter", zap.Error(err))
	}
	if m.degraded, err = meter.Int64Counter(
		"phased.memory.degraded_total",
		metric.WithDescription("Lookups that returned an empty result because a dependency failed"),
	); err != nil {
		logger.Warn("failed to create degraded counter", zap.Error(err))
	}
	return m
}

func (m *metrics) recordSearch(ctx context.Context, d time.Duration, n int) {
	if m.searchDuration != nil {
		m.searchDuration.Record(ctx, d.Seconds())
	}
	if m.searchResults != nil {
		m.searchResults.Record(ctx, int64(n))
	}
}

func (m *metrics) recordBoost(ctx context.Context, phase string, v float64) {
	if m.boost != nil {
		m.boost.Record(ctx, v, metric.WithAttributes(attribute.String("phase", phase)))
	}
}

func (m *metrics) recordStored(ctx context.Context, memoryType string) {
	if m.stored != nil {
		m.stored.Add(ctx, 1, metric.WithAttributes(attribute.String("memory_type", memoryType)))
	}
}

func (m *metrics) recordPruned(ctx context.Context, n int64) {
	if m.pruned != nil && n > 0 {
		m.pruned.Add(ctx, n)
	}
}

func (m *metrics) recordDegraded(ctx context.Context, op string) {
	if m.degraded != nil {
		m.degraded.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	}
}
