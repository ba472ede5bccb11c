package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/phased/internal/embeddings"

// Metrics holds embedding instruments.
type Metrics struct {
	duration  metric.Float64Histogram
	batchSize metric.Int64Histogram
	errors    metric.Int64Counter
}

// NewMetrics creates the instruments on the global meter provider.
// Instruments that fail to register are left nil and skipped.
func NewMetrics(logger *zap.Logger) *Metrics {
	return newMetrics(otel.Meter(instrumentationName), logger)
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	m := &Metrics{}

	var err error
	m.duration, err = meter.Float64Histogram(
		"phased.embedding.generation_duration_seconds",
		metric.WithDescription("Duration of embedding generation by model and operation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}
	m.batchSize, err = meter.Int64Histogram(
		"phased.embedding.batch_size",
		metric.WithDescription("Texts per embedding batch"),
		metric.WithUnit("{text}"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100, 250, 500),
	)
	if err != nil {
		logger.Warn("failed to create batch size histogram", zap.Error(err))
	}
	m.errors, err = meter.Int64Counter(
		"phased.embedding.errors_total",
		metric.WithDescription("Embedding generation errors by model and operation"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		logger.Warn("failed to create errors counter", zap.Error(err))
	}
	return m
}

// RecordGeneration records one embedding call.
func (m *Metrics) RecordGeneration(ctx context.Context, model, operation string, d time.Duration, batchSize int, err error) {
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("operation", operation),
	)
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), attrs)
	}
	if batchSize > 0 && m.batchSize != nil {
		m.batchSize.Record(ctx, int64(batchSize), attrs)
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}

type instrumented struct {
	Provider
	model   string
	metrics *Metrics
}

// Instrument wraps p so every call is recorded in Metrics.
func Instrument(p Provider, model string, logger *zap.Logger) Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &instrumented{Provider: p, model: model, metrics: NewMetrics(logger)}
}

func (i *instrumented) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	out, err := i.Provider.EmbedDocuments(ctx, texts)
	i.metrics.RecordGeneration(ctx, i.model, "batch_embed", time.Since(start), len(texts), err)
	return out, err
}

func (i *instrumented) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	out, err := i.Provider.EmbedQuery(ctx, text)
	i.metrics.RecordGeneration(ctx, i.model, "embed", time.Since(start), 0, err)
	return out, err
}
