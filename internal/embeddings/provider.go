// Package embeddings provides embedding generation for the vector index.
//
// Three providers are available: fastembed (local ONNX models, cgo builds
// only), openai (any OpenAI-compatible embeddings endpoint through
// langchaingo) and hash (a dependency-free lexical embedder for offline use
// and tests).
package embeddings

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/config"
	"github.com/fyrsmithlabs/phased/internal/vectorstore"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Provider is an embedder with a known output dimension.
type Provider interface {
	vectorstore.Embedder
	Dimension() int
	Close() error
}

// New creates the provider selected by cfg and wraps it with metrics.
// dimension is used by providers that cannot infer it from the model.
func New(cfg config.EmbeddingsConfig, dimension int, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case "fastembed", "":
		p, err = NewFastEmbedProvider(FastEmbedConfig{Model: cfg.Model, CacheDir: cfg.CacheDir})
	case "openai":
		p, err = NewOpenAIProvider(OpenAIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey.Value(),
			Dimension: dimension,
		})
	case "hash":
		p = NewHashEmbedder(dimension)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("embedding provider ready",
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Model),
		zap.Int("dimension", p.Dimension()),
	)
	return Instrument(p, cfg.Model, logger), nil
}
