package vectorstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/config"
)

// New creates the Store selected by cfg.Provider.
func New(ctx context.Context, cfg config.VectorStoreConfig, qcfg config.QdrantConfig, embedder Embedder, logger *zap.Logger) (Store, error) {
	switch cfg.Provider {
	case "", "chromem":
		return NewChromemStore(ChromemConfig{Path: cfg.ChromemPath, Compress: cfg.Compress}, embedder, logger)
	case "qdrant":
		return NewQdrantStore(ctx, QdrantConfig{
			Host:       qcfg.Host,
			Port:       qcfg.Port,
			APIKey:     qcfg.APIKey.Value(),
			UseTLS:     qcfg.UseTLS,
			VectorSize: uint64(cfg.VectorSize),
		}, embedder, logger)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
