package vectorstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("phased.vectorstore.chromem")

// ChromemConfig holds configuration for the embedded chromem-go database.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps everything in memory.
	Path string

	// Compress enables gzip compression of persisted collections.
	Compress bool
}

// ChromemStore implements Store using chromem-go.
//
// chromem-go performs exact (brute force) cosine search, so results are
// stable for small collections; it needs no external service.
type ChromemStore struct {
	db       *chromem.DB
	embedder Embedder
	logger   *zap.Logger
}

// NewChromemStore creates a ChromemStore.
func NewChromemStore(config ChromemConfig, embedder Embedder, logger *zap.Logger) (*ChromemStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *chromem.DB
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandPath(config.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
		config.Path = path
	}

	logger.Info("chromem store initialized",
		zap.String("path", config.Path),
		zap.Bool("persistent", config.Path != ""),
		zap.Bool("compress", config.Compress),
	)
	return &ChromemStore{db: db, embedder: embedder, logger: logger}, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// embeddingFunc must be passed on every collection lookup: chromem-go
// falls back to its OpenAI embedder when given nil.
func (s *ChromemStore) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.EmbedQuery(ctx, text)
	}
}

// Upsert embeds docs in one batch and adds them to collection, replacing
// documents with the same ID.
func (s *ChromemStore) Upsert(ctx context.Context, collection string, docs []Document) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection), attribute.Int("document_count", len(docs)))

	if len(docs) == 0 {
		return ErrEmptyDocuments
	}
	if err := ValidateCollectionName(collection); err != nil {
		return err
	}
	for i, d := range docs {
		if d.ID == "" {
			return fmt.Errorf("%w: document %d has no id", ErrEmptyDocuments, i)
		}
	}

	col, err := s.db.GetOrCreateCollection(collection, nil, s.embeddingFunc())
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("getting collection %s: %w", collection, err)
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	embeddings, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(embeddings) != len(docs) {
		return fmt.Errorf("%w: got %d embeddings for %d documents", ErrEmbeddingFailed, len(embeddings), len(docs))
	}

	cdocs := make([]chromem.Document, len(docs))
	for i, d := range docs {
		cdocs[i] = chromem.Document{
			ID:        d.ID,
			Content:   d.Content,
			Metadata:  d.Metadata,
			Embedding: embeddings[i],
		}
	}
	if err := col.AddDocuments(ctx, cdocs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding documents: %w", err)
	}

	s.logger.Debug("upserted documents", zap.String("collection", collection), zap.Int("count", len(docs)))
	return nil
}

// Search embeds query and runs an exact similarity search.
func (s *ChromemStore) Search(ctx context.Context, collection, query string, k int, where map[string]string) ([]SearchResult, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Search")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection), attribute.Int("k", k))

	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	col := s.db.GetCollection(collection, s.embeddingFunc())
	if col == nil {
		return nil, nil
	}
	// chromem requires nResults <= document count
	n := col.Count()
	if n == 0 {
		return nil, nil
	}
	k = min(k, n)

	vec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	results, err := col.QueryEmbedding(ctx, vec, k, where, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", collection, err)
	}

	out := make([]SearchResult, len(results))
	for i, r := range results {
		out[i] = SearchResult{ID: r.ID, Content: r.Content, Score: r.Similarity, Metadata: r.Metadata}
	}
	span.SetAttributes(attribute.Int("results_count", len(out)))
	return out, nil
}

// Delete removes documents by id. Missing collections are not an error.
func (s *ChromemStore) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := ValidateCollectionName(collection); err != nil {
		return err
	}
	col := s.db.GetCollection(collection, s.embeddingFunc())
	if col == nil {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("deleting from %s: %w", collection, err)
	}
	return nil
}

// Close is a no-op; chromem-go persists on write.
func (s *ChromemStore) Close() error {
	return nil
}

var _ Store = (*ChromemStore)(nil)
