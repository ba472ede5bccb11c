package vectorstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var qdrantTracer = otel.Tracer("phased.vectorstore.qdrant")

// Payload keys reserved by QdrantStore.
const (
	payloadID      = "doc_id"
	payloadContent = "content"
)

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	Host string
	// Port is the gRPC port (6334), not the REST port.
	Port   int
	APIKey string
	UseTLS bool

	// VectorSize must match the embedder's output dimension.
	VectorSize uint64

	MaxRetries     int
	RetryBackoff   time.Duration
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return nil
}

// IsTransientError reports whether a gRPC error is worth retrying.
func IsTransientError(err error) bool {
	st, ok := status.FromError(err)
	if !ok || err == nil {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// QdrantStore implements Store on Qdrant's native gRPC client.
// Collections are created on first upsert with cosine distance.
type QdrantStore struct {
	client   *qdrant.Client
	embedder Embedder
	config   QdrantConfig
	logger   *zap.Logger

	collections sync.Map // name -> struct{}, known to exist
}

// NewQdrantStore connects to Qdrant and performs a health check.
func NewQdrantStore(ctx context.Context, config QdrantConfig, embedder Embedder, logger *zap.Logger) (*QdrantStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if !config.UseTLS {
		logger.Warn("qdrant gRPC connection is plaintext", zap.String("host", config.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		APIKey: config.APIKey,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(hctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: health check: %v", ErrConnectionFailed, err)
	}

	return &QdrantStore{client: client, embedder: embedder, config: config, logger: logger}, nil
}

func (s *QdrantStore) retry(ctx context.Context, op string, fn func() error) error {
	backoff := s.config.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransientError(err) || attempt == s.config.MaxRetries {
			return fmt.Errorf("%s: %w", op, err)
		}
		s.logger.Debug("retrying qdrant operation", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", op, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

func (s *QdrantStore) ensureCollection(ctx context.Context, name string) error {
	if _, ok := s.collections.Load(name); ok {
		return nil
	}
	var exists bool
	err := s.retry(ctx, "collection_exists", func() error {
		var err error
		exists, err = s.client.CollectionExists(ctx, name)
		return err
	})
	if err != nil {
		return err
	}
	if !exists {
		err = s.retry(ctx, "create_collection", func() error {
			return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: name,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     s.config.VectorSize,
					Distance: qdrant.Distance_Cosine,
				}),
			})
		})
		if err != nil && status.Code(err) != grpccodes.AlreadyExists && !strings.Contains(err.Error(), "already exists") {
			return err
		}
		s.logger.Info("created qdrant collection", zap.String("collection", name))
	}
	s.collections.Store(name, struct{}{})
	return nil
}

// pointID maps a document id to a Qdrant point id. UUIDs are used as is;
// other ids are mapped to a name-based UUID so upserts stay idempotent.
func pointID(id string) *qdrant.PointId {
	if _, err := uuid.Parse(id); err == nil {
		return qdrant.NewIDUUID(id)
	}
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String())
}

func toPayload(d Document) map[string]*qdrant.Value {
	m := make(map[string]any, len(d.Metadata)+2)
	for k, v := range d.Metadata {
		m[k] = v
	}
	m[payloadID] = d.ID
	m[payloadContent] = d.Content
	return qdrant.NewValueMap(m)
}

func fromPayload(p map[string]*qdrant.Value) SearchResult {
	var r SearchResult
	for k, v := range p {
		sv, ok := v.GetKind().(*qdrant.Value_StringValue)
		if !ok {
			continue
		}
		switch k {
		case payloadID:
			r.ID = sv.StringValue
		case payloadContent:
			r.Content = sv.StringValue
		default:
			if r.Metadata == nil {
				r.Metadata = make(map[string]string)
			}
			r.Metadata[k] = sv.StringValue
		}
	}
	return r
}

func buildFilter(where map[string]string) *qdrant.Filter {
	if len(where) == 0 {
		return nil
	}
	must := make([]*qdrant.Condition, 0, len(where))
	for k, v := range where {
		must = append(must, qdrant.NewMatch(k, v))
	}
	return &qdrant.Filter{Must: must}
}

// Upsert embeds docs and writes them as points.
func (s *QdrantStore) Upsert(ctx context.Context, collection string, docs []Document) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection), attribute.Int("document_count", len(docs)))

	if len(docs) == 0 {
		return ErrEmptyDocuments
	}
	if err := ValidateCollectionName(collection); err != nil {
		return err
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		if d.ID == "" {
			return fmt.Errorf("%w: document %d has no id", ErrEmptyDocuments, i)
		}
		texts[i] = d.Content
	}
	embeddings, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	if err := s.ensureCollection(ctx, collection); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	points := make([]*qdrant.PointStruct, len(docs))
	for i, d := range docs {
		points[i] = &qdrant.PointStruct{
			Id:      pointID(d.ID),
			Vectors: qdrant.NewVectors(embeddings[i]...),
			Payload: toPayload(d),
		}
	}
	err = s.retry(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Search embeds query and runs a filtered vector query.
func (s *QdrantStore) Search(ctx context.Context, collection, query string, k int, where map[string]string) ([]SearchResult, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Search")
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
	if _, known := s.collections.Load(collection); !known {
		exists, err := s.client.CollectionExists(ctx, collection)
		if err != nil {
			return nil, fmt.Errorf("collection_exists: %w", err)
		}
		if !exists {
			return nil, nil
		}
		s.collections.Store(collection, struct{}{})
	}

	vec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	var points []*qdrant.ScoredPoint
	err = s.retry(ctx, "query", func() error {
		var err error
		points, err = s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: collection,
			Query:          qdrant.NewQuery(vec...),
			Limit:          qdrant.PtrOf(uint64(k)),
			Filter:         buildFilter(where),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	out := make([]SearchResult, len(points))
	for i, p := range points {
		out[i] = fromPayload(p.GetPayload())
		out[i].Score = p.GetScore()
	}
	span.SetAttributes(attribute.Int("results_count", len(out)))
	return out, nil
}

// Delete removes points by document id.
func (s *QdrantStore) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := ValidateCollectionName(collection); err != nil {
		return err
	}
	pids := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pids[i] = pointID(id)
	}
	return s.retry(ctx, "delete", func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: collection,
			Points:         qdrant.NewPointsSelector(pids...),
		})
		return err
	})
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

var _ Store = (*QdrantStore)(nil)
