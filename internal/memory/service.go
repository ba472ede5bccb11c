package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/queue"
	"github.com/fyrsmithlabs/phased/internal/secrets"
	"github.com/fyrsmithlabs/phased/internal/store"
	"github.com/fyrsmithlabs/phased/internal/vectorstore"
)

var tracer = otel.Tracer(instrumentationName)

// collectionKind is the vector index collection suffix for memories.
const collectionKind = "memories"

// searchOverfetch widens the vector query so SQL filtering still leaves
// enough hits to fill the requested limit.
const searchOverfetch = 3

// OutcomeSource reports finished tasks for a phase. *queue.Queue
// implements it.
type OutcomeSource interface {
	PhaseOutcomes(ctx context.Context, namespace, phase string, limit int) ([]queue.Outcome, error)
}

// Config tunes retrieval.
type Config struct {
	SearchLimit     int
	InsightLimit    int
	RecencyHalfLife time.Duration
}

// Service implements memory storage and retrieval.
type Service struct {
	db       *sql.DB
	index    vectorstore.Store
	scrubber secrets.Scrubber
	outcomes OutcomeSource
	logger   *zap.Logger
	meter    metric.Meter
	metrics  *metrics
	cfg      Config
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithScrubber redacts secrets from content before it is stored.
func WithScrubber(s secrets.Scrubber) Option {
	return func(svc *Service) { svc.scrubber = s }
}

// WithOutcomes enables the success-rate term of the boost score.
func WithOutcomes(o OutcomeSource) Option {
	return func(svc *Service) { svc.outcomes = o }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(svc *Service) {
		if l != nil {
			svc.logger = l
		}
	}
}

// WithConfig overrides the retrieval settings. Zero fields keep defaults.
func WithConfig(cfg Config) Option {
	return func(svc *Service) {
		if cfg.SearchLimit > 0 {
			svc.cfg.SearchLimit = cfg.SearchLimit
		}
		if cfg.InsightLimit > 0 {
			svc.cfg.InsightLimit = cfg.InsightLimit
		}
		if cfg.RecencyHalfLife > 0 {
			svc.cfg.RecencyHalfLife = cfg.RecencyHalfLife
		}
	}
}

// WithMeter records metrics on meter instead of the global provider.
func WithMeter(m metric.Meter) Option {
	return func(svc *Service) { svc.meter = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(svc *Service) { svc.now = now }
}

// NewService creates a memory service over the structured store and the
// vector index.
func NewService(db *sql.DB, index vectorstore.Store, opts ...Option) (*Service, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}
	if index == nil {
		return nil, errors.New("vector store cannot be nil")
	}
	s := &Service{
		db:       db,
		index:    index,
		scrubber: secrets.NoopScrubber{},
		logger:   zap.NewNop(),
		cfg: Config{
			SearchLimit:     DefaultSearchLimit,
			InsightLimit:    DefaultInsightLimit,
			RecencyHalfLife: 7 * 24 * time.Hour,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = newMetrics(s.meter, s.logger)
	return s, nil
}

// Collection returns the vector index collection holding namespace's
// memories.
func Collection(namespace string) string {
	return vectorstore.CollectionName(namespace, collectionKind)
}

const recordColumns = `id, namespace, content, memory_type, quality_score, tags, embedding_ref, agent, phase, created_at`

// Store scrubs, persists and embeds a memory and returns its ID. If the
// embedding cannot be written the row is removed again so that every
// stored record is searchable.
func (s *Service) Store(ctx context.Context, req StoreRequest) (string, error) {
	ctx, span := tracer.Start(ctx, "memory.Store")
	defer span.End()

	if err := req.Validate(); err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("namespace", req.Namespace), attribute.String("memory_type", req.MemoryType))

	if res := s.scrubber.Scrub(req.Content); res.HasFindings() {
		s.logger.Warn("redacted secrets from memory",
			zap.String("namespace", req.Namespace),
			zap.Strings("rules", res.RuleIDs()))
		req.Content = res.Scrubbed
	}

	id := uuid.NewString()
	collection := Collection(req.Namespace)
	tags, err := json.Marshal(req.Tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO memory_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, req.Namespace, req.Content, req.MemoryType, req.QualityScore, string(tags),
		collection+"/"+id, req.Agent, req.Phase, s.now().UTC().UnixNano())
	if err != nil {
		return "", fmt.Errorf("insert memory: %w", err)
	}

	err = s.index.Upsert(ctx, collection, []vectorstore.Document{{
		ID:      id,
		Content: req.Content,
		Metadata: map[string]string{
			"namespace":   req.Namespace,
			"memory_type": req.MemoryType,
			"quality":     strconv.FormatFloat(req.QualityScore, 'f', 3, 64),
		},
	}})
	if err != nil {
		span.RecordError(err)
		if _, derr := s.db.ExecContext(ctx, `DELETE FROM memory_records WHERE id = ?`, id); derr != nil {
			s.logger.Error("failed to remove unindexed memory", zap.String("id", id), zap.Error(derr))
		}
		return "", fmt.Errorf("index memory: %w", err)
	}

	s.metrics.recordStored(ctx, req.MemoryType)
	s.logger.Debug("memory stored",
		zap.String("id", id),
		zap.String("namespace", req.Namespace),
		zap.String("memory_type", req.MemoryType),
		zap.Float64("quality", req.QualityScore))
	return id, nil
}

// Get returns a memory by ID.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM memory_records WHERE id = ?`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	return r, nil
}

// Search returns memories similar to req.Query, ordered by similarity
// descending with ties broken by quality descending. Index or embedding
// failures yield an empty result.
func (s *Service) Search(ctx context.Context, req SearchRequest) ([]Hit, error) {
	ctx, span := tracer.Start(ctx, "memory.Search")
	defer span.End()
	start := time.Now()

	if strings.TrimSpace(req.Namespace) == "" {
		return nil, ErrEmptyNamespace
	}
	if strings.TrimSpace(req.Query) == "" {
		return []Hit{}, nil
	}
	limit := req.Limit
	if limit <= 0 {
		limit = s.cfg.SearchLimit
	}
	limit = min(limit, MaxSearchLimit)
	span.SetAttributes(attribute.String("namespace", req.Namespace), attribute.Int("limit", limit))

	where := map[string]string{"namespace": req.Namespace}
	if len(req.MemoryTypes) == 1 {
		where["memory_type"] = req.MemoryTypes[0]
	}
	results, err := s.index.Search(ctx, Collection(req.Namespace), req.Query, limit*searchOverfetch, where)
	if err != nil {
		span.RecordError(err)
		s.metrics.recordDegraded(ctx, "search")
		s.logger.Warn("memory search degraded to empty result",
			zap.String("namespace", req.Namespace), zap.Error(err))
		return []Hit{}, nil
	}
	if len(results) == 0 {
		s.metrics.recordSearch(ctx, time.Since(start), 0)
		return []Hit{}, nil
	}

	scores := make(map[string]float32, len(results))
	ids := make([]string, 0, len(results))
	for _, r := range results {
		if r.Score <= max(req.MinScore, 0) {
			continue
		}
		if _, dup := scores[r.ID]; !dup {
			ids = append(ids, r.ID)
		}
		scores[r.ID] = max(scores[r.ID], r.Score)
	}

	if len(ids) == 0 {
		s.metrics.recordSearch(ctx, time.Since(start), 0)
		return []Hit{}, nil
	}
	records, err := s.filter(ctx, req, ids)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(records))
	for _, rec := range records {
		hits = append(hits, Hit{Record: *rec, Score: scores[rec.ID]})
	}
	sortHits(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}

	s.metrics.recordSearch(ctx, time.Since(start), len(hits))
	span.SetAttributes(attribute.Int("results_count", len(hits)))
	return hits, nil
}

// filter loads the live rows among ids that satisfy the request's
// namespace, type and quality constraints.
func (s *Service) filter(ctx context.Context, req SearchRequest, ids []string) ([]*Record, error) {
	var (
		q    strings.Builder
		args = make([]any, 0, len(ids)+len(req.MemoryTypes)+2)
	)
	q.WriteString(`SELECT ` + recordColumns + ` FROM memory_records WHERE namespace = ? AND quality_score >= ? AND id IN (`)
	args = append(args, req.Namespace, req.MinQuality)
	for i, id := range ids {
		if i > 0 {
			q.WriteString(", ")
		}
		q.WriteString("?")
		args = append(args, id)
	}
	q.WriteString(")")
	if len(req.MemoryTypes) > 0 {
		q.WriteString(" AND memory_type IN (")
		for i, t := range req.MemoryTypes {
			if i > 0 {
				q.WriteString(", ")
			}
			q.WriteString("?")
			args = append(args, t)
		}
		q.WriteString(")")
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("filter memories: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].QualityScore != hits[j].QualityScore {
			return hits[i].QualityScore > hits[j].QualityScore
		}
		return hits[i].ID < hits[j].ID
	})
}

// GetContextualInsights returns high-quality memories relevant to the
// current context. Empty types default to InsightTypes.
func (s *Service) GetContextualInsights(ctx context.Context, current string, types []string, namespace string) ([]Hit, error) {
	if len(types) == 0 {
		types = InsightTypes
	}
	return s.Search(ctx, SearchRequest{
		Query:       current,
		Namespace:   namespace,
		MemoryTypes: types,
		Limit:       s.cfg.InsightLimit,
		MinQuality:  InsightMinQuality,
	})
}

// EnhanceAgentWithMemory retrieves memories for an agent's task and
// computes its boost score. It never fails: lookup errors leave the
// affected term at zero.
func (s *Service) EnhanceAgentWithMemory(ctx context.Context, agent, phase, taskContext, namespace string) Enhancement {
	ctx, span := tracer.Start(ctx, "memory.EnhanceAgentWithMemory")
	defer span.End()

	e := Enhancement{Agent: agent, Phase: phase}

	hits, err := s.Search(ctx, SearchRequest{Query: taskContext, Namespace: namespace, Limit: s.cfg.SearchLimit})
	if err != nil {
		s.logger.Warn("memory lookup failed", zap.String("agent", agent), zap.Error(err))
		hits = nil
	}
	e.Memories = hits
	qualities := make([]float64, len(hits))
	for i, h := range hits {
		qualities[i] = h.QualityScore
	}
	e.Relevance = Relevance(qualities, s.cfg.SearchLimit)

	if s.outcomes != nil && phase != "" {
		outcomes, err := s.outcomes.PhaseOutcomes(ctx, namespace, phase, 50)
		if err != nil {
			s.metrics.recordDegraded(ctx, "outcomes")
			s.logger.Warn("phase outcomes unavailable", zap.String("phase", phase), zap.Error(err))
		} else {
			e.SuccessRate = SuccessRate(outcomes, s.now(), s.cfg.RecencyHalfLife)
		}
	}

	e.Boost = Boost(e.Relevance, e.SuccessRate)
	s.metrics.recordBoost(ctx, phase, e.Boost)
	span.SetAttributes(attribute.Float64("boost", e.Boost), attribute.Int("memories", len(hits)))
	return e
}

func scanRecord(scan func(dest ...any) error) (*Record, error) {
	var (
		r       Record
		tags    string
		created int64
	)
	if err := scan(&r.ID, &r.Namespace, &r.Content, &r.MemoryType, &r.QualityScore, &tags,
		&r.EmbeddingRef, &r.Agent, &r.Phase, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
		return nil, fmt.Errorf("decode tags for %s: %w", r.ID, err)
	}
	r.CreatedAt = store.Time(created)
	return &r, nil
}
