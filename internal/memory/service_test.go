package memory

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fyrsmithlabs/phased/internal/embeddings"
	"github.com/fyrsmithlabs/phased/internal/orchestrator"
	"github.com/fyrsmithlabs/phased/internal/queue"
	"github.com/fyrsmithlabs/phased/internal/secrets"
	"github.com/fyrsmithlabs/phased/internal/store"
	"github.com/fyrsmithlabs/phased/internal/vectorstore"
)

type fixture struct {
	svc   *Service
	db    *store.Store
	index vectorstore.Store
	now   time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, store.Config{Path: filepath.Join(t.TempDir(), "phased.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	index, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{}, embeddings.NewHashEmbedder(256), nil)
	require.NoError(t, err)

	f := &fixture{db: st, index: index, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(func() time.Time { return f.now })}, opts...)
	f.svc, err = NewService(st.DB(), index, opts...)
	require.NoError(t, err)
	return f
}

func (f *fixture) store(t *testing.T, ns, content, typ string, q float64) string {
	t.Helper()
	id, err := f.svc.Store(context.Background(), StoreRequest{
		Namespace: ns, Content: content, MemoryType: typ, QualityScore: q,
	})
	require.NoError(t, err)
	return id
}

type failingIndex struct {
	vectorstore.Store
	upsertErr, searchErr error
}

func (f failingIndex) Upsert(ctx context.Context, c string, docs []vectorstore.Document) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	return f.Store.Upsert(ctx, c, docs)
}

func (f failingIndex) Search(ctx context.Context, c, q string, k int, where map[string]string) ([]vectorstore.SearchResult, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.Store.Search(ctx, c, q, k, where)
}

type outcomesFunc func(ctx context.Context, ns, phase string, limit int) ([]queue.Outcome, error)

func (f outcomesFunc) PhaseOutcomes(ctx context.Context, ns, phase string, limit int) ([]queue.Outcome, error) {
	return f(ctx, ns, phase, limit)
}

func TestNewService_RequiresDependencies(t *testing.T) {
	_, err := NewService(nil, nil)
	assert.Error(t, err)

	f := newFixture(t)
	_, err = NewService(f.db.DB(), nil)
	assert.Error(t, err)
}

func TestService_StoreAndGet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.svc.Store(ctx, StoreRequest{
		Namespace:    "demo",
		Content:      "Split the API into read and write services",
		MemoryType:   TypeCodePattern,
		QualityScore: 0.8,
		Tags:         []string{"api", " design ", "api", ""},
		Agent:        "architecture.worker",
		Phase:        "architecture",
	})
	require.NoError(t, err)

	rec, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "demo", rec.Namespace)
	assert.Equal(t, TypeCodePattern, rec.MemoryType)
	assert.Equal(t, 0.8, rec.QualityScore)
	assert.Equal(t, []string{"api", "design"}, rec.Tags)
	assert.Equal(t, Collection("demo")+"/"+id, rec.EmbeddingRef)
	assert.Equal(t, "architecture.worker", rec.Agent)
	assert.True(t, rec.CreatedAt.Equal(f.now))

	_, err = f.svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_StoreValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	valid := StoreRequest{Namespace: "demo", Content: "x", MemoryType: TypeQualityInsight, QualityScore: 0.5}

	tests := []struct {
		name   string
		mutate func(*StoreRequest)
		want   error
	}{
		{"empty namespace", func(r *StoreRequest) { r.Namespace = " " }, ErrEmptyNamespace},
		{"empty content", func(r *StoreRequest) { r.Content = "\n" }, ErrEmptyContent},
		{"empty type", func(r *StoreRequest) { r.MemoryType = "" }, ErrEmptyType},
		{"quality above one", func(r *StoreRequest) { r.QualityScore = 1.5 }, ErrInvalidQuality},
		{"negative quality", func(r *StoreRequest) { r.QualityScore = -0.1 }, ErrInvalidQuality},
		{"NaN quality", func(r *StoreRequest) { r.QualityScore = math.NaN() }, ErrInvalidQuality},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, err := f.svc.Store(ctx, req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestService_StoreScrubsSecrets(t *testing.T) {
	f := newFixture(t, WithScrubber(secrets.MustNew(nil)))

	id := f.store(t, "demo", "migration ran with password=hunter2hunter2 against staging", TypeFailedAttempt, 0.3)
	rec, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.NotContains(t, rec.Content, "hunter2hunter2")
	assert.Contains(t, rec.Content, secrets.DefaultRedaction)
}

func TestService_StoreRollsBackWhenIndexFails(t *testing.T) {
	f := newFixture(t)
	svc, err := NewService(f.db.DB(), failingIndex{Store: f.index, upsertErr: errors.New("index down")})
	require.NoError(t, err)

	_, err = svc.Store(context.Background(), StoreRequest{
		Namespace: "demo", Content: "orphan", MemoryType: TypeCodePattern, QualityScore: 0.5,
	})
	require.Error(t, err)

	var n int
	require.NoError(t, f.db.DB().QueryRow(`SELECT COUNT(*) FROM memory_records`).Scan(&n))
	assert.Zero(t, n)
}

func TestService_RecordsAreImmutable(t *testing.T) {
	f := newFixture(t)
	id := f.store(t, "demo", "immutable content", TypeCodePattern, 0.5)

	_, err := f.db.DB().Exec(`UPDATE memory_records SET quality_score = 1 WHERE id = ?`, id)
	assert.ErrorContains(t, err, "immutable")
}

func TestService_SearchOrdering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store(t, "demo", "frontend css grid layout", TypeCodePattern, 0.9)
	strong := f.store(t, "demo", "retry queue claims with exponential backoff", TypeSuccessfulSolution, 0.7)
	low := f.store(t, "demo", "exponential backoff", TypeCodePattern, 0.4)
	high := f.store(t, "demo", "exponential backoff", TypeQualityInsight, 0.9)

	hits, err := f.svc.Search(ctx, SearchRequest{Query: "exponential backoff", Namespace: "demo"})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(hits), 3)

	// identical content scores identically; quality breaks the tie
	assert.Equal(t, high, hits[0].ID)
	assert.Equal(t, low, hits[1].ID)
	assert.Equal(t, strong, hits[2].ID)
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
	}

	limited, err := f.svc.Search(ctx, SearchRequest{Query: "exponential backoff", Namespace: "demo", Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, high, limited[0].ID)
}

func TestService_SearchFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pattern := f.store(t, "demo", "table driven tests for the parser", TypeCodePattern, 0.8)
	f.store(t, "demo", "table driven tests were flaky", TypeFailedAttempt, 0.2)
	f.store(t, "other", "table driven tests everywhere", TypeCodePattern, 1.0)

	hits, err := f.svc.Search(ctx, SearchRequest{
		Query: "table driven tests", Namespace: "demo", MemoryTypes: []string{TypeCodePattern},
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, pattern, hits[0].ID)

	hits, err = f.svc.Search(ctx, SearchRequest{Query: "table driven tests", Namespace: "demo", MinQuality: 0.5})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, pattern, hits[0].ID)

	hits, err = f.svc.Search(ctx, SearchRequest{
		Query: "table driven tests", Namespace: "demo",
		MemoryTypes: []string{TypeCodePattern, TypeFailedAttempt},
	})
	require.NoError(t, err)
	assert.Len(t, hits, 2)
	for _, h := range hits {
		assert.Equal(t, "demo", h.Namespace)
	}
}

func TestService_SearchEmpty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store(t, "demo", "event sourcing for the audit log", TypeCodePattern, 0.7)

	for name, req := range map[string]SearchRequest{
		"empty query":       {Query: "", Namespace: "demo"},
		"blank query":       {Query: "   ", Namespace: "demo"},
		"unknown namespace": {Query: "event sourcing", Namespace: "nobody"},
		"no matches":        {Query: "kubernetes helm chart", Namespace: "demo", MinScore: 0.2},
	} {
		t.Run(name, func(t *testing.T) {
			hits, err := f.svc.Search(ctx, req)
			require.NoError(t, err)
			assert.NotNil(t, hits)
			assert.Empty(t, hits)
		})
	}

	_, err := f.svc.Search(ctx, SearchRequest{Query: "x"})
	assert.ErrorIs(t, err, ErrEmptyNamespace)
}

func TestService_SearchDegradesWhenIndexFails(t *testing.T) {
	f := newFixture(t)
	f.store(t, "demo", "something stored", TypeCodePattern, 0.7)

	svc, err := NewService(f.db.DB(), failingIndex{Store: f.index, searchErr: vectorstore.ErrEmbeddingFailed})
	require.NoError(t, err)

	hits, err := svc.Search(context.Background(), SearchRequest{Query: "something", Namespace: "demo"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestService_GetContextualInsights(t *testing.T) {
	f := newFixture(t, WithConfig(Config{InsightLimit: 2}))
	ctx := context.Background()

	f.store(t, "demo", "cache phase lookups per namespace", TypeSuccessfulSolution, 0.9)
	f.store(t, "demo", "cache phase lookups caused stale reads", TypeFailedAttempt, 0.9)
	f.store(t, "demo", "cache phase lookups briefly", TypeCodePattern, 0.3)
	f.store(t, "demo", "cache phase lookups with ttl", TypeQualityInsight, 0.7)
	f.store(t, "demo", "cache phase lookups in memory", TypeCodePattern, 0.8)

	hits, err := f.svc.GetContextualInsights(ctx, "cache phase lookups", nil, "demo")
	require.NoError(t, err)
	assert.Len(t, hits, 2)
	for _, h := range hits {
		assert.Contains(t, InsightTypes, h.MemoryType)
		assert.GreaterOrEqual(t, h.QualityScore, InsightMinQuality)
	}

	hits, err = f.svc.GetContextualInsights(ctx, "cache phase lookups", []string{TypeFailedAttempt}, "demo")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, TypeFailedAttempt, hits[0].MemoryType)
}

func TestService_EnhanceAgentWithMemory(t *testing.T) {
	outcomes := outcomesFunc(func(_ context.Context, ns, phase string, _ int) ([]queue.Outcome, error) {
		if phase != "architecture" {
			return nil, errors.New("unexpected phase")
		}
		return []queue.Outcome{{Succeeded: true, At: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)}}, nil
	})
	f := newFixture(t, WithOutcomes(outcomes))
	ctx := context.Background()

	empty := f.svc.EnhanceAgentWithMemory(ctx, "architecture.worker", "architecture", "design the module layout", "demo")
	assert.Empty(t, empty.Memories)
	assert.Zero(t, empty.Relevance)
	assert.Greater(t, empty.SuccessRate, 0.0)
	assert.Empty(t, empty.Prompt())

	f.store(t, "demo", "module layout follows internal packages", TypeCodePattern, 0.9)
	one := f.svc.EnhanceAgentWithMemory(ctx, "architecture.worker", "architecture", "design the module layout", "demo")
	require.Len(t, one.Memories, 1)
	assert.Greater(t, one.Boost, empty.Boost)
	assert.Contains(t, one.Prompt(), "module layout follows internal packages")
	assert.Equal(t, []string{one.Memories[0].ID}, one.MemoryIDs())

	f.store(t, "demo", "module layout keeps cmd thin", TypeSuccessfulSolution, 1.0)
	two := f.svc.EnhanceAgentWithMemory(ctx, "architecture.worker", "architecture", "design the module layout", "demo")
	assert.GreaterOrEqual(t, two.Boost, one.Boost)
	assert.LessOrEqual(t, two.Boost, 1.0)

	// failing lookups degrade to zero terms instead of erroring
	broken := f.svc.EnhanceAgentWithMemory(ctx, "architecture.worker", "deployment", "anything", "demo")
	assert.Zero(t, broken.SuccessRate)
	assert.Empty(t, f.svc.EnhanceAgentWithMemory(ctx, "a", "", "x", "").Memories)
}

func TestService_PruneByTTLAndQuality(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := f.store(t, "demo", "old but good advice on retries", TypeCodePattern, 0.9)
	f.now = f.now.Add(48 * time.Hour)
	weak := f.store(t, "demo", "weak advice on retries", TypeCodePattern, 0.1)
	keep := f.store(t, "demo", "fresh advice on retries", TypeCodePattern, 0.8)
	otherOld := f.store(t, "other", "weak advice elsewhere", TypeCodePattern, 0.1)

	_, err := f.svc.SaveSnapshot(ctx, Snapshot{Namespace: "demo", TaskID: "t1", Agent: "a"})
	require.NoError(t, err)

	res, err := f.svc.Prune(ctx, PrunePolicy{Namespace: "demo", TTL: 24 * time.Hour, MinQuality: 0.2})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Memories)
	assert.Zero(t, res.Snapshots)

	for _, id := range []string{old, weak} {
		_, err := f.svc.Get(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound)
	}
	for _, id := range []string{keep, otherOld} {
		_, err := f.svc.Get(ctx, id)
		assert.NoError(t, err)
	}

	// pruned rows vanish from search even though the index keeps them
	hits, err := f.svc.Search(ctx, SearchRequest{Query: "advice on retries", Namespace: "demo"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, keep, hits[0].ID)

	f.now = f.now.Add(48 * time.Hour)
	res, err = f.svc.Prune(ctx, PrunePolicy{TTL: 24 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Memories)
	assert.Equal(t, int64(1), res.Snapshots)

	res, err = f.svc.Prune(ctx, PrunePolicy{})
	require.NoError(t, err)
	assert.Zero(t, res.Memories)
}

func TestService_Snapshots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.svc.SaveSnapshot(ctx, Snapshot{
		Namespace: "demo", TaskID: "task-1", Agent: "specification.worker", Phase: "specification",
		Boost: 0.42, MemoryIDs: []string{"m1", "m2"}, Summary: "two memories attached",
	})
	require.NoError(t, err)

	snaps, err := f.svc.Snapshots(ctx, "demo", "task-1")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, id, snaps[0].ID)
	assert.Equal(t, []string{"m1", "m2"}, snaps[0].MemoryIDs)
	assert.Equal(t, 0.42, snaps[0].Boost)

	_, err = f.svc.SaveSnapshot(ctx, Snapshot{Namespace: "demo"})
	assert.Error(t, err)
	_, err = f.svc.SaveSnapshot(ctx, Snapshot{TaskID: "t", Agent: "a"})
	assert.ErrorIs(t, err, ErrEmptyNamespace)
}

func TestService_RecordLearning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var rec orchestrator.MemoryRecorder = f.svc
	require.NoError(t, rec.RecordLearning(ctx, "demo", orchestrator.Learning{
		Content:    "approval rejected: missing rollback plan",
		MemoryType: TypeFailedAttempt,
		Quality:    0.4,
		Phase:      "architecture",
		Tags:       []string{"approval"},
	}))

	hits, err := f.svc.Search(ctx, SearchRequest{Query: "rollback plan", Namespace: "demo"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "driver", hits[0].Agent)
	assert.Equal(t, "architecture", hits[0].Phase)
	assert.Equal(t, []string{"approval"}, hits[0].Tags)
}

func TestService_Metrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	f := newFixture(t, WithMeter(mp.Meter(instrumentationName)))
	ctx := context.Background()

	f.store(t, "demo", "metrics are recorded", TypeCodePattern, 0.5)
	_, err := f.svc.Search(ctx, SearchRequest{Query: "metrics", Namespace: "demo"})
	require.NoError(t, err)
	f.svc.EnhanceAgentWithMemory(ctx, "a", "p", "metrics", "demo")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			found[m.Name] = true
		}
	}
	for _, name := range []string{
		"phased.memory.search_duration_seconds",
		"phased.memory.search_results",
		"phased.memory.boost",
		"phased.memory.stored_total",
	} {
		assert.True(t, found[name], "metric %s not recorded", name)
	}
}
