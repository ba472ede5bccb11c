package vectorstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/config"
	"github.com/fyrsmithlabs/phased/internal/embeddings"
	"github.com/fyrsmithlabs/phased/internal/vectorstore"
)

func newChromem(t *testing.T, path string) *vectorstore.ChromemStore {
	t.Helper()
	s, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{Path: path}, embeddings.NewHashEmbedder(64), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestChromemStore_UpsertSearch(t *testing.T) {
	ctx := context.Background()
	s := newChromem(t, "")

	docs := []vectorstore.Document{
		{ID: "a", Content: "retry sqlite busy errors with backoff", Metadata: map[string]string{"memory_type": "successful_solution"}},
		{ID: "b", Content: "approval rejected: missing architecture diagram", Metadata: map[string]string{"memory_type": "failed_attempt"}},
		{ID: "c", Content: "sqlite busy errors fixed by immediate transactions", Metadata: map[string]string{"memory_type": "failed_attempt"}},
	}
	require.NoError(t, s.Upsert(ctx, "demo_memories", docs))

	res, err := s.Search(ctx, "demo_memories", "sqlite busy errors", 10, nil)
	require.NoError(t, err)
	require.Len(t, res, 3)
	for i := 1; i < len(res); i++ {
		assert.GreaterOrEqual(t, res[i-1].Score, res[i].Score, "ordered by score")
	}
	assert.Equal(t, "b", res[2].ID)

	res, err = s.Search(ctx, "demo_memories", "sqlite busy errors", 10, map[string]string{"memory_type": "failed_attempt"})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "c", res[0].ID)
	assert.Equal(t, "failed_attempt", res[0].Metadata["memory_type"])

	// Upsert replaces by id.
	require.NoError(t, s.Upsert(ctx, "demo_memories", []vectorstore.Document{{ID: "b", Content: "sqlite busy errors everywhere"}}))
	res, err = s.Search(ctx, "demo_memories", "sqlite busy errors", 1, nil)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "b", res[0].ID)
	assert.Equal(t, "sqlite busy errors everywhere", res[0].Content)
}

func TestChromemStore_EmptyCases(t *testing.T) {
	ctx := context.Background()
	s := newChromem(t, "")

	res, err := s.Search(ctx, "nothing_here", "query", 5, nil)
	require.NoError(t, err)
	assert.Empty(t, res)

	require.NoError(t, s.Upsert(ctx, "demo_memories", []vectorstore.Document{{ID: "a", Content: "x"}}))
	res, err = s.Search(ctx, "demo_memories", "   ", 5, nil)
	require.NoError(t, err)
	assert.Empty(t, res)

	_, err = s.Search(ctx, "demo_memories", "x", 0, nil)
	assert.Error(t, err)
	_, err = s.Search(ctx, "Bad-Name", "x", 1, nil)
	assert.ErrorIs(t, err, vectorstore.ErrInvalidCollectionName)

	assert.ErrorIs(t, s.Upsert(ctx, "demo_memories", nil), vectorstore.ErrEmptyDocuments)
	assert.ErrorIs(t, s.Upsert(ctx, "demo_memories", []vectorstore.Document{{Content: "no id"}}), vectorstore.ErrEmptyDocuments)

	require.NoError(t, s.Delete(ctx, "missing_collection", []string{"a"}))
	require.NoError(t, s.Delete(ctx, "demo_memories", []string{"a"}))
	res, err = s.Search(ctx, "demo_memories", "x", 5, nil)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestChromemStore_Persistent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := newChromem(t, dir)
	require.NoError(t, s.Upsert(ctx, "demo_memories", []vectorstore.Document{{ID: "a", Content: "persisted memory"}}))

	reopened := newChromem(t, dir)
	res, err := reopened.Search(ctx, "demo_memories", "persisted memory", 1, nil)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "a", res[0].ID)
}

func TestNew_Factory(t *testing.T) {
	s, err := vectorstore.New(context.Background(), config.VectorStoreConfig{Provider: "chromem"}, config.QdrantConfig{},
		embeddings.NewHashEmbedder(16), nil)
	require.NoError(t, err)
	assert.IsType(t, &vectorstore.ChromemStore{}, s)

	_, err = vectorstore.New(context.Background(), config.VectorStoreConfig{Provider: "faiss"}, config.QdrantConfig{}, embeddings.NewHashEmbedder(16), nil)
	assert.ErrorIs(t, err, vectorstore.ErrInvalidConfig)

	_, err = vectorstore.NewChromemStore(vectorstore.ChromemConfig{}, nil, nil)
	assert.ErrorIs(t, err, vectorstore.ErrInvalidConfig)
}
