package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashEmbedder maps text to a bag-of-words vector using feature hashing.
// Texts sharing words score higher than unrelated texts, which is enough
// for offline operation and deterministic tests. It never fails.
type HashEmbedder struct {
	dimension int
}

// NewHashEmbedder creates a HashEmbedder. Dimensions below 2 fall back to 384.
func NewHashEmbedder(dimension int) *HashEmbedder {
	if dimension < 2 {
		dimension = 384
	}
	return &HashEmbedder{dimension: dimension}
}

func (h *HashEmbedder) embed(text string) []float32 {
	vec := make([]float32, h.dimension)
	// bias slot keeps the vector non-zero for empty or symbol-only text
	vec[0] = 0.01

	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		f := fnv.New32a()
		_, _ = f.Write([]byte(w))
		sum := f.Sum32()
		idx := 1 + int(sum%uint32(h.dimension-1))
		if sum&(1<<31) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// EmbedDocuments embeds each text.
func (h *HashEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.embed(t)
	}
	return out, nil
}

// EmbedQuery embeds text.
func (h *HashEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return h.embed(text), nil
}

// Dimension returns the vector size.
func (h *HashEmbedder) Dimension() int { return h.dimension }

// Close is a no-op.
func (h *HashEmbedder) Close() error { return nil }
