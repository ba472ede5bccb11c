package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
)

var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyDocuments indicates empty or nil documents.
	ErrEmptyDocuments = errors.New("empty or nil documents")

	// ErrConnectionFailed indicates the backend could not be reached.
	ErrConnectionFailed = errors.New("failed to connect to vector store")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("failed to generate embeddings")

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")
)

// Embedder generates vector embeddings from text.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Document is a unit of text stored in a collection.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]string
}

// SearchResult is a scored match.
type SearchResult struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Score    float32           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Store is the vector index.
//
// Upsert replaces documents with the same ID. Search returns at most k
// results whose metadata matches every key in where, ordered by score
// descending; a collection that does not exist yet yields no results.
type Store interface {
	Upsert(ctx context.Context, collection string, docs []Document) error
	Search(ctx context.Context, collection, query string, k int, where map[string]string) ([]SearchResult, error)
	Delete(ctx context.Context, collection string, ids []string) error
	Close() error
}

var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName checks name against ^[a-z0-9_]{1,64}$.
func ValidateCollectionName(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: must match ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// CollectionName maps a namespace and document kind to a valid collection
// name. Characters outside [a-z0-9_] become '_'; names that would exceed 64
// characters are truncated and suffixed with a hash of the namespace so
// that distinct namespaces stay distinct.
func CollectionName(namespace, kind string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(namespace) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	ns := b.String()
	if ns == "" {
		ns = "default"
	}

	name := ns + "_" + kind
	if len(name) <= 64 && ns == namespace {
		return name
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(namespace))
	suffix := fmt.Sprintf("_%08x_%s", h.Sum32(), kind)
	if keep := 64 - len(suffix); len(ns) > keep {
		ns = ns[:keep]
	}
	return ns + suffix
}
