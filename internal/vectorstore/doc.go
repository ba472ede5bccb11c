// Package vectorstore is the vector index behind memory search.
//
// A Store holds documents in named collections and answers similarity
// queries ranked by score, highest first. Documents carry string metadata
// that queries can filter on with exact-match conditions.
//
// Two backends are provided:
//
//   - ChromemStore: embedded chromem-go, optionally persisted to disk (default)
//   - QdrantStore: external Qdrant over gRPC
//
// Collection names are derived from a namespace with CollectionName so that
// every namespace gets its own collection:
//
//	vectorstore.CollectionName("acme", "memories")     // "acme_memories"
//	vectorstore.CollectionName("acme-web", "memories") // "acme_web_<hash>_memories"
//
// The index is treated as append-only by callers; the structured store
// remains the source of truth for which records are live.
package vectorstore
