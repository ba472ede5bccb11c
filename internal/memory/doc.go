// Package memory stores typed, quality-scored knowledge and retrieves it
// for agent context.
//
// Records live in two places: the memory_records table holds the
// authoritative, immutable row and the vector index holds its embedding in
// the "<namespace>_memories" collection. Search runs the similarity query
// against the index and then applies type, namespace and quality filters
// against the table, so a record deleted by Prune disappears from results
// even though the index is append-only.
//
// Lookups degrade instead of failing: an empty query, a missing collection
// or an unavailable embedder all yield an empty result.
package memory
