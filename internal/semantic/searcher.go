// Package semantic defines the boundary to the external vector-search
// collaborator and the resilience wrapper around it.
//
// The fusion engine consumes vector retrieval exclusively through the Searcher
// interface. Embedding generation and chunking happen outside this module; the
// pgvector-backed implementation only needs an Embedder capability to turn the
// query text into a vector.
package semantic

import (
	"context"
	"errors"
)

// ErrUnavailable indicates that the semantic collaborator failed or timed
// out. The fusion engine recovers locally: it fuses the remaining tiers and
// annotates the result as partial. It is logged, never raised to the caller.
var ErrUnavailable = errors.New("semantic adapter unavailable")

// Hit is one vector-retrieved chunk. Scores are 0..1 and the only ordering
// guarantee from the collaborator is score descending.
type Hit struct {
	Content  string            `json:"content"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Searcher is the narrow capability the memory layer consumes. Implementations
// must tolerate empty results; callers must tolerate transient failure.
type Searcher interface {
	// Search returns up to topK chunks relevant to query, ranked by score
	// descending. filters constrain retrieval by metadata (e.g. scope).
	Search(ctx context.Context, query string, topK int, filters map[string]string) ([]Hit, error)
}

// Embedder turns text into a vector. The embedding model itself is an
// external collaborator; this capability is all the pgvector searcher needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
