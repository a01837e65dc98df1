// Package storage defines the storage contracts for the Stratum memory layer.
//
// The interfaces are small and focused so that backends can be implemented
// independently. The SQLite implementation in the sqlite subpackage is the
// primary engine; any ACID-capable store can satisfy these contracts.
package storage

import (
	"context"

	"github.com/scrypster/stratum/pkg/types"
)

// FactStore provides durable, audited key/value facts per scope.
//
// Every mutation writes exactly one audit entry in the same transaction as the
// row change. Partial application (row changed, no audit row) is never
// observable.
type FactStore interface {
	// UpsertFact inserts a fact if (scope, key) is absent, otherwise updates
	// value, confidence, source, and updated_at in place. created_at is
	// immutable after the initial insert. The bool reports whether a new row
	// was inserted; it is decided inside the write transaction, so concurrent
	// upserts of the same key yield exactly one true.
	// Returns ErrValidation for a bad enum or out-of-range confidence.
	UpsertFact(ctx context.Context, scope types.Scope, category types.FactCategory, key, value string, confidence float64, source types.FactSource) (*types.Fact, bool, error)

	// GetFact retrieves the fact at (scope, key).
	// Returns ErrNotFound if absent.
	GetFact(ctx context.Context, scope types.Scope, key string) (*types.Fact, error)

	// ListFacts returns facts in scope, optionally filtered by category and
	// minimum confidence, ordered by confidence descending then updated_at
	// descending (most trusted, most recent first).
	ListFacts(ctx context.Context, scope types.Scope, opts FactListOptions) ([]types.Fact, error)

	// DeleteFact removes the fact at (scope, key), writing a delete audit
	// entry in the same transaction. Returns ErrNotFound if absent.
	DeleteFact(ctx context.Context, scope types.Scope, key, changedBy string) error

	// ListAudit returns the audit trail for a fact ID, oldest first.
	ListAudit(ctx context.Context, factID string) ([]types.AuditEntry, error)
}

// EpisodeStore provides append-mostly experiential lessons.
type EpisodeStore interface {
	// AddEpisode inserts a new episode unless its content is near-duplicate
	// (token-overlap similarity above the configured threshold) of an existing
	// episode in the same scope. A duplicate yields a Rejection with zero
	// storage mutation, not an error.
	AddEpisode(ctx context.Context, scope types.Scope, title, content string, lessonType types.LessonType, quality float64) (*types.Episode, *Rejection, error)

	// ListEpisodes returns episodes in scope, optionally filtered by lesson
	// type and minimum quality, ordered by quality descending then created_at
	// descending.
	ListEpisodes(ctx context.Context, scope types.Scope, opts EpisodeListOptions) ([]types.Episode, error)
}

// Store combines the two tiers plus lifecycle management. The SQLite backend
// implements all of it over one database handle.
type Store interface {
	FactStore
	EpisodeStore

	// Stats returns per-scope row counts for facts and episodes.
	Stats(ctx context.Context) (*StoreStats, error)

	// Close releases the underlying database resources.
	Close() error
}
