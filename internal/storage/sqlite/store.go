// Package sqlite implements the storage contracts over SQLite using the pure
// Go modernc.org/sqlite driver.
//
// Audit logging is done with explicit application-level transactions (row
// mutation and audit insert as one atomic unit) rather than database triggers,
// so the behavior is portable to any ACID-capable engine.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/stratum/internal/storage"
	"github.com/scrypster/stratum/pkg/types"
)

// Schema is the embedded DDL for a fresh database. The UNIQUE(scope, key)
// constraint is what turns a second write to the same pair into an update, and
// the indexes back the ordering guarantees of ListFacts / ListEpisodes.
const Schema = `
CREATE TABLE IF NOT EXISTS facts (
	id          TEXT PRIMARY KEY,
	scope       TEXT NOT NULL,
	category    TEXT NOT NULL,
	key         TEXT NOT NULL,
	value       TEXT NOT NULL,
	confidence  REAL NOT NULL,
	source      TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL,
	UNIQUE(scope, key)
);

CREATE TABLE IF NOT EXISTS fact_audit (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	fact_id     TEXT NOT NULL,
	operation   TEXT NOT NULL,
	old_value   TEXT,
	new_value   TEXT,
	changed_by  TEXT NOT NULL,
	changed_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS episodes (
	id          TEXT PRIMARY KEY,
	scope       TEXT NOT NULL,
	title       TEXT NOT NULL,
	content     TEXT NOT NULL,
	lesson_type TEXT NOT NULL,
	quality     REAL NOT NULL,
	created_at  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_facts_scope_key ON facts(scope, key);
CREATE INDEX IF NOT EXISTS idx_facts_category_scope ON facts(category, scope);
CREATE INDEX IF NOT EXISTS idx_facts_confidence ON facts(confidence DESC);
CREATE INDEX IF NOT EXISTS idx_fact_audit_fact ON fact_audit(fact_id, changed_at);
CREATE INDEX IF NOT EXISTS idx_episodes_scope_type_quality ON episodes(scope, lesson_type, quality DESC);
`

// Store implements storage.Store over a single SQLite database.
type Store struct {
	db *sql.DB

	// dupThreshold is the token-overlap similarity above which an episode is
	// rejected as a duplicate of an existing same-scope episode.
	dupThreshold float64
}

// Option configures a Store.
type Option func(*Store)

// WithDuplicateThreshold overrides the episode similarity threshold.
// Values outside (0, 1] are ignored.
func WithDuplicateThreshold(t float64) Option {
	return func(s *Store) {
		if t > 0 && t <= 1 {
			s.dupThreshold = t
		}
	}
}

// defaultDupThreshold matches the fixed threshold in the episode contract.
const defaultDupThreshold = 0.85

// New opens (or creates) a SQLite database at dsn and prepares the schema.
// Pass ":memory:" for an ephemeral store in tests.
func New(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}

	// SQLite supports one concurrent writer. A single open connection
	// serialises writes — this is the per-(scope,key) mutation ordering
	// guarantee — while WAL mode lets readers proceed against a consistent
	// snapshot without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}

	s := &Store{db: db, dupThreshold: defaultDupThreshold}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Stats returns per-scope row counts for facts and episodes.
func (s *Store) Stats(ctx context.Context) (*storage.StoreStats, error) {
	stats := &storage.StoreStats{}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM facts`).Scan(&stats.TotalFacts); err != nil {
		return nil, fmt.Errorf("sqlite: count facts: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM episodes`).Scan(&stats.TotalEpisodes); err != nil {
		return nil, fmt.Errorf("sqlite: count episodes: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fact_audit`).Scan(&stats.TotalAudit); err != nil {
		return nil, fmt.Errorf("sqlite: count audit: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT scope,
		       SUM(facts) AS facts,
		       SUM(episodes) AS episodes
		FROM (
			SELECT scope, COUNT(*) AS facts, 0 AS episodes FROM facts GROUP BY scope
			UNION ALL
			SELECT scope, 0, COUNT(*) FROM episodes GROUP BY scope
		)
		GROUP BY scope
		ORDER BY scope
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scope counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sc storage.ScopeCount
		if err := rows.Scan(&sc.Scope, &sc.Facts, &sc.Episodes); err != nil {
			return nil, fmt.Errorf("sqlite: scan scope count: %w", err)
		}
		stats.ByScope = append(stats.ByScope, sc)
	}
	return stats, rows.Err()
}

// inTx runs fn inside a transaction, retrying once with a short backoff when
// the commit fails with lock contention. Non-transient failures surface
// immediately wrapped in storage.ErrStorage.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		}

		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isBusy(err) {
			break
		}
	}
	return lastErr
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", storage.ErrStorage, err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", storage.ErrStorage, err)
	}
	return nil
}

// isBusy reports whether err looks like SQLite lock contention.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}

// compile-time interface checks
var (
	_ storage.Store        = (*Store)(nil)
	_ storage.FactStore    = (*Store)(nil)
	_ storage.EpisodeStore = (*Store)(nil)
)

// validateScope is shared by read paths that only receive a scope.
func validateScope(scope types.Scope) error {
	if !scope.Valid() {
		return fmt.Errorf("%w: invalid scope %q", storage.ErrValidation, scope)
	}
	return nil
}
