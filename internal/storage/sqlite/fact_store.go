package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/stratum/internal/storage"
	"github.com/scrypster/stratum/pkg/types"
)

const factColumns = `id, scope, category, key, value, confidence, source, created_at, updated_at`

// UpsertFact inserts a fact at (scope, key) or updates the existing row in
// place. The row mutation and its audit entry commit in one transaction, so a
// fact change without an audit record is never observable. created_at is
// carried forward unchanged on update. The returned bool reports whether a new
// row was inserted, decided inside the same transaction as the mutation.
func (s *Store) UpsertFact(ctx context.Context, scope types.Scope, category types.FactCategory, key, value string, confidence float64, source types.FactSource) (*types.Fact, bool, error) {
	now := time.Now().UTC()
	fact := &types.Fact{
		ID:         uuid.New().String(),
		Scope:      scope,
		Category:   category,
		Key:        key,
		Value:      value,
		Confidence: confidence,
		Source:     source,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := fact.Validate(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}

	var created bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		created = false
		existing, err := getFactTx(ctx, tx, scope, key)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			created = true
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO facts (`+factColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, fact.ID, fact.Scope, fact.Category, fact.Key, fact.Value,
				fact.Confidence, fact.Source, fact.CreatedAt, fact.UpdatedAt); err != nil {
				return fmt.Errorf("%w: insert fact: %v", storage.ErrStorage, err)
			}
			return auditTx(ctx, tx, fact.ID, types.AuditInsert, "", fact.Value, string(source), now)

		case err != nil:
			return err

		default:
			// Update in place: the row keeps its identity and created_at.
			fact.ID = existing.ID
			fact.CreatedAt = existing.CreatedAt
			if _, err := tx.ExecContext(ctx, `
				UPDATE facts
				SET category = ?, value = ?, confidence = ?, source = ?, updated_at = ?
				WHERE scope = ? AND key = ?
			`, fact.Category, fact.Value, fact.Confidence, fact.Source, fact.UpdatedAt,
				scope, key); err != nil {
				return fmt.Errorf("%w: update fact: %v", storage.ErrStorage, err)
			}
			return auditTx(ctx, tx, fact.ID, types.AuditUpdate, existing.Value, fact.Value, string(source), now)
		}
	})
	if err != nil {
		return nil, false, err
	}
	return fact, created, nil
}

// GetFact retrieves the fact at (scope, key), or storage.ErrNotFound.
func (s *Store) GetFact(ctx context.Context, scope types.Scope, key string) (*types.Fact, error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("%w: key is required", storage.ErrValidation)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+factColumns+` FROM facts WHERE scope = ? AND key = ?
	`, scope, key)
	return scanFact(row)
}

// ListFacts returns facts in scope ordered by confidence descending, ties
// broken by updated_at descending: the most trusted and most recent first.
func (s *Store) ListFacts(ctx context.Context, scope types.Scope, opts storage.FactListOptions) ([]types.Fact, error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}
	if opts.Category != "" && !opts.Category.Valid() {
		return nil, fmt.Errorf("%w: invalid category %q", storage.ErrValidation, opts.Category)
	}
	opts.Normalize()

	query := `SELECT ` + factColumns + ` FROM facts WHERE scope = ? AND confidence >= ?`
	args := []any{scope, opts.MinConfidence}
	if opts.Category != "" {
		query += ` AND category = ?`
		args = append(args, opts.Category)
	}
	query += ` ORDER BY confidence DESC, updated_at DESC LIMIT ?`
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list facts: %v", storage.ErrStorage, err)
	}
	defer rows.Close()

	var facts []types.Fact
	for rows.Next() {
		f, err := scanFactRows(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, *f)
	}
	return facts, rows.Err()
}

// DeleteFact removes the fact at (scope, key) and writes a delete audit entry
// in the same transaction. Deletion is only ever this explicit, audited path.
func (s *Store) DeleteFact(ctx context.Context, scope types.Scope, key, changedBy string) error {
	if err := validateScope(scope); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("%w: key is required", storage.ErrValidation)
	}
	if changedBy == "" {
		return fmt.Errorf("%w: changed_by is required", storage.ErrValidation)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := getFactTx(ctx, tx, scope, key)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM facts WHERE scope = ? AND key = ?`, scope, key); err != nil {
			return fmt.Errorf("%w: delete fact: %v", storage.ErrStorage, err)
		}
		return auditTx(ctx, tx, existing.ID, types.AuditDelete, existing.Value, "", changedBy, time.Now().UTC())
	})
}

// ListAudit returns the audit trail for a fact ID, oldest first.
func (s *Store) ListAudit(ctx context.Context, factID string) ([]types.AuditEntry, error) {
	if factID == "" {
		return nil, fmt.Errorf("%w: fact_id is required", storage.ErrValidation)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fact_id, operation, old_value, new_value, changed_by, changed_at
		FROM fact_audit
		WHERE fact_id = ?
		ORDER BY id ASC
	`, factID)
	if err != nil {
		return nil, fmt.Errorf("%w: list audit: %v", storage.ErrStorage, err)
	}
	defer rows.Close()

	var entries []types.AuditEntry
	for rows.Next() {
		var e types.AuditEntry
		var oldValue, newValue sql.NullString
		if err := rows.Scan(&e.ID, &e.FactID, &e.Operation, &oldValue, &newValue, &e.ChangedBy, &e.ChangedAt); err != nil {
			return nil, fmt.Errorf("%w: scan audit: %v", storage.ErrStorage, err)
		}
		e.OldValue = oldValue.String
		e.NewValue = newValue.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// auditTx writes one audit entry inside the caller's transaction.
func auditTx(ctx context.Context, tx *sql.Tx, factID string, op types.AuditOperation, oldValue, newValue, changedBy string, at time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fact_audit (fact_id, operation, old_value, new_value, changed_by, changed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, factID, op, nullIfEmpty(oldValue), nullIfEmpty(newValue), changedBy, at); err != nil {
		return fmt.Errorf("%w: insert audit: %v", storage.ErrStorage, err)
	}
	return nil
}

// getFactTx reads a fact inside a transaction so the upsert decision and the
// mutation see the same snapshot.
func getFactTx(ctx context.Context, tx *sql.Tx, scope types.Scope, key string) (*types.Fact, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+factColumns+` FROM facts WHERE scope = ? AND key = ?
	`, scope, key)
	return scanFact(row)
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanFact(row *sql.Row) (*types.Fact, error) {
	f, err := scanFactFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return f, err
}

func scanFactRows(rows *sql.Rows) (*types.Fact, error) {
	return scanFactFrom(rows)
}

func scanFactFrom(sc rowScanner) (*types.Fact, error) {
	var f types.Fact
	err := sc.Scan(&f.ID, &f.Scope, &f.Category, &f.Key, &f.Value,
		&f.Confidence, &f.Source, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: scan fact: %v", storage.ErrStorage, err)
	}
	return &f, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
