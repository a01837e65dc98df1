package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/scrypster/stratum/internal/storage"
	"github.com/scrypster/stratum/pkg/types"
)

// newTestStore creates an in-memory SQLite store. New initialises the full
// Schema, so no additional DDL is required in tests.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// TestUpsertFactScenario walks the reference scenario: insert, read back,
// update in place, and verify the audit trail grows to two entries while the
// row count stays at one.
func TestUpsertFactScenario(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	fact, created, err := store.UpsertFact(ctx, types.ScopeProject, types.CategoryDecision, "framework", "FastAPI", 0.95, types.SourceUser)
	if err != nil {
		t.Fatalf("UpsertFact() failed: %v", err)
	}
	if !created {
		t.Error("first upsert must report a create")
	}

	got, err := store.GetFact(ctx, types.ScopeProject, "framework")
	if err != nil {
		t.Fatalf("GetFact() failed: %v", err)
	}
	if got.Value != "FastAPI" {
		t.Errorf("Value: got %q, want %q", got.Value, "FastAPI")
	}
	if got.ID != fact.ID {
		t.Errorf("ID: got %q, want %q", got.ID, fact.ID)
	}

	firstUpdatedAt := got.UpdatedAt
	time.Sleep(5 * time.Millisecond) // ensure updated_at advances

	updated, created, err := store.UpsertFact(ctx, types.ScopeProject, types.CategoryDecision, "framework", "Flask", 0.9, types.SourceUser)
	if err != nil {
		t.Fatalf("second UpsertFact() failed: %v", err)
	}
	if created {
		t.Error("second upsert must report an in-place update")
	}
	if updated.ID != fact.ID {
		t.Errorf("update changed the row identity: got %q, want %q", updated.ID, fact.ID)
	}
	if !updated.CreatedAt.Equal(fact.CreatedAt) {
		t.Errorf("created_at changed on update: got %v, want %v", updated.CreatedAt, fact.CreatedAt)
	}
	if !updated.UpdatedAt.After(firstUpdatedAt) {
		t.Errorf("updated_at did not advance: got %v, was %v", updated.UpdatedAt, firstUpdatedAt)
	}

	facts, err := store.ListFacts(ctx, types.ScopeProject, storage.FactListOptions{})
	if err != nil {
		t.Fatalf("ListFacts() failed: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("row count: got %d, want 1", len(facts))
	}
	if facts[0].Value != "Flask" {
		t.Errorf("Value after update: got %q, want %q", facts[0].Value, "Flask")
	}

	audit, err := store.ListAudit(ctx, fact.ID)
	if err != nil {
		t.Fatalf("ListAudit() failed: %v", err)
	}
	if len(audit) != 2 {
		t.Fatalf("audit rows: got %d, want 2", len(audit))
	}
	if audit[0].Operation != types.AuditInsert || audit[1].Operation != types.AuditUpdate {
		t.Errorf("audit operations: got %v, %v", audit[0].Operation, audit[1].Operation)
	}
	if audit[1].OldValue != "FastAPI" || audit[1].NewValue != "Flask" {
		t.Errorf("audit values: got old=%q new=%q", audit[1].OldValue, audit[1].NewValue)
	}
}

// TestUpsertFactValidation verifies that bad enums and out-of-range confidence
// fail with ErrValidation and leave the store untouched.
func TestUpsertFactValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		scope      types.Scope
		category   types.FactCategory
		key        string
		confidence float64
		source     types.FactSource
	}{
		{"bad scope", "planet", types.CategoryFact, "k", 0.5, types.SourceUser},
		{"bad category", types.ScopeUser, "gossip", "k", 0.5, types.SourceUser},
		{"empty key", types.ScopeUser, types.CategoryFact, "", 0.5, types.SourceUser},
		{"confidence too high", types.ScopeUser, types.CategoryFact, "k", 1.5, types.SourceUser},
		{"confidence negative", types.ScopeUser, types.CategoryFact, "k", -0.5, types.SourceUser},
		{"bad source", types.ScopeUser, types.CategoryFact, "k", 0.5, "prophet"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := store.UpsertFact(ctx, tt.scope, tt.category, tt.key, "v", tt.confidence, tt.source)
			if !errors.Is(err, storage.ErrValidation) {
				t.Errorf("got %v, want ErrValidation", err)
			}
		})
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.TotalFacts != 0 || stats.TotalAudit != 0 {
		t.Errorf("rejected writes mutated storage: facts=%d audit=%d", stats.TotalFacts, stats.TotalAudit)
	}
}

// TestUpsertOrderIndependence writes three facts in all six permutations to
// fresh stores and verifies the final state is identical each time.
func TestUpsertOrderIndependence(t *testing.T) {
	type write struct {
		key        string
		value      string
		confidence float64
	}
	writes := []write{
		{"editor", "vim", 0.8},
		{"language", "go", 0.9},
		{"cloud", "aws", 0.7},
	}

	perms := [][]int{
		{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0},
	}

	ctx := context.Background()
	var want map[string]string

	for _, perm := range perms {
		store := newTestStore(t)
		for _, i := range perm {
			w := writes[i]
			if _, _, err := store.UpsertFact(ctx, types.ScopeUser, types.CategoryPreference, w.key, w.value, w.confidence, types.SourceUser); err != nil {
				t.Fatalf("UpsertFact(%q) failed: %v", w.key, err)
			}
		}

		facts, err := store.ListFacts(ctx, types.ScopeUser, storage.FactListOptions{})
		if err != nil {
			t.Fatalf("ListFacts() failed: %v", err)
		}
		if len(facts) != len(writes) {
			t.Fatalf("permutation %v: got %d facts, want %d", perm, len(facts), len(writes))
		}

		state := make(map[string]string, len(facts))
		for _, f := range facts {
			state[f.Key] = f.Value
		}
		if want == nil {
			want = state
			continue
		}
		for k, v := range want {
			if state[k] != v {
				t.Errorf("permutation %v: state[%q]=%q, want %q", perm, k, state[k], v)
			}
		}
	}
}

// TestFactScopeIsolation verifies that the same key in two scopes yields two
// independent rows and that reads never cross the scope boundary.
func TestFactScopeIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, _, err := store.UpsertFact(ctx, types.ScopeUser, types.CategoryPreference, "theme", "dark", 0.9, types.SourceUser); err != nil {
		t.Fatalf("UpsertFact(user) failed: %v", err)
	}
	if _, _, err := store.UpsertFact(ctx, types.ScopeProject, types.CategoryPreference, "theme", "light", 0.9, types.SourceUser); err != nil {
		t.Fatalf("UpsertFact(project) failed: %v", err)
	}

	userFact, err := store.GetFact(ctx, types.ScopeUser, "theme")
	if err != nil {
		t.Fatalf("GetFact(user) failed: %v", err)
	}
	if userFact.Value != "dark" {
		t.Errorf("user scope leaked: got %q", userFact.Value)
	}

	if _, err := store.GetFact(ctx, types.ScopeOrg, "theme"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetFact(org): got %v, want ErrNotFound", err)
	}
}

// TestListFactsOrdering verifies confidence-descending order with updated_at
// as the tie breaker, and the category / min-confidence filters.
func TestListFactsOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seed := []struct {
		key        string
		category   types.FactCategory
		confidence float64
	}{
		{"low", types.CategoryFact, 0.3},
		{"mid-old", types.CategoryConstraint, 0.6},
		{"mid-new", types.CategoryConstraint, 0.6},
		{"high", types.CategoryDecision, 0.95},
	}
	for _, s := range seed {
		if _, _, err := store.UpsertFact(ctx, types.ScopeProject, s.category, s.key, "v", s.confidence, types.SourceTool); err != nil {
			t.Fatalf("UpsertFact(%q) failed: %v", s.key, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	facts, err := store.ListFacts(ctx, types.ScopeProject, storage.FactListOptions{})
	if err != nil {
		t.Fatalf("ListFacts() failed: %v", err)
	}
	gotKeys := make([]string, len(facts))
	for i, f := range facts {
		gotKeys[i] = f.Key
	}
	wantKeys := []string{"high", "mid-new", "mid-old", "low"}
	for i, want := range wantKeys {
		if i >= len(gotKeys) || gotKeys[i] != want {
			t.Fatalf("ordering: got %v, want %v", gotKeys, wantKeys)
		}
	}

	filtered, err := store.ListFacts(ctx, types.ScopeProject, storage.FactListOptions{
		Category:      types.CategoryConstraint,
		MinConfidence: 0.5,
	})
	if err != nil {
		t.Fatalf("ListFacts(filtered) failed: %v", err)
	}
	if len(filtered) != 2 {
		t.Errorf("filtered count: got %d, want 2", len(filtered))
	}
}

// TestDeleteFactAudited verifies that delete writes the third audit entry and
// that deleting a missing fact returns ErrNotFound.
func TestDeleteFactAudited(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	fact, _, err := store.UpsertFact(ctx, types.ScopeSession, types.CategoryFact, "temp", "value", 0.5, types.SourceAgent)
	if err != nil {
		t.Fatalf("UpsertFact() failed: %v", err)
	}

	if err := store.DeleteFact(ctx, types.ScopeSession, "temp", "operator"); err != nil {
		t.Fatalf("DeleteFact() failed: %v", err)
	}

	if _, err := store.GetFact(ctx, types.ScopeSession, "temp"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetFact after delete: got %v, want ErrNotFound", err)
	}

	audit, err := store.ListAudit(ctx, fact.ID)
	if err != nil {
		t.Fatalf("ListAudit() failed: %v", err)
	}
	if len(audit) != 2 {
		t.Fatalf("audit rows: got %d, want 2 (insert + delete)", len(audit))
	}
	last := audit[len(audit)-1]
	if last.Operation != types.AuditDelete {
		t.Errorf("last operation: got %v, want delete", last.Operation)
	}
	if last.OldValue != "value" || last.ChangedBy != "operator" {
		t.Errorf("delete audit: old=%q changed_by=%q", last.OldValue, last.ChangedBy)
	}

	if err := store.DeleteFact(ctx, types.ScopeSession, "temp", "operator"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second delete: got %v, want ErrNotFound", err)
	}
}

// TestConcurrentUpserts hammers the same (scope, key) from several goroutines
// and verifies that exactly one row survives with a complete audit trail and
// exactly one writer observes the create. The created flag is decided inside
// the write transaction, so racing writers cannot both see an absent row.
func TestConcurrentUpserts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	type outcome struct {
		created bool
		err     error
	}

	const writers = 8
	outCh := make(chan outcome, writers)
	for i := 0; i < writers; i++ {
		go func(n int) {
			_, created, err := store.UpsertFact(ctx, types.ScopeProject, types.CategoryFact, "contended", "v", 0.5, types.SourceTool)
			outCh <- outcome{created: created, err: err}
		}(i)
	}
	creates := 0
	for i := 0; i < writers; i++ {
		out := <-outCh
		if out.err != nil {
			t.Fatalf("concurrent UpsertFact failed: %v", out.err)
		}
		if out.created {
			creates++
		}
	}
	if creates != 1 {
		t.Errorf("created flags: got %d creates, want exactly 1", creates)
	}

	facts, err := store.ListFacts(ctx, types.ScopeProject, storage.FactListOptions{})
	if err != nil {
		t.Fatalf("ListFacts() failed: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("row count after concurrent upserts: got %d, want 1", len(facts))
	}

	audit, err := store.ListAudit(ctx, facts[0].ID)
	if err != nil {
		t.Fatalf("ListAudit() failed: %v", err)
	}
	if len(audit) != writers {
		t.Errorf("audit rows: got %d, want %d (one per mutation)", len(audit), writers)
	}
}
