package fusion

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/stratum/internal/semantic"
	"github.com/scrypster/stratum/internal/storage/sqlite"
	"github.com/scrypster/stratum/pkg/types"
)

// stubSearcher serves canned hits or a canned error.
type stubSearcher struct {
	hits []semantic.Hit
	err  error
}

func (s *stubSearcher) Search(ctx context.Context, query string, topK int, filters map[string]string) ([]semantic.Hit, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.hits, nil
}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// TestAuthorityOrdering verifies the concrete numbers from the design: a fact
// at confidence 0.9 (effective 0.90) must outrank a semantic hit of raw score
// 0.95 (effective 0.57), with an episode at quality 0.9 (effective 0.765) in
// between.
func TestAuthorityOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.UpsertFact(ctx, types.ScopeProject, types.CategoryDecision, "database", "postgres", 0.9, types.SourceUser)
	require.NoError(t, err)

	_, rej, err := store.AddEpisode(ctx, types.ScopeProject, "Database migration",
		"The database migration needed a maintenance window to avoid lock contention.",
		types.LessonPattern, 0.9)
	require.NoError(t, err)
	require.Nil(t, rej)

	searcher := &stubSearcher{hits: []semantic.Hit{
		{Content: "Notes about database tuning from the wiki.", Score: 0.95},
	}}

	engine := New(store, store, searcher, DefaultConfig())
	result, err := engine.GetContext(ctx, types.ScopeProject, "database", ContextQuery, 10)
	require.NoError(t, err)
	require.Len(t, result.Items, 3)
	assert.False(t, result.Partial)

	assert.Equal(t, types.TierSymbolic, result.Items[0].Tier)
	assert.InDelta(t, 0.90, result.Items[0].EffectiveScore, 1e-9)

	assert.Equal(t, types.TierEpisodic, result.Items[1].Tier)
	assert.InDelta(t, 0.765, result.Items[1].EffectiveScore, 1e-9)

	assert.Equal(t, types.TierSemantic, result.Items[2].Tier)
	assert.InDelta(t, 0.57, result.Items[2].EffectiveScore, 1e-9)
}

// TestLowConfidenceFactCanLose checks the other direction: authority weighting
// protects facts but does not make them unbeatable.
func TestLowConfidenceFactCanLose(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.UpsertFact(ctx, types.ScopeProject, types.CategoryFact, "cache", "redis", 0.5, types.SourceAgent)
	require.NoError(t, err)

	searcher := &stubSearcher{hits: []semantic.Hit{
		{Content: "Detailed cache sizing document.", Score: 0.95},
	}}

	engine := New(store, store, searcher, DefaultConfig())
	result, err := engine.GetContext(ctx, types.ScopeProject, "cache", ContextQuery, 10)
	require.NoError(t, err)
	require.Len(t, result.Items, 2)

	// 0.95*0.60 = 0.57 beats 0.5*1.00 = 0.50.
	assert.Equal(t, types.TierSemantic, result.Items[0].Tier)
	assert.Equal(t, types.TierSymbolic, result.Items[1].Tier)
}

// TestPartialOnAdapterFailure verifies local recovery: the engine fuses the
// remaining tiers and annotates the result, rather than failing the query.
func TestPartialOnAdapterFailure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.UpsertFact(ctx, types.ScopeUser, types.CategoryPreference, "editor", "vim", 0.8, types.SourceUser)
	require.NoError(t, err)

	searcher := &stubSearcher{err: semantic.ErrUnavailable}
	engine := New(store, store, searcher, DefaultConfig())

	result, err := engine.GetContext(ctx, types.ScopeUser, "editor", ContextQuery, 10)
	require.NoError(t, err)
	assert.True(t, result.Partial)
	assert.NotEmpty(t, result.PartialReason)
	require.Len(t, result.Items, 1)
	assert.Equal(t, types.TierSymbolic, result.Items[0].Tier)
}

// TestTierFloorsExcludeWeakEvidence verifies that items below a tier's floor
// are dropped entirely instead of being blended in at a low rank.
func TestTierFloorsExcludeWeakEvidence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.UpsertFact(ctx, types.ScopeProject, types.CategoryFact, "guess", "maybe", 0.2, types.SourceAgent)
	require.NoError(t, err)

	searcher := &stubSearcher{hits: []semantic.Hit{
		{Content: "Barely related chunk about guessing.", Score: 0.1},
	}}

	cfg := DefaultConfig() // floors at 0.3
	engine := New(store, store, searcher, cfg)

	result, err := engine.GetContext(ctx, types.ScopeProject, "guess", ContextQuery, 10)
	require.NoError(t, err)
	assert.Empty(t, result.Items)
	assert.False(t, result.Partial)
}

// TestUnsetFloorsDefault verifies that a config carrying only the semantic
// floor and bounds still applies the store-tier floors, so a near-zero
// confidence fact is never fused.
func TestUnsetFloorsDefault(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.UpsertFact(ctx, types.ScopeProject, types.CategoryFact, "hunch", "redis", 0.05, types.SourceAgent)
	require.NoError(t, err)

	engine := New(store, store, nil, Config{MinSemanticScore: 0.3, TopK: 10, MaxResults: 20})
	result, err := engine.GetContext(ctx, types.ScopeProject, "hunch", ContextQuery, 10)
	require.NoError(t, err)
	assert.Empty(t, result.Items)
}

// TestContextAllIncludesUnmatchedFacts verifies that context_type=all returns
// high-confidence facts regardless of query relevance.
func TestContextAllIncludesUnmatchedFacts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.UpsertFact(ctx, types.ScopeSession, types.CategoryConstraint, "budget", "500", 0.9, types.SourceUser)
	require.NoError(t, err)

	engine := New(store, store, nil, DefaultConfig())

	byQuery, err := engine.GetContext(ctx, types.ScopeSession, "unrelated topic", ContextQuery, 10)
	require.NoError(t, err)
	assert.Empty(t, byQuery.Items)

	all, err := engine.GetContext(ctx, types.ScopeSession, "unrelated topic", ContextAll, 10)
	require.NoError(t, err)
	require.Len(t, all.Items, 1)
	assert.Equal(t, "budget: 500", all.Items[0].Content)
}

// TestCancellationDiscardsPartialFusion verifies that a cancelled query
// returns the cancellation error, never a partially fused ranking.
func TestCancellationDiscardsPartialFusion(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, _, err := store.UpsertFact(ctx, types.ScopeUser, types.CategoryFact, "k", "v", 0.9, types.SourceUser)
	require.NoError(t, err)

	blocking := &blockingSearcher{started: make(chan struct{})}
	engine := New(store, store, blocking, DefaultConfig())

	go func() {
		<-blocking.started
		cancel()
	}()

	result, err := engine.GetContext(ctx, types.ScopeUser, "k", ContextQuery, 10)
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, context.Canceled))
}

// blockingSearcher signals when called, then blocks until cancellation.
type blockingSearcher struct {
	started chan struct{}
}

func (b *blockingSearcher) Search(ctx context.Context, query string, topK int, filters map[string]string) ([]semantic.Hit, error) {
	close(b.started)
	<-ctx.Done()
	return nil, ctx.Err()
}
