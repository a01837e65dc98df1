// Package fusion merges the three memory tiers into a single ranked context.
//
// The engine is a pure read-and-rank function over the stores: it never
// mutates storage. The load-bearing design decision is the fixed authority
// hierarchy — cross-tier ranking uses effective scores only, so a
// low-confidence semantic hit can never outrank an audited fact whose
// effective score is higher, regardless of raw similarity.
package fusion

import (
	"context"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/scrypster/stratum/internal/semantic"
	"github.com/scrypster/stratum/internal/storage"
	"github.com/scrypster/stratum/pkg/types"
)

// ContextType selects how the symbolic tier is queried.
type ContextType string

// Recognized context types.
const (
	// ContextQuery matches facts whose key, category, or value overlaps the
	// query terms.
	ContextQuery ContextType = "query"

	// ContextAll includes every fact above the confidence floor, regardless
	// of query relevance. Useful for session bootstrap.
	ContextAll ContextType = "all"
)

// Config carries the per-tier floors and bounds for fusion. Items below a
// tier's floor are excluded entirely — weak evidence is never silently
// blended with strong evidence.
type Config struct {
	MinFactConfidence float64 // symbolic floor (default 0.3)
	MinEpisodeQuality float64 // episodic floor (default 0.3)
	MinSemanticScore  float64 // semantic floor (default 0.3)
	TopK              int     // semantic retrieval depth (default 10)
	MaxResults        int     // final truncation (default 20)
}

// DefaultConfig returns the standard fusion configuration.
func DefaultConfig() Config {
	return Config{
		MinFactConfidence: 0.3,
		MinEpisodeQuality: 0.3,
		MinSemanticScore:  0.3,
		TopK:              10,
		MaxResults:        20,
	}
}

func (c *Config) normalize() {
	if c.MinFactConfidence <= 0 {
		c.MinFactConfidence = 0.3
	}
	if c.MinEpisodeQuality <= 0 {
		c.MinEpisodeQuality = 0.3
	}
	if c.MinSemanticScore <= 0 {
		c.MinSemanticScore = 0.3
	}
	if c.TopK <= 0 {
		c.TopK = 10
	}
	if c.MaxResults <= 0 {
		c.MaxResults = 20
	}
}

// Result is a fused, ranked context for one query.
type Result struct {
	Items []types.FusedContextItem `json:"items"`

	// Partial is set when the semantic tier was unavailable and the result
	// was fused from the remaining tiers only.
	Partial bool `json:"partial,omitempty"`

	// PartialReason explains the degradation when Partial is set.
	PartialReason string `json:"partial_reason,omitempty"`
}

// Engine fuses the three tiers. The semantic searcher is optional: with a nil
// searcher the engine serves symbolic and episodic tiers only, without
// marking results partial (there is nothing to degrade from).
type Engine struct {
	facts    storage.FactStore
	episodes storage.EpisodeStore
	searcher semantic.Searcher
	cfg      Config
}

// New creates a fusion engine over the given stores and optional searcher.
func New(facts storage.FactStore, episodes storage.EpisodeStore, searcher semantic.Searcher, cfg Config) *Engine {
	cfg.normalize()
	return &Engine{facts: facts, episodes: episodes, searcher: searcher, cfg: cfg}
}

// semanticOutcome carries the result of the concurrent semantic search.
type semanticOutcome struct {
	hits []semantic.Hit
	err  error
}

// GetContext produces one ranked context for query within scope.
//
// The semantic search is issued concurrently with the store reads. When the
// adapter fails or times out, the engine fuses the tiers it received and
// annotates the result as partial. When ctx itself is cancelled, partial
// in-memory fusion is discarded and the cancellation error is returned — an
// incomplete authority ranking is never presented as final.
func (e *Engine) GetContext(ctx context.Context, scope types.Scope, query string, contextType ContextType, maxResults int) (*Result, error) {
	if maxResults <= 0 || maxResults > e.cfg.MaxResults {
		maxResults = e.cfg.MaxResults
	}
	if contextType == "" {
		contextType = ContextQuery
	}

	// Semantic tier runs concurrently; the channel is buffered so the
	// goroutine never leaks if we bail out on cancellation first.
	semCh := make(chan semanticOutcome, 1)
	if e.searcher != nil {
		go func() {
			hits, err := e.searcher.Search(ctx, query, e.cfg.TopK, map[string]string{"scope": string(scope)})
			semCh <- semanticOutcome{hits: hits, err: err}
		}()
	} else {
		semCh <- semanticOutcome{}
	}

	items, err := e.collectStoreTiers(ctx, scope, query, contextType)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case sem := <-semCh:
		switch {
		case sem.err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case sem.err != nil:
			log.Printf("fusion: semantic tier degraded: %v", sem.err)
			result.Partial = true
			result.PartialReason = "semantic adapter unavailable"
		default:
			for _, hit := range sem.hits {
				if hit.Score < e.cfg.MinSemanticScore {
					continue
				}
				items = append(items, fusedItem(types.TierSemantic, hit.Score, hit.Content, hit.Metadata["ref"], nil))
			}
		}
	}

	rank(items)
	if len(items) > maxResults {
		items = items[:maxResults]
	}
	result.Items = items
	return result, nil
}

// collectStoreTiers reads the symbolic and episodic tiers.
func (e *Engine) collectStoreTiers(ctx context.Context, scope types.Scope, query string, contextType ContextType) ([]types.FusedContextItem, error) {
	facts, err := e.facts.ListFacts(ctx, scope, storage.FactListOptions{
		MinConfidence: e.cfg.MinFactConfidence,
	})
	if err != nil {
		return nil, err
	}

	terms := queryTerms(query)
	var items []types.FusedContextItem
	for i := range facts {
		f := &facts[i]
		if contextType != ContextAll && !factMatches(f, terms) {
			continue
		}
		created := f.CreatedAt
		items = append(items, fusedItem(types.TierSymbolic, f.Confidence, f.Key+": "+f.Value, f.ID, &created))
	}

	episodes, err := e.episodes.ListEpisodes(ctx, scope, storage.EpisodeListOptions{
		MinQuality: e.cfg.MinEpisodeQuality,
	})
	if err != nil {
		return nil, err
	}
	for i := range episodes {
		ep := &episodes[i]
		if contextType != ContextAll && !episodeMatches(ep, terms) {
			continue
		}
		created := ep.CreatedAt
		items = append(items, fusedItem(types.TierEpisodic, ep.Quality, ep.Title+": "+ep.Content, ep.ID, &created))
	}
	return items, nil
}

// fusedItem assembles one context item with its effective score precomputed.
func fusedItem(tier types.Tier, raw float64, content, ref string, createdAt *time.Time) types.FusedContextItem {
	item := types.FusedContextItem{
		Tier:            tier,
		AuthorityWeight: tier.AuthorityWeight(),
		RawScore:        raw,
		EffectiveScore:  raw * tier.AuthorityWeight(),
		Content:         content,
		SourceRef:       ref,
	}
	if createdAt != nil {
		item.CreatedAt = *createdAt
	}
	return item
}

// rank sorts items by effective score descending, ties broken by tier
// priority (symbolic > episodic > semantic), then by recency.
func rank(items []types.FusedContextItem) {
	slices.SortStableFunc(items, func(a, b types.FusedContextItem) int {
		if a.EffectiveScore != b.EffectiveScore {
			if a.EffectiveScore > b.EffectiveScore {
				return -1
			}
			return 1
		}
		if pa, pb := a.Tier.Priority(), b.Tier.Priority(); pa != pb {
			return pa - pb
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		if b.CreatedAt.After(a.CreatedAt) {
			return 1
		}
		return 0
	})
}

// queryTerms lowercases and splits the query into match terms.
func queryTerms(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

// factMatches reports whether any query term appears in the fact's key,
// category, or value. An empty query matches nothing in query mode.
func factMatches(f *types.Fact, terms []string) bool {
	if len(terms) == 0 {
		return false
	}
	haystack := strings.ToLower(f.Key + " " + string(f.Category) + " " + f.Value)
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			return true
		}
	}
	return false
}

// episodeMatches reports whether any query term appears in the episode's
// title or content.
func episodeMatches(ep *types.Episode, terms []string) bool {
	if len(terms) == 0 {
		return false
	}
	haystack := strings.ToLower(ep.Title + " " + ep.Content)
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			return true
		}
	}
	return false
}
