package types

import "time"

// Tier identifies which authority tier a fused context item came from.
type Tier string

// Authority tiers, highest trust first.
const (
	TierSymbolic Tier = "symbolic" // audited facts
	TierEpisodic Tier = "episodic" // experiential lessons
	TierSemantic Tier = "semantic" // vector-retrieved chunks
)

// Fixed per-tier authority weights. A low-confidence audited fact must be able
// to outrank a high-similarity semantic hit, so these are multiplied into
// every cross-tier comparison and are not configurable per query.
const (
	WeightSymbolic = 1.00
	WeightEpisodic = 0.85
	WeightSemantic = 0.60
)

// AuthorityWeight returns the fixed weight for t, or 0 for an unknown tier.
func (t Tier) AuthorityWeight() float64 {
	switch t {
	case TierSymbolic:
		return WeightSymbolic
	case TierEpisodic:
		return WeightEpisodic
	case TierSemantic:
		return WeightSemantic
	}
	return 0
}

// Priority returns the tie-break rank of the tier (lower is stronger).
func (t Tier) Priority() int {
	switch t {
	case TierSymbolic:
		return 0
	case TierEpisodic:
		return 1
	case TierSemantic:
		return 2
	}
	return 3
}

// FusedContextItem is one ranked entry in a fused context. It is constructed
// per query and never persisted.
type FusedContextItem struct {
	Tier            Tier      `json:"tier"`
	AuthorityWeight float64   `json:"authority_weight"`
	RawScore        float64   `json:"raw_score"`
	EffectiveScore  float64   `json:"effective_score"` // raw_score * authority_weight
	Content         string    `json:"content"`
	SourceRef       string    `json:"source_ref"` // fact/episode ID or chunk reference
	CreatedAt       time.Time `json:"created_at,omitempty"`
}
