package storage

import (
	"errors"

	"github.com/scrypster/stratum/pkg/types"
)

var (
	// ErrNotFound indicates that the requested fact or episode does not exist.
	// Not-found is an expected outcome of idempotent reads, never retried.
	ErrNotFound = errors.New("resource not found")

	// ErrValidation indicates malformed input: a bad enum value or an
	// out-of-range confidence/quality. Always surfaced, never retried.
	ErrValidation = errors.New("validation failed")

	// ErrStorage indicates a transaction or commit failure. Transient storage
	// errors (lock contention) are retried once with backoff, then surfaced.
	ErrStorage = errors.New("storage failure")
)

// Rejection is the structured "not stored, reason=X" outcome for writes that
// were refused by policy rather than by fault. Callers and tests use Reason to
// distinguish "matched but rejected" from "nothing matched" from
// "infrastructure failure".
type Rejection struct {
	// Reason is a machine-readable rejection code.
	Reason RejectReason `json:"reason"`

	// Detail is a human-readable explanation.
	Detail string `json:"detail,omitempty"`

	// ExistingID references the record that caused a duplicate rejection.
	ExistingID string `json:"existing_id,omitempty"`
}

// RejectReason enumerates the policy reasons a write can be refused.
type RejectReason string

// Recognized rejection reasons.
const (
	RejectDuplicate     RejectReason = "duplicate"
	RejectLowConfidence RejectReason = "low_confidence"
	RejectSpeculative   RejectReason = "speculative"
	RejectRateLimited   RejectReason = "rate_limited"
)

// FactListOptions filters and bounds ListFacts.
type FactListOptions struct {
	// Category restricts results to a single category when non-empty.
	Category types.FactCategory

	// MinConfidence excludes facts below this confidence. Zero means no floor.
	MinConfidence float64

	// Limit bounds the result set. Zero or negative means the default of 50.
	Limit int
}

// Normalize applies defaults and caps to the options.
func (o *FactListOptions) Normalize() {
	if o.Limit <= 0 {
		o.Limit = 50
	}
	if o.Limit > 500 {
		o.Limit = 500
	}
	if o.MinConfidence < 0 {
		o.MinConfidence = 0
	}
}

// EpisodeListOptions filters and bounds ListEpisodes.
type EpisodeListOptions struct {
	// LessonType restricts results to a single lesson type when non-empty.
	LessonType types.LessonType

	// MinQuality excludes episodes below this quality. Zero means no floor.
	MinQuality float64

	// Limit bounds the result set. Zero or negative means the default of 50.
	Limit int
}

// Normalize applies defaults and caps to the options.
func (o *EpisodeListOptions) Normalize() {
	if o.Limit <= 0 {
		o.Limit = 50
	}
	if o.Limit > 500 {
		o.Limit = 500
	}
	if o.MinQuality < 0 {
		o.MinQuality = 0
	}
}

// ScopeCount is one row of per-scope statistics.
type ScopeCount struct {
	Scope    types.Scope `json:"scope"`
	Facts    int         `json:"facts"`
	Episodes int         `json:"episodes"`
}

// StoreStats summarises the contents of a store.
type StoreStats struct {
	TotalFacts    int          `json:"total_facts"`
	TotalEpisodes int          `json:"total_episodes"`
	TotalAudit    int          `json:"total_audit"`
	ByScope       []ScopeCount `json:"by_scope"`
}
