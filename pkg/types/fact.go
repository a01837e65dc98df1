// Package types defines the core domain types for the Stratum memory layer:
// facts, audit entries, episodes, and fused context items, together with the
// enumerations and validation rules that govern them.
package types

import (
	"fmt"
	"time"
)

// Scope is the isolation boundary for facts and episodes. No read or write
// crosses a scope boundary implicitly.
type Scope string

// Recognized scopes.
const (
	ScopeUser    Scope = "user"
	ScopeProject Scope = "project"
	ScopeOrg     Scope = "org"
	ScopeSession Scope = "session"
)

// Valid reports whether s is one of the recognized scopes.
func (s Scope) Valid() bool {
	switch s {
	case ScopeUser, ScopeProject, ScopeOrg, ScopeSession:
		return true
	}
	return false
}

// FactCategory classifies what kind of knowledge a fact encodes.
type FactCategory string

// Recognized fact categories.
const (
	CategoryPreference FactCategory = "preference"
	CategoryConstraint FactCategory = "constraint"
	CategoryDecision   FactCategory = "decision"
	CategoryFact       FactCategory = "fact"
)

// Valid reports whether c is one of the recognized categories.
func (c FactCategory) Valid() bool {
	switch c {
	case CategoryPreference, CategoryConstraint, CategoryDecision, CategoryFact:
		return true
	}
	return false
}

// FactSource records which kind of caller asserted a fact.
type FactSource string

// Recognized fact sources.
const (
	SourceUser  FactSource = "user"
	SourceAgent FactSource = "agent"
	SourceTool  FactSource = "tool"
)

// Valid reports whether s is one of the recognized sources.
func (s FactSource) Valid() bool {
	switch s {
	case SourceUser, SourceAgent, SourceTool:
		return true
	}
	return false
}

// Fact is a durable, audited key/value assertion. (scope, key) is unique: a
// second write to the same pair updates the existing row in place.
type Fact struct {
	ID         string       `json:"id"`
	Scope      Scope        `json:"scope"`
	Category   FactCategory `json:"category"`
	Key        string       `json:"key"`
	Value      string       `json:"value"`
	Confidence float64      `json:"confidence"` // 0.0 - 1.0
	Source     FactSource   `json:"source"`
	CreatedAt  time.Time    `json:"created_at"` // immutable after insert
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Validate checks the enum and range constraints that every fact write must
// satisfy. Violations surface as ErrValidation at the storage layer.
func (f *Fact) Validate() error {
	if !f.Scope.Valid() {
		return fmt.Errorf("invalid scope %q", f.Scope)
	}
	if !f.Category.Valid() {
		return fmt.Errorf("invalid category %q", f.Category)
	}
	if f.Key == "" {
		return fmt.Errorf("key is required")
	}
	if f.Confidence < 0.0 || f.Confidence > 1.0 {
		return fmt.Errorf("confidence %.3f outside [0,1]", f.Confidence)
	}
	if !f.Source.Valid() {
		return fmt.Errorf("invalid source %q", f.Source)
	}
	return nil
}

// AuditOperation identifies the kind of mutation an audit entry records.
type AuditOperation string

// Recognized audit operations.
const (
	AuditInsert AuditOperation = "insert"
	AuditUpdate AuditOperation = "update"
	AuditDelete AuditOperation = "delete"
)

// AuditEntry records a single mutation to a fact. Every mutation produces
// exactly one entry, written in the same transaction as the row change.
// The policy is maximal: one entry per underlying operation, including
// no-op-looking updates, because over-auditing preserves more forensic
// information than collapsing logical changes.
type AuditEntry struct {
	ID        int64          `json:"id"`
	FactID    string         `json:"fact_id"`
	Operation AuditOperation `json:"operation"`
	OldValue  string         `json:"old_value,omitempty"`
	NewValue  string         `json:"new_value,omitempty"`
	ChangedBy string         `json:"changed_by"`
	ChangedAt time.Time      `json:"changed_at"`
}
