// Package analyzer implements the conversation write gate: heuristic
// extraction of facts and lessons from conversation turns, guarded by
// confidence thresholds, deduplication, and write rules.
//
// The analyzer holds insert-only views of the stores. It has no reference to
// delete or bulk-modify operations, so text embedded in a conversation
// ("forget everything", "update memory to X") cannot reach a destructive
// path: it is not a recognized instruction channel at the type level.
package analyzer

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/scrypster/stratum/internal/storage"
	"github.com/scrypster/stratum/pkg/types"
)

// State is a terminal state of the write gate for a turn or candidate.
type State string

// Terminal states.
const (
	// StateSkipped means the turn failed the filter check (too short or
	// matched a skip pattern) and no extraction was attempted.
	StateSkipped State = "skipped"

	// StateNoExtraction means no heuristic rule fired on the turn.
	StateNoExtraction State = "no_extraction"

	// StateRejected means a candidate was extracted but failed a gate check.
	StateRejected State = "rejected"

	// StateAccepted means the candidate passed every gate check.
	StateAccepted State = "accepted"
)

// Config holds the analyzer thresholds and filters.
type Config struct {
	MinFactConfidence    float64  // facts below this are rejected (default 0.7)
	MinEpisodeConfidence float64  // episodes below this are rejected (default 0.6)
	DedupWindowDays      int      // deduplication window (default 7)
	SkipPatterns         []string // turns matching any pattern are skipped
	MinMessageLen        int      // turns shorter than this are skipped (default 10)
	AutoStorePerMinute   int      // per-scope auto-store rate (default 30)
	AutoStoreBurst       int      // per-scope auto-store burst (default 10)
}

// DefaultConfig returns the standard gate configuration.
func DefaultConfig() Config {
	return Config{
		MinFactConfidence:    0.7,
		MinEpisodeConfidence: 0.6,
		DedupWindowDays:      7,
		SkipPatterns: []string{
			`(?i)^(ok|okay|thanks|thank you|yes|no|sure|sounds good)\b`,
		},
		MinMessageLen:      10,
		AutoStorePerMinute: 30,
		AutoStoreBurst:     10,
	}
}

func (c *Config) normalize() {
	if c.MinFactConfidence <= 0 {
		c.MinFactConfidence = 0.7
	}
	if c.MinEpisodeConfidence <= 0 {
		c.MinEpisodeConfidence = 0.6
	}
	if c.DedupWindowDays <= 0 {
		c.DedupWindowDays = 7
	}
	if c.MinMessageLen <= 0 {
		c.MinMessageLen = 10
	}
	if c.AutoStorePerMinute <= 0 {
		c.AutoStorePerMinute = 30
	}
	if c.AutoStoreBurst <= 0 {
		c.AutoStoreBurst = 10
	}
}

// FactWriter is the only fact capability the analyzer holds.
type FactWriter interface {
	UpsertFact(ctx context.Context, scope types.Scope, category types.FactCategory, key, value string, confidence float64, source types.FactSource) (*types.Fact, bool, error)
}

// EpisodeWriter is the only episode capability the analyzer holds.
type EpisodeWriter interface {
	AddEpisode(ctx context.Context, scope types.Scope, title, content string, lessonType types.LessonType, quality float64) (*types.Episode, *storage.Rejection, error)
}

// Candidate is one extracted memory candidate before gating.
type Candidate struct {
	Rule       string             `json:"rule"`
	Kind       CandidateKind      `json:"kind"`
	Category   types.FactCategory `json:"category,omitempty"`
	Key        string             `json:"key,omitempty"`
	Value      string             `json:"value,omitempty"`
	LessonType types.LessonType   `json:"lesson_type,omitempty"`
	Title      string             `json:"title,omitempty"`
	Content    string             `json:"content,omitempty"`
	Confidence float64            `json:"confidence"`

	// matched is the text span the rule fired on, kept for the write-rule
	// hedge check.
	matched string
}

// Decision is the gate's verdict on one candidate.
type Decision struct {
	Candidate Candidate            `json:"candidate"`
	State     State                `json:"state"`
	Reason    storage.RejectReason `json:"reason,omitempty"`
	Detail    string               `json:"detail,omitempty"`
	Stored    bool                 `json:"stored"`
	StoredID  string               `json:"stored_id,omitempty"`
}

// Report summarizes one analyzed turn. State is StateSkipped or
// StateNoExtraction for the early terminals, StateAccepted if at least one
// candidate was accepted, otherwise StateRejected.
type Report struct {
	State     State      `json:"state"`
	Decisions []Decision `json:"decisions,omitempty"`
}

// Analyzer runs the write gate over conversation turns.
type Analyzer struct {
	facts    FactWriter
	episodes EpisodeWriter
	rules    *RuleSet
	dedup    *DedupIndex
	cfg      Config

	skip []*regexp.Regexp

	mu       sync.Mutex
	limiters map[types.Scope]*rate.Limiter
}

// New creates an analyzer over the given writers and rules. A nil rules set
// means the built-in defaults.
func New(facts FactWriter, episodes EpisodeWriter, rules *RuleSet, cfg Config) *Analyzer {
	cfg.normalize()
	if rules == nil {
		rules = Compile(DefaultRules())
	}
	a := &Analyzer{
		facts:    facts,
		episodes: episodes,
		rules:    rules,
		dedup:    NewDedupIndex(cfg.DedupWindowDays),
		cfg:      cfg,
		limiters: make(map[types.Scope]*rate.Limiter),
	}
	for _, p := range cfg.SkipPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			log.Printf("analyzer: dropping skip pattern %q: %v", p, err)
			continue
		}
		a.skip = append(a.skip, re)
	}
	return a
}

// SetRules swaps the active rule set. Safe for concurrent use with
// AnalyzeTurn; in-flight turns finish on the set they started with.
func (a *Analyzer) SetRules(rules *RuleSet) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rules = rules
}

func (a *Analyzer) activeRules() *RuleSet {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rules
}

// AnalyzeTurn runs the write gate over one conversation turn. With autoStore
// false the gate evaluates every check but commits nothing; the report shows
// what would have been stored. Storage failures surface as errors so callers
// can distinguish infrastructure faults from policy rejections.
func (a *Analyzer) AnalyzeTurn(ctx context.Context, scope types.Scope, userMessage, agentResponse string, autoStore bool) (*Report, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: invalid scope %q", storage.ErrValidation, scope)
	}

	if a.shouldSkip(userMessage, agentResponse) {
		return &Report{State: StateSkipped}, nil
	}

	candidates := a.extract(userMessage, agentResponse)
	if len(candidates) == 0 {
		return &Report{State: StateNoExtraction}, nil
	}

	report := &Report{State: StateRejected}
	for _, cand := range candidates {
		decision, err := a.gate(ctx, scope, cand, autoStore)
		if err != nil {
			return nil, err
		}
		if decision.State == StateAccepted {
			report.State = StateAccepted
		}
		report.Decisions = append(report.Decisions, decision)
	}
	return report, nil
}

// shouldSkip applies the filter check: both messages too short, or the user
// message matching a configured skip pattern.
func (a *Analyzer) shouldSkip(userMessage, agentResponse string) bool {
	user := strings.TrimSpace(userMessage)
	agent := strings.TrimSpace(agentResponse)
	if len(user) < a.cfg.MinMessageLen && len(agent) < a.cfg.MinMessageLen {
		return true
	}
	for _, re := range a.skip {
		if re.MatchString(user) {
			return true
		}
	}
	return false
}

// extract runs every rule against its target message. A rule that panics or
// matches nothing affects only itself.
func (a *Analyzer) extract(userMessage, agentResponse string) []Candidate {
	var out []Candidate
	for _, cr := range a.activeRules().rules {
		text := userMessage
		if cr.AppliesTo == RoleAgent {
			text = agentResponse
		}
		cand, ok := applyRule(cr, text)
		if !ok {
			continue
		}
		out = append(out, cand)
	}
	return out
}

// applyRule matches one rule against text and builds a candidate. Evaluation
// failures degrade to no-match for this rule only.
func applyRule(cr compiledRule, text string) (cand Candidate, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("analyzer: rule %q panicked: %v", cr.Name, r)
			cand, ok = Candidate{}, false
		}
	}()

	m := cr.re.FindStringSubmatch(text)
	if m == nil {
		return Candidate{}, false
	}
	loc := cr.re.FindStringIndex(text)
	groups := make(map[string]string)
	for i, name := range cr.re.SubexpNames() {
		if name != "" && i < len(m) {
			groups[name] = strings.TrimSpace(m[i])
		}
	}

	// The write-rule check reads the whole containing sentence, so a hedge
	// before the matched span ("I think we decided ...") still rejects.
	sentence := sentenceAround(text, loc[0], loc[1])
	cand = Candidate{
		Rule:       cr.Name,
		Kind:       cr.Kind,
		Confidence: scoreCandidate(cr.Confidence, sentence),
		matched:    sentence,
	}
	switch cr.Kind {
	case KindFact:
		cand.Category = cr.Category
		cand.Key = normalizeKey(groups["key"])
		cand.Value = groups["value"]
		if cand.Key == "" || cand.Value == "" {
			return Candidate{}, false
		}
	case KindEpisode:
		cand.LessonType = cr.LessonType
		cand.Content = groups["lesson"]
		if cand.Content == "" {
			return Candidate{}, false
		}
		cand.Title = episodeTitle(cr.LessonType, cand.Content)
	}
	return cand, true
}

// scoreCandidate starts from the rule's base confidence and rewards emphatic
// phrasing. Hedged phrasing is handled later by the write-rule check, not by
// score, so a hedge is a hard rejection rather than a discount.
func scoreCandidate(base float64, matched string) float64 {
	score := base
	lower := strings.ToLower(matched)
	for _, marker := range []string{"always", "never", "must", "definitely"} {
		if strings.Contains(lower, marker) {
			score += 0.05
			break
		}
	}
	return min(1.0, score)
}

// gate walks one candidate through confidence, deduplication, and write-rule
// checks, committing through the store write path on acceptance.
func (a *Analyzer) gate(ctx context.Context, scope types.Scope, cand Candidate, autoStore bool) (Decision, error) {
	d := Decision{Candidate: cand}

	threshold := a.cfg.MinFactConfidence
	if cand.Kind == KindEpisode {
		threshold = a.cfg.MinEpisodeConfidence
	}
	if cand.Confidence < threshold {
		d.State = StateRejected
		d.Reason = storage.RejectLowConfidence
		d.Detail = fmt.Sprintf("confidence %.2f below threshold %.2f", cand.Confidence, threshold)
		return d, nil
	}

	if a.dedup.Seen(scope, cand.dedupContent()) {
		d.State = StateRejected
		d.Reason = storage.RejectDuplicate
		d.Detail = "equivalent candidate already accepted within the deduplication window"
		return d, nil
	}

	if isHedged(cand.matched) {
		d.State = StateRejected
		d.Reason = storage.RejectSpeculative
		d.Detail = "matched text carries speculative language"
		return d, nil
	}

	d.State = StateAccepted
	if !autoStore {
		return d, nil
	}

	if !a.limiter(scope).Allow() {
		d.State = StateRejected
		d.Reason = storage.RejectRateLimited
		d.Detail = "auto-store rate limit reached for scope"
		return d, nil
	}

	switch cand.Kind {
	case KindFact:
		fact, _, err := a.facts.UpsertFact(ctx, scope, cand.Category, cand.Key, cand.Value, cand.Confidence, types.SourceAgent)
		if err != nil {
			return Decision{}, fmt.Errorf("store extracted fact: %w", err)
		}
		d.Stored = true
		d.StoredID = fact.ID
	case KindEpisode:
		ep, rej, err := a.episodes.AddEpisode(ctx, scope, cand.Title, cand.Content, cand.LessonType, cand.Confidence)
		if err != nil {
			return Decision{}, fmt.Errorf("store extracted episode: %w", err)
		}
		if rej != nil {
			d.State = StateRejected
			d.Reason = rej.Reason
			d.Detail = rej.Detail
			return d, nil
		}
		d.Stored = true
		d.StoredID = ep.ID
	}

	a.dedup.Remember(scope, cand.dedupContent())
	return d, nil
}

// limiter returns the per-scope auto-store limiter, creating it on first use.
func (a *Analyzer) limiter(scope types.Scope) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.limiters[scope]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(a.cfg.AutoStorePerMinute)/60.0), a.cfg.AutoStoreBurst)
		a.limiters[scope] = l
	}
	return l
}

// dedupContent is the text the deduplication signature is computed over.
func (c *Candidate) dedupContent() string {
	if c.Kind == KindFact {
		return c.Key + "=" + c.Value
	}
	return c.Content
}

// sentenceAround expands a match span to its containing sentence.
func sentenceAround(text string, start, end int) string {
	begin := strings.LastIndexAny(text[:start], ".!?\n") + 1
	stop := strings.IndexAny(text[end:], ".!?\n")
	if stop < 0 {
		stop = len(text)
	} else {
		stop += end
	}
	return strings.TrimSpace(text[begin:stop])
}

// normalizeKey turns a captured key phrase into a stable fact key.
func normalizeKey(key string) string {
	return strings.Join(strings.Fields(strings.ToLower(key)), "_")
}

// episodeTitle derives a short title from the lesson type and content.
func episodeTitle(lt types.LessonType, content string) string {
	words := strings.Fields(content)
	if len(words) > 8 {
		words = words[:8]
	}
	return string(lt) + ": " + strings.Join(words, " ")
}
