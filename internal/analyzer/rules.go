package analyzer

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/scrypster/stratum/pkg/types"
)

// CandidateKind distinguishes what a rule extracts.
type CandidateKind string

// Recognized candidate kinds.
const (
	KindFact    CandidateKind = "fact"
	KindEpisode CandidateKind = "episode"
)

// MessageRole selects which side of the turn a rule reads.
type MessageRole string

// Recognized message roles.
const (
	RoleUser  MessageRole = "user"
	RoleAgent MessageRole = "agent"
)

// Rule is one named extraction heuristic. Fact rules need a pattern with
// `key` and `value` capture groups; episode rules need a `lesson` group.
type Rule struct {
	Name       string             `yaml:"name"`
	Kind       CandidateKind      `yaml:"kind"`
	AppliesTo  MessageRole        `yaml:"applies_to"`
	Pattern    string             `yaml:"pattern"`
	Category   types.FactCategory `yaml:"category,omitempty"`
	LessonType types.LessonType   `yaml:"lesson_type,omitempty"`
	Confidence float64            `yaml:"confidence"`
}

// compiledRule pairs a rule with its compiled pattern.
type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// RuleSet holds the compiled extraction rules for one analyzer instance.
// Rules that fail validation or compilation are dropped individually at load
// time; a bad rule never prevents the rest from running.
type RuleSet struct {
	rules []compiledRule
}

// rulesFile is the on-disk YAML shape.
type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// Compile validates and compiles rules into a RuleSet. Invalid rules are
// logged and skipped.
func Compile(rules []Rule) *RuleSet {
	rs := &RuleSet{}
	for _, r := range rules {
		cr, err := compileRule(r)
		if err != nil {
			log.Printf("analyzer: dropping rule %q: %v", r.Name, err)
			continue
		}
		rs.rules = append(rs.rules, cr)
	}
	return rs
}

// LoadRules reads a YAML rules file and compiles it.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("rules file %s contains no rules", path)
	}
	return Compile(f.Rules), nil
}

func compileRule(r Rule) (compiledRule, error) {
	if r.Name == "" {
		return compiledRule{}, fmt.Errorf("rule has no name")
	}
	if r.Kind != KindFact && r.Kind != KindEpisode {
		return compiledRule{}, fmt.Errorf("unknown kind %q", r.Kind)
	}
	if r.AppliesTo != RoleUser && r.AppliesTo != RoleAgent {
		return compiledRule{}, fmt.Errorf("unknown applies_to %q", r.AppliesTo)
	}
	if r.Confidence <= 0 || r.Confidence > 1 {
		return compiledRule{}, fmt.Errorf("confidence %.2f out of range", r.Confidence)
	}
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return compiledRule{}, fmt.Errorf("compile pattern: %w", err)
	}
	switch r.Kind {
	case KindFact:
		if !r.Category.Valid() {
			return compiledRule{}, fmt.Errorf("invalid category %q", r.Category)
		}
		if !hasGroups(re, "key", "value") {
			return compiledRule{}, fmt.Errorf("fact pattern needs key and value groups")
		}
	case KindEpisode:
		if !r.LessonType.Valid() {
			return compiledRule{}, fmt.Errorf("invalid lesson_type %q", r.LessonType)
		}
		if !hasGroups(re, "lesson") {
			return compiledRule{}, fmt.Errorf("episode pattern needs a lesson group")
		}
	}
	return compiledRule{Rule: r, re: re}, nil
}

func hasGroups(re *regexp.Regexp, names ...string) bool {
	have := make(map[string]bool)
	for _, n := range re.SubexpNames() {
		have[n] = true
	}
	for _, n := range names {
		if !have[n] {
			return false
		}
	}
	return true
}

// DefaultRules returns the built-in extraction rules. Every rule requires an
// explicit intent marker (a first-person statement of preference, decision,
// or constraint) so that passing mentions do not produce candidates.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:       "user-preference",
			Kind:       KindFact,
			AppliesTo:  RoleUser,
			Category:   types.CategoryPreference,
			Pattern:    `(?i)\bi (?:prefer|always use|like to use) (?P<value>[\w.+/ -]+?) for (?P<key>[\w -]+)`,
			Confidence: 0.8,
		},
		{
			Name:       "team-decision",
			Kind:       KindFact,
			AppliesTo:  RoleUser,
			Category:   types.CategoryDecision,
			Pattern:    `(?i)\b(?:we|i)(?:'ve| have)? (?:decided|agreed) (?:to use|on) (?P<value>[\w.+/ -]+?) for (?P<key>[\w -]+)`,
			Confidence: 0.85,
		},
		{
			Name:       "hard-constraint",
			Kind:       KindFact,
			AppliesTo:  RoleUser,
			Category:   types.CategoryConstraint,
			Pattern:    `(?i)\b(?P<key>[\w -]+?) must (?:be|use|stay under) (?P<value>[\w.+/ -]+)`,
			Confidence: 0.75,
		},
		{
			Name:       "stated-fact",
			Kind:       KindFact,
			AppliesTo:  RoleUser,
			Category:   types.CategoryFact,
			Pattern:    `(?i)\b(?:for the record|to be clear),? (?:the |our )?(?P<key>[\w -]+?) is (?P<value>[\w.+/ -]+)`,
			Confidence: 0.75,
		},
		{
			Name:       "failure-lesson",
			Kind:       KindEpisode,
			AppliesTo:  RoleAgent,
			LessonType: types.LessonFailure,
			Pattern:    `(?i)\b(?:failed|broke|did not work|didn't work) because (?P<lesson>[^.!?\n]+)`,
			Confidence: 0.7,
		},
		{
			Name:       "insight-lesson",
			Kind:       KindEpisode,
			AppliesTo:  RoleAgent,
			LessonType: types.LessonInsight,
			Pattern:    `(?i)\b(?:it turns out|turned out that|the root cause was) (?P<lesson>[^.!?\n]+)`,
			Confidence: 0.7,
		},
		{
			Name:       "workaround-lesson",
			Kind:       KindEpisode,
			AppliesTo:  RoleAgent,
			LessonType: types.LessonWorkaround,
			Pattern:    `(?i)\bworked around (?:it|this|the issue) by (?P<lesson>[^.!?\n]+)`,
			Confidence: 0.65,
		},
	}
}

// hedgeMarkers indicate speculative or ambiguous language. A candidate whose
// matched text carries one of these fails the write-rule check.
var hedgeMarkers = []string{
	"maybe", "might", "perhaps", "possibly", "probably",
	"i think", "i guess", "not sure", "could be", "i suppose",
	"we could", "we may want",
}

// isHedged reports whether text contains speculative language.
func isHedged(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range hedgeMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
