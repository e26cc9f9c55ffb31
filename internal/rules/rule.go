// Package rules holds the active moderation rule set: literal keywords matched
// as case-folded substrings and case-insensitive regular expressions.
package rules

import (
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// PatternPrefix marks a rule-file line as a regular expression rather than a literal.
const PatternPrefix = "regex:"

// Kind distinguishes literal rules from pattern rules.
type Kind int

const (
	KindLiteral Kind = iota
	KindPattern
)

func (k Kind) String() string {
	if k == KindPattern {
		return "pattern"
	}
	return "literal"
}

// Rule is an immutable comparison unit.
type Rule struct {
	Kind Kind
	// Text is the case-folded keyword for literals and the pattern source for patterns.
	Text string
	re   *regexp.Regexp
}

// Literal builds a literal rule from raw keyword text.
func Literal(text string) Rule {
	return Rule{Kind: KindLiteral, Text: Fold(strings.TrimSpace(text))}
}

// Pattern compiles src as a case-insensitive, unanchored regular expression.
func Pattern(src string) (Rule, error) {
	src = strings.TrimSpace(src)
	re, err := regexp.Compile("(?i)" + src)
	if err != nil {
		return Rule{}, &InvalidPatternError{Pattern: src, Err: err}
	}
	return Rule{Kind: KindPattern, Text: src, re: re}, nil
}

// Parse interprets a single user-supplied rule, honouring PatternPrefix.
func Parse(text string) (Rule, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, PatternPrefix) {
		return Pattern(strings.TrimPrefix(text, PatternPrefix))
	}
	if text == "" {
		return Rule{}, ErrEmptyRule
	}
	return Literal(text), nil
}

// Matches reports whether variant violates this rule. Literals expect a
// Fold variant and patterns a Lower variant.
func (r Rule) Matches(variant string) bool {
	if r.Kind == KindPattern {
		return r.re != nil && r.re.MatchString(variant)
	}
	return r.Text != "" && strings.Contains(variant, r.Text)
}

// String returns the rule as written in the rules file. It doubles as the
// descriptor recorded in violation records.
func (r Rule) String() string {
	if r.Kind == KindPattern {
		return PatternPrefix + r.Text
	}
	return r.Text
}

// Fold returns the NFC, case-folded form of s that literals are compared in.
// A new Caser is built per call since Casers are not safe for concurrent use.
func Fold(s string) string {
	return cases.Fold().String(norm.NFC.String(s))
}

// Lower returns the NFC, lower-cased form of s that patterns are searched in.
// Patterns compile with (?i), which only applies simple folding, so text must
// keep characters such as ß that full folding would expand.
func Lower(s string) string {
	return strings.ToLower(norm.NFC.String(s))
}

// Set is an immutable snapshot of the active rules.
type Set struct {
	literals []Rule
	patterns []Rule
}

// NewSet builds a snapshot. Duplicate literals are collapsed and literals are
// sorted so evaluation order is stable for a given set.
func NewSet(literals []Rule, patterns []Rule) *Set {
	seen := make(map[string]struct{}, len(literals))
	lits := make([]Rule, 0, len(literals))
	for _, r := range literals {
		if r.Text == "" {
			continue
		}
		if _, ok := seen[r.Text]; ok {
			continue
		}
		seen[r.Text] = struct{}{}
		lits = append(lits, r)
	}
	sort.Slice(lits, func(i, j int) bool { return lits[i].Text < lits[j].Text })

	pats := make([]Rule, len(patterns))
	copy(pats, patterns)
	return &Set{literals: lits, patterns: pats}
}

// Literals returns the literal rules in sorted order. The slice must not be modified.
func (s *Set) Literals() []Rule { return s.literals }

// Patterns returns the pattern rules in file order. The slice must not be modified.
func (s *Set) Patterns() []Rule { return s.patterns }

// Len returns the total number of rules.
func (s *Set) Len() int { return len(s.literals) + len(s.patterns) }

// Find returns the rule equivalent to r, if present.
func (s *Set) Find(r Rule) (Rule, bool) {
	list := s.literals
	if r.Kind == KindPattern {
		list = s.patterns
	}
	for _, have := range list {
		if have.Text == r.Text {
			return have, true
		}
	}
	return Rule{}, false
}

func (s *Set) with(r Rule) *Set {
	if r.Kind == KindPattern {
		return NewSet(s.literals, append(append([]Rule{}, s.patterns...), r))
	}
	return NewSet(append(append([]Rule{}, s.literals...), r), s.patterns)
}

func (s *Set) without(r Rule) *Set {
	drop := func(list []Rule) []Rule {
		out := make([]Rule, 0, len(list))
		for _, have := range list {
			if have.Text != r.Text {
				out = append(out, have)
			}
		}
		return out
	}
	if r.Kind == KindPattern {
		return NewSet(s.literals, drop(s.patterns))
	}
	return NewSet(drop(s.literals), s.patterns)
}
