// Package matcher decides whether a message violates the active rule set under
// script normalization.
package matcher

import (
	"strings"

	"github.com/rs/zerolog"
	"github.com/sweepmonk/sweepmonk/internal/metrics"
	"github.com/sweepmonk/sweepmonk/internal/rules"
)

// RuleSource yields the active rule snapshot. *rules.Store satisfies it.
type RuleSource interface {
	Snapshot() *rules.Set
}

// Matcher evaluates message text against a RuleSource.
type Matcher struct {
	src   RuleSource
	convs []Converter
	log   zerolog.Logger
}

// New returns a Matcher. With no converters only the folded original text is
// compared.
func New(src RuleSource, log zerolog.Logger, convs ...Converter) *Matcher {
	l := log.With().Str("component", "matcher").Logger()
	if len(convs) == 0 {
		l.Warn().Msg("script conversion disabled, matching the original text only")
	}
	return &Matcher{src: src, convs: convs, log: l}
}

// Evaluate returns the first rule text violates. Literals are checked across
// every variant before any pattern is tried.
func (m *Matcher) Evaluate(text string) (rules.Rule, bool) {
	if strings.TrimSpace(text) == "" {
		return rules.Rule{}, false
	}
	rule, ok := Evaluate(m.src.Snapshot(), Normalize(text, m.convs...))
	if !ok {
		metrics.MessagesEvaluated.WithLabelValues("clean").Inc()
		return rules.Rule{}, false
	}
	metrics.MessagesEvaluated.WithLabelValues("violation").Inc()
	metrics.RuleMatches.WithLabelValues(rule.Kind.String()).Inc()
	m.log.Debug().Str("rule", rule.String()).Msg("rule matched")
	return rule, true
}

// Evaluate is the pure matching step over precomputed forms.
func Evaluate(set *rules.Set, forms Forms) (rules.Rule, bool) {
	for _, v := range forms.Folded {
		for _, lit := range set.Literals() {
			if lit.Matches(v) {
				return lit, true
			}
		}
	}
	for _, p := range set.Patterns() {
		for _, v := range forms.Lowered {
			if p.Matches(v) {
				return p, true
			}
		}
	}
	return rules.Rule{}, false
}
