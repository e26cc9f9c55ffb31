package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"github.com/sweepmonk/sweepmonk/internal/metrics"
)

// Store owns the active rule Set and its backing file.
//
// Readers call Snapshot and never block. Reload, Add and Remove are serialized
// by a writer mutex, build a fresh Set and publish it with a single atomic swap,
// so a concurrent match sees either the old set or the new one in full.
type Store struct {
	path  string
	cur   atomic.Pointer[Set]
	mu    sync.Mutex
	write func(path string, data []byte) error
	log   zerolog.Logger
}

// NewStore returns a Store with an empty active set bound to path.
func NewStore(path string, log zerolog.Logger) *Store {
	s := &Store{
		path: path,
		log:  log.With().Str("component", "rules").Logger(),
		write: func(p string, data []byte) error {
			return renameio.WriteFile(p, data, 0o644)
		},
	}
	s.cur.Store(NewSet(nil, nil))
	return s
}

// Open creates a Store and loads path into it.
func Open(path string, log zerolog.Logger) (*Store, LoadReport, error) {
	s := NewStore(path, log)
	report, err := s.Reload()
	if err != nil {
		return nil, report, err
	}
	return s, report, nil
}

// Path returns the backing rules file.
func (s *Store) Path() string { return s.path }

// Snapshot returns the active rule set.
func (s *Store) Snapshot() *Set { return s.cur.Load() }

// Reload re-reads the rules file and swaps in the result. A missing file
// yields an empty set. Malformed patterns are logged and skipped.
func (s *Store) Reload() (LoadReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.log.Warn().Str("path", s.path).Msg("rules file not found, using empty rule set")
		s.publish(NewSet(nil, nil))
		return LoadReport{}, nil
	}
	if err != nil {
		return LoadReport{}, &StoreError{Op: "read", Path: s.path, Err: err}
	}

	set, report, err := ParseFile(bytes.NewReader(data))
	if err != nil {
		return report, &StoreError{Op: "parse", Path: s.path, Err: err}
	}
	for _, ipe := range report.Invalid {
		s.log.Warn().Err(ipe.Err).Int("line", ipe.Line).Str("pattern", ipe.Pattern).
			Msg("skipping invalid pattern")
		metrics.RulesInvalid.Inc()
	}
	s.publish(set)
	s.log.Info().Int("literals", report.Literals).Int("patterns", report.Patterns).
		Int("invalid", len(report.Invalid)).Msg("rules loaded")
	return report, nil
}

// Add inserts a rule. Text prefixed with "regex:" becomes a pattern rule.
func (s *Store) Add(text string) (Rule, error) {
	rule, err := Parse(text)
	if err != nil {
		return Rule{}, err
	}
	if rule.Kind == KindLiteral && strings.HasPrefix(rule.Text, "#") {
		return Rule{}, fmt.Errorf("literal %q would be read back as a comment", rule.Text)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.Snapshot()
	if _, ok := cur.Find(rule); ok {
		return Rule{}, ErrDuplicateRule
	}
	if err := s.commit(cur.with(rule)); err != nil {
		return Rule{}, err
	}
	s.log.Info().Str("rule", rule.String()).Msg("rule added")
	return rule, nil
}

// Remove deletes the rule equivalent to text.
func (s *Store) Remove(text string) (Rule, error) {
	text = strings.TrimSpace(text)
	var probe Rule
	if strings.HasPrefix(text, PatternPrefix) {
		probe = Rule{Kind: KindPattern, Text: strings.TrimSpace(strings.TrimPrefix(text, PatternPrefix))}
	} else {
		probe = Literal(text)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.Snapshot()
	rule, ok := cur.Find(probe)
	if !ok {
		return Rule{}, ErrRuleNotFound
	}
	if err := s.commit(cur.without(rule)); err != nil {
		return Rule{}, err
	}
	s.log.Info().Str("rule", rule.String()).Msg("rule removed")
	return rule, nil
}

// commit persists next and publishes it only after the write succeeded.
// Callers hold s.mu.
func (s *Store) commit(next *Set) error {
	if err := s.write(s.path, Format(next)); err != nil {
		return &StoreError{Op: "write", Path: s.path, Err: err}
	}
	s.publish(next)
	return nil
}

func (s *Store) publish(set *Set) {
	s.cur.Store(set)
	metrics.RulesLoaded.WithLabelValues(KindLiteral.String()).Set(float64(len(set.Literals())))
	metrics.RulesLoaded.WithLabelValues(KindPattern.String()).Set(float64(len(set.Patterns())))
}
