package rules

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateRule is returned by Add when an equivalent rule already exists.
	ErrDuplicateRule = errors.New("rule already exists")
	// ErrRuleNotFound is returned by Remove when no equivalent rule exists.
	ErrRuleNotFound = errors.New("rule not found")
	// ErrEmptyRule is returned when a rule has no text.
	ErrEmptyRule = errors.New("rule text is empty")
)

// InvalidPatternError reports a regular expression that failed to compile.
type InvalidPatternError struct {
	Line    int // 0 when the pattern did not come from a file
	Pattern string
	Err     error
}

func (e *InvalidPatternError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("invalid pattern %q on line %d: %v", e.Pattern, e.Line, e.Err)
	}
	return fmt.Sprintf("invalid pattern %q: %v", e.Pattern, e.Err)
}

func (e *InvalidPatternError) Unwrap() error { return e.Err }

// StoreError reports a failure reading or writing the rules file.
type StoreError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("rules %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
