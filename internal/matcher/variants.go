package matcher

import (
	"github.com/sweepmonk/sweepmonk/internal/rules"
)

// Converter rewrites text into another script form, e.g. Traditional to
// Simplified Chinese.
type Converter interface {
	Name() string
	Convert(text string) (string, error)
}

// Forms holds the normalized variants of one message. Folded feeds the
// literal pass and Lowered the pattern pass; both list the original first.
type Forms struct {
	Folded  []string
	Lowered []string
}

// Normalize converts text once per converter and returns both comparison
// forms of every result. A failing converter contributes no variant.
func Normalize(text string, convs ...Converter) Forms {
	f := Forms{
		Folded:  []string{rules.Fold(text)},
		Lowered: []string{rules.Lower(text)},
	}
	for _, c := range convs {
		if c == nil {
			continue
		}
		converted, err := c.Convert(text)
		if err != nil {
			continue
		}
		f.Folded = appendNew(f.Folded, rules.Fold(converted))
		f.Lowered = appendNew(f.Lowered, rules.Lower(converted))
	}
	return f
}

// Variants returns the case-folded forms of text that literals are compared
// against. The folded original is always first; each converter output follows
// in order, deduplicated.
func Variants(text string, convs ...Converter) []string {
	return Normalize(text, convs...).Folded
}

func appendNew(list []string, s string) []string {
	for _, have := range list {
		if have == s {
			return list
		}
	}
	return append(list, s)
}
