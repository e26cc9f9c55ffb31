package rules

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

const fileHeader = `# Sensitive keyword list
# One keyword per line; lines starting with # are comments.
# Lines starting with regex: are regular expressions.

`

// LoadReport summarises a parse of a rules file.
type LoadReport struct {
	Literals int
	Patterns int
	Invalid  []*InvalidPatternError
}

// ParseFile reads rules from r. Malformed patterns are skipped and reported;
// only an I/O error aborts the parse.
func ParseFile(r io.Reader) (*Set, LoadReport, error) {
	var (
		lits   []Rule
		pats   []Rule
		report LoadReport
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, PatternPrefix) {
			rule, err := Pattern(strings.TrimPrefix(line, PatternPrefix))
			if err != nil {
				ipe := err.(*InvalidPatternError)
				ipe.Line = lineNo
				report.Invalid = append(report.Invalid, ipe)
				continue
			}
			pats = append(pats, rule)
			continue
		}
		lits = append(lits, Literal(line))
	}
	if err := sc.Err(); err != nil {
		return nil, report, err
	}
	set := NewSet(lits, pats)
	report.Literals = len(set.Literals())
	report.Patterns = len(set.Patterns())
	return set, report, nil
}

// Format renders s in the rules file format: header, patterns, then sorted literals.
func Format(s *Set) []byte {
	var buf bytes.Buffer
	buf.WriteString(fileHeader)
	for _, p := range s.Patterns() {
		buf.WriteString(p.String())
		buf.WriteByte('\n')
	}
	for _, l := range s.Literals() {
		buf.WriteString(l.String())
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
