package matcher

import (
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sweepmonk/sweepmonk/internal/rules"
)

// mapConverter replaces runes according to a fixed table.
type mapConverter struct {
	name  string
	table map[rune]rune
	err   error
}

func (c mapConverter) Name() string { return c.name }

func (c mapConverter) Convert(text string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return strings.Map(func(r rune) rune {
		if to, ok := c.table[r]; ok {
			return to
		}
		return r
	}, text), nil
}

var t2s = mapConverter{name: "t2s", table: map[rune]rune{'費': '费', '發': '发', '幣': '币', '財': '财', '來': '来'}}
var s2t = mapConverter{name: "s2t", table: map[rune]rune{'费': '費', '发': '發', '币': '幣', '财': '財', '来': '來'}}

type staticSource struct{ set *rules.Set }

func (s staticSource) Snapshot() *rules.Set { return s.set }

func mustPattern(t *testing.T, src string) rules.Rule {
	t.Helper()
	r, err := rules.Pattern(src)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestVariantsOrderAndDedup(t *testing.T) {
	got := Variants("Free 發幣", t2s, s2t)
	want := []string{"free 發幣", "free 发币"}
	if len(got) != len(want) {
		t.Fatalf("Variants = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("variant %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestVariantsConverterErrorDropsOnlyThatVariant(t *testing.T) {
	broken := mapConverter{name: "broken", err: errors.New("boom")}
	got := Variants("發", broken, t2s)
	if len(got) != 2 || got[0] != "發" || got[1] != "发" {
		t.Fatalf("Variants = %q", got)
	}
}

func TestEvaluateScenarios(t *testing.T) {
	set := rules.NewSet(
		[]rules.Rule{rules.Literal("airdrop"), rules.Literal("免费")},
		[]rules.Rule{mustPattern(t, `\d{11}`)},
	)
	m := New(staticSource{set}, zerolog.Nop(), t2s, s2t)

	cases := []struct {
		name string
		text string
		want string
		hit  bool
	}{
		{"literal any case", "Claim your AIRDROP now", "airdrop", true},
		{"traditional text hits simplified literal", "免費領取", "免费", true},
		{"pattern", "call 13800138000", `regex:\d{11}`, true},
		{"clean", "hello there", "", false},
		{"empty", "", "", false},
		{"whitespace only", "  \n ", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, ok := m.Evaluate(tc.text)
			if ok != tc.hit {
				t.Fatalf("Evaluate(%q) hit = %v, want %v", tc.text, ok, tc.hit)
			}
			if ok && r.String() != tc.want {
				t.Errorf("Evaluate(%q) rule = %q, want %q", tc.text, r.String(), tc.want)
			}
		})
	}
}

func TestEvaluateLiteralsBeforePatterns(t *testing.T) {
	set := rules.NewSet(
		[]rules.Rule{rules.Literal("usdt")},
		[]rules.Rule{mustPattern(t, `free`)},
	)
	r, ok := Evaluate(set, Normalize("free usdt"))
	if !ok || r.Kind != rules.KindLiteral {
		t.Fatalf("expected the literal to win, got %v %v", r, ok)
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	set := rules.NewSet(
		[]rules.Rule{rules.Literal("zeta"), rules.Literal("alpha"), rules.Literal("mid")},
		nil,
	)
	m := New(staticSource{set}, zerolog.Nop())
	first, _ := m.Evaluate("zeta mid alpha")
	for i := 0; i < 100; i++ {
		r, ok := m.Evaluate("zeta mid alpha")
		if !ok || r.Text != first.Text {
			t.Fatalf("iteration %d returned %q, want %q", i, r.Text, first.Text)
		}
	}
}

// Any variant containing a literal must produce a verdict.
func TestVariantContainingLiteralAlwaysMatches(t *testing.T) {
	set := rules.NewSet([]rules.Rule{rules.Literal("發財")}, nil)
	texts := []string{"快來發財", "快来发财", "发财了", "發財"}
	for _, text := range texts {
		forms := Normalize(text, t2s, s2t)
		hit := false
		for _, v := range forms.Folded {
			if strings.Contains(v, "發財") {
				hit = true
			}
		}
		_, ok := Evaluate(set, forms)
		if hit && !ok {
			t.Errorf("%q: a variant contains the literal but no verdict was returned", text)
		}
	}
}

// A keyword stored in decomposed form still matches either encoding.
func TestEvaluateDecomposedLiteral(t *testing.T) {
	set := rules.NewSet([]rules.Rule{rules.Literal("cafe\u0301")}, nil)
	m := New(staticSource{set}, zerolog.Nop())
	for _, text := range []string{"meet at the cafe\u0301 now", "meet at the caf\u00e9 now", "CAFE\u0301"} {
		if _, ok := m.Evaluate(text); !ok {
			t.Errorf("Evaluate(%q): no verdict for the decomposed literal", text)
		}
	}
}

func TestEvaluatePatternsSeeUnexpandedText(t *testing.T) {
	set := rules.NewSet(nil, []rules.Rule{
		mustPattern(t, "straße"),
		mustPattern(t, "\ufb01nance"),
	})
	m := New(staticSource{set}, zerolog.Nop())

	cases := []struct {
		text string
		want string
	}{
		{"Straße frei", "regex:straße"},
		{"STRAßE", "regex:straße"},
		{"\ufb01nance scam", "regex:\ufb01nance"},
	}
	for _, tc := range cases {
		r, ok := m.Evaluate(tc.text)
		if !ok {
			t.Errorf("Evaluate(%q): no verdict", tc.text)
			continue
		}
		if r.String() != tc.want {
			t.Errorf("Evaluate(%q) rule = %q, want %q", tc.text, r.String(), tc.want)
		}
	}
}

func TestNormalizeForms(t *testing.T) {
	f := Normalize("Straße 發", t2s)
	if len(f.Folded) != 2 || f.Folded[0] != "strasse 發" || f.Folded[1] != "strasse 发" {
		t.Errorf("Folded = %q", f.Folded)
	}
	if len(f.Lowered) != 2 || f.Lowered[0] != "straße 發" || f.Lowered[1] != "straße 发" {
		t.Errorf("Lowered = %q", f.Lowered)
	}
}

func TestEvaluateEmptyRuleSet(t *testing.T) {
	m := New(staticSource{rules.NewSet(nil, nil)}, zerolog.Nop())
	if _, ok := m.Evaluate("anything"); ok {
		t.Error("empty rule set must never match")
	}
}

func TestOpenCCTraditionalToSimplified(t *testing.T) {
	c, err := NewOpenCC(TraditionalToSimplified)
	if err != nil {
		t.Skipf("opencc unavailable: %v", err)
	}
	got, err := c.Convert("免費")
	if err != nil {
		t.Fatal(err)
	}
	if got != "免费" {
		t.Errorf("t2s(免費) = %q, want 免费", got)
	}
}
