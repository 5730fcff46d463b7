package matcher

import (
	"testing"

	"github.com/PhucNguyen204/yara_simplifier/engine_yara_by_golang/compiler"
)

const prefilterRules = `
rule mixed {
	strings:
		$a = "powershell"
		$b = "cmd.exe" nocase
		$c = /evil[0-9]+/
		$d = "x"
		$e = { 4D 5A ?? 00 }
	condition:
		any of them
}

rule dup {
	strings:
		$a = "powershell"
	condition:
		$a
}
`

func compileForPrefilter(t *testing.T, src string) []*CompiledRule {
	t.Helper()
	f, err := compiler.ParseRuleFile(src)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var out []*CompiledRule
	for _, r := range f.Rules {
		c, err := Compile(r)
		if err != nil {
			t.Fatalf("compile %s: %v", r.Name, err)
		}
		out = append(out, c)
	}
	return out
}

func TestPrefilterCreation(t *testing.T) {
	rules := compileForPrefilter(t, prefilterRules)
	pref := NewPrefilter(rules, DefaultPrefilterConfig())

	stats := pref.Stats()
	if stats.PatternCount != 2 {
		t.Fatalf("pattern_count = %d, want 2 (%v)", stats.PatternCount, pref.patterns)
	}
	if stats.StringCount != 3 {
		t.Fatalf("string_count = %d, want 3", stats.StringCount)
	}
	if stats.UncoveredCount != 3 {
		t.Fatalf("uncovered_count = %d, want 3", stats.UncoveredCount)
	}
	if pref.ac == nil {
		t.Fatalf("automaton should be built")
	}
	if !pref.cfg.CaseInsensitive {
		t.Fatalf("nocase string should force a case-insensitive automaton")
	}

	mixed := rules[0]
	for _, m := range mixed.strings {
		want := m.id == "a" || m.id == "b"
		if got := pref.Covers(m); got != want {
			t.Fatalf("Covers($%s) = %v, want %v", m.id, got, want)
		}
	}
}

func TestPrefilterMatching(t *testing.T) {
	pref := NewPrefilter(compileForPrefilter(t, prefilterRules), DefaultPrefilterConfig())

	cases := []struct {
		data string
		want bool
	}{
		{"start powershell -enc", true},
		{"run CMD.EXE /c", true},
		{"evil123 with MZ", false},
		{"", false},
	}
	for _, c := range cases {
		if got := pref.HasMatch([]byte(c.data)); got != c.want {
			t.Fatalf("HasMatch(%q) = %v, want %v", c.data, got, c.want)
		}
	}
}

func TestPrefilterDisabled(t *testing.T) {
	pref := NewPrefilter(compileForPrefilter(t, prefilterRules), DisabledPrefilterConfig())
	if !pref.HasMatch([]byte("anything")) {
		t.Fatalf("disabled prefilter must let every buffer through")
	}
	if pref.Stats().PatternCount != 0 {
		t.Fatalf("disabled prefilter should index nothing")
	}
	for _, m := range compileForPrefilter(t, prefilterRules)[0].strings {
		if pref.Covers(m) {
			t.Fatalf("disabled prefilter must not cover $%s", m.id)
		}
	}
}

func TestPrefilterStatsHelpers(t *testing.T) {
	s := PrefilterStats{PatternCount: 10, EstimatedSelectivity: estimateSelectivity(10)}
	if !s.IsEffective() {
		t.Fatalf("10 patterns should be effective: %+v", s)
	}
	if s.StrategyName() != "AhoCorasick (10 patterns)" {
		t.Fatalf("strategy = %q", s.StrategyName())
	}
	if (PrefilterStats{PatternCount: 1, EstimatedSelectivity: estimateSelectivity(1)}).IsEffective() {
		t.Fatalf("a single pattern should not be effective")
	}
}
