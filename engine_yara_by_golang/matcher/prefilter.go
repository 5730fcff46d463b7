package matcher

import (
	"fmt"
	"strings"

	ac "github.com/petar-dambovaliev/aho-corasick"
)

//
// Literal prefilter: one Aho–Corasick automaton over every literal pattern of
// a rule set. When none of the literals occurs in a buffer, per-string
// matching of literal strings is skipped entirely.
//

// -------------------- Statistics --------------------

type PrefilterStats struct {
	// patterns in the automaton after dedupe
	PatternCount int `json:"pattern_count"`
	// strings contributing at least one pattern
	StringCount int `json:"string_count"`
	// strings that must always be scanned (regex, wildcard hex)
	UncoveredCount int `json:"uncovered_count"`
	// 0.0 = very selective, 1.0 = matches everything
	EstimatedSelectivity float64 `json:"estimated_selectivity"`
	MemoryUsage          int     `json:"memory_usage"`
}

func (s PrefilterStats) IsEffective() bool {
	return s.PatternCount >= 5 && s.EstimatedSelectivity < 0.7
}

func (s PrefilterStats) StrategyName() string {
	return fmt.Sprintf("AhoCorasick (%d patterns)", s.PatternCount)
}

// -------------------- Config --------------------

type PrefilterConfig struct {
	// ASCII case-insensitive automaton; forced on when any nocase string is present
	CaseInsensitive bool `json:"case_insensitive"`
	// patterns shorter than this are not indexed and their strings are always scanned
	MinPatternLength int  `json:"min_pattern_length"`
	Enabled          bool `json:"enabled"`
}

func DefaultPrefilterConfig() PrefilterConfig {
	return PrefilterConfig{
		CaseInsensitive:  false,
		MinPatternLength: 2,
		Enabled:          true,
	}
}

func DisabledPrefilterConfig() PrefilterConfig {
	cfg := DefaultPrefilterConfig()
	cfg.Enabled = false
	return cfg
}

// -------------------- Prefilter --------------------

type Prefilter struct {
	ac       *ac.AhoCorasick
	patterns []string
	// covered[m] is true when every pattern of m is in the automaton
	covered map[*stringMatcher]bool
	stats   PrefilterStats
	cfg     PrefilterConfig
}

func (p *Prefilter) Stats() PrefilterStats { return p.stats }

// Covers reports whether m can be skipped when the automaton finds nothing.
func (p *Prefilter) Covers(m *stringMatcher) bool {
	return p != nil && p.ac != nil && p.covered[m]
}

// HasMatch reports whether any indexed literal occurs in data. With no
// automaton it returns true so callers fall back to full scanning.
func (p *Prefilter) HasMatch(data []byte) bool {
	if p == nil || p.ac == nil {
		return true
	}
	// leftmost-longest may hide overlapping hits, but never all of them
	return len(p.ac.FindAll(string(data))) > 0
}

// -------------------- Builder --------------------

type patternBuilder struct {
	cfg      PrefilterConfig
	dedupe   map[string]int
	combined []string
	covered  map[*stringMatcher]bool

	stringCount    int
	uncoveredCount int
}

func newPatternBuilder(cfg PrefilterConfig) *patternBuilder {
	return &patternBuilder{
		cfg:     cfg,
		dedupe:  make(map[string]int),
		covered: make(map[*stringMatcher]bool),
	}
}

func (pb *patternBuilder) keyFor(pattern string) string {
	if pb.cfg.CaseInsensitive {
		return strings.ToLower(pattern)
	}
	return pattern
}

func (pb *patternBuilder) addString(m *stringMatcher) {
	if !m.isLiteral() || len(m.literals) == 0 {
		pb.uncoveredCount++
		return
	}
	for _, lit := range m.literals {
		if len(lit) < pb.cfg.MinPatternLength {
			pb.uncoveredCount++
			return
		}
	}
	for _, lit := range m.literals {
		key := pb.keyFor(string(lit))
		if _, ok := pb.dedupe[key]; !ok {
			pb.dedupe[key] = len(pb.combined)
			pb.combined = append(pb.combined, string(lit))
		}
	}
	pb.covered[m] = true
	pb.stringCount++
}

func (pb *patternBuilder) build() *Prefilter {
	total := len(pb.combined)
	p := &Prefilter{
		patterns: append([]string(nil), pb.combined...),
		covered:  pb.covered,
		cfg:      pb.cfg,
		stats: PrefilterStats{
			PatternCount:         total,
			StringCount:          pb.stringCount,
			UncoveredCount:       pb.uncoveredCount,
			EstimatedSelectivity: estimateSelectivity(total),
			MemoryUsage:          estimateMemoryUsage(total),
		},
	}
	if total > 0 {
		builder := ac.NewAhoCorasickBuilder(ac.Opts{
			AsciiCaseInsensitive: pb.cfg.CaseInsensitive,
			MatchKind:            ac.LeftMostLongestMatch,
		})
		automaton := builder.Build(pb.combined)
		p.ac = &automaton
	}
	return p
}

// -------------------- Public API --------------------

// NewPrefilter indexes the literal strings of every compiled rule.
func NewPrefilter(rules []*CompiledRule, cfg PrefilterConfig) *Prefilter {
	if !cfg.Enabled {
		return &Prefilter{cfg: cfg, covered: map[*stringMatcher]bool{}, stats: PrefilterStats{EstimatedSelectivity: 1.0}}
	}
	for _, r := range rules {
		for _, m := range r.strings {
			if m.nocase {
				cfg.CaseInsensitive = true
			}
		}
	}
	pb := newPatternBuilder(cfg)
	for _, r := range rules {
		for _, m := range r.strings {
			pb.addString(m)
		}
	}
	return pb.build()
}

func estimateSelectivity(patternCount int) float64 {
	switch {
	case patternCount == 0:
		return 1.0
	case patternCount >= 50:
		return 0.05
	case patternCount >= 20:
		return 0.10
	case patternCount >= 10:
		return 0.20
	case patternCount >= 5:
		return 0.40
	default:
		return 0.70
	}
}

func estimateMemoryUsage(patternCount int) int {
	stateCount := patternCount * 2
	return patternCount*20 + stateCount*256 + stateCount*32
}
