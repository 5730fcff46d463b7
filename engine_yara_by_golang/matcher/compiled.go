package matcher

import (
	"errors"
	"fmt"

	ir "github.com/PhucNguyen204/yara_simplifier/engine_yara_by_golang"
)

// CompiledRule is a rule with its strings turned into matchers.
type CompiledRule struct {
	Rule    *ir.Rule
	strings []*stringMatcher
}

// Compile prepares every string of rule for scanning.
func Compile(rule *ir.Rule) (*CompiledRule, error) {
	c := &CompiledRule{Rule: rule}
	for _, def := range rule.Strings {
		m, err := compileString(def)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.Name, err)
		}
		c.strings = append(c.strings, m)
	}
	return c, nil
}

func (c *CompiledRule) Name() string { return c.Rule.Name }

// StringCount returns the number of string definitions.
func (c *CompiledRule) StringCount() int { return len(c.strings) }

// Scan finds every string occurrence in data.
func (c *CompiledRule) Scan(data []byte) *ScanResult {
	return c.scan(&scanInput{data: data}, nil, true)
}

// scan skips covered literal strings when literalsPresent is false.
func (c *CompiledRule) scan(in *scanInput, pf *Prefilter, literalsPresent bool) *ScanResult {
	res := NewScanResult(in.data)
	for _, m := range c.strings {
		res.IDs = append(res.IDs, m.id)
		if !literalsPresent && pf.Covers(m) {
			continue
		}
		if found := m.find(in); len(found) > 0 {
			res.Matches[m.id] = found
		}
	}
	return res
}

// Match scans data and evaluates the rule condition.
func (c *CompiledRule) Match(data []byte) (bool, error) {
	return Evaluate(c.Rule.Condition, c.Scan(data))
}

// RuleSet scans a buffer against rules in declaration order, so that a
// condition may refer to any rule defined before it.
type RuleSet struct {
	rules     []*CompiledRule
	prefilter *Prefilter
	cfg       ir.EngineConfig
}

// NewRuleSet compiles rules with cfg. The prefilter is built only when
// cfg.EnablePrefilter is set.
func NewRuleSet(rules []*ir.Rule, cfg ir.EngineConfig) (*RuleSet, error) {
	s := &RuleSet{cfg: cfg}
	for _, r := range rules {
		c, err := Compile(r)
		if err != nil {
			return nil, err
		}
		s.rules = append(s.rules, c)
	}
	pcfg := DisabledPrefilterConfig()
	if cfg.EnablePrefilter {
		pcfg = DefaultPrefilterConfig()
	}
	s.prefilter = NewPrefilter(s.rules, pcfg)
	return s, nil
}

func (s *RuleSet) Len() int { return len(s.rules) }

func (s *RuleSet) Rules() []*CompiledRule { return s.rules }

func (s *RuleSet) PrefilterStats() PrefilterStats { return s.prefilter.Stats() }

// ScanOutcome is the result of scanning one buffer against a rule set.
type ScanOutcome struct {
	Matched []string `json:"matched"`
	// Skipped lists rules whose conditions could not be evaluated.
	Skipped []string `json:"skipped,omitempty"`
	// PrefilterHit is false when no indexed literal occurred in the buffer.
	PrefilterHit bool `json:"prefilter_hit"`
}

// Scan evaluates every rule against data. Rules that fail to evaluate are
// reported in Skipped and their errors joined into the returned error; the
// remaining rules are still evaluated.
func (s *RuleSet) Scan(data []byte) (*ScanOutcome, error) {
	if s.cfg.MaxScanBytes > 0 && len(data) > s.cfg.MaxScanBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(data), s.cfg.MaxScanBytes)
	}
	in := &scanInput{data: data}
	out := &ScanOutcome{PrefilterHit: s.prefilter.HasMatch(data)}
	evaluated := make(map[string]bool, len(s.rules))

	var errs []error
	for _, r := range s.rules {
		res := r.scan(in, s.prefilter, out.PrefilterHit)
		res.Rules = evaluated
		ok, err := Evaluate(r.Rule.Condition, res)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", r.Name(), err))
			out.Skipped = append(out.Skipped, r.Name())
			ok = false
		}
		evaluated[r.Name()] = ok
		if r.Rule.Global && !ok {
			// a failing global rule suppresses every match
			out.Matched = nil
			return out, errors.Join(errs...)
		}
		if ok && !r.Rule.Private {
			out.Matched = append(out.Matched, r.Name())
		}
	}
	return out, errors.Join(errs...)
}
