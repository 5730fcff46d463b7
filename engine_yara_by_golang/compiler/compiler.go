package compiler

import (
	"fmt"

	ir "github.com/PhucNguyen204/yara_simplifier/engine_yara_by_golang"
)

// Compiler accumulates rules from several sources into one rule file,
// rejecting rule names that collide across sources.
type Compiler struct {
	cfg     ir.EngineConfig
	imports []string
	seenImp map[string]struct{}
	rules   []*ir.Rule
	names   map[string]struct{}
}

// New returns a Compiler using DefaultEngineConfig.
func New() *Compiler {
	return WithConfig(ir.DefaultEngineConfig())
}

func WithConfig(cfg ir.EngineConfig) *Compiler {
	return &Compiler{
		cfg:     cfg,
		seenImp: make(map[string]struct{}),
		names:   make(map[string]struct{}),
	}
}

func (c *Compiler) Config() ir.EngineConfig { return c.cfg }

// CompileSource parses one rule file and appends its rules. On error nothing is appended.
func (c *Compiler) CompileSource(src string) ([]*ir.Rule, error) {
	f, err := c.Parse(src)
	if err != nil {
		return nil, err
	}
	if err := c.AddRuleFile(f); err != nil {
		return nil, err
	}
	return f.Rules, nil
}

// Parse parses one rule file with the configured nesting limit without
// appending it.
func (c *Compiler) Parse(src string) (*ir.RuleFile, error) {
	depth := c.cfg.MaxConditionDepth
	if depth <= 0 {
		depth = DefaultMaxDepth
	}
	f, err := parseRuleFile(src, depth)
	if err != nil {
		return nil, fmt.Errorf("CompilationError: %w", err)
	}
	return f, nil
}

// AddRuleFile appends an already parsed rule file. A rule name that is
// already present rejects the whole file.
func (c *Compiler) AddRuleFile(f *ir.RuleFile) error {
	for _, r := range f.Rules {
		if _, dup := c.names[r.Name]; dup {
			return fmt.Errorf("CompilationError: duplicated rule identifier %q", r.Name)
		}
	}
	for _, r := range f.Rules {
		c.names[r.Name] = struct{}{}
		c.rules = append(c.rules, r)
	}
	for _, imp := range f.Imports {
		if _, ok := c.seenImp[imp]; !ok {
			c.seenImp[imp] = struct{}{}
			c.imports = append(c.imports, imp)
		}
	}
	return nil
}

func (c *Compiler) RuleCount() int { return len(c.rules) }

// IntoRuleFile returns everything compiled so far as a single rule file.
func (c *Compiler) IntoRuleFile() *ir.RuleFile {
	return &ir.RuleFile{
		Imports: append([]string(nil), c.imports...),
		Rules:   append([]*ir.Rule(nil), c.rules...),
	}
}
