package compiler

import (
	"errors"
	"strings"
	"testing"

	ir "github.com/PhucNguyen204/yara_simplifier/engine_yara_by_golang"
)

func TestCompilerAccumulatesSources(t *testing.T) {
	c := New()
	if _, err := c.CompileSource("import \"pe\"\nrule a { condition: true }"); err != nil {
		t.Fatalf("err: %v", err)
	}
	rules, err := c.CompileSource("import \"pe\"\nimport \"math\"\nrule b { condition: a and false }")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(rules) != 1 || rules[0].Name != "b" {
		t.Fatalf("rules = %v", rules)
	}
	if c.RuleCount() != 2 {
		t.Fatalf("rule count = %d", c.RuleCount())
	}
	f := c.IntoRuleFile()
	if strings.Join(f.Imports, ",") != "pe,math" {
		t.Fatalf("imports = %v", f.Imports)
	}
	if len(f.Rules) != 2 {
		t.Fatalf("rules = %d", len(f.Rules))
	}
}

func TestCompilerRejectsDuplicateAcrossSources(t *testing.T) {
	c := New()
	if _, err := c.CompileSource("rule a { condition: true }"); err != nil {
		t.Fatalf("err: %v", err)
	}
	_, err := c.CompileSource("rule z { condition: true } rule a { condition: false }")
	if err == nil || !strings.Contains(err.Error(), "duplicated rule identifier") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	// a failed source must not leave partial state behind
	if c.RuleCount() != 1 {
		t.Fatalf("rule count = %d", c.RuleCount())
	}
}

func TestCompilerHonoursConfiguredDepth(t *testing.T) {
	src := "rule deep { condition: " + strings.Repeat("(", 20) + "true" + strings.Repeat(")", 20) + " }"

	if _, err := New().CompileSource(src); err != nil {
		t.Fatalf("default depth should accept: %v", err)
	}
	c := WithConfig(ir.DefaultEngineConfig().WithMaxConditionDepth(8))
	_, err := c.CompileSource(src)
	if !errors.Is(err, ErrNestingTooDeep) {
		t.Fatalf("expected ErrNestingTooDeep, got %v", err)
	}
	if c.Config().MaxConditionDepth != 8 {
		t.Fatalf("config not kept")
	}
}

func TestCompilerWrapsSyntaxErrors(t *testing.T) {
	_, err := New().CompileSource("rule broken { condition: $a and }")
	var se *SyntaxError
	if !errors.As(err, &se) {
		t.Fatalf("expected SyntaxError, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "CompilationError: line 1:") {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestMatchStringName(t *testing.T) {
	if !MatchStringName("s*", "s1") || !MatchStringName("a", "a") {
		t.Fatalf("expected matches")
	}
	if MatchStringName("a", "ab") || MatchStringName("b*", "a1") {
		t.Fatalf("unexpected match")
	}
}
