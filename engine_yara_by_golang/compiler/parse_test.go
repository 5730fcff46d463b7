package compiler

import (
	"errors"
	"strings"
	"testing"

	ir "github.com/PhucNguyen204/yara_simplifier/engine_yara_by_golang"
)

func TestTokenizeSimpleIdentifier(t *testing.T) {
	toks, err := TokenizeCondition("filesize")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(toks) != 2 || toks[0].Kind != TokIdentifier || toks[0].Text != "filesize" || toks[1].Kind != TokEOF {
		t.Fatalf("bad tokens: %#v", toks)
	}
}

func TestTokenizeBooleanOperators(t *testing.T) {
	toks, err := TokenizeCondition("$a and not $b or true")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	want := []TokenKind{TokStringRef, TokAnd, TokNot, TokStringRef, TokOr, TokTrue, TokEOF}
	if len(toks) != len(want) {
		t.Fatalf("bad tokens: %#v", toks)
	}
	for i, k := range want {
		if toks[i].Kind != k {
			t.Fatalf("token %d = %s, want %s", i, toks[i].Kind, k)
		}
	}
}

func TestTokenizeNumbers(t *testing.T) {
	toks, err := TokenizeCondition("0x10 2KB 1MB 0o17 42")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	want := []int64{16, 2048, 1024 * 1024, 15, 42}
	for i, v := range want {
		if toks[i].Kind != TokNumber || toks[i].Value != v {
			t.Fatalf("token %d = %#v, want %d", i, toks[i], v)
		}
	}
	if toks[0].Text != "0x10" {
		t.Fatalf("raw text lost: %q", toks[0].Text)
	}
}

func TestTokenizeStringIdentifiers(t *testing.T) {
	toks, err := TokenizeCondition("$a* #b @c[1]")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if toks[0].Kind != TokStringRef || toks[0].Text != "a*" {
		t.Fatalf("bad ref: %#v", toks[0])
	}
	if toks[1].Kind != TokStringCount || toks[1].Text != "b" {
		t.Fatalf("bad count: %#v", toks[1])
	}
	if toks[2].Kind != TokStringOffset || toks[3].Kind != TokLeftBracket {
		t.Fatalf("bad offset: %#v", toks[2:])
	}
}

func TestTokenizeTextEscapes(t *testing.T) {
	toks, err := TokenizeCondition(`"a\"b\\c\n\x41"`)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if toks[0].Kind != TokText || toks[0].Text != "a\"b\\c\nA" {
		t.Fatalf("bad text: %q", toks[0].Text)
	}
}

func TestTokenizeRegexAndComments(t *testing.T) {
	toks, err := TokenizeCondition("pe.dll_name matches /ker\\/nel32/is // trailing\n/* block */")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(toks) != 4 {
		t.Fatalf("bad tokens: %#v", toks)
	}
	if toks[0].Text != "pe.dll_name" || toks[1].Kind != TokOperator || toks[1].Text != "matches" {
		t.Fatalf("bad prefix: %#v", toks[:2])
	}
	if toks[2].Kind != TokRegex || toks[2].Text != `ker\/nel32` || toks[2].Flags != "is" {
		t.Fatalf("bad regex: %#v", toks[2])
	}
}

func TestTokenizeRangeDots(t *testing.T) {
	toks, err := TokenizeCondition("(0..filesize)")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if toks[1].Kind != TokNumber || toks[2].Kind != TokDotDot || toks[3].Kind != TokIdentifier {
		t.Fatalf("bad tokens: %#v", toks)
	}
}

func TestTokenizeErrors(t *testing.T) {
	for _, src := range []string{
		"$a ? $b",
		`"unterminated`,
		"/* never closed",
		`"bad \q escape"`,
		"12abc",
	} {
		_, err := TokenizeCondition(src)
		var se *SyntaxError
		if !errors.As(err, &se) {
			t.Fatalf("%q: expected SyntaxError, got %v", src, err)
		}
	}
}

func TestTokenizeErrorPosition(t *testing.T) {
	_, err := Tokenize("rule a {\n  condition:\n    true ?\n}")
	var se *SyntaxError
	if !errors.As(err, &se) {
		t.Fatalf("expected SyntaxError, got %v", err)
	}
	if se.Line != 3 || se.Col != 10 {
		t.Fatalf("position = %d:%d", se.Line, se.Col)
	}
}

func mustParse(t *testing.T, cond string) ir.Expression {
	t.Helper()
	e, err := ParseCondition(cond)
	if err != nil {
		t.Fatalf("parse %q: %v", cond, err)
	}
	return e
}

func TestParsePrecedence(t *testing.T) {
	e := mustParse(t, "$a or $b and not $c")
	or, ok := e.(*ir.OrExpr)
	if !ok {
		t.Fatalf("root should be Or, got %T", e)
	}
	and, ok := or.Right.(*ir.AndExpr)
	if !ok {
		t.Fatalf("right should be And, got %T", or.Right)
	}
	if _, ok := and.Right.(*ir.NotExpr); !ok {
		t.Fatalf("and.right should be Not, got %T", and.Right)
	}
}

func TestParseKeepsParentheses(t *testing.T) {
	e := mustParse(t, "($a or $b) and $c")
	and := e.(*ir.AndExpr)
	paren, ok := and.Left.(*ir.ParenExpr)
	if !ok {
		t.Fatalf("left should be Parentheses, got %T", and.Left)
	}
	if paren.Inner.Kind() != ir.KindOr {
		t.Fatalf("inner kind = %s", paren.Inner.Kind())
	}
}

func TestParseNotBindsLooserThanComparison(t *testing.T) {
	e := mustParse(t, "not filesize > 10")
	not, ok := e.(*ir.NotExpr)
	if !ok {
		t.Fatalf("root should be Not, got %T", e)
	}
	if b, ok := not.Operand.(*ir.BinaryExpr); !ok || b.Op != ">" {
		t.Fatalf("operand should be comparison, got %s", not.Operand)
	}
}

func TestParseArithmeticPrecedence(t *testing.T) {
	e := mustParse(t, "1 + 2 * 3 == 7")
	eq := e.(*ir.BinaryExpr)
	if eq.Op != "==" {
		t.Fatalf("root op = %s", eq.Op)
	}
	add := eq.Left.(*ir.BinaryExpr)
	if add.Op != "+" || add.Right.(*ir.BinaryExpr).Op != "*" {
		t.Fatalf("bad arithmetic tree: %s", eq.Left)
	}
}

func TestParseOfExpressions(t *testing.T) {
	e := mustParse(t, "2 of ($a, $b*) and all of them and none of ($c)")
	var ofs []*ir.OfExpr
	ir.Walk(e, func(n ir.Expression) bool {
		if of, ok := n.(*ir.OfExpr); ok {
			ofs = append(ofs, of)
		}
		return true
	})
	if len(ofs) != 3 {
		t.Fatalf("of count = %d", len(ofs))
	}
	if ofs[0].Quantifier.(*ir.IntLiteral).Value != 2 || len(ofs[0].Set) != 2 || ofs[0].Set[1] != "b*" {
		t.Fatalf("bad first of: %s", ofs[0])
	}
	if ofs[1].Quantifier.(*ir.Keyword).Name != "all" || !ofs[1].Them {
		t.Fatalf("bad second of: %s", ofs[1])
	}
	if ofs[2].Quantifier.(*ir.Keyword).Name != "none" {
		t.Fatalf("bad third of: %s", ofs[2])
	}
}

func TestParseStringOperations(t *testing.T) {
	e := mustParse(t, "$a at 0x100 + 4 and $b in (0..filesize - 1) and #c in (0..100) > 2 and @d[2] < 50")
	text := ir.Format(e)
	want := "$a at 0x100 + 4 and $b in (0..filesize - 1) and #c in (0..100) > 2 and @d[2] < 50"
	if text != want {
		t.Fatalf("round trip:\n got %s\nwant %s", text, want)
	}
}

func TestParseFunctionCalls(t *testing.T) {
	e := mustParse(t, `uint16(0) == 0x5A4D and pe.exports("Run") and math.entropy(0, filesize) >= 7`)
	var calls []string
	ir.Walk(e, func(n ir.Expression) bool {
		if c, ok := n.(*ir.FuncCall); ok {
			calls = append(calls, c.Callee)
		}
		return true
	})
	if strings.Join(calls, ",") != "uint16,pe.exports,math.entropy" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestParseRoundTrip(t *testing.T) {
	for _, src := range []string{
		"true",
		"not not false",
		"($a or (true and $b)) and not ($c)",
		"-1 < ~filesize",
		`pe.dll_name matches /^kernel/i`,
		`"abc" icontains "B"`,
		"any of them or 1 of ($x*)",
		"(1 + 2) * 3 \\ 4 % 5 == 1 << 2 | 3 ^ 4 & 5",
	} {
		if got := mustParse(t, src).String(); got != src {
			t.Fatalf("round trip:\n got %s\nwant %s", got, src)
		}
	}
}

func TestParseConditionErrors(t *testing.T) {
	for _, src := range []string{
		"",
		"$a and",
		"($a or $b",
		"$a $b",
		"2 of",
		"all of ($a",
		"$a in (0..)",
		"f(1 2)",
	} {
		if _, err := ParseCondition(src); err == nil {
			t.Fatalf("%q: expected error", src)
		}
	}
}

func TestParseNestingLimit(t *testing.T) {
	src := strings.Repeat("(", 50) + "true" + strings.Repeat(")", 50)
	toks, err := TokenizeCondition(src)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if _, err := ParseTokens(toks, 100); err != nil {
		t.Fatalf("within limit: %v", err)
	}
	_, err = ParseTokens(toks, 10)
	if !errors.Is(err, ErrNestingTooDeep) {
		t.Fatalf("expected ErrNestingTooDeep, got %v", err)
	}

	nots := strings.Repeat("not ", 20) + "true"
	toks, _ = TokenizeCondition(nots)
	if _, err := ParseTokens(toks, 5); !errors.Is(err, ErrNestingTooDeep) {
		t.Fatalf("expected ErrNestingTooDeep for not chain, got %v", err)
	}
}

const sampleRules = `
import "pe"

// demo rules
private rule helper : util
{
	condition:
		filesize < 1MB
}

rule Suspicious_Dropper : malware win32
{
	meta:
		author = "analyst"
		score = 75
		offset = -3
		enabled = true
	strings:
		$mz = { 4D 5A ?? [2-4] 00 }
		$s1 = "cmd.exe /c" nocase wide ascii
		$s2 = /https?:\/\/[a-z]+/i
		$x = "key" xor(0x01-0xff)
	condition:
		$mz at 0 and (any of ($s*) or false) and not (true and false) and helper
}
`

func TestParseRuleFile(t *testing.T) {
	f, err := ParseRuleFile(sampleRules)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(f.Imports) != 1 || f.Imports[0] != "pe" {
		t.Fatalf("imports = %v", f.Imports)
	}
	if len(f.Rules) != 2 {
		t.Fatalf("rules = %d", len(f.Rules))
	}
	h := f.Rules[0]
	if !h.Private || h.Name != "helper" || len(h.Tags) != 1 {
		t.Fatalf("bad helper rule: %+v", h)
	}
	r := f.Rules[1]
	if r.Name != "Suspicious_Dropper" || strings.Join(r.Tags, " ") != "malware win32" {
		t.Fatalf("bad header: %+v", r)
	}
	if len(r.Meta) != 4 || r.Meta[1].Value != int64(75) || r.Meta[2].Value != int64(-3) || r.Meta[3].Value != true {
		t.Fatalf("bad meta: %+v", r.Meta)
	}
	if len(r.Strings) != 4 {
		t.Fatalf("strings = %d", len(r.Strings))
	}
	if r.Strings[0].Type != ir.StringHex || r.Strings[0].Value != "4D 5A ?? [2-4] 00" {
		t.Fatalf("bad hex: %+v", r.Strings[0])
	}
	if r.Strings[1].Value != "cmd.exe /c" || strings.Join(r.Strings[1].Modifiers, ",") != "nocase,wide,ascii" {
		t.Fatalf("bad text: %+v", r.Strings[1])
	}
	if r.Strings[2].Type != ir.StringRegex || r.Strings[2].Flags != "i" {
		t.Fatalf("bad regex: %+v", r.Strings[2])
	}
	if r.Strings[3].Modifiers[0] != "xor(0x01-0xff)" {
		t.Fatalf("bad xor modifier: %+v", r.Strings[3])
	}
	wantCond := "$mz at 0 and (any of ($s*) or false) and not (true and false) and helper"
	if r.Condition.String() != wantCond {
		t.Fatalf("condition = %s", r.Condition)
	}

	// the printed file parses back to the same trees
	again, err := ParseRuleFile(f.Text())
	if err != nil {
		t.Fatalf("reparse: %v\n%s", err, f.Text())
	}
	for i := range f.Rules {
		if !ir.Equal(f.Rules[i].Condition, again.Rules[i].Condition) {
			t.Fatalf("rule %d condition changed after round trip", i)
		}
	}
}

func TestParseRuleFileErrors(t *testing.T) {
	cases := map[string]string{
		"missing condition": "rule a { strings: $a = \"x\" }",
		"undefined string":  "rule a { condition: $nope }",
		"duplicate rule":    "rule a { condition: true } rule a { condition: false }",
		"duplicate string":  "rule a { strings: $a = \"x\" $a = \"y\" condition: $a }",
		"bad meta":          "rule a { meta: x = $a condition: true }",
		"missing brace":     "rule a { condition: true",
		"wildcard def":      "rule a { strings: $a* = \"x\" condition: true }",
	}
	for name, src := range cases {
		if _, err := ParseRuleFile(src); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
