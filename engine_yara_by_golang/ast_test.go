package engine_yara_by_golang

import (
	"strings"
	"testing"
)

func TestFormatAddsParensForConstructedTrees(t *testing.T) {
	a, b, c := &StringRef{Name: "a"}, &StringRef{Name: "b"}, &StringRef{Name: "c"}

	cases := []struct {
		expr Expression
		want string
	}{
		{And(Or(a, b), c), "($a or $b) and $c"},
		{Or(a, And(b, c)), "$a or $b and $c"},
		{Or(a, Or(b, c)), "$a or ($b or $c)"},
		{Not(And(a, b)), "not ($a and $b)"},
		{Not(Not(Bool(true))), "not not true"},
		{Paren(Bool(false)), "(false)"},
		{Binary("==", &StringCount{Name: "a"}, Int(2)), "#a == 2"},
		{Binary("*", Binary("+", Int(1), Int(2)), Int(3)), "(1 + 2) * 3"},
		{&OfExpr{Quantifier: &Keyword{Name: "any"}, Set: []string{"a", "b*"}}, "any of ($a, $b*)"},
		{&OfExpr{Quantifier: Int(2), Them: true}, "2 of them"},
		{&AtExpr{Ref: a, Offset: Int(0)}, "$a at 0"},
		{&InExpr{Ref: a, Range: &RangeExpr{Low: Int(0), High: &Identifier{Name: "filesize"}}}, "$a in (0..filesize)"},
		{&FuncCall{Callee: "uint16", Args: []Expression{Int(0)}}, "uint16(0)"},
		{&StringOffset{Name: "a", Index: Int(1)}, "@a[1]"},
		{Binary("matches", &Identifier{Name: "pe.dll_name"}, &RegexLiteral{Pattern: "^k", Flags: "i"}), "pe.dll_name matches /^k/i"},
		{Binary("contains", &TextLiteral{Value: "a\"b\n"}, &TextLiteral{Value: "\x01"}), `"a\"b\n" contains "\x01"`},
	}
	for _, tc := range cases {
		if got := Format(tc.expr); got != tc.want {
			t.Errorf("Format = %q, want %q", got, tc.want)
		}
	}
}

func TestCloneSharesNoNodes(t *testing.T) {
	orig := And(Paren(Or(&StringRef{Name: "a"}, Bool(false))), Not(&Identifier{Name: "pe.is_dll"}))
	cp := Clone(orig).(*AndExpr)

	if !Equal(orig, cp) {
		t.Fatalf("clone differs: %s vs %s", orig, cp)
	}
	cp.Left.(*ParenExpr).Inner = Bool(true)
	if Equal(orig, cp) {
		t.Fatalf("mutation of clone leaked into original")
	}
	if orig.Left.(*ParenExpr).Inner.Kind() != KindOr {
		t.Fatalf("original changed: %s", orig)
	}
}

func TestReplaceChildrenSplicesInPlace(t *testing.T) {
	call := &FuncCall{Callee: "uint32be", Args: []Expression{Int(4)}}
	got := call.ReplaceChildren([]Expression{Int(8)})
	if got != Expression(call) {
		t.Fatalf("ReplaceChildren should return the receiver")
	}
	if call.Args[0].(*IntLiteral).Value != 8 {
		t.Fatalf("arg not replaced")
	}

	cnt := &StringCount{Name: "a"}
	if len(cnt.Children()) != 0 {
		t.Fatalf("count without range has no children")
	}
}

func TestKindString(t *testing.T) {
	if KindParentheses.String() != "Parentheses" {
		t.Fatalf("got %s", KindParentheses)
	}
	if Kind(99).String() != "Kind(99)" {
		t.Fatalf("got %s", Kind(99))
	}
}

func TestWalkVisitsPreOrder(t *testing.T) {
	e := And(Not(&StringRef{Name: "a"}), Bool(true))
	var kinds []Kind
	Walk(e, func(n Expression) bool {
		kinds = append(kinds, n.Kind())
		return true
	})
	want := []Kind{KindAnd, KindNot, KindStringRef, KindBoolLiteral}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v", kinds)
		}
	}
}

func TestRuleText(t *testing.T) {
	r := &Rule{
		Name:    "demo",
		Private: true,
		Tags:    []string{"APT", "win"},
		Meta:    []Meta{{Key: "author", Value: "x"}, {Key: "score", Value: int64(7)}, {Key: "beta", Value: true}},
		Strings: []StringDef{
			{ID: "a", Type: StringText, Value: "evil", Modifiers: []string{"nocase", "wide"}},
			{ID: "h", Type: StringHex, Value: "4D 5A"},
			{ID: "r", Type: StringRegex, Value: "ab+c", Flags: "is"},
		},
		Condition: And(&StringRef{Name: "a"}, Bool(true)),
	}
	text := r.Text()
	for _, want := range []string{
		"private rule demo : APT win",
		`author = "x"`,
		"score = 7",
		"beta = true",
		`$a = "evil" nocase wide`,
		"$h = { 4D 5A }",
		"$r = /ab+c/is",
		"condition:\n\t\t$a and true\n}",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("missing %q in:\n%s", want, text)
		}
	}

	f := &RuleFile{Imports: []string{"pe"}, Rules: []*Rule{r, r.Clone()}}
	if !strings.HasPrefix(f.Text(), "import \"pe\"\n\n") {
		t.Fatalf("imports not rendered:\n%s", f.Text())
	}
	if got, ok := f.Rule("demo"); !ok || got != r {
		t.Fatalf("lookup by name failed")
	}
	if s, ok := r.StringByID("h"); !ok || s.Type != StringHex {
		t.Fatalf("StringByID failed")
	}
}
