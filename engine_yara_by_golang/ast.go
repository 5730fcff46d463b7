package engine_yara_by_golang

import (
	"fmt"
	"reflect"
)

// Kind identifies the shape of a condition node.
type Kind int

const (
	KindBoolLiteral Kind = iota
	KindNot
	KindAnd
	KindOr
	KindParentheses
	KindIdentifier
	KindStringRef
	KindStringCount
	KindStringOffset
	KindIntLiteral
	KindTextLiteral
	KindRegexLiteral
	KindKeyword
	KindUnary
	KindBinary
	KindAt
	KindIn
	KindRange
	KindOf
	KindFuncCall
)

var kindNames = [...]string{
	KindBoolLiteral:  "BoolLiteral",
	KindNot:          "Not",
	KindAnd:          "And",
	KindOr:           "Or",
	KindParentheses:  "Parentheses",
	KindIdentifier:   "Identifier",
	KindStringRef:    "StringRef",
	KindStringCount:  "StringCount",
	KindStringOffset: "StringOffset",
	KindIntLiteral:   "IntLiteral",
	KindTextLiteral:  "TextLiteral",
	KindRegexLiteral: "RegexLiteral",
	KindKeyword:      "Keyword",
	KindUnary:        "Unary",
	KindBinary:       "Binary",
	KindAt:           "At",
	KindIn:           "In",
	KindRange:        "Range",
	KindOf:           "Of",
	KindFuncCall:     "FuncCall",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Expression is a node of a rule condition tree.
//
// Children and ReplaceChildren form the generic rewrite protocol: a pass can
// visit any node, including kinds it knows nothing about, by rewriting the
// children and splicing them back. ReplaceChildren mutates the receiver and
// returns it; len(children) must equal len(Children()).
type Expression interface {
	Kind() Kind
	Children() []Expression
	ReplaceChildren(children []Expression) Expression
	Copy() Expression
	String() string
}

// ---------------- Boolean core ----------------

type BoolLiteral struct {
	Value bool
}

// Bool builds a fresh literal node.
func Bool(v bool) *BoolLiteral { return &BoolLiteral{Value: v} }

func (e *BoolLiteral) Kind() Kind                                { return KindBoolLiteral }
func (e *BoolLiteral) Children() []Expression                    { return nil }
func (e *BoolLiteral) ReplaceChildren(_ []Expression) Expression { return e }
func (e *BoolLiteral) Copy() Expression                          { return &BoolLiteral{Value: e.Value} }
func (e *BoolLiteral) String() string                            { return Format(e) }

type NotExpr struct {
	Operand Expression
}

func Not(operand Expression) *NotExpr { return &NotExpr{Operand: operand} }

func (e *NotExpr) Kind() Kind             { return KindNot }
func (e *NotExpr) Children() []Expression { return []Expression{e.Operand} }
func (e *NotExpr) ReplaceChildren(c []Expression) Expression {
	e.Operand = c[0]
	return e
}
func (e *NotExpr) Copy() Expression { cp := *e; return &cp }
func (e *NotExpr) String() string   { return Format(e) }

type AndExpr struct {
	Left, Right Expression
}

func And(left, right Expression) *AndExpr { return &AndExpr{Left: left, Right: right} }

func (e *AndExpr) Kind() Kind             { return KindAnd }
func (e *AndExpr) Children() []Expression { return []Expression{e.Left, e.Right} }
func (e *AndExpr) ReplaceChildren(c []Expression) Expression {
	e.Left, e.Right = c[0], c[1]
	return e
}
func (e *AndExpr) Copy() Expression { cp := *e; return &cp }
func (e *AndExpr) String() string   { return Format(e) }

type OrExpr struct {
	Left, Right Expression
}

func Or(left, right Expression) *OrExpr { return &OrExpr{Left: left, Right: right} }

func (e *OrExpr) Kind() Kind             { return KindOr }
func (e *OrExpr) Children() []Expression { return []Expression{e.Left, e.Right} }
func (e *OrExpr) ReplaceChildren(c []Expression) Expression {
	e.Left, e.Right = c[0], c[1]
	return e
}
func (e *OrExpr) Copy() Expression { cp := *e; return &cp }
func (e *OrExpr) String() string   { return Format(e) }

// ParenExpr keeps source parentheses so printing round-trips.
type ParenExpr struct {
	Inner Expression
}

func Paren(inner Expression) *ParenExpr { return &ParenExpr{Inner: inner} }

func (e *ParenExpr) Kind() Kind             { return KindParentheses }
func (e *ParenExpr) Children() []Expression { return []Expression{e.Inner} }
func (e *ParenExpr) ReplaceChildren(c []Expression) Expression {
	e.Inner = c[0]
	return e
}
func (e *ParenExpr) Copy() Expression { cp := *e; return &cp }
func (e *ParenExpr) String() string   { return Format(e) }

// ---------------- Leaves ----------------

// Identifier is a bare or dotted name: filesize, entrypoint, pe.is_dll, rule references.
type Identifier struct {
	Name string
}

func (e *Identifier) Kind() Kind                                { return KindIdentifier }
func (e *Identifier) Children() []Expression                    { return nil }
func (e *Identifier) ReplaceChildren(_ []Expression) Expression { return e }
func (e *Identifier) Copy() Expression                          { cp := *e; return &cp }
func (e *Identifier) String() string                            { return Format(e) }

// StringRef is "$name"; Name excludes the sigil and may end with '*'.
type StringRef struct {
	Name string
}

func (e *StringRef) Kind() Kind                                { return KindStringRef }
func (e *StringRef) Children() []Expression                    { return nil }
func (e *StringRef) ReplaceChildren(_ []Expression) Expression { return e }
func (e *StringRef) Copy() Expression                          { cp := *e; return &cp }
func (e *StringRef) String() string                            { return Format(e) }

// StringCount is "#name", optionally restricted to a range: "#a in (0..100)".
type StringCount struct {
	Name  string
	Range Expression // *RangeExpr or nil
}

func (e *StringCount) Kind() Kind { return KindStringCount }
func (e *StringCount) Children() []Expression {
	if e.Range == nil {
		return nil
	}
	return []Expression{e.Range}
}
func (e *StringCount) ReplaceChildren(c []Expression) Expression {
	if e.Range != nil {
		e.Range = c[0]
	}
	return e
}
func (e *StringCount) Copy() Expression { cp := *e; return &cp }
func (e *StringCount) String() string   { return Format(e) }

// StringOffset is "@name" or "@name[index]".
type StringOffset struct {
	Name  string
	Index Expression // nil means the first occurrence
}

func (e *StringOffset) Kind() Kind { return KindStringOffset }
func (e *StringOffset) Children() []Expression {
	if e.Index == nil {
		return nil
	}
	return []Expression{e.Index}
}
func (e *StringOffset) ReplaceChildren(c []Expression) Expression {
	if e.Index != nil {
		e.Index = c[0]
	}
	return e
}
func (e *StringOffset) Copy() Expression { cp := *e; return &cp }
func (e *StringOffset) String() string   { return Format(e) }

// IntLiteral keeps the source spelling (0x10, 2KB) next to the value.
type IntLiteral struct {
	Value int64
	Text  string
}

func Int(v int64) *IntLiteral { return &IntLiteral{Value: v} }

func (e *IntLiteral) Kind() Kind                                { return KindIntLiteral }
func (e *IntLiteral) Children() []Expression                    { return nil }
func (e *IntLiteral) ReplaceChildren(_ []Expression) Expression { return e }
func (e *IntLiteral) Copy() Expression                          { cp := *e; return &cp }
func (e *IntLiteral) String() string                            { return Format(e) }

// TextLiteral holds the decoded value of a quoted string.
type TextLiteral struct {
	Value string
}

func (e *TextLiteral) Kind() Kind                                { return KindTextLiteral }
func (e *TextLiteral) Children() []Expression                    { return nil }
func (e *TextLiteral) ReplaceChildren(_ []Expression) Expression { return e }
func (e *TextLiteral) Copy() Expression                          { cp := *e; return &cp }
func (e *TextLiteral) String() string                            { return Format(e) }

// RegexLiteral is /pattern/flags.
type RegexLiteral struct {
	Pattern string
	Flags   string
}

func (e *RegexLiteral) Kind() Kind                                { return KindRegexLiteral }
func (e *RegexLiteral) Children() []Expression                    { return nil }
func (e *RegexLiteral) ReplaceChildren(_ []Expression) Expression { return e }
func (e *RegexLiteral) Copy() Expression                          { cp := *e; return &cp }
func (e *RegexLiteral) String() string                            { return Format(e) }

// Keyword is one of all, any, none, them.
type Keyword struct {
	Name string
}

func (e *Keyword) Kind() Kind                                { return KindKeyword }
func (e *Keyword) Children() []Expression                    { return nil }
func (e *Keyword) ReplaceChildren(_ []Expression) Expression { return e }
func (e *Keyword) Copy() Expression                          { cp := *e; return &cp }
func (e *Keyword) String() string                            { return Format(e) }

// ---------------- Operators ----------------

// UnaryExpr is arithmetic negation "-" or bitwise complement "~".
type UnaryExpr struct {
	Op      string
	Operand Expression
}

func (e *UnaryExpr) Kind() Kind             { return KindUnary }
func (e *UnaryExpr) Children() []Expression { return []Expression{e.Operand} }
func (e *UnaryExpr) ReplaceChildren(c []Expression) Expression {
	e.Operand = c[0]
	return e
}
func (e *UnaryExpr) Copy() Expression { cp := *e; return &cp }
func (e *UnaryExpr) String() string   { return Format(e) }

// BinaryExpr covers every non-boolean binary operator: comparisons, string
// operators (contains, matches, ...), bitwise, shifts and arithmetic.
type BinaryExpr struct {
	Op          string
	Left, Right Expression
}

func Binary(op string, left, right Expression) *BinaryExpr {
	return &BinaryExpr{Op: op, Left: left, Right: right}
}

func (e *BinaryExpr) Kind() Kind             { return KindBinary }
func (e *BinaryExpr) Children() []Expression { return []Expression{e.Left, e.Right} }
func (e *BinaryExpr) ReplaceChildren(c []Expression) Expression {
	e.Left, e.Right = c[0], c[1]
	return e
}
func (e *BinaryExpr) Copy() Expression { cp := *e; return &cp }
func (e *BinaryExpr) String() string   { return Format(e) }

// AtExpr is "$a at offset".
type AtExpr struct {
	Ref    Expression
	Offset Expression
}

func (e *AtExpr) Kind() Kind             { return KindAt }
func (e *AtExpr) Children() []Expression { return []Expression{e.Ref, e.Offset} }
func (e *AtExpr) ReplaceChildren(c []Expression) Expression {
	e.Ref, e.Offset = c[0], c[1]
	return e
}
func (e *AtExpr) Copy() Expression { cp := *e; return &cp }
func (e *AtExpr) String() string   { return Format(e) }

// InExpr is "$a in (lo..hi)".
type InExpr struct {
	Ref   Expression
	Range Expression
}

func (e *InExpr) Kind() Kind             { return KindIn }
func (e *InExpr) Children() []Expression { return []Expression{e.Ref, e.Range} }
func (e *InExpr) ReplaceChildren(c []Expression) Expression {
	e.Ref, e.Range = c[0], c[1]
	return e
}
func (e *InExpr) Copy() Expression { cp := *e; return &cp }
func (e *InExpr) String() string   { return Format(e) }

// RangeExpr is "(lo..hi)".
type RangeExpr struct {
	Low, High Expression
}

func (e *RangeExpr) Kind() Kind             { return KindRange }
func (e *RangeExpr) Children() []Expression { return []Expression{e.Low, e.High} }
func (e *RangeExpr) ReplaceChildren(c []Expression) Expression {
	e.Low, e.High = c[0], c[1]
	return e
}
func (e *RangeExpr) Copy() Expression { cp := *e; return &cp }
func (e *RangeExpr) String() string   { return Format(e) }

// OfExpr is "<quantifier> of them" or "<quantifier> of ($a, $b*)".
// Quantifier is a *Keyword (all, any, none) or an integer expression.
type OfExpr struct {
	Quantifier Expression
	Them       bool
	Set        []string // string names without '$', may end with '*'
}

func (e *OfExpr) Kind() Kind             { return KindOf }
func (e *OfExpr) Children() []Expression { return []Expression{e.Quantifier} }
func (e *OfExpr) ReplaceChildren(c []Expression) Expression {
	e.Quantifier = c[0]
	return e
}
func (e *OfExpr) Copy() Expression {
	cp := *e
	cp.Set = append([]string(nil), e.Set...)
	return &cp
}
func (e *OfExpr) String() string { return Format(e) }

// FuncCall is "callee(args...)", e.g. uint32be(0) or pe.exports("x").
type FuncCall struct {
	Callee string
	Args   []Expression
}

func (e *FuncCall) Kind() Kind { return KindFuncCall }
func (e *FuncCall) Children() []Expression {
	return append([]Expression(nil), e.Args...)
}
func (e *FuncCall) ReplaceChildren(c []Expression) Expression {
	e.Args = append(e.Args[:0], c...)
	return e
}
func (e *FuncCall) Copy() Expression {
	cp := *e
	cp.Args = append([]Expression(nil), e.Args...)
	return &cp
}
func (e *FuncCall) String() string { return Format(e) }

// ---------------- Helpers ----------------

// Clone returns a deep copy of e sharing no nodes with it.
func Clone(e Expression) Expression {
	if e == nil {
		return nil
	}
	cp := e.Copy()
	kids := cp.Children()
	if len(kids) == 0 {
		return cp
	}
	out := make([]Expression, len(kids))
	for i, k := range kids {
		out[i] = Clone(k)
	}
	return cp.ReplaceChildren(out)
}

// Equal reports whether a and b are structurally identical trees.
func Equal(a, b Expression) bool {
	return reflect.DeepEqual(a, b)
}

// IsBoolLiteral returns the value of e when it is a boolean literal.
func IsBoolLiteral(e Expression) (value, ok bool) {
	if lit, isLit := e.(*BoolLiteral); isLit {
		return lit.Value, true
	}
	return false, false
}

// Walk calls fn for e and every descendant in pre-order until fn returns false.
func Walk(e Expression, fn func(Expression) bool) {
	if e == nil || !fn(e) {
		return
	}
	for _, c := range e.Children() {
		Walk(c, fn)
	}
}
