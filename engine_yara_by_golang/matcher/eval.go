package matcher

import (
	"encoding/binary"
	"errors"
	"fmt"
	"regexp"
	"strings"

	ir "github.com/PhucNguyen204/yara_simplifier/engine_yara_by_golang"
	"github.com/PhucNguyen204/yara_simplifier/engine_yara_by_golang/compiler"
)

type valueKind int

const (
	vUndef valueKind = iota
	vBool
	vInt
	vStr
)

// value is the result of evaluating a condition node. Undefined values come
// from out-of-range reads and missing occurrences; they are false wherever a
// boolean is needed.
type value struct {
	kind valueKind
	b    bool
	i    int64
	s    string
}

var undefined = value{}

func boolValue(b bool) value  { return value{kind: vBool, b: b} }
func intValue(i int64) value  { return value{kind: vInt, i: i} }
func strValue(s string) value { return value{kind: vStr, s: s} }
func (v value) isUndef() bool { return v.kind == vUndef }

func (v value) truthy() bool {
	switch v.kind {
	case vBool:
		return v.b
	case vInt:
		return v.i != 0
	case vStr:
		return v.s != ""
	}
	return false
}

func (v value) asInt() (int64, bool) {
	switch v.kind {
	case vInt:
		return v.i, true
	case vBool:
		if v.b {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

type evaluator struct {
	res     *ScanResult
	regexps map[string]*regexp.Regexp
}

// Evaluate computes the boolean value of a condition over a scan result.
func Evaluate(expr ir.Expression, res *ScanResult) (bool, error) {
	if res == nil {
		res = NewScanResult(nil)
	}
	ev := &evaluator{res: res, regexps: make(map[string]*regexp.Regexp)}
	return ev.evalBool(expr)
}

// Equivalent evaluates two conditions over the same scan result and reports
// whether they agree.
func Equivalent(before, after ir.Expression, res *ScanResult) (bool, error) {
	a, err := Evaluate(before, res)
	if err != nil {
		return false, fmt.Errorf("before: %w", err)
	}
	b, err := Evaluate(after, res)
	if err != nil {
		return false, fmt.Errorf("after: %w", err)
	}
	return a == b, nil
}

func (ev *evaluator) evalBool(e ir.Expression) (bool, error) {
	v, err := ev.eval(e)
	if err != nil {
		return false, err
	}
	return v.truthy(), nil
}

func (ev *evaluator) evalInt(e ir.Expression) (int64, bool, error) {
	v, err := ev.eval(e)
	if err != nil {
		return 0, false, err
	}
	if v.isUndef() {
		return 0, false, nil
	}
	i, ok := v.asInt()
	if !ok {
		return 0, false, fmt.Errorf("expected integer, got %s", ir.Format(e))
	}
	return i, true, nil
}

func (ev *evaluator) eval(e ir.Expression) (value, error) {
	switch n := e.(type) {
	case nil:
		return undefined, errors.New("empty condition")

	case *ir.BoolLiteral:
		return boolValue(n.Value), nil

	case *ir.AndExpr:
		l, err := ev.evalBool(n.Left)
		if err != nil || !l {
			return boolValue(false), err
		}
		r, err := ev.evalBool(n.Right)
		return boolValue(r), err

	case *ir.OrExpr:
		l, err := ev.evalBool(n.Left)
		if err != nil || l {
			return boolValue(l), err
		}
		r, err := ev.evalBool(n.Right)
		return boolValue(r), err

	case *ir.NotExpr:
		b, err := ev.evalBool(n.Operand)
		return boolValue(!b), err

	case *ir.ParenExpr:
		return ev.eval(n.Inner)

	case *ir.Identifier:
		if n.Name == "filesize" {
			return intValue(int64(len(ev.res.Data))), nil
		}
		if ok, seen := ev.res.Rules[n.Name]; seen {
			return boolValue(ok), nil
		}
		return undefined, unsupported("identifier %s", n.Name)

	case *ir.StringRef:
		if n.Name == "" || strings.HasSuffix(n.Name, "*") {
			return undefined, unsupported("string reference $%s outside a loop or set", n.Name)
		}
		return boolValue(ev.res.Matched(n.Name)), nil

	case *ir.StringCount:
		ms := ev.res.Matches[n.Name]
		if n.Range == nil {
			return intValue(int64(len(ms))), nil
		}
		lo, hi, ok, err := ev.evalRange(n.Range)
		if err != nil || !ok {
			return undefined, err
		}
		var c int64
		for _, m := range ms {
			if int64(m.Offset) >= lo && int64(m.Offset) <= hi {
				c++
			}
		}
		return intValue(c), nil

	case *ir.StringOffset:
		idx := int64(1)
		if n.Index != nil {
			i, ok, err := ev.evalInt(n.Index)
			if err != nil || !ok {
				return undefined, err
			}
			idx = i
		}
		ms := ev.res.Matches[n.Name]
		if idx < 1 || idx > int64(len(ms)) {
			return undefined, nil
		}
		return intValue(int64(ms[idx-1].Offset)), nil

	case *ir.IntLiteral:
		return intValue(n.Value), nil

	case *ir.TextLiteral:
		return strValue(n.Value), nil

	case *ir.UnaryExpr:
		i, ok, err := ev.evalInt(n.Operand)
		if err != nil || !ok {
			return undefined, err
		}
		switch n.Op {
		case "-":
			return intValue(-i), nil
		case "~":
			return intValue(^i), nil
		}
		return undefined, unsupported("unary operator %s", n.Op)

	case *ir.BinaryExpr:
		return ev.evalBinary(n)

	case *ir.AtExpr:
		ref, ok := n.Ref.(*ir.StringRef)
		if !ok {
			return undefined, unsupported("at on %s", n.Ref.Kind())
		}
		off, ok, err := ev.evalInt(n.Offset)
		if err != nil || !ok {
			return boolValue(false), err
		}
		for _, m := range ev.res.Matches[ref.Name] {
			if int64(m.Offset) == off {
				return boolValue(true), nil
			}
		}
		return boolValue(false), nil

	case *ir.InExpr:
		ref, ok := n.Ref.(*ir.StringRef)
		if !ok {
			return undefined, unsupported("in on %s", n.Ref.Kind())
		}
		lo, hi, ok, err := ev.evalRange(n.Range)
		if err != nil || !ok {
			return boolValue(false), err
		}
		for _, m := range ev.res.Matches[ref.Name] {
			if int64(m.Offset) >= lo && int64(m.Offset) <= hi {
				return boolValue(true), nil
			}
		}
		return boolValue(false), nil

	case *ir.OfExpr:
		return ev.evalOf(n)

	case *ir.FuncCall:
		return ev.evalCall(n)

	default:
		return undefined, unsupported("%s expression %s", e.Kind(), ir.Format(e))
	}
}

func (ev *evaluator) evalRange(e ir.Expression) (lo, hi int64, ok bool, err error) {
	r, isRange := e.(*ir.RangeExpr)
	if !isRange {
		return 0, 0, false, unsupported("range %s", ir.Format(e))
	}
	lo, ok, err = ev.evalInt(r.Low)
	if err != nil || !ok {
		return 0, 0, false, err
	}
	hi, ok, err = ev.evalInt(r.High)
	return lo, hi, ok, err
}

func (ev *evaluator) evalOf(n *ir.OfExpr) (value, error) {
	var names []string
	if n.Them {
		names = ev.res.IDs
	} else {
		for _, pat := range n.Set {
			for _, id := range ev.res.IDs {
				if compiler.MatchStringName(pat, id) {
					names = append(names, id)
				}
			}
		}
	}
	matched := 0
	for _, id := range names {
		if ev.res.Matched(id) {
			matched++
		}
	}

	if kw, ok := n.Quantifier.(*ir.Keyword); ok {
		switch kw.Name {
		case "all":
			return boolValue(matched == len(names)), nil
		case "any":
			return boolValue(matched > 0), nil
		case "none":
			return boolValue(matched == 0), nil
		}
		return undefined, unsupported("quantifier %s", kw.Name)
	}
	need, ok, err := ev.evalInt(n.Quantifier)
	if err != nil || !ok {
		return boolValue(false), err
	}
	return boolValue(int64(matched) >= need), nil
}

// integer readers: size in bytes, signedness, byte order
var intReaders = map[string]struct {
	size   int
	signed bool
	big    bool
}{
	"uint8": {1, false, false}, "uint16": {2, false, false}, "uint32": {4, false, false},
	"int8": {1, true, false}, "int16": {2, true, false}, "int32": {4, true, false},
	"uint8be": {1, false, true}, "uint16be": {2, false, true}, "uint32be": {4, false, true},
	"int8be": {1, true, true}, "int16be": {2, true, true}, "int32be": {4, true, true},
}

func (ev *evaluator) evalCall(n *ir.FuncCall) (value, error) {
	rd, ok := intReaders[n.Callee]
	if !ok {
		return undefined, unsupported("function %s", n.Callee)
	}
	if len(n.Args) != 1 {
		return undefined, fmt.Errorf("%s expects one argument, got %d", n.Callee, len(n.Args))
	}
	off, ok, err := ev.evalInt(n.Args[0])
	if err != nil || !ok {
		return undefined, err
	}
	data := ev.res.Data
	if off < 0 || off+int64(rd.size) > int64(len(data)) {
		return undefined, nil
	}
	b := data[off : off+int64(rd.size)]

	var u uint64
	switch rd.size {
	case 1:
		u = uint64(b[0])
	case 2:
		if rd.big {
			u = uint64(binary.BigEndian.Uint16(b))
		} else {
			u = uint64(binary.LittleEndian.Uint16(b))
		}
	case 4:
		if rd.big {
			u = uint64(binary.BigEndian.Uint32(b))
		} else {
			u = uint64(binary.LittleEndian.Uint32(b))
		}
	}
	if !rd.signed {
		return intValue(int64(u)), nil
	}
	switch rd.size {
	case 1:
		return intValue(int64(int8(u))), nil
	case 2:
		return intValue(int64(int16(u))), nil
	default:
		return intValue(int64(int32(u))), nil
	}
}

func (ev *evaluator) evalBinary(n *ir.BinaryExpr) (value, error) {
	if n.Op == "matches" {
		return ev.evalMatches(n)
	}
	l, err := ev.eval(n.Left)
	if err != nil {
		return undefined, err
	}
	r, err := ev.eval(n.Right)
	if err != nil {
		return undefined, err
	}

	switch n.Op {
	case "contains", "icontains", "startswith", "istartswith",
		"endswith", "iendswith", "iequals":
		if l.isUndef() || r.isUndef() {
			return boolValue(false), nil
		}
		if l.kind != vStr || r.kind != vStr {
			return undefined, fmt.Errorf("operator %s needs string operands", n.Op)
		}
		return boolValue(stringOp(n.Op, l.s, r.s)), nil

	case "==", "!=", "<", "<=", ">", ">=":
		if l.isUndef() || r.isUndef() {
			return boolValue(false), nil
		}
		if l.kind == vStr || r.kind == vStr {
			if l.kind != r.kind {
				return undefined, fmt.Errorf("operator %s: cannot compare string with integer", n.Op)
			}
			return boolValue(compare(n.Op, strings.Compare(l.s, r.s))), nil
		}
		a, _ := l.asInt()
		b, _ := r.asInt()
		c := 0
		if a < b {
			c = -1
		} else if a > b {
			c = 1
		}
		return boolValue(compare(n.Op, c)), nil
	}

	if l.isUndef() || r.isUndef() {
		return undefined, nil
	}
	a, aok := l.asInt()
	b, bok := r.asInt()
	if !aok || !bok {
		return undefined, fmt.Errorf("operator %s needs integer operands", n.Op)
	}
	switch n.Op {
	case "+":
		return intValue(a + b), nil
	case "-":
		return intValue(a - b), nil
	case "*":
		return intValue(a * b), nil
	case "\\":
		if b == 0 {
			return undefined, nil
		}
		return intValue(a / b), nil
	case "%":
		if b == 0 {
			return undefined, nil
		}
		return intValue(a % b), nil
	case "&":
		return intValue(a & b), nil
	case "|":
		return intValue(a | b), nil
	case "^":
		return intValue(a ^ b), nil
	case "<<", ">>":
		if b < 0 {
			return undefined, nil
		}
		if b >= 64 {
			return intValue(0), nil
		}
		if n.Op == "<<" {
			return intValue(a << uint(b)), nil
		}
		return intValue(a >> uint(b)), nil
	}
	return undefined, unsupported("operator %s", n.Op)
}

func (ev *evaluator) evalMatches(n *ir.BinaryExpr) (value, error) {
	lit, ok := n.Right.(*ir.RegexLiteral)
	if !ok {
		return undefined, fmt.Errorf("matches needs a regular expression, got %s", ir.Format(n.Right))
	}
	l, err := ev.eval(n.Left)
	if err != nil {
		return undefined, err
	}
	if l.isUndef() {
		return boolValue(false), nil
	}
	if l.kind != vStr {
		return undefined, fmt.Errorf("matches needs a string operand")
	}
	key := lit.Flags + "/" + lit.Pattern
	re, ok := ev.regexps[key]
	if !ok {
		re, err = compileRegex(lit.Pattern, lit.Flags, false)
		if err != nil {
			return undefined, fmt.Errorf("regex /%s/: %w", lit.Pattern, err)
		}
		ev.regexps[key] = re
	}
	return boolValue(re.MatchString(l.s)), nil
}

func stringOp(op, a, b string) bool {
	switch op {
	case "contains":
		return strings.Contains(a, b)
	case "icontains":
		return strings.Contains(strings.ToLower(a), strings.ToLower(b))
	case "startswith":
		return strings.HasPrefix(a, b)
	case "istartswith":
		return strings.HasPrefix(strings.ToLower(a), strings.ToLower(b))
	case "endswith":
		return strings.HasSuffix(a, b)
	case "iendswith":
		return strings.HasSuffix(strings.ToLower(a), strings.ToLower(b))
	case "iequals":
		return strings.EqualFold(a, b)
	}
	return false
}

func compare(op string, c int) bool {
	switch op {
	case "==":
		return c == 0
	case "!=":
		return c != 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	}
	return false
}
