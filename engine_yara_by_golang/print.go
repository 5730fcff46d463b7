package engine_yara_by_golang

import (
	"strconv"
	"strings"
)

// Binding strength used by the printer and the parser.
const (
	PrecOr = iota + 1
	PrecAnd
	PrecNot
	PrecRelational
	PrecBitOr
	PrecBitXor
	PrecBitAnd
	PrecShift
	PrecAdditive
	PrecMultiplicative
	PrecUnary
	PrecPrimary
)

// BinaryPrecedence returns the precedence of a BinaryExpr operator, 0 if unknown.
func BinaryPrecedence(op string) int {
	switch op {
	case "==", "!=", "<", "<=", ">", ">=",
		"contains", "icontains", "startswith", "istartswith",
		"endswith", "iendswith", "iequals", "matches":
		return PrecRelational
	case "|":
		return PrecBitOr
	case "^":
		return PrecBitXor
	case "&":
		return PrecBitAnd
	case "<<", ">>":
		return PrecShift
	case "+", "-":
		return PrecAdditive
	case "*", "\\", "%":
		return PrecMultiplicative
	default:
		return 0
	}
}

func precedence(e Expression) int {
	switch n := e.(type) {
	case *OrExpr:
		return PrecOr
	case *AndExpr:
		return PrecAnd
	case *NotExpr:
		return PrecNot
	case *BinaryExpr:
		return BinaryPrecedence(n.Op)
	case *UnaryExpr:
		return PrecUnary
	case *OfExpr, *AtExpr, *InExpr:
		return PrecRelational
	default:
		return PrecPrimary
	}
}

// Format renders e as rule condition text. Parentheses are emitted for
// ParenExpr nodes and wherever the tree shape would not survive a re-parse.
func Format(e Expression) string {
	var b strings.Builder
	writeExpr(&b, e)
	return b.String()
}

func writeOperand(b *strings.Builder, e Expression, min int) {
	if precedence(e) < min {
		b.WriteByte('(')
		writeExpr(b, e)
		b.WriteByte(')')
		return
	}
	writeExpr(b, e)
}

func writeBinary(b *strings.Builder, op string, prec int, left, right Expression) {
	writeOperand(b, left, prec)
	b.WriteByte(' ')
	b.WriteString(op)
	b.WriteByte(' ')
	writeOperand(b, right, prec+1)
}

func writeExpr(b *strings.Builder, e Expression) {
	switch n := e.(type) {
	case nil:
		b.WriteString("<nil>")
	case *BoolLiteral:
		b.WriteString(strconv.FormatBool(n.Value))
	case *NotExpr:
		b.WriteString("not ")
		writeOperand(b, n.Operand, PrecNot)
	case *AndExpr:
		writeBinary(b, "and", PrecAnd, n.Left, n.Right)
	case *OrExpr:
		writeBinary(b, "or", PrecOr, n.Left, n.Right)
	case *ParenExpr:
		b.WriteByte('(')
		writeExpr(b, n.Inner)
		b.WriteByte(')')
	case *Identifier:
		b.WriteString(n.Name)
	case *StringRef:
		b.WriteByte('$')
		b.WriteString(n.Name)
	case *StringCount:
		b.WriteByte('#')
		b.WriteString(n.Name)
		if n.Range != nil {
			b.WriteString(" in ")
			writeExpr(b, n.Range)
		}
	case *StringOffset:
		b.WriteByte('@')
		b.WriteString(n.Name)
		if n.Index != nil {
			b.WriteByte('[')
			writeExpr(b, n.Index)
			b.WriteByte(']')
		}
	case *IntLiteral:
		if n.Text != "" {
			b.WriteString(n.Text)
		} else {
			b.WriteString(strconv.FormatInt(n.Value, 10))
		}
	case *TextLiteral:
		b.WriteString(QuoteText(n.Value))
	case *RegexLiteral:
		b.WriteByte('/')
		b.WriteString(n.Pattern)
		b.WriteByte('/')
		b.WriteString(n.Flags)
	case *Keyword:
		b.WriteString(n.Name)
	case *UnaryExpr:
		b.WriteString(n.Op)
		writeOperand(b, n.Operand, PrecUnary)
	case *BinaryExpr:
		writeBinary(b, n.Op, BinaryPrecedence(n.Op), n.Left, n.Right)
	case *AtExpr:
		writeExpr(b, n.Ref)
		b.WriteString(" at ")
		writeOperand(b, n.Offset, PrecRelational+1)
	case *InExpr:
		writeExpr(b, n.Ref)
		b.WriteString(" in ")
		writeExpr(b, n.Range)
	case *RangeExpr:
		b.WriteByte('(')
		writeExpr(b, n.Low)
		b.WriteString("..")
		writeExpr(b, n.High)
		b.WriteByte(')')
	case *OfExpr:
		writeOperand(b, n.Quantifier, PrecPrimary)
		b.WriteString(" of ")
		if n.Them {
			b.WriteString("them")
			break
		}
		b.WriteByte('(')
		for i, s := range n.Set {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('$')
			b.WriteString(s)
		}
		b.WriteByte(')')
	case *FuncCall:
		b.WriteString(n.Callee)
		b.WriteByte('(')
		for i, a := range n.Args {
			if i > 0 {
				b.WriteString(", ")
			}
			writeExpr(b, a)
		}
		b.WriteByte(')')
	default:
		b.WriteString(e.String())
	}
}

// QuoteText renders s as a double-quoted rule string with escapes.
func QuoteText(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if c < 0x20 || c >= 0x7f {
				b.WriteString(`\x`)
				b.WriteString(strconv.FormatUint(uint64(c)>>4, 16))
				b.WriteString(strconv.FormatUint(uint64(c)&0xf, 16))
			} else {
				b.WriteByte(c)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}
