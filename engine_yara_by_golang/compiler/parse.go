package compiler

import (
	"errors"
	"fmt"
	"strings"

	ir "github.com/PhucNguyen204/yara_simplifier/engine_yara_by_golang"
)

// DefaultMaxDepth bounds condition nesting when no config is supplied.
const DefaultMaxDepth = 1024

// ErrNestingTooDeep is returned when a condition nests deeper than the parser limit.
var ErrNestingTooDeep = errors.New("condition nesting too deep")

// ---------------- Parser ----------------

type Parser struct {
	tokens   []Token
	pos      int
	depth    int
	maxDepth int
}

func NewParser(tokens []Token) *Parser {
	return &Parser{tokens: tokens, maxDepth: DefaultMaxDepth}
}

func (p *Parser) WithMaxDepth(n int) *Parser {
	p.maxDepth = n
	return p
}

func (p *Parser) current() *Token {
	if p.pos < len(p.tokens) {
		return &p.tokens[p.pos]
	}
	return &Token{Kind: TokEOF}
}

func (p *Parser) peek(off int) *Token {
	if p.pos+off < len(p.tokens) {
		return &p.tokens[p.pos+off]
	}
	return &Token{Kind: TokEOF}
}

func (p *Parser) advance() *Token {
	t := p.current()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return t
}

func (p *Parser) is(k TokenKind) bool { return p.current().Kind == k }

func (p *Parser) isWord(word string) bool {
	t := p.current()
	return t.Kind == TokIdentifier && t.Text == word
}

func (p *Parser) errorf(t *Token, format string, args ...any) error {
	return &SyntaxError{Line: t.Line, Col: t.Col, Msg: fmt.Sprintf(format, args...)}
}

func (p *Parser) expect(k TokenKind) (*Token, error) {
	t := p.current()
	if t.Kind != k {
		return nil, p.errorf(t, "expected %s, found %s", k, describe(t))
	}
	return p.advance(), nil
}

func (p *Parser) expectWord(word string) error {
	if !p.isWord(word) {
		t := p.current()
		return p.errorf(t, "expected '%s', found %s", word, describe(t))
	}
	p.advance()
	return nil
}

func describe(t *Token) string {
	if t.Kind == TokEOF {
		return t.Kind.String()
	}
	return fmt.Sprintf("%s %q", t.Kind, t.Text)
}

func (p *Parser) enter() error {
	p.depth++
	if p.depth > p.maxDepth {
		t := p.current()
		return &SyntaxError{Line: t.Line, Col: t.Col, Msg: fmt.Sprintf("%v (limit %d)", ErrNestingTooDeep, p.maxDepth), Err: ErrNestingTooDeep}
	}
	return nil
}

func (p *Parser) leave() { p.depth-- }

// ---------------- Rule file ----------------

func (p *Parser) parseFile() (*ir.RuleFile, error) {
	f := &ir.RuleFile{}
	seen := map[string]struct{}{}
	for !p.is(TokEOF) {
		if p.isWord("import") {
			p.advance()
			t, err := p.expect(TokText)
			if err != nil {
				return nil, err
			}
			f.Imports = append(f.Imports, t.Text)
			continue
		}
		start := p.current()
		r, err := p.parseRule()
		if err != nil {
			return nil, err
		}
		if _, dup := seen[r.Name]; dup {
			return nil, p.errorf(start, "duplicated rule identifier %q", r.Name)
		}
		seen[r.Name] = struct{}{}
		f.Rules = append(f.Rules, r)
	}
	return f, nil
}

func (p *Parser) parseRule() (*ir.Rule, error) {
	r := &ir.Rule{}
	for {
		switch {
		case p.isWord("private"):
			r.Private = true
			p.advance()
			continue
		case p.isWord("global"):
			r.Global = true
			p.advance()
			continue
		}
		break
	}
	if err := p.expectWord("rule"); err != nil {
		return nil, err
	}
	name, err := p.expect(TokIdentifier)
	if err != nil {
		return nil, err
	}
	r.Name = name.Text
	if p.is(TokColon) {
		p.advance()
		for p.is(TokIdentifier) {
			r.Tags = append(r.Tags, p.advance().Text)
		}
		if len(r.Tags) == 0 {
			return nil, p.errorf(p.current(), "expected tag after ':'")
		}
	}
	if _, err := p.expect(TokLeftBrace); err != nil {
		return nil, err
	}
	if p.isWord("meta") && p.peek(1).Kind == TokColon {
		p.advance()
		p.advance()
		if r.Meta, err = p.parseMeta(); err != nil {
			return nil, err
		}
	}
	if p.isWord("strings") && p.peek(1).Kind == TokColon {
		p.advance()
		p.advance()
		if r.Strings, err = p.parseStrings(); err != nil {
			return nil, err
		}
	}
	if err := p.expectWord("condition"); err != nil {
		return nil, err
	}
	if _, err := p.expect(TokColon); err != nil {
		return nil, err
	}
	if r.Condition, err = p.parseOrExpression(); err != nil {
		return nil, err
	}
	if _, err := p.expect(TokRightBrace); err != nil {
		return nil, err
	}
	if err := checkStringRefs(r); err != nil {
		return nil, p.errorf(name, "rule %s: %v", r.Name, err)
	}
	return r, nil
}

func (p *Parser) parseMeta() ([]ir.Meta, error) {
	var out []ir.Meta
	for p.is(TokIdentifier) && p.peek(1).Kind == TokAssign {
		key := p.advance().Text
		p.advance()
		t := p.current()
		switch {
		case t.Kind == TokText:
			out = append(out, ir.Meta{Key: key, Value: t.Text})
		case t.Kind == TokNumber:
			out = append(out, ir.Meta{Key: key, Value: t.Value})
		case t.Kind == TokOperator && t.Text == "-" && p.peek(1).Kind == TokNumber:
			p.advance()
			out = append(out, ir.Meta{Key: key, Value: -p.current().Value})
		case t.Kind == TokTrue || t.Kind == TokFalse:
			out = append(out, ir.Meta{Key: key, Value: t.Kind == TokTrue})
		default:
			return nil, p.errorf(t, "invalid meta value %s", describe(t))
		}
		p.advance()
	}
	return out, nil
}

func (p *Parser) parseStrings() ([]ir.StringDef, error) {
	var out []ir.StringDef
	seen := map[string]struct{}{}
	for p.is(TokStringRef) {
		idTok := p.advance()
		if strings.HasSuffix(idTok.Text, "*") {
			return nil, p.errorf(idTok, "wildcard not allowed in string definition $%s", idTok.Text)
		}
		if idTok.Text != "" {
			if _, dup := seen[idTok.Text]; dup {
				return nil, p.errorf(idTok, "duplicated string identifier $%s", idTok.Text)
			}
			seen[idTok.Text] = struct{}{}
		}
		if _, err := p.expect(TokAssign); err != nil {
			return nil, err
		}
		def := ir.StringDef{ID: idTok.Text}
		t := p.advance()
		switch t.Kind {
		case TokText:
			def.Type, def.Value = ir.StringText, t.Text
		case TokHexString:
			def.Type, def.Value = ir.StringHex, t.Text
		case TokRegex:
			def.Type, def.Value, def.Flags = ir.StringRegex, t.Text, t.Flags
		default:
			return nil, p.errorf(t, "expected string value, found %s", describe(t))
		}
		for p.is(TokIdentifier) && isStringModifier(p.current().Text) {
			mod := p.advance().Text
			// xor(0x01-0xff), base64("alphabet")
			if p.is(TokLeftParen) {
				var b strings.Builder
				b.WriteString(mod)
				for !p.is(TokRightParen) {
					if p.is(TokEOF) {
						return nil, p.errorf(p.current(), "unterminated modifier arguments")
					}
					a := p.advance()
					if a.Kind == TokText {
						b.WriteString(ir.QuoteText(a.Text))
					} else {
						b.WriteString(a.Text)
					}
				}
				b.WriteString(p.advance().Text)
				mod = b.String()
			}
			def.Modifiers = append(def.Modifiers, mod)
		}
		out = append(out, def)
	}
	return out, nil
}

var stringModifiers = map[string]struct{}{
	"nocase": {}, "wide": {}, "ascii": {}, "fullword": {}, "private": {},
	"xor": {}, "base64": {}, "base64wide": {},
}

func isStringModifier(s string) bool {
	_, ok := stringModifiers[s]
	return ok
}

// checkStringRefs rejects references to strings the rule does not define.
func checkStringRefs(r *ir.Rule) error {
	matches := func(name string) bool {
		if !strings.HasSuffix(name, "*") {
			_, ok := r.StringByID(name)
			return ok
		}
		for _, s := range r.Strings {
			if MatchStringName(name, s.ID) {
				return true
			}
		}
		return false
	}
	var err error
	ir.Walk(r.Condition, func(e ir.Expression) bool {
		if err != nil {
			return false
		}
		var names []string
		switch n := e.(type) {
		case *ir.StringRef:
			names = []string{n.Name}
		case *ir.StringCount:
			names = []string{n.Name}
		case *ir.StringOffset:
			names = []string{n.Name}
		case *ir.OfExpr:
			names = n.Set
		}
		for _, name := range names {
			// "$" alone refers to the enclosing "for .. of" string, not supported here
			if !matches(name) {
				err = fmt.Errorf("undefined string identifier $%s", name)
				return false
			}
		}
		return true
	})
	return err
}

// MatchStringName reports whether a reference (possibly ending with '*') selects the string id.
func MatchStringName(ref, id string) bool {
	if strings.HasSuffix(ref, "*") {
		return strings.HasPrefix(id, strings.TrimSuffix(ref, "*"))
	}
	return ref == id
}

// ---------------- Condition ----------------

// OR (lowest)
func (p *Parser) parseOrExpression() (ir.Expression, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	left, err := p.parseAndExpression()
	if err != nil {
		return nil, err
	}
	for p.is(TokOr) {
		p.advance()
		right, err := p.parseAndExpression()
		if err != nil {
			return nil, err
		}
		left = ir.Or(left, right)
	}
	return left, nil
}

func (p *Parser) parseAndExpression() (ir.Expression, error) {
	left, err := p.parseNotExpression()
	if err != nil {
		return nil, err
	}
	for p.is(TokAnd) {
		p.advance()
		right, err := p.parseNotExpression()
		if err != nil {
			return nil, err
		}
		left = ir.And(left, right)
	}
	return left, nil
}

func (p *Parser) parseNotExpression() (ir.Expression, error) {
	if !p.is(TokNot) {
		return p.parseBinary(ir.PrecRelational)
	}
	p.advance()
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()
	operand, err := p.parseNotExpression()
	if err != nil {
		return nil, err
	}
	return ir.Not(operand), nil
}

func (p *Parser) binaryOp() (string, int) {
	t := p.current()
	if t.Kind != TokOperator {
		return "", 0
	}
	return t.Text, ir.BinaryPrecedence(t.Text)
}

// parseBinary implements precedence climbing for every non-boolean operator.
func (p *Parser) parseBinary(minPrec int) (ir.Expression, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, prec := p.binaryOp()
		if prec == 0 || prec < minPrec {
			return left, nil
		}
		p.advance()
		right, err := p.parseBinary(prec + 1)
		if err != nil {
			return nil, err
		}
		left = ir.Binary(op, left, right)
	}
}

func (p *Parser) parseUnary() (ir.Expression, error) {
	t := p.current()
	if t.Kind == TokOperator && (t.Text == "-" || t.Text == "~") {
		p.advance()
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &ir.UnaryExpr{Op: t.Text, Operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *Parser) parsePrimary() (ir.Expression, error) {
	t := p.current()
	switch t.Kind {
	case TokLeftParen:
		p.advance()
		inner, err := p.parseOrExpression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokRightParen); err != nil {
			return nil, err
		}
		paren := ir.Paren(inner)
		if p.is(TokOf) {
			return p.parseOf(paren)
		}
		return paren, nil

	case TokTrue, TokFalse:
		p.advance()
		return ir.Bool(t.Kind == TokTrue), nil

	case TokNumber:
		p.advance()
		lit := &ir.IntLiteral{Value: t.Value, Text: t.Text}
		if p.is(TokOf) {
			return p.parseOf(lit)
		}
		return lit, nil

	case TokText:
		p.advance()
		return &ir.TextLiteral{Value: t.Text}, nil

	case TokRegex:
		p.advance()
		return &ir.RegexLiteral{Pattern: t.Text, Flags: t.Flags}, nil

	case TokAll, TokAny, TokNone:
		p.advance()
		return p.parseOf(&ir.Keyword{Name: t.Text})

	case TokStringRef:
		p.advance()
		ref := &ir.StringRef{Name: t.Text}
		switch {
		case p.is(TokAt):
			p.advance()
			off, err := p.parseBinary(ir.PrecBitOr)
			if err != nil {
				return nil, err
			}
			return &ir.AtExpr{Ref: ref, Offset: off}, nil
		case p.is(TokIn):
			p.advance()
			rng, err := p.parseRange()
			if err != nil {
				return nil, err
			}
			return &ir.InExpr{Ref: ref, Range: rng}, nil
		}
		return ref, nil

	case TokStringCount:
		p.advance()
		cnt := &ir.StringCount{Name: t.Text}
		if p.is(TokIn) {
			p.advance()
			rng, err := p.parseRange()
			if err != nil {
				return nil, err
			}
			cnt.Range = rng
		}
		return cnt, nil

	case TokStringOffset:
		p.advance()
		off := &ir.StringOffset{Name: t.Text}
		if p.is(TokLeftBracket) {
			p.advance()
			idx, err := p.parseOrExpression()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(TokRightBracket); err != nil {
				return nil, err
			}
			off.Index = idx
		}
		return off, nil

	case TokIdentifier:
		p.advance()
		if !p.is(TokLeftParen) {
			return &ir.Identifier{Name: t.Text}, nil
		}
		p.advance()
		call := &ir.FuncCall{Callee: t.Text}
		for !p.is(TokRightParen) {
			if len(call.Args) > 0 {
				if _, err := p.expect(TokComma); err != nil {
					return nil, err
				}
			}
			arg, err := p.parseOrExpression()
			if err != nil {
				return nil, err
			}
			call.Args = append(call.Args, arg)
		}
		p.advance()
		return call, nil

	default:
		return nil, p.errorf(t, "unexpected %s in condition", describe(t))
	}
}

func (p *Parser) parseRange() (ir.Expression, error) {
	if _, err := p.expect(TokLeftParen); err != nil {
		return nil, err
	}
	low, err := p.parseBinary(ir.PrecBitOr)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokDotDot); err != nil {
		return nil, err
	}
	high, err := p.parseBinary(ir.PrecBitOr)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokRightParen); err != nil {
		return nil, err
	}
	return &ir.RangeExpr{Low: low, High: high}, nil
}

// parseOf parses "of them" or "of ($a, $b*)" after the quantifier.
func (p *Parser) parseOf(quantifier ir.Expression) (ir.Expression, error) {
	if _, err := p.expect(TokOf); err != nil {
		return nil, err
	}
	of := &ir.OfExpr{Quantifier: quantifier}
	if p.is(TokThem) {
		p.advance()
		of.Them = true
		return of, nil
	}
	if _, err := p.expect(TokLeftParen); err != nil {
		return nil, err
	}
	for {
		t, err := p.expect(TokStringRef)
		if err != nil {
			return nil, err
		}
		of.Set = append(of.Set, t.Text)
		if !p.is(TokComma) {
			break
		}
		p.advance()
	}
	if _, err := p.expect(TokRightParen); err != nil {
		return nil, err
	}
	return of, nil
}

// ---------------- Entry points ----------------

// ParseTokens parses a complete condition expression.
func ParseTokens(tokens []Token, maxDepth int) (ir.Expression, error) {
	if len(tokens) == 0 || tokens[0].Kind == TokEOF {
		return nil, fmt.Errorf("empty condition")
	}
	p := NewParser(tokens).WithMaxDepth(maxDepth)
	expr, err := p.parseOrExpression()
	if err != nil {
		return nil, err
	}
	if !p.is(TokEOF) {
		return nil, p.errorf(p.current(), "unexpected %s after condition", describe(p.current()))
	}
	return expr, nil
}

// ParseCondition parses condition text such as `$a and not (#b > 2)`.
func ParseCondition(cond string) (ir.Expression, error) {
	toks, err := TokenizeCondition(cond)
	if err != nil {
		return nil, err
	}
	return ParseTokens(toks, DefaultMaxDepth)
}

// ParseRuleFile parses the text of a rule file.
func ParseRuleFile(src string) (*ir.RuleFile, error) {
	return parseRuleFile(src, DefaultMaxDepth)
}

func parseRuleFile(src string, maxDepth int) (*ir.RuleFile, error) {
	toks, err := Tokenize(src)
	if err != nil {
		return nil, err
	}
	return NewParser(toks).WithMaxDepth(maxDepth).parseFile()
}
