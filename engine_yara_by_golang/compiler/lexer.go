package compiler

import (
	"fmt"
	"strconv"
	"strings"
)

// ---------------- Tokens ----------------

type TokenKind int

const (
	TokEOF TokenKind = iota
	TokIdentifier
	TokStringRef    // $a, $a*
	TokStringCount  // #a
	TokStringOffset // @a
	TokNumber
	TokText
	TokRegex
	TokHexString
	TokOperator // comparison, string, bitwise and arithmetic operators
	TokAnd
	TokOr
	TokNot
	TokTrue
	TokFalse
	TokOf
	TokThem
	TokAll
	TokAny
	TokNone
	TokAt
	TokIn
	TokLeftParen
	TokRightParen
	TokLeftBracket
	TokRightBracket
	TokLeftBrace
	TokRightBrace
	TokComma
	TokColon
	TokAssign
	TokDotDot
)

var tokenNames = map[TokenKind]string{
	TokEOF:          "end of input",
	TokIdentifier:   "identifier",
	TokStringRef:    "string identifier",
	TokStringCount:  "string count",
	TokStringOffset: "string offset",
	TokNumber:       "number",
	TokText:         "text string",
	TokRegex:        "regular expression",
	TokHexString:    "hex string",
	TokOperator:     "operator",
	TokLeftParen:    "'('",
	TokRightParen:   "')'",
	TokLeftBracket:  "'['",
	TokRightBracket: "']'",
	TokLeftBrace:    "'{'",
	TokRightBrace:   "'}'",
	TokComma:        "','",
	TokColon:        "':'",
	TokAssign:       "'='",
	TokDotDot:       "'..'",
}

func (k TokenKind) String() string {
	if s, ok := tokenNames[k]; ok {
		return s
	}
	for word, kind := range keywords {
		if kind == k {
			return "'" + word + "'"
		}
	}
	return fmt.Sprintf("TokenKind(%d)", int(k))
}

var keywords = map[string]TokenKind{
	"and":   TokAnd,
	"or":    TokOr,
	"not":   TokNot,
	"true":  TokTrue,
	"false": TokFalse,
	"of":    TokOf,
	"them":  TokThem,
	"all":   TokAll,
	"any":   TokAny,
	"none":  TokNone,
	"at":    TokAt,
	"in":    TokIn,
}

// word operators; symbolic ones are matched in lexOperator
var wordOperators = map[string]struct{}{
	"contains": {}, "icontains": {},
	"startswith": {}, "istartswith": {},
	"endswith": {}, "iendswith": {},
	"iequals": {}, "matches": {},
}

type Token struct {
	Kind  TokenKind
	Text  string // raw source text; decoded value for TokText, pattern for TokRegex
	Flags string // regex flags
	Value int64  // TokNumber
	Line  int
	Col   int
}

// SyntaxError reports a lexing or parsing failure at a source position.
type SyntaxError struct {
	Line, Col int
	Msg       string
	Err       error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %d:%d: %s", e.Line, e.Col, e.Msg)
}

func (e *SyntaxError) Unwrap() error { return e.Err }

// ---------------- Lexer ----------------

type lexer struct {
	src  string
	pos  int
	line int
	col  int
	last TokenKind
	out  []Token
}

// Tokenize splits rule-file source into tokens terminated by TokEOF.
func Tokenize(src string) ([]Token, error) {
	lx := &lexer{src: src, line: 1, col: 1, last: TokEOF}
	for {
		if err := lx.skipSpaceAndComments(); err != nil {
			return nil, err
		}
		if lx.pos >= len(lx.src) {
			lx.emit(Token{Kind: TokEOF, Line: lx.line, Col: lx.col})
			return lx.out, nil
		}
		if err := lx.next(); err != nil {
			return nil, err
		}
	}
}

// TokenizeCondition tokenizes a bare condition expression.
func TokenizeCondition(cond string) ([]Token, error) {
	return Tokenize(cond)
}

func (lx *lexer) errorf(line, col int, format string, args ...any) error {
	return &SyntaxError{Line: line, Col: col, Msg: fmt.Sprintf(format, args...)}
}

func (lx *lexer) emit(t Token) {
	lx.out = append(lx.out, t)
	lx.last = t.Kind
}

func (lx *lexer) peekByte(off int) byte {
	if lx.pos+off < len(lx.src) {
		return lx.src[lx.pos+off]
	}
	return 0
}

func (lx *lexer) advance(n int) {
	for i := 0; i < n && lx.pos < len(lx.src); i++ {
		if lx.src[lx.pos] == '\n' {
			lx.line++
			lx.col = 1
		} else {
			lx.col++
		}
		lx.pos++
	}
}

func (lx *lexer) skipSpaceAndComments() error {
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			lx.advance(1)
		case c == '/' && lx.peekByte(1) == '/':
			for lx.pos < len(lx.src) && lx.src[lx.pos] != '\n' {
				lx.advance(1)
			}
		case c == '/' && lx.peekByte(1) == '*':
			line, col := lx.line, lx.col
			end := strings.Index(lx.src[lx.pos+2:], "*/")
			if end < 0 {
				return lx.errorf(line, col, "unterminated comment")
			}
			lx.advance(end + 4)
		default:
			return nil
		}
	}
	return nil
}

func isIdentStart(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || ('0' <= c && c <= '9')
}

func (lx *lexer) next() error {
	line, col := lx.line, lx.col
	c := lx.src[lx.pos]

	switch {
	case isIdentStart(c):
		return lx.lexWord(line, col)
	case '0' <= c && c <= '9':
		return lx.lexNumber(line, col)
	case c == '$' || c == '#' || c == '@':
		return lx.lexStringIdent(line, col)
	case c == '"':
		return lx.lexText(line, col)
	case c == '/':
		return lx.lexRegex(line, col)
	case c == '{' && lx.last == TokAssign:
		return lx.lexHex(line, col)
	}

	if k, ok := punctuation[c]; ok {
		lx.advance(1)
		lx.emit(Token{Kind: k, Text: string(c), Line: line, Col: col})
		return nil
	}
	if c == '.' && lx.peekByte(1) == '.' {
		lx.advance(2)
		lx.emit(Token{Kind: TokDotDot, Text: "..", Line: line, Col: col})
		return nil
	}
	return lx.lexOperator(line, col)
}

func (lx *lexer) lexWord(line, col int) error {
	start := lx.pos
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		if isIdentChar(c) {
			lx.advance(1)
			continue
		}
		// dotted module members: pe.number_of_sections
		if c == '.' && isIdentStart(lx.peekByte(1)) {
			lx.advance(1)
			continue
		}
		break
	}
	word := lx.src[start:lx.pos]
	if k, ok := keywords[word]; ok {
		lx.emit(Token{Kind: k, Text: word, Line: line, Col: col})
		return nil
	}
	if _, ok := wordOperators[word]; ok {
		lx.emit(Token{Kind: TokOperator, Text: word, Line: line, Col: col})
		return nil
	}
	lx.emit(Token{Kind: TokIdentifier, Text: word, Line: line, Col: col})
	return nil
}

func (lx *lexer) lexNumber(line, col int) error {
	start := lx.pos
	base := 10
	digits := start
	if lx.src[lx.pos] == '0' && (lx.peekByte(1) == 'x' || lx.peekByte(1) == 'X') {
		base = 16
		lx.advance(2)
		digits = lx.pos
		for lx.pos < len(lx.src) && strings.IndexByte("0123456789abcdefABCDEF", lx.src[lx.pos]) >= 0 {
			lx.advance(1)
		}
	} else if lx.src[lx.pos] == '0' && lx.peekByte(1) == 'o' {
		base = 8
		lx.advance(2)
		digits = lx.pos
		for lx.pos < len(lx.src) && '0' <= lx.src[lx.pos] && lx.src[lx.pos] <= '7' {
			lx.advance(1)
		}
	} else {
		for lx.pos < len(lx.src) && '0' <= lx.src[lx.pos] && lx.src[lx.pos] <= '9' {
			lx.advance(1)
		}
	}
	num := lx.src[digits:lx.pos]
	v, err := strconv.ParseInt(num, base, 64)
	if err != nil {
		return lx.errorf(line, col, "invalid number %q", lx.src[start:lx.pos])
	}
	if base == 10 {
		switch {
		case strings.HasPrefix(lx.src[lx.pos:], "KB"):
			v *= 1024
			lx.advance(2)
		case strings.HasPrefix(lx.src[lx.pos:], "MB"):
			v *= 1024 * 1024
			lx.advance(2)
		}
	}
	if lx.pos < len(lx.src) && isIdentChar(lx.src[lx.pos]) {
		return lx.errorf(line, col, "invalid number %q", lx.src[start:lx.pos+1])
	}
	lx.emit(Token{Kind: TokNumber, Text: lx.src[start:lx.pos], Value: v, Line: line, Col: col})
	return nil
}

func (lx *lexer) lexStringIdent(line, col int) error {
	sigil := lx.src[lx.pos]
	lx.advance(1)
	start := lx.pos
	for lx.pos < len(lx.src) && isIdentChar(lx.src[lx.pos]) {
		lx.advance(1)
	}
	if sigil == '$' && lx.pos < len(lx.src) && lx.src[lx.pos] == '*' {
		lx.advance(1)
	}
	name := lx.src[start:lx.pos]
	kind := TokStringRef
	switch sigil {
	case '#':
		kind = TokStringCount
	case '@':
		kind = TokStringOffset
	}
	lx.emit(Token{Kind: kind, Text: name, Line: line, Col: col})
	return nil
}

func (lx *lexer) lexText(line, col int) error {
	lx.advance(1)
	var b strings.Builder
	for {
		if lx.pos >= len(lx.src) || lx.src[lx.pos] == '\n' {
			return lx.errorf(line, col, "unterminated string")
		}
		c := lx.src[lx.pos]
		if c == '"' {
			lx.advance(1)
			break
		}
		if c != '\\' {
			b.WriteByte(c)
			lx.advance(1)
			continue
		}
		esc := lx.peekByte(1)
		switch esc {
		case '"', '\\':
			b.WriteByte(esc)
			lx.advance(2)
		case 'n':
			b.WriteByte('\n')
			lx.advance(2)
		case 'r':
			b.WriteByte('\r')
			lx.advance(2)
		case 't':
			b.WriteByte('\t')
			lx.advance(2)
		case 'x':
			if lx.pos+4 > len(lx.src) {
				return lx.errorf(lx.line, lx.col, "invalid escape sequence")
			}
			v, err := strconv.ParseUint(lx.src[lx.pos+2:lx.pos+4], 16, 8)
			if err != nil {
				return lx.errorf(lx.line, lx.col, "invalid escape sequence")
			}
			b.WriteByte(byte(v))
			lx.advance(4)
		default:
			return lx.errorf(lx.line, lx.col, "invalid escape sequence \\%c", esc)
		}
	}
	lx.emit(Token{Kind: TokText, Text: b.String(), Line: line, Col: col})
	return nil
}

func (lx *lexer) lexRegex(line, col int) error {
	lx.advance(1)
	start := lx.pos
	for {
		if lx.pos >= len(lx.src) || lx.src[lx.pos] == '\n' {
			return lx.errorf(line, col, "unterminated regular expression")
		}
		c := lx.src[lx.pos]
		if c == '\\' {
			lx.advance(2)
			continue
		}
		if c == '/' {
			break
		}
		lx.advance(1)
	}
	pattern := lx.src[start:lx.pos]
	lx.advance(1)
	fstart := lx.pos
	for lx.pos < len(lx.src) && (lx.src[lx.pos] == 'i' || lx.src[lx.pos] == 's') {
		lx.advance(1)
	}
	if pattern == "" {
		return lx.errorf(line, col, "empty regular expression")
	}
	lx.emit(Token{Kind: TokRegex, Text: pattern, Flags: lx.src[fstart:lx.pos], Line: line, Col: col})
	return nil
}

func (lx *lexer) lexHex(line, col int) error {
	lx.advance(1)
	end := strings.IndexByte(lx.src[lx.pos:], '}')
	if end < 0 {
		return lx.errorf(line, col, "unterminated hex string")
	}
	body := strings.Join(strings.Fields(lx.src[lx.pos:lx.pos+end]), " ")
	for i := 0; i < len(body); i++ {
		if strings.IndexByte("0123456789abcdefABCDEF?[]-|() ~", body[i]) < 0 {
			return lx.errorf(line, col, "invalid character %q in hex string", body[i])
		}
	}
	if body == "" {
		return lx.errorf(line, col, "empty hex string")
	}
	lx.advance(end + 1)
	lx.emit(Token{Kind: TokHexString, Text: body, Line: line, Col: col})
	return nil
}

var punctuation = map[byte]TokenKind{
	'(': TokLeftParen, ')': TokRightParen,
	'[': TokLeftBracket, ']': TokRightBracket,
	'{': TokLeftBrace, '}': TokRightBrace,
	',': TokComma, ':': TokColon,
}

var symbolOperators = []string{
	"==", "!=", "<=", ">=", "<<", ">>",
	"<", ">", "+", "-", "*", "\\", "%", "&", "|", "^", "~", "=",
}

func (lx *lexer) lexOperator(line, col int) error {
	rest := lx.src[lx.pos:]
	for _, op := range symbolOperators {
		if strings.HasPrefix(rest, op) {
			lx.advance(len(op))
			if op == "=" {
				lx.emit(Token{Kind: TokAssign, Text: op, Line: line, Col: col})
			} else {
				lx.emit(Token{Kind: TokOperator, Text: op, Line: line, Col: col})
			}
			return nil
		}
	}
	return lx.errorf(line, col, "unexpected character '%c'", lx.src[lx.pos])
}
