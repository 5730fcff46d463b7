package matcher

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	ir "github.com/PhucNguyen204/yara_simplifier/engine_yara_by_golang"
)

// stringMatcher finds the occurrences of one string definition.
//
// Text strings and plain hex strings become literal byte patterns (one per
// encoding or xor key) and are eligible for the prefilter. Hex strings with
// wildcards, jumps or alternatives are translated to a regexp that runs over
// the latin1 view of the data.
type stringMatcher struct {
	id       string
	literals [][]byte
	nocase   bool
	fullword bool
	wide     bool
	re       *regexp.Regexp

	// re anchored at the start of the data, and re anchored after one
	// preceding character, for exact checks at a given offset
	atStart   *regexp.Regexp
	afterChar *regexp.Regexp
}

func (m *stringMatcher) isLiteral() bool { return m.re == nil }

func (m *stringMatcher) setRegexp(re *regexp.Regexp) error {
	src := re.String()
	atStart, err := regexp.Compile(`^(?:` + src + `)`)
	if err != nil {
		return err
	}
	afterChar, err := regexp.Compile(`^(?s:.)(?:` + src + `)`)
	if err != nil {
		return err
	}
	m.re, m.atStart, m.afterChar = re, atStart, afterChar
	return nil
}

func compileString(def ir.StringDef) (*stringMatcher, error) {
	m := &stringMatcher{
		id:       def.ID,
		nocase:   def.HasModifier("nocase"),
		fullword: def.HasModifier("fullword"),
		wide:     def.HasModifier("wide"),
	}
	for _, mod := range def.Modifiers {
		if strings.HasPrefix(mod, "base64") {
			return nil, unsupported("modifier %s on $%s", mod, def.ID)
		}
	}

	switch def.Type {
	case ir.StringText:
		keys, err := xorKeys(def.Modifiers)
		if err != nil {
			return nil, fmt.Errorf("$%s: %w", def.ID, err)
		}
		var encodings [][]byte
		if !m.wide || def.HasModifier("ascii") {
			encodings = append(encodings, []byte(def.Value))
		}
		if m.wide {
			encodings = append(encodings, widen([]byte(def.Value)))
		}
		for _, enc := range encodings {
			for _, k := range keys {
				m.literals = append(m.literals, xorBytes(enc, k))
			}
		}

	case ir.StringHex:
		if lit, ok := plainHex(def.Value); ok {
			m.literals = [][]byte{lit}
			break
		}
		expr, err := hexToRegexp(def.Value)
		if err != nil {
			return nil, fmt.Errorf("$%s: %w", def.ID, err)
		}
		re, err := regexp.Compile(expr)
		if err == nil {
			err = m.setRegexp(re)
		}
		if err != nil {
			return nil, fmt.Errorf("$%s: %w", def.ID, err)
		}

	case ir.StringRegex:
		re, err := compileRegex(def.Value, def.Flags, m.nocase)
		if err == nil {
			err = m.setRegexp(re)
		}
		if err != nil {
			return nil, fmt.Errorf("$%s: %w", def.ID, err)
		}

	default:
		return nil, unsupported("string type %s", def.Type)
	}
	return m, nil
}

// scanInput carries the buffer plus views derived from it on demand.
type scanInput struct {
	data    []byte
	lowered []byte
	view    *latin1View
}

func (in *scanInput) lower() []byte {
	if in.lowered == nil {
		in.lowered = asciiLower(in.data)
	}
	return in.lowered
}

func (in *scanInput) latin1() *latin1View {
	if in.view == nil {
		in.view = newLatin1View(in.data)
	}
	return in.view
}

// latin1View re-encodes every byte as one rune so that regexp, which works on
// UTF-8, treats each input byte as a single character.
type latin1View struct {
	text []byte
	orig []int // orig[i] is the data offset of text[i]; one sentinel at the end
}

func newLatin1View(data []byte) *latin1View {
	v := &latin1View{
		text: make([]byte, 0, len(data)),
		orig: make([]int, 0, len(data)+1),
	}
	for i, c := range data {
		if c < 0x80 {
			v.text = append(v.text, c)
			v.orig = append(v.orig, i)
			continue
		}
		v.text = append(v.text, 0xc0|c>>6, 0x80|c&0x3f)
		v.orig = append(v.orig, i, i)
	}
	v.orig = append(v.orig, len(data))
	return v
}

// find returns every occurrence sorted by offset.
func (m *stringMatcher) find(in *scanInput) []Match {
	var out []Match
	if m.re != nil {
		return m.filterFullword(in.data, m.findRegex(in.latin1()))
	}

	hay := in.data
	if m.nocase {
		hay = in.lower()
	}
	seen := make(map[int]bool)
	for _, lit := range m.literals {
		pat := lit
		if m.nocase {
			pat = asciiLower(lit)
		}
		if len(pat) == 0 {
			continue
		}
		for start := 0; start <= len(hay)-len(pat); {
			i := bytes.Index(hay[start:], pat)
			if i < 0 {
				break
			}
			off := start + i
			if !seen[off] {
				seen[off] = true
				out = append(out, Match{Offset: off, Length: len(pat)})
			}
			start = off + 1
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return m.filterFullword(in.data, out)
}

// findRegex reports a match at every starting offset, overlapping ones
// included. Searching a suffix of the text loses the context of its first
// character (^, \b, \B), so that offset is always checked with the exact
// anchored forms and the unanchored search only decides later offsets.
func (m *stringMatcher) findRegex(view *latin1View) []Match {
	text := view.text
	var out []Match
	add := func(start, end int) {
		if end > start {
			s, e := view.orig[start], view.orig[end]
			out = append(out, Match{Offset: s, Length: e - s})
		}
	}
	for pos := 0; pos < len(text); {
		if end, ok := m.matchAt(text, pos); ok && end > pos {
			add(pos, end)
			pos = nextChar(text, pos)
			continue
		}
		next := nextChar(text, pos)
		loc := m.re.FindIndex(text[pos:])
		if loc == nil {
			break
		}
		if loc[0] == 0 {
			// only the already rejected offset matched; retry from the next one
			pos = next
			continue
		}
		start := pos + loc[0]
		add(start, pos+loc[1])
		pos = nextChar(text, start)
	}
	return out
}

// matchAt reports the end of the match starting exactly at pos.
func (m *stringMatcher) matchAt(text []byte, pos int) (int, bool) {
	if pos == 0 {
		loc := m.atStart.FindIndex(text)
		if loc == nil {
			return 0, false
		}
		return loc[1], true
	}
	prev := prevChar(text, pos)
	loc := m.afterChar.FindIndex(text[prev:])
	if loc == nil {
		return 0, false
	}
	return prev + loc[1], true
}

// nextChar and prevChar step over one character of a latin1 view, where
// bytes >= 0x80 are encoded as two-byte sequences.
func nextChar(text []byte, pos int) int {
	if text[pos] < 0x80 {
		return pos + 1
	}
	return pos + 2
}

func prevChar(text []byte, pos int) int {
	if c := text[pos-1]; c >= 0x80 && c < 0xc0 {
		return pos - 2
	}
	return pos - 1
}

func (m *stringMatcher) filterFullword(data []byte, in []Match) []Match {
	if !m.fullword {
		return in
	}
	step := 1
	if m.wide {
		step = 2
	}
	out := in[:0]
	for _, mt := range in {
		before := mt.Offset - step
		after := mt.Offset + mt.Length
		if before >= 0 && isWordByte(data[before]) {
			continue
		}
		if after < len(data) && isWordByte(data[after]) {
			continue
		}
		out = append(out, mt)
	}
	return out
}

func isWordByte(c byte) bool {
	return c == '_' || '0' <= c && c <= '9' || 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z'
}

func asciiLower(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return out
}

func widen(b []byte) []byte {
	out := make([]byte, 0, 2*len(b))
	for _, c := range b {
		out = append(out, c, 0)
	}
	return out
}

func xorBytes(b []byte, key byte) []byte {
	if key == 0 {
		return append([]byte(nil), b...)
	}
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = c ^ key
	}
	return out
}

// xorKeys expands "xor", "xor(n)" and "xor(lo-hi)"; without the modifier the only key is 0.
func xorKeys(mods []string) ([]byte, error) {
	for _, mod := range mods {
		if !strings.HasPrefix(mod, "xor") {
			continue
		}
		lo, hi := 0, 255
		if args := strings.TrimPrefix(mod, "xor"); args != "" {
			args = strings.TrimSuffix(strings.TrimPrefix(args, "("), ")")
			var err error
			if a, b, ok := strings.Cut(args, "-"); ok {
				if lo, err = parseByte(a); err != nil {
					return nil, err
				}
				if hi, err = parseByte(b); err != nil {
					return nil, err
				}
			} else {
				if lo, err = parseByte(args); err != nil {
					return nil, err
				}
				hi = lo
			}
		}
		if lo > hi {
			return nil, fmt.Errorf("invalid xor range %d-%d", lo, hi)
		}
		keys := make([]byte, 0, hi-lo+1)
		for k := lo; k <= hi; k++ {
			keys = append(keys, byte(k))
		}
		return keys, nil
	}
	return []byte{0}, nil
}

func parseByte(s string) (int, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 0, 64)
	if err != nil || v < 0 || v > 255 {
		return 0, fmt.Errorf("invalid xor key %q", s)
	}
	return int(v), nil
}

// plainHex decodes a hex string body without wildcards, jumps or alternatives.
func plainHex(body string) ([]byte, bool) {
	digits := strings.ReplaceAll(body, " ", "")
	if len(digits)%2 != 0 || strings.ContainsAny(digits, "?[]()|~-") {
		return nil, false
	}
	out := make([]byte, 0, len(digits)/2)
	for i := 0; i < len(digits); i += 2 {
		v, err := strconv.ParseUint(digits[i:i+2], 16, 8)
		if err != nil {
			return nil, false
		}
		out = append(out, byte(v))
	}
	return out, true
}

// hexToRegexp translates a hex string body into an RE2 expression over bytes.
func hexToRegexp(body string) (string, error) {
	var b strings.Builder
	b.WriteString("(?s)")
	s := strings.ReplaceAll(body, " ", "")
	for i := 0; i < len(s); {
		switch c := s[i]; {
		case c == '(':
			b.WriteString("(?:")
			i++
		case c == ')':
			b.WriteByte(')')
			i++
		case c == '|':
			b.WriteByte('|')
			i++
		case c == '[':
			end := strings.IndexByte(s[i:], ']')
			if end < 0 {
				return "", fmt.Errorf("unterminated jump in hex string")
			}
			jump := s[i+1 : i+end]
			lo, hi, ranged := strings.Cut(jump, "-")
			switch {
			case !ranged:
				fmt.Fprintf(&b, ".{%s}", jump)
			case lo == "" && hi == "":
				b.WriteString(".*?")
			case lo == "":
				fmt.Fprintf(&b, ".{0,%s}", hi)
			case hi == "":
				fmt.Fprintf(&b, ".{%s,}", lo)
			default:
				fmt.Fprintf(&b, ".{%s,%s}", lo, hi)
			}
			i += end + 1
		case c == '~':
			if i+3 > len(s) {
				return "", fmt.Errorf("truncated negation in hex string")
			}
			cls, err := nibbleClass(s[i+1], s[i+2])
			if err != nil {
				return "", err
			}
			b.WriteString("[^" + cls + "]")
			i += 3
		default:
			if i+2 > len(s) {
				return "", fmt.Errorf("odd number of hex digits")
			}
			cls, err := nibbleClass(s[i], s[i+1])
			if err != nil {
				return "", err
			}
			if len(cls) == 4 {
				b.WriteString(cls)
			} else {
				b.WriteString("[" + cls + "]")
			}
			i += 2
		}
	}
	return b.String(), nil
}

// nibbleClass returns a byte escape for a full byte, or the contents of a
// character class when either nibble is a wildcard.
func nibbleClass(hi, lo byte) (string, error) {
	if hi == '?' && lo == '?' {
		return `\x00-\xff`, nil
	}
	hv, hok := hexNibble(hi)
	lv, lok := hexNibble(lo)
	switch {
	case hok && lok:
		return fmt.Sprintf(`\x%02x`, hv<<4|lv), nil
	case hok && lo == '?':
		return fmt.Sprintf(`\x%02x-\x%02x`, hv<<4, hv<<4|0x0f), nil
	case hi == '?' && lok:
		var b strings.Builder
		for h := 0; h < 16; h++ {
			fmt.Fprintf(&b, `\x%02x`, h<<4|lv)
		}
		return b.String(), nil
	}
	return "", fmt.Errorf("invalid hex byte %c%c", hi, lo)
}

func hexNibble(c byte) (int, bool) {
	switch {
	case '0' <= c && c <= '9':
		return int(c - '0'), true
	case 'a' <= c && c <= 'f':
		return int(c-'a') + 10, true
	case 'A' <= c && c <= 'F':
		return int(c-'A') + 10, true
	}
	return 0, false
}

// compileRegex builds a byte-oriented regexp from a rule regex and its flags.
func compileRegex(pattern, flags string, nocase bool) (*regexp.Regexp, error) {
	prefix := ""
	if nocase || strings.Contains(flags, "i") {
		prefix += "i"
	}
	if strings.Contains(flags, "s") {
		prefix += "s"
	}
	if prefix != "" {
		pattern = "(?" + prefix + ")" + pattern
	}
	return regexp.Compile(pattern)
}
