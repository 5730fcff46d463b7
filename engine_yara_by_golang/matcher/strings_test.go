package matcher

import (
	"testing"

	ir "github.com/PhucNguyen204/yara_simplifier/engine_yara_by_golang"
)

func offsets(ms []Match) []int {
	out := make([]int, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Offset)
	}
	return out
}

func findAll(t *testing.T, def ir.StringDef, data string) []Match {
	t.Helper()
	m, err := compileString(def)
	if err != nil {
		t.Fatalf("compile %+v: %v", def, err)
	}
	return m.find(&scanInput{data: []byte(data)})
}

func sameInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestTextStringOverlapping(t *testing.T) {
	got := offsets(findAll(t, ir.StringDef{ID: "a", Value: "aa"}, "aaaa"))
	if !sameInts(got, []int{0, 1, 2}) {
		t.Fatalf("offsets = %v", got)
	}
}

func TestTextStringModifiers(t *testing.T) {
	cases := []struct {
		name string
		def  ir.StringDef
		data string
		want []int
	}{
		{"nocase", ir.StringDef{ID: "a", Value: "CmD", Modifiers: []string{"nocase"}}, "xcmd CMD", []int{1, 5}},
		{"case-sensitive", ir.StringDef{ID: "a", Value: "cmd"}, "CMD cmd", []int{4}},
		{"wide", ir.StringDef{ID: "a", Value: "ab", Modifiers: []string{"wide"}}, "ab a\x00b\x00", []int{3}},
		{"wide-ascii", ir.StringDef{ID: "a", Value: "ab", Modifiers: []string{"wide", "ascii"}}, "ab a\x00b\x00", []int{0, 3}},
		{"fullword", ir.StringDef{ID: "a", Value: "exe", Modifiers: []string{"fullword"}}, "exe.exec a-exe", []int{0, 11}},
		{"xor-single", ir.StringDef{ID: "a", Value: "ab", Modifiers: []string{"xor(1)"}}, "`c ab", []int{0}},
		{"xor-range", ir.StringDef{ID: "a", Value: "ab", Modifiers: []string{"xor(0x00-0x01)"}}, "`c ab", []int{0, 3}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := offsets(findAll(t, tc.def, tc.data))
			if !sameInts(got, tc.want) {
				t.Fatalf("offsets = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestHexStrings(t *testing.T) {
	data := "\x00MZ\x90\x00\xff\xfe\x4d\x5a\x00\x01"
	cases := []struct {
		body string
		want []int
	}{
		{"4D 5A", []int{1, 7}},
		{"4D 5A ?? 00", []int{1}},
		{"4D 5A [1-2] 00", []int{1}},
		{"FF (FE | FD) 4D", []int{5}},
		{"?D 5A", []int{1, 7}},
		{"4? 5A", []int{1, 7}},
		{"~4D 5A", nil},
		{"FF FE", []int{5}},
	}
	for _, tc := range cases {
		got := offsets(findAll(t, ir.StringDef{ID: "h", Type: ir.StringHex, Value: tc.body}, data))
		if !sameInts(got, tc.want) {
			t.Fatalf("%s: offsets = %v, want %v", tc.body, got, tc.want)
		}
	}
}

func TestHexWildcardSpansHighBytes(t *testing.T) {
	// a multi-byte UTF-8 sequence must still count as separate bytes
	data := "A\xc3\xa9B"
	got := findAll(t, ir.StringDef{ID: "h", Type: ir.StringHex, Value: "41 ?? ?? 42"}, data)
	if len(got) != 1 || got[0].Offset != 0 || got[0].Length != 4 {
		t.Fatalf("matches = %+v", got)
	}
}

func TestRegexStrings(t *testing.T) {
	got := findAll(t, ir.StringDef{ID: "r", Type: ir.StringRegex, Value: `https?://[a-z]+`, Flags: "i"}, "x HTTP://abc y http://q")
	if !sameInts(offsets(got), []int{2, 15}) {
		t.Fatalf("offsets = %v", offsets(got))
	}
	if got[0].Length != len("HTTP://abc") {
		t.Fatalf("length = %d", got[0].Length)
	}
}

func TestCompileStringErrors(t *testing.T) {
	if _, err := compileString(ir.StringDef{ID: "a", Value: "x", Modifiers: []string{"base64"}}); err == nil {
		t.Fatalf("expected base64 to be unsupported")
	}
	if _, err := compileString(ir.StringDef{ID: "a", Value: "x", Modifiers: []string{"xor(9-2)"}}); err == nil {
		t.Fatalf("expected invalid xor range")
	}
	if _, err := compileString(ir.StringDef{ID: "r", Type: ir.StringRegex, Value: "("}); err == nil {
		t.Fatalf("expected bad regex")
	}
}

func TestPatternFormsCountOverlapsAlike(t *testing.T) {
	defs := []ir.StringDef{
		{ID: "lit", Value: "aa"},
		{ID: "hex", Type: ir.StringHex, Value: "61 61"},
		{ID: "nibble", Type: ir.StringHex, Value: "61 6?"},
		{ID: "re", Type: ir.StringRegex, Value: "aa"},
	}
	for _, def := range defs {
		got := offsets(findAll(t, def, "aaaa"))
		if !sameInts(got, []int{0, 1, 2}) {
			t.Fatalf("$%s: offsets = %v, want [0 1 2]", def.ID, got)
		}
	}
}

func TestRegexOverlapsAcrossHighBytes(t *testing.T) {
	got := findAll(t, ir.StringDef{ID: "h", Type: ir.StringHex, Value: "FF ?? FF"}, "\xff\xff\xff\xff")
	if !sameInts(offsets(got), []int{0, 1}) {
		t.Fatalf("offsets = %v", offsets(got))
	}
	if got[1].Length != 3 {
		t.Fatalf("length = %d", got[1].Length)
	}
}

func TestRegexAssertionsKeepContext(t *testing.T) {
	cases := []struct {
		pattern string
		data    string
		want    []int
	}{
		{`^ab`, "abab", []int{0}},
		{`\bab`, "abab ab", []int{0, 5}},
		{`\Bb`, "ab b", []int{1}},
		{`a+`, "aaa", []int{0, 1, 2}},
	}
	for _, tc := range cases {
		got := offsets(findAll(t, ir.StringDef{ID: "r", Type: ir.StringRegex, Value: tc.pattern}, tc.data))
		if !sameInts(got, tc.want) {
			t.Fatalf("/%s/ on %q: offsets = %v, want %v", tc.pattern, tc.data, got, tc.want)
		}
	}
}
