package engine_yara_by_golang

import (
	"strconv"
	"strings"
)

type StringType int

const (
	StringText StringType = iota
	StringHex
	StringRegex
)

func (t StringType) String() string {
	switch t {
	case StringText:
		return "text"
	case StringHex:
		return "hex"
	case StringRegex:
		return "regex"
	default:
		return "StringType(" + strconv.Itoa(int(t)) + ")"
	}
}

// StringDef is one entry of a rule's strings section.
type StringDef struct {
	ID        string     `json:"id"` // without '$'
	Type      StringType `json:"type"`
	Value     string     `json:"value"` // decoded text, raw hex body or regex pattern
	Flags     string     `json:"flags,omitempty"`
	Modifiers []string   `json:"modifiers,omitempty"`
}

func (s StringDef) HasModifier(name string) bool {
	for _, m := range s.Modifiers {
		if m == name {
			return true
		}
	}
	return false
}

func (s StringDef) Clone() StringDef {
	cp := s
	cp.Modifiers = append([]string(nil), s.Modifiers...)
	return cp
}

// Meta is a key/value from the meta section; Value is string, int64 or bool.
type Meta struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type Rule struct {
	Name      string      `json:"name"`
	Private   bool        `json:"private,omitempty"`
	Global    bool        `json:"global,omitempty"`
	Tags      []string    `json:"tags,omitempty"`
	Meta      []Meta      `json:"meta,omitempty"`
	Strings   []StringDef `json:"strings,omitempty"`
	Condition Expression  `json:"-"`
}

func (r *Rule) StringByID(id string) (StringDef, bool) {
	for _, s := range r.Strings {
		if s.ID == id {
			return s, true
		}
	}
	return StringDef{}, false
}

// Clone deep-copies the rule including its condition tree.
func (r *Rule) Clone() *Rule {
	cp := &Rule{
		Name:      r.Name,
		Private:   r.Private,
		Global:    r.Global,
		Tags:      append([]string(nil), r.Tags...),
		Meta:      append([]Meta(nil), r.Meta...),
		Strings:   make([]StringDef, 0, len(r.Strings)),
		Condition: Clone(r.Condition),
	}
	for _, s := range r.Strings {
		cp.Strings = append(cp.Strings, s.Clone())
	}
	return cp
}

// Text renders the rule in rule-file syntax.
func (r *Rule) Text() string {
	var b strings.Builder
	if r.Private {
		b.WriteString("private ")
	}
	if r.Global {
		b.WriteString("global ")
	}
	b.WriteString("rule ")
	b.WriteString(r.Name)
	if len(r.Tags) > 0 {
		b.WriteString(" : ")
		b.WriteString(strings.Join(r.Tags, " "))
	}
	b.WriteString("\n{\n")
	if len(r.Meta) > 0 {
		b.WriteString("\tmeta:\n")
		for _, m := range r.Meta {
			b.WriteString("\t\t")
			b.WriteString(m.Key)
			b.WriteString(" = ")
			b.WriteString(formatMetaValue(m.Value))
			b.WriteByte('\n')
		}
	}
	if len(r.Strings) > 0 {
		b.WriteString("\tstrings:\n")
		for _, s := range r.Strings {
			b.WriteString("\t\t$")
			b.WriteString(s.ID)
			b.WriteString(" = ")
			switch s.Type {
			case StringHex:
				b.WriteString("{ ")
				b.WriteString(s.Value)
				b.WriteString(" }")
			case StringRegex:
				b.WriteByte('/')
				b.WriteString(s.Value)
				b.WriteByte('/')
				b.WriteString(s.Flags)
			default:
				b.WriteString(QuoteText(s.Value))
			}
			for _, m := range s.Modifiers {
				b.WriteByte(' ')
				b.WriteString(m)
			}
			b.WriteByte('\n')
		}
	}
	b.WriteString("\tcondition:\n\t\t")
	b.WriteString(Format(r.Condition))
	b.WriteString("\n}\n")
	return b.String()
}

func formatMetaValue(v any) string {
	switch t := v.(type) {
	case string:
		return QuoteText(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return QuoteText("")
	}
}

type RuleFile struct {
	Imports []string `json:"imports,omitempty"`
	Rules   []*Rule  `json:"rules"`
}

func (f *RuleFile) Rule(name string) (*Rule, bool) {
	for _, r := range f.Rules {
		if r.Name == name {
			return r, true
		}
	}
	return nil, false
}

func (f *RuleFile) Clone() *RuleFile {
	cp := &RuleFile{
		Imports: append([]string(nil), f.Imports...),
		Rules:   make([]*Rule, 0, len(f.Rules)),
	}
	for _, r := range f.Rules {
		cp.Rules = append(cp.Rules, r.Clone())
	}
	return cp
}

func (f *RuleFile) Text() string {
	var b strings.Builder
	for _, imp := range f.Imports {
		b.WriteString("import ")
		b.WriteString(QuoteText(imp))
		b.WriteByte('\n')
	}
	if len(f.Imports) > 0 {
		b.WriteByte('\n')
	}
	for i, r := range f.Rules {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(r.Text())
	}
	return b.String()
}
