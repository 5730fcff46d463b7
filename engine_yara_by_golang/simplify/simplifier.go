package simplify

import (
	ir "github.com/PhucNguyen204/yara_simplifier/engine_yara_by_golang"
)

// Stats counts what a simplification pass did.
type Stats struct {
	NodesVisited         int `json:"nodes_visited"`
	ConstantsFolded      int `json:"constants_folded"`
	Absorbed             int `json:"absorbed"`
	IdentitiesEliminated int `json:"identities_eliminated"`
	ParensDropped        int `json:"parens_dropped"`
	LiteralsLifted       int `json:"literals_lifted"`
}

func (s *Stats) Add(o Stats) {
	s.NodesVisited += o.NodesVisited
	s.ConstantsFolded += o.ConstantsFolded
	s.Absorbed += o.Absorbed
	s.IdentitiesEliminated += o.IdentitiesEliminated
	s.ParensDropped += o.ParensDropped
	s.LiteralsLifted += o.LiteralsLifted
}

// Changed reports whether the pass rewrote anything beyond lifting literals.
func (s Stats) Changed() bool {
	return s.ConstantsFolded+s.Absorbed+s.IdentitiesEliminated+s.ParensDropped > 0
}

// Simplifier folds boolean constants in condition trees bottom-up.
//
// The input tree is rewritten in place: operator nodes that survive get their
// simplified children spliced back, so callers that still need the original
// must ir.Clone it first. A Simplifier holds no state between calls.
type Simplifier struct{}

func New() *Simplifier { return &Simplifier{} }

// Simplify is shorthand for New().Simplify(node).
func Simplify(node ir.Expression) ir.Expression {
	out, _ := New().SimplifyWithStats(node)
	return out
}

func (s *Simplifier) Simplify(node ir.Expression) ir.Expression {
	out, _ := s.SimplifyWithStats(node)
	return out
}

// frame is one pending node of the post-order walk.
type frame struct {
	node ir.Expression
	kids []ir.Expression // original children
	done []ir.Expression // simplified children, filled left to right
}

// SimplifyWithStats runs the pass and reports what changed. The walk keeps
// its own stack, so nesting depth is bounded by memory only.
func (s *Simplifier) SimplifyWithStats(node ir.Expression) (ir.Expression, Stats) {
	var st Stats
	stack := []*frame{newFrame(node)}
	var result ir.Expression

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if len(top.done) < len(top.kids) {
			stack = append(stack, newFrame(top.kids[len(top.done)]))
			continue
		}
		stack = stack[:len(stack)-1]
		out := s.reduce(top.node, top.done, &st)
		if len(stack) == 0 {
			result = out
			break
		}
		parent := stack[len(stack)-1]
		parent.done = append(parent.done, out)
	}
	return result, st
}

func newFrame(n ir.Expression) *frame {
	kids := n.Children()
	return &frame{node: n, kids: kids, done: make([]ir.Expression, 0, len(kids))}
}

// reduce applies the rule for node once all of its children are simplified.
func (s *Simplifier) reduce(node ir.Expression, kids []ir.Expression, st *Stats) ir.Expression {
	st.NodesVisited++

	switch n := node.(type) {
	case *ir.BoolLiteral:
		// lifted into a fresh node so no literal is shared between trees
		st.LiteralsLifted++
		return ir.Bool(n.Value)

	case *ir.AndExpr:
		left, right := kids[0], kids[1]
		lv, lok := ir.IsBoolLiteral(left)
		rv, rok := ir.IsBoolLiteral(right)
		switch {
		case lok && rok:
			st.ConstantsFolded++
			return ir.Bool(lv && rv)
		case lok:
			// F and X = F, T and X = X
			if !lv {
				st.Absorbed++
				return ir.Bool(false)
			}
			st.IdentitiesEliminated++
			return right
		case rok:
			// X and F = F, X and T = X
			if !rv {
				st.Absorbed++
				return ir.Bool(false)
			}
			st.IdentitiesEliminated++
			return left
		}
		return n.ReplaceChildren(kids)

	case *ir.OrExpr:
		left, right := kids[0], kids[1]
		lv, lok := ir.IsBoolLiteral(left)
		rv, rok := ir.IsBoolLiteral(right)
		switch {
		case lok && rok:
			st.ConstantsFolded++
			return ir.Bool(lv || rv)
		case lok:
			// T or X = T, F or X = X
			if lv {
				st.Absorbed++
				return ir.Bool(true)
			}
			st.IdentitiesEliminated++
			return right
		case rok:
			// X or T = T, X or F = X
			if rv {
				st.Absorbed++
				return ir.Bool(true)
			}
			st.IdentitiesEliminated++
			return left
		}
		return n.ReplaceChildren(kids)

	case *ir.NotExpr:
		if v, ok := ir.IsBoolLiteral(kids[0]); ok {
			st.ConstantsFolded++
			return ir.Bool(!v)
		}
		return n.ReplaceChildren(kids)

	case *ir.ParenExpr:
		// parentheses around a constant are dropped, around anything else kept
		if v, ok := ir.IsBoolLiteral(kids[0]); ok {
			st.ParensDropped++
			return ir.Bool(v)
		}
		return n.ReplaceChildren(kids)

	default:
		if len(kids) == 0 {
			return node
		}
		return node.ReplaceChildren(kids)
	}
}

// SimplifyRule replaces the rule condition with its simplified form.
func (s *Simplifier) SimplifyRule(r *ir.Rule) Stats {
	if r.Condition == nil {
		return Stats{}
	}
	out, st := s.SimplifyWithStats(r.Condition)
	r.Condition = out
	return st
}

// SimplifyFile simplifies every rule of f and returns the summed stats.
func (s *Simplifier) SimplifyFile(f *ir.RuleFile) Stats {
	var total Stats
	for _, r := range f.Rules {
		total.Add(s.SimplifyRule(r))
	}
	return total
}
