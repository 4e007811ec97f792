package survey

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// State is what a predicate can observe: answers given so far and the
// questions skipped so far.
type State struct {
	Answers map[string]any
	Skipped map[string]bool
}

// Predicate is a condition over already-given answers.
type Predicate interface {
	Eval(s State) bool
	// References lists the questions the predicate reads.
	References() []string
	String() string
}

type op string

const (
	opEq  op = "=="
	opNe  op = "!="
	opLt  op = "<"
	opLe  op = "<="
	opGt  op = ">"
	opGe  op = ">="
	opIn  op = "in"
	opSkp op = "skipped"
)

type comparison struct {
	question string
	op       op
	values   []any
}

// Equals holds when question's answer equals v.
func Equals(question string, v any) Predicate {
	return comparison{question: question, op: opEq, values: []any{v}}
}

// NotEquals holds when question was answered with something other than v.
func NotEquals(question string, v any) Predicate {
	return comparison{question: question, op: opNe, values: []any{v}}
}

// In holds when question's answer is one of values.
func In(question string, values ...any) Predicate {
	return comparison{question: question, op: opIn, values: values}
}

// Compare holds when question's answer compares to v with the given operator
// (one of == != < <= > >=).
func Compare(question, operator string, v any) (Predicate, error) {
	o := op(operator)
	switch o {
	case opEq, opNe, opLt, opLe, opGt, opGe:
		return comparison{question: question, op: o, values: []any{v}}, nil
	}
	return nil, fmt.Errorf("unknown operator %q", operator)
}

// Skipped holds when question was skipped.
func Skipped(question string) Predicate {
	return comparison{question: question, op: opSkp}
}

func (c comparison) References() []string { return []string{c.question} }

func (c comparison) Eval(s State) bool {
	if c.op == opSkp {
		return s.Skipped[c.question]
	}
	ans, ok := s.Answers[c.question]
	if !ok {
		return false
	}
	switch c.op {
	case opIn:
		return slices.ContainsFunc(c.values, func(v any) bool { return equal(ans, v) })
	case opEq:
		return equal(ans, c.values[0])
	case opNe:
		return !equal(ans, c.values[0])
	}
	a, aok := number(ans)
	b, bok := number(c.values[0])
	if !aok || !bok {
		return false
	}
	switch c.op {
	case opLt:
		return a < b
	case opLe:
		return a <= b
	case opGt:
		return a > b
	case opGe:
		return a >= b
	}
	return false
}

func (c comparison) String() string {
	switch c.op {
	case opSkp:
		return c.question + " skipped"
	case opIn:
		parts := make([]string, len(c.values))
		for i, v := range c.values {
			parts[i] = literal(v)
		}
		return fmt.Sprintf("%s in [%s]", c.question, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s %s %s", c.question, c.op, literal(c.values[0]))
}

type logical struct {
	and   bool
	parts []Predicate
}

// And holds when every part holds.
func And(parts ...Predicate) Predicate { return logical{and: true, parts: parts} }

// Or holds when any part holds.
func Or(parts ...Predicate) Predicate { return logical{parts: parts} }

func (l logical) Eval(s State) bool {
	for _, p := range l.parts {
		if p.Eval(s) != l.and {
			return !l.and
		}
	}
	return l.and
}

func (l logical) References() []string {
	var refs []string
	for _, p := range l.parts {
		refs = append(refs, p.References()...)
	}
	return refs
}

func (l logical) String() string {
	sep := " or "
	if l.and {
		sep = " and "
	}
	parts := make([]string, len(l.parts))
	for i, p := range l.parts {
		parts[i] = "(" + p.String() + ")"
	}
	return strings.Join(parts, sep)
}

type negation struct{ p Predicate }

// Not inverts p.
func Not(p Predicate) Predicate { return negation{p} }

func (n negation) Eval(s State) bool    { return !n.p.Eval(s) }
func (n negation) References() []string { return n.p.References() }
func (n negation) String() string       { return "not (" + n.p.String() + ")" }

type funcPredicate struct {
	refs []string
	fn   func(answers map[string]any) bool
	desc string
}

// Func wraps an arbitrary condition. refs must list every question fn reads.
func Func(desc string, refs []string, fn func(answers map[string]any) bool) Predicate {
	return funcPredicate{refs: refs, fn: fn, desc: desc}
}

func (f funcPredicate) Eval(s State) bool    { return f.fn(s.Answers) }
func (f funcPredicate) References() []string { return f.refs }
func (f funcPredicate) String() string       { return f.desc }

// equal compares answers numerically when both sides are numbers, otherwise
// by their printed form.
func equal(a, b any) bool {
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			return x == y
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func literal(v any) string {
	if s, ok := v.(string); ok {
		return strconv.Quote(s)
	}
	return fmt.Sprint(v)
}
