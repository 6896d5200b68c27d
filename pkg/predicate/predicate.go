// Package predicate implements the conditions rules are matched with. A
// Condition is a small tagged tree, not a closure, so it can be printed,
// serialized and evaluated any number of times without side effects.
package predicate

import (
	"sort"
	"strings"

	"github.com/duynguyendang/ssdtprof/pkg/facts"
)

// Op is the comparison or combinator a Condition applies.
type Op string

const (
	OpEq  Op = "eq"
	OpNe  Op = "ne"
	OpLt  Op = "lt"
	OpLe  Op = "le"
	OpGt  Op = "gt"
	OpGe  Op = "ge"
	OpIn  Op = "in"
	OpAll Op = "all"
	OpAny Op = "any"
	OpNot Op = "not"
)

func (o Op) comparison() bool {
	switch o {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpIn:
		return true
	}
	return false
}

// Condition is a boolean function over a fact set. The zero Condition is an
// empty conjunction and matches everything.
type Condition struct {
	Op     Op
	Fact   string
	Values []facts.Value
	Terms  []Condition
}

// True matches every fact set.
func True() Condition { return Condition{Op: OpAll} }

func compare(op Op, fact string, v any) Condition {
	val, err := facts.ValueOf(v)
	if err != nil {
		panic("predicate: " + err.Error())
	}
	return Condition{Op: op, Fact: fact, Values: []facts.Value{val}}
}

func Eq(fact string, v any) Condition { return compare(OpEq, fact, v) }
func Ne(fact string, v any) Condition { return compare(OpNe, fact, v) }
func Lt(fact string, v any) Condition { return compare(OpLt, fact, v) }
func Le(fact string, v any) Condition { return compare(OpLe, fact, v) }
func Gt(fact string, v any) Condition { return compare(OpGt, fact, v) }
func Ge(fact string, v any) Condition { return compare(OpGe, fact, v) }

// In matches when the fact equals any of vs.
func In(fact string, vs ...any) Condition {
	c := Condition{Op: OpIn, Fact: fact}
	for _, v := range vs {
		val, err := facts.ValueOf(v)
		if err != nil {
			panic("predicate: " + err.Error())
		}
		c.Values = append(c.Values, val)
	}
	return c
}

func All(terms ...Condition) Condition { return Condition{Op: OpAll, Terms: terms} }
func Any(terms ...Condition) Condition { return Condition{Op: OpAny, Terms: terms} }
func Not(term Condition) Condition     { return Condition{Op: OpNot, Terms: []Condition{term}} }

// Facts returns the sorted names of every fact the condition refers to.
func (c Condition) Facts() []string {
	seen := map[string]bool{}
	c.collect(seen)
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (c Condition) collect(seen map[string]bool) {
	if c.Op.comparison() {
		seen[c.Fact] = true
		return
	}
	for _, t := range c.Terms {
		t.collect(seen)
	}
}

// Match evaluates the condition. A condition that refers to a fact missing
// from s is false as a whole, including under not().
func (c Condition) Match(s facts.Set) bool {
	for _, name := range c.Facts() {
		if !s.Has(name) {
			return false
		}
	}
	return c.eval(s)
}

func (c Condition) eval(s facts.Set) bool {
	switch c.Op {
	case "", OpAll:
		for _, t := range c.Terms {
			if !t.eval(s) {
				return false
			}
		}
		return true
	case OpAny:
		for _, t := range c.Terms {
			if t.eval(s) {
				return true
			}
		}
		return false
	case OpNot:
		return len(c.Terms) == 1 && !c.Terms[0].eval(s)
	}

	got, ok := s.Get(c.Fact)
	if !ok || len(c.Values) == 0 {
		return false
	}
	switch c.Op {
	case OpEq:
		return got.Equal(c.Values[0])
	case OpNe:
		return got.Kind() == c.Values[0].Kind() && !got.Equal(c.Values[0])
	case OpIn:
		for _, v := range c.Values {
			if got.Equal(v) {
				return true
			}
		}
		return false
	}

	// Ordering is only defined between integers.
	a, ok := got.Int()
	if !ok {
		return false
	}
	b, ok := c.Values[0].Int()
	if !ok {
		return false
	}
	switch c.Op {
	case OpLt:
		return a < b
	case OpLe:
		return a <= b
	case OpGt:
		return a > b
	case OpGe:
		return a >= b
	}
	return false
}

// String renders the condition in the compact text form accepted by Parse.
func (c Condition) String() string {
	return c.render(true)
}

func (c Condition) render(root bool) string {
	switch c.Op {
	case "", OpAll, OpAny, OpNot:
		parts := make([]string, len(c.Terms))
		for i, t := range c.Terms {
			parts[i] = t.render(false)
		}
		if c.Op == "" || c.Op == OpAll {
			if len(parts) == 0 {
				return "true"
			}
			if root {
				return strings.Join(parts, ", ")
			}
			return "all(" + strings.Join(parts, ", ") + ")"
		}
		return string(c.Op) + "(" + strings.Join(parts, ", ") + ")"
	}
	parts := []string{c.Fact}
	for _, v := range c.Values {
		parts = append(parts, literal(v))
	}
	return string(c.Op) + "(" + strings.Join(parts, ", ") + ")"
}

func literal(v facts.Value) string {
	if s, ok := v.Str(); ok {
		if _, isInt := facts.Parse(s).Int(); isInt || s == "" || strings.ContainsAny(s, " ,()'\"") {
			return "'" + s + "'"
		}
		return s
	}
	return v.String()
}
