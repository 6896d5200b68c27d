// Package engine applies rules to a fact set and produces a finalized
// profile.
//
// Resolution selects the rules whose condition holds, orders them with their
// before/after constraints (registration order breaks ties), then applies
// each action in turn against a private profile builder. Later rules see and
// may replace what earlier rules bound. Nothing is published until every
// action succeeded.
package engine

import (
	"fmt"
	"strings"

	apperrors "github.com/duynguyendang/ssdtprof/pkg/common/errors"
	"github.com/duynguyendang/ssdtprof/pkg/facts"
	"github.com/duynguyendang/ssdtprof/pkg/layout"
	"github.com/duynguyendang/ssdtprof/pkg/order"
	"github.com/duynguyendang/ssdtprof/pkg/predicate"
	"github.com/duynguyendang/ssdtprof/pkg/profile"
	"github.com/duynguyendang/ssdtprof/pkg/tables"
)

var (
	ErrDuplicateRule        = fmt.Errorf("%w: duplicate rule", apperrors.ErrInternal)
	ErrUnknownRuleReference = fmt.Errorf("%w: unknown rule reference", apperrors.ErrInternal)
)

// Env is what an action sees while it applies.
type Env struct {
	Profile *profile.Builder
	Loader  tables.Loader
	RuleID  string

	precedes func(earlier string) bool
}

// Precedes reports whether rule id is constrained, directly or transitively,
// to apply before the current rule.
func (e *Env) Precedes(id string) bool {
	if e.precedes == nil {
		return false
	}
	return e.precedes(id)
}

// Action is the effect of a rule.
type Action interface {
	Kind() profile.ActionKind
	Describe() string
	Apply(env *Env) error
}

// InstallLayouts binds every layout of a catalog variant. Replacing a layout
// installed by a rule that is not ordered before this one is an
// AmbiguousStructure error.
type InstallLayouts struct {
	Variant string
	Layouts []layout.Layout
}

func (a InstallLayouts) Kind() profile.ActionKind { return profile.ActionLayout }

func (a InstallLayouts) Describe() string {
	names := make([]string, len(a.Layouts))
	for i, l := range a.Layouts {
		names[i] = l.Name
	}
	return fmt.Sprintf("install %s (%s)", a.Variant, strings.Join(names, ", "))
}

func (a InstallLayouts) Apply(env *Env) error {
	for _, l := range a.Layouts {
		if _, src, rule, ok := env.Profile.Layout(l.Name); ok && !env.Precedes(rule) {
			return &layout.AmbiguousStructureError{Name: l.Name, Variants: []string{src, a.Variant}}
		}
	}
	for _, l := range a.Layouts {
		env.Profile.SetLayout(env.RuleID, a.Variant, l)
	}
	return nil
}

// BindTable loads a data module and binds it as a reference table. With
// Additional set, the module's name pair is also stored under that key.
type BindTable struct {
	Table      string
	Module     string
	Additional string
}

func (a BindTable) Kind() profile.ActionKind { return profile.ActionTable }

func (a BindTable) Describe() string {
	s := fmt.Sprintf("bind %s -> %s", a.Table, a.Module)
	if a.Additional != "" {
		s += fmt.Sprintf(" (+additional[%s])", a.Additional)
	}
	return s
}

func (a BindTable) Apply(env *Env) error {
	if env.Loader == nil {
		return fmt.Errorf("%w: no module loader for %s", tables.ErrReferenceTableUnavailable, a.Module)
	}
	mod, err := env.Loader.Load(a.Module)
	if err != nil {
		return err
	}
	t := mod.Table(a.Table)
	env.Profile.BindTable(env.RuleID, t)
	if a.Additional != "" {
		env.Profile.SetAdditional(env.RuleID, a.Additional, mod.ID, t.Pair())
	}
	return nil
}

// EnableLegacyShim turns on the deprecated syscalls accessor.
type EnableLegacyShim struct{}

func (EnableLegacyShim) Kind() profile.ActionKind { return profile.ActionLegacyShim }
func (EnableLegacyShim) Describe() string         { return "enable legacy syscalls accessor" }

func (EnableLegacyShim) Apply(env *Env) error {
	env.Profile.EnableLegacyShim(env.RuleID)
	return nil
}

// Rule pairs a condition with an action. Before lists rules that must apply
// after this one; After lists rules that must apply before it.
type Rule struct {
	ID     string
	When   predicate.Condition
	Action Action
	Before []string
	After  []string
}

// RuleSet is a frozen, validated collection of rules in registration order.
type RuleSet struct {
	rules []Rule
	index map[string]int
}

// NewRuleSet validates rules: ids must be unique, every rule needs an
// action and ordering constraints must name rules in the set.
func NewRuleSet(rules ...Rule) (*RuleSet, error) {
	rs := &RuleSet{
		rules: append([]Rule(nil), rules...),
		index: make(map[string]int, len(rules)),
	}
	for i, r := range rs.rules {
		if r.ID == "" {
			return nil, fmt.Errorf("%w: rule %d has no id", apperrors.ErrInternal, i)
		}
		if _, dup := rs.index[r.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRule, r.ID)
		}
		if r.Action == nil {
			return nil, fmt.Errorf("%w: rule %s has no action", apperrors.ErrInternal, r.ID)
		}
		rs.index[r.ID] = i
	}
	for _, r := range rs.rules {
		for _, ref := range r.Before {
			if _, ok := rs.index[ref]; !ok {
				return nil, fmt.Errorf("%w: %s before %q", ErrUnknownRuleReference, r.ID, ref)
			}
		}
		for _, ref := range r.After {
			if _, ok := rs.index[ref]; !ok {
				return nil, fmt.Errorf("%w: %s after %q", ErrUnknownRuleReference, r.ID, ref)
			}
		}
	}
	return rs, nil
}

// Rules returns every rule in registration order.
func (rs *RuleSet) Rules() []Rule { return append([]Rule(nil), rs.rules...) }

// Rule returns a rule by id.
func (rs *RuleSet) Rule(id string) (Rule, bool) {
	i, ok := rs.index[id]
	if !ok {
		return Rule{}, false
	}
	return rs.rules[i], true
}

func (rs *RuleSet) Len() int { return len(rs.rules) }

// Applicable returns the rules whose condition holds for s, in registration
// order.
func (rs *RuleSet) Applicable(s facts.Set) []Rule {
	var out []Rule
	for _, r := range rs.rules {
		if r.When.Match(s) {
			out = append(out, r)
		}
	}
	return out
}

// Plan is the ordered application schedule for one fact set.
type Plan struct {
	Applicable []Rule
	Ordered    []Rule

	graph *order.Graph
	pos   map[string]int
}

// Plan selects and orders the applicable rules. It fails with
// order.ErrCyclicRuleOrdering when the constraints among them form a cycle.
func (rs *RuleSet) Plan(s facts.Set) (*Plan, error) {
	app := rs.Applicable(s)
	nodes := make([]order.Node, len(app))
	pos := make(map[string]int, len(app))
	for i, r := range app {
		nodes[i] = order.Node{ID: r.ID, Before: r.Before, After: r.After}
		pos[r.ID] = i
	}
	g, err := order.New(nodes)
	if err != nil {
		return nil, err
	}
	idx, err := g.Sort()
	if err != nil {
		return nil, err
	}
	p := &Plan{Applicable: app, Ordered: make([]Rule, len(idx)), graph: g, pos: pos}
	for i, n := range idx {
		p.Ordered[i] = app[n]
	}
	return p, nil
}

// Order is Plan without the graph.
func (rs *RuleSet) Order(s facts.Set) ([]Rule, error) {
	p, err := rs.Plan(s)
	if err != nil {
		return nil, err
	}
	return p.Ordered, nil
}

// Reaches reports whether rule a is constrained to apply before rule b.
func (p *Plan) Reaches(a, b string) bool {
	i, ok := p.pos[a]
	j, ok2 := p.pos[b]
	if !ok || !ok2 {
		return false
	}
	return p.graph.Reaches(i, j)
}

// Edges returns the ordering constraints among the applicable rules as
// (before, after) id pairs.
func (p *Plan) Edges() [][2]string {
	var out [][2]string
	for _, e := range p.graph.Edges() {
		out = append(out, [2]string{p.Applicable[e[0]].ID, p.Applicable[e[1]].ID})
	}
	return out
}

// FromCatalog turns each catalog variant into a layout rule. Every variant a
// variant overrides, directly or through a chain, becomes an
// after-constraint, so a chain link that does not match a fact set still
// orders the ones that do.
func FromCatalog(c *layout.Catalog) []Rule {
	variants := c.Variants()
	var out []Rule
	for _, v := range variants {
		var after []string
		for _, w := range variants {
			if c.Overrides(v.ID, w.ID) {
				after = append(after, w.ID)
			}
		}
		out = append(out, Rule{
			ID:     v.ID,
			When:   v.When,
			Action: InstallLayouts{Variant: v.ID, Layouts: v.Layouts},
			After:  after,
		})
	}
	return out
}

// FromRegistry turns each table binding into a rule.
func FromRegistry(r *tables.Registry) []Rule {
	var out []Rule
	for _, bd := range r.Bindings() {
		out = append(out, Rule{
			ID:     bd.ID,
			When:   bd.When,
			Action: BindTable{Table: bd.Table, Module: bd.Module, Additional: bd.Additional},
			Before: bd.Before,
			After:  bd.After,
		})
	}
	return out
}
