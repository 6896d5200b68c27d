// Package profile holds the result of a resolution. A Builder is owned by
// one resolution while rules apply; Finalize turns it into a read-only
// Profile that any number of goroutines may share.
package profile

import (
	"reflect"
	"sort"

	"github.com/google/uuid"

	"github.com/duynguyendang/ssdtprof/pkg/diag"
	"github.com/duynguyendang/ssdtprof/pkg/facts"
	"github.com/duynguyendang/ssdtprof/pkg/layout"
	"github.com/duynguyendang/ssdtprof/pkg/tables"
)

// SyscallsKey is the additional-map key holding the service name pair.
const SyscallsKey = "syscalls"

// ActionKind is the kind of change an override record describes.
type ActionKind string

const (
	ActionLayout     ActionKind = "layout"
	ActionTable      ActionKind = "table"
	ActionAdditional ActionKind = "additional"
	ActionLegacyShim ActionKind = "legacy-shim"
)

// Override records one change a rule made to the profile. Replaced holds the
// previous value when the change overwrote an earlier rule's binding.
type Override struct {
	Seq      int        `json:"seq"`
	RuleID   string     `json:"rule"`
	Kind     ActionKind `json:"kind"`
	Name     string     `json:"name"`
	Value    string     `json:"value"`
	Replaced string     `json:"replaced,omitempty"`
}

type boundLayout struct {
	layout layout.Layout
	source string
	rule   string
}

// Builder is the profile under construction.
type Builder struct {
	facts      facts.Set
	sink       diag.Sink
	layouts    map[string]boundLayout
	tables     map[string]tables.Table
	additional map[string]any
	legacy     bool
	trace      []Override
	done       bool
}

// NewBuilder starts a profile for s. sink receives the signals the finished
// profile emits; nil means discard.
func NewBuilder(s facts.Set, sink diag.Sink) *Builder {
	if sink == nil {
		sink = diag.Discard{}
	}
	return &Builder{
		facts:      s,
		sink:       sink,
		layouts:    make(map[string]boundLayout),
		tables:     make(map[string]tables.Table),
		additional: make(map[string]any),
	}
}

func (b *Builder) Facts() facts.Set { return b.facts }

// Layout returns the layout currently bound to name, the variant it came
// from and the rule that installed it.
func (b *Builder) Layout(name string) (l layout.Layout, source, rule string, ok bool) {
	bl, ok := b.layouts[name]
	return bl.layout, bl.source, bl.rule, ok
}

// SetLayout binds name to l, replacing any earlier binding.
func (b *Builder) SetLayout(rule, source string, l layout.Layout) {
	b.mustBeOpen()
	prev := b.layouts[l.Name]
	b.layouts[l.Name] = boundLayout{layout: l, source: source, rule: rule}
	b.record(rule, ActionLayout, l.Name, source, prev.source)
}

// Table returns the table currently bound to name.
func (b *Builder) Table(name string) (tables.Table, bool) {
	t, ok := b.tables[name]
	return t, ok
}

// BindTable binds t under t.Name, replacing any earlier binding.
func (b *Builder) BindTable(rule string, t tables.Table) {
	b.mustBeOpen()
	prev := b.tables[t.Name]
	b.tables[t.Name] = t
	b.record(rule, ActionTable, t.Name, t.Module, prev.Module)
}

// SetAdditional stores v under key. source names where v came from for the
// trace.
func (b *Builder) SetAdditional(rule, key, source string, v any) {
	b.mustBeOpen()
	var replaced string
	if _, ok := b.additional[key]; ok {
		for i := len(b.trace) - 1; i >= 0; i-- {
			if b.trace[i].Kind == ActionAdditional && b.trace[i].Name == key {
				replaced = b.trace[i].Value
				break
			}
		}
	}
	b.additional[key] = v
	b.record(rule, ActionAdditional, key, source, replaced)
}

// EnableLegacyShim turns on the deprecated LegacyTablePair accessor.
func (b *Builder) EnableLegacyShim(rule string) {
	b.mustBeOpen()
	b.legacy = true
	b.record(rule, ActionLegacyShim, SyscallsKey, "enabled", "")
}

func (b *Builder) record(rule string, kind ActionKind, name, value, replaced string) {
	b.trace = append(b.trace, Override{
		Seq:      len(b.trace) + 1,
		RuleID:   rule,
		Kind:     kind,
		Name:     name,
		Value:    value,
		Replaced: replaced,
	})
}

func (b *Builder) mustBeOpen() {
	if b.done {
		panic("profile: builder used after Finalize")
	}
}

// Finalize freezes the builder into a Profile. The builder cannot be used
// afterwards.
func (b *Builder) Finalize() *Profile {
	b.mustBeOpen()
	b.done = true

	p := &Profile{
		id:         uuid.NewString(),
		facts:      b.facts,
		sink:       b.sink,
		layouts:    make(map[string]layout.Layout, len(b.layouts)),
		sources:    make(map[string]string, len(b.layouts)),
		tables:     b.tables,
		additional: b.additional,
		legacy:     b.legacy,
		trace:      b.trace,
	}
	for name, bl := range b.layouts {
		p.layouts[name] = bl.layout
		p.sources[name] = bl.source
	}
	b.layouts, b.tables, b.additional, b.trace = nil, nil, nil, nil
	return p
}

// Profile is a finalized resolution result. It is never mutated and is safe
// for concurrent readers; accessors return copies.
type Profile struct {
	id         string
	facts      facts.Set
	sink       diag.Sink
	layouts    map[string]layout.Layout
	sources    map[string]string
	tables     map[string]tables.Table
	additional map[string]any
	legacy     bool
	trace      []Override
}

// ID is unique per resolution, even for identical facts.
func (p *Profile) ID() string { return p.id }

func (p *Profile) Facts() facts.Set { return p.facts }

// Layout returns the layout bound to name.
func (p *Profile) Layout(name string) (layout.Layout, error) {
	l, ok := p.layouts[name]
	if !ok {
		return layout.Layout{}, layout.UnknownName(name, p.LayoutNames())
	}
	l.Fields = append([]layout.Field(nil), l.Fields...)
	return l, nil
}

// LayoutSource returns the catalog variant the named layout came from.
func (p *Profile) LayoutSource(name string) (string, bool) {
	s, ok := p.sources[name]
	return s, ok
}

// Table returns the reference table bound to name.
func (p *Profile) Table(name string) (tables.Table, error) {
	t, ok := p.tables[name]
	if !ok {
		return tables.Table{}, tables.Missing(tables.ErrReferenceTableUnavailable, name, p.TableNames())
	}
	t.Entries = append([]tables.Descriptor(nil), t.Entries...)
	return t, nil
}

// Additional returns a side value stored by a rule.
func (p *Profile) Additional(key string) (any, bool) {
	v, ok := p.additional[key]
	if pair, isPair := v.(tables.Pair); isPair {
		return clonePair(pair), ok
	}
	return v, ok
}

// AdditionalKeys returns the keys of the additional map, sorted.
func (p *Profile) AdditionalKeys() []string { return sortedKeys(p.additional) }

// HasLegacyShim reports whether LegacyTablePair is available.
func (p *Profile) HasLegacyShim() bool { return p.legacy }

// LegacyTablePair returns additional["syscalls"], or two empty lists when
// nothing was bound. ok is false when the shim was not installed for this
// profile's OS family. Every call emits a deprecation signal.
//
// Deprecated: use Additional(SyscallsKey) or Table("syscalls").
func (p *Profile) LegacyTablePair() (pair tables.Pair, ok bool) {
	if !p.legacy {
		return tables.Pair{}, false
	}
	diag.Deprecated(p.sink, "profile.syscalls",
		"Deprecation warning: use profile additional[\"syscalls\"] instead of profile.syscalls")
	if v, found := p.additional[SyscallsKey].(tables.Pair); found {
		return clonePair(v), true
	}
	return tables.EmptyPair(), true
}

// Trace returns the override records in application order.
func (p *Profile) Trace() []Override {
	return append([]Override(nil), p.trace...)
}

func (p *Profile) LayoutNames() []string { return sortedKeys(p.layouts) }
func (p *Profile) TableNames() []string  { return sortedKeys(p.tables) }

// SameBindings reports whether o binds the same names to the same data,
// regardless of identity.
func (p *Profile) SameBindings(o *Profile) bool {
	if p.facts.Key() != o.facts.Key() || p.legacy != o.legacy {
		return false
	}
	if len(p.layouts) != len(o.layouts) || len(p.tables) != len(o.tables) {
		return false
	}
	for name, l := range p.layouts {
		ol, ok := o.layouts[name]
		if !ok || !l.Equal(ol) || p.sources[name] != o.sources[name] {
			return false
		}
	}
	for name, t := range p.tables {
		ot, ok := o.tables[name]
		if !ok || t.Module != ot.Module || !reflect.DeepEqual(t.Entries, ot.Entries) {
			return false
		}
	}
	return reflect.DeepEqual(p.additional, o.additional)
}

func clonePair(p tables.Pair) tables.Pair {
	return tables.Pair{
		append([]string{}, p[0]...),
		append([]string{}, p[1]...),
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
