package layout

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "github.com/duynguyendang/ssdtprof/pkg/common/errors"
	"github.com/duynguyendang/ssdtprof/pkg/facts"
	"github.com/duynguyendang/ssdtprof/pkg/order"
	"github.com/duynguyendang/ssdtprof/pkg/predicate"
	"github.com/duynguyendang/ssdtprof/pkg/suggest"
)

var (
	// ErrUnknownStructure means no variant defines the name, or none of the
	// variants that do matches the facts.
	ErrUnknownStructure = fmt.Errorf("%w: unknown structure", apperrors.ErrNotFound)
	// ErrAmbiguousStructure means two matching variants define the same name
	// and neither overrides the other. The catalog data is broken.
	ErrAmbiguousStructure = fmt.Errorf("%w: ambiguous structure", apperrors.ErrInternal)
)

// UnknownStructureError is returned for names with no binding.
type UnknownStructureError struct {
	Name  string
	Hints []string
}

// UnknownName builds an UnknownStructureError with hints drawn from known.
func UnknownName(name string, known []string) error {
	return &UnknownStructureError{Name: name, Hints: suggest.Similar(name, known, suggest.DefaultLimit)}
}

func (e *UnknownStructureError) Error() string {
	msg := fmt.Sprintf("%v: %s", ErrUnknownStructure, e.Name)
	if len(e.Hints) > 0 {
		msg += " (did you mean " + strings.Join(e.Hints, ", ") + "?)"
	}
	return msg
}

func (e *UnknownStructureError) Unwrap() error         { return ErrUnknownStructure }
func (e *UnknownStructureError) Suggestions() []string { return e.Hints }

// AmbiguousStructureError names the unordered variants that both define Name.
type AmbiguousStructureError struct {
	Name     string
	Variants []string
}

func (e *AmbiguousStructureError) Error() string {
	return fmt.Sprintf("%v: %s defined by unordered variants %s", ErrAmbiguousStructure, e.Name, strings.Join(e.Variants, ", "))
}

func (e *AmbiguousStructureError) Unwrap() error { return ErrAmbiguousStructure }

// Variant is a set of layouts that apply together under one condition.
// Overrides lists the variants whose layouts this one replaces when both
// match.
type Variant struct {
	ID        string              `yaml:"id" json:"id"`
	When      predicate.Condition `yaml:"when" json:"when"`
	Overrides []string            `yaml:"overrides,omitempty" json:"overrides,omitempty"`
	Layouts   []Layout            `yaml:"layouts" json:"layouts"`
}

// Layout returns the named layout defined by this variant.
func (v Variant) Layout(name string) (Layout, bool) {
	for _, l := range v.Layouts {
		if l.Name == name {
			return l, true
		}
	}
	return Layout{}, false
}

// Builder collects variants until Build freezes them into a Catalog.
type Builder struct {
	variants []Variant
	ids      map[string]bool
	frozen   bool
}

func NewBuilder() *Builder {
	return &Builder{ids: make(map[string]bool)}
}

// Add registers a variant. Registration order is kept.
func (b *Builder) Add(v Variant) error {
	if b.frozen {
		return fmt.Errorf("%w: catalog already built", apperrors.ErrInternal)
	}
	if v.ID == "" {
		return fmt.Errorf("%w: variant without id", apperrors.ErrInvalidInput)
	}
	if b.ids[v.ID] {
		return fmt.Errorf("%w: duplicate variant %q", apperrors.ErrInvalidInput, v.ID)
	}
	names := make(map[string]bool, len(v.Layouts))
	for _, l := range v.Layouts {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("%w: variant %s: %v", apperrors.ErrInvalidInput, v.ID, err)
		}
		if names[l.Name] {
			return fmt.Errorf("%w: variant %s defines %s twice", apperrors.ErrInvalidInput, v.ID, l.Name)
		}
		names[l.Name] = true
	}
	b.ids[v.ID] = true
	b.variants = append(b.variants, v)
	return nil
}

// Build checks cross-variant references and returns the frozen catalog. The
// builder accepts no further variants afterwards.
func (b *Builder) Build() (*Catalog, error) {
	b.frozen = true

	c := &Catalog{
		variants: append([]Variant(nil), b.variants...),
		index:    make(map[string]int, len(b.variants)),
		byName:   make(map[string][]int),
	}
	nodes := make([]order.Node, len(c.variants))
	for i, v := range c.variants {
		c.index[v.ID] = i
		nodes[i] = order.Node{ID: v.ID, After: v.Overrides}
		for _, l := range v.Layouts {
			c.byName[l.Name] = append(c.byName[l.Name], i)
		}
	}
	for _, v := range c.variants {
		for _, o := range v.Overrides {
			if !b.ids[o] {
				return nil, fmt.Errorf("%w: variant %s overrides unknown variant %q", apperrors.ErrInternal, v.ID, o)
			}
		}
		for _, l := range v.Layouts {
			for _, f := range l.Fields {
				if f.Kind == KindArray && len(c.byName[f.Elem]) == 0 {
					return nil, fmt.Errorf("%w: %s.%s: element layout %s is not defined", apperrors.ErrInternal, l.Name, f.Name, f.Elem)
				}
			}
		}
	}

	g, err := order.New(nodes)
	if err != nil {
		return nil, err
	}
	if _, err := g.Sort(); err != nil {
		return nil, fmt.Errorf("variant overrides: %w", err)
	}
	c.graph = g
	return c, nil
}

// Catalog is the frozen set of layout variants. It is safe for concurrent
// use.
type Catalog struct {
	variants []Variant
	index    map[string]int
	byName   map[string][]int
	graph    *order.Graph
}

// Variants returns the variants in registration order.
func (c *Catalog) Variants() []Variant {
	return append([]Variant(nil), c.variants...)
}

// Variant returns a variant by id.
func (c *Catalog) Variant(id string) (Variant, bool) {
	i, ok := c.index[id]
	if !ok {
		return Variant{}, false
	}
	return c.variants[i], true
}

// Names returns every structure name defined by any variant, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.byName))
	for n := range c.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Overrides reports whether variant a replaces variant b, directly or
// through a chain of overrides.
func (c *Catalog) Overrides(a, b string) bool {
	i, ok := c.index[a]
	j, ok2 := c.index[b]
	if !ok || !ok2 || i == j {
		return false
	}
	return c.graph.Reaches(j, i)
}

// Lookup returns the layout bound to name for the fact set. When several
// matching variants define name, the one that overrides all the others wins.
func (c *Catalog) Lookup(name string, s facts.Set) (Layout, error) {
	defs := c.byName[name]
	if len(defs) == 0 {
		return Layout{}, UnknownName(name, c.Names())
	}

	var matching []int
	for _, i := range defs {
		if c.variants[i].When.Match(s) {
			matching = append(matching, i)
		}
	}
	if len(matching) == 0 {
		return Layout{}, fmt.Errorf("%w: no variant of %s matches %s", ErrUnknownStructure, name, s)
	}

	for _, w := range matching {
		wins := true
		for _, m := range matching {
			if m != w && !c.graph.Reaches(m, w) {
				wins = false
				break
			}
		}
		if wins {
			l, _ := c.variants[w].Layout(name)
			return l, nil
		}
	}

	ids := make([]string, len(matching))
	for i, m := range matching {
		ids[i] = c.variants[m].ID
	}
	return Layout{}, &AmbiguousStructureError{Name: name, Variants: ids}
}

type catalogFile struct {
	Variants []Variant `yaml:"variants"`
}

// LoadYAML reads a catalog document of the form
//
//	variants:
//	  - id: ssdt-x86
//	    when: {os: windows, memory_model: 32bit}
//	    layouts: [...]
func LoadYAML(r io.Reader) (*Catalog, error) {
	var doc catalogFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: layout catalog: %v", apperrors.ErrInvalidInput, err)
	}
	b := NewBuilder()
	for _, v := range doc.Variants {
		if err := b.Add(v); err != nil {
			return nil, err
		}
	}
	return b.Build()
}
