package tables

import (
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"

	apperrors "github.com/duynguyendang/ssdtprof/pkg/common/errors"
	"github.com/duynguyendang/ssdtprof/pkg/facts"
	"github.com/duynguyendang/ssdtprof/pkg/order"
	"github.com/duynguyendang/ssdtprof/pkg/predicate"
)

// Binding is a registry entry: when its condition holds, logical table Table
// is bound to data module Module. Additional, if set, also publishes the
// module's name pair under that key of the profile's additional map.
type Binding struct {
	ID         string              `yaml:"id" json:"id"`
	Table      string              `yaml:"table" json:"table"`
	Module     string              `yaml:"module" json:"module"`
	Additional string              `yaml:"additional,omitempty" json:"additional,omitempty"`
	When       predicate.Condition `yaml:"when" json:"when"`
	Before     []string            `yaml:"before,omitempty" json:"before,omitempty"`
	After      []string            `yaml:"after,omitempty" json:"after,omitempty"`
}

// Builder collects bindings until Build freezes them.
type Builder struct {
	bindings []Binding
	ids      map[string]bool
	frozen   bool
}

func NewBuilder() *Builder {
	return &Builder{ids: make(map[string]bool)}
}

// Register adds a binding. Registration order is the tiebreak between
// bindings with no ordering relation.
func (b *Builder) Register(bd Binding) error {
	if b.frozen {
		return fmt.Errorf("%w: registry already built", apperrors.ErrInternal)
	}
	if bd.ID == "" || bd.Table == "" || bd.Module == "" {
		return fmt.Errorf("%w: binding needs id, table and module", apperrors.ErrInvalidInput)
	}
	if b.ids[bd.ID] {
		return fmt.Errorf("%w: duplicate binding %q", apperrors.ErrInvalidInput, bd.ID)
	}
	b.ids[bd.ID] = true
	b.bindings = append(b.bindings, bd)
	return nil
}

// Build validates ordering references and freezes the registry.
func (b *Builder) Build() (*Registry, error) {
	b.frozen = true
	for _, bd := range b.bindings {
		for _, ref := range append(append([]string(nil), bd.Before...), bd.After...) {
			if !b.ids[ref] {
				return nil, fmt.Errorf("%w: binding %s is ordered against unknown binding %q", apperrors.ErrInternal, bd.ID, ref)
			}
		}
	}
	return &Registry{bindings: append([]Binding(nil), b.bindings...)}, nil
}

// Registry is the frozen set of table bindings. It is safe for concurrent
// use.
type Registry struct {
	bindings []Binding
}

// Bindings returns every binding in registration order.
func (r *Registry) Bindings() []Binding {
	return append([]Binding(nil), r.bindings...)
}

// Names returns the logical table names, sorted.
func (r *Registry) Names() []string {
	seen := map[string]bool{}
	var names []string
	for _, bd := range r.bindings {
		if !seen[bd.Table] {
			seen[bd.Table] = true
			names = append(names, bd.Table)
		}
	}
	sort.Strings(names)
	return names
}

// Candidates returns the bindings for name that match s, in application
// order.
func (r *Registry) Candidates(name string, s facts.Set) ([]Binding, error) {
	var matching []Binding
	for _, bd := range r.bindings {
		if bd.Table == name && bd.When.Match(s) {
			matching = append(matching, bd)
		}
	}
	nodes := make([]order.Node, len(matching))
	for i, bd := range matching {
		nodes[i] = order.Node{ID: bd.ID, Before: bd.Before, After: bd.After}
	}
	g, err := order.New(nodes)
	if err != nil {
		return nil, err
	}
	idx, err := g.Sort()
	if err != nil {
		return nil, err
	}
	out := make([]Binding, len(idx))
	for i, n := range idx {
		out[i] = matching[n]
	}
	return out, nil
}

// Resolve returns the binding applied last for name under s. Later bindings
// replace earlier ones, so this is the binding a profile ends up with.
func (r *Registry) Resolve(name string, s facts.Set) (Binding, error) {
	ordered, err := r.Candidates(name, s)
	if err != nil {
		return Binding{}, err
	}
	if len(ordered) == 0 {
		known := r.Names()
		for _, n := range known {
			if n == name {
				return Binding{}, fmt.Errorf("%w: %s has no binding for %s", ErrNotFound, name, s)
			}
		}
		return Binding{}, Missing(ErrNotFound, name, known)
	}
	return ordered[len(ordered)-1], nil
}

type registryFile struct {
	Bindings []Binding `yaml:"bindings"`
}

// LoadYAML reads a document with a top-level bindings list and registers
// each entry in order.
func LoadYAML(r io.Reader) (*Registry, error) {
	var doc registryFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: bindings: %v", apperrors.ErrInvalidInput, err)
	}
	b := NewBuilder()
	for _, bd := range doc.Bindings {
		if err := b.Register(bd); err != nil {
			return nil, err
		}
	}
	return b.Build()
}
