// Package ssdt is the built-in Windows system service descriptor table
// catalog: the three descriptor table layouts, the per-build syscall table
// bindings and the data modules they load.
package ssdt

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"sync"

	"gopkg.in/yaml.v3"

	apperrors "github.com/duynguyendang/ssdtprof/pkg/common/errors"
	"github.com/duynguyendang/ssdtprof/pkg/diag"
	"github.com/duynguyendang/ssdtprof/pkg/engine"
	"github.com/duynguyendang/ssdtprof/pkg/facts"
	"github.com/duynguyendang/ssdtprof/pkg/layout"
	"github.com/duynguyendang/ssdtprof/pkg/predicate"
	"github.com/duynguyendang/ssdtprof/pkg/tables"
)

var (
	//go:embed data/layouts.yaml
	layoutsYAML []byte
	//go:embed data/bindings.yaml
	bindingsYAML []byte
	//go:embed data/syscalls.yaml
	syscallsYAML []byte
)

// Well-known names.
const (
	TableStructure = "_SERVICE_DESCRIPTOR_TABLE"
	EntryStructure = "_SERVICE_DESCRIPTOR_ENTRY"
	SyscallsTable  = "syscalls"
	ShimRuleID     = "WinSyscallsAttribute"
)

// ShimRule installs the deprecated syscalls accessor on every Windows
// profile.
func ShimRule() engine.Rule {
	return engine.Rule{
		ID:     ShimRuleID,
		When:   predicate.Eq(facts.OS, facts.OSWindows),
		Action: engine.EnableLegacyShim{},
	}
}

// Overlay is extra catalog data layered over the built-in set. Variants and
// bindings are registered after the built-in ones, so they may override or
// order themselves against them; modules with an existing id replace it.
type Overlay struct {
	Variants []layout.Variant         `yaml:"variants"`
	Bindings []tables.Binding         `yaml:"bindings"`
	Modules  map[string]tables.Module `yaml:"modules"`
}

// LoadOverlay decodes an overlay document.
func LoadOverlay(r io.Reader) (*Overlay, error) {
	var o Overlay
	if err := yaml.NewDecoder(r).Decode(&o); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: overlay: %v", apperrors.ErrInvalidInput, err)
	}
	return &o, nil
}

// Bundle is a frozen catalog, registry, module set and the rules derived
// from them.
type Bundle struct {
	Catalog  *layout.Catalog
	Registry *tables.Registry
	Modules  tables.MapLoader
	Rules    *engine.RuleSet
}

// NewResolver returns a resolver over the bundle's rules and modules.
func (b *Bundle) NewResolver(sink diag.Sink, opts ...engine.Option) *engine.Resolver {
	return engine.NewResolver(b.Rules, b.Modules, sink, opts...)
}

// WithModules returns a copy of the bundle loading tables from loader.
func (b *Bundle) WithModules(loader tables.MapLoader) *Bundle {
	cp := *b
	cp.Modules = loader
	return &cp
}

var base = sync.OnceValues(func() (*Overlay, error) {
	o := &Overlay{}
	var lf struct {
		Variants []layout.Variant `yaml:"variants"`
	}
	if err := yaml.Unmarshal(layoutsYAML, &lf); err != nil {
		return nil, fmt.Errorf("embedded layouts: %w", err)
	}
	var bf struct {
		Bindings []tables.Binding `yaml:"bindings"`
	}
	if err := yaml.Unmarshal(bindingsYAML, &bf); err != nil {
		return nil, fmt.Errorf("embedded bindings: %w", err)
	}
	mods, err := tables.LoadYAMLModules(bytes.NewReader(syscallsYAML))
	if err != nil {
		return nil, fmt.Errorf("embedded modules: %w", err)
	}
	o.Variants, o.Bindings, o.Modules = lf.Variants, bf.Bindings, mods
	return o, nil
})

var defaultBundle = sync.OnceValues(func() (*Bundle, error) { return Build() })

// Default returns the built-in bundle. It is built once and shared.
func Default() (*Bundle, error) { return defaultBundle() }

// Build freezes the built-in data plus overlays, in order, into a Bundle.
func Build(overlays ...*Overlay) (*Bundle, error) {
	b, err := base()
	if err != nil {
		return nil, err
	}

	cb := layout.NewBuilder()
	rb := tables.NewBuilder()
	mods := tables.MapLoader{}
	for _, o := range append([]*Overlay{b}, overlays...) {
		if o == nil {
			continue
		}
		for _, v := range o.Variants {
			if err := cb.Add(v); err != nil {
				return nil, err
			}
		}
		for _, bd := range o.Bindings {
			if err := rb.Register(bd); err != nil {
				return nil, err
			}
		}
		for id, m := range o.Modules {
			m.ID = id
			mods[id] = m
		}
	}

	cat, err := cb.Build()
	if err != nil {
		return nil, err
	}
	reg, err := rb.Build()
	if err != nil {
		return nil, err
	}

	rules := engine.FromCatalog(cat)
	rules = append(rules, engine.FromRegistry(reg)...)
	rules = append(rules, ShimRule())
	rs, err := engine.NewRuleSet(rules...)
	if err != nil {
		return nil, err
	}
	return &Bundle{Catalog: cat, Registry: reg, Modules: mods, Rules: rs}, nil
}

// NewResolver returns a resolver over the built-in bundle.
func NewResolver(sink diag.Sink, opts ...engine.Option) (*engine.Resolver, error) {
	b, err := Default()
	if err != nil {
		return nil, err
	}
	return b.NewResolver(sink, opts...), nil
}
