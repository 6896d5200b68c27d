// Package tables holds reference tables, the data modules they are loaded
// from and the registry that binds a logical table name to a module.
package tables

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "github.com/duynguyendang/ssdtprof/pkg/common/errors"
	"github.com/duynguyendang/ssdtprof/pkg/suggest"
)

var (
	// ErrNotFound means no registered binding for the name matches the facts.
	ErrNotFound = fmt.Errorf("%w: no table binding", apperrors.ErrNotFound)
	// ErrReferenceTableUnavailable means a module or bound table could not
	// be produced.
	ErrReferenceTableUnavailable = fmt.Errorf("%w: reference table unavailable", apperrors.ErrNotFound)
)

// NameError reports a name that could not be found, with close matches.
type NameError struct {
	Kind  error
	Name  string
	Hints []string
}

// Missing builds a NameError for name with hints drawn from known.
func Missing(kind error, name string, known []string) error {
	return &NameError{Kind: kind, Name: name, Hints: suggest.Similar(name, known, suggest.DefaultLimit)}
}

func (e *NameError) Error() string {
	msg := fmt.Sprintf("%v: %s", e.Kind, e.Name)
	if len(e.Hints) > 0 {
		msg += " (did you mean " + strings.Join(e.Hints, ", ") + "?)"
	}
	return msg
}

func (e *NameError) Unwrap() error         { return e.Kind }
func (e *NameError) Suggestions() []string { return e.Hints }

// Service table indices inside a module.
const (
	ServiceNT     = 0
	ServiceWin32k = 1
)

// Descriptor is one expected entry: the service number within its table and
// the name of the routine that should sit there.
type Descriptor struct {
	Table int    `json:"table"`
	Index int    `json:"index"`
	Name  string `json:"name"`
}

// Table is a bound reference table.
type Table struct {
	Name    string       `json:"name"`
	Module  string       `json:"module"`
	Entries []Descriptor `json:"entries"`
}

// Lookup returns the descriptor at index of the given service table.
func (t Table) Lookup(table, index int) (Descriptor, bool) {
	for _, d := range t.Entries {
		if d.Table == table && d.Index == index {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Pair splits the entries back into the per-service-table name lists.
func (t Table) Pair() Pair {
	p := EmptyPair()
	for _, d := range t.Entries {
		if d.Table == ServiceNT || d.Table == ServiceWin32k {
			p[d.Table] = append(p[d.Table], d.Name)
		}
	}
	return p
}

// Pair is the legacy two-list shape: kernel service names and GUI service
// names, each indexed by service number.
type Pair [2][]string

// EmptyPair returns a pair of two empty, non-nil lists.
func EmptyPair() Pair { return Pair{[]string{}, []string{}} }

// NT returns the kernel service names.
func (p Pair) NT() []string { return p[ServiceNT] }

// Win32k returns the GUI service names.
func (p Pair) Win32k() []string { return p[ServiceWin32k] }

// Module is a data module: the expected service names for one build family.
type Module struct {
	ID     string   `yaml:"-" json:"id"`
	NT     []string `yaml:"nt" json:"nt"`
	Win32k []string `yaml:"win32k" json:"win32k"`
}

// Table materializes the module as a reference table called name.
func (m Module) Table(name string) Table {
	t := Table{Name: name, Module: m.ID, Entries: make([]Descriptor, 0, len(m.NT)+len(m.Win32k))}
	for i, n := range m.NT {
		t.Entries = append(t.Entries, Descriptor{Table: ServiceNT, Index: i, Name: n})
	}
	for i, n := range m.Win32k {
		t.Entries = append(t.Entries, Descriptor{Table: ServiceWin32k, Index: i, Name: n})
	}
	return t
}

// Loader fetches data modules by their stable identifier.
type Loader interface {
	Load(id string) (Module, error)
}

// MapLoader serves modules from memory.
type MapLoader map[string]Module

func (m MapLoader) Load(id string) (Module, error) {
	mod, ok := m[id]
	if !ok {
		return Module{}, Missing(ErrReferenceTableUnavailable, id, m.IDs())
	}
	mod.ID = id
	return mod, nil
}

// IDs returns the module identifiers, sorted.
func (m MapLoader) IDs() []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Merge returns a loader holding m's modules overlaid with o's.
func (m MapLoader) Merge(o MapLoader) MapLoader {
	out := make(MapLoader, len(m)+len(o))
	for id, mod := range m {
		out[id] = mod
	}
	for id, mod := range o {
		out[id] = mod
	}
	return out
}

type modulesFile struct {
	Modules map[string]Module `yaml:"modules"`
}

// LoadYAMLModules reads a document of the form
//
//	modules:
//	  xp_sp2_x86:
//	    nt: [NtAcceptConnectPort, ...]
//	    win32k: [NtGdiAbortDoc, ...]
func LoadYAMLModules(r io.Reader) (MapLoader, error) {
	var doc modulesFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: modules: %v", apperrors.ErrInvalidInput, err)
	}
	out := make(MapLoader, len(doc.Modules))
	for id, mod := range doc.Modules {
		if id == "" {
			return nil, fmt.Errorf("%w: module without id", apperrors.ErrInvalidInput)
		}
		mod.ID = id
		out[id] = mod
	}
	return out, nil
}
