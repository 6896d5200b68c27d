package service

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"net/http"
	"strings"

	"github.com/duynguyendang/ssdtprof/internal/provenance"
	"github.com/duynguyendang/ssdtprof/pkg/common/errors"
	"github.com/duynguyendang/ssdtprof/pkg/engine"
	"github.com/duynguyendang/ssdtprof/pkg/export"
	"github.com/duynguyendang/ssdtprof/pkg/facts"
	"github.com/duynguyendang/ssdtprof/pkg/layout"
	"github.com/duynguyendang/ssdtprof/pkg/profile"
	"github.com/duynguyendang/ssdtprof/pkg/ssdt"
	"github.com/duynguyendang/ssdtprof/pkg/tables"
)

// ProfileManager abstracts the profile cache.
type ProfileManager interface {
	Get(ctx context.Context, s facts.Set) (*profile.Profile, error)
}

// ProfileService answers profile questions for fingerprints.
type ProfileService struct {
	manager ProfileManager
	bundle  *ssdt.Bundle
	db      *sql.DB
}

// NewProfileService creates a ProfileService. db may be nil, in which case
// logged traces are unavailable.
func NewProfileService(mgr ProfileManager, bundle *ssdt.Bundle, db *sql.DB) *ProfileService {
	return &ProfileService{manager: mgr, bundle: bundle, db: db}
}

// Resolve returns the profile for fp.
func (s *ProfileService) Resolve(ctx context.Context, fp facts.Fingerprint) (*profile.Profile, error) {
	set, err := fp.Facts()
	if err != nil {
		return nil, err
	}
	return s.manager.Get(ctx, set)
}

// BoundLayout is a layout with the catalog variant it came from.
type BoundLayout struct {
	Source string        `json:"source"`
	Layout layout.Layout `json:"layout"`
}

// TableSummary describes a bound table without its entries.
type TableSummary struct {
	Name   string `json:"name"`
	Module string `json:"module"`
	NT     int    `json:"nt"`
	Win32k int    `json:"win32k"`
}

// Summary is the JSON view of a resolved profile.
type Summary struct {
	ID         string                 `json:"id"`
	Facts      map[string]any         `json:"facts"`
	Layouts    map[string]BoundLayout `json:"layouts"`
	Tables     []TableSummary         `json:"tables"`
	Additional []string               `json:"additional"`
	LegacyShim bool                   `json:"legacy_shim"`
	Trace      []profile.Override     `json:"trace"`
}

// Summarize resolves fp and flattens the profile for display.
func (s *ProfileService) Summarize(ctx context.Context, fp facts.Fingerprint) (*Summary, error) {
	p, err := s.Resolve(ctx, fp)
	if err != nil {
		return nil, err
	}
	return Summarize(p), nil
}

// Summarize flattens p.
func Summarize(p *profile.Profile) *Summary {
	sum := &Summary{
		ID:         p.ID(),
		Facts:      p.Facts().Map(),
		Layouts:    map[string]BoundLayout{},
		Tables:     []TableSummary{},
		Additional: p.AdditionalKeys(),
		LegacyShim: p.HasLegacyShim(),
		Trace:      p.Trace(),
	}
	for _, name := range p.LayoutNames() {
		l, err := p.Layout(name)
		if err != nil {
			continue
		}
		src, _ := p.LayoutSource(name)
		sum.Layouts[name] = BoundLayout{Source: src, Layout: l}
	}
	for _, name := range p.TableNames() {
		t, err := p.Table(name)
		if err != nil {
			continue
		}
		pair := t.Pair()
		sum.Tables = append(sum.Tables, TableSummary{
			Name:   name,
			Module: t.Module,
			NT:     len(pair.NT()),
			Win32k: len(pair.Win32k()),
		})
	}
	return sum
}

// Layout returns the named layout bound for fp.
func (s *ProfileService) Layout(ctx context.Context, fp facts.Fingerprint, name string) (*BoundLayout, error) {
	p, err := s.Resolve(ctx, fp)
	if err != nil {
		return nil, err
	}
	l, err := p.Layout(name)
	if err != nil {
		return nil, err
	}
	src, _ := p.LayoutSource(name)
	return &BoundLayout{Source: src, Layout: l}, nil
}

// Table returns the named reference table bound for fp.
func (s *ProfileService) Table(ctx context.Context, fp facts.Fingerprint, name string) (tables.Table, error) {
	p, err := s.Resolve(ctx, fp)
	if err != nil {
		return tables.Table{}, err
	}
	return p.Table(name)
}

// Syscalls is the legacy two-list view.
type Syscalls struct {
	ProfileID string   `json:"profile_id"`
	Shim      bool     `json:"shim"`
	NT        []string `json:"nt"`
	Win32k    []string `json:"win32k"`
}

// Syscalls reads the deprecated syscalls pair. It emits the same
// deprecation signal as any other legacy read.
func (s *ProfileService) Syscalls(ctx context.Context, fp facts.Fingerprint) (*Syscalls, error) {
	p, err := s.Resolve(ctx, fp)
	if err != nil {
		return nil, err
	}
	pair, ok := p.LegacyTablePair()
	if !ok {
		pair = tables.EmptyPair()
	}
	return &Syscalls{ProfileID: p.ID(), Shim: ok, NT: pair.NT(), Win32k: pair.Win32k()}, nil
}

// Explain returns the rule graph for fp with the resolved profile's trace.
func (s *ProfileService) Explain(ctx context.Context, fp facts.Fingerprint, includeSkipped bool) (*export.D3Graph, error) {
	p, err := s.Resolve(ctx, fp)
	if err != nil {
		return nil, err
	}
	t := export.NewD3Transformer(s.bundle.Rules)
	t.IncludeSkipped = includeSkipped
	graph, err := t.TransformProfile(p)
	if err != nil {
		return nil, fmt.Errorf("%w: transformer failed: %v", errors.ErrInternal, err)
	}
	return graph, nil
}

// RuleInfo describes one registered rule.
type RuleInfo struct {
	ID     string   `json:"id"`
	When   string   `json:"when"`
	Kind   string   `json:"kind"`
	Action string   `json:"action"`
	Before []string `json:"before,omitempty"`
	After  []string `json:"after,omitempty"`
}

// Rules lists the registered rules in registration order.
func (s *ProfileService) Rules() []RuleInfo {
	return DescribeRules(s.bundle.Rules)
}

// DescribeRules lists rs in registration order.
func DescribeRules(rs *engine.RuleSet) []RuleInfo {
	out := make([]RuleInfo, 0, rs.Len())
	for _, r := range rs.Rules() {
		out = append(out, RuleInfo{
			ID:     r.ID,
			When:   r.When.String(),
			Kind:   string(r.Action.Kind()),
			Action: r.Action.Describe(),
			Before: r.Before,
			After:  r.After,
		})
	}
	return out
}

// Trace returns the override trace logged for a profile id.
func (s *ProfileService) Trace(ctx context.Context, profileID string) ([]profile.Override, error) {
	if s.db == nil {
		return nil, errors.NewAppError(http.StatusNotFound, "override log is disabled", nil)
	}
	if strings.TrimSpace(profileID) == "" {
		return nil, fmt.Errorf("%w: missing profile id", errors.ErrInvalidInput)
	}
	return provenance.Trace(ctx, s.db, profileID)
}

// Descriptor is one decoded service descriptor entry, keyed by field name.
type Descriptor map[string]uint64

// DecodeTable reads a raw descriptor table image using the layouts bound
// for fp. Integers are little endian.
func (s *ProfileService) DecodeTable(ctx context.Context, fp facts.Fingerprint, raw []byte) ([]Descriptor, error) {
	p, err := s.Resolve(ctx, fp)
	if err != nil {
		return nil, err
	}
	tbl, err := p.Layout(ssdt.TableStructure)
	if err != nil {
		return nil, err
	}
	entry, err := p.Layout(ssdt.EntryStructure)
	if err != nil {
		return nil, err
	}
	if len(raw) < tbl.Size {
		return nil, fmt.Errorf("%w: %s needs %#x bytes, got %#x", errors.ErrInvalidInput, tbl.Name, tbl.Size, len(raw))
	}
	arr, ok := tbl.Field("Descriptors")
	if !ok {
		return nil, fmt.Errorf("%w: %s has no Descriptors array", errors.ErrInternal, tbl.Name)
	}

	out := make([]Descriptor, 0, arr.Count)
	for i := 0; i < arr.Count; i++ {
		b, err := arr.Element(raw, i)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrInvalidInput, err)
		}
		d := Descriptor{}
		for _, f := range entry.Fields {
			v, err := f.ReadUint(b, binary.LittleEndian)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", errors.ErrInvalidInput, err)
			}
			d[f.Name] = v
		}
		out = append(out, d)
	}
	return out, nil
}
