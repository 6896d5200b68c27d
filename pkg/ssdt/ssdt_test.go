package ssdt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duynguyendang/ssdtprof/pkg/diag"
	"github.com/duynguyendang/ssdtprof/pkg/engine"
	"github.com/duynguyendang/ssdtprof/pkg/facts"
	"github.com/duynguyendang/ssdtprof/pkg/layout"
	"github.com/duynguyendang/ssdtprof/pkg/profile"
	"github.com/duynguyendang/ssdtprof/pkg/tables"
)

func resolver(t *testing.T, sink diag.Sink) *engine.Resolver {
	t.Helper()
	r, err := NewResolver(sink)
	require.NoError(t, err)
	return r
}

func resolve(t *testing.T, model string, major, minor, build int) *profile.Profile {
	t.Helper()
	p, err := resolver(t, nil).ResolveFrom(facts.Windows(model, major, minor, build))
	require.NoError(t, err)
	return p
}

func TestSyscallBindings(t *testing.T) {
	tests := []struct {
		name                string
		model               string
		major, minor, build int
		module              string
	}{
		{"XP x86", facts.Model32, 5, 1, 2600, "xp_sp2_x86"},
		{"XP x64", facts.Model64, 5, 2, 3790, "win2k3_sp12_x64"},
		{"2003 RTM x86", facts.Model32, 5, 2, 3789, "win2k3_sp0_x86"},
		{"2003 SP1 x86", facts.Model32, 5, 2, 3790, "win2k3_sp12_x86"},
		{"2003 unknown build x86", facts.Model32, 5, 2, 9999, "win2k3_sp12_x86"},
		{"Vista RTM x86", facts.Model32, 6, 0, 6000, "vista_sp0_x86"},
		{"Vista RTM x64", facts.Model64, 6, 0, 6000, "vista_sp0_x64"},
		{"Vista SP1 x86", facts.Model32, 6, 0, 6001, "vista_sp12_x86"},
		{"Vista SP2 x64", facts.Model64, 6, 0, 6002, "vista_sp12_x64"},
		{"Win7 x86", facts.Model32, 6, 1, 7600, "win7_sp01_x86"},
		{"Win7 SP1 x64", facts.Model64, 6, 1, 7601, "win7_sp01_x64"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := resolve(t, tt.model, tt.major, tt.minor, tt.build)
			tbl, err := p.Table(SyscallsTable)
			require.NoError(t, err)
			assert.Equal(t, tt.module, tbl.Module)

			v, ok := p.Additional(profile.SyscallsKey)
			require.True(t, ok)
			assert.Equal(t, tbl.Pair(), v)
			assert.True(t, p.HasLegacyShim())
		})
	}
}

func TestLayoutsX86(t *testing.T) {
	p := resolve(t, facts.Model32, 5, 1, 2600)

	tbl, err := p.Layout(TableStructure)
	require.NoError(t, err)
	assert.Equal(t, 0x40, tbl.Size)
	desc, ok := tbl.Field("Descriptors")
	require.True(t, ok)
	assert.Equal(t, 4, desc.Count)
	assert.Equal(t, 0x10, desc.ElemSize())

	e, err := p.Layout(EntryStructure)
	require.NoError(t, err)
	assert.Equal(t, 0x10, e.Size)
	want := []layout.Field{
		{Name: "KiServiceTable", Offset: 0x0, Size: 4, Kind: layout.KindPointer, Target: "void"},
		{Name: "CounterBaseTable", Offset: 0x4, Size: 4, Kind: layout.KindPointer, Target: "unsigned long"},
		{Name: "ServiceLimit", Offset: 0x8, Size: 4, Kind: layout.KindInt},
		{Name: "ArgumentTable", Offset: 0xc, Size: 4, Kind: layout.KindPointer, Target: "unsigned char"},
	}
	assert.Equal(t, want, e.Fields)
}

func TestLayouts2003(t *testing.T) {
	for _, build := range []int{3789, 3790} {
		p := resolve(t, facts.Model32, 5, 2, build)

		tbl, err := p.Layout(TableStructure)
		require.NoError(t, err)
		assert.Equal(t, 0x20, tbl.Size)
		desc, _ := tbl.Field("Descriptors")
		assert.Equal(t, 2, desc.Count)

		src, _ := p.LayoutSource(TableStructure)
		assert.Equal(t, "ssdt-x86-2k3", src)

		// The entry still comes from the generic x86 variant.
		e, err := p.Layout(EntryStructure)
		require.NoError(t, err)
		assert.Equal(t, 0x10, e.Size)
	}
}

func TestLayoutsX64(t *testing.T) {
	p := resolve(t, facts.Model64, 6, 1, 7601)

	tbl, err := p.Layout(TableStructure)
	require.NoError(t, err)
	assert.Equal(t, 0x40, tbl.Size)
	desc, _ := tbl.Field("Descriptors")
	assert.Equal(t, 2, desc.Count)
	assert.Equal(t, 0x20, desc.ElemSize())

	e, err := p.Layout(EntryStructure)
	require.NoError(t, err)
	assert.Equal(t, 0x20, e.Size)
	want := []layout.Field{
		{Name: "KiServiceTable", Offset: 0x0, Size: 8, Kind: layout.KindPointer, Target: "void"},
		{Name: "CounterBaseTable", Offset: 0x8, Size: 8, Kind: layout.KindPointer, Target: "unsigned long"},
		{Name: "ServiceLimit", Offset: 0x10, Size: 8, Kind: layout.KindInt},
		{Name: "ArgumentTable", Offset: 0x18, Size: 8, Kind: layout.KindPointer, Target: "unsigned char"},
	}
	assert.Equal(t, want, e.Fields)

	x86 := resolve(t, facts.Model32, 6, 1, 7601)
	e32, _ := x86.Layout(EntryStructure)
	assert.False(t, e.Equal(e32))
}

func TestCatalogMatchesEngine(t *testing.T) {
	b, err := Default()
	require.NoError(t, err)

	for _, fp := range []facts.Fingerprint{
		facts.Windows(facts.Model32, 5, 1, 2600),
		facts.Windows(facts.Model32, 5, 2, 3789),
		facts.Windows(facts.Model64, 6, 0, 6002),
	} {
		s, err := fp.Facts()
		require.NoError(t, err)
		p, err := b.NewResolver(nil).Resolve(s)
		require.NoError(t, err)
		for _, name := range b.Catalog.Names() {
			fromCatalog, err := b.Catalog.Lookup(name, s)
			require.NoError(t, err)
			fromProfile, err := p.Layout(name)
			require.NoError(t, err)
			assert.True(t, fromCatalog.Equal(fromProfile), "%s %s", name, s)
		}
	}
}

func TestUnboundBuilds(t *testing.T) {
	// Windows 2000 has layouts but no syscall module.
	p := resolve(t, facts.Model32, 5, 0, 2195)
	_, err := p.Table(SyscallsTable)
	assert.ErrorIs(t, err, tables.ErrReferenceTableUnavailable)
	_, err = p.Layout(TableStructure)
	assert.NoError(t, err)

	pair, ok := p.LegacyTablePair()
	require.True(t, ok)
	assert.Equal(t, tables.EmptyPair(), pair)

	// Pre-release Vista builds are not covered by either Vista binding.
	p = resolve(t, facts.Model32, 6, 0, 5808)
	_, err = p.Table(SyscallsTable)
	assert.Error(t, err)
}

func TestNonWindowsGetsNothing(t *testing.T) {
	rec := &diag.Recorder{}
	p, err := resolver(t, rec).ResolveFrom(facts.Fingerprint{OS: "linux"})
	require.NoError(t, err)
	assert.Empty(t, p.LayoutNames())
	assert.Empty(t, p.TableNames())
	_, ok := p.LegacyTablePair()
	assert.False(t, ok)
	assert.Zero(t, rec.Count(diag.KindDeprecation))
}

func TestLegacyShimSignals(t *testing.T) {
	rec := &diag.Recorder{}
	p, err := resolver(t, rec).ResolveFrom(facts.Windows(facts.Model32, 5, 1, 2600))
	require.NoError(t, err)

	pair, ok := p.LegacyTablePair()
	require.True(t, ok)
	assert.Equal(t, "NtAcceptConnectPort", pair.NT()[0])
	assert.Equal(t, "NtGdiAbortDoc", pair.Win32k()[0])
	assert.Equal(t, 1, rec.Count(diag.KindDeprecation))
}

func TestRoundTrip(t *testing.T) {
	r := resolver(t, nil)
	fp := facts.Windows(facts.Model32, 5, 2, 3789)
	a, err := r.ResolveFrom(fp)
	require.NoError(t, err)
	b, err := r.ResolveFrom(fp)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.True(t, a.SameBindings(b))
}

func TestBundleContents(t *testing.T) {
	b, err := Default()
	require.NoError(t, err)
	assert.Len(t, b.Catalog.Variants(), 3)
	assert.Len(t, b.Registry.Bindings(), 10)
	assert.Equal(t, 14, b.Rules.Len())
	assert.Len(t, b.Modules.IDs(), 10)

	for _, bd := range b.Registry.Bindings() {
		_, err := b.Modules.Load(bd.Module)
		assert.NoError(t, err, bd.ID)
	}
}

func TestOverlay(t *testing.T) {
	src := `
variants:
  - id: ssdt-x86-custom
    when: {os: windows, memory_model: 32bit, major: 5, minor: 1}
    overrides: [ssdt-x86]
    layouts:
      - name: _SERVICE_DESCRIPTOR_TABLE
        size: 0x30
        fields:
          - {name: Descriptors, offset: 0x0, size: 0x30, kind: array, elem: _SERVICE_DESCRIPTOR_ENTRY, count: 3}
bindings:
  - id: WinXPSP3Syscalls
    table: syscalls
    module: xp_sp3_x86
    additional: syscalls
    when: {os: windows, memory_model: 32bit, major: 5, minor: 1, build: {ge: 2600}}
    after: [WinXPSyscalls]
modules:
  xp_sp3_x86:
    nt: [NtAcceptConnectPort]
`
	o, err := LoadOverlay(strings.NewReader(src))
	require.NoError(t, err)
	b, err := Build(o)
	require.NoError(t, err)

	p, err := b.NewResolver(nil).ResolveFrom(facts.Windows(facts.Model32, 5, 1, 2600))
	require.NoError(t, err)
	tbl, err := p.Table(SyscallsTable)
	require.NoError(t, err)
	assert.Equal(t, "xp_sp3_x86", tbl.Module)
	l, err := p.Layout(TableStructure)
	require.NoError(t, err)
	assert.Equal(t, 0x30, l.Size)

	// The default bundle is untouched.
	def, err := Default()
	require.NoError(t, err)
	assert.Len(t, def.Registry.Bindings(), 10)
}

func TestOverrideChainThroughUnmatchedVariant(t *testing.T) {
	o, err := LoadOverlay(strings.NewReader(`
variants:
  - id: ssdt-x86-future
    when: {os: windows, memory_model: 32bit, major: 99}
    overrides: [ssdt-x86]
    layouts:
      - name: _SERVICE_DESCRIPTOR_TABLE
        size: 0x20
        fields:
          - {name: Descriptors, offset: 0x0, size: 0x20, kind: array, elem: _SERVICE_DESCRIPTOR_ENTRY, count: 2}
  - id: ssdt-x86-xp
    when: {os: windows, memory_model: 32bit, major: 5, minor: 1}
    overrides: [ssdt-x86-future]
    layouts:
      - name: _SERVICE_DESCRIPTOR_TABLE
        size: 0x30
        fields:
          - {name: Descriptors, offset: 0x0, size: 0x30, kind: array, elem: _SERVICE_DESCRIPTOR_ENTRY, count: 3}
`))
	require.NoError(t, err)
	b, err := Build(o)
	require.NoError(t, err)

	s, err := facts.Windows(facts.Model32, 5, 1, 2600).Facts()
	require.NoError(t, err)
	fromCatalog, err := b.Catalog.Lookup(TableStructure, s)
	require.NoError(t, err)
	assert.Equal(t, 0x30, fromCatalog.Size)

	p, err := b.NewResolver(nil).Resolve(s)
	require.NoError(t, err)
	fromProfile, err := p.Layout(TableStructure)
	require.NoError(t, err)
	assert.True(t, fromCatalog.Equal(fromProfile))

	rule, ok := b.Rules.Rule("ssdt-x86-xp")
	require.True(t, ok)
	assert.Equal(t, []string{"ssdt-x86", "ssdt-x86-future"}, rule.After)
}

func TestOverlayRejectsBadReference(t *testing.T) {
	o, err := LoadOverlay(strings.NewReader(`
bindings:
  - id: Broken
    table: syscalls
    module: xp_sp2_x86
    when: {os: windows}
    before: [NoSuchRule]
`))
	require.NoError(t, err)
	_, err = Build(o)
	assert.Error(t, err)

	o, err = LoadOverlay(strings.NewReader(""))
	require.NoError(t, err)
	_, err = Build(o)
	assert.NoError(t, err)
}
