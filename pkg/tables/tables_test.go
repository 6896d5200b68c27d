package tables

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/duynguyendang/ssdtprof/pkg/common/errors"
	"github.com/duynguyendang/ssdtprof/pkg/facts"
	"github.com/duynguyendang/ssdtprof/pkg/order"
	"github.com/duynguyendang/ssdtprof/pkg/predicate"
)

func win2k3(model string) predicate.Condition {
	return predicate.All(
		predicate.Eq(facts.OS, "windows"),
		predicate.Eq(facts.MemoryModel, model),
		predicate.Eq(facts.Major, 5),
		predicate.Eq(facts.Minor, 2),
	)
}

func win2k3Registry(t *testing.T) *Registry {
	t.Helper()
	b := NewBuilder()
	require.NoError(t, b.Register(Binding{
		ID: "Win2K3SP0Syscalls", Table: "syscalls", Module: "win2k3_sp0_x86",
		When:  predicate.All(win2k3("32bit"), predicate.Eq(facts.Build, 3789)),
		After: []string{"Win2K3SP12Syscalls"},
	}))
	require.NoError(t, b.Register(Binding{
		ID: "Win2K3SP12Syscalls", Table: "syscalls", Module: "win2k3_sp12_x86",
		When: win2k3("32bit"),
	}))
	require.NoError(t, b.Register(Binding{
		ID: "WinXPx64Syscalls", Table: "syscalls", Module: "win2k3_sp12_x64",
		When: win2k3("64bit"),
	}))
	r, err := b.Build()
	require.NoError(t, err)
	return r
}

func set(model string, build int) facts.Set {
	s, _ := facts.Windows(model, 5, 2, build).Facts()
	return s
}

func TestResolveExactBuildWins(t *testing.T) {
	r := win2k3Registry(t)

	bd, err := r.Resolve("syscalls", set("32bit", 3789))
	require.NoError(t, err)
	assert.Equal(t, "win2k3_sp0_x86", bd.Module)

	bd, err = r.Resolve("syscalls", set("32bit", 9999))
	require.NoError(t, err)
	assert.Equal(t, "win2k3_sp12_x86", bd.Module)

	bd, err = r.Resolve("syscalls", set("64bit", 3790))
	require.NoError(t, err)
	assert.Equal(t, "win2k3_sp12_x64", bd.Module)
}

func TestResolveBeforeConstraintIgnoresRegistrationOrder(t *testing.T) {
	w := predicate.Eq(facts.OS, "windows")
	a := Binding{ID: "A", Table: "t", Module: "mod_a", When: w, Before: []string{"B"}}
	b := Binding{ID: "B", Table: "t", Module: "mod_b", When: w}

	for _, regs := range [][]Binding{{a, b}, {b, a}} {
		builder := NewBuilder()
		for _, bd := range regs {
			require.NoError(t, builder.Register(bd))
		}
		r, err := builder.Build()
		require.NoError(t, err)
		got, err := r.Resolve("t", facts.MustNew(map[string]any{facts.OS: "windows"}))
		require.NoError(t, err)
		assert.Equal(t, "mod_b", got.Module)
	}
}

func TestResolveRegistrationOrderTiebreak(t *testing.T) {
	w := predicate.Eq(facts.OS, "windows")
	builder := NewBuilder()
	require.NoError(t, builder.Register(Binding{ID: "first", Table: "t", Module: "m1", When: w}))
	require.NoError(t, builder.Register(Binding{ID: "second", Table: "t", Module: "m2", When: w}))
	r, err := builder.Build()
	require.NoError(t, err)

	got, err := r.Resolve("t", facts.MustNew(map[string]any{facts.OS: "windows"}))
	require.NoError(t, err)
	assert.Equal(t, "m2", got.Module)
}

func TestResolveCycle(t *testing.T) {
	w := predicate.Eq(facts.OS, "windows")
	builder := NewBuilder()
	require.NoError(t, builder.Register(Binding{ID: "R1", Table: "t", Module: "m1", When: w, Before: []string{"R2"}}))
	require.NoError(t, builder.Register(Binding{ID: "R2", Table: "t", Module: "m2", When: w, Before: []string{"R1"}}))
	r, err := builder.Build()
	require.NoError(t, err)

	_, err = r.Resolve("t", facts.MustNew(map[string]any{facts.OS: "windows"}))
	assert.ErrorIs(t, err, order.ErrCyclicRuleOrdering)
}

func TestResolveNotFound(t *testing.T) {
	r := win2k3Registry(t)

	_, err := r.Resolve("syscals", set("32bit", 3790))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	var ne *NameError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, []string{"syscalls"}, ne.Suggestions())

	linux := facts.MustNew(map[string]any{facts.OS: "linux"})
	_, err = r.Resolve("syscalls", linux)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBuilderRejectsUnknownReference(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Register(Binding{ID: "x", Table: "t", Module: "m", Before: []string{"nope"}}))
	_, err := b.Build()
	assert.ErrorIs(t, err, apperrors.ErrInternal)

	assert.Error(t, b.Register(Binding{ID: "late", Table: "t", Module: "m"}), "frozen builder")
}

func TestBuilderRejectsIncomplete(t *testing.T) {
	b := NewBuilder()
	assert.ErrorIs(t, b.Register(Binding{ID: "x", Table: "t"}), apperrors.ErrInvalidInput)
	require.NoError(t, b.Register(Binding{ID: "x", Table: "t", Module: "m"}))
	assert.ErrorIs(t, b.Register(Binding{ID: "x", Table: "t", Module: "m"}), apperrors.ErrInvalidInput)
}

func TestModuleTable(t *testing.T) {
	m := Module{ID: "mod", NT: []string{"NtAcceptConnectPort", "NtAccessCheck"}, Win32k: []string{"NtGdiAbortDoc"}}
	tbl := m.Table("syscalls")
	assert.Equal(t, "mod", tbl.Module)
	assert.Len(t, tbl.Entries, 3)

	d, ok := tbl.Lookup(ServiceWin32k, 0)
	require.True(t, ok)
	assert.Equal(t, "NtGdiAbortDoc", d.Name)
	_, ok = tbl.Lookup(ServiceNT, 7)
	assert.False(t, ok)

	p := tbl.Pair()
	assert.Equal(t, []string{"NtAcceptConnectPort", "NtAccessCheck"}, p.NT())
	assert.Equal(t, []string{"NtGdiAbortDoc"}, p.Win32k())
}

func TestEmptyPair(t *testing.T) {
	p := EmptyPair()
	assert.NotNil(t, p.NT())
	assert.NotNil(t, p.Win32k())
	assert.Empty(t, p.NT())
	assert.Equal(t, p, Table{}.Pair())
}

func TestMapLoader(t *testing.T) {
	src := `
modules:
  xp_sp2_x86:
    nt: [NtAcceptConnectPort, NtAccessCheck]
    win32k: [NtGdiAbortDoc]
  win7_sp01_x86:
    nt: [NtAcceptConnectPort]
`
	l, err := LoadYAMLModules(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, []string{"win7_sp01_x86", "xp_sp2_x86"}, l.IDs())

	m, err := l.Load("xp_sp2_x86")
	require.NoError(t, err)
	assert.Equal(t, "xp_sp2_x86", m.ID)
	assert.Len(t, m.NT, 2)

	_, err = l.Load("xp_sp3_x86")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReferenceTableUnavailable)
	var ne *NameError
	require.ErrorAs(t, err, &ne)
	assert.Contains(t, ne.Hints, "xp_sp2_x86")

	merged := l.Merge(MapLoader{"extra": {NT: []string{"NtFoo"}}})
	assert.Len(t, merged, 3)
	assert.Len(t, l, 2)
}

func TestLoadYAMLRegistry(t *testing.T) {
	src := `
bindings:
  - id: Win2K3SP0Syscalls
    table: syscalls
    module: win2k3_sp0_x86
    additional: syscalls
    when: "eq(os, windows), eq(memory_model, 32bit), eq(major, 5), eq(minor, 2), eq(build, 3789)"
    after: [Win2K3SP12Syscalls]
  - id: Win2K3SP12Syscalls
    table: syscalls
    module: win2k3_sp12_x86
    additional: syscalls
    when: {os: windows, memory_model: 32bit, major: 5, minor: 2}
`
	r, err := LoadYAML(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, r.Bindings(), 2)
	assert.Equal(t, "syscalls", r.Bindings()[0].Additional)

	bd, err := r.Resolve("syscalls", set("32bit", 3789))
	require.NoError(t, err)
	assert.Equal(t, "win2k3_sp0_x86", bd.Module)
}
