package profile

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duynguyendang/ssdtprof/pkg/diag"
	"github.com/duynguyendang/ssdtprof/pkg/facts"
	"github.com/duynguyendang/ssdtprof/pkg/layout"
	"github.com/duynguyendang/ssdtprof/pkg/tables"
)

func windowsFacts(t *testing.T) facts.Set {
	t.Helper()
	s, err := facts.Windows(facts.Model32, 5, 1, 2600).Facts()
	require.NoError(t, err)
	return s
}

func entry() layout.Layout {
	return layout.Layout{Name: "_SERVICE_DESCRIPTOR_ENTRY", Size: 0x10, Fields: []layout.Field{
		{Name: "ServiceLimit", Offset: 0x8, Size: 4, Kind: layout.KindInt},
	}}
}

func TestBuilderTrace(t *testing.T) {
	b := NewBuilder(windowsFacts(t), nil)
	b.SetLayout("r1", "ssdt-x86", entry())
	b.BindTable("r2", tables.Table{Name: "syscalls", Module: "generic"})
	b.BindTable("r3", tables.Table{Name: "syscalls", Module: "specific"})
	b.SetAdditional("r3", SyscallsKey, "specific", tables.EmptyPair())

	got, ok := b.Table("syscalls")
	require.True(t, ok)
	assert.Equal(t, "specific", got.Module)
	_, src, rule, ok := b.Layout("_SERVICE_DESCRIPTOR_ENTRY")
	require.True(t, ok)
	assert.Equal(t, "ssdt-x86", src)
	assert.Equal(t, "r1", rule)

	p := b.Finalize()
	trace := p.Trace()
	require.Len(t, trace, 4)
	assert.Equal(t, Override{Seq: 3, RuleID: "r3", Kind: ActionTable, Name: "syscalls", Value: "specific", Replaced: "generic"}, trace[2])
	assert.Equal(t, "", trace[1].Replaced)
}

func TestFinalizeFreezesBuilder(t *testing.T) {
	b := NewBuilder(windowsFacts(t), nil)
	b.Finalize()
	assert.Panics(t, func() { b.SetLayout("r", "v", entry()) })
	assert.Panics(t, func() { b.Finalize() })
}

func TestProfileLookups(t *testing.T) {
	b := NewBuilder(windowsFacts(t), nil)
	b.SetLayout("r1", "ssdt-x86", entry())
	b.BindTable("r2", tables.Module{ID: "xp_sp2_x86", NT: []string{"NtAcceptConnectPort"}}.Table("syscalls"))
	p := b.Finalize()

	l, err := p.Layout("_SERVICE_DESCRIPTOR_ENTRY")
	require.NoError(t, err)
	assert.Equal(t, 0x10, l.Size)
	l.Fields[0].Offset = 0x99
	again, _ := p.Layout("_SERVICE_DESCRIPTOR_ENTRY")
	assert.Equal(t, 0x8, again.Fields[0].Offset, "profile must hand out copies")

	_, err = p.Layout("_SERVICE_DESCRIPTOR_ENTRI")
	assert.ErrorIs(t, err, layout.ErrUnknownStructure)

	tbl, err := p.Table("syscalls")
	require.NoError(t, err)
	assert.Equal(t, "xp_sp2_x86", tbl.Module)

	_, err = p.Table("gdi")
	assert.ErrorIs(t, err, tables.ErrReferenceTableUnavailable)

	src, ok := p.LayoutSource("_SERVICE_DESCRIPTOR_ENTRY")
	assert.True(t, ok)
	assert.Equal(t, "ssdt-x86", src)
	assert.Equal(t, []string{"syscalls"}, p.TableNames())
	assert.NotEmpty(t, p.ID())
}

func TestLegacyTablePairDefaultsToEmpty(t *testing.T) {
	rec := &diag.Recorder{}
	b := NewBuilder(windowsFacts(t), rec)
	b.EnableLegacyShim("WinSyscallsAttribute")
	p := b.Finalize()

	pair, ok := p.LegacyTablePair()
	require.True(t, ok)
	assert.Equal(t, tables.EmptyPair(), pair)
	assert.Equal(t, 1, rec.Count(diag.KindDeprecation))

	p.LegacyTablePair()
	p.LegacyTablePair()
	assert.Equal(t, 3, rec.Count(diag.KindDeprecation))
}

func TestLegacyTablePairReadsAdditional(t *testing.T) {
	rec := &diag.Recorder{}
	b := NewBuilder(windowsFacts(t), rec)
	b.EnableLegacyShim("WinSyscallsAttribute")
	b.SetAdditional("WinXPSyscalls", SyscallsKey, "xp_sp2_x86", tables.Pair{{"NtAcceptConnectPort"}, {"NtGdiAbortDoc"}})
	p := b.Finalize()

	pair, ok := p.LegacyTablePair()
	require.True(t, ok)
	assert.Equal(t, []string{"NtAcceptConnectPort"}, pair.NT())

	// The modern path is unaffected and emits nothing.
	v, ok := p.Additional(SyscallsKey)
	require.True(t, ok)
	assert.Equal(t, pair, v)
	assert.Equal(t, 1, rec.Count(diag.KindDeprecation))
}

func TestLegacyTablePairNotInstalled(t *testing.T) {
	rec := &diag.Recorder{}
	p := NewBuilder(facts.MustNew(map[string]any{facts.OS: "linux"}), rec).Finalize()
	_, ok := p.LegacyTablePair()
	assert.False(t, ok)
	assert.Zero(t, rec.Count(diag.KindDeprecation))
}

func TestSameBindings(t *testing.T) {
	build := func() *Profile {
		b := NewBuilder(windowsFacts(t), nil)
		b.SetLayout("r1", "ssdt-x86", entry())
		b.BindTable("r2", tables.Table{Name: "syscalls", Module: "xp"})
		return b.Finalize()
	}
	a, b := build(), build()
	assert.NotEqual(t, a.ID(), b.ID())
	assert.True(t, a.SameBindings(b))

	c := NewBuilder(windowsFacts(t), nil)
	c.SetLayout("r1", "ssdt-x86", entry())
	c.BindTable("r2", tables.Table{Name: "syscalls", Module: "other"})
	assert.False(t, a.SameBindings(c.Finalize()))
}

func TestConcurrentReaders(t *testing.T) {
	b := NewBuilder(windowsFacts(t), &diag.Recorder{})
	b.SetLayout("r1", "ssdt-x86", entry())
	b.EnableLegacyShim("shim")
	p := b.Finalize()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.Layout("_SERVICE_DESCRIPTOR_ENTRY")
			_, _ = p.LegacyTablePair()
			_ = p.Trace()
		}()
	}
	wg.Wait()
}
