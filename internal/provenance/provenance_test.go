package provenance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duynguyendang/ssdtprof/internal/store"
	"github.com/duynguyendang/ssdtprof/pkg/diag"
	"github.com/duynguyendang/ssdtprof/pkg/facts"
	"github.com/duynguyendang/ssdtprof/pkg/profile"
	"github.com/duynguyendang/ssdtprof/pkg/ssdt"
)

func resolve(t *testing.T, fp facts.Fingerprint) *profile.Profile {
	t.Helper()
	r, err := ssdt.NewResolver(diag.Discard{})
	require.NoError(t, err)
	s, err := fp.Facts()
	require.NoError(t, err)
	p, err := r.Resolve(s)
	require.NoError(t, err)
	return p
}

func TestLogAndTrace(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	p := resolve(t, facts.Windows(facts.Model32, 5, 2, 3789))
	require.NoError(t, LogProfile(ctx, st.DB(), p))
	// second write is ignored
	require.NoError(t, LogProfile(ctx, st.DB(), p))

	got, err := Trace(ctx, st.DB(), p.ID())
	require.NoError(t, err)
	assert.Equal(t, p.Trace(), got)

	var replaced int
	for _, o := range got {
		if o.Replaced != "" {
			replaced++
		}
	}
	assert.Positive(t, replaced, "2003 SP0 overrides the SP1/SP2 binding")

	entries, err := Recent(ctx, st.DB(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, p.ID(), entries[0].ProfileID)
	assert.Equal(t, len(p.Trace()), entries[0].Overrides)
	assert.Equal(t, p.Facts().String(), entries[0].Facts)
}

func TestTraceUnknownProfile(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	_, err = Trace(context.Background(), st.DB(), "nope")
	assert.ErrorIs(t, err, ErrUnknownProfile)
}

func TestRecentOrdering(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	first := resolve(t, facts.Windows(facts.Model32, 5, 1, 2600))
	second := resolve(t, facts.Windows(facts.Model64, 6, 1, 7600))
	require.NoError(t, LogProfile(ctx, st.DB(), first))
	require.NoError(t, LogProfile(ctx, st.DB(), second))

	entries, err := Recent(ctx, st.DB(), 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, second.ID(), entries[0].ProfileID)
}
