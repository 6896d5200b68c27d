package predicate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/duynguyendang/ssdtprof/pkg/facts"
)

func xp32() facts.Set {
	return facts.MustNew(map[string]any{
		facts.OS: "windows", facts.MemoryModel: "32bit",
		facts.Major: 5, facts.Minor: 1, facts.Build: 2600,
	})
}

func TestMatch(t *testing.T) {
	s := xp32()
	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"true", True(), true},
		{"zero value", Condition{}, true},
		{"eq string", Eq(facts.OS, "windows"), true},
		{"eq int", Eq(facts.Major, 5), true},
		{"eq kind mismatch", Eq(facts.Major, "5"), false},
		{"ne", Ne(facts.Minor, 2), true},
		{"ne kind mismatch", Ne(facts.Minor, "2"), false},
		{"ge", Ge(facts.Build, 2600), true},
		{"gt", Gt(facts.Build, 2600), false},
		{"lt on string", Lt(facts.OS, 3), false},
		{"in", In(facts.Build, 2600, 2700), true},
		{"all", All(Eq(facts.OS, "windows"), Eq(facts.Minor, 1)), true},
		{"all fails", All(Eq(facts.OS, "windows"), Eq(facts.Minor, 2)), false},
		{"any", Any(Eq(facts.Minor, 2), Eq(facts.Minor, 1)), true},
		{"not", Not(Eq(facts.MemoryModel, "64bit")), true},
		{"missing fact", Eq("service_pack", 2), false},
		{"missing fact under not", Not(Eq("service_pack", 2)), false},
		{"missing fact inside any", Any(Eq(facts.Minor, 1), Eq("service_pack", 2)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cond.Match(s))
		})
	}
}

func TestMatchIsPure(t *testing.T) {
	c := All(Eq(facts.OS, "windows"), Ge(facts.Build, 2600))
	s := xp32()
	for i := 0; i < 3; i++ {
		assert.True(t, c.Match(s))
	}
	assert.Equal(t, "windows", s.Str(facts.OS))
}

func TestFacts(t *testing.T) {
	c := All(Eq(facts.OS, "windows"), Any(Eq(facts.Minor, 1), Not(Ge(facts.Build, 6001))))
	assert.Equal(t, []string{"build", "minor", "os"}, c.Facts())
	assert.Empty(t, True().Facts())
}

func TestStringRoundTrip(t *testing.T) {
	conds := []Condition{
		All(Eq(facts.OS, "windows"), Eq(facts.MemoryModel, "32bit"), Eq(facts.Major, 5)),
		All(Eq(facts.Build, "3789")),
		All(Any(All(Eq(facts.Minor, 1), Eq(facts.Major, 5)), Not(In(facts.Build, 6000, 6001)))),
		True(),
	}
	for _, c := range conds {
		t.Run(c.String(), func(t *testing.T) {
			back, err := Parse(c.String())
			require.NoError(t, err)
			assert.Equal(t, c.String(), back.String())
			assert.Equal(t, c.Match(xp32()), back.Match(xp32()))
		})
	}
}

func TestYAML(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "compact text",
			src:  `when: "eq(os, windows), ge(build, 6001)"`,
			want: "eq(os, windows), ge(build, 6001)",
		},
		{
			name: "mapping",
			src:  "when:\n  os: windows\n  major: 6\n  build: {ge: 6001}\n",
			want: "eq(os, windows), eq(major, 6), ge(build, 6001)",
		},
		{
			name: "quoted int stays string",
			src:  "when: {major: \"5\"}",
			want: "eq(major, '5')",
		},
		{
			name: "in list",
			src:  "when: {build: [6000, 6001]}",
			want: "in(build, 6000, 6001)",
		},
		{
			name: "sequence and combinators",
			src:  "when:\n  - os: windows\n  - any:\n      - {minor: 1}\n      - \"lt(build, 3790)\"\n",
			want: "eq(os, windows), any(eq(minor, 1), lt(build, 3790))",
		},
		{
			name: "not",
			src:  "when: {not: {memory_model: 64bit}}",
			want: "not(eq(memory_model, 64bit))",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var doc struct {
				When Condition `yaml:"when"`
			}
			require.NoError(t, yaml.Unmarshal([]byte(tt.src), &doc))
			assert.Equal(t, tt.want, doc.When.String())
		})
	}
}

func TestYAMLErrors(t *testing.T) {
	for _, src := range []string{
		"when: {build: {about: 5}}",
		"when: {any: {os: windows}}",
		`when: "eq(os)"`,
	} {
		var doc struct {
			When Condition `yaml:"when"`
		}
		assert.Error(t, yaml.Unmarshal([]byte(src), &doc), src)
	}
}

func TestMarshalYAML(t *testing.T) {
	out, err := yaml.Marshal(struct {
		When Condition `yaml:"when"`
	}{When: All(Eq(facts.OS, "windows"), Ge(facts.Build, 6001))})
	require.NoError(t, err)
	assert.Equal(t, "when: eq(os, windows), ge(build, 6001)\n", string(out))
}
