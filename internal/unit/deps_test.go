package unit

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/unitd/internal/unitfile"
)

func TestRelationInverseIsSymmetric(t *testing.T) {
	for r := Relation(0); int(r) < len(relationNames); r++ {
		assert.Equal(t, r, r.Inverse().Inverse(), r.String())
		p, err := ParseRelation(r.String())
		require.NoError(t, err)
		assert.Equal(t, r, p)
	}
	_, err := ParseRelation("Likes")
	assert.Error(t, err)
}

func TestDepDBBothSides(t *testing.T) {
	d := newDepDB()
	assert.True(t, d.add("a.service", RelRequires, "b.service"))
	assert.False(t, d.add("a.service", RelRequires, "b.service"))
	d.add("a.service", RelAfter, "b.service")
	d.add("c.service", RelBindsTo, "b.service")

	assert.True(t, d.has("b.service", RelRequiredBy, "a.service"))
	assert.Equal(t, []string{"a.service"}, d.gets("b.service", RelBefore))
	assert.Equal(t, []string{"a.service", "c.service"}, d.getsAtom("b.service", AtomPropagateStop))
	assert.Equal(t, []string{"b.service"}, d.getsAtom("c.service", AtomCannotBeActiveWithout))

	snap := d.snapshot("b.service")
	want := map[string][]string{
		RelRequiredBy.String(): {"a.service"},
		RelBefore.String():     {"a.service"},
		RelBoundBy.String():    {"c.service"},
	}
	if diff := cmp.Diff(want, snap); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}

	d2 := newDepDB()
	require.NoError(t, d2.restore("b.service", snap))
	assert.True(t, d2.has("a.service", RelRequires, "b.service"))
	assert.True(t, d2.has("c.service", RelBindsTo, "b.service"))

	d.remove("b.service")
	assert.Empty(t, d.gets("a.service", RelRequires))
	assert.Nil(t, d.snapshot("b.service"))
}

func TestParseConfDefaultsAndOverrides(t *testing.T) {
	f, err := unitfile.Parse("web.service", strings.NewReader(`
[Unit]
Description = "web"
Requires = ["db.service"]
StartLimitInterval = "30s"

[Install]
WantedBy = ["multi.target"]
`))
	require.NoError(t, err)
	c, err := parseConf(f, DefaultStartLimitInterval, DefaultStartLimitBurst)
	require.NoError(t, err)
	assert.Equal(t, "web", c.Description)
	assert.True(t, c.DefaultDependencies)
	assert.Equal(t, 30*time.Second, c.StartLimitInterval)
	assert.Equal(t, uint(DefaultStartLimitBurst), c.StartLimitBurst)

	var rels []Relation
	for _, e := range c.edges() {
		if len(e.ids) > 0 {
			rels = append(rels, e.rel)
		}
	}
	assert.Equal(t, []Relation{RelRequires, RelWantedBy}, rels)
}

func TestTypeFromName(t *testing.T) {
	for name, want := range map[string]Type{
		"web.service":  TypeService,
		"web.socket":   TypeSocket,
		"-.mount":      TypeMount,
		"multi.target": TypeTarget,
	} {
		got, err := TypeFromName(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	for _, bad := range []string{"web", ".service", "web.", "web.timer"} {
		_, err := TypeFromName(bad)
		assert.Error(t, err, bad)
	}
}

func TestStartLimitIsCancellation(t *testing.T) {
	assert.ErrorIs(t, ErrStartLimitHit, ErrCanceled)
	assert.NotErrorIs(t, ErrCanceled, ErrStartLimitHit)
}
