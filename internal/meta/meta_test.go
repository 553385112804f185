package meta

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestColumnsInterval(t *testing.T) {
	ci := ColumnsInterval{Start: "a", End: "m"}
	cases := []struct {
		column string
		want   bool
	}{
		{"a", true},
		{"a.b", true},
		{"l.z", true},
		{"m", false},
		{"z.a", false},
		{"*", true},
		{"b.*", true},
		{"x.*", false},
	}
	for _, c := range cases {
		if got := ci.Contains(c.column); got != c.want {
			t.Errorf("%s.Contains(%q) = %v, want %v", ci, c.column, got, c.want)
		}
	}

	t.Run("unbounded", func(t *testing.T) {
		require.True(t, ColumnsInterval{}.Contains("anything"))
		require.True(t, ColumnsInterval{Start: "m"}.Contains("zzz"))
		require.False(t, ColumnsInterval{End: "m"}.Contains("zzz"))
	})

	t.Run("schema prefix", func(t *testing.T) {
		d := ColumnsInterval{SchemaPrefix: "dummy"}
		require.True(t, d.Contains("dummy.a"))
		d = ColumnsInterval{Start: "a", End: "c", SchemaPrefix: "dummy"}
		require.True(t, d.Contains("dummy.b"))
		require.False(t, d.Contains("b"))
	})
}

func TestIntervalOf(t *testing.T) {
	got := IntervalOf([]string{"a.b", "a.c"})
	require.Equal(t, "a.b", got.Start)
	require.True(t, got.Contains("a.c"))
	require.False(t, got.Contains("a.d"))

	got = IntervalOf([]string{"a.*", "b.c"})
	require.True(t, got.Contains("a.zzz"))
	require.True(t, got.Contains("b.c"))

	require.Equal(t, ColumnsInterval{}, IntervalOf([]string{"*"}))
}

func TestKeyInterval(t *testing.T) {
	k := KeyInterval{Start: 10, End: 20}
	require.True(t, k.Contains(10))
	require.False(t, k.Contains(20))
	require.True(t, k.Overlaps(KeyInterval{Start: 19, End: 30}))
	require.False(t, k.Overlaps(KeyInterval{Start: 20, End: 30}))
	require.True(t, AllKeys.Contains(-1<<62))
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager()
	m.AddEngine(&StorageEngine{ID: "e0", Type: "memory"})
	require.NoError(t, m.AddUnit(&StorageUnit{ID: "u0", EngineID: "e0", Replicas: []string{"u0r"}}))
	require.NoError(t, m.AddUnit(&StorageUnit{ID: "u0r", EngineID: "e0"}))
	require.NoError(t, m.AddUnit(&StorageUnit{ID: "u1", EngineID: "e0"}))
	require.NoError(t, m.AddUnit(&StorageUnit{ID: "d0", EngineID: "e0", Dummy: true}))
	for _, f := range []*Fragment{
		{ID: "f2", Columns: ColumnsInterval{Start: "b"}, Keys: KeyInterval{Start: 0, End: 100}, UnitID: "u1"},
		{ID: "f1", Columns: ColumnsInterval{End: "b"}, Keys: KeyInterval{Start: 0, End: 100}, UnitID: "u0"},
		{ID: "f3", Columns: ColumnsInterval{}, Keys: KeyInterval{Start: 100, End: 200}, UnitID: "u1"},
		{ID: "fd", Columns: ColumnsInterval{SchemaPrefix: "legacy"}, Keys: AllKeys, UnitID: "d0"},
	} {
		require.NoError(t, m.AddFragment(f))
	}
	return m
}

func TestManager_FragmentsByColumnsInterval(t *testing.T) {
	m := newTestManager(t)

	groups, dummy := m.FragmentsByColumnsInterval(IntervalOf([]string{"a.b", "b.c"}))
	var got [][]string
	for _, g := range groups {
		var ids []string
		for _, f := range g.Fragments {
			ids = append(ids, f.ID)
		}
		got = append(got, ids)
	}
	if diff := cmp.Diff([][]string{{"f1", "f2"}, {"f3"}}, got); diff != "" {
		t.Fatalf("groups mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, dummy, 0)

	_, dummy = m.FragmentsByColumnsInterval(IntervalOf([]string{"legacy.x"}))
	require.Len(t, dummy, 1)
	require.True(t, dummy[0].Dummy)
}

func TestManager_Routing(t *testing.T) {
	m := newTestManager(t)

	f, err := m.FragmentFor("a.b", 5)
	require.NoError(t, err)
	require.Equal(t, "f1", f.ID)

	f, err = m.FragmentFor("a.b", 150)
	require.NoError(t, err)
	require.Equal(t, "f3", f.ID)

	_, err = m.FragmentFor("a.b", 500)
	require.True(t, errors.Is(err, ErrNoFragment))

	e, err := m.EngineOf("u0")
	require.NoError(t, err)
	require.Equal(t, "memory", e.Type)

	err = m.AddFragment(&Fragment{ID: "bad", UnitID: "nope"})
	require.True(t, errors.Is(err, ErrUnknownUnit))
}
