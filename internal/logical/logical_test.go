package logical

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/polystore/internal/data"
	"github.com/hanpama/polystore/internal/meta"
	"github.com/hanpama/polystore/internal/operator"
)

func TestMergeAndSortPaths(t *testing.T) {
	cases := []struct {
		name string
		in   []string
		want []string
	}{
		{"sorted and deduplicated", []string{"b.c", "a.b", "b.c"}, []string{"a.b", "b.c"}},
		{"pattern absorbs literal", []string{"a.b", "a.*", "c.d"}, []string{"a.*", "c.d"}},
		{"star wins", []string{"a.b", "*"}, []string{"*"}},
		{"empty", nil, nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if diff := cmp.Diff(c.want, MergeAndSortPaths(c.in)); diff != "" {
				t.Fatalf("paths mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func testMeta(t *testing.T) *meta.Manager {
	t.Helper()
	m := meta.NewManager()
	m.AddEngine(&meta.StorageEngine{ID: "e", Type: "memory"})
	for _, u := range []string{"u1", "u2", "u3"} {
		require.NoError(t, m.AddUnit(&meta.StorageUnit{ID: u, EngineID: "e"}))
	}
	require.NoError(t, m.AddUnit(&meta.StorageUnit{ID: "d", EngineID: "e", Dummy: true}))
	require.NoError(t, m.AddFragment(&meta.Fragment{ID: "f1", Columns: meta.ColumnsInterval{End: "b"}, Keys: meta.KeyInterval{Start: 0, End: 100}, UnitID: "u1"}))
	require.NoError(t, m.AddFragment(&meta.Fragment{ID: "f2", Columns: meta.ColumnsInterval{Start: "b"}, Keys: meta.KeyInterval{Start: 0, End: 100}, UnitID: "u2"}))
	require.NoError(t, m.AddFragment(&meta.Fragment{ID: "f3", Keys: meta.KeyInterval{Start: 100, End: meta.AllKeys.End}, UnitID: "u3"}))
	require.NoError(t, m.AddFragment(&meta.Fragment{ID: "fd", Columns: meta.ColumnsInterval{SchemaPrefix: "legacy"}, Keys: meta.AllKeys, UnitID: "d"}))
	return m
}

func fragmentIDs(op operator.Operator) []string {
	var ids []string
	operator.Walk(op, func(o operator.Operator) bool {
		for _, s := range operator.Sources(o) {
			if fs, ok := s.(operator.FragmentSource); ok {
				ids = append(ids, fs.Fragment.ID)
			}
		}
		return true
	})
	return ids
}

func TestMergeRawData(t *testing.T) {
	m := testMeta(t)
	paths := []string{"a.b", "b.c"}
	groups, dummy := FragmentsForPaths(m, paths)
	root := MergeRawData(groups, dummy, paths, nil)

	u, ok := root.(*operator.Union)
	require.True(t, ok, "root is %s", root)
	a, _ := operator.ChildOf(u.A)
	require.Equal(t, operator.TypeJoin, a.Type())
	if diff := cmp.Diff([]string{"f1", "f2", "f3"}, fragmentIDs(root)); diff != "" {
		t.Fatalf("fragments mismatch (-want +got):\n%s", diff)
	}

	t.Run("dummy fragment is prefixed", func(t *testing.T) {
		paths := []string{"legacy.x"}
		groups, dummy := FragmentsForPaths(m, paths)
		root := MergeRawData(groups, dummy, paths, nil)
		var prefixed *operator.AddSchemaPrefix
		operator.Walk(root, func(o operator.Operator) bool {
			if p, ok := o.(*operator.AddSchemaPrefix); ok {
				prefixed = p
			}
			return true
		})
		require.NotNil(t, prefixed)
		require.Equal(t, "legacy", prefixed.Prefix)
		inner, _ := operator.ChildOf(prefixed.Src)
		if diff := cmp.Diff([]string{"x"}, inner.(*operator.Project).Patterns); diff != "" {
			t.Fatalf("stripped patterns mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestResolvePaths_Empty(t *testing.T) {
	m := testMeta(t)
	root := ResolvePaths(m, nil, operator.IncompleteStatement{})
	p, ok := root.(*operator.Project)
	require.True(t, ok)
	cs, ok := p.Src.(operator.ConstantSource)
	require.True(t, ok)
	require.Empty(t, cs.Rows)
	require.Equal(t, 0, cs.Header.Len())
}

func TestBuildQuery(t *testing.T) {
	m := testMeta(t)
	_, err := BuildQuery(m, Query{})
	require.ErrorIs(t, err, ErrEmptyQuery)

	root, err := BuildQuery(m, Query{Paths: []string{"a.b"}, Keys: meta.KeyInterval{Start: 5, End: 10}, Limit: 3})
	require.NoError(t, err)
	var types []operator.Type
	operator.Walk(root, func(o operator.Operator) bool {
		types = append(types, o.Type())
		return o.Type() != operator.TypeSelect
	})
	want := []operator.Type{operator.TypeLimit, operator.TypeReorder, operator.TypeProject, operator.TypeSelect}
	if diff := cmp.Diff(want, types); diff != "" {
		t.Fatalf("tree mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildFolded(t *testing.T) {
	m := testMeta(t)
	root, err := BuildFolded(m, FoldedQuery{Sub: Query{Paths: []string{"names.n"}}, Prefix: "a"})
	require.NoError(t, err)
	f, ok := root.(*operator.Folded)
	require.True(t, ok)
	require.Len(t, f.Srcs, 1)
	v, _ := operator.ChildOf(f.Srcs[0])
	require.Equal(t, operator.TypeValueToSelectedPath, v.Type())

	var placeholder bool
	operator.Walk(f.IncompleteRoot, func(o operator.Operator) bool {
		if o.Type() == operator.TypeProjectWaitingForPath {
			placeholder = true
		}
		return true
	})
	require.True(t, placeholder)
}

func TestBuildInsert(t *testing.T) {
	m := testMeta(t)
	h := data.NewHeader(true, data.NewField("a.x", data.Long), data.NewField("c.y", data.Long))
	rows := []data.Row{
		data.NewRow(h, 1, int64(1), int64(10)),
		data.NewRow(h, 2, nil, int64(20)),
		data.NewRow(h, 150, int64(3), nil),
	}
	root, err := BuildInsert(m, h, rows)
	require.NoError(t, err)
	c, ok := root.(*operator.CombineNonQuery)
	require.True(t, ok)

	got := map[string][]int64{}
	for _, s := range c.Srcs {
		op, _ := operator.ChildOf(s)
		ins := op.(*operator.Insert)
		frag := ins.Src.(operator.FragmentSource).Fragment.ID
		for _, r := range ins.Rows {
			got[frag] = append(got[frag], r.Key)
		}
	}
	want := map[string][]int64{"f1": {1}, "f2": {1, 2}, "f3": {150}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("routing mismatch (-want +got):\n%s", diff)
	}

	_, err = BuildInsert(m, data.NewHeader(false, data.NewField("a", data.Long)), nil)
	require.Error(t, err)
}

func TestBuildDelete(t *testing.T) {
	m := testMeta(t)
	root, err := BuildDelete(m, []string{"a.*"}, []meta.KeyInterval{{Start: 0, End: 50}}, nil)
	require.NoError(t, err)
	d, ok := root.(*operator.Delete)
	require.True(t, ok, "got %s", root)
	require.Equal(t, "f1", d.Src.(operator.FragmentSource).Fragment.ID)
}
