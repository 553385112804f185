package operator

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/polystore/internal/data"
	"github.com/hanpama/polystore/internal/meta"
)

func TestWithSource_DoesNotMutate(t *testing.T) {
	frag := FragmentSource{Fragment: &meta.Fragment{ID: "f"}}
	p := &Project{Src: frag, Patterns: []string{"a.b"}, NeedSelectedPath: true}

	q := p.WithPaths([]string{"a.c"})
	require.True(t, p.NeedSelectedPath)
	if diff := cmp.Diff([]string{"a.b"}, p.Patterns); diff != "" {
		t.Fatalf("original patterns changed (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a.b", "a.c"}, q.Patterns); diff != "" {
		t.Fatalf("patterns mismatch (-want +got):\n%s", diff)
	}
	require.False(t, q.NeedSelectedPath)

	r := p.WithSource(GlobalSource{})
	require.Equal(t, SourceFragment, p.Source().SourceType())
	require.Equal(t, SourceGlobal, r.Source().SourceType())
}

func TestWalk(t *testing.T) {
	leafA := &Project{Src: FragmentSource{Fragment: &meta.Fragment{ID: "fa"}}, Patterns: []string{"a"}}
	leafB := &Project{Src: FragmentSource{Fragment: &meta.Fragment{ID: "fb"}}, Patterns: []string{"b"}}
	root := &Limit{Src: Wrap(JoinAll([]Operator{leafA, leafB})), Limit: 1}

	var got []Type
	Walk(root, func(op Operator) bool {
		got = append(got, op.Type())
		return true
	})
	if diff := cmp.Diff([]Type{TypeLimit, TypeJoin, TypeProject, TypeProject}, got); diff != "" {
		t.Fatalf("walk order mismatch (-want +got):\n%s", diff)
	}
	require.Contains(t, Format(root), "Fragment(fa")
}

func TestUnionAll(t *testing.T) {
	require.Nil(t, UnionAll(nil))
	a := &ProjectWaitingForPath{}
	require.Same(t, a, UnionAll([]Operator{a}))
	u, ok := UnionAll([]Operator{a, a, a}).(*Union)
	require.True(t, ok)
	_, ok = ChildOf(u.A)
	require.True(t, ok)
}

func TestFilters(t *testing.T) {
	h := data.NewHeader(true, data.NewField("a", data.Long), data.NewField("s", data.Binary))
	row := data.NewRow(h, 15, int64(7), []byte("x"))

	cases := []struct {
		name string
		f    Filter
		want bool
	}{
		{"key in", KeyFilter{Keys: meta.KeyInterval{Start: 10, End: 20}}, true},
		{"key out", KeyFilter{Keys: meta.KeyInterval{Start: 0, End: 10}}, false},
		{"gt", ValueFilter{Path: "a", Op: OpGt, Value: 5}, true},
		{"le", ValueFilter{Path: "a", Op: OpLe, Value: 6.5}, false},
		{"binary eq", ValueFilter{Path: "s", Op: OpEq, Value: "x"}, true},
		{"missing column", ValueFilter{Path: "zzz", Op: OpEq, Value: 1}, false},
		{"and", AndFilter{KeyFilter{Keys: meta.AllKeys}, ValueFilter{Path: "a", Op: OpNe, Value: int64(8)}}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := c.f.Match(row)
			require.NoError(t, err)
			require.Equal(t, c.want, got)
		})
	}

	_, err := ValueFilter{Path: "a", Op: OpEq, Value: "x"}.Match(row)
	require.Error(t, err)
}

func TestTagFilter(t *testing.T) {
	tf := TagFilter{"host": "a"}
	require.True(t, tf.Match(map[string]string{"host": "a", "dc": "1"}))
	require.False(t, tf.Match(nil))
	require.True(t, TagFilter(nil).Match(nil))
}
