package optimizer

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/polystore/internal/data"
	"github.com/hanpama/polystore/internal/logical"
	"github.com/hanpama/polystore/internal/meta"
	"github.com/hanpama/polystore/internal/operator"
	"github.com/hanpama/polystore/internal/task"
)

func testMeta(t *testing.T) *meta.Manager {
	t.Helper()
	m := meta.NewManager()
	m.AddEngine(&meta.StorageEngine{ID: "e", Type: "memory"})
	require.NoError(t, m.AddUnit(&meta.StorageUnit{ID: "u1", EngineID: "e"}))
	require.NoError(t, m.AddUnit(&meta.StorageUnit{ID: "u2", EngineID: "e"}))
	require.NoError(t, m.AddFragment(&meta.Fragment{ID: "f1", Columns: meta.ColumnsInterval{End: "b"}, Keys: meta.AllKeys, UnitID: "u1"}))
	require.NoError(t, m.AddFragment(&meta.Fragment{ID: "f2", Columns: meta.ColumnsInterval{Start: "b"}, Keys: meta.AllKeys, UnitID: "u2"}))
	return m
}

// shape renders a DAG as kind(operators)[parents...].
func shape(t *task.Task) string {
	s := t.Kind().String() + "("
	for i, op := range t.Operators() {
		if i > 0 {
			s += " "
		}
		s += op.Type().String()
	}
	s += ")"
	if ps := t.Parents(); len(ps) > 0 {
		s += "["
		for i, p := range ps {
			if i > 0 {
				s += ", "
			}
			s += shape(p)
		}
		s += "]"
	}
	return s
}

func TestCompile_LiteralQuery(t *testing.T) {
	m := testMeta(t)
	root, err := logical.BuildQuery(m, logical.Query{Paths: []string{"a.x", "c.y"}, Limit: 10})
	require.NoError(t, err)

	terminal, err := New().Compile(root)
	require.NoError(t, err)
	want := "BinaryMemory(Join Project Reorder Limit)[Storage(Project), Storage(Project)]"
	if diff := cmp.Diff(want, shape(terminal)); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}
	for _, p := range terminal.Parents() {
		require.Same(t, terminal, p.Follower())
		require.True(t, p.Storage.Sync)
		require.False(t, p.Storage.NeedBroadcasting)
	}

	t.Run("without fusion", func(t *testing.T) {
		terminal, err := New(WithFusion(false)).Compile(root)
		require.NoError(t, err)
		want := "UnaryMemory(Limit)[UnaryMemory(Reorder)[UnaryMemory(Project)[BinaryMemory(Join)[Storage(Project), Storage(Project)]]]]"
		if diff := cmp.Diff(want, shape(terminal)); diff != "" {
			t.Fatalf("plan mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestCompile_PushDown(t *testing.T) {
	f := &meta.Fragment{ID: "f", Keys: meta.AllKeys, UnitID: "u1"}
	root := &operator.Select{
		Src:    operator.Wrap(&operator.Project{Src: operator.FragmentSource{Fragment: f}, Patterns: []string{"a"}}),
		Filter: operator.KeyFilter{Keys: meta.KeyInterval{Start: 0, End: 5}},
	}
	terminal, err := New(WithPushDown(true)).Compile(root)
	require.NoError(t, err)
	require.Equal(t, "Storage(Project Select)", shape(terminal))

	terminal, err = New().Compile(root)
	require.NoError(t, err)
	require.Equal(t, "UnaryMemory(Select)[Storage(Project)]", shape(terminal))
}

func TestCompile_Writes(t *testing.T) {
	m := testMeta(t)
	h := data.NewHeader(true, data.NewField("a.x", data.Long), data.NewField("c.y", data.Long))
	root, err := logical.BuildInsert(m, h, []data.Row{data.NewRow(h, 1, int64(1), int64(2))})
	require.NoError(t, err)

	terminal, err := New().Compile(root)
	require.NoError(t, err)
	require.Equal(t, task.KindMultipleMemory, terminal.Kind())
	require.Len(t, terminal.Parents(), 2)
	for _, p := range terminal.Parents() {
		require.Equal(t, task.KindStorage, p.Kind())
		require.True(t, p.Storage.NeedBroadcasting)
		require.True(t, p.Storage.Sync)
	}
}

func TestCompile_FoldedPair(t *testing.T) {
	m := testMeta(t)
	root, err := logical.BuildFolded(m, logical.FoldedQuery{Sub: logical.Query{Paths: []string{"a.names"}}})
	require.NoError(t, err)

	terminal, err := New().Compile(root)
	require.NoError(t, err)
	require.Equal(t, task.KindCompletedFolded, terminal.Kind())
	folded := terminal.Parents()[0]
	require.Equal(t, task.KindFolded, folded.Kind())
	require.Same(t, terminal, folded.Follower())
	require.NotNil(t, folded.Fold.IncompleteRoot)
	for _, p := range folded.Parents() {
		require.Same(t, folded, p.Follower())
	}
}

func TestCompile_GlobalAndConstant(t *testing.T) {
	terminal, err := New().Compile(logical.BuildShowColumns([]string{"*"}, nil))
	require.NoError(t, err)
	require.Equal(t, task.KindGlobal, terminal.Kind())

	terminal, err = New().Compile(&operator.Limit{Src: operator.Wrap(logical.EmptyResult()), Limit: 1})
	require.NoError(t, err)
	require.Equal(t, "ConstantSource(Project Limit)", shape(terminal))
}

func TestCompile_Placeholder(t *testing.T) {
	_, err := New().Compile(&operator.ProjectWaitingForPath{})
	require.Error(t, err)
	require.True(t, errors.IsAssertionFailure(err))
}
