package pipeline

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/polystore/internal/data"
	"github.com/hanpama/polystore/internal/meta"
	"github.com/hanpama/polystore/internal/operator"
	"github.com/hanpama/polystore/internal/stream"
)

type flatRow struct {
	Key    int64
	Values []any
}

func collect(t *testing.T, s stream.RowStream) ([]string, []flatRow) {
	t.Helper()
	h, err := s.Header()
	require.NoError(t, err)
	rows, err := stream.Collect(s)
	require.NoError(t, err)
	var names []string
	for _, f := range h.Fields() {
		names = append(names, f.FullName())
	}
	out := make([]flatRow, len(rows))
	for i, r := range rows {
		out[i] = flatRow{Key: r.Key, Values: r.Values}
	}
	return names, out
}

func source() stream.RowStream {
	h := data.NewHeader(true,
		data.NewField("a.b", data.Long),
		data.Field{Name: "a.c", Tags: map[string]string{"host": "x"}, Type: data.Long},
		data.NewField("d.e", data.Long),
	)
	return stream.FromRows(h,
		data.NewRow(h, 1, int64(1), int64(2), int64(3)),
		data.NewRow(h, 2, int64(4), nil, int64(6)),
		data.NewRow(h, 3, int64(7), int64(8), nil),
	)
}

func TestExecuteUnary(t *testing.T) {
	e := New()
	ops := []operator.Unary{
		&operator.Project{Patterns: []string{"a.*"}},
		&operator.Select{Filter: operator.KeyFilter{Keys: meta.KeyInterval{Start: 2, End: 10}}},
		&operator.Reorder{Patterns: []string{"a.c", "a.b"}},
		&operator.AddSchemaPrefix{Prefix: "p"},
		&operator.Limit{Limit: 1, Offset: 0},
	}
	out, err := e.ExecuteUnary(ops, source())
	require.NoError(t, err)
	names, rows := collect(t, out)
	if diff := cmp.Diff([]string{"p.a.c{host=x}", "p.a.b"}, names); diff != "" {
		t.Fatalf("header mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]flatRow{{Key: 2, Values: []any{nil, int64(4)}}}, rows); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestProject_TagFilter(t *testing.T) {
	out := Project(source(), []string{"*"}, operator.TagFilter{"host": "x"}, false)
	names, rows := collect(t, out)
	if diff := cmp.Diff([]string{"a.c{host=x}"}, names); diff != "" {
		t.Fatalf("header mismatch (-want +got):\n%s", diff)
	}
	want := []flatRow{{Key: 1, Values: []any{int64(2)}}, {Key: 3, Values: []any{int64(8)}}}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}

	t.Run("no matching column", func(t *testing.T) {
		names, rows := collect(t, Project(source(), []string{"*"}, operator.TagFilter{"host": "y"}, false))
		require.Empty(t, names)
		require.Empty(t, rows)
	})
}

func TestLimitOffset(t *testing.T) {
	_, rows := collect(t, stream.Limit(source(), -1, 1))
	require.Len(t, rows, 2)
	require.Equal(t, int64(2), rows[0].Key)
}

func TestValueToSelectedPath(t *testing.T) {
	h := data.NewHeader(true, data.NewField("names.n", data.Binary))
	in := stream.FromRows(h,
		data.NewRow(h, 1, []byte("b")),
		data.NewRow(h, 2, nil),
		data.NewRow(h, 3, []byte("c")),
	)
	names, rows := collect(t, ValueToSelectedPath(in, "a"))
	if diff := cmp.Diff([]string{operator.SelectedPathField}, names); diff != "" {
		t.Fatalf("header mismatch (-want +got):\n%s", diff)
	}
	want := []flatRow{{Values: []any{[]byte("a.b")}}, {Values: []any{[]byte("a.c")}}}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestExecuteBinary(t *testing.T) {
	e := New()
	ha := data.NewHeader(true, data.NewField("a", data.Long))
	hb := data.NewHeader(true, data.NewField("b", data.Long))
	a := stream.FromRows(ha, data.NewRow(ha, 1, int64(1)), data.NewRow(ha, 3, int64(3)))
	b := stream.FromRows(hb, data.NewRow(hb, 1, int64(10)), data.NewRow(hb, 2, int64(20)))

	out, err := e.ExecuteBinary(&operator.Join{}, a, b)
	require.NoError(t, err)
	_, rows := collect(t, out)
	want := []flatRow{
		{Key: 1, Values: []any{int64(1), int64(10)}},
		{Key: 2, Values: []any{nil, int64(20)}},
		{Key: 3, Values: []any{int64(3), nil}},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestShapeMismatch(t *testing.T) {
	e := New()
	_, err := e.ExecuteUnary([]operator.Unary{&operator.Insert{}}, source())
	require.True(t, errors.Is(err, operator.ErrShapeMismatch))

	_, err = e.ExecuteUnary([]operator.Unary{&operator.ProjectWaitingForPath{}}, source())
	require.True(t, errors.Is(err, operator.ErrShapeMismatch))
}
