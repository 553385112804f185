// Package storagetest checks storage.Connector implementations against the
// behavior the storage executor relies on.
package storagetest

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/polystore/internal/data"
	"github.com/hanpama/polystore/internal/meta"
	"github.com/hanpama/polystore/internal/operator"
	"github.com/hanpama/polystore/internal/storage"
	"github.com/hanpama/polystore/internal/stream"
)

// FlatRow is a row without its header, for comparisons.
type FlatRow struct {
	Key    int64
	Values []any
}

// Flatten drops headers from rows.
func Flatten(rows []data.Row) []FlatRow {
	out := make([]FlatRow, len(rows))
	for i, r := range rows {
		out[i] = FlatRow{Key: r.Key, Values: r.Values}
	}
	return out
}

// FieldNames returns the full names of h's fields.
func FieldNames(h *data.Header) []string {
	names := make([]string, h.Len())
	for i := range names {
		names[i] = h.Field(i).FullName()
	}
	return names
}

func project(t *testing.T, c storage.Connector, area storage.DataArea, patterns []string, tf operator.TagFilter) ([]string, []FlatRow) {
	t.Helper()
	s, err := c.Project(context.Background(), area, patterns, tf)
	require.NoError(t, err)
	h, err := s.Header()
	require.NoError(t, err)
	rows, err := stream.Collect(s)
	require.NoError(t, err)
	return FieldNames(h), Flatten(rows)
}

// Run exercises a fresh connector returned by open.
func Run(t *testing.T, open func(t *testing.T) storage.Connector) {
	ctx := context.Background()
	area := storage.DataArea{Unit: "u1", Keys: meta.AllKeys}

	cpu := data.NewField("host.cpu", data.Double)
	cpu.Tags = map[string]string{"dc": "east"}
	h := data.NewHeader(true,
		data.NewField("host.name", data.Binary),
		cpu,
		data.NewField("host.up", data.Boolean),
		data.NewField("host.n", data.Integer),
	)
	rows := []data.Row{
		data.NewRow(h, 1, []byte("a"), 0.5, true, int32(1)),
		data.NewRow(h, 2, nil, 0.75, nil, nil),
		data.NewRow(h, 5, []byte("c"), nil, false, int32(3)),
	}

	seed := func(t *testing.T) storage.Connector {
		t.Helper()
		c := open(t)
		t.Cleanup(func() { _ = c.Close() })
		require.NoError(t, c.Insert(ctx, area, stream.FromRows(h, rows...)))
		return c
	}

	t.Run("project", func(t *testing.T) {
		c := seed(t)
		names, got := project(t, c, area, []string{"host.*"}, nil)
		if diff := cmp.Diff([]string{"host.cpu{dc=east}", "host.n", "host.name", "host.up"}, names); diff != "" {
			t.Fatalf("header mismatch (-want +got):\n%s", diff)
		}
		want := []FlatRow{
			{Key: 1, Values: []any{0.5, int32(1), []byte("a"), true}},
			{Key: 2, Values: []any{0.75, nil, nil, nil}},
			{Key: 5, Values: []any{nil, int32(3), []byte("c"), false}},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("rows mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("project restricted to area keys and tags", func(t *testing.T) {
		c := seed(t)
		names, got := project(t, c, storage.DataArea{Unit: "u1", Keys: meta.KeyInterval{Start: 2, End: 10}}, []string{"host.cpu", "host.name"}, operator.TagFilter{"dc": "east"})
		if diff := cmp.Diff([]string{"host.cpu{dc=east}"}, names); diff != "" {
			t.Fatalf("header mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]FlatRow{{Key: 2, Values: []any{0.75}}}, got); diff != "" {
			t.Fatalf("rows mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("units are isolated", func(t *testing.T) {
		c := seed(t)
		names, got := project(t, c, storage.DataArea{Unit: "u2", Keys: meta.AllKeys}, []string{"*"}, nil)
		require.Empty(t, names)
		require.Empty(t, got)
	})

	t.Run("columns", func(t *testing.T) {
		c := seed(t)
		fields, err := c.Columns(ctx, "u1")
		require.NoError(t, err)
		var names []string
		for _, f := range fields {
			names = append(names, f.FullName()+" "+f.Type.String())
		}
		want := []string{"host.cpu{dc=east} DOUBLE", "host.n INTEGER", "host.name BINARY", "host.up BOOLEAN"}
		if diff := cmp.Diff(want, names); diff != "" {
			t.Fatalf("columns mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("overwrite and type conflict", func(t *testing.T) {
		c := seed(t)
		hn := data.NewHeader(true, data.NewField("host.n", data.Integer))
		require.NoError(t, c.Insert(ctx, area, stream.FromRows(hn, data.NewRow(hn, 1, int32(9)))))
		_, got := project(t, c, area, []string{"host.n"}, nil)
		if diff := cmp.Diff([]FlatRow{{Key: 1, Values: []any{int32(9)}}, {Key: 5, Values: []any{int32(3)}}}, got); diff != "" {
			t.Fatalf("rows mismatch (-want +got):\n%s", diff)
		}

		bad := data.NewHeader(true, data.NewField("host.n", data.Long))
		require.Error(t, c.Insert(ctx, area, stream.FromRows(bad, data.NewRow(bad, 7, int64(1)))))
	})

	t.Run("delete", func(t *testing.T) {
		c := seed(t)
		require.NoError(t, c.Delete(ctx, area, []string{"host.name"}, []meta.KeyInterval{{Start: 0, End: 2}}, nil))
		_, got := project(t, c, area, []string{"host.name"}, nil)
		if diff := cmp.Diff([]FlatRow{{Key: 5, Values: []any{[]byte("c")}}}, got); diff != "" {
			t.Fatalf("rows mismatch (-want +got):\n%s", diff)
		}

		require.NoError(t, c.Delete(ctx, area, []string{"host.*"}, nil, nil))
		fields, err := c.Columns(ctx, "u1")
		require.NoError(t, err)
		require.Empty(t, fields)
	})
}
