package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/polystore/internal/data"
	"github.com/hanpama/polystore/internal/engine"
	"github.com/hanpama/polystore/internal/eventbus"
	"github.com/hanpama/polystore/internal/events"
	"github.com/hanpama/polystore/internal/logical"
	"github.com/hanpama/polystore/internal/meta"
	"github.com/hanpama/polystore/internal/operator"
	"github.com/hanpama/polystore/internal/storage"
	"github.com/hanpama/polystore/internal/storage/memstore"
	"github.com/hanpama/polystore/internal/stream"
)

func testMeta(t *testing.T) *meta.Manager {
	t.Helper()
	m := meta.NewManager()
	m.AddEngine(&meta.StorageEngine{ID: "mem", Type: "memory"})
	require.NoError(t, m.AddUnit(&meta.StorageUnit{ID: "u1", EngineID: "mem"}))
	require.NoError(t, m.AddUnit(&meta.StorageUnit{ID: "u2", EngineID: "mem"}))
	require.NoError(t, m.AddFragment(&meta.Fragment{ID: "f1", Columns: meta.ColumnsInterval{End: "m"}, Keys: meta.AllKeys, UnitID: "u1"}))
	require.NoError(t, m.AddFragment(&meta.Fragment{ID: "f2", Columns: meta.ColumnsInterval{Start: "m"}, Keys: meta.AllKeys, UnitID: "u2"}))
	return m
}

func newEngine(t *testing.T, opts ...engine.Option) *engine.Engine {
	t.Helper()
	e, err := engine.New(testMeta(t), append([]engine.Option{engine.WithPoolSizes(8, 4)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(time.Second) })
	return e
}

type flatRow struct {
	Key    int64
	Values []any
}

// collect returns a func taking a query's results directly, so calls read
// collect(t)(e.Query(...)).
func collect(t *testing.T) func(stream.RowStream, error) ([]string, []flatRow) {
	return func(rs stream.RowStream, err error) ([]string, []flatRow) {
		t.Helper()
		require.NoError(t, err)
		require.NotNil(t, rs)
		h, err := rs.Header()
		require.NoError(t, err)
		names := make([]string, h.Len())
		for i := range names {
			names[i] = h.Field(i).Name
		}
		rows, err := stream.Collect(rs)
		require.NoError(t, err)
		out := make([]flatRow, len(rows))
		for i, r := range rows {
			out[i] = flatRow{Key: r.Key, Values: r.Values}
		}
		return names, out
	}
}

// seed writes a: 1, 2 on u1 and metric.cpu: 1, 2, metric.mem: 2 on u2, plus
// an idx column naming the metric columns.
func seed(t *testing.T, e *engine.Engine) {
	t.Helper()
	ctx := context.Background()
	h := data.NewHeader(true,
		data.NewField("a", data.Long),
		data.NewField("idx", data.Binary),
		data.NewField("metric.cpu", data.Long),
		data.NewField("metric.mem", data.Long),
	)
	require.NoError(t, e.Insert(ctx, h, []data.Row{
		data.NewRow(h, 1, int64(1), []byte("cpu"), int64(10), nil),
		data.NewRow(h, 2, int64(2), []byte("mem"), int64(20), int64(200)),
	}))
}

func TestQuery(t *testing.T) {
	e := newEngine(t)
	seed(t, e)

	names, rows := collect(t)(e.Query(context.Background(), logical.Query{Paths: []string{"metric.cpu", "a"}}))
	require.Equal(t, []string{"metric.cpu", "a"}, names)
	want := []flatRow{
		{Key: 1, Values: []any{int64(10), int64(1)}},
		{Key: 2, Values: []any{int64(20), int64(2)}},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}

	t.Run("limit", func(t *testing.T) {
		_, rows := collect(t)(e.Query(context.Background(), logical.Query{Paths: []string{"a"}, Limit: 1, Offset: 1}))
		if diff := cmp.Diff([]flatRow{{Key: 2, Values: []any{int64(2)}}}, rows); diff != "" {
			t.Fatalf("rows mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("unknown path", func(t *testing.T) {
		names, rows := collect(t)(e.Query(context.Background(), logical.Query{Paths: []string{"zzz"}}))
		require.Empty(t, names)
		require.Empty(t, rows)
	})
}

func TestFolded(t *testing.T) {
	e := newEngine(t)
	seed(t, e)

	names, rows := collect(t)(e.Folded(context.Background(), logical.FoldedQuery{
		Sub:    logical.Query{Paths: []string{"idx"}},
		Prefix: "metric",
	}))
	require.ElementsMatch(t, []string{"metric.cpu", "metric.mem"}, names)

	got := map[string]map[int64]any{}
	for i, n := range names {
		got[n] = map[int64]any{}
		for _, r := range rows {
			got[n][r.Key] = r.Values[i]
		}
	}
	want := map[string]map[int64]any{
		"metric.cpu": {1: int64(10), 2: int64(20)},
		"metric.mem": {1: nil, 2: int64(200)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("columns mismatch (-want +got):\n%s", diff)
	}
}

func TestInsertAsync(t *testing.T) {
	e := newEngine(t)
	h := data.NewHeader(true, data.NewField("a", data.Long), data.NewField("metric.cpu", data.Long))
	writes, err := e.InsertAsync(context.Background(), h, []data.Row{data.NewRow(h, 5, int64(50), int64(500))})
	require.NoError(t, err)
	require.Len(t, writes, 2)
	for _, w := range writes {
		select {
		case <-w.Done():
		case <-time.After(5 * time.Second):
			t.Fatalf("write %s did not complete", w)
		}
		require.NoError(t, w.GetResult().Err())
	}

	_, rows := collect(t)(e.Query(context.Background(), logical.Query{Paths: []string{"a", "metric.cpu"}}))
	if diff := cmp.Diff([]flatRow{{Key: 5, Values: []any{int64(50), int64(500)}}}, rows); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestDelete(t *testing.T) {
	e := newEngine(t)
	seed(t, e)
	ctx := context.Background()

	require.NoError(t, e.Delete(ctx, []string{"metric.*"}, []meta.KeyInterval{{Start: 2, End: 3}}, nil))
	_, rows := collect(t)(e.Query(ctx, logical.Query{Paths: []string{"metric.cpu"}}))
	if diff := cmp.Diff([]flatRow{{Key: 1, Values: []any{int64(10)}}}, rows); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestShowColumns(t *testing.T) {
	e := newEngine(t)
	seed(t, e)

	_, rows := collect(t)(e.ShowColumns(context.Background(), []string{"metric.*"}, nil))
	var got [][]string
	for _, r := range rows {
		got = append(got, []string{string(r.Values[0].([]byte)), string(r.Values[1].([]byte))})
	}
	want := [][]string{{"metric.cpu", "LONG"}, {"metric.mem", "LONG"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("columns mismatch (-want +got):\n%s", diff)
	}
}

func TestChecker(t *testing.T) {
	t.Run("strict rejects negative offset", func(t *testing.T) {
		e := newEngine(t, engine.WithChecker("strict"))
		_, err := e.Query(context.Background(), logical.Query{Paths: []string{"a"}, Offset: -1})
		require.ErrorIs(t, err, engine.ErrIllegalPlan)
	})

	t.Run("unknown checker", func(t *testing.T) {
		_, err := engine.New(testMeta(t), engine.WithChecker("nope"))
		require.Error(t, err)
	})
}

func TestQueryEvents(t *testing.T) {
	bus := eventbus.New()
	var (
		mu       sync.Mutex
		started  []string
		finished []string
	)
	eventbus.Subscribe(bus, func(_ context.Context, ev events.QueryStart) {
		mu.Lock()
		defer mu.Unlock()
		started = append(started, ev.QueryID)
	})
	eventbus.Subscribe(bus, func(_ context.Context, ev events.QueryFinish) {
		mu.Lock()
		defer mu.Unlock()
		finished = append(finished, ev.QueryID)
	})

	e := newEngine(t, engine.WithBus(bus))
	rs, err := e.Query(context.Background(), logical.Query{Paths: []string{"a"}})
	require.NoError(t, err)
	require.NoError(t, rs.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, started, 1)
	require.Equal(t, started, finished)
	require.NotEmpty(t, started[0])
}

// gatedStore holds every Project until gate is closed and reports when the
// returned stream is closed.
type gatedStore struct {
	storage.Connector
	gate   chan struct{}
	closed chan struct{}
}

type closeNotifier struct {
	stream.RowStream
	once   sync.Once
	closed chan struct{}
}

func (c *closeNotifier) Close() error {
	c.once.Do(func() { close(c.closed) })
	return c.RowStream.Close()
}

func (g *gatedStore) Project(ctx context.Context, area storage.DataArea, patterns []string, tf operator.TagFilter) (stream.RowStream, error) {
	<-g.gate
	rs, err := g.Connector.Project(ctx, area, patterns, tf)
	if err != nil {
		return nil, err
	}
	return &closeNotifier{RowStream: rs, closed: g.closed}, nil
}

func TestExecute_DeadlineClosesLateResult(t *testing.T) {
	g := &gatedStore{Connector: memstore.New(), gate: make(chan struct{}), closed: make(chan struct{})}
	reg := storage.NewRegistry()
	reg.Register("gated", func(*meta.StorageEngine) (storage.Connector, error) { return g, nil })

	m := meta.NewManager()
	m.AddEngine(&meta.StorageEngine{ID: "slow", Type: "gated"})
	require.NoError(t, m.AddUnit(&meta.StorageUnit{ID: "u1", EngineID: "slow"}))
	require.NoError(t, m.AddFragment(&meta.Fragment{ID: "f1", Keys: meta.AllKeys, UnitID: "u1"}))
	e, err := engine.New(m, engine.WithRegistry(reg), engine.WithPoolSizes(4, 2))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(time.Second) })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = e.Query(ctx, logical.Query{Paths: []string{"a"}})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(g.gate)
	select {
	case <-g.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("result of the timed-out query was never closed")
	}
}
