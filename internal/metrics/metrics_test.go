package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/hanpama/polystore/internal/eventbus"
	"github.com/hanpama/polystore/internal/events"
)

func TestSubscribe(t *testing.T) {
	m := New()
	bus := eventbus.New()
	unsubscribe := m.Subscribe(bus)
	ctx := context.Background()

	eventbus.Publish(bus, ctx, events.QueryFinish{QueryID: "q1", Duration: time.Millisecond})
	eventbus.Publish(bus, ctx, events.QueryFinish{QueryID: "q2", Err: errors.New("boom")})
	eventbus.Publish(bus, ctx, events.TaskFinish{TaskID: "t", Kind: "UnaryMemory"})
	eventbus.Publish(bus, ctx, events.FoldSplice{TaskID: "t", Paths: []string{"a"}, NewTasks: 2})
	eventbus.Publish(bus, ctx, events.StorageCommit{UnitID: "u1", Tasks: 3})
	eventbus.Publish(bus, ctx, events.GRPCClientFinish{Method: "Project", Code: codes.OK})

	require.Equal(t, 1.0, testutil.ToFloat64(m.QueriesTotal.WithLabelValues("ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.QueriesTotal.WithLabelValues("error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.TasksTotal.WithLabelValues("UnaryMemory", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.FoldSplices))
	require.Equal(t, 3.0, testutil.ToFloat64(m.StorageCommits.WithLabelValues("u1")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.RPCTotal.WithLabelValues("Project", "OK")))

	unsubscribe()
	eventbus.Publish(bus, ctx, events.FoldSplice{TaskID: "t"})
	require.Equal(t, 1.0, testutil.ToFloat64(m.FoldSplices))
}

func TestHandler(t *testing.T) {
	m := New()
	bus := eventbus.New()
	m.Subscribe(bus)
	req := httptest.NewRequest("GET", "/query", nil)
	eventbus.Publish(bus, context.Background(), events.HTTPFinish{Request: req, Status: 200, Duration: time.Millisecond})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `polystore_http_requests_total{method="GET",path="/query",status="200"} 1`)
	require.Contains(t, string(body), "go_goroutines")
}
