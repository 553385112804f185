package otel

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"google.golang.org/grpc/codes"

	"github.com/hanpama/polystore/internal/eventbus"
	"github.com/hanpama/polystore/internal/events"
	"github.com/hanpama/polystore/internal/reqid"
)

func TestSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	bus := eventbus.New()
	unsubscribe := Register(bus, tp.Tracer("test"))
	defer unsubscribe()

	ctx, id := reqid.NewContext(context.Background())
	req := httptest.NewRequest("POST", "/query", nil)
	eventbus.Publish(bus, ctx, events.HTTPStart{Request: req})
	eventbus.Publish(bus, ctx, events.QueryStart{QueryID: id, Plan: "Project(a)"})
	eventbus.Publish(bus, ctx, events.GRPCClientStart{CallID: "c1", Service: "svc", Method: "Project", Target: "x:1"})
	eventbus.Publish(bus, ctx, events.GRPCClientFinish{CallID: "c1", Service: "svc", Method: "Project", Target: "x:1", Code: codes.Unavailable, Err: errors.New("down")})
	eventbus.Publish(bus, ctx, events.StorageFinish{TaskID: "t1", UnitID: "u1", Engine: "memory", Duration: time.Millisecond})
	eventbus.Publish(bus, ctx, events.QueryFinish{QueryID: id})
	eventbus.Publish(bus, ctx, events.HTTPFinish{Request: req, Status: 200})

	spans := rec.Ended()
	byName := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range spans {
		byName[s.Name()] = s
	}
	require.Len(t, byName, 4)
	httpSpan, query, grpcSpan, storageSpan := byName["http.request"], byName["query"], byName["grpc.client"], byName["storage.task"]
	require.NotNil(t, httpSpan)
	require.NotNil(t, query)

	require.Equal(t, httpSpan.SpanContext().SpanID(), query.Parent().SpanID())
	require.Equal(t, query.SpanContext().SpanID(), grpcSpan.Parent().SpanID())
	require.Equal(t, query.SpanContext().SpanID(), storageSpan.Parent().SpanID())
	require.Equal(t, otelcodes.Error, grpcSpan.Status().Code)
	require.Equal(t, otelcodes.Unset, query.Status().Code)
	require.Equal(t, time.Millisecond, storageSpan.EndTime().Sub(storageSpan.StartTime()))
}

func TestUnsubscribe(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	bus := eventbus.New()
	Register(bus, tp.Tracer("test"))()

	eventbus.Publish(bus, context.Background(), events.TaskStart{TaskID: "t", Kind: "UnaryMemory"})
	eventbus.Publish(bus, context.Background(), events.TaskFinish{TaskID: "t", Kind: "UnaryMemory"})
	require.Empty(t, rec.Ended())
	require.Empty(t, rec.Started())
}

func TestSetup_NoEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), eventbus.New(), "", "polystore")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
