// Package otel turns engine events into OpenTelemetry spans.
package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanpama/polystore/internal/eventbus"
	"github.com/hanpama/polystore/internal/events"
	"github.com/hanpama/polystore/internal/reqid"
)

// Setup exports spans for bus events to the OTLP collector at endpoint.
// If endpoint is empty, no telemetry is configured.
func Setup(ctx context.Context, bus *eventbus.Bus, endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	unsubscribe := Register(bus, tp.Tracer("polystore"))
	return func(ctx context.Context) error {
		unsubscribe()
		return tp.Shutdown(ctx)
	}, nil
}

// Register subscribes span-producing handlers to bus and returns a func
// removing them.
func Register(bus *eventbus.Bus, tracer trace.Tracer) func() {
	s := &subscriber{tracer: tracer}
	return s.register(bus)
}

type subscriber struct {
	tracer     trace.Tracer
	httpSpans  sync.Map // request id -> trace.Span
	querySpans sync.Map // query id -> trace.Span
	taskSpans  sync.Map // task id -> trace.Span
	grpcSpans  sync.Map // call id -> trace.Span
}

// parent returns ctx carrying the innermost open span of the request in
// ctx.
func (s *subscriber) parent(ctx context.Context) context.Context {
	rid, ok := reqid.FromContext(ctx)
	if !ok {
		return ctx
	}
	if v, ok := s.querySpans.Load(rid); ok {
		return trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	if v, ok := s.httpSpans.Load(rid); ok {
		return trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	return ctx
}

func end(m *sync.Map, key string, fn func(trace.Span)) {
	v, ok := m.LoadAndDelete(key)
	if !ok {
		return
	}
	span := v.(trace.Span)
	fn(span)
	span.End()
}

func fail(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (s *subscriber) register(bus *eventbus.Bus) func() {
	unsubs := []func(){
		eventbus.Subscribe(bus, func(ctx context.Context, e events.HTTPStart) {
			rid, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(ctx, "http.request")
			span.SetAttributes(
				semconv.HTTPMethodKey.String(e.Request.Method),
				attribute.String("http.target", e.Request.URL.Path),
			)
			s.httpSpans.Store(rid, span)
		}),
		eventbus.Subscribe(bus, func(ctx context.Context, e events.HTTPFinish) {
			rid, _ := reqid.FromContext(ctx)
			end(&s.httpSpans, rid, func(span trace.Span) {
				span.SetAttributes(semconv.HTTPStatusCodeKey.Int(e.Status))
			})
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.QueryStart) {
			_, span := s.tracer.Start(s.parent(ctx), "query")
			span.SetAttributes(
				attribute.String("query.id", e.QueryID),
				attribute.String("query.plan", e.Plan),
			)
			s.querySpans.Store(e.QueryID, span)
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.QueryFinish) {
			end(&s.querySpans, e.QueryID, func(span trace.Span) { fail(span, e.Err) })
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.TaskStart) {
			_, span := s.tracer.Start(s.parent(ctx), "task."+e.Kind)
			span.SetAttributes(attribute.String("task.id", e.TaskID))
			s.taskSpans.Store(e.TaskID, span)
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.TaskFinish) {
			end(&s.taskSpans, e.TaskID, func(span trace.Span) { fail(span, e.Err) })
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.FoldSplice) {
			if v, ok := s.taskSpans.Load(e.TaskID); ok {
				v.(trace.Span).AddEvent("fold.splice", trace.WithAttributes(
					attribute.StringSlice("fold.paths", e.Paths),
					attribute.Int("fold.new_tasks", e.NewTasks),
				))
			}
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.StorageFinish) {
			now := time.Now()
			_, span := s.tracer.Start(s.parent(ctx), "storage.task", trace.WithTimestamp(now.Add(-e.Duration)))
			span.SetAttributes(
				attribute.String("task.id", e.TaskID),
				attribute.String("storage.unit", e.UnitID),
				attribute.String("storage.engine", e.Engine),
			)
			fail(span, e.Err)
			span.End(trace.WithTimestamp(now))
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.GRPCClientStart) {
			_, span := s.tracer.Start(s.parent(ctx), "grpc.client")
			span.SetAttributes(
				semconv.RPCServiceKey.String(e.Service),
				semconv.RPCMethodKey.String(e.Method),
				attribute.String("net.peer.name", e.Target),
			)
			s.grpcSpans.Store(e.CallID, span)
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.GRPCClientFinish) {
			end(&s.grpcSpans, e.CallID, func(span trace.Span) {
				span.SetAttributes(attribute.String("grpc.code", e.Code.String()))
				fail(span, e.Err)
			})
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
