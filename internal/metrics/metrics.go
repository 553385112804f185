// Package metrics exports engine events as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hanpama/polystore/internal/eventbus"
	"github.com/hanpama/polystore/internal/events"
)

// Metrics holds the collectors fed from one bus.
type Metrics struct {
	registry *prometheus.Registry

	QueriesTotal    *prometheus.CounterVec
	QueryDuration   prometheus.Histogram
	TasksTotal      *prometheus.CounterVec
	TaskDuration    *prometheus.HistogramVec
	FoldSplices     prometheus.Counter
	StorageCommits  *prometheus.CounterVec
	StorageDuration *prometheus.HistogramVec
	RPCTotal        *prometheus.CounterVec
	HTTPTotal       *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// New registers the collectors on a fresh registry, along with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		QueriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "polystore_queries_total",
			Help: "Total number of executed queries",
		}, []string{"status"}),
		QueryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "polystore_query_duration_seconds",
			Help:    "Time until a query's terminal task published its result",
			Buckets: prometheus.DefBuckets,
		}),
		TasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "polystore_tasks_total",
			Help: "Total number of tasks run by the scheduler",
		}, []string{"kind", "status"}),
		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "polystore_task_duration_seconds",
			Help:    "Task run time in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		FoldSplices: f.NewCounter(prometheus.CounterOpts{
			Name: "polystore_fold_splices_total",
			Help: "Total number of sub-plans spliced by folded tasks",
		}),
		StorageCommits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "polystore_storage_committed_tasks_total",
			Help: "Total number of storage tasks queued per unit",
		}, []string{"unit"}),
		StorageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "polystore_storage_task_duration_seconds",
			Help:    "Storage task run time in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"unit", "engine", "status"}),
		RPCTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "polystore_storage_rpc_total",
			Help: "Total number of remote storage calls",
		}, []string{"method", "code"}),
		HTTPTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "polystore_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "polystore_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Subscribe feeds the collectors from bus and returns a func detaching them.
func (m *Metrics) Subscribe(bus *eventbus.Bus) func() {
	unsubs := []func(){
		eventbus.Subscribe(bus, func(_ context.Context, e events.QueryFinish) {
			m.QueriesTotal.WithLabelValues(status(e.Err)).Inc()
			m.QueryDuration.Observe(e.Duration.Seconds())
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.TaskFinish) {
			m.TasksTotal.WithLabelValues(e.Kind, status(e.Err)).Inc()
			m.TaskDuration.WithLabelValues(e.Kind).Observe(e.Duration.Seconds())
		}),
		eventbus.Subscribe(bus, func(_ context.Context, _ events.FoldSplice) {
			m.FoldSplices.Inc()
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.StorageCommit) {
			m.StorageCommits.WithLabelValues(e.UnitID).Add(float64(e.Tasks))
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.StorageFinish) {
			m.StorageDuration.WithLabelValues(e.UnitID, e.Engine, status(e.Err)).Observe(e.Duration.Seconds())
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.GRPCClientFinish) {
			m.RPCTotal.WithLabelValues(e.Method, e.Code.String()).Inc()
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.HTTPFinish) {
			path := e.Request.URL.Path
			m.HTTPTotal.WithLabelValues(e.Request.Method, path, strconv.Itoa(e.Status)).Inc()
			m.HTTPDuration.WithLabelValues(e.Request.Method, path).Observe(e.Duration.Seconds())
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
