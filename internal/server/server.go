// Package server serves the engine's queries and writes over HTTP as JSON.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/hanpama/polystore/internal/data"
	"github.com/hanpama/polystore/internal/engine"
	"github.com/hanpama/polystore/internal/eventbus"
	"github.com/hanpama/polystore/internal/events"
	"github.com/hanpama/polystore/internal/logical"
	"github.com/hanpama/polystore/internal/meta"
	"github.com/hanpama/polystore/internal/operator"
	"github.com/hanpama/polystore/internal/reqid"
	"github.com/hanpama/polystore/internal/stream"
	"github.com/hanpama/polystore/internal/task"
)

// RequestIDHeader carries the query id in requests and responses.
const RequestIDHeader = "X-Request-ID"

// Engine is what the handler runs requests against.
type Engine interface {
	Query(ctx context.Context, q logical.Query) (stream.RowStream, error)
	Folded(ctx context.Context, q logical.FoldedQuery) (stream.RowStream, error)
	Insert(ctx context.Context, h *data.Header, rows []data.Row) error
	InsertAsync(ctx context.Context, h *data.Header, rows []data.Row) ([]*task.Task, error)
	Delete(ctx context.Context, patterns []string, keys []meta.KeyInterval, tf operator.TagFilter) error
	ShowColumns(ctx context.Context, patterns []string, tf operator.TagFilter) (stream.RowStream, error)
}

var _ Engine = (*engine.Engine)(nil)

// Handler is an http.Handler serving the query endpoint.
type Handler struct {
	engine Engine
	opt    Options
}

type Options struct {
	// Timeout sets a default timeout if the incoming request context has none.
	// 0 means no default timeout.
	Timeout time.Duration

	// Pretty enables indented JSON responses.
	Pretty bool

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// MaxRows caps the rows returned per query. 0 means unlimited.
	MaxRows int

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions

	Logger *zap.Logger
	Bus    *eventbus.Bus
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithMaxRows(n int) Option           { return func(o *Options) { o.MaxRows = n } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}
func WithLogger(l *zap.Logger) Option { return func(o *Options) { o.Logger = l } }
func WithBus(b *eventbus.Bus) Option  { return func(o *Options) { o.Bus = b } }

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

func New(e Engine, opts ...Option) *Handler {
	op := Options{Timeout: 10 * time.Second, Logger: zap.NewNop()}
	for _, f := range opts {
		f(&op)
	}
	return &Handler{engine: e, opt: op}
}

// NewMux routes /query to h and, when given, /metrics to metrics.
func NewMux(h *Handler, metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/query", h)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}

	var rid string
	if v := r.Header.Get(RequestIDHeader); v != "" {
		ctx, rid = reqid.WithID(ctx, v)
	} else {
		ctx, rid = reqid.NewContext(ctx)
	}
	w.Header().Set(RequestIDHeader, rid)

	status := http.StatusOK
	start := time.Now()
	eventbus.Publish(h.opt.Bus, ctx, events.HTTPStart{Request: r})
	defer func() {
		eventbus.Publish(h.opt.Bus, ctx, events.HTTPFinish{Request: r, Status: status, Duration: time.Since(start)})
	}()

	if len(h.opt.CORS.AllowedOrigins) > 0 {
		setCORSHeaders(w, r, h.opt.CORS)
	}
	if r.Method == http.MethodOptions {
		status = http.StatusNoContent
		w.WriteHeader(status)
		return
	}
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, errorResponse("method not allowed"), h.opt.Pretty)
		return
	}

	req, batch, err := parseRequest(r, h.opt.MaxBodyBytes)
	if err != nil {
		status = http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, errorResponse(err.Error()), h.opt.Pretty)
		return
	}

	if batch != nil {
		out := make([]Response, len(batch))
		for i := range batch {
			// Each batch entry is its own query.
			bctx, _ := reqid.NewContext(ctx)
			out[i], _ = h.Execute(bctx, batch[i])
		}
		writeJSON(w, status, out, h.opt.Pretty)
		return
	}

	res, code := h.Execute(ctx, req)
	status = code
	writeJSON(w, status, res, h.opt.Pretty)
}

// Execute runs req and returns its response with the HTTP status a single
// request would be answered with.
func (h *Handler) Execute(ctx context.Context, req Request) (Response, int) {
	res, err := h.execute(ctx, req)
	if err != nil {
		code := statusOf(err)
		if code == http.StatusInternalServerError {
			h.opt.Logger.Error("request failed", zap.String("op", req.Op), zap.Error(err))
		}
		return errorResponse(err.Error()), code
	}
	return res, http.StatusOK
}

func (h *Handler) execute(ctx context.Context, req Request) (Response, error) {
	switch req.Op {
	case "", OpQuery:
		q, err := req.query()
		if err != nil {
			return Response{}, err
		}
		return h.collect(h.engine.Query(ctx, q))
	case OpFolded:
		q, err := req.folded()
		if err != nil {
			return Response{}, err
		}
		return h.collect(h.engine.Folded(ctx, q))
	case OpColumns:
		return h.collect(h.engine.ShowColumns(ctx, req.Paths, req.tagFilter()))
	case OpInsert:
		hd, rows, err := req.rows()
		if err != nil {
			return Response{}, err
		}
		if req.Async {
			writes, err := h.engine.InsertAsync(ctx, hd, rows)
			return Response{Queued: len(writes)}, err
		}
		return Response{Written: len(rows)}, h.engine.Insert(ctx, hd, rows)
	case OpDelete:
		if len(req.Paths) == 0 {
			return Response{}, badRequest("delete needs 'paths'")
		}
		return Response{}, h.engine.Delete(ctx, req.Paths, req.keyIntervals(), req.tagFilter())
	}
	return Response{}, badRequest("unknown op %q", req.Op)
}

func (h *Handler) collect(rs stream.RowStream, err error) (Response, error) {
	if err != nil {
		return Response{}, err
	}
	if rs == nil {
		return Response{}, nil
	}
	return encodeStream(rs, h.opt.MaxRows)
}

func statusOf(err error) int {
	var re *requestError
	switch {
	case errors.As(err, &re),
		errors.Is(err, logical.ErrEmptyQuery),
		errors.Is(err, engine.ErrIllegalPlan):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := false
	for _, o := range opts.AllowedOrigins {
		if o == "*" || o == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}
	if contains(opts.AllowedOrigins, "*") {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
