package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/polystore/internal/data"
	"github.com/hanpama/polystore/internal/engine"
	"github.com/hanpama/polystore/internal/logical"
	"github.com/hanpama/polystore/internal/meta"
	"github.com/hanpama/polystore/internal/reqid"
	"github.com/hanpama/polystore/internal/stream"
)

func newTestHandler(t *testing.T, opts ...Option) *Handler {
	t.Helper()
	m := meta.NewManager()
	m.AddEngine(&meta.StorageEngine{ID: "mem", Type: "memory"})
	require.NoError(t, m.AddUnit(&meta.StorageUnit{ID: "u1", EngineID: "mem"}))
	require.NoError(t, m.AddFragment(&meta.Fragment{ID: "f1", Keys: meta.AllKeys, UnitID: "u1"}))
	e, err := engine.New(m, engine.WithPoolSizes(4, 2))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(time.Second) })
	return New(e, opts...)
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/query", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func key(k int64) *int64 { return &k }

func TestInsertAndQuery(t *testing.T) {
	h := newTestHandler(t)

	w := post(t, h, `{"op":"insert","columns":[{"name":"cpu","type":"double"},{"name":"host","type":"binary"}],
		"rows":[{"key":1,"values":[0.5,"a"]},{"key":2,"values":[null,"b"]}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("insert status %d: %s", w.Code, w.Body)
	}
	require.Equal(t, 2, decode[Response](t, w).Written)

	w = post(t, h, `{"paths":["host","cpu"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("query status %d: %s", w.Code, w.Body)
	}
	want := Response{
		Columns: []Column{{Name: "host", Type: "BINARY"}, {Name: "cpu", Type: "DOUBLE"}},
		Rows: []OutputRow{
			{Key: key(1), Values: []any{"a", 0.5}},
			{Key: key(2), Values: []any{"b", nil}},
		},
	}
	if diff := cmp.Diff(want, decode[Response](t, w)); diff != "" {
		t.Fatalf("response mismatch (-want +got):\n%s", diff)
	}

	t.Run("get", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/query?paths=host&start=2", nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
		got := decode[Response](t, w)
		require.Equal(t, []OutputRow{{Key: key(2), Values: []any{"b"}}}, got.Rows)
	})

	t.Run("columns", func(t *testing.T) {
		got := decode[Response](t, post(t, h, `{"op":"columns"}`))
		require.Len(t, got.Rows, 2)
		require.Equal(t, []any{"cpu", "DOUBLE"}, got.Rows[0].Values)
		require.Nil(t, got.Rows[0].Key)
	})

	t.Run("delete", func(t *testing.T) {
		w := post(t, h, `{"op":"delete","paths":["cpu"]}`)
		require.Equal(t, http.StatusOK, w.Code)
		got := decode[Response](t, post(t, h, `{"paths":["cpu"]}`))
		require.Empty(t, got.Rows)
	})
}

func TestBatch(t *testing.T) {
	h := newTestHandler(t)
	w := post(t, h, `[{"op":"insert","columns":[{"name":"a","type":"long"}],"rows":[{"key":1,"values":[7]}]},{"paths":["a"]},{"op":"bogus"}]`)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[[]Response](t, w)
	require.Len(t, got, 3)
	require.Equal(t, 1, got[0].Written)
	require.Equal(t, []OutputRow{{Key: key(1), Values: []any{float64(7)}}}, got[1].Rows)
	require.Equal(t, []Error{{Message: `unknown op "bogus"`}}, got[2].Errors)
}

func TestBadRequests(t *testing.T) {
	h := newTestHandler(t)
	for _, tc := range []struct {
		name string
		body string
		code int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"empty query", `{}`, http.StatusBadRequest},
		{"bad type", `{"op":"insert","columns":[{"name":"a","type":"text"}],"rows":[]}`, http.StatusBadRequest},
		{"integer overflow", `{"op":"insert","columns":[{"name":"a","type":"integer"}],"rows":[{"key":1,"values":[4294967296]}]}`, http.StatusBadRequest},
		{"folded without sub", `{"op":"folded","prefix":"x"}`, http.StatusBadRequest},
	} {
		t.Run(tc.name, func(t *testing.T) {
			w := post(t, h, tc.body)
			if w.Code != tc.code {
				t.Fatalf("expected %d got %d: %s", tc.code, w.Code, w.Body)
			}
			require.NotEmpty(t, decode[Response](t, w).Errors)
		})
	}

	t.Run("method", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("PUT", "/query", nil))
		require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

func TestCORSAndPreflight(t *testing.T) {
	h := newTestHandler(t, WithCORS("*"))

	req := httptest.NewRequest("POST", "/query", bytes.NewBufferString(`{"paths":["a"]}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "http://example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}

	pre := httptest.NewRequest("OPTIONS", "/query", nil)
	pre.Header.Set("Origin", "http://example.com")
	pre.Header.Set("Access-Control-Request-Headers", "X-Test")
	pw := httptest.NewRecorder()
	h.ServeHTTP(pw, pre)
	if pw.Code != http.StatusNoContent {
		t.Fatalf("preflight status %d", pw.Code)
	}
	if pw.Header().Get("Access-Control-Allow-Headers") != "X-Test" {
		t.Fatalf("preflight missing allow headers")
	}
}

func TestMaxBodyBytes(t *testing.T) {
	h := newTestHandler(t, WithMaxBodyBytes(10))
	w := post(t, h, `{"paths":["1234567890"]}`)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 got %d", w.Code)
	}
}

func TestMaxRows(t *testing.T) {
	h := newTestHandler(t, WithMaxRows(1))
	post(t, h, `{"op":"insert","columns":[{"name":"a","type":"long"}],"rows":[{"key":1,"values":[1]},{"key":2,"values":[2]}]}`)
	got := decode[Response](t, post(t, h, `{"paths":["a"]}`))
	require.Len(t, got.Rows, 1)
	require.True(t, got.Truncated)
}

// capturingEngine records the context of the last query.
type capturingEngine struct {
	Engine
	ctx context.Context
}

func (c *capturingEngine) Query(ctx context.Context, _ logical.Query) (stream.RowStream, error) {
	c.ctx = ctx
	return stream.Empty(data.NewHeader(true)), nil
}

func TestRequestID(t *testing.T) {
	e := &capturingEngine{}
	h := New(e)

	const id = "6f9619ff-8b86-d011-b42d-00c04fc964ff"
	req := httptest.NewRequest("POST", "/query", bytes.NewBufferString(`{"paths":["a"]}`))
	req.Header.Set(RequestIDHeader, id)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, id, w.Header().Get(RequestIDHeader))
	got, ok := reqid.FromContext(e.ctx)
	require.True(t, ok)
	require.Equal(t, id, got)

	w = post(t, h, `{"paths":["a"]}`)
	require.NotEmpty(t, w.Header().Get(RequestIDHeader))
	require.NotEqual(t, id, w.Header().Get(RequestIDHeader))
}

func TestMux(t *testing.T) {
	mux := NewMux(newTestHandler(t), http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("metrics"))
	}))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, "metrics", w.Body.String())

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
}
