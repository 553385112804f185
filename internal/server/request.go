package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/hanpama/polystore/internal/data"
	"github.com/hanpama/polystore/internal/logical"
	"github.com/hanpama/polystore/internal/meta"
	"github.com/hanpama/polystore/internal/operator"
)

// Request operations.
const (
	OpQuery   = "query"
	OpFolded  = "folded"
	OpInsert  = "insert"
	OpDelete  = "delete"
	OpColumns = "columns"
)

// Request is one operation posted to the query endpoint.
type Request struct {
	Op     string            `json:"op,omitempty"`
	Paths  []string          `json:"paths,omitempty"`
	Tags   map[string]string `json:"tags,omitempty"`
	Keys   []KeyRange        `json:"keys,omitempty"`
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`

	// Folded queries read their paths from the values of Sub.
	Sub    *Request `json:"sub,omitempty"`
	Prefix string   `json:"prefix,omitempty"`

	// Inserts.
	Columns []Column   `json:"columns,omitempty"`
	Rows    []InputRow `json:"rows,omitempty"`
	Async   bool       `json:"async,omitempty"`
}

// KeyRange is a half-open key interval. Missing bounds are unbounded.
type KeyRange struct {
	Start *int64 `json:"start,omitempty"`
	End   *int64 `json:"end,omitempty"`
}

type Column struct {
	Name string            `json:"name"`
	Type string            `json:"type"`
	Tags map[string]string `json:"tags,omitempty"`
}

type InputRow struct {
	Key    int64             `json:"key"`
	Values []json.RawMessage `json:"values"`
}

var errBodyTooLarge = errors.New("body too large")

// requestError is a malformed request, answered with 400.
type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

func parseRequest(r *http.Request, maxBody int64) (Request, []Request, error) {
	if r.Method == http.MethodGet {
		req, err := parseQueryString(r.URL.Query())
		return req, nil, err
	}

	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" && !strings.HasPrefix(ct, "application/json;") {
		return Request{}, nil, badRequest("unsupported Content-Type")
	}
	reader := io.Reader(r.Body)
	if maxBody > 0 {
		reader = io.LimitReader(r.Body, maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return Request{}, nil, badRequest("failed to read body")
	}
	defer r.Body.Close()
	if maxBody > 0 && int64(len(body)) > maxBody {
		return Request{}, nil, errBodyTooLarge
	}

	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var batch []Request
		if err := json.Unmarshal(body, &batch); err != nil {
			return Request{}, nil, badRequest("invalid JSON")
		}
		if len(batch) == 0 {
			return Request{}, nil, badRequest("empty batch")
		}
		return Request{}, batch, nil
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return Request{}, nil, badRequest("invalid JSON")
	}
	return req, nil, nil
}

// parseQueryString reads a literal query from URL parameters:
// paths=a,b&tag=k:v&start=0&end=10&limit=5&offset=1.
func parseQueryString(q url.Values) (Request, error) {
	req := Request{Op: OpQuery}
	for _, p := range q["paths"] {
		for _, s := range strings.Split(p, ",") {
			if s = strings.TrimSpace(s); s != "" {
				req.Paths = append(req.Paths, s)
			}
		}
	}
	if len(req.Paths) == 0 {
		return req, badRequest("missing 'paths'")
	}
	for _, t := range q["tag"] {
		k, v, ok := strings.Cut(t, ":")
		if !ok {
			return req, badRequest("invalid tag %q", t)
		}
		if req.Tags == nil {
			req.Tags = map[string]string{}
		}
		req.Tags[k] = v
	}
	var kr KeyRange
	for name, dst := range map[string]**int64{"start": &kr.Start, "end": &kr.End} {
		if s := q.Get(name); s != "" {
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return req, badRequest("invalid '%s'", name)
			}
			*dst = &n
		}
	}
	if kr.Start != nil || kr.End != nil {
		req.Keys = []KeyRange{kr}
	}
	for name, dst := range map[string]*int{"limit": &req.Limit, "offset": &req.Offset} {
		if s := q.Get(name); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				return req, badRequest("invalid '%s'", name)
			}
			*dst = n
		}
	}
	return req, nil
}

func (r Request) tagFilter() operator.TagFilter {
	if len(r.Tags) == 0 {
		return nil
	}
	return operator.TagFilter(r.Tags)
}

func (r Request) keyIntervals() []meta.KeyInterval {
	out := make([]meta.KeyInterval, len(r.Keys))
	for i, k := range r.Keys {
		out[i] = meta.AllKeys
		if k.Start != nil {
			out[i].Start = *k.Start
		}
		if k.End != nil {
			out[i].End = *k.End
		}
	}
	return out
}

func (r Request) query() (logical.Query, error) {
	q := logical.Query{Paths: r.Paths, TagFilter: r.tagFilter(), Limit: r.Limit, Offset: r.Offset}
	switch keys := r.keyIntervals(); len(keys) {
	case 0:
		q.Keys = meta.AllKeys
	case 1:
		q.Keys = keys[0]
	default:
		return q, badRequest("queries take at most one key range")
	}
	return q, nil
}

func (r Request) folded() (logical.FoldedQuery, error) {
	if r.Sub == nil {
		return logical.FoldedQuery{}, badRequest("folded query needs 'sub'")
	}
	sub, err := r.Sub.query()
	if err != nil {
		return logical.FoldedQuery{}, err
	}
	outer, err := r.query()
	if err != nil {
		return logical.FoldedQuery{}, err
	}
	return logical.FoldedQuery{
		Sub:       sub,
		Prefix:    r.Prefix,
		TagFilter: outer.TagFilter,
		Keys:      outer.Keys,
		Limit:     outer.Limit,
		Offset:    outer.Offset,
	}, nil
}

// rows converts the posted columns and rows into typed data.
func (r Request) rows() (*data.Header, []data.Row, error) {
	if len(r.Columns) == 0 {
		return nil, nil, badRequest("insert needs 'columns'")
	}
	fields := make([]data.Field, len(r.Columns))
	for i, c := range r.Columns {
		t, err := data.ParseDataType(strings.ToUpper(c.Type))
		if err != nil {
			return nil, nil, badRequest("column %s: %v", c.Name, err)
		}
		fields[i] = data.NewField(c.Name, t)
		fields[i].Tags = c.Tags
	}
	h := data.NewHeader(true, fields...)
	rows := make([]data.Row, len(r.Rows))
	for i, in := range r.Rows {
		if len(in.Values) > len(fields) {
			return nil, nil, badRequest("row %d has %d values for %d columns", in.Key, len(in.Values), len(fields))
		}
		vals := make([]any, len(fields))
		for j, raw := range in.Values {
			v, err := decodeValue(fields[j].Type, raw)
			if err != nil {
				return nil, nil, badRequest("row %d column %s: %v", in.Key, fields[j].Name, err)
			}
			vals[j] = v
		}
		rows[i] = data.NewRow(h, in.Key, vals...)
	}
	return h, rows, nil
}

func decodeValue(t data.DataType, raw json.RawMessage) (any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	switch t {
	case data.Boolean:
		var b bool
		err := json.Unmarshal(raw, &b)
		return b, err
	case data.Binary:
		var s string
		err := json.Unmarshal(raw, &s)
		return []byte(s), err
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, err
	}
	switch t {
	case data.Integer:
		i, err := n.Int64()
		if err == nil && (i < math.MinInt32 || i > math.MaxInt32) {
			err = errors.Newf("%d overflows INTEGER", i)
		}
		return int32(i), err
	case data.Long:
		return n.Int64()
	case data.Float:
		f, err := n.Float64()
		return float32(f), err
	case data.Double:
		return n.Float64()
	}
	return nil, errors.Newf("unsupported type %s", t)
}
