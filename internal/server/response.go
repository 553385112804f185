package server

import "github.com/hanpama/polystore/internal/stream"

// Response is the JSON answer to one request.
type Response struct {
	Columns   []Column    `json:"columns,omitempty"`
	Rows      []OutputRow `json:"rows,omitempty"`
	Truncated bool        `json:"truncated,omitempty"`
	Written   int         `json:"written,omitempty"`
	Queued    int         `json:"queued,omitempty"`
	Errors    []Error     `json:"errors,omitempty"`
}

// OutputRow is a result row. Key is absent for unkeyed results; BINARY
// values are rendered as text.
type OutputRow struct {
	Key    *int64 `json:"key,omitempty"`
	Values []any  `json:"values"`
}

type Error struct {
	Message string `json:"message"`
}

func errorResponse(msg string) Response {
	return Response{Errors: []Error{{Message: msg}}}
}

// encodeStream drains rs into a response, stopping after maxRows rows when
// maxRows is positive. rs is closed.
func encodeStream(rs stream.RowStream, maxRows int) (res Response, err error) {
	defer func() {
		if cerr := rs.Close(); err == nil {
			err = cerr
		}
	}()
	h, err := rs.Header()
	if err != nil {
		return Response{}, err
	}
	res.Columns = make([]Column, h.Len())
	for i, f := range h.Fields() {
		res.Columns[i] = Column{Name: f.Name, Type: f.Type.String(), Tags: f.Tags}
	}
	res.Rows = []OutputRow{}
	for {
		ok, err := rs.HasNext()
		if err != nil {
			return Response{}, err
		}
		if !ok {
			return res, nil
		}
		if maxRows > 0 && len(res.Rows) >= maxRows {
			res.Truncated = true
			return res, nil
		}
		r, err := rs.Next()
		if err != nil {
			return Response{}, err
		}
		out := OutputRow{Values: make([]any, len(r.Values))}
		if h.HasKey() {
			k := r.Key
			out.Key = &k
		}
		for i, v := range r.Values {
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			out.Values[i] = v
		}
		res.Rows = append(res.Rows, out)
	}
}
