// Package stream defines the lazy, pull-based row and batch streams every
// physical task consumes and produces, and the combinators layered on them.
//
// # Contract
//
// A RowStream has exactly one active consumer and moves forward only.
//   - Header is idempotent and may be called at any time, including before
//     the first HasNext and after Close.
//   - HasNext may prefetch and cache one row. Calling it repeatedly before
//     Next neither skips nor duplicates rows.
//   - Next returns the cached row, prefetching first when needed. It fails
//     with ErrNoMoreRows when the stream is exhausted.
//   - Close releases resources and is safe on a partially consumed stream.
//     Close is idempotent only where a wrapper documents it.
//
// Ceasing to pull and calling Close is the only cancellation primitive.
package stream

import (
	"github.com/cockroachdb/errors"

	"github.com/hanpama/polystore/internal/data"
)

var (
	// ErrNoMoreRows is returned by Next on an exhausted stream.
	ErrNoMoreRows = errors.New("stream: no more rows")
	// ErrOutOfOrder is returned by key-ordered combinators when an input
	// emits a key smaller than one it already emitted.
	ErrOutOfOrder = errors.New("stream: input keys out of order")
)

// RowStream is a lazy iterator over rows sharing one header.
type RowStream interface {
	Header() (*data.Header, error)
	HasNext() (bool, error)
	Next() (data.Row, error)
	Close() error
}

// lookahead implements HasNext/Next on top of a fetch function that returns
// the next row or ok=false on exhaustion. It caches exactly one row.
type lookahead struct {
	fetch   func() (data.Row, bool, error)
	pending data.Row
	has     bool
	done    bool
}

func (l *lookahead) HasNext() (bool, error) {
	if l.has {
		return true, nil
	}
	if l.done {
		return false, nil
	}
	row, ok, err := l.fetch()
	if err != nil {
		return false, err
	}
	if !ok {
		l.done = true
		return false, nil
	}
	l.pending, l.has = row, true
	return true, nil
}

func (l *lookahead) Next() (data.Row, error) {
	ok, err := l.HasNext()
	if err != nil {
		return data.Row{}, err
	}
	if !ok {
		return data.Row{}, ErrNoMoreRows
	}
	row := l.pending
	l.pending, l.has = data.Row{}, false
	return row, nil
}

// pull fetches one row from in, reporting exhaustion as ok=false.
func pull(in RowStream) (data.Row, bool, error) {
	ok, err := in.HasNext()
	if err != nil || !ok {
		return data.Row{}, false, err
	}
	row, err := in.Next()
	if err != nil {
		return data.Row{}, false, err
	}
	return row, true, nil
}

// Table is an in-memory RowStream over a fixed slice of rows.
type Table struct {
	header *data.Header
	rows   []data.Row
	pos    int
}

// FromRows returns a stream over rows. Rows are re-bound to header.
func FromRows(header *data.Header, rows ...data.Row) *Table {
	bound := make([]data.Row, len(rows))
	for i, r := range rows {
		r.Header = header
		bound[i] = r
	}
	return &Table{header: header, rows: bound}
}

// Empty returns a stream with the given header and no rows.
func Empty(header *data.Header) *Table {
	if header == nil {
		header = data.EmptyHeader
	}
	return &Table{header: header}
}

func (t *Table) Header() (*data.Header, error) { return t.header, nil }

func (t *Table) HasNext() (bool, error) { return t.pos < len(t.rows), nil }

func (t *Table) Next() (data.Row, error) {
	if t.pos >= len(t.rows) {
		return data.Row{}, ErrNoMoreRows
	}
	row := t.rows[t.pos]
	t.pos++
	return row, nil
}

// Close is idempotent.
func (t *Table) Close() error { return nil }

// Collect drains in and closes it.
func Collect(in RowStream) (rows []data.Row, err error) {
	defer func() {
		if cerr := in.Close(); err == nil {
			err = cerr
		}
	}()
	for {
		row, ok, err := pull(in)
		if err != nil {
			return nil, err
		}
		if !ok {
			return rows, nil
		}
		rows = append(rows, row)
	}
}

type generated struct {
	lookahead
	header *data.Header
	close  func() error
}

// Generate adapts fetch to a RowStream with a fixed header. fetch returns
// ok=false once exhausted. close, when not nil, is called by Close.
func Generate(header *data.Header, fetch func() (data.Row, bool, error), close func() error) RowStream {
	return &generated{lookahead: lookahead{fetch: fetch}, header: header, close: close}
}

func (g *generated) Header() (*data.Header, error) { return g.header, nil }

func (g *generated) Close() error {
	if g.close == nil {
		return nil
	}
	c := g.close
	g.close = nil
	return c()
}
