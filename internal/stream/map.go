package stream

import "github.com/hanpama/polystore/internal/data"

type mapStream struct {
	lookahead
	in      RowStream
	header  func() (*data.Header, error)
	pending []data.Row
}

// Map transforms every row of in with fn. The output header is computed
// lazily by header and must be idempotent.
func Map(in RowStream, header func() (*data.Header, error), fn func(data.Row) (data.Row, error)) RowStream {
	return FlatMap(in, header, func(r data.Row) ([]data.Row, error) {
		out, err := fn(r)
		if err != nil {
			return nil, err
		}
		return []data.Row{out}, nil
	})
}

// FlatMap replaces every row of in with the rows fn returns, possibly none.
func FlatMap(in RowStream, header func() (*data.Header, error), fn func(data.Row) ([]data.Row, error)) RowStream {
	m := &mapStream{in: in, header: header}
	m.fetch = func() (data.Row, bool, error) {
		for len(m.pending) == 0 {
			row, ok, err := pull(in)
			if err != nil || !ok {
				return data.Row{}, false, err
			}
			if m.pending, err = fn(row); err != nil {
				return data.Row{}, false, err
			}
		}
		row := m.pending[0]
		m.pending = m.pending[1:]
		return row, true, nil
	}
	return m
}

func (m *mapStream) Header() (*data.Header, error) { return m.header() }
func (m *mapStream) Close() error                  { return m.in.Close() }

type limitStream struct {
	lookahead
	in RowStream
}

// Limit skips offset rows of in, then yields at most limit rows. A negative
// limit is unbounded. The input is not pulled past the last yielded row.
func Limit(in RowStream, limit, offset int) RowStream {
	l := &limitStream{in: in}
	skipped, emitted := 0, 0
	l.fetch = func() (data.Row, bool, error) {
		for skipped < offset {
			_, ok, err := pull(in)
			if err != nil || !ok {
				return data.Row{}, false, err
			}
			skipped++
		}
		if limit >= 0 && emitted >= limit {
			return data.Row{}, false, nil
		}
		row, ok, err := pull(in)
		if err != nil || !ok {
			return data.Row{}, false, err
		}
		emitted++
		return row, true, nil
	}
	return l
}

func (l *limitStream) Header() (*data.Header, error) { return l.in.Header() }
func (l *limitStream) Close() error                  { return l.in.Close() }
