package stream

import "github.com/hanpama/polystore/internal/data"

// Predicate decides whether a row is kept.
type Predicate func(data.Row) (bool, error)

type filterStream struct {
	lookahead
	in RowStream
}

// Filter keeps the rows of in that satisfy pred. Rejected rows are skipped
// silently; the header passes through.
func Filter(in RowStream, pred Predicate) RowStream {
	f := &filterStream{in: in}
	f.fetch = func() (data.Row, bool, error) {
		for {
			row, ok, err := pull(in)
			if err != nil || !ok {
				return data.Row{}, false, err
			}
			keep, err := pred(row)
			if err != nil {
				return data.Row{}, false, err
			}
			if keep {
				return row, true, nil
			}
		}
	}
	return f
}

func (f *filterStream) Header() (*data.Header, error) { return f.in.Header() }
func (f *filterStream) Close() error                  { return f.in.Close() }

// ClearEmpty drops rows whose values are all null. Rows of a header without
// fields are dropped too.
func ClearEmpty(in RowStream) RowStream {
	return Filter(in, func(r data.Row) (bool, error) { return !r.AllNull(), nil })
}
