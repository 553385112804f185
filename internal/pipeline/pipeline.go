// Package pipeline runs fused operator chains over row streams in memory.
package pipeline

import (
	"github.com/cockroachdb/errors"

	"github.com/hanpama/polystore/internal/data"
	"github.com/hanpama/polystore/internal/operator"
	"github.com/hanpama/polystore/internal/stream"
)

// Executor runs operators over streams. Executor is stateless and safe for
// concurrent use.
type Executor struct {
	chunkSize int
}

// Option configures an Executor.
type Option func(*Executor)

// WithChunkSize sets the chunk size of instrumented streams.
func WithChunkSize(n int) Option { return func(e *Executor) { e.chunkSize = n } }

func New(opts ...Option) *Executor {
	e := &Executor{chunkSize: stream.DefaultChunkSize}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ExecuteUnary applies ops in order on top of in. On error in has been
// closed.
func (e *Executor) ExecuteUnary(ops []operator.Unary, in stream.RowStream) (stream.RowStream, error) {
	out := in
	for _, op := range ops {
		next, err := e.unary(op, out)
		if err != nil {
			_ = out.Close()
			return nil, err
		}
		out = next
	}
	return out, nil
}

// ExecuteBinary applies a binary operator to two keyed streams. On error
// both inputs have been closed.
func (e *Executor) ExecuteBinary(op operator.Binary, a, b stream.RowStream) (stream.RowStream, error) {
	switch op.(type) {
	case *operator.Join, *operator.Union:
		return stream.MergeByKey(a, b), nil
	}
	_ = a.Close()
	_ = b.Close()
	return nil, errors.Wrapf(operator.ErrShapeMismatch, "%s cannot run in memory", op)
}

// Instrument wraps in so that pulls are recorded to rec.
func (e *Executor) Instrument(in stream.RowStream, rec stream.Recorder) stream.RowStream {
	return stream.Instrument(in, e.chunkSize, rec)
}

func (e *Executor) unary(op operator.Unary, in stream.RowStream) (stream.RowStream, error) {
	switch o := op.(type) {
	case *operator.Project:
		return Project(in, o.Patterns, o.TagFilter, o.RemainKey), nil
	case *operator.Reorder:
		return Reorder(in, o.Patterns), nil
	case *operator.Select:
		return stream.Filter(in, o.Filter.Match), nil
	case *operator.Limit:
		return stream.Limit(in, o.Limit, o.Offset), nil
	case *operator.AddSchemaPrefix:
		return AddSchemaPrefix(in, o.Prefix), nil
	case *operator.ValueToSelectedPath:
		return ValueToSelectedPath(in, o.Prefix), nil
	}
	return nil, errors.Wrapf(operator.ErrShapeMismatch, "%s cannot run in memory", op)
}

// projection computes a header lazily from the input header and remaps
// values by source position.
type projection struct {
	in     stream.RowStream
	build  func(*data.Header) (*data.Header, []int)
	header *data.Header
	idx    []int
}

func (p *projection) Header() (*data.Header, error) {
	if p.header == nil {
		h, err := p.in.Header()
		if err != nil {
			return nil, err
		}
		p.header, p.idx = p.build(h)
	}
	return p.header, nil
}

func (p *projection) apply(r data.Row) (data.Row, error) {
	h, err := p.Header()
	if err != nil {
		return data.Row{}, err
	}
	vals := make([]any, len(p.idx))
	for i, j := range p.idx {
		vals[i] = r.Value(j)
	}
	return data.NewRow(h, r.Key, vals...), nil
}

func project(in stream.RowStream, build func(*data.Header) (*data.Header, []int)) stream.RowStream {
	p := &projection{in: in, build: build}
	return stream.Map(in, p.Header, p.apply)
}

// Project keeps the columns whose name matches a pattern and whose tags
// pass tf, in input order.
func Project(in stream.RowStream, patterns []string, tf operator.TagFilter, remainKey bool) stream.RowStream {
	out := project(in, func(h *data.Header) (*data.Header, []int) {
		ph, idx := h.Project(patterns, remainKey)
		if tf == nil {
			return ph, idx
		}
		var (
			fields []data.Field
			kept   []int
		)
		for i, j := range idx {
			if f := ph.Field(i); tf.Match(f.Tags) {
				fields = append(fields, f)
				kept = append(kept, j)
			}
		}
		return data.NewHeader(h.HasKey(), fields...), kept
	})
	if tf == nil {
		return out
	}
	// Rows with no value in the tagged columns are dropped.
	return stream.ClearEmpty(out)
}

// Reorder arranges columns in pattern order. A pattern matching several
// columns contributes them in input order; each column appears once.
func Reorder(in stream.RowStream, patterns []string) stream.RowStream {
	return project(in, func(h *data.Header) (*data.Header, []int) {
		var (
			fields []data.Field
			idx    []int
			seen   = map[int]bool{}
		)
		for _, p := range patterns {
			for _, j := range h.PatternIndexOf(p) {
				if !seen[j] {
					seen[j] = true
					fields = append(fields, h.Field(j))
					idx = append(idx, j)
				}
			}
		}
		return data.NewHeader(h.HasKey(), fields...), idx
	})
}

// AddSchemaPrefix renames every column to prefix + "." + name.
func AddSchemaPrefix(in stream.RowStream, prefix string) stream.RowStream {
	return project(in, func(h *data.Header) (*data.Header, []int) {
		fields := make([]data.Field, h.Len())
		idx := make([]int, h.Len())
		for i := range fields {
			f := h.Field(i)
			if prefix != "" {
				f = f.WithName(prefix + "." + f.Name)
			}
			fields[i] = f
			idx[i] = i
		}
		return data.NewHeader(h.HasKey(), fields...), idx
	})
}

// SelectedPathHeader is the header of ValueToSelectedPath output.
var SelectedPathHeader = data.NewHeader(false, data.NewField(operator.SelectedPathField, data.Binary))

// ValueToSelectedPath emits one SelectedPath row per non-null input value,
// formatted as text and joined to prefix.
func ValueToSelectedPath(in stream.RowStream, prefix string) stream.RowStream {
	header := func() (*data.Header, error) { return SelectedPathHeader, nil }
	return stream.FlatMap(in, header, func(r data.Row) ([]data.Row, error) {
		var out []data.Row
		for _, v := range r.Values {
			if v == nil {
				continue
			}
			path := data.FormatValue(v)
			if prefix != "" {
				path = prefix + "." + path
			}
			out = append(out, data.NewUnkeyedRow(SelectedPathHeader, []byte(path)))
		}
		return out, nil
	})
}
