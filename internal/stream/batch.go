package stream

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"

	"github.com/hanpama/polystore/internal/data"
)

// DefaultBatchSize is used when a non-positive batch size is requested.
const DefaultBatchSize = 1024

// Batch is a columnar group of rows. When the header has a key, column 0 of
// the record is the key column.
type Batch struct {
	Header *data.Header
	Record arrow.Record
}

// NumRows is the number of rows in the batch.
func (b *Batch) NumRows() int { return int(b.Record.NumRows()) }

// Release frees the record's buffers.
func (b *Batch) Release() { b.Record.Release() }

// Value returns field col of row i; nil is null.
func (b *Batch) Value(col, i int) any {
	if b.Header.HasKey() {
		col++
	}
	return readValue(b.Record.Column(col), i)
}

// Row materializes row i.
func (b *Batch) Row(i int) data.Row {
	row := data.Row{Header: b.Header, Values: make([]any, b.Header.Len())}
	if b.Header.HasKey() {
		row.Key = b.Record.Column(0).(*array.Int64).Value(i)
	}
	for c := range row.Values {
		row.Values[c] = b.Value(c, i)
	}
	return row
}

// BatchStream is the vectorized counterpart of RowStream. Each Batch
// returned by Next is owned by the caller, who must Release it.
type BatchStream interface {
	Schema() (*arrow.Schema, error)
	Header() (*data.Header, error)
	HasNext() (bool, error)
	Next() (*Batch, error)
	Close() error
}

// ArrowType maps a column type to its arrow type.
func ArrowType(t data.DataType) arrow.DataType {
	switch t {
	case data.Boolean:
		return arrow.FixedWidthTypes.Boolean
	case data.Integer:
		return arrow.PrimitiveTypes.Int32
	case data.Long:
		return arrow.PrimitiveTypes.Int64
	case data.Float:
		return arrow.PrimitiveTypes.Float32
	case data.Double:
		return arrow.PrimitiveTypes.Float64
	default:
		return arrow.BinaryTypes.Binary
	}
}

// SchemaOf derives the arrow schema of a header.
func SchemaOf(h *data.Header) *arrow.Schema {
	fields := make([]arrow.Field, 0, h.Len()+1)
	if h.HasKey() {
		fields = append(fields, arrow.Field{Name: data.KeyName, Type: arrow.PrimitiveTypes.Int64})
	}
	for i := 0; i < h.Len(); i++ {
		f := h.Field(i)
		var md arrow.Metadata
		if len(f.Tags) > 0 {
			keys := make([]string, 0, len(f.Tags))
			vals := make([]string, 0, len(f.Tags))
			for k, v := range f.Tags {
				keys = append(keys, k)
				vals = append(vals, v)
			}
			md = arrow.NewMetadata(keys, vals)
		}
		fields = append(fields, arrow.Field{Name: f.Name, Type: ArrowType(f.Type), Nullable: true, Metadata: md})
	}
	return arrow.NewSchema(fields, nil)
}

type rowBatches struct {
	in    RowStream
	size  int
	alloc memory.Allocator

	header  *data.Header
	schema  *arrow.Schema
	pending *Batch
	done    bool
}

// Batches groups the rows of in into arrow batches of size rows; the last
// batch may be shorter. The schema is derived once and cached.
func Batches(in RowStream, size int, alloc memory.Allocator) BatchStream {
	if size <= 0 {
		size = DefaultBatchSize
	}
	if alloc == nil {
		alloc = memory.NewGoAllocator()
	}
	return &rowBatches{in: in, size: size, alloc: alloc}
}

func (b *rowBatches) Header() (*data.Header, error) {
	if b.header == nil {
		h, err := b.in.Header()
		if err != nil {
			return nil, err
		}
		b.header = h
	}
	return b.header, nil
}

func (b *rowBatches) Schema() (*arrow.Schema, error) {
	if b.schema == nil {
		h, err := b.Header()
		if err != nil {
			return nil, err
		}
		b.schema = SchemaOf(h)
	}
	return b.schema, nil
}

func (b *rowBatches) HasNext() (bool, error) {
	if b.pending != nil {
		return true, nil
	}
	if b.done {
		return false, nil
	}
	batch, err := b.build()
	if err != nil {
		return false, err
	}
	if batch == nil {
		b.done = true
		return false, nil
	}
	b.pending = batch
	return true, nil
}

func (b *rowBatches) Next() (*Batch, error) {
	ok, err := b.HasNext()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoMoreRows
	}
	batch := b.pending
	b.pending = nil
	return batch, nil
}

func (b *rowBatches) build() (*Batch, error) {
	schema, err := b.Schema()
	if err != nil {
		return nil, err
	}
	rb := array.NewRecordBuilder(b.alloc, schema)
	defer rb.Release()

	offset := 0
	if b.header.HasKey() {
		offset = 1
	}
	n := 0
	for n < b.size {
		row, ok, err := pull(b.in)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if offset == 1 {
			rb.Field(0).(*array.Int64Builder).Append(row.Key)
		}
		for i := 0; i < b.header.Len(); i++ {
			if err := appendValue(rb.Field(i+offset), b.header.Field(i).Type, row.Value(i)); err != nil {
				return nil, err
			}
		}
		n++
	}
	if n == 0 {
		return nil, nil
	}
	return &Batch{Header: b.header, Record: rb.NewRecord()}, nil
}

func appendValue(bld array.Builder, t data.DataType, v any) error {
	if v == nil {
		bld.AppendNull()
		return nil
	}
	if !data.CheckValue(t, v) {
		return errors.Newf("stream: value %v (%T) does not match column type %s", v, v, t)
	}
	switch t {
	case data.Boolean:
		bld.(*array.BooleanBuilder).Append(v.(bool))
	case data.Integer:
		bld.(*array.Int32Builder).Append(v.(int32))
	case data.Long:
		bld.(*array.Int64Builder).Append(v.(int64))
	case data.Float:
		bld.(*array.Float32Builder).Append(v.(float32))
	case data.Double:
		bld.(*array.Float64Builder).Append(v.(float64))
	case data.Binary:
		bld.(*array.BinaryBuilder).Append(v.([]byte))
	}
	return nil
}

// Close releases a pending batch and closes the row source.
func (b *rowBatches) Close() error {
	if b.pending != nil {
		b.pending.Release()
		b.pending = nil
	}
	return b.in.Close()
}

type batchRows struct {
	lookahead
	in     BatchStream
	header *data.Header
	cur    *Batch
	pos    int
}

// BatchRows flattens a batch stream back into rows. Each batch is released
// once its rows have been read.
func BatchRows(in BatchStream) RowStream {
	r := &batchRows{in: in}
	r.fetch = r.fetchNext
	return r
}

func (r *batchRows) Header() (*data.Header, error) {
	if r.header == nil {
		h, err := r.in.Header()
		if err != nil {
			return nil, err
		}
		r.header = h
	}
	return r.header, nil
}

func (r *batchRows) fetchNext() (data.Row, bool, error) {
	for r.cur == nil || r.pos >= r.cur.NumRows() {
		if r.cur != nil {
			r.cur.Release()
			r.cur = nil
		}
		ok, err := r.in.HasNext()
		if err != nil || !ok {
			return data.Row{}, false, err
		}
		if r.cur, err = r.in.Next(); err != nil {
			return data.Row{}, false, err
		}
		r.pos = 0
	}
	row := r.cur.Row(r.pos)
	r.pos++
	return row, true, nil
}

func readValue(col arrow.Array, i int) any {
	if col.IsNull(i) {
		return nil
	}
	switch c := col.(type) {
	case *array.Boolean:
		return c.Value(i)
	case *array.Int32:
		return c.Value(i)
	case *array.Int64:
		return c.Value(i)
	case *array.Float32:
		return c.Value(i)
	case *array.Float64:
		return c.Value(i)
	case *array.Binary:
		return append([]byte(nil), c.Value(i)...)
	}
	return nil
}

func (r *batchRows) Close() error {
	if r.cur != nil {
		r.cur.Release()
		r.cur = nil
	}
	return r.in.Close()
}
