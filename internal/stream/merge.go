package stream

import (
	"container/heap"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/hanpama/polystore/internal/data"
)

type cursor struct {
	key   int64
	input int
}

// cursorHeap is a min-heap of (current key, input index).
type cursorHeap []cursor

func (h cursorHeap) Len() int { return len(h) }
func (h cursorHeap) Less(i, j int) bool {
	if h[i].key != h[j].key {
		return h[i].key < h[j].key
	}
	return h[i].input < h[j].input
}
func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *cursorHeap) Push(x any)   { *h = append(*h, x.(cursor)) }
func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

type mergeByKey struct {
	lookahead
	inputs []RowStream

	initialized bool
	header      *data.Header
	columns     [][]int // per input: field position -> output position or -1
	current     []data.Row
	heap        cursorHeap
}

// MergeByKey merges keyed inputs that are each non-decreasing by key into one
// strictly ascending stream. All inputs positioned at the minimum key are
// drained into a single output row. Columns with the same full name and type
// collapse into one output column, where later inputs' non-null values
// overwrite earlier ones; a same-named column of a different type is dropped.
// An input moving backwards fails the stream with ErrOutOfOrder.
func MergeByKey(inputs ...RowStream) RowStream {
	m := &mergeByKey{inputs: inputs}
	m.fetch = m.fetchNext
	return m
}

func (m *mergeByKey) init() error {
	if m.initialized {
		return nil
	}
	var (
		fields []data.Field
		byName = map[string]int{}
	)
	m.columns = make([][]int, len(m.inputs))
	for i, in := range m.inputs {
		h, err := in.Header()
		if err != nil {
			return err
		}
		if !h.HasKey() {
			return errors.Newf("stream: merge input %d has no key column", i)
		}
		cols := make([]int, h.Len())
		for j := 0; j < h.Len(); j++ {
			f := h.Field(j)
			pos, seen := byName[f.FullName()]
			switch {
			case !seen:
				pos = len(fields)
				byName[f.FullName()] = pos
				fields = append(fields, f)
				cols[j] = pos
			case fields[pos].Type == f.Type:
				cols[j] = pos
			default:
				cols[j] = -1
			}
		}
		m.columns[i] = cols
	}
	m.header = data.NewHeader(true, fields...)
	m.current = make([]data.Row, len(m.inputs))
	for i, in := range m.inputs {
		row, ok, err := pull(in)
		if err != nil {
			return err
		}
		if ok {
			m.current[i] = row
			m.heap = append(m.heap, cursor{key: row.Key, input: i})
		}
	}
	heap.Init(&m.heap)
	m.initialized = true
	return nil
}

func (m *mergeByKey) Header() (*data.Header, error) {
	if err := m.init(); err != nil {
		return nil, err
	}
	return m.header, nil
}

func (m *mergeByKey) fetchNext() (data.Row, bool, error) {
	if err := m.init(); err != nil {
		return data.Row{}, false, err
	}
	if m.heap.Len() == 0 {
		return data.Row{}, false, nil
	}
	key := m.heap[0].key
	var drained []int
	for m.heap.Len() > 0 && m.heap[0].key == key {
		drained = append(drained, heap.Pop(&m.heap).(cursor).input)
	}
	sort.Ints(drained)

	values := make([]any, m.header.Len())
	for _, i := range drained {
		row := m.current[i]
		for {
			m.write(values, i, row)
			next, ok, err := pull(m.inputs[i])
			if err != nil {
				return data.Row{}, false, err
			}
			if !ok {
				m.current[i] = data.Row{}
				break
			}
			if next.Key < key {
				return data.Row{}, false, errors.Wrapf(ErrOutOfOrder, "input %d: key %d after %d", i, next.Key, key)
			}
			if next.Key > key {
				m.current[i] = next
				heap.Push(&m.heap, cursor{key: next.Key, input: i})
				break
			}
			row = next
		}
	}
	return data.NewRow(m.header, key, values...), true, nil
}

func (m *mergeByKey) write(dst []any, input int, row data.Row) {
	for j, pos := range m.columns[input] {
		if pos < 0 {
			continue
		}
		if v := row.Value(j); v != nil {
			dst[pos] = v
		}
	}
}

func (m *mergeByKey) Close() error {
	var first error
	for _, in := range m.inputs {
		if err := in.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type mergeAdjacent struct {
	lookahead
	in RowStream

	// carry is a row read past the end of the previous run.
	carry    data.Row
	hasCarry bool
}

// MergeAdjacent collapses each run of consecutive rows sharing a key into one
// row. Within a run a later row's non-null value overwrites an earlier one;
// nulls never overwrite. The input must be sorted by key.
func MergeAdjacent(in RowStream) RowStream {
	m := &mergeAdjacent{in: in}
	m.fetch = m.fetchNext
	return m
}

func (m *mergeAdjacent) fetchNext() (data.Row, bool, error) {
	first := m.carry
	if m.hasCarry {
		m.hasCarry = false
	} else {
		row, ok, err := pull(m.in)
		if err != nil || !ok {
			return data.Row{}, false, err
		}
		first = row
	}
	values := append([]any(nil), first.Values...)
	for {
		next, ok, err := pull(m.in)
		if err != nil {
			return data.Row{}, false, err
		}
		if !ok {
			break
		}
		if next.Key != first.Key {
			if next.Key < first.Key {
				return data.Row{}, false, errors.Wrapf(ErrOutOfOrder, "key %d after %d", next.Key, first.Key)
			}
			m.carry, m.hasCarry = next, true
			break
		}
		for i, v := range next.Values {
			if v != nil && i < len(values) {
				values[i] = v
			}
		}
	}
	return data.NewRow(first.Header, first.Key, values...), true, nil
}

func (m *mergeAdjacent) Header() (*data.Header, error) { return m.in.Header() }
func (m *mergeAdjacent) Close() error                  { return m.in.Close() }
