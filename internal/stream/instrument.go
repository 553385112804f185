package stream

import (
	"sync/atomic"
	"time"

	"github.com/hanpama/polystore/internal/data"
)

// Recorder receives row counts and pull latency from an instrumented stream.
// Implementations must be safe for concurrent use.
type Recorder interface {
	Record(rows int64, elapsed time.Duration)
}

// Counters is a lock-free Recorder.
type Counters struct {
	rows    atomic.Int64
	elapsed atomic.Int64
	chunks  atomic.Int64
}

func (c *Counters) Record(rows int64, elapsed time.Duration) {
	c.rows.Add(rows)
	c.elapsed.Add(int64(elapsed))
	c.chunks.Add(1)
}

// Rows is the total number of rows recorded.
func (c *Counters) Rows() int64 { return c.rows.Load() }

// Elapsed is the accumulated pull time.
func (c *Counters) Elapsed() time.Duration { return time.Duration(c.elapsed.Load()) }

// Chunks is the number of Record calls.
func (c *Counters) Chunks() int64 { return c.chunks.Load() }

// DefaultChunkSize is used when Instrument is given a non-positive size.
const DefaultChunkSize = 256

type instrumented struct {
	lookahead
	in    RowStream
	size  int
	rec   Recorder
	queue []data.Row
	head  int
	eof   bool
}

// Instrument pulls rows from in in chunks of size rows into a queue and
// reports each chunk's row count and pull time to rec. The rows produced are
// exactly those of in, in the same order.
func Instrument(in RowStream, size int, rec Recorder) RowStream {
	if size <= 0 {
		size = DefaultChunkSize
	}
	s := &instrumented{in: in, size: size, rec: rec}
	s.fetch = s.fetchNext
	return s
}

func (s *instrumented) fetchNext() (data.Row, bool, error) {
	if s.head >= len(s.queue) {
		if s.eof {
			return data.Row{}, false, nil
		}
		if err := s.fill(); err != nil {
			return data.Row{}, false, err
		}
		if len(s.queue) == 0 {
			return data.Row{}, false, nil
		}
	}
	row := s.queue[s.head]
	s.queue[s.head] = data.Row{}
	s.head++
	return row, true, nil
}

func (s *instrumented) fill() error {
	s.queue, s.head = s.queue[:0], 0
	start := time.Now()
	for len(s.queue) < s.size {
		row, ok, err := pull(s.in)
		if err != nil {
			return err
		}
		if !ok {
			s.eof = true
			break
		}
		s.queue = append(s.queue, row)
	}
	if s.rec != nil && len(s.queue) > 0 {
		s.rec.Record(int64(len(s.queue)), time.Since(start))
	}
	return nil
}

func (s *instrumented) Header() (*data.Header, error) { return s.in.Header() }
func (s *instrumented) Close() error                  { return s.in.Close() }
