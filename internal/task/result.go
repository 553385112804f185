package task

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/hanpama/polystore/internal/stream"
)

// ErrPhysical marks failures that occurred while executing a plan, as
// opposed to planner defects.
var ErrPhysical = errors.New("physical failure")

// Physical marks err as a physical failure unless it already is one or is
// an assertion failure.
func Physical(err error) error {
	if err == nil || errors.Is(err, ErrPhysical) || errors.IsAssertionFailure(err) {
		return err
	}
	return errors.Mark(err, ErrPhysical)
}

type holder struct {
	s stream.RowStream
}

// Result carries either a stream or an error out of a task. The stream is
// handed out once: the first TakeStream transfers ownership and every later
// call returns nil. Err is stable.
type Result struct {
	stream atomic.Pointer[holder]
	err    error
}

// Success wraps a stream.
func Success(s stream.RowStream) *Result {
	r := &Result{}
	if s != nil {
		r.stream.Store(&holder{s: s})
	}
	return r
}

// Empty is a successful result without stream, produced by side-effect
// tasks.
func Empty() *Result { return &Result{} }

// Failed wraps an error unchanged.
func Failed(err error) *Result {
	if err == nil {
		err = errors.AssertionFailedf("failed result without error")
	}
	return &Result{err: err}
}

// Err returns the carried error, the same value on every call.
func (r *Result) Err() error { return r.err }

// TakeStream transfers the stream to the caller. It returns nil when the
// result failed, carried no stream, or was already taken.
func (r *Result) TakeStream() stream.RowStream {
	h := r.stream.Swap(nil)
	if h == nil {
		return nil
	}
	return h.s
}

// Discard closes the stream if nobody took it.
func (r *Result) Discard() error {
	if s := r.TakeStream(); s != nil {
		return s.Close()
	}
	return nil
}
