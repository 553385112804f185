package task

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"

	"github.com/hanpama/polystore/internal/operator"
	"github.com/hanpama/polystore/internal/stream"
)

// Run executes t once all its parents have completed and returns the result
// to publish. Parent failures are returned unchanged. Storage and Global
// tasks are run by the storage executor, never here.
//
// Run panics with an assertion failure when it detects a planner defect;
// the scheduler turns such panics into the task's result.
func (t *Task) Run(ctx context.Context, env *Env) *Result {
	start := time.Now()
	defer func() { t.metrics.run.Add(int64(time.Since(start))) }()

	switch t.kind {
	case KindStorage, KindGlobal:
		panic(errors.AssertionFailedf("%s must be executed by the storage executor", t))
	case KindConstantSource:
		return t.runConstant(env)
	case KindUnaryMemory:
		return t.runUnary(env)
	case KindBinaryMemory:
		return t.runBinary(env)
	case KindMultipleMemory:
		return t.runMultiple()
	case KindFolded:
		return t.runFolded(ctx, env)
	case KindCompletedFolded:
		return t.runCompletedFolded()
	}
	panic(errors.AssertionFailedf("unknown task kind %s", t.kind))
}

func (t *Task) unaryChain(ops []operator.Operator) ([]operator.Unary, error) {
	out := make([]operator.Unary, len(ops))
	for i, op := range ops {
		u, ok := op.(operator.Unary)
		if !ok {
			return nil, errors.Wrapf(operator.ErrShapeMismatch, "%s: %s is not unary", t, op)
		}
		out[i] = u
	}
	return out, nil
}

// parentStream awaits p and takes its stream.
func parentStream(p *Task) (stream.RowStream, error) {
	r := p.GetResult()
	if err := r.Err(); err != nil {
		return nil, err
	}
	s := r.TakeStream()
	if s == nil {
		return nil, Physical(errors.Newf("%s produced no stream", p))
	}
	return s, nil
}

func (t *Task) finish(env *Env, s stream.RowStream, err error) *Result {
	if err != nil {
		return Failed(err)
	}
	return Success(env.Pipeline.Instrument(s, &t.metrics))
}

func (t *Task) runConstant(env *Env) *Result {
	if len(t.operators) == 0 {
		return Failed(errors.Wrapf(operator.ErrShapeMismatch, "%s has no operators", t))
	}
	first, ok := t.operators[0].(operator.Unary)
	if !ok {
		return Failed(errors.Wrapf(operator.ErrShapeMismatch, "%s: %s is not unary", t, t.operators[0]))
	}
	cs, ok := first.Source().(operator.ConstantSource)
	if !ok {
		return Failed(errors.Wrapf(operator.ErrShapeMismatch, "%s: %s does not read a constant", t, first))
	}
	ops, err := t.unaryChain(t.operators)
	if err != nil {
		return Failed(err)
	}
	out, err := env.Pipeline.ExecuteUnary(ops, stream.FromRows(cs.Header, cs.Rows...))
	return t.finish(env, out, err)
}

func (t *Task) runUnary(env *Env) *Result {
	parents := t.Parents()
	if len(parents) != 1 {
		panic(errors.AssertionFailedf("%s has %d parents", t, len(parents)))
	}
	in, err := parentStream(parents[0])
	if err != nil {
		return Failed(err)
	}
	ops, err := t.unaryChain(t.operators)
	if err != nil {
		_ = in.Close()
		return Failed(err)
	}
	out, err := env.Pipeline.ExecuteUnary(ops, in)
	return t.finish(env, out, err)
}

func (t *Task) runBinary(env *Env) *Result {
	parents := t.Parents()
	if len(parents) != 2 {
		panic(errors.AssertionFailedf("%s has %d parents", t, len(parents)))
	}
	a, errA := parentStream(parents[0])
	b, errB := parentStream(parents[1])
	if errA != nil || errB != nil {
		closeAll(a, b)
		if errA != nil {
			return Failed(errA)
		}
		return Failed(errB)
	}
	if len(t.operators) == 0 {
		closeAll(a, b)
		return Failed(errors.Wrapf(operator.ErrShapeMismatch, "%s has no operators", t))
	}
	bin, ok := t.operators[0].(operator.Binary)
	if !ok {
		closeAll(a, b)
		return Failed(errors.Wrapf(operator.ErrShapeMismatch, "%s: %s is not binary", t, t.operators[0]))
	}
	rest, err := t.unaryChain(t.operators[1:])
	if err != nil {
		closeAll(a, b)
		return Failed(err)
	}
	out, err := env.Pipeline.ExecuteBinary(bin, a, b)
	if err != nil {
		return Failed(err)
	}
	out, err = env.Pipeline.ExecuteUnary(rest, out)
	return t.finish(env, out, err)
}

// runMultiple succeeds only when every parent did. Failures are combined
// into one error carrying every parent's message.
func (t *Task) runMultiple() *Result {
	var merr *multierror.Error
	for _, p := range t.Parents() {
		r := p.GetResult()
		if err := r.Err(); err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		_ = r.Discard()
	}
	if err := merr.ErrorOrNil(); err != nil {
		return Failed(Physical(err))
	}
	return Empty()
}

func (t *Task) runCompletedFolded() *Result {
	parents := t.Parents()
	if len(parents) != 1 {
		panic(errors.AssertionFailedf("%s has %d parents", t, len(parents)))
	}
	return parents[0].GetResult()
}

func closeAll(ss ...stream.RowStream) {
	for _, s := range ss {
		if s != nil {
			_ = s.Close()
		}
	}
}
