// Package optimizer compiles operator trees into physical task DAGs.
//
// The optimizer is naive: it keeps the tree's shape and only fuses unary
// chains. Operators bound to a fragment become storage tasks, ShowColumns
// becomes a global task, constant sources become in-memory leaves, and every
// other operator becomes an in-memory task over the tasks of its sources.
package optimizer

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/hanpama/polystore/internal/operator"
	"github.com/hanpama/polystore/internal/task"
)

// Optimizer implements task.Planner.
type Optimizer struct {
	fuse     bool
	pushDown bool
	logger   *zap.Logger
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithFusion controls whether unary operators are appended to the chain of
// their in-memory source task instead of getting a task of their own.
func WithFusion(on bool) Option { return func(o *Optimizer) { o.fuse = on } }

// WithPushDown controls whether a Select over a plain fragment Project runs
// inside the storage task.
func WithPushDown(on bool) Option { return func(o *Optimizer) { o.pushDown = on } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(o *Optimizer) { o.logger = l } }

func New(opts ...Option) *Optimizer {
	o := &Optimizer{fuse: true, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Compile builds the DAG for root and returns its terminal task. Every
// task's follower is set to the task consuming its output.
func (o *Optimizer) Compile(root operator.Operator) (*task.Task, error) {
	if root == nil {
		return nil, errors.AssertionFailedf("compile: nil operator tree")
	}
	t, err := o.compile(root)
	if err != nil {
		return nil, err
	}
	o.logger.Debug("compiled plan", zap.Stringer("terminal", t), zap.Int("leaves", len(task.Leaves(t))))
	return t, nil
}

func (o *Optimizer) compile(op operator.Operator) (*task.Task, error) {
	switch v := op.(type) {
	case operator.Unary:
		return o.compileUnary(v)
	case operator.Binary:
		return o.compileBinary(v)
	case operator.Multiple:
		return o.compileMultiple(v)
	}
	return nil, errors.AssertionFailedf("compile: unknown operator %s", op)
}

func (o *Optimizer) compileUnary(op operator.Unary) (*task.Task, error) {
	switch src := op.Source().(type) {
	case operator.FragmentSource:
		p := task.StoragePayload{Fragment: src.Fragment, Sync: true}
		switch op.(type) {
		case *operator.Insert, *operator.Delete:
			p.NeedBroadcasting = true
		}
		return task.NewStorage([]operator.Operator{op}, p), nil
	case operator.GlobalSource:
		return task.NewGlobal(op), nil
	case operator.ConstantSource:
		return task.NewConstantSource([]operator.Operator{op}), nil
	case operator.OperatorSource:
		if src.Operator == nil {
			return nil, errors.AssertionFailedf("compile: %s has an empty operator source", op)
		}
		parent, err := o.compile(src.Operator)
		if err != nil {
			return nil, err
		}
		if o.canPushDown(op, src.Operator, parent) || o.canFuse(parent) {
			parent.Append(op)
			return parent, nil
		}
		t := task.NewUnaryMemory([]operator.Operator{op}, parent)
		parent.SetFollower(t)
		return t, nil
	case nil:
		return nil, errors.AssertionFailedf("compile: unresolved placeholder %s", op)
	}
	return nil, errors.AssertionFailedf("compile: %s has unknown source %T", op, op.Source())
}

func (o *Optimizer) canFuse(parent *task.Task) bool {
	if !o.fuse {
		return false
	}
	switch parent.Kind() {
	case task.KindUnaryMemory, task.KindBinaryMemory, task.KindConstantSource:
		return true
	}
	return false
}

func (o *Optimizer) canPushDown(op operator.Unary, child operator.Operator, parent *task.Task) bool {
	if !o.pushDown || parent.Kind() != task.KindStorage || len(parent.Operators()) != 1 {
		return false
	}
	if _, ok := op.(*operator.Select); !ok {
		return false
	}
	p, ok := child.(*operator.Project)
	return ok && p.TagFilter == nil
}

func (o *Optimizer) compileBinary(op operator.Binary) (*task.Task, error) {
	var parents [2]*task.Task
	for i, src := range []operator.Source{op.SourceA(), op.SourceB()} {
		child, ok := operator.ChildOf(src)
		if !ok {
			return nil, errors.AssertionFailedf("compile: %s source %d is not an operator", op, i)
		}
		p, err := o.compile(child)
		if err != nil {
			return nil, err
		}
		parents[i] = p
	}
	t := task.NewBinaryMemory([]operator.Operator{op}, parents[0], parents[1])
	parents[0].SetFollower(t)
	parents[1].SetFollower(t)
	return t, nil
}

func (o *Optimizer) compileMultiple(op operator.Multiple) (*task.Task, error) {
	var parents []*task.Task
	for i, src := range op.Sources() {
		child, ok := operator.ChildOf(src)
		if !ok {
			return nil, errors.AssertionFailedf("compile: %s source %d is not an operator", op, i)
		}
		p, err := o.compile(child)
		if err != nil {
			return nil, err
		}
		parents = append(parents, p)
	}
	if len(parents) == 0 {
		return nil, errors.AssertionFailedf("compile: %s has no sources", op)
	}
	switch v := op.(type) {
	case *operator.Folded:
		folded, completed := task.NewFolded(v, parents)
		for _, p := range parents {
			p.SetFollower(folded)
		}
		return completed, nil
	default:
		t := task.NewMultipleMemory([]operator.Operator{op}, parents)
		for _, p := range parents {
			p.SetFollower(t)
		}
		return t, nil
	}
}
