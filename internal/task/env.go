package task

import (
	"go.uber.org/zap"

	"github.com/hanpama/polystore/internal/eventbus"
	"github.com/hanpama/polystore/internal/meta"
	"github.com/hanpama/polystore/internal/operator"
	"github.com/hanpama/polystore/internal/stream"
)

// Pipeline runs operator chains in memory.
type Pipeline interface {
	ExecuteUnary(ops []operator.Unary, in stream.RowStream) (stream.RowStream, error)
	ExecuteBinary(op operator.Binary, a, b stream.RowStream) (stream.RowStream, error)
	Instrument(in stream.RowStream, rec stream.Recorder) stream.RowStream
}

// Planner compiles an operator tree into a task DAG and returns its
// terminal task.
type Planner interface {
	Compile(root operator.Operator) (*Task, error)
}

// StorageCommitter accepts storage leaves for execution on their units and
// runs metadata leaves.
type StorageCommitter interface {
	Commit(tasks []*Task) error
	ExecuteGlobal(t *Task)
}

// Dispatcher runs in-memory leaves, such as ConstantSource tasks, and
// propagates their completion.
type Dispatcher interface {
	Dispatch(t *Task)
}

// Checker validates a completed operator tree.
type Checker interface {
	Check(root operator.Operator) bool
}

// Env is what Run needs from the surrounding engine. Only folded tasks use
// the planner, storage, dispatcher, checkers and metadata.
type Env struct {
	Pipeline   Pipeline
	Planner    Planner
	Storage    StorageCommitter
	Dispatcher Dispatcher
	Checkers   []Checker
	Meta       *meta.Manager
	Logger     *zap.Logger
	Bus        *eventbus.Bus
}

func (e *Env) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}
