package task

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/hanpama/polystore/internal/data"
	"github.com/hanpama/polystore/internal/eventbus"
	"github.com/hanpama/polystore/internal/events"
	"github.com/hanpama/polystore/internal/logical"
	"github.com/hanpama/polystore/internal/operator"
	"github.com/hanpama/polystore/internal/stream"
)

// runFolded completes the incomplete root with the paths produced by the
// parents, compiles it and splices the new sub-DAG in front of the
// CompletedFolded follower. The folded task itself publishes an empty
// result; the query output reaches the follower through the new terminal.
func (t *Task) runFolded(ctx context.Context, env *Env) *Result {
	if t.Fold == nil || t.Fold.IncompleteRoot == nil {
		panic(errors.AssertionFailedf("%s has no incomplete root", t))
	}
	paths, err := t.selectedPaths()
	if err != nil {
		return Failed(err)
	}

	root := Reconstruct(t.Fold.IncompleteRoot, paths, env)
	for _, c := range env.Checkers {
		if !c.Check(root) {
			panic(errors.AssertionFailedf("%s: reconstructed tree is illegal:\n%s", t, operator.Format(root)))
		}
	}
	terminal, err := env.Planner.Compile(root)
	if err != nil {
		return Failed(errors.Wrapf(err, "%s: compile reconstructed tree", t))
	}

	follower := t.Follower()
	if follower == nil || follower.kind != KindCompletedFolded {
		panic(errors.AssertionFailedf("%s: follower %v is not a completed folded task", t, follower))
	}
	terminal.SetFollower(follower)
	follower.rebindParent(terminal)
	t.SetFollower(nil)

	leaves := Leaves(terminal)
	env.logger().Debug("folded splice",
		zap.Stringer("task", t),
		zap.Strings("paths", paths),
		zap.Int("leaves", len(leaves)),
	)
	eventbus.Publish(env.Bus, ctx, events.FoldSplice{TaskID: t.ID(), Paths: paths, NewTasks: len(leaves)})

	var storage []*Task
	for _, l := range leaves {
		switch l.kind {
		case KindStorage:
			storage = append(storage, l)
		case KindGlobal:
			env.Storage.ExecuteGlobal(l)
		case KindConstantSource:
			env.Dispatcher.Dispatch(l)
		}
	}
	if len(storage) > 0 {
		if err := env.Storage.Commit(storage); err != nil {
			// The follower is already rebound, so the failure must reach it
			// through the new sub-DAG.
			for _, l := range storage {
				if l.Complete(Failed(Physical(err))) {
					env.Dispatcher.Dispatch(l)
				}
			}
		}
	}
	return Empty()
}

// selectedPaths drains every parent's SelectedPath column into a set kept
// in first-seen order.
func (t *Task) selectedPaths() ([]string, error) {
	var (
		paths []string
		seen  = map[string]bool{}
	)
	parents := t.Parents()
	for i, p := range parents {
		s, err := parentStream(p)
		if err != nil {
			for _, rest := range parents[i+1:] {
				_ = rest.GetResult().Discard()
			}
			return nil, err
		}
		if err := drainPaths(s, func(path string) {
			if !seen[path] {
				seen[path] = true
				paths = append(paths, path)
			}
		}); err != nil {
			for _, rest := range parents[i+1:] {
				_ = rest.GetResult().Discard()
			}
			return nil, Physical(err)
		}
	}
	return paths, nil
}

// drainPaths reads the SelectedPath column batch by batch.
func drainPaths(s stream.RowStream, add func(string)) (err error) {
	bs := stream.Batches(s, stream.DefaultBatchSize, nil)
	defer func() {
		if cerr := bs.Close(); err == nil {
			err = cerr
		}
	}()
	h, err := bs.Header()
	if err != nil {
		return err
	}
	idx := h.IndexOf(operator.SelectedPathField)
	if idx < 0 {
		return nil
	}
	for {
		ok, err := bs.HasNext()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		b, err := bs.Next()
		if err != nil {
			return err
		}
		for i := 0; i < b.NumRows(); i++ {
			switch v := b.Value(idx, i).(type) {
			case nil:
			case []byte:
				add(string(v))
			default:
				add(data.FormatValue(v))
			}
		}
		b.Release()
	}
}

// Reconstruct rebuilds an incomplete tree bottom-up with the discovered
// paths. The placeholder is resolved exactly as a literal query over the
// same paths would be. Any node other than a unary rebuildable one is a
// planner defect.
func Reconstruct(root operator.Operator, paths []string, env *Env) operator.Operator {
	switch o := root.(type) {
	case *operator.ProjectWaitingForPath:
		return logical.ResolvePaths(env.Meta, paths, o.Statement)
	case operator.Unary:
		child, ok := operator.ChildOf(o.Source())
		if !ok {
			panic(errors.AssertionFailedf("cannot reconstruct %s: source is not an operator", o))
		}
		rebuilt := o.WithSource(operator.Wrap(Reconstruct(child, paths, env)))
		switch r := rebuilt.(type) {
		case *operator.Project:
			if r.NeedSelectedPath {
				return r.WithPaths(paths)
			}
		case *operator.Reorder:
			if r.NeedSelectedPath {
				return r.WithPaths(paths)
			}
		}
		return rebuilt
	}
	panic(errors.AssertionFailedf("cannot reconstruct %s", root))
}

// Leaves returns the leaf tasks reachable from terminal through parent
// edges, each once, in discovery order.
func Leaves(terminal *Task) []*Task {
	var (
		out  []*Task
		seen = map[*Task]bool{}
		walk func(*Task)
	)
	walk = func(t *Task) {
		if seen[t] {
			return
		}
		seen[t] = true
		if t.kind.IsLeaf() {
			out = append(out, t)
			return
		}
		for _, p := range t.Parents() {
			walk(p)
		}
	}
	walk(terminal)
	return out
}
