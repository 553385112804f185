// Package scheduler drives a task DAG to completion on a shared worker
// pool.
//
// Leaves are started by Start; every other task runs once the last of its
// parents completed. A completed task notifies its follower and, when that
// notification made the follower runnable, runs it on the same worker.
package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/hanpama/polystore/internal/eventbus"
	"github.com/hanpama/polystore/internal/events"
	"github.com/hanpama/polystore/internal/task"
)

// DefaultPoolSize is the number of workers used when none is configured.
const DefaultPoolSize = 64

// Scheduler implements task.Dispatcher.
type Scheduler struct {
	pool   *ants.Pool
	env    *task.Env
	ctx    context.Context
	logger *zap.Logger
	bus    *eventbus.Bus
	size   int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPoolSize sets the number of workers.
func WithPoolSize(n int) Option { return func(s *Scheduler) { s.size = n } }

func WithLogger(l *zap.Logger) Option { return func(s *Scheduler) { s.logger = l } }

func WithBus(b *eventbus.Bus) Option { return func(s *Scheduler) { s.bus = b } }

// WithContext sets the context tasks run and publish events with.
func WithContext(ctx context.Context) Option { return func(s *Scheduler) { s.ctx = ctx } }

// New creates a scheduler running tasks with env. The scheduler installs
// itself as env's dispatcher.
func New(env task.Env, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		ctx:    context.Background(),
		logger: zap.NewNop(),
		size:   DefaultPoolSize,
	}
	for _, o := range opts {
		o(s)
	}
	pool, err := ants.NewPool(s.size, ants.WithPanicHandler(func(v any) {
		s.logger.Error("scheduler worker panic", zap.Any("value", v))
	}))
	if err != nil {
		return nil, errors.Wrap(err, "scheduler: create pool")
	}
	s.pool = pool
	env.Dispatcher = s
	if env.Logger == nil {
		env.Logger = s.logger
	}
	if env.Bus == nil {
		env.Bus = s.bus
	}
	s.env = &env
	return s, nil
}

// Env returns the environment tasks run with.
func (s *Scheduler) Env() *task.Env { return s.env }

// Start launches every leaf of the DAG ending in terminal. Storage leaves
// are committed to the storage executor in one batch.
func (s *Scheduler) Start(terminal *task.Task) error {
	var storage []*task.Task
	for _, l := range task.Leaves(terminal) {
		switch l.Kind() {
		case task.KindStorage:
			storage = append(storage, l)
		case task.KindGlobal:
			s.env.Storage.ExecuteGlobal(l)
		case task.KindConstantSource:
			s.Dispatch(l)
		}
	}
	if len(storage) == 0 {
		return nil
	}
	return s.env.Storage.Commit(storage)
}

// Dispatch runs t on a worker. A task that already carries a result is not
// run again; its completion is propagated.
func (s *Scheduler) Dispatch(t *task.Task) {
	if err := s.pool.Submit(func() { s.drive(t) }); err != nil {
		s.logger.Warn("scheduler pool rejected task, running inline", zap.Stringer("task", t), zap.Error(err))
		s.drive(t)
	}
}

// drive runs t and then every follower it makes runnable.
func (s *Scheduler) drive(t *task.Task) {
	for t != nil {
		select {
		case <-t.Done():
		default:
			t.Complete(s.run(t))
		}
		next := t.Follower()
		if next == nil || !next.NotifyParentReady() {
			return
		}
		t = next
	}
}

func (s *Scheduler) run(t *task.Task) (r *task.Result) {
	start := time.Now()
	eventbus.Publish(s.env.Bus, s.ctx, events.TaskStart{TaskID: t.ID(), Kind: t.Kind().String()})
	defer func() {
		if v := recover(); v != nil {
			err := recovered(v)
			s.logger.Error("task panicked", zap.Stringer("task", t), zap.Error(err))
			r = task.Failed(err)
		}
		eventbus.Publish(s.env.Bus, s.ctx, events.TaskFinish{
			TaskID:   t.ID(),
			Kind:     t.Kind().String(),
			Err:      r.Err(),
			Duration: time.Since(start),
		})
	}()
	return t.Run(s.ctx, s.env)
}

func recovered(v any) error {
	if err, ok := v.(error); ok {
		if errors.IsAssertionFailure(err) {
			return err
		}
		return errors.HandleAsAssertionFailure(err)
	}
	return errors.AssertionFailedf("panic: %v", v)
}

// Running reports the number of busy workers.
func (s *Scheduler) Running() int { return s.pool.Running() }

// Close releases the pool, waiting up to timeout for running tasks.
func (s *Scheduler) Close(timeout time.Duration) error {
	return s.pool.ReleaseTimeout(timeout)
}
