package storage

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/hanpama/polystore/internal/eventbus"
	"github.com/hanpama/polystore/internal/events"
	"github.com/hanpama/polystore/internal/meta"
	"github.com/hanpama/polystore/internal/operator"
	"github.com/hanpama/polystore/internal/stream"
	"github.com/hanpama/polystore/internal/task"
)

// ErrClosed is returned by Commit after Close.
var ErrClosed = errors.New("storage: executor closed")

// DefaultPoolSize is the number of storage workers used when none is
// configured.
const DefaultPoolSize = 32

// Executor implements task.StorageCommitter.
type Executor struct {
	meta     *meta.Manager
	registry *Registry
	pipeline task.Pipeline
	pool     *ants.Pool
	ctx      context.Context
	logger   *zap.Logger
	bus      *eventbus.Bus
	size     int

	mu         sync.Mutex
	dispatcher task.Dispatcher
	connectors map[string]Connector

	// sendMu guards queues against Close while tasks are being queued.
	sendMu sync.RWMutex
	queues map[string]*unitQueue
	closed bool
	wg     sync.WaitGroup
}

// Option configures an Executor.
type Option func(*Executor)

func WithPoolSize(n int) Option { return func(e *Executor) { e.size = n } }

func WithLogger(l *zap.Logger) Option { return func(e *Executor) { e.logger = l } }

func WithBus(b *eventbus.Bus) Option { return func(e *Executor) { e.bus = b } }

// WithContext sets the context connectors are called with.
func WithContext(ctx context.Context) Option { return func(e *Executor) { e.ctx = ctx } }

// New creates an executor. p runs the operators fused after a storage
// task's first operator.
func New(m *meta.Manager, registry *Registry, p task.Pipeline, opts ...Option) (*Executor, error) {
	e := &Executor{
		meta:       m,
		registry:   registry,
		pipeline:   p,
		ctx:        context.Background(),
		logger:     zap.NewNop(),
		size:       DefaultPoolSize,
		connectors: make(map[string]Connector),
		queues:     make(map[string]*unitQueue),
	}
	for _, o := range opts {
		o(e)
	}
	pool, err := ants.NewPool(e.size, ants.WithPanicHandler(func(v any) {
		e.logger.Error("storage worker panic", zap.Any("value", v))
	}))
	if err != nil {
		return nil, errors.Wrap(err, "storage: create pool")
	}
	e.pool = pool
	return e, nil
}

// SetDispatcher sets where followers of completed tasks are sent. It must
// be called before the first Commit.
func (e *Executor) SetDispatcher(d task.Dispatcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatcher = d
}

// Connector returns the connector of the engine hosting unit, creating it
// on first use.
func (e *Executor) Connector(unit string) (Connector, *meta.StorageEngine, error) {
	eng, err := e.meta.EngineOf(unit)
	if err != nil {
		return nil, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.connectors[eng.ID]; ok {
		return c, eng, nil
	}
	f, err := e.registry.Lookup(eng.Type)
	if err != nil {
		return nil, nil, err
	}
	c, err := f(eng)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "storage: connect engine %s", eng.ID)
	}
	e.connectors[eng.ID] = c
	return c, eng, nil
}

// Commit queues tasks on their units and returns without waiting for them.
// Tasks addressed to unknown units are rejected before anything is queued.
func (e *Executor) Commit(tasks []*task.Task) error {
	byUnit := map[string][]*task.Task{}
	var order []string
	for _, t := range tasks {
		if t.Kind() != task.KindStorage || t.Storage == nil {
			return errors.AssertionFailedf("storage: cannot commit %s", t)
		}
		unit := t.Storage.UnitID()
		if _, ok := e.meta.Unit(unit); !ok {
			return errors.Wrapf(meta.ErrUnknownUnit, "%s: unit %q", t, unit)
		}
		if _, ok := byUnit[unit]; !ok {
			order = append(order, unit)
		}
		byUnit[unit] = append(byUnit[unit], t)
	}
	e.sendMu.RLock()
	defer e.sendMu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	for _, unit := range order {
		e.queue(unit).push(byUnit[unit])
		eventbus.Publish(e.bus, e.ctx, events.StorageCommit{UnitID: unit, Tasks: len(byUnit[unit])})
	}
	return nil
}

// unitQueue is the unbounded FIFO of one unit. push never blocks, so pool
// workers can queue replica copies while every worker is busy.
type unitQueue struct {
	mu     sync.Mutex
	tasks  []*task.Task
	closed bool
	ready  chan struct{}
}

func newUnitQueue() *unitQueue {
	return &unitQueue{ready: make(chan struct{}, 1)}
}

func (q *unitQueue) push(ts []*task.Task) {
	q.mu.Lock()
	q.tasks = append(q.tasks, ts...)
	q.mu.Unlock()
	q.wake()
}

func (q *unitQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *unitQueue) wake() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// take returns the queued tasks in order, waiting for some. It returns false
// once the queue is closed and empty.
func (q *unitQueue) take() ([]*task.Task, bool) {
	for {
		q.mu.Lock()
		ts, closed := q.tasks, q.closed
		q.tasks = nil
		q.mu.Unlock()
		if len(ts) > 0 {
			return ts, true
		}
		if closed {
			return nil, false
		}
		<-q.ready
	}
}

// queue returns the FIFO of unit, starting its drain loop on first use.
// The caller holds sendMu for reading.
func (e *Executor) queue(unit string) *unitQueue {
	e.mu.Lock()
	defer e.mu.Unlock()
	if q, ok := e.queues[unit]; ok {
		return q
	}
	q := newUnitQueue()
	e.queues[unit] = q
	e.wg.Add(1)
	go e.drain(unit, q)
	return q
}

func (e *Executor) drain(unit string, q *unitQueue) {
	defer e.wg.Done()
	for {
		ts, ok := q.take()
		if !ok {
			return
		}
		for _, t := range ts {
			t := t
			if err := e.pool.Submit(func() { e.execute(t) }); err != nil {
				e.logger.Warn("storage pool rejected task, running inline",
					zap.String("unit", unit), zap.Stringer("task", t), zap.Error(err))
				e.execute(t)
			}
		}
	}
}

func (e *Executor) execute(t *task.Task) {
	start := time.Now()
	unit := t.Storage.UnitID()
	r, engine := e.run(t, unit)
	eventbus.Publish(e.bus, e.ctx, events.StorageFinish{
		TaskID:   t.ID(),
		UnitID:   unit,
		Engine:   engine,
		Err:      r.Err(),
		Duration: time.Since(start),
	})
	if err := r.Err(); err != nil {
		e.logger.Warn("storage task failed", zap.Stringer("task", t), zap.String("unit", unit), zap.Error(err))
	}
	t.Complete(r)

	if t.Storage.Sync {
		e.notify(t)
	}
	if t.Storage.NeedBroadcasting && r.Err() == nil {
		e.broadcast(t, unit)
	}
}

func (e *Executor) notify(t *task.Task) {
	f := t.Follower()
	if f == nil || !f.NotifyParentReady() {
		return
	}
	e.mu.Lock()
	d := e.dispatcher
	e.mu.Unlock()
	if d == nil {
		e.logger.Error("storage executor has no dispatcher", zap.Stringer("follower", f))
		return
	}
	d.Dispatch(f)
}

// broadcast sends copies of a successful write to the other units of its
// replica set. Copies are fire-and-forget.
func (e *Executor) broadcast(t *task.Task, unit string) {
	master := unit
	if t.Storage.Fragment != nil {
		master = t.Storage.Fragment.UnitID
	}
	u, ok := e.meta.Unit(master)
	if !ok {
		return
	}
	var copies []*task.Task
	for _, id := range append([]string{master}, u.Replicas...) {
		if id == unit {
			continue
		}
		copies = append(copies, task.NewStorage(t.Operators(), task.StoragePayload{
			Fragment: t.Storage.Fragment,
			Unit:     id,
		}))
		e.logger.Info("broadcasting write", zap.Stringer("task", t), zap.String("replica", id))
	}
	if len(copies) == 0 {
		return
	}
	if err := e.Commit(copies); err != nil {
		e.logger.Error("broadcast failed", zap.Stringer("task", t), zap.Error(err))
	}
}

func (e *Executor) run(t *task.Task, unit string) (*task.Result, string) {
	ops := t.Operators()
	if len(ops) == 0 {
		return task.Failed(errors.Wrapf(operator.ErrShapeMismatch, "%s has no operators", t)), ""
	}
	conn, eng, err := e.Connector(unit)
	if err != nil {
		return task.Failed(task.Physical(err)), ""
	}
	area := DataArea{Unit: unit, Keys: meta.AllKeys}
	if f := t.Storage.Fragment; f != nil && !f.Dummy {
		area.Keys = f.Keys
	}

	switch op := ops[0].(type) {
	case *operator.Project:
		s, err := conn.Project(e.ctx, area, op.Patterns, op.TagFilter)
		if err != nil {
			return task.Failed(task.Physical(errors.Wrapf(err, "%s", t))), eng.Type
		}
		rest := make([]operator.Unary, 0, len(ops)-1)
		for _, o := range ops[1:] {
			u, ok := o.(operator.Unary)
			if !ok {
				_ = s.Close()
				return task.Failed(errors.Wrapf(operator.ErrShapeMismatch, "%s: %s is not unary", t, o)), eng.Type
			}
			rest = append(rest, u)
		}
		s, err = e.pipeline.ExecuteUnary(rest, s)
		if err != nil {
			return task.Failed(err), eng.Type
		}
		return task.Success(e.pipeline.Instrument(s, t.Metrics())), eng.Type
	case *operator.Insert:
		if len(ops) > 1 {
			return task.Failed(errors.Wrapf(operator.ErrShapeMismatch, "%s: insert cannot be followed by %s", t, ops[1])), eng.Type
		}
		in := e.pipeline.Instrument(stream.FromRows(op.Header, op.Rows...), t.Metrics())
		if err := conn.Insert(e.ctx, area, in); err != nil {
			return task.Failed(task.Physical(errors.Wrapf(err, "%s", t))), eng.Type
		}
		return task.Empty(), eng.Type
	case *operator.Delete:
		if len(ops) > 1 {
			return task.Failed(errors.Wrapf(operator.ErrShapeMismatch, "%s: delete cannot be followed by %s", t, ops[1])), eng.Type
		}
		if err := conn.Delete(e.ctx, area, op.Patterns, op.Keys, op.TagFilter); err != nil {
			return task.Failed(task.Physical(errors.Wrapf(err, "%s", t))), eng.Type
		}
		return task.Empty(), eng.Type
	}
	return task.Failed(errors.Wrapf(operator.ErrShapeMismatch, "%s: %s cannot run on storage", t, ops[0])), eng.Type
}

// Close stops accepting tasks, waits for queued ones, and closes the
// connectors.
func (e *Executor) Close(timeout time.Duration) error {
	e.sendMu.Lock()
	if e.closed {
		e.sendMu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Lock()
	for _, q := range e.queues {
		q.close()
	}
	e.mu.Unlock()
	e.sendMu.Unlock()
	e.wg.Wait()

	var merr *multierror.Error
	if err := e.pool.ReleaseTimeout(timeout); err != nil {
		merr = multierror.Append(merr, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, c := range e.connectors {
		if err := c.Close(); err != nil {
			merr = multierror.Append(merr, errors.Wrapf(err, "close engine %s", id))
		}
	}
	return merr.ErrorOrNil()
}
