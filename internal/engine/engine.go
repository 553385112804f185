// Package engine wires the planner, the constraint checkers, the storage
// executor and the scheduler around one metadata manager, and runs operator
// trees through them.
package engine

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/hanpama/polystore/internal/config"
	"github.com/hanpama/polystore/internal/constraint"
	"github.com/hanpama/polystore/internal/data"
	"github.com/hanpama/polystore/internal/eventbus"
	"github.com/hanpama/polystore/internal/events"
	"github.com/hanpama/polystore/internal/logical"
	"github.com/hanpama/polystore/internal/meta"
	"github.com/hanpama/polystore/internal/operator"
	"github.com/hanpama/polystore/internal/optimizer"
	"github.com/hanpama/polystore/internal/pipeline"
	"github.com/hanpama/polystore/internal/reqid"
	"github.com/hanpama/polystore/internal/scheduler"
	"github.com/hanpama/polystore/internal/storage"
	"github.com/hanpama/polystore/internal/storage/memstore"
	"github.com/hanpama/polystore/internal/storage/remote"
	"github.com/hanpama/polystore/internal/storage/sqlstore"
	"github.com/hanpama/polystore/internal/stream"
	"github.com/hanpama/polystore/internal/task"
)

// ErrIllegalPlan is returned when an operator tree fails a constraint check
// before it is compiled.
var ErrIllegalPlan = errors.New("engine: illegal plan")

// DefaultCloseTimeout bounds how long Close waits for running tasks.
const DefaultCloseTimeout = 5 * time.Second

// Engine runs operator trees against the units described by its metadata.
type Engine struct {
	meta      *meta.Manager
	pipeline  *pipeline.Executor
	planner   *optimizer.Optimizer
	structure *constraint.Manager
	checker   constraint.Checker
	storage   *storage.Executor
	sched     *scheduler.Scheduler
	logger    *zap.Logger
	bus       *eventbus.Bus
}

type options struct {
	logger      *zap.Logger
	bus         *eventbus.Bus
	registry    *storage.Registry
	checker     string
	optimizer   []optimizer.Option
	schedSize   int
	storageSize int
	remote      []remote.Option
}

// Option configures an Engine.
type Option func(*options)

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

func WithBus(b *eventbus.Bus) Option { return func(o *options) { o.bus = b } }

// WithRegistry replaces the connector registry. The default registers the
// memory, sqlite and remote engine types.
func WithRegistry(r *storage.Registry) Option { return func(o *options) { o.registry = r } }

// WithChecker selects the constraint checker by its registered name.
func WithChecker(name string) Option { return func(o *options) { o.checker = name } }

func WithOptimizer(opts ...optimizer.Option) Option {
	return func(o *options) { o.optimizer = append(o.optimizer, opts...) }
}

// WithPoolSizes sets the scheduler and storage worker counts. Zero keeps
// the default.
func WithPoolSizes(scheduler, storage int) Option {
	return func(o *options) { o.schedSize, o.storageSize = scheduler, storage }
}

// WithRemote configures connectors created for remote engines.
func WithRemote(opts ...remote.Option) Option {
	return func(o *options) { o.remote = append(o.remote, opts...) }
}

// DefaultRegistry returns a registry with every built-in engine type.
func DefaultRegistry(remoteOpts ...remote.Option) *storage.Registry {
	r := storage.NewRegistry()
	r.Register(memstore.Type, memstore.Factory)
	r.Register(sqlstore.Type, sqlstore.Factory)
	r.Register(remote.Type, remote.NewFactory(remoteOpts...))
	return r
}

// New builds an engine over m.
func New(m *meta.Manager, opts ...Option) (*Engine, error) {
	o := &options{logger: zap.NewNop(), checker: "naive"}
	for _, f := range opts {
		f(o)
	}
	if o.registry == nil {
		o.registry = DefaultRegistry(append([]remote.Option{remote.WithLogger(o.logger), remote.WithBus(o.bus)}, o.remote...)...)
	}
	checker, err := constraint.Lookup(o.checker)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		meta:      m,
		pipeline:  pipeline.New(),
		planner:   optimizer.New(append([]optimizer.Option{optimizer.WithLogger(o.logger)}, o.optimizer...)...),
		structure: constraint.NewManager(m),
		checker:   checker,
		logger:    o.logger,
		bus:       o.bus,
	}

	sopts := []storage.Option{storage.WithLogger(o.logger), storage.WithBus(o.bus)}
	if o.storageSize > 0 {
		sopts = append(sopts, storage.WithPoolSize(o.storageSize))
	}
	e.storage, err = storage.New(m, o.registry, e.pipeline, sopts...)
	if err != nil {
		return nil, err
	}

	env := task.Env{
		Pipeline: e.pipeline,
		Planner:  e.planner,
		Storage:  e.storage,
		Checkers: []task.Checker{e.structure, e.checker},
		Meta:     m,
		Logger:   o.logger,
		Bus:      o.bus,
	}
	schedOpts := []scheduler.Option{scheduler.WithLogger(o.logger), scheduler.WithBus(o.bus)}
	if o.schedSize > 0 {
		schedOpts = append(schedOpts, scheduler.WithPoolSize(o.schedSize))
	}
	e.sched, err = scheduler.New(env, schedOpts...)
	if err != nil {
		_ = e.storage.Close(DefaultCloseTimeout)
		return nil, err
	}
	e.storage.SetDispatcher(e.sched)
	return e, nil
}

// FromConfig builds the metadata described by cfg and an engine over it.
func FromConfig(cfg *config.Config, opts ...Option) (*Engine, error) {
	m, err := cfg.Metadata()
	if err != nil {
		return nil, err
	}
	base := []Option{
		WithChecker(cfg.Constraint),
		WithOptimizer(optimizer.WithFusion(cfg.Optimizer.Fusion), optimizer.WithPushDown(cfg.Optimizer.PushDown)),
		WithPoolSizes(cfg.Scheduler.PoolSize, cfg.Storage.PoolSize),
		WithRemote(
			remote.WithMaxConnsPerEndpoint(cfg.Remote.MaxConnsPerEndpoint),
			remote.WithRPCTimeout(cfg.Remote.RPCTimeout),
		),
	}
	return New(m, append(base, opts...)...)
}

// Meta returns the metadata the engine plans against.
func (e *Engine) Meta() *meta.Manager { return e.meta }

// Check runs the structural check and the configured checker on root.
func (e *Engine) Check(root operator.Operator) error {
	if err := e.structure.Validate(root); err != nil {
		return errors.Mark(err, ErrIllegalPlan)
	}
	if !e.checker.Check(root) {
		return errors.Wrapf(ErrIllegalPlan, "rejected by checker")
	}
	return nil
}

// Submit checks and compiles root and starts its leaves. It returns the
// terminal task without waiting for it.
func (e *Engine) Submit(ctx context.Context, root operator.Operator) (*task.Task, error) {
	if err := e.Check(root); err != nil {
		return nil, err
	}
	terminal, err := e.planner.Compile(root)
	if err != nil {
		return nil, err
	}
	if err := e.sched.Start(terminal); err != nil {
		return nil, err
	}
	return terminal, nil
}

// Execute runs root to completion and returns its output stream, which the
// caller must close. Trees without output return a nil stream.
func (e *Engine) Execute(ctx context.Context, root operator.Operator) (rs stream.RowStream, err error) {
	ctx, id := reqid.Ensure(ctx)
	start := time.Now()
	eventbus.Publish(e.bus, ctx, events.QueryStart{QueryID: id, Plan: operator.Format(root)})
	defer func() {
		eventbus.Publish(e.bus, ctx, events.QueryFinish{QueryID: id, Err: err, Duration: time.Since(start)})
		if err != nil {
			e.logger.Debug("query failed", zap.String("query", id), zap.Error(err))
		}
	}()

	terminal, err := e.Submit(ctx, root)
	if err != nil {
		return nil, err
	}
	r, err := terminal.Await(ctx)
	if err != nil {
		// The DAG keeps running; close its output once it lands.
		go func() { _ = terminal.GetResult().Discard() }()
		return nil, errors.Wrapf(err, "query %s", id)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return r.TakeStream(), nil
}

// Query runs a literal path query.
func (e *Engine) Query(ctx context.Context, q logical.Query) (stream.RowStream, error) {
	root, err := logical.BuildQuery(e.meta, q)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, root)
}

// Folded runs a query whose paths are produced by a sub-query.
func (e *Engine) Folded(ctx context.Context, q logical.FoldedQuery) (stream.RowStream, error) {
	root, err := logical.BuildFolded(e.meta, q)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, root)
}

// Insert writes rows to the fragments covering them and waits for every
// write.
func (e *Engine) Insert(ctx context.Context, h *data.Header, rows []data.Row) error {
	root, err := logical.BuildInsert(e.meta, h, rows)
	if err != nil {
		return err
	}
	return e.discard(e.Execute(ctx, root))
}

// InsertAsync queues the writes and returns without waiting. The returned
// tasks complete once their unit applied them.
func (e *Engine) InsertAsync(ctx context.Context, h *data.Header, rows []data.Row) ([]*task.Task, error) {
	root, err := logical.BuildInsert(e.meta, h, rows)
	if err != nil {
		return nil, err
	}
	if err := e.Check(root); err != nil {
		return nil, err
	}
	terminal, err := e.planner.Compile(root)
	if err != nil {
		return nil, err
	}
	leaves := task.Leaves(terminal)
	for _, l := range leaves {
		if l.Storage != nil {
			l.Storage.Sync = false
		}
	}
	if err := e.sched.Start(terminal); err != nil {
		return nil, err
	}
	return leaves, nil
}

// Delete removes the matching columns within keys. No keys means every key.
func (e *Engine) Delete(ctx context.Context, patterns []string, keys []meta.KeyInterval, tf operator.TagFilter) error {
	root, err := logical.BuildDelete(e.meta, patterns, keys, tf)
	if err != nil {
		return err
	}
	return e.discard(e.Execute(ctx, root))
}

// ShowColumns lists the columns matching patterns across every unit.
func (e *Engine) ShowColumns(ctx context.Context, patterns []string, tf operator.TagFilter) (stream.RowStream, error) {
	return e.Execute(ctx, logical.BuildShowColumns(patterns, tf))
}

func (e *Engine) discard(rs stream.RowStream, err error) error {
	if err != nil {
		return err
	}
	if rs != nil {
		return rs.Close()
	}
	return nil
}

// Close stops the scheduler and the storage executor. A zero timeout uses
// DefaultCloseTimeout.
func (e *Engine) Close(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultCloseTimeout
	}
	var merr *multierror.Error
	if err := e.storage.Close(timeout); err != nil {
		merr = multierror.Append(merr, err)
	}
	if err := e.sched.Close(timeout); err != nil {
		merr = multierror.Append(merr, err)
	}
	return merr.ErrorOrNil()
}
