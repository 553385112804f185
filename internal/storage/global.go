package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hanpama/polystore/internal/data"
	"github.com/hanpama/polystore/internal/eventbus"
	"github.com/hanpama/polystore/internal/events"
	"github.com/hanpama/polystore/internal/meta"
	"github.com/hanpama/polystore/internal/operator"
	"github.com/hanpama/polystore/internal/stream"
	"github.com/hanpama/polystore/internal/task"
)

// ColumnsHeader is the header of ShowColumns output.
var ColumnsHeader = data.NewHeader(false,
	data.NewField("path", data.Binary),
	data.NewField("type", data.Binary),
)

// ExecuteGlobal runs a metadata task asynchronously and propagates its
// completion like a storage task.
func (e *Executor) ExecuteGlobal(t *task.Task) {
	run := func() {
		start := time.Now()
		r := e.runGlobal(t)
		eventbus.Publish(e.bus, e.ctx, events.StorageFinish{TaskID: t.ID(), Err: r.Err(), Duration: time.Since(start)})
		t.Complete(r)
		e.notify(t)
	}
	if err := e.pool.Submit(run); err != nil {
		e.logger.Warn("storage pool rejected global task, running inline", zap.Stringer("task", t), zap.Error(err))
		run()
	}
}

func (e *Executor) runGlobal(t *task.Task) *task.Result {
	ops := t.Operators()
	if len(ops) != 1 {
		return task.Failed(errors.Wrapf(operator.ErrShapeMismatch, "%s has %d operators", t, len(ops)))
	}
	show, ok := ops[0].(*operator.ShowColumns)
	if !ok {
		return task.Failed(errors.Wrapf(operator.ErrShapeMismatch, "%s: %s is not a global operator", t, ops[0]))
	}
	fields, err := e.ShowColumns(e.ctx, show.Patterns, show.TagFilter)
	if err != nil {
		return task.Failed(task.Physical(err))
	}
	rows := make([]data.Row, len(fields))
	for i, f := range fields {
		rows[i] = data.NewUnkeyedRow(ColumnsHeader, []byte(f.FullName()), []byte(f.Type.String()))
	}
	return task.Success(e.pipeline.Instrument(stream.FromRows(ColumnsHeader, rows...), t.Metrics()))
}

// ShowColumns lists the columns matching patterns and tf across every
// master unit, querying units concurrently. Columns of dummy units are
// reported under their schema prefix. The result is sorted and free of
// duplicates.
func (e *Executor) ShowColumns(ctx context.Context, patterns []string, tf operator.TagFilter) ([]data.Field, error) {
	prefixes := dummyPrefixes(e.meta)
	replicas := map[string]bool{}
	for _, u := range e.meta.Units() {
		for _, r := range u.Replicas {
			replicas[r] = true
		}
	}

	var (
		mu   sync.Mutex
		seen = map[string]data.Field{}
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, u := range e.meta.Units() {
		if replicas[u.ID] {
			continue
		}
		unit := u.ID
		g.Go(func() error {
			conn, _, err := e.Connector(unit)
			if err != nil {
				return err
			}
			fields, err := conn.Columns(gctx, unit)
			if err != nil {
				return errors.Wrapf(err, "list columns of unit %s", unit)
			}
			mu.Lock()
			defer mu.Unlock()
			for _, f := range fields {
				for _, p := range prefixes[unit] {
					col := f
					if p != "" {
						col = f.WithName(p + "." + f.Name)
					}
					if data.MatchAny(patterns, col.Name) && tf.Match(col.Tags) {
						seen[col.FullName()] = col
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]data.Field, 0, len(seen))
	for _, f := range seen {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName() < out[j].FullName() })
	return out, nil
}

// dummyPrefixes maps each unit to the name prefixes its columns are shown
// under: the schema prefixes of its dummy fragments, or no prefix.
func dummyPrefixes(m *meta.Manager) map[string][]string {
	out := map[string][]string{}
	for _, u := range m.Units() {
		out[u.ID] = []string{""}
	}
	dummy := map[string][]string{}
	for _, f := range m.Fragments() {
		if f.Dummy {
			dummy[f.UnitID] = append(dummy[f.UnitID], f.Columns.SchemaPrefix)
		}
	}
	for unit, ps := range dummy {
		out[unit] = ps
	}
	return out
}
