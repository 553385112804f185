// Package storage executes storage and global tasks against the storage
// engines registered in the metadata.
//
// Each engine is reached through a Connector created by the factory
// registered for the engine's type. Storage tasks are queued per storage
// unit and drained in order onto a worker pool.
package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/hanpama/polystore/internal/data"
	"github.com/hanpama/polystore/internal/meta"
	"github.com/hanpama/polystore/internal/operator"
	"github.com/hanpama/polystore/internal/stream"
)

// DataArea is the part of a storage unit a task addresses.
type DataArea struct {
	Unit string
	Keys meta.KeyInterval
}

// Connector runs fragment-bound operators on one storage engine.
// Implementations must be safe for concurrent use.
type Connector interface {
	// Project streams the columns of area matching patterns and tf, in key
	// order. Rows whose selected values are all null are omitted.
	Project(ctx context.Context, area DataArea, patterns []string, tf operator.TagFilter) (stream.RowStream, error)
	// Insert writes keyed rows into area.
	Insert(ctx context.Context, area DataArea, rows stream.RowStream) error
	// Delete removes the values of columns matching patterns within keys
	// and the area. No key intervals removes every key of the area.
	Delete(ctx context.Context, area DataArea, patterns []string, keys []meta.KeyInterval, tf operator.TagFilter) error
	// Columns lists every column stored in unit.
	Columns(ctx context.Context, unit string) ([]data.Field, error)
	Close() error
}

// Factory creates the connector of one engine.
type Factory func(engine *meta.StorageEngine) (Connector, error)

// ErrUnknownEngineType is returned for engines without a registered
// factory.
var ErrUnknownEngineType = errors.New("storage: unknown engine type")

// Registry maps engine types to connector factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register installs f for engines of type typ, replacing any previous one.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Lookup returns the factory registered for typ.
func (r *Registry) Lookup(typ string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[typ]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownEngineType, "%q (registered: %v)", typ, r.typesLocked())
	}
	return f, nil
}

func (r *Registry) typesLocked() []string {
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
