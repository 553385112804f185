// Package meta holds the fragment, storage unit, and storage engine
// metadata that routes column and key ranges to physical storage.
package meta

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// StorageEngine is one engine instance. Type selects the connector.
type StorageEngine struct {
	ID      string
	Type    string
	Address string
	Params  map[string]string
}

// StorageUnit is a physical allocation inside one engine. A master unit
// lists its mirrors in Replicas; writes are broadcast to them.
type StorageUnit struct {
	ID       string
	EngineID string
	Replicas []string
	// Dummy units expose pre-existing data under a schema prefix and are
	// read-only.
	Dummy bool
}

// Fragment is a column interval by key interval partition stored in one
// unit.
type Fragment struct {
	ID      string
	Columns ColumnsInterval
	Keys    KeyInterval
	UnitID  string
	Dummy   bool
}

func (f *Fragment) String() string {
	return fmt.Sprintf("Fragment(%s %s x %s @%s)", f.ID, f.Columns, f.Keys, f.UnitID)
}

// KeyGroup is the set of fragments that share one key interval.
type KeyGroup struct {
	Keys      KeyInterval
	Fragments []*Fragment
}

var (
	ErrUnknownUnit   = errors.New("meta: unknown storage unit")
	ErrUnknownEngine = errors.New("meta: unknown storage engine")
	ErrNoFragment    = errors.New("meta: no fragment covers column and key")
)

// Manager stores metadata. It is safe for concurrent use.
type Manager struct {
	mu        sync.RWMutex
	engines   map[string]*StorageEngine
	units     map[string]*StorageUnit
	fragments []*Fragment
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{
		engines: map[string]*StorageEngine{},
		units:   map[string]*StorageUnit{},
	}
}

func (m *Manager) AddEngine(e *StorageEngine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engines[e.ID] = e
}

// AddUnit registers a unit. Its engine must exist.
func (m *Manager) AddUnit(u *StorageUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.engines[u.EngineID]; !ok {
		return errors.Wrapf(ErrUnknownEngine, "unit %s: engine %q", u.ID, u.EngineID)
	}
	m.units[u.ID] = u
	return nil
}

// AddFragment registers a fragment. Its unit must exist.
func (m *Manager) AddFragment(f *Fragment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[f.UnitID]
	if !ok {
		return errors.Wrapf(ErrUnknownUnit, "fragment %s: unit %q", f.ID, f.UnitID)
	}
	if u.Dummy {
		f.Dummy = true
	}
	m.fragments = append(m.fragments, f)
	return nil
}

func (m *Manager) Engine(id string) (*StorageEngine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.engines[id]
	return e, ok
}

func (m *Manager) Unit(id string) (*StorageUnit, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.units[id]
	return u, ok
}

// EngineOf resolves the engine hosting a unit.
func (m *Manager) EngineOf(unitID string) (*StorageEngine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.units[unitID]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownUnit, "%q", unitID)
	}
	e, ok := m.engines[u.EngineID]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownEngine, "%q", u.EngineID)
	}
	return e, nil
}

// Units returns every unit sorted by id.
func (m *Manager) Units() []*StorageUnit {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*StorageUnit, 0, len(m.units))
	for _, u := range m.units {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Fragments returns every fragment in registration order.
func (m *Manager) Fragments() []*Fragment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Fragment(nil), m.fragments...)
}

// FragmentsByColumnsInterval returns the non-dummy fragments intersecting ci
// grouped by key interval in ascending key order, and separately the dummy
// fragments intersecting ci.
func (m *Manager) FragmentsByColumnsInterval(ci ColumnsInterval) ([]KeyGroup, []*Fragment) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		groups []KeyGroup
		byKeys = map[KeyInterval]int{}
		dummy  []*Fragment
	)
	for _, f := range m.fragments {
		if !f.Columns.Intersects(ci) {
			continue
		}
		if f.Dummy {
			dummy = append(dummy, f)
			continue
		}
		i, ok := byKeys[f.Keys]
		if !ok {
			i = len(groups)
			byKeys[f.Keys] = i
			groups = append(groups, KeyGroup{Keys: f.Keys})
		}
		groups[i].Fragments = append(groups[i].Fragments, f)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].Keys.Start != groups[j].Keys.Start {
			return groups[i].Keys.Start < groups[j].Keys.Start
		}
		return groups[i].Keys.End < groups[j].Keys.End
	})
	for _, g := range groups {
		sort.SliceStable(g.Fragments, func(i, j int) bool {
			return g.Fragments[i].Columns.Start < g.Fragments[j].Columns.Start
		})
	}
	return groups, dummy
}

// FragmentFor routes a write of one column at one key to the writable
// fragment covering it.
func (m *Manager) FragmentFor(column string, key int64) (*Fragment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.fragments {
		if !f.Dummy && f.Keys.Contains(key) && f.Columns.Contains(column) {
			return f, nil
		}
	}
	return nil, errors.Wrapf(ErrNoFragment, "column %q key %d", column, key)
}

// WritableFragments returns the non-dummy fragments intersecting ci.
func (m *Manager) WritableFragments(ci ColumnsInterval) []*Fragment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Fragment
	for _, f := range m.fragments {
		if !f.Dummy && f.Columns.Intersects(ci) {
			out = append(out, f)
		}
	}
	return out
}
