// Package memstore is an in-memory storage connector. Every unit holds a set
// of columns, each a key-ordered series of values.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/hanpama/polystore/internal/data"
	"github.com/hanpama/polystore/internal/meta"
	"github.com/hanpama/polystore/internal/operator"
	"github.com/hanpama/polystore/internal/storage"
	"github.com/hanpama/polystore/internal/stream"
)

// Type is the engine type served by this connector.
const Type = "memory"

// ErrTypeConflict is returned when a write disagrees with a column's type.
var ErrTypeConflict = errors.New("memstore: column type conflict")

type series struct {
	field  data.Field
	values map[int64]any
}

type unit struct {
	columns map[string]*series
}

// Store implements storage.Connector.
type Store struct {
	mu    sync.RWMutex
	units map[string]*unit
}

func New() *Store {
	return &Store{units: make(map[string]*unit)}
}

// Factory creates a fresh store per engine.
func Factory(*meta.StorageEngine) (storage.Connector, error) {
	return New(), nil
}

func (s *Store) unit(id string) *unit {
	u, ok := s.units[id]
	if !ok {
		u = &unit{columns: make(map[string]*series)}
		s.units[id] = u
	}
	return u
}

// Project copies the selected values while holding the lock, so the
// returned stream is a snapshot.
func (s *Store) Project(_ context.Context, area storage.DataArea, patterns []string, tf operator.TagFilter) (stream.RowStream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cols []*series
	if u, ok := s.units[area.Unit]; ok {
		for _, c := range u.columns {
			if data.MatchAny(patterns, c.field.Name) && tf.Match(c.field.Tags) {
				cols = append(cols, c)
			}
		}
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].field.FullName() < cols[j].field.FullName() })

	fields := make([]data.Field, len(cols))
	keySet := map[int64]bool{}
	for i, c := range cols {
		fields[i] = c.field
		for k := range c.values {
			if area.Keys.Contains(k) {
				keySet[k] = true
			}
		}
	}
	keys := make([]int64, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	h := data.NewHeader(true, fields...)
	rows := make([]data.Row, 0, len(keys))
	for _, k := range keys {
		vals := make([]any, len(cols))
		for i, c := range cols {
			vals[i] = c.values[k]
		}
		rows = append(rows, data.NewRow(h, k, vals...))
	}
	return stream.FromRows(h, rows...), nil
}

func (s *Store) Insert(_ context.Context, area storage.DataArea, rows stream.RowStream) (err error) {
	defer func() {
		if cerr := rows.Close(); err == nil {
			err = cerr
		}
	}()
	h, err := rows.Header()
	if err != nil {
		return err
	}
	if !h.HasKey() {
		return errors.New("memstore: inserted rows need a key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.unit(area.Unit)
	cols := make([]*series, h.Len())
	for i, f := range h.Fields() {
		c, ok := u.columns[f.FullName()]
		if !ok {
			c = &series{field: f, values: make(map[int64]any)}
			u.columns[f.FullName()] = c
		} else if c.field.Type != f.Type {
			return errors.Wrapf(ErrTypeConflict, "%s is %s, got %s", f.FullName(), c.field.Type, f.Type)
		}
		cols[i] = c
	}
	for {
		ok, err := rows.HasNext()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		r, err := rows.Next()
		if err != nil {
			return err
		}
		if !area.Keys.Contains(r.Key) {
			return errors.Newf("memstore: key %d outside %s", r.Key, area.Keys)
		}
		for i, c := range cols {
			if v := r.Value(i); v != nil {
				c.values[r.Key] = v
			}
		}
	}
}

func (s *Store) Delete(_ context.Context, area storage.DataArea, patterns []string, keys []meta.KeyInterval, tf operator.TagFilter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[area.Unit]
	if !ok {
		return nil
	}
	for name, c := range u.columns {
		if !data.MatchAny(patterns, c.field.Name) || !tf.Match(c.field.Tags) {
			continue
		}
		for k := range c.values {
			if area.Keys.Contains(k) && inAny(k, keys) {
				delete(c.values, k)
			}
		}
		if len(c.values) == 0 {
			delete(u.columns, name)
		}
	}
	return nil
}

// inAny reports whether k lies in one of keys. No intervals means every key.
func inAny(k int64, keys []meta.KeyInterval) bool {
	if len(keys) == 0 {
		return true
	}
	for _, ki := range keys {
		if ki.Contains(k) {
			return true
		}
	}
	return false
}

func (s *Store) Columns(_ context.Context, unitID string) ([]data.Field, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.units[unitID]
	if !ok {
		return nil, nil
	}
	out := make([]data.Field, 0, len(u.columns))
	for _, c := range u.columns {
		out = append(out, c.field)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName() < out[j].FullName() })
	return out, nil
}

func (s *Store) Close() error { return nil }
