// Package sqlstore is a storage connector backed by SQLite. Values are kept
// in one long table of (unit, column, key, value) points and pivoted back
// into keyed rows on read.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"github.com/hanpama/polystore/internal/data"
	"github.com/hanpama/polystore/internal/meta"
	"github.com/hanpama/polystore/internal/operator"
	"github.com/hanpama/polystore/internal/storage"
	"github.com/hanpama/polystore/internal/stream"
)

// Type is the engine type served by this connector.
const Type = "sqlite"

// ErrTypeConflict is returned when a write disagrees with a column's type.
var ErrTypeConflict = errors.New("sqlstore: column type conflict")

const schema = `
CREATE TABLE IF NOT EXISTS columns (
	unit TEXT NOT NULL,
	full_name TEXT NOT NULL,
	name TEXT NOT NULL,
	tags TEXT,
	type INTEGER NOT NULL,
	PRIMARY KEY (unit, full_name)
);
CREATE TABLE IF NOT EXISTS points (
	unit TEXT NOT NULL,
	full_name TEXT NOT NULL,
	key INTEGER NOT NULL,
	value,
	PRIMARY KEY (unit, full_name, key)
);
CREATE INDEX IF NOT EXISTS idx_points_key ON points(unit, key);
`

// Store implements storage.Connector.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: open")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "sqlstore: create schema")
	}
	return &Store{db: db}, nil
}

// Factory opens the database named by the engine's address, or by its
// "path" parameter.
func Factory(e *meta.StorageEngine) (storage.Connector, error) {
	path := e.Address
	if p, ok := e.Params["path"]; ok {
		path = p
	}
	if path == "" {
		return nil, errors.Newf("sqlstore: engine %s has no database path", e.ID)
	}
	return Open(path)
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Columns(ctx context.Context, unit string) ([]data.Field, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, tags, type FROM columns WHERE unit = ? ORDER BY full_name`, unit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: list columns")
	}
	defer rows.Close()
	var out []data.Field
	for rows.Next() {
		var (
			name string
			tags sql.NullString
			typ  int
		)
		if err := rows.Scan(&name, &tags, &typ); err != nil {
			return nil, errors.Wrap(err, "sqlstore: scan column")
		}
		f := data.NewField(name, data.DataType(typ))
		if tags.Valid && tags.String != "" {
			if err := json.Unmarshal([]byte(tags.String), &f.Tags); err != nil {
				return nil, errors.Wrapf(err, "sqlstore: decode tags of %s", name)
			}
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) matching(ctx context.Context, unit string, patterns []string, tf operator.TagFilter) ([]data.Field, error) {
	all, err := s.Columns(ctx, unit)
	if err != nil {
		return nil, err
	}
	var out []data.Field
	for _, f := range all {
		if data.MatchAny(patterns, f.Name) && tf.Match(f.Tags) {
			out = append(out, f)
		}
	}
	return out, nil
}

// Project streams one row per point ordered by key and collapses the points
// of each key into a single row.
func (s *Store) Project(ctx context.Context, area storage.DataArea, patterns []string, tf operator.TagFilter) (stream.RowStream, error) {
	fields, err := s.matching(ctx, area.Unit, patterns, tf)
	if err != nil {
		return nil, err
	}
	h := data.NewHeader(true, fields...)
	if len(fields) == 0 {
		return stream.Empty(h), nil
	}

	args := []any{area.Unit, area.Keys.Start, area.Keys.End}
	for _, f := range fields {
		args = append(args, f.FullName())
	}
	q := `SELECT key, full_name, value FROM points
		WHERE unit = ? AND key >= ? AND key < ? AND full_name IN (?` + strings.Repeat(", ?", len(fields)-1) + `)
		ORDER BY key`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: query points")
	}

	points := stream.Generate(h, func() (data.Row, bool, error) {
		if !rows.Next() {
			return data.Row{}, false, rows.Err()
		}
		var (
			key   int64
			name  string
			value any
		)
		if err := rows.Scan(&key, &name, &value); err != nil {
			return data.Row{}, false, errors.Wrap(err, "sqlstore: scan point")
		}
		i := h.IndexOf(name)
		if i < 0 {
			return data.Row{}, false, errors.AssertionFailedf("sqlstore: unexpected column %s", name)
		}
		vals := make([]any, h.Len())
		v, err := decode(h.Field(i).Type, value)
		if err != nil {
			return data.Row{}, false, errors.Wrapf(err, "sqlstore: %s at %d", name, key)
		}
		vals[i] = v
		return data.NewRow(h, key, vals...), true, nil
	}, rows.Close)
	return stream.MergeAdjacent(points), nil
}

func (s *Store) Insert(ctx context.Context, area storage.DataArea, in stream.RowStream) (err error) {
	defer func() {
		if cerr := in.Close(); err == nil {
			err = cerr
		}
	}()
	h, err := in.Header()
	if err != nil {
		return err
	}
	if !h.HasKey() {
		return errors.New("sqlstore: inserted rows need a key")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlstore: begin")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, f := range h.Fields() {
		if err := ensureColumn(ctx, tx, area.Unit, f); err != nil {
			return err
		}
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO points (unit, full_name, key, value) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "sqlstore: prepare insert")
	}
	defer stmt.Close()
	for {
		ok, err := in.HasNext()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		r, err := in.Next()
		if err != nil {
			return err
		}
		if !area.Keys.Contains(r.Key) {
			return errors.Newf("sqlstore: key %d outside %s", r.Key, area.Keys)
		}
		for i, f := range h.Fields() {
			v := r.Value(i)
			if v == nil {
				continue
			}
			if _, err := stmt.ExecContext(ctx, area.Unit, f.FullName(), r.Key, encode(v)); err != nil {
				return errors.Wrapf(err, "sqlstore: insert %s at %d", f.FullName(), r.Key)
			}
		}
	}
	return errors.Wrap(tx.Commit(), "sqlstore: commit")
}

func ensureColumn(ctx context.Context, tx *sql.Tx, unit string, f data.Field) error {
	var typ int
	err := tx.QueryRowContext(ctx,
		`SELECT type FROM columns WHERE unit = ? AND full_name = ?`, unit, f.FullName()).Scan(&typ)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		var tags []byte
		if len(f.Tags) > 0 {
			if tags, err = json.Marshal(f.Tags); err != nil {
				return errors.Wrap(err, "sqlstore: encode tags")
			}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO columns (unit, full_name, name, tags, type) VALUES (?, ?, ?, ?, ?)`,
			unit, f.FullName(), f.Name, string(tags), int(f.Type))
		return errors.Wrapf(err, "sqlstore: create column %s", f.FullName())
	case err != nil:
		return errors.Wrapf(err, "sqlstore: look up column %s", f.FullName())
	case data.DataType(typ) != f.Type:
		return errors.Wrapf(ErrTypeConflict, "%s is %s, got %s", f.FullName(), data.DataType(typ), f.Type)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, area storage.DataArea, patterns []string, keys []meta.KeyInterval, tf operator.TagFilter) (err error) {
	fields, err := s.matching(ctx, area.Unit, patterns, tf)
	if err != nil || len(fields) == 0 {
		return err
	}
	ranges := clip(area.Keys, keys)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlstore: begin")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, f := range fields {
		for _, k := range ranges {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM points WHERE unit = ? AND full_name = ? AND key >= ? AND key < ?`,
				area.Unit, f.FullName(), k.Start, k.End); err != nil {
				return errors.Wrapf(err, "sqlstore: delete %s", f.FullName())
			}
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM columns WHERE unit = ? AND full_name = ?
			 AND NOT EXISTS (SELECT 1 FROM points WHERE unit = ? AND full_name = ?)`,
			area.Unit, f.FullName(), area.Unit, f.FullName()); err != nil {
			return errors.Wrapf(err, "sqlstore: drop column %s", f.FullName())
		}
	}
	return errors.Wrap(tx.Commit(), "sqlstore: commit")
}

// clip intersects each interval of keys with area. No intervals means the
// whole area.
func clip(area meta.KeyInterval, keys []meta.KeyInterval) []meta.KeyInterval {
	if len(keys) == 0 {
		return []meta.KeyInterval{area}
	}
	var out []meta.KeyInterval
	for _, k := range keys {
		if !k.Overlaps(area) {
			continue
		}
		out = append(out, meta.KeyInterval{Start: max(k.Start, area.Start), End: min(k.End, area.End)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

func encode(v any) any {
	switch x := v.(type) {
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	}
	return v
}

func decode(t data.DataType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case data.Boolean:
		if n, ok := v.(int64); ok {
			return n != 0, nil
		}
	case data.Integer:
		if n, ok := v.(int64); ok {
			return int32(n), nil
		}
	case data.Long:
		if n, ok := v.(int64); ok {
			return n, nil
		}
	case data.Float:
		if f, ok := v.(float64); ok {
			return float32(f), nil
		}
	case data.Double:
		if f, ok := v.(float64); ok {
			return f, nil
		}
	case data.Binary:
		switch b := v.(type) {
		case []byte:
			return append([]byte(nil), b...), nil
		case string:
			return []byte(b), nil
		}
	}
	return nil, errors.Newf("cannot read %T as %s", v, t)
}
