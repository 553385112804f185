package operator

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/hanpama/polystore/internal/data"
	"github.com/hanpama/polystore/internal/meta"
)

// TagFilter keeps fields whose tags contain every listed pair. A nil filter
// keeps everything.
type TagFilter map[string]string

// Match reports whether tags satisfy the filter.
func (tf TagFilter) Match(tags map[string]string) bool {
	for k, v := range tf {
		if tags[k] != v {
			return false
		}
	}
	return true
}

func (tf TagFilter) String() string {
	keys := make([]string, 0, len(tf))
	for k := range tf {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + tf[k]
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Filter is a row predicate carried by Select.
type Filter interface {
	Match(data.Row) (bool, error)
	String() string
}

// KeyFilter keeps rows whose key falls in Keys.
type KeyFilter struct {
	Keys meta.KeyInterval
}

func (f KeyFilter) Match(r data.Row) (bool, error) { return f.Keys.Contains(r.Key), nil }
func (f KeyFilter) String() string               { return "key in " + f.Keys.String() }

// CompareOp is a comparison in a ValueFilter.
type CompareOp string

const (
	OpEq CompareOp = "=="
	OpNe CompareOp = "!="
	OpLt CompareOp = "<"
	OpLe CompareOp = "<="
	OpGt CompareOp = ">"
	OpGe CompareOp = ">="
)

// ValueFilter compares the column named Path against a literal. Rows where
// the column is missing or null do not match.
type ValueFilter struct {
	Path  string
	Op    CompareOp
	Value any
}

func (f ValueFilter) Match(r data.Row) (bool, error) {
	v, ok := r.ValueOf(f.Path)
	if !ok || v == nil {
		return false, nil
	}
	c, err := compareValues(v, f.Value)
	if err != nil {
		return false, errors.Wrapf(err, "filter %s", f)
	}
	switch f.Op {
	case OpEq:
		return c == 0, nil
	case OpNe:
		return c != 0, nil
	case OpLt:
		return c < 0, nil
	case OpLe:
		return c <= 0, nil
	case OpGt:
		return c > 0, nil
	case OpGe:
		return c >= 0, nil
	}
	return false, errors.Newf("unknown comparison %q", f.Op)
}

func (f ValueFilter) String() string {
	return fmt.Sprintf("%s %s %s", f.Path, f.Op, data.FormatValue(f.Value))
}

// AndFilter matches when every child matches.
type AndFilter []Filter

func (f AndFilter) Match(r data.Row) (bool, error) {
	for _, c := range f {
		ok, err := c.Match(r)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (f AndFilter) String() string {
	parts := make([]string, len(f))
	for i, c := range f {
		parts[i] = c.String()
	}
	return "(" + strings.Join(parts, " && ") + ")"
}

// compareValues orders two values of compatible types. Numeric values are
// compared as float64.
func compareValues(a, b any) (int, error) {
	if x, ok := a.([]byte); ok {
		var y []byte
		switch v := b.(type) {
		case []byte:
			y = v
		case string:
			y = []byte(v)
		default:
			return 0, errors.Newf("cannot compare %T with %T", a, b)
		}
		return bytes.Compare(x, y), nil
	}
	if x, ok := a.(bool); ok {
		y, ok := b.(bool)
		if !ok {
			return 0, errors.Newf("cannot compare %T with %T", a, b)
		}
		switch {
		case x == y:
			return 0, nil
		case !x:
			return -1, nil
		}
		return 1, nil
	}
	x, ok1 := toFloat(a)
	y, ok2 := toFloat(b)
	if !ok1 || !ok2 {
		return 0, errors.Newf("cannot compare %T with %T", a, b)
	}
	switch {
	case x < y:
		return -1, nil
	case x > y:
		return 1, nil
	}
	return 0, nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}
