package data

import (
	"fmt"
	"strings"
)

// Row is one tuple of a stream. Values are positional against Header's
// fields; Key is meaningful only when the header has a key.
type Row struct {
	Header *Header
	Key    int64
	Values []any
}

// NewRow builds a keyed row.
func NewRow(h *Header, key int64, values ...any) Row {
	return Row{Header: h, Key: key, Values: values}
}

// NewUnkeyedRow builds a row for a header without key.
func NewUnkeyedRow(h *Header, values ...any) Row {
	return Row{Header: h, Values: values}
}

// Value returns the i-th value, nil when out of range.
func (r Row) Value(i int) any {
	if i < 0 || i >= len(r.Values) {
		return nil
	}
	return r.Values[i]
}

// ValueOf returns the value of the field with the given full name.
func (r Row) ValueOf(fullName string) (any, bool) {
	i := r.Header.IndexOf(fullName)
	if i < 0 {
		return nil, false
	}
	return r.Value(i), true
}

// AllNull reports whether every value is null. A row without values is
// considered all null.
func (r Row) AllNull() bool {
	for _, v := range r.Values {
		if v != nil {
			return false
		}
	}
	return true
}

func (r Row) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	if r.Header != nil && r.Header.HasKey() {
		fmt.Fprintf(&sb, "%d", r.Key)
	}
	for i, v := range r.Values {
		if i > 0 || (r.Header != nil && r.Header.HasKey()) {
			sb.WriteString(", ")
		}
		sb.WriteString(FormatValue(v))
	}
	sb.WriteByte(')')
	return sb.String()
}

// FormatValue renders a value for display. Binary values print as text.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}
