package data

import "fmt"

// DataType is the type of a column. Values of each type are carried as the
// Go type noted next to the constant; nil is null for every type.
type DataType int

const (
	Boolean DataType = iota // bool
	Integer                 // int32
	Long                    // int64
	Float                   // float32
	Double                  // float64
	Binary                  // []byte
)

func (t DataType) String() string {
	switch t {
	case Boolean:
		return "BOOLEAN"
	case Integer:
		return "INTEGER"
	case Long:
		return "LONG"
	case Float:
		return "FLOAT"
	case Double:
		return "DOUBLE"
	case Binary:
		return "BINARY"
	}
	return fmt.Sprintf("DataType(%d)", int(t))
}

// ParseDataType is the inverse of DataType.String.
func ParseDataType(s string) (DataType, error) {
	switch s {
	case "BOOLEAN":
		return Boolean, nil
	case "INTEGER":
		return Integer, nil
	case "LONG":
		return Long, nil
	case "FLOAT":
		return Float, nil
	case "DOUBLE":
		return Double, nil
	case "BINARY":
		return Binary, nil
	}
	return 0, fmt.Errorf("unknown data type %q", s)
}

// CheckValue reports whether v is a legal value for t. nil is always legal.
func CheckValue(t DataType, v any) bool {
	if v == nil {
		return true
	}
	switch t {
	case Boolean:
		_, ok := v.(bool)
		return ok
	case Integer:
		_, ok := v.(int32)
		return ok
	case Long:
		_, ok := v.(int64)
		return ok
	case Float:
		_, ok := v.(float32)
		return ok
	case Double:
		_, ok := v.(float64)
		return ok
	case Binary:
		_, ok := v.([]byte)
		return ok
	}
	return false
}

// TypeOf infers the column type of a non-nil Go value.
func TypeOf(v any) (DataType, bool) {
	switch v.(type) {
	case bool:
		return Boolean, true
	case int32:
		return Integer, true
	case int64:
		return Long, true
	case float32:
		return Float, true
	case float64:
		return Double, true
	case []byte:
		return Binary, true
	}
	return 0, false
}
