package meta

import (
	"fmt"
	"math"
	"strings"
)

// ColumnsInterval is the half-open column range [Start, End). An empty Start
// is unbounded below and an empty End is unbounded above. Dummy fragments
// carry a SchemaPrefix which is prepended to both bounds when matching.
type ColumnsInterval struct {
	Start        string
	End          string
	SchemaPrefix string
}

// bounds returns the effective bounds. With a schema prefix, unbounded
// sides are limited to the columns under that prefix.
func (c ColumnsInterval) bounds() (start, end string) {
	if c.SchemaPrefix == "" {
		return c.Start, c.End
	}
	start, end = c.SchemaPrefix+"."+c.Start, c.SchemaPrefix+"."+c.End
	if c.End == "" {
		end = c.SchemaPrefix + ".\xff"
	}
	return start, end
}

// Contains reports whether column falls in the interval. A pattern is
// contained when its literal prefix is.
func (c ColumnsInterval) Contains(column string) bool {
	lo, hi := PathBounds(column)
	return c.Intersects(ColumnsInterval{Start: lo, End: hi})
}

// Intersects reports whether the two intervals share at least one column.
// o is compared without schema prefix.
func (c ColumnsInterval) Intersects(o ColumnsInterval) bool {
	start, end := c.bounds()
	if end != "" && o.Start != "" && o.Start >= end {
		return false
	}
	if start != "" && o.End != "" && o.End <= start {
		return false
	}
	return true
}

func (c ColumnsInterval) String() string {
	s := fmt.Sprintf("[%s, %s)", boundString(c.Start, "-inf"), boundString(c.End, "+inf"))
	if c.SchemaPrefix != "" {
		return c.SchemaPrefix + ":" + s
	}
	return s
}

func boundString(b, unbounded string) string {
	if b == "" {
		return unbounded
	}
	return b
}

// PathBounds returns the half-open column range a path or pattern covers.
// A literal path covers only itself; a pattern covers every column sharing
// its literal prefix.
func PathBounds(path string) (lo, hi string) {
	if i := strings.IndexByte(path, '*'); i >= 0 {
		prefix := path[:i]
		if prefix == "" {
			return "", ""
		}
		return prefix, prefix + "\xff"
	}
	return path, path + "\x00"
}

// IntervalOf is the smallest interval covering every path. An empty list
// yields the unbounded interval.
func IntervalOf(paths []string) ColumnsInterval {
	if len(paths) == 0 {
		return ColumnsInterval{}
	}
	lo, hi := PathBounds(paths[0])
	loOpen, hiOpen := lo == "", hi == ""
	for _, p := range paths[1:] {
		l, h := PathBounds(p)
		if l == "" {
			loOpen = true
		} else if l < lo {
			lo = l
		}
		if h == "" {
			hiOpen = true
		} else if h > hi {
			hi = h
		}
	}
	if loOpen {
		lo = ""
	}
	if hiOpen {
		hi = ""
	}
	return ColumnsInterval{Start: lo, End: hi}
}

// KeyInterval is the half-open key range [Start, End).
type KeyInterval struct {
	Start int64
	End   int64
}

// AllKeys covers every key.
var AllKeys = KeyInterval{Start: math.MinInt64, End: math.MaxInt64}

// Contains reports whether key falls in the interval.
func (k KeyInterval) Contains(key int64) bool {
	return key >= k.Start && key < k.End
}

// Overlaps reports whether the intervals share a key.
func (k KeyInterval) Overlaps(o KeyInterval) bool {
	return k.Start < o.End && o.Start < k.End
}

func (k KeyInterval) String() string {
	start, end := fmt.Sprint(k.Start), fmt.Sprint(k.End)
	if k.Start == math.MinInt64 {
		start = "-inf"
	}
	if k.End == math.MaxInt64 {
		end = "+inf"
	}
	return "[" + start + ", " + end + ")"
}
