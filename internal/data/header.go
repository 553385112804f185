package data

import (
	"strings"
	"sync"
)

// Header is the ordered schema of a row stream. A keyed header carries the
// reserved key column in addition to its fields; the key is not part of
// Fields.
type Header struct {
	hasKey bool
	fields []Field
	index  map[string]int

	mu           sync.Mutex
	patternCache map[string][]int
}

// EmptyHeader has no key and no fields.
var EmptyHeader = NewHeader(false)

// NewHeader builds a header. When two fields share a full name the first
// wins for IndexOf.
func NewHeader(hasKey bool, fields ...Field) *Header {
	h := &Header{
		hasKey: hasKey,
		fields: append([]Field(nil), fields...),
		index:  make(map[string]int, len(fields)),
	}
	for i, f := range h.fields {
		if _, ok := h.index[f.FullName()]; !ok {
			h.index[f.FullName()] = i
		}
	}
	return h
}

// HasKey reports whether rows under this header carry a key.
func (h *Header) HasKey() bool { return h.hasKey }

// Len is the number of non-key fields.
func (h *Header) Len() int { return len(h.fields) }

// Field returns the i-th non-key field.
func (h *Header) Field(i int) Field { return h.fields[i] }

// Fields returns a copy of the non-key fields.
func (h *Header) Fields() []Field { return append([]Field(nil), h.fields...) }

// IndexOf returns the position of the field with the given full name, or -1.
func (h *Header) IndexOf(fullName string) int {
	if i, ok := h.index[fullName]; ok {
		return i
	}
	return -1
}

// PatternIndexOf returns the positions of every field whose name matches
// pattern, in header order. Results are cached per pattern.
func (h *Header) PatternIndexOf(pattern string) []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if idx, ok := h.patternCache[pattern]; ok {
		return idx
	}
	var idx []int
	for i, f := range h.fields {
		if MatchPath(pattern, f.Name) {
			idx = append(idx, i)
		}
	}
	if h.patternCache == nil {
		h.patternCache = make(map[string][]int)
	}
	h.patternCache[pattern] = idx
	return idx
}

// Project returns the header restricted to fields matching any pattern, in
// header order, together with the source positions of the kept fields. When
// remainKey is set, fields named "<prefix>.key" are kept as well.
func (h *Header) Project(patterns []string, remainKey bool) (*Header, []int) {
	var (
		fields []Field
		idx    []int
	)
	for i, f := range h.fields {
		if (remainKey && strings.HasSuffix(f.Name, "."+KeyName)) || MatchAny(patterns, f.Name) {
			fields = append(fields, f)
			idx = append(idx, i)
		}
	}
	return NewHeader(h.hasKey, fields...), idx
}

// Equal compares key presence and fields.
func (h *Header) Equal(o *Header) bool {
	if h == o {
		return true
	}
	if h == nil || o == nil || h.hasKey != o.hasKey || len(h.fields) != len(o.fields) {
		return false
	}
	for i := range h.fields {
		if !h.fields[i].Equal(o.fields[i]) {
			return false
		}
	}
	return true
}

func (h *Header) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	if h.hasKey {
		sb.WriteString(KeyName)
	}
	for i, f := range h.fields {
		if i > 0 || h.hasKey {
			sb.WriteString(", ")
		}
		sb.WriteString(f.String())
	}
	sb.WriteByte(']')
	return sb.String()
}
