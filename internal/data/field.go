package data

import (
	"sort"
	"strings"
)

// KeyName is the reserved name of the key column that timestamps rows.
const KeyName = "key"

// KeyField describes the key column of a keyed header.
var KeyField = Field{Name: KeyName, Type: Long}

// Field is one column of a Header. Tags disambiguate series that share a
// name.
type Field struct {
	Name string
	Tags map[string]string
	Type DataType
}

// NewField returns a field with the given name and type and no tags.
func NewField(name string, t DataType) Field {
	return Field{Name: name, Type: t}
}

// FullName is the name followed by the sorted tag set, e.g.
// "cpu.usage{host=a,region=eu}". Untagged fields use the bare name.
func (f Field) FullName() string {
	if len(f.Tags) == 0 {
		return f.Name
	}
	keys := make([]string, 0, len(f.Tags))
	for k := range f.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(f.Name)
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(f.Tags[k])
	}
	sb.WriteByte('}')
	return sb.String()
}

// Equal reports whether both fields have the same full name and type.
func (f Field) Equal(o Field) bool {
	return f.Type == o.Type && f.FullName() == o.FullName()
}

// WithName returns a copy of f renamed to name; tags are kept.
func (f Field) WithName(name string) Field {
	cp := f
	cp.Name = name
	if f.Tags != nil {
		cp.Tags = make(map[string]string, len(f.Tags))
		for k, v := range f.Tags {
			cp.Tags[k] = v
		}
	}
	return cp
}

func (f Field) String() string {
	return f.FullName() + " " + f.Type.String()
}
