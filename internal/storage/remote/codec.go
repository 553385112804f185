package remote

import (
	"sort"

	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/hanpama/polystore/internal/data"
	"github.com/hanpama/polystore/internal/meta"
	"github.com/hanpama/polystore/internal/operator"
	"github.com/hanpama/polystore/internal/storage"
	"github.com/hanpama/polystore/internal/stream"
)

func fd(m protoreflect.Message, name protoreflect.Name) protoreflect.FieldDescriptor {
	return m.Descriptor().Fields().ByName(name)
}

func getString(m protoreflect.Message, name protoreflect.Name) string {
	return m.Get(fd(m, name)).String()
}

func getInt(m protoreflect.Message, name protoreflect.Name) int64 {
	return m.Get(fd(m, name)).Int()
}

func list(m protoreflect.Message, name protoreflect.Name) protoreflect.List {
	return m.Get(fd(m, name)).List()
}

func mutableList(m protoreflect.Message, name protoreflect.Name) protoreflect.List {
	return m.Mutable(fd(m, name)).List()
}

func getStrings(m protoreflect.Message, name protoreflect.Name) []string {
	l := list(m, name)
	if l.Len() == 0 {
		return nil
	}
	out := make([]string, l.Len())
	for i := range out {
		out[i] = l.Get(i).String()
	}
	return out
}

func setStrings(m protoreflect.Message, name protoreflect.Name, ss []string) {
	l := mutableList(m, name)
	for _, s := range ss {
		l.Append(protoreflect.ValueOfString(s))
	}
}

func setTags(m protoreflect.Message, name protoreflect.Name, tags map[string]string) {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	l := mutableList(m, name)
	for _, k := range keys {
		t := l.NewElement().Message()
		t.Set(fd(t, "key"), protoreflect.ValueOfString(k))
		t.Set(fd(t, "value"), protoreflect.ValueOfString(tags[k]))
		l.Append(protoreflect.ValueOfMessage(t))
	}
}

func getTags(m protoreflect.Message, name protoreflect.Name) map[string]string {
	l := list(m, name)
	if l.Len() == 0 {
		return nil
	}
	out := make(map[string]string, l.Len())
	for i := 0; i < l.Len(); i++ {
		t := l.Get(i).Message()
		out[getString(t, "key")] = getString(t, "value")
	}
	return out
}

func setColumns(m protoreflect.Message, name protoreflect.Name, fields []data.Field) {
	l := mutableList(m, name)
	for _, f := range fields {
		c := l.NewElement().Message()
		c.Set(fd(c, "name"), protoreflect.ValueOfString(f.Name))
		setTags(c, "tags", f.Tags)
		c.Set(fd(c, "type"), protoreflect.ValueOfEnum(protoreflect.EnumNumber(f.Type)))
		l.Append(protoreflect.ValueOfMessage(c))
	}
}

func getColumns(m protoreflect.Message, name protoreflect.Name) []data.Field {
	l := list(m, name)
	out := make([]data.Field, l.Len())
	for i := range out {
		c := l.Get(i).Message()
		f := data.NewField(getString(c, "name"), data.DataType(c.Get(fd(c, "type")).Enum()))
		f.Tags = getTags(c, "tags")
		out[i] = f
	}
	return out
}

func setValue(m protoreflect.Message, v any) error {
	var (
		name protoreflect.Name
		val  protoreflect.Value
	)
	switch x := v.(type) {
	case nil:
		return nil
	case bool:
		name, val = "bool_value", protoreflect.ValueOfBool(x)
	case int32:
		name, val = "int_value", protoreflect.ValueOfInt32(x)
	case int64:
		name, val = "long_value", protoreflect.ValueOfInt64(x)
	case float32:
		name, val = "float_value", protoreflect.ValueOfFloat32(x)
	case float64:
		name, val = "double_value", protoreflect.ValueOfFloat64(x)
	case []byte:
		name, val = "binary_value", protoreflect.ValueOfBytes(x)
	default:
		return errors.Newf("remote: cannot encode %T", v)
	}
	m.Set(fd(m, name), val)
	return nil
}

func getValue(m protoreflect.Message) any {
	f := m.WhichOneof(m.Descriptor().Oneofs().ByName("kind"))
	if f == nil {
		return nil
	}
	v := m.Get(f)
	switch f.Kind() {
	case protoreflect.BoolKind:
		return v.Bool()
	case protoreflect.Int32Kind:
		return int32(v.Int())
	case protoreflect.Int64Kind:
		return v.Int()
	case protoreflect.FloatKind:
		return float32(v.Float())
	case protoreflect.DoubleKind:
		return v.Float()
	case protoreflect.BytesKind:
		return append([]byte(nil), v.Bytes()...)
	}
	return nil
}

func appendRow(l protoreflect.List, r data.Row) error {
	m := l.NewElement().Message()
	m.Set(fd(m, "key"), protoreflect.ValueOfInt64(r.Key))
	vals := mutableList(m, "values")
	for _, v := range r.Values {
		vm := vals.NewElement().Message()
		if err := setValue(vm, v); err != nil {
			return errors.Wrapf(err, "key %d", r.Key)
		}
		vals.Append(protoreflect.ValueOfMessage(vm))
	}
	l.Append(protoreflect.ValueOfMessage(m))
	return nil
}

func getRow(h *data.Header, m protoreflect.Message) (data.Row, error) {
	vals := list(m, "values")
	if vals.Len() != h.Len() {
		return data.Row{}, errors.Newf("remote: row has %d values for %d columns", vals.Len(), h.Len())
	}
	out := make([]any, vals.Len())
	for i := range out {
		out[i] = getValue(vals.Get(i).Message())
	}
	return data.NewRow(h, getInt(m, "key"), out...), nil
}

// decodeRows reads the columns and rows of an insert request.
func decodeRows(m protoreflect.Message) (stream.RowStream, error) {
	h := data.NewHeader(true, getColumns(m, "columns")...)
	l := list(m, "rows")
	rows := make([]data.Row, l.Len())
	for i := range rows {
		r, err := getRow(h, l.Get(i).Message())
		if err != nil {
			return nil, err
		}
		rows[i] = r
	}
	return stream.FromRows(h, rows...), nil
}

func setKeyRange(m protoreflect.Message, k meta.KeyInterval) {
	m.Set(fd(m, "start"), protoreflect.ValueOfInt64(k.Start))
	m.Set(fd(m, "end"), protoreflect.ValueOfInt64(k.End))
}

func getKeyRange(m protoreflect.Message) meta.KeyInterval {
	return meta.KeyInterval{Start: getInt(m, "start"), End: getInt(m, "end")}
}

func setArea(m protoreflect.Message, a storage.DataArea) {
	am := m.Mutable(fd(m, "area")).Message()
	am.Set(fd(am, "unit"), protoreflect.ValueOfString(a.Unit))
	setKeyRange(am.Mutable(fd(am, "keys")).Message(), a.Keys)
}

func getArea(m protoreflect.Message) storage.DataArea {
	am := m.Get(fd(m, "area")).Message()
	return storage.DataArea{
		Unit: getString(am, "unit"),
		Keys: getKeyRange(am.Get(fd(am, "keys")).Message()),
	}
}

func setKeyRanges(m protoreflect.Message, name protoreflect.Name, keys []meta.KeyInterval) {
	l := mutableList(m, name)
	for _, k := range keys {
		km := l.NewElement().Message()
		setKeyRange(km, k)
		l.Append(protoreflect.ValueOfMessage(km))
	}
}

func getKeyRanges(m protoreflect.Message, name protoreflect.Name) []meta.KeyInterval {
	l := list(m, name)
	if l.Len() == 0 {
		return nil
	}
	out := make([]meta.KeyInterval, l.Len())
	for i := range out {
		out[i] = getKeyRange(l.Get(i).Message())
	}
	return out
}

func getTagFilter(m protoreflect.Message) operator.TagFilter {
	if t := getTags(m, "tag_filter"); t != nil {
		return operator.TagFilter(t)
	}
	return nil
}

func newMessage(md protoreflect.MessageDescriptor) *dynamicpb.Message {
	return dynamicpb.NewMessage(md)
}
