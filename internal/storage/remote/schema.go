// Package remote serves storage connectors over gRPC and connects to them.
//
// The wire schema is built at runtime with protobuilder, and messages are
// handled as dynamic messages on both ends, so no generated code is needed.
// Project is server-streaming: the first response carries the columns and
// every response after it carries a chunk of rows.
package remote

import (
	"sync"

	"github.com/jhump/protoreflect/v2/protobuilder"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/hanpama/polystore/internal/data"
)

// ServiceName is the fully-qualified name of the storage service.
const ServiceName = "polystore.storage.v1.StorageService"

const protoPath = "polystore/storage/v1/storage.proto"

// Schema holds the descriptors of the storage service.
type Schema struct {
	File    protoreflect.FileDescriptor
	Service protoreflect.ServiceDescriptor

	Project protoreflect.MethodDescriptor
	Insert  protoreflect.MethodDescriptor
	Delete  protoreflect.MethodDescriptor
	Columns protoreflect.MethodDescriptor
}

var (
	schemaOnce sync.Once
	schema     *Schema
	schemaErr  error
)

// LoadSchema builds the service descriptors on first use.
func LoadSchema() (*Schema, error) {
	schemaOnce.Do(func() { schema, schemaErr = buildSchema() })
	return schema, schemaErr
}

func comment(s string) protobuilder.Comments {
	return protobuilder.Comments{LeadingComment: " " + s + "\n"}
}

// numbered adds fbs to mb numbered from 1 in order.
func numbered(mb *protobuilder.MessageBuilder, fbs ...*protobuilder.FieldBuilder) *protobuilder.MessageBuilder {
	for i, fb := range fbs {
		fb.SetNumber(protoreflect.FieldNumber(i + 1))
		mb.AddField(fb)
	}
	return mb
}

func scalar(name protoreflect.Name, k protoreflect.Kind) *protobuilder.FieldBuilder {
	return protobuilder.NewField(name, protobuilder.FieldTypeScalar(k))
}

func message(name protoreflect.Name, mb *protobuilder.MessageBuilder) *protobuilder.FieldBuilder {
	return protobuilder.NewField(name, protobuilder.FieldTypeMessage(mb))
}

func repeated(fb *protobuilder.FieldBuilder) *protobuilder.FieldBuilder {
	fb.SetRepeated()
	return fb
}

func buildSchema() (*Schema, error) {
	fb := protobuilder.NewFile(protoPath)
	fb.SetPackageName("polystore.storage.v1")
	fb.SetSyntax(protoreflect.Proto3)

	columnType := protobuilder.NewEnum("ColumnType")
	for _, t := range []data.DataType{data.Boolean, data.Integer, data.Long, data.Float, data.Double, data.Binary} {
		ev := protobuilder.NewEnumValue(protoreflect.Name("COLUMN_TYPE_" + t.String()))
		ev.SetNumber(protoreflect.EnumNumber(t))
		columnType.AddValue(ev)
	}

	tag := numbered(protobuilder.NewMessage("Tag"),
		scalar("key", protoreflect.StringKind),
		scalar("value", protoreflect.StringKind),
	)
	column := numbered(protobuilder.NewMessage("Column"),
		scalar("name", protoreflect.StringKind),
		repeated(message("tags", tag)),
		protobuilder.NewField("type", protobuilder.FieldTypeEnum(columnType)),
	)

	value := protobuilder.NewMessage("Value")
	value.SetComments(comment("A value with no kind set is null."))
	kind := protobuilder.NewOneof("kind")
	for i, f := range []*protobuilder.FieldBuilder{
		scalar("bool_value", protoreflect.BoolKind),
		scalar("int_value", protoreflect.Int32Kind),
		scalar("long_value", protoreflect.Int64Kind),
		scalar("float_value", protoreflect.FloatKind),
		scalar("double_value", protoreflect.DoubleKind),
		scalar("binary_value", protoreflect.BytesKind),
	} {
		f.SetNumber(protoreflect.FieldNumber(i + 1))
		kind.AddChoice(f)
	}
	value.AddOneOf(kind)

	row := numbered(protobuilder.NewMessage("Row"),
		scalar("key", protoreflect.Int64Kind),
		repeated(message("values", value)),
	)
	keyRange := numbered(protobuilder.NewMessage("KeyRange"),
		scalar("start", protoreflect.Int64Kind),
		scalar("end", protoreflect.Int64Kind),
	)
	area := numbered(protobuilder.NewMessage("DataArea"),
		scalar("unit", protoreflect.StringKind),
		message("keys", keyRange),
	)

	projectReq := numbered(protobuilder.NewMessage("ProjectRequest"),
		message("area", area),
		repeated(scalar("patterns", protoreflect.StringKind)),
		repeated(message("tag_filter", tag)),
	)
	projectResp := numbered(protobuilder.NewMessage("ProjectResponse"),
		repeated(message("columns", column)),
		repeated(message("rows", row)),
	)
	insertReq := numbered(protobuilder.NewMessage("InsertRequest"),
		message("area", area),
		repeated(message("columns", column)),
		repeated(message("rows", row)),
	)
	insertResp := protobuilder.NewMessage("InsertResponse")
	deleteReq := numbered(protobuilder.NewMessage("DeleteRequest"),
		message("area", area),
		repeated(scalar("patterns", protoreflect.StringKind)),
		repeated(message("keys", keyRange)),
		repeated(message("tag_filter", tag)),
	)
	deleteResp := protobuilder.NewMessage("DeleteResponse")
	columnsReq := numbered(protobuilder.NewMessage("ColumnsRequest"),
		scalar("unit", protoreflect.StringKind),
	)
	columnsResp := numbered(protobuilder.NewMessage("ColumnsResponse"),
		repeated(message("columns", column)),
	)

	fb.AddEnum(columnType)
	for _, mb := range []*protobuilder.MessageBuilder{
		tag, column, value, row, keyRange, area,
		projectReq, projectResp, insertReq, insertResp,
		deleteReq, deleteResp, columnsReq, columnsResp,
	} {
		fb.AddMessage(mb)
	}

	svc := protobuilder.NewService("StorageService")
	svc.SetComments(comment("StorageService exposes one storage engine to remote executors."))
	project := protobuilder.NewMethod("Project",
		protobuilder.RpcTypeMessage(projectReq, false),
		protobuilder.RpcTypeMessage(projectResp, true),
	)
	project.SetComments(comment("Project streams the columns first, then rows in key order."))
	svc.AddMethod(project)
	svc.AddMethod(protobuilder.NewMethod("Insert",
		protobuilder.RpcTypeMessage(insertReq, false),
		protobuilder.RpcTypeMessage(insertResp, false),
	))
	svc.AddMethod(protobuilder.NewMethod("Delete",
		protobuilder.RpcTypeMessage(deleteReq, false),
		protobuilder.RpcTypeMessage(deleteResp, false),
	))
	svc.AddMethod(protobuilder.NewMethod("Columns",
		protobuilder.RpcTypeMessage(columnsReq, false),
		protobuilder.RpcTypeMessage(columnsResp, false),
	))
	fb.AddService(svc)

	fd, err := fb.Build()
	if err != nil {
		return nil, err
	}
	sd := fd.Services().ByName("StorageService")
	return &Schema{
		File:    fd,
		Service: sd,
		Project: sd.Methods().ByName("Project"),
		Insert:  sd.Methods().ByName("Insert"),
		Delete:  sd.Methods().ByName("Delete"),
		Columns: sd.Methods().ByName("Columns"),
	}, nil
}
