package remote

import (
	"io"

	"github.com/jhump/protoreflect/v2/protoprint"
)

// Render writes the storage service definition as a .proto file, for
// building clients in other languages.
func Render(w io.Writer) error {
	s, err := LoadSchema()
	if err != nil {
		return err
	}
	pp := protoprint.Printer{}
	return pp.PrintProtoFile(s.File, w)
}

// ProtoPath is the import path of the rendered file.
func ProtoPath() string { return protoPath }
