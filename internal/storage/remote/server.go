package remote

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/hanpama/polystore/internal/storage"
	"github.com/hanpama/polystore/internal/stream"
)

// Server exposes a storage.Connector as the storage service.
type Server struct {
	conn   storage.Connector
	schema *Schema
	logger *zap.Logger
	chunk  int
}

// ServerOption configures a Server.
type ServerOption func(*Server)

func WithServerLogger(l *zap.Logger) ServerOption { return func(s *Server) { s.logger = l } }

// WithServerChunkSize sets how many rows each Project response carries.
func WithServerChunkSize(n int) ServerOption { return func(s *Server) { s.chunk = n } }

func NewServer(conn storage.Connector, opts ...ServerOption) (*Server, error) {
	schema, err := LoadSchema()
	if err != nil {
		return nil, errors.Wrap(err, "remote: build schema")
	}
	s := &Server{conn: conn, schema: schema, logger: zap.NewNop(), chunk: 512}
	for _, o := range opts {
		o(s)
	}
	if s.chunk <= 0 {
		s.chunk = 512
	}
	return s, nil
}

// Register adds the storage service to r.
func (s *Server) Register(r grpc.ServiceRegistrar) {
	r.RegisterService(s.serviceDesc(), s)
}

func (s *Server) serviceDesc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Insert", Handler: s.unary(s.schema.Insert, s.insert)},
			{MethodName: "Delete", Handler: s.unary(s.schema.Delete, s.delete)},
			{MethodName: "Columns", Handler: s.unary(s.schema.Columns, s.columns)},
		},
		Streams: []grpc.StreamDesc{
			{StreamName: "Project", Handler: s.project, ServerStreams: true},
		},
		Metadata: protoPath,
	}
}

type unaryHandler func(ctx context.Context, req *dynamicpb.Message) (*dynamicpb.Message, error)

func (s *Server) unary(md protoreflect.MethodDescriptor, h unaryHandler) grpc.MethodHandler {
	return func(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newMessage(md.Input())
		if err := dec(in); err != nil {
			return nil, err
		}
		handler := func(ctx context.Context, req any) (any, error) {
			out, err := h(ctx, req.(*dynamicpb.Message))
			if err != nil {
				s.logger.Warn("storage call failed", zap.String("method", string(md.Name())), zap.Error(err))
				return nil, toStatus(err)
			}
			return out, nil
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: s, FullMethod: fullMethod(md)}, handler)
	}
}

func (s *Server) insert(ctx context.Context, req *dynamicpb.Message) (*dynamicpb.Message, error) {
	rows, err := decodeRows(req)
	if err != nil {
		return nil, err
	}
	if err := s.conn.Insert(ctx, getArea(req), rows); err != nil {
		return nil, err
	}
	return newMessage(s.schema.Insert.Output()), nil
}

func (s *Server) delete(ctx context.Context, req *dynamicpb.Message) (*dynamicpb.Message, error) {
	err := s.conn.Delete(ctx, getArea(req), getStrings(req, "patterns"), getKeyRanges(req, "keys"), getTagFilter(req))
	if err != nil {
		return nil, err
	}
	return newMessage(s.schema.Delete.Output()), nil
}

func (s *Server) columns(ctx context.Context, req *dynamicpb.Message) (*dynamicpb.Message, error) {
	fields, err := s.conn.Columns(ctx, getString(req, "unit"))
	if err != nil {
		return nil, err
	}
	out := newMessage(s.schema.Columns.Output())
	setColumns(out, "columns", fields)
	return out, nil
}

func (s *Server) project(_ any, ss grpc.ServerStream) error {
	md := s.schema.Project
	req := newMessage(md.Input())
	if err := ss.RecvMsg(req); err != nil {
		return err
	}
	rs, err := s.conn.Project(ss.Context(), getArea(req), getStrings(req, "patterns"), getTagFilter(req))
	if err != nil {
		return toStatus(err)
	}
	// Each batch becomes one response.
	bs := stream.Batches(rs, s.chunk, nil)
	defer bs.Close()
	h, err := bs.Header()
	if err != nil {
		return toStatus(err)
	}
	head := newMessage(md.Output())
	setColumns(head, "columns", h.Fields())
	if err := ss.SendMsg(head); err != nil {
		return err
	}

	for {
		ok, err := bs.HasNext()
		if err != nil {
			return toStatus(err)
		}
		if !ok {
			return nil
		}
		b, err := bs.Next()
		if err != nil {
			return toStatus(err)
		}
		if err := s.sendBatch(ss, b); err != nil {
			return err
		}
	}
}

func (s *Server) sendBatch(ss grpc.ServerStream, b *stream.Batch) error {
	defer b.Release()
	chunk := newMessage(s.schema.Project.Output())
	rows := mutableList(chunk, "rows")
	for i := 0; i < b.NumRows(); i++ {
		if err := appendRow(rows, b.Row(i)); err != nil {
			return toStatus(err)
		}
	}
	return ss.SendMsg(chunk)
}

func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Unknown
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}
