package remote_test

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"

	"github.com/hanpama/polystore/internal/data"
	"github.com/hanpama/polystore/internal/eventbus"
	"github.com/hanpama/polystore/internal/events"
	"github.com/hanpama/polystore/internal/meta"
	"github.com/hanpama/polystore/internal/storage"
	"github.com/hanpama/polystore/internal/storage/memstore"
	"github.com/hanpama/polystore/internal/storage/remote"
	"github.com/hanpama/polystore/internal/storage/storagetest"
	"github.com/hanpama/polystore/internal/stream"
)

// serve starts a storage service backed by a fresh memstore and returns its
// address.
func serve(t *testing.T, opts ...remote.ServerOption) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv, err := remote.NewServer(memstore.New(), opts...)
	require.NoError(t, err)
	g := grpc.NewServer()
	srv.Register(g)
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(g.Stop)
	return lis.Addr().String()
}

func dial(t *testing.T, addr string, opts ...remote.Option) *remote.Client {
	t.Helper()
	opts = append([]remote.Option{
		remote.WithProvider(remote.NewStaticEndpoints(map[string][]string{remote.ServiceName: {addr}})),
	}, opts...)
	c, err := remote.New(opts...)
	require.NoError(t, err)
	return c
}

func TestConnector(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Connector {
		// Small chunks so multi-message streams and inserts are exercised.
		return dial(t, serve(t, remote.WithServerChunkSize(2)), remote.WithChunkSize(2))
	})
}

func TestEvents(t *testing.T) {
	bus := eventbus.New()
	var (
		mu       sync.Mutex
		started  []string
		finished []codes.Code
	)
	eventbus.Subscribe(bus, func(_ context.Context, e events.GRPCClientStart) {
		mu.Lock()
		defer mu.Unlock()
		started = append(started, e.Method)
	})
	eventbus.Subscribe(bus, func(_ context.Context, e events.GRPCClientFinish) {
		mu.Lock()
		defer mu.Unlock()
		finished = append(finished, e.Code)
	})

	c := dial(t, serve(t), remote.WithBus(bus))
	defer c.Close()
	ctx := context.Background()
	area := storage.DataArea{Unit: "u", Keys: meta.AllKeys}
	h := data.NewHeader(true, data.NewField("a", data.Long))
	require.NoError(t, c.Insert(ctx, area, stream.FromRows(h, data.NewRow(h, 1, int64(1)))))
	s, err := c.Project(ctx, area, []string{"*"}, nil)
	require.NoError(t, err)
	rows, err := stream.Collect(s)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"Insert", "Project"}, started)
	require.Equal(t, []codes.Code{codes.OK, codes.OK}, finished)
}

func TestClosedClient(t *testing.T) {
	c := dial(t, serve(t))
	require.NoError(t, c.Close())
	_, err := c.Columns(context.Background(), "u")
	require.ErrorIs(t, err, remote.ErrClosed)
}

func TestFactory(t *testing.T) {
	f := remote.NewFactory()
	_, err := f(&meta.StorageEngine{ID: "e1", Type: remote.Type})
	require.Error(t, err)

	c, err := f(&meta.StorageEngine{ID: "e2", Type: remote.Type, Address: serve(t)})
	require.NoError(t, err)
	defer c.Close()
	fields, err := c.Columns(context.Background(), "u")
	require.NoError(t, err)
	require.Empty(t, fields)
}

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, remote.Render(&buf))
	out := buf.String()
	for _, want := range []string{
		"package polystore.storage.v1;",
		"service StorageService {",
		"rpc Project",
		"stream ProjectResponse",
		"oneof kind {",
		"COLUMN_TYPE_BINARY = 5;",
	} {
		require.Contains(t, out, want)
	}
}
