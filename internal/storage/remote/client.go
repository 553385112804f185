package remote

import (
	"context"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/hanpama/polystore/internal/data"
	"github.com/hanpama/polystore/internal/eventbus"
	"github.com/hanpama/polystore/internal/events"
	"github.com/hanpama/polystore/internal/meta"
	"github.com/hanpama/polystore/internal/operator"
	"github.com/hanpama/polystore/internal/storage"
	"github.com/hanpama/polystore/internal/stream"
)

// Type is the engine type served by this connector.
const Type = "remote"

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("remote: client closed")

// Client is a storage.Connector that forwards every call to a remote
// storage service, pooling connections per endpoint.
type Client struct {
	opts   *Options
	schema *Schema

	mu     sync.RWMutex
	pools  map[string]*connPool
	closed atomic.Bool
}

var _ storage.Connector = (*Client)(nil)

func New(opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	if o.Provider == nil {
		return nil, errors.New("remote: endpoint provider not configured")
	}
	if len(o.DialOptions) == 0 {
		o.DialOptions = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig}),
		}
	}
	s, err := LoadSchema()
	if err != nil {
		return nil, errors.Wrap(err, "remote: build schema")
	}
	return &Client{opts: o, schema: s, pools: make(map[string]*connPool)}, nil
}

// NewFactory returns a storage.Factory that connects to the engine's
// address unless opts name a provider.
func NewFactory(opts ...Option) storage.Factory {
	return func(e *meta.StorageEngine) (storage.Connector, error) {
		o := defaultOptions()
		for _, f := range opts {
			f(o)
		}
		all := append([]Option(nil), opts...)
		if o.Provider == nil {
			if e.Address == "" {
				return nil, errors.Newf("remote: engine %s has no address", e.ID)
			}
			all = append(all, WithProvider(NewStaticEndpoints(map[string][]string{ServiceName: {e.Address}})))
		}
		return New(all...)
	}
}

func fullMethod(md protoreflect.MethodDescriptor) string {
	return "/" + string(md.Parent().FullName()) + "/" + string(md.Name())
}

// call starts an RPC on a pooled connection. The returned finish must be
// called once the RPC is over.
func (c *Client) call(ctx context.Context, md protoreflect.MethodDescriptor) (cc *grpc.ClientConn, outCtx context.Context, finish func(error), err error) {
	if c.closed.Load() {
		return nil, nil, nil, ErrClosed
	}
	endpoints, err := c.opts.Provider.Endpoints(ctx, ServiceName)
	if err != nil {
		return nil, nil, nil, err
	}
	endpoint := endpoints[rand.Intn(len(endpoints))]
	cc, err = c.getConn(endpoint)
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "remote: connect %s", endpoint)
	}

	method := string(md.Name())
	start := time.Now()
	id := uuid.NewString()
	eventbus.Publish(c.opts.Bus, ctx, events.GRPCClientStart{CallID: id, Service: ServiceName, Method: method, Target: endpoint})
	var once sync.Once
	finish = func(err error) {
		once.Do(func() {
			c.returnConn(endpoint, cc)
			eventbus.Publish(c.opts.Bus, ctx, events.GRPCClientFinish{
				CallID:   id,
				Service:  ServiceName,
				Method:   method,
				Target:   endpoint,
				Code:     status.Code(err),
				Err:      err,
				Duration: time.Since(start),
			})
			if err != nil {
				c.opts.Logger.Debug("remote storage call failed",
					zap.String("method", method), zap.String("target", endpoint), zap.Error(err))
			}
		})
	}
	return cc, metadata.AppendToOutgoingContext(ctx, "x-polystore-service", ServiceName), finish, nil
}

func (c *Client) unary(ctx context.Context, md protoreflect.MethodDescriptor, req *dynamicpb.Message) (*dynamicpb.Message, error) {
	// Unary calls get the default deadline; Project streams are bounded by
	// their consumer instead.
	if _, ok := ctx.Deadline(); !ok && c.opts.RPCTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RPCTimeout)
		defer cancel()
	}
	cc, ctx, finish, err := c.call(ctx, md)
	if err != nil {
		return nil, err
	}
	resp := newMessage(md.Output())
	err = cc.Invoke(ctx, fullMethod(md), req, resp)
	finish(err)
	if err != nil {
		return nil, errors.Wrapf(err, "remote: %s", md.Name())
	}
	return resp, nil
}

func (c *Client) Project(ctx context.Context, area storage.DataArea, patterns []string, tf operator.TagFilter) (stream.RowStream, error) {
	md := c.schema.Project
	req := newMessage(md.Input())
	setArea(req, area)
	setStrings(req, "patterns", patterns)
	setTags(req, "tag_filter", tf)

	ctx, cancel := context.WithCancel(ctx)
	cc, ctx, finish, err := c.call(ctx, md)
	if err != nil {
		cancel()
		return nil, err
	}
	fail := func(err error) (stream.RowStream, error) {
		cancel()
		finish(err)
		return nil, errors.Wrap(err, "remote: Project")
	}
	cs, err := cc.NewStream(ctx, &grpc.StreamDesc{StreamName: "Project", ServerStreams: true}, fullMethod(md))
	if err != nil {
		return fail(err)
	}
	if err := cs.SendMsg(req); err != nil {
		return fail(err)
	}
	if err := cs.CloseSend(); err != nil {
		return fail(err)
	}
	first := newMessage(md.Output())
	if err := cs.RecvMsg(first); err != nil {
		if err == io.EOF {
			err = errors.New("stream ended before columns")
		}
		return fail(err)
	}
	h := data.NewHeader(true, getColumns(first, "columns")...)

	var (
		buf     = list(first, "rows")
		idx     int
		lastErr error
	)
	fetch := func() (data.Row, bool, error) {
		for idx >= buf.Len() {
			resp := newMessage(md.Output())
			if err := cs.RecvMsg(resp); err != nil {
				if err == io.EOF {
					return data.Row{}, false, nil
				}
				lastErr = err
				return data.Row{}, false, errors.Wrap(err, "remote: Project")
			}
			buf, idx = list(resp, "rows"), 0
		}
		r, err := getRow(h, buf.Get(idx).Message())
		idx++
		return r, err == nil, err
	}
	return stream.Generate(h, fetch, func() error {
		cancel()
		finish(lastErr)
		return nil
	}), nil
}

// Insert sends rows in chunks. Each chunk is applied on its own, so a
// failure leaves earlier chunks written.
func (c *Client) Insert(ctx context.Context, area storage.DataArea, rows stream.RowStream) (err error) {
	defer func() {
		if cerr := rows.Close(); err == nil {
			err = cerr
		}
	}()
	h, err := rows.Header()
	if err != nil {
		return err
	}
	md := c.schema.Insert
	var (
		req *dynamicpb.Message
		n   int
	)
	flush := func() error {
		if req == nil {
			return nil
		}
		_, err := c.unary(ctx, md, req)
		req, n = nil, 0
		return err
	}
	for {
		ok, err := rows.HasNext()
		if err != nil {
			return err
		}
		if !ok {
			return flush()
		}
		r, err := rows.Next()
		if err != nil {
			return err
		}
		if req == nil {
			req = newMessage(md.Input())
			setArea(req, area)
			setColumns(req, "columns", h.Fields())
		}
		if err := appendRow(mutableList(req, "rows"), r); err != nil {
			return err
		}
		if n++; n >= c.opts.ChunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

func (c *Client) Delete(ctx context.Context, area storage.DataArea, patterns []string, keys []meta.KeyInterval, tf operator.TagFilter) error {
	req := newMessage(c.schema.Delete.Input())
	setArea(req, area)
	setStrings(req, "patterns", patterns)
	setKeyRanges(req, "keys", keys)
	setTags(req, "tag_filter", tf)
	_, err := c.unary(ctx, c.schema.Delete, req)
	return err
}

func (c *Client) Columns(ctx context.Context, unit string) ([]data.Field, error) {
	req := newMessage(c.schema.Columns.Input())
	req.Set(fd(req, "unit"), protoreflect.ValueOfString(unit))
	resp, err := c.unary(ctx, c.schema.Columns, req)
	if err != nil {
		return nil, err
	}
	return getColumns(resp, "columns"), nil
}

func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pools {
		p.close()
	}
	c.pools = map[string]*connPool{}
	return nil
}

type connPool struct {
	endpoint string
	opts     *Options
	conns    chan *grpc.ClientConn
	closed   atomic.Bool
}

func newConnPool(endpoint string, opts *Options) *connPool {
	n := opts.MaxConnsPerEndpoint
	if n <= 0 {
		n = 2
	}
	return &connPool{
		endpoint: endpoint,
		opts:     opts,
		conns:    make(chan *grpc.ClientConn, n),
	}
}

func (p *connPool) get() (*grpc.ClientConn, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	select {
	case cc := <-p.conns:
		return cc, nil
	default:
		return grpc.NewClient(p.endpoint, p.opts.DialOptions...)
	}
}

func (p *connPool) put(cc *grpc.ClientConn) {
	if p.closed.Load() {
		_ = cc.Close()
		return
	}
	select {
	case p.conns <- cc:
	default:
		_ = cc.Close()
	}
}

func (p *connPool) close() {
	if p.closed.Swap(true) {
		return
	}
	for {
		select {
		case cc := <-p.conns:
			_ = cc.Close()
		default:
			return
		}
	}
}

func (c *Client) getConn(endpoint string) (*grpc.ClientConn, error) {
	c.mu.RLock()
	pool := c.pools[endpoint]
	c.mu.RUnlock()
	if pool == nil {
		c.mu.Lock()
		pool = c.pools[endpoint]
		if pool == nil {
			pool = newConnPool(endpoint, c.opts)
			c.pools[endpoint] = pool
		}
		c.mu.Unlock()
	}
	return pool.get()
}

func (c *Client) returnConn(endpoint string, cc *grpc.ClientConn) {
	c.mu.RLock()
	pool := c.pools[endpoint]
	c.mu.RUnlock()
	if pool != nil {
		pool.put(cc)
		return
	}
	_ = cc.Close()
}
