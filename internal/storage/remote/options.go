package remote

import (
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/hanpama/polystore/internal/eventbus"
)

// Options configures a Client.
//
// Defaults:
//   - MaxConnsPerEndpoint: 2
//   - RPCTimeout:          3s, applied to unary calls whose context has no deadline
//   - ChunkSize:           512 rows per Project or Insert message
//   - DialOptions:         insecure credentials
type Options struct {
	Provider EndpointProvider

	MaxConnsPerEndpoint int
	RPCTimeout          time.Duration
	ChunkSize           int

	DialOptions []grpc.DialOption

	Logger *zap.Logger
	Bus    *eventbus.Bus
}

// Option mutates Options.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		MaxConnsPerEndpoint: 2,
		RPCTimeout:          3 * time.Second,
		ChunkSize:           512,
		Logger:              zap.NewNop(),
	}
}

func WithProvider(p EndpointProvider) Option { return func(o *Options) { o.Provider = p } }

func WithMaxConnsPerEndpoint(n int) Option { return func(o *Options) { o.MaxConnsPerEndpoint = n } }

func WithRPCTimeout(d time.Duration) Option { return func(o *Options) { o.RPCTimeout = d } }

func WithChunkSize(n int) Option { return func(o *Options) { o.ChunkSize = n } }

func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *Options) { o.DialOptions = opts }
}

func WithLogger(l *zap.Logger) Option { return func(o *Options) { o.Logger = l } }

func WithBus(b *eventbus.Bus) Option { return func(o *Options) { o.Bus = b } }
