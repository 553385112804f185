package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/hanpama/polystore/internal/config"
	"github.com/hanpama/polystore/internal/engine"
	"github.com/hanpama/polystore/internal/eventbus"
	"github.com/hanpama/polystore/internal/logging"
	"github.com/hanpama/polystore/internal/metrics"
	"github.com/hanpama/polystore/internal/otel"
	"github.com/hanpama/polystore/internal/server"
	"github.com/hanpama/polystore/internal/storage"
	"github.com/hanpama/polystore/internal/storage/memstore"
	"github.com/hanpama/polystore/internal/storage/remote"
	"github.com/hanpama/polystore/internal/storage/sqlstore"
)

const rootUsage = `polystore: polystore query engine & storage node

USAGE:
  polystore <command> [flags]

COMMANDS:
  query            Run a path query and print the result as JSON
  exec             Run JSON requests (query, folded, insert, delete, columns)
  serve            Run the HTTP query endpoint with /metrics
  storage-node     Serve one local storage engine over gRPC
  wire-proto       Print the storage service .proto definition
  help             Show help for any command

Every command reading a configuration accepts -config <file> (YAML or JSON);
POLYSTORE_* environment variables override file values.
`

const queryUsage = `query FLAGS:
  -config <file>          Configuration file
  -paths <a,b,...>        Paths to read (required)
  -tag <key:value>        Keep only columns carrying the tag. Repeatable
  -start <key>            First key (inclusive)
  -end <key>              Last key (exclusive)
  -limit <n>              Maximum rows
  -offset <n>             Rows to skip
  -sub <a,b,...>          Run as a folded query: read the outer paths from
                          the values of these paths
  -prefix <path>          Prefix joined to every folded path
  -pretty                 Indent the JSON output
`

const execUsage = `exec FLAGS:
  -config <file>          Configuration file
  -pretty                 Indent the JSON output
ARGS:
  One JSON request or batch per argument, or "-" to read one from stdin.
`

const serveUsage = `serve FLAGS:
  -config <file>                      Configuration file
  -server.addr <addr>                 HTTP listen address (default: :8080)
  -server.pretty                      Pretty-print JSON responses
  -server.timeout <duration>          Per-request timeout, e.g. 10s (default: 10s)
  -server.max-body <bytes>            Maximum request body size (default: unlimited)
  -server.max-rows <n>                Maximum rows per query result (default: unlimited)
  -server.cors <origin>               Allow a CORS origin. Repeatable
  -otel.endpoint <addr>               OTLP collector endpoint
  -otel.service <name>                OpenTelemetry service name (default: polystore)
`

const storageNodeUsage = `storage-node FLAGS:
  -config <file>          Configuration file
  -node.addr <addr>       gRPC listen address (default: :9090)
  -node.engine <type>     Engine to serve: memory or sqlite (default: memory)
  -node.path <file>       SQLite database file (sqlite only)
`

const wireProtoUsage = `wire-proto FLAGS:
  -out <file>             Write the .proto file here (default: stdout)
`

// stdout receives command output.
var stdout io.Writer = os.Stdout

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	global := flag.NewFlagSet("polystore", flag.ContinueOnError)
	global.SetOutput(new(bytes.Buffer))
	if err := global.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, rootUsage)
		return err
	}
	remaining := global.Args()
	if len(remaining) == 0 {
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	cmd := remaining[0]
	cmdArgs := remaining[1:]
	switch cmd {
	case "query":
		return cmdQuery(cmdArgs)
	case "exec":
		return cmdExec(cmdArgs)
	case "serve":
		return cmdServe(cmdArgs)
	case "storage-node":
		return cmdStorageNode(cmdArgs)
	case "wire-proto":
		return cmdWireProto(cmdArgs)
	case "help":
		return cmdHelp(cmdArgs)
	default:
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, rootUsage)
		return nil
	}
	switch args[0] {
	case "query":
		fmt.Fprint(stdout, queryUsage)
	case "exec":
		fmt.Fprint(stdout, execUsage)
	case "serve":
		fmt.Fprint(stdout, serveUsage)
	case "storage-node":
		fmt.Fprint(stdout, storageNodeUsage)
	case "wire-proto":
		fmt.Fprint(stdout, wireProtoUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

type stringListFlag []string

func (s *stringListFlag) String() string { return strings.Join(*s, ",") }

func (s *stringListFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func splitPaths(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// optionalInt64 is an int64 flag that records whether it was set.
type optionalInt64 struct{ v *int64 }

func (o *optionalInt64) String() string {
	if o.v == nil {
		return ""
	}
	return fmt.Sprint(*o.v)
}

func (o *optionalInt64) Set(s string) error {
	var n int64
	if _, err := fmt.Sscan(s, &n); err != nil {
		return fmt.Errorf("invalid key %q", s)
	}
	o.v = &n
	return nil
}

// setup loads the configuration and builds the logger it names.
func setup(path string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// runRequests executes reqs against an engine built from the configuration
// at path and prints one JSON response per request.
func runRequests(path string, pretty bool, reqs []server.Request) error {
	cfg, logger, err := setup(path)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	e, err := engine.FromConfig(cfg, engine.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("engine init: %w", err)
	}
	defer func() { _ = e.Close(0) }()

	h := server.New(e, server.WithLogger(logger), server.WithTimeout(cfg.Server.Timeout))
	enc := json.NewEncoder(stdout)
	if pretty {
		enc.SetIndent("", "  ")
	}
	var failed int
	for _, req := range reqs {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.Timeout)
		res, code := h.Execute(ctx, req)
		cancel()
		if code != http.StatusOK {
			failed++
		}
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d requests failed", failed, len(reqs))
	}
	return nil
}

func cmdQuery(args []string) error {
	var (
		cfgPath, paths, sub, prefix string
		limit, offset               int
		pretty                      bool
		tags                        stringListFlag
		start, end                  optionalInt64
	)
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&cfgPath, "config", "", "Configuration file")
	fs.StringVar(&paths, "paths", "", "Paths to read")
	fs.Var(&tags, "tag", "Tag filter key:value")
	fs.Var(&start, "start", "First key")
	fs.Var(&end, "end", "Last key (exclusive)")
	fs.IntVar(&limit, "limit", 0, "Maximum rows")
	fs.IntVar(&offset, "offset", 0, "Rows to skip")
	fs.StringVar(&sub, "sub", "", "Folded sub-query paths")
	fs.StringVar(&prefix, "prefix", "", "Folded path prefix")
	fs.BoolVar(&pretty, "pretty", false, "Indent output")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, queryUsage)
		return err
	}

	req := server.Request{Op: server.OpQuery, Paths: splitPaths(paths), Limit: limit, Offset: offset}
	if sub != "" {
		req.Op = server.OpFolded
		req.Sub = &server.Request{Paths: splitPaths(sub)}
		req.Prefix = prefix
	} else if len(req.Paths) == 0 {
		fmt.Fprint(os.Stderr, queryUsage)
		return fmt.Errorf("-paths is required")
	}
	for _, t := range tags {
		k, v, ok := strings.Cut(t, ":")
		if !ok {
			return fmt.Errorf("invalid -tag %q", t)
		}
		if req.Tags == nil {
			req.Tags = map[string]string{}
		}
		req.Tags[k] = v
	}
	if start.v != nil || end.v != nil {
		req.Keys = []server.KeyRange{{Start: start.v, End: end.v}}
	}
	return runRequests(cfgPath, pretty, []server.Request{req})
}

func cmdExec(args []string) error {
	var (
		cfgPath string
		pretty  bool
	)
	fs := flag.NewFlagSet("exec", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&cfgPath, "config", "", "Configuration file")
	fs.BoolVar(&pretty, "pretty", false, "Indent output")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, execUsage)
		return err
	}
	if fs.NArg() == 0 {
		fmt.Fprint(os.Stderr, execUsage)
		return fmt.Errorf("missing request")
	}

	var reqs []server.Request
	for _, arg := range fs.Args() {
		body := []byte(arg)
		if arg == "-" {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			body = b
		}
		body = bytes.TrimSpace(body)
		if len(body) > 0 && body[0] == '[' {
			var batch []server.Request
			if err := json.Unmarshal(body, &batch); err != nil {
				return fmt.Errorf("invalid request: %w", err)
			}
			reqs = append(reqs, batch...)
			continue
		}
		var req server.Request
		if err := json.Unmarshal(body, &req); err != nil {
			return fmt.Errorf("invalid request: %w", err)
		}
		reqs = append(reqs, req)
	}
	return runRequests(cfgPath, pretty, reqs)
}

func cmdServe(args []string) error {
	var (
		cfgPath      string
		addr         string
		pretty       bool
		timeout      time.Duration
		maxBody      int64
		maxRows      int
		cors         stringListFlag
		otelEndpoint string
		otelService  string
	)
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&cfgPath, "config", "", "Configuration file")
	fs.StringVar(&addr, "server.addr", "", "HTTP listen address")
	fs.BoolVar(&pretty, "server.pretty", false, "Pretty-print JSON responses")
	fs.DurationVar(&timeout, "server.timeout", 0, "Per-request timeout")
	fs.Int64Var(&maxBody, "server.max-body", 0, "Maximum request body size")
	fs.IntVar(&maxRows, "server.max-rows", 0, "Maximum rows per query result")
	fs.Var(&cors, "server.cors", "Allowed CORS origin")
	fs.StringVar(&otelEndpoint, "otel.endpoint", "", "OTLP collector endpoint")
	fs.StringVar(&otelService, "otel.service", "", "OpenTelemetry service name")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, serveUsage)
		return err
	}

	cfg, logger, err := setup(cfgPath)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	// Flags override the configuration when given.
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if timeout > 0 {
		cfg.Server.Timeout = timeout
	}
	if pretty {
		cfg.Server.Pretty = true
	}
	if otelEndpoint != "" {
		cfg.Otel.Endpoint = otelEndpoint
	}
	if otelService != "" {
		cfg.Otel.Service = otelService
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := eventbus.New()
	m := metrics.New()
	m.Subscribe(bus)
	shutdown, err := otel.Setup(ctx, bus, cfg.Otel.Endpoint, cfg.Otel.Service)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	e, err := engine.FromConfig(cfg, engine.WithLogger(logger), engine.WithBus(bus))
	if err != nil {
		return fmt.Errorf("engine init: %w", err)
	}
	defer func() { _ = e.Close(0) }()

	sopts := []server.Option{server.WithLogger(logger), server.WithBus(bus), server.WithTimeout(cfg.Server.Timeout)}
	if cfg.Server.Pretty {
		sopts = append(sopts, server.WithPretty())
	}
	if maxBody > 0 {
		sopts = append(sopts, server.WithMaxBodyBytes(maxBody))
	}
	if maxRows > 0 {
		sopts = append(sopts, server.WithMaxRows(maxRows))
	}
	if len(cors) > 0 {
		sopts = append(sopts, server.WithCORS(cors...))
	}
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.NewMux(server.New(e, sopts...), m.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("query server listening", zap.String("addr", cfg.Server.Addr))
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.Timeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

// openNode opens the connector a storage node serves.
func openNode(cfg config.NodeConfig) (storage.Connector, error) {
	switch cfg.Engine {
	case memstore.Type:
		return memstore.New(), nil
	case sqlstore.Type:
		if cfg.Path == "" {
			return nil, fmt.Errorf("-node.path is required for sqlite")
		}
		return sqlstore.Open(cfg.Path)
	}
	return nil, fmt.Errorf("unsupported node engine %q", cfg.Engine)
}

func cmdStorageNode(args []string) error {
	var cfgPath, addr, engineType, path string
	fs := flag.NewFlagSet("storage-node", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&cfgPath, "config", "", "Configuration file")
	fs.StringVar(&addr, "node.addr", "", "gRPC listen address")
	fs.StringVar(&engineType, "node.engine", "", "Engine to serve")
	fs.StringVar(&path, "node.path", "", "SQLite database file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, storageNodeUsage)
		return err
	}
	cfg, logger, err := setup(cfgPath)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if addr != "" {
		cfg.Node.Addr = addr
	}
	if engineType != "" {
		cfg.Node.Engine = engineType
	}
	if path != "" {
		cfg.Node.Path = path
	}

	conn, err := openNode(cfg.Node)
	if err != nil {
		return err
	}
	defer conn.Close()
	node, err := remote.NewServer(conn, remote.WithServerLogger(logger))
	if err != nil {
		return err
	}
	lis, err := net.Listen("tcp", cfg.Node.Addr)
	if err != nil {
		return err
	}
	g := grpc.NewServer()
	node.Register(g)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		g.GracefulStop()
	}()
	logger.Info("storage node listening",
		zap.String("addr", lis.Addr().String()), zap.String("engine", cfg.Node.Engine))
	return g.Serve(lis)
}

func cmdWireProto(args []string) error {
	outFile := ""
	fs := flag.NewFlagSet("wire-proto", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&outFile, "out", outFile, "Write the .proto file here")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, wireProtoUsage)
		return err
	}
	if outFile == "" {
		return remote.Render(stdout)
	}
	f, err := os.Create(outFile)
	if err != nil {
		return err
	}
	if err := remote.Render(f); err != nil {
		f.Close()
		return fmt.Errorf("render proto: %w", err)
	}
	return f.Close()
}
