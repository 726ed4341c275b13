// Package grpcconn opens rpcproxy channels over gRPC client connections.
//
// A Factory creates one *grpc.ClientConn per logical call by default. With
// WithSharedConnection, every factory for the same target reuses a single
// process-wide connection that is never closed by a call. A shared connection
// that was shut down through Channel.Conn is replaced on the next Open.
package grpcconn

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JohnPlummer/jp-go-rpcproxy"
	"github.com/JohnPlummer/jp-go-rpcproxy/internal/lazy"
)

var sharedConns = lazy.New[string, *grpc.ClientConn](func(target string) string { return target })

// Factory opens channels exposing contract C over gRPC.
type Factory[C any] struct {
	target    string
	newClient func(grpc.ClientConnInterface) C
	dialOpts  []grpc.DialOption
	shared    bool
	logger    *slog.Logger
}

// Option configures a Factory.
type Option func(*options)

type options struct {
	dialOpts []grpc.DialOption
	shared   bool
	logger   *slog.Logger
}

// WithDialOptions appends gRPC dial options. They are applied after the default
// insecure transport credentials, so a credentials option here replaces them.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) {
		o.dialOpts = append(o.dialOpts, opts...)
	}
}

// WithSharedConnection reuses one process-wide connection per target. The dial
// options of the first factory that connects to a target win.
func WithSharedConnection() Option {
	return func(o *options) {
		o.shared = true
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a factory for target. newClient builds the contract implementation on
// top of a connection, typically a generated constructor such as pb.NewCalculatorClient.
//
// Example:
//
//	factory := grpcconn.New("dns:///calculator:9000", func(cc grpc.ClientConnInterface) Calculator {
//	    return &calculatorClient{stub: pb.NewCalculatorClient(cc)}
//	})
//	client, err := rpcproxy.New[Calculator](factory, rpcproxy.WithMaxRetries(3))
func New[C any](target string, newClient func(grpc.ClientConnInterface) C, opts ...Option) *Factory[C] {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	dialOpts = append(dialOpts, o.dialOpts...)

	return &Factory[C]{
		target:    target,
		newClient: newClient,
		dialOpts:  dialOpts,
		shared:    o.shared,
		logger:    o.logger,
	}
}

// Target returns the gRPC target the factory connects to.
func (f *Factory[C]) Target() string {
	return f.target
}

// Open implements rpcproxy.ConnectionFactory.
func (f *Factory[C]) Open(ctx context.Context) (rpcproxy.Channel[C], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := f.connect()
	if err != nil {
		return nil, err
	}
	return &Channel[C]{
		conn:   conn,
		client: f.newClient(conn),
		shared: f.shared,
	}, nil
}

func (f *Factory[C]) connect() (*grpc.ClientConn, error) {
	if !f.shared {
		return f.dial()
	}
	for {
		conn, err := sharedConns.GetOrCreate(f.target, func() (*grpc.ClientConn, error) {
			f.logger.Debug("creating shared gRPC connection", "target", f.target)
			return f.dial()
		})
		if err != nil {
			return nil, err
		}
		if conn.GetState() != connectivity.Shutdown {
			return conn, nil
		}
		f.logger.Debug("replacing shut down shared gRPC connection", "target", f.target)
		sharedConns.Evict(f.target, func(cached *grpc.ClientConn) bool {
			return cached == conn
		})
	}
}

func (f *Factory[C]) dial() (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(f.target, f.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("grpcconn: failed to create gRPC client for %s: %w", f.target, err)
	}
	return conn, nil
}

// Channel is a gRPC connection together with the contract client built on it.
type Channel[C any] struct {
	conn   *grpc.ClientConn
	client C
	shared bool
}

// Client implements rpcproxy.Channel.
func (c *Channel[C]) Client() C {
	return c.client
}

// Conn returns the underlying connection.
func (c *Channel[C]) Conn() *grpc.ClientConn {
	return c.conn
}

// State implements rpcproxy.Channel. Idle and connecting connections count as open
// since gRPC activates them on the next call.
func (c *Channel[C]) State() rpcproxy.ConnectionState {
	return stateOf(c.conn.GetState())
}

// Close implements rpcproxy.Channel. Shared connections stay open.
func (c *Channel[C]) Close() error {
	if c.shared {
		return nil
	}
	return c.conn.Close()
}

func stateOf(s connectivity.State) rpcproxy.ConnectionState {
	switch s {
	case connectivity.Ready, connectivity.Idle, connectivity.Connecting:
		return rpcproxy.StateOpen
	case connectivity.TransientFailure:
		return rpcproxy.StateFaulted
	case connectivity.Shutdown:
		return rpcproxy.StateClosed
	default:
		return rpcproxy.StateFaulted
	}
}
