// Package rpcproxy provides retrying call-through clients for remote service contracts.
// A contract is a Go interface registered with RegisterContract. A Client invokes its
// operations against connections opened by a ConnectionFactory, retrying transient
// transport faults and configured errors or responses under a delay policy, and fires
// lifecycle events around every attempt.
package rpcproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/coder/quartz"
)

// Client invokes the operations of contract C with retries.
// It is safe for concurrent use; every call owns its own connection.
//
// Example:
//
//	client, err := rpcproxy.New[Calculator](
//	    rpcproxy.StaticFactory[Calculator](remote),
//	    rpcproxy.WithMaxRetries(3),
//	    rpcproxy.WithExponentialDelay(100*time.Millisecond, 2*time.Second),
//	    rpcproxy.RetryOnError(func(err *BusyError) bool { return true }),
//	)
//	if err != nil {
//	    return err
//	}
//	sum, err := rpcproxy.Call[int](ctx, client, "Add", 2, 3)
type Client[C any] struct {
	adapter *Adapter
	factory ConnectionFactory[C]
	config  *Config
	events  *Events
	logger  *slog.Logger
	clock   quartz.Clock
	breaker *circuitBreaker
	stats   *callStats
}

// New creates a client for contract C. Options are applied to DefaultConfig.
// It fails with a *SynthesisError when C is not a valid service contract.
func New[C any](factory ConnectionFactory[C], opts ...Option) (*Client[C], error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}
	return newClient(factory, config)
}

// NewWithConfig creates a client from an existing configuration. The configuration's
// registries are copied, so later changes to config do not affect the client.
func NewWithConfig[C any](factory ConnectionFactory[C], config *Config) (*Client[C], error) {
	if config == nil {
		config = DefaultConfig()
	}
	return newClient(factory, config.clone())
}

func newClient[C any](factory ConnectionFactory[C], config *Config) (*Client[C], error) {
	if factory == nil {
		return nil, errors.New("rpcproxy: connection factory is nil")
	}
	if config.MaxRetries < 0 {
		return nil, fmt.Errorf("rpcproxy: max retries must not be negative, got %d", config.MaxRetries)
	}
	config.ensureDefaults()

	adapter, err := Describe[C]()
	if err != nil {
		return nil, err
	}

	c := &Client[C]{
		adapter: adapter,
		factory: factory,
		config:  config,
		events:  config.Events,
		logger:  config.Logger.With("contract", adapter.Name()),
		clock:   config.Clock,
		stats:   &callStats{},
	}
	if config.CircuitBreaker != nil {
		c.breaker = newCircuitBreaker(adapter.Name(), config.CircuitBreaker, c.logger)
	}
	return c, nil
}

// Adapter returns the synthesized operation table of C.
func (c *Client[C]) Adapter() *Adapter {
	return c.adapter
}

// Invoke calls the contract method with the given arguments and returns its result,
// or nil for operations without one. A leading context.Context parameter of the
// method is filled from ctx and must not be passed in args.
func (c *Client[C]) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	op, ok := c.adapter.Operation(method)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no operation %q", ErrUnknownOperation, c.adapter.Name(), method)
	}
	if _, err := op.bindArguments(args); err != nil {
		return nil, err
	}
	return c.invoke(ctx, op, args)
}

// Exec calls a contract method and discards its result.
func (c *Client[C]) Exec(ctx context.Context, method string, args ...any) error {
	_, err := c.Invoke(ctx, method, args...)
	return err
}

// Call invokes method on client and converts the result to R.
//
// Example:
//
//	sum, err := rpcproxy.Call[int](ctx, client, "Add", 2, 3)
func Call[R any, C any](ctx context.Context, client *Client[C], method string, args ...any) (R, error) {
	var zero R
	op, ok := client.adapter.Operation(method)
	if !ok {
		return zero, fmt.Errorf("%w: %s has no operation %q", ErrUnknownOperation, client.adapter.Name(), method)
	}
	if op.HasResult() && !op.Result.AssignableTo(reflect.TypeFor[R]()) {
		return zero, fmt.Errorf("%w: %s returns %s, not %s", ErrInvalidArguments, op, op.Result, reflect.TypeFor[R]())
	}

	resp, err := client.Invoke(ctx, method, args...)
	if err != nil {
		return zero, err
	}
	if resp == nil {
		return zero, nil
	}
	value, ok := resp.(R)
	if !ok {
		return zero, fmt.Errorf("%w: %s produced %T, not %s", ErrInvalidArguments, op, resp, reflect.TypeFor[R]())
	}
	return value, nil
}

// Subscribe registers a lifecycle event handler on this client.
// Handlers run in registration order; Unsubscribe on the result removes it.
func (c *Client[C]) Subscribe(kind EventKind, handler EventHandler) *Subscription {
	return c.events.Subscribe(kind, handler)
}

// CircuitState returns the circuit breaker state, or CircuitClosed when the client
// has no circuit breaker.
func (c *Client[C]) CircuitState() CircuitBreakerState {
	if c.breaker == nil {
		return CircuitClosed
	}
	return c.breaker.state()
}
