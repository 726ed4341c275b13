package rpcproxy

import (
	"context"
	"fmt"
)

// AsyncClient runs calls of contract C on background goroutines. The whole retry
// loop of a call runs there, including the delays between attempts.
//
// Cancellation of the context passed to a call is observed before the first attempt
// and between attempts. An attempt already in flight always runs to completion.
type AsyncClient[C any] struct {
	client *Client[C]
}

// NewAsync creates an asynchronous client for contract C.
func NewAsync[C any](factory ConnectionFactory[C], opts ...Option) (*AsyncClient[C], error) {
	client, err := New[C](factory, opts...)
	if err != nil {
		return nil, err
	}
	return &AsyncClient[C]{client: client}, nil
}

// Async wraps an existing client. Both share configuration, events and statistics.
func Async[C any](client *Client[C]) *AsyncClient[C] {
	return &AsyncClient[C]{client: client}
}

// Client returns the synchronous client.
func (w *AsyncClient[C]) Client() *Client[C] {
	return w.client
}

// InvokeAsync starts the asynchronous operation name ("<Method>Async") of the
// contract's mirror and returns a future of the synchronous operation's result.
//
// Example:
//
//	f := async.InvokeAsync(ctx, "AddAsync", 2, 3)
//	sum, err := f.Await(ctx)
func (w *AsyncClient[C]) InvokeAsync(ctx context.Context, name string, args ...any) *Future[any] {
	future := newFuture[any]()

	op, ok := w.client.adapter.AsyncOperation(name)
	if !ok {
		future.resolve(nil, fmt.Errorf("%w: %s has no asynchronous operation %q", ErrUnknownOperation, w.client.adapter.Name(), name))
		return future
	}
	if _, err := op.Sync.bindArguments(args); err != nil {
		future.resolve(nil, err)
		return future
	}

	startAsync(ctx, future, func(ctx context.Context) (any, error) {
		return w.client.invoke(ctx, op.Sync, args)
	})
	return future
}

// CallAsync runs selector on a background goroutine and returns a future of its result.
// Calls made through the client passed to selector run their attempts detached from
// cancellation of ctx.
//
// Example:
//
//	f := rpcproxy.CallAsync(ctx, async, func(ctx context.Context, c *rpcproxy.Client[Calculator]) (int, error) {
//	    return rpcproxy.Call[int](ctx, c, "Add", 2, 3)
//	})
func CallAsync[R any, C any](ctx context.Context, w *AsyncClient[C], selector func(context.Context, *Client[C]) (R, error)) *Future[R] {
	future := newFuture[R]()
	startAsync(ctx, future, func(ctx context.Context) (R, error) {
		return selector(ctx, w.client)
	})
	return future
}

// Go runs action on a background goroutine and returns a bare future.
func (w *AsyncClient[C]) Go(ctx context.Context, action func(context.Context, *Client[C]) error) *Future[struct{}] {
	future := newFuture[struct{}]()
	startAsync(ctx, future, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, action(ctx, w.client)
	})
	return future
}

func startAsync[T any](ctx context.Context, future *Future[T], run func(context.Context) (T, error)) {
	if err := ctx.Err(); err != nil {
		var zero T
		future.resolve(zero, err)
		return
	}

	ctx = withDetachedAttempts(ctx)
	go func() {
		value, err := run(ctx)
		future.resolve(value, err)
	}()
}
