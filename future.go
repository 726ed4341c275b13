package rpcproxy

import (
	"context"
	"sync"
)

// Awaitable is implemented by future-like values. Contract methods named "<X>Async"
// returning an Awaitable (or a receive channel) are recognized as the asynchronous
// counterpart of X.
type Awaitable interface {
	Done() <-chan struct{}
}

// Future is the pending result of an asynchronous call.
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) resolve(value T, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

// Done is closed when the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await waits for the result. Canceling ctx stops the wait, not the call.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the result without waiting. ok is false while the call is pending.
func (f *Future[T]) Result() (value T, ok bool, err error) {
	select {
	case <-f.done:
		return f.value, true, f.err
	default:
		var zero T
		return zero, false, nil
	}
}
