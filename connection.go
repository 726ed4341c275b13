package rpcproxy

import (
	"context"
	"fmt"
	"log/slog"
)

// ConnectionState is the health of a channel.
type ConnectionState int

const (
	// StateOpen means the channel can serve calls.
	StateOpen ConnectionState = iota

	// StateFaulted means the channel failed and must be replaced.
	StateFaulted

	// StateClosed means the channel was disposed.
	StateClosed
)

// String returns the string representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateFaulted:
		return "faulted"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Channel is a live connection exposing the contract C.
type Channel[C any] interface {
	// Client returns the value the contract's operations are invoked on.
	Client() C

	// State reports the health of the channel.
	State() ConnectionState

	// Close disposes the channel.
	Close() error
}

// ConnectionFactory opens channels. Each logical call opens its own channel
// and closes it when the call concludes.
type ConnectionFactory[C any] interface {
	Open(ctx context.Context) (Channel[C], error)
}

// ConnectionFactoryFunc adapts a function to ConnectionFactory.
type ConnectionFactoryFunc[C any] func(ctx context.Context) (Channel[C], error)

// Open implements ConnectionFactory.
func (f ConnectionFactoryFunc[C]) Open(ctx context.Context) (Channel[C], error) {
	return f(ctx)
}

// StaticChannel exposes a stateless client that is safe to share between calls.
// It is always open and closing it does nothing.
type StaticChannel[C any] struct {
	client C
}

// NewStaticChannel wraps client as an always-open channel.
func NewStaticChannel[C any](client C) *StaticChannel[C] {
	return &StaticChannel[C]{client: client}
}

// Client implements Channel.
func (s *StaticChannel[C]) Client() C { return s.client }

// State implements Channel.
func (s *StaticChannel[C]) State() ConnectionState { return StateOpen }

// Close implements Channel.
func (s *StaticChannel[C]) Close() error { return nil }

// StaticFactory returns a factory that hands out the same stateless client to every call.
//
// Example:
//
//	client, err := rpcproxy.New[Calculator](rpcproxy.StaticFactory[Calculator](httpCalculator))
func StaticFactory[C any](client C) ConnectionFactory[C] {
	ch := NewStaticChannel(client)
	return ConnectionFactoryFunc[C](func(context.Context) (Channel[C], error) {
		return ch, nil
	})
}

// connectionHandle owns the channel of one logical call across all of its attempts.
type connectionHandle[C any] struct {
	factory ConnectionFactory[C]
	logger  *slog.Logger
	channel Channel[C]
	faulted bool
}

func newConnectionHandle[C any](factory ConnectionFactory[C], logger *slog.Logger) *connectionHandle[C] {
	return &connectionHandle[C]{factory: factory, logger: logger}
}

func (h *connectionHandle[C]) state() ConnectionState {
	if h.channel == nil {
		return StateClosed
	}
	if h.faulted {
		return StateFaulted
	}
	return h.channel.State()
}

// ensure returns an open channel, disposing and recreating the current one
// when it is not open.
func (h *connectionHandle[C]) ensure(ctx context.Context) (Channel[C], error) {
	if h.state() == StateOpen {
		return h.channel, nil
	}
	if h.channel != nil {
		h.logger.Debug("refreshing connection", "state", h.state().String())
		h.dispose()
	}

	ch, err := h.factory.Open(ctx)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, fmt.Errorf("%w: connection factory returned a nil channel", ErrConnectionFaulted)
	}
	h.channel = ch
	h.faulted = false
	if h.channel.State() != StateOpen {
		return nil, fmt.Errorf("%w: new channel is %s", ErrConnectionFaulted, h.channel.State())
	}
	return h.channel, nil
}

// fault marks the channel as unusable so the next attempt recreates it.
func (h *connectionHandle[C]) fault() {
	if h.channel != nil {
		h.faulted = true
	}
}

func (h *connectionHandle[C]) dispose() {
	if h.channel == nil {
		return
	}
	if err := h.channel.Close(); err != nil {
		h.logger.Debug("closing connection failed", "error", err)
	}
	h.channel = nil
	h.faulted = false
}

// release closes the channel at the end of the logical call.
func (h *connectionHandle[C]) release() {
	h.dispose()
}
