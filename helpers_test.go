package rpcproxy_test

import (
	"context"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	rpcproxy "github.com/JohnPlummer/jp-go-rpcproxy"
)

// StatusReply is a structured response used by response rule tests.
type StatusReply struct {
	Code string
}

// Calculator is the main contract exercised by the invoker tests.
type Calculator interface {
	Add(ctx context.Context, a, b int) (int, error)
	Echo(ctx context.Context, msg string) (string, error)
	Status(ctx context.Context) (*StatusReply, error)
	Notify(ctx context.Context, msg string) error
	Reset()
}

// Inventory declares its own asynchronous lookup.
type Inventory interface {
	Lookup(ctx context.Context, sku string) (int, error)
	LookupAsync(ctx context.Context, sku string) <-chan int
	Reserve(ctx context.Context, sku string, n int) error
}

// Concurrent is described for the first time by the concurrent synthesis test.
type Concurrent interface {
	Ping(ctx context.Context) error
}

// Unregistered is a valid interface that is never registered.
type Unregistered interface {
	Ping(ctx context.Context) error
}

// NoOperations exposes no method with an eligible result list.
type NoOperations interface {
	Pair() (int, int)
}

// Clashing resolves two methods to the same operation name.
type Clashing interface {
	Get(ctx context.Context) (int, error)
	Fetch(ctx context.Context) (int, error)
}

// Renamed gives clashing methods distinct explicit names.
type Renamed interface {
	Get(ctx context.Context) (int, error)
	Fetch(ctx context.Context) (int, error)
}

type hiddenContract interface {
	Ping(ctx context.Context) error
}

var (
	_ = rpcproxy.MustRegisterContract[Calculator](rpcproxy.ContractOptions{
		Name: "CalculatorService",
		Operations: map[string]rpcproxy.OperationOptions{
			"Add":    {ParamNames: []string{"a", "b"}},
			"Echo":   {ParamNames: []string{"msg"}},
			"Notify": {OneWay: true, ParamNames: []string{"msg"}},
		},
	})
	_ = rpcproxy.MustRegisterContract[Inventory](rpcproxy.ContractOptions{
		Operations: map[string]rpcproxy.OperationOptions{
			"Reserve": {Action: "urn:inventory:reserve"},
		},
	})
	_ = rpcproxy.MustRegisterContract[Concurrent](rpcproxy.ContractOptions{})
	_ = rpcproxy.MustRegisterContract[NoOperations](rpcproxy.ContractOptions{})
	_ = rpcproxy.MustRegisterContract[Clashing](rpcproxy.ContractOptions{
		Operations: map[string]rpcproxy.OperationOptions{
			"Fetch": {Name: "Get"},
		},
	})
	_ = rpcproxy.MustRegisterContract[Renamed](rpcproxy.ContractOptions{
		Operations: map[string]rpcproxy.OperationOptions{
			"Fetch": {Name: "GetCached"},
		},
	})
	_ = rpcproxy.MustRegisterContract[hiddenContract](rpcproxy.ContractOptions{})
)

// busyError is a remote failure that tests register as retryable.
type busyError struct {
	transient bool
}

func (e *busyError) Error() string {
	return "service busy"
}

// fakeCalculator implements Calculator with per-method behavior and call counters.
type fakeCalculator struct {
	addFunc    func(ctx context.Context, a, b int) (int, error)
	echoFunc   func(ctx context.Context, msg string) (string, error)
	statusFunc func(ctx context.Context) (*StatusReply, error)
	notifyFunc func(ctx context.Context, msg string) error

	calls  atomic.Int32
	resets atomic.Int32

	mu       sync.Mutex
	received []string
}

func (f *fakeCalculator) Add(ctx context.Context, a, b int) (int, error) {
	f.calls.Add(1)
	if f.addFunc != nil {
		return f.addFunc(ctx, a, b)
	}
	return a + b, nil
}

func (f *fakeCalculator) Echo(ctx context.Context, msg string) (string, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.received = append(f.received, msg)
	f.mu.Unlock()
	if f.echoFunc != nil {
		return f.echoFunc(ctx, msg)
	}
	return msg, nil
}

func (f *fakeCalculator) Status(ctx context.Context) (*StatusReply, error) {
	f.calls.Add(1)
	if f.statusFunc != nil {
		return f.statusFunc(ctx)
	}
	return &StatusReply{Code: "ok"}, nil
}

func (f *fakeCalculator) Notify(ctx context.Context, msg string) error {
	f.calls.Add(1)
	if f.notifyFunc != nil {
		return f.notifyFunc(ctx, msg)
	}
	return nil
}

func (f *fakeCalculator) Reset() {
	f.calls.Add(1)
	f.resets.Add(1)
}

func (f *fakeCalculator) getCallCount() int {
	return int(f.calls.Load())
}

func (f *fakeCalculator) receivedMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.received)
}

// fakeInventory implements Inventory.
type fakeInventory struct {
	lookups atomic.Int32
}

func (f *fakeInventory) Lookup(ctx context.Context, sku string) (int, error) {
	f.lookups.Add(1)
	return len(sku), nil
}

func (f *fakeInventory) LookupAsync(ctx context.Context, sku string) <-chan int {
	ch := make(chan int, 1)
	ch <- len(sku)
	close(ch)
	return ch
}

func (f *fakeInventory) Reserve(ctx context.Context, sku string, n int) error {
	return nil
}

// fakeChannel is a channel handed out by countingFactory.
type fakeChannel[C any] struct {
	client  C
	factory *countingFactory[C]
	closed  atomic.Bool
}

func (c *fakeChannel[C]) Client() C { return c.client }

func (c *fakeChannel[C]) State() rpcproxy.ConnectionState {
	if c.closed.Load() {
		return rpcproxy.StateClosed
	}
	return rpcproxy.StateOpen
}

func (c *fakeChannel[C]) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.factory.closes.Add(1)
	}
	return nil
}

// countingFactory opens fakeChannels and counts opens and closes.
type countingFactory[C any] struct {
	client  C
	openErr error
	opens   atomic.Int32
	closes  atomic.Int32
}

func newCountingFactory[C any](client C) *countingFactory[C] {
	return &countingFactory[C]{client: client}
}

func (f *countingFactory[C]) Open(ctx context.Context) (rpcproxy.Channel[C], error) {
	f.opens.Add(1)
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &fakeChannel[C]{client: f.client, factory: f}, nil
}

// recordingPolicy records every iteration it is asked about.
type recordingPolicy struct {
	delay time.Duration

	mu         sync.Mutex
	iterations []int
}

func (p *recordingPolicy) GetDelay(iteration int) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.iterations = append(p.iterations, iteration)
	return p.delay
}

func (p *recordingPolicy) factory() rpcproxy.DelayPolicyFactory {
	return func() rpcproxy.DelayPolicy { return p }
}

func (p *recordingPolicy) calls() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.iterations)
}

// eventRecorder collects lifecycle events in firing order.
type eventRecorder struct {
	mu     sync.Mutex
	events []rpcproxy.InvokeEvent
}

func (r *eventRecorder) handler(ev rpcproxy.InvokeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) options() []rpcproxy.Option {
	return []rpcproxy.Option{
		rpcproxy.OnBeforeInvoke(r.handler),
		rpcproxy.OnCallBegin(r.handler),
		rpcproxy.OnException(r.handler),
		rpcproxy.OnCallSuccess(r.handler),
		rpcproxy.OnAfterInvoke(r.handler),
	}
}

func (r *eventRecorder) count(kind rpcproxy.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *eventRecorder) kinds() []rpcproxy.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]rpcproxy.EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *eventRecorder) all() []rpcproxy.InvokeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError, // Quiet during tests
	}))
}
