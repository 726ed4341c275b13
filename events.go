package rpcproxy

import (
	"reflect"
	"slices"
	"sync"
	"time"
)

// EventKind identifies a lifecycle event fired by the invoker.
type EventKind int

const (
	// EventBeforeInvoke fires before every attempt.
	EventBeforeInvoke EventKind = iota

	// EventAfterInvoke fires once when the call succeeds.
	EventAfterInvoke

	// EventException fires for every failed attempt, retryable or not.
	EventException

	// EventCallBegin fires before every attempt, right after EventBeforeInvoke.
	EventCallBegin

	// EventCallSuccess fires once when the call succeeds, right before EventAfterInvoke.
	EventCallSuccess

	eventKindCount
)

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventBeforeInvoke:
		return "before-invoke"
	case EventAfterInvoke:
		return "after-invoke"
	case EventException:
		return "exception"
	case EventCallBegin:
		return "call-begin"
	case EventCallSuccess:
		return "call-success"
	default:
		return "unknown"
	}
}

// InvokeInfo describes the logical call an event belongs to.
// The same *InvokeInfo is passed to every event of one call.
type InvokeInfo struct {
	// MethodName is the contract method being called.
	MethodName string

	// Parameters is a snapshot of the arguments as passed by the caller.
	Parameters []any

	returnValue    any
	hasReturnValue bool
}

func newInvokeInfo(method string, args []any) *InvokeInfo {
	return &InvokeInfo{
		MethodName: method,
		Parameters: slices.Clone(args),
	}
}

// HasReturnValue reports whether the call produced a return value.
func (i *InvokeInfo) HasReturnValue() bool {
	return i.hasReturnValue
}

// ReturnValue returns the value returned by the call.
// It returns ErrNoReturnValue until the call has succeeded with a value.
func (i *InvokeInfo) ReturnValue() (any, error) {
	if !i.hasReturnValue {
		return nil, ErrNoReturnValue
	}
	return i.returnValue, nil
}

func (i *InvokeInfo) setReturnValue(v any) {
	i.returnValue = v
	i.hasReturnValue = true
}

// InvokeEvent is delivered to lifecycle event handlers.
type InvokeEvent struct {
	Kind EventKind
	Info *InvokeInfo

	// RetryCounter is 0 for the first attempt and increases by one for every retry.
	RetryCounter int

	// Contract is the service contract type the call was made through.
	Contract reflect.Type

	// Elapsed is the duration of the attempt. Set for EventCallSuccess,
	// EventAfterInvoke and EventException.
	Elapsed time.Duration

	// Err is the attempt failure. Set for EventException only.
	Err error
}

// EventHandler receives lifecycle events. Handlers run synchronously on the goroutine
// executing the call. A panicking handler fails the attempt with an *EventHandlerError.
type EventHandler func(InvokeEvent)

// Subscription is a registered event handler. Its identity is what Unsubscribe removes.
type Subscription struct {
	kind    EventKind
	handler EventHandler
	events  *Events
}

// Kind returns the event kind the subscription listens to.
func (s *Subscription) Kind() EventKind {
	return s.kind
}

// Unsubscribe removes the handler. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s.events != nil {
		s.events.remove(s)
	}
}

// Events is the ordered list of lifecycle handlers of one client.
type Events struct {
	mu       sync.RWMutex
	handlers [eventKindCount][]*Subscription
}

// NewEvents creates an empty handler list.
func NewEvents() *Events {
	return &Events{}
}

// Subscribe appends a handler for kind. Handlers run in registration order.
func (e *Events) Subscribe(kind EventKind, handler EventHandler) *Subscription {
	sub := &Subscription{kind: kind, handler: handler, events: e}
	if kind < 0 || kind >= eventKindCount || handler == nil {
		sub.events = nil
		return sub
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[kind] = append(e.handlers[kind], sub)
	return sub
}

// Count returns the number of handlers registered for kind.
func (e *Events) Count(kind EventKind) int {
	if kind < 0 || kind >= eventKindCount {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[kind])
}

func (e *Events) remove(sub *Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.handlers[sub.kind]
	if idx := slices.Index(list, sub); idx >= 0 {
		e.handlers[sub.kind] = slices.Delete(slices.Clone(list), idx, idx+1)
	}
}

// fire runs the handlers of ev.Kind in order. A panic stops the remaining handlers
// and is returned as an *EventHandlerError.
func (e *Events) fire(ev InvokeEvent) (err error) {
	e.mu.RLock()
	list := e.handlers[ev.Kind]
	e.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			err = &EventHandlerError{Kind: ev.Kind, Value: r}
		}
	}()
	for _, sub := range list {
		sub.handler(ev)
	}
	return nil
}

// clone copies the handler lists into a new Events bound to its own subscriptions.
func (e *Events) clone() *Events {
	out := &Events{}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for kind, list := range e.handlers {
		for _, sub := range list {
			out.handlers[kind] = append(out.handlers[kind], &Subscription{kind: sub.kind, handler: sub.handler, events: out})
		}
	}
	return out
}
