package rpcproxy

import (
	"fmt"
	"reflect"
	"sync"
)

// Parameter describes one argument of an operation.
type Parameter struct {
	Name string
	Type reflect.Type
}

type argumentHandler struct {
	typ   reflect.Type
	apply func(value any, param Parameter) (any, bool)
}

type responseHandler struct {
	typ   reflect.Type
	apply func(resp any) (any, bool, error)
}

// Pipeline holds the ordered request argument and response handlers of a client.
// Handlers are matched covariantly: a handler registered for an interface runs for
// every value implementing it.
type Pipeline struct {
	mu        sync.RWMutex
	arguments []argumentHandler
	responses []responseHandler
}

// NewPipeline creates an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// AddArgumentHandler registers a transform for outgoing arguments of type T.
// where may be nil to match every argument of that type.
func AddArgumentHandler[T any](p *Pipeline, where func(value T, paramName string) bool, handler func(T) T) {
	typ := reflect.TypeFor[T]()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.arguments = append(p.arguments, argumentHandler{
		typ: typ,
		apply: func(value any, param Parameter) (any, bool) {
			v, ok := value.(T)
			if !ok {
				// A nil argument still matches when its declared type is assignable to T.
				if value != nil || param.Type == nil || !param.Type.AssignableTo(typ) {
					return value, false
				}
				var zero T
				v = zero
			}
			if where != nil && !where(v, param.Name) {
				return value, false
			}
			return handler(v), true
		},
	})
}

// AddResponseHandler registers a transform for responses of type T. The handler may
// replace the response or fail the call by returning an error.
func AddResponseHandler[T any](p *Pipeline, where func(T) bool, handler func(T) (T, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, responseHandler{
		typ: reflect.TypeFor[T](),
		apply: func(resp any) (any, bool, error) {
			v, ok := resp.(T)
			if !ok || (where != nil && !where(v)) {
				return resp, false, nil
			}
			out, err := handler(v)
			if err != nil {
				return resp, true, err
			}
			return out, true, nil
		},
	})
}

// AddResponseInspector registers an inspector for responses of type T. Inspectors
// never replace the response but may fail the call.
func AddResponseInspector[T any](p *Pipeline, where func(T) bool, inspect func(T) error) {
	AddResponseHandler(p, where, func(v T) (T, error) {
		return v, inspect(v)
	})
}

// ApplyRequest runs the argument handlers over a copy of args. Every matching handler
// runs in registration order and the output of one feeds the next.
func (p *Pipeline) ApplyRequest(params []Parameter, args []any) ([]any, error) {
	p.mu.RLock()
	handlers := p.arguments
	p.mu.RUnlock()

	out := append([]any(nil), args...)
	if len(handlers) == 0 {
		return out, nil
	}

	for i := range out {
		param := Parameter{Name: fmt.Sprintf("arg%d", i)}
		if i < len(params) {
			param = params[i]
		}
		for _, h := range handlers {
			next, matched := h.apply(out[i], param)
			if !matched {
				continue
			}
			if param.Type != nil && !assignableValue(next, param.Type) {
				return nil, fmt.Errorf("%w: handler for %s returned %T, not assignable to parameter %q (%s)",
					ErrInvalidArguments, h.typ, next, param.Name, param.Type)
			}
			out[i] = next
		}
	}
	return out, nil
}

// ApplyResponse runs the response handlers in registration order. The first handler
// error aborts the chain.
func (p *Pipeline) ApplyResponse(resp any) (any, error) {
	p.mu.RLock()
	handlers := p.responses
	p.mu.RUnlock()

	for _, h := range handlers {
		next, _, err := h.apply(resp)
		if err != nil {
			return resp, err
		}
		resp = next
	}
	return resp, nil
}

func (p *Pipeline) clone() *Pipeline {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return &Pipeline{
		arguments: append([]argumentHandler(nil), p.arguments...),
		responses: append([]responseHandler(nil), p.responses...),
	}
}

func assignableValue(v any, to reflect.Type) bool {
	if v == nil {
		return nillable(to)
	}
	return reflect.TypeOf(v).AssignableTo(to)
}

func nillable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return true
	default:
		return false
	}
}
