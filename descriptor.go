package rpcproxy

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"unicode"
	"unicode/utf8"
)

const asyncSuffix = "Async"

var (
	contextType   = reflect.TypeFor[context.Context]()
	errorType     = reflect.TypeFor[error]()
	awaitableType = reflect.TypeFor[Awaitable]()
)

// Operation describes one synchronous contract method. It is derived once per
// contract and never modified afterwards.
type Operation struct {
	// Method is the Go method name on the contract interface.
	Method string

	// Name is the wire operation name.
	Name string

	// Action and ReplyAction are the transport identifiers of request and reply.
	// ReplyAction is empty for one-way operations.
	Action      string
	ReplyAction string

	// Params lists the parameters, excluding a leading context.Context and a
	// trailing variadic option list.
	Params []Parameter

	// Result is the type of the returned value, or nil when the operation returns none.
	Result reflect.Type

	// OneWay operations expect no reply: response handling and response rules are skipped.
	OneWay bool

	// Contract is the declaring interface.
	Contract reflect.Type

	index        int
	hasContext   bool
	returnsError bool
}

// HasResult reports whether the operation returns a value.
func (op *Operation) HasResult() bool {
	return op.Result != nil
}

// String returns "<Contract>.<Method>".
func (op *Operation) String() string {
	return op.Contract.Name() + "." + op.Method
}

// AsyncOperation is an entry of the asynchronous mirror of a contract.
// Calling it runs the synchronous operation Sync on a background goroutine
// and yields a future of Sync.Result.
type AsyncOperation struct {
	// Name is the asynchronous method name, "<Method>Async".
	Name string

	// Sync is the synchronous operation the call is executed through.
	Sync *Operation

	// Generated is false when the contract already declares the asynchronous method.
	Generated bool

	// Action and ReplyAction are shared with Sync so both map to the same wire operation.
	Action      string
	ReplyAction string
}

// ValueType returns the type carried by the future, or nil for a bare future.
func (op *AsyncOperation) ValueType() reflect.Type {
	return op.Sync.Result
}

type asyncCandidate struct {
	method string
	syncOf string
}

// describeOperations derives the operation table and its asynchronous mirror for contract t.
func describeOperations(t reflect.Type, opts ContractOptions) ([]*Operation, []*AsyncOperation, error) {
	contractName := opts.Name
	if contractName == "" {
		contractName = t.Name()
	}

	var (
		ops        []*Operation
		candidates []asyncCandidate
		byMethod   = make(map[string]*Operation)
		wireNames  = make(map[string]string)
		seen       = make(map[string]bool)
	)

	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if m.PkgPath != "" {
			continue
		}
		seen[m.Name] = true

		if isAsyncMethod(m) {
			candidates = append(candidates, asyncCandidate{
				method: m.Name,
				syncOf: strings.TrimSuffix(m.Name, asyncSuffix),
			})
			continue
		}

		op, ok, err := describeMethod(t, contractName, i, m, opts.Operations[m.Name])
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			continue
		}
		if other, dup := wireNames[op.Name]; dup {
			return nil, nil, synthesisErrorf(t,
				"methods %s and %s both resolve to operation name %q; give one of them an explicit alternate name",
				other, op.Method, op.Name)
		}
		wireNames[op.Name] = op.Method
		byMethod[op.Method] = op
		ops = append(ops, op)
	}

	for method := range opts.Operations {
		if !seen[method] {
			return nil, nil, synthesisErrorf(t, "operation options given for unknown method %q", method)
		}
	}
	if len(ops) == 0 {
		return nil, nil, synthesisErrorf(t, "contract exposes no eligible operations")
	}

	existing := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if _, ok := byMethod[c.syncOf]; ok {
			existing[c.method] = true
		}
	}

	mirror := make([]*AsyncOperation, 0, len(ops))
	for _, op := range ops {
		name := op.Method + asyncSuffix
		if _, taken := byMethod[name]; taken {
			// A synchronous method already carries the name; never generate a duplicate.
			continue
		}
		mirror = append(mirror, &AsyncOperation{
			Name:        name,
			Sync:        op,
			Generated:   !existing[name],
			Action:      op.Action,
			ReplyAction: op.ReplyAction,
		})
	}

	return ops, mirror, nil
}

func describeMethod(t reflect.Type, contractName string, index int, m reflect.Method, o OperationOptions) (*Operation, bool, error) {
	ft := m.Type
	op := &Operation{
		Method:   m.Name,
		Contract: t,
		index:    index,
	}

	switch {
	case ft.NumOut() == 0:
		op.OneWay = true
	case ft.NumOut() == 1 && ft.Out(0) == errorType:
		op.returnsError = true
	case ft.NumOut() == 2 && ft.Out(1) == errorType:
		op.returnsError = true
		op.Result = ft.Out(0)
	default:
		return nil, false, nil
	}

	if o.OneWay {
		if op.Result != nil {
			return nil, false, synthesisErrorf(t, "one-way operation %s must not return a value", m.Name)
		}
		op.OneWay = true
	}

	start, end := 0, ft.NumIn()
	if end > 0 && ft.In(0) == contextType {
		op.hasContext = true
		start = 1
	}
	if ft.IsVariadic() {
		end--
	}

	if len(o.ParamNames) > 0 && len(o.ParamNames) != end-start {
		return nil, false, synthesisErrorf(t, "%s declares %d parameter names for %d parameters",
			m.Name, len(o.ParamNames), end-start)
	}
	for i := start; i < end; i++ {
		name := fmt.Sprintf("arg%d", i-start)
		if len(o.ParamNames) > 0 {
			name = o.ParamNames[i-start]
		}
		op.Params = append(op.Params, Parameter{Name: name, Type: ft.In(i)})
	}

	op.Name = o.Name
	if op.Name == "" {
		op.Name = m.Name
	}
	op.Action = o.Action
	if op.Action == "" {
		op.Action = contractName + "/" + op.Name
	}
	if !op.OneWay {
		op.ReplyAction = o.ReplyAction
		if op.ReplyAction == "" {
			op.ReplyAction = contractName + "/" + op.Name + "Response"
		}
	}
	return op, true, nil
}

// isAsyncMethod reports whether m is named "<X>Async" and returns a future:
// a receivable channel or an Awaitable, optionally followed by an error.
func isAsyncMethod(m reflect.Method) bool {
	if !strings.HasSuffix(m.Name, asyncSuffix) || len(m.Name) == len(asyncSuffix) {
		return false
	}
	ft := m.Type
	switch {
	case ft.NumOut() == 1:
	case ft.NumOut() == 2 && ft.Out(1) == errorType:
	default:
		return false
	}
	return isFutureType(ft.Out(0))
}

func isFutureType(t reflect.Type) bool {
	if t.Kind() == reflect.Chan && t.ChanDir()&reflect.RecvDir != 0 {
		return true
	}
	return t.Implements(awaitableType)
}

func isExported(name string) bool {
	r, _ := utf8.DecodeRuneInString(name)
	return unicode.IsUpper(r)
}

// bindArguments converts call arguments to reflect values matching op's parameters.
func (op *Operation) bindArguments(args []any) ([]reflect.Value, error) {
	if len(args) != len(op.Params) {
		return nil, fmt.Errorf("%w: %s expects %d arguments, got %d", ErrInvalidArguments, op, len(op.Params), len(args))
	}
	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		pt := op.Params[i].Type
		if arg == nil {
			if !nillable(pt) {
				return nil, fmt.Errorf("%w: %s parameter %q (%s) cannot be nil", ErrInvalidArguments, op, op.Params[i].Name, pt)
			}
			in[i] = reflect.Zero(pt)
			continue
		}
		v := reflect.ValueOf(arg)
		if !v.Type().AssignableTo(pt) {
			return nil, fmt.Errorf("%w: %s parameter %q expects %s, got %T", ErrInvalidArguments, op, op.Params[i].Name, pt, arg)
		}
		in[i] = v
	}
	return in, nil
}

// call invokes the operation on target, an interface-kind value of the contract type.
func (op *Operation) call(ctx context.Context, target reflect.Value, args []any) (any, error) {
	in, err := op.bindArguments(args)
	if err != nil {
		return nil, err
	}
	if op.hasContext {
		in = append([]reflect.Value{reflect.ValueOf(&ctx).Elem()}, in...)
	}

	out := target.Method(op.index).Call(in)

	var callErr error
	if op.returnsError {
		if e := out[len(out)-1].Interface(); e != nil {
			callErr = e.(error)
		}
	}
	if op.Result == nil {
		return nil, callErr
	}
	return out[0].Interface(), callErr
}
