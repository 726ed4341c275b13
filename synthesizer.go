package rpcproxy

import (
	"reflect"
	"slices"
	"sync/atomic"

	"github.com/JohnPlummer/jp-go-rpcproxy/internal/lazy"
)

// Adapter is the synthesized dispatch table of a service contract: its synchronous
// operations plus the asynchronous mirror. One Adapter exists per contract for the
// lifetime of the process.
type Adapter struct {
	contract    reflect.Type
	name        string
	operations  []*Operation
	byMethod    map[string]*Operation
	async       []*AsyncOperation
	asyncByName map[string]*AsyncOperation
}

var (
	adapters        = lazy.New[reflect.Type, *Adapter](typeKey)
	synthesisBuilds atomic.Int64
)

// Describe returns the adapter of contract C, building it on first use.
// Concurrent first requests build it exactly once. Contracts that are not exported
// interfaces, are not registered, or expose no eligible operations are rejected
// with a *SynthesisError.
func Describe[C any]() (*Adapter, error) {
	return DescribeType(reflect.TypeFor[C]())
}

// DescribeType is the reflect.Type form of Describe.
func DescribeType(t reflect.Type) (*Adapter, error) {
	if t == nil {
		return nil, synthesisErrorf(nil, "contract type is nil")
	}
	return adapters.GetOrCreate(t, func() (*Adapter, error) {
		return synthesize(t)
	})
}

func synthesize(t reflect.Type) (*Adapter, error) {
	synthesisBuilds.Add(1)

	if t.Kind() != reflect.Interface {
		return nil, synthesisErrorf(t, "contract must be an interface type")
	}
	if t.Name() == "" || !isExported(t.Name()) {
		return nil, synthesisErrorf(t, "contract is not publicly visible")
	}
	opts, ok := contractOptions(t)
	if !ok {
		return nil, synthesisErrorf(t, "interface is not registered as a service contract")
	}

	ops, mirror, err := describeOperations(t, opts)
	if err != nil {
		return nil, err
	}

	name := opts.Name
	if name == "" {
		name = t.Name()
	}
	a := &Adapter{
		contract:    t,
		name:        name,
		operations:  ops,
		byMethod:    make(map[string]*Operation, len(ops)),
		async:       mirror,
		asyncByName: make(map[string]*AsyncOperation, len(mirror)),
	}
	for _, op := range ops {
		a.byMethod[op.Method] = op
	}
	for _, op := range mirror {
		a.asyncByName[op.Name] = op
	}
	return a, nil
}

// Contract returns the contract interface type.
func (a *Adapter) Contract() reflect.Type {
	return a.contract
}

// Name returns the contract name used in transport identifiers.
func (a *Adapter) Name() string {
	return a.name
}

// Operations returns the synchronous operations in method order.
func (a *Adapter) Operations() []*Operation {
	return slices.Clone(a.operations)
}

// Operation returns the synchronous operation for a Go method name.
func (a *Adapter) Operation(method string) (*Operation, bool) {
	op, ok := a.byMethod[method]
	return op, ok
}

// AsyncOperations returns the asynchronous mirror in method order.
func (a *Adapter) AsyncOperations() []*AsyncOperation {
	return slices.Clone(a.async)
}

// AsyncOperation returns the asynchronous operation named name ("<Method>Async").
func (a *Adapter) AsyncOperation(name string) (*AsyncOperation, bool) {
	op, ok := a.asyncByName[name]
	return op, ok
}

// GeneratedAsyncOperations returns the mirror entries the contract did not declare itself.
func (a *Adapter) GeneratedAsyncOperations() []*AsyncOperation {
	var out []*AsyncOperation
	for _, op := range a.async {
		if op.Generated {
			out = append(out, op)
		}
	}
	return out
}

func typeKey(t reflect.Type) string {
	return t.PkgPath() + "|" + t.String()
}
