package rpcproxy

import (
	"fmt"
	"reflect"
	"sync"
)

// ContractOptions is the declarative metadata of a service contract. Registering it is
// what marks an interface as a service contract; it is recorded once and never re-derived.
type ContractOptions struct {
	// Name is the contract name used in transport identifiers.
	// Default: the Go interface name.
	Name string

	// Operations holds per-method overrides keyed by Go method name.
	Operations map[string]OperationOptions
}

// OperationOptions overrides the metadata derived for one contract method.
type OperationOptions struct {
	// Name is the wire operation name. Set it to give two methods distinct names
	// when they would otherwise resolve to the same one.
	// Default: the Go method name.
	Name string

	// Action is the request identifier.
	// Default: "<Contract>/<Name>"
	Action string

	// ReplyAction is the response identifier.
	// Default: "<Contract>/<Name>Response"
	ReplyAction string

	// OneWay marks an operation that expects no reply. Only methods returning
	// nothing or just an error may be one-way.
	OneWay bool

	// ParamNames names the parameters, excluding a leading context.Context and a
	// trailing variadic option list. Default: arg0, arg1, ...
	ParamNames []string
}

var contracts = struct {
	mu    sync.RWMutex
	items map[reflect.Type]ContractOptions
}{items: make(map[reflect.Type]ContractOptions)}

// RegisterContract marks the interface C as a service contract.
// A contract can be registered once; its metadata is immutable afterwards.
//
// Example:
//
//	type Calculator interface {
//	    Add(ctx context.Context, a, b int) (int, error)
//	}
//
//	err := rpcproxy.RegisterContract[Calculator](rpcproxy.ContractOptions{
//	    Operations: map[string]rpcproxy.OperationOptions{
//	        "Add": {ParamNames: []string{"a", "b"}},
//	    },
//	})
func RegisterContract[C any](opts ContractOptions) error {
	t := reflect.TypeFor[C]()
	if t.Kind() != reflect.Interface {
		return synthesisErrorf(t, "contract must be an interface type")
	}

	contracts.mu.Lock()
	defer contracts.mu.Unlock()
	if _, ok := contracts.items[t]; ok {
		return fmt.Errorf("rpcproxy: contract %s already registered", t)
	}

	ops := make(map[string]OperationOptions, len(opts.Operations))
	for method, o := range opts.Operations {
		o.ParamNames = append([]string(nil), o.ParamNames...)
		ops[method] = o
	}
	opts.Operations = ops
	contracts.items[t] = opts
	return nil
}

// MustRegisterContract is like RegisterContract but panics on error.
// It is intended for package-level variable initialization.
func MustRegisterContract[C any](opts ContractOptions) struct{} {
	if err := RegisterContract[C](opts); err != nil {
		panic(err)
	}
	return struct{}{}
}

// IsContract reports whether C has been registered as a service contract.
func IsContract[C any]() bool {
	_, ok := contractOptions(reflect.TypeFor[C]())
	return ok
}

func contractOptions(t reflect.Type) (ContractOptions, bool) {
	contracts.mu.RLock()
	defer contracts.mu.RUnlock()
	opts, ok := contracts.items[t]
	return opts, ok
}
