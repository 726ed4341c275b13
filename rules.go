package rpcproxy

import (
	"errors"
	"io"
	"net"
	"reflect"
	"sync"
	"syscall"

	pkgerrors "github.com/JohnPlummer/jp-go-errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Classification is the outcome of classifying a failed attempt.
type Classification int

const (
	// NonRetryable failures are returned to the caller unchanged.
	NonRetryable Classification = iota

	// Retryable failures are attempted again until the retry budget runs out.
	Retryable
)

// String returns the string representation of the classification.
func (c Classification) String() string {
	if c == Retryable {
		return "retryable"
	}
	return "non-retryable"
}

// ErrorRule matches errors whose chain contains a value assignable to the rule's type
// and, when a predicate is set, accepted by it.
type ErrorRule struct {
	typ   reflect.Type
	match func(err error) bool
}

// Type returns the error type the rule matches.
func (r ErrorRule) Type() reflect.Type {
	return r.typ
}

// Matches reports whether err triggers the rule.
func (r ErrorRule) Matches(err error) bool {
	return r.match != nil && r.match(err)
}

// NewErrorRule builds a rule for error type T. T may be a concrete error type or
// an interface; matching uses errors.As so wrapped errors qualify.
// A nil predicate accepts every matching error.
func NewErrorRule[T error](predicate func(T) bool) ErrorRule {
	return ErrorRule{
		typ: reflect.TypeFor[T](),
		match: func(err error) bool {
			var target T
			if !errors.As(err, &target) {
				return false
			}
			return predicate == nil || predicate(target)
		},
	}
}

// ResponseRule matches successful responses assignable to the rule's type and accepted
// by its predicate.
type ResponseRule struct {
	typ   reflect.Type
	match func(resp any) bool
}

// Type returns the response type the rule matches.
func (r ResponseRule) Type() reflect.Type {
	return r.typ
}

// Matches reports whether resp triggers the rule.
func (r ResponseRule) Matches(resp any) bool {
	return r.match != nil && r.match(resp)
}

// NewResponseRule builds a rule for response type T. T may be an interface, in which case
// every response implementing it is considered. A nil predicate accepts every matching response.
func NewResponseRule[T any](predicate func(T) bool) ResponseRule {
	return ResponseRule{
		typ: reflect.TypeFor[T](),
		match: func(resp any) bool {
			v, ok := resp.(T)
			if !ok {
				return false
			}
			return predicate == nil || predicate(v)
		},
	}
}

// RuleRegistry stores the rules deciding which errors and responses are retried.
// Entries are only ever appended; several entries for the same type are OR-ed.
// Lookups never modify the registry and are safe for concurrent use.
type RuleRegistry struct {
	mu            sync.RWMutex
	errorRules    []ErrorRule
	responseRules []ResponseRule
}

// NewRuleRegistry creates an empty registry. Built-in transport fault rules are
// always consulted in addition to the registered ones.
func NewRuleRegistry() *RuleRegistry {
	return &RuleRegistry{}
}

// AddErrorRule appends an error rule.
func (r *RuleRegistry) AddErrorRule(rule ErrorRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errorRules = append(r.errorRules, rule)
}

// AddResponseRule appends a response rule.
func (r *RuleRegistry) AddResponseRule(rule ResponseRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responseRules = append(r.responseRules, rule)
}

// Classify reports whether err should be retried.
func (r *RuleRegistry) Classify(err error) Classification {
	if err == nil {
		return NonRetryable
	}
	if IsTransientTransportFailure(err) {
		return Retryable
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rule := range r.errorRules {
		if rule.Matches(err) {
			return Retryable
		}
	}
	return NonRetryable
}

// ShouldRetryResponse reports whether a successful response should be retried.
func (r *RuleRegistry) ShouldRetryResponse(resp any) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rule := range r.responseRules {
		if rule.Matches(resp) {
			return true
		}
	}
	return false
}

// Len returns the number of registered error and response rules.
func (r *RuleRegistry) Len() (errorRules, responseRules int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.errorRules), len(r.responseRules)
}

func (r *RuleRegistry) clone() *RuleRegistry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &RuleRegistry{
		errorRules:    append([]ErrorRule(nil), r.errorRules...),
		responseRules: append([]ResponseRule(nil), r.responseRules...),
	}
}

// IsTransientTransportFailure reports whether err is one of the built-in connectivity
// faults that are always retried: transient *CommunicationError, ErrConnectionFaulted,
// network timeouts, connection resets and refusals, truncated reads, gRPC Unavailable
// and jp-go-errors timeouts. Context cancellation and deadlines never qualify.
func IsTransientTransportFailure(err error) bool {
	if err == nil || isContextError(err) {
		return false
	}

	var commErr *CommunicationError
	if errors.As(err, &commErr) && commErr.Transient {
		return true
	}
	if errors.Is(err, ErrConnectionFaulted) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if status.Code(err) == codes.Unavailable {
		return true
	}
	return pkgerrors.IsTimeout(err)
}
