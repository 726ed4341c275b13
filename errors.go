package rpcproxy

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	pkgerrors "github.com/JohnPlummer/jp-go-errors"
)

// Sentinel errors returned by the invoker and the synthesizer.
var (
	// ErrRetryExhausted matches every *RetryExhaustedError via errors.Is.
	ErrRetryExhausted = errors.New("rpcproxy: retry attempts exhausted")

	// ErrSynthesis matches every *SynthesisError via errors.Is.
	ErrSynthesis = errors.New("rpcproxy: contract synthesis failed")

	// ErrConnectionFaulted is reported when a channel is faulted and cannot serve a call.
	// It is always retryable.
	ErrConnectionFaulted = errors.New("rpcproxy: connection faulted")

	// ErrNoReturnValue is returned by InvokeInfo.ReturnValue before the call has produced a value.
	ErrNoReturnValue = errors.New("rpcproxy: return value not set")

	// ErrUnknownOperation is returned when a method name is not part of the contract.
	ErrUnknownOperation = errors.New("rpcproxy: unknown operation")

	// ErrInvalidArguments is returned when call arguments do not match the operation signature.
	ErrInvalidArguments = errors.New("rpcproxy: invalid arguments")
)

// RetryExhaustedError is returned when every allowed attempt failed with a retryable error.
// The last failure is preserved as the cause.
type RetryExhaustedError struct {
	Method   string
	Attempts int
	Cause    error
}

// Error implements the error interface.
func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("rpcproxy: %s failed after %d attempts: %v", e.Method, e.Attempts, e.Cause)
}

// Unwrap returns the last failure.
func (e *RetryExhaustedError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is ErrRetryExhausted.
func (e *RetryExhaustedError) Is(target error) bool {
	return target == ErrRetryExhausted
}

// RetryFailureErrorFactory builds the error returned on retry exhaustion in place of
// *RetryExhaustedError.
type RetryFailureErrorFactory func(attempts int, method string, cause error) error

// SynthesisError reports a contract that cannot be turned into an adapter.
// It is raised when the adapter is built and is never retried.
type SynthesisError struct {
	Contract reflect.Type
	Reason   string
}

// Error implements the error interface.
func (e *SynthesisError) Error() string {
	name := "<nil>"
	if e.Contract != nil {
		name = e.Contract.String()
	}
	return fmt.Sprintf("rpcproxy: cannot synthesize adapter for %s: %s", name, e.Reason)
}

// Is reports whether target is ErrSynthesis.
func (e *SynthesisError) Is(target error) bool {
	return target == ErrSynthesis
}

func synthesisErrorf(contract reflect.Type, format string, args ...any) error {
	return &SynthesisError{Contract: contract, Reason: fmt.Sprintf(format, args...)}
}

// EventHandlerError reports a lifecycle event handler that panicked. It fails the
// attempt the event belongs to and is classified like any other failure.
type EventHandlerError struct {
	Kind  EventKind
	Value any
}

// Error implements the error interface.
func (e *EventHandlerError) Error() string {
	return fmt.Sprintf("rpcproxy: %s handler panicked: %v", e.Kind, e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *EventHandlerError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// CommunicationError wraps a failure raised by the transport underneath a channel.
// Transient communication errors are always retried and fault the connection
// so the next attempt runs on a fresh one.
type CommunicationError struct {
	Op        string
	Err       error
	Transient bool
}

// Error implements the error interface.
func (e *CommunicationError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("rpcproxy: communication failure: %v", e.Err)
	}
	return fmt.Sprintf("rpcproxy: communication failure during %s: %v", e.Op, e.Err)
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *CommunicationError) Unwrap() error {
	return e.Err
}

// NewCommunicationError wraps err as a transient transport failure.
//
// Example:
//
//	if err := stream.Send(msg); err != nil {
//	    return rpcproxy.NewCommunicationError("send", err)
//	}
func NewCommunicationError(op string, err error) error {
	return &CommunicationError{Op: op, Err: err, Transient: true}
}

// ErrorClassifier determines whether an error should trigger a retry.
// Register one with RetryOnClassifier to plug custom classification into the rule registry.
type ErrorClassifier interface {
	// IsRetryable returns true if the error represents a transient failure
	// that should be retried.
	IsRetryable(err error) bool
}

// CircuitBreakerErrorClassifier determines whether an error should trip the circuit breaker.
type CircuitBreakerErrorClassifier interface {
	// ShouldTripCircuit returns true if the error represents a failure serious enough
	// to open the circuit breaker and stop requests temporarily.
	ShouldTripCircuit(err error) bool
}

// StatusCoder is implemented by errors that carry a transport status code,
// such as HTTP client errors.
type StatusCoder interface {
	error
	StatusCode() int
}

// StatusClassifier classifies errors by the status code they carry.
// Errors without a status code are neither retryable nor exempt from tripping the circuit.
type StatusClassifier struct {
	// RetryableStatuses lists codes that should trigger retries.
	// Defaults to 429, 500, 502, 503, 504 if nil.
	RetryableStatuses []int

	// CircuitTripStatuses lists codes that should trip the circuit breaker.
	// Defaults to 401, 403, 500, 502, 503, 504 if nil.
	CircuitTripStatuses []int
}

// NewStatusClassifier creates a StatusClassifier with the default code mappings.
func NewStatusClassifier() *StatusClassifier {
	return &StatusClassifier{
		RetryableStatuses:   []int{429, 500, 502, 503, 504},
		CircuitTripStatuses: []int{401, 403, 500, 502, 503, 504},
	}
}

// IsRetryable implements ErrorClassifier.
func (c *StatusClassifier) IsRetryable(err error) bool {
	if err == nil || isContextError(err) {
		return false
	}
	if errors.Is(err, pkgerrors.ErrRateLimited) {
		return true
	}

	code, ok := statusCodeOf(err)
	if !ok {
		return false
	}
	statuses := c.RetryableStatuses
	if statuses == nil {
		statuses = []int{429, 500, 502, 503, 504}
	}
	return containsStatus(statuses, code)
}

// ShouldTripCircuit implements CircuitBreakerErrorClassifier.
// Rate limits, timeouts and context errors never trip the circuit; errors without a
// status code always do.
func (c *StatusClassifier) ShouldTripCircuit(err error) bool {
	if err == nil || isContextError(err) {
		return false
	}
	if errors.Is(err, pkgerrors.ErrRateLimited) || pkgerrors.IsTimeout(err) {
		return false
	}

	code, ok := statusCodeOf(err)
	if !ok {
		return true
	}
	statuses := c.CircuitTripStatuses
	if statuses == nil {
		statuses = []int{401, 403, 500, 502, 503, 504}
	}
	return containsStatus(statuses, code)
}

// StatusCodeError wraps an error with a status code.
type StatusCodeError struct {
	Err  error
	Code int
}

// Error implements the error interface.
func (e *StatusCodeError) Error() string {
	return e.Err.Error()
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *StatusCodeError) Unwrap() error {
	return e.Err
}

// StatusCode returns the status code.
func (e *StatusCodeError) StatusCode() int {
	return e.Code
}

// NewStatusCodeError creates a new StatusCodeError.
//
// Example:
//
//	return rpcproxy.NewStatusCodeError(http.StatusServiceUnavailable, err)
func NewStatusCodeError(statusCode int, err error) error {
	return &StatusCodeError{Code: statusCode, Err: err}
}

func statusCodeOf(err error) (int, bool) {
	var coder StatusCoder
	if errors.As(err, &coder) {
		return coder.StatusCode(), true
	}
	return 0, false
}

func containsStatus(statuses []int, status int) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// Context errors are never retried: retrying with the same context fails immediately.
func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
