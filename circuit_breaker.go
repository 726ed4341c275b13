package rpcproxy

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

// CircuitBreakerConfig configures the breaker a client puts in front of its remote.
// One breaker is shared by all calls of the client and judges single attempts, so a
// call that retries three times feeds it three outcomes.
type CircuitBreakerConfig struct {
	// ReadyToTrip decides, after each failed attempt while closed, whether to open
	// the circuit. Defaults to opening once 3 attempts were seen and at least 60%
	// of them failed.
	ReadyToTrip func(counts CircuitBreakerCounts) bool

	// ErrorClassifier picks the attempt errors that count as failures. Everything
	// else counts as a success for the breaker.
	ErrorClassifier CircuitBreakerErrorClassifier

	// OnStateChange observes transitions. It runs while the breaker holds its lock
	// and must not call back into the client.
	OnStateChange func(name string, from, to CircuitBreakerState)

	// Logger defaults to the client logger.
	Logger *slog.Logger

	// Interval resets the counts of a closed circuit periodically. Zero keeps them
	// until the next state change. Defaults to 10s.
	Interval time.Duration

	// Timeout is how long an open circuit rejects attempts before letting trial attempts
	// through. Defaults to 30s.
	Timeout time.Duration

	// MaxRequests caps the trial attempts admitted while half-open. Defaults to 3.
	MaxRequests uint32
}

// CircuitBreakerOption adjusts a CircuitBreakerConfig.
type CircuitBreakerOption func(*CircuitBreakerConfig)

// CircuitBreakerCounts are attempt tallies of the current breaker generation.
type CircuitBreakerCounts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreakerState is the position of a client's breaker.
type CircuitBreakerState int

const (
	// CircuitClosed admits every attempt.
	CircuitClosed CircuitBreakerState = iota

	// CircuitHalfOpen admits up to MaxRequests trial attempts.
	CircuitHalfOpen

	// CircuitOpen rejects attempts without reaching the remote.
	CircuitOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half-open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// WithMaxRequests sets how many trial attempts a half-open circuit admits.
//
// Example:
//
//	rpcproxy.WithCircuitBreaker(rpcproxy.WithMaxRequests(1))
func WithMaxRequests(maxRequests uint32) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.MaxRequests = maxRequests
	}
}

// WithInterval sets the reset period of a closed circuit's counts.
func WithInterval(interval time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Interval = interval
	}
}

// WithTimeout sets how long an open circuit waits before probing.
//
// Example:
//
//	rpcproxy.WithCircuitBreaker(rpcproxy.WithTimeout(time.Minute))
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Timeout = timeout
	}
}

// WithReadyToTrip replaces the trip condition.
//
// Example:
//
//	rpcproxy.WithReadyToTrip(func(counts rpcproxy.CircuitBreakerCounts) bool {
//	    return counts.ConsecutiveFailures >= 5
//	})
func WithReadyToTrip(fn func(counts CircuitBreakerCounts) bool) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.ReadyToTrip = fn
	}
}

// WithCircuitBreakerErrorClassifier replaces the attempt failure classifier.
func WithCircuitBreakerErrorClassifier(classifier CircuitBreakerErrorClassifier) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.ErrorClassifier = classifier
	}
}

// WithStateChangeHandler observes breaker transitions.
func WithStateChangeHandler(fn func(name string, from, to CircuitBreakerState)) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.OnStateChange = fn
	}
}

// WithCircuitBreakerLogger logs breaker activity to logger instead of the client logger.
func WithCircuitBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Logger = logger
	}
}

// DefaultCircuitBreakerConfig returns the breaker settings used by WithCircuitBreaker.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts CircuitBreakerCounts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		ErrorClassifier: DefaultCircuitBreakerErrorClassifier(),
	}
}

// DefaultCircuitBreakerErrorClassifier trips on transport faults and on the
// StatusClassifier trip codes, but not on rate limits, timeouts or cancellation.
func DefaultCircuitBreakerErrorClassifier() CircuitBreakerErrorClassifier {
	return transportTripClassifier{status: NewStatusClassifier()}
}

type transportTripClassifier struct {
	status *StatusClassifier
}

func (c transportTripClassifier) ShouldTripCircuit(err error) bool {
	if IsTransientTransportFailure(err) {
		return true
	}
	return c.status.ShouldTripCircuit(err)
}

// circuitBreaker guards single attempts of a client's calls.
type circuitBreaker struct {
	cb         *gobreaker.CircuitBreaker[any]
	logger     *slog.Logger
	classifier CircuitBreakerErrorClassifier

	mu      sync.Mutex
	tripped CircuitBreakerCounts
}

// defaultReadyToTrip mirrors gobreaker's own default.
func defaultReadyToTrip(counts CircuitBreakerCounts) bool {
	return counts.ConsecutiveFailures > 5
}

func newCircuitBreaker(name string, config *CircuitBreakerConfig, logger *slog.Logger) *circuitBreaker {
	if config.Logger == nil {
		config.Logger = logger
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultCircuitBreakerErrorClassifier()
	}
	readyToTrip := config.ReadyToTrip
	if readyToTrip == nil {
		readyToTrip = defaultReadyToTrip
	}

	b := &circuitBreaker{
		logger:     config.Logger,
		classifier: config.ErrorClassifier,
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		// gobreaker clears its counts on every state change, so the counts that
		// open the circuit are kept here.
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			converted := convertGobreakerCounts(counts)
			if !readyToTrip(converted) {
				return false
			}
			b.setTripped(converted)
			return true
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			config.Logger.Warn("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())

			// A failed half-open trial reopens the circuit without ReadyToTrip.
			if from == gobreaker.StateHalfOpen && to == gobreaker.StateOpen {
				b.setTripped(CircuitBreakerCounts{Requests: 1, TotalFailures: 1, ConsecutiveFailures: 1})
			}

			if config.OnStateChange != nil {
				config.OnStateChange(name, convertGobreakerState(from), convertGobreakerState(to))
			}
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return !b.classifier.ShouldTripCircuit(err)
		},
	}
	b.cb = gobreaker.NewCircuitBreaker[any](settings)
	return b
}

func (b *circuitBreaker) setTripped(counts CircuitBreakerCounts) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tripped = counts
}

// execute runs one attempt through the breaker. Rejections are wrapped with jperrors
// circuit breaker errors that keep the gobreaker sentinel as their cause.
func (b *circuitBreaker) execute(op string, fn func() (any, error)) (any, error) {
	resp, err := b.cb.Execute(fn)
	if err == nil {
		return resp, nil
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		counts := b.counts()
		b.logger.Warn("circuit breaker is open, attempt rejected",
			"operation", op,
			"state", b.cb.State().String(),
			"consecutive_failures", counts.ConsecutiveFailures)
		return nil, jperrors.NewCircuitBreakerError(
			"attempt rejected",
			op,
			"open",
			jperrors.WithCause(err),
		)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		b.logger.Debug("circuit breaker in half-open state, too many attempts",
			"operation", op,
			"requests", b.cb.Counts().Requests,
			"error", err)
		return nil, jperrors.NewCircuitBreakerError(
			"too many attempts in half-open state",
			op,
			"half-open",
			jperrors.WithCause(err),
		)
	default:
		b.logger.Debug("attempt failed through circuit breaker",
			"operation", op,
			"error", err,
			"should_trip", b.classifier.ShouldTripCircuit(err))
	}
	return resp, err
}

func (b *circuitBreaker) state() CircuitBreakerState {
	return convertGobreakerState(b.cb.State())
}

// counts returns the live counts, or the counts that opened the circuit while it is open.
func (b *circuitBreaker) counts() CircuitBreakerCounts {
	if b.cb.State() == gobreaker.StateOpen {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.tripped
	}
	return convertGobreakerCounts(b.cb.Counts())
}

// IsCircuitRejection reports whether err is an attempt rejected by an open or
// saturated half-open circuit breaker.
func IsCircuitRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func convertGobreakerCounts(counts gobreaker.Counts) CircuitBreakerCounts {
	return CircuitBreakerCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

func convertGobreakerState(state gobreaker.State) CircuitBreakerState {
	switch state {
	case gobreaker.StateClosed:
		return CircuitClosed
	case gobreaker.StateHalfOpen:
		return CircuitHalfOpen
	case gobreaker.StateOpen:
		return CircuitOpen
	default:
		return CircuitClosed
	}
}
