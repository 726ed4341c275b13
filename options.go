package rpcproxy

import (
	"log/slog"
	"time"

	"github.com/coder/quartz"
)

// DefaultMaxRetries is the retry budget applied when none is configured.
const DefaultMaxRetries = 2

// Config holds the retry policy and call pipeline of a client.
// It is only modified through options before the client is built.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	// Default: 2 (three attempts in total)
	MaxRetries int

	// DelayPolicy creates the delay policy of each logical call.
	// Default: exponential from 1 second, capped at 30 seconds
	DelayPolicy DelayPolicyFactory

	// Rules decides which errors and responses are retried.
	Rules *RuleRegistry

	// Pipeline transforms outgoing arguments and incoming responses.
	Pipeline *Pipeline

	// Events holds the lifecycle handlers registered through options.
	Events *Events

	// RetryFailureErrorFactory replaces *RetryExhaustedError when set.
	RetryFailureErrorFactory RetryFailureErrorFactory

	// CircuitBreaker guards every attempt when set.
	// Default: nil (disabled)
	CircuitBreaker *CircuitBreakerConfig

	// Logger for invocation logging.
	// Default: slog.Default()
	Logger *slog.Logger

	// Clock measures attempt durations.
	// Default: quartz.NewReal()
	Clock quartz.Clock
}

// Option is a functional option for configuring a client.
type Option func(*Config)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:  DefaultMaxRetries,
		DelayPolicy: FixedDelayPolicy(ExponentialDelay(time.Second, 30*time.Second)),
		Rules:       NewRuleRegistry(),
		Pipeline:    NewPipeline(),
		Events:      NewEvents(),
		Logger:      slog.Default(),
		Clock:       quartz.NewReal(),
	}
}

// clone copies c so that registries added to the copy do not leak into c.
func (c *Config) clone() *Config {
	out := *c
	if c.Rules != nil {
		out.Rules = c.Rules.clone()
	}
	if c.Pipeline != nil {
		out.Pipeline = c.Pipeline.clone()
	}
	if c.Events != nil {
		out.Events = c.Events.clone()
	}
	if c.CircuitBreaker != nil {
		cb := *c.CircuitBreaker
		out.CircuitBreaker = &cb
	}
	return &out
}

func (c *Config) ensureDefaults() {
	if c.DelayPolicy == nil {
		c.DelayPolicy = FixedDelayPolicy(ConstantDelay(0))
	}
	if c.Rules == nil {
		c.Rules = NewRuleRegistry()
	}
	if c.Pipeline == nil {
		c.Pipeline = NewPipeline()
	}
	if c.Events == nil {
		c.Events = NewEvents()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = quartz.NewReal()
	}
}

// WithMaxRetries sets the number of retries after the first attempt.
//
// Example:
//
//	rpcproxy.WithMaxRetries(4) // Up to 5 attempts
func WithMaxRetries(n int) Option {
	return func(c *Config) {
		c.MaxRetries = n
	}
}

// WithDelayPolicy sets the delay policy factory.
func WithDelayPolicy(factory DelayPolicyFactory) Option {
	return func(c *Config) {
		c.DelayPolicy = factory
	}
}

// WithConstantDelay waits d between attempts.
func WithConstantDelay(d time.Duration) Option {
	return WithDelayPolicy(FixedDelayPolicy(ConstantDelay(d)))
}

// WithLinearDelay waits minDelay*(n+1) before retry n, capped at maxDelay.
func WithLinearDelay(minDelay, maxDelay time.Duration) Option {
	return WithDelayPolicy(FixedDelayPolicy(LinearDelay(minDelay, maxDelay)))
}

// WithExponentialDelay waits minDelay*2^n before retry n, capped at maxDelay.
//
// Example:
//
//	rpcproxy.WithExponentialDelay(100*time.Millisecond, 5*time.Second)
//	// Delays: 100ms, 200ms, 400ms, ... 5s (capped)
func WithExponentialDelay(minDelay, maxDelay time.Duration) Option {
	return WithDelayPolicy(FixedDelayPolicy(ExponentialDelay(minDelay, maxDelay)))
}

// WithFibonacciDelay follows the fibonacci sequence from initial, capped at maxDelay.
//
// Example:
//
//	rpcproxy.WithFibonacciDelay(time.Second, 30*time.Second)
//	// Delays: 1s, 2s, 3s, 5s, 8s, ... 30s (capped)
func WithFibonacciDelay(initial, maxDelay time.Duration) Option {
	return WithDelayPolicy(FibonacciDelay(initial, maxDelay))
}

// RetryOnError retries errors whose chain holds a T accepted by predicate.
// A nil predicate retries every T.
//
// Example:
//
//	rpcproxy.RetryOnError(func(err *BusyError) bool { return err.RetryAfter < time.Minute })
func RetryOnError[T error](predicate func(T) bool) Option {
	return func(c *Config) {
		c.Rules.AddErrorRule(NewErrorRule(predicate))
	}
}

// RetryOnClassifier retries every error the classifier reports as retryable.
func RetryOnClassifier(classifier ErrorClassifier) Option {
	return func(c *Config) {
		c.Rules.AddErrorRule(NewErrorRule(func(err error) bool {
			return classifier.IsRetryable(err)
		}))
	}
}

// RetryOnStatusCodes retries errors carrying one of the given status codes.
// Without codes the StatusClassifier defaults apply (429 and 5xx gateway errors).
//
// Example:
//
//	rpcproxy.RetryOnStatusCodes(http.StatusTooManyRequests, http.StatusServiceUnavailable)
func RetryOnStatusCodes(codes ...int) Option {
	classifier := NewStatusClassifier()
	if len(codes) > 0 {
		classifier.RetryableStatuses = codes
	}
	return RetryOnClassifier(classifier)
}

// RetryOnResponse retries successful responses of type T accepted by predicate.
func RetryOnResponse[T any](predicate func(T) bool) Option {
	return func(c *Config) {
		c.Rules.AddResponseRule(NewResponseRule(predicate))
	}
}

// HandleRequestArgument transforms every outgoing argument of type T accepted by where.
// A nil where matches every argument of that type.
//
// Example:
//
//	rpcproxy.HandleRequestArgument(nil, func(req *pb.Request) *pb.Request {
//	    req.TraceId = traceID
//	    return req
//	})
func HandleRequestArgument[T any](where func(value T, paramName string) bool, handler func(T) T) Option {
	return func(c *Config) {
		AddArgumentHandler(c.Pipeline, where, handler)
	}
}

// HandleResponse transforms every response of type T accepted by where. Returning an
// error fails the attempt; the error is classified like any remote failure.
func HandleResponse[T any](where func(T) bool, handler func(T) (T, error)) Option {
	return func(c *Config) {
		AddResponseHandler(c.Pipeline, where, handler)
	}
}

// InspectResponse observes every response of type T accepted by where without replacing it.
func InspectResponse[T any](where func(T) bool, inspect func(T) error) Option {
	return func(c *Config) {
		AddResponseInspector(c.Pipeline, where, inspect)
	}
}

// WithRetryFailureErrorFactory replaces the error returned when retries are exhausted.
//
// Example:
//
//	rpcproxy.WithRetryFailureErrorFactory(func(attempts int, method string, cause error) error {
//	    return fmt.Errorf("calculator unavailable after %d tries: %w", attempts, cause)
//	})
func WithRetryFailureErrorFactory(factory RetryFailureErrorFactory) Option {
	return func(c *Config) {
		c.RetryFailureErrorFactory = factory
	}
}

// OnBeforeInvoke subscribes a handler fired before every attempt.
func OnBeforeInvoke(handler EventHandler) Option {
	return onEvent(EventBeforeInvoke, handler)
}

// OnAfterInvoke subscribes a handler fired once when a call succeeds.
func OnAfterInvoke(handler EventHandler) Option {
	return onEvent(EventAfterInvoke, handler)
}

// OnException subscribes a handler fired for every failed attempt.
func OnException(handler EventHandler) Option {
	return onEvent(EventException, handler)
}

// OnCallBegin subscribes a handler fired at the start of every attempt.
func OnCallBegin(handler EventHandler) Option {
	return onEvent(EventCallBegin, handler)
}

// OnCallSuccess subscribes a handler fired once when a call succeeds.
func OnCallSuccess(handler EventHandler) Option {
	return onEvent(EventCallSuccess, handler)
}

func onEvent(kind EventKind, handler EventHandler) Option {
	return func(c *Config) {
		c.Events.Subscribe(kind, handler)
	}
}

// WithLogger sets a custom logger.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	rpcproxy.WithLogger(logger)
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithClock sets the clock used to time attempts.
func WithClock(clock quartz.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithCircuitBreaker guards every attempt with a circuit breaker.
//
// Example:
//
//	rpcproxy.WithCircuitBreaker(
//	    rpcproxy.WithMaxRequests(5),
//	    rpcproxy.WithTimeout(60*time.Second),
//	)
func WithCircuitBreaker(opts ...CircuitBreakerOption) Option {
	return func(c *Config) {
		cb := DefaultCircuitBreakerConfig()
		for _, opt := range opts {
			opt(cb)
		}
		c.CircuitBreaker = cb
	}
}
