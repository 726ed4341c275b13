package rpcproxy

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// errRetryResponse marks an attempt whose response matched a response rule.
var errRetryResponse = errors.New("rpcproxy: response matched a retry rule")

// errStopAttempts ends the retry loop; the real outcome is kept by the invoker.
var errStopAttempts = errors.New("rpcproxy: attempts stopped")

// callStats tracks invocation statistics of a client.
type callStats struct {
	mu              sync.RWMutex
	totalAttempts   int64
	totalRetries    int64
	totalSuccesses  int64
	totalFailures   int64
	lastAttemptTime time.Time
	lastError       error
}

// CallStats holds statistics about the calls made through a client.
type CallStats struct {
	// TotalAttempts is the total number of attempts made (including initial and retries)
	TotalAttempts int64

	// TotalRetries is the number of retry attempts (not including initial attempts)
	TotalRetries int64

	// TotalSuccesses is the number of calls that returned without error
	TotalSuccesses int64

	// TotalFailures is the number of calls that returned an error
	TotalFailures int64

	// LastAttemptTime is the time of the last attempt
	LastAttemptTime time.Time

	// LastError is the last error returned by a call (if any)
	LastError error
}

// Stats returns a snapshot of the client's call statistics.
func (c *Client[C]) Stats() CallStats {
	c.stats.mu.RLock()
	defer c.stats.mu.RUnlock()

	return CallStats{
		TotalAttempts:   c.stats.totalAttempts,
		TotalRetries:    c.stats.totalRetries,
		TotalSuccesses:  c.stats.totalSuccesses,
		TotalFailures:   c.stats.totalFailures,
		LastAttemptTime: c.stats.lastAttemptTime,
		LastError:       c.stats.lastError,
	}
}

type detachedAttemptsKey struct{}

// withDetachedAttempts makes the invoker run attempts on a context that ignores
// cancellation of ctx. ctx is then only observed between attempts.
func withDetachedAttempts(ctx context.Context) context.Context {
	return context.WithValue(ctx, detachedAttemptsKey{}, true)
}

func detachedAttempts(ctx context.Context) bool {
	v, _ := ctx.Value(detachedAttemptsKey{}).(bool)
	return v
}

// invoke runs one logical call of op: it owns a connection handle for all attempts
// and retries according to the client's rules and delay policy.
//
// When response retries run out, the last response is returned with a nil error
// and CallSuccess and AfterInvoke are not fired for it.
func (c *Client[C]) invoke(ctx context.Context, op *Operation, args []any) (any, error) {
	info := newInvokeInfo(op.Method, args)
	handle := newConnectionHandle(c.factory, c.logger)
	defer handle.release()

	attemptCtx := ctx
	if detachedAttempts(ctx) {
		attemptCtx = context.WithoutCancel(ctx)
	}

	var (
		policy    = c.config.DelayPolicy()
		iteration int
		response  any
		terminal  error
		lastErr   error
	)

	// Exhaustion is decided inside the attempt so the policy is only asked for
	// delays that are actually waited.
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		delay := policy.GetDelay(iteration)
		iteration++
		return delay, false
	})

	// stop ends the loop with err. retry.Do only sees errStopAttempts, which never
	// unwraps to a retryable error, whatever err wraps.
	stop := func(err error) error {
		terminal = err
		return errStopAttempts
	}

	fail := func(attempt int, elapsed time.Duration, err error) error {
		if IsTransientTransportFailure(err) {
			handle.fault()
		}
		class := c.config.Rules.Classify(err)

		if herr := c.fire(EventException, info, attempt, elapsed, err); herr != nil {
			return stop(herr)
		}

		if class == NonRetryable {
			c.logger.Debug("non-retryable error, giving up",
				"method", op.Method,
				"attempt", attempt,
				"error", err)
			return stop(err)
		}
		if attempt >= c.config.MaxRetries {
			if c.config.MaxRetries == 0 {
				return stop(err)
			}
			return stop(c.exhausted(attempt+1, op, err))
		}

		c.logger.Debug("retrying call after delay",
			"method", op.Method,
			"attempt", attempt,
			"error", err)
		lastErr = err
		return retry.RetryableError(err)
	}

	err := retry.Do(ctx, backoff, func(context.Context) error {
		attempt := iteration
		c.recordAttempt(attempt)

		resp, elapsed, err := c.attempt(attemptCtx, op, handle, info, attempt)
		if err != nil {
			return fail(attempt, elapsed, err)
		}

		if !op.OneWay && c.config.Rules.ShouldRetryResponse(resp) {
			if attempt >= c.config.MaxRetries {
				c.logger.Warn("response retries exhausted, returning last response",
					"method", op.Method,
					"attempts", attempt+1)
				info.setReturnValue(resp)
				response = resp
				return nil
			}
			c.logger.Debug("retrying call after response rule match",
				"method", op.Method,
				"attempt", attempt)
			lastErr = errRetryResponse
			return retry.RetryableError(errRetryResponse)
		}

		if op.HasResult() {
			info.setReturnValue(resp)
		}
		if herr := c.fire(EventCallSuccess, info, attempt, elapsed, nil); herr != nil {
			return fail(attempt, elapsed, herr)
		}
		if herr := c.fire(EventAfterInvoke, info, attempt, elapsed, nil); herr != nil {
			return fail(attempt, elapsed, herr)
		}

		if attempt > 0 {
			c.logger.Info("call succeeded after retry",
				"method", op.Method,
				"attempts", attempt+1)
		}
		response = resp
		return nil
	})
	switch {
	case terminal != nil:
		err = terminal
	case err != nil && lastErr != nil:
		// Canceled while waiting between attempts.
		err = fmt.Errorf("%w: last failure: %w", err, lastErr)
	}
	if err != nil {
		c.logger.Warn("call failed",
			"method", op.Method,
			"attempts", iteration+1,
			"error", err)
		c.stats.mu.Lock()
		c.stats.totalFailures++
		c.stats.lastError = err
		c.stats.mu.Unlock()
		return nil, err
	}

	c.stats.mu.Lock()
	c.stats.totalSuccesses++
	c.stats.mu.Unlock()
	return response, nil
}

// attempt performs a single try: connection, request pipeline, events, the remote
// call and the response pipeline.
func (c *Client[C]) attempt(ctx context.Context, op *Operation, handle *connectionHandle[C], info *InvokeInfo, retryCounter int) (any, time.Duration, error) {
	channel, err := handle.ensure(ctx)
	if err != nil {
		return nil, 0, err
	}
	client := channel.Client()
	target := reflect.ValueOf(&client).Elem()
	if target.IsNil() {
		return nil, 0, fmt.Errorf("%w: channel has no client", ErrConnectionFaulted)
	}

	args, err := c.config.Pipeline.ApplyRequest(op.Params, info.Parameters)
	if err != nil {
		return nil, 0, err
	}

	if err := c.fire(EventBeforeInvoke, info, retryCounter, 0, nil); err != nil {
		return nil, 0, err
	}
	if err := c.fire(EventCallBegin, info, retryCounter, 0, nil); err != nil {
		return nil, 0, err
	}

	start := c.clock.Now()
	resp, err := c.guard(op, func() (any, error) {
		return op.call(ctx, target, args)
	})
	elapsed := c.clock.Since(start)
	if err != nil {
		return nil, elapsed, err
	}
	if op.OneWay {
		return nil, elapsed, nil
	}

	resp, err = c.config.Pipeline.ApplyResponse(resp)
	return resp, elapsed, err
}

func (c *Client[C]) guard(op *Operation, fn func() (any, error)) (any, error) {
	if c.breaker == nil {
		return fn()
	}
	return c.breaker.execute(op.String(), fn)
}

func (c *Client[C]) fire(kind EventKind, info *InvokeInfo, retryCounter int, elapsed time.Duration, err error) error {
	return c.events.fire(InvokeEvent{
		Kind:         kind,
		Info:         info,
		RetryCounter: retryCounter,
		Contract:     c.adapter.Contract(),
		Elapsed:      elapsed,
		Err:          err,
	})
}

func (c *Client[C]) exhausted(attempts int, op *Operation, cause error) error {
	if factory := c.config.RetryFailureErrorFactory; factory != nil {
		return factory(attempts, op.Method, cause)
	}
	return &RetryExhaustedError{Method: op.Method, Attempts: attempts, Cause: cause}
}

func (c *Client[C]) recordAttempt(attempt int) {
	c.stats.mu.Lock()
	defer c.stats.mu.Unlock()
	c.stats.totalAttempts++
	if attempt > 0 {
		c.stats.totalRetries++
	}
	c.stats.lastAttemptTime = c.clock.Now()
}
