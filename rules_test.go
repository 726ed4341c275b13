package rpcproxy_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	rpcproxy "github.com/JohnPlummer/jp-go-rpcproxy"
)

// temporary is implemented by errors that know whether they are worth retrying.
type temporary interface {
	error
	Temporary() bool
}

type flakyError struct {
	temp bool
}

func (e flakyError) Error() string   { return "flaky" }
func (e flakyError) Temporary() bool { return e.temp }

type quotaReply struct {
	Remaining int
}

type throttled interface {
	Throttled() bool
}

type throttledReply struct{}

func (throttledReply) Throttled() bool { return true }

var _ = Describe("RuleRegistry", func() {
	var registry *rpcproxy.RuleRegistry

	BeforeEach(func() {
		registry = rpcproxy.NewRuleRegistry()
	})

	Describe("Classify", func() {
		It("treats unregistered errors as non-retryable", func() {
			Expect(registry.Classify(errors.New("boom"))).To(Equal(rpcproxy.NonRetryable))
			Expect(registry.Classify(nil)).To(Equal(rpcproxy.NonRetryable))
		})

		It("matches registered error types through wrapping", func() {
			registry.AddErrorRule(rpcproxy.NewErrorRule[*busyError](nil))

			wrapped := fmt.Errorf("calling Add: %w", &busyError{})
			Expect(registry.Classify(wrapped)).To(Equal(rpcproxy.Retryable))
		})

		It("applies the predicate", func() {
			registry.AddErrorRule(rpcproxy.NewErrorRule(func(err *busyError) bool { return err.transient }))

			Expect(registry.Classify(&busyError{transient: true})).To(Equal(rpcproxy.Retryable))
			Expect(registry.Classify(&busyError{transient: false})).To(Equal(rpcproxy.NonRetryable))
		})

		It("ORs several rules for the same type", func() {
			registry.AddErrorRule(rpcproxy.NewErrorRule(func(err *busyError) bool { return false }))
			registry.AddErrorRule(rpcproxy.NewErrorRule(func(err *busyError) bool { return true }))

			Expect(registry.Classify(&busyError{})).To(Equal(rpcproxy.Retryable))
			errorRules, responseRules := registry.Len()
			Expect(errorRules).To(Equal(2))
			Expect(responseRules).To(BeZero())
		})

		It("matches interface rules covariantly", func() {
			registry.AddErrorRule(rpcproxy.NewErrorRule(func(err temporary) bool { return err.Temporary() }))

			Expect(registry.Classify(flakyError{temp: true})).To(Equal(rpcproxy.Retryable))
			Expect(registry.Classify(flakyError{temp: false})).To(Equal(rpcproxy.NonRetryable))
			Expect(registry.Classify(&busyError{})).To(Equal(rpcproxy.NonRetryable))
		})

		It("always retries transient transport faults", func() {
			Expect(registry.Classify(rpcproxy.NewCommunicationError("recv", io.EOF))).To(Equal(rpcproxy.Retryable))
			Expect(registry.Classify(rpcproxy.ErrConnectionFaulted)).To(Equal(rpcproxy.Retryable))
		})

		It("exposes the rule type", func() {
			rule := rpcproxy.NewErrorRule[*busyError](nil)

			Expect(rule.Type().String()).To(Equal("*rpcproxy_test.busyError"))
			Expect(rpcproxy.ErrorRule{}.Matches(errors.New("x"))).To(BeFalse())
		})
	})

	Describe("ShouldRetryResponse", func() {
		It("matches responses by type and predicate", func() {
			registry.AddResponseRule(rpcproxy.NewResponseRule(func(r *quotaReply) bool { return r.Remaining == 0 }))

			Expect(registry.ShouldRetryResponse(&quotaReply{Remaining: 0})).To(BeTrue())
			Expect(registry.ShouldRetryResponse(&quotaReply{Remaining: 3})).To(BeFalse())
			Expect(registry.ShouldRetryResponse("not a reply")).To(BeFalse())
			Expect(registry.ShouldRetryResponse(nil)).To(BeFalse())
		})

		It("matches interface rules covariantly", func() {
			registry.AddResponseRule(rpcproxy.NewResponseRule[throttled](nil))

			Expect(registry.ShouldRetryResponse(throttledReply{})).To(BeTrue())
			Expect(registry.ShouldRetryResponse(&quotaReply{})).To(BeFalse())
		})
	})

	Describe("Classification", func() {
		It("has string names", func() {
			Expect(rpcproxy.Retryable.String()).To(Equal("retryable"))
			Expect(rpcproxy.NonRetryable.String()).To(Equal("non-retryable"))
		})
	})
})

var _ = Describe("IsTransientTransportFailure", func() {
	DescribeTable("recognizes connectivity faults",
		func(err error, expected bool) {
			Expect(rpcproxy.IsTransientTransportFailure(err)).To(Equal(expected))
		},
		Entry("nil", nil, false),
		Entry("plain error", errors.New("boom"), false),
		Entry("transient communication error", rpcproxy.NewCommunicationError("send", errors.New("broken")), true),
		Entry("permanent communication error", &rpcproxy.CommunicationError{Err: errors.New("bad frame")}, false),
		Entry("faulted connection", fmt.Errorf("open: %w", rpcproxy.ErrConnectionFaulted), true),
		Entry("truncated read", io.ErrUnexpectedEOF, true),
		Entry("connection reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true),
		Entry("connection refused", syscall.ECONNREFUSED, true),
		Entry("broken pipe", syscall.EPIPE, true),
		Entry("gRPC unavailable", status.Error(codes.Unavailable, "no healthy upstream"), true),
		Entry("gRPC invalid argument", status.Error(codes.InvalidArgument, "bad request"), false),
		Entry("context canceled", context.Canceled, false),
		Entry("deadline exceeded", context.DeadlineExceeded, false),
		Entry("canceled communication", rpcproxy.NewCommunicationError("send", context.Canceled), false),
	)
})
