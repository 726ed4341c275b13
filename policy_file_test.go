package rpcproxy_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	rpcproxy "github.com/JohnPlummer/jp-go-rpcproxy"
)

var _ = Describe("Policy files", func() {
	Describe("ParsePolicyConfig", func() {
		It("decodes a full YAML policy", func() {
			cfg, err := rpcproxy.ParsePolicyConfig([]byte(`
max_retries: 4
delay:
  strategy: exponential
  min: 100ms
  max: 5s
circuit_breaker:
  enabled: true
  max_requests: 2
  interval: 1m
  timeout: 30s
`))
			Expect(err).NotTo(HaveOccurred())

			Expect(cfg.MaxRetries).NotTo(BeNil())
			Expect(*cfg.MaxRetries).To(Equal(4))
			Expect(cfg.Delay.Strategy).To(Equal(rpcproxy.DelayExponential))
			Expect(cfg.Delay.Min).To(Equal(100 * time.Millisecond))
			Expect(cfg.Delay.Max).To(Equal(5 * time.Second))
			Expect(cfg.CircuitBreaker.Enabled).To(BeTrue())
			Expect(cfg.CircuitBreaker.MaxRequests).To(Equal(uint32(2)))
			Expect(cfg.CircuitBreaker.Interval).To(Equal(time.Minute))
			Expect(cfg.CircuitBreaker.Timeout).To(Equal(30 * time.Second))
		})

		It("leaves absent settings unset", func() {
			cfg, err := rpcproxy.ParsePolicyConfig([]byte("delay:\n  strategy: constant\n  min: 20ms\n"))
			Expect(err).NotTo(HaveOccurred())

			Expect(cfg.MaxRetries).To(BeNil())
			Expect(cfg.CircuitBreaker.Enabled).To(BeFalse())
		})

		It("rejects malformed YAML", func() {
			_, err := rpcproxy.ParsePolicyConfig([]byte("max_retries: ["))
			Expect(err).To(HaveOccurred())
		})

		DescribeTable("rejects invalid settings",
			func(doc, message string) {
				_, err := rpcproxy.ParsePolicyConfig([]byte(doc))
				Expect(err).To(MatchError(ContainSubstring(message)))
			},
			Entry("negative retries", "max_retries: -1", "max_retries must be >= 0"),
			Entry("negative delay", "delay:\n  min: -1s", "delay.min and delay.max must be >= 0"),
			Entry("inverted bounds", "delay:\n  strategy: linear\n  min: 2s\n  max: 1s", "must not exceed delay.max"),
			Entry("unknown strategy", "delay:\n  strategy: random", `invalid delay.strategy: "random"`),
			Entry("negative breaker timeout", "circuit_breaker:\n  timeout: -5s", "circuit_breaker.interval and circuit_breaker.timeout must be >= 0"),
		)
	})

	Describe("Validate", func() {
		It("rejects a nil policy", func() {
			var cfg *rpcproxy.PolicyConfig
			Expect(cfg.Validate()).To(MatchError("policy config is nil"))
		})
	})

	Describe("DelayPolicy", func() {
		DescribeTable("builds the configured strategy",
			func(strategy string, expected []time.Duration) {
				cfg := &rpcproxy.PolicyConfig{Delay: rpcproxy.DelayConfig{
					Strategy: strategy,
					Min:      100 * time.Millisecond,
					Max:      time.Second,
				}}

				policy := cfg.DelayPolicy()()
				var delays []time.Duration
				for i := range expected {
					delays = append(delays, policy.GetDelay(i))
				}
				Expect(delays).To(Equal(expected))
			},
			Entry("constant", rpcproxy.DelayConstant, []time.Duration{100 * time.Millisecond, 100 * time.Millisecond}),
			Entry("linear", rpcproxy.DelayLinear, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}),
			Entry("exponential", rpcproxy.DelayExponential, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}),
			Entry("fibonacci", rpcproxy.DelayFibonacci, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 500 * time.Millisecond}),
		)

		It("is nil without a strategy", func() {
			cfg := &rpcproxy.PolicyConfig{}
			Expect(cfg.DelayPolicy()).To(BeNil())
		})
	})

	Describe("LoadPolicyFile", func() {
		var dir string

		BeforeEach(func() {
			dir = GinkgoT().TempDir()
		})

		It("loads YAML files", func() {
			path := filepath.Join(dir, "calculator.yaml")
			Expect(os.WriteFile(path, []byte("max_retries: 1\ndelay:\n  strategy: constant\n  min: 5ms\n"), 0o600)).To(Succeed())

			cfg, err := rpcproxy.LoadPolicyFile(path)

			Expect(err).NotTo(HaveOccurred())
			Expect(*cfg.MaxRetries).To(Equal(1))
			Expect(cfg.Delay.Min).To(Equal(5 * time.Millisecond))
		})

		It("loads JSON files", func() {
			path := filepath.Join(dir, "calculator.json")
			Expect(os.WriteFile(path, []byte(`{"max_retries": 3, "delay": {"strategy": "linear", "min": 1000000}}`), 0o600)).To(Succeed())

			cfg, err := rpcproxy.LoadPolicyFile(path)

			Expect(err).NotTo(HaveOccurred())
			Expect(*cfg.MaxRetries).To(Equal(3))
			Expect(cfg.Delay.Min).To(Equal(time.Millisecond))
		})

		It("validates JSON files", func() {
			path := filepath.Join(dir, "bad.json")
			Expect(os.WriteFile(path, []byte(`{"max_retries": -2}`), 0o600)).To(Succeed())

			_, err := rpcproxy.LoadPolicyFile(path)

			Expect(err).To(MatchError(ContainSubstring("max_retries")))
		})

		It("reports missing files", func() {
			_, err := rpcproxy.LoadPolicyFile(filepath.Join(dir, "missing.yaml"))

			Expect(errors.Is(err, os.ErrNotExist)).To(BeTrue())
		})
	})

	Describe("WithPolicyConfig", func() {
		It("applies the retry budget and the circuit breaker", func() {
			cfg, err := rpcproxy.ParsePolicyConfig([]byte(`
max_retries: 1
delay:
  strategy: constant
  min: 1ms
circuit_breaker:
  enabled: true
  timeout: 1m
`))
			Expect(err).NotTo(HaveOccurred())

			remote := &fakeCalculator{
				addFunc: func(ctx context.Context, a, b int) (int, error) {
					return 0, &busyError{}
				},
			}
			client, err := rpcproxy.New[Calculator](rpcproxy.StaticFactory[Calculator](remote),
				rpcproxy.WithLogger(quietLogger()),
				rpcproxy.RetryOnError[*busyError](nil),
				rpcproxy.WithPolicyConfig(cfg),
			)
			Expect(err).NotTo(HaveOccurred())

			_, err = client.Invoke(context.Background(), "Add", 1, 2)

			var exhausted *rpcproxy.RetryExhaustedError
			Expect(errors.As(err, &exhausted)).To(BeTrue())
			Expect(exhausted.Attempts).To(Equal(2))
			Expect(client.Health().Status).To(Equal("closed"))
		})

		It("keeps current settings for absent fields", func() {
			config := rpcproxy.DefaultConfig()
			rpcproxy.WithMaxRetries(5)(config)

			rpcproxy.WithPolicyConfig(&rpcproxy.PolicyConfig{})(config)

			Expect(config.MaxRetries).To(Equal(5))
			Expect(config.CircuitBreaker).To(BeNil())
		})
	})
})
