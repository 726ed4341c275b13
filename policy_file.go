package rpcproxy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Delay strategies accepted in a policy file.
const (
	DelayConstant    = "constant"
	DelayLinear      = "linear"
	DelayExponential = "exponential"
	DelayFibonacci   = "fibonacci"
)

// PolicyConfig is the file form of a client's retry policy.
//
// Example:
//
//	max_retries: 4
//	delay:
//	  strategy: exponential
//	  min: 100ms
//	  max: 5s
//	circuit_breaker:
//	  enabled: true
//	  max_requests: 2
//	  timeout: 30s
type PolicyConfig struct {
	MaxRetries     *int                     `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Delay          DelayConfig              `json:"delay,omitempty" yaml:"delay,omitempty"`
	CircuitBreaker CircuitBreakerFileConfig `json:"circuit_breaker,omitempty" yaml:"circuit_breaker,omitempty"`
}

// DelayConfig selects the delay policy.
type DelayConfig struct {
	Strategy string        `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Min      time.Duration `json:"min,omitempty" yaml:"min,omitempty"`
	Max      time.Duration `json:"max,omitempty" yaml:"max,omitempty"`
}

// CircuitBreakerFileConfig enables and tunes the circuit breaker. Zero values keep
// the DefaultCircuitBreakerConfig settings.
type CircuitBreakerFileConfig struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	MaxRequests uint32        `json:"max_requests,omitempty" yaml:"max_requests,omitempty"`
	Interval    time.Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// LoadPolicyFile reads a policy from a YAML file, or JSON when the extension is .json.
// JSON durations are given in nanoseconds.
func LoadPolicyFile(path string) (*PolicyConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		var cfg PolicyConfig
		if err := json.Unmarshal(b, &cfg); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	return ParsePolicyConfig(b)
}

// ParsePolicyConfig decodes and validates a YAML policy. Durations use Go syntax ("250ms").
func ParsePolicyConfig(b []byte) (*PolicyConfig, error) {
	var cfg PolicyConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (p *PolicyConfig) Validate() error {
	if p == nil {
		return fmt.Errorf("policy config is nil")
	}
	if p.MaxRetries != nil && *p.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	if p.Delay.Min < 0 || p.Delay.Max < 0 {
		return fmt.Errorf("delay.min and delay.max must be >= 0")
	}
	if p.Delay.Max > 0 && p.Delay.Min > p.Delay.Max {
		return fmt.Errorf("delay.min (%s) must not exceed delay.max (%s)", p.Delay.Min, p.Delay.Max)
	}
	switch strings.ToLower(p.Delay.Strategy) {
	case "", DelayConstant, DelayLinear, DelayExponential, DelayFibonacci:
	default:
		return fmt.Errorf("invalid delay.strategy: %q (want constant|linear|exponential|fibonacci)", p.Delay.Strategy)
	}
	if p.CircuitBreaker.Interval < 0 || p.CircuitBreaker.Timeout < 0 {
		return fmt.Errorf("circuit_breaker.interval and circuit_breaker.timeout must be >= 0")
	}
	return nil
}

// DelayPolicy returns the configured delay policy factory, or nil when no strategy is set.
func (p *PolicyConfig) DelayPolicy() DelayPolicyFactory {
	d := p.Delay
	switch strings.ToLower(d.Strategy) {
	case DelayConstant:
		return FixedDelayPolicy(ConstantDelay(d.Min))
	case DelayLinear:
		return FixedDelayPolicy(LinearDelay(d.Min, d.Max))
	case DelayExponential:
		return FixedDelayPolicy(ExponentialDelay(d.Min, d.Max))
	case DelayFibonacci:
		return FibonacciDelay(d.Min, d.Max)
	default:
		return nil
	}
}

// WithPolicyConfig applies a loaded policy. Settings absent from the file keep their
// current values.
//
// Example:
//
//	policy, err := rpcproxy.LoadPolicyFile("calculator.yaml")
//	if err != nil {
//	    return err
//	}
//	client, err := rpcproxy.New[Calculator](factory, rpcproxy.WithPolicyConfig(policy))
func WithPolicyConfig(p *PolicyConfig) Option {
	return func(c *Config) {
		if p == nil {
			return
		}
		if p.MaxRetries != nil {
			c.MaxRetries = *p.MaxRetries
		}
		if factory := p.DelayPolicy(); factory != nil {
			c.DelayPolicy = factory
		}
		if !p.CircuitBreaker.Enabled {
			return
		}

		var opts []CircuitBreakerOption
		if p.CircuitBreaker.MaxRequests > 0 {
			opts = append(opts, WithMaxRequests(p.CircuitBreaker.MaxRequests))
		}
		if p.CircuitBreaker.Interval > 0 {
			opts = append(opts, WithInterval(p.CircuitBreaker.Interval))
		}
		if p.CircuitBreaker.Timeout > 0 {
			opts = append(opts, WithTimeout(p.CircuitBreaker.Timeout))
		}
		WithCircuitBreaker(opts...)(c)
	}
}
