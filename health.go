package rpcproxy

// HealthStatus represents the health of a client: its circuit breaker state and
// call statistics.
type HealthStatus struct {
	// Healthy indicates whether calls are currently allowed through.
	// True for closed and half-open circuits and for clients without a circuit breaker.
	Healthy bool `json:"healthy"`

	// Status is a short description ("closed", "half-open", "open", "disabled").
	Status string `json:"status"`

	// Contract is the name of the service contract.
	Contract string `json:"contract"`

	// Requests is the number of attempts in the current circuit breaker interval.
	// While the circuit is open, this and the consecutive counts are the ones that opened it.
	Requests uint32 `json:"requests"`

	// ConsecutiveFailures is the number of consecutive failed attempts seen by the circuit breaker.
	ConsecutiveFailures uint32 `json:"consecutive_failures"`

	// ConsecutiveSuccesses is the number of consecutive successful attempts seen by the circuit breaker.
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`

	// TotalAttempts is the number of attempts made by the client.
	TotalAttempts int64 `json:"total_attempts"`

	// TotalSuccesses is the number of calls that returned without error.
	TotalSuccesses int64 `json:"total_successes"`

	// TotalFailures is the number of calls that returned an error.
	TotalFailures int64 `json:"total_failures"`
}

// Health returns the health status of the client.
func (c *Client[C]) Health() HealthStatus {
	stats := c.Stats()
	status := HealthStatus{
		Healthy:        true,
		Status:         "disabled",
		Contract:       c.adapter.Name(),
		TotalAttempts:  stats.TotalAttempts,
		TotalSuccesses: stats.TotalSuccesses,
		TotalFailures:  stats.TotalFailures,
	}
	if c.breaker == nil {
		return status
	}

	state := c.breaker.state()
	counts := c.breaker.counts()
	status.Healthy = state != CircuitOpen
	status.Status = state.String()
	status.Requests = counts.Requests
	status.ConsecutiveFailures = counts.ConsecutiveFailures
	status.ConsecutiveSuccesses = counts.ConsecutiveSuccesses
	return status
}
