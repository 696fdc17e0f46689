package remote

import (
	"errors"
	"fmt"
	"time"
)

// CircuitOpenError is returned before any network attempt when the host's
// breaker is open.
type CircuitOpenError struct {
	Host string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for host %s", e.Host)
}

// RateLimitedError is returned when the retry budget is exhausted on 429s.
type RateLimitedError struct {
	Host       string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by host %s", e.Host)
}

// AuthExpiredError is returned when a 401 persists after the one reactive
// refresh attempt.
type AuthExpiredError struct {
	Host string
}

func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf("authentication expired for host %s", e.Host)
}

// UpstreamError carries the status and body of any other non-2xx response.
type UpstreamError struct {
	Host   string
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s returned %d: %s", e.Host, e.Status, e.Body)
}

// TimeoutError is returned when an outbound call exceeds its deadline. It
// counts as a breaker failure.
type TimeoutError struct {
	Host string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request to host %s timed out", e.Host)
}

// IsCircuitOpen reports whether err means the breaker rejected the call.
func IsCircuitOpen(err error) bool {
	var coe *CircuitOpenError
	return errors.As(err, &coe)
}

// IsNotFound reports whether err is an upstream 404.
func IsNotFound(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Status == 404
}

// countsAsHostFailure reports whether err should advance the circuit
// breaker. A definitive 4xx proves the host answered; only timeouts,
// transport errors, exhausted 429 budgets, and 5xx count against it.
func countsAsHostFailure(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Status >= 500
	}
	var ae *AuthExpiredError
	return !errors.As(err, &ae)
}
