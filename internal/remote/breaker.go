package remote

import (
	"sync"
	"time"
)

// Breaker states per host key.
const (
	stateClosed   = "closed"
	stateOpen     = "open"
	stateHalfOpen = "half_open"
)

const (
	defaultFailureThreshold = 5
	defaultCoolDown         = 30 * time.Second
	defaultHalfOpenProbe    = 5 * time.Second
)

type breakerEntry struct {
	state       string
	failures    int
	openedAt    time.Time
	lastProbeAt time.Time
}

// CircuitBreaker tracks consecutive outbound failures per host key and
// rejects calls to hosts that keep failing. State is process-local and
// resets to closed on restart.
type CircuitBreaker struct {
	mu    sync.Mutex
	hosts map[string]*breakerEntry

	failureThreshold int
	coolDown         time.Duration
	halfOpenProbe    time.Duration
	now              func() time.Time

	onStateChange func(host, state string)
}

type BreakerOptions struct {
	FailureThreshold int
	CoolDown         time.Duration
	HalfOpenProbe    time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time

	// OnStateChange is invoked with the host key and the new state after
	// every transition, while the breaker lock is held. Keep it cheap.
	OnStateChange func(host, state string)
}

func NewCircuitBreaker(opts BreakerOptions) *CircuitBreaker {
	threshold := opts.FailureThreshold
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	coolDown := opts.CoolDown
	if coolDown <= 0 {
		coolDown = defaultCoolDown
	}
	probe := opts.HalfOpenProbe
	if probe <= 0 {
		probe = defaultHalfOpenProbe
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		hosts:            make(map[string]*breakerEntry),
		failureThreshold: threshold,
		coolDown:         coolDown,
		halfOpenProbe:    probe,
		now:              now,
		onStateChange:    opts.OnStateChange,
	}
}

// Allow reports whether a call to host may proceed. In the open state it
// rejects until the cool-down elapses, then admits a single probe and moves
// to half-open; in half-open it admits one probe per probe window.
func (b *CircuitBreaker) Allow(host string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := b.entry(host)
	now := b.now()

	switch entry.state {
	case stateClosed:
		return true
	case stateOpen:
		if now.Sub(entry.openedAt) < b.coolDown {
			return false
		}
		b.transition(host, entry, stateHalfOpen)
		entry.lastProbeAt = now
		return true
	case stateHalfOpen:
		if now.Sub(entry.lastProbeAt) < b.halfOpenProbe {
			return false
		}
		entry.lastProbeAt = now
		return true
	}
	return true
}

// AfterSuccess records a successful call: closes a half-open circuit and
// resets the failure counter.
func (b *CircuitBreaker) AfterSuccess(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := b.entry(host)
	if entry.state != stateClosed {
		b.transition(host, entry, stateClosed)
	}
	entry.failures = 0
}

// AfterFailure records a failed call: re-opens a half-open circuit
// immediately, and opens a closed circuit once the threshold is reached.
func (b *CircuitBreaker) AfterFailure(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := b.entry(host)
	now := b.now()

	switch entry.state {
	case stateHalfOpen:
		b.transition(host, entry, stateOpen)
		entry.openedAt = now
	case stateClosed:
		entry.failures++
		if entry.failures >= b.failureThreshold {
			b.transition(host, entry, stateOpen)
			entry.openedAt = now
		}
	}
}

// State returns the current state string for host, for observability.
func (b *CircuitBreaker) State(host string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entry(host).state
}

func (b *CircuitBreaker) entry(host string) *breakerEntry {
	entry, ok := b.hosts[host]
	if !ok {
		entry = &breakerEntry{state: stateClosed}
		b.hosts[host] = entry
	}
	return entry
}

func (b *CircuitBreaker) transition(host string, entry *breakerEntry, state string) {
	entry.state = state
	if b.onStateChange != nil {
		b.onStateChange(host, state)
	}
}
