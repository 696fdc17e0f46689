package remote

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	return NewCircuitBreaker(BreakerOptions{
		FailureThreshold: 5,
		CoolDown:         30 * time.Second,
		HalfOpenProbe:    5 * time.Second,
		Now:              clock.Now,
	})
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clock)

	for i := 0; i < 4; i++ {
		b.AfterFailure("gitlab.example.com")
		if !b.Allow("gitlab.example.com") {
			t.Fatalf("expected allow after %d failures", i+1)
		}
	}
	b.AfterFailure("gitlab.example.com")
	if b.State("gitlab.example.com") != stateOpen {
		t.Fatalf("expected open after threshold, got %s", b.State("gitlab.example.com"))
	}
	if b.Allow("gitlab.example.com") {
		t.Fatal("expected open breaker to reject before cool-down")
	}
}

func TestBreakerAllowsSingleProbeAfterCoolDown(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clock)

	for i := 0; i < 5; i++ {
		b.AfterFailure("host")
	}
	clock.Advance(29 * time.Second)
	if b.Allow("host") {
		t.Fatal("expected rejection before cool-down elapsed")
	}
	clock.Advance(2 * time.Second)
	if !b.Allow("host") {
		t.Fatal("expected probe after cool-down")
	}
	if b.State("host") != stateHalfOpen {
		t.Fatalf("expected half-open, got %s", b.State("host"))
	}
	// Second probe within the probe window is rejected.
	if b.Allow("host") {
		t.Fatal("expected one probe per window")
	}
	clock.Advance(6 * time.Second)
	if !b.Allow("host") {
		t.Fatal("expected another probe after the window")
	}
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clock)

	for i := 0; i < 5; i++ {
		b.AfterFailure("host")
	}
	clock.Advance(31 * time.Second)
	if !b.Allow("host") {
		t.Fatal("expected probe")
	}
	b.AfterSuccess("host")
	if b.State("host") != stateClosed {
		t.Fatalf("expected closed after probe success, got %s", b.State("host"))
	}
	if !b.Allow("host") {
		t.Fatal("expected closed breaker to allow")
	}
	// Counter was reset: it takes a full threshold to re-open.
	for i := 0; i < 4; i++ {
		b.AfterFailure("host")
	}
	if b.State("host") != stateClosed {
		t.Fatal("expected closed below threshold after reset")
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clock)

	for i := 0; i < 5; i++ {
		b.AfterFailure("host")
	}
	clock.Advance(31 * time.Second)
	if !b.Allow("host") {
		t.Fatal("expected probe")
	}
	b.AfterFailure("host")
	if b.State("host") != stateOpen {
		t.Fatalf("expected re-opened breaker, got %s", b.State("host"))
	}
	// Fresh open timestamp: rejected until a full new cool-down elapses.
	clock.Advance(29 * time.Second)
	if b.Allow("host") {
		t.Fatal("expected rejection during fresh cool-down")
	}
	clock.Advance(2 * time.Second)
	if !b.Allow("host") {
		t.Fatal("expected probe after fresh cool-down")
	}
}

func TestBreakerTracksHostsIndependently(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clock)

	for i := 0; i < 5; i++ {
		b.AfterFailure("bad.example.com")
	}
	if b.Allow("bad.example.com") {
		t.Fatal("expected bad host rejected")
	}
	if !b.Allow("good.example.com") {
		t.Fatal("expected unrelated host unaffected")
	}
}
