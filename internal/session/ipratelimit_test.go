package session

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeClock implements clock.Clock with a settable time.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}
func (f *fakeClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (f *fakeClock) Since(t time.Time) time.Duration        { return f.Now().Sub(t) }

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestIPLimiter() (*IPRateLimiter, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	return NewIPRateLimiter(clk), clk
}

func TestIPLimiterAllowsWithinQuota(t *testing.T) {
	rl, _ := newTestIPLimiter()
	for i := 0; i < maxConnectAttempts; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("attempt %d refused", i)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Error("attempt over quota allowed")
	}
	// Other IPs are unaffected.
	if !rl.Allow("10.0.0.2") {
		t.Error("unrelated IP refused")
	}
}

func TestIPLimiterBlockExpires(t *testing.T) {
	rl, clk := newTestIPLimiter()
	for i := 0; i <= maxConnectAttempts; i++ {
		rl.Allow("10.0.0.1")
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("blocked IP allowed")
	}

	clk.advance(connectLockoutDur + time.Second)
	if !rl.Allow("10.0.0.1") {
		t.Error("IP still blocked after lockout expired")
	}
}

func TestIPLimiterWindowResets(t *testing.T) {
	rl, clk := newTestIPLimiter()
	for i := 0; i < maxConnectAttempts; i++ {
		rl.Allow("10.0.0.1")
	}
	clk.advance(connectWindow + time.Second)
	if !rl.Allow("10.0.0.1") {
		t.Error("attempt refused after the window expired")
	}
}

func TestIPLimiterFailuresCountDouble(t *testing.T) {
	rl, _ := newTestIPLimiter()
	for i := 0; i < maxConnectAttempts; i++ {
		rl.RecordFailure("10.0.0.1")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("IP with repeated handshake failures still allowed")
	}
}

func TestIPLimiterResetClearsState(t *testing.T) {
	rl, _ := newTestIPLimiter()
	for i := 0; i <= maxConnectAttempts; i++ {
		rl.Allow("10.0.0.1")
	}
	rl.Reset("10.0.0.1")
	if !rl.Allow("10.0.0.1") {
		t.Error("reset IP still refused")
	}
}

func TestIPLimiterCleanup(t *testing.T) {
	rl, clk := newTestIPLimiter()
	for i := 0; i < 100; i++ {
		rl.Allow(fmt.Sprintf("10.0.0.%d", i))
	}
	clk.advance(connectWindow + time.Second)
	rl.Cleanup()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.attempts) != 0 {
		t.Errorf("%d entries survived cleanup", len(rl.attempts))
	}
}
