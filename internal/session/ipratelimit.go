package session

import (
	"sync"
	"time"

	"github.com/tbruckner/dockyard/internal/clock"
)

const (
	maxConnectAttempts = 10 // per IP within the window
	connectWindow      = time.Minute
	connectLockoutDur  = 5 * time.Minute
)

// connectAttempt tracks handshake attempts for an IP.
type connectAttempt struct {
	Count     int
	FirstAt   time.Time
	BlockedAt time.Time // non-zero if blocked
}

// IPRateLimiter throttles connection attempts per source IP before the
// handshake runs, so a flood of bad tokens cannot spin the KDF or the store.
type IPRateLimiter struct {
	mu       sync.Mutex
	attempts map[string]*connectAttempt
	clk      clock.Clock
}

// NewIPRateLimiter creates a connection-attempt rate limiter.
func NewIPRateLimiter(clk clock.Clock) *IPRateLimiter {
	return &IPRateLimiter{
		attempts: make(map[string]*connectAttempt),
		clk:      clk,
	}
}

// Allow checks whether a connection attempt from the given IP may proceed.
func (rl *IPRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clk.Now()
	a, ok := rl.attempts[ip]
	if !ok {
		rl.attempts[ip] = &connectAttempt{Count: 1, FirstAt: now}
		return true
	}

	// If blocked, check if the cooldown has expired.
	if !a.BlockedAt.IsZero() {
		if now.Before(a.BlockedAt.Add(connectLockoutDur)) {
			return false
		}
		a.Count = 1
		a.FirstAt = now
		a.BlockedAt = time.Time{}
		return true
	}

	// Reset the window if it has expired.
	if now.After(a.FirstAt.Add(connectWindow)) {
		a.Count = 1
		a.FirstAt = now
		return true
	}

	a.Count++
	if a.Count > maxConnectAttempts {
		a.BlockedAt = now
		return false
	}
	return true
}

// RecordFailure counts a failed handshake; repeated failures block the IP
// sooner than plain connection volume would.
func (rl *IPRateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	a, ok := rl.attempts[ip]
	if !ok {
		rl.attempts[ip] = &connectAttempt{Count: 1, FirstAt: rl.clk.Now()}
		return
	}
	a.Count += 2
	if a.Count > maxConnectAttempts {
		a.BlockedAt = rl.clk.Now()
	}
}

// Reset clears state for an IP after a successful handshake.
func (rl *IPRateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, ip)
}

// Cleanup removes expired entries. Call periodically.
func (rl *IPRateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clk.Now()
	for ip, a := range rl.attempts {
		if !a.BlockedAt.IsZero() {
			if now.After(a.BlockedAt.Add(connectLockoutDur)) {
				delete(rl.attempts, ip)
			}
			continue
		}
		if now.After(a.FirstAt.Add(connectWindow)) {
			delete(rl.attempts, ip)
		}
	}
}
