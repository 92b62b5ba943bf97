// Package replay validates (timestamp, nonce) pairs on inbound agent messages
// so a captured frame cannot be re-sent to trigger a second execution.
package replay

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/tbruckner/dockyard/internal/clock"
)

const nonceBytes = 16 // 128 bits of entropy

// Rejection reasons returned by Validate.
const (
	ReasonFuture    = "timestamp in the future"
	ReasonTooOld    = "timestamp too old"
	ReasonReplay    = "nonce replay"
	ReasonSaturated = "nonce cache saturated"
)

// Guard tracks recently seen nonces inside a sliding acceptance window.
// Entries older than the window are evicted on every admission, so the cache
// size is bounded by window length times message rate; maxEntries caps it
// hard and the guard fails closed when the cap is hit.
type Guard struct {
	mu         sync.Mutex
	seen       map[string]time.Time // nonce -> first seen
	window     time.Duration
	skew       time.Duration
	maxEntries int
	clk        clock.Clock
}

// NewGuard creates a Guard with the given acceptance window and tolerated
// future clock skew. maxEntries <= 0 selects a default of 100k entries.
func NewGuard(window, skew time.Duration, maxEntries int, clk clock.Clock) *Guard {
	if maxEntries <= 0 {
		maxEntries = 100_000
	}
	return &Guard{
		seen:       make(map[string]time.Time),
		window:     window,
		skew:       skew,
		maxEntries: maxEntries,
		clk:        clk,
	}
}

// GenerateNonce returns a fresh random nonce with 128 bits of entropy,
// base64-url encoded.
func GenerateNonce() (string, error) {
	b := make([]byte, nonceBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Validate admits a (timestamp, nonce) pair at most once. It returns false
// with a reason when the timestamp is outside the acceptance window, the
// nonce was already seen, or the cache is full.
func (g *Guard) Validate(ts time.Time, nonce string) (bool, string) {
	now := g.clk.Now()

	if ts.After(now.Add(g.skew)) {
		return false, ReasonFuture
	}
	if ts.Before(now.Add(-g.window)) {
		return false, ReasonTooOld
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.evictLocked(now)

	if _, dup := g.seen[nonce]; dup {
		return false, ReasonReplay
	}
	if len(g.seen) >= g.maxEntries {
		return false, ReasonSaturated
	}

	g.seen[nonce] = now
	return true, ""
}

// Len reports the current nonce cache size.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

// Sweep evicts expired entries outside the admission path. Wired to the
// housekeeping schedule so an idle server does not hold a full cache.
func (g *Guard) Sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.evictLocked(g.clk.Now())
}

// evictLocked drops entries older than the window. Caller holds g.mu.
func (g *Guard) evictLocked(now time.Time) {
	cutoff := now.Add(-g.window)
	for n, at := range g.seen {
		if at.Before(cutoff) {
			delete(g.seen, n)
		}
	}
}
