package guard

import (
	"sync"
	"time"

	"github.com/tbruckner/dockyard/internal/clock"
)

// Limiter rejection reasons.
const (
	ReasonConcurrent = "too many concurrent commands"
	ReasonRate       = "rate limit exceeded"
)

const rateWindow = time.Minute

// Limiter bounds command execution with a rolling per-minute quota and an
// in-flight ceiling. Acquire must be paired with Release on every exit path.
type Limiter struct {
	mu            sync.Mutex
	admissions    []time.Time
	inFlight      int
	maxConcurrent int
	maxPerMinute  int
	clk           clock.Clock
}

// NewLimiter creates a Limiter. Non-positive limits select defaults of
// 4 concurrent and 30 per minute.
func NewLimiter(maxConcurrent, maxPerMinute int, clk clock.Clock) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if maxPerMinute <= 0 {
		maxPerMinute = 30
	}
	return &Limiter{
		maxConcurrent: maxConcurrent,
		maxPerMinute:  maxPerMinute,
		clk:           clk,
	}
}

// Acquire admits one command or explains why not.
func (l *Limiter) Acquire() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inFlight >= l.maxConcurrent {
		return false, ReasonConcurrent
	}

	now := l.clk.Now()
	l.evictLocked(now)
	if len(l.admissions) >= l.maxPerMinute {
		return false, ReasonRate
	}

	l.admissions = append(l.admissions, now)
	l.inFlight++
	return true, ""
}

// Release returns one in-flight slot. Extra releases are ignored.
func (l *Limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight > 0 {
		l.inFlight--
	}
}

// InFlight reports current concurrent executions.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}

// evictLocked drops admissions that left the rolling window. Caller holds
// l.mu. The slice is trimmed from the front; admissions are appended in time
// order so the first survivor bounds the cut.
func (l *Limiter) evictLocked(now time.Time) {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(l.admissions) && l.admissions[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		l.admissions = append(l.admissions[:0], l.admissions[i:]...)
	}
}
