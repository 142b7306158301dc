package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// Limiter throttles each user with a token bucket of `requests` per `window`.
// Exhausting the bucket blocks the user for the configured block duration.
type Limiter struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	limit     rate.Limit
	burst     int
	block     time.Duration
	idleTTL   time.Duration
	entries   map[int64]*entry
	cleanupAt time.Time
}

type entry struct {
	limiter      *rate.Limiter
	blockedUntil time.Time
	lastSeen     time.Time
}

func New(requests int, window, block time.Duration, clock clockwork.Clock) *Limiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	idle := window
	if block > idle {
		idle = block
	}

	return &Limiter{
		clock:     clock,
		limit:     rate.Limit(float64(requests) / window.Seconds()),
		burst:     requests,
		block:     block,
		idleTTL:   2 * idle,
		entries:   make(map[int64]*entry),
		cleanupAt: clock.Now().Add(2 * idle),
	}
}

// Allow consumes one request for the user. When refused it also returns how
// long the user has to wait.
func (l *Limiter) Allow(userID int64) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.After(l.cleanupAt) {
		l.cleanup(now)
		l.cleanupAt = now.Add(l.idleTTL)
	}

	e, ok := l.entries[userID]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[userID] = e
	}
	e.lastSeen = now

	if now.Before(e.blockedUntil) {
		return false, e.blockedUntil.Sub(now)
	}

	if e.limiter.AllowN(now, 1) {
		return true, 0
	}

	if l.block > 0 {
		e.blockedUntil = now.Add(l.block)
		return false, l.block
	}

	r := e.limiter.ReserveN(now, 1)
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return false, wait
}

// Reset forgets the user's history, e.g. after an admin unblock.
func (l *Limiter) Reset(userID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, userID)
}

// Tracked returns the number of users with live limiter state.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// cleanup drops idle users. Must be called with mu held.
func (l *Limiter) cleanup(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for id, e := range l.entries {
		if e.lastSeen.Before(cutoff) && !now.Before(e.blockedUntil) {
			delete(l.entries, id)
		}
	}
}
