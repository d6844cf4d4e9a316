package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RejectCounter receives one increment per rejected submission
type RejectCounter interface {
	IncRateLimitReject()
}

type window struct {
	start time.Time
	count int
}

// Limiter is a per-bidder fixed-window admission check. It touches no
// storage and never blocks, so it is safe to run ahead of the lock.
type Limiter struct {
	limit   int
	period  time.Duration
	clock   clockwork.Clock
	rejects RejectCounter

	mu      sync.Mutex
	windows map[string]*window
}

// NewLimiter allows limit submissions per bidder in each period
func NewLimiter(limit int, period time.Duration, clock clockwork.Clock, rejects RejectCounter) *Limiter {
	return &Limiter{
		limit:   limit,
		period:  period,
		clock:   clock,
		rejects: rejects,
		windows: make(map[string]*window),
	}
}

// Allow admits or rejects one submission from bidderID
func (l *Limiter) Allow(bidderID string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	w, ok := l.windows[bidderID]
	if !ok || now.Sub(w.start) >= l.period {
		w = &window{start: now}
		l.windows[bidderID] = w
	}
	allowed := w.count < l.limit
	if allowed {
		w.count++
	}
	l.mu.Unlock()

	if !allowed && l.rejects != nil {
		l.rejects.IncRateLimitReject()
	}
	return allowed
}

// RetryAfter is how long bidderID must wait for its window to reset
func (l *Limiter) RetryAfter(bidderID string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[bidderID]
	if !ok {
		return 0
	}
	if d := l.period - l.clock.Since(w.start); d > 0 {
		return d
	}
	return 0
}

// Sweep drops windows that have fully elapsed and returns how many it removed
func (l *Limiter) Sweep() int {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, w := range l.windows {
		if now.Sub(w.start) >= l.period {
			delete(l.windows, id)
			removed++
		}
	}
	return removed
}

// Run sweeps once per period until ctx is done
func (l *Limiter) Run(ctx context.Context) {
	ticker := l.clock.NewTicker(l.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			l.Sweep()
		}
	}
}
