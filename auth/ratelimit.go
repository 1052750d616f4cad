package auth

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultRateLimit     = 30
	DefaultRateWindow    = 60 * time.Second
	DefaultSweepInterval = 5 * time.Minute
)

// Limiter is a sliding-window log rate limiter. Each key may make limit
// requests within any window-long interval.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithLimiterClock overrides the time source.
func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) {
		l.now = now
	}
}

// NewLimiter creates a limiter allowing limit requests per window.
func NewLimiter(limit int, window time.Duration, opts ...LimiterOption) *Limiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	l := &Limiter{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow records a request for key. When the window is full it returns false
// and the time until the oldest request leaves the window.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	hits := l.recentLocked(key, now)
	if len(hits) >= l.limit {
		l.hits[key] = hits
		return false, hits[0].Add(l.window).Sub(now)
	}

	l.hits[key] = append(hits, now)
	return true, 0
}

// recentLocked drops timestamps that fell out of the window.
func (l *Limiter) recentLocked(key string, now time.Time) []time.Time {
	hits := l.hits[key]
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}

// Sweep removes keys with no request inside the window and returns how many
// were removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key := range l.hits {
		if hits := l.recentLocked(key, now); len(hits) == 0 {
			delete(l.hits, key)
			removed++
		} else {
			l.hits[key] = hits
		}
	}
	return removed
}

// RunSweeper sweeps on every tick until ctx is done.
func (l *Limiter) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}
