package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter enforces the per-IP connection-attempt limit: at most burst
// attempts per window. Limiters are created lazily per IP and pruned after
// being idle for several windows so the map cannot grow without bound.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiterEntry
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
}

type ipLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newIPLimiter creates a limiter allowing attempts connection attempts per
// window per IP.
func newIPLimiter(attempts int, window time.Duration) *ipLimiter {
	return &ipLimiter{
		limiters: make(map[string]*ipLimiterEntry),
		limit:    rate.Every(window / time.Duration(attempts)),
		burst:    attempts,
		idleTTL:  3 * window,
	}
}

// Allow reports whether the IP may make another connection attempt.
func (l *ipLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

// prune drops limiters that have been idle longer than the TTL.
func (l *ipLimiter) prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.idleTTL)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}

// runPruner prunes the limiter map periodically until stop is closed.
func (l *ipLimiter) runPruner(stop <-chan struct{}) {
	ticker := time.NewTicker(l.idleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.prune()
		case <-stop:
			return
		}
	}
}
