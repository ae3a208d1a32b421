// ratelimit.go throttles requests per client IP with token buckets.
// Stale buckets are swept lazily during Allow calls, so an idle server
// holds no background timers.
package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientIdleTTL is how long an IP's bucket survives without traffic
// before a sweep discards it.
const clientIdleTTL = 5 * time.Minute

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientLimiter hands out one token bucket per client IP. All methods
// are safe for concurrent use.
type ClientLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*clientBucket
	rate      rate.Limit
	burst     int
	lastSweep time.Time
}

// NewClientLimiter creates a limiter allowing perSecond requests per IP
// with the given burst size.
func NewClientLimiter(perSecond float64, burst int) *ClientLimiter {
	return &ClientLimiter{
		buckets:   make(map[string]*clientBucket),
		rate:      rate.Limit(perSecond),
		burst:     burst,
		lastSweep: time.Now(),
	}
}

// Allow reserves one token for ip. When the bucket is empty it reports
// false together with the wait until the next token becomes available.
func (cl *ClientLimiter) Allow(ip string) (allowed bool, retryAfter time.Duration) {
	now := time.Now()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if now.Sub(cl.lastSweep) > clientIdleTTL {
		cl.sweepLocked(now)
	}

	b, ok := cl.buckets[ip]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(cl.rate, cl.burst)}
		cl.buckets[ip] = b
	}
	b.lastSeen = now

	res := b.limiter.Reserve()
	if !res.OK() {
		return false, time.Minute
	}
	if delay := res.Delay(); delay > 0 {
		// The token is not available yet; give it back.
		res.Cancel()
		return false, delay
	}
	return true, 0
}

// sweepLocked drops buckets idle longer than clientIdleTTL. Caller must
// hold cl.mu.
func (cl *ClientLimiter) sweepLocked(now time.Time) {
	cutoff := now.Add(-clientIdleTTL)
	for ip, b := range cl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(cl.buckets, ip)
		}
	}
	cl.lastSweep = now
}

// Size returns the number of live buckets.
func (cl *ClientLimiter) Size() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.buckets)
}
