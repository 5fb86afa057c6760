package limits

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// Buckets idle for longer than staleAfter are swept every sweepEvery.
const (
	sweepEvery = 5 * time.Minute
	staleAfter = 10 * time.Minute
)

// Reason describes why a connection was refused.
type Reason string

const (
	ReasonPerIP Reason = "per_ip_limit"
	ReasonRate  Reason = "rate_limit"
)

// IPLimiter caps concurrent connections per remote IP. A max of 0 disables it.
type IPLimiter struct {
	mu     sync.Mutex
	ips    map[string]int
	maxPer int
}

// NewIPLimiter creates a limiter allowing maxPer concurrent connections per IP.
func NewIPLimiter(maxPer int) *IPLimiter {
	return &IPLimiter{ips: make(map[string]int), maxPer: maxPer}
}

// Acquire takes a slot for ip, returning false if ip is at its cap.
func (l *IPLimiter) Acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxPer > 0 && l.ips[ip] >= l.maxPer {
		return false
	}
	l.ips[ip]++
	return true
}

// Release returns a slot taken by Acquire.
func (l *IPLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := l.ips[ip]; n > 1 {
		l.ips[ip] = n - 1
	} else {
		delete(l.ips, ip)
	}
}

// Count returns the open connections held by ip.
func (l *IPLimiter) Count(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ips[ip]
}

// UniqueIPs returns the number of IPs currently holding a slot.
func (l *IPLimiter) UniqueIPs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ips)
}

// RateLimiter limits how fast each IP may open new connections, using one
// token bucket per IP. A rate of 0 disables it.
type RateLimiter struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	sweepAt time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perSecond new connections per IP with the given burst.
func NewRateLimiter(perSecond float64, burst int, clock clockwork.Clock) *RateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		clock:   clock,
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		sweepAt: clock.Now().Add(sweepEvery),
	}
}

// Allow reports whether ip may open a connection now, consuming a token if so.
func (l *RateLimiter) Allow(ip string) bool {
	if l.limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.After(l.sweepAt) {
		l.sweep(now)
		l.sweepAt = now.Add(sweepEvery)
	}

	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// sweep drops buckets unused since staleAfter. Caller holds mu.
func (l *RateLimiter) sweep(now time.Time) {
	cutoff := now.Add(-staleAfter)
	for ip, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, ip)
		}
	}
}

// Buckets returns the number of IPs with a live token bucket.
func (l *RateLimiter) Buckets() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Limits combines the per-IP cap and the per-IP rate.
type Limits struct {
	perIP *IPLimiter
	rate  *RateLimiter
}

// New creates the admission limits. Zero values disable the matching check.
func New(maxPerIP int, perSecond float64, burst int, clock clockwork.Clock) *Limits {
	return &Limits{
		perIP: NewIPLimiter(maxPerIP),
		rate:  NewRateLimiter(perSecond, burst, clock),
	}
}

// Acquire admits a connection from ip or returns the reason it was refused.
// A successful Acquire must be paired with Release.
func (l *Limits) Acquire(ip string) (bool, Reason) {
	if !l.rate.Allow(ip) {
		return false, ReasonRate
	}
	if !l.perIP.Acquire(ip) {
		return false, ReasonPerIP
	}
	return true, ""
}

// Release frees the slot taken for ip.
func (l *Limits) Release(ip string) {
	l.perIP.Release(ip)
}

// PerIP returns the concurrent-connection limiter.
func (l *Limits) PerIP() *IPLimiter { return l.perIP }

// Rate returns the connection rate limiter.
func (l *Limits) Rate() *RateLimiter { return l.rate }
