package interceptor

import (
	"strconv"
	"sync"
	"time"

	"github.com/advdv/bdispatch"
	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
)

// ErrRateLimited is what a limited request fails with.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimiter limits requests per client ip with a token bucket each.
type RateLimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimit allows rps requests per second per client ip with bursts up to burst. Buckets that were not used
// for ten minutes are dropped.
func RateLimit(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		ttl:     10 * time.Minute,
		now:     time.Now,
		buckets: map[string]*bucket{},
	}
}

// PreHandle fails with a 429 once the client's bucket is empty.
func (l *RateLimiter) PreHandle(req *bdispatch.Request, resp *bdispatch.Response) (bool, error) {
	res := l.get(req.ClientIP()).ReserveN(l.now(), 1)
	if !res.OK() {
		return false, bdispatch.NewError(bdispatch.CodeTooManyRequests, ErrRateLimited)
	}

	if delay := res.DelayFrom(l.now()); delay > 0 {
		res.CancelAt(l.now())
		secs := int(delay.Seconds())
		if secs < 1 {
			secs = 1
		}

		resp.Header().Set("Retry-After", strconv.Itoa(secs))
		return false, bdispatch.NewError(bdispatch.CodeTooManyRequests, ErrRateLimited)
	}

	return true, nil
}

// PostHandle does nothing.
func (l *RateLimiter) PostHandle(*bdispatch.Request, *bdispatch.Response) error { return nil }

func (l *RateLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > l.ttl {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > l.ttl {
				delete(l.buckets, k)
			}
		}

		l.lastSweep = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}

	b.lastSeen = now

	return b.lim
}

// Len returns how many clients are tracked.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.buckets)
}
