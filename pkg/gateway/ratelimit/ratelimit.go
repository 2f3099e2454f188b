// Package ratelimit throttles key server callers in process memory. Each
// caller gets a token bucket and a cap on requests in flight.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Config struct {
	// RPS and Burst shape the token bucket; either <= 0 disables it.
	RPS   float64
	Burst int
	// MaxConcurrentRequests <= 0 disables the in-flight cap.
	MaxConcurrentRequests int

	// MaxEntries and EntryTTL bound the caller table.
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu      sync.Mutex
	callers map[string]*caller
}

type caller struct {
	bucket   *rate.Limiter
	inFlight chan struct{}
	seen     time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{cfg: cfg, callers: make(map[string]*caller)}
}

// KeyFromAPIKey hashes an API key so raw secrets never sit in the table.
func KeyFromAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return "k_" + hex.EncodeToString(sum[:16])
}

func KeyFromClient(addr string) string {
	return "c_" + addr
}

// Permit is held for the duration of one request.
type Permit struct {
	once    sync.Once
	release func()
}

// Release is safe on a nil permit and may be called more than once.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		if p.release != nil {
			p.release()
		}
	})
}

type Decision struct {
	Allowed bool
	// RetryAfter is the suggested wait in whole seconds when denied.
	RetryAfter int
	Permit     *Permit
}

func (l *Limiter) AcquireRequest(key string, now time.Time) Decision {
	if key == "" {
		key = "anonymous"
	}
	c := l.lookup(key, now)

	if c.bucket != nil {
		res := c.bucket.ReserveN(now, 1)
		if !res.OK() {
			return Decision{RetryAfter: 1}
		}
		if delay := res.DelayFrom(now); delay > 0 {
			res.CancelAt(now)
			return Decision{RetryAfter: wholeSeconds(delay)}
		}
	}

	if c.inFlight == nil {
		return Decision{Allowed: true, Permit: &Permit{}}
	}
	select {
	case c.inFlight <- struct{}{}:
		return Decision{Allowed: true, Permit: &Permit{release: func() { <-c.inFlight }}}
	default:
		return Decision{RetryAfter: 1}
	}
}

// Len reports how many callers are tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.callers)
}

func (l *Limiter) lookup(key string, now time.Time) *caller {
	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := l.callers[key]; ok {
		c.seen = now
		return c
	}
	if len(l.callers) >= l.cfg.MaxEntries {
		l.evictLocked(now)
	}

	c := &caller{seen: now}
	if l.cfg.RPS > 0 && l.cfg.Burst > 0 {
		c.bucket = rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)
	}
	if l.cfg.MaxConcurrentRequests > 0 {
		c.inFlight = make(chan struct{}, l.cfg.MaxConcurrentRequests)
	}
	l.callers[key] = c
	return c
}

// evictLocked drops idle callers. If none are idle it drops an arbitrary
// one so the table stays bounded.
func (l *Limiter) evictLocked(now time.Time) {
	for k, c := range l.callers {
		if now.Sub(c.seen) > l.cfg.EntryTTL {
			delete(l.callers, k)
		}
	}
	if len(l.callers) < l.cfg.MaxEntries {
		return
	}
	for k := range l.callers {
		delete(l.callers, k)
		return
	}
}

func wholeSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}
