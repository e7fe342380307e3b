package webhook

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedKeys bounds memory: one limiter per instance name, and
	// instance names come from the URL before authentication.
	maxTrackedKeys = 4096

	// rateLimitBurst is how many events an instance may deliver at once;
	// rateLimitRefill is the sustained events-per-second afterwards.
	rateLimitBurst  = 120
	rateLimitRefill = rate.Limit(2)

	// limiterIdleEvict is how long a limiter may sit unused before it is
	// eligible for eviction. A full burst regenerates within a minute at
	// the refill rate, so dropping idle state loses nothing.
	limiterIdleEvict = time.Minute
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles webhook deliveries with a token bucket per
// instance, keeping the tracked-key set bounded. Safe for concurrent
// use.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{entries: make(map[string]*limiterEntry)}
}

// Allow reports whether one more event from key may proceed now.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	e, ok := r.entries[key]
	if !ok {
		if len(r.entries) >= maxTrackedKeys {
			r.evict(now)
		}
		e = &limiterEntry{lim: rate.NewLimiter(rateLimitRefill, rateLimitBurst)}
		r.entries[key] = e
	}
	e.lastSeen = now
	return e.lim.Allow()
}

// evict drops idle limiters first, then arbitrary ones until there is
// room for a new entry. Caller holds the lock.
func (r *RateLimiter) evict(now time.Time) {
	for k, e := range r.entries {
		if now.Sub(e.lastSeen) >= limiterIdleEvict {
			delete(r.entries, k)
		}
	}
	for k := range r.entries {
		if len(r.entries) < maxTrackedKeys {
			break
		}
		delete(r.entries, k)
	}
}
