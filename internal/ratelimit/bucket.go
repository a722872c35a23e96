package ratelimit

import (
	"sort"
	"sync"
	"time"
)

// windowTolerance absorbs jitter between reset times reported for the same
// window by consecutive responses.
const windowTolerance = 250 * time.Millisecond

// settlePoll is how long to wait when a bucket is spent but its next reset
// is not known yet.
const settlePoll = 50 * time.Millisecond

// BucketState is a point-in-time copy of a bucket.
type BucketState struct {
	Key       string    `json:"key"`
	Hash      string    `json:"hash,omitempty"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	InFlight  int       `json:"in_flight"`
	Routes    []string  `json:"routes"`
}

// Bucket is one server-assigned quota. All fields are guarded by mu.
type Bucket struct {
	key  string
	hash string

	mu        sync.Mutex
	limit     int
	remaining int
	resetAt   time.Time
	known     bool // Authoritative once a response with limits was observed
	inflight  int
	routes    map[string]struct{}
}

func newBucket(key, hash string) *Bucket {
	return &Bucket{
		key:    key,
		hash:   hash,
		routes: make(map[string]struct{}),
	}
}

// take reserves one slot. It returns the window the slot was taken from so a
// refund can be matched against it.
func (b *Bucket) take(now time.Time) (wait time.Duration, window time.Time, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollover(now)
	if !b.known {
		b.inflight++
		return 0, time.Time{}, true
	}
	if b.remaining <= 0 {
		if !b.resetAt.IsZero() {
			return b.resetAt.Sub(now), time.Time{}, false
		}
		// Window replenished and spent before any response named the
		// next reset. Wait for the in-flight responses to report it.
		if b.inflight > 0 {
			return settlePoll, time.Time{}, false
		}
		b.known = false
		b.inflight++
		return 0, time.Time{}, true
	}
	b.remaining--
	b.inflight++
	return 0, b.resetAt, true
}

// rollover replenishes an expired window. Callers hold mu.
func (b *Bucket) rollover(now time.Time) {
	if !b.known || b.resetAt.IsZero() || now.Before(b.resetAt) {
		return
	}
	b.resetAt = time.Time{}
	if b.limit > 0 {
		b.remaining = b.limit
		return
	}
	// A 429 without limit headers leaves nothing to replenish from.
	b.known = false
}

// refund returns a slot that never reached the wire.
func (b *Bucket) refund(window time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inflight > 0 {
		b.inflight--
	}
	if !b.known || window.IsZero() || !b.resetAt.Equal(window) {
		return
	}
	if b.remaining < b.limit {
		b.remaining++
	}
}

// settle marks an in-flight request as answered.
func (b *Bucket) settle() {
	b.mu.Lock()
	if b.inflight > 0 {
		b.inflight--
	}
	b.mu.Unlock()
}

// update reconciles local state with a response. Requests still in flight
// have not been counted by the server yet, so they are subtracted from its
// figure, and the local count is never raised within the same window.
func (b *Bucket) update(h Headers, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollover(now)

	server := h.Remaining - b.inflight
	if server < 0 {
		server = 0
	}

	sameWindow := b.known && !b.resetAt.IsZero() && absDuration(h.ResetAt.Sub(b.resetAt)) <= windowTolerance
	b.limit = h.Limit
	if sameWindow {
		if server < b.remaining {
			b.remaining = server
		}
		if h.ResetAt.After(b.resetAt) {
			b.resetAt = h.ResetAt
		}
	} else {
		b.remaining = server
		b.resetAt = h.ResetAt
	}
	b.known = true
}

// exhaust applies a 429: nothing may be sent until now+retryAfter, whatever
// the local bookkeeping said.
func (b *Bucket) exhaust(now time.Time, retryAfter time.Duration) {
	b.mu.Lock()
	b.remaining = 0
	b.resetAt = now.Add(retryAfter)
	b.known = true
	b.mu.Unlock()
}

func (b *Bucket) addRoute(key string) {
	b.mu.Lock()
	b.routes[key] = struct{}{}
	b.mu.Unlock()
}

func (b *Bucket) removeRoute(key string) {
	b.mu.Lock()
	delete(b.routes, key)
	b.mu.Unlock()
}

func (b *Bucket) state(now time.Time) (BucketState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollover(now)
	routes := make([]string, 0, len(b.routes))
	for r := range b.routes {
		routes = append(routes, r)
	}
	sort.Strings(routes)

	return BucketState{
		Key:       b.key,
		Hash:      b.hash,
		Limit:     b.limit,
		Remaining: b.remaining,
		ResetAt:   b.resetAt,
		InFlight:  b.inflight,
		Routes:    routes,
	}, b.known
}

// globalBucket is the process-wide quota. blockedUntil is set by global 429s;
// limit/window is an optional local ceiling.
type globalBucket struct {
	mu           sync.Mutex
	limit        int
	window       time.Duration
	remaining    int
	resetAt      time.Time
	blockedUntil time.Time
}

func (g *globalBucket) blocked(now time.Time) (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if now.Before(g.blockedUntil) {
		return g.blockedUntil.Sub(now), true
	}
	return 0, false
}

func (g *globalBucket) take(now time.Time) (wait time.Duration, window time.Time, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if now.Before(g.blockedUntil) {
		return g.blockedUntil.Sub(now), time.Time{}, false
	}
	if g.limit <= 0 {
		return 0, time.Time{}, true
	}
	if g.resetAt.IsZero() || !now.Before(g.resetAt) {
		g.remaining = g.limit
		g.resetAt = now.Add(g.window)
	}
	if g.remaining <= 0 {
		return g.resetAt.Sub(now), time.Time{}, false
	}
	g.remaining--
	return 0, g.resetAt, true
}

func (g *globalBucket) refund(window time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.limit <= 0 || window.IsZero() || !g.resetAt.Equal(window) {
		return
	}
	if g.remaining < g.limit {
		g.remaining++
	}
}

func (g *globalBucket) block(until time.Time) {
	g.mu.Lock()
	if until.After(g.blockedUntil) {
		g.blockedUntil = until
	}
	g.mu.Unlock()
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
