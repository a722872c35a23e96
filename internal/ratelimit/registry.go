package ratelimit

import (
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rickgao/gatecord/internal/metrics"
)

// DefaultRetryAfter is used for a 429 that carries no wait information.
const DefaultRetryAfter = time.Second

// Reservation is the result of Reserve. When Allowed is false the caller
// must wait Wait before trying again and must not send.
type Reservation struct {
	Allowed bool
	Wait    time.Duration
	Global  bool   // The wait comes from the global bucket
	Bucket  string // Empty while the route's bucket is unknown

	route        Route
	bucket       *Bucket
	bucketWindow time.Time
	globalWindow time.Time
}

// Outcome describes what RecordResponse learned from a response.
type Outcome struct {
	RateLimited bool
	Global      bool
	Scope       string
	RetryAfter  time.Duration
	Bucket      string
}

// Registry maps routes to buckets and admits requests against them.
type Registry struct {
	clock    clock.Clock
	logger   *slog.Logger
	observer Observer
	global   *globalBucket

	mu      sync.RWMutex // Guards the maps only
	routes  map[string]*Bucket
	buckets map[string]*Bucket
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithObserver receives admission and 429 events.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		r.observer = o
	}
}

// WithGlobalLimit caps requests across all routes to limit per window.
// A non-positive limit disables the ceiling; global 429s still apply.
func WithGlobalLimit(limit int, window time.Duration) Option {
	return func(r *Registry) {
		if window <= 0 {
			window = time.Second
		}
		r.global.limit = limit
		r.global.window = window
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		clock:   clock.New(),
		global:  &globalBucket{},
		routes:  make(map[string]*Bucket),
		buckets: make(map[string]*Bucket),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.observer == nil {
		r.observer = nopObserver{}
	}
	return r
}

// Clock returns the registry's time source.
func (r *Registry) Clock() clock.Clock {
	return r.clock
}

// BucketFor returns the bucket key of a route, or "" if unknown.
func (r *Registry) BucketFor(route Route) string {
	if b := r.bucket(route); b != nil {
		return b.key
	}
	return ""
}

// Lookup returns the state of the route's bucket. The second result is false
// while no response with limits has been observed for the route.
func (r *Registry) Lookup(route Route) (BucketState, bool) {
	b := r.bucket(route)
	if b == nil {
		return BucketState{}, false
	}
	return b.state(r.clock.Now())
}

// Reserve admits one request on route. The global bucket is checked first;
// an allowed reservation has decremented both the route's bucket and the
// global ceiling and must be completed with Complete or Release.
func (r *Registry) Reserve(route Route) Reservation {
	now := r.clock.Now()

	if wait, blocked := r.global.blocked(now); blocked {
		r.observe(EventDelayed, route, "", wait, true, now)
		return Reservation{Wait: wait, Global: true, route: route}
	}

	res := Reservation{route: route}
	b := r.bucket(route)
	if b != nil {
		res.Bucket = b.key
		wait, window, ok := b.take(now)
		if !ok {
			res.Wait = wait
			r.observe(EventDelayed, route, b.key, wait, false, now)
			return res
		}
		res.bucket = b
		res.bucketWindow = window
	}

	wait, window, ok := r.global.take(now)
	if !ok {
		if b != nil {
			b.refund(res.bucketWindow)
		}
		r.observe(EventDelayed, route, res.Bucket, wait, true, now)
		return Reservation{Wait: wait, Global: true, Bucket: res.Bucket, route: route}
	}
	res.globalWindow = window
	res.Allowed = true
	r.observe(EventAllowed, route, res.Bucket, 0, false, now)
	return res
}

// Release refunds a reservation whose request was never sent.
func (r *Registry) Release(res Reservation) {
	if !res.Allowed {
		return
	}
	if res.bucket != nil {
		res.bucket.refund(res.bucketWindow)
	}
	r.global.refund(res.globalWindow)
}

// Settle marks a reservation's request as finished without a usable
// response. The slot stays spent since the request may have reached the
// server.
func (r *Registry) Settle(res Reservation) {
	if res.Allowed && res.bucket != nil {
		res.bucket.settle()
	}
}

// Complete settles a reservation with the response it produced.
func (r *Registry) Complete(res Reservation, status int, header http.Header, body []byte) Outcome {
	r.Settle(res)
	return r.RecordResponse(res.route, status, header, body)
}

// RecordResponse updates the route's bucket from a response, creating it or
// moving the route to another bucket when the server names a different one.
func (r *Registry) RecordResponse(route Route, status int, header http.Header, body []byte) Outcome {
	now := r.clock.Now()
	h := ParseHeaders(status, header, body, now)
	limited := status == http.StatusTooManyRequests

	b := r.bucket(route)
	if h.Bucket != "" || (b == nil && (h.HasLimits || limited && !h.Global)) {
		b = r.bind(route, bucketKey(h.Bucket, route), h.Bucket)
	}
	if b != nil && h.HasLimits {
		b.update(h, now)
	}

	out := Outcome{Scope: h.Scope}
	if b != nil {
		out.Bucket = b.key
	}
	if !limited {
		return out
	}

	retryAfter := h.RetryAfter
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}
	out.RateLimited = true
	out.RetryAfter = retryAfter

	if h.Global {
		out.Global = true
		r.global.block(now.Add(retryAfter))
		metrics.RateLimitHits.WithLabelValues(ScopeGlobal).Inc()
		r.observe(EventGlobalLimited, route, out.Bucket, retryAfter, true, now)
		r.logger.Warn("global rate limit hit",
			"route", route.Key(),
			"retry_after", retryAfter)
		return out
	}

	if b != nil {
		b.exhaust(now, retryAfter)
	}
	scope := h.Scope
	if scope == "" {
		scope = ScopeUser
	}
	metrics.RateLimitHits.WithLabelValues(scope).Inc()
	r.observe(EventLimited, route, out.Bucket, retryAfter, false, now)
	r.logger.Warn("route rate limit hit",
		"route", route.Key(),
		"bucket", out.Bucket,
		"scope", scope,
		"retry_after", retryAfter)
	return out
}

// Snapshot returns every known bucket sorted by key.
func (r *Registry) Snapshot() []BucketState {
	r.mu.RLock()
	buckets := make([]*Bucket, 0, len(r.buckets))
	for _, b := range r.buckets {
		buckets = append(buckets, b)
	}
	r.mu.RUnlock()

	now := r.clock.Now()
	out := make([]BucketState, 0, len(buckets))
	for _, b := range buckets {
		s, _ := b.state(now)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of buckets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buckets)
}

// GlobalBlockedFor returns how long the global bucket is blocked by a 429.
func (r *Registry) GlobalBlockedFor() time.Duration {
	wait, _ := r.global.blocked(r.clock.Now())
	return wait
}

func (r *Registry) bucket(route Route) *Bucket {
	r.mu.RLock()
	b := r.routes[route.Key()]
	r.mu.RUnlock()
	return b
}

// bind maps route to the bucket with key, creating it if needed.
func (r *Registry) bind(route Route, key, hash string) *Bucket {
	rk := route.Key()

	r.mu.Lock()
	prev := r.routes[rk]
	if prev != nil && prev.key == key {
		r.mu.Unlock()
		return prev
	}
	b, ok := r.buckets[key]
	if !ok {
		b = newBucket(key, hash)
		r.buckets[key] = b
	}
	r.routes[rk] = b
	n := len(r.buckets)
	r.mu.Unlock()

	if prev != nil {
		prev.removeRoute(rk)
	}
	b.addRoute(rk)
	metrics.Buckets.Set(float64(n))

	if prev != nil {
		r.logger.Info("route moved to new bucket",
			"route", rk,
			"from", prev.key,
			"to", key)
	} else {
		r.logger.Debug("route bound to bucket",
			"route", rk,
			"bucket", key)
	}
	return b
}

func (r *Registry) observe(kind EventKind, route Route, bucket string, wait time.Duration, global bool, at time.Time) {
	r.observer.Observe(Event{
		Kind:   kind,
		Route:  route.Key(),
		Bucket: bucket,
		Wait:   wait,
		Global: global,
		At:     at,
	})
}
