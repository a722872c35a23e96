package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/rickgao/gatecord/internal/metrics"
	"github.com/rickgao/gatecord/internal/model"
	"github.com/rickgao/gatecord/internal/rest"
)

// Default values for Config fields left zero.
const (
	DefaultTTL          = 60 * time.Second
	DefaultMaxEntries   = 10000
	DefaultFetchTimeout = 30 * time.Second
)

// Submitter sends a request through the rate limiter.
type Submitter interface {
	Submit(ctx context.Context, req *rest.Request) (*rest.Response, error)
}

// Fetcher describes how to load an entity on a miss.
type Fetcher[T any] struct {
	Route  string                  // Template with a single id placeholder, e.g. /users/{user.id}
	Decode func([]byte) (T, error) // JSON unmarshal when nil

	// ValidKey rejects ids before any lookup. Keys are opaque when nil;
	// only the empty key is refused.
	ValidKey func(id string) error
}

// ErrEmptyKey is returned by GetByID for an empty id.
var ErrEmptyKey = errors.New("empty cache key")

// SnowflakeKey accepts only snowflake ids.
func SnowflakeKey(id string) error {
	_, err := model.ParseSnowflake(id)
	return err
}

// Config configures an EntityCache.
type Config struct {
	Name          string // Label for logs and metrics
	TTL           time.Duration
	MaxEntries    int
	CacheNotFound bool          // Remember not-found ids
	NegativeTTL   time.Duration // TTL of not-found entries; TTL when zero
	FetchTimeout  time.Duration // Bound on a shared fetch
}

// Stats counts cache activity.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Fetches int64 `json:"fetches"`
	Absent  int64 `json:"absent"`
}

type entry[T any] struct {
	value     T
	absent    bool
	fetchedAt time.Time
	expiresAt time.Time
}

type fetchResult[T any] struct {
	value T
	found bool
}

// EntityCache is a TTL and size bounded cache keyed by entity id.
type EntityCache[T any] struct {
	cfg     Config
	fetcher Fetcher[T]
	sub     Submitter
	clock   clock.Clock
	logger  *slog.Logger

	entries *lru.Cache[string, entry[T]]
	group   singleflight.Group

	hits    atomic.Int64
	misses  atomic.Int64
	fetches atomic.Int64
	absent  atomic.Int64
}

// Option configures a cache.
type Option func(*options)

type options struct {
	clock  clock.Clock
	logger *slog.Logger
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func buildOptions(opts []Option) options {
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// NewEntityCache creates a cache that fetches misses through sub.
func NewEntityCache[T any](sub Submitter, fetcher Fetcher[T], cfg Config, opts ...Option) (*EntityCache[T], error) {
	if fetcher.Route == "" {
		return nil, fmt.Errorf("cache %q: fetcher route is required", cfg.Name)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = cfg.TTL
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if fetcher.Decode == nil {
		fetcher.Decode = decodeJSON[T]
	}

	entries, err := lru.New[string, entry[T]](cfg.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("cache %q: %w", cfg.Name, err)
	}

	o := buildOptions(opts)
	return &EntityCache[T]{
		cfg:     cfg,
		fetcher: fetcher,
		sub:     sub,
		clock:   o.clock,
		logger:  o.logger.With("cache", cfg.Name),
		entries: entries,
	}, nil
}

// GetByID returns the entity with id. The second result is false when the
// entity does not exist. Errors other than not-found are returned as is and
// never cached.
func (c *EntityCache[T]) GetByID(ctx context.Context, id string) (T, bool, error) {
	var zero T
	if id == "" {
		return zero, false, ErrEmptyKey
	}
	if c.fetcher.ValidKey != nil {
		if err := c.fetcher.ValidKey(id); err != nil {
			return zero, false, err
		}
	}

	if v, found, ok := c.lookup(id); ok {
		c.hits.Add(1)
		c.countLookup(found, "hit")
		return v, found, nil
	}
	c.misses.Add(1)

	ch := c.group.DoChan(id, func() (any, error) {
		// A flight that finished just before this one started may already
		// have stored the entry.
		if v, found, ok := c.lookup(id); ok {
			return fetchResult[T]{value: v, found: found}, nil
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FetchTimeout)
		defer cancel()
		return c.fetch(fctx, id)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			c.countLookup(true, "error")
			return zero, false, res.Err
		}
		r := res.Val.(fetchResult[T])
		c.countLookup(r.found, "miss")
		return r.value, r.found, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

func (c *EntityCache[T]) countLookup(found bool, result string) {
	if !found {
		c.absent.Add(1)
		result = "absent"
	}
	metrics.CacheLookups.WithLabelValues(c.cfg.Name, result).Inc()
}

// lookup returns a live entry. ok is false on a miss or an expired entry.
func (c *EntityCache[T]) lookup(id string) (value T, found bool, ok bool) {
	e, hit := c.entries.Get(id)
	if !hit || !c.clock.Now().Before(e.expiresAt) {
		return value, false, false
	}
	return e.value, !e.absent, true
}

func (c *EntityCache[T]) fetch(ctx context.Context, id string) (fetchResult[T], error) {
	c.fetches.Add(1)
	metrics.CacheFetches.WithLabelValues(c.cfg.Name).Inc()

	req, err := rest.NewRequest(http.MethodGet, c.fetcher.Route, id)
	if err != nil {
		return fetchResult[T]{}, err
	}

	resp, err := c.sub.Submit(ctx, req)
	if rest.IsNotFound(err) {
		c.logger.Debug("entity not found", "id", id)
		if c.cfg.CacheNotFound {
			now := c.clock.Now()
			c.entries.Add(id, entry[T]{absent: true, fetchedAt: now, expiresAt: now.Add(c.cfg.NegativeTTL)})
		}
		return fetchResult[T]{}, nil
	}
	if err != nil {
		return fetchResult[T]{}, fmt.Errorf("fetch %s %s: %w", c.cfg.Name, id, err)
	}

	v, err := c.fetcher.Decode(resp.Body)
	if err != nil {
		return fetchResult[T]{}, fmt.Errorf("decode %s %s: %w", c.cfg.Name, id, err)
	}
	c.store(id, v)
	return fetchResult[T]{value: v, found: true}, nil
}

// Put stores v for id, refreshing its TTL.
func (c *EntityCache[T]) Put(id string, v T) {
	c.store(id, v)
}

func (c *EntityCache[T]) store(id string, v T) {
	now := c.clock.Now()
	c.entries.Add(id, entry[T]{value: v, fetchedAt: now, expiresAt: now.Add(c.cfg.TTL)})
}

// Invalidate drops id so the next lookup fetches it.
func (c *EntityCache[T]) Invalidate(id string) {
	c.entries.Remove(id)
}

// Purge drops every entry.
func (c *EntityCache[T]) Purge() {
	c.entries.Purge()
}

// Len returns the number of entries, expired ones included.
func (c *EntityCache[T]) Len() int {
	return c.entries.Len()
}

// Stats returns activity counters.
func (c *EntityCache[T]) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Fetches: c.fetches.Load(),
		Absent:  c.absent.Load(),
	}
}

func decodeJSON[T any](data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}
