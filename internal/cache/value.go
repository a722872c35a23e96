package cache

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	"github.com/rickgao/gatecord/internal/model"
	"github.com/rickgao/gatecord/internal/rest"
)

// DefaultSelfTTL is how long the bot's own user is cached.
const DefaultSelfTTL = 60 * time.Second

// Value caches a single value for a TTL. Concurrent refreshes share one
// fetch.
type Value[T any] struct {
	ttl   time.Duration
	fetch func(context.Context) (T, error)
	clock clock.Clock

	mu        sync.Mutex
	value     T
	expiresAt time.Time
	valid     bool

	group singleflight.Group
}

// NewValue creates a Value that loads through fetch.
func NewValue[T any](ttl time.Duration, fetch func(context.Context) (T, error), opts ...Option) *Value[T] {
	o := buildOptions(opts)
	return &Value[T]{
		ttl:   ttl,
		fetch: fetch,
		clock: o.clock,
	}
}

// Get returns the cached value, fetching it when missing or expired.
func (v *Value[T]) Get(ctx context.Context) (T, error) {
	v.mu.Lock()
	if v.valid && v.clock.Now().Before(v.expiresAt) {
		val := v.value
		v.mu.Unlock()
		return val, nil
	}
	v.mu.Unlock()

	ch := v.group.DoChan("", func() (any, error) {
		val, err := v.fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		v.Set(val)
		return val, nil
	})

	var zero T
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Set stores val and restarts the TTL.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	v.value = val
	v.expiresAt = v.clock.Now().Add(v.ttl)
	v.valid = true
	v.mu.Unlock()
}

// Reset forces the next Get to fetch.
func (v *Value[T]) Reset() {
	v.mu.Lock()
	v.valid = false
	v.mu.Unlock()
}

// NewSelfCache caches the bot's own user.
func NewSelfCache(sub Submitter, ttl time.Duration, opts ...Option) *Value[*model.User] {
	if ttl <= 0 {
		ttl = DefaultSelfTTL
	}
	return NewValue(ttl, func(ctx context.Context) (*model.User, error) {
		resp, err := sub.Submit(ctx, &rest.Request{Method: http.MethodGet, Route: rest.RouteCurrentUser})
		if err != nil {
			return nil, err
		}
		var u model.User
		if err := resp.Decode(&u); err != nil {
			return nil, err
		}
		return &u, nil
	}, opts...)
}

// NewUserCache caches users by snowflake id.
func NewUserCache(sub Submitter, cfg Config, opts ...Option) (*EntityCache[*model.User], error) {
	if cfg.Name == "" {
		cfg.Name = "users"
	}
	return NewEntityCache(sub, Fetcher[*model.User]{Route: rest.RouteUser, ValidKey: SnowflakeKey}, cfg, opts...)
}

// NewChannelCache caches channels by snowflake id.
func NewChannelCache(sub Submitter, cfg Config, opts ...Option) (*EntityCache[*model.Channel], error) {
	if cfg.Name == "" {
		cfg.Name = "channels"
	}
	return NewEntityCache(sub, Fetcher[*model.Channel]{Route: rest.RouteChannel, ValidKey: SnowflakeKey}, cfg, opts...)
}

// NewGuildCache caches guilds by snowflake id.
func NewGuildCache(sub Submitter, cfg Config, opts ...Option) (*EntityCache[*model.Guild], error) {
	if cfg.Name == "" {
		cfg.Name = "guilds"
	}
	return NewEntityCache(sub, Fetcher[*model.Guild]{Route: rest.RouteGuild, ValidKey: SnowflakeKey}, cfg, opts...)
}
