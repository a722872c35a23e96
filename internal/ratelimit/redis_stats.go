package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisQueue = 4096

// RedisStats records registry events in Redis hashes:
//
//	<prefix>:total                 field per event kind, never expires
//	<prefix>:minute:<YYYYMMDDhhmm> field per event kind, expires after ttl
//	<prefix>:bucket:<key>          field per event kind, expires after ttl
//
// Observe only enqueues; Run writes the queue with one pipeline per event.
// Events are dropped when the queue is full.
type RedisStats struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger

	events  chan Event
	dropped atomic.Int64
}

// RedisStatsOption configures RedisStats.
type RedisStatsOption func(*RedisStats)

// WithStatsPrefix sets the key prefix.
func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStats) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

// WithStatsTTL sets the expiry of per-minute and per-bucket keys.
func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStats) { s.ttl = d }
}

// WithStatsLogger sets the logger.
func WithStatsLogger(logger *slog.Logger) RedisStatsOption {
	return func(s *RedisStats) { s.logger = logger }
}

// WithStatsQueue sets the number of events buffered before dropping.
func WithStatsQueue(n int) RedisStatsOption {
	return func(s *RedisStats) {
		if n > 0 {
			s.events = make(chan Event, n)
		}
	}
}

// NewRedisStats creates a Redis-backed observer.
func NewRedisStats(rdb *redis.Client, opts ...RedisStatsOption) *RedisStats {
	s := &RedisStats{
		rdb:    rdb,
		prefix: "gatecord:ratelimit",
		ttl:    24 * time.Hour,
		events: make(chan Event, defaultRedisQueue),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func (s *RedisStats) Observe(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (s *RedisStats) Dropped() int64 {
	return s.dropped.Load()
}

// Run writes queued events until ctx is cancelled.
func (s *RedisStats) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			if err := s.Record(ctx, ev); err != nil && ctx.Err() == nil {
				s.logger.Warn("failed to record rate limit stats",
					"kind", string(ev.Kind),
					"error", err)
			}
		}
	}
}

// Record writes one event.
func (s *RedisStats) Record(ctx context.Context, ev Event) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	field := string(ev.Kind)
	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.totalKey(), field, 1)

	minute := s.minuteKey(ev.At)
	pipe.HIncrBy(ctx, minute, field, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, minute, s.ttl)
	}

	if bk := s.bucketKey(ev); bk != "" {
		pipe.HIncrBy(ctx, bk, field, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, bk, s.ttl)
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStats) totalKey() string {
	return s.prefix + ":total"
}

func (s *RedisStats) minuteKey(at time.Time) string {
	if at.IsZero() {
		at = time.Now()
	}
	return fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
}

func (s *RedisStats) bucketKey(ev Event) string {
	k := strings.TrimSpace(ev.Bucket)
	if k == "" {
		k = strings.TrimSpace(ev.Route)
	}
	if k == "" {
		return ""
	}
	return s.prefix + ":bucket:" + k
}
