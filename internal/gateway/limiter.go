package gateway

import (
	"time"

	"golang.org/x/time/rate"
)

// Gateway-wide limits on client commands.
const (
	DefaultSendLimit  = 115 // Of 120 allowed, leaving room for heartbeats
	DefaultSendWindow = 60 * time.Second
	IdentifyInterval  = 5 * time.Second
)

// NewSendLimiter allows limit commands per window on one connection.
func NewSendLimiter(limit int, window time.Duration) *rate.Limiter {
	if limit <= 0 {
		limit = DefaultSendLimit
	}
	if window <= 0 {
		window = DefaultSendWindow
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
}

// NewIdentifyLimiter paces identifies across every shard of the process:
// concurrency identifies per IdentifyInterval. Share one limiter between
// sessions.
func NewIdentifyLimiter(concurrency int) *rate.Limiter {
	if concurrency <= 0 {
		concurrency = 1
	}
	return rate.NewLimiter(rate.Every(IdentifyInterval/time.Duration(concurrency)), concurrency)
}
