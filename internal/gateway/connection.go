package gateway

import (
	"context"
	"log/slog"
	"sync"
)

// connection is the per-socket part of a session. It ends exactly once.
type connection struct {
	conn   Conn
	logger *slog.Logger

	ctx    context.Context // Cancelled when the connection ends
	cancel context.CancelFunc

	ended    chan struct{}
	readDone chan struct{}

	mu     sync.Mutex
	hb     *HeartbeatMonitor
	hello  bool
	ready  bool
	closed bool
	reason CloseReason
}

func newConnection(parent context.Context, conn Conn, logger *slog.Logger) *connection {
	ctx, cancel := context.WithCancel(parent)
	return &connection{
		conn:     conn,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		ended:    make(chan struct{}),
		readDone: make(chan struct{}),
	}
}

// end records reason and stops the heartbeat. It reports whether this call
// ended the connection; later calls are no-ops.
func (c *connection) end(reason CloseReason) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.reason = reason
	hb := c.hb
	c.mu.Unlock()

	if hb != nil {
		hb.Stop()
	}
	c.cancel()
	close(c.ended)
	return true
}

func (c *connection) startHeartbeat(hb *HeartbeatMonitor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.hb != nil {
		c.hb.Stop()
	}
	c.hello = true
	c.hb = hb
	hb.Start()
}

func (c *connection) heartbeat() *HeartbeatMonitor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hb
}

func (c *connection) beatNow() {
	if hb := c.heartbeat(); hb != nil {
		hb.BeatNow()
	}
}

func (c *connection) ack() {
	if hb := c.heartbeat(); hb != nil {
		hb.Ack()
	}
}

func (c *connection) gotHello() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello
}

func (c *connection) setReady() {
	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
}

func (c *connection) isReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *connection) isEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *connection) closeReason() CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}
