package gateway

import (
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// HeartbeatMonitor keeps one connection alive and detects zombies.
//
// The first beat goes out after a random fraction of the interval. Every
// beat that is not already waiting on an ack arms a deadline of one
// interval. A tick that finds a beat unacknowledged past its deadline calls
// OnZombie once and stops the monitor; before the deadline it only waits
// out the remainder.
type HeartbeatMonitor struct {
	interval time.Duration
	clock    clock.Clock
	jitter   func() float64

	send      func() error
	onSending func()
	onSent    func()
	onAck     func(latency time.Duration)
	onZombie  func()
	onError   func(error)

	mu       sync.Mutex
	timer    *clock.Timer
	awaiting bool
	lastSent time.Time
	deadline time.Time
	beats    int64
	stopped  bool
}

// HeartbeatHooks are the callbacks of a HeartbeatMonitor. Send is required.
type HeartbeatHooks struct {
	Send      func() error
	OnSending func() // Before each write, so an ack never overtakes it
	OnSent    func()
	OnAck     func(latency time.Duration)
	OnZombie  func()
	OnError   func(error) // Send failures; the deadline still applies
}

// NewHeartbeatMonitor creates a stopped monitor.
func NewHeartbeatMonitor(interval time.Duration, clk clock.Clock, hooks HeartbeatHooks) *HeartbeatMonitor {
	if clk == nil {
		clk = clock.New()
	}
	h := &HeartbeatMonitor{
		interval:  interval,
		clock:     clk,
		jitter:    rand.Float64,
		send:      hooks.Send,
		onSending: hooks.OnSending,
		onSent:    hooks.OnSent,
		onAck:     hooks.OnAck,
		onZombie:  hooks.OnZombie,
		onError:   hooks.OnError,
	}
	if h.onSending == nil {
		h.onSending = func() {}
	}
	if h.onSent == nil {
		h.onSent = func() {}
	}
	if h.onAck == nil {
		h.onAck = func(time.Duration) {}
	}
	if h.onZombie == nil {
		h.onZombie = func() {}
	}
	if h.onError == nil {
		h.onError = func(error) {}
	}
	return h
}

// Interval returns the heartbeat interval.
func (h *HeartbeatMonitor) Interval() time.Duration {
	return h.interval
}

// Start schedules the first beat. The timer exists when Start returns.
func (h *HeartbeatMonitor) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || h.timer != nil {
		return
	}
	first := time.Duration(h.jitter() * float64(h.interval))
	h.timer = h.clock.AfterFunc(first, h.tick)
}

// Stop cancels the timer. A stopped monitor never calls its hooks again.
func (h *HeartbeatMonitor) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	if h.timer != nil {
		h.timer.Stop()
	}
}

// BeatNow sends a heartbeat outside the schedule, as the server may ask.
// The beat gets a full interval for its ack unless an earlier beat is
// still unacknowledged, whose deadline stands.
func (h *HeartbeatMonitor) BeatNow() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	if !h.awaiting {
		h.arm(h.clock.Now())
	}
	h.beats++
	h.mu.Unlock()

	h.beat()
}

// Ack records a heartbeat acknowledgement.
func (h *HeartbeatMonitor) Ack() {
	h.mu.Lock()
	if h.stopped || !h.awaiting {
		h.mu.Unlock()
		return
	}
	h.awaiting = false
	latency := h.clock.Since(h.lastSent)
	h.mu.Unlock()

	h.onAck(latency)
}

// Awaiting reports whether a beat is unacknowledged.
func (h *HeartbeatMonitor) Awaiting() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.awaiting
}

// Beats returns the number of heartbeats sent.
func (h *HeartbeatMonitor) Beats() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.beats
}

func (h *HeartbeatMonitor) tick() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	now := h.clock.Now()
	if h.awaiting {
		if now.Before(h.deadline) {
			h.timer = h.clock.AfterFunc(h.deadline.Sub(now), h.tick)
			h.mu.Unlock()
			return
		}
		h.stopped = true
		h.mu.Unlock()
		h.onZombie()
		return
	}
	h.arm(now)
	h.beats++
	h.timer = h.clock.AfterFunc(h.interval, h.tick)
	h.mu.Unlock()

	h.beat()
}

// arm marks a beat as sent at now. Callers hold mu.
func (h *HeartbeatMonitor) arm(now time.Time) {
	h.awaiting = true
	h.lastSent = now
	h.deadline = now.Add(h.interval)
}

func (h *HeartbeatMonitor) beat() {
	h.onSending()
	if err := h.send(); err != nil {
		h.onError(err)
		return
	}
	h.onSent()
}
