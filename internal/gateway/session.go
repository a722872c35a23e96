package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/rickgao/gatecord/internal/metrics"
	"github.com/rickgao/gatecord/internal/model"
)

// Default values for Config fields left zero.
const (
	DefaultAPIVersion        = 10
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultCloseTimeout      = 5 * time.Second
	DefaultReconnectDelay    = time.Second
	DefaultMaxReconnectDelay = 2 * time.Minute
	DefaultEventBufferSize   = 1024
)

// Config configures a Session.
type Config struct {
	URL               string // Gateway URL without query
	Version           int
	Token             string
	Intents           model.Intent
	ShardID           int
	ShardCount        int
	Compress          bool
	LargeThreshold    int
	Presence          *model.Presence // Sent with identify
	Properties        IdentifyProperties
	HandshakeTimeout  time.Duration // Dial plus wait for Hello
	CloseTimeout      time.Duration // Wait for the server's close frame on Close
	ReconnectDelay    time.Duration // First backoff step after a failed attempt
	MaxReconnectDelay time.Duration
	MaxReconnects     int // Consecutive failed attempts before the session stops; 0 for no limit
	EventBufferSize   int
	SendLimit         int
	SendWindow        time.Duration
}

func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = DefaultAPIVersion
	}
	if c.ShardCount == 0 {
		c.ShardCount = 1
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.CloseTimeout == 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	if c.EventBufferSize == 0 {
		c.EventBufferSize = DefaultEventBufferSize
	}
	if c.Properties.OS == "" {
		c.Properties.OS = runtime.GOOS
	}
	if c.Properties.Browser == "" {
		c.Properties.Browser = "gatecord"
	}
	if c.Properties.Device == "" {
		c.Properties.Device = "gatecord"
	}
}

// Stats describes a session.
type Stats struct {
	Shard            int           `json:"shard"`
	State            State         `json:"state"`
	SessionID        string        `json:"session_id,omitempty"`
	Seq              int64         `json:"seq"`
	Connects         int64         `json:"connects"`
	Resumes          int64         `json:"resumes"`
	HeartbeatLatency time.Duration `json:"heartbeat_latency"`
	Events           QueueStats    `json:"events"`
}

// Session is the connection state machine of one shard.
type Session struct {
	cfg        Config
	handler    EventHandler
	dialer     Dialer
	clock      clock.Clock
	logger     *slog.Logger
	identify   *rate.Limiter
	send       *rate.Limiter
	shardLabel string

	// invalidDelay is the wait before reconnecting after op 9.
	invalidDelay func() time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	events *queue[Event]
	done   chan struct{}

	mu        sync.Mutex
	state     State
	current   *connection
	sessionID string
	resumeURL string
	seq       int64
	presence  *model.Presence
	started   bool
	closing   bool
	finished  bool
	err       error
	connects  int64
	resumes   int64
	latency   time.Duration
}

// Option configures a Session.
type Option func(*Session)

// WithDialer sets how connections are opened.
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// WithClock sets the time source of timers and backoff.
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithIdentifyLimiter shares an identify limiter between sessions.
func WithIdentifyLimiter(l *rate.Limiter) Option {
	return func(s *Session) { s.identify = l }
}

// NewSession creates a session. It does nothing until Start.
func NewSession(cfg Config, handler EventHandler, opts ...Option) *Session {
	cfg.applyDefaults()
	if handler == nil {
		handler = HandlerFunc(func(Event) {})
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:        cfg,
		handler:    handler,
		clock:      clock.New(),
		shardLabel: strconv.Itoa(cfg.ShardID),
		ctx:        ctx,
		cancel:     cancel,
		events:     newQueue[Event](cfg.EventBufferSize),
		done:       make(chan struct{}),
		presence:   cfg.Presence,
		invalidDelay: func() time.Duration {
			return time.Second + time.Duration(rand.Int63n(int64(4*time.Second)))
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("shard", cfg.ShardID, "shard_count", cfg.ShardCount)
	if s.dialer == nil {
		s.dialer = WSDialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}
	if s.identify == nil {
		s.identify = NewIdentifyLimiter(1)
	}
	s.send = NewSendLimiter(cfg.SendLimit, cfg.SendWindow)
	return s
}

// Start connects in the background. The session stops when ctx is
// cancelled, on Close, or on a fatal close.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.closing {
		s.mu.Unlock()
		return fmt.Errorf("shard %d: %w", s.cfg.ShardID, ErrSessionClosed)
	}
	s.started = true
	s.mu.Unlock()

	context.AfterFunc(ctx, s.cancel)

	s.wg.Add(2)
	go s.deliver()
	go s.run()

	s.logger.Info("gateway session started", "url", s.cfg.URL)
	return nil
}

// Close performs the close handshake on the live connection, waiting at
// most CloseTimeout or until ctx is done for the server to answer, then
// tears everything down.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return s.wait(ctx)
	}
	s.closing = true
	started := s.started
	c := s.current
	s.mu.Unlock()

	if !started {
		s.finish(nil)
		return nil
	}

	if c != nil && c.end(CloseReason{Code: websocket.CloseNormalClosure, Text: "shutdown"}) {
		if err := c.conn.WriteClose(websocket.CloseNormalClosure, "shutdown"); err == nil {
			timer := s.clock.Timer(s.cfg.CloseTimeout)
			select {
			case <-c.readDone:
			case <-timer.C:
				s.logger.Warn("no close frame from gateway, forcing close")
			case <-ctx.Done():
			}
			timer.Stop()
		}
		c.conn.Close()
	}

	s.cancel()
	return s.wait(ctx)
}

func (s *Session) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		if c := s.current; c != nil {
			c.conn.Close()
		}
		s.mu.Unlock()
		return fmt.Errorf("shard %d close: %w", s.cfg.ShardID, ctx.Err())
	}
}

// Done is closed when the session has stopped for good.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session stopped: nil after Close or cancellation,
// an ErrFatalAuth or ErrReconnectFailed error otherwise.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// IsAlive reports whether the session is running or reconnecting.
func (s *Session) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.finished
}

// ShardID returns the shard index.
func (s *Session) ShardID() int {
	return s.cfg.ShardID
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Sequence returns the last sequence number seen, 0 if none.
func (s *Session) Sequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// SessionID returns the id of the resumable session, "" if none.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Stats returns a snapshot of the session.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Shard:            s.cfg.ShardID,
		State:            s.state,
		SessionID:        s.sessionID,
		Seq:              s.seq,
		Connects:         s.connects,
		Resumes:          s.resumes,
		HeartbeatLatency: s.latency,
		Events:           s.events.stats(),
	}
}

// UpdatePresence changes the bot's presence. The presence is also kept for
// future identifies; without a live connection it is only kept.
func (s *Session) UpdatePresence(ctx context.Context, p model.Presence) error {
	if !p.Valid() {
		return fmt.Errorf("invalid presence status %q", p.Status)
	}
	if p.Activities == nil {
		p.Activities = []model.Activity{}
	}

	s.mu.Lock()
	s.presence = &p
	live := s.state.Live() && s.current != nil
	s.mu.Unlock()

	if !live {
		return nil
	}
	return s.Send(ctx, OpPresenceUpdate, p)
}

// Send writes a client command, waiting for the send limiter.
func (s *Session) Send(ctx context.Context, op Op, data any) error {
	s.mu.Lock()
	c := s.current
	live := s.state.Live()
	closing := s.closing || s.finished
	s.mu.Unlock()

	if closing {
		return ErrSessionClosed
	}
	if c == nil || !live {
		return ErrNotConnected
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	return s.write(wctx, c, op, data, true)
}

// run opens connections until the session stops.
func (s *Session) run() {
	defer s.wg.Done()

	failures := 0
	for {
		reason, ready, err := s.connectOnce()
		if s.stopping() {
			s.finish(nil)
			return
		}

		if err != nil {
			failures++
			s.logger.Warn("gateway dial failed", "attempt", failures, "error", err)
		} else {
			if reason.Fatal {
				s.logger.Error("gateway rejected session", "reason", reason.String())
				s.finish(fmt.Errorf("%w: %s", ErrFatalAuth, reason))
				return
			}
			if ready {
				failures = 0
			} else {
				failures++
			}

			mode := "resume"
			if !reason.Resumable {
				s.clearSession()
				mode = "identify"
			}
			metrics.Reconnects.WithLabelValues(s.shardLabel, mode).Inc()
			s.logger.Warn("gateway connection ended",
				"reason", reason.String(),
				"resumable", reason.Resumable,
				"next", mode)
		}

		if s.cfg.MaxReconnects > 0 && failures >= s.cfg.MaxReconnects {
			s.finish(fmt.Errorf("%w: %d consecutive failures", ErrReconnectFailed, failures))
			return
		}

		s.setState(StateReconnecting)
		delay := s.backoff(failures)
		if reason.delay > delay {
			delay = reason.delay
		}
		if !s.sleep(delay) {
			s.finish(nil)
			return
		}
	}
}

// connectOnce runs one connection from dial to its end.
func (s *Session) connectOnce() (CloseReason, bool, error) {
	s.setState(StateConnecting)

	s.mu.Lock()
	target := s.cfg.URL
	if s.sessionID != "" && s.resumeURL != "" {
		target = s.resumeURL
	}
	s.mu.Unlock()

	dctx, cancel := context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout)
	conn, err := s.dialer.Dial(dctx, gatewayURL(target, s.cfg.Version))
	cancel()
	if err != nil {
		return CloseReason{}, false, err
	}

	c := newConnection(s.ctx, conn, s.logger.With("conn_id", conn.ID()))

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		conn.Close()
		return CloseReason{}, false, nil
	}
	s.current = c
	s.connects++
	s.mu.Unlock()

	c.logger.Debug("gateway connected", "url", target)

	helloTimer := s.clock.AfterFunc(s.cfg.HandshakeTimeout, func() {
		if !c.gotHello() {
			s.drop(c, CloseReason{Resumable: true, Err: ErrHandshakeTimeout})
		}
	})

	go s.readLoop(c)

	select {
	case <-c.ended:
	case <-s.ctx.Done():
		s.drop(c, CloseReason{Resumable: true, Text: "shutdown"})
	}
	helloTimer.Stop()
	<-c.readDone

	s.mu.Lock()
	if s.current == c {
		s.current = nil
	}
	s.mu.Unlock()

	return c.closeReason(), c.isReady(), nil
}

func (s *Session) readLoop(c *connection) {
	defer close(c.readDone)

	for {
		p, err := c.conn.ReadPayload()
		if err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
				c.logger.Warn("dropping undecodable payload", "error", err)
				continue
			}
			if c.end(reasonFromError(err)) {
				c.conn.Close()
			}
			return
		}
		s.handlePayload(c, p, s.clock.Now())
	}
}

// handlePayload applies session bookkeeping, then queues the payload for
// the event handler.
func (s *Session) handlePayload(c *connection, p *Payload, receivedAt time.Time) {
	metrics.EventsReceived.WithLabelValues(s.shardLabel, p.Op.String()).Inc()

	var seq int64
	if p.Seq != nil {
		seq = *p.Seq
		s.mu.Lock()
		if seq > s.seq {
			s.seq = seq
		}
		s.mu.Unlock()
	}

	switch p.Op {
	case OpHello:
		var hello HelloData
		if err := json.Unmarshal(p.Data, &hello); err != nil || hello.HeartbeatInterval <= 0 {
			s.drop(c, CloseReason{Resumable: true, Err: fmt.Errorf("bad hello: %s", p.Data)})
			return
		}
		interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
		c.logger.Debug("gateway hello", "heartbeat_interval", interval)
		s.startHeartbeat(c, interval)
		s.wg.Add(1)
		go s.handshake(c)

	case OpHeartbeat:
		c.beatNow()

	case OpHeartbeatACK:
		c.ack()

	case OpReconnect:
		c.logger.Info("gateway requested reconnect")
		s.drop(c, CloseReason{Resumable: true, Text: "reconnect requested"})

	case OpInvalidSession:
		var resumable bool
		_ = json.Unmarshal(p.Data, &resumable)
		c.logger.Warn("gateway invalidated session", "resumable", resumable)
		s.drop(c, CloseReason{Resumable: resumable, Text: "invalid session", delay: s.invalidDelay()})

	case OpDispatch:
		switch p.Type {
		case EventReady:
			var ready ReadyData
			if err := json.Unmarshal(p.Data, &ready); err != nil {
				c.logger.Warn("undecodable READY", "error", err)
				break
			}
			s.mu.Lock()
			s.sessionID = ready.SessionID
			s.resumeURL = ready.ResumeGatewayURL
			s.mu.Unlock()
			c.setReady()
			s.transition(c, StateConnected)
			c.logger.Info("gateway session ready",
				"session_id", ready.SessionID,
				"user", ready.User.Username)
		case EventResumed:
			s.mu.Lock()
			s.resumes++
			s.mu.Unlock()
			c.setReady()
			s.transition(c, StateConnected)
			c.logger.Info("gateway session resumed", "seq", s.Sequence())
		}
	}

	s.events.push(Event{
		Shard:      s.cfg.ShardID,
		ConnID:     c.conn.ID(),
		Op:         p.Op,
		Seq:        seq,
		Type:       p.Type,
		Data:       p.Data,
		ReceivedAt: receivedAt,
	})
}

// handshake sends resume when a session can be resumed, identify otherwise.
func (s *Session) handshake(c *connection) {
	defer s.wg.Done()

	s.mu.Lock()
	sessionID, seq, presence := s.sessionID, s.seq, s.presence
	s.mu.Unlock()

	var err error
	if sessionID != "" && seq > 0 {
		s.transition(c, StateResuming)
		c.logger.Info("resuming gateway session", "session_id", sessionID, "seq", seq)
		err = s.write(c.ctx, c, OpResume, ResumeData{
			Token:     s.cfg.Token,
			SessionID: sessionID,
			Seq:       seq,
		}, true)
	} else {
		s.transition(c, StateIdentifying)
		if err = s.identify.Wait(c.ctx); err == nil {
			c.logger.Info("identifying")
			err = s.write(c.ctx, c, OpIdentify, IdentifyData{
				Token:          s.cfg.Token,
				Properties:     s.cfg.Properties,
				Compress:       s.cfg.Compress,
				LargeThreshold: s.cfg.LargeThreshold,
				Shard:          [2]int{s.cfg.ShardID, s.cfg.ShardCount},
				Presence:       presence,
				Intents:        s.cfg.Intents,
			}, true)
		}
	}

	if err != nil && c.ctx.Err() == nil {
		s.drop(c, CloseReason{Resumable: true, Err: fmt.Errorf("handshake: %w", err)})
	}
}

func (s *Session) startHeartbeat(c *connection, interval time.Duration) {
	hb := NewHeartbeatMonitor(interval, s.clock, HeartbeatHooks{
		Send: func() error {
			var seq *int64
			if v := s.Sequence(); v > 0 {
				seq = &v
			}
			return s.write(c.ctx, c, OpHeartbeat, seq, false)
		},
		OnSending: func() {
			s.transitionFrom(c, StateConnected, StateAwaitingHeartbeatAck)
		},
		OnAck: func(latency time.Duration) {
			s.mu.Lock()
			s.latency = latency
			s.mu.Unlock()
			metrics.HeartbeatLatency.WithLabelValues(s.shardLabel).Observe(latency.Seconds())
			s.transitionFrom(c, StateAwaitingHeartbeatAck, StateConnected)
		},
		OnZombie: func() {
			metrics.Zombies.WithLabelValues(s.shardLabel).Inc()
			c.logger.Warn("heartbeat not acknowledged, dropping zombie connection", "interval", interval)
			s.drop(c, CloseReason{Resumable: true, Err: ErrZombie})
		},
		OnError: func(err error) {
			c.logger.Debug("heartbeat send failed", "error", err)
		},
	})
	c.startHeartbeat(hb)
}

// drop ends c with reason. Only the first caller for a connection wins; it
// closes the socket with a code that keeps the session resumable when the
// reason allows it.
func (s *Session) drop(c *connection, reason CloseReason) {
	if !c.end(reason) {
		return
	}
	code := closeReconnect
	if !reason.Resumable {
		code = websocket.CloseNormalClosure
	}
	_ = c.conn.WriteClose(code, "")
	c.conn.Close()
}

// write sends one command. Heartbeats bypass the send limiter.
func (s *Session) write(ctx context.Context, c *connection, op Op, data any, limited bool) error {
	if limited {
		if err := s.send.Wait(ctx); err != nil {
			return err
		}
	}
	return c.conn.WriteJSON(outbound{Op: op, Data: data})
}

func (s *Session) deliver() {
	defer s.wg.Done()
	for {
		ev, ok := s.events.pop()
		if !ok {
			return
		}
		s.dispatch(ev)
	}
}

func (s *Session) dispatch(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event handler panicked",
				"op", ev.Op.String(),
				"type", ev.Type,
				"panic", r)
		}
	}()
	s.handler.HandleEvent(ev)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	metrics.SessionState.WithLabelValues(s.shardLabel).Set(float64(st))
}

// transition changes state on behalf of c, unless c is no longer current.
func (s *Session) transition(c *connection, st State) {
	s.mu.Lock()
	if s.current != c || s.finished || c.isEnded() {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	metrics.SessionState.WithLabelValues(s.shardLabel).Set(float64(st))
}

func (s *Session) transitionFrom(c *connection, from, to State) {
	s.mu.Lock()
	if s.current != c || s.state != from || c.isEnded() {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()
	metrics.SessionState.WithLabelValues(s.shardLabel).Set(float64(to))
}

// clearSession forgets the resumable session; the next connection identifies.
func (s *Session) clearSession() {
	s.mu.Lock()
	s.sessionID = ""
	s.resumeURL = ""
	s.seq = 0
	s.mu.Unlock()
}

func (s *Session) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing || s.ctx.Err() != nil
}

func (s *Session) finish(err error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.closing = true
	s.state = StateClosed
	s.err = err
	s.mu.Unlock()

	metrics.SessionState.WithLabelValues(s.shardLabel).Set(float64(StateClosed))
	s.cancel()
	s.events.close()
	close(s.done)

	if err != nil {
		s.logger.Error("gateway session stopped", "error", err)
	} else {
		s.logger.Info("gateway session closed")
	}
}

// backoff returns the wait before attempt n+1 after n consecutive failures:
// exponential from ReconnectDelay, capped, with jitter of half the step.
func (s *Session) backoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := s.cfg.ReconnectDelay
	for i := 1; i < failures && d < s.cfg.MaxReconnectDelay; i++ {
		d *= 2
	}
	if d > s.cfg.MaxReconnectDelay {
		d = s.cfg.MaxReconnectDelay
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2+1)))
}

func (s *Session) sleep(d time.Duration) bool {
	if d <= 0 {
		return s.ctx.Err() == nil
	}
	timer := s.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// gatewayURL adds the version and encoding query to base.
func gatewayURL(base string, version int) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("v", strconv.Itoa(version))
	q.Set("encoding", "json")
	u.RawQuery = q.Encode()
	return u.String()
}
