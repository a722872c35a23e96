package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/gatecord/internal/gateway"
	"github.com/rickgao/gatecord/internal/metrics"
)

// Defaults for Config fields left zero.
const (
	DefaultPollInterval  = time.Second
	DefaultBaseDelay     = time.Second
	DefaultMaxDelay      = 2 * time.Minute
	DefaultShutdownGrace = 10 * time.Second
)

// ErrStopped is returned when opening a session on a stopped supervisor.
var ErrStopped = errors.New("supervisor stopped")

// Handle is one shard session as the supervisor sees it.
// *gateway.Session implements Handle.
type Handle interface {
	Start(ctx context.Context) error
	Close(ctx context.Context) error
	Done() <-chan struct{}
	Err() error
	IsAlive() bool
	State() gateway.State
	Stats() gateway.Stats
}

// Factory creates a session for a shard without starting it.
type Factory func(shardID, shardCount int) Handle

// Config configures a Supervisor.
type Config struct {
	ShardIDs      []int // Empty means every shard in [0, ShardCount)
	ShardCount    int
	PollInterval  time.Duration
	BaseDelay     time.Duration // First restart delay
	MaxDelay      time.Duration
	ShutdownGrace time.Duration // Bound on the close handshakes at shutdown
}

// ShardStatus describes one shard for health reporting.
type ShardStatus struct {
	Shard          int           `json:"shard"`
	State          string        `json:"state"`
	Alive          bool          `json:"alive"`
	Restarts       int64         `json:"restarts"`
	Failures       int           `json:"consecutive_failures"`
	RestartPending bool          `json:"restart_pending"`
	Failed         string        `json:"failed,omitempty"`
	Session        gateway.Stats `json:"session"`
}

type shard struct {
	id       int
	count    int // Shard count sent in identify
	handle   Handle
	opened   Handle // Handle returned by Open, kept so Close still finds the shard after restarts
	failures int    // Consecutive restarts without reaching Connected
	restarts int64  // Total restarts
	timer    *clock.Timer
	failed   error
	closed   bool // Released by Close; never restarted
}

// Supervisor owns the sessions of every configured shard.
type Supervisor struct {
	cfg     Config
	factory Factory
	clock   clock.Clock
	logger  *slog.Logger
	jitter  func(time.Duration) time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	mu       sync.Mutex
	shards   map[int]*shard
	started  bool
	stopping bool
	finished bool
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock sets the time source of the poll and the restart backoff.
func WithClock(c clock.Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

// New creates a supervisor. Nothing runs until Start.
func New(cfg Config, factory Factory, opts ...Option) (*Supervisor, error) {
	if factory == nil {
		return nil, errors.New("supervisor: nil factory")
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 1
	}
	if len(cfg.ShardIDs) == 0 {
		for i := 0; i < cfg.ShardCount; i++ {
			cfg.ShardIDs = append(cfg.ShardIDs, i)
		}
	}
	for _, id := range cfg.ShardIDs {
		if id < 0 || id >= cfg.ShardCount {
			return nil, fmt.Errorf("supervisor: shard %d outside [0, %d)", id, cfg.ShardCount)
		}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:     cfg,
		factory: factory,
		clock:   clock.New(),
		jitter: func(d time.Duration) time.Duration {
			return d/2 + time.Duration(rand.Int63n(int64(d)))
		},
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		shards: make(map[int]*shard, len(cfg.ShardIDs)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	for _, id := range cfg.ShardIDs {
		s.shards[id] = &shard{id: id, count: cfg.ShardCount}
	}
	return s, nil
}

// Start opens every shard and begins watching them. Sessions are stopped
// when ctx is cancelled; use Shutdown for a graceful stop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.stopping {
		s.mu.Unlock()
		return ErrStopped
	}
	s.started = true
	s.mu.Unlock()

	context.AfterFunc(ctx, s.cancel)

	for _, id := range s.cfg.ShardIDs {
		s.mu.Lock()
		sh := s.shards[id]
		s.openLocked(sh)
		s.mu.Unlock()
	}

	ticker := s.clock.Ticker(s.cfg.PollInterval)
	s.wg.Add(1)
	go s.poll(ticker)

	s.logger.Info("supervisor started",
		"shards", len(s.cfg.ShardIDs),
		"shard_count", s.cfg.ShardCount)
	return nil
}

// Run starts the supervisor and blocks until ctx is cancelled or every
// shard has failed, then shuts down.
func (s *Supervisor) Run(ctx context.Context) error {
	// Sessions outlive ctx so that Shutdown can close them gracefully.
	if err := s.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-s.done:
	}

	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace+time.Second)
	defer cancel()
	return multierr.Append(s.Err(), s.Shutdown(sctx))
}

// Open creates and starts a session for a shard and supervises it like a
// configured one: it is restarted when it dies and closed gracefully by
// Shutdown. Opening a shard that is running or restarting is an error; a
// failed or closed shard may be opened again.
func (s *Supervisor) Open(shardID, shardCount int) (Handle, error) {
	if shardCount <= 0 || shardID < 0 || shardID >= shardCount {
		return nil, fmt.Errorf("supervisor: shard %d outside [0, %d)", shardID, shardCount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return nil, ErrStopped
	}
	sh, ok := s.shards[shardID]
	if ok && !sh.closed && sh.failed == nil {
		return nil, fmt.Errorf("supervisor: shard %d already open", shardID)
	}
	if !ok {
		sh = &shard{id: shardID}
	}

	h := s.factory(shardID, shardCount)
	if err := h.Start(s.ctx); err != nil {
		return nil, fmt.Errorf("start shard %d: %w", shardID, err)
	}

	sh.count = shardCount
	sh.handle = h
	sh.opened = h
	sh.closed = false
	sh.failed = nil
	sh.failures = 0
	s.shards[shardID] = sh

	s.wg.Add(1)
	go s.watch(sh, h)
	return h, nil
}

// Close stops supervising the shard of h and closes its session. h may be
// the handle returned by Open or the shard's current one.
func (s *Supervisor) Close(ctx context.Context, h Handle) error {
	if h == nil {
		return nil
	}

	var current Handle
	s.mu.Lock()
	for _, sh := range s.shards {
		if sh.closed || (sh.handle != h && sh.opened != h) {
			continue
		}
		sh.closed = true
		if sh.timer != nil {
			sh.timer.Stop()
			sh.timer = nil
		}
		if sh.handle != h {
			current = sh.handle
		}
		sh.handle = nil
		break
	}
	s.mu.Unlock()

	err := h.Close(ctx)
	if current != nil {
		err = multierr.Append(err, current.Close(ctx))
	}
	return err
}

// IsAlive reports whether h is running or reconnecting.
func (s *Supervisor) IsAlive(h Handle) bool {
	return h != nil && h.IsAlive()
}

// Done is closed once the supervisor has stopped: after Shutdown, or when
// every shard failed.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Err returns the combined errors of failed shards.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	for _, id := range s.idsLocked() {
		if f := s.shards[id].failed; f != nil {
			err = multierr.Append(err, fmt.Errorf("shard %d: %w", id, f))
		}
	}
	return err
}

// Failures returns the shards that stopped for good and why.
func (s *Supervisor) Failures() map[int]error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]error)
	for id, sh := range s.shards {
		if sh.failed != nil && !sh.closed {
			out[id] = sh.failed
		}
	}
	return out
}

// Handle returns the current session of a shard, nil while it restarts.
func (s *Supervisor) Handle(shardID int) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sh, ok := s.shards[shardID]; ok {
		return sh.handle
	}
	return nil
}

// Shards reports every supervised shard, ordered by id.
func (s *Supervisor) Shards() []ShardStatus {
	s.mu.Lock()
	type snap struct {
		sh     shard
		handle Handle
	}
	snaps := make([]snap, 0, len(s.shards))
	for _, id := range s.idsLocked() {
		sh := s.shards[id]
		if sh.closed {
			continue
		}
		snaps = append(snaps, snap{sh: *sh, handle: sh.handle})
	}
	s.mu.Unlock()

	out := make([]ShardStatus, 0, len(snaps))
	for _, sn := range snaps {
		st := ShardStatus{
			Shard:          sn.sh.id,
			State:          gateway.StateClosed.String(),
			Restarts:       sn.sh.restarts,
			Failures:       sn.sh.failures,
			RestartPending: sn.sh.timer != nil,
		}
		if sn.sh.failed != nil {
			st.Failed = sn.sh.failed.Error()
		}
		if h := sn.handle; h != nil {
			st.State = h.State().String()
			st.Alive = h.IsAlive()
			st.Session = h.Stats()
		}
		out = append(out, st)
	}
	return out
}

// Healthy reports whether every shard that has not failed is connected.
func (s *Supervisor) Healthy() bool {
	for _, st := range s.Shards() {
		if st.Failed != "" {
			continue
		}
		if st.State != gateway.StateConnected.String() &&
			st.State != gateway.StateAwaitingHeartbeatAck.String() {
			return false
		}
	}
	return true
}

// Shutdown closes every session in parallel, each with a close handshake
// bounded by ShutdownGrace, then stops whatever is left.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		s.wg.Wait()
		return nil
	}
	s.stopping = true
	var handles []Handle
	for _, sh := range s.shards {
		if sh.timer != nil {
			sh.timer.Stop()
			sh.timer = nil
		}
		if sh.handle != nil {
			handles = append(handles, sh.handle)
		}
	}
	s.mu.Unlock()

	s.logger.Info("supervisor shutting down", "sessions", len(handles))

	gctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
	defer cancel()

	var (
		errMu sync.Mutex
		errs  error
	)
	g, gctx := errgroup.WithContext(gctx)
	for _, h := range handles {
		h := h
		g.Go(func() error {
			if err := h.Close(gctx); err != nil {
				errMu.Lock()
				errs = multierr.Append(errs, err)
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	// Anything still running is torn down with the context.
	s.cancel()
	s.wg.Wait()
	s.finish()

	if errs != nil {
		s.logger.Warn("supervisor shutdown incomplete", "error", errs)
	} else {
		s.logger.Info("supervisor stopped")
	}
	return errs
}

// openLocked starts a session for sh. Must be called with s.mu held.
func (s *Supervisor) openLocked(sh *shard) {
	if s.stopping || sh.closed || sh.failed != nil || sh.handle != nil {
		return
	}
	h := s.factory(sh.id, sh.count)
	if err := h.Start(s.ctx); err != nil {
		s.logger.Warn("failed to start session", "shard", sh.id, "error", err)
		s.scheduleLocked(sh)
		return
	}
	sh.handle = h

	s.wg.Add(1)
	go s.watch(sh, h)
}

// watch waits for h to stop.
func (s *Supervisor) watch(sh *shard, h Handle) {
	defer s.wg.Done()
	select {
	case <-h.Done():
		s.died(sh, h)
	case <-s.ctx.Done():
	}
}

// died handles the end of h. Only the first report for a handle counts.
func (s *Supervisor) died(sh *shard, h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sh.handle != h || s.stopping {
		return
	}
	sh.handle = nil

	err := h.Err()
	if errors.Is(err, gateway.ErrFatalAuth) {
		sh.failed = err
		s.logger.Error("shard stopped: gateway rejected identification", "shard", sh.id, "error", err)
		if s.allFailedLocked() {
			s.logger.Error("every shard failed, supervisor stopping")
			go s.finish()
		}
		return
	}

	s.logger.Warn("session died", "shard", sh.id, "error", err)
	s.scheduleLocked(sh)
}

// scheduleLocked arms a restart of sh after the backoff for its
// consecutive failure count.
func (s *Supervisor) scheduleLocked(sh *shard) {
	if s.stopping || sh.closed || sh.timer != nil {
		return
	}
	sh.failures++
	delay := s.backoff(sh.failures)
	s.logger.Info("restarting session", "shard", sh.id, "attempt", sh.failures, "delay", delay)

	var t *clock.Timer
	t = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sh.timer != t {
			return
		}
		sh.timer = nil
		sh.restarts++
		metrics.SessionRestarts.WithLabelValues(strconv.Itoa(sh.id)).Inc()
		s.openLocked(sh)
	})
	sh.timer = t
}

func (s *Supervisor) backoff(failures int) time.Duration {
	d := s.cfg.BaseDelay
	for i := 1; i < failures && d < s.cfg.MaxDelay; i++ {
		d *= 2
	}
	d = min(d, s.cfg.MaxDelay)
	return s.jitter(d)
}

// poll is the fallback detector. It also resets the failure count of
// shards that reached Connected.
func (s *Supervisor) poll(ticker *clock.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.check()
		}
	}
}

func (s *Supervisor) check() {
	s.mu.Lock()
	shards := make([]*shard, 0, len(s.shards))
	for _, sh := range s.shards {
		shards = append(shards, sh)
	}
	s.mu.Unlock()

	for _, sh := range shards {
		s.mu.Lock()
		h := sh.handle
		missing := h == nil && sh.timer == nil && sh.failed == nil && !sh.closed
		if missing {
			s.scheduleLocked(sh)
		}
		s.mu.Unlock()
		if h == nil {
			continue
		}

		if !h.IsAlive() {
			s.died(sh, h)
			continue
		}
		if st := h.State(); st == gateway.StateConnected || st == gateway.StateAwaitingHeartbeatAck {
			s.mu.Lock()
			if sh.handle == h {
				sh.failures = 0
			}
			s.mu.Unlock()
		}
	}
}

// allFailedLocked reports whether no configured shard is left to run.
func (s *Supervisor) allFailedLocked() bool {
	return !slices.ContainsFunc(s.cfg.ShardIDs, func(id int) bool {
		sh := s.shards[id]
		return sh.failed == nil && !sh.closed
	})
}

func (s *Supervisor) idsLocked() []int {
	ids := make([]int, 0, len(s.shards))
	for id := range s.shards {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Supervisor) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	close(s.done)
}
