package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/gatecord/internal/gateway"
)

type fakeSession struct {
	shard int
	count int

	mu       sync.Mutex
	state    gateway.State
	err      error
	started  bool
	finished bool
	done     chan struct{}

	closes    atomic.Int32
	hangClose bool // Close blocks until its context is done
}

func newFakeSession(shard int) *fakeSession {
	return &fakeSession{shard: shard, state: gateway.StateConnecting, done: make(chan struct{})}
}

func (f *fakeSession) Start(ctx context.Context) error {
	f.mu.Lock()
	f.started = true
	f.state = gateway.StateConnected
	f.mu.Unlock()
	context.AfterFunc(ctx, func() { f.kill(nil) })
	return nil
}

func (f *fakeSession) Close(ctx context.Context) error {
	f.closes.Add(1)
	if f.hangClose {
		<-ctx.Done()
		return ctx.Err()
	}
	f.kill(nil)
	return nil
}

func (f *fakeSession) kill(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished {
		return
	}
	f.finished = true
	f.err = err
	f.state = gateway.StateClosed
	close(f.done)
}

func (f *fakeSession) setState(st gateway.State) {
	f.mu.Lock()
	f.state = st
	f.mu.Unlock()
}

func (f *fakeSession) Done() <-chan struct{} { return f.done }

func (f *fakeSession) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeSession) IsAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started && !f.finished
}

func (f *fakeSession) State() gateway.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) Stats() gateway.Stats {
	return gateway.Stats{Shard: f.shard, State: f.State()}
}

// fakeFactory records every session it creates.
type fakeFactory struct {
	mu       sync.Mutex
	sessions map[int][]*fakeSession
	prepare  func(*fakeSession)
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{sessions: make(map[int][]*fakeSession)}
}

func (ff *fakeFactory) New(shardID, shardCount int) Handle {
	f := newFakeSession(shardID)
	f.count = shardCount
	if ff.prepare != nil {
		ff.prepare(f)
	}
	ff.mu.Lock()
	ff.sessions[shardID] = append(ff.sessions[shardID], f)
	ff.mu.Unlock()
	return f
}

func (ff *fakeFactory) count(shard int) int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.sessions[shard])
}

func (ff *fakeFactory) latest(shard int) *fakeSession {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	s := ff.sessions[shard]
	return s[len(s)-1]
}

func newTestSupervisor(t *testing.T, cfg Config, ff *fakeFactory, mock *clock.Mock) *Supervisor {
	t.Helper()
	sup, err := New(cfg, ff.New, WithClock(mock))
	require.NoError(t, err)
	// Deterministic backoff: the full step.
	sup.jitter = func(d time.Duration) time.Duration { return d }
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	return sup
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{ShardCount: 2}, nil)
	assert.Error(t, err)

	_, err = New(Config{ShardIDs: []int{2}, ShardCount: 2}, newFakeFactory().New)
	assert.Error(t, err)

	sup, err := New(Config{ShardCount: 3}, newFakeFactory().New)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, sup.cfg.ShardIDs)
	assert.Equal(t, DefaultPollInterval, sup.cfg.PollInterval)
}

func TestSupervisor_StartsEveryShard(t *testing.T) {
	ff := newFakeFactory()
	sup := newTestSupervisor(t, Config{ShardCount: 3}, ff, clock.NewMock())
	require.NoError(t, sup.Start(context.Background()))

	for id := 0; id < 3; id++ {
		assert.Equal(t, 1, ff.count(id))
		assert.True(t, sup.IsAlive(sup.Handle(id)))
	}
	assert.True(t, sup.Healthy())

	statuses := sup.Shards()
	require.Len(t, statuses, 3)
	assert.Equal(t, "connected", statuses[1].State)
}

func TestSupervisor_RestartsDeadSessionWithBackoff(t *testing.T) {
	mock := clock.NewMock()
	ff := newFakeFactory()
	sup := newTestSupervisor(t, Config{ShardCount: 1, BaseDelay: time.Second, MaxDelay: time.Minute, PollInterval: time.Hour}, ff, mock)
	require.NoError(t, sup.Start(context.Background()))

	delays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, delay := range delays {
		ff.latest(0).kill(fmt.Errorf("%w: dial", gateway.ErrReconnectFailed))

		require.Eventually(t, func() bool {
			return sup.Shards()[0].RestartPending
		}, time.Second, time.Millisecond)
		assert.Equal(t, i+1, sup.Shards()[0].Failures)

		mock.Add(delay - time.Millisecond)
		assert.Equal(t, i+1, ff.count(0), "restarted before backoff elapsed")

		mock.Add(time.Millisecond)
		require.Eventually(t, func() bool { return ff.count(0) == i+2 }, time.Second, time.Millisecond)
	}
	assert.Equal(t, int64(3), sup.Shards()[0].Restarts)
	assert.True(t, ff.latest(0).IsAlive())
}

func TestSupervisor_PollResetsFailuresAndDetectsDeath(t *testing.T) {
	mock := clock.NewMock()
	ff := newFakeFactory()
	sup := newTestSupervisor(t, Config{ShardCount: 1, BaseDelay: 500 * time.Millisecond, PollInterval: time.Second}, ff, mock)
	require.NoError(t, sup.Start(context.Background()))

	ff.latest(0).kill(errors.New("gone"))
	require.Eventually(t, func() bool { return sup.Shards()[0].RestartPending }, time.Second, time.Millisecond)
	mock.Add(500 * time.Millisecond)
	require.Eventually(t, func() bool { return ff.count(0) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, sup.Shards()[0].Failures)

	// The new session is connected; the next poll clears the failure count.
	mock.Add(500 * time.Millisecond)
	require.Eventually(t, func() bool { return sup.Shards()[0].Failures == 0 }, time.Second, time.Millisecond)

	// A session that reports dead without closing Done is caught by the poll.
	f := ff.latest(0)
	f.mu.Lock()
	f.finished = true
	f.mu.Unlock()
	mock.Add(time.Second)
	require.Eventually(t, func() bool { return sup.Shards()[0].RestartPending }, time.Second, time.Millisecond)
}

func TestSupervisor_FatalAuthStopsShard(t *testing.T) {
	mock := clock.NewMock()
	ff := newFakeFactory()
	sup := newTestSupervisor(t, Config{ShardCount: 2}, ff, mock)
	require.NoError(t, sup.Start(context.Background()))

	ff.latest(0).kill(fmt.Errorf("%w: close 4004", gateway.ErrFatalAuth))
	require.Eventually(t, func() bool { return len(sup.Failures()) == 1 }, time.Second, time.Millisecond)

	mock.Add(time.Hour)
	assert.Equal(t, 1, ff.count(0), "failed shard must not restart")
	assert.ErrorIs(t, sup.Err(), gateway.ErrFatalAuth)
	assert.Equal(t, "closed", sup.Shards()[0].State)
	assert.NotEmpty(t, sup.Shards()[0].Failed)
	assert.True(t, sup.Healthy(), "failed shards do not count against health")

	select {
	case <-sup.Done():
		t.Fatal("supervisor stopped while shard 1 is alive")
	default:
	}

	ff.latest(1).kill(fmt.Errorf("%w: close 4004", gateway.ErrFatalAuth))
	select {
	case <-sup.Done():
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop after every shard failed")
	}
}

func TestSupervisor_ShutdownClosesEverySession(t *testing.T) {
	ff := newFakeFactory()
	sup := newTestSupervisor(t, Config{ShardCount: 4}, ff, clock.NewMock())
	require.NoError(t, sup.Start(context.Background()))

	require.NoError(t, sup.Shutdown(context.Background()))

	for id := 0; id < 4; id++ {
		f := ff.latest(id)
		assert.Equal(t, int32(1), f.closes.Load())
		assert.False(t, f.IsAlive())
	}
	<-sup.Done()

	_, err := sup.Open(0, 4)
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, sup.Start(context.Background()), ErrStopped)
}

func TestSupervisor_ShutdownGraceBoundsHangingClose(t *testing.T) {
	ff := newFakeFactory()
	ff.prepare = func(f *fakeSession) { f.hangClose = true }
	sup := newTestSupervisor(t, Config{ShardCount: 2, ShutdownGrace: 50 * time.Millisecond}, ff, clock.NewMock())
	require.NoError(t, sup.Start(context.Background()))

	start := time.Now()
	err := sup.Shutdown(context.Background())
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	// Forced teardown still stopped the sessions.
	for id := 0; id < 2; id++ {
		f := ff.latest(id)
		assert.Eventually(t, func() bool { return !f.IsAlive() }, time.Second, time.Millisecond)
	}
}

func TestSupervisor_OpenAndClose(t *testing.T) {
	ff := newFakeFactory()
	sup := newTestSupervisor(t, Config{ShardCount: 1}, ff, clock.NewMock())

	h, err := sup.Open(5, 8)
	require.NoError(t, err)
	assert.True(t, sup.IsAlive(h))
	assert.Equal(t, 1, ff.count(5))

	require.NoError(t, sup.Close(context.Background(), h))
	assert.False(t, sup.IsAlive(h))
	assert.False(t, sup.IsAlive(nil))
}

func TestSupervisor_OpenedSessionIsSupervised(t *testing.T) {
	mock := clock.NewMock()
	ff := newFakeFactory()
	sup := newTestSupervisor(t, Config{ShardCount: 1, BaseDelay: time.Second, PollInterval: time.Hour}, ff, mock)
	require.NoError(t, sup.Start(context.Background()))

	h, err := sup.Open(5, 8)
	require.NoError(t, err)
	require.Len(t, sup.Shards(), 2)
	assert.Equal(t, 5, sup.Shards()[1].Shard)

	ff.latest(5).kill(errors.New("gone"))
	require.Eventually(t, func() bool { return sup.Shards()[1].RestartPending }, time.Second, time.Millisecond)
	mock.Add(time.Second)
	require.Eventually(t, func() bool { return ff.count(5) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 8, ff.latest(5).count, "restart keeps the shard count")
	assert.Same(t, ff.latest(5), sup.Handle(5))
	assert.False(t, sup.IsAlive(h))
}

func TestSupervisor_ShutdownClosesOpenedSessions(t *testing.T) {
	ff := newFakeFactory()
	sup := newTestSupervisor(t, Config{ShardCount: 1}, ff, clock.NewMock())
	require.NoError(t, sup.Start(context.Background()))

	_, err := sup.Open(3, 4)
	require.NoError(t, err)

	require.NoError(t, sup.Shutdown(context.Background()))
	assert.Equal(t, int32(1), ff.latest(3).closes.Load(), "opened session gets the close handshake")
	assert.Equal(t, int32(1), ff.latest(0).closes.Load())
}

func TestSupervisor_CloseStopsRestartsOfOpenedShard(t *testing.T) {
	mock := clock.NewMock()
	ff := newFakeFactory()
	sup := newTestSupervisor(t, Config{ShardCount: 1, BaseDelay: time.Second, PollInterval: time.Second}, ff, mock)
	require.NoError(t, sup.Start(context.Background()))

	h, err := sup.Open(2, 4)
	require.NoError(t, err)
	ff.latest(2).kill(errors.New("gone"))
	require.Eventually(t, func() bool { return ff.count(2) == 1 && sup.Shards()[1].RestartPending }, time.Second, time.Millisecond)
	mock.Add(time.Second)
	require.Eventually(t, func() bool { return ff.count(2) == 2 }, time.Second, time.Millisecond)

	// The handle from Open still releases the shard after a restart.
	require.NoError(t, sup.Close(context.Background(), h))
	assert.Equal(t, int32(1), ff.latest(2).closes.Load())
	assert.Nil(t, sup.Handle(2))
	require.Len(t, sup.Shards(), 1)

	mock.Add(time.Hour)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, ff.count(2), "closed shard must not restart")

	// A closed shard can be opened again.
	_, err = sup.Open(2, 4)
	require.NoError(t, err)
	assert.Equal(t, 3, ff.count(2))
}

func TestSupervisor_OpenRejectsRunningShard(t *testing.T) {
	ff := newFakeFactory()
	sup := newTestSupervisor(t, Config{ShardCount: 2}, ff, clock.NewMock())
	require.NoError(t, sup.Start(context.Background()))

	_, err := sup.Open(1, 2)
	assert.Error(t, err)
	_, err = sup.Open(2, 2)
	assert.Error(t, err)
	assert.Equal(t, 1, ff.count(1))
}

func TestSupervisor_RunReturnsOnCancel(t *testing.T) {
	ff := newFakeFactory()
	sup := newTestSupervisor(t, Config{ShardCount: 2}, ff, clock.NewMock())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- sup.Run(ctx) }()

	require.Eventually(t, func() bool { return ff.count(1) == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	// Sessions were closed gracefully, not torn down by the context.
	assert.Equal(t, int32(1), ff.latest(0).closes.Load())
}

func TestBackoff(t *testing.T) {
	sup, err := New(Config{BaseDelay: time.Second, MaxDelay: 10 * time.Second}, newFakeFactory().New)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		d := sup.backoff(1)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.Less(t, d, 1500*time.Millisecond)

		d = sup.backoff(30)
		assert.GreaterOrEqual(t, d, 5*time.Second)
		assert.Less(t, d, 15*time.Second)
	}
}
