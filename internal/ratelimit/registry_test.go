package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	messagesRoute = Route{Method: http.MethodPost, Template: "/channels/{channel.id}/messages", Major: "100"}
	editRoute     = Route{Method: http.MethodPatch, Template: "/channels/{channel.id}/messages/{message.id}", Major: "100"}
	userRoute     = Route{Method: http.MethodGet, Template: "/users/{user.id}"}
)

func limits(bucket string, limit, remaining int, resetAfter string) http.Header {
	return header(
		HeaderBucket, bucket,
		HeaderLimit, strconv.Itoa(limit),
		HeaderRemaining, strconv.Itoa(remaining),
		HeaderResetAfter, resetAfter,
	)
}

func newTestRegistry(opts ...Option) (*Registry, *clock.Mock) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))
	return NewRegistry(append([]Option{WithClock(mock)}, opts...)...), mock
}

func TestReserveUnknownRouteIsOptimistic(t *testing.T) {
	r, _ := newTestRegistry()

	_, known := r.Lookup(messagesRoute)
	assert.False(t, known)

	for i := 0; i < 10; i++ {
		res := r.Reserve(messagesRoute)
		require.True(t, res.Allowed)
		assert.Empty(t, res.Bucket)
	}
}

func TestRecordResponseCreatesBucket(t *testing.T) {
	r, mock := newTestRegistry()

	res := r.Reserve(messagesRoute)
	require.True(t, res.Allowed)
	r.Complete(res, http.StatusOK, limits("h1", 5, 4, "2"), nil)

	st, known := r.Lookup(messagesRoute)
	require.True(t, known)
	assert.Equal(t, "h1:100", st.Key)
	assert.Equal(t, 5, st.Limit)
	assert.Equal(t, 4, st.Remaining)
	assert.True(t, st.ResetAt.Equal(mock.Now().Add(2*time.Second)))
	assert.Equal(t, []string{messagesRoute.Key()}, st.Routes)
	assert.Equal(t, "h1:100", r.BucketFor(messagesRoute))
}

func TestExhaustedBucketBlocksUntilReset(t *testing.T) {
	r, mock := newTestRegistry()
	r.RecordResponse(messagesRoute, http.StatusOK, limits("h1", 5, 0, "3"), nil)

	res := r.Reserve(messagesRoute)
	require.False(t, res.Allowed)
	assert.Equal(t, 3*time.Second, res.Wait)
	assert.False(t, res.Global)

	mock.Add(2999 * time.Millisecond)
	res = r.Reserve(messagesRoute)
	require.False(t, res.Allowed)
	assert.Equal(t, time.Millisecond, res.Wait)

	mock.Add(time.Millisecond)
	res = r.Reserve(messagesRoute)
	require.True(t, res.Allowed)

	st, _ := r.Lookup(messagesRoute)
	assert.Equal(t, 4, st.Remaining)
}

func TestLastSlotThenWait(t *testing.T) {
	r, _ := newTestRegistry()
	r.RecordResponse(messagesRoute, http.StatusOK, limits("h1", 5, 1, "2"), nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
		waits   []time.Duration
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := r.Reserve(messagesRoute)
			mu.Lock()
			defer mu.Unlock()
			if res.Allowed {
				allowed++
				return
			}
			waits = append(waits, res.Wait)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, allowed)
	require.Len(t, waits, 1)
	assert.GreaterOrEqual(t, waits[0], 2*time.Second)
}

func TestTooManyRequestsOverridesLocalState(t *testing.T) {
	r, mock := newTestRegistry()
	r.RecordResponse(messagesRoute, http.StatusOK, limits("h1", 5, 3, "5"), nil)

	h := limits("h1", 5, 3, "5")
	h.Set(HeaderRetryAfter, "1.25")
	out := r.RecordResponse(messagesRoute, http.StatusTooManyRequests, h, []byte(`{"retry_after":1.25,"global":false}`))

	assert.True(t, out.RateLimited)
	assert.False(t, out.Global)
	assert.Equal(t, 1250*time.Millisecond, out.RetryAfter)

	st, _ := r.Lookup(messagesRoute)
	assert.Equal(t, 0, st.Remaining)
	assert.True(t, st.ResetAt.Equal(mock.Now().Add(1250*time.Millisecond)))

	res := r.Reserve(messagesRoute)
	require.False(t, res.Allowed)
	assert.Equal(t, 1250*time.Millisecond, res.Wait)

	// Other buckets are unaffected by a per-route 429.
	assert.True(t, r.Reserve(userRoute).Allowed)
}

func TestTooManyRequestsWithoutHeaders(t *testing.T) {
	r, mock := newTestRegistry()

	out := r.RecordResponse(userRoute, http.StatusTooManyRequests, http.Header{}, nil)
	assert.True(t, out.RateLimited)
	assert.Equal(t, DefaultRetryAfter, out.RetryAfter)

	res := r.Reserve(userRoute)
	require.False(t, res.Allowed)

	mock.Add(DefaultRetryAfter)
	assert.True(t, r.Reserve(userRoute).Allowed)
}

func TestGlobalRateLimitBlocksEveryRoute(t *testing.T) {
	r, mock := newTestRegistry()
	r.RecordResponse(userRoute, http.StatusOK, limits("u", 10, 9, "10"), nil)

	out := r.RecordResponse(messagesRoute, http.StatusTooManyRequests,
		header(HeaderGlobal, "true", HeaderRetryAfter, "4"), nil)
	require.True(t, out.Global)
	assert.Equal(t, 4*time.Second, r.GlobalBlockedFor())

	for _, route := range []Route{messagesRoute, userRoute, editRoute} {
		res := r.Reserve(route)
		assert.False(t, res.Allowed, route.Key())
		assert.True(t, res.Global, route.Key())
		assert.Equal(t, 4*time.Second, res.Wait, route.Key())
	}

	mock.Add(4 * time.Second)
	for _, route := range []Route{messagesRoute, userRoute, editRoute} {
		assert.True(t, r.Reserve(route).Allowed, route.Key())
	}

	st, _ := r.Lookup(userRoute)
	assert.Equal(t, 8, st.Remaining, "global 429 must not touch per-route state")
}

func TestSharedBucketAcrossRoutes(t *testing.T) {
	r, _ := newTestRegistry()
	r.RecordResponse(messagesRoute, http.StatusOK, limits("shared", 5, 2, "5"), nil)
	r.RecordResponse(editRoute, http.StatusOK, limits("shared", 5, 1, "5"), nil)

	assert.Equal(t, r.BucketFor(messagesRoute), r.BucketFor(editRoute))
	assert.Equal(t, 1, r.Len())

	st, _ := r.Lookup(messagesRoute)
	assert.Equal(t, 1, st.Remaining)
	assert.Len(t, st.Routes, 2)

	require.True(t, r.Reserve(editRoute).Allowed)
	assert.False(t, r.Reserve(messagesRoute).Allowed)
}

func TestRouteRemappedToNewBucket(t *testing.T) {
	r, _ := newTestRegistry()
	r.RecordResponse(userRoute, http.StatusOK, limits("old", 5, 4, "5"), nil)
	r.RecordResponse(userRoute, http.StatusOK, limits("new", 2, 1, "5"), nil)

	st, known := r.Lookup(userRoute)
	require.True(t, known)
	assert.Equal(t, "new", st.Key)
	assert.Equal(t, 1, st.Remaining)

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "new", snap[0].Key)
	assert.Equal(t, "old", snap[1].Key)
	assert.Empty(t, snap[1].Routes)
}

func TestReconcileNeverExceedsServerRemaining(t *testing.T) {
	r, _ := newTestRegistry()
	r.RecordResponse(userRoute, http.StatusOK, limits("u", 5, 4, "2"), nil)

	a := r.Reserve(userRoute)
	b := r.Reserve(userRoute)
	require.True(t, a.Allowed)
	require.True(t, b.Allowed)

	// Another client spent the quota: the server reports 1 left while b is
	// still in flight, so nothing remains for us.
	r.Complete(a, http.StatusOK, limits("u", 5, 1, "2"), nil)
	st, _ := r.Lookup(userRoute)
	assert.Equal(t, 0, st.Remaining)
	assert.Equal(t, 1, st.InFlight)
	assert.False(t, r.Reserve(userRoute).Allowed)

	// A stale response claiming more room does not raise the count.
	r.Complete(b, http.StatusOK, limits("u", 5, 3, "2"), nil)
	st, _ = r.Lookup(userRoute)
	assert.Equal(t, 0, st.Remaining)
	assert.Equal(t, 0, st.InFlight)
}

func TestNewWindowTakesServerValue(t *testing.T) {
	r, mock := newTestRegistry()
	r.RecordResponse(userRoute, http.StatusOK, limits("u", 5, 0, "1"), nil)

	mock.Add(time.Second)
	res := r.Reserve(userRoute)
	require.True(t, res.Allowed)

	r.Complete(res, http.StatusOK, limits("u", 5, 4, "1"), nil)
	st, _ := r.Lookup(userRoute)
	assert.Equal(t, 4, st.Remaining)
	assert.True(t, st.ResetAt.Equal(mock.Now().Add(time.Second)))
}

func TestReleaseRefundsSlot(t *testing.T) {
	r, _ := newTestRegistry()
	r.RecordResponse(userRoute, http.StatusOK, limits("u", 5, 1, "5"), nil)

	res := r.Reserve(userRoute)
	require.True(t, res.Allowed)
	assert.False(t, r.Reserve(userRoute).Allowed)

	r.Release(res)
	st, _ := r.Lookup(userRoute)
	assert.Equal(t, 1, st.Remaining)
	assert.Equal(t, 0, st.InFlight)
	assert.True(t, r.Reserve(userRoute).Allowed)
}

func TestGlobalCeiling(t *testing.T) {
	r, mock := newTestRegistry(WithGlobalLimit(2, time.Second))

	assert.True(t, r.Reserve(userRoute).Allowed)
	assert.True(t, r.Reserve(messagesRoute).Allowed)

	res := r.Reserve(editRoute)
	require.False(t, res.Allowed)
	assert.True(t, res.Global)
	assert.Equal(t, time.Second, res.Wait)

	mock.Add(time.Second)
	assert.True(t, r.Reserve(editRoute).Allowed)
}

func TestGlobalCeilingRefundsBucket(t *testing.T) {
	r, _ := newTestRegistry(WithGlobalLimit(1, time.Second))
	r.RecordResponse(userRoute, http.StatusOK, limits("u", 5, 3, "5"), nil)

	require.True(t, r.Reserve(messagesRoute).Allowed)
	res := r.Reserve(userRoute)
	require.False(t, res.Allowed)

	st, _ := r.Lookup(userRoute)
	assert.Equal(t, 3, st.Remaining)
	assert.Equal(t, 0, st.InFlight)
}

func TestObserverReceivesEvents(t *testing.T) {
	stats := NewMemoryStats()
	r, _ := newTestRegistry(WithObserver(stats))

	r.RecordResponse(userRoute, http.StatusOK, limits("u", 1, 1, "5"), nil)
	r.Reserve(userRoute)
	r.Reserve(userRoute)
	r.RecordResponse(userRoute, http.StatusTooManyRequests, header(HeaderRetryAfter, "1"), nil)
	r.RecordResponse(userRoute, http.StatusTooManyRequests, header(HeaderRetryAfter, "1", HeaderGlobal, "true"), nil)

	total := stats.Total()
	assert.Equal(t, int64(1), total.Allowed)
	assert.Equal(t, int64(1), total.Delayed)
	assert.Equal(t, int64(1), total.Limited)
	assert.Equal(t, int64(1), total.GlobalLimited)
	assert.Equal(t, int64(1), stats.Bucket("u").Allowed)
}

func TestRedisStatsKeys(t *testing.T) {
	s := NewRedisStats(nil, WithStatsPrefix("app:rl:"), WithStatsTTL(time.Hour))

	at := time.Date(2024, 3, 9, 14, 5, 30, 0, time.UTC)
	assert.Equal(t, "app:rl:total", s.totalKey())
	assert.Equal(t, "app:rl:minute:202403091405", s.minuteKey(at))
	assert.Equal(t, "app:rl:bucket:h1:100", s.bucketKey(Event{Bucket: "h1:100", Route: "x"}))
	assert.Equal(t, "app:rl:bucket:GET /users/{user.id}", s.bucketKey(Event{Route: "GET /users/{user.id}"}))
	assert.Empty(t, s.bucketKey(Event{}))

	// No client configured: recording is a no-op.
	assert.NoError(t, s.Record(context.Background(), Event{Kind: EventAllowed}))
}

func TestRedisStatsDropsWhenFull(t *testing.T) {
	s := NewRedisStats(nil, WithStatsQueue(1))
	s.Observe(Event{Kind: EventAllowed})
	s.Observe(Event{Kind: EventAllowed})
	assert.Equal(t, int64(1), s.Dropped())
}
