package archive

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/gatecord/internal/gateway"
)

// fakeDB records queued statements. Rows whose seq is in conflict report
// zero rows affected.
type fakeDB struct {
	mu       sync.Mutex
	batches  [][]*pgx.QueuedQuery
	execs    []string
	conflict map[int64]bool
	fail     error
}

func (db *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.execs = append(db.execs, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (db *fakeDB) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.batches = append(db.batches, b.QueuedQueries)
	return &fakeResults{db: db, queries: b.QueuedQueries}
}

func (db *fakeDB) rows() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, b := range db.batches {
		n += len(b)
	}
	return n
}

type fakeResults struct {
	db      *fakeDB
	queries []*pgx.QueuedQuery
	next    int
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	if r.db.fail != nil {
		return pgconn.CommandTag{}, r.db.fail
	}
	q := r.queries[r.next]
	r.next++
	if r.db.conflict[q.Arguments[2].(int64)] {
		return pgconn.NewCommandTag("INSERT 0 0"), nil
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not supported") }
func (r *fakeResults) QueryRow() pgx.Row        { return nil }
func (r *fakeResults) Close() error             { return nil }

func dispatch(seq int64, typ string) gateway.Event {
	return gateway.Event{
		Shard:      2,
		ConnID:     "conn-a",
		Op:         gateway.OpDispatch,
		Seq:        seq,
		Type:       typ,
		Data:       json.RawMessage(`{"id":"1"}`),
		ReceivedAt: time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
	}
}

func TestWriter_Transform(t *testing.T) {
	row := transform(dispatch(42, "MESSAGE_CREATE"))
	assert.Equal(t, 2, row.Shard)
	assert.Equal(t, "conn-a", row.ConnID)
	assert.Equal(t, int64(42), row.Seq)
	assert.Equal(t, "MESSAGE_CREATE", row.EventType)
	assert.JSONEq(t, `{"id":"1"}`, string(row.Payload))

	ev := dispatch(1, "RESUMED")
	ev.Data = nil
	assert.Equal(t, "null", string(transform(ev).Payload))
}

func TestWriter_FlushesFullBatch(t *testing.T) {
	db := &fakeDB{conflict: map[int64]bool{3: true}}
	w := NewWriter(Config{BatchSize: 3, FlushInterval: time.Hour}, db, WithClock(clock.NewMock()))
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop(context.Background())

	for seq := int64(1); seq <= 3; seq++ {
		w.HandleEvent(dispatch(seq, "MESSAGE_CREATE"))
	}

	require.Eventually(t, func() bool { return w.Stats().Flushes == 1 }, time.Second, time.Millisecond)
	st := w.Stats()
	assert.Equal(t, int64(2), st.Inserts)
	assert.Equal(t, int64(1), st.Conflicts)
	assert.Equal(t, 0, st.Pending)

	q := db.batches[0][0]
	assert.Equal(t, insertEvent, q.SQL)
	assert.Equal(t, []any{2, "conn-a", int64(1), "MESSAGE_CREATE", []byte(`{"id":"1"}`), dispatch(1, "").ReceivedAt}, q.Arguments)
}

func TestWriter_FlushesOnInterval(t *testing.T) {
	mock := clock.NewMock()
	db := &fakeDB{}
	w := NewWriter(Config{BatchSize: 100, FlushInterval: time.Second}, db, WithClock(mock))
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop(context.Background())

	w.HandleEvent(dispatch(1, "GUILD_CREATE"))
	mock.Add(500 * time.Millisecond)
	assert.Equal(t, 0, db.rows())

	mock.Add(500 * time.Millisecond)
	require.Eventually(t, func() bool { return db.rows() == 1 }, time.Second, time.Millisecond)
}

func TestWriter_IgnoresNonDispatchAndFiltersTypes(t *testing.T) {
	db := &fakeDB{}
	w := NewWriter(Config{BatchSize: 10, EventTypes: []string{"MESSAGE_CREATE"}}, db)

	w.HandleEvent(gateway.Event{Op: gateway.OpHello})
	w.HandleEvent(gateway.Event{Op: gateway.OpHeartbeatACK})
	w.HandleEvent(dispatch(1, "TYPING_START"))
	w.HandleEvent(dispatch(2, "MESSAGE_CREATE"))

	st := w.Stats()
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, int64(1), st.Skipped)
}

func TestWriter_DropsBeyondMaxPending(t *testing.T) {
	db := &fakeDB{}
	w := NewWriter(Config{BatchSize: 2, MaxPending: 4}, db)

	for seq := int64(1); seq <= 6; seq++ {
		w.HandleEvent(dispatch(seq, "MESSAGE_CREATE"))
	}
	st := w.Stats()
	assert.Equal(t, 4, st.Pending)
	assert.Equal(t, int64(2), st.Dropped)

	// Stop flushes the backlog in batch-sized chunks.
	require.NoError(t, w.Stop(context.Background()))
	assert.Equal(t, 4, db.rows())
	assert.Len(t, db.batches, 2)
}

func TestWriter_InsertErrorCounted(t *testing.T) {
	db := &fakeDB{fail: errors.New("connection reset")}
	w := NewWriter(Config{BatchSize: 10}, db)
	w.HandleEvent(dispatch(1, "MESSAGE_CREATE"))

	w.flush(context.Background())
	st := w.Stats()
	assert.Equal(t, int64(1), st.Errors)
	assert.Equal(t, int64(0), st.Inserts)
}

func TestWriter_EnsureSchema(t *testing.T) {
	db := &fakeDB{}
	w := NewWriter(DefaultConfig(), db)
	require.NoError(t, w.EnsureSchema(context.Background()))
	require.Len(t, db.execs, 1)
	assert.Contains(t, db.execs[0], "CREATE TABLE IF NOT EXISTS gateway_events")
}
