package archive

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/gatecord/internal/gateway"
	"github.com/rickgao/gatecord/internal/metrics"
)

// Schema creates the archive table.
const Schema = `
CREATE TABLE IF NOT EXISTS gateway_events (
	shard       INTEGER     NOT NULL,
	conn_id     TEXT        NOT NULL,
	seq         BIGINT      NOT NULL,
	event_type  TEXT        NOT NULL,
	payload     JSONB       NOT NULL,
	received_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (shard, conn_id, seq)
)`

const insertEvent = `
	INSERT INTO gateway_events (shard, conn_id, seq, event_type, payload, received_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (shard, conn_id, seq) DO NOTHING
`

// DB is the part of a pgx pool the writer uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Config configures a Writer.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxPending    int      // Rows buffered before new ones are dropped
	EventTypes    []string // Empty archives every dispatch type
}

// DefaultConfig returns default writer configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
		MaxPending:    5000,
	}
}

// Stats holds writer counters.
type Stats struct {
	Inserts   int64 `json:"inserts"`
	Conflicts int64 `json:"conflicts"`
	Dropped   int64 `json:"dropped"`
	Skipped   int64 `json:"skipped"`
	Errors    int64 `json:"errors"`
	Flushes   int64 `json:"flushes"`
	Pending   int   `json:"pending"`
}

type eventRow struct {
	Shard      int
	ConnID     string
	Seq        int64
	EventType  string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// Writer archives dispatch events.
type Writer struct {
	cfg    Config
	db     DB
	clock  clock.Clock
	logger *slog.Logger
	types  map[string]struct{}

	mu      sync.Mutex
	batch   []eventRow
	stats   Stats
	flushMu sync.Mutex // Serializes flushes

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Writer.
type Option func(*Writer)

// WithClock sets the flush ticker's time source.
func WithClock(c clock.Clock) Option {
	return func(w *Writer) { w.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) { w.logger = logger }
}

// NewWriter creates a writer. Events are buffered but not written until Start.
func NewWriter(cfg Config, db DB, opts ...Option) *Writer {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.MaxPending < cfg.BatchSize {
		cfg.MaxPending = 10 * cfg.BatchSize
	}

	w := &Writer{
		cfg:   cfg,
		db:    db,
		clock: clock.New(),
		batch: make([]eventRow, 0, cfg.BatchSize),
		kick:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if len(cfg.EventTypes) > 0 {
		w.types = make(map[string]struct{}, len(cfg.EventTypes))
		for _, t := range cfg.EventTypes {
			w.types[t] = struct{}{}
		}
	}
	return w
}

// EnsureSchema creates the archive table if it does not exist.
func (w *Writer) EnsureSchema(ctx context.Context) error {
	_, err := w.db.Exec(ctx, Schema)
	return err
}

// Start begins flushing in the background.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("event archive started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop stops the background flush and writes what is left using ctx.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping event archive")

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("event archive stop timed out")
		return ctx.Err()
	}

	// Final flush
	w.flush(ctx)

	w.logger.Info("event archive stopped")
	return nil
}

// HandleEvent buffers a dispatch event. It never blocks on the database.
func (w *Writer) HandleEvent(ev gateway.Event) {
	if ev.Op != gateway.OpDispatch || ev.Type == "" {
		return
	}
	if w.types != nil {
		if _, ok := w.types[ev.Type]; !ok {
			w.mu.Lock()
			w.stats.Skipped++
			w.mu.Unlock()
			return
		}
	}

	row := transform(ev)

	w.mu.Lock()
	if len(w.batch) >= w.cfg.MaxPending {
		w.stats.Dropped++
		w.mu.Unlock()
		metrics.ArchiveRows.WithLabelValues("dropped").Inc()
		return
	}
	w.batch = append(w.batch, row)
	full := len(w.batch) >= w.cfg.BatchSize
	w.mu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
}

// Stats returns current counters.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.stats
	st.Pending = len(w.batch)
	return st
}

func transform(ev gateway.Event) eventRow {
	payload := ev.Data
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return eventRow{
		Shard:      ev.Shard,
		ConnID:     ev.ConnID,
		Seq:        ev.Seq,
		EventType:  ev.Type,
		Payload:    payload,
		ReceivedAt: ev.ReceivedAt,
	}
}

// flushLoop flushes on the ticker and whenever a batch fills up.
func (w *Writer) flushLoop() {
	defer w.wg.Done()

	ticker := w.clock.Ticker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush(w.ctx)
		case <-w.kick:
			w.flush(w.ctx)
		}
	}
}

// flush writes buffered rows, at most BatchSize per database batch.
func (w *Writer) flush(ctx context.Context) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	for {
		w.mu.Lock()
		if len(w.batch) == 0 {
			w.mu.Unlock()
			return
		}
		n := min(len(w.batch), w.cfg.BatchSize)
		rows := make([]eventRow, n)
		copy(rows, w.batch[:n])
		w.batch = append(w.batch[:0], w.batch[n:]...)
		w.mu.Unlock()

		start := w.clock.Now()
		conflicts, err := w.batchInsert(ctx, rows)
		if err != nil {
			w.logger.Error("batch insert failed", "error", err, "count", len(rows))
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
			metrics.ArchiveRows.WithLabelValues("error").Add(float64(len(rows)))
			return
		}

		w.mu.Lock()
		w.stats.Inserts += int64(len(rows) - conflicts)
		w.stats.Conflicts += int64(conflicts)
		w.stats.Flushes++
		w.mu.Unlock()
		metrics.ArchiveRows.WithLabelValues("inserted").Add(float64(len(rows) - conflicts))
		metrics.ArchiveRows.WithLabelValues("conflict").Add(float64(conflicts))

		w.logger.Debug("flushed events",
			"count", len(rows),
			"conflicts", conflicts,
			"duration", w.clock.Since(start),
		)
	}
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *Writer) batchInsert(ctx context.Context, rows []eventRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertEvent, r.Shard, r.ConnID, r.Seq, r.EventType, []byte(r.Payload), r.ReceivedAt)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
