package rest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/rickgao/gatecord/internal/metrics"
	"github.com/rickgao/gatecord/internal/ratelimit"
)

// DefaultMaxRetries is the number of 429 responses a request may receive
// before it fails with a RateLimitError.
const DefaultMaxRetries = 5

// Dispatcher admits requests through a rate-limit registry.
//
// Requests are queued in lanes. A lane is keyed by the bucket of its
// requests, or by the route while the bucket is unknown, and sends one
// request at a time in submission order. A route keeps using the lane it is
// queued on until that lane has no requests for it, so a bucket discovered
// or changed mid-queue cannot reorder its requests.
type Dispatcher struct {
	client     Doer
	registry   *ratelimit.Registry
	clock      clock.Clock
	logger     *slog.Logger
	maxRetries int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	lanes   map[string]*lane
	byRoute map[string]*lane
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMaxRetries sets the 429 retry budget per request.
func WithMaxRetries(n int) DispatcherOption {
	return func(d *Dispatcher) {
		d.maxRetries = n
	}
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

type lane struct {
	key     string
	queue   []*item
	pending map[string]int // Queued requests per route key
}

type item struct {
	ctx      context.Context
	id       string
	req      *Request
	route    ratelimit.Route
	enqueued time.Time
	done     chan result
}

type result struct {
	resp *Response
	err  error
}

func (it *item) finish(resp *Response, err error) {
	it.done <- result{resp: resp, err: err}
}

// NewDispatcher creates a dispatcher. The registry's clock is used for all
// waits.
func NewDispatcher(client Doer, registry *ratelimit.Registry, opts ...DispatcherOption) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		client:     client,
		registry:   registry,
		clock:      registry.Clock(),
		maxRetries: DefaultMaxRetries,
		ctx:        ctx,
		cancel:     cancel,
		lanes:      make(map[string]*lane),
		byRoute:    make(map[string]*lane),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// Registry returns the registry requests are admitted through.
func (d *Dispatcher) Registry() *ratelimit.Registry {
	return d.registry
}

// Submit queues req and blocks until it has a terminal outcome or ctx is
// done. 429 responses are retried internally and never returned.
func (d *Dispatcher) Submit(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.Method == "" || req.path() == "" {
		return nil, errors.New("request needs a method and a route")
	}

	it := &item{
		ctx:      ctx,
		id:       uuid.NewString(),
		req:      req,
		route:    req.RateLimitRoute(),
		enqueued: d.clock.Now(),
		done:     make(chan result, 1),
	}
	if err := d.enqueue(it); err != nil {
		return nil, err
	}

	select {
	case r := <-it.done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Do submits req and decodes a successful JSON body into out. A nil out
// discards the body.
func (d *Dispatcher) Do(ctx context.Context, req *Request, out any) error {
	resp, err := d.Submit(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	return resp.Decode(out)
}

// Get submits a GET on route with its placeholders filled from params.
func (d *Dispatcher) Get(ctx context.Context, route string, params ...string) (*Response, error) {
	return d.send(ctx, http.MethodGet, route, nil, params)
}

// Post submits a POST with a JSON body.
func (d *Dispatcher) Post(ctx context.Context, route string, body any, params ...string) (*Response, error) {
	return d.send(ctx, http.MethodPost, route, body, params)
}

// Patch submits a PATCH with a JSON body.
func (d *Dispatcher) Patch(ctx context.Context, route string, body any, params ...string) (*Response, error) {
	return d.send(ctx, http.MethodPatch, route, body, params)
}

// Delete submits a DELETE.
func (d *Dispatcher) Delete(ctx context.Context, route string, params ...string) (*Response, error) {
	return d.send(ctx, http.MethodDelete, route, nil, params)
}

func (d *Dispatcher) send(ctx context.Context, method, route string, body any, params []string) (*Response, error) {
	req, err := NewRequest(method, route, params...)
	if err != nil {
		return nil, err
	}
	req.Body = body
	return d.Submit(ctx, req)
}

// Queued returns the number of requests waiting or in flight.
func (d *Dispatcher) Queued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, l := range d.lanes {
		n += len(l.queue)
	}
	return n
}

// Close rejects new requests, fails queued ones with ErrDispatcherClosed and
// waits for lane workers to exit or ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher close: %w", ctx.Err())
	}
}

func (d *Dispatcher) enqueue(it *item) error {
	rk := it.route.Key()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDispatcherClosed
	}

	l := d.byRoute[rk]
	if l == nil {
		key := d.registry.BucketFor(it.route)
		if key == "" {
			key = "route:" + rk
		}
		l = d.lanes[key]
		if l == nil {
			l = &lane{key: key, pending: make(map[string]int)}
			d.lanes[key] = l
			d.wg.Add(1)
			go d.runLane(l)
		}
		d.byRoute[rk] = l
	}
	l.pending[rk]++
	l.queue = append(l.queue, it)
	metrics.QueuedRequests.Inc()
	return nil
}

// runLane processes a lane until it is empty, then removes it.
func (d *Dispatcher) runLane(l *lane) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		if len(l.queue) == 0 {
			delete(d.lanes, l.key)
			d.mu.Unlock()
			return
		}
		it := l.queue[0]
		d.mu.Unlock()

		d.process(l, it)

		rk := it.route.Key()
		d.mu.Lock()
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.pending[rk]--
		if l.pending[rk] <= 0 {
			delete(l.pending, rk)
			if d.byRoute[rk] == l {
				delete(d.byRoute, rk)
			}
		}
		d.mu.Unlock()
		metrics.QueuedRequests.Dec()
	}
}

// process drives one request to a terminal outcome. The lane sends nothing
// else meanwhile, so a 429 is retried at the head of its lane.
func (d *Dispatcher) process(l *lane, it *item) {
	logger := d.logger.With(
		"request_id", it.id,
		"route", it.route.Key(),
		"lane", l.key,
	)
	attempts := 0

	for {
		if err := d.alive(it); err != nil {
			it.finish(nil, err)
			return
		}

		res := d.registry.Reserve(it.route)
		if !res.Allowed {
			logger.Debug("waiting for rate limit",
				"wait", res.Wait,
				"global", res.Global,
				"bucket", res.Bucket)
			metrics.RateLimitWaits.Observe(res.Wait.Seconds())
			if err := d.sleep(it, res.Wait); err != nil {
				it.finish(nil, err)
				return
			}
			continue
		}

		start := d.clock.Now()
		resp, err := d.client.Do(it.ctx, it.req)
		if err != nil {
			d.registry.Settle(res)
			metrics.RequestsTotal.WithLabelValues(it.route.Method, "error").Inc()
			it.finish(nil, err)
			return
		}
		metrics.RequestDuration.WithLabelValues(it.route.Method).Observe(d.clock.Since(start).Seconds())
		metrics.RequestsTotal.WithLabelValues(it.route.Method, statusClass(resp.StatusCode)).Inc()

		out := d.registry.Complete(res, resp.StatusCode, resp.Header, resp.Body)
		if !out.RateLimited {
			if resp.StatusCode >= 400 {
				it.finish(nil, newAPIError(resp))
				return
			}
			logger.Debug("request complete",
				"status", resp.StatusCode,
				"attempts", attempts+1,
				"elapsed", d.clock.Since(it.enqueued))
			it.finish(resp, nil)
			return
		}

		attempts++
		if attempts > d.maxRetries {
			metrics.RetryExhausted.Inc()
			logger.Warn("rate limit retries exhausted",
				"attempts", attempts,
				"bucket", out.Bucket,
				"global", out.Global)
			it.finish(nil, &RateLimitError{
				Route:      it.route.Key(),
				Bucket:     out.Bucket,
				Global:     out.Global,
				RetryAfter: out.RetryAfter,
				Attempts:   attempts,
			})
			return
		}

		logger.Info("rate limited, requeued",
			"attempt", attempts,
			"retry_after", out.RetryAfter,
			"global", out.Global,
			"bucket", out.Bucket)
		metrics.RateLimitWaits.Observe(out.RetryAfter.Seconds())
		if err := d.sleep(it, out.RetryAfter); err != nil {
			it.finish(nil, err)
			return
		}
	}
}

func (d *Dispatcher) alive(it *item) error {
	if err := it.ctx.Err(); err != nil {
		return err
	}
	if d.ctx.Err() != nil {
		return ErrDispatcherClosed
	}
	return nil
}

// sleep waits for wait on the dispatcher clock.
func (d *Dispatcher) sleep(it *item, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := d.clock.Timer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-it.ctx.Done():
		return it.ctx.Err()
	case <-d.ctx.Done():
		return ErrDispatcherClosed
	}
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return strconv.Itoa(code)
	}
	return strconv.Itoa(code/100) + "xx"
}
