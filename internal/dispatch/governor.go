package dispatch

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/jkaninda/tuma/internal/botapi"
	"github.com/jkaninda/tuma/internal/observability"
	"github.com/jkaninda/tuma/internal/ratelimit"
)

// Governor owns all quota bookkeeping for the remote service.
//
// Two goroutines cooperate:
//   - the admission loop owns the sliding window, the cooldown state, and the
//     priority queue; every admission decision and every queued slot passes
//     through it
//   - the pump pulls admitted slots in priority-then-FIFO order, paces them
//     to the per-second quota, and hands each to an executor goroutine
//     bounded by the in-flight semaphore
type Governor struct {
	cfg         Config
	caller      Caller
	checkpoints CheckpointStore // nil = cooldown not persisted (tests only).
	metrics     *observability.MetricsCollector
	tracer      trace.Tracer // nil = tracing disabled.
	logger      *slog.Logger

	window   *ratelimit.Window
	pacer    *rate.Limiter
	inflight *semaphore.Weighted

	submitCh chan *slot
	nextCh   chan *slot
	rlCh     chan time.Duration // Remote rate-limit signals from executors.
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu            sync.Mutex
	cooldownUntil time.Time
}

// New creates a governor. Call Start before Submit.
func New(cfg Config, caller Caller, checkpoints CheckpointStore, metrics *observability.MetricsCollector, tracer trace.Tracer, logger *slog.Logger) *Governor {
	cfg = cfg.withDefaults()
	return &Governor{
		cfg:         cfg,
		caller:      caller,
		checkpoints: checkpoints,
		metrics:     metrics,
		tracer:      tracer,
		logger:      logger,
		window:      ratelimit.NewWindow(cfg.WindowCapacity, cfg.WindowLength),
		pacer:       rate.NewLimiter(rate.Limit(cfg.PerSecond), 1),
		inflight:    semaphore.NewWeighted(int64(cfg.PerSecond)),
		submitCh:    make(chan *slot, cfg.QueueCapacity),
		nextCh:      make(chan *slot),
		rlCh:        make(chan time.Duration, 4),
		stopCh:      make(chan struct{}),
	}
}

// Start re-reads the persisted cooldown (so a restart cannot bypass an
// active one) and launches the admission loop and the pump.
func (g *Governor) Start(ctx context.Context) error {
	if g.checkpoints != nil {
		until, ok, err := g.checkpoints.LoadCooldown(ctx)
		if err != nil {
			return fmt.Errorf("restoring cooldown checkpoint: %w", err)
		}
		if ok && time.Now().Before(until) {
			g.setCooldown(until)
			g.logger.Warn("resuming persisted cooldown",
				slog.Time("until", until),
			)
		}
	}

	g.wg.Add(2)
	go g.admitLoop()
	go g.pump()
	return nil
}

// Stop shuts the governor down. Queued, not-yet-dispatched requests settle
// with ErrShuttingDown; in-flight calls run to their own completion.
func (g *Governor) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.wg.Wait()
}

// Submit runs one request through the admission algorithm and blocks until
// settlement. Rejection paths (ErrQueueFull, ErrCooldown, ErrWindowExceeded,
// ErrInvalidRequest) return immediately without blocking.
func (g *Governor) Submit(ctx context.Context, req *Request) (map[string]any, error) {
	if req == nil || req.Method == "" || req.Params == nil {
		return nil, fmt.Errorf("%w: method and params are required", ErrInvalidRequest)
	}

	if text, ok := g.chunkableText(req); ok {
		return g.submitChunked(ctx, req, text)
	}
	return g.submitOne(ctx, req)
}

// submitOne is the single-payload path: steps 2–7 of the admission algorithm.
func (g *Governor) submitOne(ctx context.Context, req *Request) (map[string]any, error) {
	s := &slot{req: req, ctx: ctx, done: make(chan settlement, 1)}

	// Bounded queue: reject instead of blocking when full.
	select {
	case g.submitCh <- s:
	default:
		g.countRequest(req.Method, "queue_full")
		return nil, ErrQueueFull
	}

	select {
	case st := <-s.done:
		return st.response, st.err
	case <-ctx.Done():
		// The slot stays owned by the governor and settles into its buffered
		// channel; the caller just stops waiting.
		return nil, ctx.Err()
	}
}

// admitLoop is the single owner of window, cooldown, and the priority queue.
func (g *Governor) admitLoop() {
	defer g.wg.Done()

	pending := &slotQueue{}
	heap.Init(pending)
	var seq uint64

	for {
		// Only offer the queue head to the pump when something is pending.
		var out chan *slot
		var head *slot
		if pending.Len() > 0 {
			out = g.nextCh
			head = (*pending)[0]
		}

		select {
		case s := <-g.submitCh:
			// The queue bound covers the pending set, not just the channel
			// buffer: sequential arrivals beyond capacity are rejected here.
			if pending.Len() >= g.cfg.QueueCapacity {
				g.countRequest(s.req.Method, "queue_full")
				s.settle(nil, ErrQueueFull)
				continue
			}
			if err := g.checkAdmission(); err != nil {
				g.countRequest(s.req.Method, admissionLabel(err))
				s.settle(nil, err)
				continue
			}
			seq++
			s.seq = seq
			heap.Push(pending, s)
			g.setQueueDepth(pending.Len())

		case out <- head:
			heap.Pop(pending)
			g.setQueueDepth(pending.Len())

		case retryAfter := <-g.rlCh:
			g.enterCooldown(retryAfter, "remote rate limit signal")

		case <-g.stopCh:
			for pending.Len() > 0 {
				s := heap.Pop(pending).(*slot)
				s.settle(nil, ErrShuttingDown)
			}
			// Drain submissions raced in before stop.
			for {
				select {
				case s := <-g.submitCh:
					s.settle(nil, ErrShuttingDown)
				default:
					g.setQueueDepth(0)
					return
				}
			}
		}
	}
}

// checkAdmission applies steps 3–4: cooldown first (no window slot consumed),
// then the sliding window, whose exhaustion transitions into cooldown.
func (g *Governor) checkAdmission() error {
	until := g.getCooldown()
	if time.Now().Before(until) {
		return ErrCooldown
	}
	if !until.IsZero() {
		g.clearCooldown()
	}
	if err := g.window.Allow(); err != nil {
		g.enterCooldown(0, "sliding window at capacity")
		return ErrWindowExceeded
	}
	return nil
}

// clearCooldown drops an expired cooldown and removes its checkpoint so a
// restart does not consult stale state.
func (g *Governor) clearCooldown() {
	g.mu.Lock()
	g.cooldownUntil = time.Time{}
	g.mu.Unlock()

	if g.checkpoints == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.checkpoints.ClearCooldown(ctx); err != nil {
		g.logger.Error("clearing cooldown checkpoint failed",
			slog.String("error", err.Error()),
		)
	}
}

// pump pulls admitted slots in priority order and paces dispatch: it waits
// out any active cooldown (admitted requests are delayed, never dropped),
// enforces the minimum inter-dispatch interval, and bounds in-flight calls.
func (g *Governor) pump() {
	defer g.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-g.stopCh
		cancel()
	}()

	for {
		select {
		case <-g.stopCh:
			return
		case s := <-g.nextCh:
			if !g.waitCooldown(ctx) {
				s.settle(nil, ErrShuttingDown)
				return
			}
			if err := g.pacer.Wait(ctx); err != nil {
				s.settle(nil, ErrShuttingDown)
				return
			}
			if err := g.inflight.Acquire(ctx, 1); err != nil {
				s.settle(nil, ErrShuttingDown)
				return
			}
			g.wg.Add(1)
			go g.execute(s)
		}
	}
}

// waitCooldown sleeps until any active cooldown has passed.
// Returns false if the governor stopped while waiting.
func (g *Governor) waitCooldown(ctx context.Context) bool {
	for {
		until := g.getCooldown()
		now := time.Now()
		if !now.Before(until) {
			return true
		}
		select {
		case <-time.After(until.Sub(now)):
		case <-ctx.Done():
			return false
		}
	}
}

// execute runs one dispatched slot: the remote call with exponential backoff
// for transport errors, the wall-clock circuit breaker, and the cooldown
// transition on an explicit remote rate-limit signal.
func (g *Governor) execute(s *slot) {
	defer g.wg.Done()
	defer g.inflight.Release(1)

	start := time.Now()
	ctx, cancel := context.WithTimeout(s.ctx, g.cfg.DispatchBudget)
	defer cancel()

	if g.tracer != nil {
		var span trace.Span
		ctx, span = g.tracer.Start(ctx, "dispatch.execute",
			trace.WithAttributes(
				attribute.String("dispatch.method", s.req.Method),
				attribute.Int("dispatch.priority", s.req.Priority),
			))
		defer span.End()
	}

	retries := s.req.MaxRetries
	if retries < 0 {
		retries = 0
	}
	if retries > g.cfg.MaxRetriesCeiling {
		retries = g.cfg.MaxRetriesCeiling
	}

	delay := g.cfg.RetryBaseDelay
	var lastErr error

	for attempt := 0; attempt <= retries; attempt++ {
		resp, err := g.caller.Call(ctx, s.req.Method, s.req.Params)
		if err == nil {
			if s.req.SanitizeOutput {
				resp = sanitizeResponse(s.req.Method, resp, g.cfg.IdentityNamespaces)
			}
			g.countRequest(s.req.Method, "ok")
			g.observeDuration(s.req.Method, time.Since(start))
			s.settle(resp, nil)
			return
		}

		// Explicit rate-limit signal: enter cooldown, never retry past it.
		var rle *botapi.RateLimitError
		if errors.As(err, &rle) {
			select {
			case g.rlCh <- rle.RetryAfter:
			default: // A signal is already pending; one transition is enough.
			}
			g.countRequest(s.req.Method, "remote_rate_limited")
			settleErr := fmt.Errorf("%w: remote signalled rate limit", ErrCooldown)
			spanError(ctx, settleErr)
			s.settle(nil, settleErr)
			return
		}

		// The remote rejected the call itself — retrying cannot change that.
		var apiErr *botapi.APIError
		if errors.As(err, &apiErr) {
			g.countRequest(s.req.Method, "remote_error")
			spanError(ctx, apiErr)
			s.settle(nil, apiErr)
			return
		}

		// Wall-clock budget is the circuit breaker: once expired, fail
		// permanently regardless of remaining retry budget.
		if ctx.Err() != nil {
			g.settleContextError(s, ctx)
			return
		}

		lastErr = err
		if attempt == retries {
			break
		}
		g.countRetry()
		g.logger.Warn("transport error, backing off",
			slog.String("method", s.req.Method),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			g.settleContextError(s, ctx)
			return
		}
		delay *= 2
		if delay > g.cfg.RetryMaxDelay {
			delay = g.cfg.RetryMaxDelay
		}
	}

	g.countRequest(s.req.Method, "transport_failure")
	settleErr := fmt.Errorf("transport failure after %d attempts: %w", retries+1, lastErr)
	spanError(ctx, settleErr)
	s.settle(nil, settleErr)
}

// settleContextError distinguishes the circuit breaker (budget deadline)
// from caller cancellation.
func (g *Governor) settleContextError(s *slot, ctx context.Context) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && s.ctx.Err() == nil {
		g.countRequest(s.req.Method, "circuit_breaker")
		spanError(ctx, ErrCircuitBreaker)
		s.settle(nil, ErrCircuitBreaker)
		return
	}
	g.countRequest(s.req.Method, "canceled")
	spanError(ctx, s.ctx.Err())
	s.settle(nil, s.ctx.Err())
}

// spanError records err on the span carried by ctx. No-op without an active
// recording span or with a nil err.
func spanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// enterCooldown transitions into cooldown and persists the deadline.
// retryAfter extends the configured duration when the remote asks for longer.
func (g *Governor) enterCooldown(retryAfter time.Duration, reason string) {
	d := g.cfg.Cooldown
	if retryAfter > d {
		d = retryAfter
	}
	until := time.Now().Add(d)
	g.setCooldown(until)
	g.countCooldown()
	g.logger.Warn("entering cooldown",
		slog.String("reason", reason),
		slog.Duration("duration", d),
		slog.Time("until", until),
	)

	if g.checkpoints != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.checkpoints.SaveCooldown(ctx, until); err != nil {
			// The in-memory cooldown still holds; only restart recovery is at risk.
			g.logger.Error("persisting cooldown checkpoint failed",
				slog.String("error", err.Error()),
			)
		}
	}
}

func (g *Governor) getCooldown() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cooldownUntil
}

func (g *Governor) setCooldown(until time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if until.After(g.cooldownUntil) {
		g.cooldownUntil = until
	}
}

// WindowCount reports the current sliding-window occupancy. Test hook.
func (g *Governor) WindowCount() int { return g.window.Count() }

func admissionLabel(err error) string {
	switch {
	case errors.Is(err, ErrCooldown):
		return "cooldown"
	case errors.Is(err, ErrWindowExceeded):
		return "window_exceeded"
	default:
		return "rejected"
	}
}

// Metric helpers — nil-safe, the collector is optional.

func (g *Governor) countRequest(method, status string) {
	if g.metrics != nil {
		g.metrics.DispatchRequestsTotal.WithLabelValues(method, status).Inc()
	}
}

func (g *Governor) observeDuration(method string, d time.Duration) {
	if g.metrics != nil {
		g.metrics.DispatchDuration.WithLabelValues(method).Observe(d.Seconds())
	}
}

func (g *Governor) countRetry() {
	if g.metrics != nil {
		g.metrics.DispatchRetriesTotal.Inc()
	}
}

func (g *Governor) countCooldown() {
	if g.metrics != nil {
		g.metrics.CooldownsTotal.Inc()
	}
}

func (g *Governor) setQueueDepth(n int) {
	if g.metrics != nil {
		g.metrics.DispatchQueueDepth.Set(float64(n))
	}
}

// slotQueue is a priority queue: lower Priority first, then FIFO by seq.
type slotQueue []*slot

func (q slotQueue) Len() int { return len(q) }

func (q slotQueue) Less(i, j int) bool {
	if q[i].req.Priority != q[j].req.Priority {
		return q[i].req.Priority < q[j].req.Priority
	}
	return q[i].seq < q[j].seq
}

func (q slotQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *slotQueue) Push(x any) { *q = append(*q, x.(*slot)) }

func (q *slotQueue) Pop() any {
	old := *q
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return s
}
