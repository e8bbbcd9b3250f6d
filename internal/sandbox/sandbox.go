// Package sandbox runs untrusted script bodies inside disposable goja
// isolates. Each run gets its own isolate, its own data-proxy grant, and its
// own API-call budget; the only host surface a script can reach is the
// injected one (timers, db, api.call, log). Isolates never share mutable
// state with each other or with the host beyond those mediated primitives.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/jkaninda/tuma/internal/dataproxy"
	"github.com/jkaninda/tuma/internal/dispatch"
	"github.com/jkaninda/tuma/internal/observability"
	"github.com/jkaninda/tuma/internal/ratelimit"
	"github.com/jkaninda/tuma/internal/store"
	"github.com/jkaninda/tuma/internal/validator"
)

// Terminal failure kinds. TimedOut and MemoryExceeded are distinct so callers
// can tell "ran too long" from "allocated too much".
var (
	ErrTimedOut       = errors.New("sandbox run timed out")
	ErrMemoryExceeded = errors.New("sandbox memory ceiling exceeded")
)

// ValidationError reports a static-validation rejection before any isolate
// was created.
type ValidationError struct {
	Pattern string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%s): %s", e.Pattern, e.Reason)
}

// RuntimeError reports a script-thrown exception or interpreter error.
type RuntimeError struct {
	Message string
}

func (e *RuntimeError) Error() string {
	return "script runtime error: " + e.Message
}

// State is one step of the run lifecycle. Disposal is unconditional: every
// run ends Disposed no matter which terminal state it reached first.
type State string

const (
	StateCreated        State = "created"
	StateValidating     State = "validating"
	StateRunning        State = "running"
	StateCompleted      State = "completed"
	StateTimedOut       State = "timed_out"
	StateMemoryExceeded State = "memory_exceeded"
	StateErrored        State = "errored"
	StateDisposed       State = "disposed"
)

// Budget bounds one run. Zero values select the defaults noted.
type Budget struct {
	Timeout           time.Duration // Wall-clock ceiling. Default: 5s.
	MaxMemoryBytes    uint64        // Heap-growth ceiling. Default: 64 MiB.
	MaxTimers         int           // Concurrent pending timers. Default: 16.
	MaxTimerDelay     time.Duration // Per-timer delay cap; longer delays are clamped. Default: 30s.
	APICallsPerMinute int           // Per-run outbound call ceiling, tighter than the governor's quota. Default: 30.
}

func (b Budget) withDefaults() Budget {
	if b.Timeout <= 0 {
		b.Timeout = 5 * time.Second
	}
	if b.MaxMemoryBytes == 0 {
		b.MaxMemoryBytes = 64 << 20
	}
	if b.MaxTimers <= 0 {
		b.MaxTimers = 16
	}
	if b.MaxTimerDelay <= 0 {
		b.MaxTimerDelay = 30 * time.Second
	}
	if b.APICallsPerMinute <= 0 {
		b.APICallsPerMinute = 30
	}
	return b
}

// Outcome is the settled result of one run.
type Outcome struct {
	RunID    string
	State    State // Terminal execution state reached before disposal.
	Result   any   // Completion value of the script body, copied out by value.
	Err      error
	Duration time.Duration
}

// Submitter dispatches one outbound call. *dispatch.Governor is the
// production implementation.
type Submitter interface {
	Submit(ctx context.Context, req *dispatch.Request) (map[string]any, error)
}

// Config configures the executor.
type Config struct {
	MaxConcurrentRuns int // Default: 8.
	MaxScriptBytes    int // Passed to the validator. Default: validator.DefaultMaxScriptBytes.
}

// Executor creates and runs isolates. Safe for concurrent use; concurrency is
// bounded by the configured run semaphore.
type Executor struct {
	validator *validator.Validator
	submitter Submitter
	store     store.Store
	metrics   *observability.MetricsCollector
	tracer    trace.Tracer // nil = tracing disabled.
	logger    *slog.Logger

	runs *semaphore.Weighted
}

// New creates an executor. submitter may be nil only when no script is
// expected to call api.call (a script that does will get a runtime error).
func New(cfg Config, submitter Submitter, st store.Store, metrics *observability.MetricsCollector, tracer trace.Tracer, logger *slog.Logger) *Executor {
	maxRuns := cfg.MaxConcurrentRuns
	if maxRuns <= 0 {
		maxRuns = 8
	}
	if metrics != nil {
		// Pre-register every deny-pattern label so rejection counters scrape
		// as zero instead of appearing only after a first failure.
		for _, name := range validator.PatternNames() {
			metrics.ValidationFailuresTotal.WithLabelValues(name)
		}
	}
	return &Executor{
		validator: validator.New(cfg.MaxScriptBytes),
		submitter: submitter,
		store:     st,
		metrics:   metrics,
		tracer:    tracer,
		logger:    logger,
		runs:      semaphore.NewWeighted(int64(maxRuns)),
	}
}

// Run executes one script body to completion or failure. It blocks while the
// concurrent-runs ceiling is saturated, then for the duration of execution up
// to the wall-clock timeout. The returned Outcome always has a terminal state;
// disposal has already happened by the time Run returns.
func (e *Executor) Run(ctx context.Context, script string, input map[string]any, budget Budget, grant dataproxy.Grant) *Outcome {
	budget = budget.withDefaults()
	runID := uuid.NewString()
	logger := e.logger.With(slog.String("run_id", runID))

	out := &Outcome{RunID: runID, State: StateCreated}
	start := time.Now()
	defer func() {
		out.Duration = time.Since(start)
		e.recordRun(out)
	}()

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "sandbox.run",
			trace.WithAttributes(attribute.String("run.id", runID)))
		defer func() {
			span.SetAttributes(attribute.String("run.state", string(out.State)))
			if out.Err != nil {
				span.RecordError(out.Err)
				span.SetStatus(codes.Error, out.Err.Error())
			}
			span.End()
		}()
	}

	out.State = StateValidating
	if verdict := e.validator.Validate(script); !verdict.OK {
		e.countValidationFailure(verdict.Pattern)
		logger.Warn("script rejected by validator",
			slog.String("pattern", verdict.Pattern),
		)
		out.State = StateErrored
		out.Err = &ValidationError{Pattern: verdict.Pattern, Reason: verdict.Reason}
		return out
	}

	if err := e.runs.Acquire(ctx, 1); err != nil {
		out.State = StateErrored
		out.Err = fmt.Errorf("acquiring run slot: %w", err)
		return out
	}
	defer e.runs.Release(1)
	e.setActiveRuns(+1)
	defer e.setActiveRuns(-1)

	proxy := dataproxy.New(grant, e.store, e.metrics, logger)
	iso := newIsolate(isolateConfig{
		runID:     runID,
		budget:    budget,
		proxy:     proxy,
		submitter: e.submitter,
		apiBucket: e.apiBucket(budget),
		logger:    logger,
	})
	// Disposal is unconditional: pending timers are cancelled and the isolate
	// dropped no matter how execution ended.
	defer iso.dispose()

	out.State = StateRunning
	logger.Debug("run started", slog.Duration("timeout", budget.Timeout))

	result, err := iso.run(ctx, script, input)
	switch {
	case err == nil:
		out.State = StateCompleted
		out.Result = result
	case errors.Is(err, ErrTimedOut):
		out.State = StateTimedOut
		out.Err = err
	case errors.Is(err, ErrMemoryExceeded):
		out.State = StateMemoryExceeded
		out.Err = err
	default:
		out.State = StateErrored
		out.Err = err
	}
	if out.Err != nil {
		logger.Warn("run failed",
			slog.String("state", string(out.State)),
			slog.String("error", out.Err.Error()),
		)
	} else {
		logger.Debug("run completed")
	}
	return out
}

// apiBucket builds the per-run token bucket for api.call.
func (e *Executor) apiBucket(budget Budget) *ratelimit.Limiter {
	return ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: budget.APICallsPerMinute,
		BurstSize:         budget.APICallsPerMinute,
	})
}

func (e *Executor) recordRun(out *Outcome) {
	if e.metrics == nil {
		return
	}
	e.metrics.SandboxRunsTotal.WithLabelValues(string(out.State)).Inc()
	e.metrics.SandboxRunDuration.Observe(out.Duration.Seconds())
}

func (e *Executor) setActiveRuns(delta float64) {
	if e.metrics != nil {
		e.metrics.SandboxActiveRuns.Add(delta)
	}
}

func (e *Executor) countValidationFailure(pattern string) {
	if e.metrics != nil {
		e.metrics.ValidationFailuresTotal.WithLabelValues(pattern).Inc()
	}
}
