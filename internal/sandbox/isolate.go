package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/jkaninda/tuma/internal/dataproxy"
	"github.com/jkaninda/tuma/internal/dispatch"
	"github.com/jkaninda/tuma/internal/ratelimit"
)

// memSampleInterval is how often the memory watchdog samples heap growth.
const memSampleInterval = 10 * time.Millisecond

type isolateConfig struct {
	runID     string
	budget    Budget
	proxy     *dataproxy.Proxy
	submitter Submitter
	apiBucket *ratelimit.Limiter
	logger    *slog.Logger
}

// isolate is one disposable execution context. Script code and timer
// callbacks run on the goroutine that calls run; only the watchdogs touch the
// runtime from outside, and only through Interrupt, which goja allows.
type isolate struct {
	cfg isolateConfig
	vm  *goja.Runtime

	// ctx is the active run context, read by injected host functions.
	// callerCtx is the context run was called with: api.call dispatches on it
	// so an expiring run budget interrupts the script without aborting a call
	// already in flight.
	ctx       context.Context
	callerCtx context.Context

	timers      []*timer
	nextTimerID int64

	disposeOnce sync.Once
}

type timer struct {
	id  int64
	due time.Time
	fn  goja.Callable
}

func newIsolate(cfg isolateConfig) *isolate {
	is := &isolate{
		cfg:       cfg,
		vm:        goja.New(),
		ctx:       context.Background(),
		callerCtx: context.Background(),
	}
	is.installGlobals()
	return is
}

// run executes the script body, then drives pending timers to completion.
// The completion value of the script body is the run's declared result.
func (is *isolate) run(ctx context.Context, script string, input map[string]any) (any, error) {
	runCtx, cancel := context.WithTimeout(ctx, is.cfg.budget.Timeout)
	defer cancel()
	is.ctx = runCtx
	is.callerCtx = ctx

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go is.wallClockWatchdog(ctx, runCtx, stopWatch)
	go is.memoryWatchdog(stopWatch)

	// Input crosses the boundary by value. A host-side mutation of the
	// caller's map after this point is invisible to the script, and vice versa.
	copied, err := deepCopyJSON(input)
	if err != nil {
		return nil, &RuntimeError{Message: "input is not serializable"}
	}
	is.vm.Set("input", copied)

	value, err := is.vm.RunString(script)
	if err != nil {
		return nil, is.classify(err)
	}

	if err := is.driveTimers(runCtx, ctx); err != nil {
		return nil, err
	}

	return exportResult(value)
}

// driveTimers fires pending timers in due order until none remain or the
// run context ends.
func (is *isolate) driveTimers(runCtx, callerCtx context.Context) error {
	for len(is.timers) > 0 {
		t := is.popEarliest()
		if wait := time.Until(t.due); wait > 0 {
			select {
			case <-time.After(wait):
			case <-runCtx.Done():
				if errors.Is(runCtx.Err(), context.DeadlineExceeded) && callerCtx.Err() == nil {
					return ErrTimedOut
				}
				return callerCtx.Err()
			}
		}
		if _, err := t.fn(goja.Undefined()); err != nil {
			return is.classify(err)
		}
	}
	return nil
}

func (is *isolate) popEarliest() *timer {
	sort.Slice(is.timers, func(i, j int) bool { return is.timers[i].due.Before(is.timers[j].due) })
	t := is.timers[0]
	is.timers = is.timers[1:]
	return t
}

// dispose is unconditional cleanup: it cancels pending timers, interrupts any
// stray execution, and drops the per-run API bucket. Safe to call more than once.
func (is *isolate) dispose() {
	is.disposeOnce.Do(func() {
		is.timers = nil
		is.vm.Interrupt(errDisposed)
		is.cfg.apiBucket.Forget(is.cfg.runID)
	})
}

// Interrupt sentinels. The watchdogs pass these through goja so the
// classifier can name the exact failure kind.
var (
	errDisposed = errors.New("isolate disposed")
)

func (is *isolate) wallClockWatchdog(callerCtx, runCtx context.Context, stop <-chan struct{}) {
	select {
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && callerCtx.Err() == nil {
			is.vm.Interrupt(ErrTimedOut)
			return
		}
		is.vm.Interrupt(runCtx.Err())
	case <-stop:
	}
}

// memoryWatchdog samples process heap growth against the run's ceiling.
// Heap growth is process-wide, so a concurrent run's allocations count toward
// the sample; the ceiling is a blast-radius bound, not precise accounting.
func (is *isolate) memoryWatchdog(stop <-chan struct{}) {
	var base runtime.MemStats
	runtime.ReadMemStats(&base)

	ticker := time.NewTicker(memSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			var now runtime.MemStats
			runtime.ReadMemStats(&now)
			if now.HeapAlloc > base.HeapAlloc && now.HeapAlloc-base.HeapAlloc > is.cfg.budget.MaxMemoryBytes {
				is.vm.Interrupt(ErrMemoryExceeded)
				return
			}
		case <-stop:
			return
		}
	}
}

// classify maps a goja error onto the executor's failure kinds.
func (is *isolate) classify(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		switch v := interrupted.Value().(type) {
		case error:
			switch {
			case errors.Is(v, ErrTimedOut):
				return ErrTimedOut
			case errors.Is(v, ErrMemoryExceeded):
				return ErrMemoryExceeded
			case errors.Is(v, errDisposed):
				return &RuntimeError{Message: "execution after disposal"}
			default:
				return v
			}
		default:
			return &RuntimeError{Message: fmt.Sprint(v)}
		}
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return &RuntimeError{Message: exception.Value().String()}
	}
	return &RuntimeError{Message: err.Error()}
}

// installGlobals injects the fixed capability surface. Nothing else from the
// host is reachable: no filesystem, no process, no network primitive, no
// console. Host functions return errors, which goja raises as exceptions
// inside the script.
func (is *isolate) installGlobals() {
	vm := is.vm

	vm.Set("setTimeout", is.jsSetTimeout)
	vm.Set("clearTimeout", is.jsClearTimeout)

	db := vm.NewObject()
	db.Set("open", is.jsOpen)
	vm.Set("db", db)

	api := vm.NewObject()
	api.Set("call", is.jsAPICall)
	vm.Set("api", api)

	logObj := vm.NewObject()
	logObj.Set("debug", is.scriptLog(slog.LevelDebug))
	logObj.Set("info", is.scriptLog(slog.LevelInfo))
	logObj.Set("warn", is.scriptLog(slog.LevelWarn))
	logObj.Set("error", is.scriptLog(slog.LevelError))
	vm.Set("log", logObj)
}

func (is *isolate) jsSetTimeout(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(is.vm.ToValue("setTimeout: first argument must be a function"))
	}
	if len(is.timers) >= is.cfg.budget.MaxTimers {
		panic(is.vm.ToValue(fmt.Sprintf("setTimeout: timer limit of %d reached", is.cfg.budget.MaxTimers)))
	}
	delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	if delay > is.cfg.budget.MaxTimerDelay {
		delay = is.cfg.budget.MaxTimerDelay
	}
	is.nextTimerID++
	is.timers = append(is.timers, &timer{
		id:  is.nextTimerID,
		due: time.Now().Add(delay),
		fn:  fn,
	})
	return is.vm.ToValue(is.nextTimerID)
}

func (is *isolate) jsClearTimeout(id int64) {
	for i, t := range is.timers {
		if t.id == id {
			is.timers = append(is.timers[:i], is.timers[i+1:]...)
			return
		}
	}
}

// jsOpen exposes the data proxy: db.open(collection) returns a handle object,
// or throws when the collection is outside the grant.
func (is *isolate) jsOpen(collection string) (*goja.Object, error) {
	h, err := is.cfg.proxy.Open(collection)
	if err != nil {
		return nil, err
	}
	obj := is.vm.NewObject()
	obj.Set("get", func(id string) (map[string]any, error) { return h.Get(is.ctx, id) })
	obj.Set("list", func(limit int) ([]map[string]any, error) { return h.List(is.ctx, limit) })
	obj.Set("add", func(data map[string]any) (string, error) { return h.Add(is.ctx, data) })
	obj.Set("set", func(id string, data map[string]any) error { return h.Set(is.ctx, id, data) })
	obj.Set("update", func(id string, fields map[string]any) error { return h.Update(is.ctx, id, fields) })
	obj.Set("delete", func(id string) error { return h.Delete(is.ctx, id) })
	return obj, nil
}

// jsAPICall is the script's only path to the remote service: the per-run
// bucket bounds how fast one script can generate outbound load, then the
// request goes through the governor like any first-party call.
func (is *isolate) jsAPICall(method string, params map[string]any) (map[string]any, error) {
	if is.cfg.submitter == nil {
		return nil, errors.New("api.call is not available in this run")
	}
	if err := is.cfg.apiBucket.Allow(is.cfg.runID); err != nil {
		return nil, fmt.Errorf("api.call: %w", err)
	}
	if params == nil {
		params = map[string]any{}
	}
	return is.cfg.submitter.Submit(is.callerCtx, &dispatch.Request{
		Method:         method,
		Params:         params,
		SanitizeOutput: true,
	})
}

func (is *isolate) scriptLog(level slog.Level) func(args ...any) {
	return func(args ...any) {
		is.cfg.logger.Log(is.ctx, level, fmt.Sprint(args...), slog.String("source", "script"))
	}
}

// deepCopyJSON copies a value across the sandbox boundary through a JSON
// round trip, severing every reference to the original.
func deepCopyJSON(in map[string]any) (map[string]any, error) {
	if in == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// exportResult copies the script's completion value out by value. Values with
// no JSON representation (functions, symbols) are a runtime error rather than
// a live handle leaking out.
func exportResult(v goja.Value) (any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	raw, err := json.Marshal(v.Export())
	if err != nil {
		return nil, &RuntimeError{Message: "result is not serializable"}
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &RuntimeError{Message: "result is not serializable"}
	}
	return out, nil
}
