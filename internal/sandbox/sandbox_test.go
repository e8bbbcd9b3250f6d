package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jkaninda/tuma/internal/dataproxy"
	"github.com/jkaninda/tuma/internal/dispatch"
	"github.com/jkaninda/tuma/internal/store"
)

type fakeSubmitter struct {
	mu       sync.Mutex
	requests []*dispatch.Request
	respond  func(req *dispatch.Request) (map[string]any, error)
}

func (f *fakeSubmitter) Submit(ctx context.Context, req *dispatch.Request) (map[string]any, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(req)
	}
	return map[string]any{"ok": true}, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestExecutor(t *testing.T, submitter Submitter) (*Executor, store.Store) {
	t.Helper()
	st, err := store.OpenSQLite(store.SQLiteConfig{Path: filepath.Join(t.TempDir(), "runs.db")}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(Config{}, submitter, st, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil))), st
}

func testGrant() dataproxy.Grant {
	return dataproxy.Grant{
		Owner:              "test-run",
		AllowedCollections: []string{"notes"},
		MaxReadsPerMinute:  100,
		MaxWritesPerMinute: 100,
	}
}

func TestRunReturnsCompletionValue(t *testing.T) {
	ex, _ := newTestExecutor(t, nil)

	out := ex.Run(context.Background(), "input.a + 1", map[string]any{"a": 41}, Budget{}, testGrant())
	if out.Err != nil {
		t.Fatalf("Run: %v", out.Err)
	}
	if out.State != StateCompleted {
		t.Errorf("state = %s, want completed", out.State)
	}
	if out.Result != float64(42) {
		t.Errorf("result = %v (%T), want 42", out.Result, out.Result)
	}
}

func TestValidationRejectionCreatesNoIsolate(t *testing.T) {
	ex, _ := newTestExecutor(t, nil)

	out := ex.Run(context.Background(), `process.exit(1)`, nil, Budget{}, testGrant())
	var verr *ValidationError
	if !errors.As(out.Err, &verr) {
		t.Fatalf("err = %v, want *ValidationError", out.Err)
	}
	if verr.Pattern != "process_access" {
		t.Errorf("pattern = %q, want process_access", verr.Pattern)
	}
	if out.State != StateErrored {
		t.Errorf("state = %s, want errored", out.State)
	}
}

func TestInfiniteLoopTimesOut(t *testing.T) {
	ex, _ := newTestExecutor(t, nil)

	start := time.Now()
	out := ex.Run(context.Background(), "for (let i = 0; i < 1e12; i++) {}", nil, Budget{Timeout: 100 * time.Millisecond}, testGrant())
	if !errors.Is(out.Err, ErrTimedOut) {
		t.Fatalf("err = %v, want ErrTimedOut", out.Err)
	}
	if out.State != StateTimedOut {
		t.Errorf("state = %s, want timed_out", out.State)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("abort took %s, want near the 100ms budget", elapsed)
	}
}

func TestRunawayAllocationExceedsMemoryCeiling(t *testing.T) {
	ex, _ := newTestExecutor(t, nil)

	script := `
		let a = [];
		for (let i = 0; i < 100000000; i++) {
			a.push("xxxxxxxxxxxxxxxx" + i);
		}
		a.length
	`
	out := ex.Run(context.Background(), script, nil, Budget{
		Timeout:        30 * time.Second,
		MaxMemoryBytes: 1 << 20,
	}, testGrant())
	if !errors.Is(out.Err, ErrMemoryExceeded) {
		t.Fatalf("err = %v, want ErrMemoryExceeded", out.Err)
	}
	if out.State != StateMemoryExceeded {
		t.Errorf("state = %s, want memory_exceeded", out.State)
	}
}

func TestScriptExceptionIsRuntimeError(t *testing.T) {
	ex, _ := newTestExecutor(t, nil)

	out := ex.Run(context.Background(), `throw new Error("boom")`, nil, Budget{}, testGrant())
	var rerr *RuntimeError
	if !errors.As(out.Err, &rerr) {
		t.Fatalf("err = %v, want *RuntimeError", out.Err)
	}
	if !strings.Contains(rerr.Message, "boom") {
		t.Errorf("message = %q, want the script's own message", rerr.Message)
	}
	if out.State != StateErrored {
		t.Errorf("state = %s, want errored", out.State)
	}
}

func TestInputIsDeepCopied(t *testing.T) {
	ex, _ := newTestExecutor(t, nil)

	input := map[string]any{"nested": map[string]any{"x": 1}}
	out := ex.Run(context.Background(), "input.nested.x = 99; input.nested.x", input, Budget{}, testGrant())
	if out.Err != nil {
		t.Fatalf("Run: %v", out.Err)
	}
	if out.Result != float64(99) {
		t.Errorf("result = %v, want 99", out.Result)
	}
	if got := input["nested"].(map[string]any)["x"]; got != 1 {
		t.Errorf("host input mutated through the sandbox: x = %v", got)
	}
}

func TestTimerCallbackRunsBeforeSettlement(t *testing.T) {
	ex, st := newTestExecutor(t, nil)

	script := `
		const notes = db.open("notes");
		setTimeout(function () { notes.add({ body: "from timer" }); }, 1);
		"scheduled"
	`
	out := ex.Run(context.Background(), script, nil, Budget{}, testGrant())
	if out.Err != nil {
		t.Fatalf("Run: %v", out.Err)
	}
	if out.Result != "scheduled" {
		t.Errorf("result = %v, want the completion value, not the timer's", out.Result)
	}
	docs, err := st.List(context.Background(), "notes", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("timer write produced %d documents, want 1", len(docs))
	}
}

func TestClearTimeoutCancelsPendingTimer(t *testing.T) {
	ex, st := newTestExecutor(t, nil)

	script := `
		const notes = db.open("notes");
		const id = setTimeout(function () { notes.add({ body: "never" }); }, 5);
		clearTimeout(id);
		"cleared"
	`
	out := ex.Run(context.Background(), script, nil, Budget{}, testGrant())
	if out.Err != nil {
		t.Fatalf("Run: %v", out.Err)
	}
	docs, err := st.List(context.Background(), "notes", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("cleared timer still wrote %d documents", len(docs))
	}
}

func TestTimerLimitEnforced(t *testing.T) {
	ex, _ := newTestExecutor(t, nil)

	script := `
		setTimeout(function () {}, 1);
		setTimeout(function () {}, 1);
		setTimeout(function () {}, 1);
	`
	out := ex.Run(context.Background(), script, nil, Budget{MaxTimers: 2}, testGrant())
	var rerr *RuntimeError
	if !errors.As(out.Err, &rerr) {
		t.Fatalf("err = %v, want *RuntimeError", out.Err)
	}
	if !strings.Contains(rerr.Message, "timer limit") {
		t.Errorf("message = %q, want the timer limit named", rerr.Message)
	}
}

func TestGrantEnforcedInsideScript(t *testing.T) {
	ex, _ := newTestExecutor(t, nil)

	out := ex.Run(context.Background(), `db.open("secrets")`, nil, Budget{}, testGrant())
	var rerr *RuntimeError
	if !errors.As(out.Err, &rerr) {
		t.Fatalf("err = %v, want *RuntimeError", out.Err)
	}
	if !strings.Contains(rerr.Message, "denied") {
		t.Errorf("message = %q, want an access-denied reason", rerr.Message)
	}
}

func TestAPICallGoesThroughSubmitter(t *testing.T) {
	sub := &fakeSubmitter{}
	ex, _ := newTestExecutor(t, sub)

	out := ex.Run(context.Background(), `api.call("messages.send", { text: "hi" }).ok`, nil, Budget{}, testGrant())
	if out.Err != nil {
		t.Fatalf("Run: %v", out.Err)
	}
	if out.Result != true {
		t.Errorf("result = %v, want true", out.Result)
	}
	if sub.count() != 1 {
		t.Fatalf("submitter received %d requests, want 1", sub.count())
	}
	req := sub.requests[0]
	if req.Method != "messages.send" || req.Params["text"] != "hi" {
		t.Errorf("request = %+v", req)
	}
	if !req.SanitizeOutput {
		t.Error("script-originated calls must request sanitized output")
	}
}

func TestPerRunAPICallCeiling(t *testing.T) {
	sub := &fakeSubmitter{}
	ex, _ := newTestExecutor(t, sub)

	script := `
		api.call("m", {});
		api.call("m", {});
		let outcome = "allowed";
		try { api.call("m", {}); } catch (e) { outcome = "limited"; }
		outcome
	`
	out := ex.Run(context.Background(), script, nil, Budget{APICallsPerMinute: 2}, testGrant())
	if out.Err != nil {
		t.Fatalf("Run: %v", out.Err)
	}
	if out.Result != "limited" {
		t.Errorf("result = %v, want the third call limited", out.Result)
	}
	if sub.count() != 2 {
		t.Errorf("submitter received %d requests, want 2 (third blocked before dispatch)", sub.count())
	}
}

func TestAPICallUnavailableWithoutSubmitter(t *testing.T) {
	ex, _ := newTestExecutor(t, nil)

	out := ex.Run(context.Background(), `api.call("m", {})`, nil, Budget{}, testGrant())
	var rerr *RuntimeError
	if !errors.As(out.Err, &rerr) {
		t.Fatalf("err = %v, want *RuntimeError", out.Err)
	}
}

func TestUnserializableResult(t *testing.T) {
	ex, _ := newTestExecutor(t, nil)

	out := ex.Run(context.Background(), `(function () { return 1; })`, nil, Budget{}, testGrant())
	var rerr *RuntimeError
	if !errors.As(out.Err, &rerr) {
		t.Fatalf("err = %v, want *RuntimeError for a function result", out.Err)
	}
	if !strings.Contains(rerr.Message, "serializable") {
		t.Errorf("message = %q", rerr.Message)
	}
}

func TestRunSpanRecorded(t *testing.T) {
	st, err := store.OpenSQLite(store.SQLiteConfig{Path: filepath.Join(t.TempDir(), "runs.db")}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	ex := New(Config{}, nil, st, nil, tp.Tracer("test"), slog.New(slog.NewTextHandler(io.Discard, nil)))

	out := ex.Run(context.Background(), "1 + 1", nil, Budget{}, testGrant())
	if out.Err != nil {
		t.Fatalf("Run: %v", out.Err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name() != "sandbox.run" {
		t.Errorf("span name = %q, want sandbox.run", spans[0].Name())
	}
	var state string
	for _, attr := range spans[0].Attributes() {
		if string(attr.Key) == "run.state" {
			state = attr.Value.AsString()
		}
	}
	if state != string(StateCompleted) {
		t.Errorf("run.state attribute = %q, want %q", state, StateCompleted)
	}
}
