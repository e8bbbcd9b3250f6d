// Package dispatch implements the rate governor: the only path by which any
// call reaches the remote bot API. A single admission loop owns the bounded
// queue, the sliding window, and the cooldown state; admission and settlement
// are serialized through that loop so the shared counters never race.
package dispatch

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy. All are returned to the caller as typed results; none are
// retried internally except transport errors (up to the retry ceiling).
var (
	// ErrInvalidRequest is a caller error: method or params missing. Never
	// retried, and rejection consumes no queue or window state.
	ErrInvalidRequest = errors.New("invalid dispatch request")

	// ErrQueueFull is backpressure: the bounded admission queue is at
	// capacity. The caller should fail fast and let the orchestrator decide
	// whether to retry later.
	ErrQueueFull = errors.New("dispatch queue full")

	// ErrCooldown means admission is refused while a cooldown is active.
	// The sliding window is not consulted or consumed on this path.
	ErrCooldown = errors.New("rate limit cooldown active")

	// ErrWindowExceeded means the sliding window reached capacity; the
	// rejection itself transitions the governor into cooldown.
	ErrWindowExceeded = errors.New("rate limit window exceeded")

	// ErrCircuitBreaker means the per-request wall-clock budget expired.
	// Always fatal, regardless of remaining retry budget.
	ErrCircuitBreaker = errors.New("dispatch wall-clock budget exceeded")

	// ErrShuttingDown settles requests still queued when the governor stops.
	ErrShuttingDown = errors.New("dispatcher shutting down")
)

// Request is one outbound call intent.
type Request struct {
	Method         string         // Remote operation identifier. Required.
	Params         map[string]any // Structured payload. Required.
	Priority       int            // Lower is dispatched sooner within the queue.
	MaxRetries     int            // Transport retries. Clamped to the configured ceiling.
	SanitizeOutput bool           // Strip personally-identifying fields from the response.
}

// Caller executes one wire call against the remote service.
// *botapi.Client is the production implementation.
type Caller interface {
	Call(ctx context.Context, method string, params map[string]any) (map[string]any, error)
}

// CheckpointStore persists the cooldown across process restarts so a restart
// cannot be used to bypass an active cooldown. *store implementations satisfy it.
type CheckpointStore interface {
	SaveCooldown(ctx context.Context, until time.Time) error
	LoadCooldown(ctx context.Context) (time.Time, bool, error)
	ClearCooldown(ctx context.Context) error
}

// Config configures the governor. Zero values select the defaults noted.
type Config struct {
	PerSecond         int           // Per-second quota: in-flight ceiling and pacing rate. Default: 25.
	WindowCapacity    int           // Sliding-window capacity. Default: 600.
	WindowLength      time.Duration // Sliding-window length. Default: 10m.
	Cooldown          time.Duration // Cooldown duration after a quota breach. Default: 60s.
	QueueCapacity     int           // Bounded admission queue size. Default: 64.
	MaxRetriesCeiling int           // Hard cap on per-request transport retries. Default: 4.
	RetryBaseDelay    time.Duration // First backoff delay, doubled per attempt. Default: 500ms.
	RetryMaxDelay     time.Duration // Backoff cap. Default: 8s.
	DispatchBudget    time.Duration // Per-request wall-clock circuit breaker. Default: 45s.

	// Chunking. Message-style payloads (ChunkMethods) whose "text" param
	// exceeds ChunkThreshold are split into ordered parts.
	//
	// ChunkThreshold bounds the split of the message body; the "[Part i/n]"
	// marker is prepended afterwards, so dispatched text can exceed the
	// threshold by the marker length, and newline-preferring cuts can produce
	// one part more than an even split would. Keep the threshold comfortably
	// under the remote's hard limit to absorb both.
	ChunkThreshold int      // Default: 4000 (margin under the remote's 4096 limit).
	ChunkMethods   []string // Methods eligible for chunking, e.g. "messages.send".

	// Sanitization. Methods in identity-bearing namespaces get the explicit
	// field allow-list; everything else gets the PII deny-list strip.
	IdentityNamespaces []string
}

func (c Config) withDefaults() Config {
	if c.PerSecond <= 0 {
		c.PerSecond = 25
	}
	if c.WindowCapacity <= 0 {
		c.WindowCapacity = 600
	}
	if c.WindowLength <= 0 {
		c.WindowLength = 10 * time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 64
	}
	if c.MaxRetriesCeiling <= 0 {
		c.MaxRetriesCeiling = 4
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 8 * time.Second
	}
	if c.DispatchBudget <= 0 {
		c.DispatchBudget = 45 * time.Second
	}
	if c.ChunkThreshold <= 0 {
		c.ChunkThreshold = 4000
	}
	return c
}

// settlement carries a finished request back to its submitter.
type settlement struct {
	response map[string]any
	err      error
}

// slot is an admitted request paired with its settlement channel. Owned by
// the governor from admission until settlement.
type slot struct {
	req  *Request
	ctx  context.Context
	seq  uint64 // FIFO tiebreaker within a priority tier.
	done chan settlement
}

func (s *slot) settle(resp map[string]any, err error) {
	s.done <- settlement{response: resp, err: err}
}
