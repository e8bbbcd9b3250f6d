package observability

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// readyTimeout bounds one full readiness sweep.
const readyTimeout = 3 * time.Second

// HealthChecker aggregates liveness and readiness over named dependency
// checks. Liveness means the process is up; readiness runs every registered
// check against its dependency.
type HealthChecker struct {
	mu     sync.Mutex
	checks map[string]func(ctx context.Context) error
	logger *slog.Logger
}

// HealthStatus is the aggregate outcome of a liveness or readiness sweep.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is one dependency's outcome within a sweep.
type CheckResult struct {
	Status    string `json:"status"`            // "ok" or "fail"
	Message   string `json:"message,omitempty"` // Error message on failure.
	LatencyMS int64  `json:"latency_ms"`
}

// Failed returns the names of failing checks, sorted for stable reporting.
func (s HealthStatus) Failed() []string {
	var names []string
	for name, res := range s.Checks {
		if res.Status != "ok" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{
		checks: make(map[string]func(ctx context.Context) error),
		logger: logger,
	}
}

// AddCheck registers a named dependency check, replacing any previous check
// under the same name.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// CheckHealth reports liveness: always "ok" while the process runs.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs every registered check and reports "ok" only when all
// pass. A single failure degrades the aggregate without hiding the checks
// that passed.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.Lock()
	checks := make(map[string]func(ctx context.Context) error, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.Unlock()

	status := HealthStatus{Status: "ok"}
	if len(checks) == 0 {
		return status
	}

	sweepCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	status.Checks = make(map[string]CheckResult, len(checks))
	for name, check := range checks {
		start := time.Now()
		err := check(sweepCtx)
		res := CheckResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
		if err != nil {
			status.Status = "degraded"
			res.Status = "fail"
			res.Message = err.Error()
			if h.logger != nil {
				h.logger.Warn("readiness check failed",
					slog.String("check", name),
					slog.String("error", err.Error()),
				)
			}
		}
		status.Checks[name] = res
	}
	return status
}
