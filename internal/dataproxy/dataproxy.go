// Package dataproxy gates a sandboxed script's access to the shared document
// store. Every read and write passes a collection allow-list and independent
// per-minute read/write windows. These windows govern data-store pressure
// and are deliberately separate from the dispatch governor's remote-API
// counters. Grants are never shared: each script run gets a
// freshly constructed proxy scoped to its own immutable grant.
package dataproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/tuma/internal/observability"
	"github.com/jkaninda/tuma/internal/ratelimit"
	"github.com/jkaninda/tuma/internal/store"
)

// ErrAccessDenied is returned for collections outside the grant and for
// writes under a read-only grant.
var ErrAccessDenied = errors.New("data access denied")

// ErrRateLimited is returned when the per-minute window for the operation
// type (read or write) is exhausted. The other operation type is unaffected.
var ErrRateLimited = ratelimit.ErrRateLimited

// Grant is the per-script-run capability descriptor. Immutable for the
// lifetime of one run.
type Grant struct {
	Owner              string // Run ID or subsystem name, recorded in the audit trail.
	AllowedCollections []string
	MaxReadsPerMinute  int
	MaxWritesPerMinute int
	ReadOnly           bool
}

// Proxy mediates one script run's document-store access.
type Proxy struct {
	grant   Grant
	allowed map[string]bool
	store   store.Store
	reads   *ratelimit.Window
	writes  *ratelimit.Window
	metrics *observability.MetricsCollector
	logger  *slog.Logger
}

// New constructs a proxy for one run. The grant is copied; later mutation of
// the caller's slice cannot widen access.
func New(grant Grant, st store.Store, metrics *observability.MetricsCollector, logger *slog.Logger) *Proxy {
	allowed := make(map[string]bool, len(grant.AllowedCollections))
	for _, c := range grant.AllowedCollections {
		allowed[c] = true
	}
	return &Proxy{
		grant:   grant,
		allowed: allowed,
		store:   st,
		reads:   ratelimit.NewWindow(grant.MaxReadsPerMinute, time.Minute),
		writes:  ratelimit.NewWindow(grant.MaxWritesPerMinute, time.Minute),
		metrics: metrics,
		logger:  logger,
	}
}

// Open returns a handle for one collection, or ErrAccessDenied when the
// collection is outside the grant.
func (p *Proxy) Open(collection string) (*Handle, error) {
	if !p.allowed[collection] {
		p.countOp("open", "denied")
		return nil, fmt.Errorf("%w: collection %q is not in the grant", ErrAccessDenied, collection)
	}
	p.countOp("open", "ok")
	return &Handle{proxy: p, collection: collection}, nil
}

// Handle is scoped access to a single allowed collection. Reads work
// unconditionally (subject to the read window); writes additionally require
// a non-read-only grant.
type Handle struct {
	proxy      *Proxy
	collection string
}

func (h *Handle) Get(ctx context.Context, id string) (map[string]any, error) {
	if err := h.proxy.allowRead("get"); err != nil {
		return nil, err
	}
	doc, err := h.proxy.store.Get(ctx, h.collection, id)
	h.proxy.countResult("get", err)
	return doc, err
}

func (h *Handle) List(ctx context.Context, limit int) ([]map[string]any, error) {
	if err := h.proxy.allowRead("list"); err != nil {
		return nil, err
	}
	docs, err := h.proxy.store.List(ctx, h.collection, limit)
	h.proxy.countResult("list", err)
	return docs, err
}

func (h *Handle) Add(ctx context.Context, data map[string]any) (string, error) {
	if err := h.proxy.allowWrite("add"); err != nil {
		return "", err
	}
	id, err := h.proxy.store.Add(ctx, h.collection, data)
	h.proxy.countResult("add", err)
	if err == nil {
		h.proxy.audit(ctx, "add", h.collection, id)
	}
	return id, err
}

func (h *Handle) Set(ctx context.Context, id string, data map[string]any) error {
	if err := h.proxy.allowWrite("set"); err != nil {
		return err
	}
	err := h.proxy.store.Set(ctx, h.collection, id, data)
	h.proxy.countResult("set", err)
	if err == nil {
		h.proxy.audit(ctx, "set", h.collection, id)
	}
	return err
}

func (h *Handle) Update(ctx context.Context, id string, fields map[string]any) error {
	if err := h.proxy.allowWrite("update"); err != nil {
		return err
	}
	err := h.proxy.store.Update(ctx, h.collection, id, fields)
	h.proxy.countResult("update", err)
	if err == nil {
		h.proxy.audit(ctx, "update", h.collection, id)
	}
	return err
}

func (h *Handle) Delete(ctx context.Context, id string) error {
	if err := h.proxy.allowWrite("delete"); err != nil {
		return err
	}
	err := h.proxy.store.Delete(ctx, h.collection, id)
	h.proxy.countResult("delete", err)
	if err == nil {
		h.proxy.audit(ctx, "delete", h.collection, id)
	}
	return err
}

// allowRead consumes one read-window slot.
func (p *Proxy) allowRead(op string) error {
	if err := p.reads.Allow(); err != nil {
		p.countOp(op, "read_rate_limited")
		return fmt.Errorf("read %w for grant %s", ErrRateLimited, p.grant.Owner)
	}
	return nil
}

// allowWrite enforces read-only mode, then consumes one write-window slot.
func (p *Proxy) allowWrite(op string) error {
	if p.grant.ReadOnly {
		p.countOp(op, "read_only")
		return fmt.Errorf("%w: grant %s is read-only", ErrAccessDenied, p.grant.Owner)
	}
	if err := p.writes.Allow(); err != nil {
		p.countOp(op, "write_rate_limited")
		return fmt.Errorf("write %w for grant %s", ErrRateLimited, p.grant.Owner)
	}
	return nil
}

// audit records one successful write: structured log plus a durable entry.
func (p *Proxy) audit(ctx context.Context, op, collection, id string) {
	p.logger.Info("proxied write",
		slog.String("op", op),
		slog.String("collection", collection),
		slog.String("doc_id", id),
		slog.String("grant_owner", p.grant.Owner),
	)
	err := p.store.AppendAudit(ctx, &store.AuditEntry{
		Owner:      p.grant.Owner,
		Collection: collection,
		Op:         op,
		DocumentID: id,
	})
	if err != nil {
		// The write itself succeeded; losing one audit row is logged, not fatal.
		p.logger.Warn("audit append failed",
			slog.String("op", op),
			slog.String("collection", collection),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Proxy) countOp(op, status string) {
	if p.metrics != nil {
		p.metrics.ProxyOpsTotal.WithLabelValues(op, status).Inc()
	}
}

func (p *Proxy) countResult(op string, err error) {
	if p.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.metrics.ProxyOpsTotal.WithLabelValues(op, status).Inc()
}
