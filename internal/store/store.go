// Package store implements the shared document store: named collections of
// JSON documents, plus the dispatch cooldown checkpoint and the write-audit
// trail. Two backends are provided: SQLite (default, zero-config, pure Go)
// and PostgreSQL. Sandboxed code never reaches this package directly — all
// access goes through the data-access proxy.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// Store is the persistence interface for documents, checkpoints, and audit.
// Both backends implement it over GORM.
type Store interface {
	// Document operations. Documents are schemaless JSON bodies addressed by
	// (collection, id).
	Get(ctx context.Context, collection, id string) (map[string]any, error)
	List(ctx context.Context, collection string, limit int) ([]map[string]any, error)
	Add(ctx context.Context, collection string, data map[string]any) (string, error)
	Set(ctx context.Context, collection, id string, data map[string]any) error
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	Delete(ctx context.Context, collection, id string) error

	// Cooldown checkpoint. Written on every cooldown transition and read back
	// before the first admission decision after a restart.
	SaveCooldown(ctx context.Context, until time.Time) error
	ClearCooldown(ctx context.Context) error
	LoadCooldown(ctx context.Context) (time.Time, bool, error)

	// AppendAudit records one proxied write for the audit trail.
	AppendAudit(ctx context.Context, entry *AuditEntry) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}

// AuditEntry is one audited data-store write performed through a proxy grant.
type AuditEntry struct {
	ID         uuid.UUID
	Owner      string // Grant owner (run ID or subsystem name).
	Collection string
	Op         string // add, set, update, delete.
	DocumentID string
	At         time.Time
}

// documentModel is the GORM row for one document.
type documentModel struct {
	Collection string    `gorm:"primaryKey;size:128"`
	ID         string    `gorm:"primaryKey;size:128"`
	Data       string    `gorm:"type:text"` // JSON body.
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

func (documentModel) TableName() string { return "documents" }

// checkpointModel holds small named persisted values (currently only the
// dispatch cooldown).
type checkpointModel struct {
	Key       string    `gorm:"primaryKey;size:64"`
	Value     string    `gorm:"type:text"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (checkpointModel) TableName() string { return "checkpoints" }

// auditModel is the GORM row for one audit entry.
type auditModel struct {
	ID         string    `gorm:"primaryKey;size:36"`
	Owner      string    `gorm:"size:128;index"`
	Collection string    `gorm:"size:128;index"`
	Op         string    `gorm:"size:16"`
	DocumentID string    `gorm:"size:128"`
	At         time.Time `gorm:"index"`
}

func (auditModel) TableName() string { return "write_audit" }

// cooldownCheckpointKey is the checkpoint row key for the dispatch cooldown.
const cooldownCheckpointKey = "dispatch_cooldown_until"
