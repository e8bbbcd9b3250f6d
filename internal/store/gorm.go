package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// gormStore implements Store over any GORM dialect. The SQLite and PostgreSQL
// Open functions differ only in how they build the *gorm.DB.
type gormStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

var _ Store = (*gormStore)(nil)

func (s *gormStore) Get(ctx context.Context, collection, id string) (map[string]any, error) {
	var row documentModel
	err := s.db.WithContext(ctx).
		Where("collection = ? AND id = ?", collection, id).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading document %s/%s: %w", collection, id, err)
	}
	return decodeDocument(&row)
}

func (s *gormStore) List(ctx context.Context, collection string, limit int) ([]map[string]any, error) {
	q := s.db.WithContext(ctx).
		Where("collection = ?", collection).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []documentModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing collection %s: %w", collection, err)
	}
	out := make([]map[string]any, 0, len(rows))
	for i := range rows {
		doc, err := decodeDocument(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func (s *gormStore) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	id := uuid.NewString()
	if err := s.Set(ctx, collection, id, data); err != nil {
		return "", err
	}
	return id, nil
}

func (s *gormStore) Set(ctx context.Context, collection, id string, data map[string]any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding document %s/%s: %w", collection, id, err)
	}
	row := documentModel{Collection: collection, ID: id, Data: string(body)}
	// Create-or-replace on the composite primary key.
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("saving document %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *gormStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	// Merge semantics: load, overlay fields, write back. Documents are small
	// and writes are proxied/rate-limited, so read-modify-write is acceptable.
	current, err := s.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	for k, v := range fields {
		current[k] = v
	}
	return s.Set(ctx, collection, id, current)
}

func (s *gormStore) Delete(ctx context.Context, collection, id string) error {
	res := s.db.WithContext(ctx).
		Where("collection = ? AND id = ?", collection, id).
		Delete(&documentModel{})
	if res.Error != nil {
		return fmt.Errorf("deleting document %s/%s: %w", collection, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	return nil
}

func (s *gormStore) SaveCooldown(ctx context.Context, until time.Time) error {
	row := checkpointModel{
		Key:   cooldownCheckpointKey,
		Value: until.UTC().Format(time.RFC3339Nano),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("persisting cooldown checkpoint: %w", err)
	}
	return nil
}

func (s *gormStore) ClearCooldown(ctx context.Context) error {
	err := s.db.WithContext(ctx).
		Where("key = ?", cooldownCheckpointKey).
		Delete(&checkpointModel{}).Error
	if err != nil {
		return fmt.Errorf("clearing cooldown checkpoint: %w", err)
	}
	return nil
}

func (s *gormStore) LoadCooldown(ctx context.Context) (time.Time, bool, error) {
	var row checkpointModel
	err := s.db.WithContext(ctx).
		Where("key = ?", cooldownCheckpointKey).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("loading cooldown checkpoint: %w", err)
	}
	until, err := time.Parse(time.RFC3339Nano, row.Value)
	if err != nil {
		// A corrupt checkpoint must not brick admission forever — treat as absent
		// but surface it in the log.
		s.logger.Warn("discarding unparseable cooldown checkpoint",
			slog.String("value", row.Value),
			slog.String("error", err.Error()),
		)
		return time.Time{}, false, nil
	}
	return until, true, nil
}

func (s *gormStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	id := entry.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	at := entry.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	row := auditModel{
		ID:         id.String(),
		Owner:      entry.Owner,
		Collection: entry.Collection,
		Op:         entry.Op,
		DocumentID: entry.DocumentID,
		At:         at,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// Migrate runs GORM AutoMigrate to create/update tables.
func (s *gormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(
		&documentModel{},
		&checkpointModel{},
		&auditModel{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

func (s *gormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func decodeDocument(row *documentModel) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(row.Data), &doc); err != nil {
		return nil, fmt.Errorf("decoding document %s/%s: %w", row.Collection, row.ID, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	doc["_id"] = row.ID
	return doc, nil
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
