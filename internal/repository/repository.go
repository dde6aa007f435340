package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"calendar-ingest-worker/internal/model"
)

// Cursor is the stored resume position of a provider
type Cursor struct {
	UID         uint32
	Mailbox     string
	UIDValidity uint32
}

// Repository is the gorm-backed event, cursor and provider store
type Repository struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// DB exposes the connection for health checks
func (r *Repository) DB() *gorm.DB {
	return r.db
}

func (r *Repository) ListProviders(ctx context.Context) ([]model.Provider, error) {
	var providers []model.Provider
	result := r.db.WithContext(ctx).Order("id").Find(&providers)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list providers: %w", result.Error)
	}
	return providers, nil
}

func (r *Repository) GetProvider(ctx context.Context, id string) (*model.Provider, error) {
	var provider model.Provider
	result := r.db.WithContext(ctx).Where("id = ?", id).First(&provider)
	if result.Error == nil {
		return &provider, nil
	}
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, fmt.Errorf("database error: %w", result.Error)
}

// UpsertProvider creates or updates a provider's configuration. The runtime
// section is left untouched so a re-import never rewinds a cursor.
func (r *Repository) UpsertProvider(ctx context.Context, p *model.Provider) error {
	result := r.db.WithContext(ctx).
		Omit("runtime_cursor", "runtime_mailbox", "runtime_uid_validity", "runtime_updated_at").
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "category", "trusted", "status", "config", "updated_at"}),
		}).
		Create(p)
	if result.Error != nil {
		return fmt.Errorf("failed to upsert provider %s: %w", p.ID, result.Error)
	}
	return nil
}

// GetCursor returns the stored watermark; ok is false when none was persisted yet.
func (r *Repository) GetCursor(ctx context.Context, providerID string) (Cursor, bool, error) {
	var provider model.Provider
	result := r.db.WithContext(ctx).
		Select("id", "runtime_cursor", "runtime_mailbox", "runtime_uid_validity").
		Where("id = ?", providerID).
		First(&provider)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return Cursor{}, false, fmt.Errorf("provider %s not found", providerID)
		}
		return Cursor{}, false, fmt.Errorf("failed to read cursor: %w", result.Error)
	}
	if provider.Runtime.Cursor == nil {
		return Cursor{}, false, nil
	}
	return Cursor{
		UID:         *provider.Runtime.Cursor,
		Mailbox:     provider.Runtime.Mailbox,
		UIDValidity: provider.Runtime.UIDValidity,
	}, true, nil
}

// SetCursor persists max(stored, uid) for the mailbox. A write for a
// different mailbox replaces the cursor. It reports whether the row moved.
func (r *Repository) SetCursor(ctx context.Context, providerID, mailbox string, uid uint32) (bool, error) {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&model.Provider{}).
		Where("id = ?", providerID).
		Where("runtime_cursor IS NULL OR runtime_cursor < ? OR COALESCE(runtime_mailbox, '') <> ?", uid, mailbox).
		UpdateColumns(map[string]interface{}{
			"runtime_cursor":     uid,
			"runtime_mailbox":    mailbox,
			"runtime_updated_at": now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to persist cursor: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ResetCursor sets the cursor and UIDVALIDITY of a mailbox unconditionally.
// It is only used to establish a baseline.
func (r *Repository) ResetCursor(ctx context.Context, providerID, mailbox string, uidValidity, uid uint32) error {
	result := r.db.WithContext(ctx).
		Model(&model.Provider{}).
		Where("id = ?", providerID).
		UpdateColumns(map[string]interface{}{
			"runtime_cursor":       uid,
			"runtime_mailbox":      mailbox,
			"runtime_uid_validity": uidValidity,
			"runtime_updated_at":   time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to reset cursor: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("provider %s not found", providerID)
	}
	return nil
}

// InsertEvent inserts the event unless (provider_id, external_id) already
// exists. A conflict is reported as inserted=false, never as an error.
func (r *Repository) InsertEvent(ctx context.Context, event *model.Event) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_id"}, {Name: "external_id"}},
			DoNothing: true,
		}).
		Create(event)
	if result.Error != nil {
		return false, fmt.Errorf("failed to insert event: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *Repository) FindByExternalID(ctx context.Context, providerID, externalID string) (*model.Event, error) {
	return r.first(ctx, r.db.Where("provider_id = ? AND external_id = ?", providerID, externalID))
}

// FindByTitleWindow finds a same-provider event whose title matches
// case-insensitively and whose start lies in [from, to].
func (r *Repository) FindByTitleWindow(ctx context.Context, providerID, title string, from, to time.Time) (*model.Event, error) {
	return r.first(ctx, r.db.
		Where("provider_id = ? AND title_key = ?", providerID, model.TitleKey(title)).
		Where("start_at >= ? AND start_at <= ?", from.UTC(), to.UTC()).
		Order("start_at DESC"))
}

func (r *Repository) FindBySourceURL(ctx context.Context, providerID, sourceURL string) (*model.Event, error) {
	return r.first(ctx, r.db.Where("provider_id = ? AND source_url = ?", providerID, sourceURL))
}

func (r *Repository) first(ctx context.Context, query *gorm.DB) (*model.Event, error) {
	var event model.Event
	result := query.WithContext(ctx).First(&event)
	if result.Error == nil {
		return &event, nil
	}
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, fmt.Errorf("database error: %w", result.Error)
}

func (r *Repository) ListEnabledFilterRules(ctx context.Context) ([]model.FilterRule, error) {
	var rules []model.FilterRule
	result := r.db.WithContext(ctx).Where("enabled = ?", true).Find(&rules)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get enabled filter rules: %w", result.Error)
	}
	return rules, nil
}

func (r *Repository) LogIngest(ctx context.Context, entry *model.IngestLog) error {
	result := r.db.WithContext(ctx).Create(entry)
	if result.Error != nil {
		return fmt.Errorf("failed to log ingest outcome: %w", result.Error)
	}
	return nil
}

// ListIngestLogs returns the newest ingest log entries, optionally for one provider
func (r *Repository) ListIngestLogs(ctx context.Context, providerID string, offset, limit int) ([]model.IngestLog, int64, error) {
	scope := func(db *gorm.DB) *gorm.DB {
		if providerID != "" {
			return db.Where("provider_id = ?", providerID)
		}
		return db
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&model.IngestLog{}).Scopes(scope).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count ingest logs: %w", err)
	}

	var logs []model.IngestLog
	if err := r.db.WithContext(ctx).Scopes(scope).Order("id DESC").Offset(offset).Limit(limit).Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list ingest logs: %w", err)
	}
	return logs, total, nil
}
