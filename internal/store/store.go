// Package store persists local calendar events and their provider links in SQLite through GORM.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"calsync/internal/models"
)

// ErrNotFound is returned when no event or tombstone matches a lookup.
var ErrNotFound = errors.New("store: not found")

// Error wraps a failed store operation. It aborts only the unit that produced it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = ErrNotFound
	}
	return &Error{Op: op, Err: err}
}

// Store is the transactional event repository.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *slog.Logger
}

// Open establishes a SQLite connection and migrates the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	s, err := New(db, nil, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Database initialized.", "path", path)
	return s, nil
}

// New wraps an open GORM handle and migrates the schema. A nil clock means time.Now.
func New(db *gorm.DB, clock func() time.Time, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := db.AutoMigrate(&models.Event{}, &models.EventLink{}, &models.Tombstone{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db, clock: clock, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetByID loads one event with its links.
func (s *Store) GetByID(ctx context.Context, id string) (*models.Event, error) {
	var ev models.Event
	err := s.db.WithContext(ctx).Preload("Links").Where("id = ?", id).Take(&ev).Error
	if err != nil {
		return nil, wrap("get_by_id", err)
	}
	toUTC(&ev)
	return &ev, nil
}

// GetByExternalID finds the event linked to the provider's external id.
func (s *Store) GetByExternalID(ctx context.Context, p models.Provider, externalID string) (*models.Event, error) {
	var link models.EventLink
	err := s.db.WithContext(ctx).
		Where("provider = ? AND external_id = ?", p, externalID).
		Take(&link).Error
	if err != nil {
		return nil, wrap("get_by_external_id", err)
	}
	return s.GetByID(ctx, link.EventID)
}

// GetByWindow returns events starting inside the window, ordered by start time.
func (s *Store) GetByWindow(ctx context.Context, w models.Window) ([]*models.Event, error) {
	var events []*models.Event
	err := s.db.WithContext(ctx).Preload("Links").
		Where("start_time >= ? AND start_time < ?", w.Start.UTC(), w.End.UTC()).
		Order("start_time").
		Find(&events).Error
	if err != nil {
		return nil, wrap("get_by_window", err)
	}
	for _, ev := range events {
		toUTC(ev)
	}
	return events, nil
}

// Upsert inserts or replaces the event and its links in one transaction.
// An empty id is assigned a new UUID.
func (s *Store) Upsert(ctx context.Context, ev *models.Event) (*models.Event, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.SyncSource == "" {
		ev.SyncSource = models.SourceLocal
	}
	toUTC(ev)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exists, err := rowExists(tx, &models.Event{}, "id = ?", ev.ID)
		if err != nil {
			return err
		}
		if exists {
			err = tx.Omit(clause.Associations).Save(ev).Error
		} else {
			err = tx.Omit(clause.Associations).Create(ev).Error
		}
		if err != nil {
			return err
		}

		for i := range ev.Links {
			link := &ev.Links[i]
			link.EventID = ev.ID
			exists, err := rowExists(tx, &models.EventLink{}, "event_id = ? AND provider = ?", link.EventID, link.Provider)
			if err != nil {
				return err
			}
			if exists {
				err = tx.Save(link).Error
			} else {
				err = tx.Create(link).Error
			}
			if err != nil {
				return fmt.Errorf("link %s/%s: %w", link.Provider, link.ExternalID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrap("upsert", err)
	}
	return ev, nil
}

// UpdateLocal saves a local edit and advances the event's last local update.
// It is the only write path that touches LastLocalUpdate.
func (s *Store) UpdateLocal(ctx context.Context, ev *models.Event) (*models.Event, error) {
	now := s.clock().UTC()
	ev.LastLocalUpdate = &now
	return s.Upsert(ctx, ev)
}

// Delete removes the event and its links, leaving one tombstone per link.
func (s *Store) Delete(ctx context.Context, id string, reason models.DeletionReason) error {
	now := s.clock().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ev models.Event
		if err := tx.Preload("Links").Where("id = ?", id).Take(&ev).Error; err != nil {
			return err
		}
		payload, err := json.Marshal(&ev)
		if err != nil {
			return fmt.Errorf("snapshot event: %w", err)
		}

		for _, link := range ev.Links {
			tomb := models.Tombstone{
				ID:          uuid.NewString(),
				EventID:     ev.ID,
				Provider:    link.Provider,
				ExternalID:  link.ExternalID,
				Subject:     ev.Subject,
				StartTime:   ev.StartTime.UTC(),
				EndTime:     ev.EndTime.UTC(),
				WindowStart: reason.WindowStart.UTC(),
				WindowEnd:   reason.WindowEnd.UTC(),
				Origin:      link.Provider == reason.Provider,
				Propagated:  link.Provider == reason.Provider || reason.Propagated[link.Provider],
				PayloadJSON: string(payload),
				DeletedAt:   now,
			}
			if err := tx.Create(&tomb).Error; err != nil {
				return fmt.Errorf("tombstone %s/%s: %w", link.Provider, link.ExternalID, err)
			}
		}

		if err := tx.Where("event_id = ?", ev.ID).Delete(&models.EventLink{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Event{}, "id = ?", ev.ID).Error
	})
	return wrap("delete", err)
}

// PendingTombstone finds an unpropagated deletion for a provider link that was not the deletion's origin.
func (s *Store) PendingTombstone(ctx context.Context, p models.Provider, externalID string) (*models.Tombstone, error) {
	var tomb models.Tombstone
	err := s.db.WithContext(ctx).
		Where("provider = ? AND external_id = ? AND origin = ? AND propagated = ?", p, externalID, false, false).
		Order("deleted_at DESC").
		Take(&tomb).Error
	if err != nil {
		return nil, wrap("pending_tombstone", err)
	}
	return &tomb, nil
}

// MarkPropagated records that the deletion reached the tombstone's provider.
func (s *Store) MarkPropagated(ctx context.Context, tombstoneID string) error {
	now := s.clock().UTC()
	err := s.db.WithContext(ctx).Model(&models.Tombstone{}).
		Where("id = ?", tombstoneID).
		Updates(map[string]any{"propagated": true, "resolved_at": now}).Error
	return wrap("mark_propagated", err)
}

// RecentTombstones lists deletions recorded since the given instant, newest first.
func (s *Store) RecentTombstones(ctx context.Context, since time.Time) ([]models.Tombstone, error) {
	var tombs []models.Tombstone
	err := s.db.WithContext(ctx).
		Where("deleted_at >= ?", since.UTC()).
		Order("deleted_at DESC").
		Find(&tombs).Error
	if err != nil {
		return nil, wrap("recent_tombstones", err)
	}
	return tombs, nil
}

func rowExists(tx *gorm.DB, model any, query string, args ...any) (bool, error) {
	var count int64
	if err := tx.Model(model).Where(query, args...).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// toUTC keeps every instant comparable, both before writing and after reading back from SQLite.
func toUTC(ev *models.Event) {
	ev.StartTime = ev.StartTime.UTC()
	ev.EndTime = ev.EndTime.UTC()
	ev.LastLocalUpdate = utcPtr(ev.LastLocalUpdate)
	for i := range ev.Links {
		ev.Links[i].LastSync = utcPtr(ev.Links[i].LastSync)
		ev.Links[i].RemoteUpdatedAt = utcPtr(ev.Links[i].RemoteUpdatedAt)
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
