package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/cacheflow/types"
)

// entryRow is the relational projection of a CacheEntry. Key fields that
// queries filter on get their own indexed columns; the embedding and
// metadata ride along as JSON blobs.
type entryRow struct {
	ID             string `gorm:"primaryKey"`
	Layer          string `gorm:"index"`
	ContextHash    string `gorm:"index"`
	Text           string
	Embedding      []byte
	SessionID      string `gorm:"index"`
	KeyTimestamp   time.Time
	Domain         string `gorm:"index"`
	ContentType    string
	Payload        []byte
	ContentHash    string `gorm:"index"`
	Score          float64
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int
	ExpiresAt      *time.Time `gorm:"index"`
	Version        int64
	Metadata       []byte
}

func (entryRow) TableName() string { return "cache_entries" }

// GormStore is a relational backing store used where durability matters:
// the global knowledge layer and the diary archive.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (or creates) a sqlite-backed store at path.
// Use ":memory:" for an ephemeral database in tests.
func NewSQLiteStore(path string, logger *zap.Logger) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, types.NewError(types.ErrCodeStoreUnavailable, "open sqlite").WithCause(err)
	}
	return NewGormStore(db, logger)
}

// NewGormStore wraps an existing gorm DB and migrates the schema.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&entryRow{}); err != nil {
		return nil, types.NewError(types.ErrCodeStoreUnavailable, "migrate schema").WithCause(err)
	}
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "store_gorm")),
	}, nil
}

func (s *GormStore) Get(ctx context.Context, id string) (*types.CacheEntry, error) {
	var row entryRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, types.NewError(types.ErrCodeStoreUnavailable, "select entry").
			WithCause(err).WithRetryable(true)
	}
	return fromRow(&row)
}

func (s *GormStore) Put(ctx context.Context, entry *types.CacheEntry) error {
	row, err := toRow(entry)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current entryRow
		err := tx.Where("id = ?", entry.ID).Take(&current).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if entry.Version != 1 {
				return types.ErrVersionConflict
			}
			return tx.Create(row).Error
		case err != nil:
			return types.NewError(types.ErrCodeStoreUnavailable, "select entry").
				WithCause(err).WithRetryable(true)
		}
		if current.Version+1 != entry.Version {
			return types.ErrVersionConflict
		}
		res := tx.Model(&entryRow{}).
			Where("id = ? AND version = ?", entry.ID, current.Version).
			Select("*").Updates(row)
		if res.Error != nil {
			return types.NewError(types.ErrCodeStoreUnavailable, "update entry").
				WithCause(res.Error).WithRetryable(true)
		}
		if res.RowsAffected == 0 {
			return types.ErrVersionConflict
		}
		return nil
	})
}

func (s *GormStore) Delete(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&entryRow{}).Error
	if err != nil {
		return types.NewError(types.ErrCodeStoreUnavailable, "delete entry").
			WithCause(err).WithRetryable(true)
	}
	return nil
}

func (s *GormStore) Query(ctx context.Context, criteria Criteria) ([]*types.CacheEntry, error) {
	q := s.db.WithContext(ctx).Model(&entryRow{})
	if criteria.Layer != "" {
		q = q.Where("layer = ?", string(criteria.Layer))
	}
	if criteria.ContextHash != "" {
		q = q.Where("context_hash = ?", criteria.ContextHash)
	}
	if criteria.SessionID != "" {
		q = q.Where("session_id = ?", criteria.SessionID)
	}
	if criteria.ContentHash != "" {
		q = q.Where("content_hash = ?", criteria.ContentHash)
	}
	if criteria.Domain != "" {
		q = q.Where("domain = ?", criteria.Domain)
	}
	if criteria.ExpiredBefore != nil {
		q = q.Where("expires_at IS NOT NULL AND expires_at <= ?", *criteria.ExpiredBefore)
	}
	if criteria.Limit > 0 {
		q = q.Limit(criteria.Limit)
	}

	var rows []entryRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, types.NewError(types.ErrCodeStoreUnavailable, "query entries").
			WithCause(err).WithRetryable(true)
	}
	out := make([]*types.CacheEntry, 0, len(rows))
	for i := range rows {
		e, err := fromRow(&rows[i])
		if err != nil {
			s.logger.Warn("skipping undecodable row", zap.String("id", rows[i].ID), zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *GormStore) Count(ctx context.Context, layer types.LayerID) (int, error) {
	q := s.db.WithContext(ctx).Model(&entryRow{})
	if layer != "" {
		q = q.Where("layer = ?", string(layer))
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, types.NewError(types.ErrCodeStoreUnavailable, "count entries").
			WithCause(err).WithRetryable(true)
	}
	return int(n), nil
}

func toRow(e *types.CacheEntry) (*entryRow, error) {
	var embedding []byte
	if len(e.Key.Embedding) > 0 {
		var err error
		embedding, err = json.Marshal(e.Key.Embedding)
		if err != nil {
			return nil, fmt.Errorf("marshal embedding: %w", err)
		}
	}
	var meta []byte
	if len(e.Metadata) > 0 {
		var err error
		meta, err = json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}
	return &entryRow{
		ID:             e.ID,
		Layer:          string(e.Layer),
		ContextHash:    e.Key.ContextHash,
		Text:           e.Key.Text,
		Embedding:      embedding,
		SessionID:      e.Key.SessionID,
		KeyTimestamp:   e.Key.Timestamp,
		Domain:         e.Key.Domain,
		ContentType:    e.Key.ContentType,
		Payload:        e.Payload,
		ContentHash:    e.ContentHash,
		Score:          e.Score,
		CreatedAt:      e.CreatedAt,
		LastAccessedAt: e.LastAccessedAt,
		AccessCount:    e.AccessCount,
		ExpiresAt:      e.ExpiresAt,
		Version:        e.Version,
		Metadata:       meta,
	}, nil
}

func fromRow(r *entryRow) (*types.CacheEntry, error) {
	var embedding []float64
	if len(r.Embedding) > 0 {
		if err := json.Unmarshal(r.Embedding, &embedding); err != nil {
			return nil, fmt.Errorf("unmarshal embedding: %w", err)
		}
	}
	var meta map[string]string
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &meta); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &types.CacheEntry{
		ID:    r.ID,
		Layer: types.LayerID(r.Layer),
		Key: types.KeyMaterial{
			ContextHash: r.ContextHash,
			Text:        r.Text,
			Embedding:   embedding,
			SessionID:   r.SessionID,
			Timestamp:   r.KeyTimestamp,
			Domain:      r.Domain,
			ContentType: r.ContentType,
		},
		Payload:        r.Payload,
		ContentHash:    r.ContentHash,
		Score:          r.Score,
		CreatedAt:      r.CreatedAt,
		LastAccessedAt: r.LastAccessedAt,
		AccessCount:    r.AccessCount,
		ExpiresAt:      r.ExpiresAt,
		Version:        r.Version,
		Metadata:       meta,
	}, nil
}
