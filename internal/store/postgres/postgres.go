package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"collab-backend/internal/model"
	"collab-backend/internal/store"
)

type documentStore struct {
	db *gorm.DB
}

// NewDocumentStore wraps a connected gorm handle as a DocumentStore.
func NewDocumentStore(db *gorm.DB) store.DocumentStore {
	return &documentStore{db: db}
}

func (s *documentStore) Load(ctx context.Context, roomID string) (*store.Record, error) {
	var doc model.Document
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document for room %s: %w", roomID, err)
	}
	return &store.Record{
		RoomID:    doc.RoomID,
		Snapshot:  doc.Snapshot,
		Metadata:  doc.Metadata,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

func (s *documentStore) Save(ctx context.Context, roomID string, snapshot []byte) error {
	doc := model.Document{
		RoomID:   roomID,
		Snapshot: snapshot,
	}
	// Upsert keyed by room_id; metadata on an existing row is left alone.
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "room_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"snapshot":   snapshot,
			"updated_at": time.Now(),
		}),
	}).Create(&doc).Error
	if err != nil {
		return fmt.Errorf("failed to save document for room %s: %w", roomID, err)
	}
	return nil
}
