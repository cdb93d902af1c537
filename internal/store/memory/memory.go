package memory

import (
	"context"
	"sync"
	"time"

	"collab-backend/internal/store"
)

type documentStore struct {
	mu   sync.RWMutex
	docs map[string]*store.Record
}

// NewDocumentStore returns an in-memory store. Used by tests and for
// single-node development without a database.
func NewDocumentStore() store.DocumentStore {
	return &documentStore{docs: make(map[string]*store.Record)}
}

func (s *documentStore) Load(_ context.Context, roomID string) (*store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.docs[roomID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	cp.Snapshot = append([]byte(nil), rec.Snapshot...)
	return &cp, nil
}

func (s *documentStore) Save(_ context.Context, roomID string, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if rec, ok := s.docs[roomID]; ok {
		rec.Snapshot = append([]byte(nil), snapshot...)
		rec.UpdatedAt = now
		return nil
	}
	s.docs[roomID] = &store.Record{
		RoomID:    roomID,
		Snapshot:  append([]byte(nil), snapshot...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}
