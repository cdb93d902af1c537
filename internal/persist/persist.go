package persist

import (
	"context"
	"fmt"

	"github.com/automerge/automerge-go"

	"collab-backend/internal/store"
)

// Manager serializes room documents to durable storage and reconstructs them
// on load. It is called on the autosave interval, on last-client-disconnect,
// and during process shutdown.
type Manager struct {
	store store.DocumentStore
}

func NewManager(s store.DocumentStore) *Manager {
	return &Manager{store: s}
}

// Save encodes the document's full state and upserts it under roomID.
func (m *Manager) Save(ctx context.Context, roomID string, doc *automerge.Doc) error {
	return m.SaveSnapshot(ctx, roomID, doc.Save())
}

// SaveSnapshot upserts an already-encoded snapshot. Rooms use this so the
// document is encoded under their own lock while the storage write happens
// outside it.
func (m *Manager) SaveSnapshot(ctx context.Context, roomID string, snapshot []byte) error {
	if err := m.store.Save(ctx, roomID, snapshot); err != nil {
		return fmt.Errorf("failed to persist room %s: %w", roomID, err)
	}
	return nil
}

// Load fetches and decodes the room's document into a fresh instance.
// Returns store.ErrNotFound when no record exists, which is distinct from a
// record holding an empty document.
func (m *Manager) Load(ctx context.Context, roomID string) (*automerge.Doc, error) {
	rec, err := m.store.Load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if len(rec.Snapshot) == 0 {
		return automerge.New(), nil
	}
	doc, err := automerge.Load(rec.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot for room %s: %w", roomID, err)
	}
	return doc, nil
}
