package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports that no record exists for the room. It is distinct from
// a record holding an empty snapshot, so callers can tell a first-ever join
// from a reload of an empty document.
var ErrNotFound = errors.New("document not found")

// Record is a persisted document row.
type Record struct {
	RoomID    string
	Snapshot  []byte
	Metadata  []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DocumentStore abstracts durable document storage keyed by room identifier.
// Implementations: postgres (gorm), memory (tests and single-node dev).
type DocumentStore interface {
	// Load returns the record for roomID, or ErrNotFound.
	Load(ctx context.Context, roomID string) (*Record, error)
	// Save upserts the snapshot for roomID, refreshing updated_at. Metadata
	// on an existing row is preserved.
	Save(ctx context.Context, roomID string, snapshot []byte) error
}
