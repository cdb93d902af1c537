package model

import "time"

// Document is the durable record of one room's document. There is at most one
// row per room; writes are idempotent upserts keyed by RoomID.
type Document struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RoomID    string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"room_id"`
	Snapshot  []byte    `gorm:"type:bytea;not null" json:"-"`
	Metadata  []byte    `gorm:"type:jsonb" json:"metadata,omitempty"` // reserved, not interpreted by the core
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName override
func (Document) TableName() string {
	return "documents"
}
