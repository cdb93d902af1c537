package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// occupancyTTL bounds how stale a mirrored entry can get if a server dies
// without cleaning up; join/leave traffic keeps live entries refreshed.
const occupancyTTL = 60 * time.Second

// Occupancy is the mirrored view of one room on one server.
type Occupancy struct {
	RoomID    string `json:"room_id"`
	Members   int    `json:"members"`
	ServerID  string `json:"server_id"` // which instance hosts the room
	UpdatedAt int64  `json:"updated_at"`
}

// Mirror publishes room occupancy to Redis for operational introspection in
// multi-instance deploys. It is advisory only: the sync protocol and the
// awareness table never read from it.
type Mirror struct {
	client   *redis.Client
	serverID string
}

// NewMirror connects and pings within a bounded timeout.
func NewMirror(addr, password string, db int, serverID string) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &Mirror{client: client, serverID: serverID}, nil
}

func (m *Mirror) roomKey(roomID string) string {
	return "collab:room:" + roomID
}

// SetOccupancy upserts the room's entry with a fresh TTL.
func (m *Mirror) SetOccupancy(ctx context.Context, roomID string, members int) error {
	data, err := json.Marshal(Occupancy{
		RoomID:    roomID,
		Members:   members,
		ServerID:  m.serverID,
		UpdatedAt: time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	return m.client.Set(ctx, m.roomKey(roomID), data, occupancyTTL).Err()
}

// ClearOccupancy removes the room's entry once it empties.
func (m *Mirror) ClearOccupancy(ctx context.Context, roomID string) error {
	return m.client.Del(ctx, m.roomKey(roomID)).Err()
}

// GetOccupancy returns the mirrored entry, or nil when absent/expired.
func (m *Mirror) GetOccupancy(ctx context.Context, roomID string) (*Occupancy, error) {
	val, err := m.client.Get(ctx, m.roomKey(roomID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var occ Occupancy
	if err := json.Unmarshal([]byte(val), &occ); err != nil {
		return nil, err
	}
	return &occ, nil
}

// Close releases the underlying connection pool.
func (m *Mirror) Close() error {
	return m.client.Close()
}
