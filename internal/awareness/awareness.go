package awareness

import (
	"encoding/json"
	"sync"
)

// Entry is one client's presence state. A nil State is a removal tombstone;
// the clock makes deltas idempotent and keeps a stale update from
// resurrecting a client that already left.
type Entry struct {
	Clock uint64          `json:"clock"`
	State json.RawMessage `json:"state,omitempty"`
}

// Update is the wire form of a presence delta: only the clients whose state
// changed, never the full table.
type Update struct {
	Clients map[uint64]Entry `json:"clients"`
}

// Empty reports whether the update carries no entries.
func (u Update) Empty() bool { return len(u.Clients) == 0 }

// Encode renders the delta as JSON for the awareness frame body.
func (u Update) Encode() ([]byte, error) { return json.Marshal(u) }

// DecodeUpdate parses an awareness frame body.
func DecodeUpdate(data []byte) (Update, error) {
	var u Update
	err := json.Unmarshal(data, &u)
	return u, err
}

// Tracker holds the ephemeral presence table of one room. It is never
// persisted; all state dies with the room.
type Tracker struct {
	mu      sync.RWMutex
	clients map[uint64]Entry
}

func NewTracker() *Tracker {
	return &Tracker{clients: make(map[uint64]Entry)}
}

// Apply merges a remote delta and returns the subset that was actually newer
// than what the tracker held, for rebroadcast. Entries losing the clock
// comparison are dropped.
func (t *Tracker) Apply(u Update) Update {
	t.mu.Lock()
	defer t.mu.Unlock()

	applied := Update{Clients: make(map[uint64]Entry)}
	for id, entry := range u.Clients {
		prev, ok := t.clients[id]
		if ok && entry.Clock <= prev.Clock {
			continue
		}
		t.clients[id] = entry
		applied.Clients[id] = entry
	}
	return applied
}

// SetState replaces one client's full state, bumping its clock, and returns
// the single-entry delta to broadcast.
func (t *Tracker) SetState(clientID uint64, state json.RawMessage) Update {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := Entry{Clock: t.clients[clientID].Clock + 1, State: state}
	t.clients[clientID] = entry
	return Update{Clients: map[uint64]Entry{clientID: entry}}
}

// Remove tombstones the given clients and returns the removal delta. Called
// on disconnect, before the connection is torn down, so every other member
// sees the departure.
func (t *Tracker) Remove(clientIDs ...uint64) Update {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := Update{Clients: make(map[uint64]Entry)}
	for _, id := range clientIDs {
		prev, ok := t.clients[id]
		if !ok || prev.State == nil {
			continue
		}
		entry := Entry{Clock: prev.Clock + 1}
		t.clients[id] = entry
		removed.Clients[id] = entry
	}
	return removed
}

// States returns the full live table as an update, for a newly joined client.
// Tombstones are excluded.
func (t *Tracker) States() Update {
	t.mu.RLock()
	defer t.mu.RUnlock()

	full := Update{Clients: make(map[uint64]Entry, len(t.clients))}
	for id, entry := range t.clients {
		if entry.State == nil {
			continue
		}
		full.Clients[id] = entry
	}
	return full
}
