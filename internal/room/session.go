package room

import (
	"sync"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
)

// Session is the server-side half of one client connection to a room. The
// transport handler pumps frames in via Room.HandleFrame and drains Outgoing
// into the socket.
type Session struct {
	id   string
	room *Room

	// syncState reconciles this connection against the room document.
	// Guarded by room.mu, like everything else touching the document.
	syncState *automerge.SyncState

	// controlled holds the awareness client IDs announced over this
	// connection, cleared on disconnect. Guarded by room.mu.
	controlled map[uint64]struct{}

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(r *Room, buffer int) *Session {
	return &Session{
		id:         uuid.NewString(),
		room:       r,
		controlled: make(map[uint64]struct{}),
		send:       make(chan []byte, buffer),
		done:       make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// Outgoing is the stream of frames to write to the socket.
func (s *Session) Outgoing() <-chan []byte { return s.send }

// Done is closed when the session leaves its room.
func (s *Session) Done() <-chan struct{} { return s.done }

// deliver enqueues a frame without blocking. A full or closed session is
// skipped: a backed-up client misses intermediate diffs and catches up on its
// next sync handshake instead of stalling the room.
func (s *Session) deliver(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}
