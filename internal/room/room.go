package room

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/automerge/automerge-go"

	"collab-backend/internal/awareness"
	"collab-backend/internal/protocol"
)

// Room is the single in-memory authority for one document. Exactly one Room
// exists per roomID across the process; only the Room mutates its document.
type Room struct {
	ID  string
	reg *Registry

	// mu guards doc, sessions, awareness ownership and the timers. Every
	// document mutation happens under it and is immediately followed by
	// SaveIncremental, which is what keys echo suppression to the update's
	// origin rather than to connection identity.
	mu    sync.Mutex
	doc   *automerge.Doc
	aware *awareness.Tracker
	// pending counts references handed out by GetOrCreate whose Join has
	// not run yet; eviction skips a claimed room.
	pending      int
	sessions     map[*Session]struct{}
	stopAutosave chan struct{}
	evict        *time.Timer
	lastEmptyAt  time.Time
}

func newRoom(id string, doc *automerge.Doc, reg *Registry) *Room {
	return &Room{
		ID:       id,
		reg:      reg,
		doc:      doc,
		aware:    awareness.NewTracker(),
		sessions: make(map[*Session]struct{}),
	}
}

// Join registers a new connection. It cancels any pending eviction, starts
// the autosave ticker on the first member, and hands the joiner the current
// presence table so it immediately sees who else is here.
func (r *Room) Join() *Session {
	s := newSession(r, r.reg.opts.SendBuffer)

	r.mu.Lock()
	s.syncState = automerge.NewSyncState(r.doc)
	if r.pending > 0 {
		r.pending-- // release the GetOrCreate claim
	}
	if r.evict != nil {
		r.evict.Stop()
		r.evict = nil
	}
	if len(r.sessions) == 0 {
		r.startAutosaveLocked()
	}
	r.sessions[s] = struct{}{}
	members := len(r.sessions)
	full := r.aware.States()
	r.mu.Unlock()

	if !full.Empty() {
		if body, err := full.Encode(); err == nil {
			s.deliver(protocol.AwarenessMessage{Body: body}.Encode())
		}
	}

	r.reg.noteJoin(r.ID, members)
	log.Printf("[Room %s] session %s joined, members: %d", r.ID, s.id, members)
	return s
}

// Leave removes a connection. The departure is broadcast to the remaining
// members before the session is torn down, so nobody keeps a vanished peer
// in their presence view. When the room empties it is saved immediately and
// scheduled for eviction after the grace period.
func (r *Room) Leave(s *Session) {
	r.mu.Lock()
	if _, ok := r.sessions[s]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s)
	members := len(r.sessions)

	ids := make([]uint64, 0, len(s.controlled))
	for id := range s.controlled {
		ids = append(ids, id)
	}
	removed := r.aware.Remove(ids...)

	empty := members == 0
	if empty {
		r.lastEmptyAt = time.Now()
		r.stopAutosaveLocked()
		r.evict = time.AfterFunc(r.reg.opts.EvictionGrace, func() { r.reg.evict(r) })
	}
	r.mu.Unlock()

	if !removed.Empty() {
		if body, err := removed.Encode(); err == nil {
			r.Broadcast(protocol.AwarenessMessage{Body: body}.Encode(), s)
		}
	}
	s.close()

	r.reg.noteLeave(r.ID, members)
	log.Printf("[Room %s] session %s left, members: %d", r.ID, s.id, members)

	if empty {
		go r.save("final")
	}
}

// Broadcast delivers the frame to every member except the originator.
// Delivery is best-effort per recipient: a slow or closed session is skipped,
// never awaited.
func (r *Room) Broadcast(frame []byte, exclude *Session) {
	r.mu.Lock()
	targets := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		if s != exclude {
			targets = append(targets, s)
		}
	}
	r.mu.Unlock()

	for _, s := range targets {
		if !s.deliver(frame) {
			log.Printf("[Room %s] send buffer full, dropping frame for session %s", r.ID, s.id)
		}
	}
}

// HandleFrame processes one inbound wire frame from a session. A malformed or
// reserved frame is dropped without touching the connection or the room.
func (r *Room) HandleFrame(s *Session, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		if !errors.Is(err, protocol.ErrUnknownType) {
			log.Printf("[Room %s] dropping bad frame from session %s: %v", r.ID, s.id, err)
		}
		return
	}

	switch m := msg.(type) {
	case protocol.SyncMessage:
		r.handleSync(s, m)
	case protocol.AwarenessMessage:
		r.handleAwareness(s, m)
	}
}

// handleSync runs the reconciliation handshake and the steady-state update
// relay. Changes a frame brings into the document are captured with
// SaveIncremental under the same lock and rebroadcast to every other member;
// the originating session never gets its own update back.
func (r *Room) handleSync(s *Session, m protocol.SyncMessage) {
	switch m.Subtype {
	case protocol.SyncStep1, protocol.SyncStep2:
		r.mu.Lock()
		if _, err := s.syncState.ReceiveMessage(m.Body); err != nil {
			r.mu.Unlock()
			log.Printf("[Room %s] dropping sync message from session %s: %v", r.ID, s.id, err)
			return
		}
		applied := r.doc.SaveIncremental()
		var replies [][]byte
		for {
			reply, valid := s.syncState.GenerateMessage()
			if !valid {
				break
			}
			replies = append(replies, reply.Bytes())
		}
		r.mu.Unlock()

		for _, reply := range replies {
			s.deliver(protocol.SyncMessage{Subtype: protocol.SyncStep2, Body: reply}.Encode())
		}
		if len(applied) > 0 {
			r.Broadcast(protocol.SyncMessage{Subtype: protocol.SyncUpdate, Body: applied}.Encode(), s)
		}

	case protocol.SyncUpdate:
		r.mu.Lock()
		err := r.doc.LoadIncremental(m.Body)
		var applied []byte
		if err == nil {
			applied = r.doc.SaveIncremental()
		}
		r.mu.Unlock()

		if err != nil {
			log.Printf("[Room %s] dropping update from session %s: %v", r.ID, s.id, err)
			return
		}
		if len(applied) > 0 {
			r.Broadcast(protocol.SyncMessage{Subtype: protocol.SyncUpdate, Body: applied}.Encode(), s)
		}
	}
}

// handleAwareness merges a presence delta and relays the surviving entries.
// The session remembers which client IDs it announced so Leave can clear
// exactly those.
func (r *Room) handleAwareness(s *Session, m protocol.AwarenessMessage) {
	update, err := awareness.DecodeUpdate(m.Body)
	if err != nil {
		log.Printf("[Room %s] dropping awareness frame from session %s: %v", r.ID, s.id, err)
		return
	}

	applied := r.aware.Apply(update)
	if applied.Empty() {
		return
	}

	r.mu.Lock()
	for id, entry := range applied.Clients {
		if entry.State != nil {
			s.controlled[id] = struct{}{}
		} else {
			delete(s.controlled, id)
		}
	}
	r.mu.Unlock()

	if body, err := applied.Encode(); err == nil {
		r.Broadcast(protocol.AwarenessMessage{Body: body}.Encode(), s)
	}
}

// AwarenessStates exposes the live presence table (status queries, tests).
func (r *Room) AwarenessStates() awareness.Update {
	return r.aware.States()
}

// Members returns the current connection count.
func (r *Room) Members() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Room) startAutosaveLocked() {
	stop := make(chan struct{})
	r.stopAutosave = stop
	go func() {
		t := time.NewTicker(r.reg.opts.AutosaveInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				r.save("autosave")
			case <-stop:
				return
			}
		}
	}()
}

func (r *Room) stopAutosaveLocked() {
	if r.stopAutosave != nil {
		close(r.stopAutosave)
		r.stopAutosave = nil
	}
}

// save snapshots under the room lock and writes outside it, so a slow store
// never stalls message processing for this or any other room.
func (r *Room) save(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.reg.opts.SaveTimeout)
	defer cancel()
	r.saveContext(ctx, reason)
}

func (r *Room) saveContext(ctx context.Context, reason string) {
	r.mu.Lock()
	snapshot := r.doc.Save()
	r.mu.Unlock()

	if err := r.reg.persist.SaveSnapshot(ctx, r.ID, snapshot); err != nil {
		// In-memory state stays authoritative; the next interval retries.
		log.Printf("[Room %s] %s save failed, retrying on next interval: %v", r.ID, reason, err)
	}
}
