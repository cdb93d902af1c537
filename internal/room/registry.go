package room

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/automerge/automerge-go"

	"collab-backend/internal/persist"
	"collab-backend/internal/presence"
	"collab-backend/internal/store"
)

// ErrShuttingDown rejects joins that arrive after shutdown started.
var ErrShuttingDown = errors.New("registry is shutting down")

// Options tunes the registry. Zero values fall back to the defaults below.
type Options struct {
	AutosaveInterval time.Duration
	EvictionGrace    time.Duration
	SaveTimeout      time.Duration
	SendBuffer       int
}

func (o Options) withDefaults() Options {
	if o.AutosaveInterval <= 0 {
		o.AutosaveInterval = 30 * time.Second
	}
	if o.EvictionGrace <= 0 {
		o.EvictionGrace = 5 * time.Minute
	}
	if o.SaveTimeout <= 0 {
		o.SaveTimeout = 10 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	return o
}

// Registry owns the single in-memory copy of every active room.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*roomEntry
	closed bool

	persist *persist.Manager
	mirror  *presence.Mirror // optional occupancy mirror, may be nil
	opts    Options

	conns     atomic.Int64
	startedAt time.Time
}

// roomEntry serializes concurrent first-joins: the first caller creates the
// entry and loads the document, later callers wait on ready. This is the
// in-flight-creation marker that keeps getOrCreate race-free without holding
// a lock across storage I/O.
type roomEntry struct {
	ready chan struct{}
	room  *Room
}

func NewRegistry(p *persist.Manager, mirror *presence.Mirror, opts Options) *Registry {
	return &Registry{
		rooms:     make(map[string]*roomEntry),
		persist:   p,
		mirror:    mirror,
		opts:      opts.withDefaults(),
		startedAt: time.Now(),
	}
}

// GetOrCreate returns the resident room or creates it, loading the document
// from storage when a record exists. A load failure degrades to an empty
// document: a blank canvas beats refusing the collaboration.
//
// The returned room is claimed: a pending grace-period eviction is cancelled
// under the registry lock and the room stays resident until the caller's
// Join runs, so the handler's gap between GetOrCreate and Join can never
// observe two Room instances for one roomID.
func (g *Registry) GetOrCreate(roomID string) (*Room, error) {
	for {
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			return nil, ErrShuttingDown
		}
		e, ok := g.rooms[roomID]
		if !ok {
			break // create below, registry lock still held
		}
		select {
		case <-e.ready:
			r := e.room
			r.mu.Lock()
			r.pending++
			if r.evict != nil {
				r.evict.Stop()
				r.evict = nil
			}
			r.mu.Unlock()
			g.mu.Unlock()
			return r, nil
		default:
		}
		g.mu.Unlock()
		<-e.ready
		// The entry may have been evicted while we waited; start over.
	}

	e := &roomEntry{ready: make(chan struct{})}
	g.rooms[roomID] = e
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), g.opts.SaveTimeout)
	defer cancel()

	doc, err := g.persist.Load(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		doc = automerge.New()
		log.Printf("[Registry] room %s: no stored document, starting empty", roomID)
	} else if err != nil {
		doc = automerge.New()
		log.Printf("[Registry] room %s: load failed, starting empty: %v", roomID, err)
	} else {
		log.Printf("[Registry] room %s: loaded document from storage", roomID)
	}

	room := newRoom(roomID, doc, g)
	room.pending = 1 // the creator's claim, released by its Join
	e.room = room
	close(e.ready)
	return room, nil
}

// evict runs when a room's grace period expires. A rejoin or a not-yet-joined
// GetOrCreate claim may have raced the timer, so both are re-checked under
// both locks.
func (g *Registry) evict(r *Room) {
	g.mu.Lock()
	e, ok := g.rooms[r.ID]
	if !ok || e.room != r {
		g.mu.Unlock()
		return
	}
	r.mu.Lock()
	if len(r.sessions) > 0 || r.pending > 0 {
		r.mu.Unlock()
		g.mu.Unlock()
		return
	}
	r.stopAutosaveLocked()
	r.mu.Unlock()
	delete(g.rooms, r.ID)
	g.mu.Unlock()

	r.save("eviction")
	log.Printf("[Registry] evicted idle room %s", r.ID)
}

// Shutdown stops accepting joins and saves every resident room within the
// context's deadline. When the deadline passes first, the remaining rooms are
// abandoned: losing the last seconds of edits is the documented price of
// letting the process exit.
func (g *Registry) Shutdown(ctx context.Context) {
	g.mu.Lock()
	g.closed = true
	rooms := make([]*Room, 0, len(g.rooms))
	for _, e := range g.rooms {
		select {
		case <-e.ready:
			rooms = append(rooms, e.room)
		default:
		}
	}
	g.mu.Unlock()

	for i, r := range rooms {
		select {
		case <-ctx.Done():
			log.Printf("[Registry] shutdown timeout: %d of %d rooms not saved, recent edits may be lost", len(rooms)-i, len(rooms))
			return
		default:
		}
		r.mu.Lock()
		r.stopAutosaveLocked()
		if r.evict != nil {
			r.evict.Stop()
			r.evict = nil
		}
		r.mu.Unlock()
		r.saveContext(ctx, "shutdown")
	}
	log.Printf("[Registry] shutdown save complete for %d rooms", len(rooms))
}

// Lookup returns the resident room without creating or claiming one. Status
// queries use it so introspection never spawns rooms.
func (g *Registry) Lookup(roomID string) (*Room, bool) {
	g.mu.Lock()
	e, ok := g.rooms[roomID]
	g.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
		return e.room, true
	default:
		return nil, false
	}
}

// Mirror exposes the optional occupancy mirror, nil when not configured.
func (g *Registry) Mirror() *presence.Mirror {
	return g.mirror
}

// ConnectionCount returns the number of live sessions across all rooms.
func (g *Registry) ConnectionCount() int {
	return int(g.conns.Load())
}

// RoomCount returns the number of resident rooms, grace-period ones included.
func (g *Registry) RoomCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Uptime reports how long the registry has been running.
func (g *Registry) Uptime() time.Duration {
	return time.Since(g.startedAt)
}

func (g *Registry) noteJoin(roomID string, members int) {
	g.conns.Add(1)
	g.mirrorOccupancy(roomID, members)
}

func (g *Registry) noteLeave(roomID string, members int) {
	g.conns.Add(-1)
	g.mirrorOccupancy(roomID, members)
}

func (g *Registry) mirrorOccupancy(roomID string, members int) {
	if g.mirror == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		var err error
		if members == 0 {
			err = g.mirror.ClearOccupancy(ctx, roomID)
		} else {
			err = g.mirror.SetOccupancy(ctx, roomID, members)
		}
		if err != nil {
			log.Printf("[Registry] failed to mirror occupancy for room %s: %v", roomID, err)
		}
	}()
}
