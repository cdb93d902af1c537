// Package client implements the remote-side provider for a collaboration
// room: one persistent websocket per (client, room) pair, the sync handshake,
// awareness relay, and reconnection with exponential backoff.
package client

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collab-backend/internal/awareness"
	"collab-backend/internal/protocol"
)

// Status is the provider's connection state. disconnected is reachable from
// every other state.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusSynced
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusSynced:
		return "synced"
	default:
		return "unknown"
	}
}

// ErrUnauthorized reports a non-retryable rejection: the server closed with
// the unauthorized close code and auto-reconnect is suppressed.
var ErrUnauthorized = errors.New("server rejected the token")

// Options tunes the provider. Zero values fall back to the defaults below.
type Options struct {
	// BackoffBase and BackoffMax bound the reconnect delay:
	// base * 2^attempts, capped at max. The attempt counter resets only
	// after a successful connect.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// ConnectTimeout aborts a dial stuck in connecting.
	ConnectTimeout time.Duration
	// OnStatus observes every status transition. Called from provider
	// goroutines; must not call back into the provider.
	OnStatus func(Status)
	// OnError observes connection-level errors. Transient errors are
	// recovered internally and only surfaced here.
	OnError func(error)
}

func (o Options) withDefaults() Options {
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	return o
}

// Provider connects a local document to a room and keeps the two converged.
type Provider struct {
	url      string
	opts     Options
	clientID uint64
	aware    *awareness.Tracker
	sched    scheduler

	status statusValue

	// mu guards the document and connection state. Every document mutation
	// happens under it and is immediately followed by SaveIncremental:
	// the local path sends those bytes, the remote path discards them,
	// which keys echo suppression to the update's origin.
	mu             sync.Mutex
	doc            *automerge.Doc
	conn           *websocket.Conn
	syncState      *automerge.SyncState
	attempts       int
	reconnect      timerHandle
	closed         bool
	awarenessState json.RawMessage

	writeMu sync.Mutex
}

// New creates a provider for the given websocket URL (room path plus token
// query parameter) and starts connecting immediately.
func New(rawURL string, doc *automerge.Doc, opts Options) *Provider {
	p := newProvider(rawURL, doc, opts, realScheduler{})
	go p.connect()
	return p
}

func newProvider(rawURL string, doc *automerge.Doc, opts Options, sched scheduler) *Provider {
	u := uuid.New()
	// A uuid-derived actor keeps concurrent clients from ever colliding.
	_ = doc.SetActorID(hex.EncodeToString(u[:]))
	return &Provider{
		url:      rawURL,
		opts:     opts.withDefaults(),
		doc:      doc,
		clientID: binary.BigEndian.Uint64(u[:8]),
		aware:    awareness.NewTracker(),
		sched:    sched,
	}
}

// Doc returns the local document. Mutate it through Update so changes are
// captured and sent.
func (p *Provider) Doc() *automerge.Doc { return p.doc }

// ClientID is this provider's awareness identifier.
func (p *Provider) ClientID() uint64 { return p.clientID }

// Status returns the current connection state.
func (p *Provider) Status() Status { return p.status.load() }

// Synced reports whether the provider has completed the handshake on the
// current connection.
func (p *Provider) Synced() bool { return p.Status() == StatusSynced }

// AwarenessStates returns the presence table as last seen, own entry included.
func (p *Provider) AwarenessStates() awareness.Update { return p.aware.States() }

// Update applies a local edit and immediately sends the incremental diff.
// With the socket closed the diff is not queued: the document state itself
// carries the edit until the next successful handshake.
func (p *Provider) Update(fn func(*automerge.Doc) error) error {
	p.mu.Lock()
	if err := fn(p.doc); err != nil {
		p.mu.Unlock()
		return err
	}
	inc := p.doc.SaveIncremental()
	conn := p.conn
	p.mu.Unlock()

	if len(inc) == 0 || conn == nil {
		return nil
	}
	frame := protocol.SyncMessage{Subtype: protocol.SyncUpdate, Body: inc}.Encode()
	if err := p.writeFrame(conn, frame); err != nil {
		// Transient: the read loop observes the broken socket and the
		// resync on reconnect recovers the edit.
		log.Printf("[Provider] failed to send update: %v", err)
	}
	return nil
}

// SetAwareness replaces this client's presence state and broadcasts the delta.
func (p *Provider) SetAwareness(state interface{}) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.awarenessState = raw
	update := p.aware.SetState(p.clientID, raw)
	conn := p.conn
	p.mu.Unlock()

	if conn == nil {
		return nil
	}
	return p.sendAwareness(conn, update)
}

// Close tears the provider down: pending reconnects are cancelled, the
// awareness entry is withdrawn, and the socket is closed. The provider does
// not reconnect afterwards.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.reconnect != nil {
		p.reconnect.Stop()
		p.reconnect = nil
	}
	conn := p.conn
	p.conn = nil
	p.syncState = nil
	removal := p.aware.Remove(p.clientID)
	p.mu.Unlock()

	p.transition(StatusDisconnected)

	if conn == nil {
		return nil
	}
	if !removal.Empty() {
		_ = p.sendAwareness(conn, removal)
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return conn.Close()
}

func (p *Provider) connect() {
	p.mu.Lock()
	if p.closed || p.conn != nil {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.transition(StatusConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: p.opts.ConnectTimeout}
	conn, _, err := dialer.Dial(p.url, nil)
	if err != nil {
		p.transition(StatusDisconnected)
		p.reportError(err)
		p.scheduleReconnect()
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.conn = conn
	p.attempts = 0
	// Fresh sync state per connection: the handshake re-establishes what
	// each side has, which is also what recovers edits made while offline.
	p.syncState = automerge.NewSyncState(p.doc)
	frames := p.handshakeFramesLocked()
	p.mu.Unlock()

	p.transition(StatusConnected)

	for _, frame := range frames {
		if err := p.writeFrame(conn, frame); err != nil {
			break
		}
	}
	go p.readLoop(conn)
}

// handshakeFramesLocked builds the opening burst: the step-1 sync message
// describing what this replica has, plus the current awareness state.
func (p *Provider) handshakeFramesLocked() [][]byte {
	var frames [][]byte
	for {
		msg, valid := p.syncState.GenerateMessage()
		if !valid {
			break
		}
		frames = append(frames, protocol.SyncMessage{Subtype: protocol.SyncStep1, Body: msg.Bytes()}.Encode())
	}
	if p.awarenessState != nil {
		update := p.aware.SetState(p.clientID, p.awarenessState)
		if body, err := update.Encode(); err == nil {
			frames = append(frames, protocol.AwarenessMessage{Body: body}.Encode())
		}
	}
	return frames
}

func (p *Provider) readLoop(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			p.handleSocketError(err)
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		p.handleFrame(data)
	}
}

// handleFrame demultiplexes one inbound frame. A malformed or reserved frame
// is dropped; it never tears down the connection.
func (p *Provider) handleFrame(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		if !errors.Is(err, protocol.ErrUnknownType) {
			log.Printf("[Provider] dropping bad frame: %v", err)
		}
		return
	}

	switch m := msg.(type) {
	case protocol.SyncMessage:
		p.handleSync(m)
	case protocol.AwarenessMessage:
		update, err := awareness.DecodeUpdate(m.Body)
		if err != nil {
			log.Printf("[Provider] dropping awareness frame: %v", err)
			return
		}
		p.aware.Apply(update)
	}
}

func (p *Provider) handleSync(m protocol.SyncMessage) {
	switch m.Subtype {
	case protocol.SyncStep1, protocol.SyncStep2:
		p.mu.Lock()
		if p.syncState == nil {
			p.mu.Unlock()
			return
		}
		if _, err := p.syncState.ReceiveMessage(m.Body); err != nil {
			p.mu.Unlock()
			log.Printf("[Provider] dropping sync message: %v", err)
			return
		}
		// Changes arriving via the handshake came from the wire; flush
		// them out of the incremental buffer so they are never echoed.
		p.doc.SaveIncremental()
		var frames [][]byte
		for {
			reply, valid := p.syncState.GenerateMessage()
			if !valid {
				break
			}
			frames = append(frames, protocol.SyncMessage{Subtype: protocol.SyncStep2, Body: reply.Bytes()}.Encode())
		}
		conn := p.conn
		p.mu.Unlock()

		// Synced means "received the state response", not "socket open".
		if m.Subtype == protocol.SyncStep2 && p.Status() == StatusConnected {
			p.transition(StatusSynced)
		}
		if conn != nil {
			for _, frame := range frames {
				if err := p.writeFrame(conn, frame); err != nil {
					return
				}
			}
		}

	case protocol.SyncUpdate:
		p.mu.Lock()
		err := p.doc.LoadIncremental(m.Body)
		if err == nil {
			p.doc.SaveIncremental() // remote origin, never echoed
		}
		p.mu.Unlock()
		if err != nil {
			log.Printf("[Provider] dropping update: %v", err)
		}
	}
}

// handleSocketError runs when the read loop dies. An unauthorized close is
// final; anything else schedules a reconnect.
func (p *Provider) handleSocketError(err error) {
	p.mu.Lock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	p.syncState = nil
	closed := p.closed
	p.mu.Unlock()

	p.transition(StatusDisconnected)
	if closed {
		return
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code == protocol.CloseUnauthorized {
		p.reportError(ErrUnauthorized)
		return
	}
	p.reportError(err)
	p.scheduleReconnect()
}

func (p *Provider) scheduleReconnect() {
	p.mu.Lock()
	if p.closed || p.reconnect != nil {
		p.mu.Unlock()
		return
	}
	delay := backoffDelay(p.opts.BackoffBase, p.opts.BackoffMax, p.attempts)
	p.attempts++
	p.reconnect = p.sched.AfterFunc(delay, func() {
		p.mu.Lock()
		p.reconnect = nil
		p.mu.Unlock()
		p.connect()
	})
	p.mu.Unlock()
	log.Printf("[Provider] reconnecting in %v", delay)
}

// backoffDelay computes base * 2^attempts capped at max.
func backoffDelay(base, max time.Duration, attempts int) time.Duration {
	delay := base
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func (p *Provider) sendAwareness(conn *websocket.Conn, update awareness.Update) error {
	body, err := update.Encode()
	if err != nil {
		return err
	}
	return p.writeFrame(conn, protocol.AwarenessMessage{Body: body}.Encode())
}

func (p *Provider) writeFrame(conn *websocket.Conn, frame []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (p *Provider) transition(st Status) {
	if p.status.swap(st) == st {
		return
	}
	if p.opts.OnStatus != nil {
		p.opts.OnStatus(st)
	}
}

func (p *Provider) reportError(err error) {
	if p.opts.OnError != nil {
		p.opts.OnError(err)
	}
}
