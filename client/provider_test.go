package client

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"

	"collab-backend/internal/protocol"
)

type fakeTimer struct {
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

type fakeScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) timerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{}
	s.delays = append(s.delays, d)
	s.fns = append(s.fns, f)
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) scheduled() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func newTestProvider(t *testing.T, opts Options) (*Provider, *fakeScheduler) {
	t.Helper()
	fs := &fakeScheduler{}
	p := newProvider("ws://127.0.0.1:0/ws/rooms/test", automerge.New(), opts, fs)
	return p, fs
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		StatusDisconnected: "disconnected",
		StatusConnecting:   "connecting",
		StatusConnected:    "connected",
		StatusSynced:       "synced",
		Status(99):         "unknown",
	}
	for st, want := range cases {
		if got := st.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", st, got, want)
		}
	}
}

func TestBackoffDelayMonotoneAndCapped(t *testing.T) {
	base := 100 * time.Millisecond
	max := 2 * time.Second

	prev := time.Duration(0)
	for attempts := 0; attempts < 20; attempts++ {
		d := backoffDelay(base, max, attempts)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %v < %v", attempts, d, prev)
		}
		if d > max {
			t.Fatalf("delay exceeds cap at attempt %d: %v", attempts, d)
		}
		prev = d
	}
	if got := backoffDelay(base, max, 0); got != base {
		t.Errorf("first delay = %v, want %v", got, base)
	}
	if got := backoffDelay(base, max, 19); got != max {
		t.Errorf("late delay = %v, want cap %v", got, max)
	}
}

func TestReconnectDelaysDouble(t *testing.T) {
	p, fs := newTestProvider(t, Options{
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  80 * time.Millisecond,
	})

	for i := 0; i < 5; i++ {
		p.scheduleReconnect()
		p.mu.Lock()
		p.reconnect = nil // simulate the timer having fired
		p.mu.Unlock()
	}

	want := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		80 * time.Millisecond,
		80 * time.Millisecond,
	}
	got := fs.scheduled()
	if len(got) != len(want) {
		t.Fatalf("scheduled %d reconnects, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("reconnect %d delay = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestAttemptsResetAfterSuccessfulConnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	fs := &fakeScheduler{}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/rooms/reset"
	p := newProvider(url, automerge.New(), Options{
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  time.Second,
	}, fs)
	defer p.Close()

	// Two failures first: the delays walk away from base.
	for i := 0; i < 2; i++ {
		p.scheduleReconnect()
		p.mu.Lock()
		p.reconnect = nil
		p.mu.Unlock()
	}

	p.connect()
	if p.Status() != StatusConnected {
		t.Fatalf("status = %v, want connected", p.Status())
	}

	// The next failure starts the backoff over at base, not at the fourth
	// step of the old run.
	p.scheduleReconnect()
	got := fs.scheduled()
	want := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		10 * time.Millisecond,
	}
	if len(got) != len(want) {
		t.Fatalf("scheduled delays %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("scheduled delays %v, want %v", got, want)
		}
	}
}

func TestSocketErrorSchedulesReconnect(t *testing.T) {
	var reported []error
	p, fs := newTestProvider(t, Options{
		BackoffBase: 10 * time.Millisecond,
		OnError:     func(err error) { reported = append(reported, err) },
	})

	p.handleSocketError(errors.New("connection reset"))

	if p.Status() != StatusDisconnected {
		t.Errorf("status = %v, want disconnected", p.Status())
	}
	if len(fs.scheduled()) != 1 {
		t.Fatalf("scheduled %d reconnects, want 1", len(fs.scheduled()))
	}
	if len(reported) != 1 {
		t.Fatalf("reported %d errors, want 1", len(reported))
	}
}

func TestUnauthorizedCloseSuppressesReconnect(t *testing.T) {
	var reported []error
	p, fs := newTestProvider(t, Options{
		OnError: func(err error) { reported = append(reported, err) },
	})

	p.handleSocketError(&websocket.CloseError{
		Code: protocol.CloseUnauthorized,
		Text: "invalid token",
	})

	if len(fs.scheduled()) != 0 {
		t.Fatalf("unauthorized close scheduled a reconnect")
	}
	if len(reported) != 1 || !errors.Is(reported[0], ErrUnauthorized) {
		t.Fatalf("reported errors = %v, want ErrUnauthorized", reported)
	}
	if p.Status() != StatusDisconnected {
		t.Errorf("status = %v, want disconnected", p.Status())
	}
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	p, fs := newTestProvider(t, Options{BackoffBase: time.Second})

	p.scheduleReconnect()
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.timers) != 1 || !fs.timers[0].stopped {
		t.Fatalf("pending reconnect timer was not stopped")
	}

	// Closed providers never schedule again.
	p.scheduleReconnect()
	if len(fs.delays) != 1 {
		t.Fatalf("reconnect scheduled after Close")
	}
}

func TestStatusTransitionsObserved(t *testing.T) {
	var mu sync.Mutex
	var seen []Status
	p, _ := newTestProvider(t, Options{
		OnStatus: func(st Status) {
			mu.Lock()
			seen = append(seen, st)
			mu.Unlock()
		},
	})

	p.transition(StatusConnecting)
	p.transition(StatusConnected)
	p.transition(StatusConnected) // no-op, already there
	p.transition(StatusSynced)
	p.transition(StatusDisconnected)

	mu.Lock()
	defer mu.Unlock()
	want := []Status{StatusConnecting, StatusConnected, StatusSynced, StatusDisconnected}
	if len(seen) != len(want) {
		t.Fatalf("observed %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("observed %v, want %v", seen, want)
		}
	}
}

func TestRemoteUpdateApplied(t *testing.T) {
	src := automerge.New()
	if err := src.Path("text").Set("hello"); err != nil {
		t.Fatalf("set: %v", err)
	}
	inc := src.SaveIncremental()

	p, _ := newTestProvider(t, Options{})
	p.handleFrame(protocol.SyncMessage{Subtype: protocol.SyncUpdate, Body: inc}.Encode())

	v, err := p.Doc().Path("text").Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.Str() != "hello" {
		t.Fatalf("text = %q, want %q", v.Str(), "hello")
	}
}

func TestRemoteUpdateNotEchoedBack(t *testing.T) {
	src := automerge.New()
	if err := src.Path("text").Set("hello"); err != nil {
		t.Fatalf("set: %v", err)
	}
	inc := src.SaveIncremental()

	p, _ := newTestProvider(t, Options{})
	p.handleFrame(protocol.SyncMessage{Subtype: protocol.SyncUpdate, Body: inc}.Encode())

	// The remote change must have been flushed from the incremental
	// buffer, otherwise the next local edit would re-send it.
	p.mu.Lock()
	leftover := p.doc.SaveIncremental()
	p.mu.Unlock()
	if len(leftover) != 0 {
		t.Fatalf("remote update left %d bytes in the incremental buffer", len(leftover))
	}
}

func TestMalformedFramesDropped(t *testing.T) {
	p, _ := newTestProvider(t, Options{})

	p.handleFrame(nil)
	p.handleFrame([]byte{0xff})
	p.handleFrame([]byte{2, 1, 2, 3}) // reserved type
	p.handleFrame(protocol.SyncMessage{Subtype: protocol.SyncUpdate, Body: []byte("junk")}.Encode())

	if p.Status() != StatusDisconnected {
		t.Errorf("bad frames changed status to %v", p.Status())
	}
}

func TestHandshakeConverges(t *testing.T) {
	server := automerge.New()
	if err := server.Path("text").Set("hello"); err != nil {
		t.Fatalf("set: %v", err)
	}
	server.SaveIncremental()
	ss := automerge.NewSyncState(server)

	p, _ := newTestProvider(t, Options{})
	p.mu.Lock()
	p.syncState = automerge.NewSyncState(p.doc)
	p.mu.Unlock()
	p.transition(StatusConnected)

	for round := 0; round < 10 && !p.Synced(); round++ {
		p.mu.Lock()
		msg, valid := p.syncState.GenerateMessage()
		p.mu.Unlock()
		if valid {
			if _, err := ss.ReceiveMessage(msg.Bytes()); err != nil {
				t.Fatalf("server receive: %v", err)
			}
		}
		for {
			reply, ok := ss.GenerateMessage()
			if !ok {
				break
			}
			p.handleFrame(protocol.SyncMessage{Subtype: protocol.SyncStep2, Body: reply.Bytes()}.Encode())
		}
	}

	if !p.Synced() {
		t.Fatalf("provider never reached synced")
	}
	v, err := p.Doc().Path("text").Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.Str() != "hello" {
		t.Fatalf("text = %q, want %q", v.Str(), "hello")
	}
}

func TestUpdateWhileOffline(t *testing.T) {
	p, _ := newTestProvider(t, Options{})

	err := p.Update(func(doc *automerge.Doc) error {
		return doc.Path("text").Set("offline edit")
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	v, err := p.Doc().Path("text").Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.Str() != "offline edit" {
		t.Fatalf("text = %q, want %q", v.Str(), "offline edit")
	}
}

func TestAwarenessAppliedFromRemote(t *testing.T) {
	p, _ := newTestProvider(t, Options{})

	body := []byte(`{"clients":{"7":{"clock":1,"state":{"name":"remote"}}}}`)
	p.handleFrame(protocol.AwarenessMessage{Body: body}.Encode())

	states := p.AwarenessStates()
	if _, ok := states.Clients[7]; !ok {
		t.Fatalf("remote awareness entry missing: %v", states.Clients)
	}
}
