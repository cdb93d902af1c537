package handler

import (
	"encoding/binary"
	"log"

	"github.com/gofiber/contrib/websocket"

	"collab-backend/internal/protocol"
	"collab-backend/internal/room"
)

// SyncWSHandler serves the persistent per-(client, room) websocket
// connection carrying sync and awareness frames.
type SyncWSHandler struct {
	registry *room.Registry
}

func NewSyncWSHandler(registry *room.Registry) *SyncWSHandler {
	return &SyncWSHandler{registry: registry}
}

// HandleWebSocket runs one connection: join the room, pump outbound frames,
// feed inbound frames to the room, leave on any read error. The route
// middleware has already decided the auth outcome and stashed it in Locals.
func (h *SyncWSHandler) HandleWebSocket(c *websocket.Conn) {
	defer c.Close()

	if reason, ok := c.Locals("authError").(string); ok {
		// Distinct close code so clients suppress their auto-reconnect.
		_ = c.WriteMessage(websocket.CloseMessage, closePayload(protocol.CloseUnauthorized, reason))
		return
	}

	roomID, ok := c.Locals("roomId").(string)
	if !ok || roomID == "" {
		return
	}

	rm, err := h.registry.GetOrCreate(roomID)
	if err != nil {
		_ = c.WriteMessage(websocket.CloseMessage, closePayload(websocket.CloseGoingAway, "server shutting down"))
		return
	}

	sess := rm.Join()
	defer rm.Leave(sess)

	// Single writer goroutine per connection; Done unblocks it on leave.
	go func() {
		for {
			select {
			case frame := <-sess.Outgoing():
				if err := c.WriteMessage(websocket.BinaryMessage, frame); err != nil {
					log.Printf("[SyncWS] room %s session %s write failed: %v", roomID, sess.ID(), err)
					return
				}
			case <-sess.Done():
				return
			}
		}
	}()

	for {
		mt, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		rm.HandleFrame(sess, data)
	}
}

// closePayload renders a close frame body: two-byte big-endian code plus the
// UTF-8 reason.
func closePayload(code int, reason string) []byte {
	payload := make([]byte, 2, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	return append(payload, reason...)
}
