package handler

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"collab-backend/internal/presence"
	"collab-backend/internal/room"
)

// StatusHandler exposes operational counters for monitoring. Not part of the
// sync protocol.
type StatusHandler struct {
	registry *room.Registry
}

func NewStatusHandler(registry *room.Registry) *StatusHandler {
	return &StatusHandler{registry: registry}
}

// StatusResponse is the introspection payload.
type StatusResponse struct {
	Connections   int     `json:"connections"`
	ActiveRooms   int     `json:"active_rooms"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Uptime        string  `json:"uptime"`
}

// Status returns connection count, active room count and process uptime.
func (h *StatusHandler) Status(c *fiber.Ctx) error {
	uptime := h.registry.Uptime()
	return c.JSON(StatusResponse{
		Connections:   h.registry.ConnectionCount(),
		ActiveRooms:   h.registry.RoomCount(),
		UptimeSeconds: uptime.Seconds(),
		Uptime:        uptime.String(),
	})
}

// RoomStatusResponse describes one room on this instance and, when the
// occupancy mirror is configured, which instance hosts it cluster-wide.
type RoomStatusResponse struct {
	RoomID   string              `json:"room_id"`
	Resident bool                `json:"resident"`
	Members  int                 `json:"members"`
	Cluster  *presence.Occupancy `json:"cluster,omitempty"`
}

// RoomStatus reports a single room's occupancy. The lookup never creates the
// room, so probing an idle roomID stays free.
func (h *StatusHandler) RoomStatus(c *fiber.Ctx) error {
	roomID := c.Params("roomId")
	resp := RoomStatusResponse{RoomID: roomID}

	if r, ok := h.registry.Lookup(roomID); ok {
		resp.Resident = true
		resp.Members = r.Members()
	}
	if mirror := h.registry.Mirror(); mirror != nil {
		occ, err := mirror.GetOccupancy(c.UserContext(), roomID)
		if err != nil {
			log.Printf("[Status] occupancy lookup for room %s failed: %v", roomID, err)
		} else if occ != nil {
			resp.Cluster = occ
		}
	}
	return c.JSON(resp)
}
