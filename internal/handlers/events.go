package handlers

import (
	"encoding/json"
	"log"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/codebuildervaibhav/voicevault/internal/notify"
)

// EventsHandler exposes the notification feed: a WebSocket stream for
// live consumers and a polling endpoint with ?since=seq catch-up
type EventsHandler struct {
	bus *notify.Bus
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(bus *notify.Bus) *EventsHandler {
	return &EventsHandler{bus: bus}
}

// Poll returns buffered events after the given sequence number
func (h *EventsHandler) Poll(c *fiber.Ctx) error {
	since, _ := strconv.ParseInt(c.Query("since", "0"), 10, 64)
	events := h.bus.Since(since)
	if events == nil {
		events = []notify.Event{}
	}
	return c.JSON(fiber.Map{"events": events})
}

// Stream pushes events over a WebSocket connection. The client may pass
// ?since=seq to replay buffered events before the live stream begins.
func (h *EventsHandler) Stream(c *websocket.Conn) {
	defer c.Close()

	since, _ := strconv.ParseInt(c.Query("since", "0"), 10, 64)

	live, cancel := h.bus.Subscribe()
	defer cancel()

	// Replay the backlog first so the client never misses buffered
	// events published before the subscription
	last := since
	for _, event := range h.bus.Since(since) {
		if err := writeEvent(c, event); err != nil {
			return
		}
		last = event.Seq
	}

	for event := range live {
		if event.Seq <= last {
			continue
		}
		if err := writeEvent(c, event); err != nil {
			return
		}
	}
}

func writeEvent(c *websocket.Conn, event notify.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("Failed to encode event %d: %v", event.Seq, err)
		return nil
	}
	return c.WriteMessage(websocket.TextMessage, payload)
}
