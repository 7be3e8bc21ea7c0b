// Package realtime pushes chat events to connected clients. Delivery is
// best effort and at most once: failures are logged and counted, never
// returned to the caller that triggered the event.
package realtime

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"petlify/api/internal/auth"
	"petlify/api/internal/chat"
	"petlify/api/internal/metrics"
	"petlify/api/internal/store"
)

const (
	EventNewMessage = "chat:newMessage"
	EventNotify     = "chat:notify"
)

func UserRoom(email string) string {
	return "user:" + auth.NormalizeEmail(email)
}

func ThreadRoom(threadID string) string {
	return "thread:" + threadID
}

// Emitter broadcasts to a room of locally connected sessions.
type Emitter interface {
	BroadcastToRoom(room, event string, payload any) bool
}

// Event is the envelope carried between instances.
type Event struct {
	Room    string          `json:"room"`
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Bus fans events out to every instance, this one included.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
}

type Hub struct {
	emitter Emitter
	bus     Bus
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewHub returns a hub that emits locally. With a non-nil bus, events go
// through the bus and come back through Deliver on every instance.
func NewHub(emitter Emitter, bus Bus, m *metrics.Metrics, log zerolog.Logger) *Hub {
	return &Hub{
		emitter: emitter,
		bus:     bus,
		metrics: m,
		log:     log.With().Str("component", "realtime").Logger(),
	}
}

var _ chat.Notifier = (*Hub)(nil)

func (h *Hub) NewMessage(ctx context.Context, msg store.Message) {
	h.publish(ctx, ThreadRoom(msg.ThreadID), EventNewMessage, msg)
}

func (h *Hub) Notify(ctx context.Context, email string, n chat.Notification) {
	h.publish(ctx, UserRoom(email), EventNotify, n)
}

func (h *Hub) publish(ctx context.Context, room, name string, payload any) {
	if h.bus == nil {
		h.emit(room, name, payload)
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		h.metrics.DeliveryFailed("encode")
		h.log.Error().Err(err).Str("event", name).Msg("encode event")
		return
	}
	if err := h.bus.Publish(ctx, Event{Room: room, Name: name, Payload: raw}); err != nil {
		// the bus is down; at least reach sessions on this instance
		h.metrics.DeliveryFailed("publish")
		h.log.Warn().Err(err).Str("room", room).Str("event", name).Msg("publish event, delivering locally")
		h.emit(room, name, json.RawMessage(raw))
	}
}

// Deliver emits an event received from the bus to local sessions.
func (h *Hub) Deliver(ev Event) {
	if ev.Room == "" || ev.Name == "" {
		h.metrics.DeliveryFailed("decode")
		h.log.Warn().Str("room", ev.Room).Str("event", ev.Name).Msg("drop malformed event")
		return
	}
	h.emit(ev.Room, ev.Name, ev.Payload)
}

func (h *Hub) emit(room, name string, payload any) {
	if h.emitter == nil {
		return
	}
	h.emitter.BroadcastToRoom(room, name, payload)
	h.metrics.EventEmitted(name)
	h.log.Debug().Str("room", room).Str("event", name).Msg("event emitted")
}
