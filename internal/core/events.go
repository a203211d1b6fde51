package core

import "sync"

// EventType identifies the kind of event fired on the bus.
type EventType int

const (
	EventSessionStateChanged EventType = iota
	EventChannelStateChanged
	EventConfigReloaded
	EventPacketDropped
)

// Event carries data about something that happened in the system.
type Event struct {
	Type    EventType
	Payload any
}

// SessionStatePayload is the payload for EventSessionStateChanged.
type SessionStatePayload struct {
	SessionID uint64
	OldState  SessionState
	NewState  SessionState
}

// ChannelStatePayload is the payload for EventChannelStateChanged.
type ChannelStatePayload struct {
	ChannelID string
	OldState  ChannelState
	NewState  ChannelState
}

// PacketDropPayload is the payload for EventPacketDropped, used by the
// bounded de-duplicated reporter described in spec.md §7.
type PacketDropPayload struct {
	Reason ErrorCode
	Count  int
}

// Handler is a callback for bus subscribers.
type Handler func(Event)

// EventBus provides pub/sub between system components. The client Session
// publishes its state transitions here and the config managers publish
// reloads; subscribers register per event type.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEventBus creates a ready-to-use event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for a given event type.
func (eb *EventBus) Subscribe(t EventType, h Handler) {
	eb.mu.Lock()
	eb.handlers[t] = append(eb.handlers[t], h)
	eb.mu.Unlock()
}

// Publish fires an event to all subscribed handlers synchronously.
func (eb *EventBus) Publish(e Event) {
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// PublishAsync fires an event to all subscribed handlers in goroutines.
func (eb *EventBus) PublishAsync(e Event) {
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()

	for _, h := range handlers {
		go h(e)
	}
}
