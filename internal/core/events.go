package core

import (
	"net/netip"
	"sync"
)

// EventType identifies the kind of event fired on the bus.
type EventType int

const (
	EventConfigReloaded EventType = iota
	EventRouteLearned
	EventRouteUpdated
	EventRelayOpened
	EventRelayClosed
	EventNATBinding
)

func (t EventType) String() string {
	switch t {
	case EventConfigReloaded:
		return "config_reloaded"
	case EventRouteLearned:
		return "route_learned"
	case EventRouteUpdated:
		return "route_updated"
	case EventRelayOpened:
		return "relay_opened"
	case EventRelayClosed:
		return "relay_closed"
	case EventNATBinding:
		return "nat_binding"
	default:
		return "unknown"
	}
}

// Event carries data about something that happened in the router.
type Event struct {
	Type    EventType
	Payload any
}

// RoutePayload is the payload for EventRouteLearned / EventRouteUpdated.
type RoutePayload struct {
	Dest    netip.Addr
	Netmask netip.Addr
	Gateway netip.Addr
	Metric  int
}

// RelayPayload is the payload for relay lifecycle events.
type RelayPayload struct {
	ID     string
	Key    string
	Remote netip.AddrPort
	Via    string // dialer name: "direct" or "socks5"
	Err    error  // set on EventRelayClosed when the relay failed
}

// NATPayload is the payload for EventNATBinding.
type NATPayload struct {
	Internal netip.AddrPort
	External netip.AddrPort
	Protocol uint8
}

// Handler is a callback for bus subscribers.
type Handler func(Event)

// EventBus provides pub/sub between router components.
// A nil *EventBus is valid and drops every event.
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
// Handlers run on the publisher's goroutine and must not block.
func (eb *EventBus) Publish(e Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}
