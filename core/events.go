package core

import (
	"sync"
	"time"
)

// EventType identifies the kind of event flowing through the engine.
type EventType string

const (
	EventDiscovery            EventType = "discovery"
	EventCollaborationRequest EventType = "collaboration-request"
	EventStatusChange         EventType = "status-change"
	EventError                EventType = "error"
	EventCycleCompleted       EventType = "cycle-completed"
	EventBotRegistered        EventType = "bot-registered"
	EventOperationsStarted    EventType = "operations-started"
	EventOperationsStopped    EventType = "operations-stopped"
	EventBotError             EventType = "bot-error"
	EventBotHealingFailed     EventType = "bot-healing-failed"
	EventDeepWhisperScan      EventType = "deep-whisper-scan"
)

// Event is a single engine event. Every event carries the originating agent
// id and a timestamp; type-specific data rides in Payload.
type Event struct {
	Type      EventType              `json:"type"`
	AgentID   string                 `json:"agent_id"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// EventHandler receives events published on a Bus.
type EventHandler func(Event)

// Bus is a synchronous observer bus. Handlers run on the publishing
// goroutine, one after another, so delivery is strictly sequential - the
// same guarantee the engine's serialized event loop relies on. Handlers
// must not publish back into the same bus from within a callback while
// holding agent locks; publishers therefore always emit after releasing
// their own locks.
type Bus struct {
	mu       sync.Mutex
	handlers []EventHandler
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for every subsequent event.
func (b *Bus) Subscribe(h EventHandler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers the event to all handlers in subscription order.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	handlers := make([]EventHandler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}
