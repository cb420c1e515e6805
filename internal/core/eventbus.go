package core

import "sync"

// EventType defines the type of event being published.
type EventType string

const (
	BackendConnectedEvent    EventType = "BackendConnected"
	BackendDisconnectedEvent EventType = "BackendDisconnected"
	QueueChangedEvent        EventType = "QueueChanged"
	FrameReceivedEvent       EventType = "FrameReceived"
	FeedbackReceivedEvent    EventType = "FeedbackReceived"
	PlotReceivedEvent        EventType = "PlotReceived"
	ModelLoadedEvent         EventType = "ModelLoaded"
	BackendErrorEvent        EventType = "BackendError"
	SettingsChangedEvent     EventType = "SettingsChanged"
	ScriptChangedEvent       EventType = "ScriptChanged"
	RecordingProgressEvent   EventType = "RecordingProgress"
)

// AllEvents lists every event type, for subscribers that forward everything.
var AllEvents = []EventType{
	BackendConnectedEvent,
	BackendDisconnectedEvent,
	QueueChangedEvent,
	FrameReceivedEvent,
	FeedbackReceivedEvent,
	PlotReceivedEvent,
	ModelLoadedEvent,
	BackendErrorEvent,
	SettingsChangedEvent,
	ScriptChangedEvent,
	RecordingProgressEvent,
}

// Event is the envelope for all system events.
type Event struct {
	Type    EventType   `json:"type"`
	Payload interface{} `json:"payload"`
}

// Subscriber is a channel that receives events.
type Subscriber chan Event

// EventBus handles pub/sub messaging for the application.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	bufferSize  int
}

// NewEventBus creates a new EventBus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		bufferSize:  100,
	}
}

// Subscribe returns a channel that receives events of the given types.
func (eb *EventBus) Subscribe(eventTypes ...EventType) Subscriber {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	// Buffered so publishers never block on a slow consumer
	ch := make(Subscriber, eb.bufferSize)
	for _, t := range eventTypes {
		eb.subscribers[t] = append(eb.subscribers[t], ch)
	}
	return ch
}

// Unsubscribe removes a subscriber channel.
func (eb *EventBus) Unsubscribe(ch Subscriber, eventTypes ...EventType) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for _, t := range eventTypes {
		subs := eb.subscribers[t]
		for i, sub := range subs {
			if sub == ch {
				eb.subscribers[t] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Publish distributes an event to all active subscribers for its type.
// A subscriber whose buffer is full misses the event.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, sub := range eb.subscribers[event.Type] {
		select {
		case sub <- event:
		default:
		}
	}
}

// Emit is shorthand for publishing a typed event.
func (eb *EventBus) Emit(t EventType, payload interface{}) {
	eb.Publish(Event{Type: t, Payload: payload})
}
