package clip

import (
	evbus "github.com/asaskevich/EventBus"
	"github.com/charmbracelet/log"
)

// Topics published by the Broker. Subscriber signatures are noted per
// topic; EventBus dispatches by reflection, so a mismatched handler is a
// subscribe-time error, not a publish-time one.
const (
	// TopicAdded fires when a record enters the registry. Handler:
	// func(AddedEvent).
	TopicAdded = "clip:added"
	// TopicRemoved fires when a record leaves the registry, including by
	// quota eviction. Handler: func(RemovedEvent).
	TopicRemoved = "clip:removed"
	// TopicState fires once per lifecycle transition. Handler:
	// func(StateEvent).
	TopicState = "clip:state"
	// TopicProgress fires as load progress advances. Handler:
	// func(ProgressEvent).
	TopicProgress = "clip:progress"
	// TopicStreamBegin, TopicStreamUpdate and TopicStreamComplete track
	// sink activity during a fetch. Handler: func(StreamEvent).
	TopicStreamBegin    = "clip:stream:begin"
	TopicStreamUpdate   = "clip:stream:update"
	TopicStreamComplete = "clip:stream:complete"
)

// AddedEvent announces a record entering the registry.
type AddedEvent struct {
	ID string
}

// RemovedEvent announces a record leaving the registry. Evicted is true
// when the removal was driven by the size quota rather than a caller.
type RemovedEvent struct {
	ID      string
	Evicted bool
}

// StateEvent announces one lifecycle transition.
type StateEvent struct {
	ID   string
	From State
	To   State
	Err  error // set on transitions into StateError and on cancellation
}

// ProgressEvent announces monotonically increasing load progress.
type ProgressEvent struct {
	ID       string
	Progress float64
}

// StreamEvent announces sink activity for an in-flight fetch.
type StreamEvent struct {
	ID       string
	Added    int64
	Expected int64
}

// Broker publishes lifecycle and progress notifications to subscribers.
// Delivery is synchronous on the orchestration goroutine; a panicking
// subscriber is recovered and logged so it cannot corrupt lifecycle state.
type Broker struct {
	bus evbus.Bus
}

// NewBroker creates an event broker with no subscribers.
func NewBroker() *Broker {
	return &Broker{bus: evbus.New()}
}

// Subscribe registers fn for a topic. fn's signature must match the
// topic's event type.
func (b *Broker) Subscribe(topic string, fn interface{}) error {
	return b.bus.Subscribe(topic, fn)
}

// Unsubscribe removes a previously registered handler.
func (b *Broker) Unsubscribe(topic string, fn interface{}) error {
	return b.bus.Unsubscribe(topic, fn)
}

func (b *Broker) publish(topic string, event interface{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Event subscriber panicked", "topic", topic, "panic", r)
		}
	}()
	b.bus.Publish(topic, event)
}
