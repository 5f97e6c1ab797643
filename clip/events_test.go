package clip

import "testing"

func TestBroker_PublishSubscribe(t *testing.T) {
	broker := NewBroker()

	var got []StateEvent
	err := broker.Subscribe(TopicState, func(e StateEvent) { got = append(got, e) })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	broker.publish(TopicState, StateEvent{ID: "a", From: StateUnloaded, To: StatePreparing})
	broker.publish(TopicState, StateEvent{ID: "a", From: StatePreparing, To: StateLoaded})

	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].To != StatePreparing || got[1].To != StateLoaded {
		t.Errorf("events out of order: %+v", got)
	}
}

func TestBroker_TopicsAreIndependent(t *testing.T) {
	broker := NewBroker()

	stateEvents := 0
	if err := broker.Subscribe(TopicState, func(StateEvent) { stateEvents++ }); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	broker.publish(TopicAdded, AddedEvent{ID: "a"})
	broker.publish(TopicRemoved, RemovedEvent{ID: "a"})

	if stateEvents != 0 {
		t.Errorf("state subscriber received %d events from other topics", stateEvents)
	}
}

func TestBroker_PanickingSubscriberIsContained(t *testing.T) {
	broker := NewBroker()

	if err := broker.Subscribe(TopicAdded, func(AddedEvent) { panic("boom") }); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Must not propagate into the publisher.
	broker.publish(TopicAdded, AddedEvent{ID: "a"})
}

func TestBroker_Unsubscribe(t *testing.T) {
	broker := NewBroker()

	calls := 0
	handler := func(AddedEvent) { calls++ }
	if err := broker.Subscribe(TopicAdded, handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	broker.publish(TopicAdded, AddedEvent{ID: "a"})

	if err := broker.Unsubscribe(TopicAdded, handler); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	broker.publish(TopicAdded, AddedEvent{ID: "b"})

	if calls != 1 {
		t.Errorf("handler called %d times, want 1", calls)
	}
}
