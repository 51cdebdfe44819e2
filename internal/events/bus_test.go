package events

import "testing"

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(TopicLockState, 1)

	b.Publish(Event{Topic: TopicLockState, Payload: LockStateChanged{Locked: true}})

	evt := <-ch
	change, ok := evt.Payload.(LockStateChanged)
	if !ok || !change.Locked {
		t.Fatalf("got %+v, want LockStateChanged{Locked:true}", evt.Payload)
	}
}

func TestPublishDropsWhenSubscriberSaturated(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(TopicAudit, 1)

	b.Publish(Event{Topic: TopicAudit, Payload: AuditEvent{Kind: "first"}})
	b.Publish(Event{Topic: TopicAudit, Payload: AuditEvent{Kind: "second"}})

	evt := <-ch
	first, ok := evt.Payload.(AuditEvent)
	if !ok || first.Kind != "first" {
		t.Fatalf("got %+v, want first event to survive", evt.Payload)
	}
	select {
	case <-ch:
		t.Fatal("expected second event to be dropped, buffer was saturated")
	default:
	}
}

func TestPublishIgnoresOtherTopics(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(TopicLockState, 1)

	b.Publish(Event{Topic: TopicAudit, Payload: AuditEvent{Kind: "unrelated"}})

	select {
	case evt := <-ch:
		t.Fatalf("unexpected delivery on unrelated topic: %+v", evt)
	default:
	}
}

func TestCloseClosesSubscriberChannels(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(TopicLockState, 1)

	b.Close()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed")
	}
}

func TestSubscribeAfterCloseReturnsClosedChannel(t *testing.T) {
	b := NewBus()
	b.Close()

	ch := b.Subscribe(TopicLockState, 1)
	if _, ok := <-ch; ok {
		t.Fatal("expected a subscribe after close to return an already-closed channel")
	}
}

func TestPublishAfterCloseIsNoOp(t *testing.T) {
	b := NewBus()
	b.Close()
	b.Publish(Event{Topic: TopicLockState, Payload: LockStateChanged{Locked: false}})
}
