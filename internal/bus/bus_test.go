package bus_test

import (
	"testing"
	"time"

	"github.com/openrounds/fieldsync/internal/bus"
)

func TestPublishSubscribe(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicQueueStateChanged)
	defer b.Unsubscribe(sub)

	b.Publish(bus.TopicQueueStateChanged, bus.QueueStateChangedEvent{
		OperationID: "op-1",
		OldStatus:   "pending",
		NewStatus:   "syncing",
	})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicQueueStateChanged {
			t.Fatalf("unexpected topic %s", ev.Topic)
		}
		payload, ok := ev.Payload.(bus.QueueStateChangedEvent)
		if !ok || payload.OperationID != "op-1" {
			t.Fatalf("unexpected payload %+v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPrefixMatching(t *testing.T) {
	b := bus.New()
	all := b.Subscribe("")
	queueOnly := b.Subscribe("queue.")
	defer b.Unsubscribe(all)
	defer b.Unsubscribe(queueOnly)

	b.Publish(bus.TopicConflictDetected, bus.ConflictDetectedEvent{ConflictID: "c1"})

	select {
	case <-all.Ch():
	case <-time.After(time.Second):
		t.Fatal("empty prefix must match every topic")
	}
	select {
	case ev := <-queueOnly.Ch():
		t.Fatalf("queue. subscriber must not see %s", ev.Topic)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatal("subscription not removed")
	}
	if _, open := <-sub.Ch(); open {
		t.Fatal("channel must be closed after unsubscribe")
	}
	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			b.Publish(bus.TopicSyncResult, i)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish must never block on a slow subscriber")
	}
}
