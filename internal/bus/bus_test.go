package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	b.Publish(Event{Kind: "conn.state_changed", Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != "conn.state_changed" {
			t.Errorf("got kind %q, want conn.state_changed", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("gw.", 10)
	defer unsub()

	b.Publish(Event{Kind: "conn.state_changed"})
	b.Publish(Event{Kind: "gw.message"})

	select {
	case evt := <-ch:
		if evt.Kind != "gw.message" {
			t.Errorf("got kind %q, want gw.message", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure conn event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("net.", 10)
	unsub()

	b.Publish(Event{Kind: "net.online"})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: nothing delivered.
	}
}

func TestFullSubscriberDoesNotBlock(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe("gw.", 1)
	defer unsub()

	// Second publish would block a synchronous bus; ours drops instead.
	done := make(chan struct{})
	go func() {
		b.Publish(Event{Kind: "gw.message"})
		b.Publish(Event{Kind: "gw.message"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}
