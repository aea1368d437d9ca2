package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conversation.", 10)
	defer unsub()

	b.Publish(Event{Kind: "conversation.preview", Timestamp: time.Now(), Payload: PreviewUpdate{ConversationID: 42}})

	select {
	case evt := <-ch:
		if evt.Kind != "conversation.preview" {
			t.Errorf("got kind %q, want conversation.preview", evt.Kind)
		}
		update, ok := evt.Payload.(PreviewUpdate)
		if !ok || update.ConversationID != 42 {
			t.Errorf("payload = %#v, want PreviewUpdate for conversation 42", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Publish(Event{Kind: "conversation.preview"})
	b.Publish(Event{Kind: "message.upserted"})

	select {
	case evt := <-ch:
		if evt.Kind != "message.upserted" {
			t.Errorf("got kind %q, want message.upserted", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure conversation event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conversation.", 10)
	unsub()

	b.Publish(Event{Kind: "conversation.preview"})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	// Fill buffer.
	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}

// A stalled subscriber must not prevent delivery to the others.
func TestSlowSubscriberIsolation(t *testing.T) {
	b := New()
	stalled, unsubStalled := b.Subscribe("conversation.", 0)
	defer unsubStalled()
	_ = stalled // never drained

	healthy, unsub := b.Subscribe("conversation.", 10)
	defer unsub()

	b.Publish(Event{Kind: "conversation.preview"})

	select {
	case evt := <-healthy:
		if evt.Kind != "conversation.preview" {
			t.Errorf("got kind %q, want conversation.preview", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("healthy subscriber starved by stalled one")
	}
}
