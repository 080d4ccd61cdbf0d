package api

import (
	"testing"
	"time"

	"merchapi/internal/model"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	sid := "cs_1"
	ch := b.Subscribe(sid)

	evt := model.StatusEvent{Status: model.StatusPaid, UpdatedAt: time.Now().UTC()}
	b.Publish(sid, evt)

	select {
	case got := <-ch:
		if got.Status != model.StatusPaid {
			t.Fatalf("got status %s, want paid", got.Status)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}

	b.Unsubscribe(sid, ch)
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("channel should be closed after unsubscribe")
		}
	case <-time.After(50 * time.Millisecond):
		// acceptable if already drained and closed
	}
}

func TestBrokerPublishIsScopedToSession(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("cs_a")
	defer b.Unsubscribe("cs_a", ch)

	b.Publish("cs_b", model.StatusEvent{Status: model.StatusShipped})

	select {
	case evt := <-ch:
		t.Fatalf("leaked event to other session: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("cs_slow")
	defer b.Unsubscribe("cs_slow", ch)

	// Channel buffer is 8; publishing past it must not deadlock.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 32; i++ {
			b.Publish("cs_slow", model.StatusEvent{Status: model.StatusProcessing})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}
