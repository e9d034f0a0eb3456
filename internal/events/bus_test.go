package events

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	b.Emit(SourceWorkflow, KindTaskCreated, map[string]any{"task_id": "t-1"})

	select {
	case e := <-ch:
		if e.Source != SourceWorkflow || e.Kind != KindTaskCreated {
			t.Errorf("event = %+v", e)
		}
		if e.Data["task_id"] != "t-1" {
			t.Errorf("data = %v", e.Data)
		}
		if e.Timestamp.IsZero() {
			t.Error("Emit left timestamp zero")
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestNilBusSafe(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceBus, Kind: KindConnected})
	b.Emit(SourceBus, KindConnected, nil)
	if b.SubscriberCount() != 0 {
		t.Error("nil bus SubscriberCount != 0")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Emit(SourceCoder, KindScanWindow, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on full subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)

	if _, open := <-ch; open {
		t.Error("channel still open after Unsubscribe")
	}
	// Second unsubscribe is a no-op.
	b.Unsubscribe(ch)
}

func TestMultipleSubscribers(t *testing.T) {
	b := New()
	a := b.Subscribe(2)
	c := b.Subscribe(2)
	defer b.Unsubscribe(a)
	defer b.Unsubscribe(c)

	if b.SubscriberCount() != 2 {
		t.Errorf("SubscriberCount() = %d", b.SubscriberCount())
	}

	b.Emit(SourceMotion, KindMoveDone, nil)

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Kind != KindMoveDone {
				t.Errorf("kind = %q", e.Kind)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber missed broadcast")
		}
	}
}
