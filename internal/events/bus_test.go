package events

import (
	"testing"
	"time"
)

func TestSubscribeReceivesPublishedEvent(t *testing.T) {
	b := NewBus(10)
	_, ch, recent := b.Subscribe()
	if len(recent) != 0 {
		t.Fatalf("expected no recent events before any publish, got %v", recent)
	}

	b.Publish(Event{Type: EventRotate, Message: "rotating"})

	select {
	case e := <-ch:
		if e.Type != EventRotate || e.Message != "rotating" {
			t.Fatalf("received = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestSubscribeReturnsRecentHistoryInOrder(t *testing.T) {
	b := NewBus(10)
	b.Publish(Event{Type: EventRateLimit, Message: "first"})
	b.Publish(Event{Type: EventRecover, Message: "second"})

	_, _, recent := b.Subscribe()

	if len(recent) != 2 {
		t.Fatalf("recent = %+v, want 2 events", recent)
	}
	if recent[0].Message != "first" || recent[1].Message != "second" {
		t.Fatalf("recent out of order: %+v", recent)
	}
}

func TestRingBufferWrapsAroundAtCapacity(t *testing.T) {
	b := NewBus(3)
	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: EventRequest, Message: string(rune('a' + i))})
	}

	_, _, recent := b.Subscribe()

	if len(recent) != 3 {
		t.Fatalf("recent = %+v, want 3 events (ring size)", recent)
	}
	if recent[0].Message != "c" || recent[1].Message != "d" || recent[2].Message != "e" {
		t.Fatalf("expected the 3 most recent events in order, got %+v", recent)
	}
}

func TestPublishSetsTimestampWhenZero(t *testing.T) {
	b := NewBus(5)
	b.Publish(Event{Type: EventExhausted, Message: "no accounts"})

	_, _, recent := b.Subscribe()
	if len(recent) != 1 || recent[0].Timestamp.IsZero() {
		t.Fatalf("expected a non-zero timestamp to be stamped in, got %+v", recent)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus(5)
	id, ch, _ := b.Subscribe()

	b.Unsubscribe(id)

	b.Publish(Event{Type: EventRotate, Message: "after unsubscribe"})

	_, ok := <-ch
	if ok {
		t.Fatal("expected channel to be closed after Unsubscribe")
	}
}

func TestNewBusDefaultsRingSizeWhenNonPositive(t *testing.T) {
	b := NewBus(0)
	if b.ringSize != 200 {
		t.Fatalf("ringSize = %d, want default 200", b.ringSize)
	}
}
