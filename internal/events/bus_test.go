package events

import "testing"

func TestSubscribeAndPublish(t *testing.T) {
	bus := New()
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(Event{Type: SessionCreated, SessionID: "sess_1"})

	select {
	case got := <-ch:
		if got.Type != SessionCreated || got.SessionID != "sess_1" {
			t.Fatalf("unexpected event: %+v", got)
		}
	default:
		t.Fatal("expected event")
	}
}

func TestCancelClosesChannel(t *testing.T) {
	bus := New()
	ch, cancel := bus.Subscribe()
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	// Publishing after cancel must not panic.
	bus.Publish(Event{Type: SessionClosed})
}

func TestPublishDropsWhenFull(t *testing.T) {
	bus := New()
	bus.depth = 1
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(Event{Type: SessionCreated, SessionID: "a"})
	bus.Publish(Event{Type: SessionCreated, SessionID: "b"})

	got := <-ch
	if got.SessionID != "a" {
		t.Fatalf("SessionID = %q, want a", got.SessionID)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected event %+v", extra)
	default:
	}
}

func TestNilBus(t *testing.T) {
	var bus *Bus
	bus.Publish(Event{Type: SessionCreated})
	ch, cancel := bus.Subscribe()
	cancel()
	if ch != nil {
		t.Fatal("expected nil channel from nil bus")
	}
}
