package events

import (
	"testing"
)

func TestPublishKeyedDelivery(t *testing.T) {
	bus := NewBus()

	var got []string
	bus.Subscribe(UserJoined, "room-1", func(evt Event) {
		got = append(got, evt.Identifier)
	})

	evt := New(UserJoined, "room-1")
	bus.Publish(evt)

	other := New(UserJoined, "room-2")
	bus.Publish(other)

	if len(got) != 1 || got[0] != "room-1" {
		t.Errorf("keyed subscriber got %v, want exactly room-1", got)
	}
}

func TestPublishWildcard(t *testing.T) {
	bus := NewBus()

	count := 0
	bus.Subscribe(MediaNegotiated, WildcardIdentifier, func(Event) { count++ })

	bus.Publish(New(MediaNegotiated, "session-a"))
	bus.Publish(New(MediaNegotiated, "session-b"))
	bus.Publish(New(MediaMuted, "session-a"))

	if count != 2 {
		t.Errorf("wildcard subscriber got %d events, want 2", count)
	}
}

func TestPublishRoomScopedSlot(t *testing.T) {
	bus := NewBus()

	count := 0
	bus.Subscribe(MediaDisconnected, "room-9", func(Event) { count++ })

	// Event keyed by media ID but stamped with the room.
	evt := New(MediaDisconnected, "media-1")
	evt.RoomID = "room-9"
	bus.Publish(evt)

	if count != 1 {
		t.Errorf("room-scoped subscriber got %d events, want 1", count)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()

	count := 0
	sub := bus.Subscribe(RoomCreated, "r", func(Event) { count++ })
	bus.Publish(New(RoomCreated, "r"))
	bus.Unsubscribe(sub)
	bus.Publish(New(RoomCreated, "r"))

	if count != 1 {
		t.Errorf("got %d events after unsubscribe, want 1", count)
	}
}

func TestUnsubscribeIdentifier(t *testing.T) {
	bus := NewBus()

	count := 0
	bus.Subscribe(UserJoined, "room-1", func(Event) { count++ })
	bus.Subscribe(UserLeft, "room-1", func(Event) { count++ })
	bus.Subscribe(UserJoined, "room-2", func(Event) { count++ })

	bus.UnsubscribeIdentifier("room-1")

	bus.Publish(New(UserJoined, "room-1"))
	bus.Publish(New(UserLeft, "room-1"))
	bus.Publish(New(UserJoined, "room-2"))

	if count != 1 {
		t.Errorf("got %d events, want only room-2's 1", count)
	}
}

func TestSubjectFormat(t *testing.T) {
	evt := New(ContentFloorChanged, "room-7")
	if got, want := evt.Subject(), "confbridge.floor.content.changed.room-7"; got != want {
		t.Errorf("Subject() = %q, want %q", got, want)
	}
}
