// Package room implements conference rooms: participant registries,
// the mixer attachment for MCU rooms, and floor arbitration for the
// conference video and content channels.
package room

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/sebas/confbridge/internal/cberrors"
	"github.com/sebas/confbridge/internal/events"
	"github.com/sebas/confbridge/internal/media"
)

// Room is one conference: its participants, strategy, optional mixer
// and the two floors.
type Room struct {
	ID   string
	Name string

	bus *events.Bus

	mu       sync.RWMutex
	users    map[string]*User
	strategy string
	mixer    *media.Session

	floors *floorState

	disconnectSub events.Subscription
}

// NewRoom creates an empty room and wires floor auto-release to media
// disconnections inside it.
func NewRoom(name string, bus *events.Bus) *Room {
	r := &Room{
		ID:     uuid.New().String(),
		Name:   name,
		bus:    bus,
		users:  make(map[string]*User),
		floors: newFloorState(),
	}
	r.disconnectSub = bus.Subscribe(events.MediaDisconnected, r.ID, func(evt events.Event) {
		r.onMediaDisconnected(evt)
	})

	evt := events.New(events.RoomCreated, r.ID)
	evt.RoomID = r.ID
	evt.Data = name
	bus.Publish(evt)

	slog.Info("[Room] Created", "room_id", r.ID, "name", name)
	return r
}

// AddUser registers a participant and announces the join.
func (r *Room) AddUser(user *User) {
	r.mu.Lock()
	r.users[user.ID] = user
	r.mu.Unlock()

	evt := events.New(events.UserJoined, r.ID)
	evt.RoomID, evt.UserID = r.ID, user.ID
	evt.Data = user.Name
	r.bus.Publish(evt)
}

// RemoveUser forgets a participant. Returns true when the room became
// empty.
func (r *Room) RemoveUser(userID string) bool {
	r.mu.Lock()
	delete(r.users, userID)
	empty := len(r.users) == 0
	r.mu.Unlock()

	if empty {
		evt := events.New(events.RoomEmpty, r.ID)
		evt.RoomID = r.ID
		r.bus.Publish(evt)
	}
	return empty
}

// User looks up a participant.
func (r *Room) User(id string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[id]
	if !ok {
		return nil, cberrors.WithMessage(cberrors.ErrUserNotFound, "user %s not found in room %s", id, r.ID)
	}
	return user, nil
}

// Users returns a snapshot of the participants.
func (r *Room) Users() []*User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*User, 0, len(r.users))
	for _, user := range r.users {
		out = append(out, user)
	}
	return out
}

// Empty reports whether the room has no participants.
func (r *Room) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users) == 0
}

// Strategy returns the room strategy.
func (r *Room) Strategy() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.strategy
}

// SetStrategy changes the room strategy and announces it.
func (r *Room) SetStrategy(strategy string) {
	r.mu.Lock()
	r.strategy = strategy
	r.mu.Unlock()

	evt := events.New(events.StrategyChanged, r.ID)
	evt.RoomID = r.ID
	evt.Data = strategy
	r.bus.Publish(evt)
}

// Mixer returns the MCU mixer session, if any.
func (r *Room) Mixer() *media.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mixer
}

// SetMixer attaches or clears the MCU mixer session.
func (r *Room) SetMixer(session *media.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mixer = session
}

// Close stops the mixer if present and detaches from the bus. User
// sessions are stopped by their owners before the room closes.
func (r *Room) Close(ctx context.Context) error {
	r.bus.Unsubscribe(r.disconnectSub)

	r.mu.Lock()
	mixer := r.mixer
	r.mixer = nil
	r.mu.Unlock()

	var err error
	if mixer != nil {
		err = mixer.Stop(ctx)
	}

	evt := events.New(events.RoomDestroyed, r.ID)
	evt.RoomID = r.ID
	evt.Data = r.Name
	r.bus.Publish(evt)

	slog.Info("[Room] Destroyed", "room_id", r.ID, "name", r.Name)
	return err
}

// onMediaDisconnected releases any floor held by the vanished unit and
// scrubs it from the promotion histories. Each floor is compared
// independently; one unit can hold both.
func (r *Room) onMediaDisconnected(evt events.Event) {
	if evt.MediaID == "" {
		return
	}
	released := r.floors.drop(evt.MediaID)
	for _, change := range released {
		r.publishFloorChange(change)
	}
}
