package room

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/sebas/confbridge/internal/cberrors"
	"github.com/sebas/confbridge/internal/events"
	"github.com/sebas/confbridge/internal/media"
	"github.com/sebas/confbridge/internal/mserver"
)

// User is one participant: a named container of media sessions inside a
// room.
type User struct {
	ID     string
	Name   string
	RoomID string

	factory *media.Factory
	bus     *events.Bus

	mu       sync.RWMutex
	sessions map[string]*media.Session
}

// NewUser creates a participant bound to a room.
func NewUser(roomID, name string, factory *media.Factory, bus *events.Bus) *User {
	return &User{
		ID:       uuid.New().String(),
		Name:     name,
		RoomID:   roomID,
		factory:  factory,
		bus:      bus,
		sessions: make(map[string]*media.Session),
	}
}

// CreateSession builds and registers a new unstarted session for the
// user.
func (u *User) CreateSession(typ media.SessionType, profile mserver.Profile, opts media.Options) (*media.Session, error) {
	if opts.Name == "" {
		opts.Name = u.Name
	}
	session, err := u.factory.NewSession(u.RoomID, u.ID, typ, profile, opts)
	if err != nil {
		return nil, err
	}

	u.mu.Lock()
	u.sessions[session.ID] = session
	u.mu.Unlock()

	slog.Info("[User] Created session",
		"user_id", u.ID, "room_id", u.RoomID, "session_id", session.ID, "type", string(typ))
	return session, nil
}

// Session looks up one of the user's sessions.
func (u *User) Session(id string) (*media.Session, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	session, ok := u.sessions[id]
	if !ok {
		return nil, cberrors.WithMessage(cberrors.ErrMediaNotFound, "session %s not found for user %s", id, u.ID)
	}
	return session, nil
}

// Sessions returns a snapshot of the user's sessions.
func (u *User) Sessions() []*media.Session {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]*media.Session, 0, len(u.sessions))
	for _, session := range u.sessions {
		out = append(out, session)
	}
	return out
}

// RemoveSession stops and forgets one session.
func (u *User) RemoveSession(ctx context.Context, id string) error {
	u.mu.Lock()
	session, ok := u.sessions[id]
	delete(u.sessions, id)
	u.mu.Unlock()
	if !ok {
		return cberrors.WithMessage(cberrors.ErrMediaNotFound, "session %s not found for user %s", id, u.ID)
	}
	return session.Stop(ctx)
}

// Leave stops every session of the user and announces the departure.
func (u *User) Leave(ctx context.Context) error {
	u.mu.Lock()
	sessions := make([]*media.Session, 0, len(u.sessions))
	for _, session := range u.sessions {
		sessions = append(sessions, session)
	}
	u.sessions = make(map[string]*media.Session)
	u.mu.Unlock()

	var firstErr error
	for _, session := range sessions {
		if err := session.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	evt := events.New(events.UserLeft, u.RoomID)
	evt.RoomID, evt.UserID = u.RoomID, u.ID
	evt.Data = u.Name
	u.bus.Publish(evt)

	slog.Info("[User] Left", "user_id", u.ID, "room_id", u.RoomID, "sessions", len(sessions))
	return firstErr
}

// VideoSource returns a unit of the user that produces main video, used
// as the floor fallback when a requested unit carries none. Sibling
// units of the preferred session win over other sessions.
func (u *User) VideoSource(preferred *media.Session) *media.Unit {
	if preferred != nil {
		for _, unit := range preferred.Medias() {
			if unit.SendsVideo() {
				return unit
			}
		}
	}
	for _, session := range u.Sessions() {
		if preferred != nil && session.ID == preferred.ID {
			continue
		}
		for _, unit := range session.Medias() {
			if unit.SendsVideo() {
				return unit
			}
		}
	}
	return nil
}
