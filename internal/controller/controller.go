// Package controller is the orchestration façade: every client-visible
// operation enters here. It owns the flat lookup indexes beside the
// room/user/session tree, the MCU mixer lifecycle, and room teardown.
package controller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/confbridge/internal/cberrors"
	"github.com/sebas/confbridge/internal/events"
	"github.com/sebas/confbridge/internal/media"
	"github.com/sebas/confbridge/internal/metrics"
	"github.com/sebas/confbridge/internal/mserver"
	"github.com/sebas/confbridge/internal/room"
)

// Controller is the conference orchestrator.
type Controller struct {
	bus     *events.Bus
	adapter media.Adapter
	factory *media.Factory

	mu            sync.RWMutex
	rooms         map[string]*room.Room
	roomsByName   map[string]*room.Room
	users         map[string]*room.User
	sessions      map[string]*media.Session
	units         map[string]*media.Unit
	subscriptions map[string]string // subscriber session -> source session
	mcuSessions   map[string]bool   // sessions participating in the room mixer

	emptySub   events.Subscription
	offlineSub events.Subscription
}

// Config tunes controller behavior.
type Config struct {
	DTMFTimeout    time.Duration
	DTMFCodeLength int
}

// New creates a controller over an adapter and bus.
func New(adapter media.Adapter, bus *events.Bus, cfg Config) *Controller {
	c := &Controller{
		bus:           bus,
		adapter:       adapter,
		rooms:         make(map[string]*room.Room),
		roomsByName:   make(map[string]*room.Room),
		users:         make(map[string]*room.User),
		sessions:      make(map[string]*media.Session),
		units:         make(map[string]*media.Unit),
		subscriptions: make(map[string]string),
		mcuSessions:   make(map[string]bool),
	}
	c.factory = &media.Factory{
		Adapter:        adapter,
		Bus:            bus,
		Commands:       c,
		DTMFTimeout:    cfg.DTMFTimeout,
		DTMFCodeLength: cfg.DTMFCodeLength,
	}

	c.emptySub = bus.Subscribe(events.RoomEmpty, events.WildcardIdentifier, func(evt events.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.DestroyRoom(ctx, evt.RoomID); err != nil {
			slog.Warn("[Controller] Failed to destroy empty room", "room_id", evt.RoomID, "error", err)
		}
	})
	c.offlineSub = bus.Subscribe(events.MediaServerOffline, events.WildcardIdentifier, func(evt events.Event) {
		c.onHostOffline(evt.Identifier)
	})

	return c
}

// Close detaches the controller from the bus.
func (c *Controller) Close() {
	c.bus.Unsubscribe(c.emptySub)
	c.bus.Unsubscribe(c.offlineSub)
}

// Join adds a user to the named room, creating the room on first join.
func (c *Controller) Join(ctx context.Context, roomName, userName string) (roomID, userID string, err error) {
	c.mu.Lock()
	r, ok := c.roomsByName[roomName]
	if !ok {
		r = room.NewRoom(roomName, c.bus)
		c.rooms[r.ID] = r
		c.roomsByName[roomName] = r
		metrics.RoomsActive.Inc()
	}
	user := room.NewUser(r.ID, userName, c.factory, c.bus)
	c.users[user.ID] = user
	c.mu.Unlock()

	r.AddUser(user)
	metrics.UsersActive.Inc()

	slog.Info("[Controller] User joined", "room_id", r.ID, "user_id", user.ID, "name", userName)
	return r.ID, user.ID, nil
}

// Leave removes a user from its room, stopping every session. The last
// leave destroys the room through the ROOM_EMPTY event. Leaving a room
// or user that is already gone is a no-op, so retries and racing
// disconnect paths stay safe.
func (c *Controller) Leave(ctx context.Context, roomID, userID string) error {
	r, err := c.Room(roomID)
	if err != nil {
		slog.Warn("[Controller] Leave on unknown room", "room_id", roomID, "user_id", userID)
		return nil
	}
	user, err := r.User(userID)
	if err != nil {
		slog.Warn("[Controller] Leave on unknown user", "room_id", roomID, "user_id", userID)
		return nil
	}

	for _, session := range user.Sessions() {
		c.deindexSession(session)
		c.dropMCUSession(ctx, r, session)
	}

	leaveErr := user.Leave(ctx)

	c.mu.Lock()
	delete(c.users, userID)
	c.mu.Unlock()
	metrics.UsersActive.Dec()

	r.RemoveUser(userID)
	return leaveErr
}

// DestroyRoom tears a room down: remaining users are forced out, the
// mixer stopped, and every room-scoped subscription dropped.
func (c *Controller) DestroyRoom(ctx context.Context, roomID string) error {
	c.mu.Lock()
	r, ok := c.rooms[roomID]
	if !ok {
		c.mu.Unlock()
		return cberrors.WithMessage(cberrors.ErrRoomNotFound, "room %s not found", roomID)
	}
	delete(c.rooms, roomID)
	delete(c.roomsByName, r.Name)
	c.mu.Unlock()

	for _, user := range r.Users() {
		for _, session := range user.Sessions() {
			c.deindexSession(session)
		}
		if err := user.Leave(ctx); err != nil {
			slog.Warn("[Controller] Failed to stop user on room destroy",
				"room_id", roomID, "user_id", user.ID, "error", err)
		}
		c.mu.Lock()
		delete(c.users, user.ID)
		c.mu.Unlock()
		metrics.UsersActive.Dec()
	}

	err := r.Close(ctx)
	c.bus.UnsubscribeIdentifier(roomID)
	metrics.RoomsActive.Dec()
	return err
}

// Publish negotiates an outbound session for a user. An empty offer
// asks the backend to generate one instead. MCU publishers additionally
// join the room mixer.
func (c *Controller) Publish(ctx context.Context, roomID, userID, typeName string, profileName, offer string, opts media.Options) (string, string, error) {
	r, err := c.Room(roomID)
	if err != nil {
		return "", "", err
	}
	user, err := r.User(userID)
	if err != nil {
		return "", "", err
	}

	typ, err := media.ParseSessionType(typeName)
	if err != nil {
		return "", "", cberrors.Wrap(cberrors.ErrMediaInvalidType, err, "")
	}
	profile, err := mserver.ParseProfile(profileName)
	if err != nil {
		return "", "", cberrors.Wrap(cberrors.ErrMediaInvalidType, err, "")
	}

	// A client publishing "MCU" gets a WebRTC leg into the room mixer;
	// the mixer element itself is a room-owned session.
	mcu := typ == media.SessionMCU
	if mcu {
		typ = media.SessionWebRTC
	}

	session, err := user.CreateSession(typ, profile, opts)
	if err != nil {
		return "", "", err
	}
	session.SetRemoteDescriptor(offer)

	answer, err := session.Process(ctx)
	if err != nil {
		stopErr := session.Stop(ctx)
		if stopErr != nil {
			slog.Warn("[Controller] Failed to stop session after negotiation error",
				"session_id", session.ID, "error", stopErr)
		}
		return "", "", err
	}
	c.indexSession(session)
	metrics.SessionsActive.WithLabelValues(string(typ)).Inc()

	if mcu {
		if err := c.joinMixer(ctx, r, session); err != nil {
			return "", "", err
		}
	}

	evt := events.New(events.MediaConnected, session.ID)
	evt.RoomID, evt.UserID = roomID, userID
	evt.Data = session.Name
	c.bus.Publish(evt)

	return session.ID, answer, nil
}

// Unpublish stops a published session.
func (c *Controller) Unpublish(ctx context.Context, sessionID string) error {
	session, err := c.Session(sessionID)
	if err != nil {
		return err
	}
	if r, roomErr := c.Room(session.RoomID); roomErr == nil {
		c.dropMCUSession(ctx, r, session)
	}
	c.deindexSession(session)
	return session.Stop(ctx)
}

// Subscribe negotiates an inbound session carrying a source session's
// media to the subscriber.
func (c *Controller) Subscribe(ctx context.Context, roomID, userID, sourceSessionID, offer string, kindName string) (string, string, error) {
	r, err := c.Room(roomID)
	if err != nil {
		return "", "", err
	}
	user, err := r.User(userID)
	if err != nil {
		return "", "", err
	}
	source, err := c.Session(sourceSessionID)
	if err != nil {
		return "", "", err
	}
	kind, err := mserver.ParseConnectKind(kindName)
	if err != nil {
		return "", "", cberrors.Wrap(cberrors.ErrMediaInvalidOperation, err, "")
	}

	session, err := user.CreateSession(media.SessionWebRTC, source.Profile, media.Options{Name: source.Name})
	if err != nil {
		return "", "", err
	}
	session.SetRemoteDescriptor(offer)

	answer, err := session.Process(ctx)
	if err != nil {
		if stopErr := session.Stop(ctx); stopErr != nil {
			slog.Warn("[Controller] Failed to stop subscriber after negotiation error",
				"session_id", session.ID, "error", stopErr)
		}
		return "", "", err
	}

	if err := source.ConnectTo(ctx, session, kind); err != nil {
		if stopErr := session.Stop(ctx); stopErr != nil {
			slog.Warn("[Controller] Failed to stop subscriber after connect error",
				"session_id", session.ID, "error", stopErr)
		}
		return "", "", err
	}

	c.indexSession(session)
	c.mu.Lock()
	c.subscriptions[session.ID] = source.ID
	c.mu.Unlock()
	metrics.SessionsActive.WithLabelValues(string(media.SessionWebRTC)).Inc()

	evt := events.New(events.SubscribedTo, session.ID)
	evt.RoomID, evt.UserID = roomID, userID
	evt.Data = sourceSessionID
	c.bus.Publish(evt)

	return session.ID, answer, nil
}

// Unsubscribe detaches and stops a subscriber session.
func (c *Controller) Unsubscribe(ctx context.Context, sessionID string) error {
	session, err := c.Session(sessionID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	sourceID, linked := c.subscriptions[sessionID]
	delete(c.subscriptions, sessionID)
	c.mu.Unlock()

	if linked {
		if source, srcErr := c.Session(sourceID); srcErr == nil {
			if err := source.DisconnectFrom(ctx, session, mserver.ConnectAll); err != nil {
				slog.Warn("[Controller] Failed to disconnect subscriber",
					"session_id", sessionID, "source_id", sourceID, "error", err)
			}
		}
	}

	c.deindexSession(session)
	return session.Stop(ctx)
}

// PublishAndSubscribe publishes the user's media and subscribes it to a
// source in one exchange, returning the publisher session and answer.
func (c *Controller) PublishAndSubscribe(ctx context.Context, roomID, userID, typeName, profileName, offer, sourceSessionID string, opts media.Options) (string, string, error) {
	sessionID, answer, err := c.Publish(ctx, roomID, userID, typeName, profileName, offer, opts)
	if err != nil {
		return "", "", err
	}
	source, err := c.Session(sourceSessionID)
	if err != nil {
		return "", "", err
	}
	session, err := c.Session(sessionID)
	if err != nil {
		return "", "", err
	}
	if err := source.ConnectTo(ctx, session, mserver.ConnectAll); err != nil {
		return "", "", err
	}
	c.mu.Lock()
	c.subscriptions[sessionID] = sourceSessionID
	c.mu.Unlock()

	// A room with an active content floor feeds it to the newcomer too;
	// otherwise the presentation stays invisible until the next floor
	// change.
	if r, roomErr := c.Room(roomID); roomErr == nil {
		if floor := r.ContentFloor(); floor != nil && floor.SessionID != sessionID {
			if medias := session.Medias(); len(medias) > 0 {
				if err := c.adapter.Connect(ctx, floor, medias[0], mserver.ConnectContent); err != nil {
					slog.Warn("[Controller] Failed to connect content floor to subscriber",
						"room_id", roomID, "session_id", sessionID, "media_id", floor.ID, "error", err)
				}
			}
		}
	}
	return sessionID, answer, nil
}

// ProcessAnswer feeds a client answer (or renegotiation offer) back to
// the session and returns the refreshed local descriptor.
func (c *Controller) ProcessAnswer(ctx context.Context, sessionID, descriptor string) (string, error) {
	session, err := c.Session(sessionID)
	if err != nil {
		return "", err
	}
	session.SetRemoteDescriptor(descriptor)
	local, err := session.Process(ctx)
	if err != nil {
		return "", err
	}
	c.indexSession(session)
	return local, nil
}

// Connect links one session's media into another.
func (c *Controller) Connect(ctx context.Context, srcSessionID, dstSessionID, kindName string) error {
	src, err := c.Session(srcSessionID)
	if err != nil {
		return err
	}
	dst, err := c.Session(dstSessionID)
	if err != nil {
		return err
	}
	kind, err := mserver.ParseConnectKind(kindName)
	if err != nil {
		return cberrors.Wrap(cberrors.ErrMediaInvalidOperation, err, "")
	}
	return src.ConnectTo(ctx, dst, kind)
}

// Disconnect unlinks one session from another.
func (c *Controller) Disconnect(ctx context.Context, srcSessionID, dstSessionID, kindName string) error {
	src, err := c.Session(srcSessionID)
	if err != nil {
		return err
	}
	dst, err := c.Session(dstSessionID)
	if err != nil {
		return err
	}
	kind, err := mserver.ParseConnectKind(kindName)
	if err != nil {
		return cberrors.Wrap(cberrors.ErrMediaInvalidOperation, err, "")
	}
	return src.DisconnectFrom(ctx, dst, kind)
}

// AddIceCandidate relays a trickle candidate to a session.
func (c *Controller) AddIceCandidate(ctx context.Context, sessionID string, candidate mserver.IceCandidate) error {
	session, err := c.Session(sessionID)
	if err != nil {
		return err
	}
	return session.AddIceCandidate(ctx, candidate)
}

// Room looks up a room by ID.
func (c *Controller) Room(id string) (*room.Room, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rooms[id]
	if !ok {
		return nil, cberrors.WithMessage(cberrors.ErrRoomNotFound, "room %s not found", id)
	}
	return r, nil
}

// User looks up a user by ID.
func (c *Controller) User(id string) (*room.User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	user, ok := c.users[id]
	if !ok {
		return nil, cberrors.WithMessage(cberrors.ErrUserNotFound, "user %s not found", id)
	}
	return user, nil
}

// Session looks up a session by ID.
func (c *Controller) Session(id string) (*media.Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	session, ok := c.sessions[id]
	if !ok {
		return nil, cberrors.WithMessage(cberrors.ErrMediaNotFound, "session %s not found", id)
	}
	return session, nil
}

// Unit looks up a media unit by ID.
func (c *Controller) Unit(id string) (*media.Unit, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	unit, ok := c.units[id]
	if !ok {
		return nil, cberrors.WithMessage(cberrors.ErrMediaNotFound, "media %s not found", id)
	}
	return unit, nil
}

// indexSession registers a session and its current units in the flat
// indexes. Safe to call again after renegotiation adds units.
func (c *Controller) indexSession(session *media.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[session.ID] = session
	for _, unit := range session.Medias() {
		c.units[unit.ID] = unit
	}
}

// deindexSession drops a session and its units from the flat indexes.
func (c *Controller) deindexSession(session *media.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[session.ID]; ok {
		metrics.SessionsActive.WithLabelValues(string(session.Type)).Dec()
	}
	delete(c.sessions, session.ID)
	delete(c.subscriptions, session.ID)
	delete(c.mcuSessions, session.ID)
	for _, unit := range session.Medias() {
		delete(c.units, unit.ID)
	}
}

// onHostOffline stops every session with a unit on the vanished host.
// Element and pipeline state is purged by the adapter; this pass only
// removes the orphaned sessions from the conference model.
func (c *Controller) onHostOffline(hostID string) {
	c.mu.RLock()
	doomed := make([]*media.Session, 0, 4)
	seen := make(map[string]bool)
	for _, unit := range c.units {
		if unit.Host != nil && unit.Host.ID == hostID && !seen[unit.SessionID] {
			if session, ok := c.sessions[unit.SessionID]; ok {
				doomed = append(doomed, session)
				seen[unit.SessionID] = true
			}
		}
	}
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, session := range doomed {
		c.deindexSession(session)
		if err := session.Stop(ctx); err != nil {
			slog.Warn("[Controller] Failed to stop session on host loss",
				"session_id", session.ID, "host_id", hostID, "error", err)
		}
	}
	if len(doomed) > 0 {
		slog.Warn("[Controller] Dropped sessions on offline host",
			"host_id", hostID, "sessions", len(doomed))
	}
}
