package controller

import (
	"context"
	"log/slog"

	"github.com/sebas/confbridge/internal/cberrors"
	"github.com/sebas/confbridge/internal/events"
	"github.com/sebas/confbridge/internal/media"
	"github.com/sebas/confbridge/internal/metrics"
	"github.com/sebas/confbridge/internal/mserver"
	"github.com/sebas/confbridge/internal/room"
)

// joinMixer attaches an MCU publisher to the room mixer, creating the
// mixer session on the first publisher.
func (c *Controller) joinMixer(ctx context.Context, r *room.Room, session *media.Session) error {
	mixer := r.Mixer()
	if mixer == nil {
		var err error
		mixer, err = c.factory.NewSession(r.ID, "", media.SessionMCU, mserver.ProfileMain, media.Options{Name: r.Name})
		if err != nil {
			return err
		}
		if _, err := mixer.Process(ctx); err != nil {
			return err
		}
		r.SetMixer(mixer)
		c.indexSession(mixer)
		metrics.SessionsActive.WithLabelValues(string(media.SessionMCU)).Inc()
		slog.Info("[Controller] Mixer created", "room_id", r.ID, "session_id", mixer.ID)
		c.connectExistingIntoMixer(ctx, r, mixer, session.ID)
	}

	if err := session.ConnectTo(ctx, mixer, mserver.ConnectAll); err != nil {
		return err
	}
	if err := mixer.ConnectTo(ctx, session, mserver.ConnectAll); err != nil {
		return err
	}

	c.mu.Lock()
	c.mcuSessions[session.ID] = true
	c.mu.Unlock()
	return nil
}

// connectExistingIntoMixer feeds the room's already published sessions
// into a freshly created mixer, so earlier SFU publishers reach MCU
// subscribers too. Failures are logged per session and skipped.
func (c *Controller) connectExistingIntoMixer(ctx context.Context, r *room.Room, mixer *media.Session, joiningID string) {
	for _, user := range r.Users() {
		for _, existing := range user.Sessions() {
			if existing.ID == joiningID || existing.ID == mixer.ID {
				continue
			}
			if existing.Type != media.SessionWebRTC && existing.Type != media.SessionRTP {
				continue
			}
			c.mu.RLock()
			isMCU := c.mcuSessions[existing.ID]
			c.mu.RUnlock()
			if isMCU {
				continue
			}
			if err := existing.ConnectTo(ctx, mixer, mserver.ConnectAll); err != nil {
				slog.Warn("[Controller] Failed to connect existing session into mixer",
					"room_id", r.ID, "session_id", existing.ID, "error", err)
			}
		}
	}
}

// dropMCUSession removes an MCU publisher from the mixer bookkeeping
// and stops the mixer when the last publisher is gone.
func (c *Controller) dropMCUSession(ctx context.Context, r *room.Room, session *media.Session) {
	c.mu.Lock()
	if !c.mcuSessions[session.ID] {
		c.mu.Unlock()
		return
	}
	delete(c.mcuSessions, session.ID)
	remaining := 0
	for id := range c.mcuSessions {
		if s, ok := c.sessions[id]; ok && s.RoomID == r.ID {
			remaining++
		}
	}
	c.mu.Unlock()

	if remaining > 0 {
		return
	}
	mixer := r.Mixer()
	if mixer == nil {
		return
	}
	r.SetMixer(nil)
	c.deindexSession(mixer)
	if err := mixer.Stop(ctx); err != nil {
		slog.Warn("[Controller] Failed to stop mixer", "room_id", r.ID, "error", err)
	}
	slog.Info("[Controller] Mixer stopped", "room_id", r.ID)
}

// mixerUnit returns the mixer element of a room, if one exists.
func (c *Controller) mixerUnit(r *room.Room) *media.Unit {
	mixer := r.Mixer()
	if mixer == nil {
		return nil
	}
	medias := mixer.Medias()
	if len(medias) == 0 {
		return nil
	}
	return medias[0]
}

// applyMixerFloor points the room mixer at the conference floor holder.
func (c *Controller) applyMixerFloor(ctx context.Context, r *room.Room) {
	mixer := c.mixerUnit(r)
	floor := r.ConferenceFloor()
	if mixer == nil || floor == nil {
		return
	}
	if err := c.adapter.SetVideoFloor(ctx, mixer, floor); err != nil {
		slog.Warn("[Controller] Failed to apply mixer floor",
			"room_id", r.ID, "media_id", floor.ID, "error", err)
	}
}

// ContentFloor returns the content floor holder of a room.
func (c *Controller) ContentFloor(roomID string) (*events.MediaInfo, error) {
	r, err := c.Room(roomID)
	if err != nil {
		return nil, err
	}
	unit := r.ContentFloor()
	if unit == nil {
		return nil, nil
	}
	return unit.Info(), nil
}

// SetContentFloor grants the content floor to a media unit.
func (c *Controller) SetContentFloor(ctx context.Context, roomID, mediaID string) error {
	r, err := c.Room(roomID)
	if err != nil {
		return err
	}
	unit, err := c.Unit(mediaID)
	if err != nil {
		return err
	}
	return r.SetContentFloor(unit)
}

// ReleaseContentFloor releases the content floor of a room.
func (c *Controller) ReleaseContentFloor(ctx context.Context, roomID string) error {
	r, err := c.Room(roomID)
	if err != nil {
		return err
	}
	r.ReleaseContentFloor()
	return nil
}

// ConferenceFloor returns the conference floor holder of a room.
func (c *Controller) ConferenceFloor(roomID string) (*events.MediaInfo, error) {
	r, err := c.Room(roomID)
	if err != nil {
		return nil, err
	}
	unit := r.ConferenceFloor()
	if unit == nil {
		return nil, nil
	}
	return unit.Info(), nil
}

// SetConferenceFloor grants the conference video floor to a media unit,
// falling back to another video source of the same user when the unit
// carries none.
func (c *Controller) SetConferenceFloor(ctx context.Context, roomID, mediaID string) error {
	r, err := c.Room(roomID)
	if err != nil {
		return err
	}
	unit, err := c.Unit(mediaID)
	if err != nil {
		return err
	}

	user, _ := c.User(unit.UserID)
	session, _ := c.Session(unit.SessionID)
	if err := r.SetConferenceFloor(user, session, unit); err != nil {
		return err
	}
	c.applyMixerFloor(ctx, r)
	return nil
}

// ReleaseConferenceFloor releases the conference floor of a room.
func (c *Controller) ReleaseConferenceFloor(ctx context.Context, roomID string) error {
	r, err := c.Room(roomID)
	if err != nil {
		return err
	}
	r.ReleaseConferenceFloor()
	c.applyMixerFloor(ctx, r)
	return nil
}

// StartRecording creates a recorder fed from a source media unit and
// begins writing to path. Returns the recording session ID.
func (c *Controller) StartRecording(ctx context.Context, roomID, userID, sourceMediaID, path string) (string, error) {
	r, err := c.Room(roomID)
	if err != nil {
		return "", err
	}
	user, err := r.User(userID)
	if err != nil {
		return "", err
	}
	source, err := c.Unit(sourceMediaID)
	if err != nil {
		return "", err
	}

	session, err := user.CreateSession(media.SessionRecording, source.Profile, media.Options{
		RecordingPath: path,
		SourceMediaID: sourceMediaID,
	})
	if err != nil {
		return "", err
	}
	if _, err := session.Process(ctx); err != nil {
		return "", err
	}

	medias := session.Medias()
	if len(medias) == 0 {
		stopErr := session.Stop(ctx)
		if stopErr != nil {
			slog.Warn("[Controller] Failed to stop empty recorder", "session_id", session.ID, "error", stopErr)
		}
		return "", cberrors.WithMessage(cberrors.ErrServerGeneric, "recorder element not created")
	}
	if err := c.adapter.Connect(ctx, source, medias[0], mserver.ConnectAll); err != nil {
		return "", err
	}
	if err := session.StartRecording(ctx, path); err != nil {
		return "", err
	}

	c.indexSession(session)
	metrics.SessionsActive.WithLabelValues(string(media.SessionRecording)).Inc()
	slog.Info("[Controller] Recording started",
		"room_id", roomID, "session_id", session.ID, "source_media", sourceMediaID, "path", path)
	return session.ID, nil
}

// StopRecording stops and releases a recording session.
func (c *Controller) StopRecording(ctx context.Context, sessionID string) error {
	session, err := c.Session(sessionID)
	if err != nil {
		return err
	}
	if err := session.StopRecording(ctx); err != nil {
		return err
	}
	c.deindexSession(session)
	return session.Stop(ctx)
}

// RoomInfo is the read-model snapshot of a room.
type RoomInfo struct {
	ID       string `json:"roomId"`
	Name     string `json:"name"`
	Users    int    `json:"users"`
	Strategy string `json:"strategy,omitempty"`
	Mixer    bool   `json:"mixer"`
}

// UserInfo is the read-model snapshot of a participant.
type UserInfo struct {
	ID       string `json:"userId"`
	Name     string `json:"name"`
	Sessions int    `json:"sessions"`
}

// Rooms returns a snapshot of every room.
func (c *Controller) Rooms() []RoomInfo {
	c.mu.RLock()
	rooms := make([]*room.Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.RUnlock()

	out := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, RoomInfo{
			ID:       r.ID,
			Name:     r.Name,
			Users:    len(r.Users()),
			Strategy: r.Strategy(),
			Mixer:    r.Mixer() != nil,
		})
	}
	return out
}

// RoomUsers returns the participants of a room.
func (c *Controller) RoomUsers(roomID string) ([]UserInfo, error) {
	r, err := c.Room(roomID)
	if err != nil {
		return nil, err
	}
	users := r.Users()
	out := make([]UserInfo, 0, len(users))
	for _, user := range users {
		out = append(out, UserInfo{ID: user.ID, Name: user.Name, Sessions: len(user.Sessions())})
	}
	return out, nil
}

// UserMedias returns the media units of a user across its sessions.
func (c *Controller) UserMedias(userID string) ([]*events.MediaInfo, error) {
	user, err := c.User(userID)
	if err != nil {
		return nil, err
	}
	var out []*events.MediaInfo
	for _, session := range user.Sessions() {
		for _, unit := range session.Medias() {
			out = append(out, unit.Info())
		}
	}
	return out, nil
}

// SetVolume adjusts gain on a session's audio.
func (c *Controller) SetVolume(ctx context.Context, sessionID string, volume int) error {
	session, err := c.Session(sessionID)
	if err != nil {
		return err
	}
	return session.SetVolume(ctx, volume)
}

// Mute silences a session's audio.
func (c *Controller) Mute(ctx context.Context, sessionID string) error {
	session, err := c.Session(sessionID)
	if err != nil {
		return err
	}
	return session.Mute(ctx)
}

// Unmute restores a session's audio.
func (c *Controller) Unmute(ctx context.Context, sessionID string) error {
	session, err := c.Session(sessionID)
	if err != nil {
		return err
	}
	return session.Unmute(ctx)
}

// SendDTMF feeds an out-of-band digit into a session's aggregator.
func (c *Controller) SendDTMF(sessionID, tone string) error {
	session, err := c.Session(sessionID)
	if err != nil {
		return err
	}
	session.OnDTMF(tone)
	return nil
}

// RequestKeyframe forces a keyframe from a session's video source.
func (c *Controller) RequestKeyframe(ctx context.Context, sessionID string) error {
	session, err := c.Session(sessionID)
	if err != nil {
		return err
	}
	return session.RequestKeyframe(ctx)
}

// Strategy returns the strategy of a room.
func (c *Controller) Strategy(roomID string) (string, error) {
	r, err := c.Room(roomID)
	if err != nil {
		return "", err
	}
	return r.Strategy(), nil
}

// SetStrategy changes the strategy of a room.
func (c *Controller) SetStrategy(roomID, strategy string) error {
	r, err := c.Room(roomID)
	if err != nil {
		return err
	}
	r.SetStrategy(strategy)
	return nil
}

// OnEvent subscribes a handler to a (kind, identifier) pair. The "all"
// identifier receives the kind for every identifier.
func (c *Controller) OnEvent(kind events.Kind, identifier string, handler events.Handler) events.Subscription {
	return c.bus.Subscribe(kind, identifier, handler)
}

// OffEvent cancels an event subscription.
func (c *Controller) OffEvent(sub events.Subscription) {
	c.bus.Unsubscribe(sub)
}

// SetVideoFloor implements the DTMF floor command: the digit sequence
// grants the conference floor to the dialing session's video source.
func (c *Controller) SetVideoFloor(ctx context.Context, unit *media.Unit, arg string) error {
	if unit == nil {
		return cberrors.WithMessage(cberrors.ErrMediaNotFound, "no media for floor command")
	}
	r, err := c.Room(unit.RoomID)
	if err != nil {
		return err
	}
	user, _ := c.User(unit.UserID)
	session, _ := c.Session(unit.SessionID)
	if err := r.SetConferenceFloor(user, session, unit); err != nil {
		return err
	}
	c.applyMixerFloor(ctx, r)
	return nil
}

// SetLayout implements the DTMF layout command against the room mixer.
func (c *Controller) SetLayout(ctx context.Context, roomID, layout string) error {
	r, err := c.Room(roomID)
	if err != nil {
		return err
	}
	mixer := c.mixerUnit(r)
	if mixer == nil {
		return cberrors.WithMessage(cberrors.ErrMediaInvalidOperation, "room %s has no mixer", roomID)
	}
	return c.adapter.SetLayout(ctx, mixer, layout)
}

// ToggleSubtitle implements the DTMF subtitle commands. The per-media
// variant flips only the dialing unit; the global one applies the new
// state to every unit in the room.
func (c *Controller) ToggleSubtitle(ctx context.Context, unit *media.Unit, perMedia bool) error {
	if unit == nil {
		return cberrors.WithMessage(cberrors.ErrMediaNotFound, "no media for subtitle command")
	}
	enabled := unit.ToggleSubtitle()

	if !perMedia {
		c.mu.RLock()
		peers := make([]*media.Unit, 0, len(c.units))
		for _, other := range c.units {
			if other.RoomID == unit.RoomID && other.ID != unit.ID {
				peers = append(peers, other)
			}
		}
		c.mu.RUnlock()
		for _, other := range peers {
			other.SetSubtitle(enabled)
		}
	}

	evt := events.New(events.MediaState, unit.ID)
	evt.RoomID, evt.UserID, evt.MediaID = unit.RoomID, unit.UserID, unit.ID
	evt.Data = map[string]any{
		"subtitle":  enabled,
		"per_media": perMedia,
	}
	c.bus.Publish(evt)
	return nil
}
