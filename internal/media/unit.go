package media

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/sebas/confbridge/internal/balancer"
	"github.com/sebas/confbridge/internal/events"
	"github.com/sebas/confbridge/internal/mserver"
	"github.com/sebas/confbridge/internal/sdputil"
)

// Unit is one m-line's worth of negotiated media on one backend element.
// Exclusively owned by its session; floors and subscribers reference it
// by identity without owning it.
type Unit struct {
	ID        string
	SessionID string
	RoomID    string
	UserID    string
	Type      SessionType
	Profile   mserver.Profile
	Host      *balancer.Host
	ElementID string

	mu               sync.RWMutex
	mediaTypes       Directions
	localDescriptor  string
	remoteDescriptor string
	mixerID          string
	subtitle         string
	enableSubtitle   bool
	name             string

	cancelEvents func()
}

// NewUnit builds a unit bound to a backend element on a host.
func NewUnit(sessionID, roomID, userID string, typ SessionType, profile mserver.Profile, host *balancer.Host, elementID string) *Unit {
	return &Unit{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		RoomID:    roomID,
		UserID:    userID,
		Type:      typ,
		Profile:   profile,
		Host:      host,
		ElementID: elementID,
	}
}

// MediaTypes returns the negotiated directions per track kind.
func (u *Unit) MediaTypes() Directions {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.mediaTypes
}

// SetMediaTypes stores the negotiated directions.
func (u *Unit) SetMediaTypes(d Directions) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.mediaTypes = d
}

// HasVideo reports whether the unit carries an active video track.
func (u *Unit) HasVideo() bool {
	return u.MediaTypes().Video.Active()
}

// SendsVideo reports whether the unit produces video.
func (u *Unit) SendsVideo() bool {
	return u.MediaTypes().Video.Sends()
}

// HasContent reports whether the unit carries an active content track.
func (u *Unit) HasContent() bool {
	return u.MediaTypes().Content.Active()
}

// LocalDescriptor returns the local SDP of the unit.
func (u *Unit) LocalDescriptor() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.localDescriptor
}

// SetLocalDescriptor stores the local SDP and refreshes the directions
// it declares.
func (u *Unit) SetLocalDescriptor(descriptor string) {
	u.mu.Lock()
	u.localDescriptor = descriptor
	u.mu.Unlock()
	u.refreshMediaTypes(descriptor)
}

// RemoteDescriptor returns the remote SDP of the unit.
func (u *Unit) RemoteDescriptor() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.remoteDescriptor
}

// SetRemoteDescriptor stores the remote SDP.
func (u *Unit) SetRemoteDescriptor(descriptor string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.remoteDescriptor = descriptor
}

// MixerID returns the mixer this unit feeds, if any.
func (u *Unit) MixerID() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.mixerID
}

// SetMixerID records the mixer this unit feeds.
func (u *Unit) SetMixerID(id string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.mixerID = id
}

// Name returns the display name attached to the unit.
func (u *Unit) Name() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.name
}

// SetName attaches a display name.
func (u *Unit) SetName(name string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.name = name
}

// SubtitleEnabled reports the per-media subtitle toggle.
func (u *Unit) SubtitleEnabled() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.enableSubtitle
}

// ToggleSubtitle flips the per-media subtitle state and returns it.
func (u *Unit) ToggleSubtitle() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.enableSubtitle = !u.enableSubtitle
	return u.enableSubtitle
}

// SetSubtitle forces the per-media subtitle state, used by the room-wide
// toggle.
func (u *Unit) SetSubtitle(enabled bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.enableSubtitle = enabled
}

// refreshMediaTypes derives track directions from a descriptor.
func (u *Unit) refreshMediaTypes(descriptor string) {
	if descriptor == "" {
		return
	}
	desc, err := sdputil.Parse(descriptor)
	if err != nil {
		slog.Warn("[MediaUnit] Failed to parse descriptor", "media_id", u.ID, "error", err)
		return
	}

	var d Directions
	for _, section := range desc.MediaDescriptions {
		dir := Direction(sdputil.DirectionOf(section))
		if section.MediaName.Port.Value == 0 {
			continue
		}
		switch {
		case section.MediaName.Media == sdputil.MediaAudio:
			d.Audio = dir
		case section.MediaName.Media == sdputil.MediaVideo && sdputil.IsContentSection(section):
			d.Content = dir
		case section.MediaName.Media == sdputil.MediaVideo:
			d.Video = dir
		}
	}

	u.mu.Lock()
	u.mediaTypes = d
	u.mu.Unlock()
}

// Info returns the event snapshot of the unit.
func (u *Unit) Info() *events.MediaInfo {
	return &events.MediaInfo{
		MediaID:   u.ID,
		SessionID: u.SessionID,
		UserID:    u.UserID,
		RoomID:    u.RoomID,
		Name:      u.Name(),
	}
}

// BindEvents forwards the element's backend events onto the bus keyed by
// the unit ID. DTMF is not forwarded here; audio sessions attach their
// aggregator separately.
func (u *Unit) BindEvents(adapter Adapter, bus *events.Bus) {
	u.mu.Lock()
	if u.cancelEvents != nil {
		u.mu.Unlock()
		return
	}
	cancel := adapter.OnElementEvent(u.ElementID, func(elEvt mserver.ElementEvent) {
		switch elEvt.Kind {
		case mserver.EventICE:
			evt := events.New(events.IceCandidate, u.ID)
			evt.RoomID, evt.UserID, evt.MediaID = u.RoomID, u.UserID, u.ID
			evt.Data = elEvt.Candidate
			bus.Publish(evt)
		case mserver.EventStateChanged, mserver.EventFlowIn, mserver.EventFlowOut, mserver.EventEndOfStream:
			evt := events.New(events.MediaState, u.ID)
			evt.RoomID, evt.UserID, evt.MediaID = u.RoomID, u.UserID, u.ID
			evt.Data = map[string]string{
				"source": string(elEvt.Kind),
				"state":  elEvt.State,
			}
			bus.Publish(evt)
		case mserver.EventStartTalking, mserver.EventStopTalking:
			kind := events.MediaStartTalking
			if elEvt.Kind == mserver.EventStopTalking {
				kind = events.MediaStopTalking
			}
			evt := events.New(kind, u.ID)
			evt.RoomID, evt.UserID, evt.MediaID = u.RoomID, u.UserID, u.ID
			bus.Publish(evt)
		}
	})
	u.cancelEvents = cancel
	u.mu.Unlock()
}

// UnbindEvents stops backend event forwarding.
func (u *Unit) UnbindEvents() {
	u.mu.Lock()
	cancel := u.cancelEvents
	u.cancelEvents = nil
	u.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
