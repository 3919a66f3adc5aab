// Package events provides conference lifecycle event definitions and the
// in-process bus used for keyed fan-out to subscribers. Event kinds and
// payload shapes are part of the client wire contract.
package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the type of conference event
type Kind string

const (
	RoomCreated            Kind = "room.created"
	RoomDestroyed          Kind = "room.destroyed"
	UserJoined             Kind = "user.joined"
	UserLeft               Kind = "user.left"
	MediaConnected         Kind = "media.connected"
	MediaDisconnected      Kind = "media.disconnected"
	MediaState             Kind = "media.state"
	MediaNegotiated        Kind = "media.negotiated"
	MediaRenegotiated      Kind = "media.renegotiated"
	IceCandidate           Kind = "media.ice"
	ContentFloorChanged    Kind = "floor.content.changed"
	ConferenceFloorChanged Kind = "floor.conference.changed"
	MediaVolumeChanged     Kind = "media.volume"
	MediaMuted             Kind = "media.muted"
	MediaUnmuted           Kind = "media.unmuted"
	MediaStartTalking      Kind = "media.talking.start"
	MediaStopTalking       Kind = "media.talking.stop"
	StrategyChanged        Kind = "strategy.changed"
	SubscribedTo           Kind = "media.subscribed"
	KeyframeNeeded         Kind = "media.keyframe"
	DTMFReceived           Kind = "media.dtmf"
	RoomEmpty              Kind = "room.empty"
	MediaServerOffline     Kind = "mserver.offline"
	ElementTransposed      Kind = "mserver.transposed"
)

// WildcardIdentifier subscribes across every identifier of a kind.
const WildcardIdentifier = "all"

// AllKinds lists every event kind, for subscribers that mirror the
// whole stream.
var AllKinds = []Kind{
	RoomCreated, RoomDestroyed, UserJoined, UserLeft,
	MediaConnected, MediaDisconnected, MediaState, MediaNegotiated,
	MediaRenegotiated, IceCandidate, ContentFloorChanged,
	ConferenceFloorChanged, MediaVolumeChanged, MediaMuted, MediaUnmuted,
	MediaStartTalking, MediaStopTalking, StrategyChanged, SubscribedTo,
	KeyframeNeeded, DTMFReceived, RoomEmpty, MediaServerOffline,
	ElementTransposed,
}

// FloorInfo is the payload of floor change events.
type FloorInfo struct {
	Floor         *MediaInfo   `json:"floor,omitempty"`
	PreviousFloor []*MediaInfo `json:"previousFloor"`
}

// MediaInfo is the media snapshot carried in events.
type MediaInfo struct {
	MediaID   string `json:"mediaId"`
	SessionID string `json:"mediaSessionId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	RoomID    string `json:"roomId,omitempty"`
	Name      string `json:"name,omitempty"`
}

// Event is a single bus message. Identifier is the fan-out key: a room,
// user or media ID depending on the kind.
type Event struct {
	ID         string    `json:"event_id"`
	Kind       Kind      `json:"event_type"`
	Time       time.Time `json:"event_time"`
	Identifier string    `json:"identifier"`
	RoomID     string    `json:"room_id,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	MediaID    string    `json:"media_id,omitempty"`
	Data       any       `json:"data,omitempty"`
}

// New creates an event with ID and timestamp populated.
func New(kind Kind, identifier string) Event {
	return Event{
		ID:         uuid.New().String(),
		Kind:       kind,
		Time:       time.Now().UTC(),
		Identifier: identifier,
	}
}

// Subject returns the external channel name for this event.
// Format: confbridge.<kind>.<identifier>
func (e Event) Subject() string {
	return fmt.Sprintf("confbridge.%s.%s", e.Kind, e.Identifier)
}
