// Package media implements media units and media sessions: the
// negotiation state machine that turns offer/answer exchanges into
// backend elements, plus DTMF command aggregation.
package media

import (
	"context"
	"fmt"

	"github.com/sebas/confbridge/internal/mserver"
)

// SessionType identifies the negotiation envelope kind
type SessionType string

const (
	SessionWebRTC    SessionType = "WEBRTC"
	SessionRTP       SessionType = "RTP"
	SessionRecording SessionType = "RECORDING"
	SessionURI       SessionType = "URI"
	SessionMCU       SessionType = "MCU"
	SessionFilter    SessionType = "FILTER"
)

// ParseSessionType validates a wire string into a SessionType.
func ParseSessionType(s string) (SessionType, error) {
	switch SessionType(s) {
	case SessionWebRTC, SessionRTP, SessionRecording, SessionURI, SessionMCU, SessionFilter:
		return SessionType(s), nil
	default:
		return "", fmt.Errorf("unknown media session type %q", s)
	}
}

// ElementTypeFor maps a session type to the backend element it drives.
func ElementTypeFor(t SessionType) mserver.ElementType {
	switch t {
	case SessionRTP:
		return mserver.ElementRTP
	case SessionRecording:
		return mserver.ElementRecorder
	case SessionURI:
		return mserver.ElementPlayer
	case SessionMCU:
		return mserver.ElementMixer
	case SessionFilter:
		return mserver.ElementFilter
	default:
		return mserver.ElementWebRTC
	}
}

// Role is the negotiation role of a session. Set at first descriptor
// assignment and never flips.
type Role int

const (
	// RoleNone means no descriptor has been assigned yet.
	RoleNone Role = iota
	// RoleOfferer means the local side produced the first descriptor.
	RoleOfferer
	// RoleAnswerer means the remote side produced the first descriptor.
	RoleAnswerer
)

// String returns the string representation of Role.
func (r Role) String() string {
	switch r {
	case RoleOfferer:
		return "OFFERER"
	case RoleAnswerer:
		return "ANSWERER"
	case RoleNone:
		return "NONE"
	default:
		return fmt.Sprintf("Unknown(%d)", int(r))
	}
}

// Direction is the negotiated direction of one track kind. The empty
// string means the kind is absent.
type Direction string

const (
	DirectionSendRecv Direction = "sendrecv"
	DirectionSendOnly Direction = "sendonly"
	DirectionRecvOnly Direction = "recvonly"
	DirectionInactive Direction = "inactive"
	DirectionAbsent   Direction = ""
)

// Active reports whether media can flow in at least one direction.
func (d Direction) Active() bool {
	return d == DirectionSendRecv || d == DirectionSendOnly || d == DirectionRecvOnly
}

// Sends reports whether the track produces media toward us.
func (d Direction) Sends() bool {
	return d == DirectionSendRecv || d == DirectionSendOnly
}

// Directions describes the track kinds of a unit or session.
type Directions struct {
	Audio   Direction
	Video   Direction
	Content Direction
}

// Merge unions two direction sets, preferring present over absent.
func (d Directions) Merge(other Directions) Directions {
	out := d
	if out.Audio == DirectionAbsent {
		out.Audio = other.Audio
	}
	if out.Video == DirectionAbsent {
		out.Video = other.Video
	}
	if out.Content == DirectionAbsent {
		out.Content = other.Content
	}
	return out
}

// Options carries session creation parameters from the client API.
type Options struct {
	Name          string
	URI           string              // URI sessions: playback source
	RecordingPath string              // RECORDING sessions: target path
	SourceMediaID string              // RECORDING sessions: recorded media
	MediaSpecs    map[string][]string // kind -> acceptable codecs
	Extra         map[string]string
}

// NegotiateParams is the input of one adapter negotiation.
type NegotiateParams struct {
	RoomID    string
	UserID    string
	SessionID string
	// Descriptor is the remote partial SDP, or empty to request local
	// offer generation.
	Descriptor string
	Type       SessionType
	Profile    mserver.Profile
	Options    Options
}

// Negotiator creates media units from one offer/answer exchange.
type Negotiator interface {
	Negotiate(ctx context.Context, params NegotiateParams) ([]*Unit, error)
}

// Adapter is the backend-neutral operation surface consumed by sessions.
// adapter.ElementAdapter is the production implementation; composed
// deployments expose one child negotiator per media profile.
type Adapter interface {
	Negotiator

	// Composed returns per-profile negotiators, or nil when a single
	// backend serves every profile.
	Composed() map[mserver.Profile]Negotiator

	// ProcessAnswer feeds a remote answer to the unit's element.
	ProcessAnswer(ctx context.Context, unit *Unit, answer string) error

	// GatherCandidates starts ICE gathering for the unit.
	GatherCandidates(ctx context.Context, unit *Unit) error

	// AddIceCandidate relays a remote ICE candidate to the unit.
	AddIceCandidate(ctx context.Context, unit *Unit, candidate mserver.IceCandidate) error

	// Connect links src to sink, transposing across hosts when needed.
	Connect(ctx context.Context, src, sink *Unit, kind mserver.ConnectKind) error

	// Disconnect unlinks src from sink.
	Disconnect(ctx context.Context, src, sink *Unit, kind mserver.ConnectKind) error

	// StartRecording begins recording on a recorder unit.
	StartRecording(ctx context.Context, unit *Unit, path string) error

	// StopRecording stops recording on a recorder unit.
	StopRecording(ctx context.Context, unit *Unit) error

	// SetVideoFloor selects the unit as the active mixer input.
	SetVideoFloor(ctx context.Context, mixer, unit *Unit) error

	// SetLayout selects the mixer composite layout.
	SetLayout(ctx context.Context, mixer *Unit, layout string) error

	// SetVolume adjusts output gain on the unit (0-100).
	SetVolume(ctx context.Context, unit *Unit, volume int) error

	// Mute silences the unit.
	Mute(ctx context.Context, unit *Unit) error

	// Unmute restores the unit.
	Unmute(ctx context.Context, unit *Unit) error

	// RequestKeyframe forces a keyframe from the unit.
	RequestKeyframe(ctx context.Context, unit *Unit) error

	// Release destroys the unit's element and its transposers.
	Release(ctx context.Context, unit *Unit) error

	// OnElementEvent registers a handler for one element's events,
	// returning a cancel func.
	OnElementEvent(elementID string, handler mserver.EventHandler) func()
}
