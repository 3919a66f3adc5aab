// Package mserver defines the per-host media server driver contract: the
// raw RPC surface for pipelines and elements on a single backend host.
// Implementations: grpcdriver (remote), fake drivers in tests.
package mserver

import (
	"context"
	"fmt"
)

// ElementType identifies the kind of backend element to create
type ElementType string

const (
	ElementWebRTC   ElementType = "WebRtcEndpoint"
	ElementRTP      ElementType = "RtpEndpoint"
	ElementRecorder ElementType = "RecorderEndpoint"
	ElementPlayer   ElementType = "PlayerEndpoint"
	ElementMixer    ElementType = "Composite"
	ElementFilter   ElementType = "Filter"
)

// ConnectKind selects which tracks of an element pair to (dis)connect
type ConnectKind string

const (
	ConnectAll     ConnectKind = "ALL"
	ConnectAudio   ConnectKind = "AUDIO"
	ConnectVideo   ConnectKind = "VIDEO"
	ConnectContent ConnectKind = "CONTENT"
)

// ParseConnectKind validates a wire string into a ConnectKind.
func ParseConnectKind(s string) (ConnectKind, error) {
	switch ConnectKind(s) {
	case ConnectAll, ConnectAudio, ConnectVideo, ConnectContent:
		return ConnectKind(s), nil
	case "":
		return ConnectAll, nil
	default:
		return "", fmt.Errorf("unknown connect kind %q", s)
	}
}

// Profile identifies which media plane a negotiation targets. Composed
// adapters route each profile to a different physical backend.
type Profile string

const (
	ProfileMain    Profile = "MAIN"
	ProfileContent Profile = "CONTENT"
	ProfileAudio   Profile = "AUDIO"
	ProfileAll     Profile = "ALL"
)

// ParseProfile validates a wire string into a Profile.
func ParseProfile(s string) (Profile, error) {
	switch Profile(s) {
	case ProfileMain, ProfileContent, ProfileAudio, ProfileAll:
		return Profile(s), nil
	case "":
		return ProfileMain, nil
	default:
		return "", fmt.Errorf("unknown media profile %q", s)
	}
}

// EventKind identifies asynchronous element events raised by the backend
type EventKind string

const (
	EventStateChanged EventKind = "MEDIA_STATE.CHANGED"
	EventFlowIn       EventKind = "MEDIA_STATE.FLOW_IN"
	EventFlowOut      EventKind = "MEDIA_STATE.FLOW_OUT"
	EventICE          EventKind = "MEDIA_STATE.ICE"
	EventEndOfStream  EventKind = "MEDIA_STATE.ENDOFSTREAM"
	EventStartTalking EventKind = "MEDIA_STATE.START_TALKING"
	EventStopTalking  EventKind = "MEDIA_STATE.STOP_TALKING"
	EventDTMF         EventKind = "MEDIA_DTMF"
	EventTransposed   EventKind = "ELEMENT_TRANSPOSED"
)

// ElementEvent is a backend callback tied to one element.
type ElementEvent struct {
	Kind      EventKind         `json:"kind"`
	ElementID string            `json:"element_id"`
	RoomID    string            `json:"room_id,omitempty"`
	State     string            `json:"state,omitempty"`     // state for MEDIA_STATE.*
	Candidate string            `json:"candidate,omitempty"` // ICE candidate payload
	Tone      string            `json:"tone,omitempty"`      // DTMF digit
	Details   map[string]string `json:"details,omitempty"`
}

// IceCandidate is the trickle ICE payload exchanged with elements.
type IceCandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
}

// EventHandler consumes element events. Handlers run on the driver's
// event dispatch goroutine and must not block.
type EventHandler func(ElementEvent)

// Driver is the RPC surface of one media server host. All methods honor
// context cancellation; transient backend errors are not retried here.
type Driver interface {
	// CreatePipeline creates a media pipeline container on the host.
	CreatePipeline(ctx context.Context, roomID string) (string, error)

	// ReleasePipeline destroys a pipeline and everything inside it.
	ReleasePipeline(ctx context.Context, pipelineID string) error

	// CreateElement creates an element inside a pipeline.
	CreateElement(ctx context.Context, pipelineID string, elementType ElementType, options map[string]string) (string, error)

	// ReleaseElement destroys a single element.
	ReleaseElement(ctx context.Context, elementID string) error

	// ProcessOffer feeds a remote offer to an element, returning its answer.
	ProcessOffer(ctx context.Context, elementID, offer string) (string, error)

	// ProcessAnswer feeds a remote answer to an offering element.
	ProcessAnswer(ctx context.Context, elementID, answer string) error

	// GenerateOffer asks an element to produce a local offer.
	GenerateOffer(ctx context.Context, elementID string) (string, error)

	// GatherCandidates starts ICE gathering on an element.
	GatherCandidates(ctx context.Context, elementID string) error

	// AddIceCandidate feeds a remote ICE candidate to an element.
	AddIceCandidate(ctx context.Context, elementID string, candidate IceCandidate) error

	// Connect links src to sink for the selected kind.
	Connect(ctx context.Context, srcID, sinkID string, kind ConnectKind) error

	// Disconnect removes the link between src and sink for the kind.
	Disconnect(ctx context.Context, srcID, sinkID string, kind ConnectKind) error

	// StartRecording begins recording on a recorder element.
	StartRecording(ctx context.Context, elementID, path string) error

	// StopRecording stops recording on a recorder element.
	StopRecording(ctx context.Context, elementID string) error

	// SetVideoFloor selects the active video input of a mixer.
	SetVideoFloor(ctx context.Context, mixerID, elementID string) error

	// SetLayout selects the composite layout of a mixer.
	SetLayout(ctx context.Context, mixerID, layout string) error

	// SetVolume adjusts output gain on an element (0-100).
	SetVolume(ctx context.Context, elementID string, volume int) error

	// Mute silences an element output.
	Mute(ctx context.Context, elementID string) error

	// Unmute restores an element output.
	Unmute(ctx context.Context, elementID string) error

	// RequestKeyframe forces a keyframe from a video source element.
	RequestKeyframe(ctx context.Context, elementID string) error

	// Subscribe registers an event handler, returning a cancel func.
	Subscribe(handler EventHandler) func()

	// Ready checks if the driver is connected and healthy.
	Ready() bool

	// Close releases driver resources.
	Close() error
}
