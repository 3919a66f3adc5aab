package grpcdriver

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"

	"github.com/sebas/confbridge/internal/mserver"
)

const codecName = "json"

// jsonCodec encodes call messages as JSON. The element server does not
// ship protobuf descriptors; its gRPC dialect is JSON-framed.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Wire messages. Field names follow the element server's JSON schema.

type createPipelineRequest struct {
	RoomID string `json:"room_id"`
}

type createPipelineResponse struct {
	PipelineID string `json:"pipeline_id"`
}

type releasePipelineRequest struct {
	PipelineID string `json:"pipeline_id"`
}

type createElementRequest struct {
	PipelineID string            `json:"pipeline_id"`
	Type       string            `json:"type"`
	Options    map[string]string `json:"options,omitempty"`
}

type createElementResponse struct {
	ElementID string `json:"element_id"`
}

type elementRequest struct {
	ElementID string `json:"element_id"`
}

type sdpRequest struct {
	ElementID string `json:"element_id"`
	SDP       string `json:"sdp"`
}

type sdpResponse struct {
	SDP string `json:"sdp"`
}

type iceCandidateRequest struct {
	ElementID string               `json:"element_id"`
	Candidate mserver.IceCandidate `json:"candidate"`
}

type connectRequest struct {
	SourceID string `json:"source_id"`
	SinkID   string `json:"sink_id"`
	Kind     string `json:"kind"`
}

type recordingRequest struct {
	ElementID string `json:"element_id"`
	Path      string `json:"path"`
}

type mixerRequest struct {
	MixerID   string `json:"mixer_id"`
	ElementID string `json:"element_id,omitempty"`
	Layout    string `json:"layout,omitempty"`
}

type volumeRequest struct {
	ElementID string `json:"element_id"`
	Volume    int    `json:"volume"`
}

type subscribeEventsRequest struct{}

type healthRequest struct{}

type healthResponse struct {
	Healthy bool `json:"healthy"`
}

type emptyResponse struct{}
