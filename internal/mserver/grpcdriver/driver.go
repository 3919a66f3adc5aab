// Package grpcdriver implements the mserver.Driver contract over gRPC.
// The element server speaks a JSON-encoded gRPC dialect, so calls go
// through grpc.ClientConn.Invoke with a registered JSON codec instead of
// generated protobuf stubs.
package grpcdriver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/sebas/confbridge/internal/cberrors"
	"github.com/sebas/confbridge/internal/mserver"
)

const servicePath = "/mediaserver.v1.MediaServer/"

// Config holds gRPC client configuration
type Config struct {
	Address           string
	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	RequestTimeout    time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Address:           "localhost:9090",
		ConnectTimeout:    10 * time.Second,
		KeepaliveInterval: 30 * time.Second,
		KeepaliveTimeout:  10 * time.Second,
		RequestTimeout:    10 * time.Second,
	}
}

// Driver implements mserver.Driver against a remote element server
type Driver struct {
	conn     *grpc.ClientConn
	cfg      Config
	mu       sync.RWMutex
	ready    bool
	handlers map[uint64]mserver.EventHandler
	nextSub  uint64
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New dials the element server and starts the event stream consumer.
func New(cfg Config) (*Driver, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveInterval,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	conn, err := grpc.DialContext(ctx, cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to media server at %s: %w", cfg.Address, err)
	}

	d := &Driver{
		conn:     conn,
		cfg:      cfg,
		ready:    true,
		handlers: make(map[uint64]mserver.EventHandler),
		stopCh:   make(chan struct{}),
	}

	d.wg.Add(1)
	go d.consumeEvents()

	slog.Info("[MSDriver] Connected to media server", "address", cfg.Address)
	return d, nil
}

// invoke performs a unary call with the request timeout applied and maps
// transport failures onto the stable error taxonomy.
func (d *Driver) invoke(ctx context.Context, method string, req, resp any) error {
	if d.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.RequestTimeout)
		defer cancel()
	}

	err := d.conn.Invoke(ctx, servicePath+method, req, resp)
	if err == nil {
		return nil
	}

	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return cberrors.Wrap(cberrors.ErrServerRequestTimeout, err, method+" timed out")
	case codes.Unavailable:
		return cberrors.Wrap(cberrors.ErrConnection, err, "media server unavailable")
	default:
		return cberrors.Wrap(cberrors.ErrServerGeneric, err, method+" failed")
	}
}

// CreatePipeline implements mserver.Driver
func (d *Driver) CreatePipeline(ctx context.Context, roomID string) (string, error) {
	req := &createPipelineRequest{RoomID: roomID}
	resp := &createPipelineResponse{}
	if err := d.invoke(ctx, "CreatePipeline", req, resp); err != nil {
		return "", err
	}
	return resp.PipelineID, nil
}

// ReleasePipeline implements mserver.Driver
func (d *Driver) ReleasePipeline(ctx context.Context, pipelineID string) error {
	return d.invoke(ctx, "ReleasePipeline", &releasePipelineRequest{PipelineID: pipelineID}, &emptyResponse{})
}

// CreateElement implements mserver.Driver
func (d *Driver) CreateElement(ctx context.Context, pipelineID string, elementType mserver.ElementType, options map[string]string) (string, error) {
	req := &createElementRequest{
		PipelineID: pipelineID,
		Type:       string(elementType),
		Options:    options,
	}
	resp := &createElementResponse{}
	if err := d.invoke(ctx, "CreateElement", req, resp); err != nil {
		return "", err
	}
	return resp.ElementID, nil
}

// ReleaseElement implements mserver.Driver
func (d *Driver) ReleaseElement(ctx context.Context, elementID string) error {
	return d.invoke(ctx, "ReleaseElement", &elementRequest{ElementID: elementID}, &emptyResponse{})
}

// ProcessOffer implements mserver.Driver
func (d *Driver) ProcessOffer(ctx context.Context, elementID, offer string) (string, error) {
	req := &sdpRequest{ElementID: elementID, SDP: offer}
	resp := &sdpResponse{}
	if err := d.invoke(ctx, "ProcessOffer", req, resp); err != nil {
		return "", err
	}
	return resp.SDP, nil
}

// ProcessAnswer implements mserver.Driver
func (d *Driver) ProcessAnswer(ctx context.Context, elementID, answer string) error {
	return d.invoke(ctx, "ProcessAnswer", &sdpRequest{ElementID: elementID, SDP: answer}, &emptyResponse{})
}

// GenerateOffer implements mserver.Driver
func (d *Driver) GenerateOffer(ctx context.Context, elementID string) (string, error) {
	resp := &sdpResponse{}
	if err := d.invoke(ctx, "GenerateOffer", &elementRequest{ElementID: elementID}, resp); err != nil {
		return "", err
	}
	return resp.SDP, nil
}

// GatherCandidates implements mserver.Driver
func (d *Driver) GatherCandidates(ctx context.Context, elementID string) error {
	return d.invoke(ctx, "GatherCandidates", &elementRequest{ElementID: elementID}, &emptyResponse{})
}

// AddIceCandidate implements mserver.Driver
func (d *Driver) AddIceCandidate(ctx context.Context, elementID string, candidate mserver.IceCandidate) error {
	req := &iceCandidateRequest{ElementID: elementID, Candidate: candidate}
	return d.invoke(ctx, "AddIceCandidate", req, &emptyResponse{})
}

// Connect implements mserver.Driver
func (d *Driver) Connect(ctx context.Context, srcID, sinkID string, kind mserver.ConnectKind) error {
	return d.invoke(ctx, "Connect", &connectRequest{SourceID: srcID, SinkID: sinkID, Kind: string(kind)}, &emptyResponse{})
}

// Disconnect implements mserver.Driver
func (d *Driver) Disconnect(ctx context.Context, srcID, sinkID string, kind mserver.ConnectKind) error {
	return d.invoke(ctx, "Disconnect", &connectRequest{SourceID: srcID, SinkID: sinkID, Kind: string(kind)}, &emptyResponse{})
}

// StartRecording implements mserver.Driver
func (d *Driver) StartRecording(ctx context.Context, elementID, path string) error {
	return d.invoke(ctx, "StartRecording", &recordingRequest{ElementID: elementID, Path: path}, &emptyResponse{})
}

// StopRecording implements mserver.Driver
func (d *Driver) StopRecording(ctx context.Context, elementID string) error {
	return d.invoke(ctx, "StopRecording", &elementRequest{ElementID: elementID}, &emptyResponse{})
}

// SetVideoFloor implements mserver.Driver
func (d *Driver) SetVideoFloor(ctx context.Context, mixerID, elementID string) error {
	return d.invoke(ctx, "SetVideoFloor", &mixerRequest{MixerID: mixerID, ElementID: elementID}, &emptyResponse{})
}

// SetLayout implements mserver.Driver
func (d *Driver) SetLayout(ctx context.Context, mixerID, layout string) error {
	return d.invoke(ctx, "SetLayout", &mixerRequest{MixerID: mixerID, Layout: layout}, &emptyResponse{})
}

// SetVolume implements mserver.Driver
func (d *Driver) SetVolume(ctx context.Context, elementID string, volume int) error {
	return d.invoke(ctx, "SetVolume", &volumeRequest{ElementID: elementID, Volume: volume}, &emptyResponse{})
}

// Mute implements mserver.Driver
func (d *Driver) Mute(ctx context.Context, elementID string) error {
	return d.invoke(ctx, "Mute", &elementRequest{ElementID: elementID}, &emptyResponse{})
}

// Unmute implements mserver.Driver
func (d *Driver) Unmute(ctx context.Context, elementID string) error {
	return d.invoke(ctx, "Unmute", &elementRequest{ElementID: elementID}, &emptyResponse{})
}

// RequestKeyframe implements mserver.Driver
func (d *Driver) RequestKeyframe(ctx context.Context, elementID string) error {
	return d.invoke(ctx, "RequestKeyframe", &elementRequest{ElementID: elementID}, &emptyResponse{})
}

// Subscribe implements mserver.Driver
func (d *Driver) Subscribe(handler mserver.EventHandler) func() {
	d.mu.Lock()
	d.nextSub++
	id := d.nextSub
	d.handlers[id] = handler
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.handlers, id)
		d.mu.Unlock()
	}
}

// eventsStreamDesc describes the server-streaming Events RPC.
var eventsStreamDesc = &grpc.StreamDesc{
	StreamName:    "Events",
	ServerStreams: true,
}

// consumeEvents maintains the event stream, dispatching element events to
// subscribed handlers. Reconnects with a flat backoff on stream failure.
func (d *Driver) consumeEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		if err := d.runEventStream(); err != nil {
			slog.Warn("[MSDriver] Event stream interrupted", "address", d.cfg.Address, "error", err)
		}

		select {
		case <-d.stopCh:
			return
		case <-time.After(2 * time.Second):
		}
	}
}

// runEventStream opens one Events stream and pumps it until error.
func (d *Driver) runEventStream() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-d.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	stream, err := d.conn.NewStream(ctx, eventsStreamDesc, servicePath+"Events", grpc.CallContentSubtype(codecName))
	if err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	if err := stream.SendMsg(&subscribeEventsRequest{}); err != nil {
		return fmt.Errorf("failed to subscribe for events: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close send side: %w", err)
	}

	for {
		evt := &mserver.ElementEvent{}
		if err := stream.RecvMsg(evt); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		d.dispatch(*evt)
	}
}

// dispatch fans an event out to all handlers.
func (d *Driver) dispatch(evt mserver.ElementEvent) {
	d.mu.RLock()
	handlers := make([]mserver.EventHandler, 0, len(d.handlers))
	for _, h := range d.handlers {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		h(evt)
	}
}

// Ready implements mserver.Driver
func (d *Driver) Ready() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.ready || d.conn == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp := &healthResponse{}
	if err := d.conn.Invoke(ctx, servicePath+"Health", &healthRequest{}, resp); err != nil {
		return false
	}
	return resp.Healthy
}

// Close implements mserver.Driver
func (d *Driver) Close() error {
	d.mu.Lock()
	if !d.ready {
		d.mu.Unlock()
		return nil
	}
	d.ready = false
	close(d.stopCh)
	conn := d.conn
	d.mu.Unlock()

	d.wg.Wait()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
