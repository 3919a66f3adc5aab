// Package adapter binds media sessions to backend hosts: element
// creation behind the load balancer, pipeline lifecycle per (room,
// host), and cross-host transposition when a subscriber lands on a
// different host than its publisher.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sebas/confbridge/internal/balancer"
	"github.com/sebas/confbridge/internal/cberrors"
	"github.com/sebas/confbridge/internal/events"
	"github.com/sebas/confbridge/internal/media"
	"github.com/sebas/confbridge/internal/metrics"
	"github.com/sebas/confbridge/internal/mserver"
	"github.com/sebas/confbridge/internal/sdputil"
)

// elementRef tracks which host and room own a live element.
type elementRef struct {
	host    *balancer.Host
	roomID  string
	profile mserver.Profile
}

// ElementAdapter is the production media.Adapter over a balancer of
// media server hosts.
type ElementAdapter struct {
	balancer    *balancer.Balancer
	bus         *events.Bus
	profile     mserver.Profile
	pipelines   *pipelineRegistry
	transposers *transposerRegistry

	mu       sync.RWMutex
	elements map[string]*elementRef
	handlers map[string]map[uint64]mserver.EventHandler
	nextSeq  uint64

	driverCancels []func()
	offlineSub    events.Subscription
}

// New builds an adapter over the balancer's hosts. The profile tags
// which media plane this adapter serves; single-backend deployments
// pass ProfileAll.
func New(bal *balancer.Balancer, bus *events.Bus, profile mserver.Profile) *ElementAdapter {
	a := &ElementAdapter{
		balancer:    bal,
		bus:         bus,
		profile:     profile,
		pipelines:   newPipelineRegistry(),
		transposers: newTransposerRegistry(),
		elements:    make(map[string]*elementRef),
		handlers:    make(map[string]map[uint64]mserver.EventHandler),
	}

	for _, host := range bal.Hosts() {
		cancel := host.Driver.Subscribe(a.dispatch)
		a.driverCancels = append(a.driverCancels, cancel)
	}

	a.offlineSub = bus.Subscribe(events.MediaServerOffline, events.WildcardIdentifier, func(evt events.Event) {
		a.purgeHost(evt.Identifier)
	})

	return a
}

// Composed returns nil; a single backend serves every profile.
func (a *ElementAdapter) Composed() map[mserver.Profile]media.Negotiator {
	return nil
}

// Negotiate creates one element on the least appropriate host and runs
// a single offer/answer exchange over it. An empty descriptor asks the
// backend to produce an offer instead.
func (a *ElementAdapter) Negotiate(ctx context.Context, params media.NegotiateParams) ([]*media.Unit, error) {
	profile := params.Profile
	if profile == "" {
		profile = a.profile
	}

	host, err := a.balancer.GetHost(profile)
	if err != nil {
		if errors.Is(err, balancer.ErrNoHostAvailable) {
			return nil, cberrors.Wrap(cberrors.ErrConnection, err, "no media server host available")
		}
		return nil, err
	}

	pipelineID, err := a.pipelines.Get(ctx, params.RoomID, host)
	if err != nil {
		return nil, err
	}

	elementID, err := host.Driver.CreateElement(ctx, pipelineID, media.ElementTypeFor(params.Type), elementOptions(params))
	metrics.ObserveBackend("CreateElement", err)
	if err != nil {
		return nil, fmt.Errorf("failed to create element on host %s: %w", host.ID, err)
	}
	a.pipelines.AddElement(params.RoomID, host.ID)
	a.trackElement(elementID, host, params.RoomID, profile)

	unit := media.NewUnit(params.SessionID, params.RoomID, params.UserID, params.Type, profile, host, elementID)
	unit.SetName(params.Options.Name)

	if negotiatesSDP(params.Type) {
		if err := a.negotiateDescriptor(ctx, unit, params); err != nil {
			a.discardElement(ctx, unit)
			return nil, err
		}
		if params.Descriptor != "" && !usableAnswer(unit.LocalDescriptor()) {
			a.discardElement(ctx, unit)
			return nil, nil
		}
	}

	a.balancer.IncrementHostStreams(host, profile)
	slog.Info("[Adapter] Negotiated element",
		"room_id", params.RoomID, "session_id", params.SessionID,
		"host_id", host.ID, "element_id", elementID,
		"type", string(params.Type), "profile", string(profile))

	return []*media.Unit{unit}, nil
}

// negotiateDescriptor runs the offer/answer leg for one unit.
func (a *ElementAdapter) negotiateDescriptor(ctx context.Context, unit *media.Unit, params media.NegotiateParams) error {
	driver := unit.Host.Driver

	if params.Descriptor != "" {
		answer, err := driver.ProcessOffer(ctx, unit.ElementID, params.Descriptor)
		metrics.ObserveBackend("ProcessOffer", err)
		if err != nil {
			return fmt.Errorf("offer processing failed: %w", err)
		}
		unit.SetRemoteDescriptor(params.Descriptor)
		unit.SetLocalDescriptor(answer)
		return nil
	}

	offer, err := driver.GenerateOffer(ctx, unit.ElementID)
	metrics.ObserveBackend("GenerateOffer", err)
	if err != nil {
		return fmt.Errorf("offer generation failed: %w", err)
	}
	// Plain RTP peers cannot parse feedback attributes or AVPF profiles.
	if params.Type == media.SessionRTP {
		offer, err = sdputil.StripAVPF(offer)
		if err != nil {
			return err
		}
	}
	unit.SetLocalDescriptor(offer)
	return nil
}

// ProcessAnswer feeds a remote answer to the unit's element.
func (a *ElementAdapter) ProcessAnswer(ctx context.Context, unit *media.Unit, answer string) error {
	err := unit.Host.Driver.ProcessAnswer(ctx, unit.ElementID, answer)
	metrics.ObserveBackend("ProcessAnswer", err)
	return err
}

// GatherCandidates starts ICE gathering for the unit.
func (a *ElementAdapter) GatherCandidates(ctx context.Context, unit *media.Unit) error {
	err := unit.Host.Driver.GatherCandidates(ctx, unit.ElementID)
	metrics.ObserveBackend("GatherCandidates", err)
	return err
}

// AddIceCandidate relays a remote ICE candidate to the unit.
func (a *ElementAdapter) AddIceCandidate(ctx context.Context, unit *media.Unit, candidate mserver.IceCandidate) error {
	err := unit.Host.Driver.AddIceCandidate(ctx, unit.ElementID, candidate)
	metrics.ObserveBackend("AddIceCandidate", err)
	return err
}

// Connect links src to sink. When the units live on different hosts the
// stream crosses through a shared transposer pair.
func (a *ElementAdapter) Connect(ctx context.Context, src, sink *media.Unit, kind mserver.ConnectKind) error {
	if src.Host.ID == sink.Host.ID {
		err := src.Host.Driver.Connect(ctx, src.ElementID, sink.ElementID, kind)
		metrics.ObserveBackend("Connect", err)
		return err
	}

	pair, err := a.ensureTransposer(ctx, src, sink)
	if err != nil {
		return err
	}
	err = sink.Host.Driver.Connect(ctx, pair.sinkElementID, sink.ElementID, kind)
	metrics.ObserveBackend("Connect", err)
	return err
}

// Disconnect unlinks src from sink. Cross-host disconnects detach only
// the sink leg; the transposer stays up for other subscribers.
func (a *ElementAdapter) Disconnect(ctx context.Context, src, sink *media.Unit, kind mserver.ConnectKind) error {
	if src.Host.ID == sink.Host.ID {
		err := src.Host.Driver.Disconnect(ctx, src.ElementID, sink.ElementID, kind)
		metrics.ObserveBackend("Disconnect", err)
		return err
	}

	pair, ok := a.lookupTransposer(src, sink)
	if !ok {
		return nil
	}
	err := sink.Host.Driver.Disconnect(ctx, pair.sinkElementID, sink.ElementID, kind)
	metrics.ObserveBackend("Disconnect", err)
	return err
}

// StartRecording begins recording on a recorder unit.
func (a *ElementAdapter) StartRecording(ctx context.Context, unit *media.Unit, path string) error {
	err := unit.Host.Driver.StartRecording(ctx, unit.ElementID, path)
	metrics.ObserveBackend("StartRecording", err)
	return err
}

// StopRecording stops recording on a recorder unit.
func (a *ElementAdapter) StopRecording(ctx context.Context, unit *media.Unit) error {
	err := unit.Host.Driver.StopRecording(ctx, unit.ElementID)
	metrics.ObserveBackend("StopRecording", err)
	return err
}

// SetVideoFloor selects the unit as the mixer's active video input. A
// unit on another host is bridged onto the mixer's host first.
func (a *ElementAdapter) SetVideoFloor(ctx context.Context, mixer, unit *media.Unit) error {
	inputID := unit.ElementID
	if mixer.Host.ID != unit.Host.ID {
		pair, err := a.ensureTransposer(ctx, unit, mixer)
		if err != nil {
			return err
		}
		inputID = pair.sinkElementID
	}
	err := mixer.Host.Driver.SetVideoFloor(ctx, mixer.ElementID, inputID)
	metrics.ObserveBackend("SetVideoFloor", err)
	return err
}

// SetLayout selects the mixer composite layout.
func (a *ElementAdapter) SetLayout(ctx context.Context, mixer *media.Unit, layout string) error {
	err := mixer.Host.Driver.SetLayout(ctx, mixer.ElementID, layout)
	metrics.ObserveBackend("SetLayout", err)
	return err
}

// SetVolume adjusts output gain on the unit.
func (a *ElementAdapter) SetVolume(ctx context.Context, unit *media.Unit, volume int) error {
	err := unit.Host.Driver.SetVolume(ctx, unit.ElementID, volume)
	metrics.ObserveBackend("SetVolume", err)
	return err
}

// Mute silences the unit.
func (a *ElementAdapter) Mute(ctx context.Context, unit *media.Unit) error {
	err := unit.Host.Driver.Mute(ctx, unit.ElementID)
	metrics.ObserveBackend("Mute", err)
	return err
}

// Unmute restores the unit.
func (a *ElementAdapter) Unmute(ctx context.Context, unit *media.Unit) error {
	err := unit.Host.Driver.Unmute(ctx, unit.ElementID)
	metrics.ObserveBackend("Unmute", err)
	return err
}

// RequestKeyframe forces a keyframe from the unit.
func (a *ElementAdapter) RequestKeyframe(ctx context.Context, unit *media.Unit) error {
	err := unit.Host.Driver.RequestKeyframe(ctx, unit.ElementID)
	metrics.ObserveBackend("RequestKeyframe", err)
	return err
}

// Release destroys the unit's element, the transposers sourced from it,
// and the pipeline if this was its last element.
func (a *ElementAdapter) Release(ctx context.Context, unit *media.Unit) error {
	a.releaseTransposersFor(unit)
	a.discardElement(ctx, unit)
	a.balancer.DecrementHostStreams(unit.Host, unit.Profile)
	return nil
}

// discardElement releases the backend element and untracks it.
func (a *ElementAdapter) discardElement(ctx context.Context, unit *media.Unit) {
	err := unit.Host.Driver.ReleaseElement(ctx, unit.ElementID)
	metrics.ObserveBackend("ReleaseElement", err)
	if err != nil {
		slog.Warn("[Adapter] Failed to release element",
			"element_id", unit.ElementID, "host_id", unit.Host.ID, "error", err)
	}
	a.untrackElement(unit.ElementID)
	a.pipelines.RemoveElement(ctx, unit.RoomID, unit.Host.ID)
}

// OnElementEvent registers a handler for one element's backend events.
func (a *ElementAdapter) OnElementEvent(elementID string, handler mserver.EventHandler) func() {
	a.mu.Lock()
	defer a.mu.Unlock()

	slot, ok := a.handlers[elementID]
	if !ok {
		slot = make(map[uint64]mserver.EventHandler)
		a.handlers[elementID] = slot
	}
	a.nextSeq++
	seq := a.nextSeq
	slot[seq] = handler

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if slot, ok := a.handlers[elementID]; ok {
			delete(slot, seq)
			if len(slot) == 0 {
				delete(a.handlers, elementID)
			}
		}
	}
}

// dispatch fans one backend event out to the element's handlers.
func (a *ElementAdapter) dispatch(evt mserver.ElementEvent) {
	a.mu.RLock()
	slot := a.handlers[evt.ElementID]
	handlers := make([]mserver.EventHandler, 0, len(slot))
	for _, fn := range slot {
		handlers = append(handlers, fn)
	}
	a.mu.RUnlock()

	for _, fn := range handlers {
		fn(evt)
	}
}

// purgeHost drops all state tied to an offline host without backend
// round-trips to it.
func (a *ElementAdapter) purgeHost(hostID string) {
	a.pipelines.PurgeHost(hostID)
	a.purgeTransposersOnHost(hostID)

	a.mu.Lock()
	for elementID, ref := range a.elements {
		if ref.host.ID == hostID {
			delete(a.elements, elementID)
			delete(a.handlers, elementID)
		}
	}
	a.mu.Unlock()

	slog.Warn("[Adapter] Purged offline host state", "host_id", hostID)
}

// Close detaches from driver event streams and the bus.
func (a *ElementAdapter) Close() error {
	for _, cancel := range a.driverCancels {
		cancel()
	}
	a.bus.Unsubscribe(a.offlineSub)
	return nil
}

func (a *ElementAdapter) trackElement(elementID string, host *balancer.Host, roomID string, profile mserver.Profile) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.elements[elementID] = &elementRef{host: host, roomID: roomID, profile: profile}
}

func (a *ElementAdapter) untrackElement(elementID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.elements, elementID)
	delete(a.handlers, elementID)
}

// negotiatesSDP reports whether a session type exchanges descriptors.
func negotiatesSDP(t media.SessionType) bool {
	switch t {
	case media.SessionWebRTC, media.SessionRTP:
		return true
	default:
		return false
	}
}

// usableAnswer reports whether an answer left at least one negotiable
// section.
func usableAnswer(answer string) bool {
	return sdputil.HasAvailableAudioCodec(answer) || sdputil.HasAvailableVideoCodec(answer)
}

// elementOptions flattens session options into backend element options.
func elementOptions(params media.NegotiateParams) map[string]string {
	opts := make(map[string]string)
	for key, value := range params.Options.Extra {
		opts[key] = value
	}
	if params.Options.URI != "" {
		opts["uri"] = params.Options.URI
	}
	if params.Options.RecordingPath != "" {
		opts["recordingPath"] = params.Options.RecordingPath
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}
