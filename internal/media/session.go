package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sebas/confbridge/internal/cberrors"
	"github.com/sebas/confbridge/internal/events"
	"github.com/sebas/confbridge/internal/mserver"
	"github.com/sebas/confbridge/internal/sdputil"
)

// Session is a negotiation envelope exposed to clients: one or more
// media units created from one offer/answer exchange.
type Session struct {
	ID      string
	Name    string
	RoomID  string
	UserID  string
	Type    SessionType
	Profile mserver.Profile
	Options Options

	adapter Adapter
	bus     *events.Bus

	// opMu linearizes Process/Connect/Disconnect/Stop per session.
	// One operation may suspend on a backend call mid-update, so the
	// cooperative model still needs mutual exclusion here.
	opMu sync.Mutex

	stateMu                       sync.RWMutex
	medias                        []*Unit
	role                          Role
	shouldRenegotiate             bool
	shouldProcessRemoteAsAnswerer bool
	remoteDescriptor              string
	localDescriptor               string
	processedRemote               string
	chosenCodecs                  map[string][]string
	strategy                      string
	stopped                       bool

	dtmf        *dtmfAggregator
	dtmfCancels []func()
}

// NegotiationRole returns the session role.
func (s *Session) NegotiationRole() Role {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.role
}

// ShouldRenegotiate reports the renegotiation flag.
func (s *Session) ShouldRenegotiate() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.shouldRenegotiate
}

// ShouldProcessRemoteAsAnswerer reports the answer-processing flag.
func (s *Session) ShouldProcessRemoteAsAnswerer() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.shouldProcessRemoteAsAnswerer
}

// RemoteDescriptor returns the stored remote SDP.
func (s *Session) RemoteDescriptor() string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.remoteDescriptor
}

// LocalDescriptor returns the stored local SDP.
func (s *Session) LocalDescriptor() string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.localDescriptor
}

// Medias returns a snapshot of the session's units in negotiation order.
func (s *Session) Medias() []*Unit {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	out := make([]*Unit, len(s.medias))
	copy(out, s.medias)
	return out
}

// Strategy returns the policy attached to the session.
func (s *Session) Strategy() string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.strategy
}

// SetStrategy attaches a policy to the session.
func (s *Session) SetStrategy(strategy string) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.strategy = strategy
}

// SetRemoteDescriptor assigns the remote SDP and drives the role state
// machine:
//   - first remote with no local: role becomes ANSWERER
//   - remote after local (offerer answer): flag processing as answerer
//     and emit MEDIA_NEGOTIATED on the false->true transition
//   - remote when both descriptors already set: flag renegotiation
func (s *Session) SetRemoteDescriptor(descriptor string) {
	if descriptor == "" {
		return
	}

	s.stateMu.Lock()
	prevRemote := s.remoteDescriptor
	s.remoteDescriptor = descriptor

	emitNegotiated := false
	switch {
	case s.role == RoleNone && s.localDescriptor == "":
		s.role = RoleAnswerer
	case s.role == RoleOfferer && prevRemote == "":
		if !s.shouldProcessRemoteAsAnswerer {
			s.shouldProcessRemoteAsAnswerer = true
			emitNegotiated = true
		}
	case prevRemote != "" && s.localDescriptor != "":
		s.shouldRenegotiate = true
	}
	s.stateMu.Unlock()

	if emitNegotiated {
		s.emit(events.MediaNegotiated, nil)
	}
}

// SetLocalDescriptor assigns the local SDP. The first local descriptor
// with no remote makes the session the OFFERER.
func (s *Session) SetLocalDescriptor(descriptor string) {
	s.stateMu.Lock()
	if s.role == RoleNone && s.remoteDescriptor == "" {
		s.role = RoleOfferer
	}
	s.localDescriptor = descriptor
	s.stateMu.Unlock()
}

// Process negotiates the session and returns the local SDP answer, or a
// locally generated offer when no remote descriptor was provided.
func (s *Session) Process(ctx context.Context) (string, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.stateMu.RLock()
	renegotiate := s.shouldRenegotiate || s.shouldProcessRemoteAsAnswerer
	remote := s.remoteDescriptor
	alreadyProcessed := len(s.medias) > 0 && s.processedRemote == remote
	local := s.localDescriptor
	s.stateMu.RUnlock()

	if renegotiate {
		return s.renegotiate(ctx)
	}
	if alreadyProcessed {
		// Idempotent under the same remote descriptor.
		return local, nil
	}

	var (
		units []*Unit
		err   error
	)
	if composed := s.adapter.Composed(); composed != nil {
		units, err = s.negotiateComposed(ctx, remote, composed)
	} else {
		units, err = s.adapter.Negotiate(ctx, NegotiateParams{
			RoomID:     s.RoomID,
			UserID:     s.UserID,
			SessionID:  s.ID,
			Descriptor: remote,
			Type:       s.Type,
			Profile:    s.Profile,
			Options:    s.Options,
		})
	}
	if err != nil {
		return "", err
	}

	if remote != "" && len(units) == 0 {
		return "", cberrors.WithMessage(cberrors.ErrNoAvailableCodec, "no unit negotiated for session %s", s.ID)
	}

	for _, unit := range units {
		unit.SetName(s.Name)
		unit.BindEvents(s.adapter, s.bus)
		if unit.MediaTypes().Audio.Active() {
			s.attachDTMF(unit)
		}
	}

	answer := s.reassembleLocal(units)

	if remote != "" && answer != "" {
		if sdputil.HasAvailableVideoCodec(remote) != sdputil.HasAvailableVideoCodec(answer) {
			return "", cberrors.WithMessage(cberrors.ErrNoAvailableCodec, "video codec mismatch for session %s", s.ID)
		}
		if sdputil.HasAvailableAudioCodec(remote) != sdputil.HasAvailableAudioCodec(answer) {
			return "", cberrors.WithMessage(cberrors.ErrNoAvailableCodec, "audio codec mismatch for session %s", s.ID)
		}
	}

	s.stateMu.Lock()
	s.medias = units
	s.processedRemote = remote
	if s.role == RoleNone && remote == "" {
		s.role = RoleOfferer
	}
	s.localDescriptor = answer
	s.stateMu.Unlock()

	if answer != "" {
		if chosen, err := sdputil.ChosenCodecs(answer); err == nil {
			s.stateMu.Lock()
			s.chosenCodecs = chosen
			s.stateMu.Unlock()
		}
	}

	if s.NegotiationRole() == RoleAnswerer {
		s.emit(events.MediaNegotiated, nil)
	}

	slog.Info("[MediaSession] Negotiated",
		"session_id", s.ID, "room_id", s.RoomID, "user_id", s.UserID,
		"type", string(s.Type), "units", len(units), "role", s.NegotiationRole().String())

	return answer, nil
}

// composedOrder fixes the profile ordering for offer generation.
var composedOrder = []mserver.Profile{mserver.ProfileAudio, mserver.ProfileMain, mserver.ProfileContent}

// negotiateComposed fan-splits negotiation per media profile across the
// composed adapter's children and collects the units in offer order.
func (s *Session) negotiateComposed(ctx context.Context, remote string, composed map[mserver.Profile]Negotiator) ([]*Unit, error) {
	type slot struct {
		profile    mserver.Profile
		descriptor string
	}

	var slots []slot
	if remote == "" {
		// Offer generation: the session profile decides which planes
		// participate.
		wanted := map[mserver.Profile]bool{}
		switch s.Profile {
		case mserver.ProfileAudio:
			wanted[mserver.ProfileAudio] = true
		case mserver.ProfileContent:
			wanted[mserver.ProfileContent] = true
		case mserver.ProfileMain:
			wanted[mserver.ProfileAudio] = true
			wanted[mserver.ProfileMain] = true
		default:
			wanted[mserver.ProfileAudio] = true
			wanted[mserver.ProfileMain] = true
			wanted[mserver.ProfileContent] = true
		}
		for _, profile := range composedOrder {
			if wanted[profile] {
				slots = append(slots, slot{profile: profile})
			}
		}
	} else {
		if audio, ok := sdputil.AudioDescription(remote); ok {
			slots = append(slots, slot{profile: mserver.ProfileAudio, descriptor: audio})
		}
		if video, ok := sdputil.VideoDescription(remote); ok {
			slots = append(slots, slot{profile: mserver.ProfileMain, descriptor: video})
		}
		if content, ok := sdputil.ContentDescription(remote); ok {
			slots = append(slots, slot{profile: mserver.ProfileContent, descriptor: content})
		}
	}

	results := make([][]*Unit, len(slots))
	g, gctx := errgroup.WithContext(ctx)
	for i, sl := range slots {
		i, sl := i, sl
		negotiator, ok := composed[sl.profile]
		if !ok {
			continue
		}
		g.Go(func() error {
			units, err := negotiator.Negotiate(gctx, NegotiateParams{
				RoomID:     s.RoomID,
				UserID:     s.UserID,
				SessionID:  s.ID,
				Descriptor: sl.descriptor,
				Type:       s.Type,
				Profile:    sl.profile,
				Options:    s.Options,
			})
			if err != nil {
				return fmt.Errorf("negotiation failed for profile %s: %w", sl.profile, err)
			}
			for _, unit := range units {
				filterUnitToProfile(unit, sl.profile)
			}
			results[i] = units
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var units []*Unit
	for _, r := range results {
		units = append(units, r...)
	}
	return units, nil
}

// filterUnitToProfile narrows a unit's local descriptor to the media
// section of its profile. Per-profile backends may answer with sections
// they do not serve.
func filterUnitToProfile(unit *Unit, profile mserver.Profile) {
	local := unit.LocalDescriptor()
	if local == "" {
		return
	}
	var partial string
	var ok bool
	switch profile {
	case mserver.ProfileAudio:
		partial, ok = sdputil.AudioDescription(local)
	case mserver.ProfileMain:
		partial, ok = sdputil.VideoDescription(local)
	case mserver.ProfileContent:
		partial, ok = sdputil.ContentDescription(local)
	default:
		return
	}
	if ok {
		unit.SetLocalDescriptor(partial)
	}
}

// reassembleLocal rebuilds the session-level local descriptor from unit
// partials: audio first, then the rest in offer order, under one header
// taken from the first non-audio unit (or the first unit).
func (s *Session) reassembleLocal(units []*Unit) string {
	partials := make([]string, 0, len(units))
	for _, unit := range units {
		if local := unit.LocalDescriptor(); local != "" {
			partials = append(partials, local)
		}
	}
	if len(partials) == 0 {
		return ""
	}

	headerSource := ""
	for _, partial := range partials {
		if !sdputil.HasAvailableAudioCodec(partial) {
			headerSource = partial
			break
		}
	}
	if headerSource == "" {
		headerSource = partials[0]
	}
	header, err := sdputil.SessionHeader(headerSource)
	if err != nil {
		slog.Warn("[MediaSession] Failed to extract session header", "session_id", s.ID, "error", err)
		return partials[0]
	}
	return sdputil.Reassemble(header, partials)
}

// renegotiate applies a follow-up remote descriptor: each present kind is
// reduced to a single-m-line SDP (padding other kinds with inactive
// stubs) and fed to its element as an answer. A newly offered content
// section triggers creation of the content unit.
func (s *Session) renegotiate(ctx context.Context) (string, error) {
	s.stateMu.RLock()
	remote := s.remoteDescriptor
	s.stateMu.RUnlock()

	header, err := sdputil.SessionHeader(remote)
	if err != nil {
		return "", cberrors.Wrap(cberrors.ErrMediaInvalidOperation, err, "unparseable remote descriptor")
	}

	if audio, ok := sdputil.AudioDescription(remote); ok {
		if unit := s.firstAudioUnit(); unit != nil {
			reduced := header + sdputil.Body(audio)
			if err := s.adapter.ProcessAnswer(ctx, unit, reduced); err != nil {
				return "", err
			}
			unit.SetRemoteDescriptor(audio)
		}
	}

	if video, ok := sdputil.VideoDescription(remote); ok {
		if unit := s.videoUnit(); unit != nil {
			reduced := header + sdputil.InactiveStub(sdputil.MediaAudio) + sdputil.Body(video)
			if err := s.adapter.ProcessAnswer(ctx, unit, reduced); err != nil {
				return "", err
			}
			unit.SetRemoteDescriptor(video)
		}
	}

	if content, ok := sdputil.ContentDescription(remote); ok {
		if unit := s.contentUnit(); unit != nil {
			reduced := header + sdputil.InactiveStub(sdputil.MediaAudio) + sdputil.Body(content)
			if err := s.adapter.ProcessAnswer(ctx, unit, reduced); err != nil {
				return "", err
			}
			unit.SetRemoteDescriptor(content)
		} else if err := s.negotiateContent(ctx, content); err != nil {
			return "", err
		}
	}

	s.stateMu.Lock()
	s.shouldRenegotiate = false
	s.shouldProcessRemoteAsAnswerer = false
	s.processedRemote = remote
	units := make([]*Unit, len(s.medias))
	copy(units, s.medias)
	s.stateMu.Unlock()

	answer := s.reassembleLocal(units)
	s.stateMu.Lock()
	s.localDescriptor = answer
	s.stateMu.Unlock()

	s.emit(events.MediaRenegotiated, nil)

	slog.Info("[MediaSession] Renegotiated", "session_id", s.ID, "units", len(units))
	return answer, nil
}

// negotiateContent creates the content unit during renegotiation when a
// content section is offered for the first time.
func (s *Session) negotiateContent(ctx context.Context, contentPartial string) error {
	negotiator := Negotiator(s.adapter)
	if composed := s.adapter.Composed(); composed != nil {
		if n, ok := composed[mserver.ProfileContent]; ok {
			negotiator = n
		}
	}

	units, err := negotiator.Negotiate(ctx, NegotiateParams{
		RoomID:     s.RoomID,
		UserID:     s.UserID,
		SessionID:  s.ID,
		Descriptor: contentPartial,
		Type:       s.Type,
		Profile:    mserver.ProfileContent,
		Options:    s.Options,
	})
	if err != nil {
		return err
	}
	for _, unit := range units {
		filterUnitToProfile(unit, mserver.ProfileContent)
		unit.SetName(s.Name)
		unit.BindEvents(s.adapter, s.bus)
	}

	s.stateMu.Lock()
	s.medias = append(s.medias, units...)
	s.stateMu.Unlock()
	return nil
}

// attachDTMF forwards the element's DTMF events into the aggregator.
func (s *Session) attachDTMF(unit *Unit) {
	if s.dtmf == nil {
		return
	}
	cancel := s.adapter.OnElementEvent(unit.ElementID, func(evt mserver.ElementEvent) {
		if evt.Kind != mserver.EventDTMF {
			return
		}
		s.OnDTMF(evt.Tone)
	})
	s.dtmfCancels = append(s.dtmfCancels, cancel)
}

// OnDTMF feeds a digit into the aggregator and announces it.
func (s *Session) OnDTMF(tone string) {
	if s.dtmf != nil {
		s.dtmf.OnDigit(tone)
	}
	s.emit(events.DTMFReceived, tone)
}

// unitWhere returns the first unit satisfying pred.
func (s *Session) unitWhere(pred func(*Unit) bool) *Unit {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	for _, unit := range s.medias {
		if pred(unit) {
			return unit
		}
	}
	return nil
}

// firstAudioUnit returns the unit carrying audio, if any.
func (s *Session) firstAudioUnit() *Unit {
	return s.unitWhere(func(u *Unit) bool {
		return u.MediaTypes().Audio.Active() || u.Profile == mserver.ProfileAudio
	})
}

// videoUnit returns the main-video unit, if any.
func (s *Session) videoUnit() *Unit {
	return s.unitWhere(func(u *Unit) bool {
		return u.MediaTypes().Video.Active() || u.Profile == mserver.ProfileMain
	})
}

// contentUnit returns the content unit, if any.
func (s *Session) contentUnit() *Unit {
	return s.unitWhere(func(u *Unit) bool {
		return u.HasContent() || u.Profile == mserver.ProfileContent
	})
}

// ContentMedia returns the content unit for floor assignment.
func (s *Session) ContentMedia() *Unit {
	return s.contentUnit()
}

// VideoMedia returns the main-video unit for floor assignment.
func (s *Session) VideoMedia() *Unit {
	return s.videoUnit()
}

// MediaTypes returns the union of the units' directions.
func (s *Session) MediaTypes() Directions {
	var d Directions
	for _, unit := range s.Medias() {
		d = d.Merge(unit.MediaTypes())
	}
	return d
}

// kindMatch maps a connect kind to the unit predicate it targets.
func kindMatch(kind mserver.ConnectKind) func(*Unit) bool {
	switch kind {
	case mserver.ConnectAudio:
		return func(u *Unit) bool { return u.MediaTypes().Audio.Active() || u.Profile == mserver.ProfileAudio }
	case mserver.ConnectVideo:
		return func(u *Unit) bool { return u.MediaTypes().Video.Active() || u.Profile == mserver.ProfileMain }
	case mserver.ConnectContent:
		return func(u *Unit) bool { return u.HasContent() || u.Profile == mserver.ProfileContent }
	default:
		return func(u *Unit) bool { return true }
	}
}

// ConnectTo links this session's units to the sink session's units of
// the matching kind.
func (s *Session) ConnectTo(ctx context.Context, sink *Session, kind mserver.ConnectKind) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	match := kindMatch(kind)
	for _, src := range s.Medias() {
		if !match(src) {
			continue
		}
		for _, dst := range sink.Medias() {
			if !match(dst) {
				continue
			}
			if err := s.adapter.Connect(ctx, src, dst, kind); err != nil {
				return err
			}
		}
	}
	return nil
}

// DisconnectFrom unlinks this session's units from the sink session.
func (s *Session) DisconnectFrom(ctx context.Context, sink *Session, kind mserver.ConnectKind) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	match := kindMatch(kind)
	for _, src := range s.Medias() {
		if !match(src) {
			continue
		}
		for _, dst := range sink.Medias() {
			if !match(dst) {
				continue
			}
			if err := s.adapter.Disconnect(ctx, src, dst, kind); err != nil {
				return err
			}
		}
	}
	return nil
}

// AddIceCandidate relays a trickle candidate to every unit.
func (s *Session) AddIceCandidate(ctx context.Context, candidate mserver.IceCandidate) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	for _, unit := range s.Medias() {
		if err := s.adapter.AddIceCandidate(ctx, unit, candidate); err != nil {
			return err
		}
	}
	return nil
}

// StartRecording begins recording on a RECORDING session.
func (s *Session) StartRecording(ctx context.Context, path string) error {
	if s.Type != SessionRecording {
		return cberrors.WithMessage(cberrors.ErrMediaInvalidOperation, "session %s is not a recording session", s.ID)
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	for _, unit := range s.Medias() {
		if err := s.adapter.StartRecording(ctx, unit, path); err != nil {
			return err
		}
	}
	return nil
}

// StopRecording stops recording on a RECORDING session.
func (s *Session) StopRecording(ctx context.Context) error {
	if s.Type != SessionRecording {
		return cberrors.WithMessage(cberrors.ErrMediaInvalidOperation, "session %s is not a recording session", s.ID)
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	for _, unit := range s.Medias() {
		if err := s.adapter.StopRecording(ctx, unit); err != nil {
			return err
		}
	}
	return nil
}

// SetVolume adjusts gain on the audio unit and announces the change.
func (s *Session) SetVolume(ctx context.Context, volume int) error {
	unit := s.firstAudioUnit()
	if unit == nil {
		return cberrors.WithMessage(cberrors.ErrMediaInvalidOperation, "session %s has no audio unit", s.ID)
	}
	if err := s.adapter.SetVolume(ctx, unit, volume); err != nil {
		return err
	}
	evt := events.New(events.MediaVolumeChanged, unit.ID)
	evt.RoomID, evt.UserID, evt.MediaID = s.RoomID, s.UserID, unit.ID
	evt.Data = volume
	s.bus.Publish(evt)
	return nil
}

// Mute silences the audio unit and announces it.
func (s *Session) Mute(ctx context.Context) error {
	unit := s.firstAudioUnit()
	if unit == nil {
		return cberrors.WithMessage(cberrors.ErrMediaInvalidOperation, "session %s has no audio unit", s.ID)
	}
	if err := s.adapter.Mute(ctx, unit); err != nil {
		return err
	}
	evt := events.New(events.MediaMuted, unit.ID)
	evt.RoomID, evt.UserID, evt.MediaID = s.RoomID, s.UserID, unit.ID
	s.bus.Publish(evt)
	return nil
}

// Unmute restores the audio unit and announces it.
func (s *Session) Unmute(ctx context.Context) error {
	unit := s.firstAudioUnit()
	if unit == nil {
		return cberrors.WithMessage(cberrors.ErrMediaInvalidOperation, "session %s has no audio unit", s.ID)
	}
	if err := s.adapter.Unmute(ctx, unit); err != nil {
		return err
	}
	evt := events.New(events.MediaUnmuted, unit.ID)
	evt.RoomID, evt.UserID, evt.MediaID = s.RoomID, s.UserID, unit.ID
	s.bus.Publish(evt)
	return nil
}

// RequestKeyframe forces a keyframe from the video unit.
func (s *Session) RequestKeyframe(ctx context.Context) error {
	unit := s.videoUnit()
	if unit == nil {
		return cberrors.WithMessage(cberrors.ErrMediaInvalidOperation, "session %s has no video unit", s.ID)
	}
	if err := s.adapter.RequestKeyframe(ctx, unit); err != nil {
		return err
	}
	evt := events.New(events.KeyframeNeeded, unit.ID)
	evt.RoomID, evt.UserID, evt.MediaID = s.RoomID, s.UserID, unit.ID
	s.bus.Publish(evt)
	return nil
}

// GatherCandidates starts ICE gathering on every unit.
func (s *Session) GatherCandidates(ctx context.Context) error {
	for _, unit := range s.Medias() {
		if err := s.adapter.GatherCandidates(ctx, unit); err != nil {
			return err
		}
	}
	return nil
}

// Stop releases every unit and announces the disconnections. Stop is
// idempotent.
func (s *Session) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.stateMu.Lock()
	if s.stopped {
		s.stateMu.Unlock()
		return nil
	}
	s.stopped = true
	units := make([]*Unit, len(s.medias))
	copy(units, s.medias)
	s.medias = nil
	s.stateMu.Unlock()

	if s.dtmf != nil {
		s.dtmf.Stop()
	}
	for _, cancel := range s.dtmfCancels {
		cancel()
	}
	s.dtmfCancels = nil

	var firstErr error
	for _, unit := range units {
		unit.UnbindEvents()
		if err := s.adapter.Release(ctx, unit); err != nil && firstErr == nil {
			firstErr = err
		}
		evt := events.New(events.MediaDisconnected, unit.ID)
		evt.RoomID, evt.UserID, evt.MediaID = s.RoomID, s.UserID, unit.ID
		evt.Data = unit.Info()
		s.bus.Publish(evt)
	}

	slog.Info("[MediaSession] Stopped", "session_id", s.ID, "units", len(units))
	return firstErr
}

// emit publishes a session-scoped event.
func (s *Session) emit(kind events.Kind, data any) {
	evt := events.New(kind, s.ID)
	evt.RoomID = s.RoomID
	evt.UserID = s.UserID
	evt.Data = data
	s.bus.Publish(evt)
}

// Factory builds sessions wired to the adapter, bus, and DTMF sink.
type Factory struct {
	Adapter        Adapter
	Bus            *events.Bus
	Commands       FloorCommands
	DTMFTimeout    time.Duration
	DTMFCodeLength int
}

// NewSession creates an unstarted session of the given type.
func (f *Factory) NewSession(roomID, userID string, typ SessionType, profile mserver.Profile, opts Options) (*Session, error) {
	if typ == SessionURI && opts.URI == "" {
		return nil, cberrors.WithMessage(cberrors.ErrMediaInvalidOperation, "URI session requires a uri option")
	}
	if profile == "" {
		profile = mserver.ProfileMain
	}

	s := &Session{
		ID:      uuid.New().String(),
		Name:    opts.Name,
		RoomID:  roomID,
		UserID:  userID,
		Type:    typ,
		Profile: profile,
		Options: opts,
		adapter: f.Adapter,
		bus:     f.Bus,
	}
	s.dtmf = newDTMFAggregator(s, f.Commands, f.DTMFTimeout, f.DTMFCodeLength)
	return s, nil
}
