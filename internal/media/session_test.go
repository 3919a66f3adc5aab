package media

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sebas/confbridge/internal/balancer"
	"github.com/sebas/confbridge/internal/cberrors"
	"github.com/sebas/confbridge/internal/events"
	"github.com/sebas/confbridge/internal/mserver"
)

const answerSDP = "v=0\r\n" +
	"o=- 2 1 IN IP4 10.0.0.9\r\n" +
	"s=-\r\n" +
	"c=IN IP4 10.0.0.9\r\n" +
	"t=0 0\r\n" +
	"m=audio 4000 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=sendrecv\r\n" +
	"m=video 4002 RTP/AVP 96\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"a=sendrecv\r\n"

const contentAnswerSDP = "v=0\r\n" +
	"o=- 2 1 IN IP4 10.0.0.9\r\n" +
	"s=-\r\n" +
	"c=IN IP4 10.0.0.9\r\n" +
	"t=0 0\r\n" +
	"m=video 4004 RTP/AVP 97\r\n" +
	"a=rtpmap:97 H264/90000\r\n" +
	"a=content:slides\r\n" +
	"a=sendrecv\r\n"

// fakeAdapter fabricates one unit per negotiation, records releases and
// keeps element event handlers so tests can raise backend events.
type fakeAdapter struct {
	mu             sync.Mutex
	negotiations   int
	released       []string
	returnNoUnits  bool
	processAnswers []string
	handlers       map[string][]mserver.EventHandler
}

func (a *fakeAdapter) Negotiate(_ context.Context, params NegotiateParams) ([]*Unit, error) {
	a.mu.Lock()
	a.negotiations++
	elementID := "el-1"
	if a.negotiations > 1 {
		elementID = "el-2"
	}
	a.mu.Unlock()
	if a.returnNoUnits {
		return nil, nil
	}
	unit := NewUnit(params.SessionID, params.RoomID, params.UserID, params.Type, params.Profile,
		&balancer.Host{ID: "h1"}, elementID)
	if params.Descriptor != "" {
		unit.SetRemoteDescriptor(params.Descriptor)
	}
	if params.Profile == mserver.ProfileContent {
		unit.SetLocalDescriptor(contentAnswerSDP)
	} else {
		unit.SetLocalDescriptor(answerSDP)
	}
	return []*Unit{unit}, nil
}

func (a *fakeAdapter) Composed() map[mserver.Profile]Negotiator { return nil }

func (a *fakeAdapter) ProcessAnswer(_ context.Context, _ *Unit, answer string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.processAnswers = append(a.processAnswers, answer)
	return nil
}

func (a *fakeAdapter) GatherCandidates(context.Context, *Unit) error { return nil }
func (a *fakeAdapter) AddIceCandidate(context.Context, *Unit, mserver.IceCandidate) error {
	return nil
}
func (a *fakeAdapter) Connect(context.Context, *Unit, *Unit, mserver.ConnectKind) error {
	return nil
}
func (a *fakeAdapter) Disconnect(context.Context, *Unit, *Unit, mserver.ConnectKind) error {
	return nil
}
func (a *fakeAdapter) StartRecording(context.Context, *Unit, string) error { return nil }
func (a *fakeAdapter) StopRecording(context.Context, *Unit) error          { return nil }
func (a *fakeAdapter) SetVideoFloor(context.Context, *Unit, *Unit) error   { return nil }
func (a *fakeAdapter) SetLayout(context.Context, *Unit, string) error      { return nil }
func (a *fakeAdapter) SetVolume(context.Context, *Unit, int) error         { return nil }
func (a *fakeAdapter) Mute(context.Context, *Unit) error                   { return nil }
func (a *fakeAdapter) Unmute(context.Context, *Unit) error                 { return nil }
func (a *fakeAdapter) RequestKeyframe(context.Context, *Unit) error        { return nil }

func (a *fakeAdapter) Release(_ context.Context, unit *Unit) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.released = append(a.released, unit.ID)
	return nil
}

func (a *fakeAdapter) OnElementEvent(elementID string, handler mserver.EventHandler) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handlers == nil {
		a.handlers = make(map[string][]mserver.EventHandler)
	}
	a.handlers[elementID] = append(a.handlers[elementID], handler)
	return func() {}
}

// raise delivers a backend event to every handler bound to an element.
func (a *fakeAdapter) raise(elementID string, evt mserver.ElementEvent) {
	a.mu.Lock()
	handlers := append([]mserver.EventHandler(nil), a.handlers[elementID]...)
	a.mu.Unlock()
	for _, handler := range handlers {
		handler(evt)
	}
}

// fakeCommands records dispatched DTMF floor commands.
type fakeCommands struct {
	mu        sync.Mutex
	floors    []string
	layouts   []string
	subtitles []bool
}

func (c *fakeCommands) SetVideoFloor(_ context.Context, _ *Unit, arg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.floors = append(c.floors, arg)
	return nil
}

func (c *fakeCommands) SetLayout(_ context.Context, _ string, layout string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.layouts = append(c.layouts, layout)
	return nil
}

func (c *fakeCommands) ToggleSubtitle(_ context.Context, _ *Unit, perMedia bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subtitles = append(c.subtitles, perMedia)
	return nil
}

func newTestSession(t *testing.T) (*Session, *fakeAdapter, *events.Bus, *fakeCommands) {
	t.Helper()
	adapter := &fakeAdapter{}
	bus := events.NewBus()
	commands := &fakeCommands{}
	factory := &Factory{
		Adapter:     adapter,
		Bus:         bus,
		Commands:    commands,
		DTMFTimeout: 50 * time.Millisecond,
	}
	session, err := factory.NewSession("room-1", "user-1", SessionWebRTC, mserver.ProfileMain, Options{Name: "alice"})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return session, adapter, bus, commands
}

func TestRoleAnswererOnFirstRemote(t *testing.T) {
	session, _, _, _ := newTestSession(t)

	session.SetRemoteDescriptor(answerSDP)
	if got := session.NegotiationRole(); got != RoleAnswerer {
		t.Errorf("role = %v, want ANSWERER", got)
	}

	// The role never flips.
	session.SetLocalDescriptor(answerSDP)
	session.SetRemoteDescriptor(answerSDP)
	if got := session.NegotiationRole(); got != RoleAnswerer {
		t.Errorf("role flipped to %v", got)
	}
}

func TestRoleOffererOnFirstLocal(t *testing.T) {
	session, _, _, _ := newTestSession(t)

	session.SetLocalDescriptor(answerSDP)
	if got := session.NegotiationRole(); got != RoleOfferer {
		t.Errorf("role = %v, want OFFERER", got)
	}
}

func TestOffererAnswerFlagAndNegotiatedEvent(t *testing.T) {
	session, _, bus, _ := newTestSession(t)

	negotiated := 0
	bus.Subscribe(events.MediaNegotiated, events.WildcardIdentifier, func(events.Event) { negotiated++ })

	session.SetLocalDescriptor(answerSDP)
	session.SetRemoteDescriptor(answerSDP)

	if !session.ShouldProcessRemoteAsAnswerer() {
		t.Error("expected answer-processing flag after remote answer")
	}
	if negotiated != 1 {
		t.Errorf("MEDIA_NEGOTIATED emitted %d times, want 1", negotiated)
	}

	// Same transition again does not re-emit.
	session.SetRemoteDescriptor(answerSDP)
	if negotiated != 1 {
		t.Errorf("flag transition re-emitted, total %d", negotiated)
	}
}

func TestRenegotiationFlag(t *testing.T) {
	session, _, _, _ := newTestSession(t)

	session.SetRemoteDescriptor(answerSDP)
	if _, err := session.Process(context.Background()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	session.SetRemoteDescriptor(answerSDP)
	if !session.ShouldRenegotiate() {
		t.Error("expected renegotiation flag on second remote with local set")
	}
}

func TestProcessAnswersOfferAndEmits(t *testing.T) {
	session, adapter, bus, _ := newTestSession(t)

	negotiated := 0
	bus.Subscribe(events.MediaNegotiated, session.ID, func(events.Event) { negotiated++ })

	session.SetRemoteDescriptor(answerSDP)
	answer, err := session.Process(context.Background())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !strings.Contains(answer, "m=audio") {
		t.Errorf("answer missing audio:\n%s", answer)
	}
	if adapter.negotiations != 1 {
		t.Errorf("negotiations = %d, want 1", adapter.negotiations)
	}
	if negotiated != 1 {
		t.Errorf("MEDIA_NEGOTIATED emitted %d times, want 1 for answerer", negotiated)
	}
}

func TestProcessIdempotentUnderSameRemote(t *testing.T) {
	session, adapter, _, _ := newTestSession(t)

	session.SetRemoteDescriptor(answerSDP)
	first, err := session.Process(context.Background())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	second, err := session.Process(context.Background())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if first != second {
		t.Error("repeated Process should return the same answer")
	}
	if adapter.negotiations != 1 {
		t.Errorf("negotiations = %d, want 1", adapter.negotiations)
	}
}

func TestRenegotiationAddsContentUnit(t *testing.T) {
	session, adapter, bus, _ := newTestSession(t)

	renegotiated := 0
	bus.Subscribe(events.MediaRenegotiated, session.ID, func(events.Event) { renegotiated++ })

	session.SetRemoteDescriptor(answerSDP)
	if _, err := session.Process(context.Background()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := len(session.Medias()); got != 1 {
		t.Fatalf("units = %d, want 1", got)
	}

	offer := answerSDP +
		"m=video 4004 RTP/AVP 97\r\n" +
		"a=rtpmap:97 H264/90000\r\n" +
		"a=content:slides\r\n" +
		"a=sendrecv\r\n"
	session.SetRemoteDescriptor(offer)
	answer, err := session.Process(context.Background())
	if err != nil {
		t.Fatalf("renegotiation Process: %v", err)
	}

	if got := len(session.Medias()); got != 2 {
		t.Fatalf("units after renegotiation = %d, want 2", got)
	}
	content := session.ContentMedia()
	if content == nil {
		t.Fatal("no content unit after renegotiation")
	}
	if content.Profile != mserver.ProfileContent {
		t.Errorf("content unit profile = %s, want CONTENT", content.Profile)
	}
	if adapter.negotiations != 2 {
		t.Errorf("negotiations = %d, want 2", adapter.negotiations)
	}
	if len(adapter.processAnswers) != 2 {
		t.Errorf("answers processed = %d, want 2 for the existing audio and video", len(adapter.processAnswers))
	}
	if !strings.Contains(answer, "a=content:slides") {
		t.Errorf("answer missing content section:\n%s", answer)
	}
	if audioAt, contentAt := strings.Index(answer, "m=audio"), strings.Index(answer, "a=content:slides"); audioAt < 0 || audioAt > contentAt {
		t.Errorf("audio section should lead the answer:\n%s", answer)
	}
	if renegotiated != 1 {
		t.Errorf("MEDIA_RENEGOTIATED emitted %d times, want 1", renegotiated)
	}
}

func TestTalkingEventsForwarded(t *testing.T) {
	session, adapter, bus, _ := newTestSession(t)

	var kinds []events.Kind
	bus.Subscribe(events.MediaStartTalking, events.WildcardIdentifier, func(evt events.Event) {
		kinds = append(kinds, evt.Kind)
	})
	bus.Subscribe(events.MediaStopTalking, events.WildcardIdentifier, func(evt events.Event) {
		kinds = append(kinds, evt.Kind)
	})

	session.SetRemoteDescriptor(answerSDP)
	if _, err := session.Process(context.Background()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	unit := session.Medias()[0]

	adapter.raise(unit.ElementID, mserver.ElementEvent{Kind: mserver.EventStartTalking, ElementID: unit.ElementID})
	adapter.raise(unit.ElementID, mserver.ElementEvent{Kind: mserver.EventStopTalking, ElementID: unit.ElementID})

	if len(kinds) != 2 || kinds[0] != events.MediaStartTalking || kinds[1] != events.MediaStopTalking {
		t.Errorf("forwarded kinds = %v, want [talking.start talking.stop]", kinds)
	}
}

func TestProcessNoUnitsMeansNoCodec(t *testing.T) {
	session, adapter, _, _ := newTestSession(t)
	adapter.returnNoUnits = true

	session.SetRemoteDescriptor(answerSDP)
	_, err := session.Process(context.Background())
	if !errors.Is(err, cberrors.ErrNoAvailableCodec) {
		t.Errorf("err = %v, want MEDIA_NO_AVAILABLE_CODEC", err)
	}
}

func TestStopReleasesAndAnnounces(t *testing.T) {
	session, adapter, bus, _ := newTestSession(t)

	disconnected := 0
	bus.Subscribe(events.MediaDisconnected, "room-1", func(events.Event) { disconnected++ })

	session.SetRemoteDescriptor(answerSDP)
	if _, err := session.Process(context.Background()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	ctx := context.Background()
	if err := session.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(adapter.released) != 1 {
		t.Errorf("released %d units, want 1", len(adapter.released))
	}
	if disconnected != 1 {
		t.Errorf("MEDIA_DISCONNECTED emitted %d times, want 1", disconnected)
	}

	// Idempotent.
	if err := session.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if len(adapter.released) != 1 {
		t.Errorf("second Stop re-released units")
	}
}

func TestURISessionRequiresURI(t *testing.T) {
	_, _, bus, _ := newTestSession(t)
	factory := &Factory{Adapter: &fakeAdapter{}, Bus: bus}

	_, err := factory.NewSession("room-1", "user-1", SessionURI, mserver.ProfileMain, Options{})
	if !errors.Is(err, cberrors.ErrMediaInvalidOperation) {
		t.Errorf("err = %v, want MEDIA_INVALID_OPERATION", err)
	}

	if _, err := factory.NewSession("room-1", "user-1", SessionURI, mserver.ProfileMain, Options{URI: "file:///greeting.wav"}); err != nil {
		t.Errorf("URI session with uri option failed: %v", err)
	}
}

func TestRecordingOpsRejectOtherTypes(t *testing.T) {
	session, _, _, _ := newTestSession(t)
	if err := session.StartRecording(context.Background(), "/tmp/rec.webm"); !errors.Is(err, cberrors.ErrMediaInvalidOperation) {
		t.Errorf("err = %v, want MEDIA_INVALID_OPERATION", err)
	}
}

func TestDTMFCompleteCode(t *testing.T) {
	session, _, _, commands := newTestSession(t)

	session.OnDTMF("*")
	session.OnDTMF("3")
	commands.mu.Lock()
	subtitles := len(commands.subtitles)
	commands.mu.Unlock()
	if subtitles != 1 || commands.subtitles[0] {
		t.Errorf("expected one global subtitle toggle, got %v", commands.subtitles)
	}

	session.OnDTMF("#")
	session.OnDTMF("5")
	commands.mu.Lock()
	layouts := append([]string(nil), commands.layouts...)
	commands.mu.Unlock()
	if len(layouts) != 1 || layouts[0] != "5" {
		t.Errorf("layouts = %v, want [5]", layouts)
	}
}

func TestDTMFFloorCommand(t *testing.T) {
	session, _, _, commands := newTestSession(t)

	session.OnDTMF("*")
	session.OnDTMF("7")
	commands.mu.Lock()
	floors := append([]string(nil), commands.floors...)
	commands.mu.Unlock()
	if len(floors) != 1 || floors[0] != "7" {
		t.Errorf("floors = %v, want [7]", floors)
	}
}

func TestDTMFTimerDropsIncomplete(t *testing.T) {
	session, _, _, commands := newTestSession(t)

	session.OnDTMF("*")
	time.Sleep(120 * time.Millisecond)
	session.OnDTMF("#")
	session.OnDTMF("2")

	commands.mu.Lock()
	defer commands.mu.Unlock()
	if len(commands.floors) != 0 || len(commands.subtitles) != 0 {
		t.Errorf("incomplete floor code should be dropped: %v %v", commands.floors, commands.subtitles)
	}
	if len(commands.layouts) != 1 || commands.layouts[0] != "2" {
		t.Errorf("layouts = %v, want [2]", commands.layouts)
	}
}

func TestDTMFUnknownCommandDiscarded(t *testing.T) {
	session, _, _, commands := newTestSession(t)

	session.OnDTMF("4")
	session.OnDTMF("2")

	commands.mu.Lock()
	defer commands.mu.Unlock()
	if len(commands.floors)+len(commands.layouts)+len(commands.subtitles) != 0 {
		t.Error("unknown command must not dispatch")
	}
}

func TestDTMFReceivedEvent(t *testing.T) {
	session, _, bus, _ := newTestSession(t)

	var tones []string
	bus.Subscribe(events.DTMFReceived, session.ID, func(evt events.Event) {
		tones = append(tones, evt.Data.(string))
	})
	session.OnDTMF("9")
	if len(tones) != 1 || tones[0] != "9" {
		t.Errorf("tones = %v, want [9]", tones)
	}
}
