package adapter

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sebas/confbridge/internal/balancer"
	"github.com/sebas/confbridge/internal/events"
	"github.com/sebas/confbridge/internal/media"
	"github.com/sebas/confbridge/internal/mserver"
)

const testSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 10.0.0.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 10.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 4000 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"m=video 4002 RTP/AVP 96 97\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"a=rtpmap:97 VP8/90000\r\n"

// fakeDriver records every RPC and confirms transpositions by emitting
// the flow event when an RTP endpoint processes an offer.
type fakeDriver struct {
	id            string
	pipelineDelay time.Duration

	pipelinesCreated  atomic.Int32
	offersGenerated   atomic.Int32
	pipelinesReleased atomic.Int32

	mu               sync.Mutex
	nextElement      int
	rtpElements      map[string]bool
	elementsReleased []string
	connects         [][3]string
	disconnects      [][3]string
	handlers         []mserver.EventHandler
}

func newTestDriver(id string) *fakeDriver {
	return &fakeDriver{id: id, rtpElements: make(map[string]bool)}
}

func (d *fakeDriver) CreatePipeline(_ context.Context, roomID string) (string, error) {
	if d.pipelineDelay > 0 {
		time.Sleep(d.pipelineDelay)
	}
	d.pipelinesCreated.Add(1)
	return d.id + "-pipe-" + roomID, nil
}

func (d *fakeDriver) ReleasePipeline(context.Context, string) error {
	d.pipelinesReleased.Add(1)
	return nil
}

func (d *fakeDriver) CreateElement(_ context.Context, _ string, typ mserver.ElementType, _ map[string]string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextElement++
	id := d.id + "-el-" + strings.Repeat("i", d.nextElement)
	if typ == mserver.ElementRTP {
		d.rtpElements[id] = true
	}
	return id, nil
}

func (d *fakeDriver) ReleaseElement(_ context.Context, elementID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.elementsReleased = append(d.elementsReleased, elementID)
	return nil
}

func (d *fakeDriver) ProcessOffer(_ context.Context, elementID, _ string) (string, error) {
	d.mu.Lock()
	isRTP := d.rtpElements[elementID]
	handlers := append([]mserver.EventHandler(nil), d.handlers...)
	d.mu.Unlock()

	if isRTP {
		for _, fn := range handlers {
			fn(mserver.ElementEvent{Kind: mserver.EventTransposed, ElementID: elementID})
		}
	}
	return testSDP, nil
}

func (d *fakeDriver) ProcessAnswer(context.Context, string, string) error { return nil }

func (d *fakeDriver) GenerateOffer(context.Context, string) (string, error) {
	d.offersGenerated.Add(1)
	return testSDP, nil
}

func (d *fakeDriver) GatherCandidates(context.Context, string) error { return nil }
func (d *fakeDriver) AddIceCandidate(context.Context, string, mserver.IceCandidate) error {
	return nil
}

func (d *fakeDriver) Connect(_ context.Context, srcID, sinkID string, kind mserver.ConnectKind) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects = append(d.connects, [3]string{srcID, sinkID, string(kind)})
	return nil
}

func (d *fakeDriver) Disconnect(_ context.Context, srcID, sinkID string, kind mserver.ConnectKind) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnects = append(d.disconnects, [3]string{srcID, sinkID, string(kind)})
	return nil
}

func (d *fakeDriver) StartRecording(context.Context, string, string) error { return nil }
func (d *fakeDriver) StopRecording(context.Context, string) error          { return nil }
func (d *fakeDriver) SetVideoFloor(context.Context, string, string) error  { return nil }
func (d *fakeDriver) SetLayout(context.Context, string, string) error      { return nil }
func (d *fakeDriver) SetVolume(context.Context, string, int) error         { return nil }
func (d *fakeDriver) Mute(context.Context, string) error                   { return nil }
func (d *fakeDriver) Unmute(context.Context, string) error                 { return nil }
func (d *fakeDriver) RequestKeyframe(context.Context, string) error        { return nil }

func (d *fakeDriver) Subscribe(handler mserver.EventHandler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, handler)
	return func() {}
}

func (d *fakeDriver) Ready() bool  { return true }
func (d *fakeDriver) Close() error { return nil }

func newTestAdapter(t *testing.T, drivers ...*fakeDriver) (*ElementAdapter, *events.Bus, *balancer.Balancer) {
	t.Helper()
	bus := events.NewBus()
	hosts := make([]*balancer.Host, 0, len(drivers))
	for i, d := range drivers {
		hosts = append(hosts, balancer.NewHost(d.id, "10.0.0."+string(rune('1'+i)), d))
	}
	bal, err := balancer.New(balancer.DefaultConfig(), bus, hosts)
	if err != nil {
		t.Fatalf("balancer.New: %v", err)
	}
	t.Cleanup(func() {
		if err := bal.Close(); err != nil {
			t.Errorf("balancer close: %v", err)
		}
	})
	a := New(bal, bus, mserver.ProfileAll)
	t.Cleanup(func() {
		if err := a.Close(); err != nil {
			t.Errorf("adapter close: %v", err)
		}
	})
	return a, bus, bal
}

func negotiate(t *testing.T, a *ElementAdapter, roomID string) *media.Unit {
	t.Helper()
	units, err := a.Negotiate(context.Background(), media.NegotiateParams{
		RoomID:     roomID,
		UserID:     "user",
		SessionID:  "session",
		Descriptor: testSDP,
		Type:       media.SessionWebRTC,
		Profile:    mserver.ProfileMain,
	})
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if len(units) != 1 {
		t.Fatalf("got %d units, want 1", len(units))
	}
	return units[0]
}

func TestPipelineCreationCoalesced(t *testing.T) {
	driver := newTestDriver("h1")
	driver.pipelineDelay = 20 * time.Millisecond
	a, _, _ := newTestAdapter(t, driver)

	errCh := make(chan error, 8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Negotiate(context.Background(), media.NegotiateParams{
				RoomID:     "room-1",
				UserID:     "user",
				SessionID:  "session",
				Descriptor: testSDP,
				Type:       media.SessionWebRTC,
				Profile:    mserver.ProfileMain,
			})
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("Negotiate: %v", err)
		}
	}

	if got := driver.pipelinesCreated.Load(); got != 1 {
		t.Errorf("pipelines created = %d, want 1", got)
	}
	if got := a.pipelines.ActiveElements("room-1", "h1"); got != 8 {
		t.Errorf("active elements = %d, want 8", got)
	}
}

func TestPipelineReleasedAtZeroElements(t *testing.T) {
	driver := newTestDriver("h1")
	a, _, _ := newTestAdapter(t, driver)

	u1 := negotiate(t, a, "room-1")
	u2 := negotiate(t, a, "room-1")

	ctx := context.Background()
	if err := a.Release(ctx, u1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := driver.pipelinesReleased.Load(); got != 0 {
		t.Fatalf("pipeline released while elements remain")
	}
	if err := a.Release(ctx, u2); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := driver.pipelinesReleased.Load(); got != 1 {
		t.Errorf("pipeline releases = %d, want 1", got)
	}
}

func TestCrossHostConnectSharesTransposer(t *testing.T) {
	src := newTestDriver("h1")
	sink := newTestDriver("h2")
	a, _, _ := newTestAdapter(t, src, sink)

	ctx := context.Background()
	// Round-robin alternates hosts; units land on different ones.
	u1 := negotiate(t, a, "room-1")
	u2 := negotiate(t, a, "room-1")
	if u1.Host.ID == u2.Host.ID {
		t.Fatalf("units should land on different hosts")
	}

	if err := a.Connect(ctx, u1, u2, mserver.ConnectAll); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := a.Connect(ctx, u1, u2, mserver.ConnectAudio); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	srcDriver := src
	if u1.Host.ID == "h2" {
		srcDriver = sink
	}
	if got := srcDriver.offersGenerated.Load(); got != 1 {
		t.Errorf("transposer handshakes = %d, want 1 shared pair", got)
	}

	a.transposers.mu.Lock()
	pairs := len(a.transposers.pairs)
	a.transposers.mu.Unlock()
	if pairs != 1 {
		t.Errorf("transposer pairs = %d, want 1", pairs)
	}
}

func TestCrossHostDisconnectKeepsPair(t *testing.T) {
	src := newTestDriver("h1")
	sink := newTestDriver("h2")
	a, _, _ := newTestAdapter(t, src, sink)

	ctx := context.Background()
	u1 := negotiate(t, a, "room-1")
	u2 := negotiate(t, a, "room-1")

	if err := a.Connect(ctx, u1, u2, mserver.ConnectAll); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := a.Disconnect(ctx, u1, u2, mserver.ConnectAll); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	a.transposers.mu.Lock()
	pairs := len(a.transposers.pairs)
	a.transposers.mu.Unlock()
	if pairs != 1 {
		t.Errorf("pair should survive sink disconnect, pairs = %d", pairs)
	}

	// Reconnecting reuses the pair without a second handshake.
	if err := a.Connect(ctx, u1, u2, mserver.ConnectVideo); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	total := src.offersGenerated.Load() + sink.offersGenerated.Load()
	if total != 1 {
		t.Errorf("handshakes = %d, want 1", total)
	}
}

func TestSourceReleaseTearsDownTransposers(t *testing.T) {
	src := newTestDriver("h1")
	sink := newTestDriver("h2")
	a, _, _ := newTestAdapter(t, src, sink)

	ctx := context.Background()
	u1 := negotiate(t, a, "room-1")
	u2 := negotiate(t, a, "room-1")
	if err := a.Connect(ctx, u1, u2, mserver.ConnectAll); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := a.Release(ctx, u1); err != nil {
		t.Fatalf("Release: %v", err)
	}

	a.transposers.mu.Lock()
	pairs := len(a.transposers.pairs)
	a.transposers.mu.Unlock()
	if pairs != 0 {
		t.Errorf("pairs after source release = %d, want 0", pairs)
	}
}

func TestHostOfflinePurgesWithoutRPC(t *testing.T) {
	driver := newTestDriver("h1")
	a, bus, _ := newTestAdapter(t, driver)

	negotiate(t, a, "room-1")
	before := driver.pipelinesReleased.Load()

	evt := events.New(events.MediaServerOffline, "h1")
	bus.Publish(evt)

	if got := a.pipelines.ActiveElements("room-1", "h1"); got != 0 {
		t.Errorf("pipeline state should be purged, active = %d", got)
	}
	if got := driver.pipelinesReleased.Load(); got != before {
		t.Errorf("purge must not issue release RPCs to the offline host")
	}
}

func TestNegotiateOfferGeneration(t *testing.T) {
	driver := newTestDriver("h1")
	a, _, _ := newTestAdapter(t, driver)

	units, err := a.Negotiate(context.Background(), media.NegotiateParams{
		RoomID:    "room-1",
		UserID:    "user",
		SessionID: "session",
		Type:      media.SessionRTP,
		Profile:   mserver.ProfileMain,
	})
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if len(units) != 1 {
		t.Fatalf("got %d units, want 1", len(units))
	}
	local := units[0].LocalDescriptor()
	if local == "" {
		t.Fatal("expected a generated offer")
	}
	if strings.Contains(local, "AVPF") {
		t.Errorf("RTP session offer must be AVP only:\n%s", local)
	}
}
