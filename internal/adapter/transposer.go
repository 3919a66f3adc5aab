package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sebas/confbridge/internal/balancer"
	"github.com/sebas/confbridge/internal/cberrors"
	"github.com/sebas/confbridge/internal/events"
	"github.com/sebas/confbridge/internal/media"
	"github.com/sebas/confbridge/internal/metrics"
	"github.com/sebas/confbridge/internal/mserver"
	"github.com/sebas/confbridge/internal/sdputil"
)

// transposeAwaitTimeout bounds the wait for the backend's transposition
// completion event.
const transposeAwaitTimeout = 10 * time.Second

// transposerPair is one established cross-host RTP bridge: an RTP
// endpoint on the source host streaming into an RTP endpoint on the
// sink host. Shared by every subscriber of (srcElement, sinkHost).
type transposerPair struct {
	key           string
	roomID        string
	srcHost       *balancer.Host
	sinkHost      *balancer.Host
	srcElementID  string
	sinkElementID string
	profile       mserver.Profile
}

// transposerRegistry deduplicates cross-host bridges. Concurrent
// subscribers of the same source on the same sink host share one
// creation round-trip.
type transposerRegistry struct {
	mu     sync.Mutex
	pairs  map[string]*transposerPair
	flight singleflight.Group
}

func newTransposerRegistry() *transposerRegistry {
	return &transposerRegistry{
		pairs: make(map[string]*transposerPair),
	}
}

func transposerKey(srcHostID, srcElementID, sinkHostID string) string {
	return srcHostID + "|" + srcElementID + "|" + sinkHostID
}

// ensureTransposer returns the bridge carrying src's media onto sink's
// host, establishing it on first use.
func (a *ElementAdapter) ensureTransposer(ctx context.Context, src, sink *media.Unit) (*transposerPair, error) {
	key := transposerKey(src.Host.ID, src.ElementID, sink.Host.ID)

	a.transposers.mu.Lock()
	if pair, ok := a.transposers.pairs[key]; ok {
		a.transposers.mu.Unlock()
		return pair, nil
	}
	a.transposers.mu.Unlock()

	result, err, _ := a.transposers.flight.Do(key, func() (any, error) {
		a.transposers.mu.Lock()
		if pair, ok := a.transposers.pairs[key]; ok {
			a.transposers.mu.Unlock()
			return pair, nil
		}
		a.transposers.mu.Unlock()

		pair, err := a.buildTransposer(ctx, key, src, sink)
		if err != nil {
			return nil, err
		}

		a.transposers.mu.Lock()
		a.transposers.pairs[key] = pair
		a.transposers.mu.Unlock()
		metrics.TransposersActive.Inc()

		evt := events.New(events.ElementTransposed, src.RoomID)
		evt.RoomID, evt.UserID, evt.MediaID = src.RoomID, src.UserID, src.ID
		evt.Data = map[string]string{
			"src_host":  src.Host.ID,
			"sink_host": sink.Host.ID,
		}
		a.bus.Publish(evt)

		return pair, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*transposerPair), nil
}

// buildTransposer performs the full cross-host handshake: RTP endpoints
// on both hosts, offer/answer with public IPs substituted, source
// attachment, and the wait for the sink's flow confirmation.
func (a *ElementAdapter) buildTransposer(ctx context.Context, key string, src, sink *media.Unit) (*transposerPair, error) {
	roomID := src.RoomID

	srcPipe, err := a.pipelines.Get(ctx, roomID, src.Host)
	if err != nil {
		return nil, err
	}
	sinkPipe, err := a.pipelines.Get(ctx, roomID, sink.Host)
	if err != nil {
		return nil, err
	}

	srcEndpoint, err := src.Host.Driver.CreateElement(ctx, srcPipe, mserver.ElementRTP, nil)
	metrics.ObserveBackend("CreateElement", err)
	if err != nil {
		return nil, fmt.Errorf("failed to create source transposer on host %s: %w", src.Host.ID, err)
	}
	a.pipelines.AddElement(roomID, src.Host.ID)

	sinkEndpoint, err := sink.Host.Driver.CreateElement(ctx, sinkPipe, mserver.ElementRTP, nil)
	metrics.ObserveBackend("CreateElement", err)
	if err != nil {
		a.releaseTransposerEndpoint(src.Host, srcEndpoint, roomID)
		return nil, fmt.Errorf("failed to create sink transposer on host %s: %w", sink.Host.ID, err)
	}
	a.pipelines.AddElement(roomID, sink.Host.ID)

	pair := &transposerPair{
		key:           key,
		roomID:        roomID,
		srcHost:       src.Host,
		sinkHost:      sink.Host,
		srcElementID:  srcEndpoint,
		sinkElementID: sinkEndpoint,
		profile:       src.Profile,
	}

	if err := a.handshakeTransposer(ctx, pair, src); err != nil {
		a.releaseTransposerEndpoint(src.Host, srcEndpoint, roomID)
		a.releaseTransposerEndpoint(sink.Host, sinkEndpoint, roomID)
		return nil, err
	}

	a.balancer.IncrementHostStreams(src.Host, src.Profile)
	a.balancer.IncrementHostStreams(sink.Host, src.Profile)

	slog.Info("[Transposer] Established",
		"room_id", roomID, "src_host", src.Host.ID, "sink_host", sink.Host.ID,
		"src_element", src.ElementID)
	return pair, nil
}

// handshakeTransposer negotiates the RTP leg between the two endpoints
// and attaches the source element.
func (a *ElementAdapter) handshakeTransposer(ctx context.Context, pair *transposerPair, src *media.Unit) error {
	offer, err := pair.srcHost.Driver.GenerateOffer(ctx, pair.srcElementID)
	metrics.ObserveBackend("GenerateOffer", err)
	if err != nil {
		return fmt.Errorf("transposer offer generation failed: %w", err)
	}

	// Main video crosses hosts as H.264 only; mixed codec sets confuse
	// the receiving composite.
	if src.Profile != mserver.ProfileAudio {
		offer, err = sdputil.FilterVideoCodec(offer, "H264")
		if err != nil {
			return err
		}
	}
	offer, err = sdputil.ReplaceConnectionAddress(offer, pair.srcHost.IP)
	if err != nil {
		return err
	}

	// Arm the completion watch before the answer lands so the flow
	// event cannot be missed.
	flowed := make(chan struct{}, 1)
	cancelWatch := pair.sinkHost.Driver.Subscribe(func(evt mserver.ElementEvent) {
		if evt.ElementID != pair.sinkElementID {
			return
		}
		if evt.Kind == mserver.EventTransposed || evt.Kind == mserver.EventFlowIn {
			select {
			case flowed <- struct{}{}:
			default:
			}
		}
	})
	defer cancelWatch()

	answer, err := pair.sinkHost.Driver.ProcessOffer(ctx, pair.sinkElementID, offer)
	metrics.ObserveBackend("ProcessOffer", err)
	if err != nil {
		return fmt.Errorf("transposer offer processing failed: %w", err)
	}
	answer, err = sdputil.ReplaceConnectionAddress(answer, pair.sinkHost.IP)
	if err != nil {
		return err
	}

	err = pair.srcHost.Driver.ProcessAnswer(ctx, pair.srcElementID, answer)
	metrics.ObserveBackend("ProcessAnswer", err)
	if err != nil {
		return fmt.Errorf("transposer answer processing failed: %w", err)
	}

	err = pair.srcHost.Driver.Connect(ctx, src.ElementID, pair.srcElementID, mserver.ConnectAll)
	metrics.ObserveBackend("Connect", err)
	if err != nil {
		return fmt.Errorf("failed to attach source to transposer: %w", err)
	}

	select {
	case <-flowed:
		return nil
	case <-ctx.Done():
		return cberrors.Wrap(cberrors.ErrServerRequestTimeout, ctx.Err(), "transposition interrupted")
	case <-time.After(transposeAwaitTimeout):
		return cberrors.WithMessage(cberrors.ErrServerRequestTimeout,
			"no media flow on sink host %s after transposition", pair.sinkHost.ID)
	}
}

// releaseTransposerEndpoint tears down one transposer RTP endpoint.
func (a *ElementAdapter) releaseTransposerEndpoint(host *balancer.Host, elementID, roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := host.Driver.ReleaseElement(ctx, elementID)
	metrics.ObserveBackend("ReleaseElement", err)
	if err != nil {
		slog.Warn("[Transposer] Failed to release endpoint",
			"host_id", host.ID, "element_id", elementID, "error", err)
	}
	a.pipelines.RemoveElement(ctx, roomID, host.ID)
}

// lookupTransposer returns an established bridge without creating one.
func (a *ElementAdapter) lookupTransposer(src, sink *media.Unit) (*transposerPair, bool) {
	a.transposers.mu.Lock()
	defer a.transposers.mu.Unlock()
	pair, ok := a.transposers.pairs[transposerKey(src.Host.ID, src.ElementID, sink.Host.ID)]
	return pair, ok
}

// releaseTransposersFor tears down every bridge sourced from the unit.
// Called when the source element is released; subscribers on other
// hosts lose the stream with it.
func (a *ElementAdapter) releaseTransposersFor(unit *media.Unit) {
	prefix := unit.Host.ID + "|" + unit.ElementID + "|"

	a.transposers.mu.Lock()
	doomed := make([]*transposerPair, 0, 2)
	for key, pair := range a.transposers.pairs {
		if strings.HasPrefix(key, prefix) {
			doomed = append(doomed, pair)
			delete(a.transposers.pairs, key)
		}
	}
	a.transposers.mu.Unlock()

	for _, pair := range doomed {
		a.releaseTransposerEndpoint(pair.srcHost, pair.srcElementID, pair.roomID)
		a.releaseTransposerEndpoint(pair.sinkHost, pair.sinkElementID, pair.roomID)
		a.balancer.DecrementHostStreams(pair.srcHost, pair.profile)
		a.balancer.DecrementHostStreams(pair.sinkHost, pair.profile)
		metrics.TransposersActive.Dec()
		slog.Info("[Transposer] Released",
			"room_id", pair.roomID, "src_host", pair.srcHost.ID, "sink_host", pair.sinkHost.ID)
	}
}

// purgeTransposersOnHost drops every bridge touching an offline host.
// Endpoints on the surviving side are still released over RPC.
func (a *ElementAdapter) purgeTransposersOnHost(hostID string) {
	a.transposers.mu.Lock()
	doomed := make([]*transposerPair, 0, 2)
	for key, pair := range a.transposers.pairs {
		if pair.srcHost.ID == hostID || pair.sinkHost.ID == hostID {
			doomed = append(doomed, pair)
			delete(a.transposers.pairs, key)
		}
	}
	a.transposers.mu.Unlock()

	for _, pair := range doomed {
		if pair.srcHost.ID != hostID {
			a.releaseTransposerEndpoint(pair.srcHost, pair.srcElementID, pair.roomID)
			a.balancer.DecrementHostStreams(pair.srcHost, pair.profile)
		}
		if pair.sinkHost.ID != hostID {
			a.releaseTransposerEndpoint(pair.sinkHost, pair.sinkElementID, pair.roomID)
			a.balancer.DecrementHostStreams(pair.sinkHost, pair.profile)
		}
		metrics.TransposersActive.Dec()
	}
	if len(doomed) > 0 {
		slog.Info("[Transposer] Purged host", "host_id", hostID, "pairs", len(doomed))
	}
}
