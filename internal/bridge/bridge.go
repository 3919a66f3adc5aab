// Package bridge mirrors conference events onto the legacy Redis bus
// and accepts legacy commands back. The bridge is best-effort: a slow
// or absent Redis never blocks the in-process bus.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sebas/confbridge/internal/events"
	"github.com/sebas/confbridge/internal/metrics"
)

// CommandChannel is the Redis channel carrying legacy commands inbound.
const CommandChannel = "confbridge.commands"

// egressBuffer bounds the outbound queue; events beyond it are dropped
// and counted.
const egressBuffer = 1024

// Commands is the controller surface the bridge dispatches legacy
// commands into.
type Commands interface {
	SetConferenceFloor(ctx context.Context, roomID, mediaID string) error
	ReleaseConferenceFloor(ctx context.Context, roomID string) error
	SetContentFloor(ctx context.Context, roomID, mediaID string) error
	ReleaseContentFloor(ctx context.Context, roomID string) error
	SetLayout(ctx context.Context, roomID, layout string) error
}

// Config holds the Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Bridge is the Redis sidecar.
type Bridge struct {
	client   *redis.Client
	bus      *events.Bus
	commands Commands

	outCh  chan events.Event
	subs   []events.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// command is the legacy bus command frame.
type command struct {
	Action  string `json:"action"`
	RoomID  string `json:"room_id"`
	MediaID string `json:"media_id,omitempty"`
	Layout  string `json:"layout,omitempty"`
}

// New creates a bridge over a Redis address.
func New(cfg Config, bus *events.Bus, commands Commands) *Bridge {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Bridge{
		client:   client,
		bus:      bus,
		commands: commands,
		outCh:    make(chan events.Event, egressBuffer),
	}
}

// Start mirrors every bus event outbound and begins consuming legacy
// commands.
func (b *Bridge) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	for _, kind := range events.AllKinds {
		sub := b.bus.Subscribe(kind, events.WildcardIdentifier, func(evt events.Event) {
			select {
			case b.outCh <- evt:
			default:
				metrics.BridgeDropped.Inc()
			}
		})
		b.subs = append(b.subs, sub)
	}

	b.wg.Add(2)
	go b.egressLoop(ctx)
	go b.ingressLoop(ctx)

	slog.Info("[Bridge] Started", "redis", b.client.Options().Addr)
}

// egressLoop publishes queued events to their subject channels.
func (b *Bridge) egressLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-b.outCh:
			payload, err := json.Marshal(evt)
			if err != nil {
				slog.Warn("[Bridge] Failed to marshal event", "kind", string(evt.Kind), "error", err)
				continue
			}
			if err := b.client.Publish(ctx, evt.Subject(), payload).Err(); err != nil {
				metrics.BridgeDropped.Inc()
				slog.Debug("[Bridge] Failed to publish event",
					"subject", evt.Subject(), "error", err)
				continue
			}
			metrics.EventsPublished.WithLabelValues(string(evt.Kind)).Inc()
		}
	}
}

// ingressLoop consumes legacy commands, resubscribing with backoff on
// stream failure.
func (b *Bridge) ingressLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		pubsub := b.client.Subscribe(ctx, CommandChannel)
		ch := pubsub.Channel()

	receive:
		for {
			select {
			case <-ctx.Done():
				if err := pubsub.Close(); err != nil {
					slog.Debug("[Bridge] Failed to close subscription", "error", err)
				}
				return
			case msg, ok := <-ch:
				if !ok {
					break receive
				}
				b.handleCommand(ctx, msg.Payload)
			}
		}

		if err := pubsub.Close(); err != nil {
			slog.Debug("[Bridge] Failed to close subscription", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
		slog.Warn("[Bridge] Resubscribing to command channel")
	}
}

// handleCommand parses and dispatches one legacy command frame.
func (b *Bridge) handleCommand(ctx context.Context, payload string) {
	var cmd command
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		slog.Warn("[Bridge] Unparseable command", "error", err)
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var err error
	switch cmd.Action {
	case "floor.conference.set":
		err = b.commands.SetConferenceFloor(opCtx, cmd.RoomID, cmd.MediaID)
	case "floor.conference.release":
		err = b.commands.ReleaseConferenceFloor(opCtx, cmd.RoomID)
	case "floor.content.set":
		err = b.commands.SetContentFloor(opCtx, cmd.RoomID, cmd.MediaID)
	case "floor.content.release":
		err = b.commands.ReleaseContentFloor(opCtx, cmd.RoomID)
	case "layout.set":
		err = b.commands.SetLayout(opCtx, cmd.RoomID, cmd.Layout)
	default:
		slog.Warn("[Bridge] Unknown command", "action", cmd.Action)
		return
	}
	if err != nil {
		slog.Warn("[Bridge] Command failed", "action", cmd.Action, "room_id", cmd.RoomID, "error", err)
	}
}

// Close stops the loops and closes the Redis client.
func (b *Bridge) Close() error {
	for _, sub := range b.subs {
		b.bus.Unsubscribe(sub)
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	return b.client.Close()
}
