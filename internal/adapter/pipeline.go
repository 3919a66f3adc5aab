package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/sebas/confbridge/internal/balancer"
	"github.com/sebas/confbridge/internal/metrics"
)

// pipelineEntry is one live backend pipeline for a (room, host) pair.
type pipelineEntry struct {
	id             string
	roomID         string
	host           *balancer.Host
	activeElements int
}

// pipelineRegistry maintains exactly one pipeline per (room, host).
// Concurrent first-time requests coalesce on a single pending creation.
type pipelineRegistry struct {
	mu        sync.Mutex
	pipelines map[string]*pipelineEntry
	flight    singleflight.Group
}

func newPipelineRegistry() *pipelineRegistry {
	return &pipelineRegistry{
		pipelines: make(map[string]*pipelineEntry),
	}
}

func pipelineKey(roomID, hostID string) string {
	return roomID + "|" + hostID
}

// Get returns the pipeline ID for (room, host), creating it on first use.
// All concurrent waiters on the same key share one creation round-trip.
func (r *pipelineRegistry) Get(ctx context.Context, roomID string, host *balancer.Host) (string, error) {
	key := pipelineKey(roomID, host.ID)

	r.mu.Lock()
	if entry, ok := r.pipelines[key]; ok {
		r.mu.Unlock()
		return entry.id, nil
	}
	r.mu.Unlock()

	id, err, _ := r.flight.Do(key, func() (any, error) {
		// Re-check: a previous flight may have populated the entry.
		r.mu.Lock()
		if entry, ok := r.pipelines[key]; ok {
			r.mu.Unlock()
			return entry.id, nil
		}
		r.mu.Unlock()

		pipelineID, err := host.Driver.CreatePipeline(ctx, roomID)
		metrics.ObserveBackend("CreatePipeline", err)
		if err != nil {
			return nil, fmt.Errorf("failed to create pipeline for room %s on host %s: %w", roomID, host.ID, err)
		}

		r.mu.Lock()
		r.pipelines[key] = &pipelineEntry{
			id:     pipelineID,
			roomID: roomID,
			host:   host,
		}
		r.mu.Unlock()
		metrics.PipelinesActive.WithLabelValues(host.ID).Inc()

		slog.Info("[Pipelines] Created", "room_id", roomID, "host_id", host.ID, "pipeline_id", pipelineID)
		return pipelineID, nil
	})
	if err != nil {
		return "", err
	}
	return id.(string), nil
}

// AddElement bumps the element count of a pipeline.
func (r *pipelineRegistry) AddElement(roomID, hostID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.pipelines[pipelineKey(roomID, hostID)]; ok {
		entry.activeElements++
	}
}

// RemoveElement drops the element count and releases the pipeline when it
// reaches zero. The release completes before the registry slot frees, so
// a subsequent Get for the same key observes the released state.
func (r *pipelineRegistry) RemoveElement(ctx context.Context, roomID, hostID string) {
	key := pipelineKey(roomID, hostID)

	r.mu.Lock()
	entry, ok := r.pipelines[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	if entry.activeElements > 0 {
		entry.activeElements--
	}
	if entry.activeElements > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.pipelines, key)
	r.mu.Unlock()

	err := entry.host.Driver.ReleasePipeline(ctx, entry.id)
	metrics.ObserveBackend("ReleasePipeline", err)
	if err != nil {
		slog.Warn("[Pipelines] Failed to release", "pipeline_id", entry.id, "host_id", hostID, "error", err)
	}
	metrics.PipelinesActive.WithLabelValues(hostID).Dec()
	slog.Info("[Pipelines] Released", "room_id", roomID, "host_id", hostID, "pipeline_id", entry.id)
}

// ActiveElements returns the element count for a (room, host) pipeline.
func (r *pipelineRegistry) ActiveElements(roomID, hostID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.pipelines[pipelineKey(roomID, hostID)]; ok {
		return entry.activeElements
	}
	return 0
}

// PurgeHost drops every pipeline on an offline host without backend
// round-trips.
func (r *pipelineRegistry) PurgeHost(hostID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, entry := range r.pipelines {
		if entry.host.ID == hostID {
			delete(r.pipelines, key)
			metrics.PipelinesActive.WithLabelValues(hostID).Dec()
		}
	}
	slog.Info("[Pipelines] Purged host", "host_id", hostID)
}
