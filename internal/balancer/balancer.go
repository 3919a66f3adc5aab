// Package balancer maintains the media server host registry: per-host
// load counters by media profile, the host selection policy, and the
// health prober that broadcasts host-offline events.
package balancer

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sebas/confbridge/internal/events"
	"github.com/sebas/confbridge/internal/metrics"
	"github.com/sebas/confbridge/internal/mserver"
)

// Policy selects how GetHost picks among online hosts
type Policy string

const (
	// PolicyRoundRobin rotates a cursor across all online hosts
	PolicyRoundRobin Policy = "round-robin"
	// PolicyAffinity prefers hosts tagged for the requested profile,
	// falling back to the least-loaded online host
	PolicyAffinity Policy = "affinity"
)

// ParsePolicy validates a policy string, defaulting to round-robin.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyRoundRobin, PolicyAffinity:
		return Policy(s), nil
	case "":
		return PolicyRoundRobin, nil
	default:
		return "", fmt.Errorf("unknown balancer policy %q", s)
	}
}

// Host is one media server node. Shared-read by all sessions; mutated
// only by the balancer.
type Host struct {
	ID     string
	IP     string
	Driver mserver.Driver
	// Profiles tags the host for affinity selection; empty means any.
	Profiles []mserver.Profile

	online       atomic.Bool
	failCount    atomic.Int32
	successCount atomic.Int32

	mu   sync.RWMutex
	load map[mserver.Profile]int
}

// Online reports whether the host passed its last health checks.
func (h *Host) Online() bool {
	return h.online.Load()
}

// Load returns the stream count for a profile.
func (h *Host) Load(profile mserver.Profile) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.load[profile]
}

// TotalLoad returns the stream count across all profiles.
func (h *Host) TotalLoad() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, n := range h.load {
		total += n
	}
	return total
}

// serves reports whether the host is tagged for a profile.
func (h *Host) serves(profile mserver.Profile) bool {
	if len(h.Profiles) == 0 {
		return true
	}
	for _, p := range h.Profiles {
		if p == profile || p == mserver.ProfileAll {
			return true
		}
	}
	return false
}

// Config holds balancer configuration
type Config struct {
	Policy              Policy
	HealthCheckInterval time.Duration
	UnhealthyThreshold  int // consecutive failed probes before offline
	HealthyThreshold    int // consecutive successful probes before online
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Policy:              PolicyRoundRobin,
		HealthCheckInterval: 5 * time.Second,
		UnhealthyThreshold:  3,
		HealthyThreshold:    2,
	}
}

// Balancer is the host registry and selection policy.
type Balancer struct {
	mu        sync.RWMutex
	hosts     []*Host
	hostsByID map[string]*Host
	nextIndex atomic.Uint64 // round-robin cursor
	config    Config
	bus       *events.Bus
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a balancer over the given hosts and starts the prober.
func New(cfg Config, bus *events.Bus, hosts []*Host) (*Balancer, error) {
	if len(hosts) == 0 {
		return nil, fmt.Errorf("no media server hosts provided")
	}

	b := &Balancer{
		hosts:     make([]*Host, 0, len(hosts)),
		hostsByID: make(map[string]*Host, len(hosts)),
		config:    cfg,
		bus:       bus,
		stopCh:    make(chan struct{}),
	}

	for _, host := range hosts {
		if host.load == nil {
			host.load = make(map[mserver.Profile]int)
		}
		host.online.Store(host.Driver != nil && host.Driver.Ready())
		b.hosts = append(b.hosts, host)
		b.hostsByID[host.ID] = host
		slog.Info("[Balancer] Registered media server host",
			"host_id", host.ID, "ip", host.IP, "online", host.Online())
	}

	b.wg.Add(1)
	go b.prober()

	return b, nil
}

// NewHost builds a Host for registration.
func NewHost(id, ip string, driver mserver.Driver, profiles ...mserver.Profile) *Host {
	return &Host{
		ID:       id,
		IP:       ip,
		Driver:   driver,
		Profiles: profiles,
		load:     make(map[mserver.Profile]int),
	}
}

// ErrNoHostAvailable is returned when no online host can serve a profile.
var ErrNoHostAvailable = fmt.Errorf("no media server host available")

// GetHost selects a host for a profile using the configured policy.
func (b *Balancer) GetHost(profile mserver.Profile) (*Host, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	online := make([]*Host, 0, len(b.hosts))
	for _, h := range b.hosts {
		if h.Online() {
			online = append(online, h)
		}
	}
	if len(online) == 0 {
		return nil, ErrNoHostAvailable
	}

	switch b.config.Policy {
	case PolicyAffinity:
		var tagged []*Host
		for _, h := range online {
			if h.serves(profile) {
				tagged = append(tagged, h)
			}
		}
		if len(tagged) == 0 {
			tagged = online
		}
		// Least loaded among the candidates
		best := tagged[0]
		for _, h := range tagged[1:] {
			if h.TotalLoad() < best.TotalLoad() {
				best = h
			}
		}
		return best, nil
	default:
		idx := b.nextIndex.Add(1) % uint64(len(online))
		return online[idx], nil
	}
}

// RetrieveHost looks up a host by ID.
func (b *Balancer) RetrieveHost(id string) (*Host, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	host, ok := b.hostsByID[id]
	return host, ok
}

// Hosts returns a snapshot of the registry.
func (b *Balancer) Hosts() []*Host {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Host, len(b.hosts))
	copy(out, b.hosts)
	return out
}

// IncrementHostStreams bumps the load counter for a profile.
func (b *Balancer) IncrementHostStreams(host *Host, profile mserver.Profile) {
	host.mu.Lock()
	host.load[profile]++
	count := host.load[profile]
	host.mu.Unlock()
	metrics.HostStreams.WithLabelValues(host.ID, string(profile)).Set(float64(count))
}

// DecrementHostStreams drops the load counter for a profile, never below
// zero.
func (b *Balancer) DecrementHostStreams(host *Host, profile mserver.Profile) {
	host.mu.Lock()
	if host.load[profile] > 0 {
		host.load[profile]--
	}
	count := host.load[profile]
	host.mu.Unlock()
	metrics.HostStreams.WithLabelValues(host.ID, string(profile)).Set(float64(count))
}

// prober periodically checks health of all hosts
func (b *Balancer) prober() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.checkAllHealth()
		}
	}
}

// checkAllHealth probes every host and flips online state on thresholds.
func (b *Balancer) checkAllHealth() {
	b.mu.RLock()
	hosts := make([]*Host, len(b.hosts))
	copy(hosts, b.hosts)
	b.mu.RUnlock()

	for _, host := range hosts {
		healthy := host.Driver != nil && host.Driver.Ready()

		if healthy {
			host.failCount.Store(0)
			newSuccess := host.successCount.Add(1)
			if !host.Online() && int(newSuccess) >= b.config.HealthyThreshold {
				host.online.Store(true)
				slog.Info("[Balancer] Host marked online", "host_id", host.ID)
			}
			continue
		}

		host.successCount.Store(0)
		newFail := host.failCount.Add(1)
		if host.Online() && int(newFail) >= b.config.UnhealthyThreshold {
			host.online.Store(false)
			slog.Warn("[Balancer] Host marked offline", "host_id", host.ID)
			evt := events.New(events.MediaServerOffline, host.ID)
			evt.Data = host.ID
			b.bus.Publish(evt)
		}
	}
}

// Close stops the prober and closes every host driver.
func (b *Balancer) Close() error {
	close(b.stopCh)
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, host := range b.hosts {
		if host.Driver != nil {
			if err := host.Driver.Close(); err != nil {
				slog.Warn("[Balancer] Failed to close driver", "host_id", host.ID, "error", err)
			}
		}
	}
	return nil
}
