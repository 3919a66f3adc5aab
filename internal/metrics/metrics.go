// Package metrics exposes prometheus instrumentation for the
// orchestrator. Collectors are registered on the default registry and
// served from the ops HTTP listener.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RoomsActive tracks the number of live rooms.
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "confbridge",
		Name:      "rooms_active",
		Help:      "Number of active rooms.",
	})

	// UsersActive tracks the number of joined users.
	UsersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "confbridge",
		Name:      "users_active",
		Help:      "Number of joined users.",
	})

	// SessionsActive tracks live media sessions by type.
	SessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "confbridge",
		Name:      "media_sessions_active",
		Help:      "Number of active media sessions.",
	}, []string{"type"})

	// HostStreams tracks per-host stream load by media profile.
	HostStreams = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "confbridge",
		Name:      "host_streams",
		Help:      "Stream count per media server host and profile.",
	}, []string{"host", "profile"})

	// PipelinesActive tracks live backend pipelines per host.
	PipelinesActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "confbridge",
		Name:      "pipelines_active",
		Help:      "Number of active pipelines per host.",
	}, []string{"host"})

	// BackendRequests counts backend RPCs by method and outcome.
	BackendRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "confbridge",
		Name:      "backend_requests_total",
		Help:      "Backend requests by method and outcome.",
	}, []string{"method", "outcome"})

	// TransposersActive tracks live cross-host transposer pairs.
	TransposersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "confbridge",
		Name:      "transposers_active",
		Help:      "Number of active cross-host transposer pairs.",
	})

	// BridgeDropped counts legacy-bus events dropped on backpressure.
	BridgeDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "confbridge",
		Name:      "bridge_dropped_total",
		Help:      "Events dropped by the legacy bus bridge.",
	})

	// EventsPublished counts bus events by kind.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "confbridge",
		Name:      "events_published_total",
		Help:      "Events published on the in-process bus by kind.",
	}, []string{"kind"})
)

// ObserveBackend records a backend request outcome.
func ObserveBackend(method string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	BackendRequests.WithLabelValues(method, outcome).Inc()
}
