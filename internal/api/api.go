// Package api serves the ops HTTP surface: health, readiness, metrics,
// and read-only snapshots of rooms and media server hosts.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sebas/confbridge/internal/balancer"
	"github.com/sebas/confbridge/internal/controller"
	"github.com/sebas/confbridge/internal/mserver"
)

// hostInfo is the read-model snapshot of one media server host.
type hostInfo struct {
	ID       string            `json:"hostId"`
	IP       string            `json:"ip"`
	Online   bool              `json:"online"`
	Profiles []mserver.Profile `json:"profiles,omitempty"`
	Load     int               `json:"load"`
}

// Router builds the ops HTTP handler.
func Router(ctrl *controller.Controller, bal *balancer.Balancer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			slog.Debug("[API] Failed to write health response", "error", err)
		}
	})

	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		for _, host := range bal.Hosts() {
			if host.Online() {
				w.WriteHeader(http.StatusOK)
				if _, err := w.Write([]byte("ready")); err != nil {
					slog.Debug("[API] Failed to write ready response", "error", err)
				}
				return
			}
		}
		http.Error(w, "no media server host online", http.StatusServiceUnavailable)
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/v1/rooms", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, ctrl.Rooms())
	})

	r.Get("/v1/rooms/{roomID}/users", func(w http.ResponseWriter, req *http.Request) {
		users, err := ctrl.RoomUsers(chi.URLParam(req, "roomID"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, users)
	})

	r.Get("/v1/hosts", func(w http.ResponseWriter, _ *http.Request) {
		hosts := bal.Hosts()
		out := make([]hostInfo, 0, len(hosts))
		for _, host := range hosts {
			out = append(out, hostInfo{
				ID:       host.ID,
				IP:       host.IP,
				Online:   host.Online(),
				Profiles: host.Profiles,
				Load:     host.TotalLoad(),
			})
		}
		writeJSON(w, out)
	})

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("[API] Failed to encode response", "error", err)
	}
}
