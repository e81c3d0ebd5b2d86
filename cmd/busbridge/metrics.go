package main

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matst80/busbridge/internal/bridge"
	"github.com/matst80/busbridge/internal/obs"
	"github.com/matst80/busbridge/internal/web"
)

// bridgeView is what the ops endpoints need from the running bridge.
type bridgeView interface {
	Stats() bridge.Stats
	Refresh()
}

// newMetricsServer serves Prometheus metrics plus the dashboard, state and
// whitelist refresh endpoints.
func newMetricsServer(addr string, b bridgeView, state *readiness) *http.Server {
	return &http.Server{Addr: addr, Handler: opsMux(b, state)}
}

func opsMux(b bridgeView, state *readiness) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(b.Stats())
	})
	mux.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := web.Render(w, "dashboard", b.Stats().ToTemplateMap()); err != nil {
			obs.Error("dashboard.render", obs.Fields{"err": err.Error()})
		}
	})
	mux.HandleFunc("/api/whitelist/refresh", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		obs.Info("whitelist.refresh.api", obs.Fields{"remote": r.RemoteAddr})
		b.Refresh()
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("refresh scheduled"))
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !state.ok() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}
