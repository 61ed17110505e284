package server

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/telhawk-playback/common/middleware"
)

// ReadinessFunc reports whether the process can serve traffic.
type ReadinessFunc func() error

// NewRouter constructs a ServeMux with the playback HTTP routes registered.
// A nil beacon leaves /collect unregistered.
func NewRouter(beacon http.Handler, ready ReadinessFunc) http.Handler {
	mux := http.NewServeMux()

	if beacon != nil {
		mux.Handle("/collect", beacon)
	}

	// Health endpoints
	mux.HandleFunc("/healthz", health)
	mux.HandleFunc("/readyz", readiness(ready))

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	return middleware.RequestID(mux)
}

func health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func readiness(ready ReadinessFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "not ready",
					"error":  err.Error(),
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
