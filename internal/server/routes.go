// Package server wires HTTP handlers into a gorilla/mux router.
package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

// SetupRoutes returns the HTTP handler for hub: status page, health, status
// JSON, websocket endpoint, test page and, when metrics is non-nil, /metrics.
func SetupRoutes(hub *Hub, metrics *Metrics) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", StatusPageHandler).Methods(http.MethodGet)
	r.HandleFunc("/health", HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/status", hub.StatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/test", hub.TestPageHandler).Methods(http.MethodGet)
	r.HandleFunc("/ws", hub.WebSocketHandler)
	if metrics != nil {
		r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}
