package api

import (
	"pitch-relay/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler, syncPath string) *mux.Router {
	r := mux.NewRouter()

	// Middleware runs in order - tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	// Sync channel
	r.HandleFunc(syncPath, h.HandleSyncWebSocket).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", h.Health).Methods("GET")
	api.HandleFunc("/peers", h.ListPeers).Methods("GET")
	api.HandleFunc("/state", h.GetState).Methods("GET")
	api.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")

	return r
}
