package api

import (
	"crdt-sync/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	// Learning: Middleware runs in order - tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware)       // Add tracing spans to all requests
	r.Use(middleware.ErrorRecoveryMiddleware) // Catch panics
	r.Use(middleware.CORSMiddleware)          // Handle CORS

	// API routes
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", h.Health).Methods("GET")

	// Stateless merge/diff over update blobs
	api.HandleFunc("/crdt/merge", h.MergeUpdates).Methods("POST")
	api.HandleFunc("/crdt/diff", h.DiffUpdate).Methods("POST")
	api.HandleFunc("/crdt/state-vector", h.UpdateStateVector).Methods("POST")
	api.HandleFunc("/crdt/json", h.UpdateJSON).Methods("POST")

	// Stored documents
	ws := api.PathPrefix("/workspaces/{workspace}").Subrouter()
	ws.HandleFunc("/docs", h.ListDocuments).Methods("GET")
	ws.HandleFunc("/docs/{doc}", h.GetDocument).Methods("GET")
	ws.HandleFunc("/docs/{doc}", h.DeleteDocument).Methods("DELETE")
	ws.HandleFunc("/docs/{doc}/updates", h.PushUpdate).Methods("POST")
	ws.HandleFunc("/docs/{doc}/diff", h.DiffDocument).Methods("POST")
	ws.HandleFunc("/docs/{doc}/state-vector", h.GetStateVector).Methods("GET")
	ws.HandleFunc("/docs/{doc}/json", h.GetDocumentJSON).Methods("GET")
	ws.HandleFunc("/docs/{doc}/compact", h.CompactDocument).Methods("POST")

	// WebSocket routes
	r.HandleFunc("/ws/workspaces/{workspace}/docs/{doc}", h.HandleDocumentWebSocket)

	return r
}
