package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	"crdt-sync/internal/crdt"
	"crdt-sync/internal/docid"
	"crdt-sync/internal/middleware"
	"crdt-sync/internal/services"
	"crdt-sync/internal/services/collaboration"

	"github.com/gorilla/mux"
)

// maxUpdateSize bounds request bodies carrying updates or state vectors
const maxUpdateSize = 64 << 20

// Handler handles HTTP requests
// Learning: Uses INTERFACES defined in this package (consumer-driven)
type Handler struct {
	docs      DocService
	queue     QueueStats                      // optional
	wsHandler *collaboration.WebSocketHandler // WebSocket for real-time collab
	relay     UpdateRelay                     // optional
}

func NewHandler(docs DocService, queue QueueStats, wsHandler *collaboration.WebSocketHandler, relay UpdateRelay) *Handler {
	return &Handler{
		docs:      docs,
		queue:     queue,
		wsHandler: wsHandler,
		relay:     relay,
	}
}

// statusFor maps service and engine errors to HTTP status codes
func statusFor(err error) int {
	var addrErr *docid.AddressError
	switch {
	case errors.Is(err, crdt.ErrMalformedUpdate), errors.As(err, &addrErr):
		return http.StatusBadRequest
	case errors.Is(err, crdt.ErrMissingDependency):
		return http.StatusConflict
	case errors.Is(err, services.ErrDocumentNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("[%s] ⚠️  Request failed: %v", middleware.GetRequestID(r.Context()), err)
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeBinary(w http.ResponseWriter, b []byte) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.Write(b)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUpdateSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	return body, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUpdateSize)).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// docID resolves the {workspace}/{doc} route variables
func docID(r *http.Request) (docid.DocID, error) {
	vars := mux.Vars(r)
	return docid.Parse(vars["doc"], vars["workspace"])
}

// Health

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if h.queue != nil {
		resp["compaction_queue"] = h.queue.GetQueueLength()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Stateless CRDT endpoints. Binary fields travel as base64 strings.

type mergeRequest struct {
	Updates [][]byte `json:"updates"`
}

type diffRequest struct {
	Update      []byte `json:"update"`
	StateVector []byte `json:"state_vector"`
}

type updateRequest struct {
	Update []byte `json:"update"`
}

type updateResponse struct {
	Update []byte `json:"update"`
}

type stateVectorResponse struct {
	StateVector []byte `json:"state_vector"`
}

func (h *Handler) MergeUpdates(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	merged, err := crdt.MergeUpdates(req.Updates...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updateResponse{Update: merged})
}

func (h *Handler) DiffUpdate(w http.ResponseWriter, r *http.Request) {
	var req diffRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	diff, err := crdt.DiffUpdate(req.Update, req.StateVector)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updateResponse{Update: diff})
}

func (h *Handler) UpdateStateVector(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	sv, err := crdt.EncodeStateVectorFromUpdate(req.Update)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stateVectorResponse{StateVector: sv})
}

func (h *Handler) UpdateJSON(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	view, err := crdt.MaterializeUpdate(req.Update)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Document handlers

func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	workspace := mux.Vars(r)["workspace"]

	docs, err := h.docs.ListDocuments(r.Context(), workspace)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"workspace": workspace,
		"documents": docs,
	})
}

// GetDocument returns the merged update of a document, or only what a peer
// lacks when ?state_vector= is given
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	id, err := docID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	sv, err := collaboration.DecodeBase64Param(r.URL.Query().Get("state_vector"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid state_vector: %v", err), http.StatusBadRequest)
		return
	}

	var update []byte
	if len(sv) > 0 {
		update, err = h.docs.Diff(r.Context(), id, sv)
	} else {
		update, err = h.docs.Load(r.Context(), id)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeBinary(w, update)
}

func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	id, err := docID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.docs.DeleteDocument(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PushUpdate stores the raw update in the request body
func (h *Handler) PushUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := docID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	clientID, _ := strconv.ParseUint(r.URL.Query().Get("client_id"), 10, 64)

	update, err := readBody(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.docs.PushUpdate(r.Context(), id, update, clientID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if result.Applied {
		status = http.StatusCreated
		// connected editors must see REST edits too
		if h.relay != nil {
			h.relay.Relay(r.Context(), id, update)
		}
	}
	writeJSON(w, status, result)
}

// DiffDocument returns what a peer with the state vector in the request body
// lacks
func (h *Handler) DiffDocument(w http.ResponseWriter, r *http.Request) {
	id, err := docID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	sv, err := readBody(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	diff, err := h.docs.Diff(r.Context(), id, sv)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeBinary(w, diff)
}

func (h *Handler) GetStateVector(w http.ResponseWriter, r *http.Request) {
	id, err := docID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	sv, err := h.docs.StateVector(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeBinary(w, sv)
}

func (h *Handler) GetDocumentJSON(w http.ResponseWriter, r *http.Request) {
	id, err := docID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	view, err := h.docs.Materialize(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) CompactDocument(w http.ResponseWriter, r *http.Request) {
	id, err := docID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.docs.Compact(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// WebSocket endpoints

// HandleDocumentWebSocket handles WebSocket connections for document collaboration
func (h *Handler) HandleDocumentWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleDocumentConnection(w, r)
}
