package collaboration

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"crdt-sync/internal/docid"
	"crdt-sync/internal/middleware"
	"crdt-sync/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: WEBSOCKET UPGRADER

The upgrader converts HTTP connections to WebSocket connections. Everything
that can be rejected with a plain HTTP status (bad address, bad state
vector) is checked before the upgrade.

Query parameters:
  client_id  replica client id of the connecting peer; random when absent
  sv         base64 state vector the peer already has; absent means none
*/

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler handles WebSocket connections for document collaboration
type WebSocketHandler struct {
	sessionManager *SessionManager
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(sessionManager *SessionManager) *WebSocketHandler {
	return &WebSocketHandler{
		sessionManager: sessionManager,
	}
}

// HandleDocumentConnection handles a WebSocket connection for one document
func (h *WebSocketHandler) HandleDocumentConnection(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	id, err := docid.Parse(vars["doc"], vars["workspace"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	query := r.URL.Query()
	sv, err := DecodeBase64Param(query.Get("sv"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid sv: %v", err), http.StatusBadRequest)
		return
	}

	clientID, _ := strconv.ParseUint(query.Get("client_id"), 10, 64)
	if clientID == 0 {
		clientID = uint64(uuid.New().ID())
	}

	// the request context is cancelled when this handler returns; the pumps
	// outlive it
	ctx := context.WithoutCancel(r.Context())
	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("doc.id", id.Full()),
		attribute.String("client.id", strconv.FormatUint(clientID, 10)),
	)
	defer span.End()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	session := h.sessionManager.NewSession(id, clientID, conn)
	h.sessionManager.Register(session)

	h.sendInitialState(ctx, session, sv)

	go session.WritePump()
	go session.ReadPump(ctx)

	log.Printf("✓ WebSocket connection established for %s (client: %d)", id, clientID)
}

// sendInitialState sends everything the peer is missing according to the
// state vector it connected with
func (h *WebSocketHandler) sendInitialState(ctx context.Context, session *Session, sv []byte) {
	diff, err := h.sessionManager.docs.Diff(ctx, session.Addr, sv)
	if err != nil {
		log.Printf("Failed to compute initial diff for %s: %v", session.Addr, err)
		middleware.AddSpanError(ctx, err)
		session.sendError(err)
		return
	}
	session.enqueue(encodeFrame(models.MessageTypeSyncUpdate, diff))
}

// DecodeBase64Param decodes a binary query parameter. Both the standard and
// the URL-safe alphabet are accepted, padded or not.
func DecodeBase64Param(v string) ([]byte, error) {
	if v == "" {
		return nil, nil
	}
	// an unescaped '+' arrives as a space
	v = strings.ReplaceAll(strings.TrimRight(v, "="), " ", "+")
	if strings.ContainsAny(v, "-_") {
		return base64.RawURLEncoding.DecodeString(v)
	}
	return base64.RawStdEncoding.DecodeString(v)
}
