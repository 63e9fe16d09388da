package collaboration

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"crdt-sync/internal/docid"
	"crdt-sync/internal/middleware"
	"crdt-sync/internal/models"
	"crdt-sync/internal/services"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: WEBSOCKET SESSION MANAGER

Every open document is a room. A session in a room speaks a three-message
protocol (see models.SyncMessage):

  client → Sync(state vector)   server → SyncUpdate(diff the client lacks)
  client → Update(update)       server → PushUpdate, then SyncUpdate(update)
                                         to every other session in the room

Updates are applied through DocService before they are relayed, so a
session only ever receives updates that are stored and that its document
can integrate. Updates pushed over REST enter the same relay via Relay. Updates applied on another server instance arrive through
the Publisher fan-out and are relayed to the whole room.

One goroutine owns room membership changes and broadcasts. Each session has
its own read and write goroutines; the write side is the only writer to
the connection.
*/

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	idleTimeout    = 5 * time.Minute
	cleanupPeriod  = 30 * time.Second
	sendBufferSize = 256
)

// DocService is what the session manager needs from the document service
type DocService interface {
	PushUpdate(ctx context.Context, id docid.DocID, update []byte, clientID uint64) (*services.PushResult, error)
	Diff(ctx context.Context, id docid.DocID, sv []byte) ([]byte, error)
}

// Publisher forwards applied updates to other server instances
type Publisher interface {
	Publish(ctx context.Context, id docid.DocID, update []byte) error
}

// SessionManager manages all active WebSocket sessions
type SessionManager struct {
	docs      DocService
	publisher Publisher

	rooms      map[string]map[*Session]bool // full address -> sessions
	register   chan *Session
	unregister chan *Session
	broadcast  chan *BroadcastMessage
	mu         sync.RWMutex

	done     chan struct{}
	stopOnce sync.Once
}

// Session represents an active WebSocket connection
type Session struct {
	*models.Session
	Addr    docid.DocID
	Conn    *websocket.Conn
	Send    chan []byte // outbound frames, never closed
	Manager *SessionManager

	lastActive atomic.Int64 // unix nanoseconds
	closed     chan struct{}
	closeOnce  sync.Once
}

// BroadcastMessage represents a frame to deliver to a document room
type BroadcastMessage struct {
	Room    string
	Message []byte
	Sender  *Session // skipped when set
}

// NewSessionManager creates a new session manager
func NewSessionManager(docs DocService) *SessionManager {
	return &SessionManager{
		docs:       docs,
		rooms:      make(map[string]map[*Session]bool),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
	}
}

// SetPublisher enables cross-instance fan-out of applied updates
func (sm *SessionManager) SetPublisher(p Publisher) {
	sm.publisher = p
}

// NewSession creates a session for conn on the document id
func (sm *SessionManager) NewSession(id docid.DocID, clientID uint64, conn *websocket.Conn) *Session {
	s := &Session{
		Session: models.NewSession(id.Full(), clientID),
		Addr:    id,
		Conn:    conn,
		Send:    make(chan []byte, sendBufferSize),
		Manager: sm,
		closed:  make(chan struct{}),
	}
	s.touch()
	return s
}

// Start begins the session manager event loop
func (sm *SessionManager) Start() {
	log.Println("🔄 Starting WebSocket session manager...")

	go func() {
		for {
			select {
			case <-sm.done:
				log.Println("Session manager shutting down...")
				return

			case session := <-sm.register:
				sm.handleRegister(session)

			case session := <-sm.unregister:
				sm.handleUnregister(session)

			case msg := <-sm.broadcast:
				sm.handleBroadcast(msg)
			}
		}
	}()

	go sm.cleanupLoop()

	log.Println("✓ WebSocket session manager started")
}

// Register adds a session to its document room
func (sm *SessionManager) Register(s *Session) {
	select {
	case sm.register <- s:
	case <-sm.done:
		s.close()
	}
}

// Unregister removes a session from its room and closes it
func (sm *SessionManager) Unregister(s *Session) {
	select {
	case sm.unregister <- s:
	case <-sm.done:
	}
}

func (sm *SessionManager) handleRegister(s *Session) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	room := s.Addr.Full()
	if sm.rooms[room] == nil {
		sm.rooms[room] = make(map[*Session]bool)
	}
	sm.rooms[room][s] = true

	log.Printf("  Session %s joined %s (client %d, total: %d)",
		s.ID, room, s.ClientID, len(sm.rooms[room]))
}

func (sm *SessionManager) handleUnregister(s *Session) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	room := s.Addr.Full()
	sessions, ok := sm.rooms[room]
	if !ok || !sessions[s] {
		return
	}
	delete(sessions, s)
	s.close()

	if len(sessions) == 0 {
		delete(sm.rooms, room)
	}

	log.Printf("  Session %s left %s (remaining: %d)", s.ID, room, len(sessions))
}

// handleBroadcast runs on the event loop, so slow sessions are dropped
// directly instead of through the unregister channel.
func (sm *SessionManager) handleBroadcast(msg *BroadcastMessage) {
	sm.mu.RLock()
	targets := make([]*Session, 0, len(sm.rooms[msg.Room]))
	for s := range sm.rooms[msg.Room] {
		if s != msg.Sender {
			targets = append(targets, s)
		}
	}
	sm.mu.RUnlock()

	for _, s := range targets {
		if !s.enqueue(msg.Message) {
			log.Printf("⚠️  Session %s buffer full, closing connection", s.ID)
			sm.handleUnregister(s)
		}
	}
}

// Broadcast sends a frame to every session of a room except sender
func (sm *SessionManager) Broadcast(room string, message []byte, sender *Session) {
	select {
	case sm.broadcast <- &BroadcastMessage{Room: room, Message: message, Sender: sender}:
	case <-sm.done:
	}
}

// RelayRemote delivers an update applied on another instance to the local
// room of the document
func (sm *SessionManager) RelayRemote(id docid.DocID, update []byte) {
	sm.Broadcast(id.Full(), encodeFrame(models.MessageTypeSyncUpdate, update), nil)
}

// Relay delivers an update applied outside any websocket session, such as a
// REST push, to the whole local room and to the other instances
func (sm *SessionManager) Relay(ctx context.Context, id docid.DocID, update []byte) {
	sm.relay(ctx, id, update, nil)
}

// relay sends an applied update to the room of id, skipping sender, and
// publishes it for the other instances
func (sm *SessionManager) relay(ctx context.Context, id docid.DocID, update []byte, sender *Session) {
	sm.Broadcast(id.Full(), encodeFrame(models.MessageTypeSyncUpdate, update), sender)

	if sm.publisher == nil {
		return
	}
	if err := sm.publisher.Publish(ctx, id, update); err != nil {
		log.Printf("⚠️  Failed to publish update of %s: %v", id, err)
		middleware.AddSpanError(ctx, err)
	}
}

// GetSessions returns all active sessions for a document
func (sm *SessionManager) GetSessions(room string) []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := sm.rooms[room]
	result := make([]*Session, 0, len(sessions))
	for s := range sessions {
		result = append(result, s)
	}
	return result
}

// handleMessage processes one frame received from a session
func (sm *SessionManager) handleMessage(ctx context.Context, s *Session, raw []byte) {
	ctx, span := middleware.StartSpan(ctx, "WebSocket.ProcessMessage",
		attribute.String("session.id", s.ID),
		attribute.String("doc.id", s.DocID),
		attribute.Int("message.size", len(raw)),
	)
	defer span.End()

	var msg models.SyncMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		middleware.AddSpanError(ctx, err)
		s.sendError(fmt.Errorf("invalid message: %w", err))
		return
	}

	switch msg.Type {
	case models.MessageTypeSync:
		diff, err := sm.docs.Diff(ctx, s.Addr, msg.Payload)
		if err != nil {
			middleware.AddSpanError(ctx, err)
			s.sendError(err)
			return
		}
		s.enqueue(encodeFrame(models.MessageTypeSyncUpdate, diff))

	case models.MessageTypeUpdate:
		result, err := sm.docs.PushUpdate(ctx, s.Addr, msg.Payload, s.ClientID)
		if err != nil {
			middleware.AddSpanError(ctx, err)
			s.sendError(err)
			return
		}
		if result.Applied {
			sm.relay(ctx, s.Addr, msg.Payload, s)
		}

	default:
		s.sendError(fmt.Errorf("unknown message type %d", msg.Type))
	}
}

// cleanupLoop periodically removes inactive sessions
func (sm *SessionManager) cleanupLoop() {
	ticker := time.NewTicker(cleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-sm.done:
			return
		case <-ticker.C:
			sm.cleanup(time.Now())
		}
	}
}

// cleanup removes sessions idle for longer than idleTimeout. Stale sessions
// are collected under the read lock and removed after it is released.
func (sm *SessionManager) cleanup(now time.Time) {
	var stale []*Session

	sm.mu.RLock()
	for _, sessions := range sm.rooms {
		for s := range sessions {
			if now.Sub(s.LastActive()) > idleTimeout {
				stale = append(stale, s)
			}
		}
	}
	sm.mu.RUnlock()

	for _, s := range stale {
		log.Printf("  Cleaning up inactive session %s", s.ID)
		sm.handleUnregister(s)
	}
}

// Shutdown stops the event loop and closes every session
func (sm *SessionManager) Shutdown() {
	log.Println("🛑 Shutting down session manager...")

	sm.stopOnce.Do(func() { close(sm.done) })

	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, sessions := range sm.rooms {
		for s := range sessions {
			s.close()
		}
	}
	sm.rooms = make(map[string]map[*Session]bool)

	log.Println("✓ Session manager shutdown complete")
}

// Session methods

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// LastActive is the time the session last received a frame or pong
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// enqueue queues a frame without blocking. It reports false when the
// buffer is full.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case <-s.closed:
		return true
	default:
	}

	select {
	case s.Send <- frame:
		return true
	default:
		return false
	}
}

func (s *Session) sendError(err error) {
	frame, _ := json.Marshal(models.SyncMessage{Type: models.MessageTypeError, Error: err.Error()})
	s.enqueue(frame)
}

func encodeFrame(t models.MessageType, payload []byte) []byte {
	frame, _ := json.Marshal(models.SyncMessage{Type: t, Payload: payload})
	return frame
}

// ReadPump reads frames from the WebSocket connection
func (s *Session) ReadPump(ctx context.Context) {
	defer func() {
		s.Manager.Unregister(s)
		s.Conn.Close()
	}()

	s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	s.Conn.SetPongHandler(func(string) error {
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))
		s.touch()
		return nil
	})

	for {
		_, message, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}

		s.touch()
		s.Manager.handleMessage(ctx, s, message)
	}
}

// WritePump writes queued frames to the WebSocket connection, one frame per
// message
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Conn.Close()
	}()

	for {
		select {
		case <-s.closed:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-s.Send:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
