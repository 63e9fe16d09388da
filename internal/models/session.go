package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// Session represents an active WebSocket connection to a document
type Session struct {
	ID          string    `json:"id"`
	DocID       string    `json:"doc_id"` // full document address
	ClientID    uint64    `json:"client_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

// SyncMessage is one frame of the collaboration protocol. Frames travel as
// JSON text messages; payloads are base64 by way of encoding/json.
type SyncMessage struct {
	Type    MessageType `json:"type"`
	Payload []byte      `json:"payload,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// MessageType defines types of messages in the collaboration protocol
type MessageType int

const (
	// Client sends its state vector, server answers with MessageTypeSyncUpdate
	MessageTypeSync MessageType = 0
	// Update the receiver lacks: the initial diff or a relayed edit
	MessageTypeSyncUpdate MessageType = 1
	// Client pushes a new update
	MessageTypeUpdate MessageType = 2

	MessageTypeError MessageType = 99
)

func NewSession(docID string, clientID uint64) *Session {
	return &Session{
		ID:          ksuid.New().String(),
		DocID:       docID,
		ClientID:    clientID,
		ConnectedAt: time.Now(),
	}
}
