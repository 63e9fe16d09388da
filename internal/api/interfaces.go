package api

import (
	"context"

	"crdt-sync/internal/docid"
	"crdt-sync/internal/models"
	"crdt-sync/internal/services"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

This package (api/handlers) is the CONSUMER of services, so service interfaces live HERE.

The handler only declares the methods it calls, so tests can hand it a fake
document service and no database.
*/

// DocService defines what handlers need from the document service
type DocService interface {
	PushUpdate(ctx context.Context, id docid.DocID, update []byte, clientID uint64) (*services.PushResult, error)
	Load(ctx context.Context, id docid.DocID) ([]byte, error)
	Diff(ctx context.Context, id docid.DocID, sv []byte) ([]byte, error)
	StateVector(ctx context.Context, id docid.DocID) ([]byte, error)
	Materialize(ctx context.Context, id docid.DocID) (map[string]any, error)
	Compact(ctx context.Context, id docid.DocID) error
	ListDocuments(ctx context.Context, workspace string) ([]models.DocumentInfo, error)
	DeleteDocument(ctx context.Context, id docid.DocID) error
}

// QueueStats reports the compaction backlog for the health endpoint
type QueueStats interface {
	GetQueueLength() int
}

// UpdateRelay forwards updates applied through REST to live websocket rooms
// and other instances
type UpdateRelay interface {
	Relay(ctx context.Context, id docid.DocID, update []byte)
}
