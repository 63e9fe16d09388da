package services

import (
	"context"

	"crdt-sync/internal/models"
)

/*
CONSUMER-DRIVEN INTERFACES

The services package consumes the repositories, so the repository
interfaces live here and only declare what the services call. The gorm
implementations in internal/repository satisfy them; tests use in-memory
fakes.
*/

// UpdateRepository is what DocService needs from the update log
type UpdateRepository interface {
	StoreUpdate(ctx context.Context, update *models.DocUpdate) error
	GetAllUpdates(ctx context.Context, docID string) ([]*models.DocUpdate, error)
	CountUpdates(ctx context.Context, docID string) (int64, error)
	CountByDocument(ctx context.Context, workspace string) (map[string]int64, error)
}

// SnapshotRepository is what DocService needs from snapshot storage
type SnapshotRepository interface {
	GetSnapshot(ctx context.Context, docID string) (*models.DocSnapshot, error)
	// FoldSnapshot deletes foldedIDs and stores fold(stored snapshot, rows
	// deleted) in one transaction that excludes other instances
	FoldSnapshot(ctx context.Context, docID string, foldedIDs []string, fold func(current *models.DocSnapshot, folded int64) (*models.DocSnapshot, error)) error
	ListDocIDs(ctx context.Context, workspace string) ([]string, error)
	DeleteDocument(ctx context.Context, docID string) error
}

// CompactionQueue accepts documents whose update log should be folded
type CompactionQueue interface {
	SubmitJob(job CompactionJob) error
}
