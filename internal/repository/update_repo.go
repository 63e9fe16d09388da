package repository

import (
	"context"
	"fmt"

	"crdt-sync/internal/models"

	"gorm.io/gorm"
)

/*
UPDATE LOG PERSISTENCE

Rows are append-only. A document is loaded by merging its snapshot with all
rows in insertion order; the compactor later folds those rows into the
snapshot and deletes them in the same transaction (see snapshot_repo.go).

Query patterns:
- StoreUpdate: persist one pushed update
- GetAllUpdates: load everything past the snapshot
- CountUpdates: decide when to compact
*/

// UpdateRepositoryImpl handles CRDT update storage
type UpdateRepositoryImpl struct {
	db *gorm.DB
}

// NewUpdateRepository creates a new update repository
func NewUpdateRepository(db *gorm.DB) *UpdateRepositoryImpl {
	return &UpdateRepositoryImpl{db: db}
}

// StoreUpdate stores one update row
func (r *UpdateRepositoryImpl) StoreUpdate(ctx context.Context, update *models.DocUpdate) error {
	if err := r.db.WithContext(ctx).Create(update).Error; err != nil {
		return fmt.Errorf("failed to store update: %w", err)
	}
	return nil
}

// GetAllUpdates retrieves every stored row of a document in insertion order
func (r *UpdateRepositoryImpl) GetAllUpdates(ctx context.Context, docID string) ([]*models.DocUpdate, error) {
	var updates []*models.DocUpdate

	// ksuids sort by time, so id breaks created_at ties in insertion order
	err := r.db.WithContext(ctx).
		Where("doc_id = ?", docID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&updates).Error

	if err != nil {
		return nil, fmt.Errorf("failed to get updates: %w", err)
	}

	return updates, nil
}

// CountUpdates returns how many rows a document has past its snapshot
func (r *UpdateRepositoryImpl) CountUpdates(ctx context.Context, docID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.DocUpdate{}).
		Where("doc_id = ?", docID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count updates: %w", err)
	}
	return count, nil
}

type docCount struct {
	DocID string
	Count int64
}

// CountByDocument returns the number of pending rows per document of a
// workspace
func (r *UpdateRepositoryImpl) CountByDocument(ctx context.Context, workspace string) (map[string]int64, error) {
	var rows []docCount
	err := r.db.WithContext(ctx).
		Model(&models.DocUpdate{}).
		Select("doc_id, count(*) AS count").
		Where("workspace = ?", workspace).
		Group("doc_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count updates by document: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.DocID] = row.Count
	}
	return counts, nil
}
