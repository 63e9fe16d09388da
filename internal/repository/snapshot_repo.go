package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crdt-sync/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SnapshotRepositoryImpl handles compacted document state
type SnapshotRepositoryImpl struct {
	db *gorm.DB
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *gorm.DB) *SnapshotRepositoryImpl {
	return &SnapshotRepositoryImpl{db: db}
}

// GetSnapshot returns the snapshot of a document, or nil if it has none yet
func (r *SnapshotRepositoryImpl) GetSnapshot(ctx context.Context, docID string) (*models.DocSnapshot, error) {
	var snap models.DocSnapshot

	err := r.db.WithContext(ctx).First(&snap, "doc_id = ?", docID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil // Not compacted yet
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	return &snap, nil
}

/*
LEARNING: READ-MODIFY-WRITE ACROSS INSTANCES

The per-document mutex in DocService only serializes one process. Two
instances compacting the same document would each write the snapshot they
computed, and the later write would drop whatever the earlier one folded.

So the stored snapshot is locked (SELECT ... FOR UPDATE) inside the same
transaction that deletes the folded rows, and fold merges into what is
actually stored. A document without a snapshot has no row to lock: the
first insert uses ON CONFLICT DO NOTHING and, when another instance won the
race, the fold runs again against the row it committed.
*/

// FoldSnapshot deletes the folded update rows and replaces the snapshot of
// docID with the result of fold, atomically. fold receives the stored
// snapshot (nil when there is none) and the number of rows actually deleted.
func (r *SnapshotRepositoryImpl) FoldSnapshot(
	ctx context.Context,
	docID string,
	foldedIDs []string,
	fold func(current *models.DocSnapshot, folded int64) (*models.DocSnapshot, error),
) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := lockSnapshot(tx, docID)
		if err != nil {
			return err
		}

		var folded int64
		if len(foldedIDs) > 0 {
			res := tx.Where("id IN ?", foldedIDs).Delete(&models.DocUpdate{})
			if res.Error != nil {
				return fmt.Errorf("failed to delete folded updates: %w", res.Error)
			}
			folded = res.RowsAffected
		}

		if current == nil {
			next, err := fold(nil, folded)
			if err != nil {
				return err
			}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(next)
			if res.Error != nil {
				return fmt.Errorf("failed to insert snapshot: %w", res.Error)
			}
			if res.RowsAffected == 1 {
				return nil
			}
			// another instance stored the first snapshot meanwhile
			if current, err = lockSnapshot(tx, docID); err != nil {
				return err
			}
			if current == nil {
				return fmt.Errorf("snapshot of %s vanished during compaction", docID)
			}
		}

		next, err := fold(current, folded)
		if err != nil {
			return err
		}
		err = tx.Model(&models.DocSnapshot{}).
			Where("doc_id = ?", docID).
			Updates(map[string]any{
				"blob":         next.Blob,
				"state_vector": next.StateVector,
				"update_count": next.UpdateCount,
				"updated_at":   time.Now(),
			}).Error
		if err != nil {
			return fmt.Errorf("failed to update snapshot: %w", err)
		}
		return nil
	})
}

func lockSnapshot(tx *gorm.DB, docID string) (*models.DocSnapshot, error) {
	var snap models.DocSnapshot
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&snap, "doc_id = ?", docID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lock snapshot: %w", err)
	}
	return &snap, nil
}

// ListDocIDs returns the addresses of every compacted document in a workspace
func (r *SnapshotRepositoryImpl) ListDocIDs(ctx context.Context, workspace string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&models.DocSnapshot{}).
		Where("workspace = ?", workspace).
		Order("doc_id ASC").
		Pluck("doc_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return ids, nil
}

// DeleteDocument removes the snapshot and every update row of a document
func (r *SnapshotRepositoryImpl) DeleteDocument(ctx context.Context, docID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("doc_id = ?", docID).Delete(&models.DocUpdate{}).Error; err != nil {
			return fmt.Errorf("failed to delete updates: %w", err)
		}
		if err := tx.Where("doc_id = ?", docID).Delete(&models.DocSnapshot{}).Error; err != nil {
			return fmt.Errorf("failed to delete snapshot: %w", err)
		}
		return nil
	})
}
