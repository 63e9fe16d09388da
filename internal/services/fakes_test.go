package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"crdt-sync/internal/models"

	"github.com/segmentio/ksuid"
)

// memStore is an in-memory UpdateRepository and SnapshotRepository
type memStore struct {
	mu        sync.Mutex
	rows      []*models.DocUpdate
	snapshots map[string]*models.DocSnapshot
	failStore error

	// runs once, before the next FoldSnapshot takes the store
	beforeFold func()
}

func newMemStore() *memStore {
	return &memStore{snapshots: make(map[string]*models.DocSnapshot)}
}

func (m *memStore) StoreUpdate(ctx context.Context, update *models.DocUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failStore != nil {
		return m.failStore
	}
	if update.ID == "" {
		update.ID = ksuid.New().String()
	}
	update.CreatedAt = time.Now()
	m.rows = append(m.rows, update)
	return nil
}

func (m *memStore) GetAllUpdates(ctx context.Context, docID string) ([]*models.DocUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.DocUpdate
	for _, row := range m.rows {
		if row.DocID == docID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *memStore) CountUpdates(ctx context.Context, docID string) (int64, error) {
	rows, _ := m.GetAllUpdates(ctx, docID)
	return int64(len(rows)), nil
}

func (m *memStore) CountByDocument(ctx context.Context, workspace string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int64)
	for _, row := range m.rows {
		if row.Workspace == workspace {
			counts[row.DocID]++
		}
	}
	return counts, nil
}

func (m *memStore) GetSnapshot(ctx context.Context, docID string) (*models.DocSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots[docID], nil
}

func (m *memStore) FoldSnapshot(ctx context.Context, docID string, foldedIDs []string, fold func(*models.DocSnapshot, int64) (*models.DocSnapshot, error)) error {
	if hook := m.beforeFold; hook != nil {
		m.beforeFold = nil
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	folded := make(map[string]bool, len(foldedIDs))
	for _, id := range foldedIDs {
		folded[id] = true
	}
	var removed int64
	kept := make([]*models.DocUpdate, 0, len(m.rows))
	for _, row := range m.rows {
		if folded[row.ID] {
			removed++
			continue
		}
		kept = append(kept, row)
	}

	next, err := fold(m.snapshots[docID], removed)
	if err != nil {
		return err
	}
	m.rows = kept
	m.snapshots[docID] = next
	return nil
}

func (m *memStore) ListDocIDs(ctx context.Context, workspace string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, snap := range m.snapshots {
		if snap.Workspace == workspace {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memStore) DeleteDocument(ctx context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.rows[:0]
	for _, row := range m.rows {
		if row.DocID != docID {
			kept = append(kept, row)
		}
	}
	m.rows = kept
	delete(m.snapshots, docID)
	return nil
}

func (m *memStore) rowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// recordingQueue captures submitted compaction jobs
type recordingQueue struct {
	mu   sync.Mutex
	jobs []CompactionJob
	err  error
}

func (q *recordingQueue) SubmitJob(job CompactionJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

var errStoreDown = fmt.Errorf("store down")
