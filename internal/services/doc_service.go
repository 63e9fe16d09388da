package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"

	"crdt-sync/internal/crdt"
	"crdt-sync/internal/docid"
	"crdt-sync/internal/middleware"
	"crdt-sync/internal/models"

	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel/attribute"
)

/*
DOCUMENT SERVICE

The crdt package is pure: it merges byte buffers and never touches storage.
DocService is the persistence collaborator around it. It loads a document
(snapshot + update rows), applies new updates, and stores the result.

Every mutation of one document goes through that document's mutex in the
lock arena, so the read-merge-write of PushUpdate and Compact is linear per
document while different documents proceed in parallel.
*/

var ErrDocumentNotFound = errors.New("document not found")

// PushResult describes the outcome of a pushed update
type PushResult struct {
	UpdateID    string `json:"update_id,omitempty"`
	Applied     bool   `json:"applied"`
	StateVector []byte `json:"state_vector"`
	Pending     int64  `json:"pending_updates"`
}

// DocServiceImpl stores and merges CRDT updates per document address
type DocServiceImpl struct {
	updates   UpdateRepository
	snapshots SnapshotRepository
	queue     CompactionQueue
	threshold int64

	// full address -> mutex; entries are never removed
	locks *xsync.MapOf[string, *sync.Mutex]
}

// NewDocService creates a document service. threshold is the number of
// update rows past the snapshot that triggers a compaction job.
func NewDocService(updates UpdateRepository, snapshots SnapshotRepository, threshold int) *DocServiceImpl {
	return &DocServiceImpl{
		updates:   updates,
		snapshots: snapshots,
		threshold: int64(threshold),
		locks:     xsync.NewMapOf[string, *sync.Mutex](),
	}
}

// SetCompactionQueue wires the background compactor
func (s *DocServiceImpl) SetCompactionQueue(q CompactionQueue) {
	s.queue = q
}

func (s *DocServiceImpl) lock(id docid.DocID) func() {
	mu, _ := s.locks.LoadOrCompute(id.Full(), func() *sync.Mutex { return &sync.Mutex{} })
	mu.Lock()
	return mu.Unlock
}

type loaded struct {
	merged   []byte
	rows     []*models.DocUpdate
	snapshot *models.DocSnapshot
}

func (l *loaded) exists() bool { return l.snapshot != nil || len(l.rows) > 0 }

// load merges the snapshot with every row stored after it
func (s *DocServiceImpl) load(ctx context.Context, id docid.DocID) (*loaded, error) {
	snap, err := s.snapshots.GetSnapshot(ctx, id.Full())
	if err != nil {
		return nil, err
	}
	rows, err := s.updates.GetAllUpdates(ctx, id.Full())
	if err != nil {
		return nil, err
	}

	inputs := make([][]byte, 0, len(rows)+1)
	if snap != nil {
		inputs = append(inputs, snap.Blob)
	}
	for _, row := range rows {
		inputs = append(inputs, row.Update)
	}

	merged, err := crdt.MergeUpdates(inputs...)
	if err != nil {
		return nil, fmt.Errorf("failed to merge stored updates of %s: %w", id, err)
	}
	return &loaded{merged: merged, rows: rows, snapshot: snap}, nil
}

func (s *DocServiceImpl) loadExisting(ctx context.Context, id docid.DocID) (*loaded, error) {
	l, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !l.exists() {
		return nil, fmt.Errorf("%s: %w", id, ErrDocumentNotFound)
	}
	return l, nil
}

// PushUpdate validates update against the current state and stores it.
// Updates that depend on operations the document does not have are rejected
// with crdt.ErrMissingDependency; updates that add nothing are not stored.
func (s *DocServiceImpl) PushUpdate(ctx context.Context, id docid.DocID, update []byte, clientID uint64) (*PushResult, error) {
	ctx, span := middleware.StartSpan(ctx, "DocService.PushUpdate",
		attribute.String("doc.id", id.Full()),
		attribute.Int("update.size", len(update)),
	)
	defer span.End()

	unlock := s.lock(id)
	defer unlock()

	current, err := s.load(ctx, id)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}

	next, err := crdt.ApplyUpdate(current.merged, update)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, fmt.Errorf("failed to apply update to %s: %w", id, err)
	}
	stateVector, err := crdt.EncodeStateVectorFromUpdate(next)
	if err != nil {
		return nil, fmt.Errorf("failed to compute state vector of %s: %w", id, err)
	}

	result := &PushResult{StateVector: stateVector, Pending: int64(len(current.rows))}
	if current.exists() && bytes.Equal(next, current.merged) {
		return result, nil
	}

	updateSV, err := crdt.EncodeStateVectorFromUpdate(update)
	if err != nil {
		return nil, fmt.Errorf("failed to compute state vector of update: %w", err)
	}
	row := &models.DocUpdate{
		DocID:       id.Full(),
		Workspace:   id.Workspace(),
		Update:      update,
		ClientID:    strconv.FormatUint(clientID, 10),
		StateVector: updateSV,
	}
	if err := s.updates.StoreUpdate(ctx, row); err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}

	result.UpdateID = row.ID
	result.Applied = true
	result.Pending++

	if s.queue != nil && result.Pending >= s.threshold {
		if err := s.queue.SubmitJob(CompactionJob{DocID: id}); err != nil {
			log.Printf("⚠️  Could not queue compaction of %s: %v", id, err)
		}
	}

	return result, nil
}

// Load returns the merged update of a document
func (s *DocServiceImpl) Load(ctx context.Context, id docid.DocID) ([]byte, error) {
	ctx, span := middleware.StartSpan(ctx, "DocService.Load", attribute.String("doc.id", id.Full()))
	defer span.End()

	l, err := s.loadExisting(ctx, id)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}
	return l.merged, nil
}

// Diff returns what a peer with the encoded state vector sv is missing. A
// document that does not exist yet has nothing to send.
func (s *DocServiceImpl) Diff(ctx context.Context, id docid.DocID, sv []byte) ([]byte, error) {
	ctx, span := middleware.StartSpan(ctx, "DocService.Diff", attribute.String("doc.id", id.Full()))
	defer span.End()

	l, err := s.load(ctx, id)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}
	diff, err := crdt.DiffUpdate(l.merged, sv)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, fmt.Errorf("failed to diff %s: %w", id, err)
	}
	return diff, nil
}

// StateVector returns the encoded state vector of a document
func (s *DocServiceImpl) StateVector(ctx context.Context, id docid.DocID) ([]byte, error) {
	l, err := s.loadExisting(ctx, id)
	if err != nil {
		return nil, err
	}
	return crdt.EncodeStateVectorFromUpdate(l.merged)
}

// Materialize returns the JSON projection of every root type of a document
func (s *DocServiceImpl) Materialize(ctx context.Context, id docid.DocID) (map[string]any, error) {
	ctx, span := middleware.StartSpan(ctx, "DocService.Materialize", attribute.String("doc.id", id.Full()))
	defer span.End()

	l, err := s.loadExisting(ctx, id)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}
	return crdt.MaterializeUpdate(l.merged)
}

// Compact folds every update row of a document into its snapshot
func (s *DocServiceImpl) Compact(ctx context.Context, id docid.DocID) error {
	ctx, span := middleware.StartSpan(ctx, "DocService.Compact", attribute.String("doc.id", id.Full()))
	defer span.End()

	unlock := s.lock(id)
	defer unlock()

	l, err := s.load(ctx, id)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return err
	}
	if len(l.rows) == 0 {
		return nil
	}

	folded := make([]string, len(l.rows))
	for i, row := range l.rows {
		folded[i] = row.ID
	}

	// another instance may have compacted since load; merge into what is stored
	var size int
	err = s.snapshots.FoldSnapshot(ctx, id.Full(), folded, func(current *models.DocSnapshot, removed int64) (*models.DocSnapshot, error) {
		blob := l.merged
		count := removed
		if current != nil {
			merged, err := crdt.MergeUpdates(current.Blob, l.merged)
			if err != nil {
				return nil, fmt.Errorf("failed to merge stored snapshot of %s: %w", id, err)
			}
			blob = merged
			count += current.UpdateCount
		}
		stateVector, err := crdt.EncodeStateVectorFromUpdate(blob)
		if err != nil {
			return nil, fmt.Errorf("failed to compute state vector of %s: %w", id, err)
		}
		size = len(blob)
		return &models.DocSnapshot{
			DocID:       id.Full(),
			Workspace:   id.Workspace(),
			Blob:        blob,
			StateVector: stateVector,
			UpdateCount: count,
		}, nil
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return err
	}

	middleware.AddSpanEvent(ctx, "snapshot.saved",
		attribute.Int("updates.folded", len(folded)),
		attribute.Int("snapshot.size", size),
	)
	log.Printf("  Compacted %d updates of %s (%d bytes)", len(folded), id, size)
	return nil
}

// ListDocuments returns every stored document of a workspace, sorted by
// address
func (s *DocServiceImpl) ListDocuments(ctx context.Context, workspace string) ([]models.DocumentInfo, error) {
	compacted, err := s.snapshots.ListDocIDs(ctx, workspace)
	if err != nil {
		return nil, err
	}
	pending, err := s.updates.CountByDocument(ctx, workspace)
	if err != nil {
		return nil, err
	}

	infos := make(map[string]*models.DocumentInfo)
	for _, docID := range compacted {
		infos[docID] = &models.DocumentInfo{DocID: docID, Workspace: workspace, HasSnapshot: true}
	}
	for docID, count := range pending {
		info, ok := infos[docID]
		if !ok {
			info = &models.DocumentInfo{DocID: docID, Workspace: workspace}
			infos[docID] = info
		}
		info.Pending = count
	}

	result := make([]models.DocumentInfo, 0, len(infos))
	for _, info := range infos {
		result = append(result, *info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DocID < result[j].DocID })
	return result, nil
}

// DeleteDocument removes a document's snapshot and update log
func (s *DocServiceImpl) DeleteDocument(ctx context.Context, id docid.DocID) error {
	unlock := s.lock(id)
	defer unlock()

	snap, err := s.snapshots.GetSnapshot(ctx, id.Full())
	if err != nil {
		return err
	}
	count, err := s.updates.CountUpdates(ctx, id.Full())
	if err != nil {
		return err
	}
	if snap == nil && count == 0 {
		return fmt.Errorf("%s: %w", id, ErrDocumentNotFound)
	}

	return s.snapshots.DeleteDocument(ctx, id.Full())
}
