package services

import (
	"context"
	"errors"
	"log"
	"sync"

	"crdt-sync/internal/docid"

	"github.com/puzpuzpuz/xsync/v3"
)

/*
COMPACTION WORKER POOL

A fixed number of workers fold update rows into snapshots in the background.
The queue is bounded: SubmitJob never blocks a request, it fails with
ErrQueueFull instead and the document is picked up by a later push.

A document is queued at most once at a time. The marker is cleared when a
worker takes the job, so pushes that arrive during a compaction queue the
document again.
*/

var (
	ErrQueueFull    = errors.New("compaction queue is full")
	ErrShuttingDown = errors.New("compaction service is shutting down")
)

// CompactionJob names a document whose update log should be folded
type CompactionJob struct {
	DocID docid.DocID
}

// Compactor does the actual folding; DocServiceImpl implements it
type Compactor interface {
	Compact(ctx context.Context, id docid.DocID) error
}

// CompactionServiceImpl runs compaction jobs on a worker pool
type CompactionServiceImpl struct {
	compactor Compactor

	jobs    chan CompactionJob
	queued  *xsync.MapOf[string, struct{}]
	workers int
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewCompactionService creates the pool without starting it
func NewCompactionService(compactor Compactor, numWorkers, queueSize int) *CompactionServiceImpl {
	ctx, cancel := context.WithCancel(context.Background())

	return &CompactionServiceImpl{
		compactor: compactor,
		jobs:      make(chan CompactionJob, queueSize),
		queued:    xsync.NewMapOf[string, struct{}](),
		workers:   numWorkers,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start spawns the workers
func (s *CompactionServiceImpl) Start() {
	log.Printf("🔧 Starting compaction worker pool with %d workers", s.workers)

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	log.Println("✓ Compaction worker pool started")
}

func (s *CompactionServiceImpl) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case job := <-s.jobs:
			s.queued.Delete(job.DocID.Full())
			if err := s.compactor.Compact(s.ctx, job.DocID); err != nil {
				log.Printf("  Compaction worker %d error on %s: %v", id, job.DocID, err)
			}
		}
	}
}

// SubmitJob queues a document for compaction without blocking. A document
// that is already queued is not queued twice.
func (s *CompactionServiceImpl) SubmitJob(job CompactionJob) error {
	if s.ctx.Err() != nil {
		return ErrShuttingDown
	}

	key := job.DocID.Full()
	if _, loaded := s.queued.LoadOrStore(key, struct{}{}); loaded {
		return nil
	}

	select {
	case s.jobs <- job:
		return nil
	default:
		s.queued.Delete(key)
		return ErrQueueFull
	}
}

// Shutdown stops the workers and waits for running jobs to finish. Jobs
// still queued are dropped; their rows stay in the update log.
func (s *CompactionServiceImpl) Shutdown() {
	log.Println("🛑 Shutting down compaction service...")

	// jobs is never closed; SubmitJob may still be called concurrently
	s.cancel()
	s.wg.Wait()

	log.Println("✓ Compaction service shutdown complete")
}

// GetQueueLength returns current number of pending jobs
func (s *CompactionServiceImpl) GetQueueLength() int {
	return len(s.jobs)
}
