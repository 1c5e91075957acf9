package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/tenderai/tenderd/internal/index"
	"github.com/tenderai/tenderd/internal/storage"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultWorkers      = 2
)

var jobTypes = []string{storage.JobVectorBackfill}

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	RequeueRunningJobs(ctx context.Context, types []string) (int, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// Backfiller computes a missing proposal vector. *index.Indexer implements it.
type Backfiller interface {
	Backfill(ctx context.Context, recordID int64, contentHash string) error
}

// Worker processes vector_backfill jobs from the SQLite job queue on a
// bounded goroutine pool.
type Worker struct {
	store      JobStore
	backfiller Backfiller
	pool       *ants.Pool
	poll       time.Duration
	logger     *slog.Logger
}

// NewWorker creates a Worker. pollInterval <= 0 defaults to 500ms and
// workers <= 0 to 2.
func NewWorker(store JobStore, backfiller Backfiller, pollInterval time.Duration, workers int) (*Worker, error) {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if workers <= 0 {
		workers = defaultWorkers
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}
	return &Worker{
		store:      store,
		backfiller: backfiller,
		pool:       pool,
		poll:       pollInterval,
		logger:     slog.Default().With("component", "ingest"),
	}, nil
}

// Run requeues jobs a previous process left running, then polls for jobs
// until ctx is cancelled, waits for in-flight jobs and releases the pool.
// Only one Run may be active per database.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer w.pool.Release()
	defer wg.Wait()

	if n, err := w.store.RequeueRunningJobs(ctx, jobTypes); err != nil {
		w.logger.Error("requeueing interrupted jobs failed", "error", err)
	} else if n > 0 {
		w.logger.Info("requeued interrupted jobs", "count", n)
	}

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.store.ClaimNextJob(jobTypes)
		if err != nil {
			w.logger.Error("claiming job failed", "error", err)
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.poll):
			}
			continue
		}

		wg.Add(1)
		// Submit blocks while every pool worker is busy.
		err = w.pool.Submit(func() {
			defer wg.Done()
			w.handle(ctx, job)
		})
		if err != nil {
			wg.Done()
			w.fail(job, fmt.Errorf("submitting job: %w", err))
		}
	}
}

// RunOnce claims and processes a single job on the calling goroutine.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(jobTypes)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	w.handle(ctx, job)
	return true, nil
}

func (w *Worker) handle(ctx context.Context, job *storage.Job) {
	if err := w.processJob(ctx, job); err != nil {
		w.fail(job, err)
		return
	}
	if err := w.store.CompleteJob(job.ID); err != nil {
		w.logger.Error("failed to mark job as completed", "job_id", job.ID, "error", err)
	}
}

func (w *Worker) fail(job *storage.Job, err error) {
	w.logger.Warn("job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
	if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
		w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
	}
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload index.BackfillPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.RecordID <= 0 {
		return fmt.Errorf("payload has no record id")
	}
	return w.backfiller.Backfill(ctx, payload.RecordID, payload.ContentHash)
}
