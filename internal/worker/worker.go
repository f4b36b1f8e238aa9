// Package worker drains preview_render jobs from the SQLite job queue.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jeremieb/developer-diary/internal/journal"
	"github.com/jeremieb/developer-diary/internal/preview"
	"github.com/jeremieb/developer-diary/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetRecord(id string) (storage.Record, error)
}

// Generator renders one record's preview synchronously. *preview.Cache
// implements it.
type Generator interface {
	Generate(ctx context.Context, rec storage.Record) error
}

// Worker processes preview_render jobs.
type Worker struct {
	store    JobStore
	previews Generator
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, previews Generator, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		previews: previews,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// SetLogger replaces the worker logger.
func (w *Worker) SetLogger(l *slog.Logger) {
	if l != nil {
		w.logger = l
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single preview_render job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{journal.RenderJobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload journal.RenderPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	rec, err := w.store.GetRecord(payload.RecordID)
	if errors.Is(err, storage.ErrNotFound) {
		w.logger.Debug("render job for deleted record", "job_id", job.ID, "record_id", payload.RecordID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading record %s: %w", payload.RecordID, err)
	}

	err = w.previews.Generate(ctx, rec)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, preview.ErrRecordGone), errors.Is(err, preview.ErrNoScene):
		// Nothing left to render.
		return nil
	default:
		return fmt.Errorf("rendering preview for %s: %w", rec.ID, err)
	}
}
