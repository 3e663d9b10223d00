package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/opencoding/internal/csvimport"
	"github.com/kalambet/opencoding/internal/storage"
)

// defaultPoll is how long an idle Worker waits before checking the queue again.
const defaultPoll = 500 * time.Millisecond

// Worker drains queued CSV imports one at a time.
type Worker struct {
	store    Store
	importer *Importer
	poll     time.Duration
	logger   *slog.Logger
}

func NewWorker(store Store, importer *Importer, poll time.Duration) *Worker {
	if poll <= 0 {
		poll = defaultPoll
	}
	return &Worker{store: store, importer: importer, poll: poll, logger: slog.Default().With("component", "ingest")}
}

// Run drains the queue, then sleeps for the poll interval, until ctx ends.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		for ctx.Err() == nil {
			worked, err := w.RunOnce(ctx)
			if err != nil {
				w.logger.Error("processing import queue", "error", err)
			}
			if !worked {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce handles at most one queued import and reports whether it found one.
// A failed job is retried with backoff until it runs out of attempts, at
// which point its batch is marked failed. Structural CSV errors are final.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobTypeImportCSV})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	log := w.logger.With("job_id", job.ID, "attempt", job.Attempts+1)

	// Queue bookkeeping must land even when ctx is being cancelled.
	bg := context.WithoutCancel(ctx)

	batchID, err := w.processJob(ctx, job)
	switch {
	case err == nil:
	case csvimport.IsStructural(err):
		log.Warn("queued import rejected", "batch_id", batchID, "error", err)
	default:
		log.Warn("queued import failed", "batch_id", batchID, "error", err)
		if ferr := w.store.FailJob(bg, job.ID, err.Error()); ferr != nil {
			return true, fmt.Errorf("failing job %s: %w", job.ID, ferr)
		}
		if batchID != "" && job.Attempts+1 >= job.MaxAttempts {
			if uerr := w.store.UpdateImportBatch(bg, batchID, storage.BatchFailed, "", err.Error()); uerr != nil {
				return true, fmt.Errorf("failing batch %s: %w", batchID, uerr)
			}
		}
		return true, nil
	}

	if err := w.store.CompleteJob(bg, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) (string, error) {
	var payload importPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return "", fmt.Errorf("parsing payload: %w", err)
	}
	if payload.BatchID == "" {
		return "", errors.New("payload has no batch_id")
	}

	res, err := w.importer.runQueued(ctx, payload.BatchID)
	if err != nil {
		return payload.BatchID, err
	}
	w.logger.Info("queued import finished", "job_id", job.ID, "batch_id", payload.BatchID, "message", res.Message)
	return payload.BatchID, nil
}
