// Package ingest runs CSV imports as tracked batches, either inline or through
// the background job queue.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/kalambet/opencoding/internal/csvimport"
	"github.com/kalambet/opencoding/internal/storage"
)

// JobTypeImportCSV is the queue type of a deferred CSV import.
const JobTypeImportCSV = "import_csv"

// BatchStore abstracts import batch bookkeeping. Implemented by storage.Store.
type BatchStore interface {
	CreateImportBatch(ctx context.Context, filename, importedBy string, payload []byte) (storage.ImportBatch, error)
	GetImportBatch(ctx context.Context, id string) (storage.ImportBatch, error)
	ImportBatchPayload(ctx context.Context, id string) ([]byte, error)
	UpdateImportBatch(ctx context.Context, id, status, summaryJSON, errMsg string) error
}

// JobStore abstracts the job queue operations. Implemented by storage.Store.
type JobStore interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// Store is everything the Importer and Worker persist through.
type Store interface {
	BatchStore
	JobStore
}

// Pipeline imports one CSV stream. Implemented by csvimport.Pipeline.
type Pipeline interface {
	Import(ctx context.Context, r io.Reader, opts csvimport.Options) (csvimport.Summary, error)
}

// Result is a finished import together with its batch.
type Result struct {
	csvimport.Summary
	BatchID string `json:"batch_id"`
	Message string `json:"message"`
}

func newResult(batchID string, sum csvimport.Summary) Result {
	if sum.ValidationErrors == nil {
		sum.ValidationErrors = []csvimport.RowError{}
	}
	return Result{Summary: sum, BatchID: batchID, Message: sum.Message()}
}

type importPayload struct {
	BatchID string `json:"batch_id"`
}

// Importer records every import as a batch so that the canonical order and
// the outcome survive restarts.
type Importer struct {
	store    Store
	pipeline Pipeline
}

func NewImporter(store Store, pipeline Pipeline) *Importer {
	return &Importer{store: store, pipeline: pipeline}
}

// Import runs the pipeline inline. Structural errors are returned as-is after
// the batch is marked failed.
func (im *Importer) Import(ctx context.Context, filename, importedBy string, r io.Reader) (Result, error) {
	batch, err := im.store.CreateImportBatch(ctx, filename, importedBy, nil)
	if err != nil {
		return Result{}, fmt.Errorf("creating import batch: %w", err)
	}
	return im.run(ctx, batch, r, false)
}

// Enqueue stores the upload and schedules it for the Worker. The returned
// batch is pending.
func (im *Importer) Enqueue(ctx context.Context, filename, importedBy string, data []byte) (storage.ImportBatch, error) {
	batch, err := im.store.CreateImportBatch(ctx, filename, importedBy, data)
	if err != nil {
		return storage.ImportBatch{}, fmt.Errorf("creating import batch: %w", err)
	}
	payload, err := json.Marshal(importPayload{BatchID: batch.ID})
	if err != nil {
		return storage.ImportBatch{}, err
	}
	if err := im.store.EnqueueJob(ctx, storage.Job{
		ID:          uuid.NewString(),
		Type:        JobTypeImportCSV,
		PayloadJSON: string(payload),
	}); err != nil {
		return storage.ImportBatch{}, fmt.Errorf("enqueueing import: %w", err)
	}
	return batch, nil
}

// Batch returns the current state of an import batch.
func (im *Importer) Batch(ctx context.Context, id string) (storage.ImportBatch, error) {
	return im.store.GetImportBatch(ctx, id)
}

// errInterrupted reports a queued import cut short by shutdown.
var errInterrupted = errors.New("import interrupted")

// run imports r into batch. A retryable batch keeps its payload and goes back
// to pending when the import is cancelled or fails for a non-structural
// reason, so the worker can run it again.
func (im *Importer) run(ctx context.Context, batch storage.ImportBatch, r io.Reader, retryable bool) (Result, error) {
	if err := im.store.UpdateImportBatch(ctx, batch.ID, storage.BatchRunning, "", ""); err != nil {
		return Result{}, fmt.Errorf("marking batch running: %w", err)
	}

	// Bookkeeping outlives the request context.
	bg := context.WithoutCancel(ctx)

	sum, err := im.pipeline.Import(ctx, r, csvimport.Options{
		Filename:   batch.Filename,
		ImportedBy: batch.ImportedBy,
		BatchID:    batch.ID,
		ImportSeq:  batch.Seq,
	})
	if err != nil {
		status := storage.BatchFailed
		if retryable && !csvimport.IsStructural(err) {
			status = storage.BatchPending
		}
		if uerr := im.store.UpdateImportBatch(bg, batch.ID, status, "", err.Error()); uerr != nil {
			return Result{}, fmt.Errorf("updating batch: %w (import error: %w)", uerr, err)
		}
		return Result{}, err
	}

	res := newResult(batch.ID, sum)
	data, err := json.Marshal(res)
	if err != nil {
		return Result{}, err
	}

	status := storage.BatchCompleted
	switch {
	case sum.Cancelled && retryable:
		status = storage.BatchPending
	case sum.Cancelled:
		status = storage.BatchCancelled
	}
	if err := im.store.UpdateImportBatch(bg, batch.ID, status, string(data), ""); err != nil {
		return Result{}, fmt.Errorf("recording batch result: %w", err)
	}
	if status == storage.BatchPending {
		return res, errInterrupted
	}
	return res, nil
}

// runQueued imports the stored payload of a pending batch.
func (im *Importer) runQueued(ctx context.Context, batchID string) (Result, error) {
	batch, err := im.store.GetImportBatch(ctx, batchID)
	if err != nil {
		return Result{}, fmt.Errorf("loading batch %s: %w", batchID, err)
	}
	switch batch.Status {
	case storage.BatchCompleted, storage.BatchFailed, storage.BatchCancelled:
		return Result{BatchID: batch.ID}, nil
	}
	data, err := im.store.ImportBatchPayload(ctx, batchID)
	if err != nil {
		return Result{}, fmt.Errorf("loading payload of batch %s: %w", batchID, err)
	}
	return im.run(ctx, batch, bytes.NewReader(data), true)
}
