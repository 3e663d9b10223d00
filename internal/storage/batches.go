package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// CreateImportBatch registers a new batch and assigns it the next sequence
// number. payload holds the raw upload for batches processed in the background
// and may be nil.
func (s *Store) CreateImportBatch(ctx context.Context, filename, importedBy string, payload []byte) (ImportBatch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ImportBatch{}, fmt.Errorf("beginning batch transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM import_batches`).Scan(&seq); err != nil {
		return ImportBatch{}, fmt.Errorf("allocating batch sequence: %w", err)
	}

	now := s.timestamp()
	b := ImportBatch{
		ID:         uuid.NewString(),
		Seq:        seq,
		Filename:   filename,
		ImportedBy: importedBy,
		Status:     BatchPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO import_batches (id, seq, filename, imported_by, status, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Seq, b.Filename, b.ImportedBy, b.Status, payload, formatTime(now), formatTime(now),
	); err != nil {
		return ImportBatch{}, fmt.Errorf("inserting batch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ImportBatch{}, fmt.Errorf("committing batch: %w", err)
	}
	return b, nil
}

func (s *Store) GetImportBatch(ctx context.Context, id string) (ImportBatch, error) {
	var b ImportBatch
	var summary, errMsg sql.NullString
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, seq, filename, imported_by, status, summary_json, error, created_at, updated_at
		FROM import_batches WHERE id = ?`, id,
	).Scan(&b.ID, &b.Seq, &b.Filename, &b.ImportedBy, &b.Status, &summary, &errMsg, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return ImportBatch{}, ErrNotFound
	}
	if err != nil {
		return ImportBatch{}, err
	}
	if summary.Valid {
		b.Summary = []byte(summary.String)
	}
	b.Error = errMsg.String
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return ImportBatch{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ImportBatch{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return b, nil
}

// ImportBatchPayload returns the raw upload stored with a batch.
func (s *Store) ImportBatchPayload(ctx context.Context, id string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM import_batches WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return payload, err
}

// UpdateImportBatch records a status change. summaryJSON and errMsg are
// stored as given; empty values clear the column. Finished batches drop their
// payload.
func (s *Store) UpdateImportBatch(ctx context.Context, id, status, summaryJSON, errMsg string) error {
	var summary, msg any
	if summaryJSON != "" {
		summary = summaryJSON
	}
	if errMsg != "" {
		msg = errMsg
	}
	query := `UPDATE import_batches SET status = ?, summary_json = ?, error = ?, updated_at = ?`
	if status == BatchCompleted || status == BatchFailed || status == BatchCancelled {
		query += `, payload = NULL`
	}
	res, err := s.db.ExecContext(ctx, query+` WHERE id = ?`, status, summary, msg, formatTime(s.timestamp()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
