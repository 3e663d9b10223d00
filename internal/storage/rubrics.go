package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// InsertRubricVersion stores failureModes as the next rubric version.
func (s *Store) InsertRubricVersion(ctx context.Context, failureModes []string) (RubricVersion, error) {
	modes, err := marshalJSONColumn(failureModes, "[]")
	if err != nil {
		return RubricVersion{}, fmt.Errorf("encoding failure_modes: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RubricVersion{}, fmt.Errorf("beginning rubric transaction: %w", err)
	}
	defer tx.Rollback()

	var latest int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM rubric_versions`).Scan(&latest); err != nil {
		return RubricVersion{}, fmt.Errorf("reading latest rubric version: %w", err)
	}

	rv := RubricVersion{
		Version:      latest + 1,
		FailureModes: append([]string(nil), failureModes...),
		CreatedAt:    s.timestamp(),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO rubric_versions (version, failure_modes, created_at) VALUES (?, ?, ?)`,
		rv.Version, modes, formatTime(rv.CreatedAt)); err != nil {
		return RubricVersion{}, fmt.Errorf("inserting rubric version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return RubricVersion{}, fmt.Errorf("committing rubric version: %w", err)
	}
	return rv, nil
}

// LatestRubric returns the most recent rubric version, or ErrNotFound before
// the first import.
func (s *Store) LatestRubric(ctx context.Context) (RubricVersion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT version, failure_modes, created_at FROM rubric_versions ORDER BY version DESC LIMIT 1`)
	rv, err := scanRubric(row)
	if err == sql.ErrNoRows {
		return RubricVersion{}, ErrNotFound
	}
	return rv, err
}

// ListRubricVersions returns every rubric version, oldest first.
func (s *Store) ListRubricVersions(ctx context.Context) ([]RubricVersion, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version, failure_modes, created_at FROM rubric_versions ORDER BY version ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RubricVersion
	for rows.Next() {
		rv, err := scanRubric(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rv)
	}
	return out, rows.Err()
}

func scanRubric(sc scanner) (RubricVersion, error) {
	var rv RubricVersion
	var modes, createdAt string
	if err := sc.Scan(&rv.Version, &modes, &createdAt); err != nil {
		return RubricVersion{}, err
	}
	if err := json.Unmarshal([]byte(modes), &rv.FailureModes); err != nil {
		return RubricVersion{}, fmt.Errorf("decoding rubric %d: %w", rv.Version, err)
	}
	var err error
	if rv.CreatedAt, err = parseTime(createdAt); err != nil {
		return RubricVersion{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return rv, nil
}
