package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
)

var annotationFields = []string{
	"id", "trace_id", "user_id", "shape", "human_label", "human_confidence", "failure_modes",
	"evaluator_agrees", "dynamic_labels", "is_golden_set", "needs_support_clarification",
	"taxonomy_category", "notes", "first_failure_note", "open_codes", "comments_hypotheses",
	"rubric_version", "version", "created_at", "updated_at",
}

var annotationColumns = strings.Join(annotationFields, ", ")

func prefixed(fields []string, alias string) string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = alias + "." + f
	}
	return strings.Join(out, ", ")
}

// GetAnnotation returns the annotation userID recorded for traceID, or ErrNotFound.
func (s *Store) GetAnnotation(ctx context.Context, traceID, userID string) (Annotation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+annotationColumns+` FROM annotations WHERE trace_id = ? AND user_id = ?`, traceID, userID)
	a, err := scanAnnotation(row)
	if err == sql.ErrNoRows {
		return Annotation{}, ErrNotFound
	}
	return a, err
}

// SaveAnnotation inserts or updates the annotation for (a.TraceID, a.UserID).
//
// When expectedVersion is non-nil it must equal the stored version, with 0
// meaning no annotation may exist yet; otherwise ErrVersionConflict is
// returned and nothing is written. An insert starts at version 1; an update
// bumps the version, refreshes updated_at and keeps id and created_at. The
// returned bool reports whether a new record was created.
func (s *Store) SaveAnnotation(ctx context.Context, a Annotation, expectedVersion *int) (Annotation, bool, error) {
	if a.FailureModes == nil {
		a.FailureModes = []string{}
	}
	if a.DynamicLabels == nil {
		a.DynamicLabels = map[string]LabelValue{}
	}
	labels, modes, err := encodeAnnotationJSON(a)
	if err != nil {
		return Annotation{}, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Annotation{}, false, fmt.Errorf("beginning save transaction: %w", err)
	}
	defer tx.Rollback()

	var existingID, createdAt string
	var current int
	err = tx.QueryRowContext(ctx, `SELECT id, version, created_at FROM annotations WHERE trace_id = ? AND user_id = ?`,
		a.TraceID, a.UserID).Scan(&existingID, &current, &createdAt)
	switch {
	case err == sql.ErrNoRows:
		current = 0
	case err != nil:
		return Annotation{}, false, fmt.Errorf("loading current annotation: %w", err)
	}

	if expectedVersion != nil && *expectedVersion != current {
		return Annotation{}, false, fmt.Errorf("%w: expected version %d, stored version %d", ErrVersionConflict, *expectedVersion, current)
	}

	now := s.timestamp()
	created := current == 0
	if created {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		a.Version = 1
		a.CreatedAt = now
		a.UpdatedAt = now
		_, err = tx.ExecContext(ctx, `INSERT INTO annotations (`+annotationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			annotationArgs(a, modes, labels)...)
		if err != nil {
			return Annotation{}, false, fmt.Errorf("inserting annotation: %w", err)
		}
	} else {
		a.ID = existingID
		a.Version = current + 1
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return Annotation{}, false, fmt.Errorf("parsing created_at: %w", err)
		}
		a.UpdatedAt = now
		res, err := tx.ExecContext(ctx, `UPDATE annotations SET
			shape = ?, human_label = ?, human_confidence = ?, failure_modes = ?, evaluator_agrees = ?,
			dynamic_labels = ?, is_golden_set = ?, needs_support_clarification = ?, taxonomy_category = ?,
			notes = ?, first_failure_note = ?, open_codes = ?, comments_hypotheses = ?, rubric_version = ?,
			version = ?, updated_at = ?
			WHERE id = ? AND version = ?`,
			a.Shape, a.HumanLabel, a.HumanConfidence, modes, a.EvaluatorAgrees,
			labels, boolToInt(a.IsGoldenSet), boolToInt(a.NeedsSupportClarification), a.TaxonomyCategory,
			a.Notes, a.FirstFailureNote, a.OpenCodes, a.CommentsHypotheses, a.RubricVersion,
			a.Version, formatTime(now), a.ID, current)
		if err != nil {
			return Annotation{}, false, fmt.Errorf("updating annotation: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return Annotation{}, false, err
		} else if n != 1 {
			return Annotation{}, false, fmt.Errorf("%w: annotation %s changed concurrently", ErrVersionConflict, a.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return Annotation{}, false, fmt.Errorf("committing annotation: %w", err)
	}
	return a, created, nil
}

// PutLegacyAnnotation upserts a migrated annotation. A new record keeps the
// migrated version; replacing an existing record replaces every field and
// moves the version forward, never back. It reports whether a new record was
// created.
func (s *Store) PutLegacyAnnotation(ctx context.Context, a Annotation) (bool, error) {
	labels, modes, err := encodeAnnotationJSON(a)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning legacy import transaction: %w", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM annotations WHERE trace_id = ? AND user_id = ?`,
		a.TraceID, a.UserID).Scan(&n); err != nil {
		return false, err
	}

	now := s.timestamp()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Version < 1 {
		a.Version = 1
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `INSERT INTO annotations (`+annotationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trace_id, user_id) DO UPDATE SET
			shape = excluded.shape, human_label = excluded.human_label,
			human_confidence = excluded.human_confidence, failure_modes = excluded.failure_modes,
			evaluator_agrees = excluded.evaluator_agrees, dynamic_labels = excluded.dynamic_labels,
			is_golden_set = excluded.is_golden_set,
			needs_support_clarification = excluded.needs_support_clarification,
			taxonomy_category = excluded.taxonomy_category, notes = excluded.notes,
			first_failure_note = excluded.first_failure_note, open_codes = excluded.open_codes,
			comments_hypotheses = excluded.comments_hypotheses, rubric_version = excluded.rubric_version,
			version = MAX(annotations.version + 1, excluded.version),
			updated_at = excluded.updated_at`,
		annotationArgs(a, modes, labels)...)
	if err != nil {
		return false, fmt.Errorf("upserting legacy annotation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n == 0, nil
}

// AnnotatedTraceIDs returns the set of trace ids userID has annotated.
func (s *Store) AnnotatedTraceIDs(ctx context.Context, userID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT trace_id FROM annotations WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// AnnotatedTrace pairs an annotation with the trace it judges.
type AnnotatedTrace struct {
	Trace      Trace
	Annotation Annotation
}

// ListAnnotatedTraces returns every annotation joined to its trace, in
// canonical trace order and then by user id.
func (s *Store) ListAnnotatedTraces(ctx context.Context, goldenOnly bool) ([]AnnotatedTrace, error) {
	query := `SELECT ` + prefixed(traceFields, "t") +
		`, ` + prefixed(annotationFields, "a") + `
		FROM annotations a JOIN traces t ON t.trace_id = a.trace_id`
	if goldenOnly {
		query += ` WHERE a.is_golden_set = 1`
	}
	query += ` ORDER BY t.import_seq ASC, t.row_index ASC, a.user_id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AnnotatedTrace
	for rows.Next() {
		at, err := scanAnnotatedTrace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, at)
	}
	return out, rows.Err()
}

// CountGoldenSet returns the number of annotations flagged as golden set.
func (s *Store) CountGoldenSet(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM annotations WHERE is_golden_set = 1`).Scan(&n)
	return n, err
}

// AnnotationStats aggregates userID's annotations. pass_rate is a percentage
// rounded to two decimals; recent holds the latest updates first.
func (s *Store) AnnotationStats(ctx context.Context, userID string, recent int) (AnnotationStats, error) {
	var st AnnotationStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN human_label = 'pass' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN human_label = 'fail' THEN 1 ELSE 0 END), 0)
		FROM annotations WHERE user_id = ?`, userID,
	).Scan(&st.TotalAnnotations, &st.PassCount, &st.FailCount)
	if err != nil {
		return AnnotationStats{}, fmt.Errorf("aggregating annotations: %w", err)
	}
	if st.TotalAnnotations > 0 {
		st.PassRate = math.Round(float64(st.PassCount)/float64(st.TotalAnnotations)*100*100) / 100
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+annotationColumns+` FROM annotations
		WHERE user_id = ? ORDER BY updated_at DESC, trace_id ASC LIMIT ?`, userID, recent)
	if err != nil {
		return AnnotationStats{}, err
	}
	defer rows.Close()

	st.RecentAnnotations = []Annotation{}
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			return AnnotationStats{}, err
		}
		st.RecentAnnotations = append(st.RecentAnnotations, a)
	}
	return st, rows.Err()
}

func encodeAnnotationJSON(a Annotation) (labels, modes string, err error) {
	if labels, err = marshalJSONColumn(a.DynamicLabels, "{}"); err != nil {
		return "", "", fmt.Errorf("encoding dynamic_labels: %w", err)
	}
	if modes, err = marshalJSONColumn(a.FailureModes, "[]"); err != nil {
		return "", "", fmt.Errorf("encoding failure_modes: %w", err)
	}
	return labels, modes, nil
}

func annotationArgs(a Annotation, modes, labels string) []any {
	return []any{
		a.ID, a.TraceID, a.UserID, a.Shape, a.HumanLabel, a.HumanConfidence, modes,
		a.EvaluatorAgrees, labels, boolToInt(a.IsGoldenSet), boolToInt(a.NeedsSupportClarification),
		a.TaxonomyCategory, a.Notes, a.FirstFailureNote, a.OpenCodes, a.CommentsHypotheses,
		a.RubricVersion, a.Version, formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	}
}

type annotationScan struct {
	a                  Annotation
	modes, labels      string
	golden, support    int
	createdAt, updated string
}

func (as *annotationScan) dest() []any {
	a := &as.a
	return []any{
		&a.ID, &a.TraceID, &a.UserID, &a.Shape, &a.HumanLabel, &a.HumanConfidence, &as.modes,
		&a.EvaluatorAgrees, &as.labels, &as.golden, &as.support,
		&a.TaxonomyCategory, &a.Notes, &a.FirstFailureNote, &a.OpenCodes, &a.CommentsHypotheses,
		&a.RubricVersion, &a.Version, &as.createdAt, &as.updated,
	}
}

func (as *annotationScan) finish() (Annotation, error) {
	a := as.a
	a.IsGoldenSet = as.golden != 0
	a.NeedsSupportClarification = as.support != 0
	if err := json.Unmarshal([]byte(as.modes), &a.FailureModes); err != nil {
		return Annotation{}, fmt.Errorf("decoding failure_modes of %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(as.labels), &a.DynamicLabels); err != nil {
		return Annotation{}, fmt.Errorf("decoding dynamic_labels of %s: %w", a.ID, err)
	}
	var err error
	if a.CreatedAt, err = parseTime(as.createdAt); err != nil {
		return Annotation{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if a.UpdatedAt, err = parseTime(as.updated); err != nil {
		return Annotation{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return a, nil
}

func scanAnnotation(sc scanner) (Annotation, error) {
	var as annotationScan
	if err := sc.Scan(as.dest()...); err != nil {
		return Annotation{}, err
	}
	return as.finish()
}

func scanAnnotatedTrace(sc scanner) (AnnotatedTrace, error) {
	var ts traceScan
	var as annotationScan
	if err := sc.Scan(append(ts.dest(), as.dest()...)...); err != nil {
		return AnnotatedTrace{}, err
	}
	t, err := ts.finish()
	if err != nil {
		return AnnotatedTrace{}, err
	}
	a, err := as.finish()
	if err != nil {
		return AnnotatedTrace{}, err
	}
	return AnnotatedTrace{Trace: t, Annotation: a}, nil
}
