package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

var traceFields = []string{
	"trace_id", "flow_session", "turn_number", "total_turns", "user_message", "ai_response",
	"previous_turns", "tool_calls", "metadata", "batch_id", "import_seq", "row_index", "imported_by", "imported_at",
}

var traceColumns = strings.Join(traceFields, ", ")

// canonicalOrder is the traversal order of the trace collection: import batch
// sequence, then row position within the batch file.
const canonicalOrder = `ORDER BY import_seq ASC, row_index ASC`

// InsertTrace writes t unless a trace with the same id already exists.
// It reports whether a row was inserted.
func (s *Store) InsertTrace(ctx context.Context, t Trace) (bool, error) {
	prev, err := marshalJSONColumn(t.PreviousTurns, "[]")
	if err != nil {
		return false, fmt.Errorf("encoding previous_turns: %w", err)
	}
	calls, err := marshalJSONColumn(t.ToolCalls, "[]")
	if err != nil {
		return false, fmt.Errorf("encoding tool_calls: %w", err)
	}
	meta, err := marshalJSONColumn(t.Metadata, "{}")
	if err != nil {
		return false, fmt.Errorf("encoding metadata: %w", err)
	}
	importedAt := t.ImportedAt
	if importedAt.IsZero() {
		importedAt = s.timestamp()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO traces (`+traceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trace_id) DO NOTHING`,
		t.TraceID, t.FlowSession, t.TurnNumber, t.TotalTurns, t.UserMessage, t.AIResponse,
		prev, calls, meta, t.BatchID, t.ImportSeq, t.RowIndex, t.ImportedBy, formatTime(importedAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) GetTrace(ctx context.Context, id string) (Trace, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+traceColumns+` FROM traces WHERE trace_id = ?`, id)
	t, err := scanTrace(row)
	if err == sql.ErrNoRows {
		return Trace{}, ErrNotFound
	}
	return t, err
}

// TraceExists reports whether a trace with the given id is stored.
func (s *Store) TraceExists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM traces WHERE trace_id = ?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ExistingTraceIDs returns the subset of ids already stored.
func (s *Store) ExistingTraceIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	found := make(map[string]bool)
	const chunk = 500
	for start := 0; start < len(ids); start += chunk {
		end := min(start+chunk, len(ids))
		part := ids[start:end]
		args := make([]any, len(part))
		for i, id := range part {
			args[i] = id
		}
		query := `SELECT trace_id FROM traces WHERE trace_id IN (?` + strings.Repeat(",?", len(part)-1) + `)`
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			found[id] = true
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}
	return found, nil
}

// ListTraces returns a page of traces in canonical order.
func (s *Store) ListTraces(ctx context.Context, limit, offset int) ([]Trace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+traceColumns+` FROM traces `+canonicalOrder+` LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Trace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

func (s *Store) CountTraces(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM traces`).Scan(&n)
	return n, err
}

// OrderedTraceIDs returns every trace id in canonical order.
func (s *Store) OrderedTraceIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT trace_id FROM traces `+canonicalOrder)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type traceScan struct {
	t                       Trace
	prev, calls, meta, when string
}

func (ts *traceScan) dest() []any {
	t := &ts.t
	return []any{
		&t.TraceID, &t.FlowSession, &t.TurnNumber, &t.TotalTurns, &t.UserMessage, &t.AIResponse,
		&ts.prev, &ts.calls, &ts.meta, &t.BatchID, &t.ImportSeq, &t.RowIndex, &t.ImportedBy, &ts.when,
	}
}

func (ts *traceScan) finish() (Trace, error) {
	t := ts.t
	if err := json.Unmarshal([]byte(ts.prev), &t.PreviousTurns); err != nil {
		return Trace{}, fmt.Errorf("decoding previous_turns of %s: %w", t.TraceID, err)
	}
	if err := json.Unmarshal([]byte(ts.calls), &t.ToolCalls); err != nil {
		return Trace{}, fmt.Errorf("decoding tool_calls of %s: %w", t.TraceID, err)
	}
	if err := json.Unmarshal([]byte(ts.meta), &t.Metadata); err != nil {
		return Trace{}, fmt.Errorf("decoding metadata of %s: %w", t.TraceID, err)
	}
	var err error
	if t.ImportedAt, err = parseTime(ts.when); err != nil {
		return Trace{}, fmt.Errorf("parsing imported_at: %w", err)
	}
	return t, nil
}

func scanTrace(sc scanner) (Trace, error) {
	var ts traceScan
	if err := sc.Scan(ts.dest()...); err != nil {
		return Trace{}, err
	}
	return ts.finish()
}
