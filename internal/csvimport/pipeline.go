// Package csvimport turns uploaded trace CSV files into stored traces.
package csvimport

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/opencoding/internal/metrics"
	"github.com/kalambet/opencoding/internal/storage"
)

// DefaultMaxBytes is the upload size limit when none is configured.
const DefaultMaxBytes = 10 << 20

// RequiredColumns must all be present in the header row.
var RequiredColumns = []string{"trace_id", "flow_session", "turn_number", "total_turns", "user_message", "ai_response"}

// ToolCallsColumn is an optional column holding a JSON array of tool calls.
const ToolCallsColumn = "tool_calls"

// headerAliases maps export-style column names onto canonical ones. An alias
// is used only when its canonical column is absent.
var headerAliases = map[string]string{
	"id":                     "trace_id",
	"Flow Session":           "flow_session",
	"Turn_Number":            "turn_number",
	"Total_Turns_in_Session": "total_turns",
	"body.user_message":      "user_message",
	"response.text_output":   "ai_response",
}

var (
	// ErrFileTooLarge is returned when the input exceeds the size limit.
	ErrFileTooLarge = errors.New("file too large")
	// ErrUnreadableFile is returned for input that is not UTF-8 CSV.
	ErrUnreadableFile = errors.New("unreadable file")
)

// MissingColumnsError lists required columns absent from the header row.
// No rows are processed when it is returned.
type MissingColumnsError struct {
	Missing []string
}

func (e *MissingColumnsError) Error() string {
	return "Missing required columns: " + strings.Join(e.Missing, ", ")
}

// IsStructural reports whether err aborted an import as a whole.
func IsStructural(err error) bool {
	var mce *MissingColumnsError
	return errors.As(err, &mce) || errors.Is(err, ErrFileTooLarge) || errors.Is(err, ErrUnreadableFile)
}

// RowError describes one problem with one CSV row. Row is the 1-based record
// number in the file, with the header as row 1.
type RowError struct {
	Row     int    `json:"row"`
	Column  string `json:"column"`
	Message string `json:"message"`
}

// Summary reports the outcome of an import.
type Summary struct {
	Imported         int        `json:"traces_imported"`
	Skipped          int        `json:"duplicates_skipped"`
	Failed           int        `json:"rows_failed"`
	Total            int        `json:"total"`
	ValidationErrors []RowError `json:"validation_errors"`
	Cancelled        bool       `json:"cancelled"`
}

// Message renders the summary for humans. Skipped and failed rows are always
// mentioned when present.
func (s Summary) Message() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Imported %d new traces", s.Imported)
	if s.Skipped > 0 {
		fmt.Fprintf(&b, ", skipped %d duplicates", s.Skipped)
	}
	if s.Failed > 0 {
		fmt.Fprintf(&b, ", %d rows failed validation", s.Failed)
	}
	if s.Cancelled {
		b.WriteString(" (cancelled before completion)")
	}
	return b.String()
}

// TraceStore is the persistence the pipeline needs. Implemented by storage.Store.
type TraceStore interface {
	ExistingTraceIDs(ctx context.Context, ids []string) (map[string]bool, error)
	InsertTrace(ctx context.Context, t storage.Trace) (bool, error)
}

// Options identify the batch a file belongs to.
type Options struct {
	Filename   string
	ImportedBy string
	BatchID    string
	ImportSeq  int64
}

// Pipeline validates, de-duplicates and stores trace rows.
type Pipeline struct {
	store    TraceStore
	maxBytes int64
	workers  int
	now      func() time.Time
	logger   *slog.Logger
}

// NewPipeline creates a Pipeline. Non-positive limits fall back to
// DefaultMaxBytes and 4 workers.
func NewPipeline(store TraceStore, maxBytes int64, workers int) *Pipeline {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if workers <= 0 {
		workers = 4
	}
	return &Pipeline{
		store:    store,
		maxBytes: maxBytes,
		workers:  workers,
		now:      time.Now,
		logger:   slog.Default(),
	}
}

// MaxBytes returns the configured upload size limit.
func (p *Pipeline) MaxBytes() int64 { return p.maxBytes }

// Import reads a whole CSV file from r and stores its valid, new rows.
//
// Structural problems (size, encoding, quoting, missing columns) are returned
// as errors before anything is written. Row problems are collected in the
// summary. Each trace is committed on its own, so a failed row or a
// cancelled context leaves earlier rows in place; cancellation yields a
// partial summary with Cancelled set and a nil error.
func (p *Pipeline) Import(ctx context.Context, r io.Reader, opts Options) (Summary, error) {
	start := p.now()
	sum, err := p.run(ctx, r, opts)
	if err != nil {
		metrics.ObserveImport(p.now().Sub(start), metrics.ImportRejected, 0, 0, 0, 0)
		p.logger.Warn("csv import rejected", "batch_id", opts.BatchID, "file", opts.Filename, "error", err)
		return Summary{}, err
	}

	outcome := metrics.ImportCompleted
	if sum.Cancelled {
		outcome = metrics.ImportCancelled
	}
	metrics.ObserveImport(p.now().Sub(start), outcome, sum.Imported, sum.Skipped, sum.Failed, 0)
	p.logger.Info("csv import finished",
		"batch_id", opts.BatchID,
		"file", opts.Filename,
		"rows", sum.Total,
		"imported", sum.Imported,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
		"cancelled", sum.Cancelled,
	)
	return sum, nil
}

func (p *Pipeline) run(ctx context.Context, r io.Reader, opts Options) (Summary, error) {
	records, err := p.readRecords(r)
	if err != nil {
		return Summary{}, err
	}

	var header []string
	if len(records) > 0 {
		header = records[0]
		records = records[1:]
	}
	cols, err := mapHeader(header)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{Total: len(records), ValidationErrors: []RowError{}}
	importedAt := p.now().UTC()

	rows := make([]*row, 0, len(records))
	seen := make(map[string]bool, len(records))
	for i, rec := range records {
		rw, rowErrs := cols.parse(rec, i+2)
		if len(rowErrs) > 0 {
			sum.ValidationErrors = append(sum.ValidationErrors, rowErrs...)
			sum.Failed++
			continue
		}
		if seen[rw.trace.TraceID] {
			sum.Skipped++
			continue
		}
		seen[rw.trace.TraceID] = true
		rw.trace.BatchID = opts.BatchID
		rw.trace.ImportSeq = opts.ImportSeq
		rw.trace.RowIndex = i + 1
		rw.trace.ImportedBy = opts.ImportedBy
		rw.trace.ImportedAt = importedAt
		rows = append(rows, rw)
	}

	linkPreviousTurns(rows)

	ids := make([]string, len(rows))
	for i, rw := range rows {
		ids[i] = rw.trace.TraceID
	}
	existing, err := p.store.ExistingTraceIDs(ctx, ids)
	if err != nil {
		if ctx.Err() != nil {
			sum.Cancelled = true
			return sum, nil
		}
		return Summary{}, fmt.Errorf("checking existing traces: %w", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, rw := range rows {
		if existing[rw.trace.TraceID] {
			sum.Skipped++
			continue
		}
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			inserted, err := p.store.InsertTrace(gctx, rw.trace)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil && gctx.Err() != nil:
				// Cancelled mid-write; the row is neither imported nor failed.
			case err != nil:
				p.logger.Error("storing trace failed", "trace_id", rw.trace.TraceID, "row", rw.line, "error", err)
				sum.ValidationErrors = append(sum.ValidationErrors, RowError{Row: rw.line, Column: "trace_id", Message: "storage error: " + err.Error()})
				sum.Failed++
			case inserted:
				sum.Imported++
			default:
				sum.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()
	sum.Cancelled = ctx.Err() != nil

	sort.SliceStable(sum.ValidationErrors, func(i, j int) bool {
		a, b := sum.ValidationErrors[i], sum.ValidationErrors[j]
		if a.Row != b.Row {
			return a.Row < b.Row
		}
		return a.Column < b.Column
	})
	return sum, nil
}

func (p *Pipeline) readRecords(r io.Reader) ([][]string, error) {
	data, err := io.ReadAll(io.LimitReader(r, p.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadableFile, err)
	}
	if int64(len(data)) > p.maxBytes {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrFileTooLarge, p.maxBytes)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: not valid UTF-8", ErrUnreadableFile)
	}

	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadableFile, err)
	}
	return records, nil
}
