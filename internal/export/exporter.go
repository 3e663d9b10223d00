// Package export flattens annotations, their traces and the current rubric
// into CSV or JSONL.
package export

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/kalambet/opencoding/internal/metrics"
	"github.com/kalambet/opencoding/internal/rubric"
	"github.com/kalambet/opencoding/internal/storage"
)

// Supported formats.
const (
	FormatCSV   = "csv"
	FormatJSONL = "jsonl"
)

// CommentPrefix marks metadata lines that parsers must skip.
const CommentPrefix = "#"

// ErrUnknownFormat is returned for a format other than csv or jsonl.
var ErrUnknownFormat = errors.New("unknown export format")

// Store defines the reads the Exporter needs. Implemented by storage.Store.
type Store interface {
	ListAnnotatedTraces(ctx context.Context, goldenOnly bool) ([]storage.AnnotatedTrace, error)
	CountTraces(ctx context.Context) (int, error)
	CountGoldenSet(ctx context.Context) (int, error)
}

// RubricSource yields the rubric whose failure modes become dynamic columns.
type RubricSource interface {
	Current(ctx context.Context) (rubric.Snapshot, error)
}

type Options struct {
	Format          string
	GoldenSetOnly   bool
	IncludeMetadata bool
	// UserID restricts the export to one evaluator. Empty exports everyone.
	UserID string
}

type Summary struct {
	Format        string `json:"format"`
	Rows          int    `json:"rows"`
	GoldenSetOnly bool   `json:"golden_set_only"`
	Message       string `json:"message"`
}

// ContentType returns the MIME type served for format.
func ContentType(format string) string {
	if format == FormatJSONL {
		return "application/x-ndjson"
	}
	return "text/csv; charset=utf-8"
}

// Filename returns the attachment name served for format.
func Filename(format string) string {
	if format == FormatJSONL {
		return "annotations.jsonl"
	}
	return "annotations_export.csv"
}

type Exporter struct {
	store   Store
	rubrics RubricSource
	now     func() time.Time
	logger  *slog.Logger
}

func NewExporter(store Store, rubrics RubricSource) *Exporter {
	return &Exporter{
		store:   store,
		rubrics: rubrics,
		now:     time.Now,
		logger:  slog.Default(),
	}
}

// Export writes every selected annotation to w in canonical trace order,
// then by user id. Output is byte-stable for unchanged data apart from the
// export date metadata line.
func (e *Exporter) Export(ctx context.Context, w io.Writer, opts Options) (Summary, error) {
	var enc encoder
	switch opts.Format {
	case FormatCSV:
		enc = newCSVEncoder(w)
	case FormatJSONL:
		enc = newJSONLEncoder(w)
	default:
		return Summary{}, fmt.Errorf("%w: %q", ErrUnknownFormat, opts.Format)
	}

	rs, err := e.rubrics.Current(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("loading rubric: %w", err)
	}
	records, err := e.store.ListAnnotatedTraces(ctx, opts.GoldenSetOnly)
	if err != nil {
		return Summary{}, fmt.Errorf("listing annotations: %w", err)
	}
	if opts.UserID != "" {
		kept := records[:0]
		for _, r := range records {
			if r.Annotation.UserID == opts.UserID {
				kept = append(kept, r)
			}
		}
		records = kept
	}

	cols := columnsFor(rs.FailureModes)

	if opts.IncludeMetadata {
		lines, err := e.metadata(ctx, rs.Version, opts.GoldenSetOnly)
		if err != nil {
			return Summary{}, err
		}
		if err := enc.comments(lines); err != nil {
			return Summary{}, fmt.Errorf("writing metadata: %w", err)
		}
	}
	if err := enc.header(cols); err != nil {
		return Summary{}, fmt.Errorf("writing header: %w", err)
	}

	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return Summary{}, err
		}
		if err := enc.row(cols, flatten(cols, r)); err != nil {
			return Summary{}, fmt.Errorf("writing %s/%s: %w", r.Trace.TraceID, r.Annotation.UserID, err)
		}
	}
	if err := enc.flush(); err != nil {
		return Summary{}, fmt.Errorf("flushing export: %w", err)
	}

	sum := Summary{Format: opts.Format, Rows: len(records), GoldenSetOnly: opts.GoldenSetOnly}
	if opts.GoldenSetOnly {
		sum.Message = fmt.Sprintf("Exported %d golden set traces", sum.Rows)
	} else {
		sum.Message = fmt.Sprintf("Exported %d annotations", sum.Rows)
	}
	metrics.ObserveExport(opts.Format, sum.Rows)
	e.logger.Info("export finished", "format", opts.Format, "rows", sum.Rows, "golden_set_only", opts.GoldenSetOnly)
	return sum, nil
}

func (e *Exporter) metadata(ctx context.Context, rubricVersion int, goldenOnly bool) ([]string, error) {
	total, err := e.store.CountTraces(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting traces: %w", err)
	}
	golden, err := e.store.CountGoldenSet(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting golden set: %w", err)
	}
	lines := []string{
		"Export Date: " + e.now().UTC().Format(time.RFC3339),
		fmt.Sprintf("Rubric Version: %d", rubricVersion),
		fmt.Sprintf("Total Traces: %d", total),
		fmt.Sprintf("Golden Set: %d", golden),
	}
	if goldenOnly {
		lines = append(lines, "Filter: golden_set_only")
	}
	return lines, nil
}

// encoder renders one format.
type encoder interface {
	comments(lines []string) error
	header(cols []column) error
	row(cols []column, values []any) error
	flush() error
}

func writeComments(w *bufio.Writer, lines []string) error {
	for _, l := range lines {
		if _, err := w.WriteString(CommentPrefix + " " + l + "\n"); err != nil {
			return err
		}
	}
	return nil
}
