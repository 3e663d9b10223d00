package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Import row outcomes.
const (
	RowImported  = "imported"
	RowDuplicate = "duplicate"
	RowInvalid   = "invalid"
	RowError     = "error"
)

// Annotation save outcomes.
const (
	SaveCreated  = "created"
	SaveUpdated  = "updated"
	SaveInvalid  = "invalid"
	SaveConflict = "conflict"
	SaveError    = "error"
)

// Import batch outcomes.
const (
	ImportCompleted = "completed"
	ImportCancelled = "cancelled"
	ImportRejected  = "rejected"
)

var (
	importRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opencoding",
			Name:      "import_rows_total",
			Help:      "CSV rows processed by the import pipeline, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	importsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opencoding",
			Name:      "imports_total",
			Help:      "CSV import batches, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	importDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "opencoding",
			Name:      "import_seconds",
			Help:      "CSV import latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	annotationSavesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opencoding",
			Name:      "annotation_saves_total",
			Help:      "Annotation save attempts, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	exportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opencoding",
			Name:      "exports_total",
			Help:      "Completed exports, partitioned by format.",
		},
		[]string{"format"},
	)

	exportRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opencoding",
			Name:      "export_rows_total",
			Help:      "Rows written by exports, partitioned by format.",
		},
		[]string{"format"},
	)
)

// Register attaches opencoding collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		importRowsTotal,
		importsTotal,
		importDurationSeconds,
		annotationSavesTotal,
		exportsTotal,
		exportRowsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveImport records the row counts and duration of one import batch.
func ObserveImport(duration time.Duration, outcome string, imported, duplicates, invalid, failed int) {
	importsTotal.WithLabelValues(outcome).Inc()
	importRowsTotal.WithLabelValues(RowImported).Add(float64(imported))
	importRowsTotal.WithLabelValues(RowDuplicate).Add(float64(duplicates))
	importRowsTotal.WithLabelValues(RowInvalid).Add(float64(invalid))
	importRowsTotal.WithLabelValues(RowError).Add(float64(failed))
	if duration < 0 {
		duration = 0
	}
	importDurationSeconds.Observe(duration.Seconds())
}

// ObserveSave records one annotation save attempt.
func ObserveSave(outcome string) {
	annotationSavesTotal.WithLabelValues(outcome).Inc()
}

// ObserveExport records a finished export.
func ObserveExport(format string, rows int) {
	exportsTotal.WithLabelValues(format).Inc()
	exportRowsTotal.WithLabelValues(format).Add(float64(rows))
}
