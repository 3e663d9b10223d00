package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second Register: %v", err)
	}
}

func TestObserveImport(t *testing.T) {
	before := testutil.ToFloat64(importRowsTotal.WithLabelValues(RowDuplicate))
	ObserveImport(-time.Second, ImportCompleted, 3, 2, 1, 0)
	after := testutil.ToFloat64(importRowsTotal.WithLabelValues(RowDuplicate))
	if after-before != 2 {
		t.Errorf("duplicate rows delta = %v, want 2", after-before)
	}
}

func TestObserveSaveAndExport(t *testing.T) {
	before := testutil.ToFloat64(annotationSavesTotal.WithLabelValues(SaveConflict))
	ObserveSave(SaveConflict)
	if got := testutil.ToFloat64(annotationSavesTotal.WithLabelValues(SaveConflict)) - before; got != 1 {
		t.Errorf("conflict delta = %v, want 1", got)
	}

	rowsBefore := testutil.ToFloat64(exportRowsTotal.WithLabelValues("jsonl"))
	ObserveExport("jsonl", 4)
	if got := testutil.ToFloat64(exportRowsTotal.WithLabelValues("jsonl")) - rowsBefore; got != 4 {
		t.Errorf("export rows delta = %v, want 4", got)
	}
}
