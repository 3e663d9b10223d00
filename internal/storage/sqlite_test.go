package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertTestTrace(t *testing.T, s *Store, id string, seq int64, row int) {
	t.Helper()
	ok, err := s.InsertTrace(context.Background(), Trace{
		TraceID:     id,
		FlowSession: "s1",
		TurnNumber:  1,
		TotalTurns:  1,
		UserMessage: "hi",
		AIResponse:  "hello",
		BatchID:     "b1",
		ImportSeq:   seq,
		RowIndex:    row,
	})
	if err != nil {
		t.Fatalf("InsertTrace(%s): %v", id, err)
	}
	if !ok {
		t.Fatalf("InsertTrace(%s) reported duplicate", id)
	}
}

func intPtr(v int) *int { return &v }

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_traces_order", "idx_traces_session", "idx_annotations_user_updated", "idx_jobs_status_run_after"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestInsertTrace_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	want := Trace{
		TraceID:       "t2",
		FlowSession:   "s1",
		TurnNumber:    2,
		TotalTurns:    2,
		UserMessage:   "and then?",
		AIResponse:    "done",
		PreviousTurns: []PreviousTurn{{TurnNumber: 1, UserMessage: "hi", AIResponse: "hello"}},
		ToolCalls:     []ToolCall{{ID: "c1", FunctionName: "lookup", Arguments: map[string]any{"q": "x"}, Result: "ok"}},
		Metadata:      map[string]string{"channel": "web"},
		BatchID:       "b1",
		ImportSeq:     1,
		RowIndex:      2,
		ImportedBy:    "alice",
		ImportedAt:    time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	inserted, err := s.InsertTrace(ctx, want)
	if err != nil {
		t.Fatalf("InsertTrace: %v", err)
	}
	if !inserted {
		t.Fatal("InsertTrace reported duplicate on first insert")
	}

	got, err := s.GetTrace(ctx, "t2")
	if err != nil {
		t.Fatalf("GetTrace: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GetTrace mismatch (-want +got):\n%s", diff)
	}
}

func TestInsertTrace_DuplicateIgnored(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	insertTestTrace(t, s, "t1", 1, 1)
	again, err := s.InsertTrace(ctx, Trace{TraceID: "t1", FlowSession: "other", TurnNumber: 1, TotalTurns: 1, UserMessage: "x", AIResponse: "y"})
	if err != nil {
		t.Fatalf("InsertTrace: %v", err)
	}
	if again {
		t.Error("second InsertTrace of t1 reported an insert")
	}
	got, err := s.GetTrace(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTrace: %v", err)
	}
	if got.FlowSession != "s1" {
		t.Errorf("FlowSession = %q, want original %q", got.FlowSession, "s1")
	}
}

func TestGetTrace_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetTrace(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTrace err = %v, want ErrNotFound", err)
	}
}

func TestOrderedTraceIDs_CanonicalOrder(t *testing.T) {
	s := openTestStore(t)

	insertTestTrace(t, s, "b2-r1", 2, 1)
	insertTestTrace(t, s, "b1-r2", 1, 2)
	insertTestTrace(t, s, "b1-r1", 1, 1)

	ids, err := s.OrderedTraceIDs(context.Background())
	if err != nil {
		t.Fatalf("OrderedTraceIDs: %v", err)
	}
	want := []string{"b1-r1", "b1-r2", "b2-r1"}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("OrderedTraceIDs (-want +got):\n%s", diff)
	}

	page, err := s.ListTraces(context.Background(), 2, 1)
	if err != nil {
		t.Fatalf("ListTraces: %v", err)
	}
	if len(page) != 2 || page[0].TraceID != "b1-r2" || page[1].TraceID != "b2-r1" {
		t.Errorf("ListTraces(2, 1) = %v, want [b1-r2 b2-r1]", page)
	}
}

func TestExistingTraceIDs(t *testing.T) {
	s := openTestStore(t)
	insertTestTrace(t, s, "t1", 1, 1)
	insertTestTrace(t, s, "t2", 1, 2)

	got, err := s.ExistingTraceIDs(context.Background(), []string{"t1", "t3"})
	if err != nil {
		t.Fatalf("ExistingTraceIDs: %v", err)
	}
	if diff := cmp.Diff(map[string]bool{"t1": true}, got); diff != "" {
		t.Errorf("ExistingTraceIDs (-want +got):\n%s", diff)
	}
}

func TestSaveAnnotation_CreateThenUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertTestTrace(t, s, "t1", 1, 1)

	created, isNew, err := s.SaveAnnotation(ctx, Annotation{
		TraceID:         "t1",
		UserID:          "u1",
		Shape:           ShapeRich,
		HumanLabel:      "fail",
		HumanConfidence: 2,
		EvaluatorAgrees: "no",
		FailureModes:    []string{"hallucination"},
		DynamicLabels:   map[string]LabelValue{"hallucination": LabelTrue, "tone": LabelNA},
	}, intPtr(0))
	if err != nil {
		t.Fatalf("SaveAnnotation (create): %v", err)
	}
	if !isNew {
		t.Error("first save not reported as created")
	}
	if created.Version != 1 {
		t.Errorf("Version = %d, want 1", created.Version)
	}
	if created.ID == "" {
		t.Error("ID not assigned")
	}

	s.now = func() time.Time { return created.CreatedAt.Add(time.Minute) }
	updated, isNew, err := s.SaveAnnotation(ctx, Annotation{
		TraceID: "t1", UserID: "u1", Shape: ShapeRich, HumanLabel: "pass", HumanConfidence: 5, EvaluatorAgrees: "yes",
	}, intPtr(1))
	if err != nil {
		t.Fatalf("SaveAnnotation (update): %v", err)
	}
	if isNew {
		t.Error("second save reported as created")
	}
	if updated.Version != 2 {
		t.Errorf("Version = %d, want 2", updated.Version)
	}
	if updated.ID != created.ID {
		t.Errorf("ID changed: %q -> %q", created.ID, updated.ID)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("CreatedAt changed: %v -> %v", created.CreatedAt, updated.CreatedAt)
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) {
		t.Errorf("UpdatedAt %v not after %v", updated.UpdatedAt, created.UpdatedAt)
	}

	got, err := s.GetAnnotation(ctx, "t1", "u1")
	if err != nil {
		t.Fatalf("GetAnnotation: %v", err)
	}
	if diff := cmp.Diff(updated, got); diff != "" {
		t.Errorf("GetAnnotation mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveAnnotation_VersionConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertTestTrace(t, s, "t1", 1, 1)

	base := Annotation{TraceID: "t1", UserID: "u1", Shape: ShapeRich, HumanLabel: "pass", HumanConfidence: 3, EvaluatorAgrees: "yes"}
	if _, _, err := s.SaveAnnotation(ctx, base, nil); err != nil {
		t.Fatalf("SaveAnnotation: %v", err)
	}

	tests := []struct {
		name     string
		expected *int
	}{
		{"stale zero", intPtr(0)},
		{"ahead", intPtr(7)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			changed := base
			changed.HumanLabel = "unsure"
			_, _, err := s.SaveAnnotation(ctx, changed, tc.expected)
			if !errors.Is(err, ErrVersionConflict) {
				t.Fatalf("err = %v, want ErrVersionConflict", err)
			}
			got, err := s.GetAnnotation(ctx, "t1", "u1")
			if err != nil {
				t.Fatalf("GetAnnotation: %v", err)
			}
			if got.HumanLabel != "pass" || got.Version != 1 {
				t.Errorf("stored = (%q, v%d), want unchanged (pass, v1)", got.HumanLabel, got.Version)
			}
		})
	}
}

func TestSaveAnnotation_NoExpectedVersionOverwrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertTestTrace(t, s, "t1", 1, 1)

	a := Annotation{TraceID: "t1", UserID: "u1", Shape: ShapeRich, HumanLabel: "pass", HumanConfidence: 3, EvaluatorAgrees: "yes"}
	for i := 1; i <= 3; i++ {
		got, _, err := s.SaveAnnotation(ctx, a, nil)
		if err != nil {
			t.Fatalf("SaveAnnotation #%d: %v", i, err)
		}
		if got.Version != i {
			t.Errorf("save #%d Version = %d, want %d", i, got.Version, i)
		}
	}
}

func TestGetAnnotation_PerUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertTestTrace(t, s, "t1", 1, 1)

	if _, _, err := s.SaveAnnotation(ctx, Annotation{TraceID: "t1", UserID: "u1", Shape: ShapeRich, HumanLabel: "pass", EvaluatorAgrees: "yes", HumanConfidence: 1}, nil); err != nil {
		t.Fatalf("SaveAnnotation: %v", err)
	}
	if _, err := s.GetAnnotation(ctx, "t1", "u2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAnnotation(u2) err = %v, want ErrNotFound", err)
	}
	ids, err := s.AnnotatedTraceIDs(ctx, "u1")
	if err != nil {
		t.Fatalf("AnnotatedTraceIDs: %v", err)
	}
	if !ids["t1"] || len(ids) != 1 {
		t.Errorf("AnnotatedTraceIDs(u1) = %v, want {t1}", ids)
	}
}

func TestAnnotationStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	labels := []string{"pass", "fail", "pass", "unsure", "pass", "fail", "pass"}
	for i, label := range labels {
		id := fmt.Sprintf("t%d", i)
		insertTestTrace(t, s, id, 1, i)
		s.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		if _, _, err := s.SaveAnnotation(ctx, Annotation{TraceID: id, UserID: "u1", Shape: ShapeRich, HumanLabel: label, HumanConfidence: 3, EvaluatorAgrees: "yes"}, nil); err != nil {
			t.Fatalf("SaveAnnotation(%s): %v", id, err)
		}
	}

	st, err := s.AnnotationStats(ctx, "u1", 5)
	if err != nil {
		t.Fatalf("AnnotationStats: %v", err)
	}
	if st.TotalAnnotations != 7 || st.PassCount != 4 || st.FailCount != 2 {
		t.Errorf("counts = (%d, %d, %d), want (7, 4, 2)", st.TotalAnnotations, st.PassCount, st.FailCount)
	}
	if st.PassRate != 57.14 {
		t.Errorf("PassRate = %v, want 57.14", st.PassRate)
	}
	if len(st.RecentAnnotations) != 5 {
		t.Fatalf("len(RecentAnnotations) = %d, want 5", len(st.RecentAnnotations))
	}
	if st.RecentAnnotations[0].TraceID != "t6" {
		t.Errorf("most recent = %q, want t6", st.RecentAnnotations[0].TraceID)
	}

	empty, err := s.AnnotationStats(ctx, "nobody", 5)
	if err != nil {
		t.Fatalf("AnnotationStats(nobody): %v", err)
	}
	if empty.TotalAnnotations != 0 || empty.PassRate != 0 || len(empty.RecentAnnotations) != 0 {
		t.Errorf("empty stats = %+v", empty)
	}
}

func TestListAnnotatedTraces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	insertTestTrace(t, s, "late", 2, 1)
	insertTestTrace(t, s, "early", 1, 1)
	save := func(trace, user string, golden bool) {
		t.Helper()
		if _, _, err := s.SaveAnnotation(ctx, Annotation{TraceID: trace, UserID: user, Shape: ShapeRich, HumanLabel: "pass", HumanConfidence: 4, EvaluatorAgrees: "yes", IsGoldenSet: golden}, nil); err != nil {
			t.Fatalf("SaveAnnotation: %v", err)
		}
	}
	save("late", "u1", true)
	save("early", "u2", false)
	save("early", "u1", true)

	all, err := s.ListAnnotatedTraces(ctx, false)
	if err != nil {
		t.Fatalf("ListAnnotatedTraces: %v", err)
	}
	var got []string
	for _, at := range all {
		got = append(got, at.Trace.TraceID+"/"+at.Annotation.UserID)
	}
	if diff := cmp.Diff([]string{"early/u1", "early/u2", "late/u1"}, got); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}

	golden, err := s.ListAnnotatedTraces(ctx, true)
	if err != nil {
		t.Fatalf("ListAnnotatedTraces(golden): %v", err)
	}
	if len(golden) != 2 {
		t.Errorf("golden rows = %d, want 2", len(golden))
	}
	n, err := s.CountGoldenSet(ctx)
	if err != nil {
		t.Fatalf("CountGoldenSet: %v", err)
	}
	if n != 2 {
		t.Errorf("CountGoldenSet = %d, want 2", n)
	}
}

func TestPutLegacyAnnotation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertTestTrace(t, s, "t1", 1, 1)

	a := Annotation{TraceID: "t1", UserID: "demo-user", Shape: ShapeSimple, HumanLabel: "fail", EvaluatorAgrees: "n/a", FirstFailureNote: "escalation failure", Version: 3}
	created, err := s.PutLegacyAnnotation(ctx, a)
	if err != nil {
		t.Fatalf("PutLegacyAnnotation: %v", err)
	}
	if !created {
		t.Error("first legacy put not reported as created")
	}
	a.Version = 4
	if created, err = s.PutLegacyAnnotation(ctx, a); err != nil || created {
		t.Fatalf("second PutLegacyAnnotation = (%v, %v), want (false, nil)", created, err)
	}
	got, err := s.GetAnnotation(ctx, "t1", "demo-user")
	if err != nil {
		t.Fatalf("GetAnnotation: %v", err)
	}
	if got.Version != 4 || got.Shape != ShapeSimple {
		t.Errorf("stored = (v%d, %s), want (v4, simple)", got.Version, got.Shape)
	}
}

func TestRubricVersions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.LatestRubric(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("LatestRubric on empty store err = %v, want ErrNotFound", err)
	}

	v1, err := s.InsertRubricVersion(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatalf("InsertRubricVersion: %v", err)
	}
	v2, err := s.InsertRubricVersion(ctx, []string{"c"})
	if err != nil {
		t.Fatalf("InsertRubricVersion: %v", err)
	}
	if v1.Version != 1 || v2.Version != 2 {
		t.Errorf("versions = %d, %d, want 1, 2", v1.Version, v2.Version)
	}

	latest, err := s.LatestRubric(ctx)
	if err != nil {
		t.Fatalf("LatestRubric: %v", err)
	}
	if diff := cmp.Diff([]string{"c"}, latest.FailureModes); diff != "" {
		t.Errorf("latest failure modes (-want +got):\n%s", diff)
	}

	all, err := s.ListRubricVersions(ctx)
	if err != nil {
		t.Fatalf("ListRubricVersions: %v", err)
	}
	if len(all) != 2 || all[0].Version != 1 {
		t.Errorf("ListRubricVersions = %+v", all)
	}
}

func TestImportBatches(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	b1, err := s.CreateImportBatch(ctx, "a.csv", "alice", []byte("raw"))
	if err != nil {
		t.Fatalf("CreateImportBatch: %v", err)
	}
	b2, err := s.CreateImportBatch(ctx, "b.csv", "alice", nil)
	if err != nil {
		t.Fatalf("CreateImportBatch: %v", err)
	}
	if b1.Seq != 1 || b2.Seq != 2 {
		t.Errorf("seqs = %d, %d, want 1, 2", b1.Seq, b2.Seq)
	}

	payload, err := s.ImportBatchPayload(ctx, b1.ID)
	if err != nil {
		t.Fatalf("ImportBatchPayload: %v", err)
	}
	if string(payload) != "raw" {
		t.Errorf("payload = %q, want %q", payload, "raw")
	}

	if err := s.UpdateImportBatch(ctx, b1.ID, BatchCompleted, `{"imported":1}`, ""); err != nil {
		t.Fatalf("UpdateImportBatch: %v", err)
	}
	got, err := s.GetImportBatch(ctx, b1.ID)
	if err != nil {
		t.Fatalf("GetImportBatch: %v", err)
	}
	if got.Status != BatchCompleted {
		t.Errorf("Status = %q, want %q", got.Status, BatchCompleted)
	}
	if string(got.Summary) != `{"imported":1}` {
		t.Errorf("Summary = %s", got.Summary)
	}
	if payload, _ := s.ImportBatchPayload(ctx, b1.ID); payload != nil {
		t.Errorf("payload kept after completion: %q", payload)
	}

	if err := s.UpdateImportBatch(ctx, "nope", BatchFailed, "", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateImportBatch(missing) err = %v, want ErrNotFound", err)
	}
}

func TestLabelValueJSON(t *testing.T) {
	in := map[string]LabelValue{"a": LabelTrue, "b": LabelFalse, "c": LabelNA}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(b) != `{"a":true,"b":false,"c":"n/a"}` {
		t.Errorf("Marshal = %s", b)
	}

	var bad LabelValue
	if err := json.Unmarshal([]byte(`"yes"`), &bad); err == nil {
		t.Error("Unmarshal(\"yes\") succeeded, want error")
	}
}

func TestClaimNextJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j-claim-1", Type: "import_csv", PayloadJSON: `{"batch_id":"b1"}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{"import_csv"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-claim-1" {
		t.Errorf("ID = %q, want %q", got.ID, "j-claim-1")
	}
	if got.Status != "running" {
		t.Errorf("Status = %q, want %q", got.Status, "running")
	}
	if got.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", got.MaxAttempts)
	}

	again, err := s.ClaimNextJob(ctx, []string{"import_csv"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if again != nil {
		t.Errorf("expected nil once the only job is running, got %+v", again)
	}
}

func TestClaimNextJob_RespectRunAfter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := Job{ID: "j-future", Type: "import_csv", PayloadJSON: `{}`, RunAfter: time.Now().UTC().Add(time.Hour)}
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	got, err := s.ClaimNextJob(ctx, []string{"import_csv"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for future run_after, got %+v", got)
	}
}

func TestFailJob_BackoffThenFailed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j-fail", Type: "x", PayloadJSON: `{}`, MaxAttempts: 2}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob(ctx, []string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	before := time.Now().UTC()
	if err := s.FailJob(ctx, "j-fail", "something broke"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	j, err := s.GetJob(ctx, "j-fail")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != "pending" || j.Attempts != 1 || j.LastError != "something broke" {
		t.Errorf("after first failure = (%s, %d, %q)", j.Status, j.Attempts, j.LastError)
	}
	if !j.RunAfter.After(before) {
		t.Errorf("run_after %v should be after %v", j.RunAfter, before)
	}

	if err := s.FailJob(ctx, "j-fail", "again"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if j, _ = s.GetJob(ctx, "j-fail"); j.Status != "failed" {
		t.Errorf("Status = %q, want failed", j.Status)
	}

	if err := s.CompleteJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteJob(missing) err = %v, want ErrNotFound", err)
	}
}

func TestPutLegacyAnnotation_NeverRewindsVersion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertTestTrace(t, s, "t1", 1, 1)

	rich := Annotation{TraceID: "t1", UserID: "u", Shape: ShapeRich, HumanLabel: "pass", HumanConfidence: 4, EvaluatorAgrees: "yes",
		IsGoldenSet: true, NeedsSupportClarification: true, TaxonomyCategory: "billing", Notes: "rich notes", RubricVersion: 2}
	for range 3 {
		if _, _, err := s.SaveAnnotation(ctx, rich, nil); err != nil {
			t.Fatalf("SaveAnnotation: %v", err)
		}
	}

	legacy := Annotation{TraceID: "t1", UserID: "u", Shape: ShapeSimple, HumanLabel: "fail", EvaluatorAgrees: "n/a", FirstFailureNote: "old note", Version: 1}
	if created, err := s.PutLegacyAnnotation(ctx, legacy); err != nil || created {
		t.Fatalf("PutLegacyAnnotation = (%v, %v), want (false, nil)", created, err)
	}

	got, err := s.GetAnnotation(ctx, "t1", "u")
	if err != nil {
		t.Fatalf("GetAnnotation: %v", err)
	}
	if got.Version != 4 {
		t.Errorf("version after legacy put = %d, want 4", got.Version)
	}
	if got.Shape != ShapeSimple || got.IsGoldenSet || got.NeedsSupportClarification || got.Notes != "" ||
		got.TaxonomyCategory != "" || got.RubricVersion != 0 || got.FirstFailureNote != "old note" {
		t.Errorf("legacy put kept rich fields: %+v", got)
	}

	stale := 1
	if _, _, err := s.SaveAnnotation(ctx, rich, &stale); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("save with stale expected_version err = %v, want ErrVersionConflict", err)
	}
}
