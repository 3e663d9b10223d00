package annotation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/opencoding/internal/rubric"
	"github.com/kalambet/opencoding/internal/storage"
)

type recordingInvalidator struct {
	users []string
}

func (r *recordingInvalidator) Invalidate(userID string) {
	r.users = append(r.users, userID)
}

func setupService(t *testing.T, traceIDs ...string) (*Service, *storage.Store, *recordingInvalidator) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	for i, id := range traceIDs {
		if _, err := store.InsertTrace(ctx, storage.Trace{
			TraceID: id, FlowSession: "s1", TurnNumber: i + 1, TotalTurns: len(traceIDs),
			UserMessage: "q", AIResponse: "a", BatchID: "b1", ImportSeq: 1, RowIndex: i + 1,
		}); err != nil {
			t.Fatalf("InsertTrace(%s): %v", id, err)
		}
	}

	reg := rubric.NewRegistry(store)
	if _, err := reg.Import(ctx, []string{"hallucination", "off_topic"}); err != nil {
		t.Fatalf("rubric Import: %v", err)
	}
	inv := &recordingInvalidator{}
	return NewService(store, reg, inv), store, inv
}

func intPtr(v int) *int { return &v }

func TestSave_FailNeedsDetailThenCreatesThenConflicts(t *testing.T) {
	svc, _, inv := setupService(t, "t1")
	ctx := context.Background()

	c := Candidate{TraceID: "t1", HumanLabel: LabelFail, HumanConfidence: 2, EvaluatorAgrees: "no"}
	_, err := svc.Save(ctx, "u1", c)
	if !errors.Is(err, ErrFailureDetailRequired) {
		t.Fatalf("Save without failure detail: got %v, want ErrFailureDetailRequired", err)
	}
	if len(inv.users) != 0 {
		t.Errorf("invalidated %v after a rejected save", inv.users)
	}

	c.FirstFailureNote = "x"
	c.CommentsHypotheses = "y"
	res, err := svc.Save(ctx, "u1", c)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !res.Created || res.Annotation.Version != 1 {
		t.Errorf("Save = created %v version %d, want created version 1", res.Created, res.Annotation.Version)
	}
	if res.Annotation.RubricVersion != 1 {
		t.Errorf("RubricVersion = %d, want 1", res.Annotation.RubricVersion)
	}
	if diff := cmp.Diff([]string{"u1"}, inv.users); diff != "" {
		t.Errorf("invalidations (-want +got):\n%s", diff)
	}

	c.ExpectedVersion = intPtr(0)
	if _, err := svc.Save(ctx, "u1", c); !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("Save with stale expected_version: got %v, want ErrVersionConflict", err)
	}

	c.ExpectedVersion = intPtr(1)
	c.Notes = "second look"
	res, err = svc.Save(ctx, "u1", c)
	if err != nil {
		t.Fatalf("Save with current expected_version: %v", err)
	}
	if res.Created || res.Annotation.Version != 2 || res.Annotation.Notes != "second look" {
		t.Errorf("update = %+v", res)
	}
}

func TestSave_UnknownTrace(t *testing.T) {
	svc, _, _ := setupService(t, "t1")
	_, err := svc.Save(context.Background(), "u1", Candidate{
		TraceID: "missing", HumanLabel: LabelPass, HumanConfidence: 3, EvaluatorAgrees: "yes",
	})
	if !errors.Is(err, ErrTraceNotFound) || !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Save(unknown trace) = %v, want ErrTraceNotFound", err)
	}
}

func TestSave_NormalizesPassAndDynamicLabels(t *testing.T) {
	svc, _, _ := setupService(t, "t1")
	ctx := context.Background()

	res, err := svc.Save(ctx, "u1", Candidate{
		TraceID: "t1", HumanLabel: LabelPass, HumanConfidence: 5, EvaluatorAgrees: "yes",
		FailureModes:  []string{"hallucination"},
		DynamicLabels: map[string]json.RawMessage{"off_topic": json.RawMessage(`"n/a"`)},
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := svc.Get(ctx, "t1", "u1")
	if err != nil || got == nil {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if len(got.FailureModes) != 0 {
		t.Errorf("pass annotation kept failure modes %v", got.FailureModes)
	}
	if diff := cmp.Diff(map[string]storage.LabelValue{"off_topic": storage.LabelNA}, got.DynamicLabels); diff != "" {
		t.Errorf("DynamicLabels (-want +got):\n%s", diff)
	}
	if got.ID != res.Annotation.ID {
		t.Errorf("Get id = %q, want %q", got.ID, res.Annotation.ID)
	}

	none, err := svc.Get(ctx, "t1", "someone-else")
	if err != nil || none != nil {
		t.Errorf("Get for another user = %v, %v; want nil, nil", none, err)
	}
}

func TestSave_SimpleShape(t *testing.T) {
	svc, _, _ := setupService(t, "t1")
	res, err := svc.Save(context.Background(), "u1", Candidate{TraceID: "t1", HolisticPassFail: LegacyPass, OpenCodes: "terse"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	a := res.Annotation
	if a.Shape != storage.ShapeSimple || a.HumanLabel != LabelPass || a.EvaluatorAgrees != "n/a" || a.OpenCodes != "terse" {
		t.Errorf("stored simple annotation = %+v", a)
	}
}

func TestSave_ValidationErrorListsEveryField(t *testing.T) {
	svc, _, _ := setupService(t, "t1")
	_, err := svc.Save(context.Background(), "u1", Candidate{
		TraceID: "t1", HumanLabel: LabelFail,
		DynamicLabels: map[string]json.RawMessage{"bogus": json.RawMessage(`true`)},
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Save = %v, want *ValidationError", err)
	}
	var got []string
	for _, fe := range verr.Errors {
		got = append(got, fe.Code)
	}
	want := []string{"missing_confidence", "missing_agreement", "failure_detail_required", "failure_detail_required", "unknown_dynamic_label"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("codes (-want +got):\n%s", diff)
	}
}

func TestImportLegacy(t *testing.T) {
	svc, store, inv := setupService(t, "t1", "t2")
	ctx := context.Background()

	records := []LegacyRecord{
		{Simple: Simple{TraceID: "t1", HolisticPassFail: "Fail", FirstFailureNote: "wrong tool"}, UserID: "alice", Version: 3},
		{Simple: Simple{TraceID: "t2", HolisticPassFail: " Pass "}, Version: 1},
		{Simple: Simple{TraceID: "gone", HolisticPassFail: "Pass"}},
		{Simple: Simple{TraceID: "t2", HolisticPassFail: "maybe"}},
	}
	sum, err := svc.ImportLegacy(ctx, records, "demo-user")
	if err != nil {
		t.Fatalf("ImportLegacy: %v", err)
	}
	if sum.Inserted != 2 || sum.Updated != 0 || sum.SkippedNoTrace != 1 || len(sum.Invalid) != 1 {
		t.Errorf("summary = %+v", sum)
	}

	a, err := store.GetAnnotation(ctx, "t1", "alice")
	if err != nil {
		t.Fatalf("GetAnnotation: %v", err)
	}
	if a.Version != 3 || a.HumanLabel != LabelFail || a.FirstFailureNote != "wrong tool" || a.Shape != storage.ShapeSimple {
		t.Errorf("legacy record = %+v", a)
	}
	if _, err := store.GetAnnotation(ctx, "t2", "demo-user"); err != nil {
		t.Errorf("default user annotation: %v", err)
	}

	again, err := svc.ImportLegacy(ctx, records[:1], "demo-user")
	if err != nil {
		t.Fatalf("second ImportLegacy: %v", err)
	}
	if again.Inserted != 0 || again.Updated != 1 {
		t.Errorf("re-import summary = %+v", again)
	}
	if len(inv.users) == 0 {
		t.Error("ImportLegacy did not invalidate stats")
	}
}
