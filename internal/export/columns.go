package export

import (
	"time"

	"github.com/kalambet/opencoding/internal/storage"
)

// fixedColumns precede the rubric columns in every export.
var fixedColumns = []string{
	"trace_id", "flow_session", "turn_number", "total_turns", "user_message", "ai_response",
	"user_id", "human_label", "human_confidence", "failure_modes", "evaluator_agrees",
	"is_golden_set", "needs_support_clarification", "taxonomy_category", "first_failure_note",
	"open_codes", "comments_hypotheses", "notes", "rubric_version", "version",
	"created_at", "updated_at",
}

// column is one output column. label is the rubric id for dynamic columns
// and empty for fixed ones.
type column struct {
	name  string
	label string
}

// columnsFor appends one column per failure mode to the fixed set. A mode
// whose id collides with a fixed column is renamed label_<id>.
func columnsFor(failureModes []string) []column {
	taken := make(map[string]bool, len(fixedColumns)+len(failureModes))
	cols := make([]column, 0, len(fixedColumns)+len(failureModes))
	for _, name := range fixedColumns {
		cols = append(cols, column{name: name})
		taken[name] = true
	}
	for _, id := range failureModes {
		name := id
		if taken[name] {
			name = "label_" + id
		}
		taken[name] = true
		cols = append(cols, column{name: name, label: id})
	}
	return cols
}

// flatten returns the typed value of every column for r. Unknown confidence
// is nil; missing dynamic labels are n/a.
func flatten(cols []column, r storage.AnnotatedTrace) []any {
	t, a := r.Trace, r.Annotation

	var confidence any
	if a.HumanConfidence > 0 {
		confidence = a.HumanConfidence
	}
	modes := a.FailureModes
	if modes == nil {
		modes = []string{}
	}

	values := []any{
		t.TraceID, t.FlowSession, t.TurnNumber, t.TotalTurns, t.UserMessage, t.AIResponse,
		a.UserID, a.HumanLabel, confidence, modes, a.EvaluatorAgrees,
		a.IsGoldenSet, a.NeedsSupportClarification, a.TaxonomyCategory, a.FirstFailureNote,
		a.OpenCodes, a.CommentsHypotheses, a.Notes, a.RubricVersion, a.Version,
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	}
	for _, c := range cols[len(fixedColumns):] {
		v, ok := a.DynamicLabels[c.label]
		if !ok {
			v = storage.LabelNA
		}
		values = append(values, v)
	}
	return values
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
