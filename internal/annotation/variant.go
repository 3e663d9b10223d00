package annotation

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/kalambet/opencoding/internal/storage"
)

// Human labels of the rich shape.
const (
	LabelPass       = "pass"
	LabelFail       = "fail"
	LabelUnsure     = "unsure"
	LabelIrrelevant = "irrelevant"
)

// Legacy pass/fail values.
const (
	LegacyPass = "Pass"
	LegacyFail = "Fail"
)

// Variant is one of the two accepted annotation shapes, Rich or Simple.
type Variant interface {
	// Trace returns the id of the judged trace.
	Trace() string
	// Failing reports whether the label signals a failure.
	Failing() bool

	variant()
}

// Rich is the canonical annotation shape.
type Rich struct {
	TraceID                   string                     `json:"trace_id" validate:"required"`
	HumanLabel                string                     `json:"human_label" validate:"oneof=pass fail unsure irrelevant"`
	HumanConfidence           int                        `json:"human_confidence" validate:"min=1,max=5"`
	EvaluatorAgrees           string                     `json:"evaluator_agrees" validate:"oneof=yes no n/a"`
	FailureModes              []string                   `json:"failure_modes"`
	DynamicLabels             map[string]json.RawMessage `json:"dynamic_labels"`
	IsGoldenSet               bool                       `json:"is_golden_set"`
	NeedsSupportClarification bool                       `json:"needs_support_clarification"`
	TaxonomyCategory          string                     `json:"taxonomy_category" validate:"max=100"`
	Notes                     string                     `json:"notes" validate:"max=2000"`
	FirstFailureNote          string                     `json:"first_failure_note" validate:"max=256"`
	OpenCodes                 string                     `json:"open_codes" validate:"max=500"`
	CommentsHypotheses        string                     `json:"comments_hypotheses" validate:"max=1000"`
}

func (r Rich) Trace() string { return r.TraceID }
func (r Rich) Failing() bool { return r.HumanLabel == LabelFail }
func (Rich) variant()        {}

// Simple is the legacy pass/fail shape.
type Simple struct {
	TraceID            string `json:"trace_id" validate:"required"`
	HolisticPassFail   string `json:"holistic_pass_fail" validate:"oneof=Pass Fail"`
	FirstFailureNote   string `json:"first_failure_note" validate:"max=256"`
	OpenCodes          string `json:"open_codes" validate:"max=500"`
	CommentsHypotheses string `json:"comments_hypotheses" validate:"max=1000"`
}

func (s Simple) Trace() string { return s.TraceID }
func (s Simple) Failing() bool { return s.HolisticPassFail == LegacyFail }
func (Simple) variant()        {}

// Candidate is an annotation save request as submitted by a client. It may
// carry either shape.
type Candidate struct {
	TraceID                   string                     `json:"trace_id"`
	HumanLabel                string                     `json:"human_label,omitempty"`
	HumanConfidence           int                        `json:"human_confidence,omitempty"`
	EvaluatorAgrees           string                     `json:"evaluator_agrees,omitempty"`
	FailureModes              []string                   `json:"failure_modes,omitempty"`
	DynamicLabels             map[string]json.RawMessage `json:"dynamic_labels,omitempty"`
	IsGoldenSet               bool                       `json:"is_golden_set,omitempty"`
	NeedsSupportClarification bool                       `json:"needs_support_clarification,omitempty"`
	TaxonomyCategory          string                     `json:"taxonomy_category,omitempty"`
	Notes                     string                     `json:"notes,omitempty"`
	HolisticPassFail          string                     `json:"holistic_pass_fail,omitempty"`
	FirstFailureNote          string                     `json:"first_failure_note,omitempty"`
	OpenCodes                 string                     `json:"open_codes,omitempty"`
	CommentsHypotheses        string                     `json:"comments_hypotheses,omitempty"`

	// ExpectedVersion, when set, must match the stored version; 0 means the
	// annotation must not exist yet.
	ExpectedVersion *int `json:"expected_version,omitempty"`
}

// Variant picks the shape: Simple when only the legacy label is set, Rich
// otherwise.
func (c Candidate) Variant() Variant {
	if c.HolisticPassFail != "" && c.HumanLabel == "" {
		return Simple{
			TraceID:            c.TraceID,
			HolisticPassFail:   c.HolisticPassFail,
			FirstFailureNote:   c.FirstFailureNote,
			OpenCodes:          c.OpenCodes,
			CommentsHypotheses: c.CommentsHypotheses,
		}
	}
	return Rich{
		TraceID:                   c.TraceID,
		HumanLabel:                c.HumanLabel,
		HumanConfidence:           c.HumanConfidence,
		EvaluatorAgrees:           c.EvaluatorAgrees,
		FailureModes:              c.FailureModes,
		DynamicLabels:             c.DynamicLabels,
		IsGoldenSet:               c.IsGoldenSet,
		NeedsSupportClarification: c.NeedsSupportClarification,
		TaxonomyCategory:          c.TaxonomyCategory,
		Notes:                     c.Notes,
		FirstFailureNote:          c.FirstFailureNote,
		OpenCodes:                 c.OpenCodes,
		CommentsHypotheses:        c.CommentsHypotheses,
	}
}

// Normalize converts a validated variant into the stored record. Non-failing
// labels drop failure modes and failure details; Simple becomes a record with
// shape "simple", a lower-case label, no confidence and agreement "n/a".
func Normalize(v Variant, userID string, rubricVersion int) storage.Annotation {
	a := storage.Annotation{
		TraceID:       v.Trace(),
		UserID:        userID,
		RubricVersion: rubricVersion,
		FailureModes:  []string{},
		DynamicLabels: map[string]storage.LabelValue{},
	}

	switch x := v.(type) {
	case Rich:
		a.Shape = storage.ShapeRich
		a.HumanLabel = x.HumanLabel
		a.HumanConfidence = x.HumanConfidence
		a.EvaluatorAgrees = x.EvaluatorAgrees
		a.IsGoldenSet = x.IsGoldenSet
		a.NeedsSupportClarification = x.NeedsSupportClarification
		a.TaxonomyCategory = strings.TrimSpace(x.TaxonomyCategory)
		a.Notes = x.Notes
		a.OpenCodes = x.OpenCodes
		for k, raw := range x.DynamicLabels {
			if lv, ok := storage.ParseLabelValue(raw); ok {
				a.DynamicLabels[k] = lv
			}
		}
		if x.Failing() {
			a.FailureModes = dedupe(x.FailureModes)
			a.FirstFailureNote = x.FirstFailureNote
			a.CommentsHypotheses = x.CommentsHypotheses
		}
	case Simple:
		a.Shape = storage.ShapeSimple
		a.HumanLabel = strings.ToLower(x.HolisticPassFail)
		a.EvaluatorAgrees = "n/a"
		a.OpenCodes = x.OpenCodes
		if x.Failing() {
			a.FirstFailureNote = x.FirstFailureNote
			a.CommentsHypotheses = x.CommentsHypotheses
		}
	}
	return a
}

// AsSimple is the read-time adapter for legacy consumers. It reports false
// when the label has no pass/fail equivalent.
func AsSimple(a storage.Annotation) (Simple, bool) {
	var pf string
	switch a.HumanLabel {
	case LabelPass:
		pf = LegacyPass
	case LabelFail:
		pf = LegacyFail
	default:
		return Simple{}, false
	}
	return Simple{
		TraceID:            a.TraceID,
		HolisticPassFail:   pf,
		FirstFailureNote:   a.FirstFailureNote,
		OpenCodes:          a.OpenCodes,
		CommentsHypotheses: a.CommentsHypotheses,
	}, true
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
