package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when an annotation save carries an expected
// version that does not match the stored one. Nothing is written.
var ErrVersionConflict = errors.New("version conflict")

// Trace is one imported conversational turn. Traces are never updated after insert.
type Trace struct {
	TraceID       string            `json:"trace_id"`
	FlowSession   string            `json:"flow_session"`
	TurnNumber    int               `json:"turn_number"`
	TotalTurns    int               `json:"total_turns"`
	UserMessage   string            `json:"user_message"`
	AIResponse    string            `json:"ai_response"`
	PreviousTurns []PreviousTurn    `json:"previous_turns"`
	ToolCalls     []ToolCall        `json:"tool_calls"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	BatchID       string            `json:"batch_id"`
	ImportSeq     int64             `json:"-"`
	RowIndex      int               `json:"-"`
	ImportedBy    string            `json:"imported_by,omitempty"`
	ImportedAt    time.Time         `json:"imported_at"`
}

// PreviousTurn is an earlier turn of the same flow session.
type PreviousTurn struct {
	TurnNumber  int    `json:"turn_number"`
	UserMessage string `json:"user_message"`
	AIResponse  string `json:"ai_response"`
}

type ToolCall struct {
	ID           string         `json:"id"`
	FunctionName string         `json:"function_name"`
	Arguments    map[string]any `json:"arguments"`
	Result       any            `json:"result,omitempty"`
}

// Annotation shapes.
const (
	ShapeRich   = "rich"
	ShapeSimple = "simple"
)

// Annotation is one evaluator's judgment on one trace. At most one exists per
// (trace_id, user_id).
type Annotation struct {
	ID                        string                `json:"id"`
	TraceID                   string                `json:"trace_id"`
	UserID                    string                `json:"user_id"`
	Shape                     string                `json:"shape"`
	HumanLabel                string                `json:"human_label"`
	HumanConfidence           int                   `json:"human_confidence,omitempty"`
	FailureModes              []string              `json:"failure_modes"`
	EvaluatorAgrees           string                `json:"evaluator_agrees"`
	DynamicLabels             map[string]LabelValue `json:"dynamic_labels"`
	IsGoldenSet               bool                  `json:"is_golden_set"`
	NeedsSupportClarification bool                  `json:"needs_support_clarification"`
	TaxonomyCategory          string                `json:"taxonomy_category,omitempty"`
	Notes                     string                `json:"notes,omitempty"`
	FirstFailureNote          string                `json:"first_failure_note,omitempty"`
	OpenCodes                 string                `json:"open_codes,omitempty"`
	CommentsHypotheses        string                `json:"comments_hypotheses,omitempty"`
	RubricVersion             int                   `json:"rubric_version"`
	Version                   int                   `json:"version"`
	CreatedAt                 time.Time             `json:"created_at"`
	UpdatedAt                 time.Time             `json:"updated_at"`
}

// LabelValue is the tri-state value of a dynamic label: true, false or "n/a".
type LabelValue string

const (
	LabelTrue  LabelValue = "true"
	LabelFalse LabelValue = "false"
	LabelNA    LabelValue = "n/a"
)

// ParseLabelValue decodes a raw JSON value into a LabelValue. Only the JSON
// booleans and the string "n/a" are accepted.
func ParseLabelValue(raw json.RawMessage) (LabelValue, bool) {
	switch string(bytes.TrimSpace(raw)) {
	case "true":
		return LabelTrue, true
	case "false":
		return LabelFalse, true
	case `"n/a"`:
		return LabelNA, true
	}
	return "", false
}

func (v LabelValue) String() string { return string(v) }

func (v LabelValue) MarshalJSON() ([]byte, error) {
	switch v {
	case LabelTrue:
		return []byte("true"), nil
	case LabelFalse:
		return []byte("false"), nil
	case LabelNA:
		return []byte(`"n/a"`), nil
	}
	return nil, fmt.Errorf("invalid label value %q", string(v))
}

func (v *LabelValue) UnmarshalJSON(b []byte) error {
	lv, ok := ParseLabelValue(b)
	if !ok {
		return fmt.Errorf("invalid label value %s: want true, false or \"n/a\"", b)
	}
	*v = lv
	return nil
}

// AnnotationStats aggregates one user's annotations.
type AnnotationStats struct {
	TotalAnnotations  int          `json:"total_annotations"`
	PassCount         int          `json:"pass_count"`
	FailCount         int          `json:"fail_count"`
	PassRate          float64      `json:"pass_rate"`
	RecentAnnotations []Annotation `json:"recent_annotations"`
}

// RubricVersion is one immutable snapshot of the failure-mode set.
type RubricVersion struct {
	Version      int       `json:"version"`
	FailureModes []string  `json:"failure_modes"`
	CreatedAt    time.Time `json:"created_at"`
}

// Import batch statuses.
const (
	BatchPending   = "pending"
	BatchRunning   = "running"
	BatchCompleted = "completed"
	BatchFailed    = "failed"
	BatchCancelled = "cancelled"
)

// ImportBatch records one CSV upload. Seq defines the batch's position in the
// canonical trace order.
type ImportBatch struct {
	ID         string          `json:"id"`
	Seq        int64           `json:"seq"`
	Filename   string          `json:"filename"`
	ImportedBy string          `json:"imported_by"`
	Status     string          `json:"status"`
	Summary    json.RawMessage `json:"summary,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
