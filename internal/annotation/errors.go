package annotation

import (
	"errors"
	"strings"
)

// Field-level validation failures. Use errors.Is against a *ValidationError
// to test for one of them.
var (
	ErrMissingTraceID           = errors.New("trace_id is required")
	ErrMissingLabel             = errors.New("missing or invalid label")
	ErrMissingConfidence        = errors.New("confidence must be between 1 and 5")
	ErrMissingAgreement         = errors.New("evaluator agreement must be yes, no or n/a")
	ErrFailureDetailRequired    = errors.New("failing annotations require failure details")
	ErrUnknownFailureMode       = errors.New("failure mode is not in the current rubric")
	ErrUnknownDynamicLabel      = errors.New("dynamic label is not defined by any rubric version")
	ErrInvalidDynamicLabelValue = errors.New("dynamic label value must be true, false or \"n/a\"")
	ErrFieldTooLong             = errors.New("field exceeds maximum length")
)

// codes are the stable machine-readable names reported to clients.
var codes = map[error]string{
	ErrMissingTraceID:           "missing_trace_id",
	ErrMissingLabel:             "missing_label",
	ErrMissingConfidence:        "missing_confidence",
	ErrMissingAgreement:         "missing_agreement",
	ErrFailureDetailRequired:    "failure_detail_required",
	ErrUnknownFailureMode:       "unknown_failure_mode",
	ErrUnknownDynamicLabel:      "unknown_dynamic_label",
	ErrInvalidDynamicLabelValue: "invalid_dynamic_label_value",
	ErrFieldTooLong:             "field_too_long",
}

// FieldError is one violation of one field.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func newFieldError(field string, err error, message string) FieldError {
	if message == "" {
		message = err.Error()
	}
	return FieldError{Field: field, Code: codes[err], Message: message, Err: err}
}

func (e FieldError) Error() string { return e.Field + ": " + e.Message }

func (e FieldError) Unwrap() error { return e.Err }

// ValidationError carries every violation found in a candidate.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Error()
	}
	return "annotation validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() []error {
	errs := make([]error, len(e.Errors))
	for i, fe := range e.Errors {
		errs[i] = fe
	}
	return errs
}

// Result is the outcome of Validate.
type Result struct {
	OK     bool         `json:"ok"`
	Errors []FieldError `json:"errors,omitempty"`
}

// Err returns a *ValidationError when r holds violations, nil otherwise.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	return &ValidationError{Errors: r.Errors}
}
