package annotation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/kalambet/opencoding/internal/rubric"
	"github.com/kalambet/opencoding/internal/storage"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// fieldOrder fixes the order in which tag-level violations are reported.
var fieldOrder = []string{"trace_id", "human_label", "holistic_pass_fail", "human_confidence", "evaluator_agrees"}

// lengthFields are reported after the rubric rules.
var lengthFields = []string{"first_failure_note", "comments_hypotheses", "open_codes", "taxonomy_category", "notes"}

var fieldSentinels = map[string]error{
	"trace_id":           ErrMissingTraceID,
	"human_label":        ErrMissingLabel,
	"holistic_pass_fail": ErrMissingLabel,
	"human_confidence":   ErrMissingConfidence,
	"evaluator_agrees":   ErrMissingAgreement,
}

// Validate checks v against the rubric in force. Every violation is
// collected; the order is label, confidence, agreement, failure details,
// failure modes, dynamic labels, then field lengths.
func Validate(v Variant, rs rubric.Snapshot) Result {
	byField := tagViolations(v)

	var errs []FieldError
	for _, f := range fieldOrder {
		if fe, ok := byField[f]; ok {
			errs = append(errs, fe)
		}
	}

	switch x := v.(type) {
	case Rich:
		if x.Failing() {
			errs = append(errs, failureDetail(x.FirstFailureNote, x.CommentsHypotheses)...)
			for _, m := range x.FailureModes {
				if !rs.InCurrent(m) {
					errs = append(errs, newFieldError("failure_modes", ErrUnknownFailureMode,
						fmt.Sprintf("failure mode %q is not in rubric version %d", m, rs.Version)))
				}
			}
		}
		for _, k := range sortedKeys(x.DynamicLabels) {
			field := "dynamic_labels." + k
			if !rs.Known(k) {
				errs = append(errs, newFieldError(field, ErrUnknownDynamicLabel,
					fmt.Sprintf("dynamic label %q is not defined by any rubric version", k)))
				continue
			}
			if _, ok := storage.ParseLabelValue(x.DynamicLabels[k]); !ok {
				errs = append(errs, newFieldError(field, ErrInvalidDynamicLabelValue,
					fmt.Sprintf("dynamic label %q must be true, false or \"n/a\", got %s", k, x.DynamicLabels[k])))
			}
		}
	case Simple:
		if x.Failing() {
			errs = append(errs, failureDetail(x.FirstFailureNote, x.CommentsHypotheses)...)
		}
	}

	for _, f := range lengthFields {
		if fe, ok := byField[f]; ok {
			errs = append(errs, fe)
		}
	}

	if len(errs) == 0 {
		return Result{OK: true}
	}
	return Result{OK: false, Errors: errs}
}

func failureDetail(firstFailureNote, commentsHypotheses string) []FieldError {
	var errs []FieldError
	if strings.TrimSpace(firstFailureNote) == "" {
		errs = append(errs, newFieldError("first_failure_note", ErrFailureDetailRequired,
			"first_failure_note is required when the annotation fails"))
	}
	if strings.TrimSpace(commentsHypotheses) == "" {
		errs = append(errs, newFieldError("comments_hypotheses", ErrFailureDetailRequired,
			"comments_hypotheses is required when the annotation fails"))
	}
	return errs
}

// tagViolations runs the struct-tag rules and keys the first violation of
// each field by its JSON name.
func tagViolations(v Variant) map[string]FieldError {
	out := make(map[string]FieldError)
	err := validate.Struct(v)
	if err == nil {
		return out
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		out["_"] = FieldError{Field: "_", Code: "invalid", Message: err.Error(), Err: err}
		return out
	}
	for _, fe := range verrs {
		name := fe.Field()
		if _, seen := out[name]; seen {
			continue
		}
		out[name] = describe(fe)
	}
	return out
}

func describe(fe validator.FieldError) FieldError {
	name := fe.Field()
	if sentinel, ok := fieldSentinels[name]; ok {
		var msg string
		switch fe.Tag() {
		case "required":
			msg = name + " is required"
		case "oneof":
			if s, _ := fe.Value().(string); s == "" {
				msg = name + " is required"
			} else {
				msg = fmt.Sprintf("%s must be one of %s, got %q", name, strings.ReplaceAll(fe.Param(), " ", ", "), s)
			}
		case "min", "max":
			msg = fmt.Sprintf("%s must be between 1 and 5, got %v", name, fe.Value())
			if n, _ := fe.Value().(int); n == 0 {
				msg = name + " is required"
			}
		}
		return newFieldError(name, sentinel, msg)
	}
	return newFieldError(name, ErrFieldTooLong, fmt.Sprintf("%s must be at most %s characters", name, fe.Param()))
}
