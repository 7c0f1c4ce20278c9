package serialization

import (
	"errors"
	"fmt"

	"github.com/mindflow/mindflow/internal/core/flow"
)

// ErrorKind classifies why a flow document could not be loaded
type ErrorKind string

const (
	KindMalformedDocument    ErrorKind = "MalformedDocument"
	KindMissingRequiredField ErrorKind = "MissingRequiredField"
	KindIntegrityViolation   ErrorKind = "IntegrityViolation"
)

var (
	ErrMalformedDocument    = errors.New("malformed flow document")
	ErrMissingRequiredField = errors.New("missing required field")
	ErrIntegrityViolation   = errors.New("flow integrity violation")
)

var kindErrors = map[ErrorKind]error{
	KindMalformedDocument:    ErrMalformedDocument,
	KindMissingRequiredField: ErrMissingRequiredField,
	KindIntegrityViolation:   ErrIntegrityViolation,
}

// DeserializationError reports a document that could not become a Flow.
// It matches its kind's sentinel and the underlying cause under errors.Is.
type DeserializationError struct {
	Kind       ErrorKind
	Field      string           // offending field path for missing or malformed fields
	Violations []flow.Violation // every problem found, for IntegrityViolation
	Err        error
}

func (e *DeserializationError) Error() string {
	switch {
	case e.Kind == KindIntegrityViolation:
		return fmt.Sprintf("%s: %d violation(s): %v", e.Kind, len(e.Violations), e.Err)
	case e.Field != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Field, e.Err)
	case e.Field != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Field)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *DeserializationError) Unwrap() []error {
	errs := []error{kindErrors[e.Kind]}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// ConnectionIDs lists the offending connections of an integrity violation
func (e *DeserializationError) ConnectionIDs() []string {
	var ids []string
	for _, v := range e.Violations {
		if v.Subject == flow.SubjectConnection {
			ids = append(ids, v.ID)
		}
	}
	return ids
}

func malformed(field string, err error) *DeserializationError {
	return &DeserializationError{Kind: KindMalformedDocument, Field: field, Err: err}
}

func missing(field string) *DeserializationError {
	return &DeserializationError{Kind: KindMissingRequiredField, Field: field}
}
