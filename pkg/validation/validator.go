// Package validation checks API input with go-playground/validator and
// reports failures as field-level ValidationErrors.
package validation

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator is implemented by inputs with rules beyond struct tags
// PRINCIPLES:
// - ISP: Simple interface with single method
// - DIP: Depend on interface, not concrete types
type Validator interface {
	Validate() error
}

// ValidationError represents a validation error with details
type ValidationError struct {
	Field   string      `json:"field"`
	Value   interface{} `json:"value,omitempty"`
	Message string      `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors represents multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

var validate = newValidate()

func newValidate() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	for tag, fn := range rules {
		if err := v.RegisterValidation(tag, fn); err != nil {
			panic(err)
		}
	}
	// report JSON field names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Struct validates s against its validate tags, then its own Validate
// method when it has one. Failures are ValidationErrors.
func Struct(s interface{}) error {
	if err := validate.Struct(s); err != nil {
		if fieldErrors, ok := err.(validator.ValidationErrors); ok {
			return format(fieldErrors)
		}
		return err
	}
	if v, ok := s.(Validator); ok {
		return v.Validate()
	}
	return nil
}

// Var validates a single value against a tag, e.g. Var(id, "flow_id")
func Var(field string, value interface{}, tag string) error {
	if err := validate.Var(value, tag); err != nil {
		if fieldErrors, ok := err.(validator.ValidationErrors); ok {
			errs := format(fieldErrors)
			for i := range errs {
				errs[i].Field = field
			}
			return errs
		}
		return err
	}
	return nil
}

func format(fieldErrors validator.ValidationErrors) ValidationErrors {
	errs := make(ValidationErrors, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		errs = append(errs, ValidationError{
			Field:   fieldPath(fe),
			Value:   fe.Value(),
			Message: message(fe),
		})
	}
	return errs
}

// fieldPath drops the top-level struct name: "CreateFlowRequest.nodes[0].id"
// becomes "nodes[0].id"
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}
