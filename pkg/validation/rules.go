package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

var (
	slotNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	nodeTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_.-]*$`)
)

var rules = map[string]validator.Func{
	"flow_id":   validateIdentifier,
	"slot_name": validateSlotName,
	"node_type": validateNodeType,
}

// validateIdentifier accepts ids that can be used as storage keys
func validateIdentifier(fl validator.FieldLevel) bool {
	id := fl.Field().String()
	if id == "" || len(id) > 128 || strings.TrimSpace(id) != id {
		return false
	}
	for _, r := range id {
		if unicode.IsControl(r) || r == '/' {
			return false
		}
	}
	return true
}

func validateSlotName(fl validator.FieldLevel) bool {
	name := fl.Field().String()
	return len(name) <= 64 && slotNamePattern.MatchString(name)
}

func validateNodeType(fl validator.FieldLevel) bool {
	t := fl.Field().String()
	return len(t) <= 64 && nodeTypePattern.MatchString(t)
}

// message returns a human-readable error message
func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "field is required"
	case "min":
		return fmt.Sprintf("minimum value/length is %s", fe.Param())
	case "max":
		return fmt.Sprintf("maximum value/length is %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "unique":
		return "values must be unique"
	case "flow_id":
		return "must be a non-empty identifier without slashes, surrounding spaces or control characters"
	case "slot_name":
		return "must be a slot name (letters, digits, underscore; not starting with a digit)"
	case "node_type":
		return "must be a node type (lowercase letters, digits, '_', '.', '-')"
	default:
		return fmt.Sprintf("validation failed: %s", fe.Tag())
	}
}
