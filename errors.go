package lvtclient

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/livefir/lvtclient/internal/render"
	"github.com/livefir/lvtclient/internal/scope"
)

var (
	// ErrUnknownScope is returned for diffs or events addressed to a scope
	// that is not mounted
	ErrUnknownScope = scope.ErrUnknownScope

	// ErrUnknownTemplate is returned when a diff references statics the
	// client never received
	ErrUnknownTemplate = render.ErrUnknownTemplate

	// ErrFatal wraps a desync of the root scope; the page must be reloaded
	ErrFatal = errors.New("root scope desynchronized")
)

// FieldError describes one invalid configuration field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// MultiError is a collection of field errors
type MultiError []FieldError

func (m MultiError) Error() string {
	if len(m) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range m {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidationToMultiError converts go-playground/validator errors to MultiError
func ValidationToMultiError(err error) MultiError {
	var fieldErrors MultiError

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return fieldErrors
	}

	for _, e := range validationErrs {
		var message string
		switch e.Tag() {
		case "required":
			message = fmt.Sprintf("%s is required", e.Field())
		case "min":
			message = fmt.Sprintf("%s must have at least %s entries", e.Field(), e.Param())
		case "oneof":
			message = fmt.Sprintf("%s must be one of [%s]", e.Field(), e.Param())
		case "gte":
			message = fmt.Sprintf("%s must not be negative", e.Field())
		default:
			message = fmt.Sprintf("%s is invalid", e.Field())
		}

		fieldErrors = append(fieldErrors, FieldError{
			Field:   e.Namespace(),
			Message: message,
		})
	}

	return fieldErrors
}
