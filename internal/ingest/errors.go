package ingest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrDependencyUnavailable means the store, queue or blob store could not
// be reached. Nothing from the failed submission is left behind.
var ErrDependencyUnavailable = errors.New("dependency unavailable")

// ValidationError rejects a submission before any state changes.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Fields maps each invalid field to the rule it broke.
func (e *ValidationError) Fields() map[string]string {
	out := make(map[string]string)
	var verrs validator.ValidationErrors
	if errors.As(e.Err, &verrs) {
		for _, fe := range verrs {
			out[strings.ToLower(fe.Field())] = fe.Tag()
		}
		return out
	}
	var fe *fieldError
	if errors.As(e.Err, &fe) {
		out[fe.field] = fe.rule
	}
	return out
}

type fieldError struct {
	field, rule string
}

func (e *fieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.field, e.rule)
}

func invalid(field, rule string) error {
	return &ValidationError{Err: &fieldError{field: field, rule: rule}}
}

func unavailable(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrDependencyUnavailable, what, err)
}
