package persistence

import (
	"errors"
	"strconv"
)

var (
	// ErrNotFound is returned when the referenced record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnknownAgent is returned when a sender, receiver or creator is not registered.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrDuplicateID is returned when a record with the same id already exists.
	ErrDuplicateID = errors.New("duplicate id")
	// ErrAlreadyProcessed is returned to the losers of a message acknowledge race.
	ErrAlreadyProcessed = errors.New("already processed")
	// ErrDistributing is returned when a status change targets an item that
	// is being fanned out to its platforms.
	ErrDistributing = errors.New("content is being distributed")
	// ErrValidation matches every *ValidationError via errors.Is.
	ErrValidation = errors.New("validation failed")
)

// ValidationError reports malformed or missing input rejected before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return "validation failed: " + e.Field + ": " + e.Reason
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid is shorthand for constructing a *ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func quote(s string) string {
	return strconv.Quote(s)
}
