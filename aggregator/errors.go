package aggregator

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is matched by every *ValidationError
	ErrValidation = errors.New("validation failed")

	// ErrNoReadings is returned when a device has no readings yet
	ErrNoReadings = errors.New("No readings found")

	// ErrNotPersisted is returned by a Store that holds no document for a device
	ErrNotPersisted = errors.New("no persisted state")

	// ErrCorruptDocument is returned when persisted state cannot be decoded
	ErrCorruptDocument = errors.New("corrupt persisted document")
)

// ValidationError represents malformed input
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}

	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is makes errors.Is(err, ErrValidation) hold for any ValidationError
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func validationErrorf(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	}
}
