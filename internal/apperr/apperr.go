// Package apperr defines the error taxonomy shared by the workbench
// components: validation failures caught before any network call, missing
// runs or candidates, transient transport failures, and job timeouts.
//
// Errors declare their classification through the Classifier interface so
// callers can branch on KindOf(err) regardless of how deeply the error has
// been wrapped.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for user-facing handling.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindTransient  Kind = "transient"
	KindTimeout    Kind = "timeout"
	KindUnknown    Kind = "unknown"
)

// Classifier is implemented by errors that declare their Kind.
type Classifier interface {
	Kind() Kind
}

// KindOf returns the Kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var c Classifier
	if errors.As(err, &c) {
		return c.Kind()
	}
	return KindUnknown
}

// ValidationError rejects an action before any state is mutated.
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

// Kind implements Classifier.
func (e *ValidationError) Kind() Kind { return KindValidation }

// Validation returns a ValidationError with a formatted message.
func Validation(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// FieldValidation returns a ValidationError naming the offending field.
func FieldValidation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an entity that no longer exists.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// Kind implements Classifier.
func (e *NotFoundError) Kind() Kind { return KindNotFound }

// NotFound returns a NotFoundError for entity id.
func NotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// TimeoutError reports a job that did not reach a terminal state within its
// attempt budget. The remote job may still finish.
type TimeoutError struct {
	TaskID   string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s did not finish after %d status checks; it may still finish server-side", e.TaskID, e.Attempts)
}

// Kind implements Classifier.
func (e *TimeoutError) Kind() Kind { return KindTimeout }

// IsValidation reports whether err is classified as a validation failure.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsNotFound reports whether err is classified as not found.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsTimeout reports whether err is classified as a job timeout.
func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }
