package domain

import (
	"errors"
	"fmt"
)

// Backend error codes surfaced in structured responses.
const (
	CodeUniqueViolation = "unique_violation"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeInvalid         = "invalid"
)

// BackendError is a structured failure returned by a mutating call.
type BackendError struct {
	Code    string
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend: %s (%s)", e.Message, e.Code)
}

// IsUniqueViolation reports whether err is a duplicate-row conflict.
// Duplicate reactions hit this and are treated as success.
func IsUniqueViolation(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Code == CodeUniqueViolation
}

// IsAuthz reports whether err is an authorization or validation failure,
// which is never retried.
func IsAuthz(err error) bool {
	var be *BackendError
	if !errors.As(err, &be) {
		return false
	}
	return be.Code == CodeForbidden || be.Code == CodeInvalid
}

// ErrNotAuthor is returned when editing or deleting a message the caller
// did not write.
var ErrNotAuthor = &BackendError{Code: CodeForbidden, Message: "not the message author"}
