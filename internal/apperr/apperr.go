// Package apperr defines the error taxonomy shared by the narrative core.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown                 Code = "UNKNOWN"
	CodeNotFound                Code = "NOT_FOUND"
	CodeInvalidChoice           Code = "INVALID_CHOICE"
	CodeStoryIsolationViolation Code = "STORY_ISOLATION_VIOLATION"
	CodeConcurrentModification  Code = "CONCURRENT_MODIFICATION"
	CodeGenerationFailure       Code = "GENERATION_FAILURE"
	CodePersistenceFailure      Code = "PERSISTENCE_FAILURE"
	CodeBusy                    Code = "BUSY"
	CodeStaleDraft              Code = "STALE_DRAFT"
	// CodeBadRequest marks a request the API could not read at all.
	CodeBadRequest Code = "BAD_REQUEST"
)

// HTTPStatus maps a code to the status the HTTP API answers with.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidChoice:
		return http.StatusUnprocessableEntity
	case CodeStoryIsolationViolation, CodeConcurrentModification, CodeBusy, CodeStaleDraft:
		return http.StatusConflict
	case CodeGenerationFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may retry the failed operation as is.
// Isolation violations and invalid choices are programming errors and never are.
func (c Code) Retryable() bool {
	switch c {
	case CodeGenerationFailure, CodePersistenceFailure, CodeConcurrentModification, CodeBusy:
		return true
	default:
		return false
	}
}

// Error is a coded error with an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code, so sentinels like ErrNotFound
// can be used with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound                = &Error{Code: CodeNotFound}
	ErrInvalidChoice           = &Error{Code: CodeInvalidChoice}
	ErrStoryIsolationViolation = &Error{Code: CodeStoryIsolationViolation}
	ErrConcurrentModification  = &Error{Code: CodeConcurrentModification}
	ErrGenerationFailure       = &Error{Code: CodeGenerationFailure}
	ErrPersistenceFailure      = &Error{Code: CodePersistenceFailure}
	ErrBusy                    = &Error{Code: CodeBusy}
	ErrStaleDraft              = &Error{Code: CodeStaleDraft}
)

// New returns a coded error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a coded error wrapping err. A nil err yields nil.
func Wrap(code Code, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code of the outermost *Error in err's chain.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Message returns the human-readable message of err without the code prefix.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Err != nil {
			return e.Message + ": " + e.Err.Error()
		}
		return e.Message
	}
	return err.Error()
}
