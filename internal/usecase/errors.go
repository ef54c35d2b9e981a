package usecase

import "fmt"

type ErrorCode string

const (
	ErrorInvalidInput            ErrorCode = "INVALID_INPUT"
	ErrorUnauthorized            ErrorCode = "UNAUTHORIZED"
	ErrorBusy                    ErrorCode = "BUSY"
	ErrorCollaboratorUnavailable ErrorCode = "COLLABORATOR_UNAVAILABLE"
	ErrorIntegrityConflict       ErrorCode = "INTEGRITY_CONFLICT"
	ErrorTimeout                 ErrorCode = "TIMEOUT"
	ErrorInternal                ErrorCode = "INTERNAL_ERROR"
)

// Retryable reports whether a caller may retry the same request later.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrorBusy, ErrorCollaboratorUnavailable, ErrorTimeout:
		return true
	}
	return false
}

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
