package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/aws/smithy-go"
)

// Class groups downstream failures by how the caller should react to them.
type Class int

const (
	ClassTransient Class = iota
	ClassTimeout
	ClassInvalidCredentials
	ClassMalformedRequest
	ClassIntegrityConflict
	// ClassMisconfiguration marks failures of this service's own setup,
	// such as a credential it cannot read. The caller's input is not at
	// fault and retrying does not help.
	ClassMisconfiguration
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient-network"
	case ClassTimeout:
		return "timeout"
	case ClassInvalidCredentials:
		return "invalid-credentials"
	case ClassMalformedRequest:
		return "malformed-request"
	case ClassIntegrityConflict:
		return "integrity-conflict"
	case ClassMisconfiguration:
		return "misconfiguration"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Retryable reports whether a failure of this class may succeed on retry.
func (c Class) Retryable() bool {
	return c == ClassTransient || c == ClassTimeout
}

// ErrUnavailable is returned when a collaborator's breaker is open or its
// retry budget is exhausted.
var ErrUnavailable = errors.New("resilience: collaborator unavailable")

// UnavailableError carries the collaborator name and the last underlying
// failure. It matches ErrUnavailable with errors.Is.
type UnavailableError struct {
	Collaborator string
	Attempts     int
	Err          error
}

func (e *UnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("resilience: %s unavailable (circuit open)", e.Collaborator)
	}
	return fmt.Sprintf("resilience: %s unavailable after %d attempt(s): %v", e.Collaborator, e.Attempts, e.Err)
}

func (e *UnavailableError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUnavailable}
	}
	return []error{ErrUnavailable, e.Err}
}

// classifiedError pins a class on an error produced by a collaborator adapter.
type classifiedError struct {
	class Class
	err   error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Terminal marks err with a non-retryable class. Adapters use it for
// responses that prove a retry cannot help (bad credentials, conflicts).
func Terminal(class Class, err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: class, err: err}
}

// Transient marks err as retryable regardless of its shape.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: ClassTransient, err: err}
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Classify maps an error returned by a collaborator call to a Class.
// Errors with no recognizable shape (connection resets, EOF, DNS) are
// transient.
func Classify(err error) Class {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}
	var status httpStatusCoder
	if errors.As(err, &status) {
		return classifyStatus(status.HTTPStatusCode())
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return classifyAPIError(apiErr)
	}
	return ClassTransient
}

func classifyStatus(code int) Class {
	switch {
	case code == 429 || code >= 500:
		return ClassTransient
	case code == 401 || code == 403:
		return ClassInvalidCredentials
	case code == 408:
		return ClassTimeout
	case code >= 400:
		return ClassMalformedRequest
	default:
		return ClassTransient
	}
}

func classifyAPIError(apiErr smithy.APIError) Class {
	switch apiErr.ErrorCode() {
	case "ValidationException", "SerializationException":
		return ClassMalformedRequest
	case "AccessDeniedException", "UnrecognizedClientException", "InvalidSignatureException", "ExpiredTokenException":
		return ClassInvalidCredentials
	case "ConditionalCheckFailedException":
		return ClassIntegrityConflict
	}
	if apiErr.ErrorFault() == smithy.FaultClient {
		switch apiErr.ErrorCode() {
		case "ProvisionedThroughputExceededException", "ThrottlingException", "RequestLimitExceeded", "TransactionConflictException", "TransactionCanceledException":
			return ClassTransient
		}
		return ClassMalformedRequest
	}
	return ClassTransient
}
