package remote

import (
	"errors"
	"fmt"
	"strings"
)

// Standard error codes reported by remote clients.
const (
	// ErrCodeHTTPStatus indicates the back-end answered with a non-2xx status
	ErrCodeHTTPStatus = "HTTP_STATUS"

	// ErrCodeNetworkError indicates the request never got an answer
	ErrCodeNetworkError = "NETWORK_ERROR"

	// ErrCodeTimeout indicates the request deadline expired
	ErrCodeTimeout = "TIMEOUT"

	// ErrCodeMalformedResponse indicates a body that could not be decoded
	ErrCodeMalformedResponse = "MALFORMED_RESPONSE"

	// ErrCodeAuthFailed indicates credentials were rejected or no token came back
	ErrCodeAuthFailed = "AUTH_FAILED"

	// ErrCodeInvalidRequest indicates the request could not be built
	ErrCodeInvalidRequest = "INVALID_REQUEST"
)

// ErrorClass tells whether retrying may help.
type ErrorClass string

const (
	// ErrorClassTransient indicates temporary failures that may resolve
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates failures that retrying will not fix
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error is a failed call to a remote back-end.
type Error struct {
	// Backend names the remote system (e.g., "crowdstrike", "ovh")
	Backend string

	// Operation is the call that failed (e.g., "oauth2_token", "send_sms")
	Operation string

	// Code is one of the ErrCode constants
	Code string

	// StatusCode is the HTTP status, or 0 when no response was received
	StatusCode int

	// Message is a human-readable description
	Message string

	// Cause is the underlying error
	Cause error

	Class ErrorClass
}

// NewError creates an error classified by the default class of its code.
func NewError(backend, operation, code, message string) *Error {
	return &Error{
		Backend:   backend,
		Operation: operation,
		Code:      code,
		Message:   message,
		Class:     DefaultClassForCode(code),
	}
}

// WithCause sets the underlying error and returns e.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithStatus records the HTTP status and reclassifies the error: 429 and
// 5xx are transient, other statuses permanent.
func (e *Error) WithStatus(status int) *Error {
	e.StatusCode = status
	if status == 429 || status >= 500 {
		e.Class = ErrorClassTransient
	} else {
		e.Class = ErrorClassPermanent
	}
	return e
}

// Error formats as "backend [operation/code]: message: cause".
func (e *Error) Error() string {
	var parts []string
	head := fmt.Sprintf("%s [%s/%s]", e.Backend, e.Operation, e.Code)
	if e.StatusCode != 0 {
		head = fmt.Sprintf("%s [%s/%s %d]", e.Backend, e.Operation, e.Code, e.StatusCode)
	}
	parts = append(parts, head)
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same back-end, operation and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Backend == t.Backend && e.Operation == t.Operation && e.Code == t.Code
}

// DefaultClassForCode returns the class an error code gets when nothing more
// specific is known.
func DefaultClassForCode(code string) ErrorClass {
	switch code {
	case ErrCodeNetworkError, ErrCodeTimeout:
		return ErrorClassTransient
	default:
		return ErrorClassPermanent
	}
}

// IsTransient reports whether err is a remote error worth retrying.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Class == ErrorClassTransient
}
