package protocol

import "fmt"

// Code identifies a failure class carried across the wire and through
// service boundaries. Callers branch on the code, not the message.
type Code string

const (
	CodeUnauthenticated   Code = "unauthenticated"
	CodeAuthExpired       Code = "auth_expired"
	CodePermissionDenied  Code = "permission_denied"
	CodeValidationError   Code = "validation_error"
	CodeInvalidPayload    Code = "invalid_payload"
	CodeNotFound          Code = "not_found"
	CodeConflict          Code = "conflict"
	CodeResourceExhausted Code = "resource_exhausted"
	CodeTimeout           Code = "timeout"
	CodeCancelled         Code = "cancelled"
	CodeNetwork           Code = "network"
	CodeUnavailable       Code = "unavailable"
	CodeInternal          Code = "internal"
	CodeSuperseded        Code = "superseded"
	CodeLicenseRevoked    Code = "license_revoked"
)

// Error is the coded error that crosses package and wire boundaries.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func WrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// CodeOf extracts the failure class from err, walking wrapped chains.
// Unknown errors report as internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	for e := err; e != nil; {
		if pe, ok := e.(*Error); ok {
			return pe.Code
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return CodeInternal
}

// Retryable reports whether the failure class is transient. Terminal
// classes mean the same request will fail again and must not be retried.
func Retryable(code Code) bool {
	switch code {
	case CodeTimeout, CodeNetwork, CodeUnavailable, CodeResourceExhausted, CodeInternal:
		return true
	}
	return false
}
