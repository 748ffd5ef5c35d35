package bayerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a platform error class.
type Code string

const (
	CodeNotFound               Code = "not_found"
	CodeFileNotFound           Code = "file_not_found"
	CodeUnauthorized           Code = "unauthorized"
	CodeForbidden              Code = "forbidden"
	CodeValidation             Code = "validation_error"
	CodeInvalidPath            Code = "invalid_path"
	CodeCapabilityNotSupported Code = "capability_not_supported"
	CodeConflict               Code = "conflict"
	CodeSandboxExpired         Code = "sandbox_expired"
	CodeTTLInfinite            Code = "sandbox_ttl_infinite"
	CodeIdempotencyConflict    Code = "idempotency_conflict"
	CodeSessionNotReady        Code = "session_not_ready"
	CodeLocked                 Code = "locked"
	CodeTimeout                Code = "timeout"
	CodeShip                   Code = "ship_error"
	CodeInternal               Code = "internal_error"
)

var httpStatus = map[Code]int{
	CodeNotFound:               http.StatusNotFound,
	CodeFileNotFound:           http.StatusNotFound,
	CodeUnauthorized:           http.StatusUnauthorized,
	CodeForbidden:              http.StatusForbidden,
	CodeValidation:             http.StatusBadRequest,
	CodeInvalidPath:            http.StatusBadRequest,
	CodeCapabilityNotSupported: http.StatusBadRequest,
	CodeConflict:               http.StatusConflict,
	CodeSandboxExpired:         http.StatusConflict,
	CodeTTLInfinite:            http.StatusConflict,
	CodeIdempotencyConflict:    http.StatusConflict,
	CodeSessionNotReady:        http.StatusServiceUnavailable,
	CodeLocked:                 http.StatusLocked,
	CodeTimeout:                http.StatusGatewayTimeout,
	CodeShip:                   http.StatusBadGateway,
	CodeInternal:               http.StatusInternalServerError,
}

// Error is the single error shape that crosses component boundaries. Raw
// library errors (docker, kubernetes, bbolt, net/http) are wrapped into an
// Error before they leave the package that produced them.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the canonical HTTP status for the error code.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// WithDetail attaches a key to the details map and returns the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause records the underlying error for logs; it is never serialized.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// New creates an Error with an arbitrary code.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func NotFound(what string) *Error {
	return New(CodeNotFound, "%s not found", what)
}

func FileNotFound(path string) *Error {
	return New(CodeFileNotFound, "file not found: %s", path)
}

func Unauthorized(msg string) *Error {
	return New(CodeUnauthorized, "%s", msg)
}

func Validation(format string, args ...any) *Error {
	return New(CodeValidation, format, args...)
}

func InvalidPath(reason string) *Error {
	return New(CodeInvalidPath, "invalid path").WithDetail("reason", reason)
}

func CapabilityNotSupported(capability string) *Error {
	return New(CodeCapabilityNotSupported, "capability not supported: %s", capability).
		WithDetail("capability", capability)
}

func Conflict(format string, args ...any) *Error {
	return New(CodeConflict, format, args...)
}

func SandboxExpired(id string) *Error {
	return New(CodeSandboxExpired, "sandbox %s has expired", id)
}

func TTLInfinite(id string) *Error {
	return New(CodeTTLInfinite, "sandbox %s has no TTL to extend", id)
}

func IdempotencyConflict(key string) *Error {
	return New(CodeIdempotencyConflict, "idempotency key %s was used with a different request", key)
}

func SessionNotReady(format string, args ...any) *Error {
	return New(CodeSessionNotReady, format, args...)
}

func Locked(msg string) *Error {
	return New(CodeLocked, "%s", msg)
}

func Timeout(format string, args ...any) *Error {
	return New(CodeTimeout, format, args...)
}

func Ship(format string, args ...any) *Error {
	return New(CodeShip, format, args...)
}

func Internal(err error) *Error {
	return New(CodeInternal, "internal error").WithCause(err)
}

// From extracts the platform error from an error chain, wrapping anything
// unrecognized as internal_error so handlers always see one shape.
func From(err error) *Error {
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	return Internal(err)
}

// HasCode reports whether err carries the given platform code.
func HasCode(err error, code Code) bool {
	var be *Error
	return errors.As(err, &be) && be.Code == code
}
