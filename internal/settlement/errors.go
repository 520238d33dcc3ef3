package settlement

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies negotiation failures
type ErrorCode string

const (
	CodeValidation    ErrorCode = "VALIDATION_FAILED"
	CodeConflict      ErrorCode = "CONFLICT"
	CodeTurn          ErrorCode = "TURN_VIOLATION"
	CodeTerminalState ErrorCode = "TERMINAL_STATE"
	CodeNotFound      ErrorCode = "NOT_FOUND"
)

// Error is a domain failure reported to the caller with a readable message.
// None of them are fatal to the connection.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Sentinels for errors.Is comparisons; matching is by code only.
var (
	ErrValidation    = &Error{Code: CodeValidation}
	ErrConflict      = &Error{Code: CodeConflict}
	ErrTurn          = &Error{Code: CodeTurn}
	ErrTerminalState = &Error{Code: CodeTerminalState}
	ErrNotFound      = &Error{Code: CodeNotFound}
)

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("settlement: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("settlement: %s: %s: %v", e.Code, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches on code. A terminal state error is also a turn error: the
// counterparty has no turn left once the negotiation is agreed.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil {
		return false
	}
	if e.Code == t.Code {
		return true
	}
	return e.Code == CodeTerminalState && t.Code == CodeTurn
}

// HTTPStatus maps the code onto the gateway's status codes
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeTurn, CodeTerminalState:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode returns the code as reported in API responses
func (e *Error) ErrorCode() string {
	return string(e.Code)
}

// Detail is the human readable reason
func (e *Error) Detail() string {
	return e.Message
}

func newError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func validationError(format string, args ...interface{}) *Error {
	return newError(CodeValidation, fmt.Sprintf(format, args...))
}

func idempotencyMismatchError(key string) *Error {
	return validationError("Idempotency-Key %q was already used with a different amount", key)
}

// NotFoundError reports an unknown settlement id
func NotFoundError(id string) *Error {
	return newError(CodeNotFound, fmt.Sprintf("settlement %s not found", id))
}

// ConflictError reports a stale expected token
func ConflictError(expected, actual uint64) *Error {
	return newError(CodeConflict, fmt.Sprintf(
		"new responses have been made since you last fetched the data (last_seen %d, current %d); please refresh",
		expected, actual))
}

func terminalError(id string) *Error {
	return newError(CodeTerminalState, fmt.Sprintf("settlement %s already agreed upon and cannot be modified", id))
}

func turnError(id string) *Error {
	return newError(CodeTurn, fmt.Sprintf("settlement %s already has an outstanding counter offer; wait for the proposer to respond", id))
}

// CodeOf returns the domain code carried by err, or "" for infrastructure errors
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
