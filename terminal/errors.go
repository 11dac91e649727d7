package terminal

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for callers. Kinds are stable strings; the HTTP
// layer maps them to status codes and echoes them to clients.
type Kind string

const (
	KindInvalidToken  Kind = "invalid_token"
	KindAuth          Kind = "auth_error"
	KindValidation    Kind = "validation_error"
	KindConnection    Kind = "connection_error"
	KindOrderRejected Kind = "order_rejected"
	KindNotFound      Kind = "not_found"
	KindNoPositions   Kind = "no_positions"
	KindTimeout       Kind = "timeout"
	KindProvision     Kind = "provision_error"
	KindReclaim       Kind = "reclaim_error"
	KindInternal      Kind = "internal"
)

// Retryable reports whether resubmitting the same request may succeed
// without the caller changing anything.
func (k Kind) Retryable() bool {
	switch k {
	case KindConnection, KindTimeout, KindReclaim:
		return true
	}
	return false
}

// Error is a classified failure. Code and Message carry the terminal's own
// diagnostics verbatim when there are any.
type Error struct {
	Kind    Kind
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Message
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (code %d)", msg, e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithCode sets the terminal error code.
func (e *Error) WithCode(code int) *Error {
	e.Code = code
	return e
}

// KindOf returns the kind of err. Context expiry counts as a timeout;
// anything unclassified is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// CodeOf returns the terminal error code carried by err, or 0.
func CodeOf(err error) int {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return 0
}
