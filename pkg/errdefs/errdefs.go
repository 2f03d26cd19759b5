package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an operation failure. Codes are stable so callers can
// dispatch on them programmatically.
type Kind string

const (
	KindNotFound       Kind = "not_found"
	KindForbidden      Kind = "forbidden"
	KindBanned         Kind = "banned"
	KindGateRequired   Kind = "gate_required"
	KindRateLimited    Kind = "rate_limited"
	KindQuotaExceeded  Kind = "quota_exceeded"
	KindInvalid        Kind = "invalid"
	KindSyntax         Kind = "syntax_error"
	KindAlreadyRunning Kind = "already_running"
	KindNotRunning     Kind = "not_running"
	KindTimeout        Kind = "timeout"
	KindInternal       Kind = "internal"
)

// Error is a classified operation failure
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Code returns the stable wire code for the error kind
func (e *Error) Code() string {
	return string(e.Kind)
}

// Is matches on kind so callers can compare against sentinel errors
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...interface{}) *Error {
	return newf(KindNotFound, format, args...)
}

func Forbidden(format string, args ...interface{}) *Error {
	return newf(KindForbidden, format, args...)
}

func Banned(format string, args ...interface{}) *Error {
	return newf(KindBanned, format, args...)
}

func GateRequired(format string, args ...interface{}) *Error {
	return newf(KindGateRequired, format, args...)
}

func RateLimited(format string, args ...interface{}) *Error {
	return newf(KindRateLimited, format, args...)
}

func QuotaExceeded(format string, args ...interface{}) *Error {
	return newf(KindQuotaExceeded, format, args...)
}

func Invalid(format string, args ...interface{}) *Error {
	return newf(KindInvalid, format, args...)
}

func AlreadyRunning(format string, args ...interface{}) *Error {
	return newf(KindAlreadyRunning, format, args...)
}

func NotRunning(format string, args ...interface{}) *Error {
	return newf(KindNotRunning, format, args...)
}

func Timeout(format string, args ...interface{}) *Error {
	return newf(KindTimeout, format, args...)
}

// Internal wraps an unexpected failure. The cause is kept for logs; the
// message shown to callers stays opaque.
func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Cause: cause}
}

// SyntaxError carries the location of the first static-parse failure.
// It is wrapped as the cause of a KindSyntax Error so errors.As can
// recover the location.
type SyntaxError struct {
	Path string
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Msg)
}

// Syntax builds a classified syntax error for the given offender
func Syntax(path string, line int, msg string) *Error {
	return &Error{
		Kind:    KindSyntax,
		Message: fmt.Sprintf("%s:%d: %s", path, line, msg),
		Cause:   &SyntaxError{Path: path, Line: line, Msg: msg},
	}
}

// IsKind reports whether err is a classified error of the given kind
func IsKind(err error, kind Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// KindOf extracts the kind of a classified error, or KindInternal for
// anything unclassified.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}
