package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an engine rejection so callers can react without parsing text.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindInsufficientFunds
	KindStateConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindStateConflict:
		return "state_conflict"
	default:
		return "unknown"
	}
}

// Retryable reports whether the same request may succeed later without changes.
// Only InsufficientFunds is transient: the claim stays open until the pool is topped up.
func (k Kind) Retryable() bool {
	return k == KindInsufficientFunds
}

// Sentinels for errors.Is matching on kind alone.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrAuthorization     = &Error{Kind: KindAuthorization}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds}
	ErrStateConflict     = &Error{Kind: KindStateConflict}
)

// Error is the structured rejection returned by every mutating operation.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, and by code when the target carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

func newError(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(code, format string, args ...any) *Error {
	return newError(KindValidation, code, format, args...)
}

func Authorization(code, format string, args ...any) *Error {
	return newError(KindAuthorization, code, format, args...)
}

func InsufficientFunds(code, format string, args ...any) *Error {
	return newError(KindInsufficientFunds, code, format, args...)
}

func StateConflict(code, format string, args ...any) *Error {
	return newError(KindStateConflict, code, format, args...)
}

// Wrap attaches a kind and code to an underlying error.
func Wrap(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: code, Err: err}
}

// KindOf extracts the kind of err, KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf extracts the machine-readable code of err, "" for foreign errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
