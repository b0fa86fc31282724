package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindProvider            Kind = "provider"
	KindInternal            Kind = "internal"
)

var (
	// ErrValidation matches every validation error via errors.Is.
	ErrValidation = errors.New("validation error")
	// ErrNotFound matches every not-found error via errors.Is.
	ErrNotFound = errors.New("not found")
	// ErrConflict matches lock contention and state conflicts.
	ErrConflict = errors.New("conflict")
	// ErrInsufficientBalance matches balance shortfalls detected under lock.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrProvider matches failures of remote provider calls.
	ErrProvider = errors.New("provider error")
)

var sentinels = map[Kind]error{
	KindValidation:          ErrValidation,
	KindNotFound:            ErrNotFound,
	KindConflict:            ErrConflict,
	KindInsufficientBalance: ErrInsufficientBalance,
	KindProvider:            ErrProvider,
}

// Error is the application error carrying a kind and a human-readable reason.
type Error struct {
	Kind    Kind
	Reason  string
	Details []string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Reason
	if len(e.Details) > 0 {
		msg = msg + ": " + strings.Join(e.Details, "; ")
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// New builds an error of the given kind.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and reason to err. A nil err returns nil.
func Wrap(kind Kind, err error, reason string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func Validation(format string, args ...any) error { return New(KindValidation, format, args...) }

func NotFound(format string, args ...any) error { return New(KindNotFound, format, args...) }

func Conflict(format string, args ...any) error { return New(KindConflict, format, args...) }

func InsufficientBalance(format string, args ...any) error {
	return New(KindInsufficientBalance, format, args...)
}

// Provider wraps a failed remote call. Errors already classified as provider
// errors are returned unchanged.
func Provider(err error, reason string) error {
	if err == nil {
		return nil
	}
	if KindOf(err) == KindProvider {
		return err
	}
	return &Error{Kind: KindProvider, Reason: reason, Err: err}
}

// WithDetails builds an error listing every collected reason.
func WithDetails(kind Kind, reason string, details []string) error {
	return &Error{Kind: kind, Reason: reason, Details: append([]string(nil), details...)}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// DetailsOf returns the collected details of err, if any.
func DetailsOf(err error) []string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Details
	}
	return nil
}
