// Package apperr defines the engine's error taxonomy (§7): one Kind per row
// of the table, wrapped in a single Error type so callers can both
// errors.Is against a sentinel and read the offending names/IDs back out.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is one of the error categories listed in §7.
type Kind string

const (
	KindInconsistentDatabase Kind = "InconsistentDatabase"
	KindInvalidSchema        Kind = "InvalidSchema"
	KindSchemaMismatch       Kind = "SchemaMismatch"
	KindUnknownType          Kind = "UnknownType"
	KindUnknownField         Kind = "UnknownField"
	KindUnknownIndex         Kind = "UnknownIndex"
	KindTypeNotInSchema      Kind = "TypeNotInSchema"
	KindDeletedObject        Kind = "DeletedObject"
	KindReferencedObject     Kind = "ReferencedObject"
	KindStaleTransaction     Kind = "StaleTransaction"
	KindRollbackOnly         Kind = "RollbackOnlyTransaction"
	KindInvalidReference     Kind = "InvalidReference"
	KindIllegalArgument      Kind = "IllegalArgument"
)

// Error is the single error type the engine raises; Kind identifies which
// row of §7's taxonomy applies, Message carries the human-readable detail,
// and Cause (if set) is the underlying error it wraps.
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

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, apperr.New(KindXxx, "")) match any *Error with the
// same Kind, regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an *Error with no cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error that also records an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Sentinels for errors.Is comparisons against a bare Kind, matching any
// instance of that Kind regardless of message.
var (
	ErrInconsistentDatabase = &Error{Kind: KindInconsistentDatabase}
	ErrInvalidSchema        = &Error{Kind: KindInvalidSchema}
	ErrSchemaMismatch       = &Error{Kind: KindSchemaMismatch}
	ErrUnknownType          = &Error{Kind: KindUnknownType}
	ErrUnknownField         = &Error{Kind: KindUnknownField}
	ErrUnknownIndex         = &Error{Kind: KindUnknownIndex}
	ErrTypeNotInSchema      = &Error{Kind: KindTypeNotInSchema}
	ErrDeletedObject        = &Error{Kind: KindDeletedObject}
	ErrReferencedObject     = &Error{Kind: KindReferencedObject}
	ErrStaleTransaction     = &Error{Kind: KindStaleTransaction}
	ErrRollbackOnly         = &Error{Kind: KindRollbackOnly}
	ErrInvalidReference     = &Error{Kind: KindInvalidReference}
	ErrIllegalArgument      = &Error{Kind: KindIllegalArgument}
)

// Of reports whether err carries the given Kind anywhere in its chain.
func Of(err error, kind Kind) bool {
	return errors.Is(err, &Error{Kind: kind})
}
