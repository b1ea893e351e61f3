// Package relayerr defines the closed set of error kinds used throughout the
// relay. Callers classify failures with errors.As/errors.Is so transport layers
// can map them to wire responses without string matching.
package relayerr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error into one of the relay's failure categories.
type Kind int

const (
	// Internal is an unexpected failure, surfaced to clients as a generic 500.
	Internal Kind = iota
	// DbError is a catalog failure other than request deduplication.
	DbError
	// Messaging is a broker connectivity or protocol failure.
	Messaging
	// BadMessage is a malformed broker message; carries the delivery id.
	BadMessage
	// EmptyRecv indicates a non-blocking receive found no message.
	EmptyRecv
	// SerDe is a parse or encode failure.
	SerDe
	// NotImplemented gates off unsupported features.
	NotImplemented
	// InvalidQuery covers all validator and rewriter rejections.
	InvalidQuery
	// InvalidTransform indicates malformed mapping metadata.
	InvalidTransform
	// RemoteError is a peer relay failure; it never fails the whole request.
	RemoteError
	// EmptyQuery indicates a request with no SQL.
	EmptyQuery
)

func (k Kind) String() string {
	switch k {
	case Internal:
		return "internal"
	case DbError:
		return "db error"
	case Messaging:
		return "messaging"
	case BadMessage:
		return "bad message"
	case EmptyRecv:
		return "empty recv"
	case SerDe:
		return "serde"
	case NotImplemented:
		return "not implemented"
	case InvalidQuery:
		return "invalid query"
	case InvalidTransform:
		return "invalid transformation"
	case RemoteError:
		return "remote error"
	case EmptyQuery:
		return "empty query"
	}
	return "unknown"
}

// Error is the concrete error type for all relay failure kinds.
type Error struct {
	Kind Kind
	Msg  string
	// MessageID is set for BadMessage errors only.
	MessageID uint64
	wrapped   error
}

func (e *Error) Error() string {
	if e.Msg == "" && e.wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New creates an Error of the given kind with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind wrapping err.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, wrapped: err}
}

// BadMessageErr creates a BadMessage error carrying the broker delivery id.
func BadMessageErr(id uint64, msg string) *Error {
	return &Error{Kind: BadMessage, Msg: msg, MessageID: id}
}

// KindOf returns the Kind of err, or Internal if err is not a relay Error.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return Internal
}

// Is reports whether err is a relay Error of the given kind.
func Is(err error, kind Kind) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == kind
}
