// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package fault

import (
	"errors"
	"fmt"
)

// Kind identifies a failure category. The set is closed: transports
// encode the kind on the wire verbatim and clients switch on it.
type Kind string

const (
	// Unauthenticated means the bearer credential could not be
	// resolved to a user id.
	Unauthenticated Kind = "unauthenticated"

	// NotAuthorized means the caller is authenticated but is not a
	// member of the channel or call, or is not the owner of the
	// message it tried to mutate.
	NotAuthorized Kind = "not_authorized"

	// NotFound means the channel, message, call, or participant does
	// not exist.
	NotFound Kind = "not_found"

	// AlreadyMember means the (channel, user) pair already has a
	// participant record.
	AlreadyMember Kind = "already_member"

	// NotMember means no participant record exists for the
	// (channel, user) pair.
	NotMember Kind = "not_member"

	// EmptyContent means a text message had no text.
	EmptyContent Kind = "empty_content"

	// InvalidReply means the reply target does not exist in the
	// channel, or the reply chain does not terminate.
	InvalidReply Kind = "invalid_reply"

	// AlreadyTerminal means the call is ENDED or FAILED and can no
	// longer be mutated.
	AlreadyTerminal Kind = "already_terminal"

	// Unavailable means a dependency (storage, typically) failed.
	// Retryable; distinct from every validation kind.
	Unavailable Kind = "unavailable"
)

// Error is a categorized failure. Callers inspect Kind via [IsKind];
// Cause, when non-nil, carries the underlying infrastructure error.
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

// New creates an Error with the given kind and message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Unavailable error around an infrastructure failure.
func Wrap(message string, cause error) *Error {
	return &Error{Kind: Unavailable, Message: message, Cause: cause}
}

// IsKind reports whether err is (or wraps) a *Error with the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// KindOf returns the kind of err, or Unavailable if err is not a
// *Error. The fallback keeps transports from leaking internal error
// strings as authorization failures.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unavailable
}
