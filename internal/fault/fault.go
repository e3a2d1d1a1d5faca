// Package fault classifies errors crossing service boundaries so the API
// layer can map them to HTTP statuses in exactly one place. Services wrap
// causes with a Kind; handlers switch on KindOf.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind labels the category of a failure.
type Kind string

const (
	// KindBadRequest covers malformed or out-of-contract input.
	KindBadRequest Kind = "bad_request"
	// KindUnauthorized covers missing or invalid caller identity.
	KindUnauthorized Kind = "unauthorized"
	// KindForbidden covers callers acting outside their project or org.
	KindForbidden Kind = "forbidden"
	// KindNotFound covers lookups of entities that do not exist.
	KindNotFound Kind = "not_found"
	// KindConflict covers state races such as duplicate session IDs.
	KindConflict Kind = "conflict"
	// KindEngineUnavailable means the container engine is unreachable.
	KindEngineUnavailable Kind = "engine_unavailable"
	// KindGitAuthMissing means no token is available for a remote operation.
	KindGitAuthMissing Kind = "git_auth_missing"
	// KindGitConflict means a pull or checkout hit divergent history.
	KindGitConflict Kind = "git_conflict"
	// KindPushFailed means the remote rejected a push.
	KindPushFailed Kind = "push_failed"
	// KindInvalidQuery means a user-supplied SQL statement was rejected.
	KindInvalidQuery Kind = "invalid_query"
	// KindTimeout means an operation exceeded its deadline.
	KindTimeout Kind = "timeout"
	// KindCancelled means the caller abandoned the operation.
	KindCancelled Kind = "cancelled"
	// KindInternal is the fallback for unclassified failures.
	KindInternal Kind = "internal"
)

// Error carries a Kind, an operator-facing message, and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error with no underlying cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil err yields nil so call sites can
// wrap unconditionally.
func Wrap(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err, unwrapping as needed. Unclassified
// errors report KindInternal; a nil error reports the empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindInternal
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
