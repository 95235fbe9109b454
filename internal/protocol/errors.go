package protocol

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies protocol errors. Kinds are part of the wire format: they are
// reported to callers in the "kind" field of error payloads.
type Kind string

const (
	KindMalformedEnvelope    Kind = "malformed_envelope"
	KindInvalidCommand       Kind = "invalid_command"
	KindBadRequest           Kind = "bad_request"
	KindDuplicateAgent       Kind = "duplicate_agent"
	KindRegistryFrozen       Kind = "registry_frozen"
	KindUnknownAgent         Kind = "unknown_agent"
	KindUnauthorized         Kind = "unauthorized"
	KindConversationNotFound Kind = "conversation_not_found"
	KindTruncatedStream      Kind = "truncated_stream"
	KindMalformedFrame       Kind = "malformed_frame"
	KindUpstream             Kind = "upstream_error"
	KindUpstreamTimeout      Kind = "upstream_timeout"
	KindInternal             Kind = "internal"
)

// Error is a classified protocol error. Err, when set, is the underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Sentinels for errors.Is. A sentinel matches any *Error of the same kind.
var (
	ErrMalformedEnvelope    = &Error{Kind: KindMalformedEnvelope}
	ErrInvalidCommand       = &Error{Kind: KindInvalidCommand}
	ErrBadRequest           = &Error{Kind: KindBadRequest}
	ErrDuplicateAgent       = &Error{Kind: KindDuplicateAgent}
	ErrRegistryFrozen       = &Error{Kind: KindRegistryFrozen}
	ErrUnknownAgent         = &Error{Kind: KindUnknownAgent}
	ErrUnauthorized         = &Error{Kind: KindUnauthorized}
	ErrConversationNotFound = &Error{Kind: KindConversationNotFound}
	ErrTruncatedStream      = &Error{Kind: KindTruncatedStream}
	ErrMalformedFrame       = &Error{Kind: KindMalformedFrame}
	ErrUpstream             = &Error{Kind: KindUpstream}
	ErrUpstreamTimeout      = &Error{Kind: KindUpstreamTimeout}
)

// Errorf builds an *Error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return string(e.Kind) + ": " + e.Message
	case e.Err != nil:
		return string(e.Kind) + ": " + e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels: a target *Error with no message and no cause matches
// any error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Message == "" && t.Err == nil {
		return t.Kind == e.Kind
	}
	return t == e
}

// KindOf returns the kind of the outermost *Error in err's chain.
// Context deadlines classify as upstream timeouts; anything else unknown is
// internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUpstreamTimeout
	}
	return KindInternal
}

// MessageOf returns a caller-safe message for err. Internal errors are not
// echoed to callers verbatim.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		if pe.Kind == KindInternal {
			return "internal error"
		}
		if pe.Message != "" && pe.Err != nil {
			return pe.Message + ": " + pe.Err.Error()
		}
		if pe.Message != "" {
			return pe.Message
		}
		if pe.Err != nil {
			return pe.Err.Error()
		}
		return string(pe.Kind)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "deadline exceeded"
	}
	return "internal error"
}
