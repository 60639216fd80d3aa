package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies relay errors. Every kind except KindAuth and KindTimeout is
// recoverable and reported to the originating connection as an error message.
type Kind uint8

const (
	KindInternal Kind = iota
	KindAuth
	KindProtocol
	KindRouting
	KindOwnership
	KindTimeout
	KindForbidden
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindProtocol:
		return "protocol"
	case KindRouting:
		return "routing"
	case KindOwnership:
		return "ownership"
	case KindTimeout:
		return "timeout"
	case KindForbidden:
		return "forbidden"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "internal"
	}
}

// Wire error codes.
const (
	CodeBadMessage         = "bad_message"
	CodeUnknownType        = "unknown_type"
	CodeUnsupportedVersion = "unsupported_version"
	CodeMissingField       = "missing_field"
	CodeRoleConflict       = "role_conflict"
	CodeMessageTooLarge    = "message_too_large"
	CodeInvalidSDP         = "invalid_sdp"
	CodeDeviceOffline      = "device_offline"
	CodeUnknownTarget      = "unknown_target"
	CodeControlled         = "controlled"
	CodeNotOwner           = "not_owner"
	CodeForbidden          = "forbidden"
	CodeRateLimited        = "rate_limited"
	CodeUnauthorized       = "unauthorized"
	CodeHeartbeatTimeout   = "heartbeat_timeout"
	CodeInternal           = "internal_error"
)

// Error is the relay's error taxonomy. Code is the value reported on the wire.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Recoverable reports whether the connection survives this error.
func (e *Error) Recoverable() bool {
	return e.Kind != KindAuth && e.Kind != KindTimeout
}

func newError(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func ProtocolError(code, format string, args ...any) *Error {
	return newError(KindProtocol, code, format, args...)
}

func RoutingError(code, format string, args ...any) *Error {
	return newError(KindRouting, code, format, args...)
}

func OwnershipError(code, format string, args ...any) *Error {
	return newError(KindOwnership, code, format, args...)
}

func TimeoutError(format string, args ...any) *Error {
	return newError(KindTimeout, CodeHeartbeatTimeout, format, args...)
}

func AuthError(err error) *Error {
	return &Error{Kind: KindAuth, Code: CodeUnauthorized, Message: "unauthorized", Err: err}
}

func ForbiddenError(err error) *Error {
	return &Error{Kind: KindForbidden, Code: CodeForbidden, Message: "not authorized for device", Err: err}
}

func RateLimitedError() *Error {
	return newError(KindRateLimited, CodeRateLimited, "rate limit exceeded")
}

// AsError converts err into an *Error, classifying unknown errors as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: "internal error", Err: err}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == kind
}

// ErrorEnvelope builds the error message sent back to a connection. The
// internal cause is never put on the wire.
func ErrorEnvelope(err error, op Op) Envelope {
	pe := AsError(err)
	env := Envelope{
		Op: OpError,
		Payload: Payload{
			Code:    pe.Code,
			Message: pe.Message,
		},
	}
	if op != OpUnknown {
		env.Payload.Data = map[string]any{"op": op.String()}
	}
	return env
}
