// Package hmqerr defines the broker's error kinds and the producer-visible
// result codes carried back over the wire, per the wire protocol's
// Acknowledge frames.
package hmqerr

import "errors"

// Kind identifies the category of a broker-side failure. Kinds are not
// Go error types by themselves -- they are attached to a *Error so callers
// can both errors.Is against a sentinel and read a human message.
type Kind int

const (
	KindUnknown Kind = iota
	KindProtocol
	KindPolicyDenied
	KindQueueFull
	KindNoSubscriber
	KindPersistence
	KindTimeout
	KindUnreachable
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindPolicyDenied:
		return "policy-denied"
	case KindQueueFull:
		return "queue-full"
	case KindNoSubscriber:
		return "no-subscriber"
	case KindPersistence:
		return "persistence"
	case KindTimeout:
		return "timeout"
	case KindUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can branch on
// category without string matching.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Reason + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an *Error of the given kind with a reason and no cause.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap creates an *Error of the given kind wrapping a lower-level cause.
func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// Is reports whether err (or something it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ResultCode is the producer-visible outcome of a push, request, or pull,
// echoed on Acknowledge frames and returned from the client library's
// synchronous calls.
type ResultCode int

const (
	Ok ResultCode = iota
	Failed
	SendError
	Unauthorized
	Unacceptable
	Busy
	NotFound
	Timeout
	Duplicate
)

func (r ResultCode) String() string {
	switch r {
	case Ok:
		return "Ok"
	case Failed:
		return "Failed"
	case SendError:
		return "SendError"
	case Unauthorized:
		return "Unauthorized"
	case Unacceptable:
		return "Unacceptable"
	case Busy:
		return "Busy"
	case NotFound:
		return "NotFound"
	case Timeout:
		return "Timeout"
	case Duplicate:
		return "Duplicate"
	default:
		return "Unknown"
	}
}

// DefaultNegativeAckReason is used on negative-ack frames whose producer
// did not supply a specific reason.
const DefaultNegativeAckReason = "none"
