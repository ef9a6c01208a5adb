package domain

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrNoDevice         = errors.New("no capture device available")
	ErrNotOpen          = errors.New("signaling channel not open")
	ErrNotConnected     = errors.New("peer connection not established")
	ErrStreamBusy       = errors.New("an audio stream is already in progress")
	ErrRetriesExhausted = errors.New("reconnection attempts exhausted")
	ErrCeilingExceeded  = errors.New("reconnection time limit exceeded")
	ErrUnknownKind      = errors.New("unknown message type")
	ErrMalformed        = errors.New("malformed message")
	ErrUnexpectedSignal = errors.New("unexpected signal type")
	ErrServerRejected   = errors.New("server rejected the request")
	ErrClosed           = errors.New("session closed")
)

// ErrorKind classifies failures by how the session reacts to them.
type ErrorKind string

const (
	KindPermission  ErrorKind = "permission"
	KindTransport   ErrorKind = "transport"
	KindNegotiation ErrorKind = "negotiation"
	KindProtocol    ErrorKind = "protocol"
	KindServerFault ErrorKind = "server_fault"
	KindBusy        ErrorKind = "busy" // local conflict, such as a second stream
)

type Error struct {
	Kind    ErrorKind
	Op      string
	Err     error
	Details string
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func WrapError(kind ErrorKind, op string, err error, details string) *Error {
	return &Error{Kind: kind, Op: op, Err: err, Details: details}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindTransport when there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransport
}

// UserMessage renders a short classification for display.
func UserMessage(err error) string {
	switch KindOf(err) {
	case KindPermission:
		return "Microphone unavailable: " + err.Error()
	case KindNegotiation:
		return "Could not negotiate audio connection: " + err.Error()
	case KindServerFault:
		return "Agent server failure: " + err.Error()
	case KindBusy:
		return "Cannot start recording: " + err.Error()
	case KindProtocol:
		return "Unexpected message from server: " + err.Error()
	default:
		return "Connection failed: " + err.Error()
	}
}
