package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrResponsePending rejects a submission while an answer is streaming
	// or a retry is waiting for the connection.
	ErrResponsePending = errors.New("a response is still pending")

	// ErrNotReady rejects a submission before a conversation is loaded.
	ErrNotReady = errors.New("no conversation loaded")

	// ErrNoCredential rejects a submission when no bearer token is set.
	ErrNoCredential = errors.New("no passcode set")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("controller closed")
)

// Kind classifies an Error.
type Kind int

const (
	// KindConnectivity: the transport could not be opened or a send failed.
	KindConnectivity Kind = iota + 1
	// KindProtocolDecode: an inbound frame could not be decoded.
	KindProtocolDecode
	// KindAuthentication: the backend rejected the credential.
	KindAuthentication
	// KindStore: a conversation store operation failed.
	KindStore
	// KindBackend: the backend reported a failure other than authentication.
	KindBackend
)

func (k Kind) String() string {
	switch k {
	case KindConnectivity:
		return "connectivity"
	case KindProtocolDecode:
		return "protocol_decode"
	case KindAuthentication:
		return "authentication"
	case KindStore:
		return "store"
	case KindBackend:
		return "backend"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// User-facing messages.
const (
	MsgConnectivity   = "Connection error"
	MsgAuthentication = "Invalid passcode"
	MsgProtocolDecode = "Received a malformed message"
	MsgStore          = "Could not save the conversation"
)

// Error is a user-facing message plus a machine-readable kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the Kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
