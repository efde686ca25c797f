// Package protocol translates between raw frames exchanged with the chat
// backend and typed events. It performs no I/O.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/inercia/fundchat/internal/conversation"
)

// FrameType is the discriminator carried by every inbound frame.
type FrameType string

const (
	FrameStart    FrameType = "start"
	FrameStream   FrameType = "stream"
	FrameCitation FrameType = "citation"
	FrameEnd      FrameType = "end"
	FrameError    FrameType = "error"
)

const (
	// SenderYou marks a stream frame echoing the user's own query.
	SenderYou = "you"

	// AuthFailureCode is the error message the backend uses for a rejected credential.
	AuthFailureCode = "401"
)

// ErrDecode is the sentinel wrapped by every *DecodeError.
var ErrDecode = errors.New("protocol decode error")

// DecodeError describes a frame that could not be turned into an event.
type DecodeError struct {
	Type   FrameType
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := "decode"
	if e.Type != "" {
		msg += " " + string(e.Type) + " frame"
	} else {
		msg += " frame"
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrDecode, e.Err}
	}
	return []error{ErrDecode}
}

// Frame is the wire shape of an inbound message.
type Frame struct {
	Type    FrameType `json:"type"`
	Sender  string    `json:"sender,omitempty"`
	Message *string   `json:"message,omitempty"`
}

// NewFrame builds a frame with a message payload.
func NewFrame(t FrameType, sender, message string) Frame {
	return Frame{Type: t, Sender: sender, Message: &message}
}

// Encode serializes the frame.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// Event is one of TurnStarted, AnswerChunk, CitationsAttached, TurnCompleted,
// SessionFailed or ResponseStarted.
type Event interface {
	isEvent()
}

// TurnStarted is the backend echoing the user's query; a new Turn opens.
type TurnStarted struct {
	Query string
}

// AnswerChunk is an incremental piece of the answer to the open Turn.
type AnswerChunk struct {
	Text string
}

// CitationsAttached replaces the sources of the open Turn.
type CitationsAttached struct {
	Sources []conversation.Citation
}

// TurnCompleted finalizes the open Turn.
type TurnCompleted struct{}

// SessionFailed reports a backend-side error.
type SessionFailed struct {
	Message     string
	AuthFailure bool
}

// ResponseStarted is sent by the backend before streaming an answer.
// It carries no state.
type ResponseStarted struct{}

func (TurnStarted) isEvent()       {}
func (AnswerChunk) isEvent()       {}
func (CitationsAttached) isEvent() {}
func (TurnCompleted) isEvent()     {}
func (SessionFailed) isEvent()     {}
func (ResponseStarted) isEvent()   {}

// Decode parses one inbound frame.
//
// A citation frame whose payload is not a JSON array of records yields both a
// CitationsAttached event with no sources and a *DecodeError, so the caller can
// degrade to "no citations" while still reporting the problem. Every other
// failure yields a nil event.
func Decode(data []byte) (Event, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &DecodeError{Reason: "malformed frame", Err: err}
	}

	message := ""
	if f.Message != nil {
		message = *f.Message
	}

	switch f.Type {
	case FrameStart:
		return ResponseStarted{}, nil

	case FrameStream:
		if f.Sender == SenderYou {
			return TurnStarted{Query: message}, nil
		}
		return AnswerChunk{Text: message}, nil

	case FrameCitation:
		var sources []conversation.Citation
		if err := json.Unmarshal([]byte(message), &sources); err != nil {
			return CitationsAttached{}, &DecodeError{Type: f.Type, Reason: "invalid citation payload", Err: err}
		}
		if sources == nil {
			sources = []conversation.Citation{}
		}
		return CitationsAttached{Sources: sources}, nil

	case FrameEnd:
		return TurnCompleted{}, nil

	case FrameError:
		return SessionFailed{
			Message:     message,
			AuthFailure: message == AuthFailureCode,
		}, nil

	case "":
		return nil, &DecodeError{Reason: "missing type"}

	default:
		return nil, &DecodeError{Type: f.Type, Reason: "unknown frame type"}
	}
}

// Handshake is the first frame sent on a fresh connection.
type Handshake struct {
	BearerToken string                     `json:"bearer_token"`
	History     []conversation.HistoryPair `json:"history"`
	// FundName and CollectionID let the backend pick the document index.
	FundName     string `json:"fund_name,omitempty"`
	CollectionID string `json:"session_id,omitempty"`
}

// NewHandshake builds the handshake for a credential and a conversation.
func NewHandshake(token string, c conversation.Conversation) Handshake {
	return Handshake{
		BearerToken:  token,
		History:      c.History(),
		FundName:     c.FundName,
		CollectionID: c.CollectionID,
	}
}

// EncodeHandshake serializes the handshake frame.
func EncodeHandshake(h Handshake) ([]byte, error) {
	if h.History == nil {
		h.History = []conversation.HistoryPair{}
	}
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode handshake: %w", err)
	}
	return data, nil
}

// EncodeQuery returns the outbound turn frame: the literal query text.
func EncodeQuery(query string) []byte {
	return []byte(query)
}
