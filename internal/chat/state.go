package chat

import (
	"errors"
	"fmt"
	"time"

	"github.com/inercia/fundchat/internal/conversation"
	"github.com/inercia/fundchat/internal/protocol"
)

// Phase is the controller's position in the conversation lifecycle.
type Phase int

const (
	// PhaseIdle: nothing loaded yet.
	PhaseIdle Phase = iota
	// PhaseLoading: reading the conversation list from the store.
	PhaseLoading
	// PhaseReady: a conversation is active and a query may be submitted.
	PhaseReady
	// PhaseAwaitingResponse: a query was sent and its answer is not yet stored.
	PhaseAwaitingResponse
	// PhaseFailed: the last operation failed. Submitting again recovers.
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	case PhaseAwaitingResponse:
		return "awaiting_response"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// SessionKey identifies a connection session.
type SessionKey struct {
	Credential     string
	ConversationID string
}

// State is the complete controller state. Reduce never mutates its input.
type State struct {
	Phase Phase

	// Connected is true while the current handle is open and handshaked.
	Connected bool
	// RetryPending is true while a submission waits for a fresh connection.
	RetryPending bool

	Credential string

	// HandleID is the current connection handle; 0 means none. Events from
	// any other handle are ignored.
	HandleID  uint64
	HandleKey SessionKey

	Conversations []conversation.Conversation
	Active        conversation.Conversation

	// OpenTurn is the turn being streamed, nil when none.
	OpenTurn *conversation.Turn

	// Unpersisted is set while Active holds a completed turn the store
	// rejected. Refreshes must not replace Active until it is stored.
	Unpersisted bool

	// Err is the last user-visible error.
	Err *Error
}

// Key returns the session the current state wants to be connected to.
func (s State) Key() SessionKey {
	return SessionKey{Credential: s.Credential, ConversationID: s.Active.ID}
}

// Busy reports whether submissions are currently rejected with ErrResponsePending.
func (s State) Busy() bool {
	return s.Phase == PhaseAwaitingResponse || s.RetryPending
}

// Messages returns the active conversation's turns followed by the open turn.
func (s State) Messages() []conversation.Turn {
	msgs := append([]conversation.Turn(nil), s.Active.Messages...)
	if s.OpenTurn != nil {
		msgs = append(msgs, *s.OpenTurn)
	}
	return msgs
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := s
	out.Conversations = conversation.CloneAll(s.Conversations)
	out.Active = s.Active.Clone()
	if s.OpenTurn != nil {
		t := s.OpenTurn.Clone()
		out.OpenTurn = &t
	}
	if s.Err != nil {
		e := *s.Err
		out.Err = &e
	}
	return out
}

// Event is an input to Reduce.
type Event interface {
	isChatEvent()
}

type (
	// Submitted: the user asked a question.
	Submitted struct{ Query string }

	// SendFailed: writing the query to the handle failed.
	SendFailed struct {
		Handle uint64
		Err    error
	}

	// RetryResolved: the grace interval of a retry ended.
	RetryResolved struct {
		Handle uint64
		Query  string
		Ready  bool
		Err    error
	}

	// HandleOpened: the controller replaced the connection handle.
	HandleOpened struct {
		Handle uint64
		Key    SessionKey
	}

	// ConnectionReady: a handle finished its handshake.
	ConnectionReady struct{ Handle uint64 }

	// ConnectionLost: a handle reached a terminal state.
	ConnectionLost struct {
		Handle uint64
		Err    error
	}

	// FrameReceived: a decoded inbound frame. At stamps completed turns.
	FrameReceived struct {
		Handle uint64
		Event  protocol.Event
		At     time.Time
	}

	// DecodeFailed: an inbound frame could not be decoded at all.
	DecodeFailed struct {
		Handle uint64
		Err    error
	}

	// Reconciled: a completed turn was stored and the list re-read. Source
	// is the conversation as handed to PersistTurn.
	Reconciled struct {
		Source        conversation.Conversation
		Stored        conversation.Conversation
		Conversations []conversation.Conversation
	}

	// ReconcileFailed: storing a completed turn failed.
	ReconcileFailed struct {
		Source conversation.Conversation
		Err    error
	}

	// LoadStarted: the controller began reading the store.
	LoadStarted struct{}

	// Loaded: the store was read and a conversation selected.
	Loaded struct {
		Conversations []conversation.Conversation
		Active        conversation.Conversation
	}

	// LoadFailed: reading the store or finding the selection failed.
	LoadFailed struct{ Err error }

	// NewStarted: the user started a fresh, unsaved conversation.
	NewStarted struct{ At time.Time }

	// Deleted: a conversation was removed from the store.
	Deleted struct {
		ID        string
		Remaining []conversation.Conversation
		At        time.Time
	}

	// Uploaded: documents were attached to the active conversation and stored.
	Uploaded struct {
		Stored        conversation.Conversation
		Conversations []conversation.Conversation
	}

	// Refreshed: the list was re-read after an external change.
	Refreshed struct {
		Conversations []conversation.Conversation
		At            time.Time
	}

	// CredentialChanged: the bearer token was replaced or cleared.
	CredentialChanged struct{ Credential string }

	// OperationFailed records an error without changing the phase.
	OperationFailed struct{ Err *Error }
)

func (Submitted) isChatEvent()         {}
func (SendFailed) isChatEvent()        {}
func (RetryResolved) isChatEvent()     {}
func (HandleOpened) isChatEvent()      {}
func (ConnectionReady) isChatEvent()   {}
func (ConnectionLost) isChatEvent()    {}
func (FrameReceived) isChatEvent()     {}
func (DecodeFailed) isChatEvent()      {}
func (Reconciled) isChatEvent()        {}
func (ReconcileFailed) isChatEvent()   {}
func (LoadStarted) isChatEvent()       {}
func (Loaded) isChatEvent()            {}
func (LoadFailed) isChatEvent()        {}
func (NewStarted) isChatEvent()        {}
func (Deleted) isChatEvent()           {}
func (Uploaded) isChatEvent()          {}
func (Refreshed) isChatEvent()         {}
func (CredentialChanged) isChatEvent() {}
func (OperationFailed) isChatEvent()   {}

// Effect is work Reduce asks the controller to perform.
type Effect interface {
	isEffect()
}

type (
	// SendQuery writes the query on the given handle.
	SendQuery struct {
		Handle uint64
		Query  string
	}

	// Reconnect opens a fresh handle for the current session key. A non-empty
	// Query is sent once the handle is ready, if that happens within the
	// grace interval.
	Reconnect struct{ Query string }

	// PersistTurn stores the conversation carrying a just completed turn and
	// re-reads the list.
	PersistTurn struct{ Conversation conversation.Conversation }

	// NotifyAuthFailure invokes the auth-failure callback.
	NotifyAuthFailure struct{}

	// AbandonSession closes the current handle without opening another.
	AbandonSession struct{}

	// Violation reports an event that broke the frame ordering rules.
	Violation struct {
		Event  protocol.Event
		Reason string
	}

	// Reject fails the user operation that produced the event.
	Reject struct{ Err error }
)

func (SendQuery) isEffect()         {}
func (Reconnect) isEffect()         {}
func (PersistTurn) isEffect()       {}
func (NotifyAuthFailure) isEffect() {}
func (AbandonSession) isEffect()    {}
func (Violation) isEffect()         {}
func (Reject) isEffect()            {}

// Reduce applies one event. It is pure: the returned State shares no
// mutable memory with s.
func Reduce(s State, ev Event) (State, []Effect) {
	s = s.Clone()

	switch e := ev.(type) {
	case Submitted:
		return reduceSubmit(s, e)

	case SendFailed:
		err := newError(KindConnectivity, MsgConnectivity, e.Err)
		if e.Handle == s.HandleID {
			s.Connected = false
		}
		if s.Phase == PhaseAwaitingResponse {
			s.Phase = PhaseFailed
			s.OpenTurn = nil
		}
		s.Err = err
		return s, []Effect{Reject{Err: err}}

	case RetryResolved:
		if !s.RetryPending {
			// cancelled by a conversation switch, a new chat or a backend error
			return s, []Effect{Reject{Err: newError(KindConnectivity, MsgConnectivity, errRetryCancelled)}}
		}
		s.RetryPending = false
		if e.Handle != s.HandleID {
			err := newError(KindConnectivity, MsgConnectivity, errRetryCancelled)
			s.Phase = PhaseFailed
			s.Err = err
			return s, []Effect{Reject{Err: err}}
		}
		if !e.Ready {
			err := newError(KindConnectivity, MsgConnectivity, e.Err)
			s.Phase = PhaseFailed
			s.Err = err
			return s, []Effect{Reject{Err: err}}
		}
		s.Connected = true
		s.Phase = PhaseAwaitingResponse
		s.Err = nil
		return s, []Effect{SendQuery{Handle: s.HandleID, Query: e.Query}}

	case HandleOpened:
		s.HandleID = e.Handle
		s.HandleKey = e.Key
		s.Connected = false
		return s, nil

	case ConnectionReady:
		if e.Handle != s.HandleID || s.HandleID == 0 {
			return s, nil
		}
		s.Connected = true
		return s, nil

	case ConnectionLost:
		if e.Handle != s.HandleID || s.HandleID == 0 {
			return s, nil
		}
		s.Connected = false
		if s.Phase == PhaseAwaitingResponse && !s.RetryPending {
			s.Phase = PhaseFailed
			s.OpenTurn = nil
			s.Err = newError(KindConnectivity, MsgConnectivity, e.Err)
		}
		return s, nil

	case FrameReceived:
		if e.Handle != s.HandleID || s.HandleID == 0 {
			return s, nil
		}
		return reduceFrame(s, e)

	case DecodeFailed:
		if e.Handle != s.HandleID || s.HandleID == 0 {
			return s, nil
		}
		s.Err = newError(KindProtocolDecode, MsgProtocolDecode, e.Err)
		return s, nil

	case Reconciled:
		s.Conversations = conversation.CloneAll(e.Conversations)
		if !sameConversation(s.Active, e.Source) {
			// the user switched away while the store round-trip ran
			return s, nil
		}
		if found, ok := conversation.Find(s.Conversations, e.Stored.ID); ok {
			s.Active = found.Clone()
		} else {
			s.Active = e.Stored.Clone()
		}
		s.Unpersisted = false
		if s.Phase == PhaseAwaitingResponse && s.OpenTurn == nil {
			s.Phase = PhaseReady
		}
		return s, syncSession(&s)

	case ReconcileFailed:
		if !sameConversation(s.Active, e.Source) {
			return s, nil
		}
		if s.Phase == PhaseAwaitingResponse && s.OpenTurn == nil {
			s.Phase = PhaseFailed
		}
		s.Unpersisted = true
		s.Err = newError(KindStore, MsgStore, e.Err)
		return s, nil

	case LoadStarted:
		s.Phase = PhaseLoading
		s.RetryPending = false
		s.OpenTurn = nil
		return s, nil

	case Loaded:
		s.Conversations = conversation.CloneAll(e.Conversations)
		s.Active = e.Active.Clone()
		s.Phase = PhaseReady
		s.OpenTurn = nil
		s.Unpersisted = false
		s.Err = nil
		return s, syncSession(&s)

	case LoadFailed:
		s.Phase = PhaseFailed
		s.Err = newError(KindStore, "Could not load conversations", e.Err)
		return s, []Effect{Reject{Err: s.Err}}

	case NewStarted:
		s.Active = conversation.New(e.At)
		s.Phase = PhaseReady
		s.RetryPending = false
		s.OpenTurn = nil
		s.Unpersisted = false
		s.Err = nil
		return s, syncSession(&s)

	case Deleted:
		s.Conversations = conversation.CloneAll(e.Remaining)
		if s.Active.ID != "" && s.Active.ID == e.ID {
			s.Active = conversation.New(e.At)
			s.Phase = PhaseReady
			s.RetryPending = false
			s.OpenTurn = nil
			s.Unpersisted = false
			return s, syncSession(&s)
		}
		return s, nil

	case Uploaded:
		s.Conversations = conversation.CloneAll(e.Conversations)
		if found, ok := conversation.Find(s.Conversations, e.Stored.ID); ok {
			s.Active = found.Clone()
		} else {
			s.Active = e.Stored.Clone()
		}
		s.Phase = PhaseReady
		s.Unpersisted = false
		s.Err = nil
		// The handshake now names a different document collection.
		s.HandleKey = SessionKey{}
		return s, syncSession(&s)

	case Refreshed:
		s.Conversations = conversation.CloneAll(e.Conversations)
		if !s.Active.IsSaved() || s.Busy() || s.Unpersisted {
			return s, nil
		}
		if found, ok := conversation.Find(s.Conversations, s.Active.ID); ok {
			s.Active = found.Clone()
			return s, nil
		}
		// removed by another process
		s.Active = conversation.New(e.At)
		if s.Phase != PhaseIdle {
			s.Phase = PhaseReady
		}
		return s, syncSession(&s)

	case CredentialChanged:
		s.Credential = e.Credential
		if e.Credential != "" && s.Err != nil && s.Err.Kind == KindAuthentication {
			s.Err = nil
		}
		return s, syncSession(&s)

	case OperationFailed:
		s.Err = e.Err
		return s, []Effect{Reject{Err: e.Err}}

	default:
		return s, []Effect{Violation{Reason: fmt.Sprintf("unhandled event %T", ev)}}
	}
}

var errRetryCancelled = errors.New("retry cancelled")

func reduceSubmit(s State, e Submitted) (State, []Effect) {
	if e.Query == "" {
		return s, nil
	}
	switch {
	case s.Phase == PhaseIdle || s.Phase == PhaseLoading:
		return s, []Effect{Reject{Err: ErrNotReady}}
	case s.Busy():
		return s, []Effect{Reject{Err: ErrResponsePending}}
	case s.Credential == "":
		return s, []Effect{Reject{Err: ErrNoCredential}}
	}

	if s.Connected && s.HandleID != 0 && s.HandleKey == s.Key() {
		s.Phase = PhaseAwaitingResponse
		s.Err = nil
		return s, []Effect{SendQuery{Handle: s.HandleID, Query: e.Query}}
	}

	s.RetryPending = true
	s.Connected = false
	return s, []Effect{Reconnect{Query: e.Query}}
}

func reduceFrame(s State, e FrameReceived) (State, []Effect) {
	switch ev := e.Event.(type) {
	case protocol.ResponseStarted:
		return s, nil

	case protocol.TurnStarted:
		var effects []Effect
		if s.OpenTurn != nil {
			effects = append(effects, Violation{Event: ev, Reason: "turn started while another turn is open; discarding the open turn"})
		}
		s.OpenTurn = &conversation.Turn{Query: ev.Query, Sources: []conversation.Citation{}}
		s.Phase = PhaseAwaitingResponse
		return s, effects

	case protocol.AnswerChunk:
		if s.OpenTurn == nil {
			return s, []Effect{Violation{Event: ev, Reason: "answer chunk without an open turn"}}
		}
		s.OpenTurn.Response += ev.Text
		return s, nil

	case protocol.CitationsAttached:
		if s.OpenTurn == nil {
			return s, []Effect{Violation{Event: ev, Reason: "citations without an open turn"}}
		}
		sources := make([]conversation.Citation, 0, len(ev.Sources))
		for _, c := range ev.Sources {
			cp := make(conversation.Citation, len(c))
			for k, v := range c {
				cp[k] = v
			}
			sources = append(sources, cp)
		}
		s.OpenTurn.Sources = sources
		return s, nil

	case protocol.TurnCompleted:
		if s.OpenTurn == nil {
			return s, []Effect{Violation{Event: ev, Reason: "turn completed without an open turn"}}
		}
		turn := *s.OpenTurn
		turn.Timestamp = e.At
		s.Active = s.Active.WithTurn(turn)
		s.OpenTurn = nil
		// Stays AwaitingResponse until the store round-trip finishes.
		s.Phase = PhaseAwaitingResponse
		return s, []Effect{PersistTurn{Conversation: s.Active.Clone()}}

	case protocol.SessionFailed:
		s.OpenTurn = nil
		s.RetryPending = false
		s.Phase = PhaseFailed
		if ev.AuthFailure {
			s.Err = newError(KindAuthentication, MsgAuthentication, nil)
			s.Credential = ""
			s.Connected = false
			s.HandleID = 0
			s.HandleKey = SessionKey{}
			return s, []Effect{NotifyAuthFailure{}, AbandonSession{}}
		}
		msg := ev.Message
		if msg == "" {
			msg = "The backend reported an error"
		}
		s.Err = newError(KindBackend, msg, nil)
		return s, nil

	default:
		return s, []Effect{Violation{Event: e.Event, Reason: fmt.Sprintf("unknown protocol event %T", e.Event)}}
	}
}

// sameConversation reports whether a and b are the same conversation, either
// by id or, for an unsaved one, by creation time.
func sameConversation(a, b conversation.Conversation) bool {
	if a.ID != b.ID {
		return false
	}
	return a.ID != "" || a.Created.Equal(b.Created)
}

// syncSession closes or reopens the connection when the session key changed.
// A connection is only opened for a saved conversation with a credential; an
// unsaved one connects lazily on the first submission.
func syncSession(s *State) []Effect {
	want := s.Key()
	if s.HandleID != 0 && s.HandleKey == want {
		return nil
	}
	if want.Credential != "" && want.ConversationID != "" {
		return []Effect{Reconnect{}}
	}
	if s.HandleID != 0 {
		s.HandleID = 0
		s.HandleKey = SessionKey{}
		s.Connected = false
		return []Effect{AbandonSession{}}
	}
	return nil
}
