// Package conversation defines the conversation history model shared by the
// store, the protocol codec and the chat controller.
package conversation

import (
	"strings"
	"time"
)

const (
	// UntitledName is shown for conversations that have no fund name yet.
	UntitledName = "No Name"

	// EmptyPreview is shown for conversations without any query.
	EmptyPreview = "No recent messages"
)

// Citation is an opaque record describing a retrieved source.
// The backend decides its shape; the client only stores and displays it.
type Citation map[string]any

// Turn is one query/response exchange.
type Turn struct {
	Query     string     `json:"queryText"`
	Response  string     `json:"responseText"`
	Sources   []Citation `json:"sources"`
	Timestamp time.Time  `json:"timestamp,omitzero"`
}

// OverviewItem is one question/answer pair produced when documents are uploaded.
type OverviewItem struct {
	Query    string `json:"query"`
	Response string `json:"response"`
}

// HistoryPair is a Turn reduced to [query, response] for the handshake frame.
type HistoryPair [2]string

// Conversation is a chat history together with the documents it is grounded on.
type Conversation struct {
	// ID is assigned by the store on first persistence. Empty means unsaved.
	ID           string         `json:"id,omitempty"`
	Messages     []Turn         `json:"messages"`
	Documents    []string       `json:"documents"`
	FundName     string         `json:"fundName,omitempty"`
	FundOverview []OverviewItem `json:"fundOverview,omitempty"`
	// CollectionID names the backend document collection built at upload time.
	CollectionID string    `json:"collectionId,omitempty"`
	Created      time.Time `json:"created"`
}

// New returns an empty, unsaved conversation created at now.
func New(now time.Time) Conversation {
	return Conversation{
		Messages:  []Turn{},
		Documents: []string{},
		Created:   now,
	}
}

// IsSaved reports whether the conversation has been persisted at least once.
func (c Conversation) IsSaved() bool {
	return c.ID != ""
}

// HasDocuments reports whether documents were uploaded for this conversation.
func (c Conversation) HasDocuments() bool {
	return len(c.Documents) > 0
}

// History reduces every turn to its (query, response) pair.
func (c Conversation) History() []HistoryPair {
	pairs := make([]HistoryPair, 0, len(c.Messages))
	for _, m := range c.Messages {
		pairs = append(pairs, HistoryPair{m.Query, m.Response})
	}
	return pairs
}

// Title returns the fund name, or UntitledName.
func (c Conversation) Title() string {
	if name := strings.TrimSpace(c.FundName); name != "" {
		return name
	}
	return UntitledName
}

// Preview returns the first non-empty query of the conversation.
func (c Conversation) Preview() string {
	for _, m := range c.Messages {
		if m.Query != "" {
			return m.Query
		}
	}
	return EmptyPreview
}

// Clone returns a deep copy so callers can mutate the result freely.
func (c Conversation) Clone() Conversation {
	out := c
	out.Messages = make([]Turn, len(c.Messages))
	for i, m := range c.Messages {
		out.Messages[i] = m.Clone()
	}
	out.Documents = append([]string{}, c.Documents...)
	if c.FundOverview != nil {
		out.FundOverview = append([]OverviewItem(nil), c.FundOverview...)
	}
	return out
}

// WithTurn returns a copy of c with t appended to its history.
func (c Conversation) WithTurn(t Turn) Conversation {
	out := c.Clone()
	out.Messages = append(out.Messages, t.Clone())
	return out
}

// Clone returns a copy of the turn with its own sources slice.
func (t Turn) Clone() Turn {
	out := t
	if t.Sources != nil {
		out.Sources = make([]Citation, len(t.Sources))
		for i, s := range t.Sources {
			cp := make(Citation, len(s))
			for k, v := range s {
				cp[k] = v
			}
			out.Sources[i] = cp
		}
	}
	return out
}

// CloneAll deep-copies a list of conversations.
func CloneAll(list []Conversation) []Conversation {
	out := make([]Conversation, len(list))
	for i, c := range list {
		out[i] = c.Clone()
	}
	return out
}

// Find returns the conversation with the given id.
func Find(list []Conversation, id string) (Conversation, bool) {
	if id == "" {
		return Conversation{}, false
	}
	for _, c := range list {
		if c.ID == id {
			return c, true
		}
	}
	return Conversation{}, false
}
