// Package store persists conversations.
//
// Two backends implement Store: FileStore keeps one JSON document per
// conversation in a directory, SQLiteStore keeps them in a single SQLite
// database. Both assign ids on first Put and return lists ordered by creation
// time.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/inercia/fundchat/internal/conversation"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrStoreClosed          = errors.New("store is closed")
)

// Driver selects a Store backend.
type Driver string

const (
	DriverFile   Driver = "file"
	DriverSQLite Driver = "sqlite"
	DriverMemory Driver = "memory"
)

// Store is durable keyed storage for conversations.
// Implementations must be safe for concurrent use. Each operation is atomic
// for the single record it touches.
type Store interface {
	// List returns every stored conversation, oldest first.
	List(ctx context.Context) ([]conversation.Conversation, error)

	// Get returns one conversation or ErrConversationNotFound.
	Get(ctx context.Context, id string) (conversation.Conversation, error)

	// Put inserts or replaces a conversation and returns it as stored.
	// A conversation without an id is assigned a fresh one.
	Put(ctx context.Context, c conversation.Conversation) (conversation.Conversation, error)

	// Delete removes a conversation and returns the remaining ones.
	// Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) ([]conversation.Conversation, error)

	Close() error
}

// Open creates a Store for the given driver. For DriverFile path is a
// directory; for DriverSQLite it is the database file. DriverMemory ignores it.
func Open(driver Driver, path string) (Store, error) {
	switch driver {
	case DriverFile, "":
		return NewFileStore(path)
	case DriverSQLite:
		return NewSQLiteStore(path)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// prepare fills in the fields a backend assigns on Put.
func prepare(c conversation.Conversation, now func() time.Time) conversation.Conversation {
	out := c.Clone()
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	if out.Created.IsZero() {
		out.Created = now()
	}
	if out.Messages == nil {
		out.Messages = []conversation.Turn{}
	}
	if out.Documents == nil {
		out.Documents = []string{}
	}
	return out
}

// sortConversations orders by creation time, then id for a stable result.
func sortConversations(list []conversation.Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].Created.Equal(list[j].Created) {
			return list[i].Created.Before(list[j].Created)
		}
		return list[i].ID < list[j].ID
	})
}
