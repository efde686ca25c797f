package store

import (
	"context"
	"sync"
	"time"

	"github.com/inercia/fundchat/internal/conversation"
)

// Verify MemoryStore implements Store at compile time.
var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps conversations in process memory. It backs the "memory"
// driver for throwaway sessions and is the store used by controller tests.
type MemoryStore struct {
	mu     sync.RWMutex
	items  map[string]conversation.Conversation
	closed bool

	// Now stamps Created on first Put. Defaults to time.Now.
	Now func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]conversation.Conversation),
		Now:   time.Now,
	}
}

func (s *MemoryStore) List(ctx context.Context) ([]conversation.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.listLocked(), nil
}

func (s *MemoryStore) listLocked() []conversation.Conversation {
	out := make([]conversation.Conversation, 0, len(s.items))
	for _, c := range s.items {
		out = append(out, c.Clone())
	}
	sortConversations(out)
	return out
}

func (s *MemoryStore) Get(ctx context.Context, id string) (conversation.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return conversation.Conversation{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return conversation.Conversation{}, ErrStoreClosed
	}
	c, ok := s.items[id]
	if !ok {
		return conversation.Conversation{}, ErrConversationNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryStore) Put(ctx context.Context, c conversation.Conversation) (conversation.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return conversation.Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return conversation.Conversation{}, ErrStoreClosed
	}
	stored := prepare(c, s.Now)
	s.items[stored.ID] = stored
	return stored.Clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) ([]conversation.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	delete(s.items, id)
	return s.listLocked(), nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
