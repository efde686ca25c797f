package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/inercia/fundchat/internal/conversation"
	"github.com/inercia/fundchat/internal/fileutil"
	"github.com/inercia/fundchat/internal/logging"
)

// Verify FileStore implements Store at compile time.
var _ Store = (*FileStore)(nil)

// FileStore keeps one JSON document per conversation, named <id>.json.
// Writes go through a temp file and a rename so a concurrent reader in
// another process never sees a partial document.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
	now     func() time.Time
}

// NewFileStore creates a file store rooted at baseDir, creating it if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	log := logging.Store()
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create conversations directory: %w", err)
	}
	log.Debug("file store initialized", "base_dir", baseDir)
	return &FileStore{baseDir: baseDir, now: time.Now}, nil
}

// Dir returns the directory holding the conversation documents.
func (s *FileStore) Dir() string {
	return s.baseDir
}

func (s *FileStore) path(id string) (string, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("invalid conversation id %q", id)
	}
	return filepath.Join(s.baseDir, id+".json"), nil
}

func (s *FileStore) List(ctx context.Context) ([]conversation.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.listLocked()
}

func (s *FileStore) listLocked() ([]conversation.Conversation, error) {
	log := logging.Store()
	paths, err := fileutil.JSONFiles(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read conversations directory: %w", err)
	}

	list := make([]conversation.Conversation, 0, len(paths))
	for _, p := range paths {
		var c conversation.Conversation
		if err := fileutil.ReadJSON(p, &c); err != nil {
			if os.IsNotExist(err) {
				// removed between ReadDir and ReadFile
				continue
			}
			log.Warn("skipping unreadable conversation", "path", p, "error", err)
			continue
		}
		if c.ID == "" {
			c.ID = strings.TrimSuffix(filepath.Base(p), ".json")
		}
		list = append(list, c)
	}
	sortConversations(list)
	return list, nil
}

func (s *FileStore) Get(ctx context.Context, id string) (conversation.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return conversation.Conversation{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return conversation.Conversation{}, ErrStoreClosed
	}

	p, err := s.path(id)
	if err != nil {
		return conversation.Conversation{}, ErrConversationNotFound
	}
	var c conversation.Conversation
	if err := fileutil.ReadJSON(p, &c); err != nil {
		if os.IsNotExist(err) {
			return conversation.Conversation{}, ErrConversationNotFound
		}
		return conversation.Conversation{}, fmt.Errorf("failed to read conversation %s: %w", id, err)
	}
	c.ID = id
	return c, nil
}

func (s *FileStore) Put(ctx context.Context, c conversation.Conversation) (conversation.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return conversation.Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return conversation.Conversation{}, ErrStoreClosed
	}

	stored := prepare(c, s.now)
	p, err := s.path(stored.ID)
	if err != nil {
		return conversation.Conversation{}, err
	}
	if err := fileutil.WriteJSONAtomic(p, stored, 0644); err != nil {
		return conversation.Conversation{}, fmt.Errorf("failed to write conversation %s: %w", stored.ID, err)
	}

	logging.Store().Debug("conversation stored",
		"conversation_id", stored.ID,
		"messages", len(stored.Messages),
		"documents", len(stored.Documents))
	return stored, nil
}

func (s *FileStore) Delete(ctx context.Context, id string) ([]conversation.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	if p, err := s.path(id); err == nil {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to delete conversation %s: %w", id, err)
		}
		logging.Store().Debug("conversation deleted", "conversation_id", id)
	}
	return s.listLocked()
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
