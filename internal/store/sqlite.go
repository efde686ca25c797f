package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/inercia/fundchat/internal/conversation"
	"github.com/inercia/fundchat/internal/logging"
)

// Verify SQLiteStore implements Store at compile time.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore keeps conversations in a SQLite database. Turns live in their
// own table keyed by (conversation_id, seq).
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	now    func() time.Time
}

// NewSQLiteStore opens or creates the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	log := logging.Store()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection keeps pragmas and transactions on the same handle.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	log.Debug("sqlite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id            TEXT PRIMARY KEY,
			fund_name     TEXT NOT NULL DEFAULT '',
			collection_id TEXT NOT NULL DEFAULT '',
			documents     TEXT NOT NULL DEFAULT '[]',
			fund_overview TEXT NOT NULL DEFAULT '[]',
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS turns (
			conversation_id TEXT NOT NULL,
			seq             INTEGER NOT NULL,
			query_text      TEXT NOT NULL,
			response_text   TEXT NOT NULL,
			sources         TEXT NOT NULL DEFAULT '[]',
			completed_at    INTEGER,
			PRIMARY KEY (conversation_id, seq),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_created
			ON conversations(created_at, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) List(ctx context.Context) ([]conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.list(ctx)
}

func (s *SQLiteStore) list(ctx context.Context) ([]conversation.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fund_name, collection_id, documents, fund_overview, created_at
		FROM conversations
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}

	var list []conversation.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		list = append(list, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}
	rows.Close()

	for i := range list {
		turns, err := s.turns(ctx, list[i].ID)
		if err != nil {
			return nil, err
		}
		list[i].Messages = turns
	}
	if list == nil {
		list = []conversation.Conversation{}
	}
	return list, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (conversation.Conversation, error) {
	var (
		c                   conversation.Conversation
		documents, overview string
		created             int64
	)
	if err := row.Scan(&c.ID, &c.FundName, &c.CollectionID, &documents, &overview, &created); err != nil {
		return conversation.Conversation{}, err
	}
	if err := json.Unmarshal([]byte(documents), &c.Documents); err != nil {
		return conversation.Conversation{}, fmt.Errorf("decoding documents of %s: %w", c.ID, err)
	}
	if c.Documents == nil {
		c.Documents = []string{}
	}
	if err := json.Unmarshal([]byte(overview), &c.FundOverview); err != nil {
		return conversation.Conversation{}, fmt.Errorf("decoding fund overview of %s: %w", c.ID, err)
	}
	if len(c.FundOverview) == 0 {
		c.FundOverview = nil
	}
	c.Created = fromUnixNano(sql.NullInt64{Int64: created, Valid: true})
	return c, nil
}

func (s *SQLiteStore) turns(ctx context.Context, id string) ([]conversation.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT query_text, response_text, sources, completed_at
		FROM turns
		WHERE conversation_id = ?
		ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	turns := []conversation.Turn{}
	for rows.Next() {
		var (
			t         conversation.Turn
			sources   string
			completed sql.NullInt64
		)
		if err := rows.Scan(&t.Query, &t.Response, &sources, &completed); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		if err := json.Unmarshal([]byte(sources), &t.Sources); err != nil {
			return nil, fmt.Errorf("decoding sources of %s: %w", id, err)
		}
		t.Timestamp = fromUnixNano(completed)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return conversation.Conversation{}, ErrStoreClosed
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, fund_name, collection_id, documents, fund_overview, created_at
		FROM conversations
		WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("getting conversation: %w", err)
	}
	if c.Messages, err = s.turns(ctx, id); err != nil {
		return conversation.Conversation{}, err
	}
	return c, nil
}

// Put upserts the conversation row and its turns in one transaction. Turns
// past the new length are removed so the stored history matches c exactly.
func (s *SQLiteStore) Put(ctx context.Context, c conversation.Conversation) (conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return conversation.Conversation{}, ErrStoreClosed
	}

	stored := prepare(c, s.now)

	documents, err := json.Marshal(stored.Documents)
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("encoding documents: %w", err)
	}
	overview := []byte("[]")
	if len(stored.FundOverview) > 0 {
		if overview, err = json.Marshal(stored.FundOverview); err != nil {
			return conversation.Conversation{}, fmt.Errorf("encoding fund overview: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, fund_name, collection_id, documents, fund_overview, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			fund_name = excluded.fund_name,
			collection_id = excluded.collection_id,
			documents = excluded.documents,
			fund_overview = excluded.fund_overview,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		stored.ID, stored.FundName, stored.CollectionID, string(documents), string(overview),
		stored.Created.UnixNano(), s.now().UnixNano())
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("upserting conversation: %w", err)
	}

	for i, t := range stored.Messages {
		sources := []byte("[]")
		if t.Sources != nil {
			if sources, err = json.Marshal(t.Sources); err != nil {
				return conversation.Conversation{}, fmt.Errorf("encoding sources: %w", err)
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO turns (conversation_id, seq, query_text, response_text, sources, completed_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, seq) DO UPDATE SET
				query_text = excluded.query_text,
				response_text = excluded.response_text,
				sources = excluded.sources,
				completed_at = excluded.completed_at`,
			stored.ID, i, t.Query, t.Response, string(sources), toUnixNano(t.Timestamp))
		if err != nil {
			return conversation.Conversation{}, fmt.Errorf("upserting turn %d: %w", i, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM turns WHERE conversation_id = ? AND seq >= ?`,
		stored.ID, len(stored.Messages)); err != nil {
		return conversation.Conversation{}, fmt.Errorf("trimming turns: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return conversation.Conversation{}, fmt.Errorf("committing conversation: %w", err)
	}

	logging.Store().Debug("conversation stored",
		"conversation_id", stored.ID,
		"messages", len(stored.Messages))
	return stored, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) ([]conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE conversation_id = ?`, id); err != nil {
		return nil, fmt.Errorf("deleting turns: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("deleting conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing delete: %w", err)
	}
	logging.Store().Debug("conversation deleted", "conversation_id", id)
	return s.list(ctx)
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func toUnixNano(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromUnixNano(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64).UTC()
}
