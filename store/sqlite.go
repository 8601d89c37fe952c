// ABOUTME: SQLite-backed transcript persistence for conversation threads.
// ABOUTME: Upserts finalized messages from ledger change events; reloadable per thread.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/2389-research/parley/ledger"
)

// Store persists transcripts to SQLite. The ledger remains the source of
// truth for a live session; the store is the durable record across restarts.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens or creates the transcript database at path. Runs the schema
// and enables WAL mode for concurrent readers.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL,
			processed INTEGER NOT NULL DEFAULT 0,
			files TEXT,
			metadata TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_messages_thread
			ON messages(thread_id, id);`

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db, log: log}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveMessage upserts one finalized message for the thread. Streaming
// messages are skipped by Persist and should not be passed here.
func (s *Store) SaveMessage(threadID string, m ledger.Message) error {
	var files, metadata []byte
	var err error
	if len(m.Files) > 0 {
		if files, err = json.Marshal(m.Files); err != nil {
			return fmt.Errorf("encode files: %w", err)
		}
	}
	if len(m.Metadata) > 0 {
		if metadata, err = json.Marshal(m.Metadata); err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
	}

	_, err = s.db.Exec(`
		INSERT INTO messages (id, thread_id, role, content, created_at, processed, files, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			processed = excluded.processed,
			files = excluded.files,
			metadata = excluded.metadata`,
		m.ID, threadID, string(m.Role), m.Content,
		m.Timestamp.UTC().Format(time.RFC3339Nano),
		boolToInt(m.Processed), nullable(files), nullable(metadata))
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", m.ID, err)
	}
	return nil
}

// LoadThread returns the persisted transcript for a thread in id order,
// which for ULID message ids is also chronological order.
func (s *Store) LoadThread(threadID string) ([]ledger.Message, error) {
	rows, err := s.db.Query(`
		SELECT id, role, content, created_at, processed, files, metadata
		FROM messages WHERE thread_id = ? ORDER BY id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("query thread %s: %w", threadID, err)
	}
	defer rows.Close()

	var out []ledger.Message
	for rows.Next() {
		var m ledger.Message
		var role, createdAt string
		var processed int
		var files, metadata sql.NullString
		if err := rows.Scan(&m.ID, &role, &m.Content, &createdAt, &processed, &files, &metadata); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = ledger.Role(role)
		m.Processed = processed != 0
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			m.Timestamp = ts
		}
		if files.Valid {
			if err := json.Unmarshal([]byte(files.String), &m.Files); err != nil {
				return nil, fmt.Errorf("decode files for %s: %w", m.ID, err)
			}
		}
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", m.ID, err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteThread removes all persisted messages for a thread.
func (s *Store) DeleteThread(threadID string) error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE thread_id = ?`, threadID)
	if err != nil {
		return fmt.Errorf("delete thread %s: %w", threadID, err)
	}
	return nil
}

// Persist subscribes to the ledger and upserts every non-streaming message
// after each change until the context is cancelled or the ledger closes.
// Intended to run as a goroutine per live session.
func (s *Store) Persist(ctx context.Context, threadID string, l *ledger.Ledger) {
	ch := l.Subscribe()
	defer l.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			for _, m := range ev.Messages {
				if m.IsStreaming {
					continue // persisted once finalized
				}
				if err := s.SaveMessage(threadID, m); err != nil {
					s.log.Warn("persist message failed",
						zap.String("thread_id", threadID),
						zap.String("message_id", m.ID),
						zap.Error(err))
				}
			}
		}
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullable maps empty byte slices to NULL so the columns stay clean.
func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
