// Package archive keeps a durable log of completed exchanges in SQLite.
// It backs the retry command and operator inspection; losing it never
// affects the live conversation state.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/dotsetgreg/chatrelay/pkg/bus"
)

// Exchange is one completed question/answer pair.
type Exchange struct {
	ID        string
	Channel   string
	ChatID    string
	UserID    string
	Question  []bus.ContentBlock
	Answer    string
	CreatedAt time.Time
}

type Store struct {
	db *sql.DB
}

// NewStore creates/opens the archive database at path.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	// Single-process writer. One shared connection avoids SQLite writer
	// lock contention under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS exchanges (
			id TEXT PRIMARY KEY,
			channel TEXT NOT NULL DEFAULT '',
			chat_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			question_json TEXT NOT NULL,
			answer TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_exchanges_chat_created
			ON exchanges(chat_id, created_at_ms);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init archive schema: %w", err)
		}
	}
	return nil
}

// Record appends one exchange. A missing ID or timestamp is filled in.
func (s *Store) Record(ctx context.Context, ex Exchange) error {
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now()
	}

	questionJSON, err := json.Marshal(ex.Question)
	if err != nil {
		return fmt.Errorf("marshal question blocks: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO exchanges (id, channel, chat_id, user_id, question_json, answer, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.Channel, ex.ChatID, ex.UserID, string(questionJSON), ex.Answer, ex.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert exchange: %w", err)
	}
	return nil
}

// Last returns the most recent exchange for a chat, if any.
func (s *Store) Last(ctx context.Context, chatID string) (Exchange, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, channel, chat_id, user_id, question_json, answer, created_at_ms
		 FROM exchanges WHERE chat_id = ?
		 ORDER BY created_at_ms DESC, rowid DESC LIMIT 1`, chatID)

	ex, err := scanExchange(row)
	if err == sql.ErrNoRows {
		return Exchange{}, false, nil
	}
	if err != nil {
		return Exchange{}, false, err
	}
	return ex, true, nil
}

// Recent returns up to limit exchanges for a chat, newest first.
func (s *Store) Recent(ctx context.Context, chatID string, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel, chat_id, user_id, question_json, answer, created_at_ms
		 FROM exchanges WHERE chat_id = ?
		 ORDER BY created_at_ms DESC, rowid DESC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent exchanges: %w", err)
	}
	defer rows.Close()

	var out []Exchange
	for rows.Next() {
		ex, err := scanExchange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// Prune deletes exchanges older than the retention cutoff and returns the
// number removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM exchanges WHERE created_at_ms < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune exchanges: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExchange(row rowScanner) (Exchange, error) {
	var ex Exchange
	var questionJSON string
	var createdAtMs int64

	if err := row.Scan(&ex.ID, &ex.Channel, &ex.ChatID, &ex.UserID, &questionJSON, &ex.Answer, &createdAtMs); err != nil {
		return Exchange{}, err
	}
	if err := json.Unmarshal([]byte(questionJSON), &ex.Question); err != nil {
		return Exchange{}, fmt.Errorf("decode question blocks: %w", err)
	}
	ex.CreatedAt = time.UnixMilli(createdAtMs)
	return ex, nil
}
