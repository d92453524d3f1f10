package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	MaxMessages       = 100
	MaxMemories       = 100
	MaxEmotionRecords = 30

	keysSetting = "api-keys"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidMemory = errors.New("invalid memory")
)

// SQLiteStore persists the client's state. Every mutation is written
// through immediately.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

type Option func(*SQLiteStore)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

func NewSQLiteStore(dataSourceName string, opts ...Option) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(dataSourceName, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", dataSourceName+sep+"_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open database", goerr.V("dsn", dataSourceName))
	}
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, goerr.Wrap(err, "failed to ping database", goerr.V("dsn", dataSourceName))
	}

	store := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	if err = store.initSchema(); err != nil {
		_ = db.Close()
		return nil, goerr.Wrap(err, "failed to initialize schema")
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS messages (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        id TEXT UNIQUE NOT NULL, -- UUID
        role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
        content TEXT NOT NULL,
        timestamp INTEGER NOT NULL, -- unix millis
        emotion TEXT NOT NULL DEFAULT '',
        sources_json TEXT NOT NULL DEFAULT ''
    );

    CREATE TABLE IF NOT EXISTS emotions (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        emotion TEXT NOT NULL,
        intensity REAL NOT NULL,
        confidence REAL NOT NULL,
        timestamp INTEGER NOT NULL
    );

    CREATE TABLE IF NOT EXISTS memories (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        id TEXT UNIQUE NOT NULL,
        type TEXT NOT NULL,
        mem_key TEXT UNIQUE NOT NULL,
        value TEXT NOT NULL,
        importance INTEGER NOT NULL CHECK (importance BETWEEN 1 AND 5),
        created_at INTEGER NOT NULL,
        updated_at INTEGER NOT NULL,
        last_mentioned INTEGER NOT NULL,
        mention_count INTEGER NOT NULL DEFAULT 1
    );

    CREATE TABLE IF NOT EXISTS settings (
        name TEXT PRIMARY KEY,
        value TEXT NOT NULL
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// trim keeps the newest keep rows of table by insertion order.
func trim(ctx context.Context, tx *sql.Tx, table string, keep int) error {
	// table is always one of our own constants
	_, err := tx.ExecContext(ctx,
		"DELETE FROM "+table+" WHERE seq NOT IN (SELECT seq FROM "+table+" ORDER BY seq DESC LIMIT ?)", keep)
	return err
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// Keys methods

func (s *SQLiteStore) SetKeys(ctx context.Context, keys APIKeys) error {
	raw, err := json.Marshal(keys)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal keys")
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO settings (name, value) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value",
		keysSetting, string(raw))
	if err != nil {
		return goerr.Wrap(err, "failed to save keys")
	}
	return nil
}

func (s *SQLiteStore) ClearKeys(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM settings WHERE name = ?", keysSetting); err != nil {
		return goerr.Wrap(err, "failed to clear keys")
	}
	return nil
}

// Keys returns ErrNotFound when nothing is stored, and a decode error when
// the stored blob is unreadable.
func (s *SQLiteStore) Keys(ctx context.Context) (*APIKeys, error) {
	raw, err := s.setting(ctx, keysSetting)
	if err != nil {
		return nil, err
	}
	var keys APIKeys
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, goerr.Wrap(err, "failed to parse stored keys")
	}
	return &keys, nil
}

func (s *SQLiteStore) setting(ctx context.Context, name string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE name = ?", name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", goerr.Wrap(err, "failed to read setting", goerr.V("name", name))
	}
	return value, nil
}
