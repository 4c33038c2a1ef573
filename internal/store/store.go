package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pavelanni/iqtester/internal/model"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a test record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrMalformedRecord is returned when a stored record fails validation on read.
	ErrMalformedRecord = errors.New("malformed record")
)

// TestRecords persists test records. Implemented by *Store (SQLite) and
// docstore.Store (MongoDB).
type TestRecords interface {
	CreateTest(ctx context.Context, t model.Test) (model.Test, error)
	GetTest(ctx context.Context, id string) (model.Test, error)
	UpdateTest(ctx context.Context, id string, u model.TestUpdate) error
	ListCompletedByUser(ctx context.Context, userID int64) ([]model.Test, error)
	CompletedScores(ctx context.Context, category string) ([]int, error)
	ListAllTests(ctx context.Context) ([]model.Test, error)
}

const schemaVersion = "1"

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	// in-memory databases are per connection
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'member',
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS tests (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		category TEXT NOT NULL,
		difficulty TEXT NOT NULL,
		questions TEXT NOT NULL DEFAULT '[]',
		answers TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'in-progress',
		score INTEGER NOT NULL DEFAULT 0,
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		completed_at DATETIME,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS idx_tests_user_status ON tests (user_id, status);
	CREATE INDEX IF NOT EXISTS idx_tests_category_status ON tests (category, status);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	v, err := s.GetMetadata("schema_version")
	if err != nil {
		return err
	}
	if v != "" && v != schemaVersion {
		return fmt.Errorf("database schema version %s, this build expects %s", v, schemaVersion)
	}
	return s.SetMetadata("schema_version", schemaVersion)
}

// SetMetadata upserts a key-value pair in the metadata table.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		key, value, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
