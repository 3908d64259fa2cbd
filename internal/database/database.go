package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"fiscalprint/internal/domain"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

var (
	ErrNotFound   = errors.New("print request not found")
	ErrNotClaimed = errors.New("print request is no longer in the expected status")
)

type DB struct {
	*sql.DB
	path   string
	feed   domain.ChangeFeed
	logger *zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: :memory: must stay a single database and writers are serialized.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("Database initialized")
	return &DB{DB: sqlDB, path: path, logger: logger}, nil
}

func dsn(path string) string {
	if path == ":memory:" || strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000&_journal_mode=WAL"
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS print_requests (
            id TEXT PRIMARY KEY,
            note_id TEXT NOT NULL,
            note_data TEXT NOT NULL DEFAULT '{}',
            print_type TEXT NOT NULL,
            printer_id TEXT,
            copies INTEGER,
            status TEXT NOT NULL DEFAULT 'pending'
                CHECK (status IN ('pending','printing','completed','failed')),
            error_message TEXT,
            created_by TEXT NOT NULL DEFAULT '',
            created_at DATETIME NOT NULL,
            printed_at DATETIME,
            printed_by TEXT,
            updated_at DATETIME NOT NULL,
            updated_by TEXT NOT NULL DEFAULT ''
        )`,

		`CREATE INDEX IF NOT EXISTS idx_print_requests_status ON print_requests(status)`,
		`CREATE INDEX IF NOT EXISTS idx_print_requests_created_at ON print_requests(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_print_requests_note_id ON print_requests(note_id)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// SetChangeFeed attaches the realtime channel that receives every successful write.
func (db *DB) SetChangeFeed(feed domain.ChangeFeed) {
	db.feed = feed
}

// Path returns the file the database was opened from.
func (db *DB) Path() string {
	return db.path
}
