// Package storage owns the relational store: transcript messages, the usage
// log, and the memory tables with their tag join, vector, and full-text
// indices. The schema is created idempotently at open.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Config configures the store.
type Config struct {
	// Path is the database file. Empty means in-memory (tests).
	Path string

	// VectorDimension is the embedding width; rows with a different width
	// are ignored by vector search.
	VectorDimension int
}

// Store wraps the SQLite handle.
type Store struct {
	db        *sql.DB
	dimension int
}

// Open opens (creating if needed) the database and applies migrations.
func Open(cfg Config) (*Store, error) {
	dsn := ":memory:"
	if cfg.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
		dsn = cfg.Path
	}
	if cfg.VectorDimension <= 0 {
		cfg.VectorDimension = 1536
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The pure-Go driver serialises writes; a single connection avoids
	// SQLITE_BUSY between the consumers sharing this handle.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dimension: cfg.VectorDimension}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at)`,
		`CREATE TABLE IF NOT EXISTS usage_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL,
			model TEXT NOT NULL,
			provider TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			call_type TEXT NOT NULL,
			agent_id TEXT,
			channel_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_ts ON usage_logs(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_model ON usage_logs(model)`,
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			subject TEXT NOT NULL,
			content TEXT NOT NULL,
			source TEXT,
			confidence INTEGER NOT NULL DEFAULT 2,
			expires_at DATETIME,
			embedding BLOB,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memory_tags (
			memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
			tag TEXT NOT NULL,
			PRIMARY KEY (memory_id, tag)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_tags_tag ON memory_tags(tag)`,
		`CREATE TABLE IF NOT EXISTS memory_vectors (
			id TEXT PRIMARY KEY REFERENCES memories(id) ON DELETE CASCADE,
			embedding BLOB NOT NULL
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			id UNINDEXED, subject, content, tags
		)`,
		`PRAGMA foreign_keys=ON`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Dimension returns the configured embedding width.
func (s *Store) Dimension() int { return s.dimension }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) begin(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}
