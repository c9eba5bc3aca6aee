package store

import (
	"context"
	"fmt"
	"time"
)

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  premium INTEGER NOT NULL DEFAULT 0,
  premium_expires_at TEXT
);`,
		`
CREATE TABLE IF NOT EXISTS bots (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  name TEXT NOT NULL,
  language TEXT NOT NULL,
  encrypted_token TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_bots_owner ON bots(owner_id);`,
		`
CREATE TABLE IF NOT EXISTS bot_files (
  bot_id TEXT NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
  file_name TEXT NOT NULL,
  content BLOB NOT NULL,
  updated_at TEXT NOT NULL,
  PRIMARY KEY (bot_id, file_name)
);`,
		`
CREATE TABLE IF NOT EXISTS bot_secrets (
  bot_id TEXT NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
  key TEXT NOT NULL,
  value TEXT NOT NULL,
  created_at TEXT NOT NULL,
  PRIMARY KEY (bot_id, key)
);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
	}
	return nil
}
