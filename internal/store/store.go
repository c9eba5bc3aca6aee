// Package store is the sqlite-backed home of bot metadata, program files,
// per-bot secrets and user premium state.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("store: not found")

const (
	LanguagePython     = "py"
	LanguageJavaScript = "js"
)

// FileNameFor returns the program file name stored for a language.
func FileNameFor(language string) string {
	if language == LanguagePython {
		return "main.py"
	}
	return "index.js"
}

type Bot struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	Name           string    `json:"name"`
	Language       string    `json:"language"`
	EncryptedToken string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type Secret struct {
	BotID          string
	Key            string
	EncryptedValue string
	CreatedAt      time.Time
}

type User struct {
	ID               string
	Premium          bool
	PremiumExpiresAt *time.Time
}

// Active reports whether premium is in effect at now.
func (u User) Active(now time.Time) bool {
	if !u.Premium {
		return false
	}
	return u.PremiumExpiresAt == nil || now.Before(*u.PremiumExpiresAt)
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTS(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}
