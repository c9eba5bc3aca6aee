package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// PutUser upserts a user's premium flag and expiry (nil = no expiry).
func (s *Store) PutUser(ctx context.Context, u User) error {
	var expires any
	if u.PremiumExpiresAt != nil {
		expires = ts(*u.PremiumExpiresAt)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users (id,premium,premium_expires_at) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET premium=excluded.premium, premium_expires_at=excluded.premium_expires_at
`, u.ID, boolInt(u.Premium), expires)
	return errors.Wrap(err, "put user")
}

// GetUser returns nil, nil for unknown users.
func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	var (
		u       = User{ID: userID}
		premium int
		expires sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `SELECT premium,premium_expires_at FROM users WHERE id=?`, userID).Scan(&premium, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "get user %s", userID)
	}
	u.Premium = premium != 0
	if expires.Valid && expires.String != "" {
		t := parseTS(expires.String)
		u.PremiumExpiresAt = &t
	}
	return &u, nil
}

// IsPremium is read at launch time only. Unknown users are free.
func (s *Store) IsPremium(ctx context.Context, userID string) (bool, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil || u == nil {
		return false, err
	}
	return u.Active(s.now()), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
