package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// PutBot inserts or replaces a bot record.
func (s *Store) PutBot(ctx context.Context, b Bot) error {
	now := s.now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO bots (id,owner_id,name,language,encrypted_token,created_at,updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  owner_id=excluded.owner_id, name=excluded.name, language=excluded.language,
  encrypted_token=excluded.encrypted_token, updated_at=excluded.updated_at
`, b.ID, b.OwnerID, b.Name, b.Language, b.EncryptedToken, ts(b.CreatedAt), ts(now))
	if err != nil {
		return errors.Wrap(err, "put bot")
	}
	return nil
}

// GetBot returns nil, nil when the bot does not exist.
func (s *Store) GetBot(ctx context.Context, botID string) (*Bot, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,owner_id,name,language,encrypted_token,created_at,updated_at
FROM bots WHERE id=?
`, botID)
	b, err := scanBot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "get bot %s", botID)
	}
	return b, nil
}

func (s *Store) ListBotsByOwner(ctx context.Context, ownerID string) ([]Bot, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,owner_id,name,language,encrypted_token,created_at,updated_at
FROM bots WHERE owner_id=? ORDER BY created_at ASC
`, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, "list bots")
	}
	return collectBots(rows)
}

// ListPremiumBots returns every bot whose owner currently has premium.
func (s *Store) ListPremiumBots(ctx context.Context) ([]Bot, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT b.id,b.owner_id,b.name,b.language,b.encrypted_token,b.created_at,b.updated_at,u.premium_expires_at
FROM bots b JOIN users u ON u.id = b.owner_id
WHERE u.premium = 1
ORDER BY b.created_at ASC
`)
	if err != nil {
		return nil, errors.Wrap(err, "list premium bots")
	}
	defer rows.Close()

	now := s.now()
	var out []Bot
	for rows.Next() {
		var (
			b                    Bot
			createdAt, updatedAt string
			expires              sql.NullString
		)
		if err := rows.Scan(&b.ID, &b.OwnerID, &b.Name, &b.Language, &b.EncryptedToken, &createdAt, &updatedAt, &expires); err != nil {
			return nil, errors.Wrap(err, "scan premium bot")
		}
		b.CreatedAt, b.UpdatedAt = parseTS(createdAt), parseTS(updatedAt)
		u := User{Premium: true}
		if expires.Valid && expires.String != "" {
			t := parseTS(expires.String)
			u.PremiumExpiresAt = &t
		}
		if u.Active(now) {
			out = append(out, b)
		}
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBot(row rowScanner) (*Bot, error) {
	var (
		b                    Bot
		createdAt, updatedAt string
	)
	if err := row.Scan(&b.ID, &b.OwnerID, &b.Name, &b.Language, &b.EncryptedToken, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	b.CreatedAt, b.UpdatedAt = parseTS(createdAt), parseTS(updatedAt)
	return &b, nil
}

func collectBots(rows *sql.Rows) ([]Bot, error) {
	defer rows.Close()
	var out []Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan bot")
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// touch bumps updated_at; used after code edits.
func (s *Store) touch(ctx context.Context, botID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE bots SET updated_at=? WHERE id=?`, ts(at), botID)
	return err
}
