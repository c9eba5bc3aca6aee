package store

import (
	"context"

	"github.com/pkg/errors"
)

// PutSecret stores an already-encrypted value; created_at is preserved on update.
func (s *Store) PutSecret(ctx context.Context, botID, key, encryptedValue string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO bot_secrets (bot_id,key,value,created_at) VALUES (?,?,?,?)
ON CONFLICT(bot_id,key) DO UPDATE SET value=excluded.value
`, botID, key, encryptedValue, ts(s.now()))
	if err != nil {
		return errors.Wrapf(err, "put secret %s/%s", botID, key)
	}
	return nil
}

func (s *Store) DeleteSecret(ctx context.Context, botID, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM bot_secrets WHERE bot_id=? AND key=?`, botID, key)
	return errors.Wrap(err, "delete secret")
}

// ListSecrets returns the bot's secrets ordered by creation time.
func (s *Store) ListSecrets(ctx context.Context, botID string) ([]Secret, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT key,value,created_at FROM bot_secrets WHERE bot_id=? ORDER BY created_at ASC, key ASC
`, botID)
	if err != nil {
		return nil, errors.Wrap(err, "list secrets")
	}
	defer rows.Close()

	var out []Secret
	for rows.Next() {
		sec := Secret{BotID: botID}
		var createdAt string
		if err := rows.Scan(&sec.Key, &sec.EncryptedValue, &createdAt); err != nil {
			return nil, errors.Wrap(err, "scan secret")
		}
		sec.CreatedAt = parseTS(createdAt)
		out = append(out, sec)
	}
	return out, rows.Err()
}
