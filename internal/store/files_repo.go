package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// PutFile uploads (upserts) a program file for a bot.
func (s *Store) PutFile(ctx context.Context, botID, fileName string, content []byte) error {
	now := s.now()
	if content == nil {
		content = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO bot_files (bot_id,file_name,content,updated_at) VALUES (?,?,?,?)
ON CONFLICT(bot_id,file_name) DO UPDATE SET content=excluded.content, updated_at=excluded.updated_at
`, botID, fileName, content, ts(now))
	if err != nil {
		return errors.Wrapf(err, "put file %s/%s", botID, fileName)
	}
	return s.touch(ctx, botID, now)
}

// Download returns the stored file or ErrNotFound.
func (s *Store) Download(ctx context.Context, botID, fileName string) ([]byte, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx, `SELECT content FROM bot_files WHERE bot_id=? AND file_name=?`, botID, fileName).Scan(&content)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "download %s/%s", botID, fileName)
	}
	return content, nil
}

func (s *Store) ListFiles(ctx context.Context, botID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT file_name FROM bot_files WHERE bot_id=? ORDER BY file_name`, botID)
	if err != nil {
		return nil, errors.Wrap(err, "list files")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
