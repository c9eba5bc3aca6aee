package store

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/betbot/bothost/pkg/secretstore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db", "bothost.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_BotsAndFiles(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	b, err := s.GetBot(ctx, "missing")
	require.NoError(t, err)
	require.Nil(t, b)

	require.NoError(t, s.PutBot(ctx, Bot{ID: "b1", OwnerID: "u1", Name: "echo", Language: LanguageJavaScript, EncryptedToken: "enc"}))
	b, err = s.GetBot(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, "u1", b.OwnerID)
	require.Equal(t, "enc", b.EncryptedToken)
	require.False(t, b.CreatedAt.IsZero())

	_, err = s.Download(ctx, "b1", "index.js")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutFile(ctx, "b1", FileNameFor(LanguageJavaScript), []byte("console.log(1)")))
	got, err := s.Download(ctx, "b1", "index.js")
	require.NoError(t, err)
	require.Equal(t, "console.log(1)", string(got))

	files, err := s.ListFiles(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, []string{"index.js"}, files)

	bots, err := s.ListBotsByOwner(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, bots, 1)
}

func TestStore_SecretsOrderAndUpdate(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.PutBot(ctx, Bot{ID: "b1", OwnerID: "u1", Name: "n", Language: LanguagePython}))

	clock := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { clock = clock.Add(time.Second); return clock }

	require.NoError(t, s.PutSecret(ctx, "b1", "B", "v1"))
	require.NoError(t, s.PutSecret(ctx, "b1", "A", "v2"))
	require.NoError(t, s.PutSecret(ctx, "b1", "B", "v3"))

	secs, err := s.ListSecrets(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, secs, 2)
	require.Equal(t, "B", secs[0].Key)
	require.Equal(t, "v3", secs[0].EncryptedValue)
	require.Equal(t, "A", secs[1].Key)

	require.NoError(t, s.DeleteSecret(ctx, "b1", "B"))
	secs, err = s.ListSecrets(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, secs, 1)
}

func TestStore_PremiumExpiry(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	past, future := now.Add(-time.Hour), now.Add(time.Hour)
	require.NoError(t, s.PutUser(ctx, User{ID: "forever", Premium: true}))
	require.NoError(t, s.PutUser(ctx, User{ID: "expired", Premium: true, PremiumExpiresAt: &past}))
	require.NoError(t, s.PutUser(ctx, User{ID: "active", Premium: true, PremiumExpiresAt: &future}))
	require.NoError(t, s.PutUser(ctx, User{ID: "free"}))

	for id, want := range map[string]bool{"forever": true, "expired": false, "active": true, "free": false, "unknown": false} {
		got, err := s.IsPremium(ctx, id)
		require.NoError(t, err)
		require.Equal(t, want, got, id)
	}

	require.NoError(t, s.PutBot(ctx, Bot{ID: "p1", OwnerID: "active", Name: "a", Language: LanguageJavaScript}))
	require.NoError(t, s.PutBot(ctx, Bot{ID: "p2", OwnerID: "expired", Name: "b", Language: LanguageJavaScript}))
	require.NoError(t, s.PutBot(ctx, Bot{ID: "p3", OwnerID: "free", Name: "c", Language: LanguagePython}))

	bots, err := s.ListPremiumBots(ctx)
	require.NoError(t, err)
	require.Len(t, bots, 1)
	require.Equal(t, "p1", bots[0].ID)
}

func TestBadgerSecrets(t *testing.T) {
	ctx := context.Background()
	kv, err := secretstore.Open(secretstore.OpenOptions{Path: t.TempDir(), EncryptionKey: bytes.Repeat([]byte{3}, 32)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	bs := NewBadgerSecrets(kv)
	require.NoError(t, bs.PutSecret(ctx, "b1", "Z", "z"))
	require.NoError(t, bs.PutSecret(ctx, "b1", "A", "a"))
	require.NoError(t, bs.PutSecret(ctx, "b10", "A", "other"))
	require.Error(t, bs.PutSecret(ctx, "b/1", "A", "a"))

	secs, err := bs.ListSecrets(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, secs, 2)
	require.Equal(t, "A", secs[0].Key)
	require.Equal(t, "Z", secs[1].Key)

	require.NoError(t, bs.DeleteSecret(ctx, "b1", "A"))
	secs, err = bs.ListSecrets(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, secs, 1)
}
