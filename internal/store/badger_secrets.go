package store

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/betbot/bothost/pkg/secretstore"
)

const badgerSecretPrefix = "bot_secrets/"

// BadgerSecrets keeps per-bot encrypted secrets in the badger KV under
// bot_secrets/<botID>/<key>. Values are still vault ciphertext; badger adds
// at-rest encryption of its own.
type BadgerSecrets struct {
	kv *secretstore.Store
}

func NewBadgerSecrets(kv *secretstore.Store) *BadgerSecrets {
	return &BadgerSecrets{kv: kv}
}

func secretKey(botID, key string) string {
	return badgerSecretPrefix + botID + "/" + key
}

func (b *BadgerSecrets) PutSecret(_ context.Context, botID, key, encryptedValue string) error {
	if strings.Contains(botID, "/") || strings.TrimSpace(key) == "" {
		return errors.Errorf("invalid secret key %q for bot %q", key, botID)
	}
	return errors.Wrap(b.kv.SetString(secretKey(botID, key), encryptedValue), "badger put secret")
}

func (b *BadgerSecrets) DeleteSecret(_ context.Context, botID, key string) error {
	return errors.Wrap(b.kv.Delete(secretKey(botID, key)), "badger delete secret")
}

// ListSecrets returns secrets sorted by key (badger keeps no creation time).
func (b *BadgerSecrets) ListSecrets(ctx context.Context, botID string) ([]Secret, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := b.kv.ListPrefix(badgerSecretPrefix + botID + "/")
	if err != nil {
		return nil, errors.Wrap(err, "badger list secrets")
	}
	out := make([]Secret, 0, len(m))
	for k, v := range m {
		out = append(out, Secret{BotID: botID, Key: k, EncryptedValue: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
