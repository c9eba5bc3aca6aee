package resolver

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/betbot/bothost/internal/store"
)

type fakeCode map[string][]byte

func (f fakeCode) Download(ctx context.Context, botID, fileName string) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("expected a deadline")
	}
	b, ok := f[botID+"/"+fileName]
	if !ok {
		return nil, store.ErrNotFound
	}
	return b, nil
}

type fakeSecrets struct {
	list []store.Secret
	err  error
}

func (f fakeSecrets) ListSecrets(context.Context, string) ([]store.Secret, error) {
	return f.list, f.err
}

// "enc:" prefix marks decryptable values.
type fakeDec struct{}

func (fakeDec) Decrypt(s string) (string, error) {
	if v, ok := strings.CutPrefix(s, "enc:"); ok {
		return v, nil
	}
	return "", errors.New("bad ciphertext")
}

func newResolver(code fakeCode, sec fakeSecrets) *Resolver {
	return New(code, sec, fakeDec{}, Options{
		FetchTimeout: time.Second,
		DenyPrefixes: []string{"BOTHOST_"},
		BaseEnv: func() []string {
			return []string{"PATH=/usr/bin", "BOTHOST_MASTER_KEY=nope", "TOKEN=process-token", "SHARED=proc"}
		},
	})
}

func TestResolve_EnvPrecedence(t *testing.T) {
	r := newResolver(
		fakeCode{"b1/index.js": []byte("client.on('ready', () => {})")},
		fakeSecrets{list: []store.Secret{
			{Key: "SHARED", EncryptedValue: "enc:secret"},
			{Key: "RAW", EncryptedValue: "plain-value"},
			{Key: "TOKEN", EncryptedValue: "enc:should-lose"},
			{Key: "BOT_ID", EncryptedValue: "enc:should-lose"},
		}},
	)
	b, err := r.Resolve(context.Background(), &store.Bot{ID: "b1", Language: store.LanguageJavaScript, EncryptedToken: "enc:tok"})
	require.NoError(t, err)

	require.Equal(t, "index.js", b.FileName)
	require.Equal(t, "tok", b.Token)
	require.Equal(t, "/usr/bin", b.Env["PATH"])
	require.NotContains(t, b.Env, "BOTHOST_MASTER_KEY")
	require.Equal(t, "secret", b.Env["SHARED"])
	require.Equal(t, "plain-value", b.Env["RAW"])
	require.Equal(t, "tok", b.Env["TOKEN"])
	require.Equal(t, "b1", b.Env["BOT_ID"])
	require.Equal(t, "js", b.Env["BOT_LANGUAGE"])

	senv := b.ScriptEnv()
	require.NotContains(t, senv, "PATH")
	require.Equal(t, "b1", senv["BOT_ID"])
	require.Equal(t, "secret", senv["SHARED"])

	envList := b.Environ()
	require.Contains(t, envList, "TOKEN=tok")
}

func TestResolve_CodeNotFound(t *testing.T) {
	r := newResolver(fakeCode{"b1/index.js": []byte("x")}, fakeSecrets{})
	_, err := r.Resolve(context.Background(), &store.Bot{ID: "b1", Language: store.LanguagePython, EncryptedToken: "enc:tok"})
	require.ErrorIs(t, err, ErrCodeNotFound)
}

func TestResolve_MissingProgramWinsOverBadToken(t *testing.T) {
	r := newResolver(fakeCode{}, fakeSecrets{})
	_, err := r.Resolve(context.Background(), &store.Bot{ID: "b1", Language: store.LanguagePython, EncryptedToken: "garbage"})
	require.ErrorIs(t, err, ErrCodeNotFound)
	require.NotErrorIs(t, err, ErrToken)
}

func TestResolve_TokenFailure(t *testing.T) {
	r := newResolver(fakeCode{"b1/main.py": []byte("print(1)")}, fakeSecrets{})
	_, err := r.Resolve(context.Background(), &store.Bot{ID: "b1", Language: store.LanguagePython, EncryptedToken: "garbage"})
	require.ErrorIs(t, err, ErrToken)
}

func TestResolve_SecretListingFailureIsNotFatal(t *testing.T) {
	r := newResolver(fakeCode{"b1/main.py": []byte("print(1)")}, fakeSecrets{err: errors.New("db down")})
	b, err := r.Resolve(context.Background(), &store.Bot{ID: "b1", Language: store.LanguagePython, EncryptedToken: "enc:tok"})
	require.NoError(t, err)
	require.Equal(t, "main.py", b.FileName)
	require.Empty(t, b.Secrets)
}
