// Package resolver turns a stored bot into everything a worker needs to run
// it: program text, file name and the environment overlay.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/bothost/internal/store"
)

var (
	ErrCodeNotFound = errors.New("resolver: program not found")
	ErrToken        = errors.New("resolver: bot token cannot be decrypted")
)

type CodeStore interface {
	Download(ctx context.Context, botID, fileName string) ([]byte, error)
}

type SecretStore interface {
	ListSecrets(ctx context.Context, botID string) ([]store.Secret, error)
}

type Decrypter interface {
	Decrypt(enc string) (string, error)
}

// Bundle is the resolved launch material for one bot.
type Bundle struct {
	BotID    string
	Language string
	FileName string
	Program  []byte
	Token    string
	// Secrets holds the decrypted per-bot secrets only.
	Secrets map[string]string
	// Env is process env (minus denied prefixes) + Secrets + TOKEN/BOT_ID/BOT_LANGUAGE.
	Env map[string]string
}

// Environ renders Env as a sorted KEY=VALUE list.
func (b *Bundle) Environ() []string {
	return environ(b.Env)
}

// ScriptEnv is what an embedded program sees as `env`: secrets plus bot identity, no token.
func (b *Bundle) ScriptEnv() map[string]string {
	out := make(map[string]string, len(b.Secrets)+2)
	for k, v := range b.Secrets {
		out[k] = v
	}
	out["BOT_ID"] = b.BotID
	out["BOT_LANGUAGE"] = b.Language
	return out
}

type Options struct {
	FetchTimeout time.Duration
	// DenyPrefixes are process env keys never passed to bots.
	DenyPrefixes []string
	// BaseEnv overrides os.Environ (tests).
	BaseEnv func() []string
}

type Resolver struct {
	code    CodeStore
	secrets SecretStore
	dec     Decrypter
	opts    Options
	log     *logrus.Entry
}

func New(code CodeStore, secrets SecretStore, dec Decrypter, opts Options) *Resolver {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.BaseEnv == nil {
		opts.BaseEnv = os.Environ
	}
	return &Resolver{
		code:    code,
		secrets: secrets,
		dec:     dec,
		opts:    opts,
		log:     logrus.WithField("component", "resolver"),
	}
}

// Resolve fetches the program and secrets for bot. Each fetch gets its own timeout.
func (r *Resolver) Resolve(ctx context.Context, bot *store.Bot) (*Bundle, error) {
	fileName := store.FileNameFor(bot.Language)
	program, err := r.download(ctx, bot.ID, fileName)
	if err != nil {
		return nil, err
	}

	token, err := r.dec.Decrypt(bot.EncryptedToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrToken, err)
	}

	secrets := r.loadSecrets(ctx, bot.ID)

	env := make(map[string]string)
	for _, kv := range r.opts.BaseEnv() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" || r.denied(k) {
			continue
		}
		env[k] = v
	}
	for k, v := range secrets {
		env[k] = v
	}
	env["TOKEN"] = token
	env["BOT_ID"] = bot.ID
	env["BOT_LANGUAGE"] = bot.Language

	return &Bundle{
		BotID:    bot.ID,
		Language: bot.Language,
		FileName: fileName,
		Program:  program,
		Token:    token,
		Secrets:  secrets,
		Env:      env,
	}, nil
}

func (r *Resolver) download(ctx context.Context, botID, fileName string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
	defer cancel()
	b, err := r.code.Download(ctx, botID, fileName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrCodeNotFound, botID, fileName)
		}
		return nil, fmt.Errorf("download %s/%s: %w", botID, fileName, err)
	}
	if b == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrCodeNotFound, botID, fileName)
	}
	return b, nil
}

// loadSecrets never fails the launch: a listing error yields no overlay and a
// value that cannot be decrypted is used as stored.
func (r *Resolver) loadSecrets(ctx context.Context, botID string) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
	defer cancel()

	out := make(map[string]string)
	list, err := r.secrets.ListSecrets(ctx, botID)
	if err != nil {
		r.log.WithField("bot_id", botID).WithError(err).Warn("list secrets failed, launching without them")
		return out
	}
	for _, s := range list {
		v, err := r.dec.Decrypt(s.EncryptedValue)
		if err != nil {
			r.log.WithFields(logrus.Fields{"bot_id": botID, "key": s.Key}).Debug("secret not decryptable, using raw value")
			v = s.EncryptedValue
		}
		out[s.Key] = v
	}
	return out
}

func (r *Resolver) denied(key string) bool {
	for _, p := range r.opts.DenyPrefixes {
		if p != "" && strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

func environ(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
