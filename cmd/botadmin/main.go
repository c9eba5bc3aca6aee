// botadmin seeds the collaborator stores the supervisor reads from: bots,
// program files, encrypted secrets and premium users.
//
//	botadmin bot    -id b1 -owner u1 -lang js -token <platform token>
//	botadmin upload -bot b1 -file ./index.js
//	botadmin secret -bot b1 -key API_KEY -value xyz
//	botadmin user   -id u1 -premium -expires 2026-12-31T00:00:00Z
//	botadmin list   -owner u1
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/betbot/bothost/internal/store"
	"github.com/betbot/bothost/internal/vault"
	"github.com/betbot/bothost/pkg/config"
	"github.com/betbot/bothost/pkg/secretstore"
)

type env struct {
	db     *store.Store
	cipher *vault.Cipher
	cfg    *config.Config
}

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
	}
	cmd, args := os.Args[1], os.Args[2:]

	cfg, err := config.Load(os.Getenv(config.EnvPrefix+"CONFIG"), nil)
	if err != nil {
		fatal(err)
	}
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer db.Close()

	e := &env{db: db, cfg: cfg}
	ctx := context.Background()

	switch cmd {
	case "bot":
		err = e.bot(ctx, args)
	case "upload":
		err = e.upload(ctx, args)
	case "secret":
		err = e.secret(ctx, args)
	case "user":
		err = e.user(ctx, args)
	case "list":
		err = e.list(ctx, args)
	default:
		usage()
	}
	if err != nil {
		fatal(err)
	}
}

func (e *env) vault() (*vault.Cipher, error) {
	if e.cipher != nil {
		return e.cipher, nil
	}
	key, err := vault.LoadKey(e.cfg.MasterKey, e.cfg.Passphrase)
	if err != nil {
		return nil, err
	}
	c, err := vault.New(key)
	if err != nil {
		return nil, err
	}
	e.cipher = c
	return c, nil
}

func (e *env) bot(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("bot", flag.ExitOnError)
	id := fs.String("id", "", "bot id")
	owner := fs.String("owner", "", "owner user id")
	name := fs.String("name", "", "display name")
	lang := fs.String("lang", store.LanguageJavaScript, "py | js")
	token := fs.String("token", os.Getenv("BOT_TOKEN"), "platform token (stored encrypted)")
	_ = fs.Parse(args)

	if *id == "" || *owner == "" {
		return fmt.Errorf("-id and -owner are required")
	}
	if *lang != store.LanguageJavaScript && *lang != store.LanguagePython {
		return fmt.Errorf("unsupported language %q", *lang)
	}
	c, err := e.vault()
	if err != nil {
		return err
	}
	enc, err := c.Encrypt(*token)
	if err != nil {
		return err
	}
	if err := e.db.PutBot(ctx, store.Bot{ID: *id, OwnerID: *owner, Name: *name, Language: *lang, EncryptedToken: enc}); err != nil {
		return err
	}
	fmt.Printf("bot %s saved (%s, program file %s)\n", *id, *lang, store.FileNameFor(*lang))
	return nil
}

func (e *env) upload(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	botID := fs.String("bot", "", "bot id")
	file := fs.String("file", "", "program file to upload")
	_ = fs.Parse(args)

	bot, err := e.db.GetBot(ctx, *botID)
	if err != nil {
		return err
	}
	if bot == nil {
		return fmt.Errorf("bot %q not found", *botID)
	}
	content, err := os.ReadFile(*file)
	if err != nil {
		return err
	}
	name := store.FileNameFor(bot.Language)
	if err := e.db.PutFile(ctx, bot.ID, name, content); err != nil {
		return err
	}
	fmt.Printf("uploaded %d bytes as %s/%s\n", len(content), bot.ID, name)
	return nil
}

func (e *env) secret(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("secret", flag.ExitOnError)
	botID := fs.String("bot", "", "bot id")
	key := fs.String("key", "", "secret name (env var)")
	value := fs.String("value", "", "secret value")
	_ = fs.Parse(args)

	if *botID == "" || strings.TrimSpace(*key) == "" {
		return fmt.Errorf("-bot and -key are required")
	}
	c, err := e.vault()
	if err != nil {
		return err
	}
	enc, err := c.Encrypt(*value)
	if err != nil {
		return err
	}

	if e.cfg.SecretBackend == config.SecretBackendBadger {
		k, err := secretstore.ParseKey(e.cfg.BadgerKey)
		if err != nil {
			return err
		}
		kv, err := secretstore.Open(secretstore.OpenOptions{Path: e.cfg.BadgerPath, EncryptionKey: k})
		if err != nil {
			return err
		}
		defer kv.Close()
		return store.NewBadgerSecrets(kv).PutSecret(ctx, *botID, *key, enc)
	}
	return e.db.PutSecret(ctx, *botID, *key, enc)
}

func (e *env) user(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("user", flag.ExitOnError)
	id := fs.String("id", "", "user id")
	premium := fs.Bool("premium", false, "premium flag")
	expires := fs.String("expires", "", "premium expiry (RFC3339), empty = none")
	_ = fs.Parse(args)

	if *id == "" {
		return fmt.Errorf("-id is required")
	}
	u := store.User{ID: *id, Premium: *premium}
	if *expires != "" {
		t, err := time.Parse(time.RFC3339, *expires)
		if err != nil {
			return fmt.Errorf("bad -expires: %w", err)
		}
		u.PremiumExpiresAt = &t
	}
	return e.db.PutUser(ctx, u)
}

func (e *env) list(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	owner := fs.String("owner", "", "owner user id")
	_ = fs.Parse(args)

	bots, err := e.db.ListBotsByOwner(ctx, *owner)
	if err != nil {
		return err
	}
	for _, b := range bots {
		files, err := e.db.ListFiles(ctx, b.ID)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\t%s\t%s\n", b.ID, b.Language, b.Name, strings.Join(files, ","))
	}
	return nil
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: botadmin bot|upload|secret|user|list [flags]")
	os.Exit(2)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
