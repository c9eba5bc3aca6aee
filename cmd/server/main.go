package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/betbot/bothost/internal/controlplane/server"
	"github.com/betbot/bothost/internal/logstore"
	"github.com/betbot/bothost/internal/metrics"
	"github.com/betbot/bothost/internal/resolver"
	"github.com/betbot/bothost/internal/store"
	"github.com/betbot/bothost/internal/supervisor"
	"github.com/betbot/bothost/internal/vault"
	"github.com/betbot/bothost/internal/worker"
	"github.com/betbot/bothost/pkg/config"
	"github.com/betbot/bothost/pkg/logger"
	"github.com/betbot/bothost/pkg/secretstore"
	"github.com/betbot/bothost/pkg/shutdown"
)

func main() {
	// Load .env (best-effort). If missing, fall back to real env vars.
	_ = godotenv.Load()

	var (
		configPath    = flag.String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "YAML config file (optional)")
		listenAddr    = flag.String("listen", "", "HTTP listen address (overrides config)")
		metricsListen = flag.String("metrics-listen", "", "debug/metrics listen address, empty disables")
		dbPath        = flag.String("db", "", "SQLite db file path (overrides config)")
		workRoot      = flag.String("work-root", "", "per-bot working directory root (overrides config)")
		embeddedMode  = flag.String("embedded-mode", "", "inprocess | process (overrides config)")
		restart       = flag.Bool("restart-premium", false, "restart every premium bot on boot")
	)
	flag.Parse()

	// badger 既可以作为 secret 后端，也可以作为 env 覆盖层
	var kv *secretstore.Store
	lookup := server.EnvLookup(nil)
	if path := strings.TrimSpace(os.Getenv(config.EnvPrefix + "BADGER_PATH")); path != "" {
		s, err := openBadger(path, os.Getenv(config.EnvPrefix+"BADGER_KEY"))
		if err != nil {
			fatal(fmt.Errorf("open badger %s: %w", path, err))
		}
		kv = s
		lookup = server.EnvLookup(kv)
	}

	cfg, err := config.Load(*configPath, lookup)
	if err != nil {
		fatal(err)
	}
	if *listenAddr != "" {
		cfg.Listen = *listenAddr
	}
	if *metricsListen != "" {
		cfg.MetricsListen = *metricsListen
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *workRoot != "" {
		cfg.Worker.WorkRoot = *workRoot
	}
	if *embeddedMode != "" {
		cfg.Worker.EmbeddedMode = *embeddedMode
	}
	if *restart {
		cfg.Quota.RestartPremiumOnBoot = true
	}
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
		JSON:       cfg.Log.JSON,
	}); err != nil {
		fatal(err)
	}
	log := logger.WithField("component", "main")

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.WithError(err).Fatal("open store failed")
	}

	key, err := vault.LoadKey(cfg.MasterKey, cfg.Passphrase)
	if err != nil {
		log.WithError(err).Fatal("load master key failed")
	}
	cipher, err := vault.New(key)
	if err != nil {
		log.WithError(err).Fatal("init cipher failed")
	}

	var secrets resolver.SecretStore = db
	if cfg.SecretBackend == config.SecretBackendBadger {
		if kv == nil {
			kv, err = openBadger(cfg.BadgerPath, cfg.BadgerKey)
			if err != nil {
				log.WithError(err).Fatal("open badger secret backend failed")
			}
		}
		secrets = store.NewBadgerSecrets(kv)
	}

	res := resolver.New(db, secrets, cipher, resolver.Options{
		FetchTimeout: cfg.FetchTimeout,
		DenyPrefixes: cfg.Worker.EnvDenyPrefixes,
	})

	sub := worker.NewSubprocess(worker.SubprocessOptions{
		WorkRoot:  cfg.Worker.WorkRoot,
		Command:   []string{cfg.Worker.Python, "-u"},
		KillGrace: cfg.Worker.KillGrace,
	})
	embOpts := worker.EmbeddedOptions{
		GatewayURL:       cfg.Platform.GatewayURL,
		APIURL:           cfg.Platform.APIURL,
		HandshakeTimeout: cfg.Worker.HandshakeTimeout,
		EvalTimeout:      cfg.Worker.EvalTimeout,
	}
	launchers := worker.Strategies{Subprocess: sub}
	if cfg.Worker.EmbeddedMode == config.EmbeddedModeProcess {
		launchers.Embedded = worker.NewEmbeddedProcess(sub, cfg.Worker.BotRunnerBin, embOpts)
	} else {
		launchers.Embedded = worker.NewEmbedded(embOpts)
	}

	logs := logstore.New(logstore.Options{MaxLines: cfg.LogMaxLines, Buffer: cfg.SubscriberBuffer})
	sup := supervisor.New(db, db, res, launchers, logs, supervisor.Options{
		FreeQuota:           cfg.Quota.FreeDuration,
		FreeMaxInstances:    cfg.Quota.FreeMaxInstances,
		PremiumMaxInstances: cfg.Quota.PremiumMaxInstances,
		StartsPerMinute:     cfg.Quota.StartsPerMinute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MetricsListen != "" {
		if _, err := metrics.StartAsync(ctx, cfg.MetricsListen); err != nil {
			log.WithError(err).Warn("debug server not started")
		}
	}

	if cfg.Quota.RestartPremiumOnBoot {
		n, err := sup.RestartPremium(ctx)
		if err != nil {
			log.WithError(err).Warn("restart premium bots failed")
		} else {
			log.Infof("restarted %d premium bots", n)
		}
	}

	srv, err := server.New(sup, server.Config{})
	if err != nil {
		log.WithError(err).Fatal("init http server failed")
	}
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Infof("bothost listening on %s", cfg.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server error")
			cancel()
		}
	}()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	select {
	case sig := <-stopCh:
		log.Infof("received %s, shutting down", sig)
	case <-ctx.Done():
	}

	mgr := shutdown.NewManager()
	mgr.OnShutdown("http", httpSrv.Shutdown)
	mgr.OnShutdown("supervisor", sup.Shutdown)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if !mgr.Shutdown(shutdownCtx) {
		log.Warn("shutdown did not finish in time")
	}

	// 实例都退出后再关闭存储
	cancel()
	_ = db.Close()
	if kv != nil {
		_ = kv.Close()
	}
	fmt.Println("server stopped")
}

func openBadger(path, rawKey string) (*secretstore.Store, error) {
	key, err := secretstore.ParseKey(rawKey)
	if err != nil {
		return nil, err
	}
	return secretstore.Open(secretstore.OpenOptions{Path: path, EncryptionKey: key})
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
