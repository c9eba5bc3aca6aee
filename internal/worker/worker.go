// Package worker runs bot programs. Two strategies share one contract:
// Subprocess spawns an interpreter over a materialised file, Embedded runs
// the program inside jsruntime with a platform session owned by the worker.
package worker

import (
	"context"
	"os"
	"sort"
	"strings"
	"syscall"

	"github.com/betbot/bothost/internal/logstore"
	"github.com/betbot/bothost/internal/registry"
	"github.com/betbot/bothost/internal/resolver"
	"github.com/betbot/bothost/internal/store"
)

// ScriptEnvKeysEnv lists (comma separated) which variables of a botrunner's
// environment belong to the script-visible env object.
const ScriptEnvKeysEnv = "BOT_SCRIPT_ENV_KEYS"

// Sink receives everything a worker produces. OnExit is called exactly once.
type Sink interface {
	OnOutput(ch logstore.Channel, text string)
	OnExit(code int)
}

// Handle controls a running worker.
type Handle interface {
	// Kill asks the worker to terminate; it does not wait.
	Kill(sig os.Signal) error
	// Done is closed after OnExit has been delivered.
	Done() <-chan struct{}
}

type Launcher interface {
	Launch(ctx context.Context, spec Spec, sink Sink) (Handle, error)
}

type Spec struct {
	InstanceID string
	BotID      string
	Language   string
	FileName   string
	Program    []byte
	// Env is the full environment for out-of-process workers.
	Env []string
	// ScriptEnv is what the embedded runtime exposes as `env`.
	ScriptEnv map[string]string
	Token     string
}

func SpecFromBundle(instanceID string, b *resolver.Bundle) Spec {
	return Spec{
		InstanceID: instanceID,
		BotID:      b.BotID,
		Language:   b.Language,
		FileName:   b.FileName,
		Program:    b.Program,
		Env:        b.Environ(),
		ScriptEnv:  b.ScriptEnv(),
		Token:      b.Token,
	}
}

// StrategyFor maps a bot language to its worker strategy.
func StrategyFor(language string) registry.Strategy {
	if language == store.LanguageJavaScript {
		return registry.StrategyEmbedded
	}
	return registry.StrategySubprocess
}

// Strategies picks the launcher for a language.
type Strategies struct {
	Subprocess Launcher
	Embedded   Launcher
}

func (s Strategies) For(language string) (Launcher, registry.Strategy) {
	st := StrategyFor(language)
	if st == registry.StrategyEmbedded {
		return s.Embedded, st
	}
	return s.Subprocess, st
}

// SignalCode is the conventional shell exit status for a signal death.
func SignalCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return 1
}

func scriptEnvKeys(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

// ScriptEnvFromEnviron rebuilds the script env inside a botrunner process.
func ScriptEnvFromEnviron(lookup func(string) (string, bool)) map[string]string {
	out := map[string]string{}
	keys, _ := lookup(ScriptEnvKeysEnv)
	for _, k := range strings.Split(keys, ",") {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if v, ok := lookup(k); ok {
			out[k] = v
		}
	}
	return out
}
