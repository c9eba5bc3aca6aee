// botrunner hosts one JavaScript bot outside the supervisor process. It is
// spawned by the supervisor with the program path as its only argument, the
// bot token in TOKEN and a side channel on BOT_IPC_FD.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/betbot/bothost/internal/logstore"
	"github.com/betbot/bothost/internal/worker"
)

func main() {
	var (
		gatewayURL       = flag.String("gateway", "", "platform gateway websocket URL")
		apiURL           = flag.String("api", "", "platform REST base URL")
		handshakeTimeout = flag.Duration("handshake-timeout", 30*time.Second, "platform login timeout")
		evalTimeout      = flag.Duration("eval-timeout", 10*time.Second, "budget for the synchronous part of the program")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: botrunner [flags] <program.js>")
		os.Exit(2)
	}
	path := flag.Arg(0)
	program, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read program:", err)
		os.Exit(1)
	}

	token := strings.TrimSpace(os.Getenv("TOKEN"))
	if token == "" {
		fmt.Fprintln(os.Stderr, "TOKEN is not set")
		os.Exit(1)
	}

	// 没有 side channel 时退化为 stderr（手动调试）
	emitter, err := worker.EmitterFromEnv()
	if err != nil {
		emitter = worker.NewEmitter(os.Stderr)
	}

	out := func(ch logstore.Channel, text string) {
		switch ch {
		case logstore.Stdout:
			fmt.Fprintln(os.Stdout, text)
		case logstore.Stderr:
			_ = emitter.Error(text)
		default:
			_ = emitter.Log(text)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	code := worker.RunSession(ctx, worker.Session{
		Token:    token,
		Env:      worker.ScriptEnvFromEnviron(os.LookupEnv),
		FileName: filepath.Base(path),
		Program:  string(program),
		EmbeddedOptions: worker.EmbeddedOptions{
			GatewayURL:       *gatewayURL,
			APIURL:           *apiURL,
			HandshakeTimeout: *handshakeTimeout,
			EvalTimeout:      *evalTimeout,
		},
	}, out)

	// 被 SIGTERM 结束时按信号退出码上报
	if ctx.Err() != nil && code == 0 {
		code = worker.SignalCode(syscall.SIGTERM)
	}
	os.Exit(code)
}
