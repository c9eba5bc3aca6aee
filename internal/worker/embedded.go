package worker

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/betbot/bothost/internal/jsruntime"
	"github.com/betbot/bothost/internal/logstore"
	"github.com/betbot/bothost/internal/platform"
)

type EmbeddedOptions struct {
	GatewayURL       string
	APIURL           string
	HandshakeTimeout time.Duration
	EvalTimeout      time.Duration
	// HTTP backs the fetch capability; nil means a fresh resty client.
	HTTP *resty.Client
}

func (o *EmbeddedOptions) defaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 30 * time.Second
	}
	if o.EvalTimeout <= 0 {
		o.EvalTimeout = 10 * time.Second
	}
}

// Session is one embedded bot run: handshake, evaluate, then serve events.
type Session struct {
	Token    string
	Env      map[string]string
	FileName string
	Program  string
	EmbeddedOptions
}

// RunSession blocks until ctx is cancelled or the platform connection ends,
// and returns the exit code. Program faults never end the session.
func RunSession(ctx context.Context, s Session, out jsruntime.OutputFunc) int {
	s.defaults()
	client := platform.New(platform.Options{
		Token:      s.Token,
		GatewayURL: s.GatewayURL,
		APIURL:     s.APIURL,
	})

	hctx, cancel := context.WithTimeout(ctx, s.HandshakeTimeout)
	err := client.Connect(hctx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		out(logstore.Stderr, "Login failed: "+err.Error())
		return 1
	}
	defer client.Close()

	out(logstore.System, fmt.Sprintf("Bot %s is online!", client.User().Tag()))

	rt := jsruntime.New(jsruntime.Options{
		Token:       s.Token,
		Env:         s.Env,
		Client:      client,
		HTTP:        s.HTTP,
		EvalTimeout: s.EvalTimeout,
		Output:      out,
	})
	defer rt.Close()
	client.OnDispatch(rt.Dispatch)

	// faults are already reported as log lines by the runtime
	_ = rt.Eval(s.FileName, s.Program)

	select {
	case <-ctx.Done():
		return 0
	case <-client.Done():
		reason := "connection closed"
		if err := client.Err(); err != nil {
			reason = err.Error()
		}
		out(logstore.Stderr, "Connection lost: "+reason)
		return 1
	}
}

// Embedded runs JavaScript bots inside the supervisor process.
type Embedded struct {
	opts EmbeddedOptions
	log  *logrus.Entry
}

func NewEmbedded(opts EmbeddedOptions) *Embedded {
	opts.defaults()
	return &Embedded{opts: opts, log: logrus.WithField("component", "worker.embedded")}
}

func (e *Embedded) Launch(ctx context.Context, spec Spec, sink Sink) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(spec.Token) == "" {
		return nil, fmt.Errorf("no bot token")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	h := &embeddedHandle{cancel: cancel, done: make(chan struct{})}
	sess := Session{
		Token:           spec.Token,
		Env:             spec.ScriptEnv,
		FileName:        spec.FileName,
		Program:         string(spec.Program),
		EmbeddedOptions: e.opts,
	}
	log := e.log.WithFields(logrus.Fields{"bot_id": spec.BotID, "instance_id": spec.InstanceID})

	go func() {
		code := 1
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("embedded worker panic: %v", r)
				sink.OnOutput(logstore.Stderr, fmt.Sprintf("worker crashed: %v", r))
				code = 1
			}
			if sig := h.signal(); sig != nil {
				code = SignalCode(sig)
			}
			log.WithField("code", code).Info("embedded worker exited")
			sink.OnExit(code)
			close(h.done)
		}()
		code = RunSession(runCtx, sess, sink.OnOutput)
	}()
	log.Info("embedded worker started")
	return h, nil
}

type embeddedHandle struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	sig os.Signal
}

func (h *embeddedHandle) Kill(sig os.Signal) error {
	h.mu.Lock()
	if h.sig == nil {
		h.sig = sig
	}
	h.mu.Unlock()
	h.cancel()
	return nil
}

func (h *embeddedHandle) signal() os.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sig
}

func (h *embeddedHandle) Done() <-chan struct{} { return h.done }

// EmbeddedProcess runs JavaScript bots out of process under cmd/botrunner,
// reusing the subprocess machinery and its side channel.
type EmbeddedProcess struct {
	sub  *Subprocess
	bin  string
	opts EmbeddedOptions
}

func NewEmbeddedProcess(sub *Subprocess, botrunnerBin string, opts EmbeddedOptions) *EmbeddedProcess {
	opts.defaults()
	return &EmbeddedProcess{sub: sub, bin: botrunnerBin, opts: opts}
}

func (e *EmbeddedProcess) Launch(ctx context.Context, spec Spec, sink Sink) (Handle, error) {
	command := []string{
		e.bin,
		"-gateway", e.opts.GatewayURL,
		"-api", e.opts.APIURL,
		"-handshake-timeout", e.opts.HandshakeTimeout.String(),
		"-eval-timeout", e.opts.EvalTimeout.String(),
	}
	extra := []string{ScriptEnvKeysEnv + "=" + scriptEnvKeys(spec.ScriptEnv)}
	return e.sub.spawn(ctx, spec, command, extra, sink)
}
