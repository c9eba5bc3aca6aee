package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/bothost/internal/logstore"
)

type SubprocessOptions struct {
	// WorkRoot holds one directory per bot/instance.
	WorkRoot string
	// Command is the interpreter argv; the program path is appended.
	Command []string
	// KillGrace is how long a signalled process group gets before SIGKILL.
	KillGrace time.Duration
	// DrainTimeout bounds reading leftover output after the process exited.
	DrainTimeout time.Duration
}

type Subprocess struct {
	opts SubprocessOptions
	log  *logrus.Entry
}

func NewSubprocess(opts SubprocessOptions) *Subprocess {
	if opts.KillGrace <= 0 {
		opts.KillGrace = 5 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 2 * time.Second
	}
	return &Subprocess{opts: opts, log: logrus.WithField("component", "worker.subprocess")}
}

func (s *Subprocess) Launch(ctx context.Context, spec Spec, sink Sink) (Handle, error) {
	return s.spawn(ctx, spec, s.opts.Command, nil, sink)
}

func (s *Subprocess) spawn(ctx context.Context, spec Spec, command []string, extraEnv []string, sink Sink) (Handle, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, fmt.Errorf("no interpreter configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.opts.WorkRoot, spec.BotID, spec.InstanceID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("workdir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	path := filepath.Join(dir, spec.FileName)
	if err := os.WriteFile(path, spec.Program, 0o600); err != nil {
		cleanup()
		return nil, fmt.Errorf("write program: %w", err)
	}

	var pipes pipeSet
	if err := pipes.open(); err != nil {
		cleanup()
		return nil, err
	}

	argv := append(append([]string(nil), command...), path)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(append(append([]string(nil), spec.Env...), extraEnv...), fmt.Sprintf("%s=%d", IPCEnv, ipcChildFD))
	cmd.Stdout = pipes.outW
	cmd.Stderr = pipes.errW
	cmd.ExtraFiles = []*os.File{pipes.ipcW}
	// 单独进程组，stop 时整组回收
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		pipes.closeAll()
		cleanup()
		return nil, fmt.Errorf("spawn %s: %w", argv[0], err)
	}
	// Parent closes its copies of the write ends; the child keeps its own.
	pipes.closeWriters()

	p := &process{
		cmd:   cmd,
		grace: s.opts.KillGrace,
		done:  make(chan struct{}),
		log: s.log.WithFields(logrus.Fields{
			"bot_id":      spec.BotID,
			"instance_id": spec.InstanceID,
			"pid":         cmd.Process.Pid,
		}),
	}

	var readers sync.WaitGroup
	readers.Add(3)
	go func() {
		defer readers.Done()
		pumpLines(pipes.outR, func(line string) { sink.OnOutput(logstore.Stdout, line) })
	}()
	go func() {
		defer readers.Done()
		pumpLines(pipes.errR, func(line string) { sink.OnOutput(logstore.Stderr, line) })
	}()
	go func() {
		defer readers.Done()
		_ = ReadEvents(pipes.ipcR, func(ev Event) { sink.OnOutput(ev.Channel(), ev.Data) })
	}()

	// 记录退出信息：Wait 只在进程退出时返回
	go func() {
		waitErr := cmd.Wait()
		code := exitCode(cmd.ProcessState, waitErr)

		// Grandchildren may still hold the pipes open; don't wait for them forever.
		drained := make(chan struct{})
		go func() {
			readers.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(s.opts.DrainTimeout):
			p.log.Warn("output not drained before timeout")
		}
		pipes.closeReaders()
		cleanup()

		p.log.WithField("code", code).Info("process exited")
		sink.OnExit(code)
		close(p.done)
	}()

	p.log.Info("process started")
	return p, nil
}

type process struct {
	cmd      *exec.Cmd
	grace    time.Duration
	done     chan struct{}
	killOnce sync.Once
	log      *logrus.Entry
}

func (p *process) Done() <-chan struct{} { return p.done }

// Kill signals the whole process group and escalates to SIGKILL after the grace period.
func (p *process) Kill(sig os.Signal) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := signalGroup(p.cmd.Process, sig); err != nil {
		return err
	}
	p.killOnce.Do(func() {
		go func() {
			t := time.NewTimer(p.grace)
			defer t.Stop()
			select {
			case <-p.done:
			case <-t.C:
				p.log.Warnf("still alive after %s, sending SIGKILL", p.grace)
				_ = signalGroup(p.cmd.Process, os.Kill)
			}
		}()
	})
	return nil
}

type pipeSet struct {
	outR, outW *os.File
	errR, errW *os.File
	ipcR, ipcW *os.File
}

func (ps *pipeSet) open() error {
	var err error
	if ps.outR, ps.outW, err = os.Pipe(); err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if ps.errR, ps.errW, err = os.Pipe(); err != nil {
		ps.closeAll()
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if ps.ipcR, ps.ipcW, err = os.Pipe(); err != nil {
		ps.closeAll()
		return fmt.Errorf("ipc pipe: %w", err)
	}
	return nil
}

func (ps *pipeSet) closeWriters() {
	for _, f := range []*os.File{ps.outW, ps.errW, ps.ipcW} {
		if f != nil {
			_ = f.Close()
		}
	}
}

func (ps *pipeSet) closeReaders() {
	for _, f := range []*os.File{ps.outR, ps.errR, ps.ipcR} {
		if f != nil {
			_ = f.Close()
		}
	}
}

func (ps *pipeSet) closeAll() {
	ps.closeWriters()
	ps.closeReaders()
}

func pumpLines(r io.Reader, emit func(string)) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		// blank lines count; only the empty tail at EOF is skipped
		if err == nil || line != "" {
			emit(strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			return
		}
	}
}
