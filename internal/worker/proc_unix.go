//go:build unix

package worker

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(p *os.Process, sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return p.Signal(sig)
	}
	err := unix.Kill(-p.Pid, s)
	if errors.Is(err, unix.ESRCH) {
		// 进程组可能不存在，回退尝试单进程
		err = unix.Kill(p.Pid, s)
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
	}
	return err
}

func exitCode(ps *os.ProcessState, waitErr error) int {
	if ps == nil {
		return 1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return SignalCode(ws.Signal())
	}
	return ps.ExitCode()
}
