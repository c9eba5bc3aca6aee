//go:build !unix

package worker

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

func signalGroup(p *os.Process, sig os.Signal) error {
	return p.Signal(sig)
}

func exitCode(ps *os.ProcessState, waitErr error) int {
	if ps == nil {
		return 1
	}
	return ps.ExitCode()
}
