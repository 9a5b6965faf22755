//go:build windows

package process

import (
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

func killProcess(p *os.Process) error {
	return p.Kill()
}

func exitSignal(state *os.ProcessState) *int { return nil }
