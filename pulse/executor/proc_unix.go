//go:build unix

package executor

import (
	"os/exec"
	"syscall"

	"github.com/teranos/metronome/errors"
)

// startOwnGroup makes the task the leader of a new process group, so a kill
// reaches everything the shell forks
func startOwnGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killGroup sends SIGKILL to the process group led by cmd
func killGroup(cmd *exec.Cmd) error {
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
