//go:build !unix

package executor

import (
	"os"
	"os/exec"

	"github.com/teranos/metronome/errors"
)

func startOwnGroup(cmd *exec.Cmd) {}

// killGroup kills only the direct child where process groups are unavailable
func killGroup(cmd *exec.Cmd) error {
	err := cmd.Process.Kill()
	if err == nil || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
