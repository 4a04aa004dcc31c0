//go:build unix

package executor

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// killProcessTree puts the command in its own process group and makes
// cancellation SIGKILL the group, so children of the shell die too.
func killProcessTree(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
}

func shellCommand(command string) (string, []string) {
	return "sh", []string{"-c", command}
}
