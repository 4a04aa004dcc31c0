//go:build !unix && !windows

package executor

import "os/exec"

func killProcessTree(cmd *exec.Cmd) {}

func shellCommand(command string) (string, []string) {
	return "sh", []string{"-c", command}
}
