//go:build unix

package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/shafraz007/endpoint-agent/internal/instruction"
)

func shellInstruction(id int64, command string, timeoutMillis int) instruction.Instruction {
	return instruction.Instruction{
		ID:      id,
		Type:    instruction.ShellCommand,
		Payload: instruction.ShellCommandPayload{Command: command, Timeout: timeoutMillis},
	}
}

func TestShellExecutorSuccess(t *testing.T) {
	exec := NewShellExecutor(Runner{}, nil)

	res := exec.Execute(context.Background(), shellInstruction(1, "echo hello", 5000), 0)

	assert.True(t, res.Success)
	assert.Equal(t, "hello\n", res.Output)
	assert.Empty(t, res.Error)
}

func TestShellExecutorFailureUsesStderr(t *testing.T) {
	exec := NewShellExecutor(Runner{}, nil)

	res := exec.Execute(context.Background(), shellInstruction(2, "echo out; echo bad >&2; exit 3", 5000), 0)

	assert.False(t, res.Success)
	assert.Equal(t, "out\n", res.Output)
	assert.Equal(t, "bad", res.Error)
}

func TestShellExecutorFailureWithoutStderr(t *testing.T) {
	exec := NewShellExecutor(Runner{}, nil)

	res := exec.Execute(context.Background(), shellInstruction(3, "exit 4", 5000), 0)

	assert.False(t, res.Success)
	assert.Equal(t, "Process exited with code 4", res.Error)
}

func TestShellExecutorEngineDeadlineWins(t *testing.T) {
	exec := NewShellExecutor(Runner{WaitDelay: 500 * time.Millisecond}, nil)

	start := time.Now()
	res := exec.Execute(context.Background(), shellInstruction(4, "sleep 30", 60000), time.Second)

	assert.False(t, res.Success)
	assert.Equal(t, "Process timed out", res.Error)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestShellExecutorKillsChildren(t *testing.T) {
	exec := NewShellExecutor(Runner{WaitDelay: 500 * time.Millisecond}, nil)

	start := time.Now()
	res := exec.Execute(context.Background(), shellInstruction(5, "sleep 30 & echo $!; wait", 300), 0)

	assert.Equal(t, "Process timed out", res.Error)
	assert.Less(t, time.Since(start), 10*time.Second)

	pid, err := strconv.Atoi(strings.TrimSpace(res.Output))
	require.NoError(t, err, "background pid in %q", res.Output)
	assert.Eventually(t, func() bool { return !processAlive(pid) }, 5*time.Second, 20*time.Millisecond,
		"background child %d outlived the timeout", pid)
}

// processAlive treats a zombie waiting to be reaped by init as dead.
func processAlive(pid int) bool {
	if errors.Is(unix.Kill(pid, 0), unix.ESRCH) {
		return false
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		// Without procfs only kill(2) can tell; with it a missing entry means reaped.
		_, procErr := os.Stat("/proc/self/stat")
		return procErr != nil
	}
	if i := strings.LastIndexByte(string(stat), ')'); i >= 0 && i+2 < len(stat) {
		return stat[i+2] != 'Z'
	}
	return true
}

func TestRunnerFlagsTruncatedOutput(t *testing.T) {
	res := Runner{MaxOutput: 8}.run(context.Background(), 5*time.Second, "sh", "-c", "printf 0123456789abcdef")

	assert.True(t, res.Truncated)
	assert.Equal(t, "... output truncated ...\n89abcdef", res.Stdout)

	res = Runner{MaxOutput: 8}.run(context.Background(), 5*time.Second, "sh", "-c", "printf short")
	assert.False(t, res.Truncated)
	assert.Equal(t, "short", res.Stdout)
}

func TestShellExecutorCancelled(t *testing.T) {
	exec := NewShellExecutor(Runner{WaitDelay: 500 * time.Millisecond}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	res := exec.Execute(ctx, shellInstruction(6, "sleep 30", 60000), 0)

	assert.False(t, res.Success)
	assert.Equal(t, "Execution cancelled", res.Error)
}

func TestEngineRunsShellThroughRegistry(t *testing.T) {
	engine := newTestEngine([]string{"ShellCommand"}, NewShellExecutor(Runner{}, nil))

	res, err := engine.Dispatch(context.Background(), shellInstruction(8, "printf ok", 0))

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "ok", res.Output)
}

func TestPolicyExecutorWritesAndRefreshes(t *testing.T) {
	dir := t.TempDir()
	writer := NewFilePolicyWriter(dir)
	exec := NewPolicyExecutor(writer, "true", Runner{}, nil)

	res := exec.Execute(context.Background(), instruction.Instruction{
		ID:      9,
		Type:    instruction.PolicySet,
		Payload: instruction.PolicySetPayload{Name: "ScreenSaveTimeOut", Value: "600", ValueType: "dword"},
	}, 0)
	require.True(t, res.Success, res.Error)

	doc, err := writer.Load(instruction.ScopeMachine)
	require.NoError(t, err)
	assert.Equal(t, PolicyValue{Type: "dword", Value: "600"}, doc[instruction.DefaultPolicyPath]["ScreenSaveTimeOut"])
	assert.FileExists(t, filepath.Join(dir, "machine.yaml"))
}

func TestPolicyExecutorRefreshTimeout(t *testing.T) {
	exec := NewPolicyExecutor(NewFilePolicyWriter(t.TempDir()), "sleep 30", Runner{WaitDelay: 500 * time.Millisecond}, nil)
	exec.refreshTimeout = 200 * time.Millisecond

	res := exec.Execute(context.Background(), instruction.Instruction{
		ID:      10,
		Type:    instruction.PolicySet,
		Payload: instruction.PolicySetPayload{Name: "Wallpaper", Value: "corp.png"},
	}, 0)

	assert.False(t, res.Success)
	assert.Equal(t, "policy refresh process timed out", res.Error)
}

func TestPolicyExecutorRefreshFailure(t *testing.T) {
	exec := NewPolicyExecutor(NewFilePolicyWriter(t.TempDir()), "false", Runner{}, nil)

	res := exec.Execute(context.Background(), instruction.Instruction{
		ID:      11,
		Type:    instruction.PolicySet,
		Payload: instruction.PolicySetPayload{Name: "Wallpaper", Value: "corp.png"},
	}, 0)

	assert.False(t, res.Success)
	assert.Equal(t, "Process exited with code 1", res.Error)
}

func TestPolicyExecutorValidation(t *testing.T) {
	exec := NewPolicyExecutor(NewFilePolicyWriter(t.TempDir()), "", Runner{}, nil)

	res := exec.Execute(context.Background(), instruction.Instruction{
		ID:      12,
		Type:    instruction.PolicySet,
		Payload: instruction.PolicySetPayload{Name: "Wallpaper"},
	}, 0)

	assert.False(t, res.Success)
	assert.Equal(t, "Validation failed", res.Error)
	assert.Equal(t, "The 'Name' and 'Value' fields must be non-empty strings.", res.Output)
}
