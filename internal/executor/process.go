package executor

import (
	"context"
	"errors"
	"os/exec"
	"time"
)

// processResult is what a child process left behind.
type processResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	TimedOut  bool
	Cancelled bool
	// Truncated is set when either stream exceeded MaxOutput.
	Truncated bool
	// StartErr is set when the process could not be started.
	StartErr error
}

// Runner starts child processes in their own process group and kills the
// whole group when the timeout or the caller's context expires.
type Runner struct {
	// MaxOutput bounds each of stdout and stderr; older bytes are dropped.
	MaxOutput int
	// WaitDelay bounds how long Wait blocks on inherited pipes after the
	// process has been killed.
	WaitDelay time.Duration
}

func (r Runner) run(ctx context.Context, timeout time.Duration, name string, args ...string) processResult {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	stdout := newLimitedBuffer(r.MaxOutput)
	stderr := newLimitedBuffer(r.MaxOutput)

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 2 * time.Second
	}
	killProcessTree(cmd)

	err := cmd.Run()
	res := processResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}

	switch {
	case ctx.Err() != nil:
		res.Cancelled = true
		res.ExitCode = -1
	case runCtx.Err() != nil:
		res.TimedOut = true
		res.ExitCode = -1
	case err == nil:
		res.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else if cmd.Process == nil {
			res.StartErr = err
			res.ExitCode = -1
		} else {
			res.ExitCode = -1
		}
	}
	return res
}
