package executor

import (
	"context"
	"strings"
	"time"

	"github.com/shafraz007/endpoint-agent/internal/instruction"
	"github.com/shafraz007/endpoint-agent/internal/logging"
)

// ShellExecutor runs ShellCommand instructions through the platform shell.
type ShellExecutor struct {
	runner Runner
	logger logging.Logger
}

func NewShellExecutor(runner Runner, logger logging.Logger) *ShellExecutor {
	if logger == nil {
		logger = logging.Discard()
	}
	return &ShellExecutor{runner: runner, logger: logger}
}

func (s *ShellExecutor) CanExecute(t instruction.Type) bool {
	return t == instruction.ShellCommand
}

func (s *ShellExecutor) Execute(ctx context.Context, instr instruction.Instruction, timeout time.Duration) instruction.Result {
	p, failed := checkPayload[instruction.ShellCommandPayload](instr, "ShellCommandPayload")
	if failed != nil {
		return *failed
	}

	limit := effectiveTimeout(time.Duration(p.Timeout)*time.Millisecond, timeout)
	name, args := shellCommand(p.Command)

	log := s.logger.WithField("instruction_id", instr.ID)
	log.WithField("timeout", limit).Debug("running shell command")
	res := s.runner.run(ctx, limit, name, args...)
	if res.Truncated {
		log.Warn("command output exceeded the limit; keeping the tail")
	}

	switch {
	case res.StartErr != nil:
		return instruction.Failed(instr.ID, "", "Failed to start process: "+res.StartErr.Error())
	case res.TimedOut:
		return instruction.Failed(instr.ID, res.Stdout, "Process timed out")
	case res.Cancelled:
		return instruction.Failed(instr.ID, res.Stdout, "Execution cancelled")
	case res.ExitCode == 0:
		return instruction.Succeeded(instr.ID, joinOutput(res.Stdout, res.Stderr))
	default:
		return instruction.Failed(instr.ID, res.Stdout, failureMessage(res))
	}
}

func joinOutput(stdout, stderr string) string {
	if strings.TrimSpace(stderr) == "" {
		return stdout
	}
	if stdout != "" && !strings.HasSuffix(stdout, "\n") {
		stdout += "\n"
	}
	return stdout + stderr
}
