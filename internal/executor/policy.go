package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shafraz007/endpoint-agent/internal/instruction"
	"github.com/shafraz007/endpoint-agent/internal/logging"
)

const defaultPolicyRefreshTimeout = 10 * time.Second

// PolicyWriter persists one policy value. Payloads arrive normalized.
type PolicyWriter interface {
	SetPolicy(ctx context.Context, p instruction.PolicySetPayload) error
}

// PolicyExecutor applies PolicySet instructions and then runs the
// platform's policy refresh command, if one is configured.
type PolicyExecutor struct {
	writer         PolicyWriter
	refresh        []string
	refreshTimeout time.Duration
	runner         Runner
	logger         logging.Logger
}

// NewPolicyExecutor builds a policy executor. refreshCommand is split on
// whitespace; an empty command skips the refresh step.
func NewPolicyExecutor(writer PolicyWriter, refreshCommand string, runner Runner, logger logging.Logger) *PolicyExecutor {
	if logger == nil {
		logger = logging.Discard()
	}
	return &PolicyExecutor{
		writer:         writer,
		refresh:        strings.Fields(refreshCommand),
		refreshTimeout: defaultPolicyRefreshTimeout,
		runner:         runner,
		logger:         logger,
	}
}

func (p *PolicyExecutor) CanExecute(t instruction.Type) bool {
	return t == instruction.PolicySet
}

func (p *PolicyExecutor) Execute(ctx context.Context, instr instruction.Instruction, timeout time.Duration) instruction.Result {
	payload, failed := checkPayload[instruction.PolicySetPayload](instr, "PolicySetPayload")
	if failed != nil {
		return *failed
	}
	n := payload.Normalized()

	if err := p.writer.SetPolicy(ctx, n); err != nil {
		return instruction.Failed(instr.ID, "", "Failed to set policy: "+err.Error())
	}
	applied := fmt.Sprintf("Policy %s\\%s set to '%s' (%s scope)", n.Path, n.Name, n.Value, n.Scope)
	if len(p.refresh) == 0 {
		return instruction.Succeeded(instr.ID, applied)
	}

	p.logger.WithField("command", strings.Join(p.refresh, " ")).Debug("refreshing policy")
	res := p.runner.run(ctx, effectiveTimeout(p.refreshTimeout, timeout), p.refresh[0], p.refresh[1:]...)
	switch {
	case res.StartErr != nil:
		return instruction.Failed(instr.ID, applied, "Failed to start policy refresh: "+res.StartErr.Error())
	case res.TimedOut:
		return instruction.Failed(instr.ID, res.Stdout, "policy refresh process timed out")
	case res.Cancelled:
		return instruction.Failed(instr.ID, res.Stdout, "Execution cancelled")
	case res.ExitCode == 0:
		return instruction.Succeeded(instr.ID, joinOutput(applied+"\n"+res.Stdout, res.Stderr))
	default:
		return instruction.Failed(instr.ID, res.Stdout, failureMessage(res))
	}
}
