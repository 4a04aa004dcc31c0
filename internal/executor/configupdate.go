package executor

import (
	"context"
	"time"

	"github.com/shafraz007/endpoint-agent/internal/config"
	"github.com/shafraz007/endpoint-agent/internal/instruction"
)

// ConfigExecutor merges ConfigUpdate patches into the stored configuration.
type ConfigExecutor struct {
	store config.Store
}

func NewConfigExecutor(store config.Store) *ConfigExecutor {
	return &ConfigExecutor{store: store}
}

func (c *ConfigExecutor) CanExecute(t instruction.Type) bool {
	return t == instruction.ConfigUpdate
}

func (c *ConfigExecutor) Execute(ctx context.Context, instr instruction.Instruction, _ time.Duration) instruction.Result {
	p, failed := checkPayload[instruction.ConfigUpdatePayload](instr, "ConfigUpdatePayload")
	if failed != nil {
		return *failed
	}
	if _, err := config.Apply(ctx, c.store, *p.Config); err != nil {
		return instruction.Failed(instr.ID, "", "Failed to update configuration: "+err.Error())
	}
	return instruction.Succeeded(instr.ID, "Configuration updated successfully")
}
