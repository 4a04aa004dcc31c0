// Package executor runs instructions received from the server. Every
// dispatched instruction produces exactly one result.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shafraz007/endpoint-agent/internal/config"
	"github.com/shafraz007/endpoint-agent/internal/instruction"
	"github.com/shafraz007/endpoint-agent/internal/logging"
	"github.com/shafraz007/endpoint-agent/internal/observability"
)

// Executor runs one kind of instruction. Execute reports failures in the
// returned result; it never returns without one.
type Executor interface {
	CanExecute(t instruction.Type) bool
	Execute(ctx context.Context, instr instruction.Instruction, timeout time.Duration) instruction.Result
}

// Registry is an ordered list of executors; the first that accepts a
// type handles it.
type Registry struct {
	executors []Executor
}

func NewRegistry(executors ...Executor) *Registry {
	return &Registry{executors: executors}
}

// Find returns the executor for t, or nil.
func (r *Registry) Find(t instruction.Type) Executor {
	for _, ex := range r.executors {
		if ex.CanExecute(t) {
			return ex
		}
	}
	return nil
}

// Engine applies the configured allow-list and routes instructions
// through a registry.
type Engine struct {
	registry *Registry
	config   config.Store
	timeout  time.Duration
	logger   logging.Logger
	now      func() time.Time
}

// NewEngine builds an engine. timeout bounds each execution; zero means
// executors apply only their own limits.
func NewEngine(registry *Registry, cfg config.Store, timeout time.Duration, logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Engine{
		registry: registry,
		config:   cfg,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
}

// Allowed reports whether t may run under the configured allow-list.
// Configuration updates are always allowed and an empty list allows all.
func Allowed(t instruction.Type, allowed []string) bool {
	if t == instruction.ConfigUpdate || len(allowed) == 0 {
		return true
	}
	for _, name := range allowed {
		if t.Matches(name) {
			return true
		}
	}
	return false
}

// Dispatch executes instr and returns its result. The only error returned
// is the context's, when the caller cancelled during execution.
func (e *Engine) Dispatch(ctx context.Context, instr instruction.Instruction) (result instruction.Result, err error) {
	if err := ctx.Err(); err != nil {
		return instruction.Result{}, err
	}

	log := e.logger.WithField("instruction_id", instr.ID).WithField("type", instr.Type.String())

	if invalid, ok := instr.Payload.(instruction.InvalidPayload); ok {
		log.WithField("reason", invalid.Reason).Warn("instruction payload could not be decoded")
		return e.record(instr, instruction.Failed(instr.ID, invalid.Reason, "Validation failed"), 0), nil
	}

	cfg, err := e.config.Get(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return instruction.Result{}, ctxErr
		}
		log.WithError(err).Error("reading configuration")
		return e.record(instr, instruction.Failed(instr.ID, "", "Failed to read configuration: "+err.Error()), 0), nil
	}
	allowed := cfg.AllowedInstructions

	if !Allowed(instr.Type, allowed) {
		log.Warn("instruction type not allowed")
		return e.record(instr, instruction.Failed(instr.ID, "",
			fmt.Sprintf("Instruction type '%s' is not allowed by configuration", instr.Type)), 0), nil
	}

	ex := e.registry.Find(instr.Type)
	if ex == nil {
		log.Warn("no executor for instruction type")
		return e.record(instr, instruction.Failed(instr.ID, "",
			fmt.Sprintf("No executor found for instruction type: %s", instr.Type)), 0), nil
	}

	start := e.now()
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("executor panicked")
			result = e.record(instr, instruction.Failed(instr.ID, "", fmt.Sprintf("Execution failed: %v", r)), e.now().Sub(start))
			err = nil
		}
	}()

	result = ex.Execute(ctx, instr, e.timeout)
	if err := ctx.Err(); err != nil {
		log.Info("execution cancelled")
		return instruction.Result{}, err
	}

	result = normalize(instr.ID, result)
	if result.Success {
		log.Info("instruction succeeded")
	} else {
		log.WithField("error", result.Error).Warn("instruction failed")
	}
	return e.record(instr, result, e.now().Sub(start)), nil
}

// RunBatch dispatches instrs in order. On cancellation it returns the
// results gathered so far together with the context error.
func (e *Engine) RunBatch(ctx context.Context, instrs []instruction.Instruction) ([]instruction.Result, error) {
	results := make([]instruction.Result, 0, len(instrs))
	for _, instr := range instrs {
		res, err := e.Dispatch(ctx, instr)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (e *Engine) record(instr instruction.Instruction, res instruction.Result, elapsed time.Duration) instruction.Result {
	outcome := "success"
	if !res.Success {
		outcome = "failure"
	}
	observability.InstructionsExecuted.WithLabelValues(instr.Type.String(), outcome).Inc()
	if elapsed > 0 {
		observability.InstructionDuration.WithLabelValues(instr.Type.String()).Observe(elapsed.Seconds())
	}
	return res
}

// normalize pins the correlation id and keeps Error set iff Success is false.
func normalize(id int64, res instruction.Result) instruction.Result {
	if res.Success {
		return instruction.Succeeded(id, res.Output)
	}
	return instruction.Failed(id, res.Output, res.Error)
}

// checkPayload asserts the payload variant and runs its validation.
func checkPayload[T instruction.Payload](instr instruction.Instruction, name string) (T, *instruction.Result) {
	var zero T
	if instr.Payload == nil {
		res := instruction.Failed(instr.ID, "Payload cannot be null.", "Validation failed")
		return zero, &res
	}
	p, ok := instr.Payload.(T)
	if !ok {
		res := instruction.Failed(instr.ID, "", "Invalid payload type: expected "+name)
		return zero, &res
	}
	if v, ok := any(p).(instruction.Validator); ok {
		if problems := v.Validate(); len(problems) > 0 {
			res := instruction.Failed(instr.ID, strings.Join(problems, "; "), "Validation failed")
			return zero, &res
		}
	}
	return p, nil
}

// effectiveTimeout is the smaller of two positive limits.
func effectiveTimeout(own, engine time.Duration) time.Duration {
	switch {
	case own <= 0:
		return engine
	case engine <= 0:
		return own
	default:
		return min(own, engine)
	}
}

// failureMessage prefers stderr and falls back to the exit code.
func failureMessage(res processResult) string {
	if msg := strings.TrimSpace(res.Stderr); msg != "" {
		return msg
	}
	return fmt.Sprintf("Process exited with code %d", res.ExitCode)
}
