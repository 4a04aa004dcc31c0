package executor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shafraz007/endpoint-agent/internal/config"
	"github.com/shafraz007/endpoint-agent/internal/instruction"
)

type stubExecutor struct {
	t     instruction.Type
	calls int
	run   func(ctx context.Context, instr instruction.Instruction) instruction.Result
}

func (s *stubExecutor) CanExecute(t instruction.Type) bool { return t == s.t }

func (s *stubExecutor) Execute(ctx context.Context, instr instruction.Instruction, _ time.Duration) instruction.Result {
	s.calls++
	return s.run(ctx, instr)
}

// staticConfig serves a fixed configuration.
type staticConfig struct {
	cfg config.Configuration
}

func (s *staticConfig) Get(context.Context) (config.Configuration, error) { return s.cfg, nil }

func (s *staticConfig) Save(_ context.Context, cfg config.Configuration) error {
	s.cfg = cfg
	return nil
}

func newTestEngine(allowed []string, executors ...Executor) *Engine {
	cfg := config.Default()
	cfg.AllowedInstructions = allowed
	return NewEngine(NewRegistry(executors...), &staticConfig{cfg: cfg}, time.Second, nil)
}

func ok(_ context.Context, instr instruction.Instruction) instruction.Result {
	return instruction.Succeeded(instr.ID, "done")
}

func TestAllowed(t *testing.T) {
	assert.True(t, Allowed(instruction.ShellCommand, nil))
	assert.True(t, Allowed(instruction.ConfigUpdate, []string{"PolicySet"}))
	assert.True(t, Allowed(instruction.ShellCommand, []string{"shellcommand"}))
	assert.True(t, Allowed(instruction.PolicySet, []string{"gpo"}))
	assert.False(t, Allowed(instruction.ShellCommand, []string{"PolicySet"}))
}

func TestDispatchRejectsDisallowedType(t *testing.T) {
	shell := &stubExecutor{t: instruction.ShellCommand, run: ok}
	engine := newTestEngine([]string{"PolicySet"}, shell)

	res, err := engine.Dispatch(context.Background(), instruction.Instruction{
		ID:      7,
		Type:    instruction.ShellCommand,
		Payload: instruction.ShellCommandPayload{Command: "true"},
	})

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, int64(7), res.InstructionID)
	assert.Equal(t, "Instruction type 'ShellCommand' is not allowed by configuration", res.Error)
	assert.Zero(t, shell.calls)
}

func TestDispatchFailsUndecodablePayload(t *testing.T) {
	shell := &stubExecutor{t: instruction.ShellCommand, run: ok}
	engine := newTestEngine([]string{"PolicySet"}, shell)

	instr := instruction.Instruction{
		ID:   4,
		Type: instruction.ShellCommand,
		Payload: instruction.InvalidPayload{
			Discriminator: "shell",
			Raw:           []byte(`{"command":42}`),
			Reason:        "decoding shell payload: bad command",
		},
	}
	res, err := engine.Dispatch(context.Background(), instr)

	require.NoError(t, err)
	assert.Equal(t, instruction.Failed(4, "decoding shell payload: bad command", "Validation failed"), res)
	assert.Zero(t, shell.calls)
}

func TestDispatchWithoutExecutor(t *testing.T) {
	engine := newTestEngine(nil)

	res, err := engine.Dispatch(context.Background(), instruction.Instruction{ID: 3, Type: instruction.Type(9)})

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "No executor found for instruction type: Type(9)", res.Error)
}

func TestDispatchRecoversPanic(t *testing.T) {
	boom := &stubExecutor{t: instruction.ShellCommand, run: func(context.Context, instruction.Instruction) instruction.Result {
		panic("boom")
	}}
	engine := newTestEngine(nil, boom)

	res, err := engine.Dispatch(context.Background(), instruction.Instruction{ID: 1, Type: instruction.ShellCommand})

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, int64(1), res.InstructionID)
	assert.Equal(t, "Execution failed: boom", res.Error)
}

func TestDispatchPinsResultID(t *testing.T) {
	wrong := &stubExecutor{t: instruction.ShellCommand, run: func(context.Context, instruction.Instruction) instruction.Result {
		return instruction.Result{InstructionID: 99, Success: false}
	}}
	engine := newTestEngine(nil, wrong)

	res, err := engine.Dispatch(context.Background(), instruction.Instruction{ID: 5, Type: instruction.ShellCommand})

	require.NoError(t, err)
	assert.Equal(t, int64(5), res.InstructionID)
	assert.Equal(t, "unknown error", res.Error)
}

func TestRunBatchStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shell := &stubExecutor{t: instruction.ShellCommand}
	shell.run = func(_ context.Context, instr instruction.Instruction) instruction.Result {
		if instr.ID == 2 {
			cancel()
		}
		return instruction.Succeeded(instr.ID, "")
	}
	engine := newTestEngine(nil, shell)

	batch := []instruction.Instruction{
		{ID: 1, Type: instruction.ShellCommand},
		{ID: 2, Type: instruction.ShellCommand},
		{ID: 3, Type: instruction.ShellCommand},
	}
	results, err := engine.RunBatch(ctx, batch)

	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, results, 1)
	assert.Equal(t, int64(1), results[0].InstructionID)
	assert.Equal(t, 2, shell.calls)
}

func TestRunBatchOneResultPerInstruction(t *testing.T) {
	shell := &stubExecutor{t: instruction.ShellCommand, run: ok}
	engine := newTestEngine(nil, shell)

	batch := []instruction.Instruction{
		{ID: 1, Type: instruction.ShellCommand},
		{ID: 2, Type: instruction.PolicySet},
		{ID: 3, Type: instruction.ShellCommand},
	}
	results, err := engine.RunBatch(context.Background(), batch)

	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, instruction.ResultIDs(results))
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
}

func TestCheckPayload(t *testing.T) {
	_, failed := checkPayload[instruction.ShellCommandPayload](instruction.Instruction{ID: 1}, "ShellCommandPayload")
	require.NotNil(t, failed)
	assert.Equal(t, "Validation failed", failed.Error)
	assert.Equal(t, "Payload cannot be null.", failed.Output)

	_, failed = checkPayload[instruction.ShellCommandPayload](instruction.Instruction{
		ID:      1,
		Payload: instruction.PolicySetPayload{Name: "a", Value: "b"},
	}, "ShellCommandPayload")
	require.NotNil(t, failed)
	assert.Equal(t, "Invalid payload type: expected ShellCommandPayload", failed.Error)

	_, failed = checkPayload[instruction.ShellCommandPayload](instruction.Instruction{
		ID:      1,
		Payload: instruction.ShellCommandPayload{Command: " "},
	}, "ShellCommandPayload")
	require.NotNil(t, failed)
	assert.Equal(t, "Validation failed", failed.Error)
	assert.Equal(t, "The 'Command' field must be a non-empty string.", failed.Output)
}

func TestEffectiveTimeout(t *testing.T) {
	assert.Equal(t, time.Second, effectiveTimeout(time.Second, 0))
	assert.Equal(t, time.Second, effectiveTimeout(0, time.Second))
	assert.Equal(t, time.Second, effectiveTimeout(5*time.Second, time.Second))
	assert.Equal(t, time.Second, effectiveTimeout(time.Second, 5*time.Second))
}

func TestConfigExecutor(t *testing.T) {
	store := config.NewFileStore(filepath.Join(t.TempDir(), "config.yaml"), config.Default)
	exec := NewConfigExecutor(store)

	limit := 7
	res := exec.Execute(context.Background(), instruction.Instruction{
		ID:      11,
		Type:    instruction.ConfigUpdate,
		Payload: instruction.ConfigUpdatePayload{Config: &config.Patch{MetricsSendLimit: &limit}},
	}, 0)

	assert.True(t, res.Success)
	assert.Equal(t, "Configuration updated successfully", res.Output)
	cfg, err := store.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MetricsSendLimit)

	negative := -1
	res = exec.Execute(context.Background(), instruction.Instruction{
		ID:      12,
		Type:    instruction.ConfigUpdate,
		Payload: instruction.ConfigUpdatePayload{Config: &config.Patch{MetricsSendLimit: &negative}},
	}, 0)
	assert.False(t, res.Success)
	assert.Equal(t, "Validation failed", res.Error)
	assert.Equal(t, "'MetricsSendLimit' must not be negative", res.Output)
}

func TestLimitedBufferKeepsTail(t *testing.T) {
	buf := newLimitedBuffer(4)
	_, _ = buf.Write([]byte("ab"))
	assert.Equal(t, "ab", buf.String())
	assert.False(t, buf.Truncated())

	_, _ = buf.Write([]byte("cdef"))
	assert.True(t, buf.Truncated())
	assert.Equal(t, "... output truncated ...\ncdef", buf.String())
}
