package statemachine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shafraz007/endpoint-agent/internal/config"
	"github.com/shafraz007/endpoint-agent/internal/instruction"
	"github.com/shafraz007/endpoint-agent/internal/logging"
	"github.com/shafraz007/endpoint-agent/internal/observability"
	"github.com/shafraz007/endpoint-agent/internal/queue"
	"github.com/shafraz007/endpoint-agent/internal/report"
	"github.com/shafraz007/endpoint-agent/internal/secret"
	"github.com/shafraz007/endpoint-agent/internal/transport"
)

var ErrNotIdle = errors.New("agent is not idle")

// Reporter runs one reporting cycle.
type Reporter interface {
	Run(ctx context.Context) (report.Outcome, error)
}

// BatchRunner executes pending instructions, one result per instruction.
type BatchRunner interface {
	RunBatch(ctx context.Context, instrs []instruction.Instruction) ([]instruction.Result, error)
}

// HardwareFunc describes the host for synchronization.
type HardwareFunc func(ctx context.Context) (transport.HardwareInfo, error)

type Deps struct {
	Config   config.Store
	Secrets  secret.Store
	Queue    queue.Store
	Channel  transport.Channel
	Reporter Reporter
	Engine   BatchRunner
	Hardware HardwareFunc
	Logger   logging.Logger

	// MetricRetention drops buffered readings older than this before a
	// report. Zero keeps everything until it is delivered.
	MetricRetention time.Duration
}

// Orchestrator owns the lifecycle machine and runs each state's handler.
type Orchestrator struct {
	deps    Deps
	logger  logging.Logger
	machine *Machine

	mu       sync.Mutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	loopStop context.CancelFunc
	done     chan struct{}

	// ready is false until authentication and synchronization both
	// succeed, and again after any credential or sync failure. Only the
	// machine goroutine touches it.
	ready bool
	// lastPrune is when retention last ran; machine goroutine only.
	lastPrune time.Time
	now       func() time.Time
}

func New(deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	o := &Orchestrator{deps: deps, logger: deps.Logger, now: time.Now}
	o.machine = NewMachine(Hooks{
		Exit:    o.exit,
		Enter:   o.enter,
		Observe: o.observe,
	}, deps.Logger)
	return o
}

func (o *Orchestrator) State() State {
	return o.machine.State()
}

// Start leaves Idle and begins authenticating. Cancelling ctx stops the
// agent the same way Stop does.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running || o.machine.State() != Idle {
		return ErrNotIdle
	}

	runCtx, cancel := context.WithCancel(ctx)
	loopCtx, stopLoop := context.WithCancel(context.Background())
	o.ctx = runCtx
	o.cancel = cancel
	o.loopStop = stopLoop
	o.done = make(chan struct{})
	o.running = true
	o.ready = false

	o.machine.Reset()
	stopAfter := context.AfterFunc(runCtx, func() { o.machine.Fire(Stop) })

	done := o.done
	go func() {
		defer close(done)
		o.machine.Run(loopCtx)
		stopAfter()
		cancel()
		stopLoop()
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	o.logger.Info("agent starting")
	o.machine.Fire(Start)
	return nil
}

// Stop cancels in-flight work, fires Stop and waits until the machine is
// Idle or ctx expires. It is a no-op when the agent is not running.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	cancel, done := o.cancel, o.done
	o.mu.Unlock()

	cancel()
	select {
	case <-done:
		o.logger.Info("agent stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the current run reaches Idle. It returns nil before
// the first Start.
func (o *Orchestrator) Done() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

func (o *Orchestrator) runContext() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ctx
}

func (o *Orchestrator) observe(tr Transition) {
	observability.StateTransitions.WithLabelValues(tr.From.String(), tr.To.String(), tr.Trigger.String()).Inc()
	names := make([]string, len(States))
	for i, s := range States {
		names[i] = s.String()
	}
	observability.SetState(tr.To.String(), names)
	o.logger.WithField("from", tr.From.String()).WithField("to", tr.To.String()).Info("state changed")
}

// exit waits the configured interval of the state being left. Stop and
// the Error state leave immediately.
func (o *Orchestrator) exit(from State, t Trigger) {
	if t == Stop {
		return
	}
	ctx := o.runContext()
	cfg, err := o.deps.Config.Get(ctx)
	if err != nil {
		return
	}
	var seconds int
	switch from {
	case Authentication:
		seconds = cfg.AuthenticationExitIntervalSeconds
	case Synchronization:
		seconds = cfg.SynchronizationExitIntervalSeconds
	case Running:
		seconds = cfg.RunningExitIntervalSeconds
	case Execution:
		seconds = cfg.ExecutionExitIntervalSeconds
	}
	sleep(ctx, config.Seconds(seconds))
}

func (o *Orchestrator) enter(to State, _ Trigger) {
	ctx := o.runContext()
	switch to {
	case Idle:
		o.mu.Lock()
		stopLoop := o.loopStop
		o.mu.Unlock()
		stopLoop()
	case Authentication:
		o.handle(ctx, to, AuthError, o.authenticate)
	case Synchronization:
		o.handle(ctx, to, SyncFailure, o.synchronize)
	case Running:
		o.handle(ctx, to, RunFailure, o.run)
	case Execution:
		o.handle(ctx, to, ExecutionFailure, o.execute)
	case Error:
		o.handle(ctx, to, Reauthenticate, o.backoff)
	}
}

// handler returns the trigger to fire, or false when it observed
// cancellation and must not fire anything.
type handler func(ctx context.Context) (Trigger, bool)

// handle runs h and fires its trigger. A panic fires failure.
func (o *Orchestrator) handle(ctx context.Context, state State, failure Trigger, h handler) {
	if ctx.Err() != nil {
		return
	}
	t, ok := func() (t Trigger, ok bool) {
		defer func() {
			if r := recover(); r != nil {
				o.logger.WithField("state", state.String()).WithField("panic", r).Error("state handler panicked")
				t, ok = failure, true
			}
		}()
		return h(ctx)
	}()
	if !ok || ctx.Err() != nil {
		o.logger.WithField("state", state.String()).Debug("handler cancelled")
		return
	}
	o.machine.Fire(t)
}

// sleep waits d or until ctx is done and reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
