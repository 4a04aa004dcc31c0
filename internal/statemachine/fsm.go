// Package statemachine drives the agent lifecycle: authenticate, sync,
// then alternate between reporting and executing, backing off through
// the Error state when anything fails.
package statemachine

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/shafraz007/endpoint-agent/internal/logging"
	"github.com/shafraz007/endpoint-agent/internal/observability"
)

type State int

const (
	Idle State = iota
	Authentication
	Synchronization
	Running
	Execution
	Error
)

// States lists every state in declaration order.
var States = []State{Idle, Authentication, Synchronization, Running, Execution, Error}

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Authentication:
		return "Authentication"
	case Synchronization:
		return "Synchronization"
	case Running:
		return "Running"
	case Execution:
		return "Execution"
	case Error:
		return "Error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Trigger int

const (
	Start Trigger = iota
	Stop
	Retry
	Reauthenticate
	AuthSuccess
	// AuthFailure means the server rejected the credentials (401/403).
	AuthFailure
	// AuthError is any other authentication failure.
	AuthError
	SyncSuccess
	SyncFailure
	RunSuccess
	RunFailure
	ExecutionSuccess
	ExecutionFailure
)

func (t Trigger) String() string {
	switch t {
	case Start:
		return "Start"
	case Stop:
		return "Stop"
	case Retry:
		return "Retry"
	case Reauthenticate:
		return "Reauthenticate"
	case AuthSuccess:
		return "AuthSuccess"
	case AuthFailure:
		return "AuthFailure"
	case AuthError:
		return "AuthError"
	case SyncSuccess:
		return "SyncSuccess"
	case SyncFailure:
		return "SyncFailure"
	case RunSuccess:
		return "RunSuccess"
	case RunFailure:
		return "RunFailure"
	case ExecutionSuccess:
		return "ExecutionSuccess"
	case ExecutionFailure:
		return "ExecutionFailure"
	default:
		return fmt.Sprintf("Trigger(%d)", int(t))
	}
}

var transitions = func() map[State]map[Trigger]State {
	table := map[State]map[Trigger]State{
		Idle: {
			Start: Authentication,
		},
		Authentication: {
			AuthSuccess: Synchronization,
			AuthFailure: Error,
			AuthError:   Error,
		},
		Synchronization: {
			SyncSuccess: Running,
			SyncFailure: Error,
		},
		Running: {
			RunSuccess:  Execution,
			RunFailure:  Error,
			AuthFailure: Authentication,
		},
		Execution: {
			ExecutionSuccess: Running,
			ExecutionFailure: Error,
		},
		Error: {
			Retry:          Running,
			Reauthenticate: Authentication,
		},
	}
	for state, row := range table {
		if state != Idle {
			row[Stop] = Idle
		}
	}
	return table
}()

// Next returns the target of firing t in s, and false if s ignores t.
func Next(s State, t Trigger) (State, bool) {
	to, ok := transitions[s][t]
	return to, ok
}

type Transition struct {
	From    State
	To      State
	Trigger Trigger
}

// Hooks are called from the machine's goroutine. Exit runs before the
// state changes and Enter after; both may block.
type Hooks struct {
	Exit    func(from State, t Trigger)
	Enter   func(to State, t Trigger)
	Observe func(Transition)
}

// Machine processes triggers strictly one at a time. Fire only queues,
// so handlers may fire from inside Enter without re-entering the machine.
type Machine struct {
	hooks  Hooks
	logger logging.Logger

	mu      sync.Mutex
	state   State
	pending []Trigger
	wake    chan struct{}
}

func NewMachine(hooks Hooks, logger logging.Logger) *Machine {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Machine{
		hooks:  hooks,
		logger: logger,
		state:  Idle,
		wake:   make(chan struct{}, 1),
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Fire queues t for processing by Run.
func (m *Machine) Fire(t Trigger) {
	m.mu.Lock()
	m.pending = append(m.pending, t)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Reset drops queued triggers.
func (m *Machine) Reset() {
	m.mu.Lock()
	m.pending = nil
	m.mu.Unlock()
}

// Run drains the trigger queue until ctx is done.
func (m *Machine) Run(ctx context.Context) {
	for {
		t, ok := m.next()
		if !ok {
			select {
			case <-m.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		m.process(t)
		if ctx.Err() != nil {
			return
		}
	}
}

func (m *Machine) next() (Trigger, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return 0, false
	}
	t := m.pending[0]
	m.pending = m.pending[1:]
	return t, true
}

func (m *Machine) process(t Trigger) {
	from := m.State()
	to, ok := Next(from, t)
	if !ok {
		m.logger.WithField("state", from.String()).WithField("trigger", t.String()).Warn("trigger ignored")
		observability.IgnoredTriggers.WithLabelValues(from.String(), t.String()).Inc()
		return
	}

	if m.hooks.Exit != nil {
		m.hooks.Exit(from, t)
	}

	m.mu.Lock()
	m.state = to
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"from":    from.String(),
		"to":      to.String(),
		"trigger": t.String(),
	}).Debug("state transition")
	if m.hooks.Observe != nil {
		m.hooks.Observe(Transition{From: from, To: to, Trigger: t})
	}
	if m.hooks.Enter != nil {
		m.hooks.Enter(to, t)
	}
}
