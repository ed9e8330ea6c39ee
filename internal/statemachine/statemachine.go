// Package statemachine implements the idempotent command surface of spec
// §6: initialize/start/stop/pause/resume/shutdown/soft_initialize/
// reinitialize/meta_command/report/rollover_subrun, grounded on artdaq's
// CommandableFragmentGenerator state table (BoardReaderCore::initialize/
// start/stop/pause/resume/shutdown in original_source/artdaq).
package statemachine

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// State is one node of the command FSM.
type State int

const (
	// StateUninitialized is the state before the first successful
	// initialize (artdaq's "Initial").
	StateUninitialized State = iota
	// StateReady follows a successful initialize/stop (artdaq's
	// "Booted"/"Stopped").
	StateReady
	StateRunning
	StatePaused
	// StateShutdown is terminal.
	StateShutdown
	// StateInRunError is entered on a best-effort in_run_failure report; a
	// supervisor is expected to observe it and force a stop.
	StateInRunError
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StatePaused:
		return "Paused"
	case StateShutdown:
		return "Shutdown"
	case StateInRunError:
		return "InRunError"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ExitCode classifies a transition's outcome, per §6: ExitOK (0) is
// success; a rejected transition returns a TransitionError carrying a
// non-zero code.
type ExitCode int

const (
	ExitOK ExitCode = iota
	ExitInvalidTransition
	ExitAlreadyShutdown
)

// TransitionError reports a rejected command, carrying the non-zero exit
// code §6 requires.
type TransitionError struct {
	Command string
	From    State
	Code    ExitCode
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("statemachine: %s rejected in state %s (exit %d)", e.Command, e.From, e.Code)
}

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{Log: zap.NewNop().Sugar()}
}

// Option configures a Machine.
type Option func(*options)

// WithLog sets the logger for the Machine.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) { o.Log = log }
}

// Machine is one application's command FSM: a single mutex-guarded current
// state plus the run/subrun counters transitions update.
type Machine struct {
	log *zap.SugaredLogger

	mu       sync.Mutex
	state    State
	runID    uint32
	subrunID uint32
}

// New constructs a Machine in StateUninitialized.
func New(opts ...Option) *Machine {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Machine{log: o.Log, state: StateUninitialized}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Initialize tears down any existing core instance and transitions to
// Ready. Idempotent: calling it again from Ready (or Uninitialized)
// succeeds and simply reinitializes.
func (m *Machine) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateUninitialized, StateReady:
		m.state = StateReady
		m.runID, m.subrunID = 0, 0
		return nil
	default:
		return &TransitionError{Command: "initialize", From: m.state, Code: ExitInvalidTransition}
	}
}

// SoftInitialize is a no-op variant of Initialize: it validates the
// transition without tearing down the generator.
func (m *Machine) SoftInitialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateUninitialized, StateReady:
		m.state = StateReady
		return nil
	default:
		return &TransitionError{Command: "soft_initialize", From: m.state, Code: ExitInvalidTransition}
	}
}

// Reinitialize behaves like SoftInitialize: validated, but does not rebuild
// the generator.
func (m *Machine) Reinitialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateUninitialized, StateReady:
		m.state = StateReady
		return nil
	default:
		return &TransitionError{Command: "reinitialize", From: m.state, Code: ExitInvalidTransition}
	}
}

// Start begins a run under runID. Idempotent when already Running under the
// same runID.
func (m *Machine) Start(runID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateReady:
		m.state = StateRunning
		m.runID = runID
		m.subrunID = 0
		return nil
	case StateRunning:
		if m.runID == runID {
			return nil // idempotent: same run already active
		}
		return &TransitionError{Command: "start", From: m.state, Code: ExitInvalidTransition}
	default:
		return &TransitionError{Command: "start", From: m.state, Code: ExitInvalidTransition}
	}
}

// Stop ends the current run, returning to Ready. Idempotent from Ready.
func (m *Machine) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateRunning, StatePaused, StateInRunError:
		m.state = StateReady
		return nil
	case StateReady:
		return nil // idempotent: already stopped
	default:
		return &TransitionError{Command: "stop", From: m.state, Code: ExitInvalidTransition}
	}
}

// Pause suspends an in-progress run. Idempotent from Paused.
func (m *Machine) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateRunning:
		m.state = StatePaused
		return nil
	case StatePaused:
		return nil
	default:
		return &TransitionError{Command: "pause", From: m.state, Code: ExitInvalidTransition}
	}
}

// Resume continues a paused run. Idempotent from Running.
func (m *Machine) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StatePaused:
		m.state = StateRunning
		return nil
	case StateRunning:
		return nil
	default:
		return &TransitionError{Command: "resume", From: m.state, Code: ExitInvalidTransition}
	}
}

// Shutdown is terminal; idempotent from Shutdown.
func (m *Machine) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateShutdown {
		return nil
	}
	m.state = StateShutdown
	return nil
}

// RolloverSubrun advances the subrun counter; valid only while Running (the
// generator calling it has no other defined state to do so in, per §6).
func (m *Machine) RolloverSubrun(boundary uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRunning {
		return &TransitionError{Command: "rollover_subrun", From: m.state, Code: ExitInvalidTransition}
	}
	m.subrunID++
	return nil
}

// MetaCommand runs a user-defined command. By convention, unsupported
// commands are accepted rather than rejected (§6).
func (m *Machine) MetaCommand(name, arg string) error {
	m.log.Infow("meta command", "name", name, "arg", arg)
	return nil
}

// Report returns a human-readable snapshot of a given quantity.
func (m *Machine) Report(which string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch which {
	case "state":
		return m.state.String()
	case "run_id":
		return fmt.Sprintf("%d", m.runID)
	case "subrun_id":
		return fmt.Sprintf("%d", m.subrunID)
	default:
		return fmt.Sprintf("unknown report key %q", which)
	}
}

// InRunFailure is the best-effort transition a failing component calls to
// flag the run as degraded, without fully stopping it, so a supervisor can
// observe and decide.
func (m *Machine) InRunFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateRunning || m.state == StatePaused {
		m.state = StateInRunError
	}
}
