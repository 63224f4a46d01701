package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// State is the lifecycle state of one transcription invocation.
type State int

const (
	// StateReceived - upload accepted, nothing processed yet.
	StateReceived State = iota
	// StateNormalizing - converting the upload to the canonical waveform.
	StateNormalizing
	// StateTranscribing - the engine is starting on the waveform.
	StateTranscribing
	// StateStreaming - segments are being attributed and emitted.
	StateStreaming
	// StateCompleted - the completion marker was emitted. Terminal.
	StateCompleted
	// StateFailed - the invocation stopped early. Terminal.
	StateFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateReceived:
		return "RECEIVED"
	case StateNormalizing:
		return "NORMALIZING"
	case StateTranscribing:
		return "TRANSCRIBING"
	case StateStreaming:
		return "STREAMING"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Label is the lower-case state name used in metrics.
func (s State) Label() string {
	return strings.ToLower(s.String())
}

// IsTerminal returns true if the state is terminal (COMPLETED or FAILED).
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Errors for invalid state transitions.
var (
	ErrTerminal          = errors.New("invocation already finished")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Failure is the payload of the FAILED state: the stage that was running and
// the error that stopped it.
type Failure struct {
	Stage State
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s failed: %v", f.Stage.Label(), f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Lifecycle manages the state machine of a single invocation.
// Thread-safe for concurrent access.
//
// State transitions:
//
//	RECEIVED → NORMALIZING → TRANSCRIBING → STREAMING → COMPLETED
//	    │           │              │             │
//	    └───────────┴──── Fail() ──┴─────────────┴──→ FAILED
//
// Rules:
//   - Advance only moves one step forward along the main path
//   - Fail is allowed from any non-terminal state and records the stage
//   - COMPLETED and FAILED accept no further transitions
type Lifecycle struct {
	mu      sync.RWMutex
	id      string
	state   State
	failure *Failure
}

// NewLifecycle creates a lifecycle in RECEIVED state.
func NewLifecycle(id string) *Lifecycle {
	return &Lifecycle{id: id, state: StateReceived}
}

// ID returns the invocation ID.
func (l *Lifecycle) ID() string {
	return l.id
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Failure returns the failure payload, nil unless FAILED.
func (l *Lifecycle) Failure() *Failure {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.failure
}

// Advance moves to the next state on the main path.
func (l *Lifecycle) Advance(to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state.IsTerminal() {
		return ErrTerminal
	}
	if to == StateFailed || to != l.state+1 {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, l.state, to)
	}
	l.state = to
	return nil
}

// Fail transitions to FAILED, recording the current stage.
// Returns ErrTerminal if the invocation already finished.
func (l *Lifecycle) Fail(err error) (*Failure, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state.IsTerminal() {
		return nil, ErrTerminal
	}
	l.failure = &Failure{Stage: l.state, Err: err}
	l.state = StateFailed
	return l.failure, nil
}
