// Package sessionfsm tracks the normalized connection lifecycle of one
// client session independent of the concrete transport.
package sessionfsm

import (
	"fmt"
	"time"

	apitransport "github.com/tiger/voiceloop/api/transport"
)

// State is the normalized transport connection state.
type State string

const (
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
	StateEnded        State = "ended"
)

// Config controls deterministic lifecycle behavior.
type Config struct {
	// DisconnectTimeout bounds how long session state survives without a
	// live connection before cleanup.
	DisconnectTimeout time.Duration
	Now               func() time.Time
}

// FSM tracks connection lifecycle transitions. Ended is terminal.
type FSM struct {
	state             State
	terminal          bool
	cleanupDeadline   time.Time
	disconnectTimeout time.Duration
	now               func() time.Time
	initialized       bool
}

// New returns an FSM with deterministic defaults.
func New(cfg Config) *FSM {
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &FSM{
		state:             StateDisconnected,
		disconnectTimeout: cfg.DisconnectTimeout,
		now:               cfg.Now,
	}
}

// Transition applies a connection signal and returns the resulting state.
func (f *FSM) Transition(signal apitransport.ConnectionSignal) (State, error) {
	if f.terminal {
		return f.state, fmt.Errorf("session is terminal in state %s", f.state)
	}
	if err := signal.Validate(); err != nil {
		return f.state, err
	}

	switch signal {
	case apitransport.SignalConnected:
		f.state = StateConnected
		f.cleanupDeadline = time.Time{}
		f.initialized = true
	case apitransport.SignalReconnecting:
		if !f.initialized {
			return f.state, fmt.Errorf("cannot transition to reconnecting before connected")
		}
		f.state = StateReconnecting
	case apitransport.SignalDisconnected:
		if !f.initialized {
			return f.state, fmt.Errorf("cannot transition to disconnected before connected")
		}
		f.state = StateDisconnected
		f.cleanupDeadline = f.now().Add(f.disconnectTimeout)
	case apitransport.SignalEnded:
		if !f.initialized {
			return f.state, fmt.Errorf("cannot transition to ended before connected")
		}
		f.state = StateEnded
		f.cleanupDeadline = f.now().Add(f.disconnectTimeout)
		f.terminal = true
	}
	return f.state, nil
}

// State returns the current lifecycle state.
func (f *FSM) State() State {
	return f.state
}

// IsTerminal reports whether the lifecycle reached its terminal state.
func (f *FSM) IsTerminal() bool {
	return f.terminal
}

// CleanupDeadline returns the cleanup deadline once disconnected or ended.
func (f *FSM) CleanupDeadline() time.Time {
	return f.cleanupDeadline
}
