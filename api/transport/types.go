// Package transport declares the wire envelopes exchanged with clients over
// a bidirectional connection. The shapes are transport-neutral; the websocket
// adapter carries them as JSON frames.
package transport

import (
	"fmt"
	"regexp"
)

var schemaVersionRE = regexp.MustCompile(`^v[0-9]+\.[0-9]+(?:\.[0-9]+)?$`)

// SchemaVersion is the wire contract version emitted by this runtime.
const SchemaVersion = "v1.0"

// InboundKind identifies one client-to-runtime message.
type InboundKind string

const (
	InboundSessionOpen InboundKind = "session_open"
	InboundAudioFrame  InboundKind = "audio_frame"
	InboundTextInput   InboundKind = "text_input"
	InboundInputEnd    InboundKind = "input_end"
	InboundCancel      InboundKind = "cancel"
	InboundAck         InboundKind = "ack"
	InboundSessionEnd  InboundKind = "session_end"
)

// Inbound is one client message.
type Inbound struct {
	SchemaVersion string      `json:"schema_version"`
	Kind          InboundKind `json:"kind"`
	SessionID     string      `json:"session_id"`
	TurnID        string      `json:"turn_id,omitempty"`
	// Sequence orders audio frames and acks within a session.
	Sequence int64 `json:"sequence,omitempty"`
	// Audio carries one PCM frame for audio_frame messages.
	Audio []byte `json:"audio,omitempty"`
	// Text carries the utterance for text_input messages.
	Text string `json:"text,omitempty"`
}

// Validate enforces per-kind envelope invariants.
func (m Inbound) Validate() error {
	if !schemaVersionRE.MatchString(m.SchemaVersion) {
		return fmt.Errorf("invalid schema_version: %q", m.SchemaVersion)
	}
	if m.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if m.Sequence < 0 {
		return fmt.Errorf("sequence must be >=0")
	}
	switch m.Kind {
	case InboundSessionOpen, InboundInputEnd, InboundSessionEnd:
		return nil
	case InboundAudioFrame:
		if len(m.Audio) == 0 {
			return fmt.Errorf("audio_frame requires audio payload")
		}
		return nil
	case InboundTextInput:
		if m.Text == "" {
			return fmt.Errorf("text_input requires text")
		}
		return nil
	case InboundCancel:
		if m.TurnID == "" {
			return fmt.Errorf("cancel requires turn_id")
		}
		return nil
	case InboundAck:
		if m.TurnID == "" {
			return fmt.Errorf("ack requires turn_id")
		}
		return nil
	default:
		return fmt.Errorf("unsupported inbound kind %q", m.Kind)
	}
}

// OutboundKind identifies one runtime-to-client message.
type OutboundKind string

const (
	OutboundSessionReady OutboundKind = "session_ready"
	OutboundChunk        OutboundKind = "chunk"
	OutboundTurnEvent    OutboundKind = "turn_event"
	OutboundError        OutboundKind = "error"
)

// TurnEventKind classifies turn lifecycle notifications.
type TurnEventKind string

const (
	TurnEventPhase     TurnEventKind = "phase"
	TurnEventDegraded  TurnEventKind = "degraded"
	TurnEventCompleted TurnEventKind = "completed"
	TurnEventAborted   TurnEventKind = "aborted"
)

// Outbound is one runtime message.
type Outbound struct {
	SchemaVersion string       `json:"schema_version"`
	Kind          OutboundKind `json:"kind"`
	SessionID     string       `json:"session_id"`
	TurnID        string       `json:"turn_id,omitempty"`
	// Stage, Seq, Sentence, Text, Audio and Final mirror one pipeline chunk
	// for chunk messages.
	Stage    string `json:"stage,omitempty"`
	Seq      int64  `json:"seq,omitempty"`
	Sentence int    `json:"sentence,omitempty"`
	Text     string `json:"text,omitempty"`
	Audio    []byte `json:"audio,omitempty"`
	Final    bool   `json:"final,omitempty"`
	// Event carries the lifecycle notification for turn_event messages.
	Event TurnEventKind `json:"event,omitempty"`
	// Detail carries the phase name, degraded stage, or error reason.
	Detail string `json:"detail,omitempty"`
}

// Validate enforces per-kind envelope invariants.
func (m Outbound) Validate() error {
	if !schemaVersionRE.MatchString(m.SchemaVersion) {
		return fmt.Errorf("invalid schema_version: %q", m.SchemaVersion)
	}
	if m.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	switch m.Kind {
	case OutboundSessionReady:
		return nil
	case OutboundChunk:
		if m.TurnID == "" {
			return fmt.Errorf("chunk requires turn_id")
		}
		if m.Stage == "" {
			return fmt.Errorf("chunk requires stage")
		}
		if m.Seq < 0 {
			return fmt.Errorf("chunk seq must be >=0")
		}
		return nil
	case OutboundTurnEvent:
		if m.TurnID == "" {
			return fmt.Errorf("turn_event requires turn_id")
		}
		switch m.Event {
		case TurnEventPhase, TurnEventDegraded, TurnEventCompleted, TurnEventAborted:
			return nil
		default:
			return fmt.Errorf("unsupported turn event %q", m.Event)
		}
	case OutboundError:
		if m.Detail == "" {
			return fmt.Errorf("error requires detail")
		}
		return nil
	default:
		return fmt.Errorf("unsupported outbound kind %q", m.Kind)
	}
}

// ConnectionSignal is the normalized transport lifecycle signal set consumed
// by the session lifecycle FSM.
type ConnectionSignal string

const (
	SignalConnected    ConnectionSignal = "connected"
	SignalReconnecting ConnectionSignal = "reconnecting"
	SignalDisconnected ConnectionSignal = "disconnected"
	SignalEnded        ConnectionSignal = "ended"
)

// Validate enforces the signal taxonomy.
func (s ConnectionSignal) Validate() error {
	switch s {
	case SignalConnected, SignalReconnecting, SignalDisconnected, SignalEnded:
		return nil
	default:
		return fmt.Errorf("invalid connection signal: %q", s)
	}
}
