// Package core is the stable v1 facade over the pipeline's wire and
// provider contracts. External consumers import this package; the canonical
// definitions stay in api/ and internal provider contracts.
package core

import (
	tr "github.com/tiger/voiceloop/api/transport"
	pc "github.com/tiger/voiceloop/internal/runtime/provider/contracts"
)

// Pipeline chunk and provider contracts.
type Stage = pc.Stage
type Chunk = pc.Chunk
type Request = pc.Request
type Exchange = pc.Exchange
type Outcome = pc.Outcome
type OutcomeClass = pc.OutcomeClass
type Adapter = pc.Adapter
type Emit = pc.Emit

const (
	StageSTT = pc.StageSTT
	StageLLM = pc.StageLLM
	StageTTS = pc.StageTTS
)

// Transport envelopes.
type Inbound = tr.Inbound
type InboundKind = tr.InboundKind
type Outbound = tr.Outbound
type OutboundKind = tr.OutboundKind
type TurnEventKind = tr.TurnEventKind
type ConnectionSignal = tr.ConnectionSignal

// SchemaVersion is the wire contract version of this facade.
const SchemaVersion = tr.SchemaVersion
