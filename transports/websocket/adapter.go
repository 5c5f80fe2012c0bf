// Package websocket serves the client-facing bidirectional connection: it
// decodes inbound envelopes, buffers audio frames until end-of-input, runs
// turns through the orchestrator, and streams ordered chunk envelopes back.
// Client acks drive the flush barrier that completes a turn.
package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	apitransport "github.com/tiger/voiceloop/api/transport"
	"github.com/tiger/voiceloop/internal/metrics"
	"github.com/tiger/voiceloop/internal/runtime/budget"
	"github.com/tiger/voiceloop/internal/runtime/degrade"
	"github.com/tiger/voiceloop/internal/runtime/ingress"
	"github.com/tiger/voiceloop/internal/runtime/orchestrator"
	"github.com/tiger/voiceloop/internal/runtime/provider/contracts"
	"github.com/tiger/voiceloop/internal/runtime/provider/registry"
	"github.com/tiger/voiceloop/internal/runtime/segment"
	"github.com/tiger/voiceloop/internal/runtime/session"
	"github.com/tiger/voiceloop/internal/runtime/transport/sessionfsm"
	"github.com/tiger/voiceloop/internal/telemetry"
)

const (
	// DefaultAckTimeout bounds the flush wait for the final chunk ack.
	DefaultAckTimeout = 5 * time.Second
	// DefaultFrameLimit bounds buffered ingress audio frames per turn.
	DefaultFrameLimit = 512

	outboundQueueSize = 64
	writeTimeout      = 10 * time.Second
)

// Config wires the websocket server to the shared pipeline collaborators.
type Config struct {
	Registry     *registry.Registry
	Budget       budget.Table
	Defaults     *degrade.Catalog
	Segment      segment.Policy
	TTSWindow    int
	HistoryLimit int
	FrameLimit   int
	AckTimeout   time.Duration
	// DisconnectTimeout feeds the session lifecycle FSM cleanup deadline.
	DisconnectTimeout time.Duration
	Emitter           *telemetry.Emitter
	Metrics           *metrics.Pipeline
	Logger            *zap.Logger
}

// Server upgrades HTTP connections and serves one session per connection.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	upgrader gws.Upgrader
}

// NewServer validates config and builds the server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if cfg.FrameLimit < 1 {
		cfg.FrameLimit = DefaultFrameLimit
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.HistoryLimit < 1 {
		cfg.HistoryLimit = session.DefaultHistoryLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		upgrader: gws.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
		},
	}, nil
}

// ServeHTTP upgrades the connection and runs the session loop until the
// client ends the session or the connection drops.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sess, err := s.openSession(r.Context(), conn)
	if err != nil {
		s.logger.Warn("session handshake failed", zap.Error(err))
		return
	}
	sess.run()
}

// openSession consumes the session_open envelope and builds per-session
// state: the history store, the orchestrator bound to this session's ack
// flusher, and the lifecycle FSM.
func (s *Server) openSession(ctx context.Context, conn *gws.Conn) (*wsSession, error) {
	var open apitransport.Inbound
	if err := conn.ReadJSON(&open); err != nil {
		return nil, fmt.Errorf("read session_open: %w", err)
	}
	if err := open.Validate(); err != nil {
		return nil, err
	}
	if open.Kind != apitransport.InboundSessionOpen {
		return nil, fmt.Errorf("expected session_open, got %s", open.Kind)
	}

	store, err := session.NewStore(open.SessionID, s.cfg.HistoryLimit, s.cfg.Registry)
	if err != nil {
		return nil, err
	}
	frames, err := ingress.New(ingress.Config{MaxFrames: s.cfg.FrameLimit, Overflow: ingress.DropOldest})
	if err != nil {
		return nil, err
	}

	sess := &wsSession{
		server:    s,
		id:        open.SessionID,
		conn:      conn,
		store:     store,
		frames:    frames,
		acks:      newAckTracker(),
		fsm:       sessionfsm.New(sessionfsm.Config{DisconnectTimeout: s.cfg.DisconnectTimeout}),
		outbound:  make(chan apitransport.Outbound, outboundQueueSize),
		writeDone: make(chan struct{}),
		logger:    s.logger.With(zap.String("session_id", open.SessionID)),
	}
	sess.ctx, sess.cancel = context.WithCancel(ctx)

	orch, err := orchestrator.New(orchestrator.Config{
		Registry:  s.cfg.Registry,
		Budget:    s.cfg.Budget,
		Defaults:  s.cfg.Defaults,
		Store:     store,
		Segment:   s.cfg.Segment,
		TTSWindow: s.cfg.TTSWindow,
		Flusher:   sess,
		Emitter:   s.cfg.Emitter,
		Metrics:   s.cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	sess.orch = orch

	if _, err := sess.fsm.Transition(apitransport.SignalConnected); err != nil {
		return nil, err
	}
	return sess, nil
}

type wsSession struct {
	server *Server
	id     string
	conn   *gws.Conn
	orch   *orchestrator.Orchestrator
	store  *session.Store
	frames *ingress.FrameBuffer
	acks   *ackTracker
	fsm    *sessionfsm.FSM
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	outbound  chan apitransport.Outbound
	writeDone chan struct{}

	// turnMu guards the active turn; a new input cancels the previous turn
	// before starting (barge-in).
	turnMu     sync.Mutex
	turnID     string
	turnCancel context.CancelFunc
	turnWG     sync.WaitGroup
}

func (s *wsSession) run() {
	go s.writeLoop()
	s.send(apitransport.Outbound{
		SchemaVersion: apitransport.SchemaVersion,
		Kind:          apitransport.OutboundSessionReady,
		SessionID:     s.id,
	})
	s.readLoop()

	s.cancel()
	s.turnWG.Wait()
	close(s.outbound)
	<-s.writeDone
}

func (s *wsSession) readLoop() {
	for {
		var msg apitransport.Inbound
		if err := s.conn.ReadJSON(&msg); err != nil {
			if !s.fsm.IsTerminal() {
				if _, ferr := s.fsm.Transition(apitransport.SignalDisconnected); ferr != nil {
					s.logger.Warn("lifecycle transition failed", zap.Error(ferr))
				}
				s.logger.Info("connection dropped", zap.Error(err))
			}
			return
		}
		if err := msg.Validate(); err != nil {
			s.sendError("", err.Error())
			continue
		}
		if msg.SessionID != s.id {
			s.sendError(msg.TurnID, "session_id mismatch")
			continue
		}

		switch msg.Kind {
		case apitransport.InboundAudioFrame:
			if !s.frames.Push(ingress.Frame{Sequence: msg.Sequence, PCM: msg.Audio}) {
				s.logger.Warn("audio frame dropped", zap.Int64("sequence", msg.Sequence))
			}
		case apitransport.InboundInputEnd:
			audio := s.frames.Drain()
			if len(audio) == 0 {
				s.sendError(msg.TurnID, "input_end without buffered audio")
				continue
			}
			s.startTurn(orchestrator.Input{
				SessionID: s.id,
				TurnID:    msg.TurnID,
				Modality:  orchestrator.ModalityAudio,
				Audio:     audio,
			})
		case apitransport.InboundTextInput:
			s.startTurn(orchestrator.Input{
				SessionID: s.id,
				TurnID:    msg.TurnID,
				Modality:  orchestrator.ModalityText,
				Text:      msg.Text,
			})
		case apitransport.InboundCancel:
			s.cancelTurn(msg.TurnID)
		case apitransport.InboundAck:
			// Acks reference tts chunk sequences; the flush barrier waits on
			// the last one.
			s.acks.record(msg.TurnID, msg.Sequence)
		case apitransport.InboundSessionEnd:
			if _, err := s.fsm.Transition(apitransport.SignalEnded); err != nil {
				s.logger.Warn("lifecycle transition failed", zap.Error(err))
			}
			return
		case apitransport.InboundSessionOpen:
			s.sendError("", "session already open")
		}
	}
}

// startTurn cancels any in-flight turn, then runs the new one. Turns run
// off the read loop so cancel and ack envelopes stay responsive.
func (s *wsSession) startTurn(input orchestrator.Input) {
	s.turnMu.Lock()
	if s.turnCancel != nil {
		s.turnCancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.turnID = input.TurnID
	s.turnCancel = cancel
	s.turnMu.Unlock()

	s.turnWG.Add(1)
	go func() {
		defer s.turnWG.Done()
		defer cancel()
		s.runTurn(ctx, input)
	}()
}

// cancelTurn aborts the active turn when the cancel names it. A stale cancel
// for an already replaced turn is ignored so barge-in races cannot kill the
// newer turn.
func (s *wsSession) cancelTurn(turnID string) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	if s.turnCancel == nil {
		return
	}
	if turnID != s.turnID {
		s.logger.Debug("stale cancel ignored", zap.String("turn_id", turnID))
		return
	}
	s.turnCancel()
	s.turnCancel = nil
}

func (s *wsSession) runTurn(ctx context.Context, input orchestrator.Input) {
	result, err := s.orch.RunTurn(ctx, input, func(chunk contracts.Chunk) error {
		return s.sendCtx(ctx, chunkEnvelope(s.id, chunk))
	})
	if err != nil {
		s.logger.Error("turn failed", zap.String("turn_id", result.TurnID), zap.Error(err))
		s.sendError(result.TurnID, "turn failed")
		return
	}

	for stage := range result.Degraded {
		s.send(apitransport.Outbound{
			SchemaVersion: apitransport.SchemaVersion,
			Kind:          apitransport.OutboundTurnEvent,
			SessionID:     s.id,
			TurnID:        result.TurnID,
			Event:         apitransport.TurnEventDegraded,
			Detail:        string(stage),
		})
	}
	event := apitransport.TurnEventCompleted
	if result.Status == session.TurnAborted {
		event = apitransport.TurnEventAborted
	}
	s.send(apitransport.Outbound{
		SchemaVersion: apitransport.SchemaVersion,
		Kind:          apitransport.OutboundTurnEvent,
		SessionID:     s.id,
		TurnID:        result.TurnID,
		Event:         event,
		Detail:        string(result.Phase),
	})
}

// FlushTurn blocks until the client acked the turn's last outbound sequence,
// bounded by the ack timeout. A turn with no outbound chunks flushes
// immediately.
func (s *wsSession) FlushTurn(ctx context.Context, turnID string, lastSeq int64) error {
	if lastSeq < 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.server.cfg.AckTimeout)
	defer cancel()
	return s.acks.await(ctx, turnID, lastSeq)
}

func (s *wsSession) send(msg apitransport.Outbound) {
	select {
	case s.outbound <- msg:
	case <-s.ctx.Done():
	}
}

func (s *wsSession) sendCtx(ctx context.Context, msg apitransport.Outbound) error {
	select {
	case s.outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *wsSession) sendError(turnID, detail string) {
	s.send(apitransport.Outbound{
		SchemaVersion: apitransport.SchemaVersion,
		Kind:          apitransport.OutboundError,
		SessionID:     s.id,
		TurnID:        turnID,
		Detail:        detail,
	})
}

func (s *wsSession) writeLoop() {
	defer close(s.writeDone)
	for msg := range s.outbound {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := s.conn.WriteJSON(msg); err != nil {
			s.logger.Warn("outbound write failed", zap.Error(err))
			return
		}
	}
}

func chunkEnvelope(sessionID string, chunk contracts.Chunk) apitransport.Outbound {
	return apitransport.Outbound{
		SchemaVersion: apitransport.SchemaVersion,
		Kind:          apitransport.OutboundChunk,
		SessionID:     sessionID,
		TurnID:        chunk.TurnID,
		Stage:         string(chunk.Stage),
		Seq:           chunk.Seq,
		Sentence:      chunk.Sentence,
		Text:          chunk.Text,
		Audio:         chunk.Audio,
		Final:         chunk.Final,
	}
}

// ackTracker records the highest acked outbound sequence per turn and wakes
// flush waiters as acks arrive.
type ackTracker struct {
	mu     sync.Mutex
	acked  map[string]int64
	notify chan struct{}
}

func newAckTracker() *ackTracker {
	return &ackTracker{
		acked:  make(map[string]int64),
		notify: make(chan struct{}),
	}
}

func (t *ackTracker) record(turnID string, seq int64) {
	t.mu.Lock()
	if cur, ok := t.acked[turnID]; !ok || seq > cur {
		t.acked[turnID] = seq
	}
	close(t.notify)
	t.notify = make(chan struct{})
	t.mu.Unlock()
}

func (t *ackTracker) await(ctx context.Context, turnID string, seq int64) error {
	for {
		t.mu.Lock()
		acked, ok := t.acked[turnID]
		wait := t.notify
		t.mu.Unlock()
		if ok && acked >= seq {
			return nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return fmt.Errorf("flush wait for turn %s seq %d: %w", turnID, seq, ctx.Err())
		}
	}
}
