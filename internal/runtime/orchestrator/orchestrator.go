// Package orchestrator owns the per-turn pipeline: it sequences the STT, LLM
// and TTS stage chains, overlaps generation with synthesis at sentence
// granularity, enforces sentence-ordered outbound delivery, and degrades
// instead of failing when a stage runs out of budget or providers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tiger/voiceloop/internal/metrics"
	"github.com/tiger/voiceloop/internal/runtime/budget"
	"github.com/tiger/voiceloop/internal/runtime/degrade"
	"github.com/tiger/voiceloop/internal/runtime/fallback"
	"github.com/tiger/voiceloop/internal/runtime/orderedmerge"
	"github.com/tiger/voiceloop/internal/runtime/provider/contracts"
	"github.com/tiger/voiceloop/internal/runtime/provider/registry"
	"github.com/tiger/voiceloop/internal/runtime/segment"
	"github.com/tiger/voiceloop/internal/runtime/session"
	"github.com/tiger/voiceloop/internal/runtime/stagerunner"
	"github.com/tiger/voiceloop/internal/telemetry"
)

// Modality is the turn input kind.
type Modality string

const (
	ModalityAudio Modality = "audio"
	ModalityText  Modality = "text"
)

// Validate enforces the modality taxonomy.
func (m Modality) Validate() error {
	switch m {
	case ModalityAudio, ModalityText:
		return nil
	default:
		return fmt.Errorf("unsupported modality %q", m)
	}
}

// Input is one turn's client input.
type Input struct {
	SessionID string
	TurnID    string
	Modality  Modality
	Audio     []byte
	Text      string
}

// Validate enforces per-modality input invariants.
func (in Input) Validate() error {
	if err := in.Modality.Validate(); err != nil {
		return err
	}
	switch in.Modality {
	case ModalityAudio:
		if len(in.Audio) == 0 {
			return fmt.Errorf("audio turn requires audio payload")
		}
	case ModalityText:
		if strings.TrimSpace(in.Text) == "" {
			return fmt.Errorf("text turn requires text input")
		}
	}
	return nil
}

// Result is the terminal summary of one turn.
type Result struct {
	TurnID     string
	Status     session.TurnStatus
	Phase      Phase
	Transcript string
	Reply      string
	Sentences  int
	Attempts   []stagerunner.Attempt
	Degraded   map[contracts.Stage]bool
	Elapsed    time.Duration
}

// Flusher confirms that a turn's outbound chunks reached the client. The
// transport implements it; a nil flusher completes turns without an ack wait.
type Flusher interface {
	FlushTurn(ctx context.Context, turnID string, lastSeq int64) error
}

// DefaultTTSWindow bounds concurrent sentence synthesis per turn.
const DefaultTTSWindow = 2

// Config wires orchestrator collaborators.
type Config struct {
	Registry *registry.Registry
	Budget   budget.Table
	Defaults *degrade.Catalog
	Store    *session.Store
	Segment  segment.Policy
	// TTSWindow bounds in-flight sentence synthesis; <1 selects the default.
	TTSWindow     int
	Flusher       Flusher
	Emitter       *telemetry.Emitter
	Metrics       *metrics.Pipeline
	TeardownGrace time.Duration
	Now           func() time.Time
}

// Orchestrator runs turns against a registered provider set.
type Orchestrator struct {
	registry *registry.Registry
	table    budget.Table
	defaults *degrade.Catalog
	store    *session.Store
	segment  segment.Policy
	window   int
	flusher  Flusher
	emitter  *telemetry.Emitter
	metrics  *metrics.Pipeline
	grace    time.Duration
	now      func() time.Time
}

// New validates configuration and builds an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if cfg.Budget.Stages == nil {
		cfg.Budget = budget.DefaultTable()
	}
	if err := cfg.Budget.Validate(); err != nil {
		return nil, err
	}
	if cfg.Defaults == nil {
		cfg.Defaults = degrade.DefaultCatalog()
	}
	if cfg.Segment == (segment.Policy{}) {
		cfg.Segment = segment.DefaultPolicy()
	}
	if cfg.TTSWindow < 1 {
		cfg.TTSWindow = DefaultTTSWindow
	}
	if cfg.Emitter == nil {
		cfg.Emitter = telemetry.NewEmitter(nil)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		registry: cfg.Registry,
		table:    cfg.Budget,
		defaults: cfg.Defaults,
		store:    cfg.Store,
		segment:  cfg.Segment,
		window:   cfg.TTSWindow,
		flusher:  cfg.Flusher,
		emitter:  cfg.Emitter,
		metrics:  cfg.Metrics,
		grace:    cfg.TeardownGrace,
		now:      cfg.Now,
	}, nil
}

// hedgeEvents forwards chain hedge notifications into telemetry and metrics.
type hedgeEvents struct {
	turnID  string
	emitter *telemetry.Emitter
	metrics *metrics.Pipeline
}

func (h hedgeEvents) HedgeStarted(stage contracts.Stage, primaryID, hedgeID string) {
	h.emitter.HedgeStarted(h.turnID, string(stage), primaryID, hedgeID)
	h.metrics.ObserveHedge(string(stage))
}

func (h hedgeEvents) HedgeResolved(stage contracts.Stage, winnerID, loserID string) {
	h.emitter.HedgeResolved(h.turnID, string(stage), winnerID, loserID)
}

// turnRun carries the mutable state of one in-flight turn.
type turnRun struct {
	mu       sync.Mutex
	fsm      *turnFSM
	turnID   string
	reply    strings.Builder
	attempts []stagerunner.Attempt
	degraded map[contracts.Stage]bool
}

func (t *turnRun) recordAttempts(attempts []stagerunner.Attempt) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts = append(t.attempts, attempts...)
}

func (t *turnRun) markDegraded(stage contracts.Stage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.degraded[stage] = true
}

func (t *turnRun) appendReply(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reply.WriteString(text)
}

func (t *turnRun) replyText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(t.reply.String())
}

// step applies one FSM transition with telemetry against concurrent callers.
func (o *Orchestrator) step(run *turnRun, next Phase) error {
	run.mu.Lock()
	defer run.mu.Unlock()
	from := run.fsm.current()
	if err := run.fsm.transition(next); err != nil {
		return err
	}
	o.emitter.TurnTransition(run.turnID, string(from), string(next))
	return nil
}

// RunTurn executes one conversational turn. Chunks stream through emit in
// canonical sequence order as stages produce them; the returned result is the
// turn's terminal record. Cancelling ctx aborts the turn cooperatively.
func (o *Orchestrator) RunTurn(ctx context.Context, input Input, emit contracts.Emit) (Result, error) {
	if err := input.Validate(); err != nil {
		return Result{}, err
	}
	if emit == nil {
		return Result{}, fmt.Errorf("emit is required")
	}
	turnID := input.TurnID
	if turnID == "" {
		turnID = uuid.NewString()
	}

	started := o.now()
	run := &turnRun{
		fsm:      newTurnFSM(),
		turnID:   turnID,
		degraded: make(map[contracts.Stage]bool),
	}
	result := Result{TurnID: turnID, Status: session.TurnFailed, Phase: PhaseIdle}

	tracker, err := budget.NewTracker(o.table, o.now)
	if err != nil {
		return result, err
	}
	resolver, err := fallback.NewResolver(o.registry)
	if err != nil {
		return result, err
	}
	observer := hedgeEvents{turnID: turnID, emitter: o.emitter, metrics: o.metrics}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runChain := func(ctx context.Context, stage contracts.Stage, req contracts.Request, chainEmit contracts.Emit) stagerunner.ChainResult {
		warn, _ := tracker.WarnAfter(stage)
		runner := stagerunner.New(stagerunner.Config{
			Reporter:      o.registry,
			Emitter:       o.emitter,
			Metrics:       o.metrics,
			TeardownGrace: o.grace,
			WarnAfter:     warn,
			Now:           o.now,
		})
		chain := stagerunner.NewChain(runner, resolver, tracker)
		chainResult := chain.Execute(ctx, stage, req, chainEmit, observer)
		run.recordAttempts(chainResult.Attempts)
		return chainResult
	}

	// Transcription.
	transcript := strings.TrimSpace(input.Text)
	if input.Modality == ModalityAudio {
		if err := o.step(run, PhaseTranscribing); err != nil {
			return result, err
		}
		text, status := o.transcribe(turnCtx, runChain, turnID, input.Audio, emit, run)
		if status == stagerunner.ChainCancelled {
			return o.finishAborted(run, result, started, transcript)
		}
		transcript = text
	}
	result.Transcript = transcript

	if err := o.step(run, PhaseGenerating); err != nil {
		return result, err
	}

	// Generation and synthesis overlap: sentences stream from the LLM chain
	// into a bounded synthesis window while the outbound merger keeps audio
	// in sentence order.
	ttsSeq := &orderedmerge.Sequencer{}
	merger, err := orderedmerge.NewMerger(func(chunk contracts.Chunk) error {
		o.metrics.ObserveChunk(string(contracts.StageTTS))
		return emit(chunk)
	}, ttsSeq, o.window)
	if err != nil {
		return result, err
	}
	headAdvance := make(chan struct{}, 1)
	notifyHead := func() {
		select {
		case headAdvance <- struct{}{}:
		default:
		}
	}

	var synthesizing sync.Once
	// The sentence channel is never closed: a provider call that outlived its
	// teardown grace may still be blocked in a late send, and closing would
	// turn that straggler into a panic. The producer signals completion on
	// genDone instead; stragglers are released when the group context ends.
	sentences := make(chan segment.Sentence)
	genDone := make(chan struct{})
	group, groupCtx := errgroup.WithContext(turnCtx)

	group.Go(func() error {
		defer close(genDone)
		return o.generate(groupCtx, runChain, turnID, transcript, emit, run, sentences)
	})

	group.Go(func() error {
		for {
			var sentence segment.Sentence
			select {
			case <-groupCtx.Done():
				return groupCtx.Err()
			case <-genDone:
				return nil
			case sentence = <-sentences:
			}
			for sentence.Index >= merger.Head()+o.window {
				select {
				case <-groupCtx.Done():
					return groupCtx.Err()
				case <-headAdvance:
				}
			}
			synthesizing.Do(func() {
				_ = o.step(run, PhaseSynthesizing)
			})
			s := sentence
			group.Go(func() error {
				return o.synthesize(groupCtx, runChain, turnID, s, merger, notifyHead, run)
			})
		}
	})

	if err := group.Wait(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return o.finishAborted(run, result, started, transcript)
		}
		o.archive(session.TurnRecord{
			TurnID:    turnID,
			Status:    session.TurnFailed,
			UserText:  transcript,
			StartedAt: started,
			Elapsed:   o.now().Sub(started),
			Attempts:  attemptRecords(run.attempts),
		})
		o.metrics.ObserveTurn(string(session.TurnFailed))
		return result, err
	}
	if ctx.Err() != nil {
		return o.finishAborted(run, result, started, transcript)
	}

	if err := o.step(run, PhaseFlushing); err != nil {
		return result, err
	}
	if o.flusher != nil {
		if err := o.flusher.FlushTurn(ctx, turnID, ttsSeq.Assigned()-1); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return o.finishAborted(run, result, started, transcript)
			}
			o.archive(session.TurnRecord{
				TurnID:        turnID,
				Status:        session.TurnFailed,
				UserText:      transcript,
				AssistantText: run.replyText(),
				StartedAt:     started,
				Elapsed:       o.now().Sub(started),
				Attempts:      attemptRecords(run.attempts),
			})
			o.metrics.ObserveTurn(string(session.TurnFailed))
			return result, fmt.Errorf("flush turn %s: %w", turnID, err)
		}
	}
	if err := o.step(run, PhaseCompleted); err != nil {
		return result, err
	}

	reply := run.replyText()
	elapsed := o.now().Sub(started)
	o.archive(session.TurnRecord{
		TurnID:        turnID,
		Status:        session.TurnCompleted,
		UserText:      transcript,
		AssistantText: reply,
		StartedAt:     started,
		Elapsed:       elapsed,
		Attempts:      attemptRecords(run.attempts),
	})
	o.metrics.ObserveTurn(string(session.TurnCompleted))

	result.Status = session.TurnCompleted
	result.Phase = PhaseCompleted
	result.Reply = reply
	result.Sentences = merger.Head()
	result.Attempts = run.attempts
	result.Degraded = run.degraded
	result.Elapsed = elapsed
	return result, nil
}

// transcribe runs the STT chain, returning the final transcript and the
// chain status. Exhaustion and budget expiry degrade to the configured
// placeholder (or the partial transcript when one streamed) instead of
// failing the turn.
func (o *Orchestrator) transcribe(
	ctx context.Context,
	runChain chainFunc,
	turnID string,
	audio []byte,
	emit contracts.Emit,
	run *turnRun,
) (string, stagerunner.ChainStatus) {
	seq := &orderedmerge.Sequencer{}
	var mu sync.Mutex
	var partial strings.Builder

	chainResult := runChain(ctx, contracts.StageSTT, contracts.Request{TurnID: turnID, Audio: audio}, func(chunk contracts.Chunk) error {
		mu.Lock()
		partial.WriteString(chunk.Text)
		mu.Unlock()
		chunk.Seq = seq.Next()
		o.metrics.ObserveChunk(string(contracts.StageSTT))
		return emit(chunk)
	})

	mu.Lock()
	text := strings.TrimSpace(partial.String())
	mu.Unlock()

	switch chainResult.Status {
	case stagerunner.ChainAccepted:
		return text, chainResult.Status
	case stagerunner.ChainCancelled:
		return "", chainResult.Status
	default:
		run.markDegraded(contracts.StageSTT)
		o.emitter.DegradedDefault(turnID, string(contracts.StageSTT), string(chainResult.Status))
		o.metrics.ObserveDegraded(string(contracts.StageSTT))
		if text != "" {
			return text, chainResult.Status
		}
		d, err := o.defaults.ForStage(contracts.StageSTT)
		if err != nil {
			return "", chainResult.Status
		}
		return d.Text, chainResult.Status
	}
}

type chainFunc func(ctx context.Context, stage contracts.Stage, req contracts.Request, emit contracts.Emit) stagerunner.ChainResult

// generate runs the LLM chain, streaming text chunks outbound and completed
// sentences into the synthesis channel. An empty transcript or an exhausted
// chain substitutes the configured reply so the turn still speaks.
func (o *Orchestrator) generate(
	ctx context.Context,
	runChain chainFunc,
	turnID string,
	transcript string,
	emit contracts.Emit,
	run *turnRun,
	sentences chan<- segment.Sentence,
) error {
	seq := &orderedmerge.Sequencer{}
	// segMu guards the segmenter and send error against late emits from a
	// leaked provider call racing the post-chain flush.
	var segMu sync.Mutex
	seg := segment.New(o.segment)
	send := func(sentence segment.Sentence) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sentences <- sentence:
			return nil
		}
	}

	degradeReply := func(reason string) error {
		run.markDegraded(contracts.StageLLM)
		o.emitter.DegradedDefault(turnID, string(contracts.StageLLM), reason)
		o.metrics.ObserveDegraded(string(contracts.StageLLM))
		chunk, err := o.defaults.Chunk(contracts.StageLLM, turnID)
		if err != nil {
			return err
		}
		chunk.Seq = seq.Next()
		o.metrics.ObserveChunk(string(contracts.StageLLM))
		if err := emit(chunk); err != nil {
			return err
		}
		run.appendReply(chunk.Text)
		segMu.Lock()
		index := seg.Count()
		segMu.Unlock()
		return send(segment.Sentence{Index: index, Text: chunk.Text})
	}

	if transcript == "" {
		return degradeReply("empty_transcript")
	}

	var history []contracts.Exchange
	if o.store != nil {
		history = o.store.History()
	}
	var sendErr error
	chainResult := runChain(ctx, contracts.StageLLM, contracts.Request{TurnID: turnID, Text: transcript, History: history}, func(chunk contracts.Chunk) error {
		run.appendReply(chunk.Text)
		fragment := chunk.Text
		chunk.Seq = seq.Next()
		o.metrics.ObserveChunk(string(contracts.StageLLM))
		if err := emit(chunk); err != nil {
			return err
		}
		segMu.Lock()
		cut := seg.Feed(fragment)
		segMu.Unlock()
		for _, sentence := range cut {
			if err := send(sentence); err != nil {
				segMu.Lock()
				sendErr = err
				segMu.Unlock()
				return err
			}
		}
		return nil
	})

	flush := func() (segment.Sentence, bool) {
		segMu.Lock()
		defer segMu.Unlock()
		return seg.Flush()
	}

	switch chainResult.Status {
	case stagerunner.ChainAccepted:
		if sentence, ok := flush(); ok {
			return send(sentence)
		}
		return nil
	case stagerunner.ChainCancelled:
		segMu.Lock()
		err := sendErr
		segMu.Unlock()
		if err != nil {
			return err
		}
		return context.Canceled
	default:
		// Partial output already streamed still gets spoken; only a silent
		// exhaustion substitutes the canned reply.
		if sentence, ok := flush(); ok {
			if err := send(sentence); err != nil {
				return err
			}
		}
		if run.replyText() != "" {
			run.markDegraded(contracts.StageLLM)
			o.emitter.DegradedDefault(turnID, string(contracts.StageLLM), string(chainResult.Status))
			o.metrics.ObserveDegraded(string(contracts.StageLLM))
			return nil
		}
		return degradeReply(string(chainResult.Status))
	}
}

// synthesize runs one sentence's TTS chain into the ordered merger. Chain
// exhaustion substitutes the canned audio clip for this sentence only;
// subsequent sentences continue undisturbed.
func (o *Orchestrator) synthesize(
	ctx context.Context,
	runChain chainFunc,
	turnID string,
	sentence segment.Sentence,
	merger *orderedmerge.Merger,
	notifyHead func(),
	run *turnRun,
) error {
	chainResult := runChain(ctx, contracts.StageTTS, contracts.Request{TurnID: turnID, Text: sentence.Text}, func(chunk contracts.Chunk) error {
		return merger.Push(sentence.Index, chunk)
	})

	switch chainResult.Status {
	case stagerunner.ChainAccepted:
	case stagerunner.ChainCancelled:
		return context.Canceled
	default:
		run.markDegraded(contracts.StageTTS)
		o.emitter.DegradedDefault(turnID, string(contracts.StageTTS), string(chainResult.Status))
		o.metrics.ObserveDegraded(string(contracts.StageTTS))
		chunk, err := o.defaults.Chunk(contracts.StageTTS, turnID)
		if err != nil {
			return err
		}
		if err := merger.Push(sentence.Index, chunk); err != nil {
			return err
		}
	}
	if err := merger.Close(sentence.Index); err != nil {
		return err
	}
	notifyHead()
	return nil
}

func (o *Orchestrator) finishAborted(run *turnRun, result Result, started time.Time, transcript string) (Result, error) {
	run.mu.Lock()
	from := run.fsm.current()
	_ = run.fsm.transition(PhaseAborted)
	run.mu.Unlock()
	o.emitter.TurnTransition(run.turnID, string(from), string(PhaseAborted))

	elapsed := o.now().Sub(started)
	o.archive(session.TurnRecord{
		TurnID:    run.turnID,
		Status:    session.TurnAborted,
		UserText:  transcript,
		StartedAt: started,
		Elapsed:   elapsed,
		Attempts:  attemptRecords(run.attempts),
	})
	o.metrics.ObserveTurn(string(session.TurnAborted))

	result.Status = session.TurnAborted
	result.Phase = PhaseAborted
	result.Transcript = transcript
	result.Reply = run.replyText()
	result.Attempts = run.attempts
	result.Degraded = run.degraded
	result.Elapsed = elapsed
	return result, nil
}

func (o *Orchestrator) archive(record session.TurnRecord) {
	if o.store == nil {
		return
	}
	_ = o.store.Archive(record)
}

func attemptRecords(attempts []stagerunner.Attempt) []session.AttemptRecord {
	out := make([]session.AttemptRecord, 0, len(attempts))
	for _, attempt := range attempts {
		out = append(out, session.AttemptRecord{
			Stage:      attempt.Stage,
			ProviderID: attempt.ProviderID,
			Outcome:    attempt.Outcome,
			Elapsed:    attempt.Elapsed,
			Hedge:      attempt.Hedge,
		})
	}
	return out
}
