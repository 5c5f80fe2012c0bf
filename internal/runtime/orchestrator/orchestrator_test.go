package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tiger/voiceloop/internal/runtime/budget"
	"github.com/tiger/voiceloop/internal/runtime/provider/contracts"
	"github.com/tiger/voiceloop/internal/runtime/provider/registry"
	"github.com/tiger/voiceloop/internal/runtime/session"
)

type chunkSink struct {
	mu     sync.Mutex
	chunks []contracts.Chunk
}

func (s *chunkSink) emit(chunk contracts.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *chunkSink) byStage(stage contracts.Stage) []contracts.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []contracts.Chunk
	for _, chunk := range s.chunks {
		if chunk.Stage == stage {
			out = append(out, chunk)
		}
	}
	return out
}

func testBudget() budget.Table {
	return budget.Table{
		Turn: budget.Thresholds{Target: 2 * time.Second, Critical: 3 * time.Second, Blocking: 5 * time.Second},
		Stages: map[contracts.Stage]budget.Thresholds{
			contracts.StageSTT: {Target: 100 * time.Millisecond, Critical: 200 * time.Millisecond, Blocking: 500 * time.Millisecond},
			contracts.StageLLM: {Target: 150 * time.Millisecond, Critical: 300 * time.Millisecond, Blocking: time.Second},
			contracts.StageTTS: {Target: 100 * time.Millisecond, Critical: 300 * time.Millisecond, Blocking: time.Second},
		},
	}
}

func testSLA() registry.SLA {
	return registry.SLA{Target: 100 * time.Millisecond, Critical: 300 * time.Millisecond, Blocking: time.Second}
}

func register(t *testing.T, reg *registry.Registry, adapter contracts.Adapter, stage contracts.Stage, priority int) {
	t.Helper()
	err := reg.Register(registry.Descriptor{
		ProviderID: adapter.ProviderID(),
		Stage:      stage,
		SLA:        testSLA(),
		Priority:   priority,
	}, adapter)
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
}

func passthroughTTS(id string, delayFor func(text string) time.Duration) contracts.StaticAdapter {
	return contracts.StaticAdapter{
		ID:   id,
		Kind: contracts.StageTTS,
		InvokeFn: func(ctx context.Context, req contracts.Request, emit contracts.Emit) (contracts.Outcome, error) {
			if delayFor != nil {
				select {
				case <-ctx.Done():
					return contracts.CtxOutcome(ctx), nil
				case <-time.After(delayFor(req.Text)):
				}
			}
			chunk := contracts.Chunk{TurnID: req.TurnID, Text: req.Text, Audio: []byte(req.Text), Final: true}
			if err := emit(chunk); err != nil {
				return contracts.Outcome{}, err
			}
			return contracts.Outcome{Class: contracts.OutcomeSuccess}, nil
		},
	}
}

func failingAdapter(id string, stage contracts.Stage) contracts.StaticAdapter {
	return contracts.StaticAdapter{
		ID:   id,
		Kind: stage,
		InvokeFn: func(ctx context.Context, req contracts.Request, emit contracts.Emit) (contracts.Outcome, error) {
			return contracts.Outcome{Class: contracts.OutcomeProviderError, Retryable: true, Reason: "upstream_500"}, nil
		},
	}
}

func newOrchestrator(t *testing.T, reg *registry.Registry, store *session.Store) *Orchestrator {
	t.Helper()
	orch, err := New(Config{Registry: reg, Budget: testBudget(), Store: store})
	if err != nil {
		t.Fatalf("unexpected orchestrator error: %v", err)
	}
	return orch
}

func TestTextTurnStreamsTwoSentences(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	register(t, reg, contracts.StaticAdapter{
		ID:   "llm-a",
		Kind: contracts.StageLLM,
		Script: []contracts.ScriptStep{
			{Text: "The first point stands. "},
			{Text: "The second point follows."},
		},
	}, contracts.StageLLM, 0)
	register(t, reg, passthroughTTS("tts-a", nil), contracts.StageTTS, 0)

	store, err := session.NewStore("sess-1", 4, reg)
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	orch := newOrchestrator(t, reg, store)

	sink := &chunkSink{}
	result, err := orch.RunTurn(context.Background(), Input{
		SessionID: "sess-1",
		TurnID:    "turn-1",
		Modality:  ModalityText,
		Text:      "tell me two things",
	}, sink.emit)
	if err != nil {
		t.Fatalf("unexpected turn error: %v", err)
	}

	if result.Status != session.TurnCompleted {
		t.Fatalf("expected completed turn, got %s", result.Status)
	}
	if result.Phase != PhaseCompleted {
		t.Fatalf("expected completed phase, got %s", result.Phase)
	}
	if result.Sentences != 2 {
		t.Fatalf("expected two sentences synthesized, got %d", result.Sentences)
	}
	if want := "The first point stands. The second point follows."; result.Reply != want {
		t.Fatalf("expected reply %q, got %q", want, result.Reply)
	}
	if len(result.Degraded) != 0 {
		t.Fatalf("expected no degraded stages, got %v", result.Degraded)
	}

	audio := sink.byStage(contracts.StageTTS)
	if len(audio) != 2 {
		t.Fatalf("expected two audio chunks, got %d", len(audio))
	}
	for i, chunk := range audio {
		if chunk.Seq != int64(i) {
			t.Fatalf("audio chunk %d: expected seq %d, got %d", i, i, chunk.Seq)
		}
		if chunk.Sentence != i {
			t.Fatalf("audio chunk %d: expected sentence %d, got %d", i, i, chunk.Sentence)
		}
	}
	if audio[0].Text != "The first point stands." {
		t.Fatalf("expected sentence 0 audio first, got %q", audio[0].Text)
	}

	turns := store.Turns()
	if len(turns) != 1 || turns[0].Status != session.TurnCompleted {
		t.Fatalf("expected archived completed turn, got %+v", turns)
	}
	history := store.History()
	if len(history) != 1 || history[0].UserText != "tell me two things" {
		t.Fatalf("expected history exchange recorded, got %+v", history)
	}
}

func TestAudioTurnTranscribesBeforeGenerating(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	register(t, reg, contracts.StaticAdapter{
		ID:     "stt-a",
		Kind:   contracts.StageSTT,
		Script: []contracts.ScriptStep{{Text: "what is the weather"}},
	}, contracts.StageSTT, 0)
	register(t, reg, contracts.StaticAdapter{
		ID:     "llm-a",
		Kind:   contracts.StageLLM,
		Script: []contracts.ScriptStep{{Text: "It looks sunny outside."}},
	}, contracts.StageLLM, 0)
	register(t, reg, passthroughTTS("tts-a", nil), contracts.StageTTS, 0)

	orch := newOrchestrator(t, reg, nil)
	sink := &chunkSink{}
	result, err := orch.RunTurn(context.Background(), Input{
		TurnID:   "turn-2",
		Modality: ModalityAudio,
		Audio:    []byte{0x01, 0x02},
	}, sink.emit)
	if err != nil {
		t.Fatalf("unexpected turn error: %v", err)
	}

	if result.Transcript != "what is the weather" {
		t.Fatalf("unexpected transcript %q", result.Transcript)
	}
	if result.Reply != "It looks sunny outside." {
		t.Fatalf("unexpected reply %q", result.Reply)
	}
	if got := sink.byStage(contracts.StageSTT); len(got) != 1 {
		t.Fatalf("expected transcript chunk forwarded, got %d", len(got))
	}
}

func TestAudioDeliveredInSentenceOrderDespiteOutOfOrderSynthesis(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	register(t, reg, contracts.StaticAdapter{
		ID:   "llm-a",
		Kind: contracts.StageLLM,
		Script: []contracts.ScriptStep{
			{Text: "Slow sentence goes first. "},
			{Text: "Quick sentence goes second."},
		},
	}, contracts.StageLLM, 0)
	register(t, reg, passthroughTTS("tts-a", func(text string) time.Duration {
		if strings.HasPrefix(text, "Slow") {
			return 120 * time.Millisecond
		}
		return 0
	}), contracts.StageTTS, 0)

	orch := newOrchestrator(t, reg, nil)
	sink := &chunkSink{}
	result, err := orch.RunTurn(context.Background(), Input{
		TurnID:   "turn-3",
		Modality: ModalityText,
		Text:     "say two things",
	}, sink.emit)
	if err != nil {
		t.Fatalf("unexpected turn error: %v", err)
	}
	if result.Status != session.TurnCompleted {
		t.Fatalf("expected completed turn, got %s", result.Status)
	}

	audio := sink.byStage(contracts.StageTTS)
	if len(audio) != 2 {
		t.Fatalf("expected two audio chunks, got %d", len(audio))
	}
	if audio[0].Text != "Slow sentence goes first." || audio[1].Text != "Quick sentence goes second." {
		t.Fatalf("expected sentence order preserved, got %q then %q", audio[0].Text, audio[1].Text)
	}
	if audio[0].Seq != 0 || audio[1].Seq != 1 {
		t.Fatalf("expected monotonic audio seq, got %d,%d", audio[0].Seq, audio[1].Seq)
	}
}

func TestSentenceTTSExhaustionDegradesOnlyThatSentence(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	register(t, reg, contracts.StaticAdapter{
		ID:   "llm-a",
		Kind: contracts.StageLLM,
		Script: []contracts.ScriptStep{
			{Text: "Broken sentence comes first. "},
			{Text: "Healthy sentence comes second."},
		},
	}, contracts.StageLLM, 0)
	register(t, reg, contracts.StaticAdapter{
		ID:   "tts-a",
		Kind: contracts.StageTTS,
		InvokeFn: func(ctx context.Context, req contracts.Request, emit contracts.Emit) (contracts.Outcome, error) {
			if strings.HasPrefix(req.Text, "Broken") {
				return contracts.Outcome{Class: contracts.OutcomeProviderError, Retryable: true, Reason: "voice_error"}, nil
			}
			if err := emit(contracts.Chunk{TurnID: req.TurnID, Text: req.Text, Audio: []byte(req.Text), Final: true}); err != nil {
				return contracts.Outcome{}, err
			}
			return contracts.Outcome{Class: contracts.OutcomeSuccess}, nil
		},
	}, contracts.StageTTS, 0)

	orch := newOrchestrator(t, reg, nil)
	sink := &chunkSink{}
	result, err := orch.RunTurn(context.Background(), Input{
		TurnID:   "turn-4",
		Modality: ModalityText,
		Text:     "mixed luck",
	}, sink.emit)
	if err != nil {
		t.Fatalf("unexpected turn error: %v", err)
	}

	if result.Status != session.TurnCompleted {
		t.Fatalf("expected completed turn despite tts exhaustion, got %s", result.Status)
	}
	if !result.Degraded[contracts.StageTTS] {
		t.Fatalf("expected tts marked degraded, got %v", result.Degraded)
	}

	audio := sink.byStage(contracts.StageTTS)
	if len(audio) != 2 {
		t.Fatalf("expected substitute plus healthy audio, got %d", len(audio))
	}
	if audio[0].Sentence != 0 || len(audio[0].Audio) == 0 {
		t.Fatalf("expected canned clip for sentence 0, got %+v", audio[0])
	}
	if audio[1].Text != "Healthy sentence comes second." {
		t.Fatalf("expected healthy sentence delivered after substitute, got %q", audio[1].Text)
	}
}

func TestLLMExhaustionSpeaksApology(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	register(t, reg, failingAdapter("llm-a", contracts.StageLLM), contracts.StageLLM, 0)
	register(t, reg, passthroughTTS("tts-a", nil), contracts.StageTTS, 0)

	orch := newOrchestrator(t, reg, nil)
	sink := &chunkSink{}
	result, err := orch.RunTurn(context.Background(), Input{
		TurnID:   "turn-5",
		Modality: ModalityText,
		Text:     "anyone home",
	}, sink.emit)
	if err != nil {
		t.Fatalf("unexpected turn error: %v", err)
	}

	if result.Status != session.TurnCompleted {
		t.Fatalf("expected completed turn, got %s", result.Status)
	}
	if !result.Degraded[contracts.StageLLM] {
		t.Fatalf("expected llm marked degraded, got %v", result.Degraded)
	}
	if result.Reply == "" {
		t.Fatalf("expected substitute reply text")
	}
	text := sink.byStage(contracts.StageLLM)
	if len(text) != 1 || !text[0].Final {
		t.Fatalf("expected one final substitute text chunk, got %+v", text)
	}
	audio := sink.byStage(contracts.StageTTS)
	if len(audio) != 1 {
		t.Fatalf("expected apology synthesized, got %d audio chunks", len(audio))
	}
}

func TestSTTExhaustionStillReachesGenerating(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	register(t, reg, failingAdapter("stt-a", contracts.StageSTT), contracts.StageSTT, 0)
	register(t, reg, contracts.StaticAdapter{
		ID:     "llm-a",
		Kind:   contracts.StageLLM,
		Script: []contracts.ScriptStep{{Text: "unused"}},
	}, contracts.StageLLM, 0)
	register(t, reg, passthroughTTS("tts-a", nil), contracts.StageTTS, 0)

	orch := newOrchestrator(t, reg, nil)
	sink := &chunkSink{}
	result, err := orch.RunTurn(context.Background(), Input{
		TurnID:   "turn-6",
		Modality: ModalityAudio,
		Audio:    []byte{0x01},
	}, sink.emit)
	if err != nil {
		t.Fatalf("unexpected turn error: %v", err)
	}

	if result.Status != session.TurnCompleted {
		t.Fatalf("expected completed turn, got %s", result.Status)
	}
	if !result.Degraded[contracts.StageSTT] {
		t.Fatalf("expected stt marked degraded, got %v", result.Degraded)
	}
	// Empty placeholder transcript skips the llm chain and speaks the
	// substitute reply instead of hanging on idle.
	if !result.Degraded[contracts.StageLLM] {
		t.Fatalf("expected llm substitute for empty transcript, got %v", result.Degraded)
	}
	if len(sink.byStage(contracts.StageTTS)) == 0 {
		t.Fatalf("expected spoken output for degraded turn")
	}
}

func TestSynthesisOverlapsGeneration(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	register(t, reg, contracts.StaticAdapter{
		ID:   "llm-a",
		Kind: contracts.StageLLM,
		Script: []contracts.ScriptStep{
			{Text: "The early sentence is ready. "},
			{Text: "The late sentence trails behind.", Delay: 150 * time.Millisecond},
		},
	}, contracts.StageLLM, 0)
	register(t, reg, passthroughTTS("tts-a", nil), contracts.StageTTS, 0)

	orch := newOrchestrator(t, reg, nil)
	sink := &chunkSink{}
	result, err := orch.RunTurn(context.Background(), Input{
		TurnID:   "turn-8",
		Modality: ModalityText,
		Text:     "stream please",
	}, sink.emit)
	if err != nil {
		t.Fatalf("unexpected turn error: %v", err)
	}
	if result.Status != session.TurnCompleted {
		t.Fatalf("expected completed turn, got %s", result.Status)
	}

	sink.mu.Lock()
	ordered := append([]contracts.Chunk(nil), sink.chunks...)
	sink.mu.Unlock()
	firstAudio, finalText := -1, -1
	for i, chunk := range ordered {
		if chunk.Stage == contracts.StageTTS && firstAudio < 0 {
			firstAudio = i
		}
		if chunk.Stage == contracts.StageLLM && chunk.Final {
			finalText = i
		}
	}
	if firstAudio < 0 || finalText < 0 {
		t.Fatalf("expected both audio and final text chunks, got %+v", ordered)
	}
	if firstAudio > finalText {
		t.Fatalf("expected sentence 0 audio before the text stream finished, got audio at %d, final text at %d", firstAudio, finalText)
	}
}

func TestScriptedTurnReplayIsIdentical(t *testing.T) {
	t.Parallel()

	runOnce := func() *chunkSink {
		reg := registry.New()
		register(t, reg, contracts.StaticAdapter{
			ID:   "llm-a",
			Kind: contracts.StageLLM,
			Script: []contracts.ScriptStep{
				{Text: "The answer never changes. "},
				{Text: "Neither does the delivery."},
			},
		}, contracts.StageLLM, 0)
		register(t, reg, passthroughTTS("tts-a", nil), contracts.StageTTS, 0)

		orch := newOrchestrator(t, reg, nil)
		sink := &chunkSink{}
		result, err := orch.RunTurn(context.Background(), Input{
			TurnID:   "turn-9",
			Modality: ModalityText,
			Text:     "same question",
		}, sink.emit)
		if err != nil {
			t.Fatalf("unexpected turn error: %v", err)
		}
		if result.Status != session.TurnCompleted {
			t.Fatalf("expected completed turn, got %s", result.Status)
		}
		return sink
	}

	first := runOnce()
	second := runOnce()
	for _, stage := range []contracts.Stage{contracts.StageLLM, contracts.StageTTS} {
		a, b := first.byStage(stage), second.byStage(stage)
		if len(a) != len(b) {
			t.Fatalf("stage %s: expected %d chunks on replay, got %d", stage, len(a), len(b))
		}
		for i := range a {
			if a[i].Seq != b[i].Seq || a[i].Sentence != b[i].Sentence || a[i].Text != b[i].Text || string(a[i].Audio) != string(b[i].Audio) || a[i].Final != b[i].Final {
				t.Fatalf("stage %s chunk %d diverged on replay: %+v vs %+v", stage, i, a[i], b[i])
			}
		}
	}
}

func TestLateEmitAfterTeardownGraceKeepsTurnAlive(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	register(t, reg, contracts.StaticAdapter{
		ID:   "llm-slow",
		Kind: contracts.StageLLM,
		InvokeFn: func(ctx context.Context, req contracts.Request, emit contracts.Emit) (contracts.Outcome, error) {
			if err := emit(contracts.Chunk{Text: "The reply starts on time. "}); err != nil {
				return contracts.CtxOutcome(ctx), nil
			}
			go func() {
				time.Sleep(100 * time.Millisecond)
				_ = emit(contracts.Chunk{Text: "A late fragment appears. "})
				_ = emit(contracts.Chunk{Text: "Another late fragment follows. ", Final: true})
			}()
			// Outlive the teardown grace so the attempt is flagged as leaked
			// and the turn proceeds without waiting.
			time.Sleep(250 * time.Millisecond)
			return contracts.CtxOutcome(ctx), nil
		},
	}, contracts.StageLLM, 0)
	register(t, reg, passthroughTTS("tts-a", func(string) time.Duration {
		return 150 * time.Millisecond
	}), contracts.StageTTS, 0)

	table := testBudget()
	table.Stages[contracts.StageLLM] = budget.Thresholds{Target: 20 * time.Millisecond, Critical: 40 * time.Millisecond, Blocking: 60 * time.Millisecond}

	orch, err := New(Config{Registry: reg, Budget: table, TTSWindow: 1, TeardownGrace: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("unexpected orchestrator error: %v", err)
	}

	sink := &chunkSink{}
	result, err := orch.RunTurn(context.Background(), Input{
		TurnID:   "turn-10",
		Modality: ModalityText,
		Text:     "keep going",
	}, sink.emit)
	if err != nil {
		t.Fatalf("unexpected turn error: %v", err)
	}
	if result.Status != session.TurnCompleted {
		t.Fatalf("expected completed turn despite leaked provider call, got %s", result.Status)
	}
	if !result.Degraded[contracts.StageLLM] {
		t.Fatalf("expected llm marked degraded after timeout, got %v", result.Degraded)
	}
	if !strings.Contains(result.Reply, "The reply starts on time.") {
		t.Fatalf("expected on-time fragment in reply, got %q", result.Reply)
	}
	if len(sink.byStage(contracts.StageTTS)) == 0 {
		t.Fatalf("expected spoken output for the on-time sentence")
	}
	leaked := false
	for _, attempt := range result.Attempts {
		if attempt.Stage == contracts.StageLLM && attempt.Leaked {
			leaked = true
		}
	}
	if !leaked {
		t.Fatalf("expected leaked llm attempt recorded, got %+v", result.Attempts)
	}
}

func TestClientCancelAbortsTurn(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	register(t, reg, contracts.StaticAdapter{
		ID:   "llm-a",
		Kind: contracts.StageLLM,
		InvokeFn: func(ctx context.Context, req contracts.Request, emit contracts.Emit) (contracts.Outcome, error) {
			<-ctx.Done()
			return contracts.CtxOutcome(ctx), nil
		},
	}, contracts.StageLLM, 0)
	register(t, reg, passthroughTTS("tts-a", nil), contracts.StageTTS, 0)

	orch := newOrchestrator(t, reg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	result, err := orch.RunTurn(ctx, Input{
		TurnID:   "turn-7",
		Modality: ModalityText,
		Text:     "never mind",
	}, func(contracts.Chunk) error { return nil })
	if err != nil {
		t.Fatalf("expected abort to be a normal result, got error %v", err)
	}
	if result.Status != session.TurnAborted {
		t.Fatalf("expected aborted turn, got %s", result.Status)
	}
	if result.Phase != PhaseAborted {
		t.Fatalf("expected aborted phase, got %s", result.Phase)
	}
}

func TestInputValidation(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	orch := newOrchestrator(t, reg, nil)

	if _, err := orch.RunTurn(context.Background(), Input{Modality: "video"}, func(contracts.Chunk) error { return nil }); err == nil {
		t.Fatalf("expected error for unknown modality")
	}
	if _, err := orch.RunTurn(context.Background(), Input{Modality: ModalityAudio}, func(contracts.Chunk) error { return nil }); err == nil {
		t.Fatalf("expected error for audio turn without payload")
	}
	if _, err := orch.RunTurn(context.Background(), Input{Modality: ModalityText}, func(contracts.Chunk) error { return nil }); err == nil {
		t.Fatalf("expected error for empty text turn")
	}
	if _, err := orch.RunTurn(context.Background(), Input{Modality: ModalityText, Text: "hi"}, nil); err == nil {
		t.Fatalf("expected error for nil emit")
	}
}
