package stagerunner

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tiger/voiceloop/internal/runtime/provider/contracts"
)

type recordingReporter struct {
	mu       sync.Mutex
	outcomes []contracts.Outcome
	ids      []string
}

func (r *recordingReporter) ReportOutcome(providerID string, outcome contracts.Outcome, elapsed time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, providerID)
	r.outcomes = append(r.outcomes, outcome)
	return nil
}

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

func (s *chunkSink) collected() []contracts.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contracts.Chunk, len(s.chunks))
	copy(out, s.chunks)
	return out
}

func sttRequest(turnID string) contracts.Request {
	return contracts.Request{TurnID: turnID, Audio: []byte{0x01}}
}

func TestRunnerSuccessStampsAndCounts(t *testing.T) {
	t.Parallel()

	reporter := &recordingReporter{}
	runner := New(Config{Reporter: reporter})
	adapter := contracts.StaticAdapter{
		ID:   "stt-a",
		Kind: contracts.StageSTT,
		Script: []contracts.ScriptStep{
			{Text: "hello"},
			{Text: "world"},
		},
	}

	sink := &chunkSink{}
	attempt := runner.Run(context.Background(), adapter, sttRequest("turn-1"), 200*time.Millisecond, false, sink.emit)

	if attempt.Outcome != contracts.OutcomeSuccess {
		t.Fatalf("expected success outcome, got %s (%s)", attempt.Outcome, attempt.Reason)
	}
	if attempt.Chunks != 2 {
		t.Fatalf("expected 2 chunks counted, got %d", attempt.Chunks)
	}
	if attempt.AttemptID == "" {
		t.Fatalf("expected generated attempt id")
	}
	if attempt.Leaked {
		t.Fatalf("expected clean completion, got leaked attempt")
	}
	chunks := sink.collected()
	if len(chunks) != 2 {
		t.Fatalf("expected 2 delivered chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if chunk.TurnID != "turn-1" {
			t.Fatalf("chunk %d: expected turn id stamped, got %q", i, chunk.TurnID)
		}
		if chunk.Stage != contracts.StageSTT {
			t.Fatalf("chunk %d: expected stt stage stamped, got %q", i, chunk.Stage)
		}
	}
	if chunks[1].Final != true {
		t.Fatalf("expected last chunk marked final")
	}
	if len(reporter.outcomes) != 1 || reporter.outcomes[0].Class != contracts.OutcomeSuccess {
		t.Fatalf("expected one success report, got %+v", reporter.outcomes)
	}
	if reporter.ids[0] != "stt-a" {
		t.Fatalf("expected report for stt-a, got %s", reporter.ids[0])
	}
}

func TestRunnerDeadlineExpiryIsTimeout(t *testing.T) {
	t.Parallel()

	runner := New(Config{})
	adapter := contracts.StaticAdapter{
		ID:   "stt-slow",
		Kind: contracts.StageSTT,
		InvokeFn: func(ctx context.Context, req contracts.Request, emit contracts.Emit) (contracts.Outcome, error) {
			<-ctx.Done()
			return contracts.CtxOutcome(ctx), nil
		},
	}

	sink := &chunkSink{}
	attempt := runner.Run(context.Background(), adapter, sttRequest("turn-2"), 20*time.Millisecond, false, sink.emit)

	if attempt.Outcome != contracts.OutcomeTimeout {
		t.Fatalf("expected timeout outcome, got %s (%s)", attempt.Outcome, attempt.Reason)
	}
	if attempt.Leaked {
		t.Fatalf("cooperative adapter should not be flagged leaked")
	}
	if len(sink.collected()) != 0 {
		t.Fatalf("expected no chunks from timed-out attempt")
	}
}

func TestRunnerFlagsLeakAndSealsEmit(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	emitted := make(chan error, 1)
	adapter := contracts.StaticAdapter{
		ID:   "stt-stuck",
		Kind: contracts.StageSTT,
		InvokeFn: func(ctx context.Context, req contracts.Request, emit contracts.Emit) (contracts.Outcome, error) {
			// Ignores cancellation until released, then tries a late emit.
			<-release
			emitted <- emit(contracts.Chunk{Text: "late"})
			return contracts.Outcome{Class: contracts.OutcomeSuccess}, nil
		},
	}

	runner := New(Config{TeardownGrace: 30 * time.Millisecond})
	sink := &chunkSink{}
	attempt := runner.Run(context.Background(), adapter, sttRequest("turn-3"), 20*time.Millisecond, false, sink.emit)

	if !attempt.Leaked {
		t.Fatalf("expected leak flag after teardown grace expiry")
	}
	if attempt.Outcome != contracts.OutcomeTimeout {
		t.Fatalf("expected timeout outcome for expired deadline, got %s", attempt.Outcome)
	}

	close(release)
	if err := <-emitted; err == nil {
		t.Fatalf("expected post-terminal emit to be rejected")
	}
	if len(sink.collected()) != 0 {
		t.Fatalf("expected no chunks delivered after attempt sealed")
	}
}

func TestRunnerNormalizesAdapterError(t *testing.T) {
	t.Parallel()

	reporter := &recordingReporter{}
	runner := New(Config{Reporter: reporter})
	adapter := contracts.StaticAdapter{
		ID:   "stt-broken",
		Kind: contracts.StageSTT,
		InvokeFn: func(ctx context.Context, req contracts.Request, emit contracts.Emit) (contracts.Outcome, error) {
			return contracts.Outcome{}, fmt.Errorf("upstream 503")
		},
	}

	attempt := runner.Run(context.Background(), adapter, sttRequest("turn-4"), 50*time.Millisecond, false, func(contracts.Chunk) error { return nil })

	if attempt.Outcome != contracts.OutcomeProviderError {
		t.Fatalf("expected provider_error, got %s", attempt.Outcome)
	}
	if attempt.Reason != "adapter_invoke_error" {
		t.Fatalf("expected adapter_invoke_error reason, got %q", attempt.Reason)
	}
	if len(reporter.outcomes) != 1 || !reporter.outcomes[0].Retryable {
		t.Fatalf("expected retryable provider_error report, got %+v", reporter.outcomes)
	}
}

func TestRunnerRejectsMalformedOutcome(t *testing.T) {
	t.Parallel()

	runner := New(Config{})
	adapter := contracts.StaticAdapter{
		ID:   "stt-odd",
		Kind: contracts.StageSTT,
		InvokeFn: func(ctx context.Context, req contracts.Request, emit contracts.Emit) (contracts.Outcome, error) {
			return contracts.Outcome{Class: "partial"}, nil
		},
	}

	attempt := runner.Run(context.Background(), adapter, sttRequest("turn-5"), 50*time.Millisecond, false, func(contracts.Chunk) error { return nil })

	if attempt.Outcome != contracts.OutcomeProviderError {
		t.Fatalf("expected provider_error for malformed outcome, got %s", attempt.Outcome)
	}
	if attempt.Reason != "malformed_outcome" {
		t.Fatalf("expected malformed_outcome reason, got %q", attempt.Reason)
	}
}

func TestRunnerParentCancelIsCancelled(t *testing.T) {
	t.Parallel()

	runner := New(Config{})
	adapter := contracts.StaticAdapter{
		ID:   "stt-wait",
		Kind: contracts.StageSTT,
		InvokeFn: func(ctx context.Context, req contracts.Request, emit contracts.Emit) (contracts.Outcome, error) {
			<-ctx.Done()
			return contracts.CtxOutcome(ctx), nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	attempt := runner.Run(ctx, adapter, sttRequest("turn-6"), time.Second, false, func(contracts.Chunk) error { return nil })

	if attempt.Outcome != contracts.OutcomeCancelled {
		t.Fatalf("expected cancelled outcome on parent abort, got %s", attempt.Outcome)
	}
}
