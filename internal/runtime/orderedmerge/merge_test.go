package orderedmerge

import (
	"testing"

	"github.com/tiger/voiceloop/internal/runtime/provider/contracts"
)

func collector(out *[]contracts.Chunk) contracts.Emit {
	return func(chunk contracts.Chunk) error {
		*out = append(*out, chunk)
		return nil
	}
}

func audioChunk(text string) contracts.Chunk {
	return contracts.Chunk{TurnID: "turn-1", Stage: contracts.StageTTS, Text: text, Audio: []byte{0x01}}
}

func TestSequencerMonotonic(t *testing.T) {
	t.Parallel()

	seq := &Sequencer{}
	for want := int64(0); want < 5; want++ {
		if got := seq.Next(); got != want {
			t.Fatalf("expected seq %d, got %d", want, got)
		}
	}
	if seq.Assigned() != 5 {
		t.Fatalf("expected 5 assigned, got %d", seq.Assigned())
	}
}

func TestHeadSentenceStreamsThrough(t *testing.T) {
	t.Parallel()

	var out []contracts.Chunk
	merger, err := NewMerger(collector(&out), &Sequencer{}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := merger.Push(0, audioChunk("a")); err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	if err := merger.Push(0, audioChunk("b")); err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected head chunks forwarded immediately, got %d", len(out))
	}
	if out[0].Seq != 0 || out[1].Seq != 1 {
		t.Fatalf("expected seq 0,1, got %d,%d", out[0].Seq, out[1].Seq)
	}
	if out[0].Sentence != 0 || out[1].Sentence != 0 {
		t.Fatalf("expected sentence 0 stamped, got %d,%d", out[0].Sentence, out[1].Sentence)
	}
}

func TestLaterSentenceHeldUntilPredecessorCloses(t *testing.T) {
	t.Parallel()

	var out []contracts.Chunk
	merger, err := NewMerger(collector(&out), &Sequencer{}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Sentence 1 finishes synthesis before sentence 0.
	if err := merger.Push(1, audioChunk("s1-a")); err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	if err := merger.Close(1); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected sentence 1 held, got %d chunks", len(out))
	}
	if merger.Pending() != 1 {
		t.Fatalf("expected one pending sentence, got %d", merger.Pending())
	}

	if err := merger.Push(0, audioChunk("s0-a")); err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	if err := merger.Close(0); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	if len(out) != 2 {
		t.Fatalf("expected both sentences drained, got %d chunks", len(out))
	}
	if out[0].Text != "s0-a" || out[1].Text != "s1-a" {
		t.Fatalf("expected sentence order s0,s1, got %q,%q", out[0].Text, out[1].Text)
	}
	if out[0].Seq != 0 || out[1].Seq != 1 {
		t.Fatalf("expected monotonic seq, got %d,%d", out[0].Seq, out[1].Seq)
	}
	if merger.Head() != 2 {
		t.Fatalf("expected head advanced to 2, got %d", merger.Head())
	}
	if merger.Pending() != 0 {
		t.Fatalf("expected no pending sentences, got %d", merger.Pending())
	}
}

func TestOpenSuccessorStreamsAfterBecomingHead(t *testing.T) {
	t.Parallel()

	var out []contracts.Chunk
	merger, err := NewMerger(collector(&out), &Sequencer{}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := merger.Push(1, audioChunk("s1-early")); err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	if err := merger.Push(0, audioChunk("s0")); err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	if err := merger.Close(0); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	// Sentence 1 is now the head with its early chunk flushed; further chunks
	// stream directly.
	if merger.Head() != 1 {
		t.Fatalf("expected head 1, got %d", merger.Head())
	}
	if err := merger.Push(1, audioChunk("s1-late")); err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	if err := merger.Close(1); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	want := []string{"s0", "s1-early", "s1-late"}
	if len(out) != len(want) {
		t.Fatalf("expected %d chunks, got %d", len(want), len(out))
	}
	for i, text := range want {
		if out[i].Text != text {
			t.Fatalf("chunk %d: expected %q, got %q", i, text, out[i].Text)
		}
		if out[i].Seq != int64(i) {
			t.Fatalf("chunk %d: expected seq %d, got %d", i, i, out[i].Seq)
		}
	}
}

func TestWindowBoundsHolding(t *testing.T) {
	t.Parallel()

	var out []contracts.Chunk
	merger, err := NewMerger(collector(&out), &Sequencer{}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := merger.Push(1, audioChunk("s1")); err != nil {
		t.Fatalf("expected sentence 1 within window: %v", err)
	}
	if err := merger.Push(2, audioChunk("s2")); err == nil {
		t.Fatalf("expected sentence 2 rejected outside window")
	}
}

func TestStaleSentenceRejected(t *testing.T) {
	t.Parallel()

	var out []contracts.Chunk
	merger, err := NewMerger(collector(&out), &Sequencer{}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := merger.Close(0); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if err := merger.Push(0, audioChunk("late")); err == nil {
		t.Fatalf("expected push for drained sentence to fail")
	}
	if err := merger.Close(0); err == nil {
		t.Fatalf("expected double close to fail")
	}
}

func TestNewMergerValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewMerger(nil, &Sequencer{}, 2); err == nil {
		t.Fatalf("expected error for nil forward")
	}
	if _, err := NewMerger(func(contracts.Chunk) error { return nil }, nil, 2); err == nil {
		t.Fatalf("expected error for nil sequencer")
	}
	if _, err := NewMerger(func(contracts.Chunk) error { return nil }, &Sequencer{}, 0); err == nil {
		t.Fatalf("expected error for zero window")
	}
}
