// Package orderedmerge serializes concurrently produced per-sentence chunk
// streams into one sentence-ordered, sequence-numbered outbound stream. TTS
// runners for later sentences may finish first; their chunks wait in a
// bounded hold until every earlier sentence has fully drained.
package orderedmerge

import (
	"fmt"
	"sync"

	"github.com/tiger/voiceloop/internal/runtime/provider/contracts"
)

// Sequencer assigns the canonical outbound sequence numbers for one stage of
// one turn. Provider-assigned numbering is discarded so fallback and hedge
// continuations never produce gaps or duplicates.
type Sequencer struct {
	mu   sync.Mutex
	next int64
}

// Next returns the next outbound sequence number.
func (s *Sequencer) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.next
	s.next++
	return n
}

// Assigned reports how many sequence numbers have been handed out.
func (s *Sequencer) Assigned() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// slot accumulates one sentence's chunks until the sentence becomes the head
// of the sentence order.
type slot struct {
	chunks []contracts.Chunk
	closed bool
}

// Merger is the sentence-order gate for one turn's synthesis output. Chunks
// for the head sentence pass straight through; chunks for later sentences are
// held. The hold is bounded by the synthesis window, so a stalled sentence
// can never grow the buffer without limit.
type Merger struct {
	mu      sync.Mutex
	forward contracts.Emit
	seq     *Sequencer
	head    int
	held    map[int]*slot
	window  int
}

// NewMerger builds a merger that forwards ordered chunks through forward,
// stamping each with the next outbound sequence number. window bounds how
// many sentences past the head may hold chunks at once.
func NewMerger(forward contracts.Emit, seq *Sequencer, window int) (*Merger, error) {
	if forward == nil {
		return nil, fmt.Errorf("forward emit is required")
	}
	if seq == nil {
		return nil, fmt.Errorf("sequencer is required")
	}
	if window < 1 {
		return nil, fmt.Errorf("window must be >=1")
	}
	return &Merger{
		forward: forward,
		seq:     seq,
		held:    make(map[int]*slot),
		window:  window,
	}, nil
}

// Push routes one chunk for the given sentence. Head-sentence chunks are
// forwarded immediately; later sentences are held in order.
func (m *Merger) Push(sentence int, chunk contracts.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sentence < m.head {
		return fmt.Errorf("sentence %d already drained (head %d)", sentence, m.head)
	}
	if sentence == m.head {
		return m.emitLocked(sentence, chunk)
	}
	if sentence >= m.head+m.window {
		return fmt.Errorf("sentence %d outside hold window (head %d, window %d)", sentence, m.head, m.window)
	}
	s := m.held[sentence]
	if s == nil {
		s = &slot{}
		m.held[sentence] = s
	}
	if s.closed {
		return fmt.Errorf("sentence %d already closed", sentence)
	}
	s.chunks = append(s.chunks, chunk)
	return nil
}

// Close marks one sentence's stream complete. Closing the head sentence
// advances it and drains any already-complete successors.
func (m *Merger) Close(sentence int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sentence < m.head {
		return fmt.Errorf("sentence %d already drained (head %d)", sentence, m.head)
	}
	if sentence > m.head {
		s := m.held[sentence]
		if s == nil {
			s = &slot{}
			m.held[sentence] = s
		}
		s.closed = true
		return nil
	}

	delete(m.held, sentence)
	m.head++
	return m.drainLocked()
}

// Pending reports how many sentences currently hold undelivered chunks.
func (m *Merger) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

// Head returns the sentence currently allowed to stream directly.
func (m *Merger) Head() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.head
}

// drainLocked flushes consecutive held sentences starting at the head,
// stopping at the first sentence that is still open.
func (m *Merger) drainLocked() error {
	for {
		s, ok := m.held[m.head]
		if !ok {
			return nil
		}
		for _, chunk := range s.chunks {
			if err := m.emitLocked(m.head, chunk); err != nil {
				return err
			}
		}
		if !s.closed {
			s.chunks = nil
			return nil
		}
		delete(m.held, m.head)
		m.head++
	}
}

func (m *Merger) emitLocked(sentence int, chunk contracts.Chunk) error {
	chunk.Sentence = sentence
	chunk.Seq = m.seq.Next()
	return m.forward(chunk)
}
