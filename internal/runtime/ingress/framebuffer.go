// Package ingress smooths inbound client audio before a turn opens. Frames
// arriving over the transport are queued in a bounded buffer and drained as
// one utterance payload when the client signals end of input.
package ingress

import "fmt"

// OverflowPolicy controls what a full buffer drops.
type OverflowPolicy string

const (
	// DropOldest keeps the newest audio, trading away the utterance head.
	DropOldest OverflowPolicy = "drop_oldest"
	// DropNewest refuses new frames once full.
	DropNewest OverflowPolicy = "drop_newest"
)

// Config bounds the frame buffer.
type Config struct {
	MaxFrames int
	Overflow  OverflowPolicy
}

// Frame is one transport audio payload with its client-assigned sequence.
type Frame struct {
	Sequence int64
	PCM      []byte
}

// FrameBuffer is a bounded FIFO over inbound audio frames for one pending
// utterance. Used from the transport read loop only.
type FrameBuffer struct {
	cfg     Config
	queue   []Frame
	dropped int
	bytes   int
}

// New creates a bounded frame buffer.
func New(cfg Config) (*FrameBuffer, error) {
	if cfg.MaxFrames < 1 {
		return nil, fmt.Errorf("max_frames must be >=1")
	}
	switch cfg.Overflow {
	case "", DropOldest, DropNewest:
	default:
		return nil, fmt.Errorf("unsupported overflow policy %q", cfg.Overflow)
	}
	if cfg.Overflow == "" {
		cfg.Overflow = DropOldest
	}
	return &FrameBuffer{cfg: cfg, queue: make([]Frame, 0, cfg.MaxFrames)}, nil
}

// Push inserts one frame and reports whether it was accepted.
func (b *FrameBuffer) Push(frame Frame) bool {
	if len(b.queue) >= b.cfg.MaxFrames {
		b.dropped++
		if b.cfg.Overflow == DropNewest {
			return false
		}
		b.bytes -= len(b.queue[0].PCM)
		copy(b.queue[0:], b.queue[1:])
		b.queue = b.queue[:len(b.queue)-1]
	}
	b.queue = append(b.queue, frame)
	b.bytes += len(frame.PCM)
	return true
}

// Drain concatenates queued frames in arrival order into one utterance
// payload and resets the buffer for the next utterance.
func (b *FrameBuffer) Drain() []byte {
	if len(b.queue) == 0 {
		return nil
	}
	out := make([]byte, 0, b.bytes)
	for _, frame := range b.queue {
		out = append(out, frame.PCM...)
	}
	b.queue = b.queue[:0]
	b.bytes = 0
	return out
}

// Len returns current queue depth.
func (b *FrameBuffer) Len() int {
	return len(b.queue)
}

// DroppedCount returns total frames dropped across utterances.
func (b *FrameBuffer) DroppedCount() int {
	return b.dropped
}
