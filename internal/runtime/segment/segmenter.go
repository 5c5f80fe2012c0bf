// Package segment cuts a streamed LLM token sequence into sentence units so
// speech synthesis can start on sentence one while later sentences are still
// being generated.
package segment

import (
	"strings"
)

// Policy configures sentence cutting.
type Policy struct {
	// MinSentenceChars suppresses a terminator-triggered cut until the
	// pending text is at least this long, so "Dr." style fragments do not
	// produce one-word sentences.
	MinSentenceChars int
	// MaxBufferChars force-cuts a sentence with no terminator once the
	// pending text grows past this bound, keeping synthesis latency and
	// buffering bounded for run-on output.
	MaxBufferChars int
}

// DefaultPolicy returns safe sentence-cutting defaults.
func DefaultPolicy() Policy {
	return Policy{
		MinSentenceChars: 12,
		MaxBufferChars:   280,
	}
}

func (p Policy) normalize() Policy {
	if p.MinSentenceChars < 1 {
		p.MinSentenceChars = 1
	}
	if p.MaxBufferChars < p.MinSentenceChars {
		p.MaxBufferChars = p.MinSentenceChars
	}
	return p
}

// Sentence is one cut unit with its zero-based position in the turn.
type Sentence struct {
	Index int
	Text  string
}

// Segmenter accumulates streamed text fragments and yields completed
// sentences. It is used from a single goroutine per turn.
type Segmenter struct {
	policy  Policy
	pending strings.Builder
	index   int
}

// New builds a segmenter with a normalized policy.
func New(policy Policy) *Segmenter {
	return &Segmenter{policy: policy.normalize()}
}

// Feed appends one streamed fragment and returns any sentences completed by
// it, in order.
func (s *Segmenter) Feed(fragment string) []Sentence {
	if fragment == "" {
		return nil
	}
	s.pending.WriteString(fragment)

	var out []Sentence
	for {
		sentence, ok := s.cutOne()
		if !ok {
			break
		}
		out = append(out, sentence)
	}
	return out
}

// Flush returns the trailing unterminated text as a final sentence, if any.
// Called once when the upstream LLM stream completes.
func (s *Segmenter) Flush() (Sentence, bool) {
	text := strings.TrimSpace(s.pending.String())
	s.pending.Reset()
	if text == "" {
		return Sentence{}, false
	}
	sentence := Sentence{Index: s.index, Text: text}
	s.index++
	return sentence, true
}

// Count reports how many sentences have been produced so far.
func (s *Segmenter) Count() int {
	return s.index
}

// cutOne scans the pending text for the earliest eligible cut point and
// extracts it. A terminator cut requires the sentence to meet the minimum
// length; the buffer bound cuts unconditionally.
func (s *Segmenter) cutOne() (Sentence, bool) {
	text := s.pending.String()
	runes := []rune(text)

	cut := -1
	for i, r := range runes {
		if !isTerminator(r) {
			continue
		}
		if i+1 < len(runes) && !boundaryFollows(runes[i+1]) {
			continue
		}
		if len(strings.TrimSpace(string(runes[:i+1]))) < s.policy.MinSentenceChars {
			continue
		}
		cut = i + 1
		break
	}
	if cut < 0 {
		if len(runes) < s.policy.MaxBufferChars {
			return Sentence{}, false
		}
		cut = s.policy.MaxBufferChars
	}

	head := strings.TrimSpace(string(runes[:cut]))
	tail := strings.TrimLeft(string(runes[cut:]), " \t\n")
	s.pending.Reset()
	s.pending.WriteString(tail)
	if head == "" {
		return Sentence{}, false
	}
	sentence := Sentence{Index: s.index, Text: head}
	s.index++
	return sentence, true
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// boundaryFollows reports whether the rune after a terminator closes a
// sentence. Whitespace closes; anything else ("3.5", "v1.2") does not.
func boundaryFollows(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n'
}
