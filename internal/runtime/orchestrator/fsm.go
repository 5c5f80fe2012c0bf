package orchestrator

import "fmt"

// Phase is the turn lifecycle state.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseTranscribing Phase = "transcribing"
	PhaseGenerating   Phase = "generating"
	PhaseSynthesizing Phase = "synthesizing"
	PhaseFlushing     Phase = "flushing"
	PhaseCompleted    Phase = "completed"
	PhaseAborted      Phase = "aborted"
)

// turnFSM tracks lifecycle transitions for one turn. Aborted is reachable
// from any non-terminal phase; forward transitions follow the pipeline order.
type turnFSM struct {
	phase    Phase
	terminal bool
}

func newTurnFSM() *turnFSM {
	return &turnFSM{phase: PhaseIdle}
}

var forward = map[Phase][]Phase{
	PhaseIdle:         {PhaseTranscribing, PhaseGenerating},
	PhaseTranscribing: {PhaseGenerating},
	PhaseGenerating:   {PhaseSynthesizing},
	PhaseSynthesizing: {PhaseFlushing},
	PhaseFlushing:     {PhaseCompleted},
}

// transition applies one phase change, rejecting anything outside the
// pipeline order.
func (f *turnFSM) transition(next Phase) error {
	if f.terminal {
		return fmt.Errorf("turn is terminal in phase %s", f.phase)
	}
	if next == PhaseAborted {
		f.phase = PhaseAborted
		f.terminal = true
		return nil
	}
	for _, allowed := range forward[f.phase] {
		if allowed == next {
			f.phase = next
			f.terminal = next == PhaseCompleted
			return nil
		}
	}
	return fmt.Errorf("invalid transition %s -> %s", f.phase, next)
}

// current returns the current phase.
func (f *turnFSM) current() Phase {
	return f.phase
}

// isTerminal reports whether the turn reached a terminal phase.
func (f *turnFSM) isTerminal() bool {
	return f.terminal
}
