// Package degrade holds the configured stage substitutes used when a stage's
// fallback chain is exhausted or its budget is spent. A turn never fails
// outright because one stage ran out of providers; it degrades and continues.
package degrade

import (
	"fmt"

	"github.com/tiger/voiceloop/internal/runtime/provider/contracts"
)

// Default is the substitute output for one stage.
type Default struct {
	// Text substitutes the stage's text output: the placeholder transcript
	// for stt, the apology reply for llm, the caption carried alongside the
	// canned audio for tts.
	Text string
	// Audio is the canned clip played for tts exhaustion. Unused for stt
	// and llm.
	Audio []byte
}

// Catalog maps each stage to its configured degraded default. The policy for
// what to substitute (silence, canned phrase, apology) is deployment
// configuration, not code.
type Catalog struct {
	byStage map[contracts.Stage]Default
}

// DefaultCatalog returns the built-in substitutes used when configuration
// provides none.
func DefaultCatalog() *Catalog {
	catalog, _ := NewCatalog(map[contracts.Stage]Default{
		contracts.StageSTT: {Text: ""},
		contracts.StageLLM: {Text: "Sorry, I had trouble answering that. Could you try again?"},
		contracts.StageTTS: {Text: "[response unavailable]", Audio: SilenceClip()},
	})
	return catalog
}

// NewCatalog validates and builds a catalog covering all three stages.
func NewCatalog(defaults map[contracts.Stage]Default) (*Catalog, error) {
	byStage := make(map[contracts.Stage]Default, len(defaults))
	for stage, d := range defaults {
		if err := stage.Validate(); err != nil {
			return nil, err
		}
		if stage == contracts.StageTTS && len(d.Audio) == 0 {
			return nil, fmt.Errorf("tts degraded default requires an audio clip")
		}
		byStage[stage] = d
	}
	for _, stage := range []contracts.Stage{contracts.StageSTT, contracts.StageLLM, contracts.StageTTS} {
		if _, ok := byStage[stage]; !ok {
			return nil, fmt.Errorf("missing degraded default for stage %q", stage)
		}
	}
	return &Catalog{byStage: byStage}, nil
}

// ForStage returns the substitute for one stage.
func (c *Catalog) ForStage(stage contracts.Stage) (Default, error) {
	d, ok := c.byStage[stage]
	if !ok {
		return Default{}, fmt.Errorf("no degraded default for stage %q", stage)
	}
	return d, nil
}

// Chunk shapes the substitute as a single final chunk for one turn. Sequence
// and sentence stamping stay with the caller's outbound sequencer.
func (c *Catalog) Chunk(stage contracts.Stage, turnID string) (contracts.Chunk, error) {
	d, err := c.ForStage(stage)
	if err != nil {
		return contracts.Chunk{}, err
	}
	return contracts.Chunk{
		TurnID: turnID,
		Stage:  stage,
		Text:   d.Text,
		Audio:  d.Audio,
		Final:  true,
	}, nil
}

// SilenceClip returns a short block of 16kHz mono 16-bit PCM silence.
func SilenceClip() []byte {
	// 100ms at 16kHz, 2 bytes per sample.
	return make([]byte, 3200)
}
