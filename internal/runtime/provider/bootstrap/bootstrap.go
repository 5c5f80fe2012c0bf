// Package bootstrap constructs and registers the configured provider
// adapters at startup.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/tiger/voiceloop/internal/config"
	"github.com/tiger/voiceloop/internal/runtime/provider/contracts"
	"github.com/tiger/voiceloop/internal/runtime/provider/registry"
	"github.com/tiger/voiceloop/providers/llm/anthropic"
	"github.com/tiger/voiceloop/providers/llm/ollama"
	"github.com/tiger/voiceloop/providers/stt/deepgram"
	"github.com/tiger/voiceloop/providers/tts/elevenlabs"
	"github.com/tiger/voiceloop/providers/tts/polly"
)

// Build registers every configured provider into a fresh registry.
func Build(cfg *config.Config) (*registry.Registry, error) {
	reg := registry.New()
	for _, p := range cfg.Providers {
		adapter, err := buildAdapter(cfg, p, reg)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.ID, err)
		}
		descriptor := registry.Descriptor{
			ProviderID: p.ID,
			Stage:      contracts.Stage(p.Stage),
			SLA:        cfg.ProviderSLA(p),
			Priority:   p.Priority,
		}
		if err := reg.Register(descriptor, adapter); err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.ID, err)
		}
	}
	return reg, nil
}

func buildAdapter(cfg *config.Config, p config.Provider, warm ollama.WarmReporter) (contracts.Adapter, error) {
	key, err := p.APIKey()
	if err != nil {
		return nil, err
	}

	switch p.Kind {
	case config.KindDeepgram:
		return deepgram.New(deepgram.Config{
			ProviderID: p.ID,
			Endpoint:   p.Endpoint,
			APIKey:     key,
		}, nil)
	case config.KindAnthropic:
		return anthropic.New(anthropic.Config{
			ProviderID: p.ID,
			Endpoint:   p.Endpoint,
			APIKey:     key,
			Model:      p.Model,
		}, nil)
	case config.KindOllama:
		// The registry doubles as the warm sink for local models.
		return ollama.New(ollama.Config{
			ProviderID: p.ID,
			Endpoint:   p.Endpoint,
			Model:      p.Model,
		}, nil, warm)
	case config.KindPolly:
		return polly.New(polly.Config{
			ProviderID: p.ID,
			Region:     p.Region,
			VoiceID:    p.Voice,
		})
	case config.KindElevenLabs:
		return elevenlabs.New(elevenlabs.Config{
			ProviderID: p.ID,
			Endpoint:   p.Endpoint,
			APIKey:     key,
			VoiceID:    p.Voice,
			ModelID:    p.Model,
		}, nil)
	case config.KindStatic:
		return staticAdapter(p), nil
	default:
		return nil, fmt.Errorf("unsupported provider kind %q", p.Kind)
	}
}

// staticAdapter is the scripted stand-in used by the local CLI runner and
// smoke configs.
func staticAdapter(p config.Provider) contracts.Adapter {
	stage := contracts.Stage(p.Stage)
	return contracts.StaticAdapter{
		ID:   p.ID,
		Kind: stage,
		InvokeFn: func(ctx context.Context, req contracts.Request, emit contracts.Emit) (contracts.Outcome, error) {
			chunk := contracts.Chunk{TurnID: req.TurnID, Stage: stage, Final: true}
			switch stage {
			case contracts.StageSTT:
				chunk.Text = "scripted transcript."
			case contracts.StageLLM:
				chunk.Text = "This is a scripted reply."
			case contracts.StageTTS:
				chunk.Audio = []byte(req.Text)
			}
			if err := emit(chunk); err != nil {
				return contracts.CtxOutcome(ctx), nil
			}
			return contracts.Outcome{Class: contracts.OutcomeSuccess}, nil
		},
	}
}
