// Package elevenlabs implements the TTS adapter over the ElevenLabs
// streaming synthesis HTTP API.
package elevenlabs

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/tiger/voiceloop/internal/runtime/provider/contracts"
	"github.com/tiger/voiceloop/providers/common/httpadapter"
)

const (
	defaultVoiceID   = "21m00Tcm4TlvDq8ikWAM"
	defaultModelID   = "eleven_turbo_v2_5"
	endpointTemplate = "https://api.elevenlabs.io/v1/text-to-speech/%s/stream?output_format=pcm_16000"
	audioBlockSize   = 4096
)

// Config configures one ElevenLabs adapter instance.
type Config struct {
	ProviderID string
	// Endpoint overrides the voice-derived URL; tests point it at a stub
	// server.
	Endpoint string
	APIKey   string
	VoiceID  string
	ModelID  string
	Timeout  time.Duration
}

// ConfigFromEnv builds adapter config from VLOOP_ELEVENLABS_* variables.
func ConfigFromEnv() Config {
	return Config{
		ProviderID: defaultString(os.Getenv("VLOOP_ELEVENLABS_PROVIDER_ID"), "elevenlabs"),
		Endpoint:   os.Getenv("VLOOP_ELEVENLABS_ENDPOINT"),
		APIKey:     os.Getenv("VLOOP_ELEVENLABS_API_KEY"),
		VoiceID:    defaultString(os.Getenv("VLOOP_ELEVENLABS_VOICE"), defaultVoiceID),
		ModelID:    defaultString(os.Getenv("VLOOP_ELEVENLABS_MODEL"), defaultModelID),
	}
}

// Adapter synthesizes one sentence per invocation, emitting audio blocks as
// the response streams.
type Adapter struct {
	cfg    Config
	client *httpadapter.Client
}

// New validates config and builds the adapter. httpClient may be nil.
func New(cfg Config, httpClient *httpadapter.Client) (*Adapter, error) {
	if cfg.ProviderID == "" {
		return nil, fmt.Errorf("provider id is required")
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = defaultVoiceID
	}
	if cfg.ModelID == "" {
		cfg.ModelID = defaultModelID
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = fmt.Sprintf(endpointTemplate, cfg.VoiceID)
	}
	if httpClient == nil {
		var err error
		httpClient, err = httpadapter.New(httpadapter.Config{
			Endpoint:     cfg.Endpoint,
			APIKey:       cfg.APIKey,
			APIKeyHeader: "xi-api-key",
			Timeout:      cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
	}
	return &Adapter{cfg: cfg, client: httpClient}, nil
}

func (a *Adapter) ProviderID() string {
	return a.cfg.ProviderID
}

func (a *Adapter) Stage() contracts.Stage {
	return contracts.StageTTS
}

type synthesisRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

func (a *Adapter) Invoke(ctx context.Context, req contracts.Request, emit contracts.Emit) (contracts.Outcome, error) {
	if err := req.Validate(); err != nil {
		return contracts.Outcome{}, err
	}
	if req.Stage != contracts.StageTTS {
		return contracts.Outcome{}, fmt.Errorf("elevenlabs adapter serves tts, got %s", req.Stage)
	}

	body, outcome, err := a.client.DoStream(ctx, synthesisRequest{
		Text:    strings.TrimSpace(req.Text),
		ModelID: a.cfg.ModelID,
	})
	if err != nil || outcome.Class != contracts.OutcomeSuccess {
		return outcome, err
	}
	defer body.Close()

	var seq int64
	block := make([]byte, audioBlockSize)
	for {
		n, readErr := body.Read(block)
		if n > 0 {
			audio := make([]byte, n)
			copy(audio, block[:n])
			chunk := contracts.Chunk{
				TurnID: req.TurnID,
				Stage:  contracts.StageTTS,
				Seq:    seq,
				Audio:  audio,
			}
			seq++
			if err := emit(chunk); err != nil {
				return contracts.CtxOutcome(ctx), nil
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return contracts.CtxOutcome(ctx), nil
			}
			return contracts.Outcome{Class: contracts.OutcomeProviderError, Retryable: true, Reason: "provider_stream_interrupted"}, nil
		}
	}
	if seq == 0 {
		return contracts.Outcome{Class: contracts.OutcomeProviderError, Retryable: true, Reason: "provider_empty_audio"}, nil
	}
	if err := emit(contracts.Chunk{TurnID: req.TurnID, Stage: contracts.StageTTS, Seq: seq, Final: true}); err != nil {
		return contracts.CtxOutcome(ctx), nil
	}
	return contracts.Outcome{Class: contracts.OutcomeSuccess}, nil
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
