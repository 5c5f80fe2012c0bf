// Package deepgram implements the STT adapter over Deepgram's prerecorded
// transcription HTTP API.
package deepgram

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tiger/voiceloop/internal/runtime/provider/contracts"
	"github.com/tiger/voiceloop/providers/common/httpadapter"
)

const defaultEndpoint = "https://api.deepgram.com/v1/listen?model=nova-2&smart_format=true"

// Config configures one Deepgram adapter instance.
type Config struct {
	ProviderID string
	Endpoint   string
	APIKey     string
	// ContentType describes the uploaded audio payload.
	ContentType string
	Timeout     time.Duration
}

// ConfigFromEnv builds adapter config from VLOOP_DEEPGRAM_* variables.
func ConfigFromEnv() Config {
	return Config{
		ProviderID:  defaultString(os.Getenv("VLOOP_DEEPGRAM_PROVIDER_ID"), "deepgram"),
		Endpoint:    defaultString(os.Getenv("VLOOP_DEEPGRAM_ENDPOINT"), defaultEndpoint),
		APIKey:      os.Getenv("VLOOP_DEEPGRAM_API_KEY"),
		ContentType: defaultString(os.Getenv("VLOOP_DEEPGRAM_CONTENT_TYPE"), "audio/l16;rate=16000"),
	}
}

// Adapter transcribes a turn's buffered audio in one exchange and emits the
// transcript as a single final chunk.
type Adapter struct {
	cfg    Config
	client *httpadapter.Client
}

// New validates config and builds the adapter. httpClient may be nil.
func New(cfg Config, httpClient *httpadapter.Client) (*Adapter, error) {
	if cfg.ProviderID == "" {
		return nil, fmt.Errorf("provider id is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "audio/l16;rate=16000"
	}
	if httpClient == nil {
		var err error
		httpClient, err = httpadapter.New(httpadapter.Config{
			Endpoint:     cfg.Endpoint,
			APIKey:       cfg.APIKey,
			APIKeyHeader: "Authorization",
			APIKeyPrefix: "Token ",
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
	return contracts.StageSTT
}

// transcriptResponse mirrors the subset of Deepgram's response we consume.
type transcriptResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func (a *Adapter) Invoke(ctx context.Context, req contracts.Request, emit contracts.Emit) (contracts.Outcome, error) {
	if err := req.Validate(); err != nil {
		return contracts.Outcome{}, err
	}
	if req.Stage != contracts.StageSTT {
		return contracts.Outcome{}, fmt.Errorf("deepgram adapter serves stt, got %s", req.Stage)
	}

	var decoded transcriptResponse
	outcome, err := a.client.DoBytes(ctx, a.cfg.ContentType, req.Audio, &decoded)
	if err != nil || outcome.Class != contracts.OutcomeSuccess {
		return outcome, err
	}

	transcript, ok := firstTranscript(decoded)
	if !ok {
		return contracts.Outcome{Class: contracts.OutcomeProviderError, Retryable: false, Reason: "provider_malformed_response"}, nil
	}
	if err := emit(contracts.Chunk{
		TurnID: req.TurnID,
		Stage:  contracts.StageSTT,
		Seq:    0,
		Text:   transcript,
		Final:  true,
	}); err != nil {
		return contracts.CtxOutcome(ctx), nil
	}
	return contracts.Outcome{Class: contracts.OutcomeSuccess}, nil
}

func firstTranscript(resp transcriptResponse) (string, bool) {
	if len(resp.Results.Channels) == 0 {
		return "", false
	}
	alts := resp.Results.Channels[0].Alternatives
	if len(alts) == 0 {
		return "", false
	}
	return alts[0].Transcript, true
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
