// Package anthropic implements the LLM adapter over the Anthropic Messages
// streaming API. Response text is emitted chunk-by-chunk as SSE deltas
// arrive.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tiger/voiceloop/internal/runtime/provider/contracts"
	"github.com/tiger/voiceloop/providers/common/httpadapter"
	"github.com/tiger/voiceloop/providers/common/streamsse"
)

const (
	defaultEndpoint  = "https://api.anthropic.com/v1/messages"
	defaultModel     = "claude-3-5-haiku-latest"
	defaultMaxTokens = 1024
)

// Config configures one Anthropic adapter instance.
type Config struct {
	ProviderID string
	Endpoint   string
	APIKey     string
	Model      string
	MaxTokens  int
	System     string
	Timeout    time.Duration
}

// ConfigFromEnv builds adapter config from VLOOP_ANTHROPIC_* variables.
func ConfigFromEnv() Config {
	return Config{
		ProviderID: defaultString(os.Getenv("VLOOP_ANTHROPIC_PROVIDER_ID"), "anthropic"),
		Endpoint:   defaultString(os.Getenv("VLOOP_ANTHROPIC_ENDPOINT"), defaultEndpoint),
		APIKey:     os.Getenv("VLOOP_ANTHROPIC_API_KEY"),
		Model:      defaultString(os.Getenv("VLOOP_ANTHROPIC_MODEL"), defaultModel),
		MaxTokens:  defaultMaxTokens,
		System:     os.Getenv("VLOOP_ANTHROPIC_SYSTEM_PROMPT"),
	}
}

// Adapter streams assistant text for one turn.
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
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if httpClient == nil {
		var err error
		httpClient, err = httpadapter.New(httpadapter.Config{
			Endpoint:     cfg.Endpoint,
			APIKey:       cfg.APIKey,
			APIKeyHeader: "x-api-key",
			StaticHeaders: map[string]string{
				"anthropic-version": "2023-06-01",
			},
			Timeout: cfg.Timeout,
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
	return contracts.StageLLM
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Stream    bool      `json:"stream"`
	Messages  []message `json:"messages"`
}

// streamEvent is the envelope of one SSE data payload. Only text deltas and
// terminal events are consumed; other event types pass through unused.
type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

var errStreamDone = errors.New("stream done")

func (a *Adapter) Invoke(ctx context.Context, req contracts.Request, emit contracts.Emit) (contracts.Outcome, error) {
	if err := req.Validate(); err != nil {
		return contracts.Outcome{}, err
	}
	if req.Stage != contracts.StageLLM {
		return contracts.Outcome{}, fmt.Errorf("anthropic adapter serves llm, got %s", req.Stage)
	}

	body, outcome, err := a.client.DoStream(ctx, a.buildRequest(req))
	if err != nil || outcome.Class != contracts.OutcomeSuccess {
		return outcome, err
	}
	defer body.Close()

	var seq int64
	var providerErr contracts.Outcome
	parseErr := streamsse.Parse(body, func(event streamsse.Event) error {
		var decoded streamEvent
		if err := json.Unmarshal([]byte(event.Data), &decoded); err != nil {
			providerErr = contracts.Outcome{Class: contracts.OutcomeProviderError, Retryable: false, Reason: "provider_malformed_response"}
			return errStreamDone
		}
		switch decoded.Type {
		case "content_block_delta":
			if decoded.Delta.Text == "" {
				return nil
			}
			chunk := contracts.Chunk{
				TurnID: req.TurnID,
				Stage:  contracts.StageLLM,
				Seq:    seq,
				Text:   decoded.Delta.Text,
			}
			seq++
			if err := emit(chunk); err != nil {
				return err
			}
		case "message_stop":
			return errStreamDone
		case "error":
			providerErr = contracts.Outcome{
				Class:     contracts.OutcomeProviderError,
				Retryable: decoded.Error.Type == "overloaded_error",
				Reason:    "provider_stream_error",
			}
			return errStreamDone
		}
		return nil
	})
	if providerErr.Class != "" {
		return providerErr, nil
	}
	if parseErr != nil && !errors.Is(parseErr, errStreamDone) {
		if ctx.Err() != nil {
			return contracts.CtxOutcome(ctx), nil
		}
		return contracts.Outcome{Class: contracts.OutcomeProviderError, Retryable: true, Reason: "provider_stream_interrupted"}, nil
	}

	// Terminal marker so downstream knows the stage closed cleanly.
	if err := emit(contracts.Chunk{TurnID: req.TurnID, Stage: contracts.StageLLM, Seq: seq, Final: true}); err != nil {
		return contracts.CtxOutcome(ctx), nil
	}
	return contracts.Outcome{Class: contracts.OutcomeSuccess}, nil
}

func (a *Adapter) buildRequest(req contracts.Request) messagesRequest {
	messages := make([]message, 0, 2*len(req.History)+1)
	for _, exchange := range req.History {
		messages = append(messages,
			message{Role: "user", Content: exchange.UserText},
			message{Role: "assistant", Content: exchange.AssistantText},
		)
	}
	messages = append(messages, message{Role: "user", Content: req.Text})
	return messagesRequest{
		Model:     a.cfg.Model,
		MaxTokens: a.cfg.MaxTokens,
		System:    a.cfg.System,
		Stream:    true,
		Messages:  messages,
	}
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
