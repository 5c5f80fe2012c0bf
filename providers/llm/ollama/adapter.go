// Package ollama implements the LLM adapter over a local Ollama server's
// /api/generate NDJSON stream. A completed generation reports the model as
// warm so the fallback planner prefers it on later turns.
package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tiger/voiceloop/internal/runtime/provider/contracts"
	"github.com/tiger/voiceloop/providers/common/httpadapter"
)

const (
	defaultEndpoint = "http://127.0.0.1:11434/api/generate"
	defaultModel    = "llama3.2"
)

// WarmReporter receives a warm hint after the local model served a turn.
type WarmReporter interface {
	SetWarm(providerID string, warm bool) error
}

// Config configures one Ollama adapter instance.
type Config struct {
	ProviderID string
	Endpoint   string
	Model      string
	System     string
	Timeout    time.Duration
}

// ConfigFromEnv builds adapter config from VLOOP_OLLAMA_* variables.
func ConfigFromEnv() Config {
	return Config{
		ProviderID: defaultString(os.Getenv("VLOOP_OLLAMA_PROVIDER_ID"), "ollama"),
		Endpoint:   defaultString(os.Getenv("VLOOP_OLLAMA_ENDPOINT"), defaultEndpoint),
		Model:      defaultString(os.Getenv("VLOOP_OLLAMA_MODEL"), defaultModel),
		System:     os.Getenv("VLOOP_OLLAMA_SYSTEM_PROMPT"),
	}
}

// Adapter streams assistant text from a local model.
type Adapter struct {
	cfg    Config
	client *httpadapter.Client
	warm   WarmReporter
}

// New validates config and builds the adapter. httpClient and warm may be
// nil.
func New(cfg Config, httpClient *httpadapter.Client, warm WarmReporter) (*Adapter, error) {
	if cfg.ProviderID == "" {
		return nil, fmt.Errorf("provider id is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if httpClient == nil {
		var err error
		httpClient, err = httpadapter.New(httpadapter.Config{
			Endpoint: cfg.Endpoint,
			Timeout:  cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
	}
	return &Adapter{cfg: cfg, client: httpClient, warm: warm}, nil
}

func (a *Adapter) ProviderID() string {
	return a.cfg.ProviderID
}

func (a *Adapter) Stage() contracts.Stage {
	return contracts.StageLLM
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Stream bool   `json:"stream"`
}

type generateLine struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

func (a *Adapter) Invoke(ctx context.Context, req contracts.Request, emit contracts.Emit) (contracts.Outcome, error) {
	if err := req.Validate(); err != nil {
		return contracts.Outcome{}, err
	}
	if req.Stage != contracts.StageLLM {
		return contracts.Outcome{}, fmt.Errorf("ollama adapter serves llm, got %s", req.Stage)
	}

	body, outcome, err := a.client.DoStream(ctx, generateRequest{
		Model:  a.cfg.Model,
		Prompt: buildPrompt(req),
		System: a.cfg.System,
		Stream: true,
	})
	if err != nil || outcome.Class != contracts.OutcomeSuccess {
		return outcome, err
	}
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 4096), 512*1024)

	var seq int64
	done := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var decoded generateLine
		if err := json.Unmarshal([]byte(line), &decoded); err != nil {
			return contracts.Outcome{Class: contracts.OutcomeProviderError, Retryable: false, Reason: "provider_malformed_response"}, nil
		}
		if decoded.Error != "" {
			return contracts.Outcome{Class: contracts.OutcomeProviderError, Retryable: true, Reason: "provider_model_error"}, nil
		}
		if decoded.Response != "" {
			chunk := contracts.Chunk{
				TurnID: req.TurnID,
				Stage:  contracts.StageLLM,
				Seq:    seq,
				Text:   decoded.Response,
			}
			seq++
			if err := emit(chunk); err != nil {
				return contracts.CtxOutcome(ctx), nil
			}
		}
		if decoded.Done {
			done = true
			break
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return contracts.CtxOutcome(ctx), nil
		}
		return contracts.Outcome{Class: contracts.OutcomeProviderError, Retryable: true, Reason: "provider_stream_interrupted"}, nil
	}
	if !done {
		return contracts.Outcome{Class: contracts.OutcomeProviderError, Retryable: true, Reason: "provider_stream_truncated"}, nil
	}

	if err := emit(contracts.Chunk{TurnID: req.TurnID, Stage: contracts.StageLLM, Seq: seq, Final: true}); err != nil {
		return contracts.CtxOutcome(ctx), nil
	}
	// The model is resident after a served turn; warm providers lead the
	// fallback ordering.
	if a.warm != nil {
		_ = a.warm.SetWarm(a.cfg.ProviderID, true)
	}
	return contracts.Outcome{Class: contracts.OutcomeSuccess}, nil
}

// buildPrompt flattens prior exchanges into a plain-text transcript prompt.
func buildPrompt(req contracts.Request) string {
	if len(req.History) == 0 {
		return req.Text
	}
	var b strings.Builder
	for _, exchange := range req.History {
		b.WriteString("User: ")
		b.WriteString(exchange.UserText)
		b.WriteString("\nAssistant: ")
		b.WriteString(exchange.AssistantText)
		b.WriteString("\n")
	}
	b.WriteString("User: ")
	b.WriteString(req.Text)
	b.WriteString("\nAssistant:")
	return b.String()
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
