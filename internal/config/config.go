// Package config loads the YAML pipeline configuration, checks it against
// the embedded JSON schema, and converts it into the runtime's typed
// collaborator settings.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/tiger/voiceloop/internal/runtime/budget"
	"github.com/tiger/voiceloop/internal/runtime/degrade"
	"github.com/tiger/voiceloop/internal/runtime/provider/contracts"
	"github.com/tiger/voiceloop/internal/runtime/provider/registry"
	"github.com/tiger/voiceloop/internal/runtime/segment"
)

//go:embed schema.json
var schemaJSON []byte

// ProviderKind selects the adapter implementation for one configured
// provider.
type ProviderKind string

const (
	KindDeepgram   ProviderKind = "deepgram"
	KindAnthropic  ProviderKind = "anthropic"
	KindOllama     ProviderKind = "ollama"
	KindPolly      ProviderKind = "polly"
	KindElevenLabs ProviderKind = "elevenlabs"
	KindStatic     ProviderKind = "static"
)

// Thresholds is the YAML shape of one SLA/budget band.
type Thresholds struct {
	TargetMS   int `yaml:"target_ms" json:"target_ms"`
	CriticalMS int `yaml:"critical_ms" json:"critical_ms"`
	BlockingMS int `yaml:"blocking_ms" json:"blocking_ms"`
}

func (t Thresholds) zero() bool {
	return t == Thresholds{}
}

func (t Thresholds) budget() budget.Thresholds {
	return budget.Thresholds{
		Target:   time.Duration(t.TargetMS) * time.Millisecond,
		Critical: time.Duration(t.CriticalMS) * time.Millisecond,
		Blocking: time.Duration(t.BlockingMS) * time.Millisecond,
	}
}

// Provider is one configured provider adapter.
type Provider struct {
	ID       string       `yaml:"id" json:"id"`
	Stage    string       `yaml:"stage" json:"stage"`
	Kind     ProviderKind `yaml:"kind" json:"kind"`
	Priority int          `yaml:"priority" json:"priority"`
	SLA      Thresholds   `yaml:"sla" json:"sla"`
	Endpoint string       `yaml:"endpoint" json:"endpoint"`
	// APIKeyRef is a secret reference ("env://NAME" or "NAME"), never the
	// key itself.
	APIKeyRef string `yaml:"api_key_ref" json:"api_key_ref"`
	Model     string `yaml:"model" json:"model"`
	Voice     string `yaml:"voice" json:"voice"`
	Region    string `yaml:"region" json:"region"`
}

// APIKey resolves the provider's API key through its secret reference.
func (p Provider) APIKey() (string, error) {
	if p.APIKeyRef == "" {
		return "", nil
	}
	return ResolveSecretRef(p.APIKeyRef)
}

// Config is the full pipeline configuration.
type Config struct {
	Listen struct {
		Addr        string `yaml:"addr" json:"addr"`
		MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
	} `yaml:"listen" json:"listen"`
	Logging struct {
		Level string `yaml:"level" json:"level"`
	} `yaml:"logging" json:"logging"`
	Session struct {
		HistoryLimit        int `yaml:"history_limit" json:"history_limit"`
		DisconnectTimeoutMS int `yaml:"disconnect_timeout_ms" json:"disconnect_timeout_ms"`
		AckTimeoutMS        int `yaml:"ack_timeout_ms" json:"ack_timeout_ms"`
		FrameLimit          int `yaml:"frame_limit" json:"frame_limit"`
	} `yaml:"session" json:"session"`
	Budget struct {
		Turn Thresholds `yaml:"turn" json:"turn"`
		STT  Thresholds `yaml:"stt" json:"stt"`
		LLM  Thresholds `yaml:"llm" json:"llm"`
		TTS  Thresholds `yaml:"tts" json:"tts"`
	} `yaml:"budget" json:"budget"`
	Segment struct {
		MinSentenceChars int `yaml:"min_sentence_chars" json:"min_sentence_chars"`
		MaxBufferChars   int `yaml:"max_buffer_chars" json:"max_buffer_chars"`
	} `yaml:"segment" json:"segment"`
	TTSWindow int `yaml:"tts_window" json:"tts_window"`
	Defaults  struct {
		STTText string `yaml:"stt_text" json:"stt_text"`
		LLMText string `yaml:"llm_text" json:"llm_text"`
		TTSText string `yaml:"tts_text" json:"tts_text"`
	} `yaml:"defaults" json:"defaults"`
	Providers []Provider `yaml:"providers" json:"providers"`
}

// Load reads, schema-checks and decodes the configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse schema-checks and decodes raw YAML configuration.
func Parse(raw []byte) (*Config, error) {
	if err := validateSchema(raw); err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validateSchema checks the YAML document against the embedded JSON schema.
// YAML decodes to generic values first so the schema sees the same shapes a
// JSON document would.
func validateSchema(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("normalize config: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("load schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	var instance any
	if err := json.Unmarshal(asJSON, &instance); err != nil {
		return fmt.Errorf("normalize config: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("config schema violation: %w", err)
	}
	return nil
}

// Validate applies the typed invariants the schema cannot express.
func (c *Config) Validate() error {
	stages := map[contracts.Stage]bool{}
	seen := map[string]bool{}
	for _, p := range c.Providers {
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
		stage := contracts.Stage(p.Stage)
		if err := stage.Validate(); err != nil {
			return err
		}
		stages[stage] = true
	}
	for _, stage := range []contracts.Stage{contracts.StageSTT, contracts.StageLLM, contracts.StageTTS} {
		if !stages[stage] {
			return fmt.Errorf("no provider configured for stage %q", stage)
		}
	}
	if !c.Budget.Turn.zero() {
		if err := c.BudgetTable().Validate(); err != nil {
			return err
		}
	}
	return nil
}

// BudgetTable converts the configured budget bands, falling back to the
// built-in table when the config omits them.
func (c *Config) BudgetTable() budget.Table {
	if c.Budget.Turn.zero() {
		return budget.DefaultTable()
	}
	return budget.Table{
		Turn: c.Budget.Turn.budget(),
		Stages: map[contracts.Stage]budget.Thresholds{
			contracts.StageSTT: c.Budget.STT.budget(),
			contracts.StageLLM: c.Budget.LLM.budget(),
			contracts.StageTTS: c.Budget.TTS.budget(),
		},
	}
}

// SegmentPolicy converts the configured sentence segmentation policy.
func (c *Config) SegmentPolicy() segment.Policy {
	if c.Segment.MinSentenceChars == 0 && c.Segment.MaxBufferChars == 0 {
		return segment.DefaultPolicy()
	}
	return segment.Policy{
		MinSentenceChars: c.Segment.MinSentenceChars,
		MaxBufferChars:   c.Segment.MaxBufferChars,
	}
}

// DegradedCatalog builds the degraded-default catalog, overriding the
// built-in substitute text where configured.
func (c *Config) DegradedCatalog() (*degrade.Catalog, error) {
	defaults := map[contracts.Stage]degrade.Default{
		contracts.StageSTT: {Text: c.Defaults.STTText},
		contracts.StageLLM: {Text: "Sorry, I had trouble answering that. Could you try again?"},
		contracts.StageTTS: {Text: "[response unavailable]", Audio: degrade.SilenceClip()},
	}
	if c.Defaults.LLMText != "" {
		defaults[contracts.StageLLM] = degrade.Default{Text: c.Defaults.LLMText}
	}
	if c.Defaults.TTSText != "" {
		defaults[contracts.StageTTS] = degrade.Default{Text: c.Defaults.TTSText, Audio: degrade.SilenceClip()}
	}
	return degrade.NewCatalog(defaults)
}

// ProviderSLA converts one provider's SLA bands, falling back to the stage
// budget when unset.
func (c *Config) ProviderSLA(p Provider) registry.SLA {
	bands := p.SLA
	if bands.zero() {
		stage := c.BudgetTable().Stages[contracts.Stage(p.Stage)]
		return registry.SLA{Target: stage.Target, Critical: stage.Critical, Blocking: stage.Blocking}
	}
	b := bands.budget()
	return registry.SLA{Target: b.Target, Critical: b.Critical, Blocking: b.Blocking}
}

// AckTimeout returns the configured flush ack timeout.
func (c *Config) AckTimeout() time.Duration {
	return time.Duration(c.Session.AckTimeoutMS) * time.Millisecond
}

// DisconnectTimeout returns the configured lifecycle cleanup timeout.
func (c *Config) DisconnectTimeout() time.Duration {
	return time.Duration(c.Session.DisconnectTimeoutMS) * time.Millisecond
}
