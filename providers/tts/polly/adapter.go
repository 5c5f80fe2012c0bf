// Package polly implements the TTS adapter over Amazon Polly speech
// synthesis. Audio is read from the synthesis stream in blocks and emitted as
// chunks so playback can begin before synthesis finishes.
package polly

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"
	"github.com/tiger/voiceloop/internal/runtime/provider/contracts"
)

// audioBlockSize is the read granularity of the synthesis stream; one block
// becomes one emitted chunk.
const audioBlockSize = 4096

type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// Config configures one Polly adapter instance.
type Config struct {
	ProviderID string
	Region     string
	VoiceID    string
	Engine     string
}

// ConfigFromEnv builds adapter config from VLOOP_POLLY_* variables.
func ConfigFromEnv() Config {
	return Config{
		ProviderID: defaultString(os.Getenv("VLOOP_POLLY_PROVIDER_ID"), "polly"),
		Region:     defaultString(os.Getenv("VLOOP_POLLY_REGION"), defaultString(os.Getenv("AWS_REGION"), "us-east-1")),
		VoiceID:    defaultString(os.Getenv("VLOOP_POLLY_VOICE"), "Joanna"),
		Engine:     defaultString(os.Getenv("VLOOP_POLLY_ENGINE"), "neural"),
	}
}

// Adapter synthesizes one sentence per invocation.
type Adapter struct {
	mu     sync.Mutex
	client synthClient
	cfg    Config
}

// New builds the adapter against the real AWS client, resolved lazily on
// first use.
func New(cfg Config) (*Adapter, error) {
	return NewWithClient(cfg, nil)
}

// NewWithClient injects a synthesis client; tests pass a stub.
func NewWithClient(cfg Config, client synthClient) (*Adapter, error) {
	if strings.TrimSpace(cfg.ProviderID) == "" {
		return nil, fmt.Errorf("provider id is required")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	if strings.TrimSpace(cfg.VoiceID) == "" {
		cfg.VoiceID = "Joanna"
	}
	if strings.TrimSpace(cfg.Engine) == "" {
		cfg.Engine = "neural"
	}
	return &Adapter{client: client, cfg: cfg}, nil
}

func (a *Adapter) ProviderID() string {
	return a.cfg.ProviderID
}

func (a *Adapter) Stage() contracts.Stage {
	return contracts.StageTTS
}

func (a *Adapter) Invoke(ctx context.Context, req contracts.Request, emit contracts.Emit) (contracts.Outcome, error) {
	if err := req.Validate(); err != nil {
		return contracts.Outcome{}, err
	}
	if req.Stage != contracts.StageTTS {
		return contracts.Outcome{}, fmt.Errorf("polly adapter serves tts, got %s", req.Stage)
	}
	client, err := a.resolveClient()
	if err != nil {
		return contracts.Outcome{}, err
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(a.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}

	output, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatPcm,
		SampleRate:   strPtr("16000"),
		Text:         &req.Text,
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(a.cfg.VoiceID),
	})
	if err != nil {
		return normalizePollyError(err), nil
	}
	if output == nil || output.AudioStream == nil {
		return contracts.Outcome{Class: contracts.OutcomeProviderError, Retryable: true, Reason: "provider_empty_audio"}, nil
	}
	defer output.AudioStream.Close()

	var seq int64
	block := make([]byte, audioBlockSize)
	for {
		n, readErr := output.AudioStream.Read(block)
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

func normalizePollyError(err error) contracts.Outcome {
	if errors.Is(err, context.Canceled) {
		return contracts.Outcome{Class: contracts.OutcomeCancelled, Retryable: false, Reason: "provider_cancelled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return contracts.Outcome{Class: contracts.OutcomeTimeout, Retryable: true, Reason: "provider_timeout"}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException":
			return contracts.Outcome{Class: contracts.OutcomeProviderError, Retryable: true, Reason: "provider_overload"}
		case "InvalidSsmlException", "TextLengthExceededException", "LexiconNotFoundException", "MarksNotSupportedForFormatException", "InvalidSampleRateException":
			return contracts.Outcome{Class: contracts.OutcomeProviderError, Retryable: false, Reason: "provider_client_error"}
		default:
			return contracts.Outcome{Class: contracts.OutcomeProviderError, Retryable: true, Reason: "provider_server_error"}
		}
	}

	return contracts.Outcome{Class: contracts.OutcomeProviderError, Retryable: true, Reason: "provider_transport_error"}
}

func (a *Adapter) resolveClient() (synthClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		return a.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(a.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	a.client = polly.NewFromConfig(awsCfg)
	return a.client, nil
}

// NewTestAudioStream creates an in-memory stream for adapter tests.
func NewTestAudioStream(payload []byte) io.ReadCloser {
	return io.NopCloser(bytes.NewReader(payload))
}

func strPtr(v string) *string {
	return &v
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
