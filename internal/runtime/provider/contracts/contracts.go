package contracts

import (
	"context"
	"fmt"
	"time"
)

// Stage identifies the pipeline stage a provider serves.
type Stage string

const (
	StageSTT Stage = "stt"
	StageLLM Stage = "llm"
	StageTTS Stage = "tts"
)

// Validate enforces supported stage values.
func (s Stage) Validate() error {
	switch s {
	case StageSTT, StageLLM, StageTTS:
		return nil
	default:
		return fmt.Errorf("unsupported stage: %q", s)
	}
}

// OutcomeClass is the normalized per-attempt outcome taxonomy.
type OutcomeClass string

const (
	OutcomeSuccess       OutcomeClass = "success"
	OutcomeTimeout       OutcomeClass = "timeout"
	OutcomeProviderError OutcomeClass = "provider_error"
	OutcomeCancelled     OutcomeClass = "cancelled"
)

// Validate enforces supported outcome classes.
func (o OutcomeClass) Validate() error {
	switch o {
	case OutcomeSuccess, OutcomeTimeout, OutcomeProviderError, OutcomeCancelled:
		return nil
	default:
		return fmt.Errorf("unsupported outcome_class: %q", o)
	}
}

// Chunk is one unit of streamed stage output: a token/sentence fragment for
// text stages or an opaque audio byte range for TTS.
type Chunk struct {
	TurnID   string
	Stage    Stage
	Seq      int64
	Sentence int
	Text     string
	Audio    []byte
	Final    bool
}

// Validate enforces chunk shape invariants.
func (c Chunk) Validate() error {
	if c.TurnID == "" {
		return fmt.Errorf("turn_id is required")
	}
	if err := c.Stage.Validate(); err != nil {
		return err
	}
	if c.Seq < 0 {
		return fmt.Errorf("seq must be >=0")
	}
	if c.Sentence < 0 {
		return fmt.Errorf("sentence must be >=0")
	}
	return nil
}

// Exchange is one prior user/assistant pair consumed as LLM context.
type Exchange struct {
	UserText      string
	AssistantText string
}

// Request carries one stage invocation's input to a provider adapter.
type Request struct {
	TurnID    string
	AttemptID string
	Stage     Stage
	Text      string
	Audio     []byte
	History   []Exchange
}

// Validate enforces request invariants per stage.
func (r Request) Validate() error {
	if r.TurnID == "" || r.AttemptID == "" {
		return fmt.Errorf("turn_id and attempt_id are required")
	}
	if err := r.Stage.Validate(); err != nil {
		return err
	}
	switch r.Stage {
	case StageSTT:
		if len(r.Audio) == 0 {
			return fmt.Errorf("stt request requires audio payload")
		}
	case StageLLM, StageTTS:
		if r.Text == "" {
			return fmt.Errorf("%s request requires text input", r.Stage)
		}
	}
	return nil
}

// Outcome is an adapter-normalized invocation result.
type Outcome struct {
	Class     OutcomeClass
	Retryable bool
	Reason    string
}

// Validate enforces normalized outcome invariants.
func (o Outcome) Validate() error {
	if err := o.Class.Validate(); err != nil {
		return err
	}
	if o.Class != OutcomeSuccess && o.Reason == "" {
		return fmt.Errorf("reason is required for non-success outcomes")
	}
	return nil
}

// Emit forwards one chunk to the caller as soon as it exists. Adapters call
// Emit per produced fragment rather than buffering whole-stage output.
type Emit func(Chunk) error

// Adapter is the uniform capability interface over one concrete STT/LLM/TTS
// backend. Invoke must respect ctx cancellation and deadline: when it cannot
// produce further output in time it returns a timeout outcome instead of
// blocking past the deadline. Adapters never mutate shared turn state; warm
// and health changes flow back through registry outcome reports.
type Adapter interface {
	ProviderID() string
	Stage() Stage
	Invoke(ctx context.Context, req Request, emit Emit) (Outcome, error)
}

// ScriptStep drives one scripted emission from a StaticAdapter.
type ScriptStep struct {
	Text  string
	Audio []byte
	Delay time.Duration
}

// StaticAdapter is a deterministic scripted adapter for tests and the local
// CLI runner.
type StaticAdapter struct {
	ID       string
	Kind     Stage
	Script   []ScriptStep
	Result   Outcome
	InvokeFn func(ctx context.Context, req Request, emit Emit) (Outcome, error)
}

func (a StaticAdapter) ProviderID() string {
	return a.ID
}

func (a StaticAdapter) Stage() Stage {
	return a.Kind
}

func (a StaticAdapter) Invoke(ctx context.Context, req Request, emit Emit) (Outcome, error) {
	if a.InvokeFn != nil {
		return a.InvokeFn(ctx, req, emit)
	}
	if err := req.Validate(); err != nil {
		return Outcome{}, err
	}
	for i, step := range a.Script {
		if step.Delay > 0 {
			select {
			case <-ctx.Done():
				return CtxOutcome(ctx), nil
			case <-time.After(step.Delay):
			}
		} else {
			select {
			case <-ctx.Done():
				return CtxOutcome(ctx), nil
			default:
			}
		}
		chunk := Chunk{
			TurnID: req.TurnID,
			Stage:  a.Kind,
			Seq:    int64(i),
			Text:   step.Text,
			Audio:  step.Audio,
			Final:  i == len(a.Script)-1,
		}
		if err := emit(chunk); err != nil {
			return Outcome{}, err
		}
	}
	if a.Result.Class == "" {
		return Outcome{Class: OutcomeSuccess}, nil
	}
	return a.Result, nil
}

// CtxOutcome normalizes a context termination into the outcome taxonomy.
func CtxOutcome(ctx context.Context) Outcome {
	if ctx.Err() == context.DeadlineExceeded {
		return Outcome{Class: OutcomeTimeout, Retryable: true, Reason: "deadline_exceeded"}
	}
	return Outcome{Class: OutcomeCancelled, Retryable: false, Reason: "context_cancelled"}
}
