package stagerunner

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tiger/voiceloop/internal/metrics"
	"github.com/tiger/voiceloop/internal/runtime/provider/contracts"
	"github.com/tiger/voiceloop/internal/telemetry"
)

// DefaultTeardownGrace bounds how long a cancelled provider call may take to
// confirm teardown before the runner proceeds and flags it as leaked.
const DefaultTeardownGrace = 250 * time.Millisecond

// Attempt is the retained record of one provider invocation for one stage of
// one turn. It feeds the turn's attempt log and the resolver's
// avoid-recently-failed rule.
type Attempt struct {
	AttemptID  string
	Stage      contracts.Stage
	ProviderID string
	StartedAt  time.Time
	Elapsed    time.Duration
	Outcome    contracts.OutcomeClass
	Reason     string
	Chunks     int64
	Hedge      bool
	Leaked     bool
}

// Reporter receives attempt outcomes for provider health/warm bookkeeping.
type Reporter interface {
	ReportOutcome(providerID string, outcome contracts.Outcome, elapsed time.Duration) error
}

// Runner executes exactly one StageAttempt against exactly one provider with
// a hard deadline. Chunks are forwarded to emit as they are produced; the
// runner never buffers a stage's whole output.
type Runner struct {
	reporter Reporter
	emitter  *telemetry.Emitter
	metrics  *metrics.Pipeline
	grace    time.Duration
	warn     time.Duration
	now      func() time.Time
}

// Config wires runner collaborators.
type Config struct {
	Reporter Reporter
	Emitter  *telemetry.Emitter
	Metrics  *metrics.Pipeline
	// TeardownGrace overrides DefaultTeardownGrace when >0.
	TeardownGrace time.Duration
	// WarnAfter emits a soft budget warning when an attempt is still running
	// past this threshold. Zero disables the warning timer.
	WarnAfter time.Duration
	Now       func() time.Time
}

// New builds a stage runner.
func New(cfg Config) *Runner {
	if cfg.TeardownGrace <= 0 {
		cfg.TeardownGrace = DefaultTeardownGrace
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Emitter == nil {
		cfg.Emitter = telemetry.NewEmitter(nil)
	}
	return &Runner{
		reporter: cfg.Reporter,
		emitter:  cfg.Emitter,
		metrics:  cfg.Metrics,
		grace:    cfg.TeardownGrace,
		warn:     cfg.WarnAfter,
		now:      cfg.Now,
	}
}

// Run invokes the adapter once under the given deadline. The returned attempt
// is terminal: success, timeout, provider_error, or cancelled. On deadline
// expiry the provider call is cancelled and the runner waits up to the
// teardown grace period for it to confirm before flagging a leak.
func (r *Runner) Run(ctx context.Context, adapter contracts.Adapter, req contracts.Request, deadline time.Duration, hedge bool, emit contracts.Emit) Attempt {
	attempt := Attempt{
		AttemptID:  uuid.NewString(),
		Stage:      adapter.Stage(),
		ProviderID: adapter.ProviderID(),
		StartedAt:  r.now(),
		Hedge:      hedge,
	}
	req.AttemptID = attempt.AttemptID
	req.Stage = adapter.Stage()

	r.emitter.AttemptStarted(req.TurnID, string(attempt.Stage), attempt.ProviderID, attempt.AttemptID, hedge)

	attemptCtx := ctx
	var cancel context.CancelFunc
	if deadline > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, deadline)
	} else {
		attemptCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var chunkCount atomic.Int64
	var sealed atomic.Bool
	counted := func(chunk contracts.Chunk) error {
		// A leaked provider call must not emit after the attempt is terminal.
		if sealed.Load() {
			return context.Canceled
		}
		chunk.TurnID = req.TurnID
		chunk.Stage = attempt.Stage
		if err := emit(chunk); err != nil {
			return err
		}
		chunkCount.Add(1)
		return nil
	}
	defer sealed.Store(true)

	type invokeResult struct {
		outcome contracts.Outcome
		err     error
	}
	done := make(chan invokeResult, 1)
	go func() {
		outcome, err := adapter.Invoke(attemptCtx, req, counted)
		done <- invokeResult{outcome: outcome, err: err}
	}()

	var warnCh <-chan time.Time
	if r.warn > 0 {
		warnTimer := time.NewTimer(r.warn)
		defer warnTimer.Stop()
		warnCh = warnTimer.C
	}

	var res invokeResult
	waiting := true
	for waiting {
		select {
		case res = <-done:
			waiting = false
		case <-warnCh:
			r.emitter.BudgetWarning(req.TurnID, string(attempt.Stage), attempt.ProviderID, r.now().Sub(attempt.StartedAt))
			warnCh = nil
		case <-attemptCtx.Done():
			// Cooperative teardown: give the provider call a bounded window
			// to observe cancellation and return.
			select {
			case res = <-done:
			case <-time.After(r.grace):
				attempt.Leaked = true
				r.emitter.RunnerLeaked(req.TurnID, string(attempt.Stage), attempt.ProviderID)
				res = invokeResult{outcome: contracts.CtxOutcome(attemptCtx)}
			}
			waiting = false
		}
	}

	outcome := res.outcome
	if res.err != nil {
		if attemptCtx.Err() != nil || errors.Is(res.err, context.Canceled) {
			outcome = contracts.CtxOutcome(attemptCtx)
		} else {
			outcome = contracts.Outcome{
				Class:     contracts.OutcomeProviderError,
				Retryable: true,
				Reason:    "adapter_invoke_error",
			}
		}
	}
	if outcome.Validate() != nil {
		outcome = contracts.Outcome{
			Class:     contracts.OutcomeProviderError,
			Retryable: false,
			Reason:    "malformed_outcome",
		}
	}

	attempt.Elapsed = r.now().Sub(attempt.StartedAt)
	attempt.Outcome = outcome.Class
	attempt.Reason = outcome.Reason
	attempt.Chunks = chunkCount.Load()

	if r.reporter != nil {
		_ = r.reporter.ReportOutcome(attempt.ProviderID, outcome, attempt.Elapsed)
	}
	r.emitter.AttemptCompleted(req.TurnID, string(attempt.Stage), attempt.ProviderID, attempt.AttemptID, string(outcome.Class), attempt.Elapsed, attempt.Chunks)
	r.metrics.ObserveAttempt(string(attempt.Stage), attempt.ProviderID, string(outcome.Class), attempt.Elapsed)
	return attempt
}
