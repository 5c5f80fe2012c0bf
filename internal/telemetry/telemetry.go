package telemetry

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the runtime logger. Level accepts debug/info/warn/error;
// empty defaults to info.
func NewLogger(level string) (*zap.Logger, error) {
	parsed := zapcore.InfoLevel
	if trimmed := strings.TrimSpace(level); trimmed != "" {
		if err := parsed.Set(strings.ToLower(trimmed)); err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", level, err)
		}
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	cfg.DisableStacktrace = true
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// Emitter publishes structured per-attempt pipeline events for external
// metrics/logging collaborators. The event shape is the observability
// boundary; its transport is whatever the zap core is wired to.
type Emitter struct {
	logger *zap.Logger
}

// NewEmitter wraps a logger; nil falls back to a no-op logger.
func NewEmitter(logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{logger: logger}
}

// AttemptStarted records the start of one provider attempt.
func (e *Emitter) AttemptStarted(turnID, stage, providerID, attemptID string, hedge bool) {
	e.logger.Info("stage_attempt_started",
		zap.String("turn_id", turnID),
		zap.String("stage", stage),
		zap.String("provider_id", providerID),
		zap.String("attempt_id", attemptID),
		zap.Bool("hedge", hedge),
	)
}

// AttemptCompleted records one provider attempt's terminal outcome.
func (e *Emitter) AttemptCompleted(turnID, stage, providerID, attemptID, outcome string, elapsed time.Duration, chunks int64) {
	e.logger.Info("stage_attempt_completed",
		zap.String("turn_id", turnID),
		zap.String("stage", stage),
		zap.String("provider_id", providerID),
		zap.String("attempt_id", attemptID),
		zap.String("outcome", outcome),
		zap.Duration("elapsed", elapsed),
		zap.Int64("chunks", chunks),
	)
}

// BudgetWarning records a soft target-threshold crossing. Observability only,
// never a correctness signal.
func (e *Emitter) BudgetWarning(turnID, stage, providerID string, elapsed time.Duration) {
	e.logger.Warn("stage_budget_warning",
		zap.String("turn_id", turnID),
		zap.String("stage", stage),
		zap.String("provider_id", providerID),
		zap.Duration("elapsed", elapsed),
	)
}

// HedgeStarted records a speculative fallback attempt racing the primary.
func (e *Emitter) HedgeStarted(turnID, stage, primaryID, hedgeID string) {
	e.logger.Info("stage_hedge_started",
		zap.String("turn_id", turnID),
		zap.String("stage", stage),
		zap.String("primary_provider_id", primaryID),
		zap.String("hedge_provider_id", hedgeID),
	)
}

// HedgeResolved records which side of a hedge race was accepted.
func (e *Emitter) HedgeResolved(turnID, stage, winnerID, loserID string) {
	e.logger.Info("stage_hedge_resolved",
		zap.String("turn_id", turnID),
		zap.String("stage", stage),
		zap.String("winner_provider_id", winnerID),
		zap.String("loser_provider_id", loserID),
	)
}

// RunnerLeaked records a provider call that did not confirm cancellation
// within the teardown grace period.
func (e *Emitter) RunnerLeaked(turnID, stage, providerID string) {
	e.logger.Warn("stage_runner_leaked",
		zap.String("turn_id", turnID),
		zap.String("stage", stage),
		zap.String("provider_id", providerID),
	)
}

// TurnTransition records one orchestrator state machine transition.
func (e *Emitter) TurnTransition(turnID, from, to string) {
	e.logger.Info("turn_transition",
		zap.String("turn_id", turnID),
		zap.String("from", from),
		zap.String("to", to),
	)
}

// DegradedDefault records substitution of canned content after exhaustion.
func (e *Emitter) DegradedDefault(turnID, stage, reason string) {
	e.logger.Warn("stage_degraded_default",
		zap.String("turn_id", turnID),
		zap.String("stage", stage),
		zap.String("reason", reason),
	)
}
