package budget

import (
	"fmt"
	"time"

	"github.com/tiger/voiceloop/internal/runtime/provider/contracts"
)

// Action is the deterministic budget decision taken before a stage attempt.
type Action string

const (
	ActionProceed Action = "proceed"
	ActionDegrade Action = "degrade"
)

// Thresholds holds the target/critical/blocking latency ladder for one scope.
type Thresholds struct {
	Target   time.Duration
	Critical time.Duration
	Blocking time.Duration
}

// Validate enforces threshold ordering.
func (t Thresholds) Validate() error {
	if t.Target <= 0 || t.Critical <= 0 || t.Blocking <= 0 {
		return fmt.Errorf("thresholds must be >0")
	}
	if t.Target > t.Critical || t.Critical > t.Blocking {
		return fmt.Errorf("thresholds must satisfy target <= critical <= blocking")
	}
	return nil
}

// Table is the per-stage SLA table plus the whole-turn ladder.
type Table struct {
	Turn   Thresholds
	Stages map[contracts.Stage]Thresholds
}

// Validate enforces table invariants.
func (t Table) Validate() error {
	if err := t.Turn.Validate(); err != nil {
		return fmt.Errorf("turn thresholds: %w", err)
	}
	for _, stage := range []contracts.Stage{contracts.StageSTT, contracts.StageLLM, contracts.StageTTS} {
		thresholds, ok := t.Stages[stage]
		if !ok {
			return fmt.Errorf("missing thresholds for stage %q", stage)
		}
		if err := thresholds.Validate(); err != nil {
			return fmt.Errorf("stage %s thresholds: %w", stage, err)
		}
	}
	return nil
}

// DefaultTable allocates stage sub-budgets proportionally under a 500ms
// blocking turn ladder.
func DefaultTable() Table {
	return Table{
		Turn: Thresholds{Target: 200 * time.Millisecond, Critical: 300 * time.Millisecond, Blocking: 500 * time.Millisecond},
		Stages: map[contracts.Stage]Thresholds{
			contracts.StageSTT: {Target: 60 * time.Millisecond, Critical: 90 * time.Millisecond, Blocking: 150 * time.Millisecond},
			contracts.StageLLM: {Target: 80 * time.Millisecond, Critical: 120 * time.Millisecond, Blocking: 200 * time.Millisecond},
			contracts.StageTTS: {Target: 60 * time.Millisecond, Critical: 90 * time.Millisecond, Blocking: 150 * time.Millisecond},
		},
	}
}

// Decision is the outcome of a pre-attempt budget evaluation. Constrained is
// set when the remaining turn budget no longer covers the stage's full
// blocking threshold; callers switch to the cheapest candidate so the clamped
// deadline has the best chance of being met.
type Decision struct {
	Action      Action
	Reason      string
	Remaining   time.Duration
	Deadline    time.Duration
	Constrained bool
}

// Tracker is the per-turn stopwatch over one SLA table. The zero value is not
// usable; construct with NewTracker at turn open.
type Tracker struct {
	table Table
	start time.Time
	now   func() time.Time
}

// NewTracker starts a turn stopwatch against a validated table. A nil now
// falls back to time.Now; tests inject a fake clock.
func NewTracker(table Table, now func() time.Time) (*Tracker, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{table: table, start: now(), now: now}, nil
}

// Elapsed returns time consumed since turn start.
func (t *Tracker) Elapsed() time.Duration {
	return t.now().Sub(t.start)
}

// Remaining returns the turn budget left before the blocking threshold.
func (t *Tracker) Remaining() time.Duration {
	return t.table.Turn.Blocking - t.Elapsed()
}

// Stage returns the threshold ladder for one stage.
func (t *Tracker) Stage(stage contracts.Stage) (Thresholds, error) {
	thresholds, ok := t.table.Stages[stage]
	if !ok {
		return Thresholds{}, fmt.Errorf("missing thresholds for stage %q", stage)
	}
	return thresholds, nil
}

// Evaluate decides whether a stage attempt may start. When the remaining turn
// budget is exhausted the stage skips straight to its degraded path. The
// attempt deadline is the stage blocking threshold clamped to the remaining
// turn budget, so consumed time plus downstream budget never silently exceeds
// the turn ladder.
func (t *Tracker) Evaluate(stage contracts.Stage) (Decision, error) {
	thresholds, err := t.Stage(stage)
	if err != nil {
		return Decision{}, err
	}
	remaining := t.Remaining()
	if remaining <= 0 {
		return Decision{
			Action:    ActionDegrade,
			Reason:    "turn_budget_exhausted",
			Remaining: remaining,
		}, nil
	}
	deadline := thresholds.Blocking
	constrained := false
	if deadline > remaining {
		deadline = remaining
		constrained = true
	}
	return Decision{
		Action:      ActionProceed,
		Reason:      "within_budget",
		Remaining:   remaining,
		Deadline:    deadline,
		Constrained: constrained,
	}, nil
}

// HedgeDelay returns how long a running attempt may go before a speculative
// fallback is started in parallel, clamped to the attempt deadline.
func (t *Tracker) HedgeDelay(stage contracts.Stage, deadline time.Duration) (time.Duration, error) {
	thresholds, err := t.Stage(stage)
	if err != nil {
		return 0, err
	}
	delay := thresholds.Critical
	if delay > deadline {
		delay = deadline
	}
	return delay, nil
}

// WarnAfter returns the soft-warning threshold for observability events.
func (t *Tracker) WarnAfter(stage contracts.Stage) (time.Duration, error) {
	thresholds, err := t.Stage(stage)
	if err != nil {
		return 0, err
	}
	return thresholds.Target, nil
}
