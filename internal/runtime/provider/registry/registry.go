package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tiger/voiceloop/internal/runtime/provider/contracts"
)

// Health is the normalized provider health state.
type Health string

const (
	HealthHealthy     Health = "healthy"
	HealthDegraded    Health = "degraded"
	HealthUnavailable Health = "unavailable"
)

// Validate enforces supported health values.
func (h Health) Validate() error {
	switch h {
	case HealthHealthy, HealthDegraded, HealthUnavailable:
		return nil
	default:
		return fmt.Errorf("unsupported health: %q", h)
	}
}

// SLA declares per-provider latency thresholds for one stage invocation.
type SLA struct {
	Target   time.Duration
	Critical time.Duration
	Blocking time.Duration
}

// Validate enforces threshold ordering.
func (s SLA) Validate() error {
	if s.Target <= 0 || s.Critical <= 0 || s.Blocking <= 0 {
		return fmt.Errorf("sla thresholds must be >0")
	}
	if s.Target > s.Critical || s.Critical > s.Blocking {
		return fmt.Errorf("sla thresholds must satisfy target <= critical <= blocking")
	}
	return nil
}

// Descriptor is the static registration record for one backend.
type Descriptor struct {
	ProviderID string
	Stage      contracts.Stage
	SLA        SLA
	Priority   int
}

// Validate enforces descriptor invariants.
func (d Descriptor) Validate() error {
	if d.ProviderID == "" {
		return fmt.Errorf("provider_id is required")
	}
	if err := d.Stage.Validate(); err != nil {
		return err
	}
	if err := d.SLA.Validate(); err != nil {
		return err
	}
	if d.Priority < 0 {
		return fmt.Errorf("priority must be >=0")
	}
	return nil
}

// Snapshot is the read-only view of one provider consumed by the fallback
// resolver. RollingP50 is zero until at least one outcome has been reported.
type Snapshot struct {
	Descriptor
	Adapter    contracts.Adapter
	Health     Health
	Warm       bool
	RollingP50 time.Duration
}

// latencyWindowSize bounds the rolling latency sample window per provider.
const latencyWindowSize = 32

// entry holds per-provider dynamic state behind its own lock. Health and warm
// fields are the only state mutated concurrently from multiple stage runners,
// so the lock never spans more than one provider.
type entry struct {
	mu            sync.Mutex
	descriptor    Descriptor
	adapter       contracts.Adapter
	health        Health
	warm          bool
	samples       []time.Duration
	failStreak    int
	unavailableAt time.Time
}

// Registry stores provider descriptors with their dynamic health/warm state.
type Registry struct {
	byID     map[string]*entry
	byStage  map[contracts.Stage][]string
	cooldown time.Duration
	now      func() time.Time
}

// FailStreakUnavailable is the consecutive-failure count that escalates a
// provider from degraded to unavailable.
const FailStreakUnavailable = 3

// DefaultUnavailableCooldown is how long an unavailable provider sits out
// before it is readmitted as degraded.
const DefaultUnavailableCooldown = 30 * time.Second

// New builds a registry from validated descriptors and their adapters.
func New() *Registry {
	return NewWithClock(DefaultUnavailableCooldown, time.Now)
}

// NewWithClock overrides the unavailable cooldown and clock. A cooldown of 0
// disables automatic recovery; a nil now falls back to time.Now.
func NewWithClock(cooldown time.Duration, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		byID:     make(map[string]*entry),
		byStage:  make(map[contracts.Stage][]string),
		cooldown: cooldown,
		now:      now,
	}
}

// Register adds one provider. Registration order is preserved per stage after
// stable priority ordering, so configuration order is the declared tiebreak.
func (r *Registry) Register(descriptor Descriptor, adapter contracts.Adapter) error {
	if err := descriptor.Validate(); err != nil {
		return err
	}
	if adapter == nil {
		return fmt.Errorf("adapter is required")
	}
	if adapter.Stage() != descriptor.Stage {
		return fmt.Errorf("adapter stage %q does not match descriptor stage %q", adapter.Stage(), descriptor.Stage)
	}
	if _, exists := r.byID[descriptor.ProviderID]; exists {
		return fmt.Errorf("duplicate provider_id %q", descriptor.ProviderID)
	}
	r.byID[descriptor.ProviderID] = &entry{
		descriptor: descriptor,
		adapter:    adapter,
		health:     HealthHealthy,
	}
	ids := append(r.byStage[descriptor.Stage], descriptor.ProviderID)
	sort.SliceStable(ids, func(i, j int) bool {
		return r.byID[ids[i]].descriptor.Priority < r.byID[ids[j]].descriptor.Priority
	})
	r.byStage[descriptor.Stage] = ids
	return nil
}

// Snapshot returns the current view of one provider.
func (r *Registry) Snapshot(providerID string) (Snapshot, bool) {
	e, ok := r.byID[providerID]
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(r.now(), r.cooldown), true
}

// ByStage returns provider snapshots for a stage in priority order.
func (r *Registry) ByStage(stage contracts.Stage) ([]Snapshot, error) {
	if err := stage.Validate(); err != nil {
		return nil, err
	}
	ids := r.byStage[stage]
	if len(ids) == 0 {
		return nil, fmt.Errorf("no providers registered for stage %q", stage)
	}
	out := make([]Snapshot, 0, len(ids))
	now := r.now()
	for _, id := range ids {
		out = append(out, r.byID[id].snapshot(now, r.cooldown))
	}
	return out, nil
}

// ReportOutcome records one attempt's outcome and latency, updating health,
// warm state, and the rolling latency window. Called only by stage runners.
func (r *Registry) ReportOutcome(providerID string, outcome contracts.Outcome, elapsed time.Duration) error {
	e, ok := r.byID[providerID]
	if !ok {
		return fmt.Errorf("unknown provider_id %q", providerID)
	}
	if err := outcome.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch outcome.Class {
	case contracts.OutcomeSuccess:
		e.failStreak = 0
		e.health = HealthHealthy
		e.warm = true
		if elapsed > 0 {
			e.samples = append(e.samples, elapsed)
			if len(e.samples) > latencyWindowSize {
				e.samples = e.samples[1:]
			}
		}
	case contracts.OutcomeTimeout, contracts.OutcomeProviderError:
		e.failStreak++
		if e.failStreak >= FailStreakUnavailable {
			e.health = HealthUnavailable
			e.unavailableAt = r.now()
		} else {
			e.health = HealthDegraded
		}
	case contracts.OutcomeCancelled:
		// Cancellation carries no health signal.
	}
	return nil
}

// SetWarm records an out-of-band warm-state hint (e.g. a local model load).
func (r *Registry) SetWarm(providerID string, warm bool) error {
	e, ok := r.byID[providerID]
	if !ok {
		return fmt.Errorf("unknown provider_id %q", providerID)
	}
	e.mu.Lock()
	e.warm = warm
	e.mu.Unlock()
	return nil
}

// Recover resets an unavailable provider to degraded after a cooldown sweep.
func (r *Registry) Recover(providerID string) error {
	e, ok := r.byID[providerID]
	if !ok {
		return fmt.Errorf("unknown provider_id %q", providerID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.health == HealthUnavailable {
		e.health = HealthDegraded
		e.failStreak = 0
	}
	return nil
}

// snapshot reads one provider's state, readmitting an unavailable provider as
// degraded once the cooldown has elapsed. Snapshot reads happen on every
// candidate resolution, so readmission needs no separate sweep.
func (e *entry) snapshot(now time.Time, cooldown time.Duration) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.health == HealthUnavailable && cooldown > 0 && now.Sub(e.unavailableAt) >= cooldown {
		e.health = HealthDegraded
		e.failStreak = 0
	}
	return Snapshot{
		Descriptor: e.descriptor,
		Adapter:    e.adapter,
		Health:     e.health,
		Warm:       e.warm,
		RollingP50: p50(e.samples),
	}
}

func p50(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}
