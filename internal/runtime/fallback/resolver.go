package fallback

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tiger/voiceloop/internal/runtime/provider/contracts"
	"github.com/tiger/voiceloop/internal/runtime/provider/registry"
)

// ErrExhausted indicates every candidate for a stage has been filtered out.
// Callers substitute the stage's degraded default instead of failing the turn.
var ErrExhausted = errors.New("fallback chain exhausted")

// Source reads provider snapshots for candidate resolution.
type Source interface {
	ByStage(stage contracts.Stage) ([]registry.Snapshot, error)
}

// Resolver orders fallback candidates for one stage attempt chain. Retry and
// fallback decisions live exclusively here and in the stage runner; no other
// component re-invokes providers.
type Resolver struct {
	source Source
}

// NewResolver builds a resolver over a snapshot source.
func NewResolver(source Source) (*Resolver, error) {
	if source == nil {
		return nil, fmt.Errorf("snapshot source is required")
	}
	return &Resolver{source: source}, nil
}

// Candidates returns providers for a stage in preference order, excluding
// unavailable providers and any that already failed within the current turn.
// Preference: warm providers first, then best rolling p50, then declared
// priority order. Returns ErrExhausted when nothing remains.
func (r *Resolver) Candidates(stage contracts.Stage, failedThisTurn map[string]bool) ([]registry.Snapshot, error) {
	if err := stage.Validate(); err != nil {
		return nil, err
	}
	snapshots, err := r.source.ByStage(stage)
	if err != nil {
		return nil, err
	}

	eligible := make([]registry.Snapshot, 0, len(snapshots))
	for _, snap := range snapshots {
		if snap.Health == registry.HealthUnavailable {
			continue
		}
		if failedThisTurn[snap.ProviderID] {
			continue
		}
		eligible = append(eligible, snap)
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("%w for stage %s", ErrExhausted, stage)
	}

	// Input order is declared priority, so a stable sort keeps it as the
	// final tiebreak.
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Warm != eligible[j].Warm {
			return eligible[i].Warm
		}
		return latencyRank(eligible[i].RollingP50) < latencyRank(eligible[j].RollingP50)
	})
	return eligible, nil
}

// Next returns the first candidate not yet attempted, preserving Candidates
// ordering. Used when escalating after a failed or slow attempt.
func (r *Resolver) Next(stage contracts.Stage, failedThisTurn map[string]bool, attempted map[string]bool) (registry.Snapshot, error) {
	candidates, err := r.Candidates(stage, failedThisTurn)
	if err != nil {
		return registry.Snapshot{}, err
	}
	for _, candidate := range candidates {
		if attempted[candidate.ProviderID] {
			continue
		}
		return candidate, nil
	}
	return registry.Snapshot{}, fmt.Errorf("%w for stage %s", ErrExhausted, stage)
}

// Cheapest returns the candidate with the best known latency regardless of
// warm state, used when the remaining turn budget has clamped the attempt
// deadline below the stage's own ladder.
func (r *Resolver) Cheapest(stage contracts.Stage, failedThisTurn map[string]bool) (registry.Snapshot, error) {
	candidates, err := r.Candidates(stage, failedThisTurn)
	if err != nil {
		return registry.Snapshot{}, err
	}
	best := candidates[0]
	for _, candidate := range candidates[1:] {
		if latencyRank(candidate.RollingP50) < latencyRank(best.RollingP50) {
			best = candidate
		}
	}
	return best, nil
}

// latencyRank treats providers without samples as slower than any measured one.
func latencyRank(p50 time.Duration) time.Duration {
	if p50 <= 0 {
		return time.Duration(1<<62 - 1)
	}
	return p50
}
