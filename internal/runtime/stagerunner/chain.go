package stagerunner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tiger/voiceloop/internal/runtime/budget"
	"github.com/tiger/voiceloop/internal/runtime/fallback"
	"github.com/tiger/voiceloop/internal/runtime/provider/contracts"
	"github.com/tiger/voiceloop/internal/runtime/provider/registry"
)

// ChainStatus classifies how a stage attempt chain ended.
type ChainStatus string

const (
	// ChainAccepted means one attempt succeeded and its chunks were delivered.
	ChainAccepted ChainStatus = "accepted"
	// ChainExhausted means every candidate failed; the caller substitutes the
	// stage's degraded default.
	ChainExhausted ChainStatus = "exhausted"
	// ChainBudgetExhausted means the turn budget ran out before any attempt
	// could start; the caller substitutes the degraded default immediately.
	ChainBudgetExhausted ChainStatus = "budget_exhausted"
	// ChainCancelled means the turn was aborted while the chain was running.
	ChainCancelled ChainStatus = "cancelled"
)

// ChainResult summarizes one logical stage execution: first attempt plus any
// fallback and hedge attempts for the same stage.
type ChainResult struct {
	Status           ChainStatus
	AcceptedProvider string
	Attempts         []Attempt
}

// Chain sequences attempts for one stage, consulting the budget tracker
// before each attempt and the fallback resolver between attempts. Hedging:
// when a running attempt crosses its critical threshold without having
// produced output, the next candidate starts in parallel and the first side
// to produce output (or complete successfully) is accepted; the loser is
// cancelled. At most one hedge runs per attempt, never recursively.
type Chain struct {
	runner   *Runner
	resolver *fallback.Resolver
	tracker  *budget.Tracker
}

// NewChain wires a chain executor for one turn.
func NewChain(runner *Runner, resolver *fallback.Resolver, tracker *budget.Tracker) *Chain {
	return &Chain{runner: runner, resolver: resolver, tracker: tracker}
}

// HedgeObserver is notified when hedge races start and resolve.
type HedgeObserver interface {
	HedgeStarted(stage contracts.Stage, primaryID, hedgeID string)
	HedgeResolved(stage contracts.Stage, winnerID, loserID string)
}

// Execute runs the stage chain until acceptance, exhaustion, budget
// exhaustion, or cancellation. Chunks from the accepted attempt flow through
// emit as they are produced; losing hedge chunks are suppressed.
func (c *Chain) Execute(ctx context.Context, stage contracts.Stage, req contracts.Request, emit contracts.Emit, observer HedgeObserver) ChainResult {
	result := ChainResult{Status: ChainExhausted}
	failed := make(map[string]bool)
	attempted := make(map[string]bool)

	for {
		if ctx.Err() != nil {
			result.Status = ChainCancelled
			return result
		}

		decision, err := c.tracker.Evaluate(stage)
		if err != nil {
			result.Status = ChainExhausted
			return result
		}
		if decision.Action == budget.ActionDegrade {
			result.Status = ChainBudgetExhausted
			return result
		}

		// Under budget pressure the clamped deadline may be far below the
		// stage ladder, so the candidate with the best measured latency gets
		// the slot instead of the usual warm-first order.
		var primary registry.Snapshot
		var resolveErr error
		if decision.Constrained {
			primary, resolveErr = c.resolver.Cheapest(stage, unionSet(failed, attempted))
		} else {
			primary, resolveErr = c.resolver.Next(stage, failed, attempted)
		}
		if resolveErr != nil {
			if errors.Is(resolveErr, fallback.ErrExhausted) {
				result.Status = ChainExhausted
			}
			return result
		}
		attempted[primary.ProviderID] = true

		var hedgeCandidate *registry.Snapshot
		hedgeAttempted := cloneSet(attempted)
		if candidate, hedgeErr := c.resolver.Next(stage, failed, hedgeAttempted); hedgeErr == nil {
			hedgeCandidate = &candidate
		}

		hedgeDelay, err := c.tracker.HedgeDelay(stage, decision.Deadline)
		if err != nil {
			hedgeDelay = decision.Deadline
		}

		attempts, accepted := c.runHedged(ctx, req, primary, hedgeCandidate, decision.Deadline, hedgeDelay, emit, observer)
		result.Attempts = append(result.Attempts, attempts...)
		for _, attempt := range attempts {
			attempted[attempt.ProviderID] = true
			if attempt.Outcome == contracts.OutcomeTimeout || attempt.Outcome == contracts.OutcomeProviderError {
				failed[attempt.ProviderID] = true
			}
		}
		if accepted != "" {
			result.Status = ChainAccepted
			result.AcceptedProvider = accepted
			return result
		}
		if ctx.Err() != nil {
			result.Status = ChainCancelled
			return result
		}
	}
}

// raceBoard coordinates single-acceptance between a primary and its hedge.
type raceBoard struct {
	claimed atomic.Int32 // 0 unclaimed, 1 primary, 2 hedge
}

func (b *raceBoard) claim(side int32) bool {
	return b.claimed.CompareAndSwap(0, side) || b.claimed.Load() == side
}

func (b *raceBoard) winner() int32 {
	return b.claimed.Load()
}

func (c *Chain) runHedged(
	ctx context.Context,
	req contracts.Request,
	primary registry.Snapshot,
	hedge *registry.Snapshot,
	deadline time.Duration,
	hedgeDelay time.Duration,
	emit contracts.Emit,
	observer HedgeObserver,
) ([]Attempt, string) {
	board := &raceBoard{}

	primaryCtx, cancelPrimary := context.WithCancel(ctx)
	defer cancelPrimary()
	hedgeCtx, cancelHedge := context.WithCancel(ctx)
	defer cancelHedge()

	guarded := func(side int32, cancelOther context.CancelFunc) contracts.Emit {
		return func(chunk contracts.Chunk) error {
			if !board.claim(side) {
				// Losing side: stop its provider call and drop the chunk.
				return context.Canceled
			}
			cancelOther()
			return emit(chunk)
		}
	}

	var attempts []Attempt
	var acceptedProvider string
	var wg sync.WaitGroup

	primaryEmitted := make(chan struct{}, 1)
	notifyFirst := func(inner contracts.Emit) contracts.Emit {
		return func(chunk contracts.Chunk) error {
			select {
			case primaryEmitted <- struct{}{}:
			default:
			}
			return inner(chunk)
		}
	}

	primaryDone := make(chan Attempt, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		attempt := c.runner.Run(primaryCtx, primary.Adapter, req, deadline, false, notifyFirst(guarded(1, cancelHedge)))
		primaryDone <- attempt
	}()

	hedgeDone := make(chan Attempt, 1)
	hedgeStarted := false
	if hedge != nil {
		hedgeTimer := time.NewTimer(hedgeDelay)
		defer hedgeTimer.Stop()
		select {
		case attempt := <-primaryDone:
			primaryDone <- attempt
		case <-primaryEmitted:
			// Primary is streaming; no hedge needed.
		case <-ctx.Done():
		case <-hedgeTimer.C:
			if board.winner() == 0 {
				hedgeStarted = true
				if observer != nil {
					observer.HedgeStarted(req.Stage, primary.ProviderID, hedge.ProviderID)
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					remaining := deadline - hedgeDelay
					if remaining <= 0 {
						remaining = hedgeDelay
					}
					attempt := c.runner.Run(hedgeCtx, hedge.Adapter, req, remaining, true, guarded(2, cancelPrimary))
					hedgeDone <- attempt
				}()
			}
		}
	}

	primaryAttempt := <-primaryDone
	attempts = append(attempts, primaryAttempt)

	var hedgeAttempt *Attempt
	if hedgeStarted {
		attempt := <-hedgeDone
		hedgeAttempt = &attempt
		attempts = append(attempts, attempt)
	}
	wg.Wait()

	switch board.winner() {
	case 1:
		if primaryAttempt.Outcome == contracts.OutcomeSuccess {
			acceptedProvider = primaryAttempt.ProviderID
		}
		if hedgeStarted && observer != nil {
			observer.HedgeResolved(req.Stage, primaryAttempt.ProviderID, hedgeAttempt.ProviderID)
		}
	case 2:
		if hedgeAttempt != nil && hedgeAttempt.Outcome == contracts.OutcomeSuccess {
			acceptedProvider = hedgeAttempt.ProviderID
		}
		if observer != nil {
			observer.HedgeResolved(req.Stage, hedgeAttempt.ProviderID, primaryAttempt.ProviderID)
		}
	default:
		// Nothing emitted: accept an outcome-only success (e.g. empty stream)
		// from either side, preferring the primary.
		if primaryAttempt.Outcome == contracts.OutcomeSuccess {
			acceptedProvider = primaryAttempt.ProviderID
		} else if hedgeAttempt != nil && hedgeAttempt.Outcome == contracts.OutcomeSuccess {
			acceptedProvider = hedgeAttempt.ProviderID
		}
	}
	return attempts, acceptedProvider
}

func cloneSet(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func unionSet(a, b map[string]bool) map[string]bool {
	out := cloneSet(a)
	for k, v := range b {
		if v {
			out[k] = true
		}
	}
	return out
}
