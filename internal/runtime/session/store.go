// Package session owns per-conversation state that outlives a single turn:
// the prior-exchange history consumed as LLM context, the archived record of
// finished turns, and warm-state hints forwarded to the provider registry.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/tiger/voiceloop/internal/runtime/provider/contracts"
)

// TurnStatus is the terminal disposition of one archived turn.
type TurnStatus string

const (
	TurnCompleted TurnStatus = "completed"
	TurnAborted   TurnStatus = "aborted"
	TurnFailed    TurnStatus = "failed"
)

// Validate enforces the status taxonomy.
func (s TurnStatus) Validate() error {
	switch s {
	case TurnCompleted, TurnAborted, TurnFailed:
		return nil
	default:
		return fmt.Errorf("unsupported turn status %q", s)
	}
}

// AttemptRecord is the diagnostics view of one stage attempt retained with
// its archived turn.
type AttemptRecord struct {
	Stage      contracts.Stage
	ProviderID string
	Outcome    contracts.OutcomeClass
	Elapsed    time.Duration
	Hedge      bool
}

// TurnRecord is one archived turn.
type TurnRecord struct {
	TurnID        string
	Status        TurnStatus
	UserText      string
	AssistantText string
	StartedAt     time.Time
	Elapsed       time.Duration
	Attempts      []AttemptRecord
}

// WarmSink receives warm-state hints recorded against a session. The provider
// registry implements it.
type WarmSink interface {
	SetWarm(providerID string, warm bool) error
}

// DefaultHistoryLimit bounds how many prior exchanges feed LLM context.
const DefaultHistoryLimit = 8

// Store holds history and archives for one session. Safe for use from the
// orchestrator goroutine and transport callbacks concurrently.
type Store struct {
	mu        sync.Mutex
	sessionID string
	limit     int
	warm      WarmSink
	history   []contracts.Exchange
	archive   []TurnRecord
}

// NewStore creates a session store. historyLimit <= 0 selects the default.
func NewStore(sessionID string, historyLimit int, warm WarmSink) (*Store, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Store{sessionID: sessionID, limit: historyLimit, warm: warm}, nil
}

// SessionID returns the owned session identifier.
func (s *Store) SessionID() string {
	return s.sessionID
}

// History returns the most recent exchanges, oldest first, bounded by the
// history limit.
func (s *Store) History() []contracts.Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contracts.Exchange, len(s.history))
	copy(out, s.history)
	return out
}

// Archive records one finished turn and, for completed turns, folds its
// exchange into the history window.
func (s *Store) Archive(record TurnRecord) error {
	if record.TurnID == "" {
		return fmt.Errorf("turn_id is required")
	}
	if err := record.Status.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.archive = append(s.archive, record)
	if record.Status == TurnCompleted && (record.UserText != "" || record.AssistantText != "") {
		s.history = append(s.history, contracts.Exchange{
			UserText:      record.UserText,
			AssistantText: record.AssistantText,
		})
		if len(s.history) > s.limit {
			s.history = s.history[len(s.history)-s.limit:]
		}
	}
	return nil
}

// Turns returns archived turns, oldest first.
func (s *Store) Turns() []TurnRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TurnRecord, len(s.archive))
	copy(out, s.archive)
	return out
}

// RecordWarmState forwards a warm-state hint to the registry.
func (s *Store) RecordWarmState(providerID string, warm bool) error {
	if s.warm == nil {
		return nil
	}
	return s.warm.SetWarm(providerID, warm)
}
