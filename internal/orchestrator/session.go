package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
)

// Session is the live, thread-safe state of one automated exploitation run.
// The identity fields are read-only after creation; everything else goes
// through guarded transitions that enforce the attempt and session state
// machines: at most one non-terminal attempt at a time, no mutation of an
// attempt once it is terminal, no session transition out of a terminal
// outcome.
type Session struct {
	// Read-only after creation.
	ID        string
	Target    types.Target
	Service   types.ServiceFingerprint
	StartedAt time.Time

	mu             sync.RWMutex
	outcome        types.SessionOutcome
	finishedAt     *time.Time
	attempts       []types.Attempt
	candidateCount int
	skippedLines   int
	errorMessage   string

	abortOnce sync.Once
	abort     chan struct{}
}

func NewSession(target types.Target, service types.ServiceFingerprint) *Session {
	return &Session{
		ID:        uuid.New().String(),
		Target:    target,
		Service:   service,
		StartedAt: time.Now().UTC(),
		outcome:   types.SessionNotStarted,
		abort:     make(chan struct{}),
	}
}

// Abort requests a graceful stop. The controller observes it at state
// boundaries and through the cancellation of in-flight framework commands.
// Safe to call multiple times and from any goroutine.
func (s *Session) Abort() {
	s.abortOnce.Do(func() { close(s.abort) })
}

// Aborted reports whether an abort has been requested. It does not imply
// the session outcome is already Aborted.
func (s *Session) Aborted() bool {
	select {
	case <-s.abort:
		return true
	default:
		return false
	}
}

// AbortSignal exposes the abort channel so command contexts can be
// cancelled the moment the operator pulls the plug.
func (s *Session) AbortSignal() <-chan struct{} {
	return s.abort
}

// Begin moves the session into InProgress and snapshots the resolved
// candidate list size. The candidate list itself is owned by the
// controller; re-resolving mid-session never changes this count.
func (s *Session) Begin(candidateCount, skippedLines int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.outcome != types.SessionNotStarted {
		return fmt.Errorf("session %s already started (outcome %s)", s.ID, s.outcome)
	}
	s.outcome = types.SessionInProgress
	s.candidateCount = candidateCount
	s.skippedLines = skippedLines
	return nil
}

// Finish sets the terminal outcome exactly once. Later calls are ignored so
// a late fault cannot overwrite the recorded outcome.
func (s *Session) Finish(outcome types.SessionOutcome, errorMessage string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.outcome.Terminal() {
		return
	}
	now := time.Now().UTC()
	s.outcome = outcome
	s.finishedAt = &now
	s.errorMessage = errorMessage
}

func (s *Session) Outcome() types.SessionOutcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outcome
}

// BeginAttempt appends a Pending attempt for the candidate. Refused while
// another attempt is still open: attempts are strictly sequential.
func (s *Session) BeginAttempt(candidate types.ExploitCandidate) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.attempts {
		if !s.attempts[i].Status.Terminal() {
			return "", fmt.Errorf("attempt %s is still %s", s.attempts[i].ID, s.attempts[i].Status)
		}
	}

	attempt := types.Attempt{
		ID:            uuid.New().String(),
		SessionID:     s.ID,
		TargetAddress: s.Target.Address,
		Candidate:     candidate,
		Status:        types.AttemptPending,
		StartedAt:     time.Now().UTC(),
	}
	s.attempts = append(s.attempts, attempt)
	return attempt.ID, nil
}

// MarkAttemptRunning transitions a Pending attempt to Running.
func (s *Session) MarkAttemptRunning(attemptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt, err := s.findOpen(attemptID)
	if err != nil {
		return err
	}
	if attempt.Status != types.AttemptPending {
		return fmt.Errorf("attempt %s is %s, not pending", attemptID, attempt.Status)
	}
	attempt.Status = types.AttemptRunning
	return nil
}

// FinishAttempt records the terminal status, raw output and error message
// of an open attempt. The record is immutable afterwards.
func (s *Session) FinishAttempt(attemptID string, status types.AttemptStatus, rawOutput, errorMessage string) error {
	if !status.Terminal() {
		return fmt.Errorf("%s is not a terminal attempt status", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	attempt, err := s.findOpen(attemptID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	attempt.Status = status
	attempt.FinishedAt = &now
	attempt.RawOutput = rawOutput
	attempt.ErrorMessage = errorMessage
	return nil
}

// SetAttemptArtifact attaches the recorded artifact path. The only field
// that may change after an attempt is terminal, because artifacts are
// written from the finished record.
func (s *Session) SetAttemptArtifact(attemptID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.attempts {
		if s.attempts[i].ID == attemptID {
			s.attempts[i].ArtifactPath = path
			return nil
		}
	}
	return fmt.Errorf("no attempt %s in session %s", attemptID, s.ID)
}

// findOpen returns a pointer to the attempt if it exists and is not yet
// terminal. Callers must hold the write lock.
func (s *Session) findOpen(attemptID string) (*types.Attempt, error) {
	for i := range s.attempts {
		if s.attempts[i].ID == attemptID {
			if s.attempts[i].Status.Terminal() {
				return nil, fmt.Errorf("attempt %s is already terminal (%s)", attemptID, s.attempts[i].Status)
			}
			return &s.attempts[i], nil
		}
	}
	return nil, fmt.Errorf("no attempt %s in session %s", attemptID, s.ID)
}

// Attempt returns a copy of one attempt by id.
func (s *Session) Attempt(attemptID string) (types.Attempt, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.attempts {
		if s.attempts[i].ID == attemptID {
			return s.attempts[i], true
		}
	}
	return types.Attempt{}, false
}

// Attempts returns a copy of the ordered attempt log.
func (s *Session) Attempts() []types.Attempt {
	s.mu.RLock()
	defer s.mu.RUnlock()

	attempts := make([]types.Attempt, len(s.attempts))
	copy(attempts, s.attempts)
	return attempts
}

// RunningCount reports how many attempts are currently Running.
func (s *Session) RunningCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for i := range s.attempts {
		if s.attempts[i].Status == types.AttemptRunning {
			count++
		}
	}
	return count
}

// Snapshot produces an immutable view for persistence and reporting.
func (s *Session) Snapshot() *types.ExploitSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	attempts := make([]types.Attempt, len(s.attempts))
	copy(attempts, s.attempts)

	var finishedAt *time.Time
	if s.finishedAt != nil {
		t := *s.finishedAt
		finishedAt = &t
	}

	return &types.ExploitSession{
		ID:             s.ID,
		Target:         s.Target,
		Service:        s.Service,
		Outcome:        s.outcome,
		StartedAt:      s.StartedAt,
		FinishedAt:     finishedAt,
		Attempts:       attempts,
		CandidateCount: s.candidateCount,
		SkippedLines:   s.skippedLines,
		ErrorMessage:   s.errorMessage,
	}
}
