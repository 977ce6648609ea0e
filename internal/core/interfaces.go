package core

import (
	"context"
	"time"

	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
)

// FrameworkAdapter is the single serialized channel to the external
// exploitation framework. One adapter owns exactly one framework console;
// commands are never issued concurrently. Execute returns whatever output
// was collected even on timeout, and a timeout leaves the channel usable
// for a recovery command.
type FrameworkAdapter interface {
	Execute(ctx context.Context, command string, timeout time.Duration) (string, error)
	Interrupt(ctx context.Context) error
	Version(ctx context.Context) (string, error)
	Close() error
}

// CandidateResolver turns a service fingerprint into a ranked candidate
// list. Resolve also returns the count of catalog lines skipped as
// unparseable; an empty list is a valid result, not an error.
type CandidateResolver interface {
	Resolve(ctx context.Context, fp types.ServiceFingerprint) ([]types.ExploitCandidate, int, error)
	Describe(ctx context.Context, moduleID string) (map[string]types.ModuleOption, error)
}

// Confirmer gates destructive actions on explicit operator consent.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// ArtifactStore persists per-attempt transcripts and replay scripts,
// namespaced by target, module and timestamp. MostRecent selects by
// timestamp alone, failed attempts included.
type ArtifactStore interface {
	Record(attempt *types.Attempt, commands []string) (string, error)
	MostRecent(targetAddress string) (string, error)
}

type Discoverer interface {
	Discover(ctx context.Context) ([]types.Host, error)
}

type PortScanner interface {
	Scan(ctx context.Context, address string) ([]types.ServiceFingerprint, error)
}

type SessionStore interface {
	SaveSession(ctx context.Context, session *types.ExploitSession) error
	UpdateSession(ctx context.Context, session *types.ExploitSession) error
	GetSession(ctx context.Context, id string) (*types.ExploitSession, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*types.ExploitSession, error)

	SaveAttempt(ctx context.Context, attempt *types.Attempt) error
	GetAttempts(ctx context.Context, sessionID string) ([]types.Attempt, error)

	SessionStats(ctx context.Context) (*SessionStats, error)
	Close() error
}

type SessionFilter struct {
	Target  string
	Outcome types.SessionOutcome
	Limit   int
	Offset  int
}

type SessionStats struct {
	Total     int
	ByOutcome map[types.SessionOutcome]int
	ByTarget  map[string]int
	Attempts  int
}

type JobQueue interface {
	Push(ctx context.Context, job *types.ExploitJob) error
	Pop(ctx context.Context, workerID string) (*types.ExploitJob, error)
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string, reason string) error
	Retry(ctx context.Context, jobID string) error
	GetStatus(ctx context.Context, jobID string) (*types.ExploitJob, error)
	GetPending(ctx context.Context) ([]*types.ExploitJob, error)
	// Processing reports in-flight claims as a job ID to worker ID map.
	Processing(ctx context.Context) (map[string]string, error)
	Close() error
}

type Worker interface {
	ID() string
	Start(ctx context.Context) error
	Stop() error
	Status() *types.WorkerStatus
}

type WorkerPool interface {
	Start(ctx context.Context, workers int) error
	Scale(workers int) error
	Stop() error
	Status() []*types.WorkerStatus
}

type RateLimiter interface {
	Wait(ctx context.Context) error
	WaitForHost(ctx context.Context, host string) error
	Allow() bool
}

type Telemetry interface {
	RecordSession(outcome types.SessionOutcome, duration float64)
	RecordAttempt(status types.AttemptStatus, duration float64)
	WorkerStarted()
	WorkerStopped()
	Close() error
}
