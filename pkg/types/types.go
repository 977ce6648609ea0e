package types

import (
	"time"
)

type ModuleRank string

const (
	RankExcellent ModuleRank = "excellent"
	RankGreat     ModuleRank = "great"
	RankGood      ModuleRank = "good"
	RankNormal    ModuleRank = "normal"
	RankAverage   ModuleRank = "average"
	RankLow       ModuleRank = "low"
	RankManual    ModuleRank = "manual"
)

// Score maps a framework rank onto a sortable weight. Unknown ranks sort
// below manual so malformed catalog rows never outrank real ones.
func (r ModuleRank) Score() int {
	switch r {
	case RankExcellent:
		return 6
	case RankGreat:
		return 5
	case RankGood:
		return 4
	case RankNormal:
		return 3
	case RankAverage:
		return 2
	case RankLow:
		return 1
	case RankManual:
		return 0
	default:
		return -1
	}
}

type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptRunning   AttemptStatus = "running"
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
	AttemptTimedOut  AttemptStatus = "timed_out"
	AttemptErrored   AttemptStatus = "errored"
)

func (s AttemptStatus) Terminal() bool {
	switch s {
	case AttemptSucceeded, AttemptFailed, AttemptTimedOut, AttemptErrored:
		return true
	}
	return false
}

type SessionOutcome string

const (
	SessionNotStarted SessionOutcome = "not_started"
	SessionInProgress SessionOutcome = "in_progress"
	SessionSucceeded  SessionOutcome = "succeeded"
	SessionExhausted  SessionOutcome = "exhausted"
	SessionAborted    SessionOutcome = "aborted"
)

func (o SessionOutcome) Terminal() bool {
	switch o {
	case SessionSucceeded, SessionExhausted, SessionAborted:
		return true
	}
	return false
}

type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

type ServiceFingerprint struct {
	Port     int      `json:"port" db:"port"`
	Protocol Protocol `json:"protocol" db:"protocol"`
	Name     string   `json:"name" db:"name"`
	Product  string   `json:"product,omitempty" db:"product"`
	Version  string   `json:"version,omitempty" db:"version"`
}

// Query returns the search term used against the exploit catalog: the
// service name plus the version when one was fingerprinted.
func (f ServiceFingerprint) Query() string {
	if f.Version != "" {
		return f.Name + " " + f.Version
	}
	return f.Name
}

// Target is immutable once selected; one orchestration run never mutates it.
type Target struct {
	Address  string               `json:"address" db:"address"`
	Hostname string               `json:"hostname,omitempty" db:"hostname"`
	MAC      string               `json:"mac,omitempty" db:"mac"`
	Services []ServiceFingerprint `json:"services,omitempty"`
}

type ModuleOption struct {
	Required    bool   `json:"required"`
	Default     string `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// ExploitCandidate is produced by the catalog resolver and read-only
// thereafter. RequiredOptions is filled lazily, one catalog round trip per
// module, when the controller configures the attempt.
type ExploitCandidate struct {
	ModuleID        string                  `json:"module_id" db:"module_id"`
	Rank            ModuleRank              `json:"rank" db:"rank"`
	DisclosureDate  string                  `json:"disclosure_date,omitempty" db:"disclosure_date"`
	Description     string                  `json:"description,omitempty" db:"description"`
	RequiredOptions map[string]ModuleOption `json:"required_options,omitempty"`
}

// Attempt is one execution of one candidate against one target. Appended to
// the session's ordered log; never mutated after FinishedAt is set.
type Attempt struct {
	ID            string           `json:"id" db:"id"`
	SessionID     string           `json:"session_id" db:"session_id"`
	TargetAddress string           `json:"target_address" db:"target_address"`
	Candidate     ExploitCandidate `json:"candidate"`
	Status        AttemptStatus    `json:"status" db:"status"`
	StartedAt     time.Time        `json:"started_at" db:"started_at"`
	FinishedAt    *time.Time       `json:"finished_at,omitempty" db:"finished_at"`
	RawOutput     string           `json:"raw_output,omitempty" db:"raw_output"`
	ArtifactPath  string           `json:"artifact_path,omitempty" db:"artifact_path"`
	ErrorMessage  string           `json:"error_message,omitempty" db:"error_message"`
}

func (a Attempt) Duration() time.Duration {
	if a.FinishedAt == nil {
		return 0
	}
	return a.FinishedAt.Sub(a.StartedAt)
}

// ExploitSession is the full automated run from candidate list to terminal
// outcome for one target. It owns the framework channel for its lifetime.
type ExploitSession struct {
	ID             string             `json:"id" db:"id"`
	Target         Target             `json:"target"`
	Service        ServiceFingerprint `json:"service"`
	Outcome        SessionOutcome     `json:"outcome" db:"outcome"`
	StartedAt      time.Time          `json:"started_at" db:"started_at"`
	FinishedAt     *time.Time         `json:"finished_at,omitempty" db:"finished_at"`
	Attempts       []Attempt          `json:"attempts,omitempty"`
	CandidateCount int                `json:"candidate_count" db:"candidate_count"`
	SkippedLines   int                `json:"skipped_lines,omitempty" db:"skipped_lines"`
	ErrorMessage   string             `json:"error_message,omitempty" db:"error_message"`
}

type AttemptSummary struct {
	ModuleID      string        `json:"module_id"`
	Rank          ModuleRank    `json:"rank"`
	Status        AttemptStatus `json:"status"`
	Duration      time.Duration `json:"duration"`
	ArtifactPath  string        `json:"artifact_path,omitempty"`
	OutputSummary string        `json:"output_summary,omitempty"`
}

type Report struct {
	SessionID      string             `json:"session_id"`
	Target         string             `json:"target"`
	Service        ServiceFingerprint `json:"service"`
	Outcome        SessionOutcome     `json:"outcome"`
	StartedAt      time.Time          `json:"started_at"`
	Duration       time.Duration      `json:"duration"`
	CandidateCount int                `json:"candidate_count"`
	SkippedLines   int                `json:"skipped_lines,omitempty"`
	Attempts       []AttemptSummary   `json:"attempts"`
}

// Host is one discovered machine on the local network.
type Host struct {
	Address  string `json:"address"`
	MAC      string `json:"mac,omitempty"`
	Hostname string `json:"hostname,omitempty"`
}

// ExploitJob is a queued exploitation run. ModuleID empty means a full
// automated session; non-empty pins a single module. Confirmed must be set
// at enqueue time because workers have no terminal to prompt on.
type ExploitJob struct {
	ID        string             `json:"id"`
	Target    Target             `json:"target"`
	Service   ServiceFingerprint `json:"service"`
	ModuleID  string             `json:"module_id,omitempty"`
	Options   map[string]string  `json:"options,omitempty"`
	Priority  int                `json:"priority"`
	Confirmed bool               `json:"confirmed"`
	Status    string             `json:"status"`
	Retries   int                `json:"retries"`
	LastError string             `json:"last_error,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

type WorkerStatus struct {
	ID           string    `json:"id"`
	Hostname     string    `json:"hostname"`
	Status       string    `json:"status"`
	CurrentJob   string    `json:"current_job,omitempty"`
	JobsComplete int       `json:"jobs_complete"`
	LastPing     time.Time `json:"last_ping"`
}
