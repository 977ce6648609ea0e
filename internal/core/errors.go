package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrOperatorAbort ends a session as Aborted. It is an operator decision,
// not a failure, and is never counted against a candidate.
var ErrOperatorAbort = errors.New("aborted by operator")

// ErrNoArtifact is returned by ArtifactStore.MostRecent when nothing has
// been recorded for the target yet.
var ErrNoArtifact = errors.New("no artifact recorded for target")

// ConnectionError means the framework cannot be reached or refused login.
// Fatal to the session: surfaced immediately, never retried.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cannot reach exploitation framework at %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError means one command or attempt exceeded its bound. Recorded on
// the attempt; the session continues with the next candidate.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %q exceeded %s timeout", e.Command, e.Timeout)
}

// ProtocolError means the framework produced output we could not interpret
// where a well-formed response was required. The attempt is marked errored;
// the session continues.
type ProtocolError struct {
	Command string
	Output  string
	Reason  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unexpected framework output for %q: %s", e.Command, e.Reason)
}

// ConfigurationError means a mandatory module option could not be satisfied.
// The attempt is marked errored without launching; the session continues.
type ConfigurationError struct {
	ModuleID string
	Option   string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("module %s: option %s: %s", e.ModuleID, e.Option, e.Reason)
}
