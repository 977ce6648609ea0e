// Package artifacts persists exploit attempt transcripts on disk. Every
// recorded attempt yields a .log transcript and, when replay commands are
// known, a .rc resource script that reproduces the attempt in a framework
// console. Files are namespaced by target address and module so artifacts
// from different engagements never collide.
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/twmb/murmur3"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/core"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/logger"
	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
)

// timestampLayout sorts lexicographically in chronological order, which is
// what MostRecent relies on. Millisecond precision keeps rapid consecutive
// records on distinct names.
const timestampLayout = "20060102T150405.000"

type Store struct {
	mu  sync.Mutex
	dir string
	log *logger.Logger
}

func New(dir string, log *logger.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifact directory not configured")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating artifact directory %s: %w", dir, err)
	}
	return &Store{
		dir: dir,
		log: log.WithComponent("artifacts"),
	}, nil
}

// Record writes the attempt transcript under <dir>/<target>/<module>_<ts>.log
// and returns the transcript path. The timestamp is the attempt's finish
// time; failed and errored attempts are recorded exactly like successes.
func (s *Store) Record(attempt *types.Attempt, commands []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	targetDir := filepath.Join(s.dir, sanitize(attempt.TargetAddress))
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return "", fmt.Errorf("creating target directory: %w", err)
	}

	ts := time.Now().UTC()
	if attempt.FinishedAt != nil {
		ts = attempt.FinishedAt.UTC()
	}

	module := sanitize(attempt.Candidate.ModuleID)
	logPath := ""
	for i := 0; i < 1000; i++ {
		candidate := filepath.Join(targetDir, fmt.Sprintf("%s_%s.log", module, ts.Format(timestampLayout)))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			logPath = candidate
			break
		}
		ts = ts.Add(time.Millisecond)
	}
	if logPath == "" {
		return "", fmt.Errorf("no free artifact name for %s under %s", module, targetDir)
	}

	if err := os.WriteFile(logPath, []byte(transcript(attempt)), 0644); err != nil {
		return "", fmt.Errorf("writing transcript: %w", err)
	}

	if len(commands) > 0 {
		rcPath := strings.TrimSuffix(logPath, ".log") + ".rc"
		script := strings.Join(commands, "\n") + "\n"
		if err := os.WriteFile(rcPath, []byte(script), 0644); err != nil {
			// The transcript is the artifact of record; a failed replay
			// script is worth a warning, not a failed attempt record.
			s.log.Warnw("Failed to write replay script", "path", rcPath, "error", err)
		}
	}

	s.log.Debugw("Recorded attempt artifact",
		"path", logPath,
		"module", attempt.Candidate.ModuleID,
		"status", string(attempt.Status),
	)
	return logPath, nil
}

// MostRecent returns the transcript path with the latest timestamp for the
// target. The only criterion is recency; the status of the recorded attempt
// does not matter.
func (s *Store) MostRecent(targetAddress string) (string, error) {
	targetDir := filepath.Join(s.dir, sanitize(targetAddress))

	entries, err := os.ReadDir(targetDir)
	if os.IsNotExist(err) {
		return "", core.ErrNoArtifact
	}
	if err != nil {
		return "", fmt.Errorf("reading artifact directory: %w", err)
	}

	bestName, bestStamp := "", ""
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		stamp, ok := parseStamp(entry.Name())
		if !ok {
			continue
		}
		if stamp > bestStamp {
			bestStamp = stamp
			bestName = entry.Name()
		}
	}
	if bestName == "" {
		return "", core.ErrNoArtifact
	}
	return filepath.Join(targetDir, bestName), nil
}

func transcript(attempt *types.Attempt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# module: %s\n", attempt.Candidate.ModuleID)
	fmt.Fprintf(&b, "# target: %s\n", attempt.TargetAddress)
	fmt.Fprintf(&b, "# session: %s\n", attempt.SessionID)
	fmt.Fprintf(&b, "# status: %s\n", attempt.Status)
	fmt.Fprintf(&b, "# started: %s\n", attempt.StartedAt.UTC().Format(time.RFC3339))
	if attempt.FinishedAt != nil {
		fmt.Fprintf(&b, "# finished: %s\n", attempt.FinishedAt.UTC().Format(time.RFC3339))
	}
	if attempt.ErrorMessage != "" {
		fmt.Fprintf(&b, "# error: %s\n", attempt.ErrorMessage)
	}
	fmt.Fprintf(&b, "# fingerprint: %08x\n", murmur3.Sum32([]byte(attempt.RawOutput)))
	b.WriteString("\n")
	b.WriteString(attempt.RawOutput)
	if !strings.HasSuffix(attempt.RawOutput, "\n") {
		b.WriteString("\n")
	}
	return b.String()
}

// parseStamp extracts and validates the timestamp portion of a transcript
// name. Module names may themselves contain underscores, so the stamp is
// whatever follows the last one.
func parseStamp(name string) (string, bool) {
	base := strings.TrimSuffix(name, ".log")
	idx := strings.LastIndex(base, "_")
	if idx < 0 {
		return "", false
	}
	stamp := base[idx+1:]
	if _, err := time.Parse(timestampLayout, stamp); err != nil {
		return "", false
	}
	return stamp, true
}

// sanitize maps a target address or module path onto a safe file name
// segment. IPv6 colons and module slashes both become underscores.
func sanitize(s string) string {
	if s == "" {
		return "unknown"
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
