// Package reporter turns finished exploit sessions into operator-facing
// summaries: a structured report value, a rendered console table, or JSON
// for downstream tooling.
package reporter

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/pterm/pterm"

	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
)

const outputSummaryLimit = 120

// Summarize condenses a session into its report. It reads the session value
// and nothing else, so the same session always yields the same report.
func Summarize(session *types.ExploitSession) *types.Report {
	report := &types.Report{
		SessionID:      session.ID,
		Target:         session.Target.Address,
		Service:        session.Service,
		Outcome:        session.Outcome,
		StartedAt:      session.StartedAt,
		CandidateCount: session.CandidateCount,
		SkippedLines:   session.SkippedLines,
		Attempts:       make([]types.AttemptSummary, 0, len(session.Attempts)),
	}
	if session.FinishedAt != nil {
		report.Duration = session.FinishedAt.Sub(session.StartedAt)
	}

	for _, attempt := range session.Attempts {
		report.Attempts = append(report.Attempts, types.AttemptSummary{
			ModuleID:      attempt.Candidate.ModuleID,
			Rank:          attempt.Candidate.Rank,
			Status:        attempt.Status,
			Duration:      attempt.Duration(),
			ArtifactPath:  attempt.ArtifactPath,
			OutputSummary: outputSummary(attempt.RawOutput),
		})
	}
	return report
}

// Render prints a human-readable report. Attempts appear in the order they
// ran.
func Render(w io.Writer, report *types.Report) error {
	header := color.New(color.FgCyan, color.Bold)
	if _, err := header.Fprintf(w, "\nExploit session %s\n", report.SessionID); err != nil {
		return err
	}

	fmt.Fprintf(w, "Target:     %s (%s)\n", report.Target, report.Service.Query())
	fmt.Fprintf(w, "Outcome:    %s\n", outcomeLabel(report.Outcome))
	fmt.Fprintf(w, "Candidates: %d", report.CandidateCount)
	if report.SkippedLines > 0 {
		fmt.Fprintf(w, " (%d unparsed catalog lines skipped)", report.SkippedLines)
	}
	fmt.Fprintf(w, "\nDuration:   %s\n\n", report.Duration.Round(time.Millisecond))

	if len(report.Attempts) == 0 {
		fmt.Fprintln(w, "No attempts were made.")
		return nil
	}

	data := pterm.TableData{{"#", "Module", "Rank", "Status", "Duration", "Artifact"}}
	for i, attempt := range report.Attempts {
		artifact := attempt.ArtifactPath
		if artifact == "" {
			artifact = "-"
		}
		data = append(data, []string{
			fmt.Sprintf("%d", i+1),
			attempt.ModuleID,
			string(attempt.Rank),
			statusLabel(attempt.Status),
			attempt.Duration.Round(time.Millisecond).String(),
			artifact,
		})
	}

	return pterm.DefaultTable.
		WithHasHeader(true).
		WithBoxed(false).
		WithWriter(w).
		WithData(data).
		Render()
}

// WriteJSON emits the report as indented JSON.
func WriteJSON(w io.Writer, report *types.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// ExportJSON writes the report to its own file under dir and returns the
// path. The name carries the target and the session start time, so a
// re-export of the same session lands on the same file.
func ExportJSON(dir string, report *types.Report) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating export directory: %w", err)
	}

	target := strings.NewReplacer(".", "_", ":", "_").Replace(report.Target)
	name := fmt.Sprintf("salvo_%s_%s.json", target, report.StartedAt.Format("20060102_150405"))
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating export file: %w", err)
	}
	if err := WriteJSON(f, report); err != nil {
		f.Close()
		return "", fmt.Errorf("writing report: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}

func statusLabel(status types.AttemptStatus) string {
	switch status {
	case types.AttemptSucceeded:
		return color.New(color.FgGreen).Sprint("✓ " + string(status))
	case types.AttemptFailed:
		return color.New(color.FgRed).Sprint("✗ " + string(status))
	case types.AttemptTimedOut:
		return color.New(color.FgYellow).Sprint("⟳ " + string(status))
	case types.AttemptErrored:
		return color.New(color.FgRed, color.Bold).Sprint("! " + string(status))
	default:
		return string(status)
	}
}

func outcomeLabel(outcome types.SessionOutcome) string {
	switch outcome {
	case types.SessionSucceeded:
		return color.New(color.FgGreen, color.Bold).Sprint(string(outcome))
	case types.SessionExhausted:
		return color.New(color.FgYellow).Sprint(string(outcome))
	case types.SessionAborted:
		return color.New(color.FgRed).Sprint(string(outcome))
	default:
		return string(outcome)
	}
}

// outputSummary picks the most informative line of a framework transcript,
// which in practice is the last non-empty one.
func outputSummary(raw string) string {
	lines := strings.Split(strings.TrimRight(raw, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if len(line) > outputSummaryLimit {
			return line[:outputSummaryLimit] + "..."
		}
		return line
	}
	return ""
}
