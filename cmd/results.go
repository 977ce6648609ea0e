package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/core"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/reporter"
	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
)

var (
	resultsJSON    bool
	resultsTarget  string
	resultsOutcome string
	resultsLimit   int
	resultsOffset  int
	resultsExport  string
	artifactPrint  bool
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Browse recorded sessions, statistics and transcripts",
}

var resultsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded sessions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		outcome, err := parseOutcome(resultsOutcome)
		if err != nil {
			return err
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		sessions, err := store.ListSessions(cmd.Context(), core.SessionFilter{
			Target:  resultsTarget,
			Outcome: outcome,
			Limit:   resultsLimit,
			Offset:  resultsOffset,
		})
		if err != nil {
			return err
		}
		if resultsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(sessions)
		}
		if len(sessions) == 0 {
			color.Yellow("No sessions recorded.\n")
			return nil
		}

		rows := pterm.TableData{{"ID", "Target", "Service", "Outcome", "Candidates", "Started"}}
		for _, s := range sessions {
			rows = append(rows, []string{
				s.ID,
				s.Target.Address,
				serviceLabel(s.Service),
				colorOutcome(s.Outcome),
				strconv.Itoa(s.CandidateCount),
				s.StartedAt.Local().Format(time.RFC3339),
			})
		}
		return pterm.DefaultTable.WithHasHeader(true).WithData(rows).Render()
	},
}

var resultsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show the full report for one session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		session, err := store.GetSession(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		report := reporter.Summarize(session)
		if resultsExport != "" {
			path, err := reporter.ExportJSON(resultsExport, report)
			if err != nil {
				return err
			}
			color.Green("Report exported to %s\n", path)
		}
		if resultsJSON {
			return reporter.WriteJSON(os.Stdout, report)
		}
		return reporter.Render(os.Stdout, report)
	},
}

var resultsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Aggregate outcome counts across all sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := store.SessionStats(cmd.Context())
		if err != nil {
			return err
		}
		if resultsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}

		pterm.DefaultSection.Println("Totals")
		totals := pterm.TableData{
			{"Sessions", strconv.Itoa(stats.Total)},
			{"Attempts", strconv.Itoa(stats.Attempts)},
		}
		if err := pterm.DefaultTable.WithData(totals).Render(); err != nil {
			return err
		}

		if len(stats.ByOutcome) > 0 {
			pterm.DefaultSection.Println("By outcome")
			rows := pterm.TableData{{"Outcome", "Sessions"}}
			for _, outcome := range []types.SessionOutcome{
				types.SessionSucceeded, types.SessionExhausted,
				types.SessionAborted, types.SessionInProgress, types.SessionNotStarted,
			} {
				if n, ok := stats.ByOutcome[outcome]; ok {
					rows = append(rows, []string{colorOutcome(outcome), strconv.Itoa(n)})
				}
			}
			if err := pterm.DefaultTable.WithHasHeader(true).WithData(rows).Render(); err != nil {
				return err
			}
		}

		if len(stats.ByTarget) > 0 {
			pterm.DefaultSection.Println("By target")
			rows := pterm.TableData{{"Target", "Sessions"}}
			for target, n := range stats.ByTarget {
				rows = append(rows, []string{target, strconv.Itoa(n)})
			}
			if err := pterm.DefaultTable.WithHasHeader(true).WithData(rows).Render(); err != nil {
				return err
			}
		}
		return nil
	},
}

var resultsArtifactCmd = &cobra.Command{
	Use:   "artifact <target>",
	Short: "Locate the newest transcript recorded for a target",
	Long: `Prints the path of the most recently recorded transcript for the
target, regardless of how that attempt ended. With --print the transcript
itself is copied to stdout.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openArtifacts()
		if err != nil {
			return err
		}

		path, err := store.MostRecent(args[0])
		if errors.Is(err, core.ErrNoArtifact) {
			color.Yellow("No transcripts recorded for %s.\n", args[0])
			return nil
		}
		if err != nil {
			return err
		}

		if !artifactPrint {
			fmt.Println(path)
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(os.Stdout, f)
		return err
	},
}

func parseOutcome(raw string) (types.SessionOutcome, error) {
	if raw == "" {
		return "", nil
	}
	outcome := types.SessionOutcome(raw)
	switch outcome {
	case types.SessionNotStarted, types.SessionInProgress,
		types.SessionSucceeded, types.SessionExhausted, types.SessionAborted:
		return outcome, nil
	}
	return "", fmt.Errorf("unknown outcome %q, expected one of not_started, in_progress, succeeded, exhausted, aborted", raw)
}

func colorOutcome(outcome types.SessionOutcome) string {
	switch outcome {
	case types.SessionSucceeded:
		return color.GreenString(string(outcome))
	case types.SessionExhausted:
		return color.YellowString(string(outcome))
	case types.SessionAborted:
		return color.RedString(string(outcome))
	default:
		return string(outcome)
	}
}

func init() {
	resultsCmd.PersistentFlags().BoolVar(&resultsJSON, "json", false, "Emit JSON instead of tables")
	resultsListCmd.Flags().StringVar(&resultsTarget, "target", "", "Only sessions against this address")
	resultsListCmd.Flags().StringVar(&resultsOutcome, "outcome", "", "Only sessions with this outcome")
	resultsListCmd.Flags().IntVar(&resultsLimit, "limit", 20, "Maximum sessions to list")
	resultsListCmd.Flags().IntVar(&resultsOffset, "offset", 0, "Skip this many sessions")
	resultsShowCmd.Flags().StringVar(&resultsExport, "export", "", "Also write the report as JSON into this directory")
	resultsArtifactCmd.Flags().BoolVar(&artifactPrint, "print", false, "Copy the transcript to stdout")
	resultsCmd.AddCommand(resultsListCmd, resultsShowCmd, resultsStatsCmd, resultsArtifactCmd)
	rootCmd.AddCommand(resultsCmd)
}
