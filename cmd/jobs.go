package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
)

var jobsJSON bool

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and retry queued exploitation jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs waiting for a worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		queue, err := openQueue()
		if err != nil {
			return err
		}
		defer queue.Close()

		pending, err := queue.GetPending(cmd.Context())
		if err != nil {
			return err
		}
		if jobsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(pending)
		}
		if len(pending) == 0 {
			color.Yellow("No pending jobs.\n")
			return nil
		}

		rows := pterm.TableData{{"ID", "Target", "Service", "Module", "Priority", "Age"}}
		for _, job := range pending {
			rows = append(rows, []string{
				job.ID,
				job.Target.Address,
				serviceLabel(job.Service),
				orDash(job.ModuleID),
				strconv.Itoa(job.Priority),
				time.Since(job.CreatedAt).Round(time.Second).String(),
			})
		}
		return pterm.DefaultTable.WithHasHeader(true).WithData(rows).Render()
	},
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show one job's state and last error",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		queue, err := openQueue()
		if err != nil {
			return err
		}
		defer queue.Close()

		job, err := queue.GetStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jobsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(job)
		}

		rows := pterm.TableData{
			{"ID", job.ID},
			{"Status", job.Status},
			{"Target", job.Target.Address},
			{"Service", serviceLabel(job.Service)},
			{"Module", orDash(job.ModuleID)},
			{"Retries", strconv.Itoa(job.Retries)},
			{"Last error", orDash(job.LastError)},
			{"Created", job.CreatedAt.Format(time.RFC3339)},
			{"Updated", job.UpdatedAt.Format(time.RFC3339)},
		}
		return pterm.DefaultTable.WithData(rows).Render()
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Move a failed job back onto the pending queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		queue, err := openQueue()
		if err != nil {
			return err
		}
		defer queue.Close()

		if err := queue.Retry(cmd.Context(), args[0]); err != nil {
			return err
		}
		color.Green("Job %s requeued.\n", args[0])
		return nil
	},
}

func serviceLabel(svc types.ServiceFingerprint) string {
	label := svc.Query()
	switch {
	case label == "" && svc.Port == 0:
		return "-"
	case label == "":
		return fmt.Sprintf("port %d", svc.Port)
	case svc.Port == 0:
		return label
	}
	return fmt.Sprintf("%d/%s", svc.Port, label)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	jobsCmd.PersistentFlags().BoolVar(&jobsJSON, "json", false, "Emit JSON instead of tables")
	jobsCmd.AddCommand(jobsListCmd, jobsStatusCmd, jobsRetryCmd)
	rootCmd.AddCommand(jobsCmd)
}
