package cmd

import (
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/orchestrator"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/worker"
	"github.com/CodeMonkeyCybersecurity/salvo/pkg/shutdown"
)

var workersCount int

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Run background workers that drain the job queue",
}

var workersStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a worker pool and block until interrupted",
	Long: `Starts a pool of workers, each with its own framework console, that
pop jobs from the queue and run them as full exploitation sessions. Jobs
carry their authorization from enqueue time; workers never prompt.

The pool runs until Ctrl-C or SIGTERM, then finishes the jobs in flight
before closing its consoles.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		handler := shutdown.NewHandler(log)
		defer handler.Shutdown()

		markers, err := orchestrator.LoadMarkers(cfg.Exploit.MarkersFile)
		if err != nil {
			return err
		}
		artifactStore, err := openArtifacts()
		if err != nil {
			return err
		}

		store := optionalStore()
		if store != nil {
			handler.Register("database", store.Close)
		}
		telemetry := optionalTelemetry(ctx)
		if telemetry != nil {
			handler.Register("telemetry", telemetry.Close)
		}

		queue, err := openQueue()
		if err != nil {
			return err
		}
		handler.Register("queue", queue.Close)

		// Each worker gets a dedicated console; a shared one would
		// serialize the whole pool behind a single busy channel.
		factory := func() (worker.SessionRunner, error) {
			adapter, err := openAdapter()
			if err != nil {
				return nil, err
			}
			runner := orchestrator.NewJobRunner(
				adapter, newResolver(adapter), artifactStore,
				markers, cfg.Exploit, log,
			)
			if store != nil {
				runner = runner.WithStore(store)
			}
			if telemetry != nil {
				runner = runner.WithTelemetry(telemetry)
			}
			return runner, nil
		}

		pool := worker.NewWorkerPool(queue, factory, telemetry, cfg.Worker, log)
		count := cfg.Worker.Count
		if workersCount > 0 {
			count = workersCount
		}
		if err := pool.Start(ctx, count); err != nil {
			return err
		}
		handler.Register("worker-pool", pool.Stop)

		color.Cyan("Worker pool running with %d worker(s). Ctrl-C to stop.\n", count)
		handler.Wait(ctx)
		return nil
	},
}

var workersStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show jobs currently claimed by workers",
	Long: `Reads the queue's processing claims, so it sees workers in any
process sharing the same Redis. Pools stop with Ctrl-C or SIGTERM on
their own process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		queue, err := openQueue()
		if err != nil {
			return err
		}
		defer queue.Close()

		claims, err := queue.Processing(cmd.Context())
		if err != nil {
			return err
		}
		if len(claims) == 0 {
			color.Yellow("No jobs in flight.\n")
			return nil
		}

		jobIDs := make([]string, 0, len(claims))
		for jobID := range claims {
			jobIDs = append(jobIDs, jobID)
		}
		sort.Strings(jobIDs)

		rows := pterm.TableData{{"Worker", "Job", "Target", "Module", "Updated"}}
		for _, jobID := range jobIDs {
			row := []string{claims[jobID], jobID, "-", "-", "-"}
			// A claim can outlive its job record; show what is left.
			if job, err := queue.GetStatus(cmd.Context(), jobID); err == nil {
				row[2] = job.Target.Address
				row[3] = orDash(job.ModuleID)
				row[4] = job.UpdatedAt.Local().Format(time.RFC3339)
			}
			rows = append(rows, row)
		}
		return pterm.DefaultTable.WithHasHeader(true).WithData(rows).Render()
	},
}

func init() {
	workersStartCmd.Flags().IntVar(&workersCount, "count", 0, "Worker count, overrides worker.count")
	workersCmd.AddCommand(workersStartCmd, workersStatusCmd)
	rootCmd.AddCommand(workersCmd)
}
