package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/api"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/orchestrator"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/worker"
	"github.com/CodeMonkeyCybersecurity/salvo/pkg/shutdown"
)

var serveWorkers int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and event stream",
	Long: `Serves the REST API and websocket event stream that the session
store, job queue and artifact store back. With --workers above zero an
in-process worker pool drains the queue as well, which makes a single
salvo process a complete engagement node.

Set SALVO_API_KEY and api.enable_auth to require a key on every request.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		handler := shutdown.NewHandler(log)
		defer handler.Shutdown()

		server, err := api.NewServer(cfg.API, log)
		if err != nil {
			return err
		}

		store := optionalStore()
		if store != nil {
			handler.Register("database", store.Close)
			server = server.WithStore(store)
		}
		telemetry := optionalTelemetry(ctx)
		if telemetry != nil {
			handler.Register("telemetry", telemetry.Close)
		}

		artifactStore, err := openArtifacts()
		if err != nil {
			return err
		}
		server = server.WithArtifacts(artifactStore)

		// The API's health probe owns this console; sessions open their own.
		if adapter, err := openAdapter(); err != nil {
			log.Warnw("Framework unreachable, health will report it down", "error", err)
		} else {
			handler.Register("framework-adapter", adapter.Close)
			server = server.WithAdapter(adapter)
		}

		queue, err := openQueue()
		if err != nil {
			log.Warnw("Job queue unavailable, queue endpoints disabled", "error", err)
		} else {
			handler.Register("queue", queue.Close)
			server = server.WithQueue(queue)
		}

		if serveWorkers > 0 {
			if queue == nil {
				return fmt.Errorf("workers need the job queue, fix the Redis connection first")
			}
			markers, err := orchestrator.LoadMarkers(cfg.Exploit.MarkersFile)
			if err != nil {
				return err
			}
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
			if err := pool.Start(ctx, serveWorkers); err != nil {
				return err
			}
			handler.Register("worker-pool", pool.Stop)
			server = server.WithPool(pool)
		}

		if err := server.Start(); err != nil {
			return err
		}
		handler.Register("api-server", func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})

		color.Cyan("API listening on %s\n", cfg.API.Addr)
		handler.Wait(ctx)
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&serveWorkers, "workers", 0, "Also run this many in-process workers")
	serveCmd.Flags().String("addr", "", "Listen address, overrides api.addr")
	viper.BindPFlag("api.addr", serveCmd.Flags().Lookup("addr"))
	rootCmd.AddCommand(serveCmd)
}
