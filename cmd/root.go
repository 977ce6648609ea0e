// Package cmd wires the salvo commands: discovery, scanning, exploitation,
// the job queue, workers and the web API. Configuration flows from flags
// and SALVO_* environment variables through viper; an optional YAML file
// can supply the rest.
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/artifacts"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/catalog"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/config"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/core"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/database"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/jobs"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/logger"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/msf"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/telemetry"
)

var (
	cfg      *config.Config
	log      *logger.Logger
	cfgFile  string
	scopeArg string
)

var rootCmd = &cobra.Command{
	Use:   "salvo",
	Short: "Automated exploitation orchestrator for authorized engagements",
	Long: `Salvo - Automated Exploitation Orchestrator

Salvo drives the Metasploit framework over its RPC interface: it discovers
hosts, fingerprints their services, resolves ranked exploit candidates from
the module catalog, and walks them in order until one lands a session or
the list runs out. Nothing fires without operator authorization.

TYPICAL FLOW:
  salvo discover                       # Find live hosts on the local network
  salvo scan 10.10.20.5                # Fingerprint services and versions
  salvo exploit run 10.10.20.5         # Resolve candidates and attempt in rank order
  salvo results list                   # Review finished sessions
  salvo results artifact 10.10.20.5    # Latest transcript for a target

DISTRIBUTED MODE:
  salvo exploit queue 10.10.20.5 --yes # Enqueue a pre-authorized job
  salvo workers start                  # Drain the queue with a worker pool
  salvo serve                          # Dashboard, JSON API and live feed

AUTHORIZATION:
  Every launch waits for explicit confirmation unless --yes is given or the
  job was confirmed at enqueue time. Declining aborts the whole session.
  A scope file (--scope) rejects any target the engagement did not authorize.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return fmt.Errorf("initializing config: %w", err)
		}

		var err error
		log, err = logger.New(cfg.Logger)
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log == nil {
			return
		}
		// Sync on stdout/stderr returns EINVAL on Linux; not worth a warning.
		if err := log.Sync(); err != nil && !strings.Contains(err.Error(), "invalid argument") {
			fmt.Fprintf(os.Stderr, "warning: failed to flush logs: %v\n", err)
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&scopeArg, "scope", "", "Engagement scope file; targets outside it are refused")

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "Log format (json, console)")
	viper.BindPFlag("logger.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("logger.format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindEnv("logger.level", "SALVO_LOG_LEVEL")
	viper.BindEnv("logger.format", "SALVO_LOG_FORMAT")

	rootCmd.PersistentFlags().String("msf-host", "127.0.0.1", "Metasploit RPC host")
	rootCmd.PersistentFlags().Int("msf-port", 55553, "Metasploit RPC port")
	rootCmd.PersistentFlags().String("msf-user", "msf", "Metasploit RPC username")
	viper.BindPFlag("msf.host", rootCmd.PersistentFlags().Lookup("msf-host"))
	viper.BindPFlag("msf.port", rootCmd.PersistentFlags().Lookup("msf-port"))
	viper.BindPFlag("msf.username", rootCmd.PersistentFlags().Lookup("msf-user"))
	viper.BindEnv("msf.host", "SALVO_MSF_HOST")
	viper.BindEnv("msf.port", "SALVO_MSF_PORT")
	viper.BindEnv("msf.username", "SALVO_MSF_USERNAME")
	// The RPC password never travels through a flag; flags leak into shell
	// history and process listings.
	viper.BindEnv("msf.password", "SALVO_MSF_PASSWORD", "MSF_PASSWORD")

	rootCmd.PersistentFlags().String("db-dsn", "", "PostgreSQL connection string for session persistence")
	viper.BindPFlag("database.dsn", rootCmd.PersistentFlags().Lookup("db-dsn"))
	viper.BindEnv("database.dsn", "SALVO_DATABASE_DSN", "DATABASE_URL")

	rootCmd.PersistentFlags().String("redis-addr", "", "Redis address for the job queue")
	viper.BindPFlag("redis.addr", rootCmd.PersistentFlags().Lookup("redis-addr"))
	viper.BindEnv("redis.addr", "SALVO_REDIS_ADDR", "REDIS_URL")
	viper.BindEnv("redis.password", "SALVO_REDIS_PASSWORD")

	rootCmd.PersistentFlags().String("artifacts-dir", "", "Directory for attempt transcripts and replay scripts")
	viper.BindPFlag("artifacts.directory", rootCmd.PersistentFlags().Lookup("artifacts-dir"))
	viper.BindEnv("artifacts.directory", "SALVO_ARTIFACTS_DIR")

	viper.BindEnv("api.api_key", "SALVO_API_KEY")
	viper.BindEnv("telemetry.enabled", "SALVO_TELEMETRY_ENABLED")
	viper.BindEnv("telemetry.endpoint", "SALVO_TELEMETRY_ENDPOINT")
}

// initConfig layers flag and environment overrides onto the defaults, plus
// an optional YAML file. Flags given on the command line win over the file.
func initConfig() error {
	viper.SetEnvPrefix("SALVO")
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file %s: %w", cfgFile, err)
		}
	}

	cfg = config.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("unmarshalling config: %w", err)
	}
	return cfg.Validate()
}

// openAdapter opens a dedicated framework console. Callers own the returned
// adapter and must Close it; consoles are never shared between subsystems.
func openAdapter() (*msf.Adapter, error) {
	adapter, err := msf.Open(cfg.MSF, log)
	if err != nil {
		return nil, fmt.Errorf("connecting to framework RPC at %s: %w", cfg.MSF.Endpoint(), err)
	}
	// Login proves the RPC endpoint; a version roundtrip proves the console
	// channel reads back.
	version, err := adapter.Version(context.Background())
	if err != nil {
		adapter.Close()
		return nil, fmt.Errorf("framework console not responding: %w", err)
	}
	log.Debugw("Framework ready", "version", version)
	return adapter, nil
}

func newResolver(adapter core.FrameworkAdapter) core.CandidateResolver {
	return catalog.New(adapter, catalog.Config{
		SearchTimeout: cfg.MSF.SearchTimeout,
		MaxCandidates: cfg.Exploit.MaxCandidates,
	}, log)
}

func openArtifacts() (core.ArtifactStore, error) {
	return artifacts.New(cfg.Artifacts.Directory, log)
}

func openStore() (core.SessionStore, error) {
	return database.NewStore(cfg.Database)
}

// optionalStore opens session persistence, or returns nil when the database
// is unreachable. Exploitation must not depend on postgres being up.
func optionalStore() core.SessionStore {
	store, err := openStore()
	if err != nil {
		log.Warnw("Session persistence unavailable, continuing without it", "error", err)
		return nil
	}
	return store
}

func openQueue() (core.JobQueue, error) {
	return jobs.NewRedisQueue(cfg.Redis)
}

// optionalTelemetry starts metrics export when enabled; a broken exporter
// downgrades to a warning.
func optionalTelemetry(ctx context.Context) core.Telemetry {
	if !cfg.Telemetry.Enabled {
		return nil
	}
	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		log.Warnw("Telemetry disabled, exporter failed to start", "error", err)
		return nil
	}
	return tel
}
