package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/config"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/validation"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show effective configuration or write starter files",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Prints the configuration after defaults, the config file, SALVO_*
environment variables and flags have been merged. Secrets are omitted;
they only ever come from the environment.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := yaml.Marshal(configTree(cfg))
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a starter config file with the defaults",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "salvo.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists, pass --force to overwrite", path)
		}

		out, err := yaml.Marshal(configTree(config.DefaultConfig()))
		if err != nil {
			return err
		}
		header := []byte("# salvo configuration. Every key can also be set through a SALVO_*\n" +
			"# environment variable, SALVO_MSF_HOST overrides msf.host and so on.\n" +
			"# Secrets (framework password, Redis password, API key) come from the\n" +
			"# environment only and have no key here.\n")
		if err := os.WriteFile(path, append(header, out...), 0o644); err != nil {
			return err
		}
		color.Green("Wrote %s\n", path)
		return nil
	},
}

var configScopeCmd = &cobra.Command{
	Use:   "scope <path> <target>...",
	Short: "Write an engagement scope file for the given targets",
	Long: `Writes a scope file listing the targets this engagement is authorized
to touch. Pass it back with --scope and every command that accepts a
target will refuse addresses outside it.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists, pass --force to overwrite", path)
		}
		if err := validation.GenerateScopeFile(path, args[1:]); err != nil {
			return err
		}
		color.Green("Wrote %s with %d target(s). Use it with --scope %s\n", path, len(args)-1, path)
		return nil
	},
}

// configTree renders the config under its canonical file keys. Durations
// become strings so the output can be pasted straight back into a config
// file. Secret fields are left out on purpose.
func configTree(c *config.Config) map[string]any {
	return map[string]any{
		"logger": map[string]any{
			"level":        c.Logger.Level,
			"format":       c.Logger.Format,
			"output_paths": c.Logger.OutputPaths,
			"file": map[string]any{
				"path":         c.Logger.File.Path,
				"max_size_mb":  c.Logger.File.MaxSizeMB,
				"max_backups":  c.Logger.File.MaxBackups,
				"max_age_days": c.Logger.File.MaxAgeDays,
				"compress":     c.Logger.File.Compress,
			},
		},
		"database": map[string]any{
			"driver":            c.Database.Driver,
			"dsn":               c.Database.DSN,
			"max_connections":   c.Database.MaxConnections,
			"max_idle_conns":    c.Database.MaxIdleConns,
			"conn_max_lifetime": c.Database.ConnMaxLifetime.String(),
		},
		"redis": map[string]any{
			"addr":          c.Redis.Addr,
			"db":            c.Redis.DB,
			"max_retries":   c.Redis.MaxRetries,
			"dial_timeout":  c.Redis.DialTimeout.String(),
			"read_timeout":  c.Redis.ReadTimeout.String(),
			"write_timeout": c.Redis.WriteTimeout.String(),
		},
		"worker": map[string]any{
			"count":               c.Worker.Count,
			"queue_poll_interval": c.Worker.QueuePollInterval.String(),
			"max_retries":         c.Worker.MaxRetries,
			"retry_delay":         c.Worker.RetryDelay.String(),
		},
		"telemetry": map[string]any{
			"enabled":       c.Telemetry.Enabled,
			"service_name":  c.Telemetry.ServiceName,
			"exporter_type": c.Telemetry.ExporterType,
			"endpoint":      c.Telemetry.Endpoint,
			"sample_rate":   c.Telemetry.SampleRate,
		},
		"msf": map[string]any{
			"host":            c.MSF.Host,
			"port":            c.MSF.Port,
			"username":        c.MSF.Username,
			"command_timeout": c.MSF.CommandTimeout.String(),
			"search_timeout":  c.MSF.SearchTimeout.String(),
			"read_interval":   c.MSF.ReadInterval.String(),
		},
		"exploit": map[string]any{
			"timeout_per_attempt":  c.Exploit.TimeoutPerAttempt.String(),
			"confirm_each_attempt": c.Exploit.ConfirmEachAttempt,
			"confirm_timeout":      c.Exploit.ConfirmTimeout.String(),
			"max_candidates":       c.Exploit.MaxCandidates,
			"default_payload":      c.Exploit.DefaultPayload,
			"markers_file":         c.Exploit.MarkersFile,
			"extra_options":        c.Exploit.ExtraOptions,
		},
		"artifacts": map[string]any{
			"directory": c.Artifacts.Directory,
		},
		"discovery": map[string]any{
			"network":       c.Discovery.Network,
			"interface":     c.Discovery.Interface,
			"timeout":       c.Discovery.Timeout.String(),
			"probe_timeout": c.Discovery.ProbeTimeout.String(),
			"rate_limit": map[string]any{
				"requests_per_second": c.Discovery.RateLimit.RequestsPerSecond,
				"burst_size":          c.Discovery.RateLimit.BurstSize,
				"min_delay":           c.Discovery.RateLimit.MinDelay.String(),
			},
		},
		"scanner": map[string]any{
			"nmap": map[string]any{
				"binary_path": c.Scanner.Nmap.BinaryPath,
				"timeout":     c.Scanner.Nmap.Timeout.String(),
				"profiles":    c.Scanner.Nmap.Profiles,
			},
			"connect_timeout": c.Scanner.ConnectTimeout.String(),
			"ports":           c.Scanner.Ports,
		},
		"api": map[string]any{
			"addr":        c.API.Addr,
			"enable_auth": c.API.EnableAuth,
			"rate_limit": map[string]any{
				"requests_per_second": c.API.RateLimit.RequestsPerSecond,
				"burst_size":          c.API.RateLimit.BurstSize,
			},
		},
	}
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file")
	configScopeCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file")
	configCmd.AddCommand(configShowCmd, configInitCmd, configScopeCmd)
	rootCmd.AddCommand(configCmd)
}
