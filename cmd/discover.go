package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/discovery"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/validation"
	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
)

var discoverJSON bool

var discoverCmd = &cobra.Command{
	Use:   "discover [network]",
	Short: "Find live hosts on the engagement network",
	Long: `Sweeps a network for live hosts using ICMP echo, the kernel ARP table
and, when running as root on Linux, an active ARP sweep. Hostnames come
from reverse DNS against the system resolvers.

Without an argument the sweep targets the subnet of the default interface.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			cfg.Discovery.Network = args[0]
		}

		if err := vetNetwork(cfg.Discovery.Network); err != nil {
			return err
		}

		engine := discovery.NewEngine(cfg.Discovery, log)
		hosts, err := engine.Discover(cmd.Context())
		if err != nil {
			return err
		}

		if discoverJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(hosts)
		}

		if len(hosts) == 0 {
			color.Yellow("No hosts answered. A filtered network may still have live hosts.\n")
			return nil
		}

		return renderHosts(hosts)
	},
}

// vetNetwork enforces the engagement scope on a sweep range. An empty
// network means the default interface subnet, which the scope file cannot
// judge until hosts come back.
func vetNetwork(network string) error {
	if network == "" {
		return nil
	}
	result, err := validation.ValidateWithScope(network, scopeArg)
	if err != nil {
		return err
	}
	if !result.Valid {
		return fmt.Errorf("refusing to sweep %s: %w", network, result.Error)
	}
	for _, warning := range result.Warnings {
		color.Yellow("%s\n", warning)
	}
	return nil
}

func renderHosts(hosts []types.Host) error {
	data := pterm.TableData{{"Address", "MAC", "Hostname"}}
	for _, host := range hosts {
		mac := host.MAC
		if mac == "" {
			mac = "-"
		}
		name := host.Hostname
		if name == "" {
			name = "-"
		}
		data = append(data, []string{host.Address, mac, name})
	}
	if err := pterm.DefaultTable.
		WithHasHeader(true).
		WithBoxed(false).
		WithData(data).
		Render(); err != nil {
		return err
	}

	color.Cyan("\n%d host(s) up\n", len(hosts))
	return nil
}

func init() {
	discoverCmd.Flags().BoolVar(&discoverJSON, "json", false, "Emit hosts as JSON")
	discoverCmd.Flags().String("interface", "", "Sweep the subnet of this interface")
	discoverCmd.Flags().String("network", "", "Sweep this CIDR range")
	viper.BindPFlag("discovery.interface", discoverCmd.Flags().Lookup("interface"))
	viper.BindPFlag("discovery.network", discoverCmd.Flags().Lookup("network"))

	rootCmd.AddCommand(discoverCmd)
}
