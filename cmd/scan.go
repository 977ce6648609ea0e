package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/scanner"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/validation"
	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
)

var (
	scanProfile string
	scanPorts   string
	scanJSON    bool
)

var scanCmd = &cobra.Command{
	Use:   "scan <target>",
	Short: "Fingerprint the services a target exposes",
	Long: `Scans a single host and reports every open service with whatever
product and version the scan could establish. Version detection drives
exploit selection, so the nmap profile defaults to service detection.

Profiles come from scanner.nmap.profiles in the configuration; "default",
"fast" and "thorough" ship out of the box.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := vetTarget(args[0])
		if err != nil {
			return err
		}

		if scanPorts != "" {
			cfg.Scanner.Ports = scanPorts
		}

		scn := scanner.New(cfg.Scanner, scanProfile, log)
		services, err := scn.Scan(cmd.Context(), target)
		if err != nil {
			return err
		}

		if scanJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(services)
		}

		renderServices(target, services)
		return nil
	},
}

func renderServices(target string, services []types.ServiceFingerprint) {
	if len(services) == 0 {
		color.Yellow("No open services found on %s.\n", target)
		return
	}

	data := pterm.TableData{{"Port", "Proto", "Service", "Product", "Version"}}
	for _, svc := range services {
		product := svc.Product
		if product == "" {
			product = "-"
		}
		version := svc.Version
		if version == "" {
			version = "-"
		}
		data = append(data, []string{
			fmt.Sprintf("%d", svc.Port),
			string(svc.Protocol),
			svc.Name,
			product,
			version,
		})
	}
	pterm.DefaultTable.
		WithHasHeader(true).
		WithBoxed(false).
		WithData(data).
		Render()

	color.Cyan("\n%d open service(s) on %s\n", len(services), target)
}

// vetTarget validates a target string and enforces the engagement scope.
// Warnings (public address, unusual form) print but do not block.
func vetTarget(raw string) (string, error) {
	result, err := validation.ValidateWithScope(raw, scopeArg)
	if err != nil {
		return "", err
	}
	if !result.Valid {
		return "", fmt.Errorf("refusing target %q: %w", raw, result.Error)
	}
	for _, warning := range result.Warnings {
		color.Yellow("%s\n", warning)
	}
	return result.Normalized, nil
}

func init() {
	scanCmd.Flags().StringVar(&scanProfile, "profile", "default", "Scan profile (default, fast, thorough)")
	scanCmd.Flags().StringVar(&scanPorts, "ports", "", "Port spec, e.g. 22,80,8000-8100")
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "Emit services as JSON")

	rootCmd.AddCommand(scanCmd)
}
