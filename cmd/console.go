package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/core"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/discovery"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/orchestrator"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/scanner"
	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
)

const (
	menuDiscover = "Discover network hosts"
	menuTarget   = "Select target"
	menuScan     = "Scan target services"
	menuExploit  = "Run exploit loop"
	menuResults  = "Review recent sessions"
	menuQuit     = "Quit"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive engagement console",
	Long: `Walks an engagement through a menu: sweep the network, pick a target,
fingerprint its services and run the exploit loop, without retyping the
target between steps. Every action honors the same scope file and
configuration as the one-shot verbs.

Every launch asks on the terminal; unattended runs belong to the exploit
and workers verbs.`,
	Args: cobra.NoArgs,
	RunE: runConsole,
}

// consoleState carries the engagement context between menu actions.
type consoleState struct {
	target   string
	hosts    []types.Host
	services []types.ServiceFingerprint
}

func runConsole(cmd *cobra.Command, _ []string) error {
	color.Yellow("Authorized engagements only. Scope rules apply to every action.\n")

	state := &consoleState{}
	for {
		pterm.Println()
		header := "no target"
		if state.target != "" {
			header = state.target
		}
		choice, err := pterm.DefaultInteractiveSelect.
			WithOptions([]string{menuDiscover, menuTarget, menuScan, menuExploit, menuResults, menuQuit}).
			Show(fmt.Sprintf("salvo (%s)", header))
		if err != nil {
			// An unreadable prompt would fail every later menu pass too.
			return err
		}

		var actionErr error
		switch choice {
		case menuDiscover:
			actionErr = consoleDiscover(cmd, state)
		case menuTarget:
			actionErr = consoleSelectTarget(state)
		case menuScan:
			actionErr = consoleScan(cmd, state)
		case menuExploit:
			actionErr = consoleExploit(cmd, state)
		case menuResults:
			actionErr = consoleResults(cmd, state)
		case menuQuit:
			return nil
		}
		if actionErr != nil {
			color.Red("%v\n", actionErr)
		}
		if cmd.Context().Err() != nil {
			return cmd.Context().Err()
		}
	}
}

func consoleDiscover(cmd *cobra.Command, state *consoleState) error {
	if err := vetNetwork(cfg.Discovery.Network); err != nil {
		return err
	}

	engine := discovery.NewEngine(cfg.Discovery, log)
	hosts, err := engine.Discover(cmd.Context())
	if err != nil {
		return err
	}
	if len(hosts) == 0 {
		color.Yellow("No hosts answered. A filtered network may still have live hosts.\n")
		return nil
	}

	state.hosts = hosts
	return renderHosts(hosts)
}

func consoleSelectTarget(state *consoleState) error {
	const manual = "Type an address"

	raw := ""
	if len(state.hosts) > 0 {
		options := make([]string, 0, len(state.hosts)+1)
		for _, host := range state.hosts {
			options = append(options, hostLabel(host))
		}
		options = append(options, manual)

		choice, err := pterm.DefaultInteractiveSelect.
			WithOptions(options).
			WithMaxHeight(12).
			Show("Target")
		if err != nil {
			return err
		}
		if choice != manual {
			raw = strings.Fields(choice)[0]
		}
	}
	if raw == "" {
		entered, err := pterm.DefaultInteractiveTextInput.Show("Target address")
		if err != nil {
			return err
		}
		raw = strings.TrimSpace(entered)
		if raw == "" {
			return nil
		}
	}

	target, err := vetTarget(raw)
	if err != nil {
		return err
	}
	// Fingerprints belong to the host they came from.
	if target != state.target {
		state.services = nil
	}
	state.target = target
	color.Green("Target set to %s\n", target)
	return nil
}

func consoleScan(cmd *cobra.Command, state *consoleState) error {
	if state.target == "" {
		return fmt.Errorf("no target selected")
	}

	scn := scanner.New(cfg.Scanner, "default", log)
	services, err := scn.Scan(cmd.Context(), state.target)
	if err != nil {
		return err
	}

	state.services = services
	renderServices(state.target, services)
	return nil
}

func consoleExploit(cmd *cobra.Command, state *consoleState) error {
	if state.target == "" {
		return fmt.Errorf("no target selected")
	}
	if len(state.services) == 0 {
		return fmt.Errorf("no services scanned yet, scan the target first")
	}

	services, err := pickServices(state.services)
	if err != nil || len(services) == 0 {
		return err
	}

	deps, err := buildExploitDeps(cmd)
	if err != nil {
		return err
	}
	defer deps.close()

	ctrl := orchestrator.NewController(
		deps.adapter, deps.resolver, deps.artifacts,
		deps.confirmer, deps.markers, cfg.Exploit, log,
	)
	if deps.store != nil {
		ctrl = ctrl.WithStore(deps.store)
	}
	if deps.telemetry != nil {
		ctrl = ctrl.WithTelemetry(deps.telemetry)
	}

	abort := watchInterrupts()
	defer abort.stop()

	succeeded := 0
	for _, svc := range services {
		session := orchestrator.NewSession(types.Target{Address: state.target}, svc)
		abort.watch(session)

		color.Cyan("\n==> %s %s (port %d)\n", svc.Name, svc.Version, svc.Port)
		snapshot, err := ctrl.Run(cmd.Context(), session)
		renderSession(snapshot)
		if err != nil {
			return err
		}
		if snapshot.Outcome == types.SessionSucceeded {
			succeeded++
		}
		if snapshot.Outcome == types.SessionAborted {
			break
		}
	}

	if succeeded > 0 {
		color.Green("\n%d session(s) succeeded. Transcripts are under %s.\n",
			succeeded, cfg.Artifacts.Directory)
	}
	return nil
}

func consoleResults(cmd *cobra.Command, state *consoleState) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.ListSessions(cmd.Context(), core.SessionFilter{
		Target: state.target,
		Limit:  10,
	})
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		color.Yellow("No sessions recorded.\n")
		return nil
	}

	rows := pterm.TableData{{"ID", "Target", "Service", "Outcome", "Started"}}
	for _, s := range sessions {
		rows = append(rows, []string{
			s.ID,
			s.Target.Address,
			serviceLabel(s.Service),
			colorOutcome(s.Outcome),
			s.StartedAt.Local().Format(time.RFC3339),
		})
	}
	return pterm.DefaultTable.WithHasHeader(true).WithData(rows).Render()
}

// pickServices lets the operator narrow the loop to one fingerprint.
func pickServices(services []types.ServiceFingerprint) ([]types.ServiceFingerprint, error) {
	const all = "All services"

	options := []string{all}
	for _, svc := range services {
		options = append(options, fingerprintLabel(svc))
	}
	choice, err := pterm.DefaultInteractiveSelect.
		WithOptions(options).
		WithMaxHeight(12).
		Show("Exploit which service")
	if err != nil {
		return nil, err
	}
	if choice == all {
		return services, nil
	}
	for i, svc := range services {
		if fingerprintLabel(svc) == choice {
			return services[i : i+1], nil
		}
	}
	return nil, nil
}

func hostLabel(host types.Host) string {
	if host.Hostname == "" {
		return host.Address
	}
	return fmt.Sprintf("%s (%s)", host.Address, host.Hostname)
}

func fingerprintLabel(svc types.ServiceFingerprint) string {
	label := fmt.Sprintf("%d/%s %s", svc.Port, svc.Protocol, svc.Name)
	if svc.Version != "" {
		label += " " + svc.Version
	}
	return label
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}
