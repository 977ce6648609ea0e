package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/core"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/orchestrator"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/reporter"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/scanner"
	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
)

var (
	exploitYes     bool
	exploitJSON    bool
	exploitPort    int
	exploitService string
	exploitVersion string
	exploitProfile string
	exploitOptions []string
	queueModule    string
	queuePriority  int
)

var exploitCmd = &cobra.Command{
	Use:   "exploit",
	Short: "Run, pin or enqueue exploitation sessions",
}

var exploitRunCmd = &cobra.Command{
	Use:   "run <target>",
	Short: "Automated exploitation of a target's services",
	Long: `Runs one exploitation session per service: the module catalog is
searched for the service name and version, candidates are ranked, and each
is configured and launched in order until a session opens or the list is
exhausted. The first launch waits for confirmation unless --yes is given.

Without --service the target is scanned first. --port restricts the run to
one fingerprinted service.

Ctrl-C aborts the current session at the next safe boundary; a second
Ctrl-C kills the process.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := vetTarget(args[0])
		if err != nil {
			return err
		}

		services, err := selectServices(cmd.Context(), target)
		if err != nil {
			return err
		}
		if len(services) == 0 {
			color.Yellow("Nothing to exploit: no matching services on %s.\n", target)
			return nil
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
			session := orchestrator.NewSession(types.Target{Address: target}, svc)
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
	},
}

var exploitSingleCmd = &cobra.Command{
	Use:   "single <target> <module-id>",
	Short: "Launch one specific module against a target",
	Long: `Launches exactly one module, outside of catalog ranking. This is the
retry path for a candidate that failed during an automated run. The
transcript is recorded whatever the result.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := vetTarget(args[0])
		if err != nil {
			return err
		}
		moduleID := args[1]

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

		svc := types.ServiceFingerprint{
			Port:     exploitPort,
			Protocol: types.ProtocolTCP,
			Name:     exploitService,
			Version:  exploitVersion,
		}
		session := orchestrator.NewSession(types.Target{Address: target}, svc)
		abort.watch(session)

		snapshot, err := ctrl.RunSingle(cmd.Context(), session, moduleID)
		renderSession(snapshot)
		return err
	},
}

var exploitQueueCmd = &cobra.Command{
	Use:   "queue <target>",
	Short: "Enqueue an exploitation job for the worker pool",
	Long: `Enqueues a job that a worker will run as a full session. Workers have
no terminal to prompt on, so authorization must be granted here: the
command refuses to enqueue without --yes.

With --module the job pins that single module; otherwise --service (and
ideally --version) describe what the workers should resolve candidates
for.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := vetTarget(args[0])
		if err != nil {
			return err
		}

		if !exploitYes {
			return fmt.Errorf("queued jobs launch without a prompt; confirm now with --yes")
		}
		if queueModule == "" && exploitService == "" {
			return fmt.Errorf("either --module or --service is required")
		}
		if exploitPort <= 0 {
			return fmt.Errorf("--port is required so the module knows where to aim")
		}

		options, err := parseOptions(exploitOptions)
		if err != nil {
			return err
		}

		queue, err := openQueue()
		if err != nil {
			return err
		}
		defer queue.Close()

		job := &types.ExploitJob{
			Target: types.Target{Address: target},
			Service: types.ServiceFingerprint{
				Port:     exploitPort,
				Protocol: types.ProtocolTCP,
				Name:     exploitService,
				Version:  exploitVersion,
			},
			ModuleID:  queueModule,
			Options:   options,
			Priority:  queuePriority,
			Confirmed: true,
		}
		if err := queue.Push(cmd.Context(), job); err != nil {
			return err
		}

		log.LogSecurityEvent(cmd.Context(), "exploit_job_enqueued", map[string]interface{}{
			"job_id": job.ID,
			"target": target,
			"module": queueModule,
		})
		color.Green("Job %s enqueued for %s\n", job.ID, target)
		return nil
	},
}

// exploitDeps bundles everything a controller needs, so run and single
// build and tear down identically.
type exploitDeps struct {
	adapter   core.FrameworkAdapter
	resolver  core.CandidateResolver
	artifacts core.ArtifactStore
	confirmer core.Confirmer
	markers   *orchestrator.MarkerSet
	store     core.SessionStore
	telemetry core.Telemetry
}

func (d *exploitDeps) close() {
	if d.adapter != nil {
		d.adapter.Close()
	}
	if d.store != nil {
		d.store.Close()
	}
	if d.telemetry != nil {
		d.telemetry.Close()
	}
}

func buildExploitDeps(cmd *cobra.Command) (*exploitDeps, error) {
	applyExploitOverrides(cmd)

	options, err := parseOptions(exploitOptions)
	if err != nil {
		return nil, err
	}
	for name, value := range options {
		if cfg.Exploit.ExtraOptions == nil {
			cfg.Exploit.ExtraOptions = make(map[string]string, len(options))
		}
		cfg.Exploit.ExtraOptions[name] = value
	}

	markers, err := orchestrator.LoadMarkers(cfg.Exploit.MarkersFile)
	if err != nil {
		return nil, err
	}

	store, err := openArtifacts()
	if err != nil {
		return nil, err
	}

	adapter, err := openAdapter()
	if err != nil {
		return nil, err
	}

	var confirmer core.Confirmer = terminalConfirmer{}
	if exploitYes {
		confirmer = autoConfirmer{log: log}
	}

	return &exploitDeps{
		adapter:   adapter,
		resolver:  newResolver(adapter),
		artifacts: store,
		confirmer: confirmer,
		markers:   markers,
		store:     optionalStore(),
		telemetry: optionalTelemetry(cmd.Context()),
	}, nil
}

// applyExploitOverrides lets per-invocation flags shadow the config file
// without persisting anything.
func applyExploitOverrides(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("timeout") {
		cfg.Exploit.TimeoutPerAttempt, _ = flags.GetDuration("timeout")
	}
	if flags.Changed("payload") {
		cfg.Exploit.DefaultPayload, _ = flags.GetString("payload")
	}
	if flags.Changed("confirm-each") {
		cfg.Exploit.ConfirmEachAttempt, _ = flags.GetBool("confirm-each")
	}
	if flags.Changed("markers") {
		cfg.Exploit.MarkersFile, _ = flags.GetString("markers")
	}
	if flags.Changed("max-candidates") {
		cfg.Exploit.MaxCandidates, _ = flags.GetInt("max-candidates")
	}
}

// selectServices decides what to attack: the operator's explicit
// fingerprint, or a scan filtered by --port.
func selectServices(ctx context.Context, target string) ([]types.ServiceFingerprint, error) {
	if exploitService != "" {
		return []types.ServiceFingerprint{{
			Port:     exploitPort,
			Protocol: types.ProtocolTCP,
			Name:     exploitService,
			Version:  exploitVersion,
		}}, nil
	}

	scn := scanner.New(cfg.Scanner, exploitProfile, log)
	services, err := scn.Scan(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", target, err)
	}
	renderServices(target, services)

	if exploitPort > 0 {
		for _, svc := range services {
			if svc.Port == exploitPort {
				return []types.ServiceFingerprint{svc}, nil
			}
		}
		return nil, fmt.Errorf("port %d is not open on %s", exploitPort, target)
	}
	return services, nil
}

func renderSession(snapshot *types.ExploitSession) {
	if snapshot == nil {
		return
	}
	report := reporter.Summarize(snapshot)
	if exploitJSON {
		reporter.WriteJSON(os.Stdout, report)
		return
	}
	reporter.Render(os.Stdout, report)
}

// interruptWatcher maps Ctrl-C onto a graceful abort of the session that
// is currently running. The second Ctrl-C exits immediately.
type interruptWatcher struct {
	mu      sync.Mutex
	session *orchestrator.Session
	sigChan chan os.Signal
}

func watchInterrupts() *interruptWatcher {
	w := &interruptWatcher{sigChan: make(chan os.Signal, 2)}
	signal.Notify(w.sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		if _, ok := <-w.sigChan; !ok {
			return
		}
		color.Yellow("\nAbort requested, stopping at the next safe boundary. Ctrl-C again to force quit.\n")
		w.mu.Lock()
		if w.session != nil {
			w.session.Abort()
		}
		w.mu.Unlock()

		if _, ok := <-w.sigChan; !ok {
			return
		}
		color.Red("\nForced exit.\n")
		os.Exit(1)
	}()
	return w
}

func (w *interruptWatcher) watch(session *orchestrator.Session) {
	w.mu.Lock()
	w.session = session
	w.mu.Unlock()
}

func (w *interruptWatcher) stop() {
	signal.Stop(w.sigChan)
	close(w.sigChan)
}

// parseOptions turns repeated --option NAME=value flags into a map.
func parseOptions(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	options := make(map[string]string, len(raw))
	for _, pair := range raw {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("malformed option %q, expected NAME=value", pair)
		}
		options[name] = value
	}
	return options, nil
}

func init() {
	for _, c := range []*cobra.Command{exploitRunCmd, exploitSingleCmd, exploitQueueCmd} {
		c.Flags().BoolVarP(&exploitYes, "yes", "y", false, "Authorize launches without prompting")
		c.Flags().IntVar(&exploitPort, "port", 0, "Target service port")
		c.Flags().StringVar(&exploitService, "service", "", "Service name, skips scanning")
		c.Flags().StringVar(&exploitVersion, "service-version", "", "Service version for catalog matching")
		c.Flags().StringSliceVar(&exploitOptions, "option", nil, "Extra module option NAME=value, repeatable")
	}
	for _, c := range []*cobra.Command{exploitRunCmd, exploitSingleCmd} {
		c.Flags().BoolVar(&exploitJSON, "json", false, "Emit session reports as JSON")
		c.Flags().Duration("timeout", 0, "Per-attempt timeout, overrides exploit.timeout_per_attempt")
		c.Flags().String("payload", "", "Payload module, overrides exploit.default_payload")
		c.Flags().Bool("confirm-each", false, "Prompt before every launch, not just the first")
		c.Flags().String("markers", "", "YAML file of success and failure markers")
	}
	exploitRunCmd.Flags().StringVar(&exploitProfile, "profile", "default", "Scan profile when scanning first")
	exploitRunCmd.Flags().Int("max-candidates", 0, "Stop after this many candidates, 0 runs the whole list")

	exploitQueueCmd.Flags().StringVar(&queueModule, "module", "", "Pin one module instead of resolving candidates")
	exploitQueueCmd.Flags().IntVar(&queuePriority, "priority", 0, "Queue priority, lower runs first")

	exploitCmd.AddCommand(exploitRunCmd, exploitSingleCmd, exploitQueueCmd)
	rootCmd.AddCommand(exploitCmd)
}
