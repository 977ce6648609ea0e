// Package orchestrator sequences exploit attempts against one target. The
// controller walks a ranked candidate list in order, configures each module,
// asks the operator before firing, classifies the output, and stops on the
// first success or when the list runs out. Attempts are strictly sequential;
// a shared framework console cannot survive interleaved commands.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/config"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/core"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/logger"
	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
)

// optionCommandTimeout bounds the short housekeeping commands of an attempt
// (use, set). The attempt timeout applies only to the launch itself.
const optionCommandTimeout = 30 * time.Second

type Controller struct {
	adapter   core.FrameworkAdapter
	resolver  core.CandidateResolver
	artifacts core.ArtifactStore
	confirmer core.Confirmer
	markers   *MarkerSet
	cfg       config.ExploitConfig
	log       *logger.Logger

	store     core.SessionStore
	telemetry core.Telemetry
}

func NewController(
	adapter core.FrameworkAdapter,
	resolver core.CandidateResolver,
	artifacts core.ArtifactStore,
	confirmer core.Confirmer,
	markers *MarkerSet,
	cfg config.ExploitConfig,
	log *logger.Logger,
) *Controller {
	if markers == nil {
		markers = DefaultMarkers()
	}
	if cfg.TimeoutPerAttempt <= 0 {
		cfg.TimeoutPerAttempt = 120 * time.Second
	}
	return &Controller{
		adapter:   adapter,
		resolver:  resolver,
		artifacts: artifacts,
		confirmer: confirmer,
		markers:   markers,
		cfg:       cfg,
		log:       log.WithComponent("orchestrator"),
	}
}

// WithStore attaches session persistence. Storage faults are logged and
// never interrupt a run.
func (c *Controller) WithStore(store core.SessionStore) *Controller {
	c.store = store
	return c
}

// WithTelemetry attaches metrics recording.
func (c *Controller) WithTelemetry(t core.Telemetry) *Controller {
	c.telemetry = t
	return c
}

// Run drives one automated session to a terminal outcome. The candidate
// list is resolved exactly once at session start; candidates are attempted
// strictly in resolver order with no reordering, skipping or automatic
// retries. The returned error is non-nil only for session-fatal faults
// (framework unreachable, external cancellation); success, exhaustion and
// operator aborts are ordinary outcomes readable from the snapshot.
func (c *Controller) Run(ctx context.Context, session *Session) (*types.ExploitSession, error) {
	log := c.log.WithSessionID(session.ID).WithTarget(session.Target.Address)

	if session.Aborted() {
		if err := session.Begin(0, 0); err != nil {
			return session.Snapshot(), err
		}
		session.Finish(types.SessionAborted, "")
		c.finalize(ctx, session, log)
		return session.Snapshot(), nil
	}

	candidates, skipped, err := c.resolver.Resolve(ctx, session.Service)
	if err != nil {
		if beginErr := session.Begin(0, 0); beginErr != nil {
			return session.Snapshot(), beginErr
		}
		session.Finish(types.SessionAborted, err.Error())
		c.finalize(ctx, session, log)
		return session.Snapshot(), err
	}

	if err := session.Begin(len(candidates), skipped); err != nil {
		return session.Snapshot(), err
	}
	c.persistSession(ctx, session, true, log)

	if len(candidates) == 0 {
		log.Infow("No exploit candidates for service",
			"service", session.Service.Name,
			"version", session.Service.Version,
		)
		session.Finish(types.SessionExhausted, "")
		c.finalize(ctx, session, log)
		return session.Snapshot(), nil
	}

	log.Infow("Starting automated exploitation",
		"candidates", len(candidates),
		"skipped_lines", skipped,
	)

	confirmed := false
	for _, candidate := range candidates {
		if session.Aborted() {
			session.Finish(types.SessionAborted, "")
			break
		}

		attemptID, err := session.BeginAttempt(candidate)
		if err != nil {
			session.Finish(types.SessionAborted, err.Error())
			break
		}

		status, fatal := c.runAttempt(ctx, session, attemptID, candidate, &confirmed, false, log)
		c.persistAttempt(ctx, session, attemptID, log)
		c.recordAttemptMetric(session, attemptID)

		if fatal != nil {
			session.Finish(types.SessionAborted, fatal.Error())
			c.finalize(ctx, session, log)
			return session.Snapshot(), fatal
		}
		if status == types.AttemptSucceeded {
			session.Finish(types.SessionSucceeded, "")
			break
		}
		if session.Aborted() {
			session.Finish(types.SessionAborted, "")
			break
		}
	}

	if !session.Outcome().Terminal() {
		session.Finish(types.SessionExhausted, "")
	}
	c.finalize(ctx, session, log)
	return session.Snapshot(), nil
}

// RunSingle launches exactly one module against the target, outside of
// candidate ranking. This is also the explicit retry path for a candidate
// that failed during an automated run. Unlike Run, the artifact is recorded
// whatever the terminal status, so failed transcripts stay inspectable.
func (c *Controller) RunSingle(ctx context.Context, session *Session, moduleID string) (*types.ExploitSession, error) {
	log := c.log.WithSessionID(session.ID).WithTarget(session.Target.Address)

	candidate := types.ExploitCandidate{ModuleID: moduleID, Rank: types.RankManual}

	if err := session.Begin(1, 0); err != nil {
		return session.Snapshot(), err
	}
	c.persistSession(ctx, session, true, log)

	if session.Aborted() {
		session.Finish(types.SessionAborted, "")
		c.finalize(ctx, session, log)
		return session.Snapshot(), nil
	}

	attemptID, err := session.BeginAttempt(candidate)
	if err != nil {
		session.Finish(types.SessionAborted, err.Error())
		c.finalize(ctx, session, log)
		return session.Snapshot(), err
	}

	confirmed := false
	status, fatal := c.runAttempt(ctx, session, attemptID, candidate, &confirmed, true, log)
	c.persistAttempt(ctx, session, attemptID, log)
	c.recordAttemptMetric(session, attemptID)

	switch {
	case fatal != nil:
		session.Finish(types.SessionAborted, fatal.Error())
	case status == types.AttemptSucceeded:
		session.Finish(types.SessionSucceeded, "")
	case session.Aborted():
		session.Finish(types.SessionAborted, "")
	default:
		session.Finish(types.SessionExhausted, "")
	}
	c.finalize(ctx, session, log)
	return session.Snapshot(), fatal
}

// runAttempt takes one candidate through configure, confirm, launch and
// classify. The returned error is non-nil only for session-fatal faults;
// every other path finishes the attempt with a terminal status and lets the
// session continue.
func (c *Controller) runAttempt(
	ctx context.Context,
	session *Session,
	attemptID string,
	candidate types.ExploitCandidate,
	confirmed *bool,
	recordAlways bool,
	log *logger.Logger,
) (types.AttemptStatus, error) {
	alog := log.WithModule(candidate.ModuleID)

	var transcript strings.Builder
	commands := []string{"use " + candidate.ModuleID}

	finish := func(status types.AttemptStatus, errMsg string) types.AttemptStatus {
		if err := session.FinishAttempt(attemptID, status, transcript.String(), errMsg); err != nil {
			alog.Warnw("Failed to finish attempt record", "error", err)
		}
		if status == types.AttemptSucceeded || recordAlways {
			c.recordArtifact(session, attemptID, commands, alog)
		}
		if attempt, ok := session.Attempt(attemptID); ok {
			alog.LogAttemptOutcome(ctx, candidate.ModuleID, string(status), attempt.Duration())
		}
		return status
	}

	// Attempt context dies the moment the operator aborts, so a running
	// framework command does not hold the session hostage.
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-session.AbortSignal():
			cancel()
		case <-actx.Done():
		}
	}()

	// Configure. A mandatory option we cannot satisfy fails the attempt
	// before anything destructive happens.
	options, err := c.resolver.Describe(actx, candidate.ModuleID)
	if err != nil {
		return c.attemptFault(session, finish, alog, err)
	}

	values, missing := buildOptionValues(session.Target, session.Service, options, c.cfg)
	if len(missing) > 0 {
		cfgErr := &core.ConfigurationError{
			ModuleID: candidate.ModuleID,
			Option:   missing[0],
			Reason:   "no value available for required options: " + strings.Join(missing, ", "),
		}
		alog.Warnw("Skipping launch, module cannot be configured", "missing", missing)
		return finish(types.AttemptErrored, cfgErr.Error()), nil
	}

	out, err := c.adapter.Execute(actx, "use "+candidate.ModuleID, optionCommandTimeout)
	transcript.WriteString(out)
	if err != nil {
		return c.attemptFault(session, finish, alog, err)
	}
	if strings.Contains(out, "[-]") {
		protoErr := &core.ProtocolError{
			Command: "use " + candidate.ModuleID,
			Output:  out,
			Reason:  "module failed to load",
		}
		return finish(types.AttemptErrored, protoErr.Error()), nil
	}

	for _, name := range sortedKeys(values) {
		cmd := fmt.Sprintf("set %s %s", name, values[name])
		commands = append(commands, cmd)

		out, err := c.adapter.Execute(actx, cmd, optionCommandTimeout)
		transcript.WriteString(out)
		if err != nil {
			return c.attemptFault(session, finish, alog, err)
		}
		if strings.Contains(out, "[-]") {
			cfgErr := &core.ConfigurationError{
				ModuleID: candidate.ModuleID,
				Option:   name,
				Reason:   "framework rejected option value",
			}
			return finish(types.AttemptErrored, cfgErr.Error()), nil
		}
	}

	// Confirm. The first destructive action of the session never proceeds
	// without explicit consent; declining aborts the whole session.
	if c.cfg.ConfirmEachAttempt || !*confirmed {
		if session.Aborted() {
			return finish(types.AttemptErrored, "aborted before launch"), nil
		}

		granted, err := c.requestConfirmation(actx, session, candidate)
		if err != nil || !granted {
			reason := "operator declined to launch"
			if err != nil {
				reason = fmt.Sprintf("confirmation not granted: %v", err)
			}
			session.Abort()
			return finish(types.AttemptErrored, reason), nil
		}
		*confirmed = true

		c.log.LogSecurityEvent(ctx, "exploit_authorized", map[string]interface{}{
			"session_id": session.ID,
			"module":     candidate.ModuleID,
			"target":     session.Target.Address,
			"port":       session.Service.Port,
		})
	}

	if session.Aborted() {
		return finish(types.AttemptErrored, "aborted before launch"), nil
	}

	// Launch.
	if err := session.MarkAttemptRunning(attemptID); err != nil {
		return finish(types.AttemptErrored, err.Error()), nil
	}
	alog.Infow("Launching exploit", "timeout", c.cfg.TimeoutPerAttempt.String())

	commands = append(commands, "run")
	out, err = c.adapter.Execute(actx, "run", c.cfg.TimeoutPerAttempt)
	transcript.WriteString(out)
	if err != nil {
		return c.attemptFault(session, finish, alog, err)
	}

	// Classify.
	switch c.markers.Classify(out) {
	case VerdictSucceeded:
		return finish(types.AttemptSucceeded, ""), nil
	case VerdictFailed:
		return finish(types.AttemptFailed, ""), nil
	default:
		// No recognizable markers in a completed launch. Reported as a
		// timeout rather than guessed either way; the transcript is kept
		// for the operator.
		return finish(types.AttemptTimedOut, "no success or failure markers recognized"), nil
	}
}

// attemptFault maps an adapter or context fault onto the attempt status and
// decides whether the session can continue. Timeouts trigger the recovery
// interrupt on the shared channel before the next candidate.
func (c *Controller) attemptFault(
	session *Session,
	finish func(types.AttemptStatus, string) types.AttemptStatus,
	log *logger.Logger,
	err error,
) (types.AttemptStatus, error) {
	var (
		timeoutErr *core.TimeoutError
		connErr    *core.ConnectionError
	)

	switch {
	case errors.As(err, &timeoutErr):
		status := finish(types.AttemptTimedOut, err.Error())
		if ierr := c.adapter.Interrupt(context.Background()); ierr != nil {
			log.Errorw("Recovery interrupt failed, channel unusable", "error", ierr)
			return status, ierr
		}
		return status, nil

	case errors.As(err, &connErr):
		return finish(types.AttemptErrored, err.Error()), err

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status := finish(types.AttemptErrored, "cancelled: "+err.Error())
		if session.Aborted() {
			// Forced-terminal path of an operator abort: clean up the
			// channel, then let the caller mark the session Aborted.
			if ierr := c.adapter.Interrupt(context.Background()); ierr != nil {
				log.Warnw("Interrupt after abort failed", "error", ierr)
			}
			return status, nil
		}
		return status, err

	default:
		return finish(types.AttemptErrored, err.Error()), nil
	}
}

func (c *Controller) requestConfirmation(ctx context.Context, session *Session, candidate types.ExploitCandidate) (bool, error) {
	prompt := fmt.Sprintf("Launch %s against %s:%d?",
		candidate.ModuleID, session.Target.Address, session.Service.Port)

	cctx := ctx
	if c.cfg.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
		defer cancel()
	}
	return c.confirmer.Confirm(cctx, prompt)
}

func (c *Controller) recordArtifact(session *Session, attemptID string, commands []string, log *logger.Logger) {
	attempt, ok := session.Attempt(attemptID)
	if !ok {
		return
	}
	path, err := c.artifacts.Record(&attempt, commands)
	if err != nil {
		log.Warnw("Failed to record artifact", "error", err)
		return
	}
	if err := session.SetAttemptArtifact(attemptID, path); err != nil {
		log.Warnw("Failed to attach artifact path", "error", err)
	}
}

func (c *Controller) persistSession(ctx context.Context, session *Session, isNew bool, log *logger.Logger) {
	if c.store == nil {
		return
	}
	snapshot := session.Snapshot()

	var err error
	if isNew {
		err = c.store.SaveSession(ctx, snapshot)
	} else {
		err = c.store.UpdateSession(ctx, snapshot)
	}
	if err != nil {
		log.Warnw("Session persistence failed", "error", err)
	}
}

func (c *Controller) persistAttempt(ctx context.Context, session *Session, attemptID string, log *logger.Logger) {
	if c.store == nil {
		return
	}
	attempt, ok := session.Attempt(attemptID)
	if !ok {
		return
	}
	if err := c.store.SaveAttempt(ctx, &attempt); err != nil {
		log.Warnw("Attempt persistence failed", "error", err)
	}
}

func (c *Controller) recordAttemptMetric(session *Session, attemptID string) {
	if c.telemetry == nil {
		return
	}
	if attempt, ok := session.Attempt(attemptID); ok {
		c.telemetry.RecordAttempt(attempt.Status, attempt.Duration().Seconds())
	}
}

func (c *Controller) finalize(ctx context.Context, session *Session, log *logger.Logger) {
	snapshot := session.Snapshot()
	c.persistSession(ctx, session, false, log)

	if c.telemetry != nil {
		var duration float64
		if snapshot.FinishedAt != nil {
			duration = snapshot.FinishedAt.Sub(snapshot.StartedAt).Seconds()
		}
		c.telemetry.RecordSession(snapshot.Outcome, duration)
	}

	log.Infow("Session finished",
		"outcome", string(snapshot.Outcome),
		"attempts", len(snapshot.Attempts),
		"candidates", snapshot.CandidateCount,
	)
}

// buildOptionValues decides the value of every option that must be set
// before launch. Target addressing always comes from the descriptor, never
// from operator extras, so an attempt cannot be redirected at a different
// host. Returns the values plus the required options nothing could satisfy.
func buildOptionValues(
	target types.Target,
	service types.ServiceFingerprint,
	options map[string]types.ModuleOption,
	cfg config.ExploitConfig,
) (map[string]string, []string) {
	values := make(map[string]string)
	var missing []string

	for name, opt := range options {
		if !opt.Required || opt.Default != "" {
			continue
		}
		switch strings.ToUpper(name) {
		case "RHOSTS", "RHOST":
			// satisfied from the target below
		case "RPORT":
			if service.Port <= 0 {
				if _, ok := cfg.ExtraOptions[name]; !ok {
					missing = append(missing, name)
				}
			}
		default:
			if _, ok := cfg.ExtraOptions[name]; !ok {
				missing = append(missing, name)
			}
		}
	}
	sort.Strings(missing)

	if _, ok := options["RHOSTS"]; ok {
		values["RHOSTS"] = target.Address
	}
	if _, ok := options["RHOST"]; ok {
		values["RHOST"] = target.Address
	}
	if service.Port > 0 {
		if _, ok := options["RPORT"]; ok {
			values["RPORT"] = strconv.Itoa(service.Port)
		}
	}
	if cfg.DefaultPayload != "" {
		values["PAYLOAD"] = cfg.DefaultPayload
	}

	for name, value := range cfg.ExtraOptions {
		switch strings.ToUpper(name) {
		case "RHOSTS", "RHOST":
			continue
		}
		values[name] = value
	}

	return values, missing
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
