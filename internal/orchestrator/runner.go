package orchestrator

import (
	"context"
	"fmt"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/config"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/core"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/logger"
	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
)

// JobRunner executes queued exploit jobs as full controller sessions.
// One runner owns one framework adapter; a runner serves exactly one
// worker so jobs never interleave commands on the shared console.
type JobRunner struct {
	adapter   core.FrameworkAdapter
	resolver  core.CandidateResolver
	artifacts core.ArtifactStore
	markers   *MarkerSet
	cfg       config.ExploitConfig
	log       *logger.Logger

	store     core.SessionStore
	telemetry core.Telemetry
}

func NewJobRunner(
	adapter core.FrameworkAdapter,
	resolver core.CandidateResolver,
	artifacts core.ArtifactStore,
	markers *MarkerSet,
	cfg config.ExploitConfig,
	log *logger.Logger,
) *JobRunner {
	return &JobRunner{
		adapter:   adapter,
		resolver:  resolver,
		artifacts: artifacts,
		markers:   markers,
		cfg:       cfg,
		log:       log,
	}
}

func (r *JobRunner) WithStore(store core.SessionStore) *JobRunner {
	r.store = store
	return r
}

func (r *JobRunner) WithTelemetry(t core.Telemetry) *JobRunner {
	r.telemetry = t
	return r
}

// RunJob drives one job to a terminal session outcome. Authorization
// travels with the job: the operator consented at enqueue time, so the
// controller runs with a confirmer that grants every launch. An
// unconfirmed job is rejected before any framework contact. Options
// attached to the job override configured extras.
func (r *JobRunner) RunJob(ctx context.Context, job *types.ExploitJob) (*types.ExploitSession, error) {
	if !job.Confirmed {
		return nil, fmt.Errorf("job %s is not authorized for launch", job.ID)
	}

	cfg := r.cfg
	if len(job.Options) > 0 {
		merged := make(map[string]string, len(cfg.ExtraOptions)+len(job.Options))
		for k, v := range cfg.ExtraOptions {
			merged[k] = v
		}
		for k, v := range job.Options {
			merged[k] = v
		}
		cfg.ExtraOptions = merged
	}

	ctrl := NewController(r.adapter, r.resolver, r.artifacts, preAuthorized{}, r.markers, cfg, r.log)
	if r.store != nil {
		ctrl = ctrl.WithStore(r.store)
	}
	if r.telemetry != nil {
		ctrl = ctrl.WithTelemetry(r.telemetry)
	}

	session := NewSession(job.Target, job.Service)
	if job.ModuleID != "" {
		return ctrl.RunSingle(ctx, session, job.ModuleID)
	}
	return ctrl.Run(ctx, session)
}

// Close releases the runner's framework console.
func (r *JobRunner) Close() error {
	return r.adapter.Close()
}

// preAuthorized satisfies confirmation prompts for launches the operator
// approved when the job was enqueued.
type preAuthorized struct{}

func (preAuthorized) Confirm(ctx context.Context, prompt string) (bool, error) {
	return true, nil
}
