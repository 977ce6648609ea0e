// Package catalog resolves service fingerprints into ranked exploit
// candidates by searching the framework's module database and normalizing
// its tabular console output.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/core"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/logger"
	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
)

type Config struct {
	// SearchTimeout bounds each catalog command on the framework channel.
	SearchTimeout time.Duration
	// MaxCandidates caps the resolved list after ranking. Zero means no cap.
	MaxCandidates int
}

// Resolver implements core.CandidateResolver against a framework adapter.
type Resolver struct {
	adapter core.FrameworkAdapter
	cfg     Config
	log     *logger.Logger
}

func New(adapter core.FrameworkAdapter, cfg Config, log *logger.Logger) *Resolver {
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = 60 * time.Second
	}
	return &Resolver{
		adapter: adapter,
		cfg:     cfg,
		log:     log.WithComponent("catalog"),
	}
}

// Resolve searches the module database for exploits matching the service
// name and version. An empty result is a valid outcome meaning no automated
// path exists; only adapter faults surface as errors.
func (r *Resolver) Resolve(ctx context.Context, fp types.ServiceFingerprint) ([]types.ExploitCandidate, int, error) {
	query := strings.TrimSpace(fp.Query())
	if query == "" {
		return nil, 0, nil
	}

	command := "search type:exploit " + query
	out, err := r.adapter.Execute(ctx, command, r.cfg.SearchTimeout)
	if err != nil {
		return nil, 0, err
	}

	candidates, skipped := parseSearchOutput(out)
	sortCandidates(candidates)

	if r.cfg.MaxCandidates > 0 && len(candidates) > r.cfg.MaxCandidates {
		candidates = candidates[:r.cfg.MaxCandidates]
	}

	r.log.Infow("Resolved exploit candidates",
		"query", query,
		"candidates", len(candidates),
		"skipped_lines", skipped,
	)
	return candidates, skipped, nil
}

// Describe loads a module and parses its option table, including payload
// options. Used by the controller to learn which options are mandatory
// before configuring an attempt.
func (r *Resolver) Describe(ctx context.Context, moduleID string) (map[string]types.ModuleOption, error) {
	command := fmt.Sprintf("use %s", moduleID)
	out, err := r.adapter.Execute(ctx, command, r.cfg.SearchTimeout)
	if err != nil {
		return nil, err
	}
	if strings.Contains(out, "Failed to load module") {
		return nil, &core.ProtocolError{Command: command, Output: out, Reason: "module failed to load"}
	}

	out, err = r.adapter.Execute(ctx, "show options", r.cfg.SearchTimeout)
	if err != nil {
		return nil, err
	}

	options := parseOptions(out)
	if len(options) == 0 {
		return nil, &core.ProtocolError{Command: "show options", Output: out, Reason: "no option table in output"}
	}
	return options, nil
}

// sortCandidates orders by framework rank, then disclosure date, newest
// first. The sort is stable so rows that tie on both keys keep the
// framework's listing order.
func sortCandidates(candidates []types.ExploitCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := candidates[i].Rank.Score(), candidates[j].Rank.Score()
		if si != sj {
			return si > sj
		}
		return candidates[i].DisclosureDate > candidates[j].DisclosureDate
	})
}
