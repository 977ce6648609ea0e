//go:build !linux

package discovery

import (
	"context"
	"time"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/logger"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
)

// arpSweep needs packet sockets, which only exist on Linux. Elsewhere the
// probe reports itself unavailable and the ICMP sweep carries the load.
type arpSweep struct {
	log *logger.Logger
}

func newARPSweep(probeTimeout time.Duration, limiter *ratelimit.Limiter, log *logger.Logger) *arpSweep {
	return &arpSweep{log: log}
}

func (s *arpSweep) Name() string { return "arp-sweep" }

func (s *arpSweep) Available(network *Network) bool { return false }

func (s *arpSweep) Probe(ctx context.Context, network *Network) ([]types.Host, error) {
	return nil, nil
}
