package scanner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	nmap "github.com/Ullaakut/nmap/v3"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/config"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/core"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/logger"
	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
)

const defaultProfileArgs = "-sS -sV"

// NmapScanner fingerprints a host with the nmap binary. Scan profiles come
// from configuration so an engagement can trade speed against depth without
// touching code.
type NmapScanner struct {
	cfg     config.ScannerConfig
	profile string
	log     *logger.Logger
}

var _ core.PortScanner = (*NmapScanner)(nil)

func NewNmapScanner(cfg config.ScannerConfig, profile string, log *logger.Logger) *NmapScanner {
	if profile == "" {
		profile = "default"
	}
	return &NmapScanner{
		cfg:     cfg,
		profile: profile,
		log:     log.WithComponent("scanner"),
	}
}

func (s *NmapScanner) Scan(ctx context.Context, address string) ([]types.ServiceFingerprint, error) {
	start := time.Now()

	timeout := s.cfg.Nmap.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := []nmap.Option{
		nmap.WithTargets(address),
		nmap.WithDisabledDNSResolution(),
		// Discovery already established the host is up; re-probing it
		// here would just lose targets that drop pings.
		nmap.WithSkipHostDiscovery(),
		nmap.WithCustomArguments(s.profileArgs()...),
	}
	if s.cfg.Nmap.BinaryPath != "" {
		opts = append(opts, nmap.WithBinaryPath(s.cfg.Nmap.BinaryPath))
	}
	if s.cfg.Ports != "" {
		opts = append(opts, nmap.WithPorts(s.cfg.Ports))
	}

	scanner, err := nmap.NewScanner(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating nmap scanner: %w", err)
	}

	s.log.Infow("Port scan started",
		"target", address,
		"profile", s.profile,
	)
	result, warnings, err := scanner.Run()
	if err != nil {
		return nil, fmt.Errorf("running nmap against %s: %w", address, err)
	}
	if warnings != nil && len(*warnings) > 0 {
		s.log.Warnw("Scan produced warnings", "target", address, "warnings", *warnings)
	}

	services := fingerprintsFrom(result)
	s.log.Infow("Port scan finished",
		"target", address,
		"services", len(services),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return services, nil
}

func (s *NmapScanner) profileArgs() []string {
	args := s.cfg.Nmap.Profiles[s.profile]
	if args == "" {
		args = defaultProfileArgs
	}
	return strings.Fields(args)
}

// fingerprintsFrom flattens an nmap run into service fingerprints, keeping
// only open ports. "open|filtered" counts as open; a service behind an
// ambivalent firewall is still worth an exploit attempt.
func fingerprintsFrom(result *nmap.Run) []types.ServiceFingerprint {
	var services []types.ServiceFingerprint
	for _, host := range result.Hosts {
		for _, port := range host.Ports {
			if !strings.HasPrefix(strings.ToLower(port.State.State), "open") {
				continue
			}
			proto := types.ProtocolTCP
			if strings.EqualFold(port.Protocol, "udp") {
				proto = types.ProtocolUDP
			}
			services = append(services, types.ServiceFingerprint{
				Port:     int(port.ID),
				Protocol: proto,
				Name:     port.Service.Name,
				Product:  port.Service.Product,
				Version:  port.Service.Version,
			})
		}
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Port < services[j].Port })
	return services
}
