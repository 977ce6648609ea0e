// Package discovery finds live hosts on an engagement network. Probes run
// in parallel and their results are merged by address: ICMP finds hosts
// that answer pings, the ARP layer finds the ones that don't, and reverse
// DNS puts names on both.
package discovery

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/config"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/core"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/logger"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
)

// sweepLimit caps how many addresses one sweep may touch. Anything wider
// than a /16 is a scoping mistake, not a sweep target.
const sweepLimit = 65536

const ptrConcurrency = 8

// Network describes where a sweep runs. Interface and SourceIP are nil when
// the target range is routed rather than directly attached; probes that
// need link-level access report themselves unavailable in that case.
type Network struct {
	IPNet     *net.IPNet
	Interface *net.Interface
	SourceIP  net.IP
}

// Probe is one way of finding hosts. Probes must tolerate running
// concurrently with each other and return whatever they found even when
// ctx expires mid-sweep.
type Probe interface {
	Name() string
	Available(network *Network) bool
	Probe(ctx context.Context, network *Network) ([]types.Host, error)
}

// Engine fans the configured probes out over the engagement network and
// merges what they report.
type Engine struct {
	cfg      config.DiscoveryConfig
	limiter  *ratelimit.Limiter
	probes   []Probe
	resolver *resolver
	log      *logger.Logger
	mu       sync.Mutex
}

var _ core.Discoverer = (*Engine)(nil)

func NewEngine(cfg config.DiscoveryConfig, log *logger.Logger) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = time.Second
	}

	limiter := ratelimit.FromConfig(cfg.RateLimit)
	e := &Engine{
		cfg:      cfg,
		limiter:  limiter,
		resolver: newResolver(cfg.ProbeTimeout),
		log:      log.WithComponent("discovery"),
	}

	e.RegisterProbe(newICMPSweep(cfg.ProbeTimeout, limiter, e.log))
	e.RegisterProbe(newARPTable(e.log))
	e.RegisterProbe(newARPSweep(cfg.ProbeTimeout, limiter, e.log))

	return e
}

// RegisterProbe adds a probe to the sweep. Built-in probes are registered
// by NewEngine; this exists for callers with their own.
func (e *Engine) RegisterProbe(p Probe) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.probes = append(e.probes, p)
	e.log.Debugw("Discovery probe registered", "probe", p.Name(), "total_probes", len(e.probes))
}

// Discover sweeps the configured network and returns every host any probe
// saw, in address order. A host that answered nothing is simply absent;
// absence of proof is not proof of absence on a filtered network.
func (e *Engine) Discover(ctx context.Context) ([]types.Host, error) {
	start := time.Now()

	network, err := e.resolveNetwork()
	if err != nil {
		return nil, err
	}

	ones, bits := network.IPNet.Mask.Size()
	if bits-ones > 16 {
		return nil, fmt.Errorf("network %s spans more than %d addresses, narrow the range", network.IPNet, sweepLimit)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	ctx, span := e.log.StartOperation(ctx, "discovery.sweep",
		"network", network.IPNet.String(),
	)
	var finalErr error
	defer func() {
		e.log.FinishOperation(ctx, span, "discovery.sweep", start, finalErr)
	}()

	e.mu.Lock()
	probes := make([]Probe, len(e.probes))
	copy(probes, e.probes)
	e.mu.Unlock()

	type probeResult struct {
		name  string
		hosts []types.Host
		err   error
	}

	results := make(chan probeResult, len(probes))
	var wg sync.WaitGroup
	ran := 0
	for _, p := range probes {
		if !p.Available(network) {
			e.log.Debugw("Probe skipped", "probe", p.Name(), "network", network.IPNet.String())
			continue
		}
		ran++
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			hosts, err := p.Probe(ctx, network)
			results <- probeResult{name: p.Name(), hosts: hosts, err: err}
		}(p)
	}
	if ran == 0 {
		finalErr = fmt.Errorf("no discovery probe is available for %s", network.IPNet)
		return nil, finalErr
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	merged := map[string]*types.Host{}
	for result := range results {
		if result.err != nil {
			// One probe failing does not sink the sweep; the others
			// still report.
			e.log.Warnw("Discovery probe failed",
				"probe", result.name,
				"error", result.err,
			)
		}
		for _, host := range result.hosts {
			mergeHost(merged, host)
		}
		e.log.Debugw("Probe finished",
			"probe", result.name,
			"hosts", len(result.hosts),
		)
	}

	hosts := make([]types.Host, 0, len(merged))
	for _, h := range merged {
		hosts = append(hosts, *h)
	}
	sortHosts(hosts)

	e.enrichHostnames(ctx, hosts)

	e.log.Infow("Network sweep finished",
		"network", network.IPNet.String(),
		"hosts", len(hosts),
		"probes", ran,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return hosts, nil
}

// resolveNetwork turns the configuration into a sweepable network. An
// explicit CIDR wins; otherwise the named interface supplies its subnet;
// otherwise the first usable interface does.
func (e *Engine) resolveNetwork() (*Network, error) {
	if e.cfg.Network != "" {
		_, ipnet, err := net.ParseCIDR(e.cfg.Network)
		if err != nil {
			return nil, fmt.Errorf("parsing discovery network %q: %w", e.cfg.Network, err)
		}
		network := &Network{IPNet: ipnet}
		// Link-level probes need the attached interface; a routed range
		// leaves them out.
		if iface, src := interfaceFor(ipnet); iface != nil {
			network.Interface = iface
			network.SourceIP = src
		}
		return network, nil
	}

	iface, ipnet, src, err := defaultInterface(e.cfg.Interface)
	if err != nil {
		return nil, err
	}
	return &Network{IPNet: ipnet, Interface: iface, SourceIP: src}, nil
}

func (e *Engine) enrichHostnames(ctx context.Context, hosts []types.Host) {
	if e.resolver == nil {
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(ptrConcurrency)
	for i := range hosts {
		if hosts[i].Hostname != "" {
			continue
		}
		i := i
		g.Go(func() error {
			name, err := e.resolver.reverse(ctx, hosts[i].Address)
			if err == nil && name != "" {
				hosts[i].Hostname = name
			}
			return nil
		})
	}
	g.Wait()
}

func mergeHost(merged map[string]*types.Host, host types.Host) {
	if host.Address == "" {
		return
	}
	existing, ok := merged[host.Address]
	if !ok {
		h := host
		merged[host.Address] = &h
		return
	}
	if existing.MAC == "" {
		existing.MAC = host.MAC
	}
	if existing.Hostname == "" {
		existing.Hostname = host.Hostname
	}
}

func sortHosts(hosts []types.Host) {
	sort.Slice(hosts, func(i, j int) bool {
		a := net.ParseIP(hosts[i].Address)
		b := net.ParseIP(hosts[j].Address)
		if a == nil || b == nil {
			return hosts[i].Address < hosts[j].Address
		}
		return bytes.Compare(a.To16(), b.To16()) < 0
	})
}

// addressesIn lists the probeable addresses of an IPv4 network, skipping
// the network and broadcast addresses on real subnets.
func addressesIn(ipnet *net.IPNet) []net.IP {
	base := ipnet.IP.To4()
	if base == nil {
		return nil
	}
	ones, bits := ipnet.Mask.Size()
	total := 1 << (bits - ones)

	out := make([]net.IP, 0, total)
	start := ipToUint(base)
	for offset := 0; offset < total; offset++ {
		addr := uintToIP(start + uint32(offset))
		if total > 2 && (offset == 0 || offset == total-1) {
			continue
		}
		out = append(out, addr)
	}
	return out
}

func ipToUint(ip net.IP) uint32 {
	v4 := ip.To4()
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}

func uintToIP(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// interfaceFor finds the interface attached to the given network, if any.
func interfaceFor(target *net.IPNet) (*net.Interface, net.IP) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, nil
	}
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			if target.Contains(ipnet.IP) || ipnet.Contains(target.IP) {
				return &iface, ipnet.IP.To4()
			}
		}
	}
	return nil, nil
}

// defaultInterface picks the sweep interface when no network is configured:
// the named one, or the first up, non-loopback interface with an IPv4
// subnet.
func defaultInterface(name string) (*net.Interface, *net.IPNet, net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("listing interfaces: %w", err)
	}

	for i := range ifaces {
		iface := ifaces[i]
		if name != "" && iface.Name != name {
			continue
		}
		if name == "" && (iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			network := &net.IPNet{IP: ipnet.IP.Mask(ipnet.Mask), Mask: ipnet.Mask}
			return &iface, network, ipnet.IP.To4(), nil
		}
	}

	if name != "" {
		return nil, nil, nil, fmt.Errorf("interface %s has no usable IPv4 subnet", name)
	}
	return nil, nil, nil, fmt.Errorf("no usable interface found, set discovery.network or discovery.interface")
}
