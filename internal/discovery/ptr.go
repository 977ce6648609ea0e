package discovery

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// resolver does reverse lookups against the system's configured nameservers.
// Public resolvers are useless here: the PTR records for an engagement LAN
// live on its own DNS, which is what resolv.conf points at.
type resolver struct {
	client  *dns.Client
	servers []string
}

func newResolver(timeout time.Duration) *resolver {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		return nil
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, server := range cfg.Servers {
		servers = append(servers, net.JoinHostPort(server, cfg.Port))
	}
	return &resolver{
		client:  &dns.Client{Timeout: timeout},
		servers: servers,
	}
}

func (r *resolver) reverse(ctx context.Context, address string) (string, error) {
	arpa, err := dns.ReverseAddr(address)
	if err != nil {
		return "", err
	}

	m := new(dns.Msg)
	m.SetQuestion(arpa, dns.TypePTR)

	var lastErr error
	for _, server := range r.servers {
		in, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		for _, ans := range in.Answer {
			if ptr, ok := ans.(*dns.PTR); ok {
				return strings.TrimSuffix(ptr.Ptr, "."), nil
			}
		}
		// A server answered and had no record; the other servers share
		// the same zone, no point asking them.
		return "", nil
	}
	return "", lastErr
}
