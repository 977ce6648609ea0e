package scanner

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/config"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/core"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/logger"
	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
)

const connectConcurrency = 64

// defaultPorts is the sweep list when no port spec is configured: the
// services that actually get exploited on internal engagements.
var defaultPorts = []int{
	21, 22, 23, 25, 53, 80, 110, 111, 139, 143, 443, 445,
	512, 513, 514, 1099, 1433, 1524, 2049, 2121, 3306, 3389,
	5432, 5900, 5984, 6379, 6667, 8009, 8080, 8180, 8443, 9200, 27017,
}

var wellKnownNames = map[int]string{
	21:    "ftp",
	22:    "ssh",
	23:    "telnet",
	25:    "smtp",
	53:    "domain",
	80:    "http",
	110:   "pop3",
	111:   "rpcbind",
	139:   "netbios-ssn",
	143:   "imap",
	443:   "https",
	445:   "microsoft-ds",
	512:   "exec",
	513:   "login",
	514:   "shell",
	1099:  "rmiregistry",
	1433:  "ms-sql-s",
	1524:  "ingreslock",
	2049:  "nfs",
	2121:  "ftp",
	3306:  "mysql",
	3389:  "ms-wbt-server",
	5432:  "postgresql",
	5900:  "vnc",
	5984:  "couchdb",
	6379:  "redis",
	6667:  "irc",
	8009:  "ajp13",
	8080:  "http-proxy",
	8180:  "http",
	8443:  "https-alt",
	9200:  "elasticsearch",
	27017: "mongodb",
}

// bannerVersion pulls a "Product 1.2.3" pair out of a greeting line, e.g.
// "220 (vsFTPd 2.3.4)" or "220 ProFTPD 1.3.5 Server".
var bannerVersion = regexp.MustCompile(`([A-Za-z][A-Za-z0-9_-]+)[ /]v?(\d[\w.]*)`)

// ConnectScanner sweeps ports with plain TCP connects and fingerprints the
// services that greet first (FTP, SSH, SMTP). Everything else gets a
// well-known-port name and no version, which weakens exploit matching.
type ConnectScanner struct {
	timeout time.Duration
	ports   []int
	log     *logger.Logger
}

var _ core.PortScanner = (*ConnectScanner)(nil)

func NewConnectScanner(cfg config.ScannerConfig, log *logger.Logger) *ConnectScanner {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = time.Second
	}

	ports := defaultPorts
	if cfg.Ports != "" {
		parsed, err := parsePorts(cfg.Ports)
		if err != nil {
			log.Warnw("Invalid port spec, using defaults", "ports", cfg.Ports, "error", err)
		} else {
			ports = parsed
		}
	}

	return &ConnectScanner{
		timeout: timeout,
		ports:   ports,
		log:     log.WithComponent("scanner"),
	}
}

func (s *ConnectScanner) Scan(ctx context.Context, address string) ([]types.ServiceFingerprint, error) {
	start := time.Now()
	s.log.Infow("Connect scan started", "target", address, "ports", len(s.ports))

	var mu sync.Mutex
	var services []types.ServiceFingerprint

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(connectConcurrency)
	for _, port := range s.ports {
		port := port
		g.Go(func() error {
			fp, open := s.probe(ctx, address, port)
			if open {
				mu.Lock()
				services = append(services, fp)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(services, func(i, j int) bool { return services[i].Port < services[j].Port })
	s.log.Infow("Connect scan finished",
		"target", address,
		"services", len(services),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return services, nil
}

func (s *ConnectScanner) probe(ctx context.Context, address string, port int) (types.ServiceFingerprint, bool) {
	dialer := net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return types.ServiceFingerprint{}, false
	}
	defer conn.Close()

	fp := types.ServiceFingerprint{
		Port:     port,
		Protocol: types.ProtocolTCP,
		Name:     wellKnownNames[port],
	}

	// Greet-first protocols volunteer their version; the rest let the
	// read deadline expire and keep their port-table name.
	conn.SetReadDeadline(time.Now().Add(s.timeout))
	banner, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && banner == "" {
		return fp, true
	}
	name, product, version := fingerprintBanner(strings.TrimSpace(banner))
	if name != "" {
		fp.Name = name
	}
	fp.Product = product
	fp.Version = version
	return fp, true
}

// fingerprintBanner extracts what a greeting line reveals. The returned
// name is non-empty only when the banner itself identifies the protocol.
func fingerprintBanner(banner string) (name, product, version string) {
	if banner == "" {
		return "", "", ""
	}

	// "SSH-2.0-OpenSSH_8.9p1 Ubuntu-3ubuntu0.1"
	if strings.HasPrefix(banner, "SSH-") {
		name = "ssh"
		parts := strings.SplitN(banner, "-", 3)
		if len(parts) == 3 {
			software := strings.Fields(parts[2])[0]
			if idx := strings.IndexByte(software, '_'); idx > 0 {
				product = software[:idx]
				version = software[idx+1:]
			} else {
				product = software
			}
		}
		return name, product, version
	}

	if m := bannerVersion.FindStringSubmatch(banner); m != nil {
		product = m[1]
		version = m[2]
	}
	return "", product, version
}

// parsePorts expands a spec like "22,80,8000-8010" into a port list.
func parsePorts(spec string) ([]int, error) {
	seen := map[int]bool{}
	var ports []int

	add := func(p int) error {
		if p < 1 || p > 65535 {
			return fmt.Errorf("port %d out of range", p)
		}
		if !seen[p] {
			seen[p] = true
			ports = append(ports, p)
		}
		return nil
	}

	for _, piece := range strings.Split(spec, ",") {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(piece, "-"); ok {
			first, err := strconv.Atoi(strings.TrimSpace(lo))
			if err != nil {
				return nil, fmt.Errorf("bad port range %q: %w", piece, err)
			}
			last, err := strconv.Atoi(strings.TrimSpace(hi))
			if err != nil {
				return nil, fmt.Errorf("bad port range %q: %w", piece, err)
			}
			if first > last {
				return nil, fmt.Errorf("bad port range %q: start above end", piece)
			}
			for p := first; p <= last; p++ {
				if err := add(p); err != nil {
					return nil, err
				}
			}
			continue
		}
		p, err := strconv.Atoi(piece)
		if err != nil {
			return nil, fmt.Errorf("bad port %q: %w", piece, err)
		}
		if err := add(p); err != nil {
			return nil, err
		}
	}

	if len(ports) == 0 {
		return nil, fmt.Errorf("port spec %q is empty", spec)
	}
	sort.Ints(ports)
	return ports, nil
}
