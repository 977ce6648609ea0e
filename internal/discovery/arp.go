package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/logger"
	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
)

// arpTable reads the kernel's neighbour cache. Free evidence: any host the
// machine has exchanged frames with recently is in here, including ones
// that drop pings.
type arpTable struct {
	path string
	log  *logger.Logger
}

func newARPTable(log *logger.Logger) *arpTable {
	return &arpTable{path: "/proc/net/arp", log: log}
}

func (t *arpTable) Name() string { return "arp-table" }

func (t *arpTable) Available(network *Network) bool {
	_, err := os.Stat(t.path)
	return err == nil
}

func (t *arpTable) Probe(ctx context.Context, network *Network) ([]types.Host, error) {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", t.path, err)
	}
	return parseARPTable(string(data), network.IPNet), nil
}

// parseARPTable parses the /proc/net/arp format:
//
//	IP address       HW type     Flags       HW address            Mask     Device
//	192.168.1.1      0x1         0x2         3c:7c:3f:1a:2b:4d     *        eth0
//
// Incomplete entries (flags 0x0, zero MAC) are attempts that never got an
// answer and are skipped.
func parseARPTable(data string, within *net.IPNet) []types.Host {
	var hosts []types.Host
	for i, line := range strings.Split(data, "\n") {
		if i == 0 {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		ip := net.ParseIP(fields[0])
		if ip == nil {
			continue
		}
		if fields[2] == "0x0" || fields[3] == "00:00:00:00:00:00" {
			continue
		}
		if within != nil && !within.Contains(ip) {
			continue
		}
		hosts = append(hosts, types.Host{Address: ip.String(), MAC: fields[3]})
	}
	return hosts
}
