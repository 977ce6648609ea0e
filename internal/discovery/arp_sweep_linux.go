//go:build linux

package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/logger"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
)

var broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// arpSweep sends a who-has request to every address on the attached
// segment over a packet socket. ARP cannot be firewalled off, so this
// finds hosts the ICMP sweep misses. Root only.
type arpSweep struct {
	probeTimeout time.Duration
	limiter      *ratelimit.Limiter
	log          *logger.Logger
}

func newARPSweep(probeTimeout time.Duration, limiter *ratelimit.Limiter, log *logger.Logger) *arpSweep {
	return &arpSweep{
		probeTimeout: probeTimeout,
		limiter:      limiter,
		log:          log,
	}
}

func (s *arpSweep) Name() string { return "arp-sweep" }

func (s *arpSweep) Available(network *Network) bool {
	return os.Geteuid() == 0 &&
		network.Interface != nil &&
		len(network.Interface.HardwareAddr) == 6 &&
		network.SourceIP != nil &&
		network.IPNet.IP.To4() != nil
}

func (s *arpSweep) Probe(ctx context.Context, network *Network) ([]types.Host, error) {
	fd, err := syscall.Socket(syscall.AF_PACKET, syscall.SOCK_RAW, int(htons(syscall.ETH_P_ARP)))
	if err != nil {
		return nil, fmt.Errorf("opening packet socket: %w", err)
	}
	defer syscall.Close(fd)

	sll := syscall.SockaddrLinklayer{
		Protocol: htons(syscall.ETH_P_ARP),
		Ifindex:  network.Interface.Index,
		Halen:    6,
	}
	copy(sll.Addr[:], broadcastMAC)
	if err := syscall.Bind(fd, &sll); err != nil {
		return nil, fmt.Errorf("binding to %s: %w", network.Interface.Name, err)
	}

	// Closing a packet socket does not wake a blocked read, so the reader
	// polls with a short receive timeout and checks done between reads.
	tv := syscall.NsecToTimeval((200 * time.Millisecond).Nanoseconds())
	if err := syscall.SetsockoptTimeval(fd, syscall.SOL_SOCKET, syscall.SO_RCVTIMEO, &tv); err != nil {
		return nil, fmt.Errorf("setting receive timeout: %w", err)
	}

	done := make(chan struct{})
	found := make(chan types.Host, 512)
	go s.read(fd, done, network, found)

	sent := 0
	for _, target := range addressesIn(network.IPNet) {
		if target.Equal(network.SourceIP) {
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			break
		}
		frame, err := s.request(network, target)
		if err != nil {
			return nil, err
		}
		if err := syscall.Sendto(fd, frame, 0, &sll); err != nil {
			s.log.Debugw("ARP request failed", "target", target.String(), "error", err)
			continue
		}
		sent++
	}

	select {
	case <-ctx.Done():
	case <-time.After(s.probeTimeout):
	}
	close(done)

	seen := map[string]bool{}
	hosts := []types.Host{}
	for host := range found {
		if seen[host.Address] {
			continue
		}
		seen[host.Address] = true
		hosts = append(hosts, host)
	}

	s.log.Debugw("ARP sweep finished", "sent", sent, "alive", len(hosts))
	return hosts, nil
}

// request builds an Ethernet broadcast frame carrying a who-has for target.
func (s *arpSweep) request(network *Network, target net.IP) ([]byte, error) {
	eth := layers.Ethernet{
		SrcMAC:       network.Interface.HardwareAddr,
		DstMAC:       broadcastMAC,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte(network.Interface.HardwareAddr),
		SourceProtAddress: []byte(network.SourceIP.To4()),
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    []byte(target.To4()),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &arp); err != nil {
		return nil, fmt.Errorf("serializing ARP request: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *arpSweep) read(fd int, done <-chan struct{}, network *Network, found chan<- types.Host) {
	defer close(found)

	buf := make([]byte, 2048)
	for {
		select {
		case <-done:
			return
		default:
		}
		n, _, err := syscall.Recvfrom(fd, buf, 0)
		if err != nil {
			if err == syscall.EAGAIN || err == syscall.EINTR {
				continue
			}
			return
		}
		if host, ok := parseARPReply(buf[:n], network.IPNet); ok {
			found <- host
		}
	}
}

func parseARPReply(frame []byte, within *net.IPNet) (types.Host, bool) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	layer := pkt.Layer(layers.LayerTypeARP)
	if layer == nil {
		return types.Host{}, false
	}
	arp, ok := layer.(*layers.ARP)
	if !ok || arp.Operation != layers.ARPReply {
		return types.Host{}, false
	}
	ip := net.IP(arp.SourceProtAddress)
	if within != nil && !within.Contains(ip) {
		return types.Host{}, false
	}
	return types.Host{
		Address: ip.String(),
		MAC:     net.HardwareAddr(arp.SourceHwAddress).String(),
	}, true
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}
