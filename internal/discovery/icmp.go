package discovery

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/logger"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
)

const protocolICMP = 1

// echoMarker tags our echo requests. Unprivileged datagram ICMP sockets get
// their echo identifier rewritten by the kernel, so replies are matched on
// this payload instead of the ID.
var echoMarker = []byte("salvo-sweep")

// icmpSweep pings every address in the range. Works unprivileged when
// net.ipv4.ping_group_range permits datagram ICMP sockets, and falls back
// to a raw socket for root.
type icmpSweep struct {
	probeTimeout time.Duration
	limiter      *ratelimit.Limiter
	log          *logger.Logger
}

func newICMPSweep(probeTimeout time.Duration, limiter *ratelimit.Limiter, log *logger.Logger) *icmpSweep {
	return &icmpSweep{
		probeTimeout: probeTimeout,
		limiter:      limiter,
		log:          log,
	}
}

func (s *icmpSweep) Name() string { return "icmp" }

func (s *icmpSweep) Available(network *Network) bool {
	return network.IPNet.IP.To4() != nil
}

func (s *icmpSweep) Probe(ctx context.Context, network *Network) ([]types.Host, error) {
	conn, raw, err := s.listen()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	found := make(chan net.IP, 512)
	go s.read(conn, found)

	sent := 0
	for seq, addr := range addressesIn(network.IPNet) {
		if network.SourceIP != nil && addr.Equal(network.SourceIP) {
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			break
		}
		if err := s.send(conn, raw, addr, seq); err != nil {
			s.log.Debugw("Echo request failed", "target", addr.String(), "error", err)
			continue
		}
		sent++
	}

	// Linger so replies from the tail of the sweep still land.
	select {
	case <-ctx.Done():
	case <-time.After(s.probeTimeout):
	}
	conn.Close()

	seen := map[string]bool{}
	hosts := []types.Host{}
	for ip := range found {
		addr := ip.String()
		if seen[addr] {
			continue
		}
		seen[addr] = true
		hosts = append(hosts, types.Host{Address: addr})
	}

	s.log.Debugw("Echo sweep finished", "sent", sent, "alive", len(hosts))
	return hosts, nil
}

func (s *icmpSweep) listen() (*icmp.PacketConn, bool, error) {
	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err == nil {
		return conn, false, nil
	}
	raw, rawErr := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if rawErr != nil {
		return nil, false, fmt.Errorf("opening ICMP socket: %w (datagram attempt: %v)", rawErr, err)
	}
	return raw, true, nil
}

func (s *icmpSweep) send(conn *icmp.PacketConn, raw bool, dst net.IP, seq int) error {
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  seq & 0xffff,
			Data: echoMarker,
		},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return err
	}

	var addr net.Addr
	if raw {
		addr = &net.IPAddr{IP: dst}
	} else {
		addr = &net.UDPAddr{IP: dst}
	}
	_, err = conn.WriteTo(wire, addr)
	return err
}

// read collects echo replies until the socket closes, then closes found.
func (s *icmpSweep) read(conn *icmp.PacketConn, found chan<- net.IP) {
	defer close(found)

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		msg, err := icmp.ParseMessage(protocolICMP, buf[:n])
		if err != nil {
			continue
		}
		if msg.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		echo, ok := msg.Body.(*icmp.Echo)
		if !ok || !bytes.HasPrefix(echo.Data, echoMarker) {
			continue
		}
		switch a := peer.(type) {
		case *net.UDPAddr:
			found <- a.IP
		case *net.IPAddr:
			found <- a.IP
		}
	}
}
