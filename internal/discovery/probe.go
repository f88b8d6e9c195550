package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"castreceiver/internal/protocol"
)

// Receiver is a receiver that answered a probe
type Receiver struct {
	Name string
	Addr *net.UDPAddr
}

// CastAddr returns the TCP address a sender connects to, assuming the default cast port
func (r Receiver) CastAddr() string {
	return net.JoinHostPort(r.Addr.IP.String(), fmt.Sprint(protocol.DefaultCastPort))
}

// Probe sends one CAST_DISCOVER datagram to target (usually the broadcast address) and
// collects responses until timeout or ctx ends. Each responding address is reported once.
func Probe(ctx context.Context, target string, timeout time.Duration) ([]Receiver, error) {
	dst, err := net.ResolveUDPAddr("udp4", target)
	if err != nil {
		return nil, fmt.Errorf("invalid probe target %s: %w", target, err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("failed to open probe socket: %w", err)
	}
	defer conn.Close()

	if _, err := conn.WriteToUDP([]byte(protocol.DiscoveryProbe), dst); err != nil {
		return nil, fmt.Errorf("failed to send probe to %s: %w", dst, err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	var found []Receiver
	seen := make(map[string]bool)
	buf := make([]byte, MaxDatagramSize)

	for {
		conn.SetReadDeadline(deadline)
		if ctx.Err() != nil {
			return found, nil
		}

		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return found, nil
			}
			return found, fmt.Errorf("probe read failed: %w", err)
		}

		msg := string(buf[:n])
		if !strings.HasPrefix(msg, protocol.DiscoveryResponsePrefix) {
			continue
		}
		if seen[addr.String()] {
			continue
		}
		seen[addr.String()] = true
		found = append(found, Receiver{
			Name: strings.TrimPrefix(msg, protocol.DiscoveryResponsePrefix),
			Addr: addr,
		})
	}
}
