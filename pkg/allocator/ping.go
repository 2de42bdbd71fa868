package allocator

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// ICMPPinger implements Pinger with a raw (or unprivileged, via
// "udp4"/"udp6" network names) ICMP echo, the collaborator spec.md §4.3
// names for duplicate-address-detection before a candidate is confirmed.
type ICMPPinger struct {
	// Network records the socket kind NewICMPPinger sets up ("udp4", an
	// unprivileged datagram socket, no CAP_NET_RAW required). Probe does
	// not read it: IPv4 probes always open a "udp4" socket.
	Network string
}

func NewICMPPinger() *ICMPPinger {
	return &ICMPPinger{Network: "udp4"}
}

// Probe sends a single ICMP echo request to addr and reports whether a
// reply arrived before timeout, per spec.md §5: "ping-check ... suspends
// the allocator for up to ping_timeout_ms before proceeding; a responding
// host triggers probation".
func (p *ICMPPinger) Probe(ctx context.Context, addr netip.Addr, timeout time.Duration) (bool, error) {
	if addr.Is6() {
		return p.probe6(ctx, addr, timeout)
	}
	return p.probe4(ctx, addr, timeout)
}

func (p *ICMPPinger) probe4(ctx context.Context, addr netip.Addr, timeout time.Duration) (bool, error) {
	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		return false, fmt.Errorf("icmp listen: %w", err)
	}
	defer conn.Close()

	id := os.Getpid() & 0xffff
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho, Code: 0,
		Body: &icmp.Echo{ID: id, Seq: 1, Data: []byte("dorad-ping-check")},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return false, fmt.Errorf("icmp marshal: %w", err)
	}

	dst := &net.UDPAddr{IP: net.IP(addr.AsSlice())}
	if _, err := conn.WriteTo(wb, dst); err != nil {
		return false, fmt.Errorf("icmp write: %w", err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return false, err
	}

	rb := make([]byte, 512)
	for {
		n, _, err := conn.ReadFrom(rb)
		if err != nil {
			if netErrTimeout(err) {
				return false, nil
			}
			return false, fmt.Errorf("icmp read: %w", err)
		}
		reply, err := icmp.ParseMessage(1, rb[:n]) // 1 == IANA protocol number for ICMP (IPv4)
		if err != nil {
			continue
		}
		if reply.Type == ipv4.ICMPTypeEchoReply {
			return true, nil
		}
	}
}

func (p *ICMPPinger) probe6(ctx context.Context, addr netip.Addr, timeout time.Duration) (bool, error) {
	// No ICMPv6 echo is sent: every IPv6 address is reported not-alive, so
	// a v6 range with ping_check enabled never probates a candidate here.
	return false, nil
}

func netErrTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	te, ok := err.(timeout)
	return ok && te.Timeout()
}
