// Package listener implements spec.md §5/§6's socket layer: one UDP
// socket per configured bind address, a worker pool bounded by
// max_live_msgs, a per-request timeout, and unicast-vs-broadcast reply
// selection, feeding decoded messages into the v4/v6 pipeline.Dispatcher
// the way lion7-caddydhcp's dhcpServer.Start/handle4/handle6 feed its
// own handler chain.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv6"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/dorad-project/dorad/pkg/config"
	"github.com/dorad-project/dorad/pkg/dhcpwire"
	"github.com/dorad-project/dorad/pkg/logger"
	"github.com/dorad-project/dorad/pkg/metrics"
	"github.com/dorad-project/dorad/pkg/pipeline"
)

const (
	defaultV4Port = 67
	defaultV6Port = 547
)

// Deps bundles the pipeline dispatchers and bind configuration cmd/dorad
// wires into a Listener.
type Deps struct {
	Server  config.ServerConfig
	V4      *pipeline.Dispatcher
	V6      *pipeline.Dispatcher
	Metrics *metrics.Registry
}

// Listener owns the process's UDP sockets and the admission-controlled
// worker pool that turns datagrams into pipeline.MsgContext runs.
type Listener struct {
	cfg     config.ServerConfig
	v4      *pipeline.Dispatcher
	v6      *pipeline.Dispatcher
	metrics *metrics.Registry
	log     *slog.Logger

	sem chan struct{}

	mu    sync.Mutex
	conns []net.PacketConn
	wg    sync.WaitGroup
}

// New constructs a Listener; no sockets are bound until Start.
func New(d Deps) *Listener {
	max := d.Server.MaxLiveMsgs
	if max <= 0 {
		max = 4096
	}
	return &Listener{
		cfg:     d.Server,
		v4:      d.V4,
		v6:      d.V6,
		metrics: d.Metrics,
		log:     logger.Component(logger.ComponentListener),
		sem:     make(chan struct{}, max),
	}
}

// Name implements component.Component.
func (l *Listener) Name() string { return "listener" }

// Start binds one socket per configured v4/v6 address and spawns a read
// loop for each, per spec.md §6's "one UDP socket per configured
// interface" rule.
func (l *Listener) Start(ctx context.Context) error {
	for _, addr := range l.cfg.V4Addrs {
		conn, err := net.ListenPacket("udp4", addr)
		if err != nil {
			return fmt.Errorf("listener: bind v4 %s: %w", addr, err)
		}
		if err := enableBroadcast(conn); err != nil {
			l.log.Warn("could not enable broadcast on v4 socket", "addr", addr, "error", err)
		}
		l.track(conn)
		pc := ipv4.NewPacketConn(conn)
		_ = pc.SetControlMessage(ipv4.FlagInterface, true)
		defaultPort := isDefaultPort(addr, defaultV4Port)
		l.wg.Add(1)
		go l.readLoopV4(ctx, pc, defaultPort)
		l.log.Info("bound v4 listener", "addr", addr)
	}
	for _, addr := range l.cfg.V6Addrs {
		conn, err := net.ListenPacket("udp6", addr)
		if err != nil {
			return fmt.Errorf("listener: bind v6 %s: %w", addr, err)
		}
		l.track(conn)
		pc := ipv6.NewPacketConn(conn)
		_ = pc.SetControlMessage(ipv6.FlagInterface, true)
		l.wg.Add(1)
		go l.readLoopV6(ctx, pc)
		l.log.Info("bound v6 listener", "addr", addr)
	}
	return nil
}

// Stop closes every bound socket, unblocking the read loops, then waits
// up to grace for in-flight requests to finish, per spec.md §5's
// "drains the ingress, waits ... up to a grace interval" rule.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	for _, conn := range l.conns {
		_ = conn.Close()
	}
	l.mu.Unlock()

	grace := l.cfg.ShutdownGrace.Duration()
	if grace <= 0 {
		grace = 10 * time.Second
	}
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(grace):
		l.log.Warn("shutdown grace period elapsed with requests still in flight")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener) track(conn net.PacketConn) {
	l.mu.Lock()
	l.conns = append(l.conns, conn)
	l.mu.Unlock()
}

// allowedInterface reports whether iface may source requests, honoring
// spec.md §3's per-network interface binding when the process is
// configured with an explicit interface allow-list.
func (l *Listener) allowedInterface(iface string) bool {
	if len(l.cfg.Interfaces) == 0 || iface == "" {
		return true
	}
	for _, i := range l.cfg.Interfaces {
		if i == iface {
			return true
		}
	}
	return false
}

func isDefaultPort(addr string, defaultPort int) bool {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return true
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return true
	}
	return port == defaultPort
}

func ifaceName(idx int) string {
	if idx <= 0 {
		return ""
	}
	ifi, err := net.InterfaceByIndex(idx)
	if err != nil {
		return ""
	}
	return ifi.Name
}

func (l *Listener) admit() bool {
	select {
	case l.sem <- struct{}{}:
		return true
	default:
		if l.metrics != nil {
			l.metrics.IncAdmissionDrops()
		}
		return false
	}
}

func (l *Listener) release() { <-l.sem }

func (l *Listener) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	if d := l.cfg.RequestTimeout.Duration(); d > 0 {
		return context.WithTimeout(parent, d)
	}
	return context.WithCancel(parent)
}

func (l *Listener) readLoopV4(ctx context.Context, pc *ipv4.PacketConn, defaultPort bool) {
	defer l.wg.Done()
	for {
		buf := make([]byte, 4096)
		n, cm, peer, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Debug("v4 read loop stopped", "error", err)
			return
		}
		udpPeer, ok := peer.(*net.UDPAddr)
		if !ok {
			continue
		}
		iface := ""
		if cm != nil {
			iface = ifaceName(cm.IfIndex)
		}
		if !l.allowedInterface(iface) {
			continue
		}
		if !l.admit() {
			continue
		}
		payload := append([]byte(nil), buf[:n]...)
		go l.handleV4(ctx, pc, udpPeer, iface, payload, defaultPort)
	}
}

func (l *Listener) handleV4(ctx context.Context, pc *ipv4.PacketConn, peer *net.UDPAddr, iface string, payload []byte, defaultPort bool) {
	defer l.release()

	reqCtx, cancel := l.requestContext(ctx)
	defer cancel()

	req, err := dhcpwire.DecodeV4(payload)
	if err != nil {
		l.log.Debug("undecodable v4 datagram", "error", err, "peer", peer)
		return
	}

	msg := &pipeline.MsgContext{
		Family:     pipeline.FamilyV4,
		In:         req,
		Iface:      iface,
		SrcAddr:    peer,
		ReceivedAt: time.Now().UTC(),
	}

	outcome, err := l.v4.Run(reqCtx, msg)
	if err != nil {
		l.log.Warn("v4 pipeline error", "error", err)
	}
	if outcome != pipeline.Respond {
		return
	}
	resp, ok := msg.Out.(*dhcpv4.DHCPv4)
	if !ok || resp == nil {
		return
	}

	dst := v4ReplyAddr(req, resp, peer, defaultPort, msg.Broadcast)
	if _, err := pc.WriteTo(dhcpwire.EncodeV4(resp), nil, dst); err != nil {
		l.log.Warn("v4 write failed", "error", err, "dst", dst)
	}
}

// v4ReplyAddr implements RFC 2131 §4.1's reply-address selection: unicast
// to a relaying giaddr, else to a known ciaddr, else broadcast if the
// client asked for it or has no address yet. A non-default bind port
// forces unicast to the peer regardless, since a client on a non-standard
// port cannot be reached by a broadcast to the standard one.
func v4ReplyAddr(req, resp *dhcpv4.DHCPv4, peer *net.UDPAddr, defaultPort bool, broadcastHint bool) *net.UDPAddr {
	if !defaultPort {
		return &net.UDPAddr{IP: peer.IP, Port: peer.Port}
	}
	if giaddr := req.GatewayIPAddr; giaddr != nil && !giaddr.IsUnspecified() {
		return &net.UDPAddr{IP: giaddr, Port: defaultV4Port}
	}
	if req.ClientIPAddr != nil && !req.ClientIPAddr.IsUnspecified() {
		return &net.UDPAddr{IP: req.ClientIPAddr, Port: peer.Port}
	}
	if broadcastHint || peer.IP == nil || peer.IP.IsUnspecified() {
		return &net.UDPAddr{IP: net.IPv4bcast, Port: peer.Port}
	}
	if resp.YourIPAddr != nil && !resp.YourIPAddr.IsUnspecified() {
		return &net.UDPAddr{IP: resp.YourIPAddr, Port: peer.Port}
	}
	return &net.UDPAddr{IP: net.IPv4bcast, Port: peer.Port}
}

func (l *Listener) readLoopV6(ctx context.Context, pc *ipv6.PacketConn) {
	defer l.wg.Done()
	for {
		buf := make([]byte, 4096)
		n, cm, peer, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Debug("v6 read loop stopped", "error", err)
			return
		}
		udpPeer, ok := peer.(*net.UDPAddr)
		if !ok {
			continue
		}
		iface := ""
		if cm != nil {
			iface = ifaceName(cm.IfIndex)
		}
		if !l.allowedInterface(iface) {
			continue
		}
		if !l.admit() {
			continue
		}
		payload := append([]byte(nil), buf[:n]...)
		go l.handleV6(ctx, pc, udpPeer, iface, payload)
	}
}

func (l *Listener) handleV6(ctx context.Context, pc *ipv6.PacketConn, peer *net.UDPAddr, iface string, payload []byte) {
	defer l.release()

	reqCtx, cancel := l.requestContext(ctx)
	defer cancel()

	outer, err := dhcpwire.DecodeV6(payload)
	if err != nil {
		l.log.Debug("undecodable v6 datagram", "error", err, "peer", peer)
		return
	}
	inner, err := dhcpwire.InnerMessageV6(outer)
	if err != nil {
		l.log.Debug("cannot unwrap v6 relay envelope", "error", err, "peer", peer)
		return
	}

	msg := &pipeline.MsgContext{
		Family:     pipeline.FamilyV6,
		In:         inner,
		Outer:      outer,
		Iface:      iface,
		SrcAddr:    peer,
		ReceivedAt: time.Now().UTC(),
	}

	outcome, err := l.v6.Run(reqCtx, msg)
	if err != nil {
		l.log.Warn("v6 pipeline error", "error", err)
	}
	if outcome != pipeline.Respond {
		return
	}
	resp, ok := msg.Out.(*dhcpv6.Message)
	if !ok || resp == nil {
		return
	}

	encoded, err := dhcpwire.EncodeV6(outer, resp)
	if err != nil {
		l.log.Warn("v6 encode failed", "error", err)
		return
	}
	if _, err := pc.WriteTo(encoded, nil, peer); err != nil {
		l.log.Warn("v6 write failed", "error", err, "peer", peer)
	}
}
