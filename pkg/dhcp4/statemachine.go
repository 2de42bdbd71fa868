package dhcp4

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/dorad-project/dorad/pkg/allocator"
	"github.com/dorad-project/dorad/pkg/classify"
	"github.com/dorad-project/dorad/pkg/config"
	"github.com/dorad-project/dorad/pkg/coordination"
	"github.com/dorad-project/dorad/pkg/dhcpwire"
	"github.com/dorad-project/dorad/pkg/lease"
	"github.com/dorad-project/dorad/pkg/pipeline"
)

// statemachinePlugin implements spec.md §4.5: DISCOVER/REQUEST/DECLINE/
// RELEASE/INFORM handling, Rapid Commit collapse, and the BOOTP fallback.
// It folds the standard order's "static/reservation" and "allocator"
// stages into one plugin, since reservation lookup is itself an input to
// allocator selection rather than a separable gate.
type statemachinePlugin struct {
	alloc       *allocator.Allocator
	coord       *coordination.Coordinator
	classifyReg *classify.Registry
	instanceID  string
}

func newStatemachinePlugin(alloc *allocator.Allocator, coord *coordination.Coordinator, reg *classify.Registry, instanceID string) *statemachinePlugin {
	return &statemachinePlugin{alloc: alloc, coord: coord, classifyReg: reg, instanceID: instanceID}
}

func (p *statemachinePlugin) Name() string           { return "statemachine" }
func (p *statemachinePlugin) Prerequisites() []string { return []string{"floodguard"} }

func (p *statemachinePlugin) Handle(ctx context.Context, msg *pipeline.MsgContext) (pipeline.Outcome, error) {
	req := msg.In.(*dhcpv4.DHCPv4)
	network := msg.Network
	if network == nil {
		return pipeline.NoResponse, nil
	}
	now := msg.ReceivedAt

	if dhcpwire.IsBOOTP(req) {
		return p.handleBootp(ctx, msg, req, network, now)
	}

	switch req.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		return p.handleDiscover(ctx, msg, req, network, now)
	case dhcpv4.MessageTypeRequest:
		return p.handleRequest(ctx, msg, req, network, now)
	case dhcpv4.MessageTypeDecline:
		return p.handleDecline(ctx, msg, req, network, now)
	case dhcpv4.MessageTypeRelease:
		return p.handleRelease(ctx, msg, req, network)
	case dhcpv4.MessageTypeInform:
		return p.handleInform(ctx, msg, req, network)
	default:
		return pipeline.NoResponse, nil
	}
}

func (p *statemachinePlugin) serverIdentity(network *config.NetworkConfig, msg *pipeline.MsgContext) net.IP {
	if network.ServerID != "" {
		if ip := net.ParseIP(network.ServerID); ip != nil {
			return ip.To4()
		}
	}
	if msg.LocalIP != nil {
		return msg.LocalIP.To4()
	}
	return net.IPv4zero
}

func (p *statemachinePlugin) leaseDuration(network *config.NetworkConfig, rngLease time.Duration) time.Duration {
	requested := rngLease
	if requested <= 0 {
		requested = network.DefaultLeaseTime.Duration()
	}
	return allocator.ClampLeaseDuration(requested, network.MinLeaseTime.Duration(), network.MaxLeaseTime.Duration())
}

func keyIdentity(network *config.NetworkConfig) coordination.KeyIdentity {
	return coordination.KeyIdentity{
		Family:          "v4",
		Subnet:          network.Subnet,
		IsV6:            false,
		ProbationPeriod: network.ProbationPeriod.Duration(),
	}
}

// reservationFor implements spec.md §3's reservation match: an
// IP-anchored reservation always matches its bound identity; an IP-free
// reservation matches on chaddr or a named option's value.
func reservationFor(network *config.NetworkConfig, req *dhcpv4.DHCPv4) *config.ReservationConfig {
	chaddr := req.ClientHWAddr.String()
	for i := range network.Reservations {
		r := &network.Reservations[i]
		if r.Match == nil {
			continue
		}
		if r.Match.Chaddr != "" && r.Match.Chaddr == chaddr {
			return r
		}
		if r.Match.OptionCode != 0 {
			if v := req.Options.Get(dhcpv4.GenericOptionCode(r.Match.OptionCode)); v != nil {
				if string(v) == r.Match.OptionValue {
					return r
				}
			}
		}
	}
	return nil
}

// eligibleRanges returns network's ranges in declaration order, filtered
// to those whose class binding (if any) matched for this message.
func eligibleRanges(network *config.NetworkConfig, msg *pipeline.MsgContext) []config.RangeConfig {
	var out []config.RangeConfig
	for _, r := range network.Ranges {
		if r.Class == "" || msg.HasClass(r.Class) {
			out = append(out, r)
		}
	}
	return out
}

func rangeSpec(r config.RangeConfig, network *config.NetworkConfig) (allocator.RangeSpec, error) {
	start, err := netip.ParseAddr(r.Start)
	if err != nil {
		return allocator.RangeSpec{}, err
	}
	end, err := netip.ParseAddr(r.End)
	if err != nil {
		return allocator.RangeSpec{}, err
	}
	spec := allocator.RangeSpec{
		Start:           start,
		End:             end,
		Except:          make(map[netip.Addr]bool, len(r.Except)),
		PingCheck:       network.PingCheck,
		PingTimeout:     network.PingTimeout.Duration(),
		ProbationPeriod: network.ProbationPeriod.Duration(),
	}
	for _, e := range r.Except {
		if a, err := netip.ParseAddr(e); err == nil {
			spec.Except[a] = true
		}
	}
	return spec, nil
}

// allocateDiscover implements DISCOVER's reservation-first, then
// range-scan selection, per spec.md §4.3's selection policy.
func (p *statemachinePlugin) allocateDiscover(ctx context.Context, msg *pipeline.MsgContext, req *dhcpv4.DHCPv4, network *config.NetworkConfig, now time.Time) (*lease.LeaseRecord, map[uint32]string, error) {
	id := keyIdentity(network)

	if resv := reservationFor(network, req); resv != nil && resv.IP != "" {
		dur := p.leaseDuration(network, 0)
		rec, err := p.coord.Confirm(ctx, id, func(ctx context.Context) (*lease.LeaseRecord, error) {
			return p.alloc.TryIP(ctx, network.Subnet, resv.IP, msg.ClientKey, now, dur)
		}, false)
		if err == nil {
			return rec, resv.Options, nil
		}
	}

	for _, r := range eligibleRanges(network, msg) {
		spec, err := rangeSpec(r, network)
		if err != nil {
			continue
		}
		dur := p.leaseDuration(network, r.LeaseTime.Duration())
		rec, err := p.coord.Confirm(ctx, id, func(ctx context.Context) (*lease.LeaseRecord, error) {
			return p.alloc.ReserveFirst(ctx, network.Subnet, spec, msg.ClientKey, now, dur)
		}, true)
		if err == nil {
			return rec, r.Options, nil
		}
	}

	return nil, nil, allocator.ErrPoolExhausted
}

func (p *statemachinePlugin) handleDiscover(ctx context.Context, msg *pipeline.MsgContext, req *dhcpv4.DHCPv4, network *config.NetworkConfig, now time.Time) (pipeline.Outcome, error) {
	rec, extraOpts, err := p.allocateDiscover(ctx, msg, req, network, now)
	if err != nil {
		return pipeline.NoResponse, nil
	}

	msgType := dhcpv4.MessageTypeOffer
	rapid := network.RapidCommit && req.Options.Get(dhcpv4.OptionRapidCommit) != nil
	if rapid {
		if _, err := p.coord.Confirm(ctx, keyIdentity(network), func(ctx context.Context) (*lease.LeaseRecord, error) {
			return p.alloc.TryLease(ctx, network.Subnet, rec.IP, msg.ClientKey, now, p.leaseDuration(network, 0))
		}, false); err == nil {
			msgType = dhcpv4.MessageTypeAck
		}
	}

	resp, err := dhcpwire.NewReplyV4(req, msgType)
	if err != nil {
		return pipeline.Error, err
	}
	resp.YourIPAddr = net.ParseIP(rec.IP).To4()
	p.finalizeResponse(resp, network, msg, extraOpts, nil, rec.ExpiresAt.Sub(now))
	if rapid && msgType == dhcpv4.MessageTypeAck {
		resp.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionRapidCommit, nil))
	}

	msg.Out = resp
	msg.Lease = rec
	return pipeline.Continue, nil
}

func (p *statemachinePlugin) handleRequest(ctx context.Context, msg *pipeline.MsgContext, req *dhcpv4.DHCPv4, network *config.NetworkConfig, now time.Time) (pipeline.Outcome, error) {
	serverIDOpt := req.Options.Get(dhcpv4.OptionServerIdentifier)
	requestedOpt := req.Options.Get(dhcpv4.OptionRequestedIPAddress)
	ciaddrSet := req.ClientIPAddr != nil && !req.ClientIPAddr.IsUnspecified()

	switch {
	case len(serverIDOpt) > 0 && !ciaddrSet && len(requestedOpt) == 4:
		return p.requestSelecting(ctx, msg, req, network, now, net.IP(requestedOpt).String(), net.IP(serverIDOpt))
	case len(serverIDOpt) == 0 && !ciaddrSet && len(requestedOpt) == 4:
		return p.requestInitReboot(ctx, msg, req, network, now, net.IP(requestedOpt).String())
	case ciaddrSet:
		return p.requestRenewing(ctx, msg, req, network, now, req.ClientIPAddr.String())
	default:
		return pipeline.NoResponse, nil
	}
}

func (p *statemachinePlugin) requestSelecting(ctx context.Context, msg *pipeline.MsgContext, req *dhcpv4.DHCPv4, network *config.NetworkConfig, now time.Time, requestedIP string, serverID net.IP) (pipeline.Outcome, error) {
	if !serverID.Equal(p.serverIdentity(network, msg)) {
		// SELECTING addressed to a different server: stay silent rather
		// than NAK, so as not to disrupt that server's negotiation with
		// this client.
		return pipeline.NoResponse, nil
	}

	dur := p.leaseDuration(network, 0)
	rec, err := p.coord.Confirm(ctx, keyIdentity(network), func(ctx context.Context) (*lease.LeaseRecord, error) {
		return p.alloc.TryLease(ctx, network.Subnet, requestedIP, msg.ClientKey, now, dur)
	}, false)
	if err != nil {
		return p.nak(req, network, msg)
	}
	return p.ack(req, network, msg, rec, now)
}

func (p *statemachinePlugin) requestInitReboot(ctx context.Context, msg *pipeline.MsgContext, req *dhcpv4.DHCPv4, network *config.NetworkConfig, now time.Time, requestedIP string) (pipeline.Outcome, error) {
	dur := p.leaseDuration(network, 0)
	rec, err := p.coord.Confirm(ctx, keyIdentity(network), func(ctx context.Context) (*lease.LeaseRecord, error) {
		if r, err := p.alloc.TryLease(ctx, network.Subnet, requestedIP, msg.ClientKey, now, dur); err == nil {
			return r, nil
		}
		return p.alloc.TryIP(ctx, network.Subnet, requestedIP, msg.ClientKey, now, dur)
	}, false)
	if err != nil {
		if network.Authoritative {
			return p.nak(req, network, msg)
		}
		return pipeline.NoResponse, nil
	}
	return p.ack(req, network, msg, rec, now)
}

func (p *statemachinePlugin) requestRenewing(ctx context.Context, msg *pipeline.MsgContext, req *dhcpv4.DHCPv4, network *config.NetworkConfig, now time.Time, ciaddr string) (pipeline.Outcome, error) {
	if cached, ok := p.coord.RenewFromCache(msg.ClientKey, now); ok && cached.IP == ciaddr {
		dur := p.leaseDuration(network, 0)
		rec, err := p.alloc.TryLease(ctx, network.Subnet, ciaddr, msg.ClientKey, now, dur)
		if err == nil {
			p.coord.UpdateCache(rec)
			return p.ack(req, network, msg, rec, now)
		}
	}

	dur := p.leaseDuration(network, 0)
	rec, err := p.coord.Confirm(ctx, keyIdentity(network), func(ctx context.Context) (*lease.LeaseRecord, error) {
		return p.alloc.TryLease(ctx, network.Subnet, ciaddr, msg.ClientKey, now, dur)
	}, false)
	if err != nil {
		return p.nak(req, network, msg)
	}
	return p.ack(req, network, msg, rec, now)
}

func (p *statemachinePlugin) ack(req *dhcpv4.DHCPv4, network *config.NetworkConfig, msg *pipeline.MsgContext, rec *lease.LeaseRecord, now time.Time) (pipeline.Outcome, error) {
	resp, err := dhcpwire.NewReplyV4(req, dhcpv4.MessageTypeAck)
	if err != nil {
		return pipeline.Error, err
	}
	resp.YourIPAddr = net.ParseIP(rec.IP).To4()
	p.finalizeResponse(resp, network, msg, nil, nil, rec.ExpiresAt.Sub(now))
	msg.Out = resp
	msg.Lease = rec
	return pipeline.Continue, nil
}

func (p *statemachinePlugin) nak(req *dhcpv4.DHCPv4, network *config.NetworkConfig, msg *pipeline.MsgContext) (pipeline.Outcome, error) {
	resp, err := dhcpwire.NewReplyV4(req, dhcpv4.MessageTypeNak)
	if err != nil {
		return pipeline.Error, err
	}
	resp.UpdateOption(dhcpv4.OptServerIdentifier(p.serverIdentity(network, msg)))
	msg.Out = resp
	return pipeline.Respond, nil
}

func (p *statemachinePlugin) handleDecline(ctx context.Context, msg *pipeline.MsgContext, req *dhcpv4.DHCPv4, network *config.NetworkConfig, now time.Time) (pipeline.Outcome, error) {
	requested := req.Options.Get(dhcpv4.OptionRequestedIPAddress)
	if len(requested) != 4 {
		return pipeline.NoResponse, nil
	}
	deadline := now.Add(network.ProbationPeriod.Duration())
	if err := p.coord.Decline(ctx, keyIdentity(network), network.Subnet, net.IP(requested).String(), deadline); err != nil {
		return pipeline.Error, err
	}
	return pipeline.NoResponse, nil
}

func (p *statemachinePlugin) handleRelease(ctx context.Context, msg *pipeline.MsgContext, req *dhcpv4.DHCPv4, network *config.NetworkConfig) (pipeline.Outcome, error) {
	if req.ClientIPAddr == nil || req.ClientIPAddr.IsUnspecified() {
		return pipeline.NoResponse, nil
	}
	if err := p.coord.Release(ctx, keyIdentity(network), network.Subnet, req.ClientIPAddr.String(), msg.ClientKey); err != nil {
		return pipeline.Error, err
	}
	return pipeline.NoResponse, nil
}

func (p *statemachinePlugin) handleInform(_ context.Context, msg *pipeline.MsgContext, req *dhcpv4.DHCPv4, network *config.NetworkConfig) (pipeline.Outcome, error) {
	if !network.Authoritative {
		return pipeline.NoResponse, nil
	}
	resp, err := dhcpwire.NewReplyV4(req, dhcpv4.MessageTypeAck)
	if err != nil {
		return pipeline.Error, err
	}
	resp.YourIPAddr = net.IPv4zero
	p.finalizeResponse(resp, network, msg, nil, nil, 0)
	msg.Out = resp
	return pipeline.Continue, nil
}

// handleBootp implements spec.md §4.5's BOOTP fallback: chaddr-keyed,
// infinite-lease assignment when the network permits it.
func (p *statemachinePlugin) handleBootp(ctx context.Context, msg *pipeline.MsgContext, req *dhcpv4.DHCPv4, network *config.NetworkConfig, now time.Time) (pipeline.Outcome, error) {
	if !network.BootpEnable {
		return pipeline.NoResponse, nil
	}
	rec, extraOpts, err := p.allocateDiscover(ctx, msg, req, network, now)
	if err != nil {
		return pipeline.NoResponse, nil
	}
	if _, err := p.coord.Confirm(ctx, keyIdentity(network), func(ctx context.Context) (*lease.LeaseRecord, error) {
		return p.alloc.TryLease(ctx, network.Subnet, rec.IP, msg.ClientKey, now, 0)
	}, false); err != nil {
		return pipeline.NoResponse, nil
	}

	resp := dhcpwire.NewBOOTPReply(req)
	resp.YourIPAddr = net.ParseIP(rec.IP).To4()
	p.finalizeResponse(resp, network, msg, extraOpts, nil, 0)
	msg.Out = resp
	msg.Lease = rec
	return pipeline.Continue, nil
}

// finalizeResponse merges and applies class/range/reservation options,
// lease time, and server identity onto resp. The hostoptions plugin runs
// afterward to layer in per-host sname/fname/siaddr overrides.
func (p *statemachinePlugin) finalizeResponse(resp *dhcpv4.DHCPv4, network *config.NetworkConfig, msg *pipeline.MsgContext, rngOpts, resvOpts map[uint32]string, leaseDuration time.Duration) {
	opts := mergeOptions(p.classifyReg, msg.Classes, network.Options, rngOpts, resvOpts)
	applyOptions(resp, opts)
	if leaseDuration > 0 {
		resp.UpdateOption(dhcpv4.OptIPAddressLeaseTime(leaseDuration))
	}
	resp.UpdateOption(dhcpv4.OptServerIdentifier(p.serverIdentity(network, msg)))
	if network.ServerName != "" {
		resp.ServerHostName = network.ServerName
	}
	if network.FileName != "" {
		resp.BootFileName = network.FileName
	}

	msg.Broadcast = req4Broadcast(resp)
}

// req4Broadcast returns the client's broadcast flag, which
// NewReplyFromRequest copies from the request into resp. It is only the
// hint for spec.md §4.5's broadcast rule (RFC 2131 §4.1): the listener's
// v4ReplyAddr tries giaddr and ciaddr before the flag and yiaddr after it.
// Listener overrides this to unconditional unicast on a non-default bind
// port.
func req4Broadcast(resp *dhcpv4.DHCPv4) bool {
	return resp.IsBroadcast()
}
