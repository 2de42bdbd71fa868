package dhcp6

import (
	"context"
	"hash/fnv"
	"math/big"
	"net"
	"net/netip"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"

	"github.com/dorad-project/dorad/pkg/allocator"
	"github.com/dorad-project/dorad/pkg/classify"
	"github.com/dorad-project/dorad/pkg/config"
	"github.com/dorad-project/dorad/pkg/coordination"
	"github.com/dorad-project/dorad/pkg/dhcpwire"
	"github.com/dorad-project/dorad/pkg/lease"
	"github.com/dorad-project/dorad/pkg/pipeline"
)

// statemachinePlugin implements spec.md §4.6: SOLICIT/REQUEST/RENEW/
// REBIND/DECLINE/RELEASE/INFORMATION-REQUEST, DUID+IAID keying, and Rapid
// Commit collapse, generalizing pkg/dhcp4's statemachinePlugin to the v6
// message set.
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
	req := msg.In.(*dhcpv6.Message)
	network := msg.Network
	if network == nil {
		return pipeline.NoResponse, nil
	}
	now := msg.ReceivedAt

	switch req.MessageType {
	case dhcpv6.MessageTypeSolicit:
		return p.handleSolicit(ctx, msg, req, network, now)
	case dhcpv6.MessageTypeRequest:
		return p.handleRequest(ctx, msg, req, network, now)
	case dhcpv6.MessageTypeRenew, dhcpv6.MessageTypeRebind:
		return p.handleRenew(ctx, msg, req, network, now)
	case dhcpv6.MessageTypeDecline:
		return p.handleDecline(ctx, msg, req, network, now)
	case dhcpv6.MessageTypeRelease:
		return p.handleRelease(ctx, msg, req, network)
	case dhcpv6.MessageTypeInformationRequest:
		return p.handleInformationRequest(ctx, msg, req, network)
	default:
		return pipeline.NoResponse, nil
	}
}

func keyIdentity(network *config.NetworkConfig, duid string, iaid uint32) coordination.KeyIdentity {
	return coordination.KeyIdentity{
		Family:          "v6",
		Subnet:          network.Subnet,
		IsV6:            true,
		DUID:            duid,
		IAID:            iaid,
		ProbationPeriod: network.ProbationPeriod.Duration(),
	}
}

func (p *statemachinePlugin) leaseDuration(network *config.NetworkConfig, rngLease time.Duration) time.Duration {
	requested := rngLease
	if requested <= 0 {
		requested = network.DefaultLeaseTime.Duration()
	}
	return allocator.ClampLeaseDuration(requested, network.MinLeaseTime.Duration(), network.MaxLeaseTime.Duration())
}

// reservationFor returns the first reservation whose Match fits the client:
// its DUID (stored in the shared config schema's Match.Chaddr field for v6
// networks) or a named option's value. Reservations without a Match are
// skipped; the result may carry an IP or not, and allocateSolicit uses it
// only when it carries one.
func reservationFor(network *config.NetworkConfig, duidHex string, req *dhcpv6.Message) *config.ReservationConfig {
	for i := range network.Reservations {
		r := &network.Reservations[i]
		if r.Match == nil {
			continue
		}
		if r.Match.Chaddr != "" && r.Match.Chaddr == duidHex {
			return r
		}
		if r.Match.OptionCode != 0 {
			if opt := req.GetOneOption(dhcpv6.OptionCode(uint16(r.Match.OptionCode))); opt != nil {
				if string(opt.ToBytes()) == r.Match.OptionValue {
					return r
				}
			}
		}
	}
	return nil
}

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

// iaAddrHint extracts the client's IA_ADDR hint from an IA_NA, if any.
func iaAddrHint(req *dhcpv6.Message) net.IP {
	ia := req.Options.OneIANA()
	if ia == nil {
		return nil
	}
	for _, opt := range ia.Options.Options {
		if addr, ok := opt.(*dhcpv6.OptIAAddress); ok {
			return addr.IPv6Addr
		}
	}
	return nil
}

// hashCandidate implements spec.md §4.6's "deterministic choice via a
// fixed hash of (subnet, duid, iaid)" address-distribution rule: hash the
// identity tuple into an offset within [start, end] so successive clients
// spread across the range rather than clustering at its head.
func hashCandidate(spec allocator.RangeSpec, subnet, duidHex string, iaid uint32) (netip.Addr, bool) {
	span := addrSpan(spec.Start, spec.End)
	if span.Sign() <= 0 {
		return spec.Start, true
	}
	h := fnv.New64a()
	h.Write([]byte(subnet))
	h.Write([]byte(duidHex))
	h.Write([]byte{byte(iaid), byte(iaid >> 8), byte(iaid >> 16), byte(iaid >> 24)})
	offset := new(big.Int).Mod(new(big.Int).SetUint64(h.Sum64()), new(big.Int).Add(span, big.NewInt(1)))
	return addrAdd(spec.Start, offset)
}

func addrSpan(start, end netip.Addr) *big.Int {
	s := new(big.Int).SetBytes(start.AsSlice())
	e := new(big.Int).SetBytes(end.AsSlice())
	return new(big.Int).Sub(e, s)
}

func addrAdd(start netip.Addr, offset *big.Int) (netip.Addr, bool) {
	sum := new(big.Int).Add(new(big.Int).SetBytes(start.AsSlice()), offset)
	buf := sum.Bytes()
	full := make([]byte, len(start.AsSlice()))
	copy(full[len(full)-len(buf):], buf)
	a, ok := netip.AddrFromSlice(full)
	return a, ok
}

// allocateSolicit implements spec.md §4.6's SOLICIT selection order:
// reservation, then the client's IA_ADDR hint if valid, then a
// deterministic hash-distributed candidate, then an ascending scan.
func (p *statemachinePlugin) allocateSolicit(ctx context.Context, msg *pipeline.MsgContext, req *dhcpv6.Message, network *config.NetworkConfig, now time.Time) (*lease.LeaseRecord, map[uint32]string, error) {
	id := keyIdentity(network, msg.DUID, msg.IAID)
	dur := p.leaseDuration(network, 0)

	if resv := reservationFor(network, msg.DUID, req); resv != nil && resv.IP != "" {
		rec, err := p.coord.Confirm(ctx, id, func(ctx context.Context) (*lease.LeaseRecord, error) {
			return p.alloc.TryIP(ctx, network.Subnet, resv.IP, msg.ClientKey, now, dur)
		}, false)
		if err == nil {
			return rec, resv.Options, nil
		}
	}

	ranges := eligibleRanges(network, msg)

	if hint := iaAddrHint(req); hint != nil {
		if a, ok := netip.AddrFromSlice(hint.To16()); ok {
			for _, r := range ranges {
				spec, err := rangeSpec(r, network)
				if err != nil {
					continue
				}
				if a.Compare(spec.Start) >= 0 && a.Compare(spec.End) <= 0 {
					dur := p.leaseDuration(network, r.LeaseTime.Duration())
					rec, err := p.coord.Confirm(ctx, id, func(ctx context.Context) (*lease.LeaseRecord, error) {
						return p.alloc.TryIP(ctx, network.Subnet, a.String(), msg.ClientKey, now, dur)
					}, false)
					if err == nil {
						return rec, r.Options, nil
					}
					break
				}
			}
		}
	}

	for _, r := range ranges {
		spec, err := rangeSpec(r, network)
		if err != nil {
			continue
		}
		if candidate, ok := hashCandidate(spec, network.Subnet, msg.DUID, msg.IAID); ok {
			dur := p.leaseDuration(network, r.LeaseTime.Duration())
			rec, err := p.coord.Confirm(ctx, id, func(ctx context.Context) (*lease.LeaseRecord, error) {
				return p.alloc.TryIP(ctx, network.Subnet, candidate.String(), msg.ClientKey, now, dur)
			}, false)
			if err == nil {
				return rec, r.Options, nil
			}
		}
	}

	for _, r := range ranges {
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

func (p *statemachinePlugin) handleSolicit(ctx context.Context, msg *pipeline.MsgContext, req *dhcpv6.Message, network *config.NetworkConfig, now time.Time) (pipeline.Outcome, error) {
	rec, extraOpts, err := p.allocateSolicit(ctx, msg, req, network, now)
	if err != nil {
		return pipeline.NoResponse, nil
	}

	rapid := network.RapidCommit && req.GetOneOption(dhcpv6.OptionRapidCommit) != nil
	if rapid {
		if _, err := p.coord.Confirm(ctx, keyIdentity(network, msg.DUID, msg.IAID), func(ctx context.Context) (*lease.LeaseRecord, error) {
			return p.alloc.TryLease(ctx, network.Subnet, rec.IP, msg.ClientKey, now, p.leaseDuration(network, 0))
		}, false); err != nil {
			rapid = false
		}
	}

	resp, err := dhcpwire.NewAdvertiseOrReply(req, rapid)
	if err != nil {
		return pipeline.Error, err
	}
	p.attachIA(resp, req, network, msg, rec, extraOpts, now)
	if rapid {
		resp.UpdateOption(&dhcpv6.OptionGeneric{OptionCode: dhcpv6.OptionRapidCommit})
	}

	msg.Out = resp
	msg.Lease = rec
	return pipeline.Continue, nil
}

func (p *statemachinePlugin) handleRequest(ctx context.Context, msg *pipeline.MsgContext, req *dhcpv6.Message, network *config.NetworkConfig, now time.Time) (pipeline.Outcome, error) {
	hint := iaAddrHint(req)
	if hint == nil {
		return pipeline.NoResponse, nil
	}
	dur := p.leaseDuration(network, 0)
	rec, err := p.coord.Confirm(ctx, keyIdentity(network, msg.DUID, msg.IAID), func(ctx context.Context) (*lease.LeaseRecord, error) {
		return p.alloc.TryLease(ctx, network.Subnet, hint.String(), msg.ClientKey, now, dur)
	}, false)
	if err != nil {
		return p.statusReply(req, network, msg, iana.StatusNoBinding)
	}
	return p.reply(req, network, msg, rec, now)
}

func (p *statemachinePlugin) handleRenew(ctx context.Context, msg *pipeline.MsgContext, req *dhcpv6.Message, network *config.NetworkConfig, now time.Time) (pipeline.Outcome, error) {
	hint := iaAddrHint(req)
	if hint == nil {
		return pipeline.NoResponse, nil
	}
	ip := hint.String()

	if cached, ok := p.coord.RenewFromCache(msg.ClientKey, now); ok && cached.IP == ip {
		dur := p.leaseDuration(network, 0)
		rec, err := p.alloc.TryLease(ctx, network.Subnet, ip, msg.ClientKey, now, dur)
		if err == nil {
			p.coord.UpdateCache(rec)
			return p.reply(req, network, msg, rec, now)
		}
	}

	dur := p.leaseDuration(network, 0)
	rec, err := p.coord.Confirm(ctx, keyIdentity(network, msg.DUID, msg.IAID), func(ctx context.Context) (*lease.LeaseRecord, error) {
		return p.alloc.TryLease(ctx, network.Subnet, ip, msg.ClientKey, now, dur)
	}, false)
	if err != nil {
		return p.statusReply(req, network, msg, iana.StatusNoBinding)
	}
	return p.reply(req, network, msg, rec, now)
}

func (p *statemachinePlugin) reply(req *dhcpv6.Message, network *config.NetworkConfig, msg *pipeline.MsgContext, rec *lease.LeaseRecord, now time.Time) (pipeline.Outcome, error) {
	resp, err := dhcpwire.NewReplyV6(req)
	if err != nil {
		return pipeline.Error, err
	}
	p.attachIA(resp, req, network, msg, rec, nil, now)
	msg.Out = resp
	msg.Lease = rec
	return pipeline.Continue, nil
}

// statusReply builds a REPLY carrying an IA with only a status code, per
// RFC 8415 §18.3.{2,4}'s "no binding" handling for REQUEST/RENEW.
func (p *statemachinePlugin) statusReply(req *dhcpv6.Message, network *config.NetworkConfig, msg *pipeline.MsgContext, status iana.StatusCode) (pipeline.Outcome, error) {
	resp, err := dhcpwire.NewReplyV6(req)
	if err != nil {
		return pipeline.Error, err
	}
	var iaid uint32
	if ia := req.Options.OneIANA(); ia != nil {
		iaid = iaIDToUint32(ia.IaId)
	}
	resp.AddOption(&dhcpv6.OptIANA{
		IaId: uint32ToIaID(iaid),
		Options: dhcpv6.IdentityOptions{Options: []dhcpv6.Option{
			&dhcpv6.OptStatusCode{StatusCode: status},
		}},
	})
	msg.Out = resp
	return pipeline.Respond, nil
}

func (p *statemachinePlugin) handleDecline(ctx context.Context, msg *pipeline.MsgContext, req *dhcpv6.Message, network *config.NetworkConfig, now time.Time) (pipeline.Outcome, error) {
	hint := iaAddrHint(req)
	if hint == nil {
		return pipeline.NoResponse, nil
	}
	deadline := now.Add(network.ProbationPeriod.Duration())
	if err := p.coord.Decline(ctx, keyIdentity(network, msg.DUID, msg.IAID), network.Subnet, hint.String(), deadline); err != nil {
		return pipeline.Error, err
	}
	return pipeline.NoResponse, nil
}

func (p *statemachinePlugin) handleRelease(ctx context.Context, msg *pipeline.MsgContext, req *dhcpv6.Message, network *config.NetworkConfig) (pipeline.Outcome, error) {
	hint := iaAddrHint(req)
	if hint == nil {
		return pipeline.NoResponse, nil
	}
	if err := p.coord.Release(ctx, keyIdentity(network, msg.DUID, msg.IAID), network.Subnet, hint.String(), msg.ClientKey); err != nil {
		return pipeline.Error, err
	}
	return pipeline.NoResponse, nil
}

func (p *statemachinePlugin) handleInformationRequest(_ context.Context, msg *pipeline.MsgContext, req *dhcpv6.Message, network *config.NetworkConfig) (pipeline.Outcome, error) {
	if !network.Authoritative {
		return pipeline.NoResponse, nil
	}
	resp, err := dhcpwire.NewReplyV6(req)
	if err != nil {
		return pipeline.Error, err
	}
	opts := mergeOptions(p.classifyReg, msg.Classes, network.Options, nil, nil)
	applyOptions(resp, opts)
	msg.Out = resp
	return pipeline.Continue, nil
}

// attachIA merges class/range/reservation options onto resp and adds the
// IA_NA carrying rec's address and lifetimes, mirroring pkg/dhcp4's
// finalizeResponse.
func (p *statemachinePlugin) attachIA(resp *dhcpv6.Message, req *dhcpv6.Message, network *config.NetworkConfig, msg *pipeline.MsgContext, rec *lease.LeaseRecord, extraOpts map[uint32]string, now time.Time) {
	opts := mergeOptions(p.classifyReg, msg.Classes, network.Options, extraOpts, nil)
	applyOptions(resp, opts)

	addr := net.ParseIP(rec.IP)
	valid := rec.ExpiresAt.Sub(now)
	if valid <= 0 {
		valid = network.DefaultLeaseTime.Duration()
	}
	preferred := valid / 2

	var iaid uint32
	if ia := req.Options.OneIANA(); ia != nil {
		iaid = iaIDToUint32(ia.IaId)
	}
	resp.AddOption(&dhcpv6.OptIANA{
		IaId: uint32ToIaID(iaid),
		Options: dhcpv6.IdentityOptions{Options: []dhcpv6.Option{
			&dhcpv6.OptIAAddress{
				IPv6Addr:          addr,
				PreferredLifetime: preferred,
				ValidLifetime:     valid,
			},
		}},
	})
}
