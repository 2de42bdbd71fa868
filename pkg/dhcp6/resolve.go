package dhcp6

import (
	"context"
	"encoding/hex"
	"net"
	"net/netip"

	"github.com/insomniacslk/dhcp/dhcpv6"

	"github.com/dorad-project/dorad/pkg/config"
	"github.com/dorad-project/dorad/pkg/pipeline"
)

// resolvePlugin implements spec.md §4.6's subnet-selection and client
// keying rules for DHCPv6, mirroring pkg/dhcp4's resolvePlugin.
type resolvePlugin struct {
	networks []*config.NetworkConfig
}

func newResolvePlugin(networks []*config.NetworkConfig) *resolvePlugin {
	return &resolvePlugin{networks: networks}
}

func (p *resolvePlugin) Name() string             { return "resolve" }
func (p *resolvePlugin) Prerequisites() []string { return []string{"classify"} }

func (p *resolvePlugin) Handle(_ context.Context, msg *pipeline.MsgContext) (pipeline.Outcome, error) {
	req := msg.In.(*dhcpv6.Message)

	network := p.selectNetwork(msg)
	if network == nil {
		return pipeline.NoResponse, nil
	}

	duid := req.Options.ClientID()
	if duid == nil {
		return pipeline.NoResponse, nil
	}
	duidHex := hex.EncodeToString(duid.ToBytes())

	var iaid uint32
	if ia := req.Options.OneIANA(); ia != nil {
		iaid = iaIDToUint32(ia.IaId)
	}

	msg.Network = network
	msg.Subnet = network.Subnet
	msg.DUID = duidHex
	msg.IAID = iaid
	msg.ClientKey = clientKey(duidHex, iaid)
	return pipeline.Continue, nil
}

// selectNetwork implements spec.md §4.6's chain: a relaying agent's
// link-address hint first (the v6 analogue of v4's giaddr), then the
// message's source address, then the interface of arrival.
func (p *resolvePlugin) selectNetwork(msg *pipeline.MsgContext) *config.NetworkConfig {
	if relay, ok := msg.Outer.(*dhcpv6.RelayMessage); ok && relay.LinkAddr != nil && !relay.LinkAddr.IsUnspecified() {
		if a, ok := netip.AddrFromSlice(relay.LinkAddr.To16()); ok {
			if n := networkFor(p.networks, a); n != nil {
				return n
			}
		}
	}

	if udpAddr, ok := msg.SrcAddr.(*net.UDPAddr); ok && udpAddr.IP != nil {
		if a, ok := netip.AddrFromSlice(udpAddr.IP.To16()); ok {
			if n := networkFor(p.networks, a); n != nil {
				return n
			}
		}
	}

	if msg.Iface != "" {
		for _, n := range p.networks {
			for _, iface := range n.Interfaces {
				if iface == msg.Iface {
					return n
				}
			}
		}
	}

	return nil
}

func networkFor(networks []*config.NetworkConfig, addr netip.Addr) *config.NetworkConfig {
	for _, n := range networks {
		prefix, err := netip.ParsePrefix(n.Subnet)
		if err != nil {
			continue
		}
		if prefix.Contains(addr) {
			return n
		}
	}
	return nil
}
