package dhcp4

import (
	"context"
	"net/netip"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/dorad-project/dorad/pkg/config"
	"github.com/dorad-project/dorad/pkg/pipeline"
)

// resolvePlugin implements spec.md §4.5's subnet-selection and
// client_key rules: it is the "msg-type-shaper" stage of the standard v4
// order (classify -> msg-type-shaper -> static/reservation -> ...).
type resolvePlugin struct {
	networks []*config.NetworkConfig
}

func newResolvePlugin(networks []*config.NetworkConfig) *resolvePlugin {
	return &resolvePlugin{networks: networks}
}

func (p *resolvePlugin) Name() string             { return "resolve" }
func (p *resolvePlugin) Prerequisites() []string   { return []string{"classify"} }

func (p *resolvePlugin) Handle(ctx context.Context, msg *pipeline.MsgContext) (pipeline.Outcome, error) {
	req := msg.In.(*dhcpv4.DHCPv4)

	addr, ok := selectionAddress(req, msg)
	if !ok {
		return pipeline.NoResponse, nil
	}

	network := networkFor(p.networks, addr)
	if network == nil {
		return pipeline.NoResponse, nil
	}

	msg.Network = network
	msg.Subnet = network.Subnet
	msg.ClientKey = clientKey(req, network.ChaddrOnly)
	return pipeline.Continue, nil
}

// selectionAddress implements the giaddr / RFC 3527 / RFC 3011 / arrival
// interface fallback chain spec.md §4.5 names, in that priority order.
func selectionAddress(req *dhcpv4.DHCPv4, msg *pipeline.MsgContext) (netip.Addr, bool) {
	if giaddr := req.GatewayIPAddr; giaddr != nil && !giaddr.IsUnspecified() {
		if a, ok := netip.AddrFromSlice(giaddr.To4()); ok {
			return a, true
		}
	}

	if raw := req.Options.Get(dhcpv4.OptionRelayAgentInformation); len(raw) > 0 {
		if ip, ok := relayLinkSelection(raw); ok {
			return ip, true
		}
	}

	if raw := req.Options.Get(dhcpv4.GenericOptionCode(118)); len(raw) == 4 {
		if a, ok := netip.AddrFromSlice(raw); ok {
			return a, true
		}
	}

	if msg.LocalIP != nil {
		if a, ok := netip.AddrFromSlice(msg.LocalIP.To4()); ok {
			return a, true
		}
	}

	return netip.Addr{}, false
}

// relayLinkSelection parses the RFC 3527 Link Selection sub-option (code
// 5) out of a raw relay agent information (option 82) TLV blob.
func relayLinkSelection(raw []byte) (netip.Addr, bool) {
	for i := 0; i+2 <= len(raw); {
		subCode := raw[i]
		subLen := int(raw[i+1])
		if i+2+subLen > len(raw) {
			break
		}
		val := raw[i+2 : i+2+subLen]
		if subCode == 5 && subLen == 4 {
			if a, ok := netip.AddrFromSlice(val); ok {
				return a, true
			}
		}
		i += 2 + subLen
	}
	return netip.Addr{}, false
}

// networkFor returns the first configured network whose subnet CIDR
// contains addr.
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
