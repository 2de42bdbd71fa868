package dhcp4

import (
	"net"
	"strings"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/dorad-project/dorad/pkg/classify"
)

// mergeOptions implements spec.md §4.5/§9's option-precedence rule:
// network default < class < range < reservation, with matching classes
// composing as a union in the order they matched (§9's confirmed reading
// of the source).
func mergeOptions(reg *classify.Registry, classes []string, network map[uint32]string, rng map[uint32]string, resv map[uint32]string) map[uint32]string {
	merged := make(map[uint32]string)
	for k, v := range network {
		merged[k] = v
	}
	if reg != nil {
		for _, name := range classes {
			if c := reg.Get(name); c != nil {
				for k, v := range c.Options {
					merged[k] = v
				}
			}
		}
	}
	for k, v := range rng {
		merged[k] = v
	}
	for k, v := range resv {
		merged[k] = v
	}
	return merged
}

// applyOptions writes each entry of opts onto resp, special-casing the
// well-known codes the DHCPv4 header/options structure names directly and
// falling back to a generic option for everything else.
func applyOptions(resp *dhcpv4.DHCPv4, opts map[uint32]string) {
	for code, val := range opts {
		switch code {
		case 1: // subnet mask
			if ip := net.ParseIP(val); ip != nil {
				resp.UpdateOption(dhcpv4.OptSubnetMask(net.IPMask(ip.To4())))
			}
		case 3: // router
			resp.UpdateOption(dhcpv4.OptRouter(parseIPList(val)...))
		case 6: // domain name server
			resp.UpdateOption(dhcpv4.OptDNS(parseIPList(val)...))
		case 15: // domain name
			resp.UpdateOption(dhcpv4.OptDomainName(val))
		default:
			resp.UpdateOption(dhcpv4.OptGeneric(dhcpv4.GenericOptionCode(code), []byte(val)))
		}
	}
}

func parseIPList(val string) []net.IP {
	var ips []net.IP
	for _, part := range strings.Split(val, ",") {
		part = strings.TrimSpace(part)
		if ip := net.ParseIP(part); ip != nil {
			ips = append(ips, ip)
		}
	}
	return ips
}
