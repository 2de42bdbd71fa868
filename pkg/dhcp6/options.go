package dhcp6

import (
	"net"
	"strings"

	"github.com/insomniacslk/dhcp/dhcpv6"

	"github.com/dorad-project/dorad/pkg/classify"
)

// mergeOptions is pkg/dhcp4's option-precedence rule (network < class <
// range < reservation) applied to the v6 option-code space.
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
// well-known DHCPv6 option codes (23 DNS, 59 bootfile URL, 60 bootfile
// param) and falling back to a generic option otherwise.
func applyOptions(resp *dhcpv6.Message, opts map[uint32]string) {
	for code, val := range opts {
		switch code {
		case 23: // OPTION_DNS_SERVERS
			resp.UpdateOption(dhcpv6.OptDNS(parseIPList(val)...))
		case 59: // OPTION_BOOTFILE_URL
			resp.UpdateOption(dhcpv6.OptBootFileURL(val))
		case 60: // OPTION_BOOTFILE_PARAM
			resp.UpdateOption(dhcpv6.OptBootFileParam(val))
		default:
			resp.UpdateOption(&dhcpv6.OptionGeneric{
				OptionCode: dhcpv6.OptionCode(uint16(code)),
				OptionData: []byte(val),
			})
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
