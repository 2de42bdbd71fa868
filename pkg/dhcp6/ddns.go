package dhcp6

import (
	"context"
	"log/slog"

	"github.com/insomniacslk/dhcp/dhcpv6"

	"github.com/dorad-project/dorad/pkg/ddns"
	"github.com/dorad-project/dorad/pkg/logger"
	"github.com/dorad-project/dorad/pkg/pipeline"
)

const optionClientFQDN = dhcpv6.OptionCode(39)

// ddnsPlugin is pkg/dhcp4's ddnsPlugin generalized to RFC 4704's Client
// FQDN option (39), which DHCPv6 encodes as a flags octet followed by a
// DNS-wire-format name rather than v4 option 81's raw text tail.
type ddnsPlugin struct {
	client ddns.Client
	ttl    uint32
	log    *slog.Logger
}

func newDDNSPlugin(client ddns.Client) *ddnsPlugin {
	return &ddnsPlugin{client: client, ttl: 3600, log: logger.Component(logger.ComponentDDNS)}
}

func (p *ddnsPlugin) Name() string           { return "ddns" }
func (p *ddnsPlugin) Prerequisites() []string { return []string{"hostoptions"} }

func (p *ddnsPlugin) Handle(ctx context.Context, msg *pipeline.MsgContext) (pipeline.Outcome, error) {
	resp, ok := msg.Out.(*dhcpv6.Message)
	if !ok || resp == nil || msg.Lease == nil {
		return pipeline.Continue, nil
	}
	req := msg.In.(*dhcpv6.Message)

	opt := req.GetOneOption(optionClientFQDN)
	if opt == nil {
		return pipeline.Continue, nil
	}
	raw := opt.ToBytes()
	if len(raw) < 2 {
		return pipeline.Continue, nil
	}
	if ddns.DecodeFQDNFlags(raw[0]).NoUpdate {
		return pipeline.Continue, nil
	}
	fqdn := decodeDNSName(raw[1:])
	if fqdn == "" {
		return pipeline.Continue, nil
	}

	ip := iaAddrHint(resp)
	if ip == nil {
		return pipeline.Continue, nil
	}

	if err := p.client.UpdateForward(ctx, fqdn, ip, p.ttl); err != nil {
		p.log.Warn("forward ddns update failed", "fqdn", fqdn, "error", err)
		return pipeline.Continue, nil
	}
	if err := p.client.UpdateReverse(ctx, ip, fqdn, p.ttl); err != nil {
		p.log.Warn("reverse ddns update failed", "fqdn", fqdn, "error", err)
	}
	return pipeline.Continue, nil
}

// decodeDNSName reads a DNS-wire-format name (length-prefixed labels
// terminated by a zero-length label), the encoding RFC 4704 mandates for
// option 39's domain-name field.
func decodeDNSName(b []byte) string {
	var out []byte
	for i := 0; i < len(b); {
		n := int(b[i])
		if n == 0 {
			break
		}
		i++
		if i+n > len(b) {
			break
		}
		if len(out) > 0 {
			out = append(out, '.')
		}
		out = append(out, b[i:i+n]...)
		i += n
	}
	return string(out)
}
