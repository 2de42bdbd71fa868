package dhcp4

import (
	"context"
	"log/slog"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/dorad-project/dorad/pkg/ddns"
	"github.com/dorad-project/dorad/pkg/logger"
	"github.com/dorad-project/dorad/pkg/pipeline"
)

// ddnsPlugin dispatches the forward/reverse update spec.md §4.9 names
// once a lease has been confirmed, honoring the client's FQDN option (81)
// flags when present.
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
	resp, ok := msg.Out.(*dhcpv4.DHCPv4)
	if !ok || resp == nil || msg.Lease == nil {
		return pipeline.Continue, nil
	}
	req := msg.In.(*dhcpv4.DHCPv4)

	fqdn := fqdnFor(req)
	if fqdn == "" {
		return pipeline.Continue, nil
	}

	if raw := req.Options.Get(dhcpv4.GenericOptionCode(81)); len(raw) >= 1 {
		flags := ddns.DecodeFQDNFlags(raw[0])
		if flags.NoUpdate {
			return pipeline.Continue, nil
		}
	}

	if err := p.client.UpdateForward(ctx, fqdn, resp.YourIPAddr, p.ttl); err != nil {
		p.log.Warn("forward ddns update failed", "fqdn", fqdn, "error", err)
		return pipeline.Continue, nil
	}
	if err := p.client.UpdateReverse(ctx, resp.YourIPAddr, fqdn, p.ttl); err != nil {
		p.log.Warn("reverse ddns update failed", "fqdn", fqdn, "error", err)
	}
	return pipeline.Continue, nil
}

// fqdnFor extracts a hostname to update from option 12 (Host Name) or
// option 81 (Client FQDN)'s trailing name field, whichever is present.
func fqdnFor(req *dhcpv4.DHCPv4) string {
	if v := req.Options.Get(dhcpv4.OptionHostName); len(v) > 0 {
		return string(v)
	}
	if v := req.Options.Get(dhcpv4.GenericOptionCode(81)); len(v) > 3 {
		return string(v[3:])
	}
	return ""
}
