package dhcp4

import (
	"context"
	"net"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/dorad-project/dorad/pkg/coordination"
	"github.com/dorad-project/dorad/pkg/hostopts"
	"github.com/dorad-project/dorad/pkg/pipeline"
)

// hostoptionsPlugin layers spec.md §4.7's per-host overrides onto the
// response built by the state machine: boot_file/next_server/server_name.
// A miss silently leaves the config-derived defaults already applied.
type hostoptionsPlugin struct {
	kv coordination.KV
}

func newHostoptionsPlugin(kv coordination.KV) *hostoptionsPlugin {
	return &hostoptionsPlugin{kv: kv}
}

func (p *hostoptionsPlugin) Name() string           { return "hostoptions" }
func (p *hostoptionsPlugin) Prerequisites() []string { return []string{"statemachine"} }

func (p *hostoptionsPlugin) Handle(ctx context.Context, msg *pipeline.MsgContext) (pipeline.Outcome, error) {
	resp, ok := msg.Out.(*dhcpv4.DHCPv4)
	if !ok || resp == nil {
		return pipeline.Continue, nil
	}
	req := msg.In.(*dhcpv4.DHCPv4)

	clientID := req.Options.Get(dhcpv4.OptionClientIdentifier)
	override, found, err := hostopts.LookupV4(ctx, p.kv, msg.Subnet, clientID, req.ClientHWAddr)
	if err != nil {
		return pipeline.Error, err
	}
	if !found {
		return pipeline.Continue, nil
	}

	if override.BootFile != "" {
		resp.BootFileName = override.BootFile
	}
	if override.ServerName != "" {
		resp.ServerHostName = override.ServerName
	}
	if override.NextServer != "" {
		if ip := net.ParseIP(override.NextServer); ip != nil {
			resp.ServerIPAddr = ip.To4()
		}
	}
	return pipeline.Continue, nil
}
