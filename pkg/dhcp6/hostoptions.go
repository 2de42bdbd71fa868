package dhcp6

import (
	"context"

	"github.com/insomniacslk/dhcp/dhcpv6"

	"github.com/dorad-project/dorad/pkg/coordination"
	"github.com/dorad-project/dorad/pkg/hostopts"
	"github.com/dorad-project/dorad/pkg/pipeline"
)

// hostoptionsPlugin is pkg/dhcp4's hostoptionsPlugin keyed on DUID+IAID
// instead of client-id/MAC, via hostopts.LookupV6.
type hostoptionsPlugin struct {
	kv coordination.KV
}

func newHostoptionsPlugin(kv coordination.KV) *hostoptionsPlugin {
	return &hostoptionsPlugin{kv: kv}
}

func (p *hostoptionsPlugin) Name() string           { return "hostoptions" }
func (p *hostoptionsPlugin) Prerequisites() []string { return []string{"statemachine"} }

func (p *hostoptionsPlugin) Handle(ctx context.Context, msg *pipeline.MsgContext) (pipeline.Outcome, error) {
	resp, ok := msg.Out.(*dhcpv6.Message)
	if !ok || resp == nil {
		return pipeline.Continue, nil
	}

	override, found, err := hostopts.LookupV6(ctx, p.kv, msg.Subnet, msg.DUID, msg.IAID)
	if err != nil {
		return pipeline.Error, err
	}
	if !found {
		return pipeline.Continue, nil
	}

	if override.BootFileURL != "" {
		resp.UpdateOption(dhcpv6.OptBootFileURL(override.BootFileURL))
	}
	if override.BootFileParam != "" {
		resp.UpdateOption(dhcpv6.OptBootFileParam(override.BootFileParam))
	}
	return pipeline.Continue, nil
}
