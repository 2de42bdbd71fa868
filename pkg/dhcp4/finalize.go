package dhcp4

import (
	"context"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/dorad-project/dorad/pkg/pipeline"
)

// finalizePlugin is the last stage of the standard v4 order. By the time
// it runs, the response has its options merged, host-option overrides
// applied, and any DDNS update dispatched; it only needs to confirm a
// response was actually built before signalling Respond to the dispatcher.
type finalizePlugin struct{}

func newFinalizePlugin() *finalizePlugin { return &finalizePlugin{} }

func (p *finalizePlugin) Name() string           { return "finalize" }
func (p *finalizePlugin) Prerequisites() []string { return []string{"ddns"} }

func (p *finalizePlugin) Handle(_ context.Context, msg *pipeline.MsgContext) (pipeline.Outcome, error) {
	if resp, ok := msg.Out.(*dhcpv4.DHCPv4); !ok || resp == nil {
		return pipeline.NoResponse, nil
	}
	return pipeline.Respond, nil
}
