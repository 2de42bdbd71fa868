package dhcp6

import (
	"context"

	"github.com/insomniacslk/dhcp/dhcpv6"

	"github.com/dorad-project/dorad/pkg/pipeline"
)

// finalizePlugin is pkg/dhcp4's finalizePlugin: confirm a response was
// built and signal Respond, otherwise NoResponse.
type finalizePlugin struct{}

func newFinalizePlugin() *finalizePlugin { return &finalizePlugin{} }

func (p *finalizePlugin) Name() string           { return "finalize" }
func (p *finalizePlugin) Prerequisites() []string { return []string{"ddns"} }

func (p *finalizePlugin) Handle(_ context.Context, msg *pipeline.MsgContext) (pipeline.Outcome, error) {
	if resp, ok := msg.Out.(*dhcpv6.Message); !ok || resp == nil {
		return pipeline.NoResponse, nil
	}
	return pipeline.Respond, nil
}
