package dhcp4

import (
	"context"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/dorad-project/dorad/pkg/classify"
	"github.com/dorad-project/dorad/pkg/pipeline"
)

// classifyPlugin runs the configured class expressions against the
// inbound message, per spec.md §4.2, and attaches the matched set to the
// MsgContext for every downstream stage.
type classifyPlugin struct {
	reg *classify.Registry
}

func newClassifyPlugin(reg *classify.Registry) *classifyPlugin {
	return &classifyPlugin{reg: reg}
}

func (p *classifyPlugin) Name() string           { return "classify" }
func (p *classifyPlugin) Prerequisites() []string { return nil }

func (p *classifyPlugin) Handle(_ context.Context, msg *pipeline.MsgContext) (pipeline.Outcome, error) {
	if p.reg == nil {
		return pipeline.Continue, nil
	}
	req := msg.In.(*dhcpv4.DHCPv4)
	matched, err := p.reg.Evaluate(newFacts(req, msg))
	if err != nil {
		return pipeline.Error, err
	}
	msg.SetClasses(matched)
	return pipeline.Continue, nil
}
