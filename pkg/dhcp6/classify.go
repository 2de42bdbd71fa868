package dhcp6

import (
	"context"

	"github.com/insomniacslk/dhcp/dhcpv6"

	"github.com/dorad-project/dorad/pkg/classify"
	"github.com/dorad-project/dorad/pkg/pipeline"
)

// classifyPlugin mirrors pkg/dhcp4's classifyPlugin for the v6 facts set.
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
	req := msg.In.(*dhcpv6.Message)
	matched, err := p.reg.Evaluate(newFacts(req, msg))
	if err != nil {
		return pipeline.Error, err
	}
	msg.SetClasses(matched)
	return pipeline.Continue, nil
}
