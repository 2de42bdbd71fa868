package dhcp4

import (
	"context"
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorad-project/dorad/pkg/classify"
	"github.com/dorad-project/dorad/pkg/pipeline"
)

func TestClassifyPluginAttachesMatchedClasses(t *testing.T) {
	reg, err := classify.NewRegistry([]classify.ClassDef{
		{Name: "everyone", Expression: "true"},
		{Name: "voip", Expression: "option(60) == 'VOIP'"},
	})
	require.NoError(t, err)
	p := newClassifyPlugin(reg)

	req, err := dhcpv4.NewDiscovery(testHW(t, "aa:bb:cc:dd:ee:29"))
	require.NoError(t, err)
	req.UpdateOption(dhcpv4.OptGeneric(dhcpv4.GenericOptionCode(60), []byte("VOIP")))
	msg := &pipeline.MsgContext{In: req}

	outcome, err := p.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Continue, outcome)
	assert.True(t, msg.HasClass("everyone"))
	assert.True(t, msg.HasClass("voip"))
}

func TestClassifyPluginNilRegistrySkipsEvaluation(t *testing.T) {
	p := newClassifyPlugin(nil)
	req, err := dhcpv4.NewDiscovery(testHW(t, "aa:bb:cc:dd:ee:2a"))
	require.NoError(t, err)
	msg := &pipeline.MsgContext{In: req}

	outcome, err := p.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Continue, outcome)
	assert.False(t, msg.HasClass("anything"))
}
