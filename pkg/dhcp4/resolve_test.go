package dhcp4

import (
	"context"
	"net"
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorad-project/dorad/pkg/config"
	"github.com/dorad-project/dorad/pkg/pipeline"
)

func testNetworks() []*config.NetworkConfig {
	return []*config.NetworkConfig{
		{Name: "office", Subnet: "10.0.0.0/24"},
		{Name: "guest", Subnet: "10.1.0.0/24"},
	}
}

func TestResolveUsesGiaddrFirst(t *testing.T) {
	p := newResolvePlugin(testNetworks())
	req, err := dhcpv4.NewDiscovery(testHW(t, "aa:bb:cc:dd:ee:20"))
	require.NoError(t, err)
	req.GatewayIPAddr = net.ParseIP("10.1.0.5")
	msg := &pipeline.MsgContext{In: req}

	outcome, err := p.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Continue, outcome)
	assert.Equal(t, "10.1.0.0/24", msg.Subnet)
}

func TestResolveFallsBackToRelayLinkSelection(t *testing.T) {
	p := newResolvePlugin(testNetworks())
	req, err := dhcpv4.NewDiscovery(testHW(t, "aa:bb:cc:dd:ee:21"))
	require.NoError(t, err)
	// option 82, sub-option 5 (RFC 3527 link selection) = 10.0.0.9
	relay := []byte{5, 4, 10, 0, 0, 9}
	req.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionRelayAgentInformation, relay))
	msg := &pipeline.MsgContext{In: req}

	outcome, err := p.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Continue, outcome)
	assert.Equal(t, "10.0.0.0/24", msg.Subnet)
}

func TestResolveFallsBackToSubnetSelectionOption(t *testing.T) {
	p := newResolvePlugin(testNetworks())
	req, err := dhcpv4.NewDiscovery(testHW(t, "aa:bb:cc:dd:ee:22"))
	require.NoError(t, err)
	req.UpdateOption(dhcpv4.OptGeneric(dhcpv4.GenericOptionCode(118), net.ParseIP("10.1.0.1").To4()))
	msg := &pipeline.MsgContext{In: req}

	outcome, err := p.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Continue, outcome)
	assert.Equal(t, "10.1.0.0/24", msg.Subnet)
}

func TestResolveFallsBackToLocalIP(t *testing.T) {
	p := newResolvePlugin(testNetworks())
	req, err := dhcpv4.NewDiscovery(testHW(t, "aa:bb:cc:dd:ee:23"))
	require.NoError(t, err)
	msg := &pipeline.MsgContext{In: req, LocalIP: net.ParseIP("10.0.0.1")}

	outcome, err := p.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Continue, outcome)
	assert.Equal(t, "10.0.0.0/24", msg.Subnet)
}

func TestResolveNoResponseWhenNoNetworkMatches(t *testing.T) {
	p := newResolvePlugin(testNetworks())
	req, err := dhcpv4.NewDiscovery(testHW(t, "aa:bb:cc:dd:ee:24"))
	require.NoError(t, err)
	msg := &pipeline.MsgContext{In: req, LocalIP: net.ParseIP("192.168.1.1")}

	outcome, err := p.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.NoResponse, outcome)
}

func TestResolveSetsClientKeyRespectingChaddrOnly(t *testing.T) {
	networks := []*config.NetworkConfig{{Name: "office", Subnet: "10.0.0.0/24", ChaddrOnly: true}}
	p := newResolvePlugin(networks)
	hw := testHW(t, "aa:bb:cc:dd:ee:25")
	req, err := dhcpv4.NewDiscovery(hw)
	require.NoError(t, err)
	req.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionClientIdentifier, []byte{0x01, 0xaa}))
	msg := &pipeline.MsgContext{In: req, LocalIP: net.ParseIP("10.0.0.1")}

	_, err = p.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "mac:"+hw.String(), msg.ClientKey)
}
