package dhcp4

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorad-project/dorad/pkg/allocator"
	"github.com/dorad-project/dorad/pkg/config"
	"github.com/dorad-project/dorad/pkg/coordination"
	"github.com/dorad-project/dorad/pkg/coordination/localkv"
	"github.com/dorad-project/dorad/pkg/lease/sqlite"
	"github.com/dorad-project/dorad/pkg/pipeline"
)

func testHW(t *testing.T, s string) net.HardwareAddr {
	t.Helper()
	hw, err := net.ParseMAC(s)
	require.NoError(t, err)
	return hw
}

func newTestNetwork() *config.NetworkConfig {
	return &config.NetworkConfig{
		Name:             "office",
		Subnet:           "10.0.0.0/24",
		Ranges:           []config.RangeConfig{{Start: "10.0.0.10", End: "10.0.0.20"}},
		DefaultLeaseTime: config.Duration(time.Hour),
		MinLeaseTime:     config.Duration(time.Minute),
		MaxLeaseTime:     config.Duration(24 * time.Hour),
		ProbationPeriod:  config.Duration(10 * time.Minute),
		Authoritative:    true,
		ServerID:         "10.0.0.1",
	}
}

func newTestStatemachine(t *testing.T) *statemachinePlugin {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "leases.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	alloc := allocator.New(store, nil)
	kv := localkv.New()
	coord := coordination.New(kv, alloc, coordination.Config{ConflictRetryBudget: 3}, nil)
	return newStatemachinePlugin(alloc, coord, nil, "test-instance")
}

func newTestMsg(network *config.NetworkConfig, req *dhcpv4.DHCPv4) *pipeline.MsgContext {
	return &pipeline.MsgContext{
		In:         req,
		Network:    network,
		Subnet:     network.Subnet,
		ClientKey:  clientKey(req, network.ChaddrOnly),
		ReceivedAt: time.Now().UTC(),
		LocalIP:    net.ParseIP("10.0.0.1"),
	}
}

func TestHandleDiscoverOffersFromRange(t *testing.T) {
	p := newTestStatemachine(t)
	network := newTestNetwork()
	req, err := dhcpv4.NewDiscovery(testHW(t, "aa:bb:cc:dd:ee:01"))
	require.NoError(t, err)
	msg := newTestMsg(network, req)

	outcome, err := p.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Continue, outcome)

	resp, ok := msg.Out.(*dhcpv4.DHCPv4)
	require.True(t, ok)
	assert.Equal(t, dhcpv4.MessageTypeOffer, resp.MessageType())
	assert.Equal(t, "10.0.0.10", resp.YourIPAddr.String())
	require.NotNil(t, msg.Lease)
}

func TestHandleDiscoverRapidCommitCollapsesToAck(t *testing.T) {
	p := newTestStatemachine(t)
	network := newTestNetwork()
	network.RapidCommit = true
	req, err := dhcpv4.NewDiscovery(testHW(t, "aa:bb:cc:dd:ee:02"))
	require.NoError(t, err)
	req.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionRapidCommit, nil))
	msg := newTestMsg(network, req)

	outcome, err := p.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Continue, outcome)

	resp := msg.Out.(*dhcpv4.DHCPv4)
	assert.Equal(t, dhcpv4.MessageTypeAck, resp.MessageType())
}

func TestHandleDiscoverPoolExhaustedIsSilent(t *testing.T) {
	p := newTestStatemachine(t)
	network := newTestNetwork()
	network.Ranges = []config.RangeConfig{{Start: "10.0.0.10", End: "10.0.0.10"}}

	first, err := dhcpv4.NewDiscovery(testHW(t, "aa:bb:cc:dd:ee:03"))
	require.NoError(t, err)
	_, err = p.Handle(context.Background(), newTestMsg(network, first))
	require.NoError(t, err)

	second, err := dhcpv4.NewDiscovery(testHW(t, "aa:bb:cc:dd:ee:04"))
	require.NoError(t, err)
	outcome, err := p.Handle(context.Background(), newTestMsg(network, second))
	require.NoError(t, err)
	assert.Equal(t, pipeline.NoResponse, outcome)
}

func TestHandleRequestSelectingPromotesToAck(t *testing.T) {
	p := newTestStatemachine(t)
	network := newTestNetwork()
	hw := testHW(t, "aa:bb:cc:dd:ee:05")

	discover, err := dhcpv4.NewDiscovery(hw)
	require.NoError(t, err)
	discoverMsg := newTestMsg(network, discover)
	_, err = p.Handle(context.Background(), discoverMsg)
	require.NoError(t, err)
	offer := discoverMsg.Out.(*dhcpv4.DHCPv4)
	offeredIP := offer.YourIPAddr

	request, err := dhcpv4.NewDiscovery(hw)
	require.NoError(t, err)
	request.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeRequest))
	request.UpdateOption(dhcpv4.OptServerIdentifier(net.ParseIP("10.0.0.1")))
	request.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionRequestedIPAddress, offeredIP.To4()))
	requestMsg := newTestMsg(network, request)

	outcome, err := p.Handle(context.Background(), requestMsg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Continue, outcome)
	resp := requestMsg.Out.(*dhcpv4.DHCPv4)
	assert.Equal(t, dhcpv4.MessageTypeAck, resp.MessageType())
	assert.Equal(t, offeredIP.String(), resp.YourIPAddr.String())
}

func TestHandleRequestSelectingForOtherServerIsSilent(t *testing.T) {
	p := newTestStatemachine(t)
	network := newTestNetwork()
	hw := testHW(t, "aa:bb:cc:dd:ee:06")

	request, err := dhcpv4.NewDiscovery(hw)
	require.NoError(t, err)
	request.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeRequest))
	request.UpdateOption(dhcpv4.OptServerIdentifier(net.ParseIP("10.0.0.99"))) // a different server
	request.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionRequestedIPAddress, net.ParseIP("10.0.0.15").To4()))
	requestMsg := newTestMsg(network, request)

	outcome, err := p.Handle(context.Background(), requestMsg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.NoResponse, outcome)
	assert.Nil(t, requestMsg.Out)
}

func TestHandleRequestInitRebootNaksConflict(t *testing.T) {
	p := newTestStatemachine(t)
	network := newTestNetwork()

	holder, err := dhcpv4.NewDiscovery(testHW(t, "aa:bb:cc:dd:ee:06"))
	require.NoError(t, err)
	holderMsg := newTestMsg(network, holder)
	_, err = p.Handle(context.Background(), holderMsg)
	require.NoError(t, err)
	takenIP := holderMsg.Out.(*dhcpv4.DHCPv4).YourIPAddr

	other := testHW(t, "aa:bb:cc:dd:ee:07")
	request, err := dhcpv4.NewDiscovery(other)
	require.NoError(t, err)
	request.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeRequest))
	request.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionRequestedIPAddress, takenIP.To4()))
	requestMsg := newTestMsg(network, request)

	outcome, err := p.Handle(context.Background(), requestMsg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Respond, outcome)
	resp := requestMsg.Out.(*dhcpv4.DHCPv4)
	assert.Equal(t, dhcpv4.MessageTypeNak, resp.MessageType())
}

func TestHandleRequestInitRebootSilentWhenNotAuthoritative(t *testing.T) {
	p := newTestStatemachine(t)
	network := newTestNetwork()
	network.Authoritative = false

	holder, err := dhcpv4.NewDiscovery(testHW(t, "aa:bb:cc:dd:ee:08"))
	require.NoError(t, err)
	holderMsg := newTestMsg(network, holder)
	_, err = p.Handle(context.Background(), holderMsg)
	require.NoError(t, err)
	takenIP := holderMsg.Out.(*dhcpv4.DHCPv4).YourIPAddr

	request, err := dhcpv4.NewDiscovery(testHW(t, "aa:bb:cc:dd:ee:09"))
	require.NoError(t, err)
	request.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeRequest))
	request.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionRequestedIPAddress, takenIP.To4()))
	requestMsg := newTestMsg(network, request)

	outcome, err := p.Handle(context.Background(), requestMsg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.NoResponse, outcome)
}

func TestHandleRequestRenewingExtendsLease(t *testing.T) {
	p := newTestStatemachine(t)
	network := newTestNetwork()
	hw := testHW(t, "aa:bb:cc:dd:ee:0a")

	discover, err := dhcpv4.NewDiscovery(hw)
	require.NoError(t, err)
	discoverMsg := newTestMsg(network, discover)
	_, err = p.Handle(context.Background(), discoverMsg)
	require.NoError(t, err)
	offeredIP := discoverMsg.Out.(*dhcpv4.DHCPv4).YourIPAddr

	selecting, err := dhcpv4.NewDiscovery(hw)
	require.NoError(t, err)
	selecting.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeRequest))
	selecting.UpdateOption(dhcpv4.OptServerIdentifier(net.ParseIP("10.0.0.1")))
	selecting.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionRequestedIPAddress, offeredIP.To4()))
	selectingMsg := newTestMsg(network, selecting)
	_, err = p.Handle(context.Background(), selectingMsg)
	require.NoError(t, err)

	renew, err := dhcpv4.NewDiscovery(hw)
	require.NoError(t, err)
	renew.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeRequest))
	renew.ClientIPAddr = offeredIP
	renewMsg := newTestMsg(network, renew)

	outcome, err := p.Handle(context.Background(), renewMsg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Continue, outcome)
	resp := renewMsg.Out.(*dhcpv4.DHCPv4)
	assert.Equal(t, dhcpv4.MessageTypeAck, resp.MessageType())
	assert.Equal(t, offeredIP.String(), resp.YourIPAddr.String())
}

func TestHandleDeclineIsSilent(t *testing.T) {
	p := newTestStatemachine(t)
	network := newTestNetwork()
	hw := testHW(t, "aa:bb:cc:dd:ee:0b")

	discover, err := dhcpv4.NewDiscovery(hw)
	require.NoError(t, err)
	discoverMsg := newTestMsg(network, discover)
	_, err = p.Handle(context.Background(), discoverMsg)
	require.NoError(t, err)
	offeredIP := discoverMsg.Out.(*dhcpv4.DHCPv4).YourIPAddr

	decline, err := dhcpv4.NewDiscovery(hw)
	require.NoError(t, err)
	decline.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeDecline))
	decline.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionRequestedIPAddress, offeredIP.To4()))
	declineMsg := newTestMsg(network, decline)

	outcome, err := p.Handle(context.Background(), declineMsg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.NoResponse, outcome)
	assert.Nil(t, declineMsg.Out)
}

func TestHandleReleaseDeletesRecord(t *testing.T) {
	p := newTestStatemachine(t)
	network := newTestNetwork()
	hw := testHW(t, "aa:bb:cc:dd:ee:0c")

	discover, err := dhcpv4.NewDiscovery(hw)
	require.NoError(t, err)
	discoverMsg := newTestMsg(network, discover)
	_, err = p.Handle(context.Background(), discoverMsg)
	require.NoError(t, err)
	offeredIP := discoverMsg.Out.(*dhcpv4.DHCPv4).YourIPAddr

	release, err := dhcpv4.NewDiscovery(hw)
	require.NoError(t, err)
	release.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeRelease))
	release.ClientIPAddr = offeredIP
	releaseMsg := newTestMsg(network, release)

	outcome, err := p.Handle(context.Background(), releaseMsg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.NoResponse, outcome)

	_, found, err := p.alloc.LookupByClient(context.Background(), network.Subnet, clientKey(release, false), time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHandleInformRespondsOptionsOnlyWhenAuthoritative(t *testing.T) {
	p := newTestStatemachine(t)
	network := newTestNetwork()
	hw := testHW(t, "aa:bb:cc:dd:ee:0d")

	inform, err := dhcpv4.NewDiscovery(hw)
	require.NoError(t, err)
	inform.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeInform))
	inform.ClientIPAddr = net.ParseIP("10.0.0.99")
	informMsg := newTestMsg(network, inform)

	outcome, err := p.Handle(context.Background(), informMsg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Continue, outcome)
	resp := informMsg.Out.(*dhcpv4.DHCPv4)
	assert.Equal(t, dhcpv4.MessageTypeAck, resp.MessageType())
	assert.True(t, resp.YourIPAddr.IsUnspecified())

	network.Authoritative = false
	inform2, err := dhcpv4.NewDiscovery(hw)
	require.NoError(t, err)
	inform2.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeInform))
	inform2Msg := newTestMsg(network, inform2)
	outcome2, err := p.Handle(context.Background(), inform2Msg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.NoResponse, outcome2)
}
