package dhcpwire_test

import (
	"net"
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorad-project/dorad/pkg/dhcpwire"
)

func testHwAddr() net.HardwareAddr {
	hw, _ := net.ParseMAC("aa:bb:cc:dd:ee:01")
	return hw
}

func TestDecodeEncodeV4RoundTrip(t *testing.T) {
	discover, err := dhcpv4.NewDiscovery(testHwAddr())
	require.NoError(t, err)

	buf := dhcpwire.EncodeV4(discover)
	decoded, err := dhcpwire.DecodeV4(buf)
	require.NoError(t, err)
	assert.Equal(t, discover.ClientHWAddr.String(), decoded.ClientHWAddr.String())
	assert.Equal(t, dhcpv4.MessageTypeDiscover, decoded.MessageType())
}

func TestNewReplyV4StampsMessageType(t *testing.T) {
	discover, err := dhcpv4.NewDiscovery(testHwAddr())
	require.NoError(t, err)

	resp, err := dhcpwire.NewReplyV4(discover, dhcpv4.MessageTypeOffer)
	require.NoError(t, err)
	assert.Equal(t, dhcpv4.MessageTypeOffer, resp.MessageType())
	assert.Equal(t, discover.TransactionID, resp.TransactionID)
}

func TestNewAdvertiseOrReplyHonorsRapidCommit(t *testing.T) {
	solicit, err := dhcpv6.NewSolicit(testHwAddr())
	require.NoError(t, err)

	resp, err := dhcpwire.NewAdvertiseOrReply(solicit, false)
	require.NoError(t, err)
	assert.Equal(t, dhcpv6.MessageTypeAdvertise, resp.Type())

	solicit.AddOption(&dhcpv6.OptionGeneric{OptionCode: dhcpv6.OptionRapidCommit})
	resp2, err := dhcpwire.NewAdvertiseOrReply(solicit, true)
	require.NoError(t, err)
	assert.Equal(t, dhcpv6.MessageTypeReply, resp2.Type())
}

func TestEncodeV6WithoutRelay(t *testing.T) {
	solicit, err := dhcpv6.NewSolicit(testHwAddr())
	require.NoError(t, err)
	resp, err := dhcpwire.NewReplyV6(solicit)
	require.NoError(t, err)

	buf, err := dhcpwire.EncodeV6(solicit, resp)
	require.NoError(t, err)
	assert.NotEmpty(t, buf)
}
