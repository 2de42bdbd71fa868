package dhcp4

import (
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorad-project/dorad/pkg/classify"
	"github.com/dorad-project/dorad/pkg/pipeline"
)

func TestClientKeyPrefersOptionSixtyOne(t *testing.T) {
	req, err := dhcpv4.NewDiscovery(testHW(t, "aa:bb:cc:dd:ee:10"))
	require.NoError(t, err)
	req.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionClientIdentifier, []byte{0x01, 0xde, 0xad}))

	assert.Equal(t, "id:01dead", clientKey(req, false))
}

func TestClientKeyChaddrOnlyIgnoresOptionSixtyOne(t *testing.T) {
	hw := testHW(t, "aa:bb:cc:dd:ee:11")
	req, err := dhcpv4.NewDiscovery(hw)
	require.NoError(t, err)
	req.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionClientIdentifier, []byte{0x01, 0xde, 0xad}))

	assert.Equal(t, "mac:"+hw.String(), clientKey(req, true))
}

func TestClientKeyFallsBackToChaddr(t *testing.T) {
	hw := testHW(t, "aa:bb:cc:dd:ee:12")
	req, err := dhcpv4.NewDiscovery(hw)
	require.NoError(t, err)

	assert.Equal(t, "mac:"+hw.String(), clientKey(req, false))
}

func TestFactsFieldChaddrAndMsgtype(t *testing.T) {
	hw := testHW(t, "aa:bb:cc:dd:ee:13")
	req, err := dhcpv4.NewDiscovery(hw)
	require.NoError(t, err)
	f := newFacts(req, &pipeline.MsgContext{Iface: "eth0"})

	chaddr, err := f.Field("chaddr")
	require.NoError(t, err)
	b, err := chaddr.AsBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte(hw), b)

	iface, err := f.Field("iface")
	require.NoError(t, err)
	s, err := iface.AsString()
	require.NoError(t, err)
	assert.Equal(t, "eth0", s)

	unknown, err := f.Field("does-not-exist")
	require.NoError(t, err)
	assert.Equal(t, classify.KindEmpty, unknown.Kind)
}

func TestFactsOptionMissReturnsEmpty(t *testing.T) {
	req, err := dhcpv4.NewDiscovery(testHW(t, "aa:bb:cc:dd:ee:14"))
	require.NoError(t, err)
	f := newFacts(req, &pipeline.MsgContext{})

	v, err := f.Option(60)
	require.NoError(t, err)
	assert.Equal(t, classify.KindEmpty, v.Kind)
}

func TestFactsMemberDelegatesToMsgContext(t *testing.T) {
	req, err := dhcpv4.NewDiscovery(testHW(t, "aa:bb:cc:dd:ee:15"))
	require.NoError(t, err)
	ctx := &pipeline.MsgContext{}
	ctx.SetClasses([]string{"voip"})
	f := newFacts(req, ctx)

	ok, err := f.Member("voip")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.Member("printers")
	require.NoError(t, err)
	assert.False(t, ok)
}
