package dhcp4

import (
	"net"
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorad-project/dorad/pkg/classify"
)

func TestMergeOptionsPrecedenceNetworkClassRangeReservation(t *testing.T) {
	reg, err := classify.NewRegistry([]classify.ClassDef{
		{Name: "voip", Expression: "true", Options: map[uint32]string{66: "class-tftp", 15: "class-domain"}},
	})
	require.NoError(t, err)

	network := map[uint32]string{15: "net-domain", 3: "10.0.0.1"}
	rng := map[uint32]string{15: "range-domain"}
	resv := map[uint32]string{3: "10.0.0.254"}

	merged := mergeOptions(reg, []string{"voip"}, network, rng, resv)
	assert.Equal(t, "range-domain", merged[15]) // range beats class beats network
	assert.Equal(t, "class-tftp", merged[66])    // class fills in what network/range don't set
	assert.Equal(t, "10.0.0.254", merged[3])     // reservation beats network
}

func TestMergeOptionsNilRegistrySkipsClasses(t *testing.T) {
	merged := mergeOptions(nil, []string{"voip"}, map[uint32]string{1: "255.255.255.0"}, nil, nil)
	assert.Equal(t, "255.255.255.0", merged[1])
}

func TestApplyOptionsWellKnownCodes(t *testing.T) {
	discover, err := dhcpv4.NewDiscovery(testHW(t, "aa:bb:cc:dd:ee:28"))
	require.NoError(t, err)
	resp, err := dhcpv4.NewReplyFromRequest(discover)
	require.NoError(t, err)

	applyOptions(resp, map[uint32]string{
		1:  "255.255.255.0",
		3:  "10.0.0.1, 10.0.0.2",
		6:  "8.8.8.8",
		15: "example.com",
		66: "tftp.example.com",
	})

	assert.Equal(t, net.IPMask(net.ParseIP("255.255.255.0").To4()), net.IPMask(resp.Options.Get(dhcpv4.GenericOptionCode(1))))
	assert.NotNil(t, resp.Options.Get(dhcpv4.GenericOptionCode(3)))
	assert.NotNil(t, resp.Options.Get(dhcpv4.GenericOptionCode(6)))
	assert.Equal(t, []byte("example.com"), resp.Options.Get(dhcpv4.GenericOptionCode(15)))
	assert.Equal(t, []byte("tftp.example.com"), resp.Options.Get(dhcpv4.GenericOptionCode(66)))
}

func TestParseIPListSkipsInvalidEntries(t *testing.T) {
	ips := parseIPList("10.0.0.1, not-an-ip, 10.0.0.2")
	require.Len(t, ips, 2)
	assert.Equal(t, "10.0.0.1", ips[0].String())
	assert.Equal(t, "10.0.0.2", ips[1].String())
}
