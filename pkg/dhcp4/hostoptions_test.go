package dhcp4

import (
	"context"
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorad-project/dorad/pkg/coordination"
	"github.com/dorad-project/dorad/pkg/coordination/localkv"
	"github.com/dorad-project/dorad/pkg/pipeline"
)

func TestHostoptionsPluginOverridesBootFile(t *testing.T) {
	kv := localkv.New()
	hw := testHW(t, "aa:bb:cc:dd:ee:2b")
	_, err := kv.Put(context.Background(), coordination.BucketHostOptions,
		"v4/mac/"+macKeyFor(hw), []byte(`{"boot_file":"pxe.ipxe","next_server":"10.0.0.5"}`))
	require.NoError(t, err)

	p := newHostoptionsPlugin(kv)
	req, err := dhcpv4.NewDiscovery(hw)
	require.NoError(t, err)
	resp, err := dhcpv4.NewReplyFromRequest(req)
	require.NoError(t, err)
	msg := &pipeline.MsgContext{In: req, Out: resp, Subnet: "10.0.0.0/24"}

	outcome, err := p.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Continue, outcome)
	assert.Equal(t, "pxe.ipxe", resp.BootFileName)
	assert.Equal(t, "10.0.0.5", resp.ServerIPAddr.String())
}

func TestHostoptionsPluginMissLeavesDefaults(t *testing.T) {
	kv := localkv.New()
	p := newHostoptionsPlugin(kv)
	req, err := dhcpv4.NewDiscovery(testHW(t, "aa:bb:cc:dd:ee:2c"))
	require.NoError(t, err)
	resp, err := dhcpv4.NewReplyFromRequest(req)
	require.NoError(t, err)
	resp.BootFileName = "default.ipxe"
	msg := &pipeline.MsgContext{In: req, Out: resp, Subnet: "10.0.0.0/24"}

	outcome, err := p.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Continue, outcome)
	assert.Equal(t, "default.ipxe", resp.BootFileName)
}

func TestHostoptionsPluginSkipsWhenNoResponse(t *testing.T) {
	p := newHostoptionsPlugin(localkv.New())
	req, err := dhcpv4.NewDiscovery(testHW(t, "aa:bb:cc:dd:ee:2d"))
	require.NoError(t, err)
	msg := &pipeline.MsgContext{In: req}

	outcome, err := p.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Continue, outcome)
}

func macKeyFor(hw interface{ String() string }) string {
	s := hw.String()
	out := make([]byte, 0, len(s))
	for _, c := range s {
		if c == ':' {
			out = append(out, '_')
			continue
		}
		out = append(out, byte(c))
	}
	return string(out)
}
