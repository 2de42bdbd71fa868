package hostopts_test

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorad-project/dorad/pkg/coordination"
	"github.com/dorad-project/dorad/pkg/coordination/localkv"
	"github.com/dorad-project/dorad/pkg/hostopts"
)

func TestLookupV4FallsBackFromSubnetToGlobalMac(t *testing.T) {
	kv := localkv.New()
	ctx := context.Background()
	mac, _ := net.ParseMAC("aa:bb:cc:dd:ee:ff")

	_, err := kv.Put(ctx, coordination.BucketHostOptions, "v4/mac/aa_bb_cc_dd_ee_ff",
		[]byte(`{"boot_file":"pxe.ipxe","next_server":"10.0.0.1"}`))
	require.NoError(t, err)

	ov, found, err := hostopts.LookupV4(ctx, kv, "10.0.0.0/24", nil, mac)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "pxe.ipxe", ov.BootFile)
	assert.Equal(t, "10.0.0.1", ov.NextServer)
}

func TestLookupV4PrefersSubnetSpecificOverGlobal(t *testing.T) {
	kv := localkv.New()
	ctx := context.Background()
	mac, _ := net.ParseMAC("aa:bb:cc:dd:ee:ff")

	_, _ = kv.Put(ctx, coordination.BucketHostOptions, "v4/mac/aa_bb_cc_dd_ee_ff", []byte(`{"filename":"global.ipxe"}`))
	_, _ = kv.Put(ctx, coordination.BucketHostOptions, "v4/10.0.0.0_24/mac/aa_bb_cc_dd_ee_ff", []byte(`{"filename":"subnet.ipxe"}`))

	ov, found, err := hostopts.LookupV4(ctx, kv, "10.0.0.0/24", nil, mac)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "subnet.ipxe", ov.BootFile)
}

func TestLookupV4MissFallsThrough(t *testing.T) {
	kv := localkv.New()
	mac, _ := net.ParseMAC("11:22:33:44:55:66")
	_, found, err := hostopts.LookupV4(context.Background(), kv, "10.0.0.0/24", nil, mac)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLookupV6DuidIaidPriority(t *testing.T) {
	kv := localkv.New()
	ctx := context.Background()

	_, _ = kv.Put(ctx, coordination.BucketHostOptions, "v6/duid/aabbcc", []byte(`{"bootfile_url":"global-url"}`))
	_, _ = kv.Put(ctx, coordination.BucketHostOptions, "v6/duid/aabbcc/iaid/7", []byte(`{"bootfile_url":"specific-url"}`))

	ov, found, err := hostopts.LookupV6(ctx, kv, "2001:db8::/64", "aabbcc", 7)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "specific-url", ov.BootFileURL)
}

func TestDeletingKeyRevertsToConfigDefaults(t *testing.T) {
	kv := localkv.New()
	ctx := context.Background()
	mac, _ := net.ParseMAC("aa:bb:cc:dd:ee:ff")
	key := "v4/mac/aa_bb_cc_dd_ee_ff"

	_, _ = kv.Put(ctx, coordination.BucketHostOptions, key, []byte(`{"boot_file":"pxe.ipxe"}`))
	_, found, _ := hostopts.LookupV4(ctx, kv, "10.0.0.0/24", nil, mac)
	require.True(t, found)

	require.NoError(t, kv.Delete(ctx, coordination.BucketHostOptions, key))
	_, found, _ = hostopts.LookupV4(ctx, kv, "10.0.0.0/24", nil, mac)
	assert.False(t, found)
}
