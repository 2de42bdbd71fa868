package coordination_test

import (
	"context"
	"encoding/json"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorad-project/dorad/pkg/allocator"
	"github.com/dorad-project/dorad/pkg/coordination"
	"github.com/dorad-project/dorad/pkg/coordination/localkv"
	"github.com/dorad-project/dorad/pkg/lease"
	"github.com/dorad-project/dorad/pkg/lease/sqlite"
)

func newTestCoordinator(t *testing.T) (*coordination.Coordinator, *allocator.Allocator, coordination.KV) {
	t.Helper()
	store, err := sqlite.Open(t.TempDir() + "/leases.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	alloc := allocator.New(store, nil)
	kv := localkv.New()
	c := coordination.New(kv, alloc, coordination.Config{ConflictRetryBudget: 3}, nil)
	return c, alloc, kv
}

func TestSelfTestRoundTrips(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	require.NoError(t, c.SelfTest(context.Background()))
}

func TestConfirmWritesLeaseAndIndex(t *testing.T) {
	c, alloc, kv := newTestCoordinator(t)
	ctx := context.Background()
	now := time.Now().UTC()

	r := allocator.RangeSpec{Start: mustAddr(t, "10.0.0.10"), End: mustAddr(t, "10.0.0.12")}
	pick := func(ctx context.Context) (*lease.LeaseRecord, error) {
		return alloc.ReserveFirst(ctx, "10.0.0.0/24", r, "client-a", now, time.Hour)
	}

	rec, err := c.Confirm(ctx, coordination.KeyIdentity{Family: "v4", Subnet: "10.0.0.0/24"}, pick, true)
	require.NoError(t, err)
	assert.Equal(t, "client-a", rec.ClientKey)

	keys, err := kv.Keys(ctx, coordination.BucketLeases)
	require.NoError(t, err)
	assert.Len(t, keys, 2) // primary record + ip index
}

func TestConfirmDetectsConflictAndRetries(t *testing.T) {
	c, alloc, kv := newTestCoordinator(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Plant a foreign, active lease at .10 directly in the KV so Confirm's
	// probe sees a conflict on the first pick.
	foreign := &lease.LeaseRecord{
		LeaseID: "foreign", Family: lease.FamilyV4, Subnet: "10.0.0.0/24",
		IP: "10.0.0.10", ClientKey: "someone-else", State: lease.StateLeased,
		ExpiresAt: now.Add(time.Hour), Revision: 1, UpdatedAt: now,
	}
	buf, err := json.Marshal(foreign)
	require.NoError(t, err)
	_, err = kv.Put(ctx, coordination.BucketLeases, "v4/10.0.0.0/24/client/someone-else", buf)
	require.NoError(t, err)
	_, err = kv.Put(ctx, coordination.BucketLeases, "v4/10.0.0.0/24/ip/10.0.0.10", []byte("v4/10.0.0.0/24/client/someone-else"))
	require.NoError(t, err)

	r := allocator.RangeSpec{Start: mustAddr(t, "10.0.0.10"), End: mustAddr(t, "10.0.0.11")}
	calls := 0
	pick := func(ctx context.Context) (*lease.LeaseRecord, error) {
		calls++
		return alloc.ReserveFirst(ctx, "10.0.0.0/24", r, "client-b", now, time.Hour)
	}

	rec, err := c.Confirm(ctx, coordination.KeyIdentity{Family: "v4", Subnet: "10.0.0.0/24"}, pick, true)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.11", rec.IP)
	assert.GreaterOrEqual(t, calls, 2)
}

func TestConfirmTryIPNeverRetries(t *testing.T) {
	c, alloc, kv := newTestCoordinator(t)
	ctx := context.Background()
	now := time.Now().UTC()

	foreign := &lease.LeaseRecord{
		LeaseID: "foreign", Family: lease.FamilyV4, Subnet: "10.0.0.0/24",
		IP: "10.0.0.20", ClientKey: "someone-else", State: lease.StateLeased,
		ExpiresAt: now.Add(time.Hour), Revision: 1, UpdatedAt: now,
	}
	buf, _ := json.Marshal(foreign)
	_, _ = kv.Put(ctx, coordination.BucketLeases, "v4/10.0.0.0/24/client/someone-else", buf)
	_, _ = kv.Put(ctx, coordination.BucketLeases, "v4/10.0.0.0/24/ip/10.0.0.20", []byte("v4/10.0.0.0/24/client/someone-else"))

	pick := func(ctx context.Context) (*lease.LeaseRecord, error) {
		return alloc.TryIP(ctx, "10.0.0.0/24", "10.0.0.20", "client-c", now, time.Hour)
	}

	_, err := c.Confirm(ctx, coordination.KeyIdentity{Family: "v4", Subnet: "10.0.0.0/24"}, pick, false)
	assert.ErrorIs(t, err, coordination.ErrRetryExhausted)
}

// TestConfirmProbatesForNetworkPeriod checks that a losing candidate is
// probated for the network's own probation_period (spec.md §4.4), not the
// coordinator's one-hour internal default.
func TestConfirmProbatesForNetworkPeriod(t *testing.T) {
	c, alloc, kv := newTestCoordinator(t)
	ctx := context.Background()
	now := time.Now().UTC()

	foreign := &lease.LeaseRecord{
		LeaseID: "foreign", Family: lease.FamilyV4, Subnet: "10.0.0.0/24",
		IP: "10.0.0.30", ClientKey: "someone-else", State: lease.StateLeased,
		ExpiresAt: now.Add(time.Hour), Revision: 1, UpdatedAt: now,
	}
	buf, _ := json.Marshal(foreign)
	_, _ = kv.Put(ctx, coordination.BucketLeases, "v4/10.0.0.0/24/client/someone-else", buf)
	_, _ = kv.Put(ctx, coordination.BucketLeases, "v4/10.0.0.0/24/ip/10.0.0.30", []byte("v4/10.0.0.0/24/client/someone-else"))

	pick := func(ctx context.Context) (*lease.LeaseRecord, error) {
		return alloc.TryIP(ctx, "10.0.0.0/24", "10.0.0.30", "client-d", now, time.Hour)
	}

	period := 5 * time.Minute
	_, err := c.Confirm(ctx, coordination.KeyIdentity{Family: "v4", Subnet: "10.0.0.0/24", ProbationPeriod: period}, pick, false)
	assert.ErrorIs(t, err, coordination.ErrRetryExhausted)

	// The candidate address is now Probated until now+period: a different
	// client still sees a conflict just before the deadline, but is free to
	// take it just after.
	_, err = alloc.TryIP(ctx, "10.0.0.0/24", "10.0.0.30", "client-e", now.Add(period-time.Second), time.Hour)
	assert.ErrorIs(t, err, allocator.ErrConflict)

	rec, err := alloc.TryIP(ctx, "10.0.0.0/24", "10.0.0.30", "client-e", now.Add(period+time.Second), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "client-e", rec.ClientKey)
}

func TestGCRemovesStaleIndexEntries(t *testing.T) {
	c, _, kv := newTestCoordinator(t)
	ctx := context.Background()

	_, err := kv.Put(ctx, coordination.BucketLeases, "v4/10.0.0.0/24/ip/10.0.0.5", []byte("v4/10.0.0.0/24/client/gone"))
	require.NoError(t, err)

	require.NoError(t, c.GC(ctx))

	keys, err := kv.Keys(ctx, coordination.BucketLeases)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestReconcileRebuildsRenewCache(t *testing.T) {
	c, _, kv := newTestCoordinator(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := &lease.LeaseRecord{
		LeaseID: "l1", Family: lease.FamilyV4, Subnet: "10.0.0.0/24",
		IP: "10.0.0.30", ClientKey: "client-d", State: lease.StateLeased,
		ExpiresAt: now.Add(time.Hour), Revision: 1, UpdatedAt: now,
	}
	buf, _ := json.Marshal(rec)
	_, err := kv.Put(ctx, coordination.BucketLeases, "v4/10.0.0.0/24/client/client-d", buf)
	require.NoError(t, err)

	require.NoError(t, c.Reconcile(ctx))

	cached, ok := c.RenewFromCache("client-d", now)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.30", cached.IP)
}

func TestReleaseIsBestEffort(t *testing.T) {
	c, alloc, _ := newTestCoordinator(t)
	ctx := context.Background()
	now := time.Now().UTC()

	r := allocator.RangeSpec{Start: mustAddr(t, "10.0.0.40"), End: mustAddr(t, "10.0.0.40")}
	pick := func(ctx context.Context) (*lease.LeaseRecord, error) {
		return alloc.ReserveFirst(ctx, "10.0.0.0/24", r, "client-e", now, time.Hour)
	}
	rec, err := c.Confirm(ctx, coordination.KeyIdentity{Family: "v4", Subnet: "10.0.0.0/24"}, pick, true)
	require.NoError(t, err)

	err = c.Release(ctx, coordination.KeyIdentity{Family: "v4", Subnet: "10.0.0.0/24"}, "10.0.0.0/24", rec.IP, "client-e")
	assert.NoError(t, err)

	_, ok := c.RenewFromCache("client-e", now)
	assert.False(t, ok)
}

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	addr, err := netip.ParseAddr(s)
	require.NoError(t, err)
	return addr
}
