package dhcp4

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorad-project/dorad/pkg/allocator"
	"github.com/dorad-project/dorad/pkg/config"
	"github.com/dorad-project/dorad/pkg/coordination"
	"github.com/dorad-project/dorad/pkg/coordination/localkv"
	"github.com/dorad-project/dorad/pkg/ddns"
	"github.com/dorad-project/dorad/pkg/lease/sqlite"
)

func TestNewDispatcherOrdersStandardV4Chain(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "leases.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	alloc := allocator.New(store, nil)
	kv := localkv.New()
	coord := coordination.New(kv, alloc, coordination.Config{ConflictRetryBudget: 3}, nil)

	d, err := NewDispatcher(Deps{
		Networks:    []*config.NetworkConfig{},
		Allocator:   alloc,
		Coordinator: coord,
		KV:          kv,
		DDNS:        ddns.NoopClient{},
		InstanceID:  "test",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"classify", "resolve", "floodguard", "statemachine", "hostoptions", "ddns", "finalize",
	}, d.Names())
}
