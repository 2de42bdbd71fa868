// Package coordination implements the clustered coordination layer of
// spec.md §4.4: a KV-backed reserve/confirm/release protocol with
// conflict detection, garbage collection, reconciliation, and a
// degraded-mode renew cache, wrapping pkg/allocator.
package coordination

import "context"

// KV is the shared key-value store collaborator spec.md §4.4/§6 describes:
// a JetStream-style bucketed store where each bucket retains a bounded
// number of prior revisions per key.
type KV interface {
	// Get returns the current value and revision at (bucket, key), or
	// found=false if absent.
	Get(ctx context.Context, bucket, key string) (value []byte, revision uint64, found bool, err error)
	// Put writes value at (bucket, key) unconditionally, returning the new
	// revision.
	Put(ctx context.Context, bucket, key string, value []byte) (revision uint64, err error)
	Delete(ctx context.Context, bucket, key string) error
	// Keys lists every key currently present in bucket, for GC and
	// reconciliation scans.
	Keys(ctx context.Context, bucket string) ([]string, error)
	// Healthy reports whether the store currently answers requests, used
	// by the background state poller.
	Healthy(ctx context.Context) bool
}

// Bucket names, fixed per spec.md §4.4/§6.
const (
	BucketLeases      = "leases"
	BucketHostOptions = "host-options"
)

// BucketHistory is the number of prior revisions each bucket retains.
var BucketHistory = map[string]int{
	BucketLeases:      16,
	BucketHostOptions: 1,
}
