package lease

import (
	"context"
	"time"
)

// Store is the durable local record of {ip, client-id, state, expiry,
// network} spec.md §4.3 requires of the allocator's backing storage:
// point read by (subnet, ip); point read by (subnet, client_key); ordered
// range scan by ip; conditional update by ip; insert; delete; aggregate
// counts by state.
type Store interface {
	// GetByIP returns the record at (subnet, ip), or found=false.
	GetByIP(ctx context.Context, subnet, ip string) (rec *LeaseRecord, found bool, err error)
	// GetByClientKey returns the Active record for (subnet, client_key), or
	// found=false.
	GetByClientKey(ctx context.Context, subnet, clientKey string) (rec *LeaseRecord, found bool, err error)
	// ScanRange returns every record in [start, end] ordered by ascending
	// IP, for the allocator's reserve_first scan.
	ScanRange(ctx context.Context, subnet, start, end string) ([]*LeaseRecord, error)
	// Insert writes a brand-new record. Fails if one already exists at
	// (subnet, ip).
	Insert(ctx context.Context, rec *LeaseRecord) error
	// CompareAndSwap updates an existing record at (subnet, ip) only if its
	// current revision equals expectRevision, incrementing Revision on
	// success. Used for Reserved->Leased and Leased->Probated transitions.
	CompareAndSwap(ctx context.Context, subnet, ip string, expectRevision uint64, mutate func(*LeaseRecord)) (*LeaseRecord, error)
	// Delete removes the record at (subnet, ip). Idempotent if absent.
	Delete(ctx context.Context, subnet, ip string) error
	// CountByState returns, for a subnet, the number of records in each
	// state, for admin/metrics reporting.
	CountByState(ctx context.Context, subnet string) (map[State]int, error)
	// AllActive returns every Active record across all subnets, for
	// coordinator reconciliation and admin's list_leases.
	AllActive(ctx context.Context) ([]*LeaseRecord, error)
	// ExpireOlderThan transitions Active records with ExpiresAt before now
	// to Expired, returning the count changed, for the GC ticker.
	ExpireOlderThan(ctx context.Context, now time.Time) (int, error)
	Close() error
}
