// Package allocator implements the local IP allocation engine of spec.md
// §4.3: reserve_first, try_ip, try_lease, release, probate, and
// lookup_by_client, backed by a pkg/lease.Store and generalizing the
// teacher's single-range PoolAllocator into range/reservation/exception/
// class-aware selection with sticky tie-breaking and ping-check
// suspension.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/dorad-project/dorad/pkg/lease"
	"github.com/dorad-project/dorad/pkg/logger"
)

var (
	// ErrPoolExhausted is returned by ReserveFirst when no candidate in the
	// range is selectable.
	ErrPoolExhausted = errors.New("allocator: pool exhausted")
	// ErrConflict is returned by TryIP when the address is Active for a
	// different client and not yet expired. Per spec.md §4.3, try_ip never
	// retries; the caller falls through to range-based allocation.
	ErrConflict = errors.New("allocator: address held by another client")
	// ErrNotReserved is returned by TryLease when there is no
	// Reserved-or-held-by-client record to promote.
	ErrNotReserved = errors.New("allocator: no reservation to promote")
)

// RangeSpec is the scan window a single ReserveFirst call operates over:
// one configured range's boundaries, its exception set, and its
// ping-check policy.
type RangeSpec struct {
	Start       netip.Addr
	End         netip.Addr
	Except      map[netip.Addr]bool
	PingCheck   bool
	PingTimeout time.Duration
	// ProbationPeriod is the owning network's probation_period, applied to
	// a candidate that answers a ping-check (spec.md §5). Zero falls back
	// to defaultPingProbation.
	ProbationPeriod time.Duration
}

// defaultPingProbation is used when a RangeSpec leaves ProbationPeriod
// unset.
const defaultPingProbation = 24 * time.Hour

// Pinger probes a candidate address for a responding host before it is
// confirmed, per spec.md §5's suspension-point rule.
type Pinger interface {
	Probe(ctx context.Context, addr netip.Addr, timeout time.Duration) (alive bool, err error)
}

// Allocator wraps a lease.Store with the six operations spec.md §4.3
// names. It holds no configuration of its own; the caller (the v4/v6
// state machine plugins) supplies ranges, exceptions, and policy per call.
type Allocator struct {
	store  lease.Store
	pinger Pinger
	log    *slog.Logger
}

func New(store lease.Store, pinger Pinger) *Allocator {
	return &Allocator{store: store, pinger: pinger, log: logger.Component(logger.ComponentAllocator)}
}

// ClampLeaseDuration enforces spec.md §4.3's numeric semantics: durations
// clamp to [min, max]; a requested duration of zero means "infinite".
func ClampLeaseDuration(requested, min, max time.Duration) time.Duration {
	if requested <= 0 {
		return 0
	}
	if min > 0 && requested < min {
		requested = min
	}
	if max > 0 && requested > max {
		requested = max
	}
	return requested
}

func expiryFor(now time.Time, leaseDuration time.Duration) time.Time {
	if leaseDuration <= 0 {
		return lease.InfiniteLease
	}
	return now.Add(leaseDuration).Truncate(time.Second)
}

// candidateOK reports whether an existing record at an IP may be reused by
// clientKey at time now: absent entirely, already held by this client,
// Released, Expired, or Probated past its deadline.
func candidateOK(rec *lease.LeaseRecord, found bool, clientKey string, now time.Time) bool {
	if !found {
		return true
	}
	switch rec.State {
	case lease.StateReleased, lease.StateExpired:
		return true
	case lease.StateProbated:
		return !rec.ProbationDeadline.After(now)
	case lease.StateReserved, lease.StateLeased:
		if rec.ClientKey == clientKey {
			return true
		}
		return rec.ExpiresAt.Before(now)
	default:
		return false
	}
}

// ReserveFirst implements spec.md §4.3's reserve_first: scan
// [range.start, range.end] ascending, excluding range.except, and reserve
// the first IP that is either already bound to client_key or free/expired.
// A responding ping-check candidate is locally probated and the scan
// continues, per §5.
func (a *Allocator) ReserveFirst(ctx context.Context, subnet string, r RangeSpec, clientKey string, now time.Time, leaseDuration time.Duration) (*lease.LeaseRecord, error) {
	existing, err := a.store.ScanRange(ctx, subnet, r.Start.String(), r.End.String())
	if err != nil {
		return nil, fmt.Errorf("allocator: scan range: %w", err)
	}
	byIP := make(map[string]*lease.LeaseRecord, len(existing))
	for _, rec := range existing {
		byIP[rec.IP] = rec
	}

	for addr := r.Start; addr.Compare(r.End) <= 0; addr = addr.Next() {
		if r.Except[addr] {
			continue
		}
		ipStr := addr.String()
		rec, found := byIP[ipStr]
		if !candidateOK(rec, found, clientKey, now) {
			continue
		}

		if r.PingCheck && a.pinger != nil && (!found || rec.ClientKey != clientKey) {
			alive, perr := a.pinger.Probe(ctx, addr, r.PingTimeout)
			if perr == nil && alive {
				// Someone answers on an address we believed free: probate
				// it and keep scanning, per spec.md §5.
				probation := r.ProbationPeriod
				if probation <= 0 {
					probation = defaultPingProbation
				}
				_ = a.probateRecord(ctx, subnet, ipStr, found, rec, now.Add(probation))
				continue
			}
		}

		reserved, err := a.writeReservation(ctx, subnet, ipStr, found, rec, clientKey, now, leaseDuration)
		if err != nil {
			continue
		}
		return reserved, nil
	}

	return nil, ErrPoolExhausted
}

// writeReservation inserts a fresh Reserved record, or CAS-updates an
// existing one, at (subnet, ip).
func (a *Allocator) writeReservation(ctx context.Context, subnet, ip string, found bool, existing *lease.LeaseRecord, clientKey string, now time.Time, leaseDuration time.Duration) (*lease.LeaseRecord, error) {
	if !found {
		rec := &lease.LeaseRecord{
			LeaseID:   uuid.NewString(),
			Family:    familyOf(subnet),
			Subnet:    subnet,
			IP:        ip,
			ClientKey: clientKey,
			State:     lease.StateReserved,
			ExpiresAt: expiryFor(now, leaseDuration),
			Revision:  1,
			UpdatedAt: now,
		}
		if err := a.store.Insert(ctx, rec); err != nil {
			return nil, err
		}
		return rec, nil
	}

	return a.store.CompareAndSwap(ctx, subnet, ip, existing.Revision, func(rec *lease.LeaseRecord) {
		rec.ClientKey = clientKey
		rec.State = lease.StateReserved
		rec.ExpiresAt = expiryFor(now, leaseDuration)
	})
}

// TryIP implements try_ip: attempt a client-requested specific address.
// Never retried by the caller on conflict, per spec.md §4.3/§9.
func (a *Allocator) TryIP(ctx context.Context, subnet, ip string, clientKey string, now time.Time, leaseDuration time.Duration) (*lease.LeaseRecord, error) {
	existing, found, err := a.store.GetByIP(ctx, subnet, ip)
	if err != nil {
		return nil, fmt.Errorf("allocator: get by ip: %w", err)
	}
	if !candidateOK(existing, found, clientKey, now) {
		return nil, ErrConflict
	}
	return a.writeReservation(ctx, subnet, ip, found, existing, clientKey, now, leaseDuration)
}

// TryLease implements try_lease: promote a Reserved-or-held-by-client
// record to Leased.
func (a *Allocator) TryLease(ctx context.Context, subnet, ip string, clientKey string, now time.Time, leaseDuration time.Duration) (*lease.LeaseRecord, error) {
	existing, found, err := a.store.GetByIP(ctx, subnet, ip)
	if err != nil {
		return nil, fmt.Errorf("allocator: get by ip: %w", err)
	}
	if !found || existing.ClientKey != clientKey || !existing.State.Active() {
		return nil, ErrNotReserved
	}
	return a.store.CompareAndSwap(ctx, subnet, ip, existing.Revision, func(rec *lease.LeaseRecord) {
		rec.State = lease.StateLeased
		rec.ExpiresAt = expiryFor(now, leaseDuration)
	})
}

// Release implements release: best-effort, idempotent delete.
func (a *Allocator) Release(ctx context.Context, subnet, ip string, clientKey string) error {
	existing, found, err := a.store.GetByIP(ctx, subnet, ip)
	if err != nil || !found {
		return nil
	}
	if existing.ClientKey != clientKey {
		return nil
	}
	if err := a.store.Delete(ctx, subnet, ip); err != nil {
		a.log.Warn("release: delete failed", "subnet", subnet, "ip", ip, "error", err)
	}
	return nil
}

// Probate implements probate: mark a record Probated until deadline,
// blocking selection until then.
func (a *Allocator) Probate(ctx context.Context, subnet, ip string, probationDeadline time.Time) error {
	existing, found, err := a.store.GetByIP(ctx, subnet, ip)
	if err != nil {
		return fmt.Errorf("allocator: get by ip: %w", err)
	}
	return a.probateRecord(ctx, subnet, ip, found, existing, probationDeadline)
}

func (a *Allocator) probateRecord(ctx context.Context, subnet, ip string, found bool, existing *lease.LeaseRecord, deadline time.Time) error {
	if !found {
		return a.store.Insert(ctx, &lease.LeaseRecord{
			LeaseID:           uuid.NewString(),
			Family:            familyOf(subnet),
			Subnet:            subnet,
			IP:                ip,
			State:             lease.StateProbated,
			ProbationDeadline: deadline,
			Revision:          1,
		})
	}
	_, err := a.store.CompareAndSwap(ctx, subnet, ip, existing.Revision, func(rec *lease.LeaseRecord) {
		rec.State = lease.StateProbated
		rec.ProbationDeadline = deadline
	})
	return err
}

// LookupByClient implements lookup_by_client: the currently Active IP for
// a client, if its lease has not expired.
func (a *Allocator) LookupByClient(ctx context.Context, subnet, clientKey string, now time.Time) (*lease.LeaseRecord, bool, error) {
	rec, found, err := a.store.GetByClientKey(ctx, subnet, clientKey)
	if err != nil {
		return nil, false, fmt.Errorf("allocator: get by client key: %w", err)
	}
	if !found || rec.ExpiresAt.Before(now) {
		return nil, false, nil
	}
	return rec, true, nil
}

func familyOf(subnet string) lease.Family {
	for i := 0; i < len(subnet); i++ {
		if subnet[i] == ':' {
			return lease.FamilyV6
		}
	}
	return lease.FamilyV4
}
