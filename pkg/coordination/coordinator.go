package coordination

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dorad-project/dorad/pkg/allocator"
	"github.com/dorad-project/dorad/pkg/lease"
	"github.com/dorad-project/dorad/pkg/logger"
)

// State is the coordinator's observable connectivity state, per spec.md
// §4.4.
type State int

const (
	StateConnected State = iota
	StateDegraded
)

func (s State) String() string {
	if s == StateDegraded {
		return "degraded"
	}
	return "connected"
}

// Config governs the coordinator's retry, caching, and background-task
// cadence.
type Config struct {
	ConflictRetryBudget int
	CacheThreshold      float64
	StatePollInterval   time.Duration
	LeaseGCInterval     time.Duration
	ServerID            string
}

// Coordinator wraps an allocator.Allocator when clustered mode is enabled,
// performing the two-step probe/write confirmation against a shared KV
// store described in spec.md §4.4.
type Coordinator struct {
	kv    KV
	alloc *allocator.Allocator
	cfg   Config
	log   *slog.Logger

	mu          sync.RWMutex
	state       State
	renewCache  map[string]*lease.LeaseRecord // client_key -> record
	renewLookup int64
	renewHits   int64

	metrics Metrics
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Metrics is the narrow set of counters/gauges the coordinator updates;
// pkg/metrics supplies the concrete Prometheus-backed implementation.
type Metrics interface {
	SetCoordinationState(connected bool)
	IncReconciliations()
	AddRecordsReconciled(n int)
	IncGCRemoved(n int)
	IncAllocations(outcome string)
}

type noopMetrics struct{}

func (noopMetrics) SetCoordinationState(bool) {}
func (noopMetrics) IncReconciliations()       {}
func (noopMetrics) AddRecordsReconciled(int)  {}
func (noopMetrics) IncGCRemoved(int)          {}
func (noopMetrics) IncAllocations(string)     {}

func New(kv KV, alloc *allocator.Allocator, cfg Config, metrics Metrics) *Coordinator {
	if cfg.ConflictRetryBudget <= 0 {
		cfg.ConflictRetryBudget = 8
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Coordinator{
		kv:         kv,
		alloc:      alloc,
		cfg:        cfg,
		log:        logger.Component(logger.ComponentCoordination),
		state:      StateConnected,
		renewCache: make(map[string]*lease.LeaseRecord),
		metrics:    metrics,
		stopCh:     make(chan struct{}),
	}
}

// SelfTest implements spec.md §4.4's startup self-test: write a probe key,
// read it back with byte equality, delete it. Startup aborts on failure.
func (c *Coordinator) SelfTest(ctx context.Context) error {
	probe := make([]byte, 16)
	if _, err := rand.Read(probe); err != nil {
		return fmt.Errorf("coordinator self-test: generate probe: %w", err)
	}
	key := "_selftest"
	if _, err := c.kv.Put(ctx, BucketLeases, key, probe); err != nil {
		return fmt.Errorf("coordinator self-test: put: %w", err)
	}
	got, _, found, err := c.kv.Get(ctx, BucketLeases, key)
	if err != nil {
		return fmt.Errorf("coordinator self-test: get: %w", err)
	}
	if !found || !bytes.Equal(got, probe) {
		return errors.New("coordinator self-test: readback mismatch")
	}
	if err := c.kv.Delete(ctx, BucketLeases, key); err != nil {
		return fmt.Errorf("coordinator self-test: delete: %w", err)
	}
	return nil
}

// Name implements component.Component.
func (c *Coordinator) Name() string { return "coordinator" }

// Start launches the background health poller and GC ticker, implementing
// component.Component. Call Stop to terminate both at shutdown.
func (c *Coordinator) Start(ctx context.Context) error {
	c.wg.Add(2)
	go c.pollHealth(ctx)
	go c.runGC(ctx)
	return nil
}

// Stop implements component.Component.
func (c *Coordinator) Stop(ctx context.Context) error {
	close(c.stopCh)
	c.wg.Wait()
	return nil
}

func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Coordinator) pollHealth(ctx context.Context) {
	defer c.wg.Done()
	interval := c.cfg.StatePollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			healthy := c.kv.Healthy(ctx)
			c.mu.Lock()
			prev := c.state
			if healthy {
				c.state = StateConnected
			} else {
				c.state = StateDegraded
			}
			transitioned := prev != c.state
			c.mu.Unlock()

			c.metrics.SetCoordinationState(healthy)
			if transitioned {
				c.log.Info("coordination state transition", "from", prev, "to", c.state)
				if healthy {
					if err := c.Reconcile(ctx); err != nil {
						c.log.Error("reconciliation failed", "error", err)
					}
				}
			}
		}
	}
}

func (c *Coordinator) runGC(ctx context.Context) {
	defer c.wg.Done()
	interval := c.cfg.LeaseGCInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.GC(ctx); err != nil {
				c.log.Error("gc failed", "error", err)
			}
		}
	}
}

// GC implements spec.md §4.4's periodic sweep: delete IP-index entries
// whose lease is missing or non-Active, and mark expired Active records.
func (c *Coordinator) GC(ctx context.Context) error {
	keys, err := c.kv.Keys(ctx, BucketLeases)
	if err != nil {
		return fmt.Errorf("gc: list keys: %w", err)
	}

	removed := 0
	now := time.Now().UTC()
	for _, k := range keys {
		if !isIPIndexKey(k) {
			continue
		}
		targetKey, _, found, err := c.kv.Get(ctx, BucketLeases, k)
		if err != nil || !found {
			continue
		}
		leaseVal, _, found, err := c.kv.Get(ctx, BucketLeases, string(targetKey))
		if err != nil || !found {
			_ = c.kv.Delete(ctx, BucketLeases, k)
			removed++
			continue
		}
		var rec lease.LeaseRecord
		if err := json.Unmarshal(leaseVal, &rec); err != nil {
			_ = c.kv.Delete(ctx, BucketLeases, k)
			removed++
			continue
		}
		if !rec.State.Active() {
			_ = c.kv.Delete(ctx, BucketLeases, k)
			removed++
			continue
		}
		if rec.ExpiresAt.Before(now) {
			rec.State = lease.StateExpired
			if buf, err := json.Marshal(rec); err == nil {
				_, _ = c.kv.Put(ctx, BucketLeases, string(targetKey), buf)
			}
			_ = c.kv.Delete(ctx, BucketLeases, k)
			removed++
		}
	}

	if removed > 0 {
		c.metrics.IncGCRemoved(removed)
		c.log.Info("gc removed stale entries", "count", removed)
	}
	return nil
}

// Reconcile implements spec.md §4.4: on return to Connected, rebuild the
// renew cache from the full Active keyspace.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	keys, err := c.kv.Keys(ctx, BucketLeases)
	if err != nil {
		return fmt.Errorf("reconcile: list keys: %w", err)
	}

	rebuilt := make(map[string]*lease.LeaseRecord)
	count := 0
	for _, k := range keys {
		if isIPIndexKey(k) {
			continue
		}
		val, _, found, err := c.kv.Get(ctx, BucketLeases, k)
		if err != nil || !found {
			continue
		}
		var rec lease.LeaseRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			continue
		}
		if !rec.State.Active() {
			continue
		}
		rebuilt[rec.ClientKey] = &rec
		count++
	}

	c.mu.Lock()
	c.renewCache = rebuilt
	c.mu.Unlock()

	c.metrics.IncReconciliations()
	c.metrics.AddRecordsReconciled(count)
	c.log.Info("reconciliation complete", "records", count)
	return nil
}

// isIPIndexKey distinguishes a reverse IP-index key ({family}/{subnet}/ip/{addr})
// from a primary lease-record key ({family}/{subnet}/client/{key} or
// {family}/{subnet}/duid/{duid}/iaid/{iaid}) within the shared leases
// bucket, per spec.md §4.4's two key families.
func isIPIndexKey(k string) bool {
	return strings.Contains(k, "/ip/")
}

// leaseKey builds the client- or duid/iaid-anchored primary lease key.
func leaseKey(family, subnet, clientKey string, isV6 bool, duid string, iaid uint32) string {
	if isV6 {
		return fmt.Sprintf("%s/%s/duid/%s/iaid/%d", family, subnet, duid, iaid)
	}
	return fmt.Sprintf("%s/%s/client/%s", family, subnet, clientKey)
}

// ipIndexKey builds the reverse IP-index key spec.md §4.4 step 1 reads.
func ipIndexKey(family, subnet, ip string) string {
	return fmt.Sprintf("%s/%s/ip/%s", family, subnet, ip)
}

// ErrRetryExhausted is returned by Confirm when the conflict-retry budget
// is spent without finding a confirmable candidate.
var ErrRetryExhausted = errors.New("coordination: retry budget exhausted")

// ErrDegradedBlocked is returned when a new allocation is attempted while
// the coordinator is Degraded, per spec.md §7's Coordination error kind.
var ErrDegradedBlocked = errors.New("coordination: new allocation blocked while degraded")

// PickFunc asks the local allocator to reserve one candidate IP; it is
// supplied by the v4/v6 state machine plugins, which alone know the
// applicable ranges, reservations, and exceptions.
type PickFunc func(ctx context.Context) (*lease.LeaseRecord, error)

// KeyIdentity names the lease/IP-index key pair a Confirm call writes.
type KeyIdentity struct {
	Family string
	Subnet string
	IsV6   bool
	DUID   string
	IAID   uint32
	// ProbationPeriod is the owning network's configured probation_period,
	// per spec.md §4.4 ("locally probated for the network's probation
	// period"). Zero falls back to defaultConflictProbation.
	ProbationPeriod time.Duration
}

// Confirm implements spec.md §4.4's two-step probe/write for a new
// allocation: pick locally, probe the IP-index, write on success. On
// conflict the candidate is probated locally and, if retryable, a fresh
// pick is attempted up to the configured retry budget. try_ip callers pass
// retryable=false, per spec.md's "no retry on try_ip" rule.
func (c *Coordinator) Confirm(ctx context.Context, id KeyIdentity, pick PickFunc, retryable bool) (*lease.LeaseRecord, error) {
	if c.State() == StateDegraded {
		return nil, ErrDegradedBlocked
	}

	attempts := 1
	if retryable {
		attempts = c.cfg.ConflictRetryBudget
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		rec, err := pick(ctx)
		if err != nil {
			return nil, err
		}

		idxKey := ipIndexKey(id.Family, id.Subnet, rec.IP)
		conflict, err := c.probeConflict(ctx, idxKey, rec.ClientKey)
		if err != nil {
			lastErr = err
			continue
		}
		if conflict {
			probation := id.ProbationPeriod
			if probation <= 0 {
				probation = defaultConflictProbation
			}
			_ = c.alloc.Probate(ctx, id.Subnet, rec.IP, time.Now().UTC().Add(probation))
			if !retryable {
				c.metrics.IncAllocations("conflict")
				return nil, ErrRetryExhausted
			}
			continue
		}

		lk := leaseKey(id.Family, id.Subnet, rec.ClientKey, id.IsV6, id.DUID, id.IAID)
		buf, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("coordinator: marshal lease: %w", err)
		}
		if _, err := c.kv.Put(ctx, BucketLeases, lk, buf); err != nil {
			_ = c.alloc.Release(ctx, id.Subnet, rec.IP, rec.ClientKey)
			lastErr = err
			continue
		}
		if _, err := c.kv.Put(ctx, BucketLeases, idxKey, []byte(lk)); err != nil {
			_ = c.alloc.Release(ctx, id.Subnet, rec.IP, rec.ClientKey)
			lastErr = err
			continue
		}

		c.mu.Lock()
		c.renewCache[rec.ClientKey] = rec
		c.mu.Unlock()
		c.metrics.IncAllocations("confirmed")
		return rec, nil
	}

	c.metrics.IncAllocations("exhausted")
	if lastErr != nil {
		return nil, fmt.Errorf("coordination: %w (last error: %v)", ErrRetryExhausted, lastErr)
	}
	return nil, ErrRetryExhausted
}

// defaultConflictProbation is applied to a candidate IP that loses a
// coordination conflict when the caller's KeyIdentity carries no
// ProbationPeriod (e.g. a network config that leaves it unset).
const defaultConflictProbation = time.Hour

// probeConflict reads the IP-index entry and, if present, the lease
// record it points to; conflict means an Active record for a different
// client_key.
func (c *Coordinator) probeConflict(ctx context.Context, idxKey, clientKey string) (bool, error) {
	pointer, _, found, err := c.kv.Get(ctx, BucketLeases, idxKey)
	if err != nil {
		return false, fmt.Errorf("coordinator: probe: %w", err)
	}
	if !found {
		return false, nil
	}
	val, _, exists, err := c.kv.Get(ctx, BucketLeases, string(pointer))
	if err != nil || !exists {
		return false, nil
	}
	var rec lease.LeaseRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return false, nil
	}
	return rec.State.Active() && rec.ClientKey != clientKey, nil
}

// RenewFromCache implements spec.md §4.4's renewal short-circuit and
// degraded-mode service: a request matching a cached non-expired record
// is confirmed without a KV round-trip.
func (c *Coordinator) RenewFromCache(clientKey string, now time.Time) (*lease.LeaseRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.renewLookup++
	rec, ok := c.renewCache[clientKey]
	if !ok || rec.ExpiresAt.Before(now) {
		return nil, false
	}
	c.renewHits++
	return rec.Clone(), true
}

// CacheHitFraction reports the running fraction of RenewFromCache lookups
// that hit. Nothing compares it with Config.CacheThreshold: RenewFromCache
// serves every cached non-expired record regardless of the threshold.
func (c *Coordinator) CacheHitFraction() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.renewLookup == 0 {
		return 0
	}
	return float64(c.renewHits) / float64(c.renewLookup)
}

// UpdateCache stores rec as the coordinator's own view of a confirmed
// renewal, keeping the renew cache authoritative after a KV round-trip.
func (c *Coordinator) UpdateCache(rec *lease.LeaseRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renewCache[rec.ClientKey] = rec
}

// Release implements spec.md §4.4's best-effort release: local release
// always succeeds; the KV side effect is fire-and-forget.
func (c *Coordinator) Release(ctx context.Context, id KeyIdentity, subnet, ip, clientKey string) error {
	if err := c.alloc.Release(ctx, subnet, ip, clientKey); err != nil {
		c.log.Warn("local release failed", "error", err)
	}

	c.mu.Lock()
	delete(c.renewCache, clientKey)
	c.mu.Unlock()

	if c.State() == StateDegraded {
		return nil
	}
	lk := leaseKey(id.Family, id.Subnet, clientKey, id.IsV6, id.DUID, id.IAID)
	if err := c.kv.Delete(ctx, BucketLeases, lk); err != nil {
		c.log.Warn("kv release failed, will be reaped by gc", "key", lk, "error", err)
	}
	if err := c.kv.Delete(ctx, BucketLeases, ipIndexKey(id.Family, subnet, ip)); err != nil {
		c.log.Warn("kv ip-index release failed, will be reaped by gc", "error", err)
	}
	return nil
}

// Decline implements spec.md §4.4/§4.5's DECLINE handling: probate the
// address locally; the KV side effect (removing the now-stale index) is
// best-effort.
func (c *Coordinator) Decline(ctx context.Context, id KeyIdentity, subnet, ip string, probationDeadline time.Time) error {
	if err := c.alloc.Probate(ctx, subnet, ip, probationDeadline); err != nil {
		c.log.Warn("local probate failed", "error", err)
	}
	if c.State() == StateDegraded {
		return nil
	}
	if err := c.kv.Delete(ctx, BucketLeases, ipIndexKey(id.Family, subnet, ip)); err != nil {
		c.log.Warn("kv decline cleanup failed", "error", err)
	}
	return nil
}
