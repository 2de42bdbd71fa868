// Package sqlite is the embedded, single-file lease store for standalone
// dorad deployments, adapted from the teacher's pkg/opdb/sqlite key-value
// table into the columnar leases schema spec.md §6 names.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dorad-project/dorad/pkg/lease"
)

// Store is a lease.Store backed by an embedded sqlite database.
//
// The `leased` and `probation` boolean columns are the source's on-disk
// artifact spec.md's Open Question §9 preserves verbatim: they duty-cycle
// against the same expires_at column depending on which is set. The richer
// Reserved/Leased/Probated/Released/Expired enum required by the in-memory
// model is carried in the `state` column alongside them, so this store can
// answer lease.Store's full contract without losing the legacy shape.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-64000",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %s: %w", p, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS leases (
			subnet      TEXT NOT NULL,
			ip          TEXT NOT NULL,
			ip_sort     BLOB NOT NULL,
			lease_id    TEXT NOT NULL,
			family      INTEGER NOT NULL DEFAULT 0,
			client_id   BLOB,
			state       TEXT NOT NULL,
			leased      INTEGER NOT NULL DEFAULT 0,
			probation   INTEGER NOT NULL DEFAULT 0,
			expires_at  INTEGER NOT NULL,
			network     TEXT NOT NULL,
			server_id   TEXT,
			revision    INTEGER NOT NULL DEFAULT 1,
			updated_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
			PRIMARY KEY (subnet, ip)
		)
	`)
	if err != nil {
		db.Close()
		return nil, err
	}
	// ip_sort holds each address's fixed-width (16-byte, v4-in-v6) big-endian
	// form, so range scans and the expiry index order numerically instead of
	// lexicographically over the dotted-quad/colon-hex text in ip — a plain
	// TEXT comparison puts "10.0.0.9" after "10.0.0.250".
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_leases_expiry ON leases(ip_sort, expires_at)`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_leases_client ON leases(subnet, client_id)`); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// ipSortKey returns ip's fixed-width, big-endian byte form: 16 bytes,
// v4-in-v6 mapped for IPv4 addresses. SQLite compares BLOBs byte-by-byte as
// unsigned integers, so this sorts and range-filters numerically for
// either family without needing a 128-bit integer column.
func ipSortKey(ip string) ([]byte, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("ipSortKey: %w", err)
	}
	b := addr.As16()
	return b[:], nil
}

func toRow(rec *lease.LeaseRecord) (leased, probation int, expiresAt int64) {
	switch rec.State {
	case lease.StateLeased:
		leased = 1
	case lease.StateProbated:
		probation = 1
		return leased, probation, rec.ProbationDeadline.Unix()
	}
	return leased, probation, rec.ExpiresAt.Unix()
}

func scanRow(row interface {
	Scan(dest ...any) error
}) (*lease.LeaseRecord, error) {
	var (
		subnet, ip, leaseID, state, network string
		family                              int
		clientID                            []byte
		leased, probation                   int
		expiresAt, updatedAt                int64
		serverID                            sql.NullString
		revision                            uint64
	)
	if err := row.Scan(&subnet, &ip, &leaseID, &family, &clientID, &state, &leased, &probation,
		&expiresAt, &network, &serverID, &revision, &updatedAt); err != nil {
		return nil, err
	}

	rec := &lease.LeaseRecord{
		LeaseID:   leaseID,
		Family:    lease.Family(family),
		Subnet:    subnet,
		IP:        ip,
		ClientKey: string(clientID),
		ServerID:  serverID.String,
		Revision:  revision,
		UpdatedAt: time.Unix(updatedAt, 0).UTC(),
	}
	switch state {
	case "reserved":
		rec.State = lease.StateReserved
	case "leased":
		rec.State = lease.StateLeased
	case "probated":
		rec.State = lease.StateProbated
		rec.ProbationDeadline = time.Unix(expiresAt, 0).UTC()
	case "released":
		rec.State = lease.StateReleased
	default:
		rec.State = lease.StateExpired
	}
	if rec.State != lease.StateProbated {
		rec.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	}
	return rec, nil
}

func (s *Store) GetByIP(ctx context.Context, subnet, ip string) (*lease.LeaseRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT subnet, ip, lease_id, family, client_id, state, leased, probation, expires_at, network, server_id, revision, updated_at
		FROM leases WHERE subnet = ? AND ip = ?
	`, subnet, ip)
	rec, err := scanRow(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (s *Store) GetByClientKey(ctx context.Context, subnet, clientKey string) (*lease.LeaseRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT subnet, ip, lease_id, family, client_id, state, leased, probation, expires_at, network, server_id, revision, updated_at
		FROM leases WHERE subnet = ? AND client_id = ? AND state IN ('reserved', 'leased')
		ORDER BY updated_at DESC LIMIT 1
	`, subnet, []byte(clientKey))
	rec, err := scanRow(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (s *Store) ScanRange(ctx context.Context, subnet, start, end string) ([]*lease.LeaseRecord, error) {
	startKey, err := ipSortKey(start)
	if err != nil {
		return nil, fmt.Errorf("scan range: %w", err)
	}
	endKey, err := ipSortKey(end)
	if err != nil {
		return nil, fmt.Errorf("scan range: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT subnet, ip, lease_id, family, client_id, state, leased, probation, expires_at, network, server_id, revision, updated_at
		FROM leases WHERE subnet = ? AND ip_sort >= ? AND ip_sort <= ?
		ORDER BY ip_sort ASC
	`, subnet, startKey, endKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*lease.LeaseRecord
	for rows.Next() {
		rec, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Insert(ctx context.Context, rec *lease.LeaseRecord) error {
	leased, probation, expiresAt := toRow(rec)
	ipSort, err := ipSortKey(rec.IP)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO leases (subnet, ip, ip_sort, lease_id, family, client_id, state, leased, probation, expires_at, network, server_id, revision, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, strftime('%s', 'now'))
	`, rec.Subnet, rec.IP, ipSort, rec.LeaseID, int(rec.Family), []byte(rec.ClientKey), rec.State.String(),
		leased, probation, expiresAt, rec.Subnet, rec.ServerID, rec.Revision)
	return err
}

// CompareAndSwap loads the current row, applies mutate, and writes it back
// only if the revision hasn't moved since GetByIP/ScanRange handed it to
// the caller — the sqlite-native way to express the optimistic-concurrency
// contract lease.Store requires without a separate locking table.
func (s *Store) CompareAndSwap(ctx context.Context, subnet, ip string, expectRevision uint64, mutate func(*lease.LeaseRecord)) (*lease.LeaseRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT subnet, ip, lease_id, family, client_id, state, leased, probation, expires_at, network, server_id, revision, updated_at
		FROM leases WHERE subnet = ? AND ip = ?
	`, subnet, ip)
	rec, err := scanRow(row)
	if err != nil {
		return nil, err
	}
	if rec.Revision != expectRevision {
		return nil, fmt.Errorf("lease %s/%s: revision mismatch (have %d, expected %d)", subnet, ip, rec.Revision, expectRevision)
	}

	mutate(rec)
	rec.Revision++
	leased, probation, expiresAt := toRow(rec)

	_, err = tx.ExecContext(ctx, `
		UPDATE leases SET lease_id = ?, family = ?, client_id = ?, state = ?, leased = ?, probation = ?,
			expires_at = ?, server_id = ?, revision = ?, updated_at = strftime('%s', 'now')
		WHERE subnet = ? AND ip = ?
	`, rec.LeaseID, int(rec.Family), []byte(rec.ClientKey), rec.State.String(), leased, probation,
		expiresAt, rec.ServerID, rec.Revision, subnet, ip)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) Delete(ctx context.Context, subnet, ip string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE subnet = ? AND ip = ?`, subnet, ip)
	return err
}

func (s *Store) CountByState(ctx context.Context, subnet string) (map[lease.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM leases WHERE subnet = ? GROUP BY state`, subnet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[lease.State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[stateFromString(state)] = n
	}
	return counts, rows.Err()
}

func (s *Store) AllActive(ctx context.Context) ([]*lease.LeaseRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subnet, ip, lease_id, family, client_id, state, leased, probation, expires_at, network, server_id, revision, updated_at
		FROM leases WHERE state IN ('reserved', 'leased')
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*lease.LeaseRecord
	for rows.Next() {
		rec, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) ExpireOlderThan(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE leases SET state = 'expired', leased = 0, updated_at = strftime('%s', 'now')
		WHERE state IN ('reserved', 'leased') AND expires_at < ?
	`, now.Unix())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func stateFromString(s string) lease.State {
	switch s {
	case "reserved":
		return lease.StateReserved
	case "leased":
		return lease.StateLeased
	case "probated":
		return lease.StateProbated
	case "released":
		return lease.StateReleased
	default:
		return lease.StateExpired
	}
}
