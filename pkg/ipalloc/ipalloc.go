// Package ipalloc allocates client and weaver IPv6 addresses from a fixed
// ULA /48, persisting each allocation and seeding an in-memory atomic
// counter from the current maximum on startup (spec §4.2).
package ipalloc

import (
	"context"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/loom/internal/apperr"
	"github.com/wisbric/loom/internal/db"
	"github.com/wisbric/loom/internal/telemetry"
)

// Kind distinguishes the two /64 subnets carved out of the /48.
type Kind string

const (
	KindWeaver Kind = "weaver"
	KindClient Kind = "client"
)

// subnetSuffix is the fourth hextet that selects each /64 within the /48
// (spec §4.2, §6): weavers in …:1::/64, clients in …:2::/64.
var subnetSuffix = map[Kind]uint16{
	KindWeaver: 1,
	KindClient: 2,
}

// Allocation is one persisted (address, holder) record.
type Allocation struct {
	Address    netip.Addr
	Kind       Kind
	HolderID   string
	AllocatedAt time.Time
	ReleasedAt  *time.Time
}

// Allocator hands out addresses from a fixed /48 ULA prefix. Counters are
// in-memory atomics seeded from a DB scan at construction; allocation rows
// are the durable source of truth and a unique constraint on (address)
// where released_at is null resolves any race between the counter bump and
// the insert (spec §5 "Shared resources").
type Allocator struct {
	db       db.DBTX
	prefix   netip.Prefix // the /48
	counters map[Kind]*atomic.Uint64
}

// New creates an Allocator bound to prefix (expected to be a /48, e.g.
// fd7a:115c:a1e0::/48) and seeds its per-subnet counters by scanning
// existing allocation rows for the maximum host suffix in use.
func New(ctx context.Context, dbtx db.DBTX, prefix netip.Prefix) (*Allocator, error) {
	if prefix.Bits() != 48 {
		return nil, fmt.Errorf("ipalloc: expected a /48 prefix, got /%d", prefix.Bits())
	}

	a := &Allocator{
		db:     dbtx,
		prefix: prefix,
		counters: map[Kind]*atomic.Uint64{
			KindWeaver: {},
			KindClient: {},
		},
	}

	for _, kind := range []Kind{KindWeaver, KindClient} {
		max, err := a.scanMaxSuffix(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("scanning max suffix for %s: %w", kind, err)
		}
		a.counters[kind].Store(max)
	}
	return a, nil
}

// WithTx returns an Allocator bound to an in-flight transaction while
// sharing the parent's in-memory counters, so a caller running inside a
// larger transaction (e.g. the session broker's create_session) can
// allocate an address that commits or rolls back with the rest of its work
// (spec §4.3).
func (a *Allocator) WithTx(tx db.DBTX) *Allocator {
	return &Allocator{db: tx, prefix: a.prefix, counters: a.counters}
}

func (a *Allocator) scanMaxSuffix(ctx context.Context, kind Kind) (uint64, error) {
	var max *int64
	err := a.db.QueryRow(ctx,
		`SELECT MAX(host_suffix) FROM ip_allocations WHERE kind = $1`, string(kind),
	).Scan(&max)
	if err != nil {
		return 0, err
	}
	if max == nil {
		return 0, nil
	}
	return uint64(*max), nil
}

// Allocate returns an address for holderID, allocating a fresh one from the
// given subnet if one does not already exist (idempotent: a repeat call for
// the same holder and kind returns the same address, spec §4.2).
func (a *Allocator) Allocate(ctx context.Context, kind Kind, holderID string) (netip.Addr, error) {
	if existing, ok, err := a.existing(ctx, kind, holderID); err != nil {
		return netip.Addr{}, err
	} else if ok {
		return existing, nil
	}

	for attempt := 0; attempt < 5; attempt++ {
		suffix := a.counters[kind].Add(1)
		addr, err := a.addressFor(kind, suffix)
		if err != nil {
			return netip.Addr{}, err
		}

		_, err = a.db.Exec(ctx,
			`INSERT INTO ip_allocations (address, kind, holder_id, host_suffix, allocated_at)
			 VALUES ($1, $2, $3, $4, now())`,
			addr.String(), string(kind), holderID, int64(suffix),
		)
		if err == nil {
			telemetry.IPAllocationsTotal.WithLabelValues(string(kind)).Inc()
			return addr, nil
		}
		// Unique-constraint violation on (address) WHERE released_at IS
		// NULL: another allocator instance raced us onto the same suffix.
		// Retry with the next counter value (spec §5).
		if isUniqueViolation(err) {
			continue
		}
		return netip.Addr{}, fmt.Errorf("inserting allocation: %w", err)
	}
	return netip.Addr{}, apperr.New(apperr.KindConflict, "ip_allocation_exhausted",
		"could not allocate an address after repeated conflicts")
}

func (a *Allocator) existing(ctx context.Context, kind Kind, holderID string) (netip.Addr, bool, error) {
	var s string
	err := a.db.QueryRow(ctx,
		`SELECT address FROM ip_allocations WHERE kind = $1 AND holder_id = $2 AND released_at IS NULL`,
		string(kind), holderID,
	).Scan(&s)
	if err != nil {
		if err == pgx.ErrNoRows {
			return netip.Addr{}, false, nil
		}
		return netip.Addr{}, false, fmt.Errorf("looking up existing allocation: %w", err)
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false, fmt.Errorf("parsing stored address: %w", err)
	}
	return addr, true, nil
}

// Release marks the allocation for holderID as released without recycling
// its suffix (spec §4.2: "avoids churn and stale-route races").
func (a *Allocator) Release(ctx context.Context, kind Kind, holderID string) error {
	_, err := a.db.Exec(ctx,
		`UPDATE ip_allocations SET released_at = now()
		 WHERE kind = $1 AND holder_id = $2 AND released_at IS NULL`,
		string(kind), holderID)
	if err != nil {
		return fmt.Errorf("releasing allocation: %w", err)
	}
	return nil
}

// PruneReleased deletes released allocation rows older than olderThan,
// bounding the table's retention of addresses nothing holds any more. The
// live (released_at IS NULL) rows this allocator's counters depend on are
// never touched.
func (a *Allocator) PruneReleased(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := a.db.Exec(ctx,
		`DELETE FROM ip_allocations WHERE released_at IS NOT NULL AND released_at < $1`,
		time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("pruning released allocations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// addressFor derives the full IPv6 address for a host suffix within the
// subnet selected by kind.
func (a *Allocator) addressFor(kind Kind, suffix uint64) (netip.Addr, error) {
	if suffix == 0 {
		return netip.Addr{}, apperr.New(apperr.KindInternal, "ip_allocator_exhausted",
			"2^64 host suffixes exhausted for subnet")
	}
	base := a.prefix.Addr().As16()
	// The /48 covers bytes 0-5; bytes 6-7 (the fourth hextet) select the
	// /64 subnet and bytes 8-15 hold the host suffix.
	base[6] = byte(subnetSuffix[kind] >> 8)
	base[7] = byte(subnetSuffix[kind])
	for i := 0; i < 8; i++ {
		base[15-i] = byte(suffix >> (8 * i))
	}
	return netip.AddrFrom16(base), nil
}

func isUniqueViolation(err error) bool {
	// pgx surfaces Postgres SQLSTATE 23505 for unique_violation; checking
	// the string keeps this package free of a direct pgconn import for a
	// single error code comparison the way the rest of this pack's stores
	// do for conflict detection.
	return err != nil && (containsCode(err, "23505"))
}

func containsCode(err error, code string) bool {
	type sqlStater interface{ SQLState() string }
	if pgErr, ok := err.(sqlStater); ok {
		return pgErr.SQLState() == code
	}
	return false
}
