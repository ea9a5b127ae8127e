package reconcile

import (
	"time"

	"github.com/shopspring/decimal"

	"savings/internal/core"
)

var (
	// AmountTolerance is the smallest amount difference treated as a change.
	AmountTolerance = decimal.New(1, -2)

	// TimestampTolerance absorbs the gap between a local OccurredAt and the
	// server's created_at for the same record.
	TimestampTolerance = 60 * time.Second
)

// MatchByHeuristic returns the index of the first unlinked record accepted
// by match, or -1. Records that already carry a RemoteID are never
// candidates.
func MatchByHeuristic[T any, P interface {
	*T
	Meta() *core.SyncMeta
}](items []T, match func(*T) bool) int {
	for i := range items {
		if P(&items[i]).Meta().HasRemote() {
			continue
		}
		if match(&items[i]) {
			return i
		}
	}
	return -1
}

// SameEntry reports whether a local entry and a remote one look like the
// same real-world event: amounts within tolerance, same calendar day in loc.
func SameEntry(local core.LedgerEntry, amount decimal.Decimal, createdAt time.Time, loc *time.Location) bool {
	return amountsEqual(local.Amount, amount) && sameDay(local.OccurredAt, createdAt, loc)
}

func amountsEqual(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(AmountTolerance)
}

func nullAmountsEqual(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || amountsEqual(a.Decimal, b.Decimal)
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// timesDiffer ignores a zero remote stamp.
func timesDiffer(local, remote time.Time) bool {
	if remote.IsZero() {
		return false
	}
	d := local.Sub(remote)
	if d < 0 {
		d = -d
	}
	return d > TimestampTolerance
}

// normalizePrimary keeps a single primary goal. A pending local primary
// beats one reported by the remote; every demoted goal is queued for push.
func normalizePrimary(goals []core.Goal, now time.Time) int {
	winner := -1
	for i := range goals {
		if !goals[i].IsPrimary {
			continue
		}
		if winner < 0 || (goals[winner].SyncState == core.Synced && goals[i].SyncState != core.Synced) {
			winner = i
		}
	}
	if winner < 0 {
		return 0
	}
	demoted := 0
	for i := range goals {
		if i == winner || !goals[i].IsPrimary {
			continue
		}
		goals[i].IsPrimary = false
		goals[i].UpdatedAt = now
		goals[i].Touch()
		demoted++
	}
	return demoted
}
