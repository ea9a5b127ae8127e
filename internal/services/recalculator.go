package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"savings/internal/core"
	"savings/internal/reconcile"
	"savings/internal/storage"
)

// recalcTolerance is the largest primary-goal drift left uncorrected.
var recalcTolerance = decimal.New(5, -3)

// GoalPusher sends one pending goal to the remote.
type GoalPusher interface {
	PushGoal(ctx context.Context, localID string) (reconcile.Result, error)
}

// Gate reports whether remote calls are worth attempting right now.
type Gate interface {
	Ready() bool
}

// GateFunc adapts a function to Gate.
type GateFunc func() bool

func (f GateFunc) Ready() bool { return f() }

// Recalculator derives the primary goal's balance from the raw ledger.
type Recalculator struct {
	store  *storage.LedgerStore
	pusher GoalPusher
	gate   Gate
	now    func() time.Time
}

// NewRecalculator builds a recalculator. pusher and gate may be nil, in
// which case corrections stay local until the next sync pass.
func NewRecalculator(store *storage.LedgerStore, pusher GoalPusher, gate Gate) *Recalculator {
	return &Recalculator{store: store, pusher: pusher, gate: gate, now: time.Now}
}

// Balance returns Σdeposits − Σwithdrawals over the whole ledger.
func (r *Recalculator) Balance(ctx context.Context) (decimal.Decimal, error) {
	entries, err := r.store.ReadEntries(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read history: %w", err)
	}
	return replay(entries), nil
}

func replay(entries []core.LedgerEntry) decimal.Decimal {
	total := decimal.Zero
	for _, en := range entries {
		switch en.Kind {
		case core.Deposit:
			total = total.Add(en.Amount)
		case core.Withdrawal:
			total = total.Sub(en.Amount)
		}
	}
	return total
}

// Recalculate corrects the primary goal's CurrentAmount when it drifted
// from the ledger and pushes the corrected goal. It reports whether a
// correction was written. Without a primary goal it does nothing.
func (r *Recalculator) Recalculate(ctx context.Context) (bool, error) {
	balance, err := r.Balance(ctx)
	if err != nil {
		return false, err
	}
	corrected := core.Clamp(balance)

	var changed string
	err = r.store.UpdateGoals(ctx, func(goals []core.Goal) ([]core.Goal, error) {
		i := core.PrimaryGoal(goals)
		if i < 0 {
			return goals, nil
		}
		g := &goals[i]
		if g.CurrentAmount.Sub(corrected).Abs().LessThanOrEqual(recalcTolerance) {
			return goals, nil
		}
		slog.InfoContext(ctx, "Correcting primary goal balance",
			"goal", g.Name,
			"stored", g.CurrentAmount.StringFixed(2),
			"corrected", corrected.StringFixed(2))
		g.CurrentAmount = corrected
		g.UpdatedAt = r.now()
		g.Touch()
		changed = g.LocalID
		return goals, nil
	})
	if err != nil {
		return false, fmt.Errorf("update primary goal: %w", err)
	}
	if changed == "" {
		return false, nil
	}

	if r.pusher != nil && (r.gate == nil || r.gate.Ready()) {
		if _, err := r.pusher.PushGoal(ctx, changed); err != nil && !errors.Is(err, reconcile.ErrBusy) {
			slog.WarnContext(ctx, "Failed to push corrected goal", "local_id", changed, "error", err)
		}
	}
	return true, nil
}
