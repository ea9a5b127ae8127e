package reconcile

import (
	"context"
	"errors"
	"log/slog"

	"savings/internal/core"
	"savings/internal/remote"
)

// errTargetPending defers a withdrawal whose target goal has no RemoteID yet.
var errTargetPending = errors.New("target goal not synced yet")

func (e *Engine) entries(kind core.EntryKind) collection[core.LedgerEntry] {
	return collection[core.LedgerEntry]{
		name:   string(kind),
		read:   e.store.ReadEntries,
		update: e.store.UpdateEntries,
		owns:   func(en *core.LedgerEntry) bool { return en.Kind == kind },
	}
}

func (e *Engine) goals() collection[core.Goal] {
	return collection[core.Goal]{
		name:   "goal",
		read:   e.store.ReadGoals,
		update: e.store.UpdateGoals,
		owns:   func(*core.Goal) bool { return true },
	}
}

// goalIndex maps goal ids both ways from a goals snapshot.
type goalIndex struct {
	remoteOf map[string]int64 // LocalID -> RemoteID
	localOf  map[int64]string // RemoteID -> LocalID
	exists   map[string]bool
}

func (e *Engine) goalIndex(ctx context.Context) (goalIndex, error) {
	goals, err := e.store.ReadGoals(ctx)
	if err != nil {
		return goalIndex{}, err
	}
	idx := goalIndex{
		remoteOf: make(map[string]int64, len(goals)),
		localOf:  make(map[int64]string, len(goals)),
		exists:   make(map[string]bool, len(goals)),
	}
	for _, g := range goals {
		idx.exists[g.LocalID] = true
		if g.HasRemote() {
			idx.remoteOf[g.LocalID] = g.RemoteID
			idx.localOf[g.RemoteID] = g.LocalID
		}
	}
	return idx, nil
}

// target resolves the local goal a remote entry points at. known is false
// when the remote names a goal this device has not pulled yet.
func (gi goalIndex) target(remoteGoalID int64) (localID string, known bool) {
	if remoteGoalID == 0 {
		return "", true
	}
	localID, known = gi.localOf[remoteGoalID]
	return localID, known
}

// Deposits

func depositInput(en core.LedgerEntry) remote.DepositInput {
	in := remote.DepositInput{AmountSaved: en.Amount, Notes: en.Notes}
	if en.NetIncomeAtTime.Valid {
		v := en.NetIncomeAtTime.Decimal
		in.NetIncome = &v
	}
	return in
}

func (e *Engine) pushDeposits(ctx context.Context, localID string) (Result, error) {
	ops := pushOps[core.LedgerEntry]{
		create: func(ctx context.Context, en core.LedgerEntry) (int64, error) {
			d, err := e.gw.CreateDeposit(ctx, depositInput(en))
			return d.ID, err
		},
		update: func(ctx context.Context, id int64, en core.LedgerEntry) error {
			_, err := e.gw.UpdateDeposit(ctx, id, depositInput(en))
			return err
		},
		remove: e.gw.DeleteDeposit,
	}
	_, res, err := push(ctx, e.entries(core.Deposit), ops, localID)
	return res, err
}

func (e *Engine) pullDeposits(ctx context.Context) (Result, error) {
	ops := pullOps[core.LedgerEntry, remote.Deposit]{
		list:     e.gw.ListDeposits,
		remoteID: func(d remote.Deposit) int64 { return d.ID },
		matches: func(en *core.LedgerEntry, d remote.Deposit) bool {
			return SameEntry(*en, d.AmountSaved, d.CreatedAt, e.opts.Location)
		},
		differs: func(en *core.LedgerEntry, d remote.Deposit) bool {
			return !amountsEqual(en.Amount, d.AmountSaved) ||
				en.Notes != d.Notes ||
				!nullAmountsEqual(en.NetIncomeAtTime, d.NetIncome) ||
				timesDiffer(en.OccurredAt, d.CreatedAt)
		},
		apply: func(en *core.LedgerEntry, d remote.Deposit) {
			en.Amount = d.AmountSaved
			en.Notes = d.Notes
			en.NetIncomeAtTime = d.NetIncome
			en.OccurredAt = d.CreatedAt
			en.UpdatedAt = d.UpdatedAt
		},
		fromRemote: func(d remote.Deposit) core.LedgerEntry {
			return core.LedgerEntry{
				SyncMeta:        core.SyncMeta{LocalID: core.NewLocalID(), RemoteID: d.ID, SyncState: core.Synced},
				Kind:            core.Deposit,
				Amount:          d.AmountSaved,
				OccurredAt:      d.CreatedAt,
				Notes:           d.Notes,
				UpdatedAt:       d.UpdatedAt,
				NetIncomeAtTime: d.NetIncome,
			}
		},
	}
	return pull(ctx, e.entries(core.Deposit), ops, e.opts.PruneRemoteDeletions)
}

// Withdrawals

func withdrawalInput(en core.LedgerEntry, gi goalIndex) (remote.WithdrawalInput, error) {
	in := remote.WithdrawalInput{AmountWithdrawn: en.Amount, Reason: en.Reason, Notes: en.Notes}
	if en.TargetGoal == "" || !gi.exists[en.TargetGoal] {
		return in, nil
	}
	id, ok := gi.remoteOf[en.TargetGoal]
	if !ok {
		return in, errTargetPending
	}
	in.SavingsGoalID = &id
	return in, nil
}

func (e *Engine) pushWithdrawals(ctx context.Context, localID string) (Result, error) {
	gi, err := e.goalIndex(ctx)
	if err != nil {
		return Result{}, err
	}
	ops := pushOps[core.LedgerEntry]{
		create: func(ctx context.Context, en core.LedgerEntry) (int64, error) {
			in, err := withdrawalInput(en, gi)
			if err != nil {
				return 0, err
			}
			w, err := e.gw.CreateWithdrawal(ctx, in)
			return w.ID, err
		},
		update: func(ctx context.Context, id int64, en core.LedgerEntry) error {
			in, err := withdrawalInput(en, gi)
			if err != nil {
				return err
			}
			_, err = e.gw.UpdateWithdrawal(ctx, id, in)
			return err
		},
		remove: e.gw.DeleteWithdrawal,
	}
	_, res, err := push(ctx, e.entries(core.Withdrawal), ops, localID)
	return res, err
}

func (e *Engine) pullWithdrawals(ctx context.Context) (Result, error) {
	gi, err := e.goalIndex(ctx)
	if err != nil {
		return Result{}, err
	}
	ops := pullOps[core.LedgerEntry, remote.Withdrawal]{
		list:     e.gw.ListWithdrawals,
		remoteID: func(w remote.Withdrawal) int64 { return w.ID },
		matches: func(en *core.LedgerEntry, w remote.Withdrawal) bool {
			return SameEntry(*en, w.AmountWithdrawn, w.CreatedAt, e.opts.Location)
		},
		differs: func(en *core.LedgerEntry, w remote.Withdrawal) bool {
			if target, known := gi.target(w.GoalID()); known && target != en.TargetGoal {
				return true
			}
			return !amountsEqual(en.Amount, w.AmountWithdrawn) ||
				en.Notes != w.Notes ||
				en.Reason != w.Reason ||
				timesDiffer(en.OccurredAt, w.CreatedAt)
		},
		apply: func(en *core.LedgerEntry, w remote.Withdrawal) {
			en.Amount = w.AmountWithdrawn
			en.Notes = w.Notes
			en.Reason = w.Reason
			en.OccurredAt = w.CreatedAt
			en.UpdatedAt = w.UpdatedAt
			if target, known := gi.target(w.GoalID()); known {
				en.TargetGoal = target
			}
		},
		fromRemote: func(w remote.Withdrawal) core.LedgerEntry {
			target, _ := gi.target(w.GoalID())
			return core.LedgerEntry{
				SyncMeta:   core.SyncMeta{LocalID: core.NewLocalID(), RemoteID: w.ID, SyncState: core.Synced},
				Kind:       core.Withdrawal,
				Amount:     w.AmountWithdrawn,
				OccurredAt: w.CreatedAt,
				Notes:      w.Notes,
				UpdatedAt:  w.UpdatedAt,
				TargetGoal: target,
				Reason:     w.Reason,
			}
		},
	}
	return pull(ctx, e.entries(core.Withdrawal), ops, e.opts.PruneRemoteDeletions)
}

// Goals

func goalInput(g core.Goal) remote.GoalInput {
	return remote.GoalInput{
		Name:          g.Name,
		TargetAmount:  g.TargetAmount,
		CurrentAmount: g.CurrentAmount,
		IsPrimary:     g.IsPrimary,
	}
}

func (e *Engine) pushGoals(ctx context.Context, localID string) (Result, error) {
	ops := pushOps[core.Goal]{
		create: func(ctx context.Context, g core.Goal) (int64, error) {
			rg, err := e.gw.CreateGoal(ctx, goalInput(g))
			return rg.ID, err
		},
		update: func(ctx context.Context, id int64, g core.Goal) error {
			_, err := e.gw.UpdateGoal(ctx, id, goalInput(g))
			return err
		},
		remove: e.gw.DeleteGoal,
	}
	pushed, res, err := push(ctx, e.goals(), ops, localID)
	if err != nil {
		return res, err
	}
	for _, g := range pushed {
		if g.IsPrimary {
			e.confirmPrimary(ctx, g.LocalID)
			break
		}
	}
	return res, nil
}

// confirmPrimary makes the remote primary match the local one after a push.
func (e *Engine) confirmPrimary(ctx context.Context, localID string) {
	goals, err := e.store.ReadGoals(ctx)
	if err != nil {
		slog.WarnContext(ctx, "Failed to read goals for primary check", "error", err)
		return
	}
	i := core.PrimaryGoal(goals)
	if i < 0 || goals[i].LocalID != localID || !goals[i].HasRemote() {
		return
	}
	want := goals[i].RemoteID

	current, err := e.gw.PrimaryGoal(ctx)
	if err != nil {
		slog.WarnContext(ctx, "Failed to fetch remote primary goal", "error", err)
		return
	}
	if current != nil && current.ID == want {
		return
	}
	if _, err := e.gw.SetPrimaryGoal(ctx, want); err != nil {
		slog.WarnContext(ctx, "Failed to set remote primary goal", "remote_id", want, "error", err)
		return
	}
	slog.InfoContext(ctx, "Remote primary goal updated", "remote_id", want)
}

func (e *Engine) pullGoals(ctx context.Context) (Result, error) {
	ops := pullOps[core.Goal, remote.Goal]{
		list:     e.gw.ListGoals,
		remoteID: func(rg remote.Goal) int64 { return rg.ID },
		matches: func(g *core.Goal, rg remote.Goal) bool {
			return g.Name == rg.Name
		},
		differs: func(g *core.Goal, rg remote.Goal) bool {
			return g.Name != rg.Name ||
				!amountsEqual(g.TargetAmount, rg.TargetAmount) ||
				!amountsEqual(g.CurrentAmount, rg.CurrentAmount) ||
				g.IsPrimary != rg.IsPrimary ||
				timesDiffer(g.CreatedAt, rg.CreatedAt)
		},
		apply: func(g *core.Goal, rg remote.Goal) {
			g.Name = rg.Name
			g.TargetAmount = rg.TargetAmount
			g.CurrentAmount = core.Clamp(rg.CurrentAmount)
			g.IsPrimary = rg.IsPrimary
			g.CreatedAt = rg.CreatedAt
			g.UpdatedAt = rg.UpdatedAt
		},
		fromRemote: func(rg remote.Goal) core.Goal {
			return core.Goal{
				SyncMeta:      core.SyncMeta{LocalID: core.NewLocalID(), RemoteID: rg.ID, SyncState: core.Synced},
				Name:          rg.Name,
				TargetAmount:  rg.TargetAmount,
				CurrentAmount: core.Clamp(rg.CurrentAmount),
				IsPrimary:     rg.IsPrimary,
				CreatedAt:     rg.CreatedAt,
				UpdatedAt:     rg.UpdatedAt,
			}
		},
		finish: func(goals []core.Goal, res *Result) []core.Goal {
			if n := normalizePrimary(goals, e.opts.Now()); n > 0 {
				slog.InfoContext(ctx, "Demoted extra primary goals", "count", n)
			}
			return goals
		},
	}
	return pull(ctx, e.goals(), ops, e.opts.PruneRemoteDeletions)
}
