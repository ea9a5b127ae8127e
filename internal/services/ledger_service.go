// Package services holds the local write path of the ledger and the
// derived-balance recalculation.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"savings/internal/core"
	"savings/internal/reconcile"
	"savings/internal/remote"
	"savings/internal/storage"
)

var (
	ErrInsufficientFunds = errors.New("withdrawal exceeds available savings")
	ErrOffline           = errors.New("remote not reachable or not signed in")
)

// Syncer is the part of the reconciliation engine the write path uses for
// best-effort immediate pushes.
type Syncer interface {
	PushEntry(ctx context.Context, localID string) (reconcile.Result, error)
	PushGoal(ctx context.Context, localID string) (reconcile.Result, error)
	DeleteRemoteEntry(ctx context.Context, kind core.EntryKind, remoteID int64) error
	DeleteRemoteGoal(ctx context.Context, remoteID int64) error
}

// AccountGateway covers the user-level remote calls.
type AccountGateway interface {
	UpdateNetIncome(ctx context.Context, v decimal.Decimal) error
	UpdateProfile(ctx context.Context, in remote.ProfileInput) (remote.Profile, error)
	TotalSavings(ctx context.Context) (decimal.Decimal, error)
}

// EntryUpdate carries the fields to change; nil means unchanged.
type EntryUpdate struct {
	Amount     *decimal.Decimal
	Notes      *string
	Reason     *string
	TargetGoal *string
}

// GoalUpdate carries the fields to change; nil means unchanged.
type GoalUpdate struct {
	Name         *string
	TargetAmount *decimal.Decimal
}

// Drift compares the local replay with the remote running total.
type Drift struct {
	Local  decimal.Decimal
	Remote decimal.Decimal
}

func (d Drift) Difference() decimal.Decimal { return d.Local.Sub(d.Remote) }

func (d Drift) InSync() bool { return d.Difference().Abs().LessThan(reconcile.AmountTolerance) }

// LedgerService applies user mutations: local write first, then a
// best-effort push when the remote is reachable. A failed push leaves the
// record pending for the next sync pass.
type LedgerService struct {
	store   *storage.LedgerStore
	syncer  Syncer
	account AccountGateway
	recalc  *Recalculator
	gate    Gate
	now     func() time.Time
}

func NewLedgerService(
	store *storage.LedgerStore,
	syncer Syncer,
	account AccountGateway,
	recalc *Recalculator,
	gate Gate,
) *LedgerService {
	return &LedgerService{
		store:   store,
		syncer:  syncer,
		account: account,
		recalc:  recalc,
		gate:    gate,
		now:     time.Now,
	}
}

func (s *LedgerService) online() bool {
	return s.gate != nil && s.gate.Ready()
}

// Entries returns the ledger history, optionally filtered by kind.
func (s *LedgerService) Entries(ctx context.Context, kind core.EntryKind) ([]core.LedgerEntry, error) {
	entries, err := s.store.ReadEntries(ctx)
	if err != nil {
		return nil, err
	}
	if kind == "" {
		return entries, nil
	}
	return core.FilterKind(entries, kind), nil
}

// AddDeposit records a deposit, stamping the current net income on it.
func (s *LedgerService) AddDeposit(ctx context.Context, amount decimal.Decimal, notes string) (core.LedgerEntry, error) {
	income, err := s.store.NetIncome(ctx)
	if err != nil {
		return core.LedgerEntry{}, err
	}
	now := s.now()
	en := core.LedgerEntry{
		SyncMeta:        core.SyncMeta{LocalID: core.NewLocalID(), SyncState: core.Unsynced},
		Kind:            core.Deposit,
		Amount:          amount,
		OccurredAt:      now,
		Notes:           strings.TrimSpace(notes),
		UpdatedAt:       now,
		NetIncomeAtTime: income,
	}
	return s.addEntry(ctx, en)
}

// AddWithdrawal records a withdrawal. targetGoal is a goal LocalID or
// empty to draw from the aggregate pool.
func (s *LedgerService) AddWithdrawal(ctx context.Context, amount decimal.Decimal, reason, notes, targetGoal string) (core.LedgerEntry, error) {
	if targetGoal != "" {
		if err := s.requireGoal(ctx, targetGoal); err != nil {
			return core.LedgerEntry{}, err
		}
	}
	now := s.now()
	en := core.LedgerEntry{
		SyncMeta:   core.SyncMeta{LocalID: core.NewLocalID(), SyncState: core.Unsynced},
		Kind:       core.Withdrawal,
		Amount:     amount,
		OccurredAt: now,
		Notes:      strings.TrimSpace(notes),
		UpdatedAt:  now,
		TargetGoal: targetGoal,
		Reason:     strings.TrimSpace(reason),
	}
	return s.addEntry(ctx, en)
}

func (s *LedgerService) addEntry(ctx context.Context, en core.LedgerEntry) (core.LedgerEntry, error) {
	if err := en.Validate(); err != nil {
		return core.LedgerEntry{}, err
	}
	err := s.store.UpdateEntries(ctx, func(entries []core.LedgerEntry) ([]core.LedgerEntry, error) {
		if en.Kind == core.Withdrawal && en.Amount.GreaterThan(replay(entries)) {
			return nil, ErrInsufficientFunds
		}
		return append(entries, en), nil
	})
	if err != nil {
		return core.LedgerEntry{}, fmt.Errorf("save %s: %w", en.Kind, err)
	}

	slog.InfoContext(ctx, "Entry saved locally",
		"kind", en.Kind, "local_id", en.LocalID, "amount", en.Amount.StringFixed(2))

	s.pushEntry(ctx, en.LocalID)
	s.recalculate(ctx)
	return s.entry(ctx, en.LocalID)
}

// UpdateEntry edits an entry and queues it for push.
func (s *LedgerService) UpdateEntry(ctx context.Context, localID string, upd EntryUpdate) (core.LedgerEntry, error) {
	if upd.TargetGoal != nil && *upd.TargetGoal != "" {
		if err := s.requireGoal(ctx, *upd.TargetGoal); err != nil {
			return core.LedgerEntry{}, err
		}
	}
	err := s.store.UpdateEntries(ctx, func(entries []core.LedgerEntry) ([]core.LedgerEntry, error) {
		i := entryIndex(entries, localID)
		if i < 0 {
			return nil, fmt.Errorf("entry %s: %w", localID, core.ErrNotFound)
		}
		en := entries[i]
		if upd.Amount != nil {
			en.Amount = *upd.Amount
		}
		if upd.Notes != nil {
			en.Notes = strings.TrimSpace(*upd.Notes)
		}
		if en.Kind == core.Withdrawal {
			if upd.Reason != nil {
				en.Reason = strings.TrimSpace(*upd.Reason)
			}
			if upd.TargetGoal != nil {
				en.TargetGoal = *upd.TargetGoal
			}
		}
		if err := en.Validate(); err != nil {
			return nil, err
		}
		en.UpdatedAt = s.now()
		en.Touch()
		entries[i] = en
		return entries, nil
	})
	if err != nil {
		return core.LedgerEntry{}, err
	}

	s.pushEntry(ctx, localID)
	s.recalculate(ctx)
	return s.entry(ctx, localID)
}

// DeleteEntry removes an entry locally and best-effort remotely.
func (s *LedgerService) DeleteEntry(ctx context.Context, localID string) error {
	var removed core.LedgerEntry
	err := s.store.UpdateEntries(ctx, func(entries []core.LedgerEntry) ([]core.LedgerEntry, error) {
		i := entryIndex(entries, localID)
		if i < 0 {
			return nil, fmt.Errorf("entry %s: %w", localID, core.ErrNotFound)
		}
		removed = entries[i]
		return append(entries[:i], entries[i+1:]...), nil
	})
	if err != nil {
		return err
	}

	if removed.HasRemote() && s.online() {
		if err := s.syncer.DeleteRemoteEntry(ctx, removed.Kind, removed.RemoteID); err != nil {
			slog.WarnContext(ctx, "Remote delete failed, not retried",
				"kind", removed.Kind, "remote_id", removed.RemoteID, "error", err)
		}
	}
	s.recalculate(ctx)
	return nil
}

// Goals

func (s *LedgerService) Goals(ctx context.Context) ([]core.Goal, error) {
	return s.store.ReadGoals(ctx)
}

// AddGoal creates a goal. When primary is set every other goal is demoted
// in the same write.
func (s *LedgerService) AddGoal(ctx context.Context, name string, target decimal.Decimal, primary bool) (core.Goal, error) {
	now := s.now()
	g := core.Goal{
		SyncMeta:     core.SyncMeta{LocalID: core.NewLocalID(), SyncState: core.Unsynced},
		Name:         strings.TrimSpace(name),
		TargetAmount: target,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := g.Validate(); err != nil {
		return core.Goal{}, err
	}

	var touched []string
	err := s.store.UpdateGoals(ctx, func(goals []core.Goal) ([]core.Goal, error) {
		if core.NameTaken(goals, g.Name, "") {
			return nil, core.ErrDuplicateGoalName
		}
		before := revisions(goals)
		goals = append(goals, g)
		if primary {
			core.SetPrimary(goals, g.LocalID, now)
			touched = changedSince(goals, before)
		}
		return goals, nil
	})
	if err != nil {
		return core.Goal{}, fmt.Errorf("save goal: %w", err)
	}

	slog.InfoContext(ctx, "Goal saved locally", "local_id", g.LocalID, "name", g.Name, "primary", primary)

	s.pushGoals(ctx, append([]string{g.LocalID}, touched...))
	if primary {
		s.recalculate(ctx)
	}
	return s.goal(ctx, g.LocalID)
}

// UpdateGoal edits a goal's name or target.
func (s *LedgerService) UpdateGoal(ctx context.Context, localID string, upd GoalUpdate) (core.Goal, error) {
	err := s.store.UpdateGoals(ctx, func(goals []core.Goal) ([]core.Goal, error) {
		i := goalIndex(goals, localID)
		if i < 0 {
			return nil, fmt.Errorf("goal %s: %w", localID, core.ErrNotFound)
		}
		g := goals[i]
		if upd.Name != nil {
			g.Name = strings.TrimSpace(*upd.Name)
			if core.NameTaken(goals, g.Name, localID) {
				return nil, core.ErrDuplicateGoalName
			}
		}
		if upd.TargetAmount != nil {
			g.TargetAmount = *upd.TargetAmount
		}
		if err := g.Validate(); err != nil {
			return nil, err
		}
		g.UpdatedAt = s.now()
		g.Touch()
		goals[i] = g
		return goals, nil
	})
	if err != nil {
		return core.Goal{}, err
	}
	s.pushGoals(ctx, []string{localID})
	return s.goal(ctx, localID)
}

// SetPrimary makes localID the only primary goal and recomputes its balance.
func (s *LedgerService) SetPrimary(ctx context.Context, localID string) error {
	var touched []string
	err := s.store.UpdateGoals(ctx, func(goals []core.Goal) ([]core.Goal, error) {
		before := revisions(goals)
		if !core.SetPrimary(goals, localID, s.now()) {
			return nil, fmt.Errorf("goal %s: %w", localID, core.ErrNotFound)
		}
		touched = changedSince(goals, before)
		return goals, nil
	})
	if err != nil {
		return err
	}
	s.pushGoals(ctx, touched)
	s.recalculate(ctx)
	return nil
}

// DeleteGoal removes a goal locally and best-effort remotely. Withdrawals
// that targeted it fall back to the aggregate pool.
func (s *LedgerService) DeleteGoal(ctx context.Context, localID string) error {
	var removed core.Goal
	err := s.store.UpdateGoals(ctx, func(goals []core.Goal) ([]core.Goal, error) {
		i := goalIndex(goals, localID)
		if i < 0 {
			return nil, fmt.Errorf("goal %s: %w", localID, core.ErrNotFound)
		}
		removed = goals[i]
		return append(goals[:i], goals[i+1:]...), nil
	})
	if err != nil {
		return err
	}

	err = s.store.UpdateEntries(ctx, func(entries []core.LedgerEntry) ([]core.LedgerEntry, error) {
		for i := range entries {
			if entries[i].TargetGoal == localID {
				entries[i].TargetGoal = ""
			}
		}
		return entries, nil
	})
	if err != nil {
		return fmt.Errorf("detach withdrawals: %w", err)
	}

	if removed.HasRemote() && s.online() {
		if err := s.syncer.DeleteRemoteGoal(ctx, removed.RemoteID); err != nil {
			slog.WarnContext(ctx, "Remote goal delete failed, not retried",
				"remote_id", removed.RemoteID, "error", err)
		}
	}
	return nil
}

// Scalars

func (s *LedgerService) NetIncome(ctx context.Context) (decimal.NullDecimal, error) {
	return s.store.NetIncome(ctx)
}

// SetNetIncome stores the net income and best-effort mirrors it remotely.
func (s *LedgerService) SetNetIncome(ctx context.Context, v decimal.Decimal) error {
	if v.IsNegative() {
		return core.ErrInvalidAmount
	}
	if err := s.store.SetNetIncome(ctx, v); err != nil {
		return err
	}
	if s.online() {
		if err := s.account.UpdateNetIncome(ctx, v); err != nil {
			slog.WarnContext(ctx, "Failed to push net income", "error", err)
		}
	}
	return nil
}

func (s *LedgerService) Settings(ctx context.Context) (core.Settings, error) {
	return s.store.Settings(ctx)
}

// SaveSettings stores the settings and best-effort mirrors them to the
// profile. Settings that could not be sent stay pending for the next
// sign-in sync.
func (s *LedgerService) SaveSettings(ctx context.Context, v core.Settings) error {
	if err := v.Validate(); err != nil {
		return err
	}
	if err := s.store.SaveLocalSettings(ctx, v); err != nil {
		return err
	}
	if !s.online() {
		return nil
	}
	if _, err := s.account.UpdateProfile(ctx, remote.NewProfileInput(v)); err != nil {
		slog.WarnContext(ctx, "Failed to push settings", "error", err)
		return nil
	}
	return s.store.ClearSettingsPending(ctx, v)
}

// Balance is the ledger replay, Σdeposits − Σwithdrawals.
func (s *LedgerService) Balance(ctx context.Context) (decimal.Decimal, error) {
	return s.recalc.Balance(ctx)
}

// Drift fetches the remote running total and compares it with the local
// replay. It needs the remote to be reachable.
func (s *LedgerService) Drift(ctx context.Context) (Drift, error) {
	if !s.online() {
		return Drift{}, ErrOffline
	}
	local, err := s.recalc.Balance(ctx)
	if err != nil {
		return Drift{}, err
	}
	total, err := s.account.TotalSavings(ctx)
	if err != nil {
		return Drift{}, fmt.Errorf("fetch remote total: %w", err)
	}
	return Drift{Local: local, Remote: total}, nil
}

func (s *LedgerService) pushEntry(ctx context.Context, localID string) {
	if !s.online() {
		return
	}
	res, err := s.syncer.PushEntry(ctx, localID)
	switch {
	case errors.Is(err, reconcile.ErrBusy):
		slog.DebugContext(ctx, "Sync pass running, entry left for it", "local_id", localID)
	case err != nil:
		slog.WarnContext(ctx, "Immediate push failed", "local_id", localID, "error", err)
	case res.Err() != nil:
		slog.DebugContext(ctx, "Entry left pending", "local_id", localID, "error", res.Err())
	}
}

func (s *LedgerService) pushGoals(ctx context.Context, localIDs []string) {
	if !s.online() {
		return
	}
	for _, id := range localIDs {
		if _, err := s.syncer.PushGoal(ctx, id); err != nil && !errors.Is(err, reconcile.ErrBusy) {
			slog.WarnContext(ctx, "Immediate goal push failed", "local_id", id, "error", err)
		}
	}
}

func (s *LedgerService) recalculate(ctx context.Context) {
	if s.recalc == nil {
		return
	}
	if _, err := s.recalc.Recalculate(ctx); err != nil {
		slog.WarnContext(ctx, "Recalculation failed", "error", err)
	}
}

func (s *LedgerService) requireGoal(ctx context.Context, localID string) error {
	goals, err := s.store.ReadGoals(ctx)
	if err != nil {
		return err
	}
	if goalIndex(goals, localID) < 0 {
		return fmt.Errorf("goal %s: %w", localID, core.ErrNotFound)
	}
	return nil
}

func (s *LedgerService) entry(ctx context.Context, localID string) (core.LedgerEntry, error) {
	entries, err := s.store.ReadEntries(ctx)
	if err != nil {
		return core.LedgerEntry{}, err
	}
	if i := entryIndex(entries, localID); i >= 0 {
		return entries[i], nil
	}
	return core.LedgerEntry{}, fmt.Errorf("entry %s: %w", localID, core.ErrNotFound)
}

func (s *LedgerService) goal(ctx context.Context, localID string) (core.Goal, error) {
	goals, err := s.store.ReadGoals(ctx)
	if err != nil {
		return core.Goal{}, err
	}
	if i := goalIndex(goals, localID); i >= 0 {
		return goals[i], nil
	}
	return core.Goal{}, fmt.Errorf("goal %s: %w", localID, core.ErrNotFound)
}

func entryIndex(entries []core.LedgerEntry, localID string) int {
	for i := range entries {
		if entries[i].LocalID == localID {
			return i
		}
	}
	return -1
}

func goalIndex(goals []core.Goal, localID string) int {
	for i := range goals {
		if goals[i].LocalID == localID {
			return i
		}
	}
	return -1
}

func revisions(goals []core.Goal) map[string]int64 {
	out := make(map[string]int64, len(goals))
	for _, g := range goals {
		out[g.LocalID] = g.Revision
	}
	return out
}

// changedSince lists the goals whose revision moved, new goals excluded.
func changedSince(goals []core.Goal, before map[string]int64) []string {
	var out []string
	for _, g := range goals {
		if rev, ok := before[g.LocalID]; ok && rev != g.Revision {
			out = append(out, g.LocalID)
		}
	}
	return out
}
