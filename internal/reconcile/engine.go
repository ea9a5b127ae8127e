// Package reconcile pushes pending local records to the remote authority
// and merges remote state back into the local ledger.
//
// Every step works on a snapshot: remote calls happen outside the store's
// collection locks and their outcome is applied afterwards by LocalID.
// A local edit that lands in between bumps the record's Revision, which
// keeps the record pending instead of marking it synced.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"savings/internal/core"
	"savings/internal/remote"
	"savings/internal/storage"
)

// ErrBusy is returned by the single-record pushes when a pass already
// holds the collection. The record stays pending.
var ErrBusy = errors.New("reconcile: collection busy")

// Gateway is the subset of the remote client the engine drives.
type Gateway interface {
	ListDeposits(ctx context.Context) ([]remote.Deposit, error)
	CreateDeposit(ctx context.Context, in remote.DepositInput) (remote.Deposit, error)
	UpdateDeposit(ctx context.Context, id int64, in remote.DepositInput) (remote.Deposit, error)
	DeleteDeposit(ctx context.Context, id int64) error

	ListWithdrawals(ctx context.Context) ([]remote.Withdrawal, error)
	CreateWithdrawal(ctx context.Context, in remote.WithdrawalInput) (remote.Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, id int64, in remote.WithdrawalInput) (remote.Withdrawal, error)
	DeleteWithdrawal(ctx context.Context, id int64) error

	ListGoals(ctx context.Context) ([]remote.Goal, error)
	CreateGoal(ctx context.Context, in remote.GoalInput) (remote.Goal, error)
	UpdateGoal(ctx context.Context, id int64, in remote.GoalInput) (remote.Goal, error)
	DeleteGoal(ctx context.Context, id int64) error
	SetPrimaryGoal(ctx context.Context, id int64) (remote.Goal, error)
	PrimaryGoal(ctx context.Context) (*remote.Goal, error)
}

// Options tune the merge.
type Options struct {
	// PruneRemoteDeletions removes synced local records whose remote copy
	// is missing from a successful list.
	PruneRemoteDeletions bool

	// Location decides calendar days for heuristic matching. Defaults to time.Local.
	Location *time.Location

	Now func() time.Time
}

type Engine struct {
	store *storage.LedgerStore
	gw    Gateway
	opts  Options

	// One lock per remote collection, held from snapshot to write-back so
	// a pull never prunes a record that a concurrent push just created.
	depositsMu    sync.Mutex
	withdrawalsMu sync.Mutex
	goalsMu       sync.Mutex
}

func New(store *storage.LedgerStore, gw Gateway, opts Options) *Engine {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{store: store, gw: gw, opts: opts}
}

// collection is a typed view over one remote resource kind in the store.
type collection[T any] struct {
	name   string
	read   func(context.Context) ([]T, error)
	update func(context.Context, func([]T) ([]T, error)) error
	owns   func(*T) bool
}

type pushOps[T any] struct {
	create func(ctx context.Context, rec T) (int64, error)
	update func(ctx context.Context, id int64, rec T) error
	remove func(ctx context.Context, id int64) error
}

type pullOps[T any, R any] struct {
	list       func(ctx context.Context) ([]R, error)
	remoteID   func(R) int64
	matches    func(local *T, r R) bool
	differs    func(local *T, r R) bool
	apply      func(local *T, r R)
	fromRemote func(r R) T
	finish     func(items []T, res *Result) []T
}

type metaPtr[T any] interface {
	*T
	Meta() *core.SyncMeta
}

// Deposits

func (e *Engine) SyncDeposits(ctx context.Context) (Result, error) {
	e.depositsMu.Lock()
	defer e.depositsMu.Unlock()
	return syncKind(ctx, e.pushDeposits, e.pullDeposits)
}

func (e *Engine) PushDeposits(ctx context.Context) (Result, error) {
	e.depositsMu.Lock()
	defer e.depositsMu.Unlock()
	return e.pushDeposits(ctx, "")
}

func (e *Engine) PullDeposits(ctx context.Context) (Result, error) {
	e.depositsMu.Lock()
	defer e.depositsMu.Unlock()
	return e.pullDeposits(ctx)
}

// Withdrawals

func (e *Engine) SyncWithdrawals(ctx context.Context) (Result, error) {
	e.withdrawalsMu.Lock()
	defer e.withdrawalsMu.Unlock()
	return syncKind(ctx, e.pushWithdrawals, e.pullWithdrawals)
}

func (e *Engine) PushWithdrawals(ctx context.Context) (Result, error) {
	e.withdrawalsMu.Lock()
	defer e.withdrawalsMu.Unlock()
	return e.pushWithdrawals(ctx, "")
}

func (e *Engine) PullWithdrawals(ctx context.Context) (Result, error) {
	e.withdrawalsMu.Lock()
	defer e.withdrawalsMu.Unlock()
	return e.pullWithdrawals(ctx)
}

// Goals

func (e *Engine) SyncGoals(ctx context.Context) (Result, error) {
	e.goalsMu.Lock()
	defer e.goalsMu.Unlock()
	return syncKind(ctx, e.pushGoals, e.pullGoals)
}

func (e *Engine) PushGoals(ctx context.Context) (Result, error) {
	e.goalsMu.Lock()
	defer e.goalsMu.Unlock()
	return e.pushGoals(ctx, "")
}

func (e *Engine) PullGoals(ctx context.Context) (Result, error) {
	e.goalsMu.Lock()
	defer e.goalsMu.Unlock()
	return e.pullGoals(ctx)
}

// PushEntry pushes one pending ledger entry. It returns ErrBusy without
// touching the remote when a pass currently owns the entry's collection.
func (e *Engine) PushEntry(ctx context.Context, localID string) (Result, error) {
	entries, err := e.store.ReadEntries(ctx)
	if err != nil {
		return Result{}, err
	}
	kind := core.EntryKind("")
	for _, en := range entries {
		if en.LocalID == localID {
			kind = en.Kind
			break
		}
	}
	switch kind {
	case core.Deposit:
		if !e.depositsMu.TryLock() {
			return Result{}, ErrBusy
		}
		defer e.depositsMu.Unlock()
		return e.pushDeposits(ctx, localID)
	case core.Withdrawal:
		if !e.withdrawalsMu.TryLock() {
			return Result{}, ErrBusy
		}
		defer e.withdrawalsMu.Unlock()
		return e.pushWithdrawals(ctx, localID)
	default:
		return Result{}, fmt.Errorf("entry %s: %w", localID, core.ErrNotFound)
	}
}

// PushGoal pushes one pending goal. It returns ErrBusy when a goal pass
// is running.
func (e *Engine) PushGoal(ctx context.Context, localID string) (Result, error) {
	if !e.goalsMu.TryLock() {
		return Result{}, ErrBusy
	}
	defer e.goalsMu.Unlock()
	return e.pushGoals(ctx, localID)
}

// RetryFailed queues every rejected record for another push.
func (e *Engine) RetryFailed(ctx context.Context) (Result, error) {
	var res Result
	err := e.store.UpdateEntries(ctx, func(entries []core.LedgerEntry) ([]core.LedgerEntry, error) {
		for i := range entries {
			if entries[i].SyncState == core.Failed {
				entries[i].Touch()
				res.Requeued++
			}
		}
		return entries, nil
	})
	if err != nil {
		return res, err
	}
	err = e.store.UpdateGoals(ctx, func(goals []core.Goal) ([]core.Goal, error) {
		for i := range goals {
			if goals[i].SyncState == core.Failed {
				goals[i].Touch()
				res.Requeued++
			}
		}
		return goals, nil
	})
	return res, err
}

// Backlog counts records waiting for a push and records the remote rejected.
func (e *Engine) Backlog(ctx context.Context) (pending, failed int, err error) {
	entries, err := e.store.ReadEntries(ctx)
	if err != nil {
		return 0, 0, err
	}
	goals, err := e.store.ReadGoals(ctx)
	if err != nil {
		return 0, 0, err
	}
	metas := make([]core.SyncMeta, 0, len(entries)+len(goals))
	for _, en := range entries {
		metas = append(metas, en.SyncMeta)
	}
	for _, g := range goals {
		metas = append(metas, g.SyncMeta)
	}
	pending, failed = core.CountStates(metas...)
	return pending, failed, nil
}

// DeleteRemoteEntry deletes the remote copy of a ledger entry. A missing
// remote copy counts as deleted.
func (e *Engine) DeleteRemoteEntry(ctx context.Context, kind core.EntryKind, remoteID int64) error {
	var err error
	switch kind {
	case core.Deposit:
		err = e.gw.DeleteDeposit(ctx, remoteID)
	case core.Withdrawal:
		err = e.gw.DeleteWithdrawal(ctx, remoteID)
	default:
		return core.ErrInvalidKind
	}
	if remote.IsNotFound(err) {
		return nil
	}
	return err
}

// DeleteRemoteGoal deletes the remote copy of a goal. A missing remote copy
// counts as deleted.
func (e *Engine) DeleteRemoteGoal(ctx context.Context, remoteID int64) error {
	err := e.gw.DeleteGoal(ctx, remoteID)
	if remote.IsNotFound(err) {
		return nil
	}
	return err
}

func syncKind(ctx context.Context, push func(context.Context, string) (Result, error), pull func(context.Context) (Result, error)) (Result, error) {
	res, err := push(ctx, "")
	if err != nil {
		return res, err
	}
	pulled, err := pull(ctx)
	res.Add(pulled)
	return res, err
}

// push sends every pending owned record (or only the one with localID)
// and writes each outcome back. Per-record failures are counted, never
// returned.
func push[T any, P metaPtr[T]](ctx context.Context, col collection[T], ops pushOps[T], localID string) ([]T, Result, error) {
	var res Result
	items, err := col.read(ctx)
	if err != nil {
		return nil, res, err
	}

	var pushed []T
	for i := range items {
		rec := items[i]
		m := P(&rec).Meta()
		if !col.owns(&rec) || !m.Pending() {
			continue
		}
		if localID != "" && m.LocalID != localID {
			continue
		}
		if err := ctx.Err(); err != nil {
			return pushed, res, err
		}
		ok, err := pushOne[T, P](ctx, col, ops, rec, &res)
		if err != nil {
			return pushed, res, err
		}
		if ok {
			pushed = append(pushed, rec)
		}
	}
	return pushed, res, nil
}

func pushOne[T any, P metaPtr[T]](ctx context.Context, col collection[T], ops pushOps[T], rec T, res *Result) (bool, error) {
	before := *P(&rec).Meta()

	remoteID := before.RemoteID
	var callErr error
	if before.HasRemote() {
		callErr = ops.update(ctx, before.RemoteID, rec)
	} else {
		remoteID, callErr = ops.create(ctx, rec)
	}
	created := callErr == nil && !before.HasRemote()

	var orphan int64
	err := col.update(ctx, func(items []T) ([]T, error) {
		idx := indexOf[T, P](items, before.LocalID)
		if idx < 0 {
			if created {
				orphan = remoteID
			}
			return items, nil
		}
		cur := P(&items[idx]).Meta()
		switch {
		case callErr == nil:
			if !cur.HasRemote() {
				cur.RemoteID = remoteID
			} else if created && cur.RemoteID != remoteID {
				orphan = remoteID
			}
			if cur.Revision == before.Revision {
				cur.SyncState = core.Synced
				cur.SyncError = ""
			}
		case before.HasRemote() && remote.IsNotFound(callErr):
			if cur.RemoteID == before.RemoteID {
				cur.RemoteID = 0
			}
		case remote.IsValidation(callErr):
			if cur.Revision == before.Revision {
				cur.SyncState = core.Failed
				cur.SyncError = callErr.Error()
			}
		}
		return items, nil
	})
	if err != nil {
		return false, fmt.Errorf("write back %s %s: %w", col.name, before.LocalID, err)
	}

	switch {
	case created:
		res.Created++
		slog.DebugContext(ctx, "Record created remotely", "collection", col.name, "local_id", before.LocalID, "remote_id", remoteID)
	case callErr == nil:
		res.Updated++
		slog.DebugContext(ctx, "Record updated remotely", "collection", col.name, "local_id", before.LocalID, "remote_id", remoteID)
	case before.HasRemote() && remote.IsNotFound(callErr):
		res.Unlinked++
		slog.WarnContext(ctx, "Remote copy missing, record will be re-created",
			"collection", col.name, "local_id", before.LocalID, "remote_id", before.RemoteID)
	case remote.IsValidation(callErr):
		res.Rejected++
		res.Errors = append(res.Errors, callErr)
		slog.WarnContext(ctx, "Record rejected by remote", "collection", col.name, "local_id", before.LocalID, "error", callErr)
	default:
		res.Deferred++
		res.Errors = append(res.Errors, callErr)
		slog.WarnContext(ctx, "Push deferred", "collection", col.name, "local_id", before.LocalID, "error", callErr)
	}

	if orphan != 0 {
		if err := ops.remove(ctx, orphan); err != nil && !remote.IsNotFound(err) {
			slog.WarnContext(ctx, "Failed to delete orphaned remote copy",
				"collection", col.name, "remote_id", orphan, "error", err)
		} else {
			slog.InfoContext(ctx, "Deleted remote copy of a locally removed record",
				"collection", col.name, "remote_id", orphan)
		}
	}
	return callErr == nil, nil
}

// pull lists the remote collection and merges it into the local one in a
// single write.
func pull[T any, P metaPtr[T], R any](ctx context.Context, col collection[T], ops pullOps[T, R], prune bool) (Result, error) {
	remotes, err := ops.list(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list %s: %w", col.name, err)
	}

	var res Result
	err = col.update(ctx, func(items []T) ([]T, error) {
		res = Result{}
		byRemote := make(map[int64]int, len(items))
		for i := range items {
			if m := P(&items[i]).Meta(); col.owns(&items[i]) && m.HasRemote() {
				byRemote[m.RemoteID] = i
			}
		}

		seen := make(map[int64]bool, len(remotes))
		for _, r := range remotes {
			id := ops.remoteID(r)
			seen[id] = true

			idx, ok := byRemote[id]
			if !ok {
				idx = MatchByHeuristic[T, P](items, func(x *T) bool {
					return col.owns(x) && ops.matches(x, r)
				})
				if idx >= 0 {
					P(&items[idx]).Meta().RemoteID = id
					byRemote[id] = idx
					res.Linked++
				}
			}
			if idx < 0 {
				items = append(items, ops.fromRemote(r))
				byRemote[id] = len(items) - 1
				res.Inserted++
				continue
			}
			resolve[T, P](&items[idx], r, ops, &res)
		}

		if prune {
			items = pruneMissing[T, P](items, col.owns, seen, &res)
		}
		if ops.finish != nil {
			items = ops.finish(items, &res)
		}
		return items, nil
	})
	if err != nil {
		return res, fmt.Errorf("merge %s: %w", col.name, err)
	}

	slog.DebugContext(ctx, "Pull merged", "collection", col.name, "remote_count", len(remotes), "result", res.String())
	return res, nil
}

// resolve applies the conflict policy to a joined pair: a pending local
// change wins, a synced local copy takes the remote fields.
func resolve[T any, P metaPtr[T], R any](local *T, r R, ops pullOps[T, R], res *Result) {
	m := P(local).Meta()
	if !ops.differs(local, r) {
		m.SyncState = core.Synced
		m.SyncError = ""
		return
	}
	if m.SyncState == core.Synced {
		ops.apply(local, r)
		res.Overwritten++
		return
	}
	res.Preserved++
}

func pruneMissing[T any, P metaPtr[T]](items []T, owns func(*T) bool, seen map[int64]bool, res *Result) []T {
	out := items[:0]
	for i := range items {
		m := P(&items[i]).Meta()
		if owns(&items[i]) && m.HasRemote() && !seen[m.RemoteID] {
			if m.SyncState == core.Synced {
				res.Pruned++
				continue
			}
			m.RemoteID = 0
			res.Unlinked++
		}
		out = append(out, items[i])
	}
	return out
}

func indexOf[T any, P metaPtr[T]](items []T, localID string) int {
	for i := range items {
		if P(&items[i]).Meta().LocalID == localID {
			return i
		}
	}
	return -1
}
