package services

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"savings/internal/core"
	"savings/internal/reconcile"
	"savings/internal/storage"
)

type recordingPusher struct {
	pushed []string
	err    error
}

func (p *recordingPusher) PushGoal(_ context.Context, localID string) (reconcile.Result, error) {
	p.pushed = append(p.pushed, localID)
	return reconcile.Result{}, p.err
}

func newStore(t *testing.T) *storage.LedgerStore {
	t.Helper()
	return storage.NewLedgerStore(storage.NewMemoryBackend(), "test")
}

func entry(kind core.EntryKind, amount string) core.LedgerEntry {
	return core.LedgerEntry{
		SyncMeta:   core.SyncMeta{LocalID: core.NewLocalID(), SyncState: core.Synced},
		Kind:       kind,
		Amount:     decimal.RequireFromString(amount),
		OccurredAt: time.Now(),
	}
}

func primaryGoal(current string) core.Goal {
	return core.Goal{
		SyncMeta:      core.SyncMeta{LocalID: "primary", RemoteID: 9, SyncState: core.Synced},
		Name:          "Rent",
		TargetAmount:  decimal.NewFromInt(1000),
		CurrentAmount: decimal.RequireFromString(current),
		IsPrimary:     true,
	}
}

func TestRecalculate_ReplaysLedger(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.WriteEntries(ctx, []core.LedgerEntry{
		entry(core.Deposit, "50"), entry(core.Deposit, "30"), entry(core.Withdrawal, "20"),
	}))
	require.NoError(t, store.WriteGoals(ctx, []core.Goal{primaryGoal("0")}))

	pusher := &recordingPusher{}
	r := NewRecalculator(store, pusher, GateFunc(func() bool { return true }))

	changed, err := r.Recalculate(ctx)
	require.NoError(t, err)
	assert.True(t, changed)

	goals, err := store.ReadGoals(ctx)
	require.NoError(t, err)
	assert.True(t, goals[0].CurrentAmount.Equal(decimal.NewFromInt(60)), "got %s", goals[0].CurrentAmount)
	assert.Equal(t, core.Unsynced, goals[0].SyncState)
	assert.Equal(t, int64(1), goals[0].Revision)
	assert.Equal(t, []string{"primary"}, pusher.pushed)
}

func TestRecalculate_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.WriteEntries(ctx, []core.LedgerEntry{entry(core.Deposit, "60")}))
	require.NoError(t, store.WriteGoals(ctx, []core.Goal{primaryGoal("0")}))
	r := NewRecalculator(store, nil, nil)

	_, err := r.Recalculate(ctx)
	require.NoError(t, err)
	first, err := store.ReadGoals(ctx)
	require.NoError(t, err)

	changed, err := r.Recalculate(ctx)
	require.NoError(t, err)
	assert.False(t, changed)
	second, err := store.ReadGoals(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRecalculate_WithinToleranceIsNoop(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.WriteEntries(ctx, []core.LedgerEntry{entry(core.Deposit, "60")}))
	require.NoError(t, store.WriteGoals(ctx, []core.Goal{primaryGoal("60.004")}))

	changed, err := NewRecalculator(store, nil, nil).Recalculate(ctx)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRecalculate_NoPrimaryIsNoop(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.WriteEntries(ctx, []core.LedgerEntry{entry(core.Deposit, "60")}))
	g := primaryGoal("0")
	g.IsPrimary = false
	require.NoError(t, store.WriteGoals(ctx, []core.Goal{g}))

	pusher := &recordingPusher{}
	changed, err := NewRecalculator(store, pusher, nil).Recalculate(ctx)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, pusher.pushed)
}

func TestRecalculate_ClampsAtZero(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.WriteEntries(ctx, []core.LedgerEntry{entry(core.Withdrawal, "10")}))
	require.NoError(t, store.WriteGoals(ctx, []core.Goal{primaryGoal("5")}))

	_, err := NewRecalculator(store, nil, nil).Recalculate(ctx)
	require.NoError(t, err)
	goals, err := store.ReadGoals(ctx)
	require.NoError(t, err)
	assert.True(t, goals[0].CurrentAmount.IsZero())
}

func TestRecalculate_ClosedGateSkipsPush(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.WriteEntries(ctx, []core.LedgerEntry{entry(core.Deposit, "10")}))
	require.NoError(t, store.WriteGoals(ctx, []core.Goal{primaryGoal("0")}))

	pusher := &recordingPusher{}
	changed, err := NewRecalculator(store, pusher, GateFunc(func() bool { return false })).Recalculate(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Empty(t, pusher.pushed)
}
