package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"savings/internal/amqp"
	"savings/internal/core"
	"savings/internal/reconcile"
	"savings/internal/remote"
	"savings/internal/remote/remotetest"
	"savings/internal/session"
	"savings/internal/storage"
)

type fakeNet struct {
	online    atomic.Bool
	reconnect chan struct{}
}

func newFakeNet(online bool) *fakeNet {
	n := &fakeNet{reconnect: make(chan struct{}, 1)}
	n.online.Store(online)
	return n
}

func (n *fakeNet) Online() bool                 { return n.online.Load() }
func (n *fakeNet) Reconnected() <-chan struct{} { return n.reconnect }

type signedIn bool

func (s signedIn) Authenticated() bool { return bool(s) }

// recordingEngine logs the order of calls and returns canned results.
type recordingEngine struct {
	mu      sync.Mutex
	calls   []string
	results map[string]reconcile.Result
	errs    map[string]error
	pending int
	failed  int
}

func (e *recordingEngine) record(name string) (reconcile.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, name)
	return e.results[name], e.errs[name]
}

func (e *recordingEngine) SyncDeposits(context.Context) (reconcile.Result, error) {
	return e.record("deposits")
}

func (e *recordingEngine) SyncWithdrawals(context.Context) (reconcile.Result, error) {
	return e.record("withdrawals")
}

func (e *recordingEngine) SyncGoals(context.Context) (reconcile.Result, error) {
	return e.record("goals")
}

func (e *recordingEngine) Backlog(context.Context) (int, int, error) {
	return e.pending, e.failed, nil
}

func (e *recordingEngine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

type recordingRecalc struct{ engine *recordingEngine }

func (r recordingRecalc) Recalculate(context.Context) (bool, error) {
	_, err := r.engine.record("recalculate")
	return false, err
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []*amqp.SyncStatusMessage
}

func (p *recordingPublisher) PublishSyncStatus(_ context.Context, msg *amqp.SyncStatusMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func newRecordingScheduler(engine *recordingEngine, net *fakeNet, cfg SchedulerConfig) *Scheduler {
	return NewScheduler(engine, recordingRecalc{engine}, net, signedIn(true), cfg)
}

func TestPerformSync_PassOrder(t *testing.T) {
	engine := &recordingEngine{}
	s := newRecordingScheduler(engine, newFakeNet(true), SchedulerConfig{})

	ran, err := s.PerformSync(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, []string{"deposits", "withdrawals", "recalculate", "goals"}, engine.Calls())
}

func TestPerformSync_SkipsOffline(t *testing.T) {
	engine := &recordingEngine{}
	s := newRecordingScheduler(engine, newFakeNet(false), SchedulerConfig{})

	ran, err := s.PerformSync(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Empty(t, engine.Calls())
	assert.False(t, s.Status().Online)
}

func TestPerformSync_SkipsSignedOut(t *testing.T) {
	engine := &recordingEngine{}
	s := NewScheduler(engine, recordingRecalc{engine}, newFakeNet(true), signedIn(false), SchedulerConfig{})

	ran, err := s.PerformSync(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Empty(t, engine.Calls())
}

func TestPerformSync_StepFailureDoesNotStopPass(t *testing.T) {
	engine := &recordingEngine{errs: map[string]error{"withdrawals": errors.New("list failed")}}
	s := newRecordingScheduler(engine, newFakeNet(true), SchedulerConfig{})

	ran, err := s.PerformSync(context.Background())
	assert.True(t, ran)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "withdrawals: list failed")
	assert.Equal(t, []string{"deposits", "withdrawals", "recalculate", "goals"}, engine.Calls())

	st := s.Status()
	assert.Nil(t, st.LastSyncAt)
	assert.Contains(t, st.LastError, "list failed")
	assert.False(t, st.Syncing)
}

func TestPerformSync_PublishesStatus(t *testing.T) {
	engine := &recordingEngine{
		results: map[string]reconcile.Result{
			"goals": {Rejected: 1, Errors: []error{errors.New("goal Rent: name taken")}},
		},
		pending: 2,
		failed:  1,
	}
	pub := &recordingPublisher{}
	s := newRecordingScheduler(engine, newFakeNet(true), SchedulerConfig{Namespace: "household", Publisher: pub})

	updates, cancel := s.Subscribe()
	defer cancel()

	ran, err := s.PerformSync(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	st := <-updates
	assert.False(t, st.Syncing)
	assert.Equal(t, 2, st.PendingChanges)
	assert.Equal(t, 1, st.FailedChanges)
	assert.Contains(t, st.LastError, "name taken")
	require.NotNil(t, st.LastSyncAt)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "household", pub.msgs[0].Namespace)
	assert.Equal(t, 2, pub.msgs[0].PendingChanges)
	assert.Equal(t, 1, pub.msgs[0].FailedChanges)
}

func TestScheduler_StartStop(t *testing.T) {
	engine := &recordingEngine{}
	net := newFakeNet(true)
	s := newRecordingScheduler(engine, net, SchedulerConfig{Interval: time.Hour, InitialDelay: time.Hour})
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	assert.True(t, s.IsRunning())
	assert.Error(t, s.Start(ctx))

	net.reconnect <- struct{}{}
	require.Eventually(t, func() bool { return len(engine.Calls()) == 4 }, time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))
	assert.False(t, s.IsRunning())
}

// blockingEngine parks the deposit step until released.
type blockingEngine struct {
	*recordingEngine
	entered chan struct{}
	release chan struct{}
}

func (e blockingEngine) SyncDeposits(ctx context.Context) (reconcile.Result, error) {
	close(e.entered)
	<-e.release
	return e.recordingEngine.SyncDeposits(ctx)
}

func TestScheduler_StopCanBeRetriedAfterTimeout(t *testing.T) {
	engine := blockingEngine{&recordingEngine{}, make(chan struct{}), make(chan struct{})}
	s := NewScheduler(engine, recordingRecalc{engine.recordingEngine}, newFakeNet(true), signedIn(true),
		SchedulerConfig{Interval: time.Hour, InitialDelay: 0})
	require.NoError(t, s.Start(context.Background()))
	<-engine.entered

	expired, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(expired), context.DeadlineExceeded)
	assert.True(t, s.IsRunning())

	assert.NotPanics(t, func() {
		assert.ErrorIs(t, s.Stop(expired), context.DeadlineExceeded)
	})

	close(engine.release)
	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.IsRunning())
	assert.Equal(t, []string{"deposits", "withdrawals", "recalculate", "goals"}, engine.Calls())
}

func TestPerformSync_DropsPassLeasedElsewhere(t *testing.T) {
	ctx := context.Background()
	store := storage.NewLedgerStore(storage.NewMemoryBackend(), "default")
	other := store.NewLease("cli", time.Minute)
	ok, err := other.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	engine := &recordingEngine{}
	s := newRecordingScheduler(engine, newFakeNet(true), SchedulerConfig{Lock: store.NewLease("daemon", time.Minute)})

	ran, err := s.PerformSync(ctx)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Empty(t, engine.Calls())

	require.NoError(t, other.Unlock(ctx))
	ran, err = s.PerformSync(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Len(t, engine.Calls(), 4)

	ok, err = other.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "lease released after the pass")
	require.NoError(t, other.Unlock(ctx))
}

func TestScheduler_InitialDelayTriggersPass(t *testing.T) {
	engine := &recordingEngine{}
	s := newRecordingScheduler(engine, newFakeNet(true), SchedulerConfig{Interval: time.Hour, InitialDelay: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return len(engine.Calls()) == 4 }, time.Second, 10*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
}

func TestPerformSync_SingleFlight(t *testing.T) {
	ctx := context.Background()
	srv := remotetest.New("secret")
	t.Cleanup(srv.Close)

	store := storage.NewLedgerStore(storage.NewMemoryBackend(), "default")
	sess, err := session.Load(ctx, store)
	require.NoError(t, err)
	require.NoError(t, sess.SignIn(ctx, "secret"))
	client, err := remote.NewClient(remote.Config{BaseURL: srv.URL, Timeout: 5 * time.Second}, sess)
	require.NoError(t, err)
	engine := reconcile.New(store, client, reconcile.Options{Location: time.UTC})

	require.NoError(t, store.WriteEntries(ctx, []core.LedgerEntry{{
		SyncMeta:   core.SyncMeta{LocalID: core.NewLocalID(), SyncState: core.Unsynced},
		Kind:       core.Deposit,
		Amount:     decimal.NewFromInt(25),
		OccurredAt: time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}}))

	s := NewScheduler(engine, noopRecalc{}, newFakeNet(true), sess, SchedulerConfig{})

	release := srv.Hold()
	defer release()

	type outcome struct {
		ran bool
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		ran, err := s.PerformSync(ctx)
		first <- outcome{ran, err}
	}()
	require.Eventually(t, func() bool {
		return srv.Calls("POST", "/savings-entries") == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, s.Status().Syncing)

	ran, err := s.PerformSync(ctx)
	require.NoError(t, err)
	assert.False(t, ran, "trigger during a pass must be dropped")

	release()
	got := <-first
	require.NoError(t, got.err)
	assert.True(t, got.ran)
	assert.Equal(t, 1, srv.Calls("POST", "/savings-entries"))
	assert.Len(t, srv.Deposits(), 1)
}

type noopRecalc struct{}

func (noopRecalc) Recalculate(context.Context) (bool, error) { return false, nil }

func TestBroker_KeepsNewestForSlowSubscriber(t *testing.T) {
	b := NewBroker[int]()
	ch, cancel := b.Subscribe()

	b.Publish(1)
	b.Publish(2)
	b.Publish(3)
	assert.Equal(t, 3, <-ch)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	b.Publish(4)
}
