package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"savings/internal/config"
	"savings/internal/core"
	"savings/internal/remote"
	"savings/internal/remote/remotetest"
	"savings/internal/storage"
)

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		Port:                 "8081",
		DataBackend:          "memory",
		LedgerNamespace:      "default",
		APIBaseURL:           baseURL,
		APITimeout:           5 * time.Second,
		SyncInterval:         time.Minute,
		NetworkProbeInterval: time.Second,
		Timezone:             "UTC",
		Currency:             "USD",
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

func reachable(context.Context) error { return nil }

func TestNew_SignsInFromToken(t *testing.T) {
	ctx := context.Background()
	srv := remotetest.New("secret")
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	cfg.APIToken = "secret"
	a, err := New(ctx, cfg, nil, Options{Probe: reachable})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.True(t, a.Session.Authenticated())
	assert.Nil(t, a.Status, "no broker configured")
	require.NoError(t, a.Ready(ctx))

	require.True(t, a.Network.Check(ctx))
	_, err = a.Ledger.AddDeposit(ctx, decimal.NewFromInt(40), "tips")
	require.NoError(t, err)

	deposits := srv.Deposits()
	require.Len(t, deposits, 1)
	assert.True(t, deposits[0].AmountSaved.Equal(decimal.NewFromInt(40)))
}

func TestNew_OfflineKeepsChangesLocal(t *testing.T) {
	ctx := context.Background()
	srv := remotetest.New("secret")
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	cfg.APIToken = "secret"
	a, err := New(ctx, cfg, nil, Options{Probe: func(context.Context) error { return errors.New("no route to host") }})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.False(t, a.Network.Check(ctx))
	entry, err := a.Ledger.AddDeposit(ctx, decimal.NewFromInt(40), "")
	require.NoError(t, err)
	assert.Equal(t, core.Unsynced, entry.SyncState)
	assert.Empty(t, srv.Deposits())

	ran, err := a.Scheduler.PerformSync(ctx)
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestApp_SignInSyncPicksUpExternalLogin(t *testing.T) {
	ctx := context.Background()
	srv := remotetest.New("secret")
	t.Cleanup(srv.Close)
	srv.AddGoal(remote.Goal{Name: "Car", TargetAmount: decimal.NewFromInt(5000), IsPrimary: true})

	backend := storage.NewMemoryBackend()
	a, err := New(ctx, testConfig(srv.URL), nil, Options{Backend: backend, Probe: reachable})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.True(t, a.Network.Check(ctx))
	require.False(t, a.Session.Authenticated())

	// Another process signs in against the same store.
	other := storage.NewLedgerStore(backend, "default")
	require.NoError(t, other.SaveSession(ctx, core.Session{Token: "secret", SignedInAt: time.Now()}))

	progress := a.SignInSync(ctx)
	assert.True(t, progress.Completed)
	assert.Empty(t, progress.Error)

	goals, err := a.Ledger.Goals(ctx)
	require.NoError(t, err)
	require.Len(t, goals, 1)
	assert.Equal(t, "Car", goals[0].Name)
	user, ok := a.Session.User()
	require.True(t, ok)
	assert.Equal(t, "user@example.com", user.Email)
}

func TestOpenBackend(t *testing.T) {
	cfg := testConfig("http://localhost:8000/api")

	b, err := OpenBackend(cfg)
	require.NoError(t, err)
	assert.IsType(t, &storage.MemoryBackend{}, b)

	cfg.DataBackend = "sqlite"
	cfg.SQLiteDBPath = filepath.Join(t.TempDir(), "savings.db")
	b, err = OpenBackend(cfg)
	require.NoError(t, err)
	assert.IsType(t, &storage.SQLiteBackend{}, b)
	require.NoError(t, b.Close())

	cfg.DataBackend = "sheets"
	_, err = OpenBackend(cfg)
	assert.Error(t, err)
}

func TestNew_InvalidBaseURL(t *testing.T) {
	cfg := testConfig("ftp://example.com")
	_, err := New(context.Background(), cfg, nil, Options{Probe: reachable})
	assert.Error(t, err)
}

func TestApp_WatchSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := storage.NewMemoryBackend()
	a, err := New(ctx, testConfig("http://localhost:8000/api"), nil, Options{Backend: backend, Probe: reachable})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	done := make(chan error, 1)
	go func() { done <- a.WatchSession(ctx, 5*time.Millisecond) }()

	other := storage.NewLedgerStore(backend, "default")
	require.NoError(t, other.SaveSession(ctx, core.Session{Token: "secret", SignedInAt: time.Now()}))
	require.Eventually(t, a.Session.Authenticated, time.Second, 5*time.Millisecond)

	require.NoError(t, other.ClearSession(ctx))
	require.Eventually(t, func() bool { return !a.Session.Authenticated() }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
