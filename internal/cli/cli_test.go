package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"savings/internal/app"
	"savings/internal/config"
	"savings/internal/core"
	"savings/internal/log"
	"savings/internal/remote"
	"savings/internal/remote/remotetest"
	"savings/internal/services"
	"savings/internal/storage"
)

type cliFixture struct {
	srv   *remotetest.Server
	app   *app.App
	build AppBuilder
}

func newCLIFixture(t *testing.T, token string) *cliFixture {
	t.Helper()
	srv := remotetest.New("secret")
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		DataBackend:          "memory",
		LedgerNamespace:      "default",
		APIBaseURL:           srv.URL,
		APIToken:             token,
		APITimeout:           5 * time.Second,
		SyncInterval:         time.Minute,
		NetworkProbeInterval: time.Second,
		Timezone:             "UTC",
		Currency:             "USD",
	}
	logger := log.New(log.Config{Output: io.Discard, Component: log.ComponentCLI})
	a, err := app.New(context.Background(), cfg, logger, app.Options{
		Backend: storage.NewMemoryBackend(),
		Probe:   func(context.Context) error { return nil },
	})
	require.NoError(t, err)

	return &cliFixture{
		srv:   srv,
		app:   a,
		build: func(context.Context) (*app.App, error) { return a, nil },
	}
}

func (f *cliFixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand(f.build)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func (f *cliFixture) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := f.run(t, args...)
	require.NoError(t, err, out)
	return out
}

func TestDepositAndHistory_SignedOut(t *testing.T) {
	f := newCLIFixture(t, "")

	out := f.mustRun(t, "deposit", "25", "--notes", "tips")
	assert.Contains(t, out, "Saved deposit $25.00")
	assert.Contains(t, out, "Sync: pending")

	out = f.mustRun(t, "history", "--output", "json")
	var entries []core.LedgerEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, core.Deposit, entries[0].Kind)
	assert.Equal(t, "tips", entries[0].Notes)
	assert.Equal(t, core.Unsynced, entries[0].SyncState)
	assert.Empty(t, f.srv.Deposits(), "nothing leaves the device while signed out")

	out = f.mustRun(t, "history", "--kind", "withdrawal")
	assert.Contains(t, out, "No entries.")

	_, err := f.run(t, "history", "--kind", "refund")
	assert.ErrorIs(t, err, core.ErrInvalidKind)
}

func TestDeposit_InvalidAmount(t *testing.T) {
	f := newCLIFixture(t, "")

	for _, amount := range []string{"0", "-5", "abc"} {
		_, err := f.run(t, "deposit", amount)
		assert.ErrorIs(t, err, core.ErrInvalidAmount, amount)
	}
}

func TestWithdraw_InsufficientFunds(t *testing.T) {
	f := newCLIFixture(t, "")
	f.mustRun(t, "deposit", "10")

	_, err := f.run(t, "withdraw", "10.01", "--reason", "rent")
	assert.ErrorIs(t, err, services.ErrInsufficientFunds)

	out := f.mustRun(t, "withdraw", "4", "--reason", "groceries")
	assert.Contains(t, out, "Saved withdrawal $4.00")

	out = f.mustRun(t, "status", "--output", "json")
	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "6.00", report.Balance)
	assert.Equal(t, 2, report.PendingChanges)
	assert.False(t, report.SignedIn)
	assert.False(t, report.Online)
}

func TestEditAndDeleteEntry(t *testing.T) {
	f := newCLIFixture(t, "secret")
	f.mustRun(t, "deposit", "30")
	id := f.localEntryID(t)

	f.mustRun(t, "edit-entry", id, "--amount", "45", "--notes", "bonus")
	deposits := f.srv.Deposits()
	require.Len(t, deposits, 1)
	assert.True(t, deposits[0].AmountSaved.Equal(decimal.NewFromInt(45)))
	assert.Equal(t, "bonus", deposits[0].Notes)

	out := f.mustRun(t, "delete-entry", id)
	assert.Contains(t, out, "Deleted entry "+id)
	assert.Empty(t, f.srv.Deposits())

	_, err := f.run(t, "delete-entry", id)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

// localEntryID returns the LocalID of the only local entry.
func (f *cliFixture) localEntryID(t *testing.T) string {
	t.Helper()
	entries, err := f.app.Store.ReadEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	return entries[0].LocalID
}

func TestGoalCommands(t *testing.T) {
	f := newCLIFixture(t, "secret")

	out := f.mustRun(t, "goal", "add", "Rent", "1200", "--primary", "--output", "json")
	var rent core.Goal
	require.NoError(t, json.Unmarshal([]byte(out), &rent))
	assert.True(t, rent.IsPrimary)
	assert.Equal(t, core.Synced, rent.SyncState)

	out = f.mustRun(t, "goal", "add", "Car", "5000", "--output", "json")
	var car core.Goal
	require.NoError(t, json.Unmarshal([]byte(out), &car))

	_, err := f.run(t, "goal", "add", "Car", "10")
	assert.ErrorIs(t, err, core.ErrDuplicateGoalName)

	f.mustRun(t, "goal", "update", car.LocalID, "--name", "New car", "--target", "6000")
	out = f.mustRun(t, "goal", "set-primary", car.LocalID)
	assert.Contains(t, out, `Goal "New car" [primary]`)

	out = f.mustRun(t, "goal", "list")
	assert.Contains(t, out, "New car")
	assert.Contains(t, out, "Rent")

	remoteGoals := f.srv.Goals()
	require.Len(t, remoteGoals, 2)
	for _, g := range remoteGoals {
		assert.Equal(t, g.Name == "New car", g.IsPrimary, g.Name)
	}

	f.mustRun(t, "goal", "delete", rent.LocalID)
	assert.Len(t, f.srv.Goals(), 1)

	out = f.mustRun(t, "goal", "list", "--output", "json")
	var goals []core.Goal
	require.NoError(t, json.Unmarshal([]byte(out), &goals))
	require.Len(t, goals, 1)
	assert.Equal(t, "New car", goals[0].Name)
}

func TestLogin_PushesOfflineWorkThenPulls(t *testing.T) {
	f := newCLIFixture(t, "")
	f.srv.AddGoal(remote.Goal{Name: "Holiday", TargetAmount: decimal.NewFromInt(900)})

	f.mustRun(t, "goal", "add", "Rent", "1200", "--primary")
	f.mustRun(t, "deposit", "100")

	_, err := f.run(t, "login")
	require.Error(t, err, "token is required")

	out := f.mustRun(t, "login", "--token", "secret")
	assert.Contains(t, out, "Synchronization completed successfully")

	require.Len(t, f.srv.Deposits(), 1)
	assert.Len(t, f.srv.Goals(), 2)

	out = f.mustRun(t, "goal", "list", "--output", "json")
	var goals []core.Goal
	require.NoError(t, json.Unmarshal([]byte(out), &goals))
	assert.Len(t, goals, 2)

	out = f.mustRun(t, "status")
	assert.Contains(t, out, "signed in as user@example.com")

	f.mustRun(t, "logout")
	assert.False(t, f.app.Session.Authenticated())
}

func TestSync(t *testing.T) {
	t.Run("requires login", func(t *testing.T) {
		f := newCLIFixture(t, "")
		_, err := f.run(t, "sync")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not signed in")
	})

	t.Run("pushes pending and reports status", func(t *testing.T) {
		f := newCLIFixture(t, "secret")
		f.srv.Fail("POST", "/savings-entries", 503, 1)
		f.mustRun(t, "deposit", "12")
		assert.Empty(t, f.srv.Deposits(), "immediate push failed")

		out := f.mustRun(t, "sync", "--output", "json")
		var report syncReport
		require.NoError(t, json.Unmarshal([]byte(out), &report))
		assert.True(t, report.Ran)
		assert.Zero(t, report.Status.PendingChanges)
		assert.NotNil(t, report.Status.LastSyncAt)
		assert.Len(t, f.srv.Deposits(), 1)
	})

	t.Run("retry failed re-queues rejected changes", func(t *testing.T) {
		f := newCLIFixture(t, "secret")
		f.srv.Fail("POST", "/savings-entries", 422, 1)
		f.mustRun(t, "deposit", "12")

		out := f.mustRun(t, "status", "--output", "json")
		var status statusReport
		require.NoError(t, json.Unmarshal([]byte(out), &status))
		assert.Equal(t, 1, status.FailedChanges)

		out = f.mustRun(t, "sync", "--retry-failed")
		assert.Contains(t, out, "Re-queued 1 rejected change(s)")
		assert.Contains(t, out, "Pending: 0  Failed: 0")
		assert.Len(t, f.srv.Deposits(), 1)
	})
}

func TestStatus_Remote(t *testing.T) {
	f := newCLIFixture(t, "secret")
	f.mustRun(t, "deposit", "100")

	out := f.mustRun(t, "status", "--remote", "--output", "json")
	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.Online)
	assert.Equal(t, "$100.00", report.BalanceDisplay)
	require.NotNil(t, report.Remote)
	assert.True(t, report.Remote.InSync)
	assert.Equal(t, "100.00", report.Remote.Total)

	f.srv.AddDeposit(remote.Deposit{AmountSaved: decimal.NewFromInt(5)})
	out = f.mustRun(t, "status", "--remote")
	assert.Contains(t, out, "drift -5.00")
}

func TestIncomeAndSettings(t *testing.T) {
	f := newCLIFixture(t, "")

	out := f.mustRun(t, "income")
	assert.Contains(t, out, "Net income: not set")
	out = f.mustRun(t, "income", "2500")
	assert.Contains(t, out, "Net income: $2,500.00")

	out = f.mustRun(t, "settings", "--theme", "dark", "--voice=false", "--output", "json")
	var settings core.Settings
	require.NoError(t, json.Unmarshal([]byte(out), &settings))
	assert.Equal(t, core.ThemeDark, settings.Theme)
	assert.False(t, settings.VoiceNotifications)
	assert.Equal(t, core.ReminderWeekly, settings.ReminderFrequency)

	_, err := f.run(t, "settings", "--reminders", "hourly")
	assert.Error(t, err)
}

func TestExport(t *testing.T) {
	f := newCLIFixture(t, "")
	f.mustRun(t, "income", "1800")
	f.mustRun(t, "deposit", "20")

	out := f.mustRun(t, "export", "--format", "yaml")
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "default", doc["namespace"])
	assert.Len(t, doc["history"], 1)
	assert.NotContains(t, out, "token")

	path := filepath.Join(t.TempDir(), "ledger.json")
	f.mustRun(t, "export", "--file", path)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var snap storage.Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	require.NotNil(t, snap.NetIncome)
	assert.True(t, snap.NetIncome.Equal(decimal.NewFromInt(1800)))

	_, err = f.run(t, "export", "--format", "csv")
	assert.Error(t, err)
}

func TestRootCommand_InvalidOutput(t *testing.T) {
	f := newCLIFixture(t, "")
	_, err := f.run(t, "history", "--output", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "xml"`)
}

func TestWatch_RequiresBroker(t *testing.T) {
	f := newCLIFixture(t, "")
	_, err := f.run(t, "watch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AMQP_URL")
}
