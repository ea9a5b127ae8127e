package remote_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"savings/internal/remote"
	"savings/internal/remote/remotetest"
)

func staticToken(token string) remote.TokenSource {
	return remote.TokenFunc(func(context.Context) (string, error) { return token, nil })
}

func newClient(t *testing.T, srv *remotetest.Server) *remote.Client {
	t.Helper()
	c, err := remote.NewClient(remote.Config{BaseURL: srv.URL, Timeout: 2 * time.Second}, staticToken("secret"))
	require.NoError(t, err)
	return c
}

func TestNewClient_RejectsBadURL(t *testing.T) {
	_, err := remote.NewClient(remote.Config{BaseURL: "ftp://example.com"}, nil)
	require.Error(t, err)
}

func TestClient_DepositLifecycle(t *testing.T) {
	srv := remotetest.New("secret")
	defer srv.Close()
	c := newClient(t, srv)
	ctx := context.Background()

	income := decimal.NewFromInt(3000)
	created, err := c.CreateDeposit(ctx, remote.DepositInput{AmountSaved: decimal.RequireFromString("25.00"), NetIncome: &income, Notes: "march"})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.True(t, created.AmountSaved.Equal(decimal.NewFromInt(25)))
	assert.False(t, created.CreatedAt.IsZero())

	updated, err := c.UpdateDeposit(ctx, created.ID, remote.DepositInput{AmountSaved: decimal.NewFromInt(30)})
	require.NoError(t, err)
	assert.True(t, updated.AmountSaved.Equal(decimal.NewFromInt(30)))

	list, err := c.ListDeposits(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	total, err := c.TotalSavings(ctx)
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(30)))

	require.NoError(t, c.DeleteDeposit(ctx, created.ID))
	err = c.DeleteDeposit(ctx, created.ID)
	assert.True(t, remote.IsNotFound(err), "second delete should be not found, got %v", err)
}

func TestClient_GoalsAndPrimary(t *testing.T) {
	srv := remotetest.New("secret")
	defer srv.Close()
	c := newClient(t, srv)
	ctx := context.Background()

	primary, err := c.PrimaryGoal(ctx)
	require.NoError(t, err)
	assert.Nil(t, primary)

	a, err := c.CreateGoal(ctx, remote.GoalInput{Name: "Rent", TargetAmount: decimal.NewFromInt(1000), IsPrimary: true})
	require.NoError(t, err)
	b, err := c.CreateGoal(ctx, remote.GoalInput{Name: "Car", TargetAmount: decimal.NewFromInt(5000)})
	require.NoError(t, err)

	_, err = c.SetPrimaryGoal(ctx, b.ID)
	require.NoError(t, err)

	primary, err = c.PrimaryGoal(ctx)
	require.NoError(t, err)
	require.NotNil(t, primary)
	assert.Equal(t, b.ID, primary.ID)

	goals, err := c.ListGoals(ctx)
	require.NoError(t, err)
	for _, g := range goals {
		assert.Equal(t, g.ID == b.ID, g.IsPrimary, "goal %d", g.ID)
	}
	_ = a
}

func TestClient_ValidationErrorCarriesFields(t *testing.T) {
	srv := remotetest.New("secret")
	defer srv.Close()
	c := newClient(t, srv)
	ctx := context.Background()

	_, err := c.CreateGoal(ctx, remote.GoalInput{Name: "Rent", TargetAmount: decimal.NewFromInt(1)})
	require.NoError(t, err)
	_, err = c.CreateGoal(ctx, remote.GoalInput{Name: "Rent", TargetAmount: decimal.NewFromInt(1)})

	var verr *remote.ValidationError
	require.True(t, errors.As(err, &verr), "expected validation error, got %v", err)
	assert.Equal(t, http.StatusUnprocessableEntity, verr.StatusCode)
	assert.Contains(t, verr.Fields, "name")
	assert.Contains(t, verr.Error(), "name: The name has already been taken.")
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"server error is transient", 503, `{"success":false,"message":"down"}`, remote.IsNetwork},
		{"not found", 404, `{"success":false,"message":"Savings entry not found"}`, remote.IsNotFound},
		{"unauthorized", 401, `{"message":"Unauthenticated."}`, remote.IsAuth},
		{"bad request", 400, `{"success":false,"message":"Invalid savings goal"}`, remote.IsValidation},
		{"success false on 200", 200, `{"success":false,"message":"nope"}`, remote.IsValidation},
		{"garbage body", 200, `<html>`, remote.IsNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			c, err := remote.NewClient(remote.Config{BaseURL: ts.URL}, staticToken("x"))
			require.NoError(t, err)
			_, err = c.ListDeposits(context.Background())
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error type: %T %v", err, err)
		})
	}
}

func TestClient_TransportFailureIsNetworkError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c, err := remote.NewClient(remote.Config{BaseURL: url, Timeout: time.Second}, staticToken("x"))
	require.NoError(t, err)
	_, err = c.ListGoals(context.Background())
	assert.True(t, remote.IsNetwork(err), "got %v", err)
}

func TestClient_TokenSourceFailureIsAuthError(t *testing.T) {
	srv := remotetest.New("secret")
	defer srv.Close()

	noToken := remote.TokenFunc(func(context.Context) (string, error) { return "", errors.New("signed out") })
	c, err := remote.NewClient(remote.Config{BaseURL: srv.URL}, noToken)
	require.NoError(t, err)

	_, err = c.Profile(context.Background())
	assert.True(t, remote.IsAuth(err))
	assert.Equal(t, 0, srv.Calls(http.MethodGet, "/user/profile"), "no request without a token")
}

func TestClient_DecodesStringDecimals(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"data":[{"id":9,"amount_saved":"25.00","net_income":null,"notes":null,
			"savings_goal":{"id":3,"name":"Rent"},"created_at":"2025-05-01T10:00:00.000000Z","updated_at":"2025-05-01T10:00:00.000000Z"}]}`))
	}))
	defer ts.Close()

	c, err := remote.NewClient(remote.Config{BaseURL: ts.URL}, staticToken("x"))
	require.NoError(t, err)
	list, err := c.ListDeposits(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].AmountSaved.Equal(decimal.NewFromInt(25)))
	assert.False(t, list[0].NetIncome.Valid)
	assert.Equal(t, "", list[0].Notes)
	assert.Equal(t, int64(3), list[0].GoalID())
	assert.Equal(t, 2025, list[0].CreatedAt.Year())
}

func TestClient_ProfileAndNetIncome(t *testing.T) {
	srv := remotetest.New("secret")
	defer srv.Close()
	c := newClient(t, srv)
	ctx := context.Background()

	require.NoError(t, c.UpdateNetIncome(ctx, decimal.NewFromInt(4200)))
	_, err := c.UpdateProfile(ctx, remote.ProfileInput{ReminderFrequency: "daily", Theme: "dark", VoiceNotificationsEnabled: false})
	require.NoError(t, err)

	p, err := c.Profile(ctx)
	require.NoError(t, err)
	require.True(t, p.NetIncome.Valid)
	assert.True(t, p.NetIncome.Decimal.Equal(decimal.NewFromInt(4200)))
	assert.Equal(t, "dark", p.Theme)
	require.NotNil(t, p.VoiceNotificationsEnabled)
	assert.False(t, *p.VoiceNotificationsEnabled)
}
