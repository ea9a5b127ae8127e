package remote

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"
)

const (
	goalsPath       = "/savings-goals"
	depositsPath    = "/savings-entries"
	withdrawalsPath = "/withdrawal-entries"
)

// Goals

func (c *Client) ListGoals(ctx context.Context) ([]Goal, error) {
	var out []Goal
	if err := c.do(ctx, http.MethodGet, goalsPath, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateGoal(ctx context.Context, in GoalInput) (Goal, error) {
	var out Goal
	err := c.do(ctx, http.MethodPost, goalsPath, in, &out)
	return out, err
}

func (c *Client) UpdateGoal(ctx context.Context, id int64, in GoalInput) (Goal, error) {
	var out Goal
	err := c.do(ctx, http.MethodPut, idPath(goalsPath, id), in, &out)
	return out, err
}

func (c *Client) DeleteGoal(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, idPath(goalsPath, id), nil, nil)
}

func (c *Client) SetPrimaryGoal(ctx context.Context, id int64) (Goal, error) {
	var out Goal
	err := c.do(ctx, http.MethodPut, idPath(goalsPath, id)+"/set-primary", nil, &out)
	return out, err
}

// PrimaryGoal returns the remote primary goal, or nil when the user has none.
func (c *Client) PrimaryGoal(ctx context.Context) (*Goal, error) {
	var out *Goal
	if err := c.do(ctx, http.MethodGet, goalsPath+"/primary", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Deposits

func (c *Client) ListDeposits(ctx context.Context) ([]Deposit, error) {
	var out []Deposit
	if err := c.do(ctx, http.MethodGet, depositsPath, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateDeposit(ctx context.Context, in DepositInput) (Deposit, error) {
	var out Deposit
	err := c.do(ctx, http.MethodPost, depositsPath, in, &out)
	return out, err
}

func (c *Client) UpdateDeposit(ctx context.Context, id int64, in DepositInput) (Deposit, error) {
	var out Deposit
	err := c.do(ctx, http.MethodPut, idPath(depositsPath, id), in, &out)
	return out, err
}

func (c *Client) DeleteDeposit(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, idPath(depositsPath, id), nil, nil)
}

// TotalSavings is the server-side Σdeposits − Σwithdrawals.
func (c *Client) TotalSavings(ctx context.Context) (decimal.Decimal, error) {
	var out totalSavings
	if err := c.do(ctx, http.MethodGet, depositsPath+"/total-savings", nil, &out); err != nil {
		return decimal.Zero, err
	}
	return out.TotalSavings, nil
}

// Withdrawals

func (c *Client) ListWithdrawals(ctx context.Context) ([]Withdrawal, error) {
	var out []Withdrawal
	if err := c.do(ctx, http.MethodGet, withdrawalsPath, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateWithdrawal(ctx context.Context, in WithdrawalInput) (Withdrawal, error) {
	var out Withdrawal
	err := c.do(ctx, http.MethodPost, withdrawalsPath, in, &out)
	return out, err
}

func (c *Client) UpdateWithdrawal(ctx context.Context, id int64, in WithdrawalInput) (Withdrawal, error) {
	var out Withdrawal
	err := c.do(ctx, http.MethodPut, idPath(withdrawalsPath, id), in, &out)
	return out, err
}

func (c *Client) DeleteWithdrawal(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, idPath(withdrawalsPath, id), nil, nil)
}

// User

func (c *Client) Profile(ctx context.Context) (Profile, error) {
	var out Profile
	err := c.do(ctx, http.MethodGet, "/user/profile", nil, &out)
	return out, err
}

func (c *Client) UpdateProfile(ctx context.Context, in ProfileInput) (Profile, error) {
	var out Profile
	err := c.do(ctx, http.MethodPut, "/user/profile", in, &out)
	return out, err
}

func (c *Client) UpdateNetIncome(ctx context.Context, v decimal.Decimal) error {
	return c.do(ctx, http.MethodPut, "/user/net-income", netIncomeInput{NetIncome: v}, nil)
}
