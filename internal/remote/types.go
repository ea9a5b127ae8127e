package remote

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"savings/internal/core"
)

// Envelope wraps every response body of the remote API.
type Envelope struct {
	Success bool                `json:"success"`
	Message string              `json:"message,omitempty"`
	Data    json.RawMessage     `json:"data,omitempty"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

// GoalRef is the nested goal summary attached to entries.
type GoalRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Deposit struct {
	ID            int64               `json:"id"`
	AmountSaved   decimal.Decimal     `json:"amount_saved"`
	NetIncome     decimal.NullDecimal `json:"net_income"`
	Notes         string              `json:"notes"`
	SavingsGoal   *GoalRef            `json:"savings_goal,omitempty"`
	SavingsGoalID *int64              `json:"savings_goal_id,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

func (d Deposit) GoalID() int64 { return goalID(d.SavingsGoal, d.SavingsGoalID) }

type Withdrawal struct {
	ID              int64           `json:"id"`
	AmountWithdrawn decimal.Decimal `json:"amount_withdrawn"`
	Reason          string          `json:"reason"`
	Notes           string          `json:"notes"`
	SavingsGoal     *GoalRef        `json:"savings_goal,omitempty"`
	SavingsGoalID   *int64          `json:"savings_goal_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (w Withdrawal) GoalID() int64 { return goalID(w.SavingsGoal, w.SavingsGoalID) }

type Goal struct {
	ID            int64           `json:"id"`
	Name          string          `json:"name"`
	TargetAmount  decimal.Decimal `json:"target_amount"`
	CurrentAmount decimal.Decimal `json:"current_amount"`
	IsPrimary     bool            `json:"is_primary"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type Profile struct {
	ID                        int64               `json:"id"`
	Name                      string              `json:"name"`
	Email                     string              `json:"email"`
	NetIncome                 decimal.NullDecimal `json:"net_income"`
	ProfilePicture            string              `json:"profile_picture"`
	VoiceNotificationsEnabled *bool               `json:"voice_notifications_enabled"`
	ReminderFrequency         string              `json:"reminder_frequency"`
	Theme                     string              `json:"theme"`
}

// DepositInput is the create/update payload for savings entries.
type DepositInput struct {
	AmountSaved   decimal.Decimal  `json:"amount_saved"`
	NetIncome     *decimal.Decimal `json:"net_income,omitempty"`
	Notes         string           `json:"notes,omitempty"`
	SavingsGoalID *int64           `json:"savings_goal_id,omitempty"`
}

// WithdrawalInput is the create/update payload for withdrawal entries.
type WithdrawalInput struct {
	AmountWithdrawn decimal.Decimal `json:"amount_withdrawn"`
	Reason          string          `json:"reason,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	SavingsGoalID   *int64          `json:"savings_goal_id,omitempty"`
}

// GoalInput is the create/update payload for savings goals.
type GoalInput struct {
	Name          string          `json:"name"`
	TargetAmount  decimal.Decimal `json:"target_amount"`
	CurrentAmount decimal.Decimal `json:"current_amount"`
	IsPrimary     bool            `json:"is_primary"`
}

// ProfileInput carries the settings fields of PUT /user/profile.
type ProfileInput struct {
	ProfilePicture            string `json:"profile_picture"`
	VoiceNotificationsEnabled bool   `json:"voice_notifications_enabled"`
	ReminderFrequency         string `json:"reminder_frequency"`
	Theme                     string `json:"theme"`
}

func NewProfileInput(v core.Settings) ProfileInput {
	return ProfileInput{
		ProfilePicture:            v.ProfilePicture,
		VoiceNotificationsEnabled: v.VoiceNotifications,
		ReminderFrequency:         v.ReminderFrequency,
		Theme:                     v.Theme,
	}
}

type netIncomeInput struct {
	NetIncome decimal.Decimal `json:"net_income"`
}

type totalSavings struct {
	TotalSavings decimal.Decimal `json:"total_savings"`
}

func goalID(ref *GoalRef, id *int64) int64 {
	if ref != nil {
		return ref.ID
	}
	if id != nil {
		return *id
	}
	return 0
}
