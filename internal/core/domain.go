package core

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	Unsynced SyncState = "unsynced"
	Synced   SyncState = "synced"
	Failed   SyncState = "failed" // rejected by the remote, waits for an edit or RetryFailed
)

const (
	Deposit    EntryKind = "deposit"
	Withdrawal EntryKind = "withdrawal"
)

type (
	SyncState string

	EntryKind string

	// SyncMeta is the bookkeeping carried by every record that mirrors
	// a remote resource.
	SyncMeta struct {
		LocalID   string    `json:"local_id" yaml:"local_id"`
		RemoteID  int64     `json:"remote_id,omitempty" yaml:"remote_id,omitempty"`
		SyncState SyncState `json:"sync_state" yaml:"sync_state"`
		SyncError string    `json:"sync_error,omitempty" yaml:"sync_error,omitempty"`
		Revision  int64     `json:"revision" yaml:"revision"`
	}

	LedgerEntry struct {
		SyncMeta   `yaml:",inline"`
		Kind       EntryKind       `json:"kind" yaml:"kind"`
		Amount     decimal.Decimal `json:"amount" yaml:"amount"`
		OccurredAt time.Time       `json:"occurred_at" yaml:"occurred_at"`
		Notes      string          `json:"notes,omitempty" yaml:"notes,omitempty"`
		UpdatedAt  time.Time       `json:"updated_at" yaml:"updated_at"`

		// Deposit only.
		NetIncomeAtTime decimal.NullDecimal `json:"net_income_at_time" yaml:"net_income_at_time"`

		// Withdrawal only. TargetGoal holds a goal LocalID; empty draws
		// from the aggregate pool.
		TargetGoal string `json:"target_goal,omitempty" yaml:"target_goal,omitempty"`
		Reason     string `json:"reason,omitempty" yaml:"reason,omitempty"`
	}

	Goal struct {
		SyncMeta      `yaml:",inline"`
		Name          string          `json:"name" yaml:"name"`
		TargetAmount  decimal.Decimal `json:"target_amount" yaml:"target_amount"`
		CurrentAmount decimal.Decimal `json:"current_amount" yaml:"current_amount"`
		IsPrimary     bool            `json:"is_primary" yaml:"is_primary"`
		CreatedAt     time.Time       `json:"created_at" yaml:"created_at"`
		UpdatedAt     time.Time       `json:"updated_at" yaml:"updated_at"`
	}
)

var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidTarget     = errors.New("invalid target amount")
	ErrNegativeBalance   = errors.New("current amount cannot be negative")
	ErrEmptyName         = errors.New("empty goal name")
	ErrDuplicateGoalName = errors.New("goal name already exists")
	ErrInvalidKind       = errors.New("invalid entry kind")
	ErrNotFound          = errors.New("record not found")
)

// NewLocalID returns a fresh identifier for a locally created record.
func NewLocalID() string {
	return uuid.NewString()
}

// Meta exposes the sync bookkeeping for generic code.
func (e *LedgerEntry) Meta() *SyncMeta { return &e.SyncMeta }

// Meta exposes the sync bookkeeping for generic code.
func (g *Goal) Meta() *SyncMeta { return &g.SyncMeta }

// HasRemote reports whether the remote authority has accepted the record.
func (m SyncMeta) HasRemote() bool {
	return m.RemoteID != 0
}

// Pending reports whether the record still needs a push.
func (m SyncMeta) Pending() bool {
	return m.SyncState == Unsynced
}

// Touch records a local edit: the record is queued again and any
// previous rejection is forgotten.
func (m *SyncMeta) Touch() {
	m.SyncState = Unsynced
	m.SyncError = ""
	m.Revision++
}

func (k EntryKind) Valid() bool {
	return k == Deposit || k == Withdrawal
}

func (e LedgerEntry) Validate() error {
	if !e.Kind.Valid() {
		return ErrInvalidKind
	}
	if !e.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if e.OccurredAt.IsZero() {
		return errors.New("occurred at cannot be zero")
	}
	if len(e.Notes) > 1000 {
		return errors.New("notes too long (max 1000 characters)")
	}
	if len(e.Reason) > 500 {
		return errors.New("reason too long (max 500 characters)")
	}
	if e.Kind == Deposit && e.NetIncomeAtTime.Valid && e.NetIncomeAtTime.Decimal.IsNegative() {
		return errors.New("net income cannot be negative")
	}
	return nil
}

func (g Goal) Validate() error {
	if len(strings.TrimSpace(g.Name)) == 0 {
		return ErrEmptyName
	}
	if len(g.Name) > 255 {
		return errors.New("goal name too long (max 255 characters)")
	}
	if !g.TargetAmount.IsPositive() {
		return ErrInvalidTarget
	}
	if g.CurrentAmount.IsNegative() {
		return ErrNegativeBalance
	}
	return nil
}

// FilterKind returns the entries of one kind, preserving order.
func FilterKind(entries []LedgerEntry, kind EntryKind) []LedgerEntry {
	out := make([]LedgerEntry, 0, len(entries))
	for _, e := range entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// PrimaryGoal returns the index of the primary goal, or -1.
func PrimaryGoal(goals []Goal) int {
	for i := range goals {
		if goals[i].IsPrimary {
			return i
		}
	}
	return -1
}

// SetPrimary marks the goal with localID primary and clears the flag on
// every other goal. Goals whose flag changed are touched. It reports
// whether localID was found.
func SetPrimary(goals []Goal, localID string, now time.Time) bool {
	found := false
	for i := range goals {
		if goals[i].LocalID == localID {
			found = true
		}
	}
	if !found {
		return false
	}
	for i := range goals {
		want := goals[i].LocalID == localID
		if goals[i].IsPrimary != want {
			goals[i].IsPrimary = want
			goals[i].UpdatedAt = now
			goals[i].Touch()
		}
	}
	return true
}

// NameTaken reports whether another goal already uses name.
func NameTaken(goals []Goal, name, exceptLocalID string) bool {
	for _, g := range goals {
		if g.LocalID != exceptLocalID && g.Name == name {
			return true
		}
	}
	return false
}

// CountStates returns how many records are pending and how many failed.
func CountStates(metas ...SyncMeta) (pending, failed int) {
	for _, m := range metas {
		switch m.SyncState {
		case Unsynced:
			pending++
		case Failed:
			failed++
		}
	}
	return pending, failed
}
