package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	ReminderDaily   = "daily"
	ReminderWeekly  = "weekly"
	ReminderMonthly = "monthly"
	ReminderNone    = "none"

	ThemeLight  = "light"
	ThemeDark   = "dark"
	ThemeMaroon = "maroon"
)

// Settings are the per-user application preferences mirrored to the
// remote profile.
type Settings struct {
	ProfilePicture     string `json:"profile_picture" yaml:"profile_picture"`
	VoiceNotifications bool   `json:"voice_notifications_enabled" yaml:"voice_notifications_enabled"`
	ReminderFrequency  string `json:"reminder_frequency" yaml:"reminder_frequency"`
	Theme              string `json:"theme" yaml:"theme"`
}

// User is the authenticated account as last reported by the remote.
type User struct {
	ID        int64               `json:"id" yaml:"id"`
	Name      string              `json:"name" yaml:"name"`
	Email     string              `json:"email" yaml:"email"`
	NetIncome decimal.NullDecimal `json:"net_income" yaml:"net_income"`
	Settings  Settings            `json:"settings" yaml:"settings"`
}

// Session is the locally persisted authentication state.
type Session struct {
	User       User      `json:"user" yaml:"user"`
	Token      string    `json:"token" yaml:"-"`
	SignedInAt time.Time `json:"signed_in_at" yaml:"signed_in_at"`
}

func DefaultSettings() Settings {
	return Settings{
		VoiceNotifications: true,
		ReminderFrequency:  ReminderWeekly,
		Theme:              ThemeLight,
	}
}

func (s Settings) Validate() error {
	switch s.ReminderFrequency {
	case ReminderDaily, ReminderWeekly, ReminderMonthly, ReminderNone:
	default:
		return fmt.Errorf("invalid reminder frequency %q", s.ReminderFrequency)
	}
	switch s.Theme {
	case ThemeLight, ThemeDark, ThemeMaroon:
	default:
		return fmt.Errorf("invalid theme %q", s.Theme)
	}
	if len(s.ProfilePicture) > 500 {
		return fmt.Errorf("profile picture reference too long (max 500 characters)")
	}
	return nil
}
