// Package session keeps the signed-in user and bearer token for one
// ledger namespace.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"savings/internal/core"
	"savings/internal/remote"
	"savings/internal/storage"
)

var ErrSignedOut = errors.New("no user signed in")

// Manager caches the persisted session in memory. It implements
// remote.TokenSource.
type Manager struct {
	store *storage.LedgerStore

	mu      sync.RWMutex
	session core.Session
	active  bool
}

// Load reads the persisted session, if any.
func Load(ctx context.Context, store *storage.LedgerStore) (*Manager, error) {
	sess, ok, err := store.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &Manager{store: store, session: sess, active: ok && sess.Token != ""}, nil
}

// Reload re-reads the persisted session. Another process sharing the
// store may have signed in or out since Load.
func (m *Manager) Reload(ctx context.Context) error {
	sess, ok, err := m.store.Session(ctx)
	if err != nil {
		return fmt.Errorf("reload session: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session, m.active = sess, ok && sess.Token != ""
	return nil
}

// Authenticated reports whether a user with a token is signed in.
func (m *Manager) Authenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Token implements remote.TokenSource.
func (m *Manager) Token(context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.active {
		return "", ErrSignedOut
	}
	return m.session.Token, nil
}

func (m *Manager) User() (core.User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.User, m.active
}

// SignIn stores a token issued elsewhere. The user profile is filled in by
// the next MergeProfile.
func (m *Manager) SignIn(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("token cannot be empty")
	}
	sess := core.Session{Token: token, SignedInAt: time.Now()}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return err
	}
	m.session, m.active = sess, true
	return nil
}

// SignOut forgets the token. Local ledger data is kept.
func (m *Manager) SignOut(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.ClearSession(ctx); err != nil {
		return err
	}
	m.session, m.active = core.Session{}, false
	return nil
}

// MergeProfile records the remote profile as the session user, adopts the
// remote settings and fills in the local net income when it is unset.
func (m *Manager) MergeProfile(ctx context.Context, p remote.Profile) error {
	settings := core.DefaultSettings()
	settings.ProfilePicture = p.ProfilePicture
	if p.VoiceNotificationsEnabled != nil {
		settings.VoiceNotifications = *p.VoiceNotificationsEnabled
	}
	if p.ReminderFrequency != "" {
		settings.ReminderFrequency = p.ReminderFrequency
	}
	if p.Theme != "" {
		settings.Theme = p.Theme
	}
	if err := settings.Validate(); err != nil {
		slog.WarnContext(ctx, "Ignoring invalid remote settings", "error", err)
		if settings, err = m.store.Settings(ctx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return ErrSignedOut
	}

	// Settings edited while the profile was unreachable win until pushed.
	settings, err := m.store.MergeRemoteSettings(ctx, settings)
	if err != nil {
		return err
	}
	sess := m.session
	sess.User = core.User{ID: p.ID, Name: p.Name, Email: p.Email, NetIncome: p.NetIncome, Settings: settings}
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return err
	}
	m.session = sess

	if p.NetIncome.Valid {
		local, err := m.store.NetIncome(ctx)
		if err != nil {
			return err
		}
		if !local.Valid {
			if err := m.store.SetNetIncome(ctx, p.NetIncome.Decimal); err != nil {
				return err
			}
		}
	}

	slog.InfoContext(ctx, "Profile merged", "user_id", p.ID, "email", p.Email)
	return nil
}
