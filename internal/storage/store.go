// Package storage persists the local ledger: entries, goals and the
// per-user scalars, each as one document in a namespaced key/value
// backend.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"savings/internal/core"
)

// Document keys inside a namespace.
const (
	KeyHistory   = "history"
	KeyGoals     = "goals"
	KeyNetIncome = "netIncome"
	KeySettings  = "settings"
	KeySession   = "session"

	// KeySettingsPending marks settings saved locally but not yet
	// accepted by the remote profile.
	KeySettingsPending = "settingsPending"
	KeySyncLease       = "syncLease"
)

// Backend stores opaque documents by namespace and key.
type Backend interface {
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)
	Put(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) error
	// Update reads and rewrites one document atomically with respect to
	// every other writer of the backend, including other processes. fn
	// returns the new value, or nil to leave the document untouched.
	Update(ctx context.Context, namespace, key string, fn func(current []byte, found bool) ([]byte, error)) error
	Close() error
}

// LedgerStore is the typed view of one user's namespace. Collections are
// read and replaced whole; Update* run a read-modify-write as one backend
// transaction so concurrent writers, in this process or another one
// sharing the database, cannot lose each other's changes. Callers must not
// do network I/O inside an update function.
type LedgerStore struct {
	backend   Backend
	namespace string

	entriesMu sync.Mutex
	goalsMu   sync.Mutex
	scalarMu  sync.Mutex
}

func NewLedgerStore(backend Backend, namespace string) *LedgerStore {
	return &LedgerStore{backend: backend, namespace: namespace}
}

func (s *LedgerStore) Namespace() string { return s.namespace }

// Close closes the underlying backend.
func (s *LedgerStore) Close() error { return s.backend.Close() }

func (s *LedgerStore) ReadEntries(ctx context.Context) ([]core.LedgerEntry, error) {
	s.entriesMu.Lock()
	defer s.entriesMu.Unlock()
	return s.readEntries(ctx)
}

func (s *LedgerStore) WriteEntries(ctx context.Context, entries []core.LedgerEntry) error {
	s.entriesMu.Lock()
	defer s.entriesMu.Unlock()
	return s.put(ctx, KeyHistory, entries)
}

// UpdateEntries replaces the history with fn's result. An error from fn
// aborts the write.
func (s *LedgerStore) UpdateEntries(ctx context.Context, fn func([]core.LedgerEntry) ([]core.LedgerEntry, error)) error {
	s.entriesMu.Lock()
	defer s.entriesMu.Unlock()
	return updateDocument(ctx, s, KeyHistory, fn)
}

func (s *LedgerStore) readEntries(ctx context.Context) ([]core.LedgerEntry, error) {
	var entries []core.LedgerEntry
	if _, err := s.get(ctx, KeyHistory, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *LedgerStore) ReadGoals(ctx context.Context) ([]core.Goal, error) {
	s.goalsMu.Lock()
	defer s.goalsMu.Unlock()
	return s.readGoals(ctx)
}

func (s *LedgerStore) WriteGoals(ctx context.Context, goals []core.Goal) error {
	s.goalsMu.Lock()
	defer s.goalsMu.Unlock()
	return s.put(ctx, KeyGoals, goals)
}

// UpdateGoals replaces the goals with fn's result. An error from fn
// aborts the write.
func (s *LedgerStore) UpdateGoals(ctx context.Context, fn func([]core.Goal) ([]core.Goal, error)) error {
	s.goalsMu.Lock()
	defer s.goalsMu.Unlock()
	return updateDocument(ctx, s, KeyGoals, fn)
}

func (s *LedgerStore) readGoals(ctx context.Context) ([]core.Goal, error) {
	var goals []core.Goal
	if _, err := s.get(ctx, KeyGoals, &goals); err != nil {
		return nil, err
	}
	return goals, nil
}

// NetIncome returns the stored net income; Valid is false when unset.
func (s *LedgerStore) NetIncome(ctx context.Context) (decimal.NullDecimal, error) {
	s.scalarMu.Lock()
	defer s.scalarMu.Unlock()
	var v decimal.NullDecimal
	if _, err := s.get(ctx, KeyNetIncome, &v); err != nil {
		return decimal.NullDecimal{}, err
	}
	return v, nil
}

func (s *LedgerStore) SetNetIncome(ctx context.Context, v decimal.Decimal) error {
	s.scalarMu.Lock()
	defer s.scalarMu.Unlock()
	return s.put(ctx, KeyNetIncome, decimal.NewNullDecimal(v))
}

// Settings returns the stored settings, or the defaults when none were saved.
func (s *LedgerStore) Settings(ctx context.Context) (core.Settings, error) {
	s.scalarMu.Lock()
	defer s.scalarMu.Unlock()
	v := core.DefaultSettings()
	if _, err := s.get(ctx, KeySettings, &v); err != nil {
		return core.Settings{}, err
	}
	return v, nil
}

func (s *LedgerStore) SaveSettings(ctx context.Context, v core.Settings) error {
	s.scalarMu.Lock()
	defer s.scalarMu.Unlock()
	return s.put(ctx, KeySettings, v)
}

// SaveLocalSettings stores settings changed on this device and marks them
// pending until the remote profile accepts them.
func (s *LedgerStore) SaveLocalSettings(ctx context.Context, v core.Settings) error {
	s.scalarMu.Lock()
	defer s.scalarMu.Unlock()
	if err := s.put(ctx, KeySettings, v); err != nil {
		return err
	}
	return s.put(ctx, KeySettingsPending, true)
}

func (s *LedgerStore) SettingsPending(ctx context.Context) (bool, error) {
	s.scalarMu.Lock()
	defer s.scalarMu.Unlock()
	var pending bool
	if _, err := s.get(ctx, KeySettingsPending, &pending); err != nil {
		return false, err
	}
	return pending, nil
}

// ClearSettingsPending clears the pending mark if the stored settings are
// still the ones that were pushed. A newer local change stays pending.
func (s *LedgerStore) ClearSettingsPending(ctx context.Context, pushed core.Settings) error {
	s.scalarMu.Lock()
	defer s.scalarMu.Unlock()
	current := core.DefaultSettings()
	if _, err := s.get(ctx, KeySettings, &current); err != nil {
		return err
	}
	if current != pushed {
		return nil
	}
	return s.put(ctx, KeySettingsPending, false)
}

// MergeRemoteSettings stores settings read from the profile unless local
// changes are still pending, and returns the settings now in effect.
func (s *LedgerStore) MergeRemoteSettings(ctx context.Context, fromProfile core.Settings) (core.Settings, error) {
	s.scalarMu.Lock()
	defer s.scalarMu.Unlock()
	var pending bool
	if _, err := s.get(ctx, KeySettingsPending, &pending); err != nil {
		return core.Settings{}, err
	}
	if pending {
		current := core.DefaultSettings()
		if _, err := s.get(ctx, KeySettings, &current); err != nil {
			return core.Settings{}, err
		}
		return current, nil
	}
	if err := s.put(ctx, KeySettings, fromProfile); err != nil {
		return core.Settings{}, err
	}
	return fromProfile, nil
}

// Session returns the persisted session and whether one exists.
func (s *LedgerStore) Session(ctx context.Context) (core.Session, bool, error) {
	s.scalarMu.Lock()
	defer s.scalarMu.Unlock()
	var v core.Session
	ok, err := s.get(ctx, KeySession, &v)
	if err != nil {
		return core.Session{}, false, err
	}
	return v, ok, nil
}

func (s *LedgerStore) SaveSession(ctx context.Context, v core.Session) error {
	s.scalarMu.Lock()
	defer s.scalarMu.Unlock()
	return s.put(ctx, KeySession, v)
}

func (s *LedgerStore) ClearSession(ctx context.Context) error {
	s.scalarMu.Lock()
	defer s.scalarMu.Unlock()
	if err := s.backend.Delete(ctx, s.namespace, KeySession); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Snapshot is every document of the namespace, decoded.
type Snapshot struct {
	Namespace string             `json:"namespace" yaml:"namespace"`
	Entries   []core.LedgerEntry `json:"history" yaml:"history"`
	Goals     []core.Goal        `json:"goals" yaml:"goals"`
	NetIncome *decimal.Decimal   `json:"net_income,omitempty" yaml:"net_income,omitempty"`
	Settings  core.Settings      `json:"settings" yaml:"settings"`
}

// Snapshot reads the whole namespace for export.
func (s *LedgerStore) Snapshot(ctx context.Context) (Snapshot, error) {
	entries, err := s.ReadEntries(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	goals, err := s.ReadGoals(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	income, err := s.NetIncome(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	settings, err := s.Settings(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		Namespace: s.namespace,
		Entries:   entries,
		Goals:     goals,
		Settings:  settings,
	}
	if income.Valid {
		snap.NetIncome = &income.Decimal
	}
	return snap, nil
}

func updateDocument[T any](ctx context.Context, s *LedgerStore, key string, fn func(T) (T, error)) error {
	return s.backend.Update(ctx, s.namespace, key, func(raw []byte, found bool) ([]byte, error) {
		var v T
		if found {
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
		}
		updated, err := fn(v)
		if err != nil {
			return nil, err
		}
		out, err := json.Marshal(updated)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		return out, nil
	})
}

func (s *LedgerStore) get(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok, err := s.backend.Get(ctx, s.namespace, key)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *LedgerStore) put(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.backend.Put(ctx, s.namespace, key, raw); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
