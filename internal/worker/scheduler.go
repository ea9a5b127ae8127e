// Package worker drives background synchronization: a periodic
// single-flight scheduler and the one-shot sign-in pipeline.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"savings/internal/amqp"
	"savings/internal/log"
	"savings/internal/reconcile"
)

// Engine is the part of reconcile.Engine a pass needs.
type Engine interface {
	SyncDeposits(ctx context.Context) (reconcile.Result, error)
	SyncWithdrawals(ctx context.Context) (reconcile.Result, error)
	SyncGoals(ctx context.Context) (reconcile.Result, error)
	Backlog(ctx context.Context) (pending, failed int, err error)
}

type Recalculator interface {
	Recalculate(ctx context.Context) (bool, error)
}

type Connectivity interface {
	Online() bool
	Reconnected() <-chan struct{}
}

type Authenticator interface {
	Authenticated() bool
}

// PassLock excludes passes run by other processes sharing the ledger.
type PassLock interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// StatusPublisher receives a snapshot after every finished pass.
type StatusPublisher interface {
	PublishSyncStatus(ctx context.Context, msg *amqp.SyncStatusMessage) error
}

// SchedulerConfig holds configuration for the scheduler
type SchedulerConfig struct {
	// Interval between periodic passes (default: 5m)
	Interval time.Duration

	// InitialDelay before the first periodic pass (default: 10s)
	InitialDelay time.Duration

	// Namespace is copied into published status messages.
	Namespace string

	// Publisher is optional.
	Publisher StatusPublisher

	// Lock is optional. Without it passes are single-flight within the
	// process only.
	Lock PassLock

	Logger *log.Logger
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:     5 * time.Minute,
		InitialDelay: 10 * time.Second,
		Namespace:    "default",
	}
}

// Scheduler runs sync passes on a timer, on reconnect and on demand. At most
// one pass runs at a time; triggers arriving during a pass are dropped.
type Scheduler struct {
	engine Engine
	recalc Recalculator
	net    Connectivity
	auth   Authenticator
	config SchedulerConfig
	logger *log.Logger

	guard *semaphore.Weighted

	statusMu sync.RWMutex
	status   Status
	broker   *Broker[Status]

	// Lifecycle management
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewScheduler(engine Engine, recalc Recalculator, net Connectivity, auth Authenticator, config SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.InitialDelay < 0 {
		config.InitialDelay = defaults.InitialDelay
	}
	if config.Namespace == "" {
		config.Namespace = defaults.Namespace
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(log.Config{Handler: slog.Default().Handler()})
	}
	return &Scheduler{
		engine: engine,
		recalc: recalc,
		net:    net,
		auth:   auth,
		config: config,
		logger: logger.WithComponent(log.ComponentScheduler),
		guard:  semaphore.NewWeighted(1),
		broker: NewBroker[Status](),
	}
}

// Start begins the trigger loop. Returns an error if already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("sync scheduler is already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	go s.runLoop(ctx, stopCh, doneCh)

	s.logger.InfoContext(ctx, "Sync scheduler started",
		"interval", s.config.Interval,
		"initial_delay", s.config.InitialDelay)
	return nil
}

// Stop signals the loop and waits for an in-flight pass to finish. After a
// timed out Stop it may be called again to keep waiting.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	stopCh, doneCh := s.stopCh, s.doneCh
	s.stopCh = nil
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}

	select {
	case <-doneCh:
		s.logger.InfoContext(ctx, "Sync scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.WarnContext(ctx, "Sync scheduler stop timed out")
		return ctx.Err()
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) runLoop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	first := time.NewTimer(s.config.InitialDelay)
	defer first.Stop()
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "Sync scheduler stopping", "reason", ctx.Err())
			return
		case <-stopCh:
			return
		case <-first.C:
			s.trigger(ctx, "startup")
		case <-ticker.C:
			s.trigger(ctx, "interval")
		case <-s.net.Reconnected():
			s.trigger(ctx, "reconnect")
		}
	}
}

func (s *Scheduler) trigger(ctx context.Context, reason string) {
	ran, err := s.PerformSync(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "Sync pass finished with errors", "trigger", reason, "error", err)
		return
	}
	if ran {
		s.logger.DebugContext(ctx, "Sync pass finished", "trigger", reason)
	}
}

// PerformSync runs one pass: deposits, withdrawals, recalculation, goals.
// It reports false without doing anything when a pass is already running,
// here or in another process, or the remote cannot be used. Failures of whole steps are returned;
// per-record failures only show up in the status.
func (s *Scheduler) PerformSync(ctx context.Context) (bool, error) {
	if !s.guard.TryAcquire(1) {
		s.logger.DebugContext(ctx, "Sync already in progress, dropping trigger")
		return false, nil
	}
	defer s.guard.Release(1)

	online := s.net.Online()
	if !online || (s.auth != nil && !s.auth.Authenticated()) {
		s.updateStatus(func(st *Status) { st.Online = online })
		return false, nil
	}

	if lock := s.config.Lock; lock != nil {
		ok, err := lock.TryLock(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			s.logger.DebugContext(ctx, "Sync pass held by another process, dropping trigger")
			return false, nil
		}
		defer func() {
			if err := lock.Unlock(ctx); err != nil {
				s.logger.WarnContext(ctx, "Failed to release sync lease", "error", err)
			}
		}()
	}

	s.updateStatus(func(st *Status) {
		st.Online = true
		st.Syncing = true
	})
	s.broker.Publish(s.Status())

	var total reconcile.Result
	steps := []struct {
		name string
		run  func(context.Context) (reconcile.Result, error)
	}{
		{"deposits", s.engine.SyncDeposits},
		{"withdrawals", s.engine.SyncWithdrawals},
		{"recalculate", s.recalculate},
		{"goals", s.engine.SyncGoals},
	}
	var stepErrs []error
	for _, step := range steps {
		if ctx.Err() != nil {
			stepErrs = append(stepErrs, ctx.Err())
			break
		}
		res, err := step.run(ctx)
		total.Add(res)
		if err != nil {
			stepErrs = append(stepErrs, fmt.Errorf("%s: %w", step.name, err))
		}
	}
	stepErr := errors.Join(stepErrs...)

	pending, failed, err := s.engine.Backlog(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to count sync backlog", "error", err)
	}

	lastErr := stepErr
	if lastErr == nil {
		lastErr = total.Err()
	}
	now := time.Now()
	s.updateStatus(func(st *Status) {
		st.Syncing = false
		st.PendingChanges = pending
		st.FailedChanges = failed
		st.LastError = ""
		if lastErr != nil {
			st.LastError = lastErr.Error()
		}
		if stepErr == nil {
			st.LastSyncAt = &now
		}
	})

	s.logger.InfoContext(ctx, "Sync pass completed",
		"result", total.String(),
		"pending", pending,
		"failed", failed)

	s.publish(ctx)
	return true, stepErr
}

func (s *Scheduler) recalculate(ctx context.Context) (reconcile.Result, error) {
	_, err := s.recalc.Recalculate(ctx)
	return reconcile.Result{}, err
}

func (s *Scheduler) publish(ctx context.Context) {
	st := s.Status()
	s.broker.Publish(st)

	if s.config.Publisher == nil {
		return
	}
	msg := amqp.NewSyncStatusMessage(s.config.Namespace, st.Online, st.PendingChanges, st.FailedChanges, st.LastSyncAt, st.LastError)
	if err := s.config.Publisher.PublishSyncStatus(ctx, msg); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish sync status", "error", err)
	}
}

func (s *Scheduler) updateStatus(fn func(*Status)) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	fn(&s.status)
}

// Status returns the latest snapshot with connectivity refreshed.
func (s *Scheduler) Status() Status {
	s.statusMu.RLock()
	st := s.status
	s.statusMu.RUnlock()
	st.Online = s.net.Online()
	return st
}

// Subscribe streams a status after every pass starts and finishes.
func (s *Scheduler) Subscribe() (<-chan Status, func()) {
	return s.broker.Subscribe()
}
