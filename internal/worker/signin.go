package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"savings/internal/core"
	"savings/internal/log"
	"savings/internal/reconcile"
	"savings/internal/remote"
)

var (
	ErrPipelineRunning = errors.New("sign-in synchronization already running")
	ErrPassBusy        = errors.New("another synchronization is running on this ledger")
)

const (
	defaultLockWait = 30 * time.Second
	lockPoll        = 200 * time.Millisecond
)

// Progress is one step of the sign-in pipeline.
type Progress struct {
	Step      int    `json:"step"`
	Message   string `json:"message"`
	Completed bool   `json:"completed"`
	Error     string `json:"error,omitempty"`
}

const (
	msgStarting   = "Starting synchronization..."
	msgPushing    = "Syncing local changes to server..."
	msgProfile    = "Loading data from server..."
	msgEntries    = "Loading savings data..."
	msgGoals      = "Loading goals data..."
	msgFinalizing = "Finalizing synchronization..."
	msgDone       = "Synchronization completed successfully"
)

// PipelineEngine is the push/pull surface of reconcile.Engine.
type PipelineEngine interface {
	PushGoals(ctx context.Context) (reconcile.Result, error)
	PushDeposits(ctx context.Context) (reconcile.Result, error)
	PushWithdrawals(ctx context.Context) (reconcile.Result, error)
	PullDeposits(ctx context.Context) (reconcile.Result, error)
	PullWithdrawals(ctx context.Context) (reconcile.Result, error)
	PullGoals(ctx context.Context) (reconcile.Result, error)
}

type Session interface {
	User() (core.User, bool)
	MergeProfile(ctx context.Context, p remote.Profile) error
}

type Account interface {
	Profile(ctx context.Context) (remote.Profile, error)
	UpdateProfile(ctx context.Context, in remote.ProfileInput) (remote.Profile, error)
	UpdateNetIncome(ctx context.Context, v decimal.Decimal) error
}

// LocalStore exposes the account values edited while signed out.
type LocalStore interface {
	NetIncome(ctx context.Context) (decimal.NullDecimal, error)
	Settings(ctx context.Context) (core.Settings, error)
	SettingsPending(ctx context.Context) (bool, error)
	ClearSettingsPending(ctx context.Context, pushed core.Settings) error
}

type Syncer interface {
	PerformSync(ctx context.Context) (bool, error)
}

type PipelineDeps struct {
	Engine    PipelineEngine
	Session   Session
	Account   Account
	Store     LocalStore
	Recalc    Recalculator
	Scheduler Syncer
	Network   interface{ Online() bool }
	Logger    *log.Logger

	// Lock is optional. It is held from the push step through the
	// recalculation and waited for up to LockWait (default 30s).
	Lock     PassLock
	LockWait time.Duration
}

// SignInPipeline reconciles local data with the account right after a
// user signs in: local intent first, then the remote state.
type SignInPipeline struct {
	deps    PipelineDeps
	logger  *log.Logger
	broker  *Broker[Progress]
	running atomic.Bool

	mu   sync.RWMutex
	last Progress
}

func NewSignInPipeline(deps PipelineDeps) *SignInPipeline {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(log.Config{Handler: slog.Default().Handler()})
	}
	return &SignInPipeline{
		deps:   deps,
		logger: logger.WithComponent(log.ComponentSignIn),
		broker: NewBroker[Progress](),
	}
}

func (p *SignInPipeline) Subscribe() (<-chan Progress, func()) {
	return p.broker.Subscribe()
}

// Last returns the most recent progress report.
func (p *SignInPipeline) Last() Progress {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

// Run executes the pipeline and returns its final progress. Failures are
// reported in Progress.Error, never as a Go error.
func (p *SignInPipeline) Run(ctx context.Context) Progress {
	if !p.running.CompareAndSwap(false, true) {
		last := p.Last()
		last.Error = ErrPipelineRunning.Error()
		return last
	}
	defer p.running.Store(false)

	p.report(Progress{Step: 0, Message: msgStarting})

	_, signedIn := p.deps.Session.User()
	if !signedIn || !p.deps.Network.Online() {
		p.logger.InfoContext(ctx, "Skipping sign-in sync", "signed_in", signedIn)
		return p.report(Progress{Step: 100, Message: msgDone, Completed: true})
	}

	p.report(Progress{Step: 10, Message: msgPushing})
	unlock, err := p.lock(ctx)
	if err != nil {
		return p.fail(ctx, 10, msgPushing, err)
	}
	defer unlock()
	p.pushLocal(ctx)

	p.report(Progress{Step: 40, Message: msgProfile})
	profile, err := p.deps.Account.Profile(ctx)
	if err == nil {
		err = p.deps.Session.MergeProfile(ctx, profile)
	}
	if err != nil {
		return p.fail(ctx, 40, msgProfile, err)
	}

	p.report(Progress{Step: 50, Message: msgEntries})
	if _, err := p.deps.Engine.PullDeposits(ctx); err != nil {
		return p.fail(ctx, 50, msgEntries, err)
	}
	if _, err := p.deps.Engine.PullWithdrawals(ctx); err != nil {
		return p.fail(ctx, 50, msgEntries, err)
	}

	p.report(Progress{Step: 70, Message: msgGoals})
	if _, err := p.deps.Engine.PullGoals(ctx); err != nil {
		return p.fail(ctx, 70, msgGoals, err)
	}

	p.report(Progress{Step: 90, Message: msgFinalizing})
	if _, err := p.deps.Recalc.Recalculate(ctx); err != nil {
		return p.fail(ctx, 90, msgFinalizing, err)
	}
	// The finalizing pass takes the lease itself.
	unlock()
	if _, err := p.deps.Scheduler.PerformSync(ctx); err != nil {
		return p.fail(ctx, 90, msgFinalizing, err)
	}

	p.logger.InfoContext(ctx, "Sign-in sync completed")
	return p.report(Progress{Step: 100, Message: msgDone, Completed: true})
}

// pushLocal sends everything created while signed out. Failures stay
// pending for the scheduler and do not stop the pipeline.
func (p *SignInPipeline) pushLocal(ctx context.Context) {
	steps := []struct {
		name string
		run  func(context.Context) (reconcile.Result, error)
	}{
		{"goals", p.deps.Engine.PushGoals},
		{"deposits", p.deps.Engine.PushDeposits},
		{"withdrawals", p.deps.Engine.PushWithdrawals},
	}
	for _, step := range steps {
		res, err := step.run(ctx)
		if err == nil {
			err = res.Err()
		}
		if err != nil {
			p.logger.WarnContext(ctx, "Sign-in push incomplete", "kind", step.name, "error", err)
		}
	}

	if err := p.pushNetIncome(ctx); err != nil {
		p.logger.WarnContext(ctx, "Failed to push net income", "error", err)
	}
	if err := p.pushSettings(ctx); err != nil {
		p.logger.WarnContext(ctx, "Failed to push settings", "error", err)
	}
}

// pushSettings sends settings saved while the profile was unreachable.
func (p *SignInPipeline) pushSettings(ctx context.Context) error {
	pending, err := p.deps.Store.SettingsPending(ctx)
	if err != nil || !pending {
		return err
	}
	local, err := p.deps.Store.Settings(ctx)
	if err != nil {
		return err
	}
	if _, err := p.deps.Account.UpdateProfile(ctx, remote.NewProfileInput(local)); err != nil {
		return err
	}
	return p.deps.Store.ClearSettingsPending(ctx, local)
}

func (p *SignInPipeline) pushNetIncome(ctx context.Context) error {
	local, err := p.deps.Store.NetIncome(ctx)
	if err != nil || !local.Valid {
		return err
	}
	user, _ := p.deps.Session.User()
	if user.NetIncome.Valid && user.NetIncome.Decimal.Equal(local.Decimal) {
		return nil
	}
	return p.deps.Account.UpdateNetIncome(ctx, local.Decimal)
}

// lock waits for the pass lease. The returned release is idempotent.
func (p *SignInPipeline) lock(ctx context.Context) (func(), error) {
	l := p.deps.Lock
	if l == nil {
		return func() {}, nil
	}
	wait := p.deps.LockWait
	if wait <= 0 {
		wait = defaultLockWait
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	poll := time.NewTicker(lockPoll)
	defer poll.Stop()

	for {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() {
					if err := l.Unlock(ctx); err != nil {
						p.logger.WarnContext(ctx, "Failed to release sync lease", "error", err)
					}
				})
			}, nil
		}
		p.logger.DebugContext(ctx, "Waiting for running sync pass")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrPassBusy
		case <-poll.C:
		}
	}
}

func (p *SignInPipeline) fail(ctx context.Context, step int, msg string, err error) Progress {
	p.logger.ErrorContext(ctx, "Sign-in sync failed", "step", step, "error", err)
	return p.report(Progress{Step: step, Message: msg, Error: err.Error()})
}

func (p *SignInPipeline) report(pr Progress) Progress {
	p.mu.Lock()
	p.last = pr
	p.mu.Unlock()
	p.broker.Publish(pr)
	return pr
}
