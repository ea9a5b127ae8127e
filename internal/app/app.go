// Package app assembles the ledger, the remote client and the sync
// machinery from configuration. Both binaries build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"savings/internal/amqp"
	"savings/internal/config"
	"savings/internal/log"
	"savings/internal/network"
	"savings/internal/reconcile"
	"savings/internal/remote"
	"savings/internal/services"
	"savings/internal/session"
	"savings/internal/storage"
	"savings/internal/worker"
)

const probeTimeout = 5 * time.Second

type App struct {
	Config  *config.Config
	Logger  *log.Logger
	Store   *storage.LedgerStore
	Session *session.Manager
	Remote  *remote.Client
	Network *network.Monitor
	Engine  *reconcile.Engine
	Recalc  *services.Recalculator
	Ledger  *services.LedgerService

	Scheduler *worker.Scheduler
	SignIn    *worker.SignInPipeline

	// Status is nil unless AMQP_URL is set and the broker was reachable.
	Status *amqp.Client
}

// Options override pieces of the assembly, mostly for tests.
type Options struct {
	Backend    storage.Backend
	HTTPClient *http.Client
	Probe      network.Probe
}

// OpenBackend returns the storage backend selected by cfg.DataBackend.
func OpenBackend(cfg *config.Config) (storage.Backend, error) {
	switch cfg.DataBackend {
	case "memory":
		return storage.NewMemoryBackend(), nil
	case "sqlite":
		b, err := storage.NewSQLiteBackend(cfg.SQLiteDBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLiteDBPath, err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown data backend %q", cfg.DataBackend)
	}
}

// New wires every component. The caller owns the returned App and must
// Close it.
func New(ctx context.Context, cfg *config.Config, logger *log.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	backend := opts.Backend
	if backend == nil {
		if backend, err = OpenBackend(cfg); err != nil {
			return nil, err
		}
	}
	store := storage.NewLedgerStore(backend, cfg.LedgerNamespace)

	a := &App{Config: cfg, Logger: logger, Store: store}
	if err := a.build(ctx, loc, opts); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, loc *time.Location, opts Options) error {
	cfg := a.Config

	sess, err := session.Load(ctx, a.Store)
	if err != nil {
		return err
	}
	if cfg.APIToken != "" && !sess.Authenticated() {
		if err := sess.SignIn(ctx, cfg.APIToken); err != nil {
			return fmt.Errorf("sign in with API_TOKEN: %w", err)
		}
		a.Logger.InfoContext(ctx, "Signed in from API_TOKEN", log.FieldNamespace, cfg.LedgerNamespace)
	}
	a.Session = sess

	client, err := remote.NewClient(remote.Config{
		BaseURL:    cfg.APIBaseURL,
		Timeout:    cfg.APITimeout,
		UserAgent:  "savings/1",
		HTTPClient: opts.HTTPClient,
	}, sess)
	if err != nil {
		return err
	}
	a.Remote = client

	probe := opts.Probe
	if probe == nil {
		probe = network.HTTPProbe(&http.Client{Timeout: probeTimeout}, cfg.APIBaseURL)
	}
	a.Network = network.NewMonitor(probe, cfg.NetworkProbeInterval)

	gate := services.GateFunc(func() bool {
		return a.Network.Online() && sess.Authenticated()
	})

	a.Engine = reconcile.New(a.Store, client, reconcile.Options{
		PruneRemoteDeletions: cfg.SyncPruneRemoteDeletions,
		Location:             loc,
	})
	a.Recalc = services.NewRecalculator(a.Store, a.Engine, gate)
	a.Ledger = services.NewLedgerService(a.Store, a.Engine, client, a.Recalc, gate)

	// Lease holders are unique per process so the CLI and the daemon
	// never run passes over the same ledger at once.
	instance := uuid.NewString()
	schedCfg := worker.SchedulerConfig{
		Interval:     cfg.SyncInterval,
		InitialDelay: cfg.SyncInitialDelay,
		Namespace:    cfg.LedgerNamespace,
		Logger:       a.Logger,
		Lock:         a.Store.NewLease("scheduler-"+instance, storage.DefaultLeaseTTL),
	}
	if cfg.AMQPURL != "" {
		status, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			a.Logger.WithComponent(log.ComponentAMQP).WarnContext(ctx, "Status publishing disabled", "error", err)
		} else {
			a.Status = status
			schedCfg.Publisher = status
		}
	}
	a.Scheduler = worker.NewScheduler(a.Engine, a.Recalc, a.Network, sess, schedCfg)

	a.SignIn = worker.NewSignInPipeline(worker.PipelineDeps{
		Engine:    a.Engine,
		Session:   sess,
		Account:   client,
		Store:     a.Store,
		Recalc:    a.Recalc,
		Scheduler: a.Scheduler,
		Network:   a.Network,
		Logger:    a.Logger,
		Lock:      a.Store.NewLease("signin-"+instance, storage.DefaultLeaseTTL),
	})
	return nil
}

// Ready reports whether the local store answers.
func (a *App) Ready(ctx context.Context) error {
	_, err := a.Store.ReadGoals(ctx)
	return err
}

// SignInSync re-reads the persisted session before running the sign-in
// pipeline, so a login performed by another process is picked up.
func (a *App) SignInSync(ctx context.Context) worker.Progress {
	if err := a.Session.Reload(ctx); err != nil {
		a.Logger.WarnContext(ctx, "Session reload failed", "error", err)
	}
	return a.SignIn.Run(ctx)
}

// WatchSession reloads the persisted session on every tick so a daemon
// notices logins and logouts made through the CLI. It returns when ctx is
// done.
func (a *App) WatchSession(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			before := a.Session.Authenticated()
			if err := a.Session.Reload(ctx); err != nil {
				a.Logger.WarnContext(ctx, "Session reload failed", "error", err)
				continue
			}
			if after := a.Session.Authenticated(); after != before {
				a.Logger.InfoContext(ctx, "Session changed", "signed_in", after)
			}
		}
	}
}

func (a *App) Close() error {
	var errs []error
	if a.Status != nil {
		if err := a.Status.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close amqp: %w", err))
		}
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
