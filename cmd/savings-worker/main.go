package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"savings/internal/app"
	"savings/internal/cli"
	"savings/internal/config"
	apphttp "savings/internal/http"
	"savings/internal/log"
	"savings/internal/worker"
)

const shutdownTimeout = 30 * time.Second

// signInRunner reloads the session before each pipeline run so a login
// made through the CLI is picked up.
type signInRunner struct{ app *app.App }

func (r signInRunner) Run(ctx context.Context) worker.Progress { return r.app.SignInSync(ctx) }

func (r signInRunner) Last() worker.Progress { return r.app.SignIn.Last() }

func main() {
	cli.LoadEnvFile()

	cfg, err := cli.LoadAndValidateConfig()
	if err != nil {
		log.New(log.DefaultConfig()).Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}
	logger := cli.SetupLogger(cfg, os.Stdout, log.ComponentApp)
	if err := run(cfg, logger); err != nil {
		logger.Error("Worker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Worker shutdown complete", log.FieldOperation, log.OpShutdown)
}

func run(cfg *config.Config, logger *log.Logger) error {
	logger.Info("Starting savings-worker",
		log.FieldNamespace, cfg.LedgerNamespace,
		"backend", cfg.DataBackend,
		"api", cfg.APIBaseURL)

	ctx, cancel := cli.ShutdownContext(context.Background(), logger)
	defer cancel()

	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("Close failed", "error", err)
		}
	}()

	srv := apphttp.NewServer(":"+cfg.Port, apphttp.Deps{
		Scheduler: a.Scheduler,
		SignIn:    signInRunner{app: a},
		Balance:   a.Ledger,
		Drift:     a.Ledger,
		Ready:     a.Ready,
		Currency:  cfg.Currency,
		Logger:    logger,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.Network.Run(gctx)
	})
	g.Go(func() error {
		return a.WatchSession(gctx, cfg.NetworkProbeInterval)
	})
	g.Go(func() error {
		if err := a.Scheduler.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		stopCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		return a.Scheduler.Stop(stopCtx)
	})
	g.Go(func() error {
		logger.Info("Status server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
