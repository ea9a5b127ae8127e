// Package cli provides the savings command tree and the process
// initialization shared by cmd/savings and cmd/savings-worker.
package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"savings/internal/app"
	"savings/internal/config"
	"savings/internal/log"
)

// SetupLogger builds the process logger from cfg and installs it as the
// slog default. Invalid levels fall back to info; Validate reports them.
func SetupLogger(cfg *config.Config, w io.Writer, component string) *log.Logger {
	level, err := cfg.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	logger := log.New(log.Config{
		Level:     level,
		Format:    cfg.LogFormat,
		Output:    w,
		Component: component,
	})
	log.SetDefault(logger)
	return logger
}

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadAndValidateConfig loads configuration from the environment and
// validates it.
func LoadAndValidateConfig() (*config.Config, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultBuilder assembles an App from the environment. Logs go to w so
// command output on stdout stays parseable.
func DefaultBuilder(w io.Writer) AppBuilder {
	return func(ctx context.Context) (*app.App, error) {
		LoadEnvFile()
		cfg, err := LoadAndValidateConfig()
		if err != nil {
			return nil, err
		}
		logger := SetupLogger(cfg, w, log.ComponentCLI)
		return app.New(ctx, cfg, logger, app.Options{})
	}
}

// ShutdownContext returns a context cancelled on SIGINT or SIGTERM.
func ShutdownContext(parent context.Context, logger *log.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info("Shutdown signal received", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
