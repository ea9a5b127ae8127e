package cli

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"savings/internal/app"
)

// AppBuilder assembles the application for one command invocation.
type AppBuilder func(ctx context.Context) (*app.App, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format string // "text" | "json"
	Build  AppBuilder
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the savings command tree.
func NewRootCommand(build AppBuilder) *cobra.Command {
	opts := &RootOptions{Build: build}

	cmd := &cobra.Command{
		Use:   "savings",
		Short: "Offline-first savings ledger",
		Long: `Record deposits, withdrawals and savings goals locally and
reconcile them with the savings service when it is reachable.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.Format, "output", "text", "output format (text|json)")

	cmd.AddCommand(NewDepositCommand(opts))
	cmd.AddCommand(NewWithdrawCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewEditEntryCommand(opts))
	cmd.AddCommand(NewDeleteEntryCommand(opts))
	cmd.AddCommand(NewGoalCommand(opts))
	cmd.AddCommand(NewIncomeCommand(opts))
	cmd.AddCommand(NewSettingsCommand(opts))
	cmd.AddCommand(NewLoginCommand(opts))
	cmd.AddCommand(NewLogoutCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewSignInSyncCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))

	return cmd
}

// withApp builds the App, runs fn and closes the App again.
func withApp(opts *RootOptions, fn func(cmd *cobra.Command, args []string, a *app.App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		if opts.Build == nil {
			return errors.New("no application builder configured")
		}
		a, err := opts.Build(cmd.Context())
		if err != nil {
			return err
		}
		defer func() {
			if cerr := a.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		return fn(cmd, args, a)
	}
}

// connect probes the remote once so immediate pushes can go out. Signed
// out sessions skip the probe.
func connect(ctx context.Context, a *app.App) bool {
	if !a.Session.Authenticated() {
		return false
	}
	return a.Network.Check(ctx)
}
