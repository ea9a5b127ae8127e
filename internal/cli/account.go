package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"savings/internal/app"
	"savings/internal/core"
	"savings/internal/worker"
)

// NewIncomeCommand shows or sets the monthly net income.
func NewIncomeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "income [amount]",
		Short: "Show or set the net income",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app.App) error {
			ctx := cmd.Context()
			p := newPrinter(cmd, opts, a.Config.Currency)
			if len(args) == 1 {
				v, err := core.ParseAmount(args[0])
				if err != nil {
					return fmt.Errorf("net income %q: %w", args[0], err)
				}
				connect(ctx, a)
				if err := a.Ledger.SetNetIncome(ctx, v); err != nil {
					return err
				}
			}

			income, err := a.Ledger.NetIncome(ctx)
			if err != nil {
				return err
			}
			if p.isJSON() {
				return p.json(map[string]any{"net_income": income})
			}
			if !income.Valid {
				p.linef("Net income: not set")
				return nil
			}
			p.linef("Net income: %s", p.amount(income.Decimal))
			return nil
		}),
	}
}

// NewSettingsCommand shows or changes the application settings.
func NewSettingsCommand(opts *RootOptions) *cobra.Command {
	var theme, reminders, picture string
	var voice bool
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change settings",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app.App) error {
			ctx := cmd.Context()
			settings, err := a.Ledger.Settings(ctx)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("theme") || flags.Changed("reminders") || flags.Changed("voice") || flags.Changed("picture") {
				if flags.Changed("theme") {
					settings.Theme = theme
				}
				if flags.Changed("reminders") {
					settings.ReminderFrequency = reminders
				}
				if flags.Changed("voice") {
					settings.VoiceNotifications = voice
				}
				if flags.Changed("picture") {
					settings.ProfilePicture = picture
				}
				connect(ctx, a)
				if err := a.Ledger.SaveSettings(ctx, settings); err != nil {
					return err
				}
			}

			p := newPrinter(cmd, opts, a.Config.Currency)
			if p.isJSON() {
				return p.json(settings)
			}
			return p.table([]string{"SETTING", "VALUE"}, [][]string{
				{"theme", settings.Theme},
				{"reminders", settings.ReminderFrequency},
				{"voice", fmt.Sprintf("%t", settings.VoiceNotifications)},
				{"picture", settings.ProfilePicture},
			})
		}),
	}
	cmd.Flags().StringVar(&theme, "theme", "", "light, dark or maroon")
	cmd.Flags().StringVar(&reminders, "reminders", "", "daily, weekly, monthly or none")
	cmd.Flags().BoolVar(&voice, "voice", true, "voice notifications")
	cmd.Flags().StringVar(&picture, "picture", "", "profile picture reference")
	return cmd
}

// NewLoginCommand stores a bearer token and runs the sign-in sync.
func NewLoginCommand(opts *RootOptions) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with an API token and reconcile local data",
		Long: `Sign in with a token issued by the savings service. Everything
recorded while signed out is pushed first, then the account's data is
pulled.`,
		Args: cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app.App) error {
			if strings.TrimSpace(token) == "" {
				return errors.New("--token is required")
			}
			ctx := cmd.Context()
			if err := a.Session.SignIn(ctx, token); err != nil {
				return err
			}
			if !a.Network.Check(ctx) {
				p := newPrinter(cmd, opts, a.Config.Currency)
				if p.isJSON() {
					return p.json(map[string]any{"signed_in": true, "online": false})
				}
				p.linef("Signed in. The service is not reachable; run 'savings signin' once online.")
				return nil
			}
			return runSignIn(ctx, cmd, opts, a)
		}),
	}
	cmd.Flags().StringVar(&token, "token", "", "API bearer token")
	return cmd
}

// NewLogoutCommand forgets the token. Local data is kept.
func NewLogoutCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out; local data is kept",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app.App) error {
			if err := a.Session.SignOut(cmd.Context()); err != nil {
				return err
			}
			p := newPrinter(cmd, opts, a.Config.Currency)
			if p.isJSON() {
				return p.json(map[string]bool{"signed_in": false})
			}
			p.linef("Signed out.")
			return nil
		}),
	}
}

// NewSignInSyncCommand reruns the sign-in pipeline for the current session.
func NewSignInSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "signin",
		Short: "Run the sign-in synchronization for the current session",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app.App) error {
			ctx := cmd.Context()
			if !a.Session.Authenticated() {
				return errors.New("not signed in; run 'savings login' first")
			}
			a.Network.Check(ctx)
			return runSignIn(ctx, cmd, opts, a)
		}),
	}
}

// runSignIn runs the pipeline, streaming progress lines in text mode.
func runSignIn(ctx context.Context, cmd *cobra.Command, opts *RootOptions, a *app.App) error {
	p := newPrinter(cmd, opts, a.Config.Currency)

	var final worker.Progress
	if p.isJSON() {
		final = a.SignIn.Run(ctx)
		if err := p.json(final); err != nil {
			return err
		}
	} else {
		updates, cancel := a.SignIn.Subscribe()
		done := make(chan worker.Progress)
		go func() {
			var last worker.Progress
			for pr := range updates {
				p.linef("[%3d%%] %s", pr.Step, pr.Message)
				last = pr
			}
			done <- last
		}()
		final = a.SignIn.Run(ctx)
		cancel()
		if last := <-done; last != final {
			p.linef("[%3d%%] %s", final.Step, final.Message)
		}
	}

	if final.Error != "" {
		return fmt.Errorf("sign-in sync stopped at %d%%: %s", final.Step, final.Error)
	}
	return nil
}
