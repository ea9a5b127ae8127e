package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"savings/internal/amqp"
	"savings/internal/app"
	"savings/internal/log"
	"savings/internal/worker"
)

type syncReport struct {
	Ran      bool          `json:"ran"`
	Requeued int           `json:"requeued,omitempty"`
	Status   worker.Status `json:"status"`
}

// NewSyncCommand runs one sync pass in the foreground.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	var retryFailed bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push pending changes and pull remote state once",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app.App) error {
			ctx := cmd.Context()
			if !a.Session.Authenticated() {
				return errors.New("not signed in; run 'savings login' first")
			}
			if !connect(ctx, a) {
				return fmt.Errorf("%s is not reachable", a.Config.APIBaseURL)
			}

			var report syncReport
			if retryFailed {
				res, err := a.Engine.RetryFailed(ctx)
				log.NewStructuredLogger(a.Logger.WithComponent(log.ComponentCLI)).
					LogSyncResult(ctx, "failed", log.OpPush, res, err)
				if err != nil {
					return err
				}
				report.Requeued = res.Requeued
			}

			ran, err := a.Scheduler.PerformSync(ctx)
			report.Ran = ran
			report.Status = a.Scheduler.Status()

			p := newPrinter(cmd, opts, a.Config.Currency)
			if p.isJSON() {
				if perr := p.json(report); perr != nil {
					return perr
				}
			} else {
				if report.Requeued > 0 {
					p.linef("Re-queued %d rejected change(s)", report.Requeued)
				}
				if !ran {
					p.linef("Sync skipped: another pass is running or the service went offline")
				}
				printSyncStatus(p, report.Status)
			}
			return err
		}),
	}
	cmd.Flags().BoolVar(&retryFailed, "retry-failed", false, "re-queue changes the service rejected before syncing")
	return cmd
}

type statusReport struct {
	SignedIn       bool         `json:"signed_in"`
	Email          string       `json:"email,omitempty"`
	Online         bool         `json:"online"`
	Balance        string       `json:"balance"`
	BalanceDisplay string       `json:"balance_display"`
	PendingChanges int          `json:"pending_changes"`
	FailedChanges  int          `json:"failed_changes"`
	Remote         *driftReport `json:"remote,omitempty"`
}

type driftReport struct {
	Total  string `json:"total"`
	InSync bool   `json:"in_sync"`
	Drift  string `json:"drift"`
}

// NewStatusCommand reports the local balance and sync backlog.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	var withRemote bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show balance, session and sync backlog",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app.App) error {
			ctx := cmd.Context()
			p := newPrinter(cmd, opts, a.Config.Currency)

			balance, err := a.Ledger.Balance(ctx)
			if err != nil {
				return err
			}
			pending, failed, err := a.Engine.Backlog(ctx)
			if err != nil {
				return err
			}
			user, signedIn := a.Session.User()
			report := statusReport{
				SignedIn:       signedIn,
				Email:          user.Email,
				Online:         connect(ctx, a),
				Balance:        balance.StringFixed(2),
				BalanceDisplay: p.amount(balance),
				PendingChanges: pending,
				FailedChanges:  failed,
			}

			var remoteTotal string
			if withRemote {
				drift, err := a.Ledger.Drift(ctx)
				if err != nil {
					return fmt.Errorf("remote total: %w", err)
				}
				remoteTotal = p.amount(drift.Remote)
				report.Remote = &driftReport{
					Total:  drift.Remote.StringFixed(2),
					InSync: drift.InSync(),
					Drift:  drift.Difference().StringFixed(2),
				}
			}

			if p.isJSON() {
				return p.json(report)
			}
			account := "signed out"
			if signedIn {
				account = "signed in"
				if user.Email != "" {
					account += " as " + user.Email
				}
			}
			rows := [][]string{
				{"account", account},
				{"online", fmt.Sprintf("%t", report.Online)},
				{"balance", report.BalanceDisplay},
				{"pending", fmt.Sprintf("%d", pending)},
				{"failed", fmt.Sprintf("%d", failed)},
			}
			if report.Remote != nil {
				state := "in sync"
				if !report.Remote.InSync {
					state = "drift " + report.Remote.Drift
				}
				rows = append(rows, []string{"remote total", remoteTotal + " (" + state + ")"})
			}
			return p.table([]string{"FIELD", "VALUE"}, rows)
		}),
	}
	cmd.Flags().BoolVar(&withRemote, "remote", false, "compare the local balance with the service's running total")
	return cmd
}

// NewWatchCommand prints sync status events published by running daemons.
func NewWatchCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow sync status events from the message broker",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app.App) error {
			if a.Status == nil {
				return errors.New("AMQP_URL is not configured or the broker is unreachable")
			}
			p := newPrinter(cmd, opts, a.Config.Currency)
			err := a.Status.ConsumeSyncStatus(cmd.Context(), func(msg *amqp.SyncStatusMessage) error {
				if p.isJSON() {
					return p.json(msg)
				}
				last := "never"
				if msg.LastSyncAt != nil {
					last = msg.LastSyncAt.Local().Format(time.DateTime)
				}
				line := fmt.Sprintf("%s %s online=%t pending=%d failed=%d last_sync=%s",
					msg.Timestamp.Local().Format(time.DateTime), msg.Namespace,
					msg.Online, msg.PendingChanges, msg.FailedChanges, last)
				if msg.LastError != "" {
					line += " error=" + msg.LastError
				}
				p.linef("%s", line)
				return nil
			})
			if errors.Is(err, cmd.Context().Err()) {
				return nil
			}
			return err
		}),
	}
}

func printSyncStatus(p *printer, s worker.Status) {
	last := "never"
	if s.LastSyncAt != nil {
		last = s.LastSyncAt.Local().Format(time.DateTime)
	}
	p.linef("Last sync: %s", last)
	p.linef("Pending: %d  Failed: %d", s.PendingChanges, s.FailedChanges)
	if s.LastError != "" {
		p.linef("Last error: %s", s.LastError)
	}
}
