package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"savings/internal/app"
	"savings/internal/core"
	"savings/internal/services"
)

// NewDepositCommand creates the deposit command.
func NewDepositCommand(opts *RootOptions) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "deposit <amount>",
		Short: "Record a deposit",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app.App) error {
			amount, err := core.ParseAmount(args[0])
			if err != nil {
				return fmt.Errorf("amount %q: %w", args[0], err)
			}
			ctx := cmd.Context()
			connect(ctx, a)
			entry, err := a.Ledger.AddDeposit(ctx, amount, notes)
			if err != nil {
				return err
			}
			return printEntry(newPrinter(cmd, opts, a.Config.Currency), entry)
		}),
	}
	cmd.Flags().StringVar(&notes, "notes", "", "free-form notes")
	return cmd
}

// NewWithdrawCommand creates the withdraw command.
func NewWithdrawCommand(opts *RootOptions) *cobra.Command {
	var notes, reason, goal string
	cmd := &cobra.Command{
		Use:   "withdraw <amount>",
		Short: "Record a withdrawal",
		Long: `Record a withdrawal. Without --goal the amount is drawn from the
aggregate pool, which is reflected on the primary goal.`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app.App) error {
			amount, err := core.ParseAmount(args[0])
			if err != nil {
				return fmt.Errorf("amount %q: %w", args[0], err)
			}
			ctx := cmd.Context()
			connect(ctx, a)
			entry, err := a.Ledger.AddWithdrawal(ctx, amount, reason, notes, goal)
			if err != nil {
				return err
			}
			return printEntry(newPrinter(cmd, opts, a.Config.Currency), entry)
		}),
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the money was taken out")
	cmd.Flags().StringVar(&notes, "notes", "", "free-form notes")
	cmd.Flags().StringVar(&goal, "goal", "", "local id of the goal to draw from")
	return cmd
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(opts *RootOptions) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List ledger entries",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app.App) error {
			k := core.EntryKind(kind)
			if kind != "" && !k.Valid() {
				return fmt.Errorf("kind %q: %w", kind, core.ErrInvalidKind)
			}
			entries, err := a.Ledger.Entries(cmd.Context(), k)
			if err != nil {
				return err
			}
			p := newPrinter(cmd, opts, a.Config.Currency)
			if p.isJSON() {
				if entries == nil {
					entries = []core.LedgerEntry{}
				}
				return p.json(entries)
			}
			if len(entries) == 0 {
				p.linef("No entries.")
				return nil
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{
					e.LocalID,
					string(e.Kind),
					p.amount(e.Amount),
					e.OccurredAt.Local().Format(time.DateTime),
					describe(e),
					remoteLabel(e.SyncMeta),
					syncLabel(e.SyncMeta),
				})
			}
			return p.table([]string{"ID", "KIND", "AMOUNT", "WHEN", "DETAILS", "REMOTE", "SYNC"}, rows)
		}),
	}
	cmd.Flags().StringVar(&kind, "kind", "", "only show deposit or withdrawal entries")
	return cmd
}

// NewEditEntryCommand creates the edit-entry command.
func NewEditEntryCommand(opts *RootOptions) *cobra.Command {
	var amount, notes, reason, goal string
	cmd := &cobra.Command{
		Use:   "edit-entry <id>",
		Short: "Change an existing entry",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app.App) error {
			var upd services.EntryUpdate
			flags := cmd.Flags()
			if flags.Changed("amount") {
				v, err := core.ParseAmount(amount)
				if err != nil {
					return fmt.Errorf("amount %q: %w", amount, err)
				}
				upd.Amount = &v
			}
			if flags.Changed("notes") {
				upd.Notes = &notes
			}
			if flags.Changed("reason") {
				upd.Reason = &reason
			}
			if flags.Changed("goal") {
				upd.TargetGoal = &goal
			}

			ctx := cmd.Context()
			connect(ctx, a)
			entry, err := a.Ledger.UpdateEntry(ctx, args[0], upd)
			if err != nil {
				return err
			}
			return printEntry(newPrinter(cmd, opts, a.Config.Currency), entry)
		}),
	}
	cmd.Flags().StringVar(&amount, "amount", "", "new amount")
	cmd.Flags().StringVar(&notes, "notes", "", "new notes")
	cmd.Flags().StringVar(&reason, "reason", "", "new reason (withdrawals only)")
	cmd.Flags().StringVar(&goal, "goal", "", "new target goal id, empty for the pool (withdrawals only)")
	return cmd
}

// NewDeleteEntryCommand creates the delete-entry command.
func NewDeleteEntryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-entry <id>",
		Short: "Delete an entry locally and, when reachable, remotely",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app.App) error {
			ctx := cmd.Context()
			connect(ctx, a)
			if err := a.Ledger.DeleteEntry(ctx, args[0]); err != nil {
				return err
			}
			p := newPrinter(cmd, opts, a.Config.Currency)
			if p.isJSON() {
				return p.json(map[string]string{"deleted": args[0]})
			}
			p.linef("Deleted entry %s", args[0])
			return nil
		}),
	}
}

func printEntry(p *printer, e core.LedgerEntry) error {
	if p.isJSON() {
		return p.json(e)
	}
	p.linef("Saved %s %s (%s)", e.Kind, p.amount(e.Amount), e.LocalID)
	p.linef("Sync: %s", syncLabel(e.SyncMeta))
	return nil
}

func describe(e core.LedgerEntry) string {
	switch {
	case e.Kind == core.Withdrawal && e.Reason != "":
		return e.Reason
	case e.Notes != "":
		return e.Notes
	default:
		return "-"
	}
}
