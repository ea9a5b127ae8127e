package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"savings/internal/app"
	"savings/internal/core"
	"savings/internal/services"
)

// NewGoalCommand groups the savings goal subcommands.
func NewGoalCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "goal",
		Short: "Manage savings goals",
	}
	cmd.AddCommand(newGoalAddCommand(opts))
	cmd.AddCommand(newGoalListCommand(opts))
	cmd.AddCommand(newGoalUpdateCommand(opts))
	cmd.AddCommand(newGoalSetPrimaryCommand(opts))
	cmd.AddCommand(newGoalDeleteCommand(opts))
	return cmd
}

func newGoalAddCommand(opts *RootOptions) *cobra.Command {
	var primary bool
	cmd := &cobra.Command{
		Use:   "add <name> <target>",
		Short: "Create a goal",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app.App) error {
			target, err := core.ParseAmount(args[1])
			if err != nil {
				return fmt.Errorf("target %q: %w", args[1], core.ErrInvalidTarget)
			}
			ctx := cmd.Context()
			connect(ctx, a)
			g, err := a.Ledger.AddGoal(ctx, args[0], target, primary)
			if err != nil {
				return err
			}
			return printGoal(newPrinter(cmd, opts, a.Config.Currency), g)
		}),
	}
	cmd.Flags().BoolVar(&primary, "primary", false, "make this the primary goal")
	return cmd
}

func newGoalListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List goals",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app.App) error {
			goals, err := a.Ledger.Goals(cmd.Context())
			if err != nil {
				return err
			}
			p := newPrinter(cmd, opts, a.Config.Currency)
			if p.isJSON() {
				if goals == nil {
					goals = []core.Goal{}
				}
				return p.json(goals)
			}
			if len(goals) == 0 {
				p.linef("No goals.")
				return nil
			}
			rows := make([][]string, 0, len(goals))
			for _, g := range goals {
				marker := ""
				if g.IsPrimary {
					marker = "*"
				}
				rows = append(rows, []string{
					marker,
					g.LocalID,
					g.Name,
					p.amount(g.CurrentAmount) + " / " + p.amount(g.TargetAmount),
					remoteLabel(g.SyncMeta),
					syncLabel(g.SyncMeta),
				})
			}
			return p.table([]string{"", "ID", "NAME", "PROGRESS", "REMOTE", "SYNC"}, rows)
		}),
	}
}

func newGoalUpdateCommand(opts *RootOptions) *cobra.Command {
	var name, target string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Rename a goal or change its target",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app.App) error {
			var upd services.GoalUpdate
			if cmd.Flags().Changed("name") {
				upd.Name = &name
			}
			if cmd.Flags().Changed("target") {
				v, err := core.ParseAmount(target)
				if err != nil {
					return fmt.Errorf("target %q: %w", target, core.ErrInvalidTarget)
				}
				upd.TargetAmount = &v
			}
			ctx := cmd.Context()
			connect(ctx, a)
			g, err := a.Ledger.UpdateGoal(ctx, args[0], upd)
			if err != nil {
				return err
			}
			return printGoal(newPrinter(cmd, opts, a.Config.Currency), g)
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&target, "target", "", "new target amount")
	return cmd
}

func newGoalSetPrimaryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set-primary <id>",
		Short: "Make a goal the primary goal",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app.App) error {
			ctx := cmd.Context()
			connect(ctx, a)
			if err := a.Ledger.SetPrimary(ctx, args[0]); err != nil {
				return err
			}
			goals, err := a.Ledger.Goals(ctx)
			if err != nil {
				return err
			}
			i := core.PrimaryGoal(goals)
			if i < 0 {
				return fmt.Errorf("goal %s: %w", args[0], core.ErrNotFound)
			}
			return printGoal(newPrinter(cmd, opts, a.Config.Currency), goals[i])
		}),
	}
}

func newGoalDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a goal; withdrawals that targeted it move to the pool",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app.App) error {
			ctx := cmd.Context()
			connect(ctx, a)
			if err := a.Ledger.DeleteGoal(ctx, args[0]); err != nil {
				return err
			}
			p := newPrinter(cmd, opts, a.Config.Currency)
			if p.isJSON() {
				return p.json(map[string]string{"deleted": args[0]})
			}
			p.linef("Deleted goal %s", args[0])
			return nil
		}),
	}
}

func printGoal(p *printer, g core.Goal) error {
	if p.isJSON() {
		return p.json(g)
	}
	primary := ""
	if g.IsPrimary {
		primary = " [primary]"
	}
	p.linef("Goal %q%s (%s)", g.Name, primary, g.LocalID)
	p.linef("Progress: %s of %s", p.amount(g.CurrentAmount), p.amount(g.TargetAmount))
	p.linef("Sync: %s", syncLabel(g.SyncMeta))
	return nil
}
