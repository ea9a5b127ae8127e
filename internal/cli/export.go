package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"savings/internal/app"
	"savings/internal/storage"
)

// NewExportCommand dumps the local namespace.
func NewExportCommand(opts *RootOptions) *cobra.Command {
	var format, file string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the local ledger, goals and settings as JSON or YAML",
		Long: `Write the local ledger, goals and settings as JSON or YAML. The
session token is never included.`,
		Args: cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app.App) error {
			snap, err := a.Store.Snapshot(cmd.Context())
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if file != "" {
				f, err := os.Create(file)
				if err != nil {
					return fmt.Errorf("create %s: %w", file, err)
				}
				defer f.Close()
				w = f
			}
			return writeSnapshot(w, snap, format)
		}),
	}
	cmd.Flags().StringVar(&format, "format", "json", "json or yaml")
	cmd.Flags().StringVarP(&file, "file", "f", "", "write to a file instead of stdout")
	return cmd
}

func writeSnapshot(w io.Writer, snap storage.Snapshot, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(snap); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("invalid export format %q: must be json or yaml", format)
	}
}
