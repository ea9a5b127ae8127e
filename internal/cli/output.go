package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"savings/internal/core"
)

// printer writes command results as text tables or JSON.
type printer struct {
	format   string
	out      io.Writer
	currency string
}

func newPrinter(cmd *cobra.Command, opts *RootOptions, currency string) *printer {
	return &printer{format: opts.Format, out: cmd.OutOrStdout(), currency: currency}
}

func (p *printer) isJSON() bool { return p.format == "json" }

func (p *printer) json(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) linef(format string, args ...any) {
	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) table(headers []string, rows [][]string) error {
	tw := tabwriter.NewWriter(p.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func (p *printer) amount(d decimal.Decimal) string {
	return core.FormatAmount(d, p.currency)
}

// syncLabel summarises a record's sync bookkeeping in one column.
func syncLabel(m core.SyncMeta) string {
	switch m.SyncState {
	case core.Failed:
		return "failed: " + m.SyncError
	case core.Unsynced:
		return "pending"
	default:
		return "synced"
	}
}

func remoteLabel(m core.SyncMeta) string {
	if !m.HasRemote() {
		return "-"
	}
	return fmt.Sprintf("%d", m.RemoteID)
}
