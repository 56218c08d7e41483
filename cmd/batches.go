package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/prospect-cli/internal/export"
	"github.com/sells-group/prospect-cli/internal/store"
)

var batchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "Inspect batch history",
	Long:  "Commands for listing, viewing, and re-exporting persisted batches.",
}

// -- batches list --

var batchesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent batches",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		list, err := st.ListBatches(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "batches list")
		}

		if len(list) == 0 {
			fmt.Fprintln(os.Stderr, "No batches found.")
			return nil
		}

		formatBatchList(os.Stdout, list)
		return nil
	},
}

// -- batches show --

var batchesShowCmd = &cobra.Command{
	Use:   "show <batch-id>",
	Short: "Show the full result of a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		b, err := st.GetBatch(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "batches show")
		}

		return export.WriteJSON(os.Stdout, b)
	},
}

// -- batches export --

var batchesExportCmd = &cobra.Command{
	Use:   "export <batch-id>",
	Short: "Write the artifacts of a stored batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		b, err := st.GetBatch(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "batches export")
		}

		outDir, _ := cmd.Flags().GetString("out")
		formats, _ := cmd.Flags().GetStringSlice("format")
		if outDir == "" {
			outDir = cfg.Batch.OutputDir
		}
		if len(formats) == 0 {
			formats = cfg.Batch.ExportFormats
		}

		paths, err := export.Write(outDir, b, formats)
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Fprintln(os.Stdout, p)
		}
		return nil
	},
}

func init() {
	batchesListCmd.Flags().Int("limit", 20, "max number of batches to display")

	batchesExportCmd.Flags().String("out", "", "artifact directory (default from config)")
	batchesExportCmd.Flags().StringSlice("format", nil, "artifact formats: json, csv, xlsx (default from config)")

	batchesCmd.AddCommand(batchesListCmd)
	batchesCmd.AddCommand(batchesShowCmd)
	batchesCmd.AddCommand(batchesExportCmd)
	rootCmd.AddCommand(batchesCmd)
}

// formatBatchList writes a tabular list of batches to w.
func formatBatchList(out io.Writer, list []store.BatchSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tAS_OF\tLEADS\tPARTIAL\tCONFIG\tDURATION")
	for _, b := range list {
		partial := ""
		if b.Partial {
			partial = "yes"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			b.ID,
			b.AsOf.Format(time.DateTime),
			b.LeadCount,
			partial,
			b.ConfigHash,
			b.CompletedAt.Sub(b.StartedAt).Round(time.Millisecond),
		)
	}
	_ = w.Flush()
}
