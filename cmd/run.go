package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/collect"
	"github.com/sells-group/prospect-cli/internal/export"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run [signal files...]",
	Short: "Run one qualification batch",
	Long:  "Collects signals from the configured sources and any files given as arguments, then scores, allocates and tiers the held profiles and writes the batch artifacts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		asOfRaw, _ := cmd.Flags().GetString("as-of")
		n, _ := cmd.Flags().GetInt("n")
		outDir, _ := cmd.Flags().GetString("out")
		formats, _ := cmd.Flags().GetStringSlice("format")
		skipSources, _ := cmd.Flags().GetBool("skip-sources")

		asOf, err := parseAsOf(asOfRaw)
		if err != nil {
			return err
		}
		if outDir == "" {
			outDir = cfg.Batch.OutputDir
		}
		if len(formats) == 0 {
			formats = cfg.Batch.ExportFormats
		}

		collectors, err := buildCollectors(args, skipSources)
		if err != nil {
			return err
		}

		env, err := initEngine(ctx, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		b, err := env.Engine.RunBatch(ctx, collectors, pipeline.BatchOptions{AsOf: asOf, N: n})
		if err != nil {
			return eris.Wrap(err, "run batch")
		}

		paths, err := export.Write(outDir, b, formats)
		if err != nil {
			return err
		}

		alerts := env.Checker.Check(ctx, b)

		formatLeads(os.Stdout, b.Leads)
		zap.L().Info("batch complete",
			zap.String("batch_id", b.ID),
			zap.Int("leads", len(b.Leads)),
			zap.Int("alerts", len(alerts)),
			zap.Strings("artifacts", paths),
		)
		return nil
	},
}

func init() {
	runCmd.Flags().String("as-of", "", "batch as-of time (RFC3339 or YYYY-MM-DD, default now)")
	runCmd.Flags().Int("n", 0, "number of leads to emit (default from config)")
	runCmd.Flags().String("out", "", "artifact directory (default from config)")
	runCmd.Flags().StringSlice("format", nil, "artifact formats: json, csv, xlsx (default from config)")
	runCmd.Flags().Bool("skip-sources", false, "ignore configured sources and read only the given files")
	rootCmd.AddCommand(runCmd)
}

// parseAsOf accepts an RFC3339 timestamp or a bare date. Empty means now.
func parseAsOf(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, eris.Errorf("invalid --as-of %q: want RFC3339 or YYYY-MM-DD", s)
	}
	return t.UTC(), nil
}

// buildCollectors combines the configured sources with file arguments.
func buildCollectors(files []string, skipSources bool) ([]collect.Collector, error) {
	var out []collect.Collector
	if !skipSources {
		configured, err := collect.FromConfig(cfg.Sources)
		if err != nil {
			return nil, err
		}
		out = append(out, configured...)
	}
	for _, f := range files {
		out = append(out, collect.NewFile("", f))
	}
	return out, nil
}

// formatLeads writes the ranked lead list as a table.
func formatLeads(out io.Writer, leads []model.QualifiedLead) {
	if len(leads) == 0 {
		_, _ = fmt.Fprintln(out, "No leads.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RANK\tTIER\tENTITY\tVERTICAL\tGEO\tPRIORITY\tCONFIDENCE")
	for _, l := range leads {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%.2f\t%.2f\n",
			l.RankWithinBatch,
			l.Tier,
			l.EntityKey.ID(),
			l.ProfileSnapshot.Vertical,
			l.ProfileSnapshot.Geography,
			l.Score.PriorityScore,
			l.Score.Confidence,
		)
	}
	_ = w.Flush()
}
