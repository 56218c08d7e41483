package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/store"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List persisted prospect profiles",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		vertical, _ := cmd.Flags().GetString("vertical")
		geo, _ := cmd.Flags().GetString("geo")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		asJSON, _ := cmd.Flags().GetBool("json")

		profiles, err := st.ListProfiles(ctx, store.ProfileFilter{
			Vertical:  vertical,
			Geography: geo,
			Limit:     limit,
			Offset:    offset,
		})
		if err != nil {
			return eris.Wrap(err, "profiles list")
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(profiles)
		}

		if len(profiles) == 0 {
			fmt.Fprintln(os.Stderr, "No profiles found.")
			return nil
		}
		formatProfiles(os.Stdout, profiles)
		return nil
	},
}

func init() {
	profilesCmd.Flags().String("vertical", "", "filter by vertical")
	profilesCmd.Flags().String("geo", "", "filter by geography")
	profilesCmd.Flags().Int("limit", 50, "max number of profiles to display")
	profilesCmd.Flags().Int("offset", 0, "number of profiles to skip")
	profilesCmd.Flags().Bool("json", false, "print full profiles as JSON")
	rootCmd.AddCommand(profilesCmd)
}

// formatProfiles writes a tabular list of profiles to w.
func formatProfiles(out io.Writer, profiles []model.ProspectProfile) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tVERTICAL\tGEO\tSIGNALS\tSPEND\tSPAN_DAYS\tLAST_SEEN")
	for _, p := range profiles {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.0f\t%d\t%s\n",
			p.ID,
			p.Vertical,
			p.Geography,
			len(p.Signals),
			p.EstimatedMonthlySpend,
			p.CampaignSpanDays,
			p.LastUpdatedAt.Format(time.DateOnly),
		)
	}
	_ = w.Flush()
}
