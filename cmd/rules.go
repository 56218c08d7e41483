package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/prospect-cli/internal/rules"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect the vertical rule table",
}

var rulesDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the effective rule table as YAML",
	Long:  "Prints the rule table the engine would load, with built-in defaults filled in. The output is a valid rules.path file.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		r, err := loadRules()
		if err != nil {
			return err
		}
		out, err := r.Marshal()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check <path>",
	Short: "Validate a rule table file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := rules.Load(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "ok: %d verticals\n", len(r.VerticalNames()))
		return nil
	},
}

func init() {
	rulesCmd.AddCommand(rulesDumpCmd)
	rulesCmd.AddCommand(rulesCheckCmd)
	rootCmd.AddCommand(rulesCmd)
}
