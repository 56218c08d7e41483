package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "prospect-cli",
	Short: "Prospect intelligence and qualification engine",
	Long:  "Collects ad and tech-scan signals, folds them into deduplicated business profiles, scores demand, pain and fit, and emits a ranked, tiered lead list per batch.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := applyFlags(cmd, c); err != nil {
			return err
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		zap.L().With(zap.String("component", "cli")).Debug("config loaded",
			zap.String("command", cmd.CommandPath()),
			zap.String("engine_hash", cfg.EngineHash()),
			zap.String("store", cfg.Store.Driver),
			zap.String("rules", cfg.Rules.Path),
		)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

func init() {
	bindRootFlags(rootCmd)
}

// bindRootFlags defines the config overrides every subcommand accepts.
func bindRootFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("log-level", "", "log level override: debug, info, warn, error")
	f.String("log-format", "", "log format override: json or console")
	f.String("rules", "", "vertical rule table to load instead of rules.path")
	f.String("store", "", "store driver override: sqlite or postgres")
}

// applyFlags layers explicitly set persistent flags over the loaded config.
func applyFlags(cmd *cobra.Command, c *config.Config) error {
	overrides := []struct {
		flag string
		dst  *string
	}{
		{"log-level", &c.Log.Level},
		{"log-format", &c.Log.Format},
		{"rules", &c.Rules.Path},
		{"store", &c.Store.Driver},
	}
	for _, o := range overrides {
		if !cmd.Flags().Changed(o.flag) {
			continue
		}
		v, err := cmd.Flags().GetString(o.flag)
		if err != nil {
			return fmt.Errorf("read --%s: %w", o.flag, err)
		}
		*o.dst = v
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
