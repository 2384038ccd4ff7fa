// Package cli wires the evalengine cobra commands (start/stop/status)
// to persistent flags bound into viper: a package-level rootCmd, flags
// bound in init(), subcommands registered as siblings.
package cli

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:   "evalengine",
	Short: "Scheduling and aggregation engine for AI agent response evaluation",
	Long: `evalengine fans submitted evaluation records out across five
scoring-dimension queues, collects the returning partial scores, and
materialises a weighted final evaluation once all five dimensions
report for a task.`,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to a config file (optional; env vars and defaults otherwise)")
	rootCmd.PersistentFlags().String("log-level", "", "override the configured log level")
	rootCmd.PersistentFlags().String("broker-addr", "", "override the configured broker address")
	rootCmd.PersistentFlags().String("database-url", "", "override the configured database URL")

	_ = v.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("broker_addr", rootCmd.PersistentFlags().Lookup("broker-addr"))
	_ = v.BindPFlag("database_url", rootCmd.PersistentFlags().Lookup("database-url"))

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfgFile, _ := cmd.Flags().GetString("config")
		if cfgFile == "" {
			return nil
		}
		v.SetConfigFile(cfgFile)
		return v.ReadInConfig()
	}
}

// Execute runs the root command against ctx.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
