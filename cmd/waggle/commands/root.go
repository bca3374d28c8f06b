package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string
)

var configPath string

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "waggle",
	Short: "Waggle - filesystem blackboard for coordinating coding agents",
	Long: `Waggle coordinates independent coding agents through a shared
filesystem blackboard: exclusive file claims with stale-lock reclamation,
decaying pheromone trails, and a confidence-scored heuristic memory with
fraud detection and per-domain capacity limits.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command. Called once from main.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI.
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default waggle.yaml, or $WAGGLE_CONFIG)")
}
