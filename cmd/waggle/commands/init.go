package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/waggle/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Scaffold the coordination directory and a default config",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = config.ResolvePath()
		}
		if _, err := os.Stat(path); err == nil && !initForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}

		cfg := config.Default()
		if err := cfg.Write(path); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		for _, dir := range []string{
			filepath.Join(cfg.DataDir, "claims"),
			filepath.Join(cfg.DataDir, "state"),
		} {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("create %s: %w", dir, err)
			}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and scaffolded %s/\n", path, cfg.DataDir)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}
