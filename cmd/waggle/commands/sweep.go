package commands

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/waggle/internal/claim"
	"github.com/mistakeknot/waggle/internal/heuristic"
	"github.com/mistakeknot/waggle/internal/probe"
	"github.com/mistakeknot/waggle/internal/storage/sqlite"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "One-shot maintenance pass: reclaim stale claims, expire trails, mark dormant heuristics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		claimCfg := claim.DefaultConfig(filepath.Join(cfg.DataDir, "claims"))
		claimCfg.StaleAfter = cfg.ClaimStaleAfter()
		chain, err := claim.New(claimCfg, probe.Process{})
		if err != nil {
			return fmt.Errorf("open claim chain: %w", err)
		}
		reclaimed := chain.Scan()
		for _, r := range reclaimed {
			fmt.Fprintf(cmd.OutOrStdout(), "reclaimed claim %d from dead agent %s (pid %d)\n", r.ClaimID, r.AgentID, r.PID)
		}

		db, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		store := sqlite.NewResilient(db)

		expired, err := store.DeleteExpiredTrails(ctx, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("expire trails: %w", err)
		}

		memory := heuristic.New(store, heuristic.DefaultConfig())
		dormant, err := memory.SweepDormant(ctx)
		if err != nil {
			return fmt.Errorf("sweep dormant: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d claims, expired %d trails, %d heuristics went dormant\n",
			len(reclaimed), expired, len(dormant))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
